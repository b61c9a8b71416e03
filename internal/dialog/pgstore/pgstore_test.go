package pgstore_test

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/linnemanlabs/concierge/internal/dialog"
	"github.com/linnemanlabs/concierge/internal/dialog/pgstore"
	"github.com/linnemanlabs/concierge/internal/jobs"
	"github.com/linnemanlabs/concierge/internal/postgres"
	"github.com/linnemanlabs/concierge/internal/routing"
	"github.com/linnemanlabs/concierge/internal/ticket"
)

var (
	_ dialog.SessionStore = (*pgstore.Store)(nil)
	_ dialog.ScriptStore  = (*pgstore.Store)(nil)
	_ ticket.Store        = (*pgstore.Store)(nil)
	_ jobs.Queue          = (*pgstore.Store)(nil)
	_ routing.LoadCounter = (*pgstore.Store)(nil)
)

func openStore(t *testing.T) *pgstore.Store {
	t.Helper()
	dsn := os.Getenv("CONCIERGE_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("CONCIERGE_TEST_DATABASE_URL not set, skipping integration test")
	}
	ctx := context.Background()
	pool, err := postgres.NewPool(ctx, dsn, postgres.TracerConfig{})
	if err != nil {
		t.Fatalf("postgres.NewPool: %v", err)
	}
	t.Cleanup(pool.Close)
	s, err := pgstore.New(ctx, pool)
	if err != nil {
		t.Fatalf("pgstore.New: %v", err)
	}
	return s
}

// uniq keeps rows from different runs apart.
func uniq(prefix string) string { return prefix + "-" + ulid.Make().String() }

func testScript(tenant string) *dialog.Script {
	return &dialog.Script{
		ID:          "sc-1",
		TenantID:    tenant,
		Name:        "welcome",
		InitialStep: "menu",
		Active:      true,
		Steps: map[string]*dialog.Step{
			"menu": {ID: "menu", Kind: dialog.KindMenu, Message: "Oi", Options: []dialog.Option{{Text: "a", Next: "end"}}},
			"end":  {ID: "end", Kind: dialog.KindMessage, Message: "tchau"},
		},
	}
}

func assertEqual[T comparable](t *testing.T, field string, want, got T) {
	t.Helper()
	if want != got {
		t.Errorf("%s: got %v, want %v", field, got, want)
	}
}

func TestSessionRoundTrip(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	tenant := uniq("t")
	now := time.Now().Truncate(time.Microsecond).UTC()

	sess := dialog.NewSession(uniq("s"), testScript(tenant), tenant, "5511999990000", "whatsapp", now)
	sess.ContactName = "Ana"
	_ = sess.Vars.Set("name", "Ana")
	sess.Vars.SetContactKnown(true)
	if err := sess.RecordAnswer("menu", "1", now.Add(time.Second)); err != nil {
		t.Fatalf("RecordAnswer: %v", err)
	}

	if err := s.PutSession(ctx, sess); err != nil {
		t.Fatalf("PutSession: %v", err)
	}
	assertEqual(t, "Version", int64(1), sess.Version)

	got, ok, err := s.GetSession(ctx, tenant, sess.ID)
	if err != nil || !ok {
		t.Fatalf("GetSession: %v, %v", ok, err)
	}
	assertEqual(t, "ContactName", "Ana", got.ContactName)
	assertEqual(t, "CurrentStep", "menu", got.CurrentStep)
	assertEqual(t, "Status", string(dialog.StatusInProgress), string(got.Status))
	assertEqual(t, "InboundCount", 1, got.InboundCount)
	assertEqual(t, "name", "Ana", got.Vars.Text("name"))
	assertEqual(t, "ContactKnown", true, got.Vars.ContactKnown())
	if len(got.Transcript) != 1 || got.Transcript[0].Answer != "1" {
		t.Errorf("Transcript = %+v", got.Transcript)
	}

	active, ok, err := s.ActiveSession(ctx, tenant, "5511999990000")
	if err != nil || !ok || active.ID != sess.ID {
		t.Fatalf("ActiveSession = %v, %v, %v", active, ok, err)
	}
}

func TestSessionOptimisticWrite(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	tenant := uniq("t")
	now := time.Now().UTC()

	sess := dialog.NewSession(uniq("s"), testScript(tenant), tenant, "c1", "whatsapp", now)
	if err := s.PutSession(ctx, sess); err != nil {
		t.Fatalf("PutSession: %v", err)
	}

	a, _, _ := s.GetSession(ctx, tenant, sess.ID)
	b, _, _ := s.GetSession(ctx, tenant, sess.ID)
	_ = a.Advance("end")
	if err := s.PutSession(ctx, a); err != nil {
		t.Fatalf("first writer: %v", err)
	}
	_ = b.Advance("menu")
	if err := s.PutSession(ctx, b); !errors.Is(err, dialog.ErrVersionConflict) {
		t.Fatalf("stale writer: err = %v, want ErrVersionConflict", err)
	}

	// a second in-progress session for the same contact is refused
	dup := dialog.NewSession(uniq("s"), testScript(tenant), tenant, "c1", "whatsapp", now)
	if err := s.PutSession(ctx, dup); !errors.Is(err, dialog.ErrActiveSessionExists) {
		t.Fatalf("duplicate active: err = %v, want ErrActiveSessionExists", err)
	}

	_ = a.Complete("done", now)
	if err := s.PutSession(ctx, a); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := s.PutSession(ctx, dup); err != nil {
		t.Errorf("new session after close: %v", err)
	}
}

func TestIdleSessions(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	tenant := uniq("t")
	old := time.Now().Add(-48 * time.Hour).UTC()

	sess := dialog.NewSession(uniq("s"), testScript(tenant), tenant, "idle", "whatsapp", old)
	if err := s.PutSession(ctx, sess); err != nil {
		t.Fatalf("PutSession: %v", err)
	}

	got, err := s.IdleSessions(ctx, old.Add(time.Second), 1000)
	if err != nil {
		t.Fatalf("IdleSessions: %v", err)
	}
	found := false
	for _, g := range got {
		if g.ID == sess.ID {
			found = true
		}
	}
	if !found {
		t.Error("idle session not returned")
	}
}

func TestScriptRoundTrip(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	tenant := uniq("t")

	sc := testScript(tenant)
	sc.History = []dialog.Version{{Number: 1, InitialStep: "menu", Steps: dialog.CloneSteps(sc.Steps), Author: "ana"}}
	if err := s.PutScript(ctx, sc); err != nil {
		t.Fatalf("PutScript: %v", err)
	}
	sc.Published = true
	sc.PublishedAt = time.Now().UTC()
	if err := s.PutScript(ctx, sc); err != nil {
		t.Fatalf("PutScript upsert: %v", err)
	}

	got, ok, err := s.GetScript(ctx, tenant, "sc-1")
	if err != nil || !ok {
		t.Fatalf("GetScript: %v, %v", ok, err)
	}
	assertEqual(t, "Published", true, got.Published)
	assertEqual(t, "Name", "welcome", got.Name)
	if len(got.History) != 1 || got.History[0].Author != "ana" {
		t.Errorf("History = %+v", got.History)
	}
	if got.Steps["menu"].Options[0].Next != "end" {
		t.Error("steps did not round trip")
	}

	list, err := s.ListScripts(ctx, tenant)
	if err != nil || len(list) != 1 {
		t.Fatalf("ListScripts = %d, %v", len(list), err)
	}

	if _, ok, _ := s.GetScript(ctx, tenant, "missing"); ok {
		t.Error("GetScript found a missing script")
	}
}

func TestTickets(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	tenant := uniq("t")
	now := time.Now().Truncate(time.Microsecond).UTC()

	tk := ticket.New(tenant, "5511", ticket.Subject("Boletos"), now)
	tk.DepartmentID = "d-bol"
	if err := s.CreateTicket(ctx, tk); err != nil {
		t.Fatalf("CreateTicket: %v", err)
	}
	if err := s.AssignTicket(ctx, tenant, tk.ID, "a1", now); err != nil {
		t.Fatalf("AssignTicket: %v", err)
	}

	got, ok, err := s.ActiveTicket(ctx, tenant, "5511")
	if err != nil || !ok {
		t.Fatalf("ActiveTicket: %v, %v", ok, err)
	}
	assertEqual(t, "AgentID", "a1", got.AgentID)
	assertEqual(t, "Status", string(ticket.StatusAssigned), string(got.Status))
	assertEqual(t, "Protocol", tk.Protocol, got.Protocol)

	if _, ok, _ := s.LastTicket(ctx, tenant, "5511", now.Add(time.Hour)); ok {
		t.Error("LastTicket ignored the window")
	}

	counts, err := s.ActiveTicketCounts(ctx, tenant, []string{"a1", "a2"})
	if err != nil {
		t.Fatalf("ActiveTicketCounts: %v", err)
	}
	assertEqual(t, "a1", 1, counts["a1"])
	assertEqual(t, "a2", 0, counts["a2"])

	if err := s.AssignTicket(ctx, tenant, "missing", "a1", now); !errors.Is(err, ticket.ErrTicketNotFound) {
		t.Errorf("AssignTicket missing: err = %v", err)
	}
}

func TestJobQueue(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	now := time.Now().Truncate(time.Microsecond).UTC()

	j, err := jobs.New(uniq("kind"), "t1", map[string]string{"session_id": "s1"}, now.Add(-time.Second))
	if err != nil {
		t.Fatalf("jobs.New: %v", err)
	}
	if err := s.Enqueue(ctx, j); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	claimed, err := s.Claim(ctx, now, time.Minute, 100)
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	var mine *jobs.Job
	for _, c := range claimed {
		if c.ID == j.ID {
			mine = c
		}
	}
	if mine == nil {
		t.Fatal("due job not claimed")
	}
	assertEqual(t, "Attempts", 1, mine.Attempts)
	assertEqual(t, "Status", string(jobs.StatusRunning), string(mine.Status))

	if err := s.Retry(ctx, j.ID, now.Add(time.Hour), "boom"); err != nil {
		t.Fatalf("Retry: %v", err)
	}
	again, _ := s.Claim(ctx, now.Add(time.Second), time.Minute, 100)
	for _, c := range again {
		if c.ID == j.ID {
			t.Error("retried job claimed before run_at")
		}
	}
	if err := s.Complete(ctx, j.ID, now); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if err := s.Complete(ctx, "missing", now); !errors.Is(err, jobs.ErrJobNotFound) {
		t.Errorf("Complete missing: err = %v", err)
	}
}
