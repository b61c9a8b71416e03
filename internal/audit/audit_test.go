package audit

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/linnemanlabs/go-core/log"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func openTestDB(t *testing.T) *SQLite {
	t.Helper()
	s, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "audit.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSQLite_RecordAndSession(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := openTestDB(t)

	entries := []Entry{
		{TenantID: "t1", SessionID: "s1", Contact: "5511", Kind: KindInbound, Step: "menu", Message: "boleto", At: t0},
		{TenantID: "t1", SessionID: "s1", Contact: "5511", Kind: KindTransfer, Message: "transferred", Data: map[string]any{"agent_id": "a1"}, At: t0.Add(time.Second)},
		{TenantID: "t1", SessionID: "s2", Kind: KindInbound, Message: "other", At: t0},
		{TenantID: "t2", SessionID: "s1", Kind: KindInbound, Message: "other tenant", At: t0},
	}
	for _, e := range entries {
		if err := s.Record(ctx, e); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	got, err := s.Session(ctx, "t1", "s1")
	if err != nil {
		t.Fatalf("Session: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Session = %d entries, want 2", len(got))
	}
	if got[0].Kind != KindInbound || got[0].Message != "boleto" || got[0].Step != "menu" {
		t.Errorf("first = %+v", got[0])
	}
	if got[0].ID == "" {
		t.Error("Record did not assign an id")
	}
	if !got[1].At.Equal(t0.Add(time.Second)) {
		t.Errorf("At = %v", got[1].At)
	}
	if got[1].Data["agent_id"] != "a1" {
		t.Errorf("Data = %v", got[1].Data)
	}
}

func TestSQLite_Reopen(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "audit.db")
	s, err := OpenSQLite(ctx, path)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	_ = s.Record(ctx, Entry{TenantID: "t1", SessionID: "s1", Kind: KindInbound, Message: "oi"})
	_ = s.Close()

	s, err = OpenSQLite(ctx, path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer func() { _ = s.Close() }()
	got, _ := s.Session(ctx, "t1", "s1")
	if len(got) != 1 {
		t.Errorf("after reopen = %d entries, want 1", len(got))
	}
}

// recordingSink keeps entries and optionally fails.
type recordingSink struct {
	entries []Entry
	err     error
}

func (r *recordingSink) Record(_ context.Context, e Entry) error {
	r.entries = append(r.entries, e)
	return r.err
}

func TestMulti(t *testing.T) {
	t.Parallel()

	a := &recordingSink{err: errors.New("disk full")}
	b := &recordingSink{}
	m := Multi{a, NewLog(log.Nop()), b}

	err := m.Record(context.Background(), Entry{TenantID: "t1", Kind: KindError, Message: "x"})
	if err == nil || err.Error() != "disk full" {
		t.Errorf("err = %v, want the first sink error", err)
	}
	if len(b.entries) != 1 {
		t.Fatal("later sinks were skipped after an error")
	}
	if b.entries[0].ID != a.entries[0].ID || b.entries[0].ID == "" {
		t.Error("sinks saw different ids")
	}
}
