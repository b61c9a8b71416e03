package postgres

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

func TestShortenFuncName(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		want string
	}{
		{"full path", "github.com/linnemanlabs/concierge/internal/dialog/pgstore.(*Store).GetSession", "(*Store).GetSession"},
		{"already short", "(*Store).Get", "Get"},
		{"empty string", "", ""},
		{"no dots", "main", "main"},
		{"no slashes", "pgstore.(*Store).GetSession", "(*Store).GetSession"},
		{"single segment", "foo.Bar", "Bar"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := shortenFuncName(tt.in)
			if got != tt.want {
				t.Errorf("shortenFuncName(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestOperationName(t *testing.T) {
	t.Parallel()

	tests := []struct {
		tag, sql, want string
	}{
		{"UPDATE 1", "update sessions set ...", "UPDATE"},
		{"", "  select id from jobs", "SELECT"},
		{"", "", "UNKNOWN"},
	}
	for _, tt := range tests {
		if got := operationName(tt.tag, tt.sql); got != tt.want {
			t.Errorf("operationName(%q, %q) = %q, want %q", tt.tag, tt.sql, got, tt.want)
		}
	}
}

func TestSourceFromContext(t *testing.T) {
	t.Parallel()

	if got := sourceFromContext(context.Background()); got != "background" {
		t.Errorf("plain context = %q", got)
	}
	if got := sourceFromContext(WithSource(context.Background(), "jobs")); got != "jobs" {
		t.Errorf("WithSource = %q", got)
	}
	if got := sourceFromContext(WithSource(context.Background(), "")); got != "background" {
		t.Errorf("empty WithSource = %q", got)
	}

	// chi route patterns win over WithSource
	var got string
	r := chi.NewRouter()
	r.Get("/api/v1/tenants/{tenant}/sessions/{id}", func(_ http.ResponseWriter, req *http.Request) {
		got = sourceFromContext(WithSource(req.Context(), "jobs"))
	})
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/v1/tenants/acme/sessions/s1", http.NoBody))
	if got != "/api/v1/tenants/{tenant}/sessions/{id}" {
		t.Errorf("route source = %q", got)
	}
}

// recordingTracer checks the inner tracer is called around ours.
type recordingTracer struct {
	mu           sync.Mutex
	starts, ends int
}

func (r *recordingTracer) TraceQueryStart(ctx context.Context, _ *pgx.Conn, _ pgx.TraceQueryStartData) context.Context {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.starts++
	return ctx
}

func (r *recordingTracer) TraceQueryEnd(context.Context, *pgx.Conn, pgx.TraceQueryEndData) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ends++
}

func TestLoggingTracer(t *testing.T) {
	// Not parallel: sets the global query observer.
	defer SetQueryObserver(nil)

	type observed struct {
		source, op, outcome string
	}
	var got []observed
	SetQueryObserver(QueryObserverFunc(func(_ context.Context, source, op, outcome string, _ time.Duration) {
		got = append(got, observed{source, op, outcome})
	}))

	inner := &recordingTracer{}
	tr := wrapQueryTracer(inner, TracerConfig{MinLogDuration: time.Hour})
	ctx := WithSource(context.Background(), "sweeper")

	qctx := tr.TraceQueryStart(ctx, nil, pgx.TraceQueryStartData{SQL: "SELECT 1", Args: []any{"5511999990000"}})
	info, _ := qctx.Value(ctxKeyQuery).(*queryInfo)
	if info == nil {
		t.Fatal("query info not stored in context")
	}
	if info.args != nil {
		t.Error("args kept although LogArgs is off")
	}
	time.Sleep(time.Millisecond)
	tr.TraceQueryEnd(qctx, nil, pgx.TraceQueryEndData{CommandTag: pgconn.NewCommandTag("SELECT 1")})

	qctx = tr.TraceQueryStart(ctx, nil, pgx.TraceQueryStartData{SQL: "insert into tickets"})
	time.Sleep(time.Millisecond)
	tr.TraceQueryEnd(qctx, nil, pgx.TraceQueryEndData{Err: errors.New("boom")})

	if inner.starts != 2 || inner.ends != 2 {
		t.Errorf("inner tracer calls = %d/%d, want 2/2", inner.starts, inner.ends)
	}
	want := []observed{{"sweeper", "SELECT", "ok"}, {"sweeper", "INSERT", "error"}}
	if len(got) != len(want) {
		t.Fatalf("observed = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("observed[%d] = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestLoggingTracer_KeepsArgsWhenAsked(t *testing.T) {
	t.Parallel()

	tr := wrapQueryTracer(nil, TracerConfig{LogArgs: true})
	ctx := tr.TraceQueryStart(context.Background(), nil, pgx.TraceQueryStartData{SQL: "SELECT $1", Args: []any{1}})
	info, _ := ctx.Value(ctxKeyQuery).(*queryInfo)
	if info == nil || len(info.args) != 1 {
		t.Fatalf("info = %+v", info)
	}
	if info.caller == "" {
		t.Error("caller not resolved")
	}
}

func TestSetQueryObserver(t *testing.T) {
	// Not parallel: mutates the global observer.
	defer SetQueryObserver(nil)

	called := false
	SetQueryObserver(QueryObserverFunc(func(_ context.Context, _, _, _ string, _ time.Duration) {
		called = true
	}))
	got := getQueryObserver()
	if got == nil {
		t.Fatal("expected non-nil observer after Set")
	}
	got.ObserveQuery(context.Background(), "jobs", "SELECT", "ok", time.Millisecond)
	if !called {
		t.Error("observer was not called")
	}

	SetQueryObserver(nil)
	if getQueryObserver() != nil {
		t.Error("expected nil observer after Set(nil)")
	}
}
