package postgres

import (
	"context"
	"errors"
	"runtime"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/go-core/log"
)

var queryObserver atomic.Pointer[queryObserverHolder]

type queryObserverHolder struct{ QueryObserver }

// context keys for query metadata.
type ctxKey string

const (
	ctxKeyQuery  ctxKey = "pgx.query"
	ctxKeySource ctxKey = "db.source"
)

// queryInfo travels from TraceQueryStart to TraceQueryEnd.
type queryInfo struct {
	sql    string
	args   []any
	start  time.Time
	caller string
}

// QueryObserver receives per-query metrics (wired by main for Prometheus).
// source is the HTTP route pattern or the background component that issued
// the query; operation is the SQL verb.
type QueryObserver interface {
	ObserveQuery(ctx context.Context, source, operation, outcome string, dur time.Duration)
}

// QueryObserverFunc adapts a plain function to QueryObserver.
type QueryObserverFunc func(ctx context.Context, source, operation, outcome string, dur time.Duration)

// ObserveQuery implements QueryObserver.
func (f QueryObserverFunc) ObserveQuery(ctx context.Context, source, operation, outcome string, dur time.Duration) {
	f(ctx, source, operation, outcome, dur)
}

// SetQueryObserver sets the global query observer (typically a Prometheus histogram).
func SetQueryObserver(o QueryObserver) {
	if o == nil {
		queryObserver.Store(nil)
		return
	}
	queryObserver.Store(&queryObserverHolder{QueryObserver: o})
}

func getQueryObserver() QueryObserver {
	h := queryObserver.Load()
	if h == nil {
		return nil
	}
	return h.QueryObserver
}

// WithSource labels queries issued under ctx, for work that does not run
// inside an HTTP route (job worker, sweeper).
func WithSource(ctx context.Context, source string) context.Context {
	if source == "" {
		return ctx
	}
	return context.WithValue(ctx, ctxKeySource, source)
}

// sourceFromContext prefers the chi route pattern, then WithSource.
func sourceFromContext(ctx context.Context) string {
	if rc := chi.RouteContext(ctx); rc != nil {
		if p := rc.RoutePattern(); p != "" {
			return p
		}
	}
	if v, ok := ctx.Value(ctxKeySource).(string); ok {
		return v
	}
	return "background"
}

// TracerConfig controls query logging.
type TracerConfig struct {
	// MinLogDuration skips the log line for successful queries faster
	// than this. 0 logs every query.
	MinLogDuration time.Duration
	// LogArgs includes bind arguments in log lines. They carry contact
	// phone numbers and message text, so it is off unless debugging.
	LogArgs bool
}

// loggingTracer wraps another pgx.QueryTracer (e.g. otelpgx)
// and adds a structured log line for every query.
type loggingTracer struct {
	inner pgx.QueryTracer
	cfg   TracerConfig
}

// wrapQueryTracer wraps an inner tracer with structured logging.
func wrapQueryTracer(inner pgx.QueryTracer, cfg TracerConfig) pgx.QueryTracer {
	return loggingTracer{inner: inner, cfg: cfg}
}

func (t loggingTracer) TraceQueryStart(
	ctx context.Context,
	conn *pgx.Conn,
	data pgx.TraceQueryStartData,
) context.Context {
	info := &queryInfo{
		sql:    data.SQL,
		start:  time.Now(),
		caller: findStoreCaller(),
	}
	if t.cfg.LogArgs {
		info.args = data.Args
	}

	// Let inner tracer (otelpgx) create its span first.
	if t.inner != nil {
		ctx = t.inner.TraceQueryStart(ctx, conn, data)
	}
	ctx = context.WithValue(ctx, ctxKeyQuery, info)

	if info.caller != "" {
		if span := trace.SpanFromContext(ctx); span.IsRecording() {
			span.SetAttributes(attribute.String("db.caller", info.caller))
		}
	}
	return ctx
}

func (t loggingTracer) TraceQueryEnd(
	ctx context.Context,
	conn *pgx.Conn,
	data pgx.TraceQueryEndData,
) {
	// Always call inner tracer first so spans are finished correctly.
	if t.inner != nil {
		t.inner.TraceQueryEnd(ctx, conn, data)
	}

	info, _ := ctx.Value(ctxKeyQuery).(*queryInfo)
	if info == nil {
		info = &queryInfo{}
	}
	var dur time.Duration
	if !info.start.IsZero() {
		dur = time.Since(info.start)
	}

	tag := strings.TrimSpace(data.CommandTag.String())
	op := operationName(tag, info.sql)

	// Metrics hook (runs for every query, not just ones we log).
	if obs := getQueryObserver(); obs != nil && dur > 0 {
		outcome := "ok"
		if data.Err != nil {
			outcome = "error"
		}
		obs.ObserveQuery(ctx, sourceFromContext(ctx), op, outcome, dur)
	}

	if data.Err == nil && dur < t.cfg.MinLogDuration {
		return
	}

	fields := []any{
		"db.statement", info.sql,
		"db.duration", dur.Seconds(),
		"db.operation.name", op,
		"db.source", sourceFromContext(ctx),
	}
	if info.args != nil {
		fields = append(fields, "db.args", info.args)
	}
	if tag != "" {
		fields = append(fields, "pg.command_tag", tag, "db.rows", data.CommandTag.RowsAffected())
	}
	if info.caller != "" {
		fields = append(fields, "db.caller", info.caller)
	}

	L := log.FromContext(ctx)
	if data.Err != nil {
		var pgErr *pgconn.PgError
		if errors.As(data.Err, &pgErr) {
			fields = append(fields,
				"db.error_code", pgErr.Code,
				"db.error_constraint", pgErr.ConstraintName,
			)
		}
		L.Error(ctx, data.Err, "db query failed", fields...)
		return
	}
	L.Info(ctx, "db query", fields...)
}

// operationName is the SQL verb, from the command tag when pgx returned
// one and from the statement otherwise.
func operationName(tag, sql string) string {
	src := tag
	if src == "" {
		src = sql
	}
	if fields := strings.Fields(src); len(fields) > 0 {
		return strings.ToUpper(fields[0])
	}
	return "UNKNOWN"
}

// findStoreCaller walks the stack to the first application frame that
// issued the query, typically a pgstore method.
func findStoreCaller() string {
	pcs := make([]uintptr, 32)
	n := runtime.Callers(3, pcs)
	frames := runtime.CallersFrames(pcs[:n])

	for {
		fr, more := frames.Next()
		fn := fr.Function
		if fn != "" && !isTracerNoise(fn) {
			return shortenFuncName(fn)
		}
		if !more {
			return ""
		}
	}
}

func isTracerNoise(fn string) bool {
	return strings.HasPrefix(fn, "runtime.") ||
		strings.Contains(fn, "github.com/jackc/pgx/v5") ||
		strings.Contains(fn, "github.com/jackc/puddle") ||
		strings.Contains(fn, "github.com/exaring/otelpgx") ||
		strings.Contains(fn, "github.com/linnemanlabs/concierge/internal/postgres.")
}

func shortenFuncName(fn string) string {
	// Trim package path.
	if i := strings.LastIndex(fn, "/"); i >= 0 && i+1 < len(fn) {
		fn = fn[i+1:]
	}
	// Trim package name, keep receiver + method.
	if dot := strings.Index(fn, "."); dot >= 0 && dot+1 < len(fn) {
		fn = fn[dot+1:]
	}
	return fn
}
