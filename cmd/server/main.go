// Concierge runs scripted customer-support conversations and hands them off
// to human agents.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	otelpyroscope "github.com/grafana/otel-profiling-go"
	"github.com/linnemanlabs/go-core/cfg"
	"github.com/linnemanlabs/go-core/opshttp"
	"github.com/linnemanlabs/go-core/prof"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"

	"github.com/linnemanlabs/go-core/health"

	"github.com/linnemanlabs/go-core/httpmw"
	"github.com/linnemanlabs/go-core/httpserver"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/go-core/metrics"
	"github.com/linnemanlabs/go-core/otelx"
	v "github.com/linnemanlabs/go-core/version"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/linnemanlabs/concierge/internal/audit"
	cc "github.com/linnemanlabs/concierge/internal/cfg"
	"github.com/linnemanlabs/concierge/internal/condition"
	"github.com/linnemanlabs/concierge/internal/dialog"
	"github.com/linnemanlabs/concierge/internal/dialog/memstore"
	"github.com/linnemanlabs/concierge/internal/dialog/pgstore"
	"github.com/linnemanlabs/concierge/internal/directory"
	"github.com/linnemanlabs/concierge/internal/jobs"
	"github.com/linnemanlabs/concierge/internal/notify/slack"
	"github.com/linnemanlabs/concierge/internal/notify/whatsapp"
	"github.com/linnemanlabs/concierge/internal/orchestrator"
	"github.com/linnemanlabs/concierge/internal/postgres"
	"github.com/linnemanlabs/concierge/internal/routing"
	"github.com/linnemanlabs/concierge/internal/ticket"
	"github.com/linnemanlabs/concierge/internal/webhookapi"
)

const appName = "concierge"
const component = "server"

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal error:", err)
		os.Exit(1)
	}
}

// stores bundles the persistence backends selected at startup.
type stores struct {
	sessions dialog.SessionStore
	scripts  dialog.ScriptStore
	tickets  ticket.Store
	queue    jobs.Queue
	load     routing.LoadCounter
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Set app name and component
	v.AppName = appName
	v.Component = component

	// Get build/version info
	vi := v.Get()

	// each package registers its own flags and options struct
	var (
		appCfg    cc.Config
		httpCfg   httpserver.Config
		httpmwCfg httpmw.Config
		logCfg    log.Config
		opsCfg    opshttp.Config
		profCfg   prof.Config
		traceCfg  otelx.Config
	)

	// register flags for each package, which will be parsed into the shared config struct
	appCfg.RegisterFlags(flag.CommandLine)
	httpCfg.RegisterFlags(flag.CommandLine)
	httpmwCfg.RegisterFlags(flag.CommandLine)
	logCfg.RegisterFlags(flag.CommandLine)
	opsCfg.RegisterFlags(flag.CommandLine)
	profCfg.RegisterFlags(flag.CommandLine)
	traceCfg.RegisterFlags(flag.CommandLine)
	var showVersion bool
	flag.BoolVar(&showVersion, "V", false, "Print version+build information and exit")

	// parse flags to get config values from cmdline, we check env vars next which do not override cmdline flags
	flag.Parse()
	if showVersion {
		fmt.Printf(
			"%s (%s) %s (commit=%s, commit_date=%s, build_id=%s, build_date=%s, go=%s, dirty=%v)\n",
			vi.AppName, vi.Component, vi.Version, vi.Commit, vi.CommitDate, vi.BuildId, vi.BuildDate, vi.GoVersion,
			vi.VCSDirty != nil && *vi.VCSDirty,
		)
		return nil
	}

	// Fill in config values from environment variables with prefix CONCIERGE_,
	// these do not override cmdline flags
	cfg.FillFromEnv(flag.CommandLine, "CONCIERGE_", func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	})

	if err := errors.Join(
		appCfg.Validate(),
		httpCfg.Validate(),
		httpmwCfg.Validate(),
		logCfg.Validate(),
		opsCfg.Validate(),
		profCfg.Validate(),
		traceCfg.Validate(),
	); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	// cross-cutting checks that only main can validate
	if appCfg.APIPort == opsCfg.Port {
		return fmt.Errorf("http and admin ports must differ (both %d)", appCfg.APIPort)
	}

	// initialize logger early
	lg, err := log.New(logCfg.ToOptions(v.AppName))
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = lg.Sync() }()

	// create a logger with component field pre-filled for structured logging in this package
	L := lg.With("component", vi.Component)

	// add logger to context
	ctx = log.WithContext(ctx, L)

	L.Info(ctx, "initializing application",
		"version", vi.Version,
		"commit", vi.Commit,
		"commit_date", vi.CommitDate,
		"build_id", vi.BuildId,
		"build_date", vi.BuildDate,
		"go_version", vi.GoVersion,
		"vcs_dirty", vi.VCSDirty,
		"http_port", appCfg.APIPort,
		"admin_port", opsCfg.Port,
		"tenant_dir", appCfg.TenantDir,
		"postgres", appCfg.DatabaseURL != "",
		"audit_db", appCfg.AuditDBPath,
		"gateway", appCfg.GatewayURL != "",
		"admin_auth", appCfg.AdminToken != "",
		"session_timeout", appCfg.SessionTimeout,
		"finalize_delay", appCfg.FinalizeDelay,
		"enable_pprof", opsCfg.EnablePprof,
		"enable_pyroscope", profCfg.EnablePyroscope,
		"enable_tracing", traceCfg.EnableTracing,
		"trace_sample", traceCfg.TraceSample,
		"otlp_endpoint", traceCfg.OTLPEndpoint,
		"pyro_server", profCfg.PyroServer,
		"trusted_proxy_hops", httpmwCfg.TrustedProxyHops,
	)

	// Setup pyroscope profiling early so we get profiles from the entire app lifetime
	profOpts := profCfg.ToOptions()
	profOpts.AppName = v.AppName
	profOpts.Tags = map[string]string{
		"app":       v.AppName,
		"component": v.Component,
		"version":   vi.Version,
		"commit":    vi.Commit,
		"build_id":  vi.BuildId,
		"source":    "lmlabs-go-agent",
	}
	stopProf, profErr := prof.Start(ctx, profOpts)
	if profErr != nil {
		L.Error(ctx, profErr, "pyroscope start failed", "pyro_server", profCfg.PyroServer)
	}
	if stopProf != nil {
		defer stopProf()
	}

	// Setup otel for tracing
	traceOpts := traceCfg.ToOptions()
	traceOpts.Service = v.AppName
	traceOpts.Component = v.Component
	traceOpts.Version = v.Version

	shutdownOtelx, err := otelx.Init(ctx, traceOpts)
	if err != nil {
		L.Error(ctx, err, "otel init failed")
	}
	if shutdownOtelx == nil {
		shutdownOtelx = func(context.Context) error { return nil }
	}
	defer func() { _ = shutdownOtelx(context.Background()) }()

	// Link spans to profiles so a slow turn can be opened as a flame graph
	profiling := profErr == nil && profCfg.EnablePyroscope
	if profiling {
		otel.SetTracerProvider(otelpyroscope.NewTracerProvider(otel.GetTracerProvider()))
	}

	// Setup metrics, we use our own metrics package for internal instrumentation
	var m = metrics.New()
	m.SetBuildInfoFromVersion(v.AppName, "server", &vi)
	m.SetProfilingActive(profiling)

	// Per-query DB duration histogram, labelled by route or background source.
	dbQueryDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "concierge_db_query_duration_seconds",
		Help:    "Duration of individual database queries.",
		Buckets: prometheus.DefBuckets,
	}, []string{"source", "operation", "outcome"})
	m.Registry().MustRegister(dbQueryDuration)
	postgres.SetQueryObserver(postgres.QueryObserverFunc(
		func(_ context.Context, source, operation, outcome string, dur time.Duration) {
			dbQueryDuration.WithLabelValues(source, operation, outcome).Observe(dur.Seconds())
		},
	))

	// Tenant configuration: nuclei, agents, rules, contacts and seed scripts.
	dir, err := directory.Open(appCfg.TenantDir, L, directory.WithPhoneNormalizer(orchestrator.NormalizePhone))
	if err != nil {
		return fmt.Errorf("tenant directory: %w", err)
	}
	L.Info(ctx, "loaded tenant directory", "tenants", len(dir.TenantIDs()))

	// Persistence
	var st stores
	if appCfg.DatabaseURL != "" {
		pool, err := postgres.NewPool(ctx, appCfg.DatabaseURL, postgres.TracerConfig{
			MinLogDuration: appCfg.DBSlowQuery,
			LogArgs:        appCfg.DBLogArgs,
		})
		if err != nil {
			return fmt.Errorf("postgres pool: %w", err)
		}
		defer pool.Close()
		pg, err := pgstore.New(ctx, pool)
		if err != nil {
			return fmt.Errorf("pgstore init: %w", err)
		}
		st = stores{sessions: pg, scripts: pg, tickets: pg, queue: pg, load: pg}
		L.Info(ctx, "using postgres store")
	} else {
		mem := memstore.New()
		st = stores{sessions: mem, scripts: mem, tickets: mem, queue: jobs.NewMemory(), load: mem}
		L.Warn(ctx, "using in-memory store (no database-url configured), sessions and pending transfers are lost on restart")
	}

	// Audit trail
	auditSink := audit.Sink(audit.NewLog(L))
	var auditDB *audit.SQLite
	if appCfg.AuditDBPath != "" {
		auditDB, err = audit.OpenSQLite(ctx, appCfg.AuditDBPath)
		if err != nil {
			return fmt.Errorf("audit db: %w", err)
		}
		defer func() { _ = auditDB.Close() }()
		auditSink = audit.Multi{auditSink, auditDB}
		L.Info(ctx, "audit log enabled", "path", appCfg.AuditDBPath)
	}

	// Metrics for each component on the shared registry
	dialogMetrics := dialog.NewMetrics(m.Registry())
	orchMetrics := orchestrator.NewMetrics(m.Registry())
	jobMetrics := jobs.NewMetrics(m.Registry())

	eval := condition.New(L)
	library := dialog.NewLibrary(st.scripts, eval, L)
	if err := dir.Seed(ctx, library); err != nil {
		// a bad seed script should not keep the other tenants down
		L.Error(ctx, err, "seeding scripts from tenant directory")
	}

	resolver := routing.NewResolver(dir, st.load, L, orchMetrics.RoutingHooks())

	sender := whatsapp.New(whatsapp.Config{URL: appCfg.GatewayURL, Token: appCfg.GatewayToken})
	if appCfg.GatewayURL == "" {
		L.Warn(ctx, "no gateway-url configured, replies are returned in webhook responses only")
	}

	// Supervisor channel for transfer notices
	notifier := newNotifier(&appCfg)
	if notifier != nil {
		L.Info(ctx, "notifier enabled", "type", "slack", "unassigned_only", appCfg.SlackUnassignedOnly)
	}

	svc := orchestrator.NewService(orchestrator.Config{
		Sessions:       st.sessions,
		Scripts:        library,
		Tickets:        st.tickets,
		Queue:          st.queue,
		Tenants:        dir,
		Sender:         sender,
		Router:         resolver,
		Notifier:       notifier,
		Audit:          auditSink,
		Engine:         dialog.NewEngine(L, dialogMetrics.Hooks()),
		Eval:           eval,
		Logger:         L,
		Hooks:          orchMetrics.Hooks(),
		SessionTimeout: appCfg.SessionTimeout,
		FinalizeDelay:  appCfg.FinalizeDelay,
	})

	worker := jobs.NewWorker(st.queue, L, jobs.WorkerConfig{PollInterval: appCfg.JobPoll}, jobMetrics.Hooks())
	svc.Register(worker)
	sweeper := orchestrator.NewSweeper(svc, appCfg.SweepInterval, 0, L)

	// Background loops share a context cancelled during shutdown, after the
	// API listener has stopped accepting work.
	bgCtx, bgCancel := context.WithCancel(ctx)
	defer bgCancel()
	var bg sync.WaitGroup
	goBackground := func(source string, fn func(context.Context) error) {
		bg.Add(1)
		go func() {
			defer bg.Done()
			if err := fn(postgres.WithSource(bgCtx, source)); err != nil {
				L.Error(bgCtx, err, "background loop stopped", "source", source)
			}
		}()
	}
	goBackground("jobs", worker.Run)
	goBackground("sweeper", sweeper.Run)
	goBackground("directory", func(c context.Context) error {
		dir.Watch(c, directory.WatchConfig{
			PollInterval: appCfg.ReloadPoll,
			OnReload: func(err error) {
				if err != nil {
					L.Error(c, err, "tenant directory reload failed, keeping previous configuration")
					return
				}
				if err := dir.Seed(c, library); err != nil {
					L.Error(c, err, "seeding scripts after reload")
				}
			},
		})
		return nil
	})
	stopBackground := func(ctx context.Context) error {
		bgCancel()
		done := make(chan struct{})
		go func() { bg.Wait(); close(done) }()
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	// setup toggle for server shutdown. this is used to fail readiness checks
	// during shutdown to drain connections from load balancer before killing the process.
	var shutdownGate health.ShutdownGate

	readiness := health.All(
		shutdownGate.Probe(),
	)
	// liveness is always true if the app is able to respond
	liveness := health.Fixed(true, "")

	// Configure ops http server for metrics, health checks, pprof, etc
	opsOpts := opsCfg.ToOptions()
	opsOpts.Metrics = m.Handler()
	opsOpts.Health = liveness
	opsOpts.Readiness = readiness
	opsOpts.UseRecoverMW = true
	opsOpts.OnPanic = m.IncHttpPanic

	opsHTTPStop, err := opshttp.Start(ctx, L, opsOpts)
	if err != nil {
		L.Error(ctx, err, "failed to start ops http listener")
		return err
	}
	defer func() {
		err := opsHTTPStop(context.Background())
		if err != nil {
			L.Error(ctx, err, "failed to stop ops http listener")
		}
	}()

	// setup main api chi router and middleware stack
	r := chi.NewRouter()

	// Compress text responses
	r.Use(middleware.Compress(5, "application/json"))

	// Annotate logger (and tracer if trace is recording) with http.route from chi route pattern
	r.Use(httpmw.AnnotateHTTPRoute)

	// Access log middleware
	r.Use(httpmw.AccessLog())

	// Hard outer cap; the webhook and script routes enforce the configured limit themselves.
	r.Use(httpmw.MaxBody(16 << 20))

	// add health check endpoints to main listener
	r.Get("/-/healthy", health.HealthzHandler(liveness))
	r.Get("/-/ready", health.ReadyzHandler(readiness))

	api := webhookapi.New(L, webhookapi.Config{
		Conversations: svc,
		Scripts:       library,
		Tenants:       dir,
		AdminToken:    appCfg.AdminToken,
		MaxBody:       appCfg.MaxBodyBytes,
	})
	api.RegisterRoutes(r)

	// middleware stack for main listener, order matters these are wrappers, outermost sees raw request
	// first and is last to see response
	var h http.Handler = r

	// Request-scoped logging (inner so it sees trace_id, chi route, etc)
	h = httpmw.WithLogger(L)(h)

	// add trace-id and span-id headers to any requests with a recording trace
	h = httpmw.TraceResponseHeaders("X-Trace-Id", "X-Span-Id")(h)

	// otel instrumentation for automatic spans and trace context propagation
	h = otelhttp.NewHandler(h, "http.server",
		otelhttp.WithFilter(func(r *http.Request) bool {
			return r.URL.Path != "/-/healthy" && r.URL.Path != "/-/ready"
		}),
		// AnnotateHTTPRoute will rename the span later to the final route pattern
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
		otelhttp.WithPublicEndpointFn(func(_ *http.Request) bool { return true }),
	)

	// Metrics middleware for prometheus instrumentation
	h = m.Middleware(h)

	// Client IP resolution and spoofing protection
	h = httpmw.ClientIPWithOptions(httpmw.ClientIPOptions{
		TrustedHops: httpmwCfg.TrustedProxyHops,
	})(h)

	// Request ID (outer so everything downstream sees it)
	h = httpmw.RequestID("X-Request-Id")(h)

	// Recovery middleware to recover and log panics and serve 500 response.
	h = httpmw.Recover(L, nil)(h)

	// Security headers outermost to ensure they are served on every response
	h = httpmw.SecurityHeaders(h)

	apiOpts, err := httpCfg.ToOptions()
	if err != nil {
		L.Error(ctx, err, "invalid http config")
		return err
	}

	apiHTTPStop, err := httpserver.Start(ctx, fmt.Sprintf(":%d", appCfg.APIPort), h, L, apiOpts)
	if err != nil {
		L.Error(ctx, err, "failed to start api http listener")
		return err
	}
	defer func() {
		err := apiHTTPStop(context.Background())
		if err != nil {
			L.Error(ctx, err, "failed to stop api http listener")
		}
	}()

	// Notify systemd that we started successfully if started under systemd
	if err := notifySystemd(); err != nil {
		L.Warn(ctx, "failed to notify systemd of readiness", "error", err)
	}

	// Wait for ctrl+c / sigterm
	<-ctx.Done()

	L.Info(context.Background(), "shutdown signal received")

	// fail health checks to drain connections
	shutdownGate.Set("draining")
	L.Info(context.Background(), "shutdown gate closed")

	drainDuration := time.Duration(appCfg.DrainSeconds) * time.Second
	L.Info(context.Background(), "sleeping for drain period", "drain_seconds", appCfg.DrainSeconds)
	forceCh := make(chan os.Signal, 1)
	signal.Notify(forceCh, os.Interrupt, syscall.SIGTERM)
	select {
	case <-time.After(drainDuration):
		L.Info(context.Background(), "drain period complete")
	case <-forceCh:
		L.Warn(context.Background(), "second signal received, skipping drain")
	}
	signal.Stop(forceCh)

	// Shutdown components with per-component budget sliced from total.
	// The API stops first so no new transfers are queued while the worker drains.
	type stopFn struct {
		name string
		fn   func(context.Context) error
	}
	stopFns := []stopFn{
		{"api http server", apiHTTPStop},
		{"background loops", stopBackground},
		{"ops http server", opsHTTPStop},
		{"otel", shutdownOtelx},
	}

	budget := time.Duration(appCfg.ShutdownBudgetSeconds) * time.Second
	perComponent := budget / time.Duration(len(stopFns))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), budget)
	defer cancel()

	for _, s := range stopFns {
		cctx, ccancel := context.WithTimeout(shutdownCtx, perComponent)
		if err := s.fn(cctx); err != nil {
			L.Error(context.Background(), err, s.name+" shutdown")
		}
		ccancel()
	}

	if stopProf != nil {
		stopProf()
	}

	L.Info(context.Background(), "shutdown complete")
	return nil
}

// newNotifier returns nil when no supervisor channel is configured.
func newNotifier(c *cc.Config) orchestrator.Notifier {
	if c.SlackWebhookURL == "" {
		return nil
	}
	var opts []slack.Option
	if c.SlackUnassignedOnly {
		opts = append(opts, slack.UnassignedOnly())
	}
	return slack.New(c.SlackWebhookURL, opts...)
}

func notifySystemd() error {
	// systemd will set NOTIFY_SOCKET to a unix socket path if we were started under systemd with type=notify
	addr := os.Getenv("NOTIFY_SOCKET")
	if addr == "" {
		return fmt.Errorf("NOTIFY_SOCKET not set, skipping systemd notify")
	}
	conn, err := net.Dial("unixgram", addr) //nolint:gosec,noctx // G704: addr is from NOTIFY_SOCKET set by systemd not user input, no context support in net package for unixgram sockets
	if err != nil {
		return fmt.Errorf("systemd notify failed: dial failed: %w", err)
	}
	defer func() { _ = conn.Close() }()
	if _, err := conn.Write([]byte("READY=1")); err != nil {
		return fmt.Errorf("systemd notify failed: write failed: %w", err)
	}
	return nil
}
