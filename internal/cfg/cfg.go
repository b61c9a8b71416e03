package cfg

import (
	"errors"
	"flag"
	"fmt"
	"net/url"
	"time"
)

// Config holds the concierge service settings. It implements the
// cfg.Registerable and cfg.Validatable interfaces from go-core.
type Config struct {
	DrainSeconds          int
	ShutdownBudgetSeconds int
	APIPort               int
	MaxBodyBytes          int64

	TenantDir    string
	DatabaseURL  string
	DBSlowQuery  time.Duration
	DBLogArgs    bool
	AuditDBPath  string
	AdminToken   string
	GatewayURL   string
	GatewayToken string

	SlackWebhookURL     string
	SlackUnassignedOnly bool

	SessionTimeout time.Duration
	FinalizeDelay  time.Duration
	SweepInterval  time.Duration
	JobPoll        time.Duration
	ReloadPoll     time.Duration
}

// RegisterFlags binds Config fields to the given FlagSet with defaults inline
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.IntVar(&c.DrainSeconds, "drain-seconds", 60, "seconds to wait for in-flight requests to drain before shutdown (1..300)")
	fs.IntVar(&c.ShutdownBudgetSeconds, "shutdown-budget-seconds", 90, "total seconds for component shutdown after drain (1..300)")
	fs.IntVar(&c.APIPort, "http-port", 8080, "API listen TCP port (1..65535)")
	fs.Int64Var(&c.MaxBodyBytes, "max-body-bytes", 1<<20, "largest accepted webhook or admin request body (1KiB..16MiB)")
	fs.StringVar(&c.TenantDir, "tenant-dir", "", "directory of tenant YAML/TOML files (required)")
	fs.StringVar(&c.DatabaseURL, "database-url", "", "PostgreSQL connection URL (empty = in-memory store)")
	fs.DurationVar(&c.DBSlowQuery, "db-slow-query", 100*time.Millisecond, "log successful queries slower than this (0 logs all)")
	fs.BoolVar(&c.DBLogArgs, "db-log-args", false, "include query arguments in logs and spans (contains contact data)")
	fs.StringVar(&c.AuditDBPath, "audit-db", "", "SQLite file for the audit log (empty = audit to the application log only)")
	fs.StringVar(&c.AdminToken, "admin-token", "", "bearer token for the admin API (empty = admin API unauthenticated)")
	fs.StringVar(&c.GatewayURL, "gateway-url", "", "message gateway endpoint for outbound replies (empty = replies are not delivered)")
	fs.StringVar(&c.GatewayToken, "gateway-token", "", "bearer token for the message gateway")
	fs.StringVar(&c.SlackWebhookURL, "slack-webhook-url", "", "Slack incoming webhook for transfer notices (empty = disabled)")
	fs.BoolVar(&c.SlackUnassignedOnly, "slack-unassigned-only", false, "only notify Slack about transfers no agent could take")
	fs.DurationVar(&c.SessionTimeout, "session-timeout", 30*time.Minute, "inactivity before a session expires (1m..24h)")
	fs.DurationVar(&c.FinalizeDelay, "finalize-delay", 2*time.Second, "delay between the handoff message and the transfer (0..10m)")
	fs.DurationVar(&c.SweepInterval, "sweep-interval", time.Minute, "how often idle sessions are expired (1s..1h)")
	fs.DurationVar(&c.JobPoll, "job-poll", time.Second, "delayed job poll interval (100ms..1m)")
	fs.DurationVar(&c.ReloadPoll, "reload-poll", 30*time.Second, "tenant directory poll fallback interval (1s..1h)")
}

// Validate checks all configuration fields for correctness.
// It returns an error if any field is invalid, or nil if all fields are valid.
func (c *Config) Validate() error {
	var errs []error

	// Drain and shutdown budgets
	if c.DrainSeconds <= 0 || c.DrainSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid DRAIN_SECONDS %d (must be 1..300)", c.DrainSeconds))
	}
	if c.ShutdownBudgetSeconds <= 0 || c.ShutdownBudgetSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid SHUTDOWN_BUDGET_SECONDS %d (must be 1..300)", c.ShutdownBudgetSeconds))
	}

	// Shutdown budget must be greater than drain time
	if c.ShutdownBudgetSeconds <= c.DrainSeconds {
		errs = append(errs, fmt.Errorf("SHUTDOWN_BUDGET_SECONDS %d must be greater than DRAIN_SECONDS %d", c.ShutdownBudgetSeconds, c.DrainSeconds))
	}

	// API port must be valid TCP port number
	if c.APIPort <= 0 || c.APIPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.APIPort))
	}

	if c.MaxBodyBytes < 1<<10 || c.MaxBodyBytes > 16<<20 {
		errs = append(errs, fmt.Errorf("invalid MAX_BODY_BYTES %d (must be 1024..16777216)", c.MaxBodyBytes))
	}

	// Tenants, nuclei, agents and scripts all come from here
	if c.TenantDir == "" {
		errs = append(errs, errors.New("TENANT_DIR is required"))
	}

	if c.DBSlowQuery < 0 {
		errs = append(errs, fmt.Errorf("invalid DB_SLOW_QUERY %s (must not be negative)", c.DBSlowQuery))
	}

	errs = append(errs,
		httpURL("GATEWAY_URL", c.GatewayURL),
		httpURL("SLACK_WEBHOOK_URL", c.SlackWebhookURL),
	)
	if c.GatewayToken != "" && c.GatewayURL == "" {
		errs = append(errs, errors.New("GATEWAY_TOKEN is set without GATEWAY_URL"))
	}

	errs = append(errs,
		durationIn("SESSION_TIMEOUT", c.SessionTimeout, time.Minute, 24*time.Hour),
		durationIn("FINALIZE_DELAY", c.FinalizeDelay, 0, 10*time.Minute),
		durationIn("SWEEP_INTERVAL", c.SweepInterval, time.Second, time.Hour),
		durationIn("JOB_POLL", c.JobPoll, 100*time.Millisecond, time.Minute),
		durationIn("RELOAD_POLL", c.ReloadPoll, time.Second, time.Hour),
	)

	return errors.Join(errs...)
}

// httpURL accepts an empty value or an absolute http(s) URL.
func httpURL(name, raw string) error {
	if raw == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("invalid %s %q (must be an http or https URL)", name, raw)
	}
	return nil
}

func durationIn(name string, d, lo, hi time.Duration) error {
	if d < lo || d > hi {
		return fmt.Errorf("invalid %s %s (must be %s..%s)", name, d, lo, hi)
	}
	return nil
}
