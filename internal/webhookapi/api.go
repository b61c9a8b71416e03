// Package webhookapi exposes the inbound webhook, the provider handshake
// and the admin endpoints for sessions and scripts.
package webhookapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/concierge/internal/authmw"
	"github.com/linnemanlabs/concierge/internal/dialog"
	"github.com/linnemanlabs/concierge/internal/directory"
	"github.com/linnemanlabs/concierge/internal/orchestrator"
)

// DefaultMaxBody caps webhook and script bodies.
const DefaultMaxBody = 1 << 20

// Conversations defines the orchestration operations the API needs.
type Conversations interface {
	HandleInbound(ctx context.Context, tenantID string, in orchestrator.Inbound) (*orchestrator.Reply, error)
	Respond(ctx context.Context, tenantID, sessionID, text string) (*orchestrator.Reply, error)
	Cancel(ctx context.Context, tenantID, sessionID string) (*dialog.Session, error)
	Get(ctx context.Context, tenantID, sessionID string) (*dialog.Session, error)
}

// Scripts defines the script library operations the admin API needs.
type Scripts interface {
	Get(ctx context.Context, tenantID, id string) (*dialog.Script, error)
	List(ctx context.Context, tenantID string) ([]*dialog.Script, error)
	Save(ctx context.Context, sc *dialog.Script) (*dialog.Script, error)
	Validate(ctx context.Context, tenantID, id string) ([]dialog.Issue, error)
	Publish(ctx context.Context, tenantID, id, author string) (*dialog.Script, error)
	Unpublish(ctx context.Context, tenantID, id string) (*dialog.Script, error)
	Snapshot(ctx context.Context, tenantID, id, author, note string) (*dialog.Version, error)
	History(ctx context.Context, tenantID, id string) ([]dialog.Version, error)
	Restore(ctx context.Context, tenantID, id string, number int, author string) (*dialog.Script, error)
}

// Tenants looks up tenant credentials.
type Tenants interface {
	Tenant(id string) (*directory.Tenant, bool)
}

// Config wires an API. Conversations, Scripts and Tenants are required.
type Config struct {
	Conversations Conversations
	Scripts       Scripts
	Tenants       Tenants

	// AdminToken guards the admin routes. Empty leaves them open.
	AdminToken string
	MaxBody    int64
}

// API holds dependencies for HTTP handlers.
type API struct {
	logger     log.Logger
	conv       Conversations
	scripts    Scripts
	tenants    Tenants
	adminToken string
	maxBody    int64
}

// New creates a new API handler.
func New(logger log.Logger, cfg Config) *API {
	if logger == nil {
		logger = log.Nop()
	}
	if cfg.Conversations == nil {
		panic(xerrors.New("conversation service is required"))
	}
	if cfg.Scripts == nil {
		panic(xerrors.New("script library is required"))
	}
	if cfg.Tenants == nil {
		panic(xerrors.New("tenant directory is required"))
	}
	if cfg.MaxBody <= 0 {
		cfg.MaxBody = DefaultMaxBody
	}
	return &API{
		logger:     logger,
		conv:       cfg.Conversations,
		scripts:    cfg.Scripts,
		tenants:    cfg.Tenants,
		adminToken: cfg.AdminToken,
		maxBody:    cfg.MaxBody,
	}
}

// RegisterRoutes attaches API endpoints to the router.
func (a *API) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1/tenants/{tenant}", func(r chi.Router) {
		r.Use(a.requireTenant)

		r.Get("/webhook", a.handleHandshake)
		r.With(
			a.limitBody,
			authmw.Signature(a.webhookSecret, http.HandlerFunc(a.handleRejected)),
		).Post("/webhook", a.handleWebhook)

		r.Group(func(r chi.Router) {
			r.Use(authmw.BearerToken(a.adminToken))

			r.Get("/sessions/{id}", a.handleGetSession)
			r.Post("/sessions/{id}/cancel", a.handleCancelSession)
			r.Post("/sessions/{id}/messages", a.handleRespond)

			r.Get("/scripts", a.handleListScripts)
			r.Get("/scripts/{id}", a.handleGetScript)
			r.With(a.limitBody).Put("/scripts/{id}", a.handlePutScript)
			r.Post("/scripts/{id}/validate", a.handleValidateScript)
			r.Post("/scripts/{id}/publish", a.handlePublishScript)
			r.Post("/scripts/{id}/unpublish", a.handleUnpublishScript)
			r.Post("/scripts/{id}/snapshots", a.handleSnapshotScript)
			r.Get("/scripts/{id}/versions", a.handleListVersions)
			r.Post("/scripts/{id}/versions/{n}/restore", a.handleRestoreScript)
		})
	})
}

type tenantKey struct{}

// requireTenant resolves {tenant} and answers 404 for unknown tenants.
func (a *API) requireTenant(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "tenant")
		tenant, ok := a.tenants.Tenant(id)
		if !ok {
			writeError(w, http.StatusNotFound, "unknown tenant")
			return
		}
		trace.SpanFromContext(r.Context()).SetAttributes(attribute.String("concierge.tenant.id", id))
		ctx := context.WithValue(r.Context(), tenantKey{}, tenant)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func tenantFrom(r *http.Request) *directory.Tenant {
	t, _ := r.Context().Value(tenantKey{}).(*directory.Tenant)
	return t
}

func (a *API) limitBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, a.maxBody)
		next.ServeHTTP(w, r)
	})
}

func (a *API) webhookSecret(r *http.Request) string {
	if t := tenantFrom(r); t != nil {
		return t.WebhookSecret
	}
	return ""
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	var ve *dialog.ValidationError
	switch {
	case errors.Is(err, orchestrator.ErrSessionNotFound),
		errors.Is(err, dialog.ErrScriptNotFound),
		errors.Is(err, dialog.ErrVersionNotFound),
		errors.Is(err, directory.ErrTenantNotFound):
		return http.StatusNotFound
	case errors.Is(err, orchestrator.ErrSessionClosed),
		errors.Is(err, orchestrator.ErrSessionExpired),
		errors.Is(err, dialog.ErrScriptPublished),
		errors.Is(err, dialog.ErrVersionConflict):
		return http.StatusConflict
	case errors.As(err, &ve), errors.Is(err, dialog.ErrScriptInvalid):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// fail writes err with its mapped status, logging server errors.
func (a *API) fail(w http.ResponseWriter, r *http.Request, err error, msg string) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		a.logger.Error(r.Context(), err, msg)
		writeError(w, status, "internal error")
		return
	}
	var ve *dialog.ValidationError
	if errors.As(err, &ve) {
		writeJSON(w, status, map[string]any{"error": "script invalid", "issues": ve.Issues})
		return
	}
	writeError(w, status, err.Error())
}
