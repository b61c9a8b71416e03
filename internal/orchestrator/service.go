// Package orchestrator runs one conversation turn per inbound message: it
// finds or starts the contact's session, lets the dialog engine move it,
// hands transfers to routing and ticketing, delivers the replies and
// schedules the post-transfer finalization.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/concierge/internal/audit"
	"github.com/linnemanlabs/concierge/internal/condition"
	"github.com/linnemanlabs/concierge/internal/dialog"
	"github.com/linnemanlabs/concierge/internal/directory"
	"github.com/linnemanlabs/concierge/internal/jobs"
	"github.com/linnemanlabs/concierge/internal/keyword"
	"github.com/linnemanlabs/concierge/internal/routing"
	"github.com/linnemanlabs/concierge/internal/ticket"
)

var tracer = otel.Tracer("github.com/linnemanlabs/concierge/internal/orchestrator")

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionClosed   = errors.New("session is closed, start a new session")
	ErrSessionExpired  = errors.New("session expired, start a new session")
	ErrInvalidContact  = errors.New("invalid contact phone")
)

const (
	// JobFinalize is the job kind that closes a session after its transfer
	// notice went out.
	JobFinalize = "session.finalize"

	DefaultFinalizeDelay    = 1200 * time.Millisecond
	DefaultLastTicketWindow = 7 * 24 * time.Hour
	DefaultChannel          = "whatsapp"
)

const (
	exitMessage      = "Atendimento encerrado. Quando precisar, é só mandar uma mensagem."
	goodbyeMessage   = "Obrigado pelo contato! Até logo."
	completedMessage = "✅ Triagem concluída! Obrigado pelas informações."
	errorMessage     = "Desculpe, tivemos um problema ao continuar seu atendimento. Tente novamente em instantes."
	restartMessage   = "Nosso atendimento foi atualizado. Vamos recomeçar."
)

// Sender delivers a reply to a contact.
type Sender interface {
	Send(ctx context.Context, tenantID, to string, resp dialog.Response) error
}

// Tenants is the per-tenant configuration the service reads.
type Tenants interface {
	Tenant(id string) (*directory.Tenant, bool)
	Nuclei(ctx context.Context, tenantID string) ([]routing.Nucleus, error)
	Contact(tenantID, phone string) (directory.Contact, bool)
}

// Notifier tells supervisors about completed transfers. Failures are
// logged and never affect the conversation.
type Notifier interface {
	NotifyHandoff(ctx context.Context, n HandoffNotice) error
}

// HandoffNotice describes a finalized transfer.
type HandoffNotice struct {
	TenantID    string
	TenantName  string
	SessionID   string
	Contact     string
	ContactName string
	Department  string
	AgentID     string
	AgentName   string
	TicketID    string
	Protocol    string
	Summary     string
	At          time.Time
}

// AgentSelector picks the agent that receives a transfer. A nil agent
// means nobody is eligible right now.
type AgentSelector interface {
	SelectAgent(ctx context.Context, tenantID, nucleusID, departmentID string) (*routing.Agent, error)
}

// Hooks receives service events. Nil fields are skipped.
type Hooks struct {
	OnInbound  func(result string, dur time.Duration)
	OnOpen     func()
	OnClose    func(status dialog.Status)
	OnHandoff  func(assigned bool)
	OnSend     func(err error)
	OnShortcut func(category string)
}

// Inbound is a normalized message from a contact.
type Inbound struct {
	From      string
	Name      string
	Text      string
	Channel   string
	MessageID string
	At        time.Time
}

// Reply summarizes what a turn did.
type Reply struct {
	SessionID string            `json:"session_id,omitempty"`
	Status    dialog.Status     `json:"status,omitempty"`
	Step      string            `json:"step,omitempty"`
	Messages  []dialog.Response `json:"messages,omitempty"`
	TicketID  string            `json:"ticket_id,omitempty"`
	Protocol  string            `json:"protocol,omitempty"`
	Ignored   bool              `json:"ignored,omitempty"`
	Reason    string            `json:"reason,omitempty"`
}

// Config wires a Service. Sessions, Scripts, Tickets, Queue, Tenants and
// Sender are required.
type Config struct {
	Sessions dialog.SessionStore
	Scripts  *dialog.Library
	Tickets  ticket.Store
	Queue    jobs.Queue
	Tenants  Tenants
	Sender   Sender

	Router   AgentSelector
	Notifier Notifier
	Audit    audit.Sink
	Engine   *dialog.Engine
	Matcher  *keyword.Matcher
	Eval     *condition.Evaluator
	Logger   log.Logger
	Hooks    Hooks

	SessionTimeout   time.Duration
	FinalizeDelay    time.Duration
	LastTicketWindow time.Duration
}

// Service is the business boundary for conversations.
type Service struct {
	sessions dialog.SessionStore
	scripts  *dialog.Library
	tickets  ticket.Store
	queue    jobs.Queue
	tenants  Tenants
	sender   Sender
	router   AgentSelector
	notifier Notifier
	audit    audit.Sink
	engine   *dialog.Engine
	matcher  *keyword.Matcher
	eval     *condition.Evaluator
	logger   log.Logger
	hooks    Hooks

	timeout          time.Duration
	finalizeDelay    time.Duration
	lastTicketWindow time.Duration

	locks *keyedMutex
	now   func() time.Time

	cmu      sync.Mutex
	compiled map[string]compiledScript
}

type compiledScript struct {
	stamp string
	c     *dialog.Compiled
}

// NewService creates a Service.
func NewService(cfg Config) *Service {
	switch {
	case cfg.Sessions == nil:
		panic(xerrors.New("session store is required"))
	case cfg.Scripts == nil:
		panic(xerrors.New("script library is required"))
	case cfg.Tickets == nil:
		panic(xerrors.New("ticket store is required"))
	case cfg.Queue == nil:
		panic(xerrors.New("job queue is required"))
	case cfg.Tenants == nil:
		panic(xerrors.New("tenant directory is required"))
	case cfg.Sender == nil:
		panic(xerrors.New("sender is required"))
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Nop()
	}
	if cfg.Audit == nil {
		cfg.Audit = audit.NewLog(cfg.Logger)
	}
	if cfg.Engine == nil {
		cfg.Engine = dialog.NewEngine(cfg.Logger, dialog.EngineHooks{})
	}
	if cfg.Matcher == nil {
		cfg.Matcher = keyword.New()
	}
	if cfg.Eval == nil {
		cfg.Eval = condition.New(cfg.Logger)
	}
	if cfg.SessionTimeout <= 0 {
		cfg.SessionTimeout = dialog.DefaultSessionTimeout
	}
	if cfg.FinalizeDelay <= 0 {
		cfg.FinalizeDelay = DefaultFinalizeDelay
	}
	if cfg.LastTicketWindow <= 0 {
		cfg.LastTicketWindow = DefaultLastTicketWindow
	}

	return &Service{
		sessions:         cfg.Sessions,
		scripts:          cfg.Scripts,
		tickets:          cfg.Tickets,
		queue:            cfg.Queue,
		tenants:          cfg.Tenants,
		sender:           cfg.Sender,
		router:           cfg.Router,
		notifier:         cfg.Notifier,
		audit:            cfg.Audit,
		engine:           cfg.Engine,
		matcher:          cfg.Matcher,
		eval:             cfg.Eval,
		logger:           cfg.Logger,
		hooks:            cfg.Hooks,
		timeout:          cfg.SessionTimeout,
		finalizeDelay:    cfg.FinalizeDelay,
		lastTicketWindow: cfg.LastTicketWindow,
		locks:            newKeyedMutex(),
		now:              time.Now,
		compiled:         make(map[string]compiledScript),
	}
}

// Register adds the service's job handlers to w.
func (s *Service) Register(w *jobs.Worker) {
	w.Handle(JobFinalize, s.handleFinalize)
}

// HandleInbound processes one message from a contact.
func (s *Service) HandleInbound(ctx context.Context, tenantID string, in Inbound) (*Reply, error) {
	start := time.Now()
	ctx, span := tracer.Start(ctx, "orchestrator.HandleInbound", trace.WithAttributes(
		attribute.String("tenant.id", tenantID),
		attribute.String("message.channel", in.Channel),
	))
	defer span.End()

	reply, err := s.handleInbound(ctx, tenantID, in)

	result := "processed"
	switch {
	case err != nil:
		result = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	case reply.Ignored:
		result = "ignored"
	default:
		span.SetAttributes(
			attribute.String("session.id", reply.SessionID),
			attribute.String("session.status", string(reply.Status)),
		)
	}
	if s.hooks.OnInbound != nil {
		s.hooks.OnInbound(result, time.Since(start))
	}
	return reply, err
}

func (s *Service) handleInbound(ctx context.Context, tenantID string, in Inbound) (*Reply, error) {
	tenant, ok := s.tenants.Tenant(tenantID)
	if !ok {
		return nil, fmt.Errorf("%w: %q", directory.ErrTenantNotFound, tenantID)
	}
	phone := NormalizePhone(in.From)
	if phone == "" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidContact, in.From)
	}
	if in.Channel == "" {
		in.Channel = DefaultChannel
	}
	text := strings.TrimSpace(in.Text)
	if text == "" {
		s.record(ctx, audit.Entry{
			TenantID: tenantID,
			Contact:  phone,
			Kind:     audit.KindIgnored,
			Message:  "message without text",
			Data:     map[string]any{"message_id": in.MessageID},
		})
		return &Reply{Ignored: true, Reason: "message without text"}, nil
	}

	unlock := s.locks.Lock(tenantID + "/" + phone)
	defer unlock()

	now := s.now()
	sess, found, err := s.sessions.ActiveSession(ctx, tenantID, phone)
	if err != nil {
		return nil, fmt.Errorf("load active session: %w", err)
	}
	if found && sess.IsExpired(now, s.timeout) {
		if err := s.expire(ctx, sess, now); err != nil {
			return nil, err
		}
		found = false
	}
	if !found {
		return s.start(ctx, tenant, phone, in, text)
	}

	t, err := s.resume(ctx, tenant, sess)
	if errors.Is(err, dialog.ErrScriptNotFound) {
		s.logger.Warn(ctx, "session script was removed, starting over",
			"tenant_id", tenantID,
			"session_id", sess.ID,
			"script_id", sess.ScriptID,
		)
		if err := sess.Fail("script removed", now); err != nil {
			return nil, err
		}
		if err := s.sessions.PutSession(ctx, sess); err != nil {
			return nil, fmt.Errorf("save session %s: %w", sess.ID, err)
		}
		s.closed(dialog.StatusError)
		return s.start(ctx, tenant, phone, in, text)
	}
	if err != nil {
		return nil, err
	}
	t.record(ctx, audit.KindInbound, text, map[string]any{"message_id": in.MessageID})
	return s.continueTurn(ctx, t, text)
}

// Respond processes an answer for a known session.
func (s *Service) Respond(ctx context.Context, tenantID, sessionID, text string) (*Reply, error) {
	ctx, span := tracer.Start(ctx, "orchestrator.Respond", trace.WithAttributes(
		attribute.String("tenant.id", tenantID),
		attribute.String("session.id", sessionID),
	))
	defer span.End()

	reply, err := s.respond(ctx, tenantID, sessionID, text)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return reply, err
}

func (s *Service) respond(ctx context.Context, tenantID, sessionID, text string) (*Reply, error) {
	tenant, ok := s.tenants.Tenant(tenantID)
	if !ok {
		return nil, fmt.Errorf("%w: %q", directory.ErrTenantNotFound, tenantID)
	}
	sess, err := s.Get(ctx, tenantID, sessionID)
	if err != nil {
		return nil, err
	}

	unlock := s.locks.Lock(tenantID + "/" + sess.Contact)
	defer unlock()

	// re-read under the contact lock
	if sess, err = s.Get(ctx, tenantID, sessionID); err != nil {
		return nil, err
	}
	if err := s.usable(ctx, sess); err != nil {
		return nil, err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return &Reply{SessionID: sess.ID, Status: sess.Status, Step: sess.CurrentStep, Ignored: true, Reason: "message without text"}, nil
	}

	t, err := s.resume(ctx, tenant, sess)
	if err != nil {
		return nil, err
	}
	t.record(ctx, audit.KindInbound, text, nil)
	return s.continueTurn(ctx, t, text)
}

// Cancel abandons a session.
func (s *Service) Cancel(ctx context.Context, tenantID, sessionID string) (*dialog.Session, error) {
	sess, err := s.Get(ctx, tenantID, sessionID)
	if err != nil {
		return nil, err
	}

	unlock := s.locks.Lock(tenantID + "/" + sess.Contact)
	defer unlock()

	if sess, err = s.Get(ctx, tenantID, sessionID); err != nil {
		return nil, err
	}
	if !sess.Active() {
		return nil, fmt.Errorf("%w: session is %s", ErrSessionClosed, sess.Status)
	}
	if err := sess.Abandon(s.now()); err != nil {
		return nil, err
	}
	if err := s.sessions.PutSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("save session %s: %w", sess.ID, err)
	}
	s.closed(dialog.StatusAbandoned)
	s.record(ctx, audit.Entry{
		TenantID:  tenantID,
		SessionID: sess.ID,
		Contact:   sess.Contact,
		Kind:      audit.KindTransition,
		Step:      sess.CurrentStep,
		Message:   "session cancelled",
		Data:      map[string]any{"status": string(sess.Status)},
	})
	s.logger.Info(ctx, "session cancelled", "tenant_id", tenantID, "session_id", sess.ID)
	return sess, nil
}

// Get returns a session.
func (s *Service) Get(ctx context.Context, tenantID, sessionID string) (*dialog.Session, error) {
	sess, ok, err := s.sessions.GetSession(ctx, tenantID, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrSessionNotFound, sessionID)
	}
	return sess, nil
}

// usable checks that sess can take another answer, expiring it when it sat
// idle for too long.
func (s *Service) usable(ctx context.Context, sess *dialog.Session) error {
	switch {
	case sess.Status == dialog.StatusExpired:
		return ErrSessionExpired
	case !sess.Active():
		return fmt.Errorf("%w: session is %s", ErrSessionClosed, sess.Status)
	}
	now := s.now()
	if sess.IsExpired(now, s.timeout) {
		if err := s.expire(ctx, sess, now); err != nil {
			return err
		}
		return ErrSessionExpired
	}
	return nil
}

//  Turn

// turn carries one message's work on a session.
type turn struct {
	tenant *directory.Tenant
	sess   *dialog.Session
	c      *dialog.Compiled
	env    dialog.Env
	L      log.Logger

	fromStep   string
	fromStatus dialog.Status

	out       []dialog.Response
	sent      []dialog.Response
	handoff   *dialog.Handoff
	ticket    *ticket.Ticket
	restarted bool

	audit audit.Sink
}

func (s *Service) newTurn(tenant *directory.Tenant, sess *dialog.Session) *turn {
	return &turn{
		tenant:     tenant,
		sess:       sess,
		L:          s.logger.With("tenant_id", tenant.ID, "session_id", sess.ID),
		fromStep:   sess.CurrentStep,
		fromStatus: sess.Status,
		audit:      s.audit,
	}
}

// prepare compiles the session's script and builds the engine environment.
func (s *Service) prepare(ctx context.Context, tenant *directory.Tenant, sess *dialog.Session, sc *dialog.Script) (*turn, error) {
	nuclei, err := s.tenants.Nuclei(ctx, tenant.ID)
	if err != nil {
		return nil, fmt.Errorf("load routing targets: %w", err)
	}
	t := s.newTurn(tenant, sess)
	t.c = s.compile(ctx, sc)
	t.env = dialog.Env{
		Nuclei:           nuclei,
		GeneralNucleusID: tenant.GeneralNucleusID(),
		Now:              s.now(),
	}
	return t, nil
}

// resume loads the script an existing session runs on.
func (s *Service) resume(ctx context.Context, tenant *directory.Tenant, sess *dialog.Session) (*turn, error) {
	sc, err := s.scripts.Get(ctx, tenant.ID, sess.ScriptID)
	if err != nil {
		return nil, fmt.Errorf("session %s: %w", sess.ID, err)
	}
	return s.prepare(ctx, tenant, sess, sc)
}

// compile returns the compiled form of sc, reusing it while the script is
// unchanged.
func (s *Service) compile(ctx context.Context, sc *dialog.Script) *dialog.Compiled {
	key := sc.TenantID + "/" + sc.ID
	stamp := fmt.Sprintf("%d/%d/%d", sc.Version, len(sc.History), sc.UpdatedAt.UnixNano())

	s.cmu.Lock()
	defer s.cmu.Unlock()
	if e, ok := s.compiled[key]; ok && e.stamp == stamp {
		return e.c
	}
	c, err := dialog.Compile(sc, s.eval)
	if err != nil {
		s.logger.Warn(ctx, "script has malformed expressions or patterns, they are ignored",
			"tenant_id", sc.TenantID,
			"script_id", sc.ID,
			"error", err,
		)
	}
	s.compiled[key] = compiledScript{stamp: stamp, c: c}
	return c
}

// start opens a session from the tenant's default script for the channel.
func (s *Service) start(ctx context.Context, tenant *directory.Tenant, phone string, in Inbound, text string) (*Reply, error) {
	sc, ok, err := s.scripts.Default(ctx, tenant.ID, in.Channel)
	if err != nil {
		return nil, fmt.Errorf("default script: %w", err)
	}
	if !ok {
		s.logger.Warn(ctx, "no published script for channel, message ignored",
			"tenant_id", tenant.ID,
			"channel", in.Channel,
		)
		s.record(ctx, audit.Entry{
			TenantID: tenant.ID,
			Contact:  phone,
			Kind:     audit.KindIgnored,
			Message:  text,
			Data:     map[string]any{"reason": "no published script", "channel": in.Channel},
		})
		return &Reply{Ignored: true, Reason: "no published script"}, nil
	}

	sess := dialog.NewSession(ulid.Make().String(), sc, tenant.ID, phone, in.Channel, s.now())
	s.identify(ctx, tenant, sess, in.Name)

	t, err := s.prepare(ctx, tenant, sess, sc)
	if err != nil {
		return nil, err
	}
	t.fromStep = ""
	t.record(ctx, audit.KindInbound, text, map[string]any{"message_id": in.MessageID})
	t.record(ctx, audit.KindTransition, "session started", map[string]any{
		"script_id":      sc.ID,
		"script_version": sc.Version,
		"known_contact":  sess.Vars.ContactKnown(),
	})
	if s.hooks.OnOpen != nil {
		s.hooks.OnOpen()
	}
	t.L.Info(ctx, "session started", "script_id", sc.ID, "channel", in.Channel)

	res, err := s.engine.Execute(ctx, t.c, sess, t.env)
	if err != nil {
		return s.recover(ctx, t, err)
	}

	// the first message may already say what the contact wants
	if res.Handoff == nil {
		if m, ok := s.matcher.Detect(text); ok {
			if resp, ok := s.engine.OfferShortcut(ctx, t.c, sess, text, m, t.env); ok {
				s.shortcutOffered(string(m.Category))
				t.notices(res.Notices)
				t.out = append(t.out, *resp)
				return s.commit(ctx, t)
			}
		}
	}
	t.show(res)
	return s.commit(ctx, t)
}

// identify fills what is known about the contact.
func (s *Service) identify(ctx context.Context, tenant *directory.Tenant, sess *dialog.Session, displayName string) {
	name := strings.TrimSpace(displayName)
	c, known := s.tenants.Contact(tenant.ID, sess.Contact)
	if n := strings.TrimSpace(c.Name); known && n != "" {
		name = n
	}
	sess.Vars.SetContactKnown(known)
	if fields := strings.Fields(name); len(fields) > 0 {
		sess.ContactName = name
		_ = sess.Vars.Set("name", name)
		_ = sess.Vars.Set("first_name", fields[0])
	}

	since := s.now().Add(-s.lastTicketWindow)
	last, ok, err := s.tickets.LastTicket(ctx, tenant.ID, sess.Contact, since)
	switch {
	case err != nil:
		s.logger.Warn(ctx, "last ticket lookup failed", "tenant_id", tenant.ID, "error", err)
	case ok:
		sess.Vars.SetLastTicket(dialog.LastTicket{
			ID:             last.ID,
			DepartmentID:   last.DepartmentID,
			DepartmentName: last.Department,
		})
	}
}

// continueTurn applies text to an in-progress session.
func (s *Service) continueTurn(ctx context.Context, t *turn, text string) (*Reply, error) {
	sess := t.sess
	now := s.now()

	if _, pending := sess.Vars.Handoff(); pending {
		// the contact wrote before the scheduled finalization ran
		if err := s.finalize(ctx, t); err != nil {
			return nil, err
		}
		return t.reply(), nil
	}

	exitAllowed := t.c.Script.ExitAllowed()
	// "cancelar" on a confirmation declines it rather than leaving
	if exitAllowed && dialog.IsExitWord(text) && !(awaitingConfirmation(t) && dialog.IsDecline(text)) {
		if err := sess.Abandon(now); err != nil {
			return nil, err
		}
		t.say(exitMessage)
		return s.commit(ctx, t)
	}

	if m, ok := s.matcher.Detect(text); ok {
		if m.Category == keyword.Exit && exitAllowed && onMenu(t) && m.Confidence > dialog.ShortcutThreshold {
			if err := sess.Complete("contact_ended", now); err != nil {
				return nil, err
			}
			t.say(goodbyeMessage)
			return s.commit(ctx, t)
		}
		if resp, ok := s.engine.OfferShortcut(ctx, t.c, sess, text, m, t.env); ok {
			s.shortcutOffered(string(m.Category))
			t.out = append(t.out, *resp)
			return s.commit(ctx, t)
		}
	}

	ans, err := s.engine.Answer(ctx, t.c, sess, text, t.env)
	if err != nil {
		return s.recover(ctx, t, err)
	}
	switch ans.Verdict {
	case dialog.VerdictComplete:
		msg := ans.Reply
		if msg == "" {
			msg = completedMessage
		}
		t.say(msg)
		return s.commit(ctx, t)
	case dialog.VerdictReprompt, dialog.VerdictReply:
		t.say(ans.Reply)
	}
	return s.execute(ctx, t)
}

// awaitingConfirmation reports whether the contact is answering a yes/no
// question: an offered shortcut or a confirm step.
func awaitingConfirmation(t *turn) bool {
	if _, ok := t.sess.Vars.PendingShortcut(); ok {
		return true
	}
	step, ok := t.c.Script.Step(t.sess.CurrentStep)
	return ok && step.Kind == dialog.KindConfirm
}

func onMenu(t *turn) bool {
	step, ok := t.c.Script.Step(t.sess.CurrentStep)
	return ok && (step.Kind == dialog.KindMenu || step.Source != "")
}

// execute renders where the session landed and commits the turn.
func (s *Service) execute(ctx context.Context, t *turn) (*Reply, error) {
	res, err := s.engine.Execute(ctx, t.c, t.sess, t.env)
	if err != nil {
		return s.recover(ctx, t, err)
	}
	t.show(res)
	return s.commit(ctx, t)
}

// recover handles an engine error. A step that vanished after a script
// update restarts the session once; anything else parks it in error.
func (s *Service) recover(ctx context.Context, t *turn, cause error) (*Reply, error) {
	sess := t.sess
	now := s.now()

	if errors.Is(cause, dialog.ErrStepNotFound) && !t.restarted && sess.Active() {
		t.restarted = true
		t.L.Warn(ctx, "session step no longer exists, restarting", "step", sess.CurrentStep, "error", cause)
		if err := sess.Fail(cause.Error(), now); err != nil {
			return nil, err
		}
		if err := sess.Restart(t.c.Script.InitialStep, "script changed", now); err != nil {
			return nil, err
		}
		t.record(ctx, audit.KindTransition, "session restarted", map[string]any{"reason": cause.Error()})
		t.say(restartMessage)
		return s.execute(ctx, t)
	}

	t.L.Error(ctx, cause, "dialog failed, parking session", "step", sess.CurrentStep)
	t.record(ctx, audit.KindError, cause.Error(), nil)
	if sess.Active() {
		if err := sess.Fail(cause.Error(), now); err != nil {
			return nil, err
		}
	}
	t.out = nil
	t.handoff = nil
	t.say(errorMessage)
	if _, err := s.commit(ctx, t); err != nil {
		return nil, errors.Join(cause, err)
	}
	return nil, fmt.Errorf("session %s: %w", sess.ID, cause)
}

// commit routes a pending transfer, saves the session, delivers the
// replies and schedules finalization, in that order.
func (s *Service) commit(ctx context.Context, t *turn) (*Reply, error) {
	sess := t.sess
	if t.handoff != nil && sess.Active() {
		s.assign(ctx, t)
	}

	if err := s.sessions.PutSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("save session %s: %w", sess.ID, err)
	}
	if sess.CurrentStep != t.fromStep || sess.Status != t.fromStatus {
		t.record(ctx, audit.KindTransition, "session moved", map[string]any{
			"from_step":   t.fromStep,
			"to_step":     sess.CurrentStep,
			"from_status": string(t.fromStatus),
			"to_status":   string(sess.Status),
		})
	}
	if t.fromStatus == dialog.StatusInProgress && !sess.Active() {
		s.closed(sess.Status)
	}

	for _, r := range t.out {
		_ = s.send(ctx, t, r)
	}
	t.out = nil

	if t.handoff != nil && sess.Active() {
		s.schedule(ctx, t)
	}
	return t.reply(), nil
}

func (s *Service) closed(status dialog.Status) {
	if s.hooks.OnClose != nil {
		s.hooks.OnClose(status)
	}
}

func (s *Service) shortcutOffered(category string) {
	if s.hooks.OnShortcut != nil {
		s.hooks.OnShortcut(category)
	}
}

// send delivers one reply. Failures are logged and audited, never fatal
// for the turn.
func (s *Service) send(ctx context.Context, t *turn, resp dialog.Response) error {
	err := s.sender.Send(ctx, t.tenant.ID, t.sess.Contact, resp)
	if s.hooks.OnSend != nil {
		s.hooks.OnSend(err)
	}
	if err != nil {
		t.L.Warn(ctx, "reply delivery failed", "error", err)
	} else {
		t.sent = append(t.sent, resp)
	}
	t.record(ctx, audit.KindOutbound, resp.Text, map[string]any{
		"presentation": string(resp.Presentation),
		"choices":      len(resp.Choices),
		"delivered":    err == nil,
	})
	return err
}

// record writes an audit entry. Audit failures are logged and dropped.
func (s *Service) record(ctx context.Context, e audit.Entry) {
	if err := s.audit.Record(ctx, e); err != nil {
		s.logger.Warn(ctx, "audit write failed", "error", err, "kind", string(e.Kind))
	}
}

// expire closes an idle session.
func (s *Service) expire(ctx context.Context, sess *dialog.Session, now time.Time) error {
	idle := now.Sub(sess.UpdatedAt)
	if err := sess.Expire(now); err != nil {
		return err
	}
	if err := s.sessions.PutSession(ctx, sess); err != nil {
		return fmt.Errorf("save session %s: %w", sess.ID, err)
	}
	s.closed(dialog.StatusExpired)
	s.record(ctx, audit.Entry{
		TenantID:  sess.TenantID,
		SessionID: sess.ID,
		Contact:   sess.Contact,
		Kind:      audit.KindTransition,
		Step:      sess.CurrentStep,
		Message:   "session expired",
		Data:      map[string]any{"idle_seconds": idle.Seconds()},
	})
	s.logger.Info(ctx, "session expired", "tenant_id", sess.TenantID, "session_id", sess.ID, "idle", idle)
	return nil
}

func (t *turn) say(text string) {
	if text == "" {
		return
	}
	t.out = append(t.out, dialog.Response{Text: text, Presentation: dialog.PresentText})
}

func (t *turn) notices(notices []string) {
	for _, n := range notices {
		t.say(n)
	}
}

// show queues an engine result: notices first, then the step's message.
func (t *turn) show(res *dialog.Result) {
	t.notices(res.Notices)
	if res.Response.Text != "" || len(res.Response.Choices) > 0 {
		t.out = append(t.out, res.Response)
	}
	if res.Handoff != nil {
		t.handoff = res.Handoff
	}
}

func (t *turn) record(ctx context.Context, kind audit.Kind, msg string, data map[string]any) {
	e := audit.Entry{
		TenantID:  t.tenant.ID,
		SessionID: t.sess.ID,
		Contact:   t.sess.Contact,
		Kind:      kind,
		Step:      t.sess.CurrentStep,
		Message:   msg,
		Data:      data,
	}
	if err := t.audit.Record(ctx, e); err != nil {
		t.L.Warn(ctx, "audit write failed", "error", err, "kind", string(kind))
	}
}

func (t *turn) reply() *Reply {
	r := &Reply{
		SessionID: t.sess.ID,
		Status:    t.sess.Status,
		Step:      t.sess.CurrentStep,
		Messages:  t.sent,
		TicketID:  t.sess.TicketID,
	}
	if t.ticket != nil {
		r.Protocol = t.ticket.Protocol
	}
	return r
}
