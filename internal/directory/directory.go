// Package directory loads per-tenant configuration from a directory of YAML
// or TOML files: webhook credentials, routing targets, agents, teams,
// assignment rules, known contacts and seed scripts. The loaded set is
// swapped atomically on reload, so readers never see a half-applied change.
package directory

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/concierge/internal/dialog"
	"github.com/linnemanlabs/concierge/internal/routing"
)

// ErrTenantNotFound is returned for an unknown tenant ID.
var ErrTenantNotFound = errors.New("tenant not found")

// Contact is a known person, keyed by normalized phone number.
type Contact struct {
	Phone string `yaml:"phone" toml:"phone"`
	Name  string `yaml:"name" toml:"name"`
}

// Tenant is one tenant's configuration file.
type Tenant struct {
	ID   string `yaml:"id" toml:"id"`
	Name string `yaml:"name" toml:"name"`

	// WebhookSecret verifies X-Hub-Signature-256 on inbound webhooks. Empty
	// disables verification.
	WebhookSecret string `yaml:"webhook_secret" toml:"webhook_secret"`
	// VerifyToken answers the provider's subscription handshake.
	VerifyToken string `yaml:"verify_token" toml:"verify_token"`
	// GeneralNucleus is the code of the nucleus that takes "none of these"
	// answers on nucleus menus.
	GeneralNucleus string `yaml:"general_nucleus" toml:"general_nucleus"`
	// ProtocolMessage is sent after a transfer. It may use {protocol},
	// {department} and {agent}.
	ProtocolMessage string `yaml:"protocol_message" toml:"protocol_message"`

	Nuclei      []routing.Nucleus        `yaml:"nuclei" toml:"nuclei"`
	Agents      []routing.Agent          `yaml:"agents" toml:"agents"`
	Teams       []routing.Team           `yaml:"teams" toml:"teams"`
	Memberships []routing.Membership     `yaml:"memberships" toml:"memberships"`
	Rules       []routing.AssignmentRule `yaml:"rules" toml:"rules"`
	Contacts    []Contact                `yaml:"contacts" toml:"contacts"`

	// Scripts are seed script files, relative to the tenant file.
	Scripts []string `yaml:"scripts" toml:"scripts"`
}

// GeneralNucleusID resolves GeneralNucleus to a nucleus ID.
func (t *Tenant) GeneralNucleusID() string {
	if t.GeneralNucleus == "" {
		return ""
	}
	for _, n := range t.Nuclei {
		if strings.EqualFold(n.Code, t.GeneralNucleus) || n.ID == t.GeneralNucleus {
			return n.ID
		}
	}
	return ""
}

type snapshot struct {
	tenants  map[string]*Tenant
	scripts  map[string][]*dialog.Script
	contacts map[string]map[string]Contact
}

// Directory serves the loaded configuration. It implements
// routing.Directory.
type Directory struct {
	dir    string
	logger log.Logger
	cur    atomic.Pointer[snapshot]

	// normalize maps a configured phone number to the form inbound
	// messages use. Identity when nil.
	normalize func(string) string
}

// Option configures a Directory.
type Option func(*Directory)

// WithPhoneNormalizer sets how contact phone numbers are keyed.
func WithPhoneNormalizer(fn func(string) string) Option {
	return func(d *Directory) { d.normalize = fn }
}

// Open loads every tenant file in dir.
func Open(dir string, logger log.Logger, opts ...Option) (*Directory, error) {
	if logger == nil {
		logger = log.Nop()
	}
	d := &Directory{dir: dir, logger: logger}
	for _, o := range opts {
		o(d)
	}
	if err := d.Reload(); err != nil {
		return nil, err
	}
	return d, nil
}

// Dir returns the watched directory.
func (d *Directory) Dir() string { return d.dir }

// Reload re-reads the directory. On error the previous configuration stays
// in place.
func (d *Directory) Reload() error {
	snap, err := d.load()
	if err != nil {
		return err
	}
	d.cur.Store(snap)
	return nil
}

func (d *Directory) load() (*snapshot, error) {
	entries, err := os.ReadDir(d.dir)
	if err != nil {
		return nil, fmt.Errorf("read directory %s: %w", d.dir, err)
	}
	snap := &snapshot{
		tenants:  make(map[string]*Tenant),
		scripts:  make(map[string][]*dialog.Script),
		contacts: make(map[string]map[string]Contact),
	}
	var errs []error
	for _, e := range entries {
		if e.IsDir() || !isTenantFile(e.Name()) {
			continue
		}
		path := filepath.Join(d.dir, e.Name())
		t, err := LoadTenantFile(path)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if _, dup := snap.tenants[t.ID]; dup {
			errs = append(errs, fmt.Errorf("%s: duplicate tenant id %q", path, t.ID))
			continue
		}
		snap.tenants[t.ID] = t

		for _, rel := range t.Scripts {
			sp := rel
			if !filepath.IsAbs(sp) {
				sp = filepath.Join(d.dir, rel)
			}
			sc, err := LoadScriptFile(sp)
			if err != nil {
				errs = append(errs, fmt.Errorf("tenant %s: %w", t.ID, err))
				continue
			}
			sc.TenantID = t.ID
			snap.scripts[t.ID] = append(snap.scripts[t.ID], sc)
		}

		cm := make(map[string]Contact, len(t.Contacts))
		for _, c := range t.Contacts {
			key := c.Phone
			if d.normalize != nil {
				key = d.normalize(key)
			}
			cm[key] = c
		}
		snap.contacts[t.ID] = cm
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return snap, nil
}

func isTenantFile(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml", ".toml":
		return true
	}
	return false
}

func (d *Directory) snap() *snapshot { return d.cur.Load() }

// Tenant returns a tenant's configuration.
func (d *Directory) Tenant(id string) (*Tenant, bool) {
	t, ok := d.snap().tenants[id]
	return t, ok
}

// TenantIDs lists the loaded tenants in order.
func (d *Directory) TenantIDs() []string {
	s := d.snap()
	out := make([]string, 0, len(s.tenants))
	for id := range s.tenants {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Nuclei returns the tenant's routing targets.
func (d *Directory) Nuclei(_ context.Context, tenantID string) ([]routing.Nucleus, error) {
	t, ok := d.Tenant(tenantID)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrTenantNotFound, tenantID)
	}
	return t.Nuclei, nil
}

// Agents implements routing.Directory.
func (d *Directory) Agents(_ context.Context, tenantID string) ([]routing.Agent, error) {
	t, ok := d.Tenant(tenantID)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrTenantNotFound, tenantID)
	}
	return t.Agents, nil
}

// Memberships implements routing.Directory. Memberships of inactive teams
// are left out.
func (d *Directory) Memberships(_ context.Context, tenantID string) ([]routing.Membership, error) {
	t, ok := d.Tenant(tenantID)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrTenantNotFound, tenantID)
	}
	active := make(map[string]bool, len(t.Teams))
	for _, tm := range t.Teams {
		active[tm.ID] = tm.Active
	}
	var out []routing.Membership
	for _, m := range t.Memberships {
		if active[m.TeamID] {
			out = append(out, m)
		}
	}
	return out, nil
}

// Rules implements routing.Directory.
func (d *Directory) Rules(_ context.Context, tenantID string) ([]routing.AssignmentRule, error) {
	t, ok := d.Tenant(tenantID)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrTenantNotFound, tenantID)
	}
	return t.Rules, nil
}

// Contact looks up a known contact by normalized phone.
func (d *Directory) Contact(tenantID, phone string) (Contact, bool) {
	c, ok := d.snap().contacts[tenantID][phone]
	return c, ok
}

// Scripts returns copies of the tenant's seed scripts.
func (d *Directory) Scripts(tenantID string) []*dialog.Script {
	src := d.snap().scripts[tenantID]
	out := make([]*dialog.Script, len(src))
	for i, sc := range src {
		out[i] = sc.Clone()
	}
	return out
}

// Seed saves seed scripts the library does not have yet, publishing those
// marked published. Scripts already stored are left alone so admin edits
// survive restarts.
func (d *Directory) Seed(ctx context.Context, lib *dialog.Library) error {
	var errs []error
	for _, tenantID := range d.TenantIDs() {
		for _, sc := range d.Scripts(tenantID) {
			_, err := lib.Get(ctx, tenantID, sc.ID)
			if err == nil {
				continue
			}
			if !errors.Is(err, dialog.ErrScriptNotFound) {
				errs = append(errs, err)
				continue
			}
			publish := sc.Published
			if _, err := lib.Save(ctx, sc); err != nil {
				errs = append(errs, fmt.Errorf("seed %s/%s: %w", tenantID, sc.ID, err))
				continue
			}
			if publish {
				if _, err := lib.Publish(ctx, tenantID, sc.ID, "directory"); err != nil {
					errs = append(errs, fmt.Errorf("publish %s/%s: %w", tenantID, sc.ID, err))
					continue
				}
			}
			d.logger.Info(ctx, "seeded script", "tenant_id", tenantID, "script_id", sc.ID, "published", publish)
		}
	}
	return errors.Join(errs...)
}
