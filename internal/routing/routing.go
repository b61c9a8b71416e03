// Package routing picks the human agent that receives a conversation.
//
// Candidates are agents bound to the target nucleus or department through an
// active assignment rule, either directly or through a team. They are ranked
// by rule specificity, then by how many tickets they currently hold, then by
// name and id. The live count is read without any reservation, so two
// concurrent selections can pick the same agent: this is soft load
// balancing, not an exact capacity guarantee.
package routing

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"
)

// Priority scores, lower wins.
const (
	ScoreDirectDepartment = 0
	ScoreDirectNucleus    = 1
	ScoreTeamDepartment   = 2
	ScoreTeamNucleus      = 3
	ScoreUnscored         = 99
)

// Selection outcomes reported through Hooks.
const (
	OutcomeAssigned = "assigned"
	OutcomeNone     = "none"
	OutcomeDegraded = "degraded"
	OutcomeError    = "error"
)

// Directory supplies the tenant's agents, teams and rules.
type Directory interface {
	Agents(ctx context.Context, tenantID string) ([]Agent, error)
	Memberships(ctx context.Context, tenantID string) ([]Membership, error)
	Rules(ctx context.Context, tenantID string) ([]AssignmentRule, error)
}

// LoadCounter reports how many active tickets each agent currently owns.
type LoadCounter interface {
	ActiveTicketCounts(ctx context.Context, tenantID string, agentIDs []string) (map[string]int, error)
}

// Hooks are optional callbacks for instrumentation.
type Hooks struct {
	OnSelect func(outcome string, candidates int)
}

// Candidate is an eligible agent with its priority score and live load.
type Candidate struct {
	Agent    Agent
	Priority int
	Load     int
}

// Resolver selects agents. It holds no state between calls.
type Resolver struct {
	dir    Directory
	load   LoadCounter
	logger log.Logger
	hooks  Hooks
}

// NewResolver creates a Resolver.
func NewResolver(dir Directory, load LoadCounter, logger log.Logger, hooks Hooks) *Resolver {
	if dir == nil {
		panic(xerrors.New("routing directory is required"))
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &Resolver{dir: dir, load: load, logger: logger, hooks: hooks}
}

// SelectAgent returns the best agent for the target, or nil when nobody is
// eligible. Directory failures are returned; a failed load lookup degrades
// to the first candidate by priority.
func (r *Resolver) SelectAgent(ctx context.Context, tenantID, nucleusID, departmentID string) (*Agent, error) {
	L := r.logger.With("tenant_id", tenantID, "nucleus_id", nucleusID, "department_id", departmentID)

	cands, err := r.Candidates(ctx, tenantID, nucleusID, departmentID)
	if err != nil {
		r.report(OutcomeError, 0)
		return nil, err
	}
	if len(cands) == 0 {
		L.Info(ctx, "no eligible agent for routing target")
		r.report(OutcomeNone, 0)
		return nil, nil
	}

	outcome := OutcomeAssigned
	if err := r.fillLoad(ctx, tenantID, cands); err != nil {
		L.Warn(ctx, "live load lookup failed, falling back to priority order", "error", err)
		outcome = OutcomeDegraded
		for i := range cands {
			cands[i].Load = 0
		}
	}

	Rank(cands)
	best := cands[0].Agent

	L.Info(ctx, "agent selected",
		"agent_id", best.ID,
		"priority", cands[0].Priority,
		"load", cands[0].Load,
		"candidates", len(cands),
		"outcome", outcome,
	)
	r.report(outcome, len(cands))
	return &best, nil
}

// Candidates discovers eligible agents and scores them. Load is not filled.
func (r *Resolver) Candidates(ctx context.Context, tenantID, nucleusID, departmentID string) ([]Candidate, error) {
	if nucleusID == "" && departmentID == "" {
		return nil, fmt.Errorf("routing: nucleus or department is required")
	}

	rules, err := r.dir.Rules(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("routing: load rules: %w", err)
	}
	agents, err := r.dir.Agents(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("routing: load agents: %w", err)
	}

	var teamMembers map[string][]string
	for i := range rules {
		if rules[i].TeamID != "" {
			ms, err := r.dir.Memberships(ctx, tenantID)
			if err != nil {
				return nil, fmt.Errorf("routing: load memberships: %w", err)
			}
			teamMembers = make(map[string][]string)
			for _, m := range ms {
				teamMembers[m.TeamID] = append(teamMembers[m.TeamID], m.AgentID)
			}
			break
		}
	}

	best := make(map[string]int)
	offer := func(agentID string, score int) {
		if cur, ok := best[agentID]; !ok || score < cur {
			best[agentID] = score
		}
	}

	for i := range rules {
		rule := &rules[i]
		if !rule.Active {
			continue
		}
		if rule.TenantID != "" && rule.TenantID != tenantID {
			continue
		}
		score := Score(rule, nucleusID, departmentID)
		if score == ScoreUnscored {
			continue
		}
		if rule.AgentID != "" {
			offer(rule.AgentID, score)
			continue
		}
		for _, id := range teamMembers[rule.TeamID] {
			offer(id, score)
		}
	}

	var out []Candidate
	for _, a := range agents {
		score, ok := best[a.ID]
		if !ok || !a.Active || a.TenantID != tenantID {
			continue
		}
		out = append(out, Candidate{Agent: a, Priority: score})
	}
	return out, nil
}

// Score rates how specifically rule binds to the target.
func Score(rule *AssignmentRule, nucleusID, departmentID string) int {
	direct := rule.AgentID != ""
	switch {
	case departmentID != "" && rule.DepartmentID == departmentID:
		if direct {
			return ScoreDirectDepartment
		}
		return ScoreTeamDepartment
	case nucleusID != "" && rule.NucleusID == nucleusID:
		if direct {
			return ScoreDirectNucleus
		}
		return ScoreTeamNucleus
	}
	return ScoreUnscored
}

// Rank sorts candidates by priority, load, case-insensitive name and id.
func Rank(cands []Candidate) {
	sort.SliceStable(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		if a.Load != b.Load {
			return a.Load < b.Load
		}
		an, bn := strings.ToLower(a.Agent.Name), strings.ToLower(b.Agent.Name)
		if an != bn {
			return an < bn
		}
		return a.Agent.ID < b.Agent.ID
	})
}

func (r *Resolver) fillLoad(ctx context.Context, tenantID string, cands []Candidate) error {
	if r.load == nil {
		return fmt.Errorf("routing: no load counter configured")
	}
	ids := make([]string, len(cands))
	for i := range cands {
		ids[i] = cands[i].Agent.ID
	}
	counts, err := r.load.ActiveTicketCounts(ctx, tenantID, ids)
	if err != nil {
		return err
	}
	for i := range cands {
		cands[i].Load = counts[cands[i].Agent.ID]
	}
	return nil
}

func (r *Resolver) report(outcome string, n int) {
	if r.hooks.OnSelect != nil {
		r.hooks.OnSelect(outcome, n)
	}
}
