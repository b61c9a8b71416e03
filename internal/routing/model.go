package routing

import (
	"errors"
	"fmt"
)

// Strategy is how a routing target distributes work. Selection always ranks
// by priority then live load; the strategy is informational.
type Strategy string

const (
	RoundRobin    Strategy = "round_robin"
	LoadBalancing Strategy = "load_balancing"
	SkillBased    Strategy = "skill_based"
	Manual        Strategy = "manual"
)

// Agent is a human attendant.
type Agent struct {
	ID       string `json:"id" yaml:"id" toml:"id"`
	TenantID string `json:"tenant_id" yaml:"tenant_id" toml:"tenant_id"`
	Name     string `json:"name" yaml:"name" toml:"name"`
	Active   bool   `json:"active" yaml:"active" toml:"active"`
}

// Team groups attendants.
type Team struct {
	ID       string `json:"id" yaml:"id" toml:"id"`
	TenantID string `json:"tenant_id" yaml:"tenant_id" toml:"tenant_id"`
	Name     string `json:"name" yaml:"name" toml:"name"`
	Active   bool   `json:"active" yaml:"active" toml:"active"`
}

// Membership places an agent in a team.
type Membership struct {
	TeamID  string `json:"team_id" yaml:"team_id" toml:"team_id"`
	AgentID string `json:"agent_id" yaml:"agent_id" toml:"agent_id"`
	Role    string `json:"role,omitempty" yaml:"role,omitempty" toml:"role,omitempty"`
}

// Nucleus is a top-level routing target.
type Nucleus struct {
	ID          string       `json:"id" yaml:"id" toml:"id"`
	TenantID    string       `json:"tenant_id" yaml:"tenant_id" toml:"tenant_id"`
	Code        string       `json:"code" yaml:"code" toml:"code"`
	Name        string       `json:"name" yaml:"name" toml:"name"`
	Description string       `json:"description,omitempty" yaml:"description,omitempty" toml:"description,omitempty"`
	Visible     bool         `json:"visible" yaml:"visible" toml:"visible"`
	Active      bool         `json:"active" yaml:"active" toml:"active"`
	Priority    int          `json:"priority" yaml:"priority" toml:"priority"`
	Strategy    Strategy     `json:"strategy" yaml:"strategy" toml:"strategy"`
	Capacity    int          `json:"capacity" yaml:"capacity" toml:"capacity"`
	AgentIDs    []string     `json:"agent_ids,omitempty" yaml:"agent_ids,omitempty" toml:"agent_ids,omitempty"`
	Departments []Department `json:"departments,omitempty" yaml:"departments,omitempty" toml:"departments,omitempty"`
}

// Department belongs to exactly one Nucleus.
type Department struct {
	ID        string   `json:"id" yaml:"id" toml:"id"`
	NucleusID string   `json:"nucleus_id" yaml:"nucleus_id" toml:"nucleus_id"`
	Code      string   `json:"code,omitempty" yaml:"code,omitempty" toml:"code,omitempty"`
	Name      string   `json:"name" yaml:"name" toml:"name"`
	Visible   bool     `json:"visible" yaml:"visible" toml:"visible"`
	Active    bool     `json:"active" yaml:"active" toml:"active"`
	Priority  int      `json:"priority" yaml:"priority" toml:"priority"`
	Strategy  Strategy `json:"strategy" yaml:"strategy" toml:"strategy"`
	Capacity  int      `json:"capacity" yaml:"capacity" toml:"capacity"`
	AgentIDs  []string `json:"agent_ids,omitempty" yaml:"agent_ids,omitempty" toml:"agent_ids,omitempty"`
}

// VisibleDepartments returns the active, visible departments in order.
func (n *Nucleus) VisibleDepartments() []Department {
	var out []Department
	for _, d := range n.Departments {
		if d.Active && d.Visible {
			out = append(out, d)
		}
	}
	return out
}

// AssignmentRule binds one actor (agent or team) to one target (nucleus or
// department).
type AssignmentRule struct {
	ID           string `json:"id" yaml:"id" toml:"id"`
	TenantID     string `json:"tenant_id" yaml:"tenant_id" toml:"tenant_id"`
	AgentID      string `json:"agent_id,omitempty" yaml:"agent_id,omitempty" toml:"agent_id,omitempty"`
	TeamID       string `json:"team_id,omitempty" yaml:"team_id,omitempty" toml:"team_id,omitempty"`
	NucleusID    string `json:"nucleus_id,omitempty" yaml:"nucleus_id,omitempty" toml:"nucleus_id,omitempty"`
	DepartmentID string `json:"department_id,omitempty" yaml:"department_id,omitempty" toml:"department_id,omitempty"`
	Priority     int    `json:"priority" yaml:"priority" toml:"priority"`
	Active       bool   `json:"active" yaml:"active" toml:"active"`
}

// ErrInvalidRule is wrapped by AssignmentRule.Validate.
var ErrInvalidRule = errors.New("invalid assignment rule")

// Validate checks that the rule names exactly one actor and one target.
func (r *AssignmentRule) Validate() error {
	if (r.AgentID == "") == (r.TeamID == "") {
		return fmt.Errorf("%w %q: exactly one of agent_id or team_id is required", ErrInvalidRule, r.ID)
	}
	if (r.NucleusID == "") == (r.DepartmentID == "") {
		return fmt.Errorf("%w %q: exactly one of nucleus_id or department_id is required", ErrInvalidRule, r.ID)
	}
	if r.Priority < 0 {
		return fmt.Errorf("%w %q: priority must be >= 0", ErrInvalidRule, r.ID)
	}
	return nil
}
