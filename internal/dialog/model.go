package dialog

import (
	"encoding/json"
	"slices"
	"sort"
	"strings"
	"time"
)

// StepKind selects how a step is rendered and how answers to it are read.
type StepKind string

const (
	KindMenu        StepKind = "menu"
	KindCollect     StepKind = "collect"
	KindConditional StepKind = "conditional"
	KindTransfer    StepKind = "transfer"
	KindConfirm     StepKind = "confirm"
	KindMessage     StepKind = "message"
)

// Action is what selecting an option does.
type Action string

const (
	ActionNext             Action = "next"
	ActionTransfer         Action = "transfer"
	ActionSelectNucleus    Action = "select_nucleus"
	ActionSelectDepartment Action = "select_department"
	ActionFinish           Action = "finish"
	ActionMessage          Action = "message"
	ActionContinueLast     Action = "continue_last"
	ActionHuman            Action = "human"
)

// Source marks a step whose options are built at runtime.
type Source string

const (
	SourceNuclei      Source = "nuclei"
	SourceDepartments Source = "departments"
)

// Branch jumps to Then when the expression If holds after an option is
// selected.
type Branch struct {
	If   string `json:"if" yaml:"if" jsonschema:"required"`
	Then string `json:"then" yaml:"then" jsonschema:"required"`
}

// Option is one selectable answer of a menu step.
type Option struct {
	Text         string         `json:"text" yaml:"text" jsonschema:"required"`
	Value        string         `json:"value,omitempty" yaml:"value,omitempty"`
	Aliases      []string       `json:"aliases,omitempty" yaml:"aliases,omitempty"`
	Action       Action         `json:"action,omitempty" yaml:"action,omitempty"`
	Next         string         `json:"next,omitempty" yaml:"next,omitempty"`
	Message      string         `json:"message,omitempty" yaml:"message,omitempty"`
	Writes       map[string]any `json:"writes,omitempty" yaml:"writes,omitempty"`
	Branches     []Branch       `json:"branches,omitempty" yaml:"branches,omitempty"`
	NucleusID    string         `json:"nucleus_id,omitempty" yaml:"nucleus_id,omitempty"`
	DepartmentID string         `json:"department_id,omitempty" yaml:"department_id,omitempty"`
}

// Condition drives a conditional step. Either Expression or the structured
// Variable/Operator/Value triple is used, Expression first.
type Condition struct {
	Variable   string `json:"variable,omitempty" yaml:"variable,omitempty"`
	Operator   string `json:"operator,omitempty" yaml:"operator,omitempty"`
	Value      any    `json:"value,omitempty" yaml:"value,omitempty"`
	Expression string `json:"expression,omitempty" yaml:"expression,omitempty"`
	IfTrue     string `json:"if_true" yaml:"if_true"`
	IfFalse    string `json:"if_false" yaml:"if_false"`
}

// Route is one entry of a step's ordered condition list, checked after an
// answer is accepted.
type Route struct {
	Variable string `json:"variable" yaml:"variable" jsonschema:"required"`
	Operator string `json:"operator" yaml:"operator"`
	Value    any    `json:"value,omitempty" yaml:"value,omitempty"`
	Next     string `json:"next" yaml:"next" jsonschema:"required"`
}

// Validation constrains a collected answer.
type Validation struct {
	Type    string `json:"type,omitempty" yaml:"type,omitempty" jsonschema:"enum=email,enum=name,enum=phone,enum=text"`
	Min     int    `json:"min,omitempty" yaml:"min,omitempty"`
	Max     int    `json:"max,omitempty" yaml:"max,omitempty"`
	Pattern string `json:"pattern,omitempty" yaml:"pattern,omitempty"`
	Message string `json:"message,omitempty" yaml:"message,omitempty"`
}

// Step is one node of a script.
type Step struct {
	ID           string            `json:"id" yaml:"id"`
	Kind         StepKind          `json:"kind" yaml:"kind" jsonschema:"enum=menu,enum=collect,enum=conditional,enum=transfer,enum=confirm,enum=message"`
	Message      string            `json:"message,omitempty" yaml:"message,omitempty"`
	KnownMessage string            `json:"known_message,omitempty" yaml:"known_message,omitempty"`
	Options      []Option          `json:"options,omitempty" yaml:"options,omitempty"`
	Source       Source            `json:"source,omitempty" yaml:"source,omitempty" jsonschema:"enum=nuclei,enum=departments"`
	NucleusIDs   []string          `json:"nucleus_ids,omitempty" yaml:"nucleus_ids,omitempty"`
	Condition    *Condition        `json:"condition,omitempty" yaml:"condition,omitempty"`
	Routes       []Route           `json:"routes,omitempty" yaml:"routes,omitempty"`
	Next         string            `json:"next,omitempty" yaml:"next,omitempty"`
	Decline      string            `json:"decline,omitempty" yaml:"decline,omitempty"`
	Wait         *bool             `json:"wait,omitempty" yaml:"wait,omitempty"`
	Variable     string            `json:"variable,omitempty" yaml:"variable,omitempty"`
	Validation   *Validation       `json:"validation,omitempty" yaml:"validation,omitempty"`
	Keywords     map[string]string `json:"keywords,omitempty" yaml:"keywords,omitempty"`
	NucleusID    string            `json:"nucleus_id,omitempty" yaml:"nucleus_id,omitempty"`
	DepartmentID string            `json:"department_id,omitempty" yaml:"department_id,omitempty"`
	Summary      string            `json:"summary,omitempty" yaml:"summary,omitempty"`
}

// WaitsForReply reports whether the step stops for input. Steps wait unless
// Wait is explicitly false.
func (s *Step) WaitsForReply() bool {
	return s.Wait == nil || *s.Wait
}

// Successors lists every step id reachable from s in one hop, in a stable
// order. Duplicates are kept.
func (s *Step) Successors() []string {
	var out []string
	add := func(id string) {
		if id != "" {
			out = append(out, id)
		}
	}
	add(s.Next)
	add(s.Decline)
	for i := range s.Options {
		add(s.Options[i].Next)
		for _, b := range s.Options[i].Branches {
			add(b.Then)
		}
	}
	if s.Condition != nil {
		add(s.Condition.IfTrue)
		add(s.Condition.IfFalse)
	}
	for _, r := range s.Routes {
		add(r.Next)
	}
	keys := make([]string, 0, len(s.Keywords))
	for k := range s.Keywords {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		add(s.Keywords[k])
	}
	return out
}

// Version is an immutable snapshot of a script's step graph.
type Version struct {
	Number       int              `json:"number" yaml:"number"`
	InitialStep  string           `json:"initial_step" yaml:"initial_step"`
	Steps        map[string]*Step `json:"steps" yaml:"steps"`
	Author       string           `json:"author,omitempty" yaml:"author,omitempty"`
	Note         string           `json:"note,omitempty" yaml:"note,omitempty"`
	CreatedAt    time.Time        `json:"created_at" yaml:"created_at"`
	WasPublished bool             `json:"was_published" yaml:"was_published"`
}

// Script is a versioned dialog graph owned by a tenant.
type Script struct {
	ID           string           `json:"id" yaml:"id"`
	TenantID     string           `json:"tenant_id" yaml:"tenant_id"`
	Name         string           `json:"name" yaml:"name" jsonschema:"required"`
	Channels     []string         `json:"channels,omitempty" yaml:"channels,omitempty"`
	Priority     int              `json:"priority" yaml:"priority"`
	Active       bool             `json:"active" yaml:"active"`
	InitialStep  string           `json:"initial_step" yaml:"initial_step" jsonschema:"required"`
	TransferStep string           `json:"transfer_step,omitempty" yaml:"transfer_step,omitempty"`
	Steps        map[string]*Step `json:"steps" yaml:"steps" jsonschema:"required"`
	Published    bool             `json:"published" yaml:"published"`
	PublishedAt  time.Time        `json:"published_at,omitzero" yaml:"published_at,omitempty"`
	Version      int              `json:"version" yaml:"version"`
	AllowExit    *bool            `json:"allow_exit,omitempty" yaml:"allow_exit,omitempty"`
	Variables    map[string]any   `json:"variables,omitempty" yaml:"variables,omitempty"`
	History      []Version        `json:"history,omitempty" yaml:"-"`
	CreatedAt    time.Time        `json:"created_at,omitzero" yaml:"-"`
	UpdatedAt    time.Time        `json:"updated_at,omitzero" yaml:"-"`
}

// ExitAllowed reports whether exit words end the conversation. Defaults to
// true.
func (s *Script) ExitAllowed() bool {
	return s.AllowExit == nil || *s.AllowExit
}

// Step looks up a step by id.
func (s *Script) Step(id string) (*Step, bool) {
	st, ok := s.Steps[id]
	return st, ok && st != nil
}

// TransferStepID is the step that shortcuts jump to once a target is known:
// TransferStep when set, otherwise the first transfer step by id.
func (s *Script) TransferStepID() string {
	if s.TransferStep != "" {
		return s.TransferStep
	}
	ids := make([]string, 0, len(s.Steps))
	for id, st := range s.Steps {
		if st != nil && st.Kind == KindTransfer {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return ""
	}
	sort.Strings(ids)
	return ids[0]
}

// SupportsChannel reports whether the script serves channel. A script with
// no channels serves all of them.
func (s *Script) SupportsChannel(channel string) bool {
	if len(s.Channels) == 0 {
		return true
	}
	return slices.ContainsFunc(s.Channels, func(c string) bool {
		return strings.EqualFold(c, channel)
	})
}

// Normalize fills step ids from their map keys.
func (s *Script) Normalize() {
	for id, st := range s.Steps {
		if st != nil && st.ID == "" {
			st.ID = id
		}
	}
}

// Clone returns a deep copy of s.
func (s *Script) Clone() *Script {
	cp := *s
	cp.Steps = CloneSteps(s.Steps)
	cp.Channels = slices.Clone(s.Channels)
	cp.History = make([]Version, len(s.History))
	for i, v := range s.History {
		v.Steps = CloneSteps(v.Steps)
		cp.History[i] = v
	}
	if s.AllowExit != nil {
		b := *s.AllowExit
		cp.AllowExit = &b
	}
	cp.Variables = cloneAny(s.Variables)
	return &cp
}

// CloneSteps deep copies a step graph.
func CloneSteps(steps map[string]*Step) map[string]*Step {
	if steps == nil {
		return nil
	}
	var out map[string]*Step
	b, err := json.Marshal(steps)
	if err == nil && json.Unmarshal(b, &out) == nil {
		return out
	}
	// unmarshalable values in writes; fall back to a shallow step copy
	out = make(map[string]*Step, len(steps))
	for id, st := range steps {
		if st == nil {
			continue
		}
		cp := *st
		out[id] = &cp
	}
	return out
}

// SameGraph reports whether two step graphs are identical.
func SameGraph(a, b map[string]*Step) bool {
	ja, errA := json.Marshal(a)
	jb, errB := json.Marshal(b)
	return errA == nil && errB == nil && string(ja) == string(jb)
}

// sameFlow reports whether two versions of a script execute the same way.
// Name, channels, priority and activation may differ.
func sameFlow(a, b *Script) bool {
	return a.InitialStep == b.InitialStep &&
		a.TransferStep == b.TransferStep &&
		a.ExitAllowed() == b.ExitAllowed() &&
		SameGraph(a.Steps, b.Steps) &&
		sameJSON(a.Variables, b.Variables)
}

func sameJSON(a, b map[string]any) bool {
	if len(a) == 0 && len(b) == 0 {
		return true
	}
	ja, errA := json.Marshal(a)
	jb, errB := json.Marshal(b)
	return errA == nil && errB == nil && string(ja) == string(jb)
}

func cloneAny(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
