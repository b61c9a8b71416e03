package dialog

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ReservedPrefix marks engine bookkeeping keys. They are reachable only
// through the typed accessors below and never rendered or handed to
// conditions.
const ReservedPrefix = "__"

// ErrReservedKey is returned when user-facing code writes a reserved key.
var ErrReservedKey = errors.New("reserved variable key")

const (
	keyContactKnown  = "__contact_known"
	keyButtons       = "__buttons"
	keyTargetNucleus = "__target_nucleus_id"
	keyTargetNucName = "__target_nucleus_name"
	keyTargetDept    = "__target_department_id"
	keyTargetDepName = "__target_department_name"
	keyHandoffAwait  = "__handoff_awaiting"
	keyHandoffFinal  = "__handoff_finalize_after_send"
	keyHandoffSum    = "__handoff_summary"
	keyHandoffAt     = "__handoff_at"
	keyLastTicket    = "__last_ticket_id"
	keyLastDept      = "__last_department_id"
	keyLastDeptName  = "__last_department_name"
	keyShortcutCat   = "__shortcut_category"
	keyShortcutTgt   = "__shortcut_target"
	keyShortcutConf  = "__shortcut_confidence"
)

// IsReserved reports whether key is an engine bookkeeping key.
func IsReserved(key string) bool {
	return strings.HasPrefix(key, ReservedPrefix)
}

// Vars is a session's variable context. The zero value is ready to use.
// Values are kept JSON-shaped (string, float64, bool, nil, maps, slices) so
// they survive persistence unchanged.
type Vars struct {
	m map[string]any
}

// NewVars seeds a context from user values. Reserved keys are dropped.
func NewVars(init map[string]any) Vars {
	v := Vars{m: make(map[string]any, len(init))}
	for k, val := range init {
		if !IsReserved(k) {
			v.m[k] = val
		}
	}
	return v
}

// VarsFromRaw restores a persisted context, reserved keys included.
func VarsFromRaw(raw map[string]any) Vars {
	v := Vars{m: make(map[string]any, len(raw))}
	for k, val := range raw {
		v.m[k] = val
	}
	return v
}

// Get returns a user value.
func (v *Vars) Get(key string) (any, bool) {
	if IsReserved(key) {
		return nil, false
	}
	val, ok := v.m[key]
	return val, ok
}

// Text returns a user value formatted as text, or "".
func (v *Vars) Text(key string) string {
	val, ok := v.Get(key)
	if !ok || val == nil {
		return ""
	}
	if s, ok := val.(string); ok {
		return s
	}
	return fmt.Sprint(val)
}

// Set stores a user value.
func (v *Vars) Set(key string, val any) error {
	if IsReserved(key) {
		return fmt.Errorf("%w: %q", ErrReservedKey, key)
	}
	v.set(key, val)
	return nil
}

// Delete removes a user value.
func (v *Vars) Delete(key string) error {
	if IsReserved(key) {
		return fmt.Errorf("%w: %q", ErrReservedKey, key)
	}
	delete(v.m, key)
	return nil
}

// User returns a copy of the non-reserved values, for rendering and
// condition evaluation.
func (v *Vars) User() map[string]any {
	out := make(map[string]any, len(v.m))
	for k, val := range v.m {
		if !IsReserved(k) {
			out[k] = val
		}
	}
	return out
}

// Raw returns a copy of every value, for persistence.
func (v *Vars) Raw() map[string]any {
	out := make(map[string]any, len(v.m))
	for k, val := range v.m {
		out[k] = val
	}
	return out
}

// Clone returns an independent copy.
func (v Vars) Clone() Vars {
	return VarsFromRaw(v.m)
}

// MarshalJSON encodes the raw map.
func (v Vars) MarshalJSON() ([]byte, error) {
	if v.m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(v.m)
}

// UnmarshalJSON decodes a raw map.
func (v *Vars) UnmarshalJSON(b []byte) error {
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return err
	}
	if m == nil {
		m = make(map[string]any)
	}
	v.m = m
	return nil
}

func (v *Vars) set(key string, val any) {
	if v.m == nil {
		v.m = make(map[string]any)
	}
	v.m[key] = val
}

func (v *Vars) str(key string) string {
	s, _ := v.m[key].(string)
	return s
}

func (v *Vars) flag(key string) bool {
	b, _ := v.m[key].(bool)
	return b
}

func (v *Vars) setStr(key, val string) {
	if val == "" {
		delete(v.m, key)
		return
	}
	v.set(key, val)
}

//  Typed accessors

// ContactKnown reports whether the contact matched a known customer.
func (v *Vars) ContactKnown() bool { return v.flag(keyContactKnown) }

// SetContactKnown records whether the contact is a known customer.
func (v *Vars) SetContactKnown(known bool) { v.set(keyContactKnown, known) }

// ButtonsOverride reports an explicit interactive-buttons preference.
func (v *Vars) ButtonsOverride() (enabled, ok bool) {
	b, ok := v.m[keyButtons].(bool)
	return b, ok
}

// SetButtonsOverride forces interactive buttons on or off.
func (v *Vars) SetButtonsOverride(enabled bool) { v.set(keyButtons, enabled) }

// Target is the routing destination chosen so far.
type Target struct {
	NucleusID      string `json:"nucleus_id,omitempty"`
	NucleusName    string `json:"nucleus_name,omitempty"`
	DepartmentID   string `json:"department_id,omitempty"`
	DepartmentName string `json:"department_name,omitempty"`
}

// Empty reports whether no destination is set.
func (t Target) Empty() bool { return t.NucleusID == "" && t.DepartmentID == "" }

// Name is the most specific destination name.
func (t Target) Name() string {
	if t.DepartmentName != "" {
		return t.DepartmentName
	}
	return t.NucleusName
}

// Target returns the chosen destination.
func (v *Vars) Target() Target {
	return Target{
		NucleusID:      v.str(keyTargetNucleus),
		NucleusName:    v.str(keyTargetNucName),
		DepartmentID:   v.str(keyTargetDept),
		DepartmentName: v.str(keyTargetDepName),
	}
}

// SetTarget replaces the chosen destination.
func (v *Vars) SetTarget(t Target) {
	v.setStr(keyTargetNucleus, t.NucleusID)
	v.setStr(keyTargetNucName, t.NucleusName)
	v.setStr(keyTargetDept, t.DepartmentID)
	v.setStr(keyTargetDepName, t.DepartmentName)
}

// Handoff is the pending transfer of a session to a human.
type Handoff struct {
	Target
	Summary           string    `json:"summary,omitempty"`
	FinalizeAfterSend bool      `json:"finalize_after_send"`
	Awaiting          bool      `json:"awaiting"`
	At                time.Time `json:"at"`
}

// Handoff returns the pending transfer, if any.
func (v *Vars) Handoff() (Handoff, bool) {
	if !v.flag(keyHandoffAwait) {
		return Handoff{}, false
	}
	h := Handoff{
		Target:            v.Target(),
		Summary:           v.str(keyHandoffSum),
		FinalizeAfterSend: v.flag(keyHandoffFinal),
		Awaiting:          true,
	}
	if at, err := time.Parse(time.RFC3339Nano, v.str(keyHandoffAt)); err == nil {
		h.At = at
	}
	return h, true
}

// SetHandoff marks the session as waiting to be handed off.
func (v *Vars) SetHandoff(h Handoff) {
	v.SetTarget(h.Target)
	v.setStr(keyHandoffSum, h.Summary)
	v.set(keyHandoffFinal, h.FinalizeAfterSend)
	v.set(keyHandoffAwait, h.Awaiting)
	v.set(keyHandoffAt, h.At.UTC().Format(time.RFC3339Nano))
}

// ClearHandoff drops the pending transfer flags and keeps the target.
func (v *Vars) ClearHandoff() {
	delete(v.m, keyHandoffAwait)
	delete(v.m, keyHandoffFinal)
	delete(v.m, keyHandoffSum)
	delete(v.m, keyHandoffAt)
}

// LastTicket is the contact's most recent ticket.
type LastTicket struct {
	ID             string
	DepartmentID   string
	DepartmentName string
}

// LastTicket returns the contact's recent ticket, if one was found.
func (v *Vars) LastTicket() (LastTicket, bool) {
	t := LastTicket{
		ID:             v.str(keyLastTicket),
		DepartmentID:   v.str(keyLastDept),
		DepartmentName: v.str(keyLastDeptName),
	}
	return t, t.ID != ""
}

// SetLastTicket records the contact's recent ticket.
func (v *Vars) SetLastTicket(t LastTicket) {
	v.setStr(keyLastTicket, t.ID)
	v.setStr(keyLastDept, t.DepartmentID)
	v.setStr(keyLastDeptName, t.DepartmentName)
}

// Shortcut is a keyword match waiting for the contact's confirmation.
type Shortcut struct {
	Category   string
	Target     string
	Confidence float64
}

// PendingShortcut returns the shortcut awaiting confirmation.
func (v *Vars) PendingShortcut() (Shortcut, bool) {
	s := Shortcut{
		Category: v.str(keyShortcutCat),
		Target:   v.str(keyShortcutTgt),
	}
	s.Confidence, _ = v.m[keyShortcutConf].(float64)
	return s, s.Category != ""
}

// SetPendingShortcut stores a shortcut awaiting confirmation.
func (v *Vars) SetPendingShortcut(s Shortcut) {
	v.setStr(keyShortcutCat, s.Category)
	v.setStr(keyShortcutTgt, s.Target)
	v.set(keyShortcutConf, s.Confidence)
}

// ClearPendingShortcut drops the pending shortcut.
func (v *Vars) ClearPendingShortcut() {
	delete(v.m, keyShortcutCat)
	delete(v.m, keyShortcutTgt)
	delete(v.m, keyShortcutConf)
}
