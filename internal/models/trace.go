package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// TraceKind identifies one rule evaluation within a decision trace. The set
// is closed: consumers can switch over every kind exhaustively.
type TraceKind string

const (
	TracePolicyCheck TraceKind = "policy_check"
	TraceScopeCheck  TraceKind = "scope_check"
	TraceIgnoreCheck TraceKind = "ignore_check"
	TraceWindowCheck TraceKind = "window_check"
	TraceReconcile   TraceKind = "reconcile"
	TraceApply       TraceKind = "apply"
)

// TraceOutcome is the result of a single rule evaluation.
type TraceOutcome string

const (
	TraceOutcomeAllowed TraceOutcome = "allowed"
	TraceOutcomeBlocked TraceOutcome = "blocked"
	TraceOutcomeWarning TraceOutcome = "warning"
	TraceOutcomeSkipped TraceOutcome = "skipped"
)

// PolicyCheckTrace records the container policy consulted for a verdict.
type PolicyCheckTrace struct {
	Policy UpdatePolicy `json:"policy"`
}

// ScopeCheckTrace records a change-magnitude evaluation against the
// container's configured scope.
type ScopeCheckTrace struct {
	Scope      ChangeScope `json:"scope"`
	ChangeType ChangeType  `json:"change_type"`
	Candidate  string      `json:"candidate"`
}

// IgnoreCheckTrace records an ignore-rule evaluation.
type IgnoreCheckTrace struct {
	Candidate     string `json:"candidate"`
	IgnoredExact  string `json:"ignored_exact,omitempty"`
	IgnoredPrefix string `json:"ignored_prefix,omitempty"`
}

// WindowCheckTrace records a maintenance-window evaluation.
type WindowCheckTrace struct {
	Expression  string    `json:"expression"`
	Enforcement string    `json:"enforcement"`
	EvaluatedAt time.Time `json:"evaluated_at"`
	InWindow    bool      `json:"in_window"`
}

// ReconcileTrace records an in-place retarget of a pending update.
type ReconcileTrace struct {
	PreviousTarget string `json:"previous_target"`
	NewTarget      string `json:"new_target"`
}

// ApplyTrace records an apply attempt made by the orchestrator.
type ApplyTrace struct {
	Attempt int    `json:"attempt"`
	Error   string `json:"error,omitempty"`
}

// TraceEntry is one evaluated rule in a decision trace. Exactly one of the
// payload pointers matching Kind is set.
type TraceEntry struct {
	Kind    TraceKind    `json:"kind"`
	Outcome TraceOutcome `json:"outcome"`
	Reason  string       `json:"reason,omitempty"`
	Time    time.Time    `json:"time"`

	Policy    *PolicyCheckTrace `json:"policy,omitempty"`
	Scope     *ScopeCheckTrace  `json:"scope,omitempty"`
	Ignore    *IgnoreCheckTrace `json:"ignore,omitempty"`
	Window    *WindowCheckTrace `json:"window,omitempty"`
	Reconcile *ReconcileTrace   `json:"reconcile,omitempty"`
	Apply     *ApplyTrace       `json:"apply,omitempty"`
}

// DecisionTrace is the append-only ordered record of every rule evaluated
// when producing an update verdict. It is stored as JSON in a text column.
type DecisionTrace []TraceEntry

// Scan implements the sql.Scanner interface for database deserialization
func (t *DecisionTrace) Scan(value interface{}) error {
	if value == nil {
		*t = make(DecisionTrace, 0)
		return nil
	}
	var raw []byte
	switch v := value.(type) {
	case string:
		raw = []byte(v)
	case []byte:
		raw = v
	default:
		return fmt.Errorf("%w: cannot scan type %T into DecisionTrace", ErrInvalidJSON, value)
	}
	if len(raw) == 0 || string(raw) == "null" {
		*t = make(DecisionTrace, 0)
		return nil
	}
	return json.Unmarshal(raw, t)
}

// Value implements the driver.Valuer interface for database serialization
func (t DecisionTrace) Value() (driver.Value, error) {
	if len(t) == 0 {
		return "[]", nil
	}
	raw, err := json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("error marshaling DecisionTrace: %w", err)
	}
	return string(raw), nil
}

// Append returns the trace with the entry appended. Entries are never
// removed or rewritten once recorded.
func (t DecisionTrace) Append(entry TraceEntry) DecisionTrace {
	return append(t, entry)
}

// Blocked reports whether any recorded rule blocked the update.
func (t DecisionTrace) Blocked() bool {
	for _, e := range t {
		if e.Outcome == TraceOutcomeBlocked {
			return true
		}
	}
	return false
}
