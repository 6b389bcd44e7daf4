// Package engine turns a version comparison plus policy, scope, ignore and
// maintenance-window state into an actionable verdict with an ordered,
// auditable decision trace.
package engine

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/harborwatch/harborwatch/internal/config"
	"github.com/harborwatch/harborwatch/internal/interfaces"
	"github.com/harborwatch/harborwatch/internal/models"
	"github.com/harborwatch/harborwatch/internal/version"
)

// DecisionEngine produces update verdicts for containers. It is stateless:
// all inputs arrive per call, including the settings snapshot.
type DecisionEngine struct {
	clock  interfaces.Clock
	logger *logrus.Logger
}

// NewDecisionEngine creates a decision engine.
func NewDecisionEngine(clock interfaces.Clock, logger *logrus.Logger) *DecisionEngine {
	if logger == nil {
		logger = logrus.New()
	}
	return &DecisionEngine{clock: clock, logger: logger}
}

// DecisionInput is one container's observed state for a verdict.
type DecisionInput struct {
	Container    *models.Container
	Tags         []string
	LatestDigest string
	Scan         *interfaces.ScanResult
	Settings     config.Settings
}

// Decision is the verdict for one container. The update payload is only
// meaningful when CreateUpdate is set.
type Decision struct {
	// CreateUpdate is false for policy "disabled" and for containers that
	// are already current.
	CreateUpdate bool
	// QueueForApply marks auto-policy updates that passed every gate.
	QueueForApply bool

	ToTag      string
	UpdateKind models.UpdateKind
	ChangeType *models.ChangeType
	Reason     models.UpdateReason

	ScopeViolation bool
	Trace          models.DecisionTrace

	// Informational candidates for UI surfacing, recomputed every scan.
	LatestMajorTag   string
	CalverBlockedTag string

	// Ignore rules that cleared automatically this scan.
	ClearIgnoredVersion bool
	ClearIgnoredPrefix  bool
}

// Decide evaluates one container against its observed tags and digest.
// Every rule consulted appends a trace entry; the verdict must be fully
// reconstructable from the trace alone.
func (e *DecisionEngine) Decide(in DecisionInput) Decision {
	now := e.clock.Now()
	c := in.Container
	var d Decision

	// Policy gate comes first: a disabled container produces no update,
	// regardless of what the registry holds.
	if c.Policy == models.PolicyDisabled {
		d.Trace = d.Trace.Append(TraceEntry(now, models.TracePolicyCheck,
			models.TraceOutcomeBlocked, "updates disabled",
			withPolicy(c.Policy)))
		return d
	}
	d.Trace = d.Trace.Append(TraceEntry(now, models.TracePolicyCheck,
		models.TraceOutcomeAllowed, "", withPolicy(c.Policy)))

	scheme := version.SchemeFor(c.VersionTrack, in.Tags)
	ignore := IgnoreRules{Exact: c.IgnoredVersion, Prefix: c.IgnoredPrefix}

	verdict := Filter(FilterInput{
		Current:           c.CurrentTag,
		Tags:              in.Tags,
		Scheme:            scheme,
		Scope:             c.Scope,
		Ignore:            ignore,
		IncludePrerelease: c.EffectivePrerelease(in.Settings.IncludePrerelease),
	})
	d.ClearIgnoredVersion, d.ClearIgnoredPrefix = e.clearedIgnores(ignore, verdict)

	if verdict.BlockedCandidate != "" {
		if verdict.BlockedIsCalver {
			d.CalverBlockedTag = verdict.BlockedCandidate
		} else {
			d.LatestMajorTag = verdict.BlockedCandidate
		}
	}

	switch {
	case verdict.Allowed:
		d.CreateUpdate = true
		d.ToTag = verdict.Candidate
		d.UpdateKind = models.UpdateKindTag
		ct := verdict.Comparison.ChangeType
		d.ChangeType = &ct
		d.Trace = d.Trace.Append(TraceEntry(now, models.TraceIgnoreCheck,
			models.TraceOutcomeAllowed, "",
			withIgnore(verdict.Candidate, ignore)))
		d.Trace = d.Trace.Append(TraceEntry(now, models.TraceScopeCheck,
			models.TraceOutcomeAllowed, "",
			withScope(c.Scope, ct, verdict.Candidate)))

	case e.digestRefresh(c, in.LatestDigest):
		// Same tag, different content. Always within scope: this is a
		// content refresh, not a version bump.
		d.CreateUpdate = true
		d.ToTag = c.CurrentTag
		d.UpdateKind = models.UpdateKindDigest
		d.Trace = d.Trace.Append(TraceEntry(now, models.TraceScopeCheck,
			models.TraceOutcomeSkipped, "digest refresh is never a scope violation",
			withScope(c.Scope, models.ChangeNone, c.CurrentTag)))

	default:
		// No in-scope candidate. Record why the best one, if any, was
		// rejected so the verdict stays auditable.
		if verdict.IgnoredCandidate != "" {
			d.Trace = d.Trace.Append(TraceEntry(now, models.TraceIgnoreCheck,
				models.TraceOutcomeBlocked, "candidate is ignored",
				withIgnore(verdict.IgnoredCandidate, ignore)))
		}
		if verdict.BlockedCandidate == "" {
			return d
		}
		// An out-of-scope candidate still becomes a pending proposal so
		// an operator can approve it explicitly. It is never auto-queued.
		d.ScopeViolation = true
		d.Trace = d.Trace.Append(TraceEntry(now, models.TraceScopeCheck,
			models.TraceOutcomeBlocked, "scope_violation",
			withScope(c.Scope, verdict.BlockedComparison.ChangeType, verdict.BlockedCandidate)))
		d.CreateUpdate = true
		d.ToTag = verdict.BlockedCandidate
		d.UpdateKind = models.UpdateKindTag
		ct := verdict.BlockedComparison.ChangeType
		d.ChangeType = &ct
		d.Reason = classifyReason(d.UpdateKind, d.ChangeType, in.Scan)
		return d
	}

	d.Reason = classifyReason(d.UpdateKind, d.ChangeType, in.Scan)
	e.logger.WithFields(logrus.Fields{
		"container": c.Name,
		"from":      c.CurrentTag,
		"to":        d.ToTag,
		"kind":      d.UpdateKind,
		"scheme":    scheme,
	}).Debug("Update detected")

	if c.Policy == models.PolicyMonitor {
		// Monitor containers record the update but never queue it.
		return d
	}

	d.QueueForApply = e.windowPermits(&d, c, in.Settings, now)
	return d
}

// windowPermits evaluates the maintenance window for an auto-policy
// container and records the outcome in the trace.
func (e *DecisionEngine) windowPermits(d *Decision, c *models.Container, settings config.Settings, now time.Time) bool {
	window, err := ParseWindow(c.MaintenanceWindow)
	if err != nil {
		// Invalid expressions are a non-transient configuration error and
		// block only this container.
		d.Trace = d.Trace.Append(TraceEntry(now, models.TraceWindowCheck,
			models.TraceOutcomeBlocked, err.Error(),
			withWindow(c.MaintenanceWindow, settings.WindowEnforcement, now, false)))
		return false
	}
	if !window.IsSet() || window.Contains(now) {
		d.Trace = d.Trace.Append(TraceEntry(now, models.TraceWindowCheck,
			models.TraceOutcomeAllowed, "",
			withWindow(c.MaintenanceWindow, settings.WindowEnforcement, now, true)))
		return true
	}
	if settings.WindowEnforcement == config.WindowAdvisory {
		d.Trace = d.Trace.Append(TraceEntry(now, models.TraceWindowCheck,
			models.TraceOutcomeWarning, "outside maintenance window, advisory enforcement applies anyway",
			withWindow(c.MaintenanceWindow, settings.WindowEnforcement, now, false)))
		return true
	}
	d.Trace = d.Trace.Append(TraceEntry(now, models.TraceWindowCheck,
		models.TraceOutcomeBlocked, "outside maintenance window",
		withWindow(c.MaintenanceWindow, settings.WindowEnforcement, now, false)))
	return false
}

func (e *DecisionEngine) digestRefresh(c *models.Container, latestDigest string) bool {
	return latestDigest != "" && c.CurrentDigest != "" && latestDigest != c.CurrentDigest
}

// clearedIgnores applies the asymmetric auto-clear rules: an exact ignore
// clears once the highest observed candidate moved past it, a prefix
// ignore clears only when the candidate left the ignored line.
func (e *DecisionEngine) clearedIgnores(ignore IgnoreRules, v Verdict) (exact, prefix bool) {
	probe := v.Candidate
	if probe == "" {
		probe = v.BlockedCandidate
	}
	if probe == "" {
		return false, false
	}
	return ignore.Cleared(probe)
}

// classifyReason derives the update reason from the change magnitude and
// the opaque scan result.
func classifyReason(kind models.UpdateKind, change *models.ChangeType, scan *interfaces.ScanResult) models.UpdateReason {
	if scan != nil && scan.Completed && (scan.CriticalCount > 0 || scan.HighCount > 0) {
		return models.ReasonSecurity
	}
	if kind == models.UpdateKindDigest {
		return models.ReasonMaintenance
	}
	if change == nil {
		return models.ReasonUnknown
	}
	switch *change {
	case models.ChangeMinor, models.ChangeMajor:
		return models.ReasonFeature
	case models.ChangePatch:
		return models.ReasonBugfix
	default:
		return models.ReasonUnknown
	}
}

// TraceEntry builds one trace entry. Options attach the typed payload
// matching the kind.
func TraceEntry(at time.Time, kind models.TraceKind, outcome models.TraceOutcome, reason string, opts ...func(*models.TraceEntry)) models.TraceEntry {
	entry := models.TraceEntry{Kind: kind, Outcome: outcome, Reason: reason, Time: at}
	for _, opt := range opts {
		opt(&entry)
	}
	return entry
}

func withPolicy(policy models.UpdatePolicy) func(*models.TraceEntry) {
	return func(e *models.TraceEntry) {
		e.Policy = &models.PolicyCheckTrace{Policy: policy}
	}
}

func withScope(scope models.ChangeScope, change models.ChangeType, candidate string) func(*models.TraceEntry) {
	return func(e *models.TraceEntry) {
		e.Scope = &models.ScopeCheckTrace{Scope: scope, ChangeType: change, Candidate: candidate}
	}
}

func withIgnore(candidate string, rules IgnoreRules) func(*models.TraceEntry) {
	return func(e *models.TraceEntry) {
		e.Ignore = &models.IgnoreCheckTrace{
			Candidate:     candidate,
			IgnoredExact:  rules.Exact,
			IgnoredPrefix: rules.Prefix,
		}
	}
}

func withWindow(expr, enforcement string, at time.Time, inWindow bool) func(*models.TraceEntry) {
	return func(e *models.TraceEntry) {
		e.Window = &models.WindowCheckTrace{
			Expression:  expr,
			Enforcement: enforcement,
			EvaluatedAt: at,
			InWindow:    inWindow,
		}
	}
}
