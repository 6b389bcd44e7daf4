// Package scanner runs the fleet check: it discovers running containers,
// queries registries for tags and digests, feeds the decision engine and
// reconciles the resulting update proposals.
package scanner

import (
	"context"
	"errors"

	"github.com/distribution/reference"
	"github.com/sirupsen/logrus"

	"github.com/harborwatch/harborwatch/internal/config"
	"github.com/harborwatch/harborwatch/internal/database/repositories"
	"github.com/harborwatch/harborwatch/internal/engine"
	"github.com/harborwatch/harborwatch/internal/interfaces"
	"github.com/harborwatch/harborwatch/internal/jobs"
	"github.com/harborwatch/harborwatch/internal/models"
)

// Scanner drives check and dependency-scan jobs.
type Scanner struct {
	containers *repositories.ContainerRepository
	updates    *repositories.UpdateRepository
	deps       *repositories.DependencyRepository
	runtime    interfaces.ContainerEngine
	registry   interfaces.Registry
	vulnscan   interfaces.VulnerabilityScanner
	decisions  *engine.DecisionEngine
	runner     *jobs.Runner
	events     interfaces.EventSink
	clock      interfaces.Clock
	logger     *logrus.Logger
}

// New creates a scanner over the given repositories and collaborators.
func New(
	containers *repositories.ContainerRepository,
	updates *repositories.UpdateRepository,
	deps *repositories.DependencyRepository,
	runtime interfaces.ContainerEngine,
	registry interfaces.Registry,
	vulnscan interfaces.VulnerabilityScanner,
	decisions *engine.DecisionEngine,
	runner *jobs.Runner,
	events interfaces.EventSink,
	clock interfaces.Clock,
	logger *logrus.Logger,
) *Scanner {
	return &Scanner{
		containers: containers,
		updates:    updates,
		deps:       deps,
		runtime:    runtime,
		registry:   registry,
		vulnscan:   vulnscan,
		decisions:  decisions,
		runner:     runner,
		events:     events,
		clock:      clock,
		logger:     logger,
	}
}

// RunCheck starts a fleet check job, or returns the already-active one.
// When target is non-nil only that container is checked.
func (s *Scanner) RunCheck(ctx context.Context, triggeredBy string, target *uint, settings config.Settings) (*models.Job, bool, error) {
	opts := jobs.StartOptions{TriggeredBy: triggeredBy, TargetContainerID: target}
	return s.runner.Start(ctx, models.JobKindCheck, opts, func(ctx context.Context, cp *jobs.Checkpoint) error {
		return s.checkFleet(ctx, cp, settings)
	})
}

func (s *Scanner) checkFleet(ctx context.Context, cp *jobs.Checkpoint, settings config.Settings) error {
	// Discovery is best effort: a dead runtime socket must not stop the
	// registry side of the check.
	if err := s.syncRunning(ctx); err != nil {
		s.logger.WithError(err).Warn("Container discovery failed, checking known containers only")
	}

	var list []models.Container
	if target := cp.Job().TargetContainerID; target != nil {
		c, err := s.containers.GetByID(ctx, *target)
		if err != nil {
			return err
		}
		list = []models.Container{*c}
	} else {
		var err error
		list, err = s.containers.List(ctx)
		if err != nil {
			return err
		}
	}

	if err := cp.SetTotal(len(list)); err != nil {
		return err
	}
	for i := range list {
		found, checkErr := s.checkContainer(ctx, &list[i], settings)
		if checkErr != nil {
			s.logger.WithError(checkErr).WithField("container", list[i].Name).
				Warn("Container check failed")
		}
		cancelled, err := cp.Advance(found, checkErr != nil)
		if err != nil {
			return err
		}
		if cancelled {
			return jobs.ErrCancelled
		}
	}
	return nil
}

// syncRunning reconciles the persisted fleet with what the runtime
// reports. Unknown containers are registered with the monitor policy;
// known ones get their runtime-observed identity refreshed.
func (s *Scanner) syncRunning(ctx context.Context) error {
	running, err := s.runtime.List(ctx)
	if err != nil {
		return err
	}
	for _, rc := range running {
		existing, err := s.containers.GetByName(ctx, rc.Name)
		switch {
		case err == nil:
			changed := existing.CurrentTag != rc.Tag ||
				existing.CurrentDigest != rc.Digest ||
				existing.ImageRef != rc.ImageRef ||
				existing.ComposeFile != rc.ComposeFile
			if !changed {
				continue
			}
			existing.CurrentTag = rc.Tag
			existing.CurrentDigest = rc.Digest
			existing.ImageRef = rc.ImageRef
			existing.ComposeProject = rc.ComposeProject
			existing.ComposeFile = rc.ComposeFile
			existing.ServiceName = rc.ServiceName
			if err := s.containers.Save(ctx, existing); err != nil {
				s.logger.WithError(err).WithField("container", rc.Name).
					Warn("Failed to refresh container from runtime")
			}
		case errors.Is(err, repositories.ErrNotFound):
			c := &models.Container{
				Name:           rc.Name,
				ImageRef:       rc.ImageRef,
				CurrentTag:     rc.Tag,
				CurrentDigest:  rc.Digest,
				ComposeProject: rc.ComposeProject,
				ComposeFile:    rc.ComposeFile,
				ServiceName:    rc.ServiceName,
				Policy:         models.PolicyMonitor,
				Scope:          models.ScopeMinor,
			}
			if err := s.containers.Create(ctx, c); err != nil {
				s.logger.WithError(err).WithField("container", rc.Name).
					Warn("Failed to register discovered container")
				continue
			}
			s.logger.WithField("container", rc.Name).Info("Discovered container")
		default:
			return err
		}
	}
	return nil
}

// checkContainer queries the registry for one container, runs the decision
// engine and reconciles the proposal. The returned bool reports whether an
// update was detected or retargeted.
func (s *Scanner) checkContainer(ctx context.Context, c *models.Container, settings config.Settings) (bool, error) {
	tags, err := s.registry.ListTags(ctx, c.ImageRef)
	if err != nil {
		return false, err
	}

	digest, err := s.registry.Digest(ctx, c.ImageRef, c.CurrentTag)
	if err != nil {
		// Digest lookups are optional; tag comparison still proceeds.
		s.logger.WithError(err).WithField("container", c.Name).
			Debug("Digest lookup failed")
		digest = ""
	}

	var scan *interfaces.ScanResult
	if result, err := s.vulnscan.ScanResultFor(ctx, c.ImageRef, c.CurrentTag); err == nil && result.Completed {
		scan = &result
	}

	decision := s.decisions.Decide(engine.DecisionInput{
		Container:    c,
		Tags:         tags,
		LatestDigest: digest,
		Scan:         scan,
		Settings:     settings,
	})

	fields := map[string]interface{}{
		"latest_major_tag":   decision.LatestMajorTag,
		"calver_blocked_tag": decision.CalverBlockedTag,
	}
	if decision.ClearIgnoredVersion {
		fields["ignored_version"] = ""
	}
	if decision.ClearIgnoredPrefix {
		fields["ignored_prefix"] = ""
	}
	if err := s.containers.RecordScan(ctx, c.ID, fields, s.clock.Now()); err != nil {
		return false, err
	}

	if !decision.CreateUpdate {
		return false, s.withdrawStale(ctx, c)
	}
	return s.reconcile(ctx, c, decision, scan, settings)
}

// withdrawStale rejects a leftover unresolved update once the engine no
// longer proposes a candidate, such as when the container was brought
// current outside the engine or the target vanished from the registry.
// A pending row left behind would hand the next sweep a stale target.
func (s *Scanner) withdrawStale(ctx context.Context, c *models.Container) error {
	existing, err := s.updates.GetUnresolved(ctx, c.ID)
	switch {
	case errors.Is(err, repositories.ErrNotFound):
		return nil
	case err != nil:
		return err
	}

	now := s.clock.Now()
	previous := existing.ToTag
	existing.Status = models.UpdateStatusRejected
	existing.RejectedAt = &now
	existing.RejectReason = "withdrawn: no actionable candidate in latest scan"
	existing.NextRetryAt = nil
	existing.DecisionTrace = existing.DecisionTrace.Append(models.TraceEntry{
		Kind:    models.TraceReconcile,
		Outcome: models.TraceOutcomeSkipped,
		Reason:  "withdrawn by newer scan",
		Time:    now,
		Reconcile: &models.ReconcileTrace{
			PreviousTarget: previous,
		},
	})

	if err := s.updates.SaveWithVersion(ctx, existing, existing.Version); err != nil {
		if errors.Is(err, repositories.ErrVersionConflict) {
			s.logger.WithField("container", c.Name).
				Debug("Update mutated concurrently, reconciling next scan")
			return nil
		}
		return err
	}

	s.events.Publish("update.withdrawn", map[string]interface{}{
		"container": c.Name,
		"from_tag":  existing.FromTag,
		"to_tag":    previous,
	})
	s.logger.WithFields(logrus.Fields{
		"container": c.Name,
		"target":    previous,
	}).Info("Stale update withdrawn")
	return nil
}

// reconcile folds a verdict into the container's single unresolved update:
// retargeting it in place when one exists, creating it otherwise.
func (s *Scanner) reconcile(ctx context.Context, c *models.Container, decision engine.Decision, scan *interfaces.ScanResult, settings config.Settings) (bool, error) {
	existing, err := s.updates.GetUnresolved(ctx, c.ID)
	switch {
	case errors.Is(err, repositories.ErrNotFound):
		return s.createUpdate(ctx, c, decision, scan, settings)
	case err != nil:
		return false, err
	}

	if existing.ToTag == decision.ToTag && existing.UpdateKind == decision.UpdateKind {
		return false, nil
	}

	now := s.clock.Now()
	previous := existing.ToTag
	existing.FromTag = c.CurrentTag
	existing.ToTag = decision.ToTag
	existing.UpdateKind = decision.UpdateKind
	existing.ChangeType = decision.ChangeType
	existing.Reason = decision.Reason
	existing.ScopeViolation = decision.ScopeViolation
	existing.RetryCount = 0
	existing.NextRetryAt = nil
	existing.LastError = ""
	if existing.Status == models.UpdateStatusApproved {
		// The approval named the old target; the new one needs its own.
		existing.Status = models.UpdateStatusPending
		existing.ApprovedBy = ""
		existing.ApprovedAt = nil
	}
	existing.DecisionTrace = existing.DecisionTrace.Append(models.TraceEntry{
		Kind:    models.TraceReconcile,
		Outcome: models.TraceOutcomeAllowed,
		Reason:  "retargeted by newer scan",
		Time:    now,
		Reconcile: &models.ReconcileTrace{
			PreviousTarget: previous,
			NewTarget:      decision.ToTag,
		},
	})

	if err := s.updates.SaveWithVersion(ctx, existing, existing.Version); err != nil {
		if errors.Is(err, repositories.ErrVersionConflict) {
			s.logger.WithField("container", c.Name).
				Debug("Update mutated concurrently, reconciling next scan")
			return false, nil
		}
		return false, err
	}

	s.publishDetected(c, existing, decision.QueueForApply)
	return true, nil
}

func (s *Scanner) createUpdate(ctx context.Context, c *models.Container, decision engine.Decision, scan *interfaces.ScanResult, settings config.Settings) (bool, error) {
	update := &models.Update{
		ContainerID:       c.ID,
		FromTag:           c.CurrentTag,
		ToTag:             decision.ToTag,
		Registry:          registryHost(c.ImageRef),
		UpdateKind:        decision.UpdateKind,
		ChangeType:        decision.ChangeType,
		Reason:            decision.Reason,
		Status:            models.UpdateStatusPending,
		MaxRetries:        settings.MaxRetries,
		BackoffMultiplier: settings.BackoffMultiplier,
		ScopeViolation:    decision.ScopeViolation,
		DecisionTrace:     decision.Trace,
	}
	if scan != nil {
		update.FixedCVEs = models.StringArray(scan.CVEs)
	}
	if err := s.updates.Create(ctx, update); err != nil {
		return false, err
	}
	s.publishDetected(c, update, decision.QueueForApply)
	return true, nil
}

func (s *Scanner) publishDetected(c *models.Container, u *models.Update, queued bool) {
	s.events.Publish("update.detected", map[string]interface{}{
		"container": c.Name,
		"from_tag":  u.FromTag,
		"to_tag":    u.ToTag,
		"kind":      u.UpdateKind,
		"reason":    u.Reason,
		"queued":    queued,
	})
	s.logger.WithFields(logrus.Fields{
		"container": c.Name,
		"from":      u.FromTag,
		"to":        u.ToTag,
		"kind":      u.UpdateKind,
	}).Info("Update detected")
}

// registryHost extracts the registry domain of an image reference,
// defaulting unqualified references to Docker Hub.
func registryHost(imageRef string) string {
	named, err := reference.ParseNormalizedNamed(imageRef)
	if err != nil {
		return ""
	}
	return reference.Domain(named)
}
