// Package orchestrator applies eligible updates in dependency order,
// re-checking maintenance windows at apply time and driving retry,
// backup and rollback bookkeeping for every attempt.
package orchestrator

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/harborwatch/harborwatch/internal/config"
	"github.com/harborwatch/harborwatch/internal/database/repositories"
	"github.com/harborwatch/harborwatch/internal/engine"
	"github.com/harborwatch/harborwatch/internal/interfaces"
	"github.com/harborwatch/harborwatch/internal/models"
)

var (
	// ErrNotActionable is returned when an approve, reject or snooze is
	// attempted against an update that is already resolved.
	ErrNotActionable = errors.New("update is already resolved")

	// ErrNotRollbackable is returned when a history record cannot be
	// rolled back: it failed, was already rolled back, or has no snapshot.
	ErrNotRollbackable = errors.New("history record cannot be rolled back")
)

// Snapshotter captures a pre-change copy of a service's compose file so a
// successful apply can later be rolled back.
type Snapshotter interface {
	Snapshot(ctx context.Context, ref interfaces.ServiceRef, dir string) (string, error)
}

// Orchestrator sweeps eligible updates and applies them one container at a
// time. It is the only writer of update_history rows.
type Orchestrator struct {
	updates    *repositories.UpdateRepository
	containers *repositories.ContainerRepository
	history    *repositories.HistoryRepository
	engine     interfaces.ContainerEngine
	snapshots  Snapshotter
	events     interfaces.EventSink
	clock      interfaces.Clock
	logger     *logrus.Logger
}

// New creates an orchestrator over the given repositories and runtime
// collaborators.
func New(
	updates *repositories.UpdateRepository,
	containers *repositories.ContainerRepository,
	history *repositories.HistoryRepository,
	containerEngine interfaces.ContainerEngine,
	snapshots Snapshotter,
	events interfaces.EventSink,
	clock interfaces.Clock,
	logger *logrus.Logger,
) *Orchestrator {
	return &Orchestrator{
		updates:    updates,
		containers: containers,
		history:    history,
		engine:     containerEngine,
		snapshots:  snapshots,
		events:     events,
		clock:      clock,
		logger:     logger,
	}
}

// SweepResult summarizes one sweep over the eligible updates.
type SweepResult struct {
	Considered int `json:"considered"`
	Applied    int `json:"applied"`
	Failed     int `json:"failed"`
	Deferred   int `json:"deferred"`
	Conflicts  int `json:"conflicts"`
	Excluded   int `json:"excluded"`
}

// Sweep loads every eligible update, orders the batch by container
// dependencies and applies each member. Snoozed updates and updates whose
// retry backoff has not elapsed are left for a later sweep; containers on
// a dependency cycle are failed outright.
func (o *Orchestrator) Sweep(ctx context.Context, settings config.Settings) (SweepResult, error) {
	var result SweepResult

	eligible, err := o.updates.ListEligible(ctx)
	if err != nil {
		return result, errors.Wrap(err, "listing eligible updates")
	}

	now := o.clock.Now()
	graph := newApplyGraph()
	byName := make(map[string]*models.Update, len(eligible))
	for i := range eligible {
		u := &eligible[i]
		if u.Snoozed(now) {
			result.Deferred++
			continue
		}
		if u.NextRetryAt != nil && now.Before(*u.NextRetryAt) {
			result.Deferred++
			continue
		}
		result.Considered++
		graph.Add(u.Container.Name, u.Container.DependsOn)
		byName[u.Container.Name] = u
	}

	ordered, cyclic := graph.Order()
	for name, cycErr := range cyclic {
		o.failImmediately(ctx, byName[name], cycErr)
		result.Excluded++
	}

	for _, name := range ordered {
		switch o.applyOne(ctx, byName[name], settings) {
		case applyApplied:
			result.Applied++
		case applyFailed:
			result.Failed++
		case applyDeferred:
			result.Deferred++
		case applyConflict:
			result.Conflicts++
		}
	}

	if result.Considered > 0 || result.Excluded > 0 {
		o.logger.WithFields(logrus.Fields{
			"considered": result.Considered,
			"applied":    result.Applied,
			"failed":     result.Failed,
			"deferred":   result.Deferred,
			"conflicts":  result.Conflicts,
			"excluded":   result.Excluded,
		}).Info("Sweep finished")
	}
	return result, nil
}

type applyOutcome int

const (
	applyApplied applyOutcome = iota
	applyFailed
	applyDeferred
	applyConflict
)

func (o *Orchestrator) applyOne(ctx context.Context, u *models.Update, settings config.Settings) applyOutcome {
	c := &u.Container
	now := o.clock.Now()
	log := o.logger.WithFields(logrus.Fields{
		"container": c.Name,
		"update_id": u.ID,
		"to_tag":    u.ToTag,
	})

	// The window is re-checked at apply time: an update detected inside a
	// window may only be applied inside one too.
	window, err := engine.ParseWindow(c.MaintenanceWindow)
	if err != nil {
		o.failImmediately(ctx, u, err)
		return applyFailed
	}
	inWindow := window.Contains(now)
	if !inWindow && settings.WindowEnforcement == config.WindowStrict {
		log.Debug("Deferring update until maintenance window opens")
		return applyDeferred
	}

	// Claim the update before touching the runtime: a compare-and-set
	// version bump guarantees at most one concurrent actor proceeds.
	claimed := u.Version
	if err := o.updates.SaveWithVersion(ctx, u, claimed); err != nil {
		if errors.Is(err, repositories.ErrVersionConflict) {
			log.WithField("version", claimed).Debug("Update claimed elsewhere, skipping")
			return applyConflict
		}
		log.WithError(err).Error("Failed to claim update")
		return applyFailed
	}
	claimed = u.Version

	if !inWindow {
		u.DecisionTrace = u.DecisionTrace.Append(models.TraceEntry{
			Kind:    models.TraceWindowCheck,
			Outcome: models.TraceOutcomeWarning,
			Reason:  "applying outside maintenance window",
			Time:    now,
			Window: &models.WindowCheckTrace{
				Expression:  c.MaintenanceWindow,
				Enforcement: settings.WindowEnforcement,
				EvaluatedAt: now,
				InWindow:    false,
			},
		})
		log.Warn("Applying outside maintenance window")
	}

	targetTag := u.ToTag
	if targetTag == "" {
		targetTag = c.CurrentTag
	}
	ref := interfaces.ServiceRef{
		ComposeFile: c.ComposeFile,
		Project:     c.ComposeProject,
		Service:     c.ServiceName,
		Image:       c.ImageRef,
		Tag:         targetTag,
	}

	snapshotPath, err := o.snapshots.Snapshot(ctx, ref, settings.BackupDir)
	if err != nil {
		o.recordFailure(ctx, u, claimed, "", 0, errors.Wrap(err, "taking compose snapshot"))
		return applyFailed
	}

	start := o.clock.Now()
	applyErr := o.engine.Recreate(ctx, ref)
	duration := o.clock.Now().Sub(start)

	if applyErr != nil {
		o.recordFailure(ctx, u, claimed, snapshotPath, duration, applyErr)
		return applyFailed
	}

	attempt := u.RetryCount + 1
	u.Status = models.UpdateStatusApplied
	u.LastError = ""
	u.NextRetryAt = nil
	u.DecisionTrace = u.DecisionTrace.Append(models.TraceEntry{
		Kind:    models.TraceApply,
		Outcome: models.TraceOutcomeAllowed,
		Reason:  "update applied",
		Time:    o.clock.Now(),
		Apply:   &models.ApplyTrace{Attempt: attempt},
	})
	if err := o.updates.SaveWithVersion(ctx, u, claimed); err != nil {
		// The service already runs the new image; the proposal row is
		// stale but the next scan reconciles it.
		log.WithError(err).Warn("Applied update but failed to persist final state")
	}
	if err := o.containers.SetCurrent(ctx, c.ID, targetTag, ""); err != nil {
		log.WithError(err).Warn("Failed to record new current tag")
	}

	o.writeHistory(ctx, u, models.HistorySuccess, duration, snapshotPath, "")
	o.events.Publish("update.applied", map[string]interface{}{
		"container": c.Name,
		"from_tag":  u.FromTag,
		"to_tag":    targetTag,
		"kind":      u.UpdateKind,
	})
	log.Info("Update applied")
	return applyApplied
}

// recordFailure classifies an apply error and persists either retry
// bookkeeping or a terminal failure, plus the audit history row.
func (o *Orchestrator) recordFailure(ctx context.Context, u *models.Update, claimed int64, snapshotPath string, duration time.Duration, applyErr error) {
	now := o.clock.Now()
	u.RetryCount++
	u.LastError = applyErr.Error()

	outcome := models.TraceOutcomeBlocked
	reason := "apply failed"
	if isTransient(applyErr) && !u.RetriesExhausted() {
		multiplier := u.BackoffMultiplier
		if multiplier < 2 {
			multiplier = 2
		}
		next := now.Add(time.Duration(intPow(multiplier, u.RetryCount)) * time.Second)
		u.NextRetryAt = &next
		outcome = models.TraceOutcomeWarning
		reason = "apply failed, retry scheduled"
	} else {
		u.Status = models.UpdateStatusFailed
		u.NextRetryAt = nil
		if isTransient(applyErr) {
			reason = "apply failed, retries exhausted"
		}
	}

	u.DecisionTrace = u.DecisionTrace.Append(models.TraceEntry{
		Kind:    models.TraceApply,
		Outcome: outcome,
		Reason:  reason,
		Time:    now,
		Apply:   &models.ApplyTrace{Attempt: u.RetryCount, Error: applyErr.Error()},
	})
	if err := o.updates.SaveWithVersion(ctx, u, claimed); err != nil {
		o.logger.WithError(err).WithField("update_id", u.ID).
			Error("Failed to persist apply failure")
	}

	o.writeHistory(ctx, u, models.HistoryFailed, duration, snapshotPath, applyErr.Error())
	o.events.Publish("update.failed", map[string]interface{}{
		"container": u.Container.Name,
		"to_tag":    u.ToTag,
		"error":     applyErr.Error(),
		"terminal":  u.Status == models.UpdateStatusFailed,
	})
	o.logger.WithError(applyErr).WithFields(logrus.Fields{
		"container": u.Container.Name,
		"update_id": u.ID,
		"terminal":  u.Status == models.UpdateStatusFailed,
	}).Warn("Update apply failed")
}

// failImmediately marks an update terminally failed for a non-transient
// reason discovered before any runtime work, such as a dependency cycle or
// an invalid window expression.
func (o *Orchestrator) failImmediately(ctx context.Context, u *models.Update, cause error) {
	now := o.clock.Now()
	u.Status = models.UpdateStatusFailed
	u.LastError = cause.Error()
	u.NextRetryAt = nil
	u.DecisionTrace = u.DecisionTrace.Append(models.TraceEntry{
		Kind:    models.TraceApply,
		Outcome: models.TraceOutcomeBlocked,
		Reason:  cause.Error(),
		Time:    now,
		Apply:   &models.ApplyTrace{Attempt: u.RetryCount + 1, Error: cause.Error()},
	})
	if err := o.updates.SaveWithVersion(ctx, u, u.Version); err != nil {
		o.logger.WithError(err).WithField("update_id", u.ID).
			Error("Failed to persist terminal failure")
		return
	}
	o.writeHistory(ctx, u, models.HistoryFailed, 0, "", cause.Error())
	o.events.Publish("update.failed", map[string]interface{}{
		"container": u.Container.Name,
		"to_tag":    u.ToTag,
		"error":     cause.Error(),
		"terminal":  true,
	})
	o.logger.WithError(cause).WithField("container", u.Container.Name).
		Warn("Update failed before apply")
}

func (o *Orchestrator) writeHistory(ctx context.Context, u *models.Update, status models.HistoryStatus, duration time.Duration, snapshotPath, errMsg string) {
	record := &models.UpdateHistory{
		HistoryUID:  uuid.NewString(),
		ContainerID: u.ContainerID,
		UpdateID:    u.ID,
		FromTag:     u.FromTag,
		ToTag:       u.ToTag,
		Status:      status,
		DurationMS:  duration.Milliseconds(),
		Error:       errMsg,
		BackupPath:  snapshotPath,
		CanRollback: status == models.HistorySuccess && snapshotPath != "",
	}
	if err := o.history.Create(ctx, record); err != nil {
		o.logger.WithError(err).WithField("update_id", u.ID).
			Error("Failed to write apply history")
	}
}

// Approve marks a pending update approved. The caller passes the version
// it observed; a concurrent mutation surfaces as ErrVersionConflict.
func (o *Orchestrator) Approve(ctx context.Context, id uint, actor string, observedVersion int64) (*models.Update, error) {
	u, err := o.updates.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if u.Status.Resolved() {
		return nil, ErrNotActionable
	}
	now := o.clock.Now()
	u.Status = models.UpdateStatusApproved
	u.ApprovedBy = actor
	u.ApprovedAt = &now
	u.SnoozedUntil = nil
	if err := o.updates.SaveWithVersion(ctx, u, observedVersion); err != nil {
		return nil, err
	}
	return u, nil
}

// Reject marks a pending-or-approved update rejected.
func (o *Orchestrator) Reject(ctx context.Context, id uint, actor, reason string, observedVersion int64) (*models.Update, error) {
	u, err := o.updates.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if u.Status.Resolved() {
		return nil, ErrNotActionable
	}
	now := o.clock.Now()
	u.Status = models.UpdateStatusRejected
	u.RejectedBy = actor
	u.RejectedAt = &now
	u.RejectReason = reason
	if err := o.updates.SaveWithVersion(ctx, u, observedVersion); err != nil {
		return nil, err
	}
	return u, nil
}

// Snooze keeps an update unresolved but invisible to sweeps until the
// given instant.
func (o *Orchestrator) Snooze(ctx context.Context, id uint, until time.Time, observedVersion int64) (*models.Update, error) {
	u, err := o.updates.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if u.Status.Resolved() {
		return nil, ErrNotActionable
	}
	u.SnoozedUntil = &until
	if err := o.updates.SaveWithVersion(ctx, u, observedVersion); err != nil {
		return nil, err
	}
	return u, nil
}

// Rollback restores the compose snapshot captured for a successful apply
// and recreates the service from it.
func (o *Orchestrator) Rollback(ctx context.Context, historyID uint) (*models.UpdateHistory, error) {
	record, err := o.history.GetByID(ctx, historyID)
	if err != nil {
		return nil, err
	}
	if record.Status != models.HistorySuccess || !record.CanRollback || record.BackupPath == "" {
		return nil, ErrNotRollbackable
	}
	container, err := o.containers.GetByID(ctx, record.ContainerID)
	if err != nil {
		return nil, err
	}

	ref := interfaces.ServiceRef{
		ComposeFile: container.ComposeFile,
		Project:     container.ComposeProject,
		Service:     container.ServiceName,
		Image:       container.ImageRef,
		Tag:         record.FromTag,
	}
	if err := o.engine.RestoreSnapshot(ctx, ref, record.BackupPath); err != nil {
		return nil, errors.Wrap(err, "restoring compose snapshot")
	}
	if err := o.history.MarkRolledBack(ctx, record.ID); err != nil {
		return nil, err
	}
	record.Status = models.HistoryRolledBack
	record.CanRollback = false
	if err := o.containers.SetCurrent(ctx, container.ID, record.FromTag, ""); err != nil {
		o.logger.WithError(err).WithField("container", container.Name).
			Warn("Failed to record rolled-back tag")
	}

	o.events.Publish("update.rolled_back", map[string]interface{}{
		"container": container.Name,
		"to_tag":    record.FromTag,
	})
	o.logger.WithFields(logrus.Fields{
		"container": container.Name,
		"tag":       record.FromTag,
	}).Info("Rollback completed")
	return record, nil
}

func intPow(base, exp int) int64 {
	result := int64(1)
	for i := 0; i < exp; i++ {
		result *= int64(base)
	}
	return result
}
