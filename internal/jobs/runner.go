// Package jobs owns the persisted background-job state machine. A job is a
// durable row, not an in-memory task handle: it survives restarts, reports
// progress monotonically, and is cancelled cooperatively at checkpoints
// between units of work.
package jobs

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/harborwatch/harborwatch/internal/database/repositories"
	"github.com/harborwatch/harborwatch/internal/interfaces"
	"github.com/harborwatch/harborwatch/internal/models"
)

// ErrCancelled is returned by work functions that observed a cancellation
// checkpoint; the runner turns it into the cancelled terminal state.
var ErrCancelled = errors.New("job cancelled")

// WorkFunc is the unit-of-work loop of a job. Implementations must call
// Checkpoint methods between units and return ErrCancelled when a
// checkpoint reports cancellation.
type WorkFunc func(ctx context.Context, cp *Checkpoint) error

// Runner starts, tracks and finishes background jobs. At most one job per
// kind is queued or running at any time; that singleton rule is enforced
// against the persisted rows, guarded by the job version counter, not by
// an in-process lock.
type Runner struct {
	repo   *repositories.JobRepository
	clock  interfaces.Clock
	events interfaces.EventSink
	logger *logrus.Logger
	wg     sync.WaitGroup
}

// NewRunner creates a job runner.
func NewRunner(repo *repositories.JobRepository, clock interfaces.Clock, events interfaces.EventSink, logger *logrus.Logger) *Runner {
	if logger == nil {
		logger = logrus.New()
	}
	return &Runner{repo: repo, clock: clock, events: events, logger: logger}
}

// StartOptions carries the optional per-job fields set at creation.
type StartOptions struct {
	TriggeredBy       string
	TargetContainerID *uint
	MaxPolls          int
}

// Start begins a job of the given kind unless one is already active. When
// a queued or running job of that kind exists, its row is returned with
// alreadyRunning set and no new row is created.
func (r *Runner) Start(ctx context.Context, kind models.JobKind, opts StartOptions, fn WorkFunc) (job *models.Job, alreadyRunning bool, err error) {
	if active, err := r.repo.FindActive(ctx, kind); err == nil {
		return active, true, nil
	} else if !errors.Is(err, repositories.ErrNotFound) {
		return nil, false, err
	}

	job = &models.Job{
		JobUID:            uuid.NewString(),
		Kind:              kind,
		Status:            models.JobStatusQueued,
		TriggeredBy:       opts.TriggeredBy,
		TargetContainerID: opts.TargetContainerID,
		MaxPolls:          opts.MaxPolls,
	}
	if err := r.repo.Create(ctx, job); err != nil {
		// The partial unique index on active rows rejects the insert when
		// another scheduler raced us past FindActive. The winner's row is
		// the active one, so report it instead of the driver error.
		if active, ferr := r.repo.FindActive(ctx, kind); ferr == nil {
			return active, true, nil
		}
		return nil, false, err
	}

	now := r.clock.Now()
	if err := r.repo.TransitionStatus(ctx, job, models.JobStatusRunning,
		map[string]interface{}{"started_at": now}); err != nil {
		return nil, false, err
	}
	r.publish("job.started", job)

	r.wg.Add(1)
	go r.run(job, fn)
	return job, false, nil
}

// run drives the work function and records the terminal transition.
// Failures never propagate: every outcome ends as a persisted status.
func (r *Runner) run(job *models.Job, fn WorkFunc) {
	defer r.wg.Done()
	ctx := context.Background()
	log := r.logger.WithFields(logrus.Fields{"job": job.JobUID, "kind": job.Kind})

	cp := &Checkpoint{runner: r, job: job, ctx: ctx}
	err := fn(ctx, cp)

	now := r.clock.Now()
	switch {
	case errors.Is(err, ErrCancelled):
		r.finish(ctx, job, models.JobStatusCancelled, map[string]interface{}{
			"completed_at": now,
		})
		log.Info("Job cancelled")
		r.publish("job.cancelled", job)
	case err != nil:
		r.finish(ctx, job, models.JobStatusFailed, map[string]interface{}{
			"completed_at":  now,
			"error_message": err.Error(),
		})
		log.WithError(err).Warn("Job failed")
		r.publish("job.failed", job)
	default:
		r.finish(ctx, job, models.JobStatusCompleted, map[string]interface{}{
			"completed_at": now,
		})
		log.WithFields(logrus.Fields{
			"processed": job.ProcessedCount,
			"found":     job.FoundCount,
			"errors":    job.ErrorsCount,
		}).Info("Job completed")
		r.publish("job.completed", job)
	}
}

func (r *Runner) finish(ctx context.Context, job *models.Job, status models.JobStatus, fields map[string]interface{}) {
	if err := r.repo.TransitionStatus(ctx, job, status, fields); err != nil {
		r.logger.WithError(err).WithField("job", job.JobUID).
			Error("Failed to persist terminal job status")
	}
}

// Cancel requests cooperative cancellation. In-flight work continues until
// the next checkpoint; partial results stay intact.
func (r *Runner) Cancel(ctx context.Context, id uint) error {
	return r.repo.RequestCancel(ctx, id)
}

// RecoverOrphans fails any job left queued or running by a previous
// process. Must run at startup before the first Start call.
func (r *Runner) RecoverOrphans(ctx context.Context) error {
	n, err := r.repo.FailOrphans(ctx, r.clock.Now())
	if err != nil {
		return err
	}
	if n > 0 {
		r.logger.WithField("count", n).Warn("Failed orphaned jobs from previous run")
	}
	return nil
}

// Wait blocks until all in-flight jobs have reached a terminal state.
func (r *Runner) Wait() {
	r.wg.Wait()
}

func (r *Runner) publish(eventType string, job *models.Job) {
	if r.events == nil {
		return
	}
	r.events.Publish(eventType, map[string]interface{}{
		"job_id": job.ID,
		"uid":    job.JobUID,
		"kind":   job.Kind,
	})
}

// Checkpoint is the persistence boundary a work function crosses between
// units of work. Every call leaves the job row consistent, so cancellation
// or a crash never strands half-written progress.
type Checkpoint struct {
	runner *Runner
	job    *models.Job
	ctx    context.Context
}

// Job exposes the job row backing this checkpoint.
func (cp *Checkpoint) Job() *models.Job { return cp.job }

// SetTotal records the number of units of work before processing starts.
// A zero total is legal and reports as 0% progress, not an error.
func (cp *Checkpoint) SetTotal(n int) error {
	cp.job.TotalCount = n
	_, err := cp.runner.repo.UpdateProgress(cp.ctx, cp.job)
	return err
}

// Advance records one completed unit of work and reports whether
// cancellation was requested. Counters only ever increase.
func (cp *Checkpoint) Advance(found, failed bool) (cancelled bool, err error) {
	cp.job.ProcessedCount++
	if found {
		cp.job.FoundCount++
	}
	if failed {
		cp.job.ErrorsCount++
	}
	return cp.runner.repo.UpdateProgress(cp.ctx, cp.job)
}
