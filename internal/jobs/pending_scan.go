package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/harborwatch/harborwatch/internal/config"
	"github.com/harborwatch/harborwatch/internal/database/repositories"
	"github.com/harborwatch/harborwatch/internal/interfaces"
	"github.com/harborwatch/harborwatch/internal/models"
)

// PendingScanPoller models bounded retry against an external,
// eventually-consistent vulnerability scanner. A just-recreated container
// may not have been discovered downstream yet, so triggering a scan can
// fail for a while. The polling budget is persisted before every poll,
// making the job a restart-safe replacement for a fire-and-forget task.
type PendingScanPoller struct {
	runner  *Runner
	repo    *repositories.JobRepository
	updates *repositories.UpdateRepository
	scanner interfaces.VulnerabilityScanner
	clock   interfaces.Clock
	logger  *logrus.Logger

	// pause waits one poll interval or until the context is cancelled.
	// Kept as a field so tests can stub the wait like they stub the Clock.
	pause func(ctx context.Context) error
}

// NewPendingScanPoller creates a pending-scan poller. The interval is the
// pause between polls.
func NewPendingScanPoller(runner *Runner, repo *repositories.JobRepository, updates *repositories.UpdateRepository, scanner interfaces.VulnerabilityScanner, clock interfaces.Clock, logger *logrus.Logger, interval time.Duration) *PendingScanPoller {
	if logger == nil {
		logger = logrus.New()
	}
	return &PendingScanPoller{
		runner:  runner,
		repo:    repo,
		updates: updates,
		scanner: scanner,
		clock:   clock,
		logger:  logger,
		pause: func(ctx context.Context) error {
			timer := time.NewTimer(interval)
			defer timer.Stop()
			select {
			case <-ctx.Done():
				return ErrCancelled
			case <-timer.C:
				return nil
			}
		},
	}
}

// Start queues a pending-scan job for a just-recreated container.
func (p *PendingScanPoller) Start(ctx context.Context, containerID uint, imageRef, tag, triggeredBy string, settings config.Settings) (*models.Job, bool, error) {
	opts := StartOptions{
		TriggeredBy:       triggeredBy,
		TargetContainerID: &containerID,
		MaxPolls:          settings.PendingScanPolls,
	}
	return p.runner.Start(ctx, models.JobKindPendingScan, opts, func(ctx context.Context, cp *Checkpoint) error {
		return p.poll(ctx, cp, imageRef, tag, settings)
	})
}

// poll runs the bounded polling loop. Each iteration persists its state
// before touching the external scanner, so a crash mid-poll resumes with
// the budget already spent.
func (p *PendingScanPoller) poll(ctx context.Context, cp *Checkpoint, imageRef, tag string, settings config.Settings) error {
	job := cp.Job()
	if err := cp.SetTotal(job.MaxPolls); err != nil {
		return err
	}
	log := p.logger.WithFields(logrus.Fields{"job": job.JobUID, "image": imageRef, "tag": tag})

	triggered := false
	for job.PollCount < job.MaxPolls {
		job.PollCount++
		if err := p.repo.UpdatePollState(ctx, job); err != nil {
			return err
		}

		if !triggered {
			now := p.clock.Now()
			job.LastTriggerAttemptAt = &now
			if err := p.scanner.TriggerScan(ctx, imageRef, tag); err != nil {
				job.TriggerAttemptCount++
				if uerr := p.repo.UpdatePollState(ctx, job); uerr != nil {
					return uerr
				}
				if job.TriggerAttemptCount >= settings.TriggerAttemptCap {
					return fmt.Errorf("scanner did not accept trigger for %s:%s after %d attempts: %w",
						imageRef, tag, job.TriggerAttemptCount, err)
				}
				log.WithError(err).Debug("Scan trigger not accepted yet")
			} else {
				triggered = true
				if uerr := p.repo.UpdatePollState(ctx, job); uerr != nil {
					return uerr
				}
			}
		} else {
			result, err := p.scanner.ScanResultFor(ctx, imageRef, tag)
			if err != nil {
				log.WithError(err).Debug("Scan result not available yet")
			} else if result.Completed {
				job.FoundCount = len(result.CVEs)
				if derr := p.recordCVEDelta(ctx, job, result); derr != nil {
					log.WithError(derr).Warn("Failed to record CVE delta")
				}
				cancelled, err := cp.Advance(false, false)
				if err != nil {
					return err
				}
				if cancelled {
					return ErrCancelled
				}
				return nil
			}
		}

		cancelled, err := cp.Advance(false, false)
		if err != nil {
			return err
		}
		if cancelled {
			return ErrCancelled
		}

		if err := p.pause(ctx); err != nil {
			return err
		}
	}
	return fmt.Errorf("scan for %s:%s did not complete within %d polls", imageRef, tag, job.MaxPolls)
}

// recordCVEDelta folds the post-apply scan into the applied update row.
// At detection time FixedCVEs held the full CVE list of the old image;
// once the new image has a completed scan it is narrowed to the CVEs
// confirmed gone, and NewCVEs records the ones the new image introduced.
func (p *PendingScanPoller) recordCVEDelta(ctx context.Context, job *models.Job, result interfaces.ScanResult) error {
	if job.TargetContainerID == nil {
		return nil
	}
	update, err := p.updates.LatestApplied(ctx, *job.TargetContainerID)
	if errors.Is(err, repositories.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	after := make(map[string]struct{}, len(result.CVEs))
	for _, cve := range result.CVEs {
		after[cve] = struct{}{}
	}
	before := make(map[string]struct{}, len(update.FixedCVEs))
	for _, cve := range update.FixedCVEs {
		before[cve] = struct{}{}
	}

	var fixed, introduced models.StringArray
	for _, cve := range update.FixedCVEs {
		if _, still := after[cve]; !still {
			fixed = append(fixed, cve)
		}
	}
	for _, cve := range result.CVEs {
		if _, had := before[cve]; !had {
			introduced = append(introduced, cve)
		}
	}

	update.FixedCVEs = fixed
	update.NewCVEs = introduced
	if err := p.updates.SaveWithVersion(ctx, update, update.Version); err != nil {
		if errors.Is(err, repositories.ErrVersionConflict) {
			return nil
		}
		return err
	}
	return nil
}
