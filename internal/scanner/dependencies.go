package scanner

import (
	"context"
	"errors"

	"github.com/harborwatch/harborwatch/internal/database/repositories"
	"github.com/harborwatch/harborwatch/internal/engine"
	"github.com/harborwatch/harborwatch/internal/jobs"
	"github.com/harborwatch/harborwatch/internal/models"
	"github.com/harborwatch/harborwatch/internal/version"
)

// RunDependencyScan starts a dependency scan job, or returns the
// already-active one. The scan refreshes every tracked sub-component:
// base images against the registry, app dependencies and embedded servers
// against their stored latest versions.
func (s *Scanner) RunDependencyScan(ctx context.Context, triggeredBy string) (*models.Job, bool, error) {
	opts := jobs.StartOptions{TriggeredBy: triggeredBy}
	return s.runner.Start(ctx, models.JobKindDependencyScan, opts, s.scanDependencies)
}

// depUnit pairs a dependency row with its embedded common state. The model
// pointer selects the table on write.
type depUnit struct {
	model     interface{}
	state     *models.DependencyState
	baseImage string
}

func (s *Scanner) scanDependencies(ctx context.Context, cp *jobs.Checkpoint) error {
	list, err := s.containers.List(ctx)
	if err != nil {
		return err
	}

	var units []depUnit
	for i := range list {
		dockerfiles, err := s.deps.ListDockerfile(ctx, list[i].ID)
		if err != nil {
			return err
		}
		for j := range dockerfiles {
			d := &dockerfiles[j]
			units = append(units, depUnit{model: d, state: &d.DependencyState, baseImage: d.BaseImage})
		}
		apps, err := s.deps.ListApp(ctx, list[i].ID)
		if err != nil {
			return err
		}
		for j := range apps {
			d := &apps[j]
			units = append(units, depUnit{model: d, state: &d.DependencyState})
		}
		servers, err := s.deps.ListHttpServers(ctx, list[i].ID)
		if err != nil {
			return err
		}
		for j := range servers {
			d := &servers[j]
			units = append(units, depUnit{model: d, state: &d.DependencyState})
		}
	}

	if err := cp.SetTotal(len(units)); err != nil {
		return err
	}
	for _, unit := range units {
		failed := false
		if unit.baseImage != "" {
			if err := s.refreshBaseImage(ctx, unit.state, unit.baseImage); err != nil {
				s.logger.WithError(err).WithField("dependency", unit.state.Name).
					Warn("Base image check failed")
				failed = true
			}
		} else {
			refreshTracked(unit.state)
		}

		now := s.clock.Now()
		unit.state.LastCheckedAt = &now
		if err := s.deps.SaveStateWithVersion(ctx, unit.model, unit.state); err != nil {
			if errors.Is(err, repositories.ErrVersionConflict) {
				s.logger.WithField("dependency", unit.state.Name).
					Debug("Dependency mutated concurrently, skipping")
			} else {
				failed = true
			}
		}

		cancelled, err := cp.Advance(unit.state.Outdated() && !unit.state.Ignored(), failed)
		if err != nil {
			return err
		}
		if cancelled {
			return jobs.ErrCancelled
		}
	}
	return nil
}

// refreshBaseImage queries the registry for a base image's tags and
// records the best non-ignored candidate. Ignore rules auto-clear the same
// way container-level ones do.
func (s *Scanner) refreshBaseImage(ctx context.Context, state *models.DependencyState, image string) error {
	tags, err := s.registry.ListTags(ctx, image)
	if err != nil {
		return err
	}

	rules := engine.IgnoreRules{Exact: state.IgnoredVersion, Prefix: state.IgnoredPrefix}
	verdict := engine.Filter(engine.FilterInput{
		Current: state.CurrentVersion,
		Tags:    tags,
		Scheme:  version.SchemeFor(nil, tags),
		Scope:   models.ScopeMajor,
		Ignore:  rules,
	})

	if verdict.Allowed {
		state.LatestVersion = verdict.Candidate
		state.Severity = severityFor(verdict.Comparison.ChangeType)
	} else if verdict.IgnoredCandidate == "" {
		state.LatestVersion = state.CurrentVersion
		state.Severity = models.SeverityNone
	}

	latest := verdict.Candidate
	if latest == "" {
		latest = verdict.IgnoredCandidate
	}
	if latest != "" {
		exact, prefix := rules.Cleared(latest)
		if exact {
			state.IgnoredVersion = ""
		}
		if prefix {
			state.IgnoredPrefix = ""
		}
	}
	return nil
}

// refreshTracked regrades a dependency whose latest version is maintained
// by an external collaborator rather than a registry query.
func refreshTracked(state *models.DependencyState) {
	if state.LatestVersion == "" || state.LatestVersion == state.CurrentVersion {
		state.Severity = models.SeverityNone
		return
	}
	scheme := version.SchemeFor(nil, []string{state.CurrentVersion, state.LatestVersion})
	cmp, ok := version.Compare(state.CurrentVersion, state.LatestVersion, scheme)
	if !ok || cmp.Order <= 0 {
		state.Severity = models.SeverityNone
		return
	}
	state.Severity = severityFor(cmp.ChangeType)
}

func severityFor(change models.ChangeType) models.DependencySeverity {
	switch change {
	case models.ChangeMajor:
		return models.SeverityHigh
	case models.ChangeMinor:
		return models.SeverityMedium
	case models.ChangePatch:
		return models.SeverityLow
	default:
		return models.SeverityNone
	}
}
