package docker

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/harborwatch/harborwatch/internal/interfaces"
)

// ComposeSnapshotter copies a service's compose file aside before an apply
// so the orchestrator can roll the change back.
type ComposeSnapshotter struct {
	clock  interfaces.Clock
	logger *logrus.Logger
}

// NewComposeSnapshotter creates a snapshotter.
func NewComposeSnapshotter(clock interfaces.Clock, logger *logrus.Logger) *ComposeSnapshotter {
	return &ComposeSnapshotter{clock: clock, logger: logger}
}

// Snapshot copies the compose file into dir and returns the copy's path.
// A missing compose file is a hard error; the apply must not proceed.
func (s *ComposeSnapshotter) Snapshot(_ context.Context, ref interfaces.ServiceRef, dir string) (string, error) {
	raw, err := os.ReadFile(ref.ComposeFile)
	if err != nil {
		return "", errors.Wrap(err, "reading compose file")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", errors.Wrap(err, "creating backup directory")
	}

	name := fmt.Sprintf("%s-%s-%d%s",
		ref.Project, ref.Service, s.clock.Now().Unix(), filepath.Ext(ref.ComposeFile))
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return "", errors.Wrap(err, "writing compose snapshot")
	}
	s.logger.WithFields(logrus.Fields{
		"service":  ref.Service,
		"snapshot": path,
	}).Debug("Compose snapshot written")
	return path, nil
}
