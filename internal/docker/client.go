// Package docker adapts the container runtime, compose files and image
// registries to the engine's collaborator interfaces.
package docker

import (
	"context"

	"github.com/docker/docker/client"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/harborwatch/harborwatch/internal/config"
)

// NewClient builds a Docker API client from the configuration and pings
// the daemon once so a dead socket surfaces at startup.
func NewClient(ctx context.Context, cfg config.DockerConfig, logger *logrus.Logger) (*client.Client, error) {
	opts := []client.Opt{client.FromEnv}
	if cfg.Host != "" {
		opts = append(opts, client.WithHost(cfg.Host))
	}
	if cfg.APIVersion != "" {
		opts = append(opts, client.WithVersion(cfg.APIVersion))
	} else {
		opts = append(opts, client.WithAPIVersionNegotiation())
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, errors.Wrap(err, "creating docker client")
	}
	ping, err := cli.Ping(ctx)
	if err != nil {
		cli.Close()
		return nil, errors.Wrap(err, "pinging docker daemon")
	}
	logger.WithField("api_version", ping.APIVersion).Info("Connected to Docker daemon")
	return cli, nil
}
