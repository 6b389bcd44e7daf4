package docker

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/compose-spec/compose-go/v2/loader"
	composetypes "github.com/compose-spec/compose-go/v2/types"
	"github.com/distribution/reference"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	imagetypes "github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/harborwatch/harborwatch/internal/interfaces"
)

// Compose labels the runtime attaches to containers it started.
const (
	labelProject     = "com.docker.compose.project"
	labelService     = "com.docker.compose.service"
	labelConfigFiles = "com.docker.compose.project.config_files"
)

// Engine adapts the Docker SDK to the ContainerEngine interface.
type Engine struct {
	cli         client.APIClient
	logger      *logrus.Logger
	stopTimeout int
}

// NewEngine wraps a Docker API client. stopTimeout is the grace period in
// seconds given to a container before it is killed during recreation.
func NewEngine(cli client.APIClient, stopTimeout int, logger *logrus.Logger) *Engine {
	if stopTimeout <= 0 {
		stopTimeout = 30
	}
	return &Engine{cli: cli, logger: logger, stopTimeout: stopTimeout}
}

// List returns every running container with its image identity and compose
// coordinates.
func (e *Engine) List(ctx context.Context) ([]interfaces.RunningContainer, error) {
	summaries, err := e.cli.ContainerList(ctx, container.ListOptions{})
	if err != nil {
		return nil, errors.Wrap(err, "listing containers")
	}

	out := make([]interfaces.RunningContainer, 0, len(summaries))
	for _, s := range summaries {
		if len(s.Names) == 0 {
			continue
		}
		repo, tag, ok := splitImageRef(s.Image)
		if !ok {
			// Containers started from a raw image ID have no tag to track.
			continue
		}
		out = append(out, interfaces.RunningContainer{
			RuntimeID:      s.ID,
			Name:           strings.TrimPrefix(s.Names[0], "/"),
			ImageRef:       repo,
			Tag:            tag,
			Digest:         e.imageDigest(ctx, s.ImageID),
			Labels:         s.Labels,
			ComposeProject: s.Labels[labelProject],
			ComposeFile:    firstConfigFile(s.Labels[labelConfigFiles]),
			ServiceName:    s.Labels[labelService],
		})
	}
	return out, nil
}

// Inspect returns the runtime view of a single container.
func (e *Engine) Inspect(ctx context.Context, runtimeID string) (interfaces.RunningContainer, error) {
	info, err := e.cli.ContainerInspect(ctx, runtimeID)
	if err != nil {
		return interfaces.RunningContainer{}, errors.Wrapf(err, "inspecting container %s", runtimeID)
	}
	repo, tag, _ := splitImageRef(info.Config.Image)
	return interfaces.RunningContainer{
		RuntimeID:      info.ID,
		Name:           strings.TrimPrefix(info.Name, "/"),
		ImageRef:       repo,
		Tag:            tag,
		Digest:         e.imageDigest(ctx, info.Image),
		Labels:         info.Config.Labels,
		ComposeProject: info.Config.Labels[labelProject],
		ComposeFile:    firstConfigFile(info.Config.Labels[labelConfigFiles]),
		ServiceName:    info.Config.Labels[labelService],
	}, nil
}

// Recreate retargets the compose file at the new tag, pulls the image and
// replaces the running container with one built from the previous
// container's configuration.
func (e *Engine) Recreate(ctx context.Context, ref interfaces.ServiceRef) error {
	target := ref.Image + ":" + ref.Tag
	if err := e.retargetComposeFile(ctx, ref, target); err != nil {
		return err
	}
	return e.replaceContainer(ctx, ref, target)
}

// RestoreSnapshot puts a previously captured compose file back in place
// and recreates the service from the image it names.
func (e *Engine) RestoreSnapshot(ctx context.Context, ref interfaces.ServiceRef, snapshotPath string) error {
	raw, err := os.ReadFile(snapshotPath)
	if err != nil {
		return errors.Wrap(err, "reading compose snapshot")
	}
	project, err := loadComposeProject(ctx, raw, ref)
	if err != nil {
		return err
	}
	service, err := project.GetService(ref.Service)
	if err != nil {
		return errors.Wrapf(err, "service %s missing from snapshot", ref.Service)
	}
	if err := os.WriteFile(ref.ComposeFile, raw, 0o644); err != nil {
		return errors.Wrap(err, "restoring compose file")
	}
	return e.replaceContainer(ctx, ref, service.Image)
}

// retargetComposeFile rewrites the service's image reference in the
// compose file. Services pinned to the exact same image move together.
func (e *Engine) retargetComposeFile(ctx context.Context, ref interfaces.ServiceRef, target string) error {
	raw, err := os.ReadFile(ref.ComposeFile)
	if err != nil {
		return errors.Wrap(err, "reading compose file")
	}
	project, err := loadComposeProject(ctx, raw, ref)
	if err != nil {
		return err
	}
	service, err := project.GetService(ref.Service)
	if err != nil {
		return errors.Wrapf(err, "service %s missing from compose file", ref.Service)
	}
	if service.Image == "" || service.Image == target {
		return nil
	}
	updated := bytes.ReplaceAll(raw, []byte(service.Image), []byte(target))
	if err := os.WriteFile(ref.ComposeFile, updated, 0o644); err != nil {
		return errors.Wrap(err, "writing compose file")
	}
	return nil
}

// replaceContainer pulls the target image, then stops, removes and
// recreates the service's container with the previous configuration.
func (e *Engine) replaceContainer(ctx context.Context, ref interfaces.ServiceRef, target string) error {
	reader, err := e.cli.ImagePull(ctx, target, imagetypes.PullOptions{})
	if err != nil {
		return errors.Wrapf(err, "pulling %s", target)
	}
	// The pull completes only once the body is drained.
	_, _ = io.Copy(io.Discard, reader)
	reader.Close()

	existing, err := e.findServiceContainer(ctx, ref)
	if err != nil {
		return err
	}
	info, err := e.cli.ContainerInspect(ctx, existing)
	if err != nil {
		return errors.Wrapf(err, "inspecting %s", existing)
	}

	stopTimeout := e.stopTimeout
	if err := e.cli.ContainerStop(ctx, existing, container.StopOptions{Timeout: &stopTimeout}); err != nil {
		return errors.Wrapf(err, "stopping %s", existing)
	}
	if err := e.cli.ContainerRemove(ctx, existing, container.RemoveOptions{}); err != nil {
		return errors.Wrapf(err, "removing %s", existing)
	}

	cfg := info.Config
	cfg.Image = target
	var netCfg *network.NetworkingConfig
	if info.NetworkSettings != nil && len(info.NetworkSettings.Networks) > 0 {
		netCfg = &network.NetworkingConfig{EndpointsConfig: info.NetworkSettings.Networks}
	}
	name := strings.TrimPrefix(info.Name, "/")
	created, err := e.cli.ContainerCreate(ctx, cfg, info.HostConfig, netCfg, nil, name)
	if err != nil {
		return errors.Wrapf(err, "recreating %s", name)
	}
	if err := e.cli.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return errors.Wrapf(err, "starting %s", name)
	}
	e.logger.WithFields(logrus.Fields{
		"container": name,
		"image":     target,
	}).Info("Container recreated")
	return nil
}

func (e *Engine) findServiceContainer(ctx context.Context, ref interfaces.ServiceRef) (string, error) {
	args := filters.NewArgs(
		filters.Arg("label", labelProject+"="+ref.Project),
		filters.Arg("label", labelService+"="+ref.Service),
	)
	summaries, err := e.cli.ContainerList(ctx, container.ListOptions{All: true, Filters: args})
	if err != nil {
		return "", errors.Wrap(err, "locating service container")
	}
	if len(summaries) == 0 {
		return "", errors.Errorf("no container found for service %s in project %s", ref.Service, ref.Project)
	}
	return summaries[0].ID, nil
}

// imageDigest resolves the repo digest of a local image, best effort.
func (e *Engine) imageDigest(ctx context.Context, imageID string) string {
	if imageID == "" {
		return ""
	}
	info, _, err := e.cli.ImageInspectWithRaw(ctx, imageID)
	if err != nil || len(info.RepoDigests) == 0 {
		return ""
	}
	if _, digest, found := strings.Cut(info.RepoDigests[0], "@"); found {
		return digest
	}
	return ""
}

func loadComposeProject(ctx context.Context, content []byte, ref interfaces.ServiceRef) (*composetypes.Project, error) {
	projectName := ref.Project
	if projectName == "" {
		projectName = loader.NormalizeProjectName(filepath.Base(filepath.Dir(ref.ComposeFile)))
	}
	details := composetypes.ConfigDetails{
		WorkingDir: filepath.Dir(ref.ComposeFile),
		ConfigFiles: []composetypes.ConfigFile{
			{Filename: ref.ComposeFile, Content: content},
		},
		Environment: composetypes.NewMapping(os.Environ()),
	}
	project, err := loader.LoadWithContext(ctx, details, func(o *loader.Options) {
		o.SetProjectName(projectName, true)
	})
	if err != nil {
		return nil, errors.Wrap(err, "loading compose project")
	}
	return project, nil
}

// splitImageRef normalizes an image reference into repository and tag.
func splitImageRef(image string) (repo, tag string, ok bool) {
	if strings.HasPrefix(image, "sha256:") {
		return "", "", false
	}
	named, err := reference.ParseNormalizedNamed(image)
	if err != nil {
		return "", "", false
	}
	tag = "latest"
	if tagged, isTagged := named.(reference.Tagged); isTagged {
		tag = tagged.Tag()
	}
	return reference.FamiliarName(named), tag, true
}

// firstConfigFile picks the primary compose file from the comma-separated
// label value.
func firstConfigFile(label string) string {
	if label == "" {
		return ""
	}
	return strings.Split(label, ",")[0]
}
