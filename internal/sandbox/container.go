package sandbox

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/build"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/docker/go-connections/nat"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

var _ Runtime = (*EngineRuntime)(nil)

// engineAPI is the part of the docker client EngineRuntime uses.
type engineAPI interface {
	ImageInspect(ctx context.Context, imageID string, opts ...client.ImageInspectOption) (image.InspectResponse, error)
	ImageBuild(ctx context.Context, buildContext io.Reader, options build.ImageBuildOptions) (build.ImageBuildResponse, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig,
		networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ContainerInspect(ctx context.Context, containerID string) (container.InspectResponse, error)
	ContainerList(ctx context.Context, options container.ListOptions) ([]container.Summary, error)
}

// EngineRuntime talks to the Docker Engine API directly instead of
// shelling out.
type EngineRuntime struct {
	client engineAPI
	logger *slog.Logger
}

func NewEngineRuntime(c *client.Client, logger *slog.Logger) *EngineRuntime {
	return &EngineRuntime{
		client: c,
		logger: logger.With("component", "runtime", "runtime", "docker-api"),
	}
}

func (e *EngineRuntime) Name() string {
	return "docker-api"
}

func (e *EngineRuntime) ImageExists(ctx context.Context, ref string) (bool, error) {
	_, err := e.client.ImageInspect(ctx, ref)
	if errdefs.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to inspect image: %w", err)
	}
	return true, nil
}

func (e *EngineRuntime) BuildImage(ctx context.Context, ref string, recipe io.Reader) error {
	buildCtx, err := recipeContext(recipe)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBuildFailed, err)
	}

	e.logger.Info("Building image", "image", ref)
	resp, err := e.client.ImageBuild(ctx, buildCtx, build.ImageBuildOptions{
		Tags:        []string{ref},
		Dockerfile:  recipeName,
		Remove:      true,
		ForceRemove: true,
		Labels:      map[string]string{LabelManagedBy: ManagedByValue},
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBuildFailed, err)
	}
	defer resp.Body.Close()

	// Errors from the build steps only show up in the message stream.
	if err := jsonmessage.DisplayJSONMessagesStream(resp.Body, io.Discard, 0, false, nil); err != nil {
		return fmt.Errorf("%w: %v", ErrBuildFailed, err)
	}

	e.logger.Info("Image built", "image", ref)
	return nil
}

func (e *EngineRuntime) Run(ctx context.Context, spec RunSpec) (string, error) {
	port, err := nat.NewPort("tcp", strconv.Itoa(spec.ContainerPort))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrContainerStartFailed, err)
	}

	config := &container.Config{
		Image:        spec.Image,
		Cmd:          spec.DriverArgs(),
		Labels:       spec.Labels,
		ExposedPorts: nat.PortSet{port: struct{}{}},
	}
	hostConfig := &container.HostConfig{
		PortBindings: nat.PortMap{
			port: []nat.PortBinding{{HostIP: spec.HostIP, HostPort: strconv.Itoa(spec.HostPort)}},
		},
		AutoRemove: false,
	}

	resp, err := e.client.ContainerCreate(ctx, config, hostConfig, nil, nil, spec.Name)
	if err != nil {
		e.logger.Error("Failed to create container", "name", spec.Name, "error", err)
		if errdefs.IsNotFound(err) {
			return "", fmt.Errorf("%w: %v", ErrImageNotFound, err)
		}
		return "", fmt.Errorf("%w: %v", ErrContainerStartFailed, err)
	}

	if err := e.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		e.logger.Error("Failed to start container", "name", spec.Name, "error", err)
		// the created container still holds the name
		_ = e.client.ContainerRemove(context.Background(), resp.ID, container.RemoveOptions{Force: true})
		if IsPortConflict(err) {
			return "", fmt.Errorf("%w: %v", ErrPortConflict, err)
		}
		return "", fmt.Errorf("%w: %v", ErrContainerStartFailed, err)
	}

	e.logger.Info("Container started", "name", spec.Name, "container_id", shortID(resp.ID), "port", spec.HostPort)
	return resp.ID, nil
}

func (e *EngineRuntime) Stop(ctx context.Context, name string, grace time.Duration) error {
	timeout := stopSeconds(grace)
	if err := e.client.ContainerStop(ctx, name, container.StopOptions{Timeout: &timeout}); err != nil {
		if errdefs.IsNotFound(err) {
			return ErrContainerNotFound
		}
		return fmt.Errorf("failed to stop container: %w", err)
	}
	return nil
}

func (e *EngineRuntime) Remove(ctx context.Context, name string) error {
	if err := e.client.ContainerRemove(ctx, name, container.RemoveOptions{Force: true}); err != nil {
		if errdefs.IsNotFound(err) {
			return ErrContainerNotFound
		}
		return fmt.Errorf("failed to remove container: %w", err)
	}
	return nil
}

func (e *EngineRuntime) IsRunning(ctx context.Context, name string) (bool, error) {
	inspect, err := e.client.ContainerInspect(ctx, name)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to inspect container: %w", err)
	}
	return inspect.State != nil && inspect.State.Running, nil
}

func (e *EngineRuntime) ListManaged(ctx context.Context) ([]ManagedContainer, error) {
	list, err := e.client.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", LabelManagedBy+"="+ManagedByValue)),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}

	result := make([]ManagedContainer, 0, len(list))
	for _, c := range list {
		name := ""
		if len(c.Names) > 0 {
			name = strings.TrimPrefix(c.Names[0], "/")
		}
		result = append(result, ManagedContainer{
			ID:      c.ID,
			Name:    name,
			Running: c.State == container.StateRunning,
			Labels:  c.Labels,
		})
	}
	return result, nil
}
