package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"go.uber.org/zap"

	"github.com/labdev/labdev/internal/common/config"
	"github.com/labdev/labdev/internal/common/logger"
	"github.com/labdev/labdev/internal/lab/profile"
)

const stopTimeout = 30 * time.Second

// DockerRuntime implements Runtime over the Docker SDK.
type DockerRuntime struct {
	cli    *client.Client
	logger *logger.Logger
	config config.DockerConfig
}

var _ Runtime = (*DockerRuntime)(nil)

// NewDockerRuntime creates a Docker-backed runtime adapter.
func NewDockerRuntime(cfg config.DockerConfig, log *logger.Logger) (*DockerRuntime, error) {
	opts := []client.Opt{
		client.WithAPIVersionNegotiation(),
	}

	if cfg.Host != "" {
		opts = append(opts, client.WithHost(cfg.Host))
	}
	if cfg.APIVersion != "" {
		opts = append(opts, client.WithVersion(cfg.APIVersion))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	log.Info("Docker runtime adapter created",
		zap.String("host", cfg.Host),
		zap.String("api_version", cfg.APIVersion),
	)

	return &DockerRuntime{
		cli:    cli,
		logger: log,
		config: cfg,
	}, nil
}

// Close closes the underlying Docker client.
func (r *DockerRuntime) Close() error {
	return r.cli.Close()
}

// Ping checks if the Docker daemon is available.
func (r *DockerRuntime) Ping(ctx context.Context) error {
	if _, err := r.cli.Ping(ctx); err != nil {
		return fmt.Errorf("docker ping failed: %w", err)
	}
	return nil
}

// Create materializes the environment container for a session. The
// container is named after the session so a retried Create finds the
// existing container instead of making a second one.
func (r *DockerRuntime) Create(ctx context.Context, sessionID string, p *profile.Profile) (Handle, error) {
	name := containerName(sessionID)

	r.logger.Info("Creating environment container",
		zap.String("session_id", sessionID),
		zap.String("name", name),
		zap.String("image", p.ImageRef()),
	)

	services, err := json.Marshal(p.Services)
	if err != nil {
		return "", fmt.Errorf("failed to encode service specs: %w", err)
	}

	containerCfg := &container.Config{
		Image: p.ImageRef(),
		Env: []string{
			fmt.Sprintf("LABDEV_SESSION_ID=%s", sessionID),
			fmt.Sprintf("LABDEV_SUPERVISOR_PORT=%d", DefaultSupervisorPort),
			fmt.Sprintf("LABDEV_SERVICES=%s", services),
		},
		Labels: map[string]string{
			"labdev.managed":    "true",
			"labdev.session_id": sessionID,
			"labdev.profile":    p.Name,
		},
	}

	hostCfg := &container.HostConfig{
		NetworkMode: container.NetworkMode(r.config.DefaultNetwork),
		Resources: container.Resources{
			Memory:   p.Quota.MemoryMB * 1024 * 1024,
			CPUQuota: int64(p.Quota.CPUCores * 100000),
		},
	}

	resp, err := r.cli.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, name)
	if err != nil {
		if errdefs.IsConflict(err) {
			// A previous attempt already created it; reuse.
			if existing, inspectErr := r.cli.ContainerInspect(ctx, name); inspectErr == nil {
				r.logger.Info("Reusing existing environment container",
					zap.String("session_id", sessionID),
					zap.String("container_id", existing.ID),
				)
				return Handle(existing.ID), nil
			}
		}
		r.logger.Error("Failed to create environment container",
			zap.String("session_id", sessionID),
			zap.Error(err),
		)
		return "", fmt.Errorf("failed to create container for session %s: %w", sessionID, err)
	}

	r.logger.Info("Environment container created",
		zap.String("session_id", sessionID),
		zap.String("container_id", resp.ID),
	)
	return Handle(resp.ID), nil
}

// Start launches a created environment container.
func (r *DockerRuntime) Start(ctx context.Context, handle Handle) error {
	r.logger.Info("Starting environment container", zap.String("container_id", string(handle)))

	if err := r.cli.ContainerStart(ctx, string(handle), container.StartOptions{}); err != nil {
		r.logger.Error("Failed to start container", zap.String("container_id", string(handle)), zap.Error(err))
		return fmt.Errorf("failed to start container %s: %w", handle, err)
	}
	return nil
}

// Stop stops a running environment container. A container that is
// already stopped or gone counts as success.
func (r *DockerRuntime) Stop(ctx context.Context, handle Handle) error {
	r.logger.Info("Stopping environment container", zap.String("container_id", string(handle)))

	seconds := int(stopTimeout.Seconds())
	err := r.cli.ContainerStop(ctx, string(handle), container.StopOptions{Timeout: &seconds})
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		r.logger.Error("Failed to stop container", zap.String("container_id", string(handle)), zap.Error(err))
		return fmt.Errorf("failed to stop container %s: %w", handle, err)
	}
	return nil
}

// Remove releases the environment container's resources. A container
// that is already gone counts as success.
func (r *DockerRuntime) Remove(ctx context.Context, handle Handle) error {
	r.logger.Info("Removing environment container", zap.String("container_id", string(handle)))

	err := r.cli.ContainerRemove(ctx, string(handle), container.RemoveOptions{
		Force:         true,
		RemoveVolumes: true,
	})
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		r.logger.Error("Failed to remove container", zap.String("container_id", string(handle)), zap.Error(err))
		return fmt.Errorf("failed to remove container %s: %w", handle, err)
	}
	return nil
}

// Inspect reports the environment container's running state and
// reachable address.
func (r *DockerRuntime) Inspect(ctx context.Context, handle Handle) (*Environment, error) {
	inspect, err := r.cli.ContainerInspect(ctx, string(handle))
	if err != nil {
		if errdefs.IsNotFound(err) {
			return &Environment{Running: false}, nil
		}
		return nil, fmt.Errorf("failed to inspect container %s: %w", handle, err)
	}

	env := &Environment{
		Running: inspect.State != nil && inspect.State.Running,
	}

	if inspect.NetworkSettings != nil {
		if net, ok := inspect.NetworkSettings.Networks[r.config.DefaultNetwork]; ok {
			env.Address = net.IPAddress
		} else {
			env.Address = inspect.NetworkSettings.IPAddress
		}
	}

	return env, nil
}

func containerName(sessionID string) string {
	short := sessionID
	if len(short) > 8 {
		short = short[:8]
	}
	return fmt.Sprintf("labdev-session-%s", short)
}
