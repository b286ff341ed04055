package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"gateway/internal/grain"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

var _ grain.Spawner = (*DockerSpawner)(nil)

// DockerSpawner runs each grain supervisor in its own container. The
// container's stdout stands in for the supervisor's stdout pipe.
type DockerSpawner struct {
	client *client.Client
	cfg    ContainerConfig
	logger *slog.Logger
}

func NewDockerSpawner(client *client.Client, cfg ContainerConfig, logger *slog.Logger) *DockerSpawner {
	return &DockerSpawner{
		client: client,
		cfg:    cfg,
		logger: logger.With("component", "docker-spawner"),
	}
}

var _ grain.Process = (*Container)(nil)

// Container is a running supervisor container.
type Container struct {
	ID      string
	GrainID string
	client  *client.Client
	stdout  *io.PipeReader
	waitCh  <-chan container.WaitResponse
	errCh   <-chan error
	logger  *slog.Logger
}

func (c *Container) Stdout() io.Reader { return c.stdout }

// Wait blocks until the supervisor exits and then removes the container.
func (c *Container) Wait() error {
	var waitErr error
	select {
	case resp := <-c.waitCh:
		if resp.Error != nil {
			waitErr = fmt.Errorf("container wait: %s", resp.Error.Message)
		} else if resp.StatusCode != 0 {
			waitErr = fmt.Errorf("supervisor exited with status %d", resp.StatusCode)
		}
	case err := <-c.errCh:
		waitErr = fmt.Errorf("container wait: %w", err)
	}

	if err := c.Remove(context.Background()); err != nil && !errors.Is(err, ErrContainerNotFound) {
		c.logger.Warn("Failed to remove supervisor container", "error", err)
	}
	return waitErr
}

func (c *Container) Remove(ctx context.Context) error {
	if err := c.client.ContainerRemove(ctx, c.ID, container.RemoveOptions{Force: true}); err != nil {
		if errdefs.IsNotFound(err) {
			return ErrContainerNotFound
		}
		return fmt.Errorf("failed to remove container: %w", err)
	}
	return nil
}

func (s *DockerSpawner) Spawn(ctx context.Context, grainID string, args []string) (grain.Process, error) {
	logger := s.logger.With("grain_id", grainID)

	if err := s.ensureImage(ctx); err != nil {
		return nil, err
	}

	name := ContainerName(grainID)
	// A container left over from a previous gateway run would block the name.
	if err := s.client.ContainerRemove(ctx, name, container.RemoveOptions{Force: true}); err != nil && !errdefs.IsNotFound(err) {
		logger.Warn("Failed to remove stale supervisor container", "error", err)
	}

	config := &container.Config{
		Image:        s.cfg.Image,
		Cmd:          args,
		Labels:       containerLabels(grainID),
		AttachStdout: true,
		AttachStderr: true,
	}
	hostConfig := &container.HostConfig{
		Binds: []string{grainBind(s.cfg.GrainDir)},
		Resources: container.Resources{
			Memory:   s.cfg.MemoryLimit,
			NanoCPUs: int64(s.cfg.CPULimit * 1e9),
		},
	}
	var netConfig *network.NetworkingConfig
	if s.cfg.NetworkName != "" {
		netConfig = &network.NetworkingConfig{
			EndpointsConfig: map[string]*network.EndpointSettings{s.cfg.NetworkName: {}},
		}
	}

	resp, err := s.client.ContainerCreate(ctx, config, hostConfig, netConfig, nil, name)
	if err != nil {
		logger.Error("Failed to create supervisor container", "error", err)
		return nil, fmt.Errorf("%w: %v", ErrContainerStartFailed, err)
	}

	attach, err := s.client.ContainerAttach(ctx, resp.ID, container.AttachOptions{
		Stream: true,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		_ = s.client.ContainerRemove(context.Background(), resp.ID, container.RemoveOptions{Force: true})
		return nil, fmt.Errorf("%w: %v", ErrAttachFailed, err)
	}

	// Registered before start so a fast exit is not missed.
	waitCh, errCh := s.client.ContainerWait(context.Background(), resp.ID, container.WaitConditionNextExit)

	if err := s.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		attach.Close()
		logger.Error("Failed to start supervisor container", "error", err)
		_ = s.client.ContainerRemove(context.Background(), resp.ID, container.RemoveOptions{Force: true})
		return nil, fmt.Errorf("%w: %v", ErrContainerStartFailed, err)
	}

	pr, pw := io.Pipe()
	go func() {
		defer attach.Close()
		// TTY=false, so the stream is multiplexed.
		_, err := stdcopy.StdCopy(pw, os.Stderr, attach.Reader)
		pw.CloseWithError(err)
	}()

	logger.Info("Supervisor container started", "container_id", resp.ID)
	return &Container{
		ID:      resp.ID,
		GrainID: grainID,
		client:  s.client,
		stdout:  pr,
		waitCh:  waitCh,
		errCh:   errCh,
		logger:  logger,
	}, nil
}

func (s *DockerSpawner) ensureImage(ctx context.Context) error {
	_, err := s.client.ImageInspect(ctx, s.cfg.Image)
	if err == nil {
		return nil
	}
	if !errdefs.IsNotFound(err) {
		return fmt.Errorf("failed to inspect image: %w", err)
	}

	s.logger.Info("Image not found, pulling...", "image", s.cfg.Image)
	reader, err := s.client.ImagePull(ctx, s.cfg.Image, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrImagePullFailed, err)
	}
	defer reader.Close()

	done := make(chan error, 1)
	go func() {
		_, err := io.Copy(io.Discard, reader)
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("%w: %v", ErrImagePullFailed, err)
		}
		s.logger.Info("Image pull completed", "image", s.cfg.Image)
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrImagePullFailed, ctx.Err())
	}
}
