package sandbox_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"gateway/internal/grain"
	"gateway/internal/sandbox"

	"github.com/docker/docker/client"
)

const (
	testImage   = "alpine:latest"
	testTimeout = 60 * time.Second
)

// TestHarness wires a spawner and process manager for one test.
type TestHarness struct {
	t            *testing.T
	dockerClient *client.Client
	grainDir     string
	logger       *slog.Logger
}

func NewTestHarness(t *testing.T) *TestHarness {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping docker integration test in short mode")
	}

	dockerClient, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		t.Skipf("Docker client unavailable: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := dockerClient.Ping(ctx); err != nil {
		dockerClient.Close()
		t.Skipf("Docker daemon is not available: %v", err)
	}

	grainDir, err := os.MkdirTemp("", "grains-test-*")
	if err != nil {
		t.Fatalf("Failed to create temp directory: %v", err)
	}

	h := &TestHarness{
		t:            t,
		dockerClient: dockerClient,
		grainDir:     grainDir,
		logger:       slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug})),
	}
	t.Cleanup(h.Cleanup)
	return h
}

func (h *TestHarness) Cleanup() {
	os.RemoveAll(h.grainDir)
	h.dockerClient.Close()
}

// spawner runs args through /bin/sh -c so tests can script supervisor behaviour.
func (h *TestHarness) spawner() *sandbox.DockerSpawner {
	return sandbox.NewDockerSpawner(h.dockerClient, sandbox.ContainerConfig{
		Image:    testImage,
		GrainDir: h.grainDir,
	}, h.logger)
}

func TestDockerSpawnerReadiness(t *testing.T) {
	h := NewTestHarness(t)
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	proc, err := h.spawner().Spawn(ctx, "ready-grain", []string{"sh", "-c", "echo ready; sleep 1"})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	buf := make([]byte, 16)
	n, err := proc.Stdout().Read(buf)
	if n == 0 {
		t.Fatalf("expected readiness output, got err %v", err)
	}
	_, _ = io.Copy(io.Discard, proc.Stdout())
	if err := proc.Wait(); err != nil {
		t.Fatalf("Wait: %v", err)
	}
}

func TestDockerSpawnerNeverReady(t *testing.T) {
	h := NewTestHarness(t)
	registry := grain.NewRegistry(h.spawner(), nil, h.logger)

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	err := registry.EnsureRunning(ctx, "sh", "silent-grain", grain.Command{ExecutablePath: "true"}, false)
	var serr *grain.StartError
	if !errors.As(err, &serr) {
		t.Fatalf("expected StartError, got %v", err)
	}
	registry.Wait()
}
