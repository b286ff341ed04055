package grain

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"gateway/internal/eventbus"
	"gateway/internal/monitor"
)

type entry struct {
	ready chan struct{}
	err   error
}

// Registry tracks supervisors started by this process. At most one start is in
// flight per grain; concurrent callers share it.
type Registry struct {
	spawner Spawner
	bus     eventbus.EventBus
	logger  *slog.Logger

	mu      sync.Mutex
	running map[string]*entry
	wg      sync.WaitGroup
}

func NewRegistry(spawner Spawner, bus eventbus.EventBus, logger *slog.Logger) *Registry {
	return &Registry{
		spawner: spawner,
		bus:     bus,
		logger:  logger.With("component", "grain-registry"),
		running: make(map[string]*entry),
	}
}

// EnsureRunning starts the grain's supervisor unless a start is already in
// flight or the supervisor is up, then waits for readiness. Cancelling ctx
// stops the wait, not the start.
func (r *Registry) EnsureRunning(ctx context.Context, appID, grainID string, cmd Command, isNew bool) error {
	r.mu.Lock()
	e, ok := r.running[grainID]
	if !ok {
		e = &entry{ready: make(chan struct{})}
		r.running[grainID] = e
		r.wg.Add(1)
		go r.start(e, grainID, SupervisorArgs(appID, grainID, cmd, isNew))
	}
	r.mu.Unlock()

	return wait(ctx, e)
}

// Await waits for a start already known to this registry. found is false when
// the grain was never started here or has since exited.
func (r *Registry) Await(ctx context.Context, grainID string) (found bool, err error) {
	r.mu.Lock()
	e, ok := r.running[grainID]
	r.mu.Unlock()
	if !ok {
		return false, nil
	}
	return true, wait(ctx, e)
}

func (r *Registry) IsRunning(grainID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.running[grainID]
	return ok
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.running)
}

// Wait blocks until every supervisor this registry started has exited.
// Supervisors outlive the gateway, so this is only for tests.
func (r *Registry) Wait() { r.wg.Wait() }

func wait(ctx context.Context, e *entry) error {
	select {
	case <-e.ready:
		return e.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Registry) start(e *entry, grainID string, args []string) {
	defer r.wg.Done()

	begin := time.Now()
	r.logger.Info("Starting grain supervisor", "grain_id", grainID)

	proc, err := r.spawner.Spawn(context.Background(), grainID, args)
	if err != nil {
		r.fail(e, grainID, SpawnError, err)
		return
	}

	stdout := proc.Stdout()
	if !awaitFirstByte(stdout) {
		_ = proc.Wait()
		r.fail(e, grainID, NeverReady, ErrNeverReady)
		return
	}

	monitor.GrainStartsTotal.WithLabelValues("ready").Inc()
	monitor.GrainStartLatency.Observe(time.Since(begin).Seconds())
	monitor.GrainRunningCount.Inc()
	r.logger.Info("Grain supervisor ready", "grain_id", grainID, "elapsed", time.Since(begin))
	close(e.ready)
	r.publish(grainID, eventbus.EventGrainStarted, nil)

	// Supervisor output after readiness is not interesting, but the pipe must not fill up.
	_, _ = io.Copy(io.Discard, stdout)
	waitErr := proc.Wait()

	monitor.GrainRunningCount.Dec()
	r.remove(grainID, e)
	r.logger.Info("Grain supervisor exited", "grain_id", grainID, "error", waitErr)

	var payload map[string]string
	if waitErr != nil {
		payload = map[string]string{"error": waitErr.Error()}
	}
	r.publish(grainID, eventbus.EventGrainExited, payload)
}

func awaitFirstByte(stdout io.Reader) bool {
	buf := make([]byte, 512)
	for {
		n, err := stdout.Read(buf)
		if n > 0 {
			return true
		}
		if err != nil {
			return false
		}
	}
}

func (r *Registry) fail(e *entry, grainID string, kind StartErrorKind, err error) {
	label := "spawn_error"
	if kind == NeverReady {
		label = "never_ready"
	}
	monitor.GrainStartsTotal.WithLabelValues(label).Inc()
	r.logger.Error("Grain supervisor failed to start", "grain_id", grainID, "kind", kind, "error", err)

	e.err = &StartError{GrainID: grainID, Kind: kind, Err: err}
	r.remove(grainID, e)
	close(e.ready)
}

// remove deletes the registry entry only if it still belongs to this start.
func (r *Registry) remove(grainID string, e *entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running[grainID] == e {
		delete(r.running, grainID)
	}
}

func (r *Registry) publish(grainID string, typ eventbus.EventType, payload any) {
	if r.bus == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := r.bus.Publish(ctx, eventbus.GrainTopic(grainID), eventbus.Event{
		Type:      typ,
		GrainID:   grainID,
		Payload:   payload,
		Timestamp: time.Now(),
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		r.logger.Warn("Failed to publish grain event", "grain_id", grainID, "error", err)
	}
}
