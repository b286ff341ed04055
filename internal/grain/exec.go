package grain

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"syscall"
)

var _ Spawner = (*ExecSpawner)(nil)

// ExecSpawner runs the supervisor as a local child process. Supervisors get
// their own process group so a gateway restart does not take grains down with
// it; sessions reattach on startup.
type ExecSpawner struct {
	Binary string
	Stderr io.Writer
	Logger *slog.Logger
}

func NewExecSpawner(binary string, logger *slog.Logger) *ExecSpawner {
	return &ExecSpawner{Binary: binary, Stderr: os.Stderr, Logger: logger}
}

type execProcess struct {
	cmd    *exec.Cmd
	stdout io.Reader
}

func (p *execProcess) Stdout() io.Reader { return p.stdout }
func (p *execProcess) Wait() error       { return p.cmd.Wait() }

// Spawn ignores ctx for the process lifetime: a supervisor must keep running
// after the request that started it is gone.
func (s *ExecSpawner) Spawn(_ context.Context, grainID string, args []string) (Process, error) {
	cmd := exec.Command(s.Binary, args...)
	cmd.Stdin = nil
	cmd.Stderr = s.Stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", s.Binary, err)
	}
	if s.Logger != nil {
		s.Logger.Debug("Spawned supervisor", "grain_id", grainID, "pid", cmd.Process.Pid)
	}
	return &execProcess{cmd: cmd, stdout: stdout}, nil
}
