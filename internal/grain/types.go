package grain

import (
	"context"
	"errors"
	"fmt"
	"io"
)

type EnvVar struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Command is how an app's manifest says to run the app inside the sandbox.
type Command struct {
	ExecutablePath string   `json:"executablePath"`
	Args           []string `json:"args,omitempty"`
	Environ        []EnvVar `json:"environ,omitempty"`
}

// Process is a spawned supervisor. Stdout must be read to EOF before Wait.
type Process interface {
	Stdout() io.Reader
	Wait() error
}

// Spawner launches the supervisor binary with the given arguments.
type Spawner interface {
	Spawn(ctx context.Context, grainID string, args []string) (Process, error)
}

type StartErrorKind string

const (
	SpawnError StartErrorKind = "spawnError"
	NeverReady StartErrorKind = "neverReady"
)

var ErrNeverReady = errors.New("supervisor exited without signalling readiness")

// StartError is a failed supervisor start. Every caller awaiting the same
// start receives the same error.
type StartError struct {
	GrainID string
	Kind    StartErrorKind
	Err     error
}

func (e *StartError) Error() string {
	return fmt.Sprintf("grain %s: %s: %v", e.GrainID, e.Kind, e.Err)
}

func (e *StartError) Unwrap() error { return e.Err }

// SupervisorArgs builds the supervisor command line:
// appId grainId [-n] -eKEY=VALUE... -- executable args...
func SupervisorArgs(appID, grainID string, cmd Command, isNew bool) []string {
	args := []string{appID, grainID}
	if isNew {
		args = append(args, "-n")
	}
	for _, env := range cmd.Environ {
		args = append(args, "-e"+env.Key+"="+env.Value)
	}
	args = append(args, "--", cmd.ExecutablePath)
	args = append(args, cmd.Args...)
	return args
}
