package sandbox

import (
	"fmt"
)

// ContainerConfig describes how supervisor containers are created.
type ContainerConfig struct {
	// Image must have the supervisor binary as its entrypoint.
	Image string
	// GrainDir is bind-mounted at the same path so the supervisor's socket is
	// reachable from the host.
	GrainDir    string
	NetworkName string
	MemoryLimit int64
	CPULimit    float64
}

const managedByLabel = "grain-gateway"

func ContainerName(grainID string) string {
	return "grain-" + grainID
}

func containerLabels(grainID string) map[string]string {
	return map[string]string{
		"managed_by": managedByLabel,
		"grain_id":   grainID,
	}
}

func grainBind(grainDir string) string {
	return fmt.Sprintf("%s:%s:rw", grainDir, grainDir)
}
