package sandbox

import (
	"fmt"

	"github.com/docker/docker/api/types/container"
)

// pidsCeiling bounds process count inside a context so fork bombs die at
// the cgroup, not at the host.
const pidsCeiling = 128

// hostConfigFor translates resource ceilings into daemon-enforced
// constraints: memory plus swap capped at the ceiling (so the ceiling is a
// resident limit, not a soft target), the CPU share as NanoCPUs and the
// network denied entirely.
func hostConfigFor(limits ResourceLimits) *container.HostConfig {
	memory := int64(limits.MemoryCeilingMB) * 1024 * 1024
	pids := int64(pidsCeiling)

	return &container.HostConfig{
		NetworkMode: "none",
		Resources: container.Resources{
			Memory:     memory,
			MemorySwap: memory,
			NanoCPUs:   int64(limits.CPUShare * 1e9),
			PidsLimit:  &pids,
		},
		SecurityOpt: []string{"no-new-privileges:true"},
		CapDrop:     []string{"ALL"},
	}
}

// cliLimitArgs renders the same constraints as flags for the CLI backend.
func cliLimitArgs(limits ResourceLimits) []string {
	return []string{
		"--memory", fmt.Sprintf("%dm", limits.MemoryCeilingMB),
		"--memory-swap", fmt.Sprintf("%dm", limits.MemoryCeilingMB),
		"--cpus", fmt.Sprintf("%.2f", limits.CPUShare),
		"--pids-limit", fmt.Sprintf("%d", pidsCeiling),
		"--network", "none",
		"--security-opt", "no-new-privileges:true",
		"--cap-drop", "ALL",
	}
}
