// Package spec defines the run limits and sandbox description consumed by the supervisor.
package spec

import "time"

// RunLimits describes hard limits enforced for one run.
// A zero value for any field means the limit is not requested.
type RunLimits struct {
	WallTime    time.Duration
	CPUTime     time.Duration
	MemoryBytes int64
	// CPUSet and MemNodes use the cgroup list syntax, e.g. "0-3,6".
	CPUSet   string
	MemNodes string
}

// HasWallTime reports whether a wall-clock deadline is configured.
func (l RunLimits) HasWallTime() bool { return l.WallTime > 0 }

// HasCPUTime reports whether a CPU-time deadline is configured.
func (l RunLimits) HasCPUTime() bool { return l.CPUTime > 0 }

// SandboxSpec describes the program to run and the root it runs in.
type SandboxSpec struct {
	// RootDir is the host directory used as the isolated root.
	RootDir string
	// Program is the host path of the binary to stage and run.
	Program string
	Args    []string
	// Cleanup removes RootDir after the run.
	Cleanup bool
	// SeccompProfile is an optional path to a syscall filter profile.
	SeccompProfile string
}
