// Package result defines sandbox run outcomes and their rendering.
package result

import (
	"fmt"
	"strconv"
	"strings"
	"syscall"
)

// StatusKind identifies how a run terminated.
type StatusKind string

const (
	StatusNaturalExit      StatusKind = "NATURAL_EXIT"
	StatusSignaled         StatusKind = "SIGNALED"
	StatusWallTimeout      StatusKind = "WALL_TIMEOUT"
	StatusCPUTimeout       StatusKind = "CPU_TIMEOUT"
	StatusChildSetupFailed StatusKind = "CHILD_SETUP_FAILED"
	StatusCanceled         StatusKind = "CANCELED"
	StatusSetupFailed      StatusKind = "SETUP_FAILED"
)

// Status is the terminal state of a run. ExitCode is set only for
// NATURAL_EXIT, Signal only for SIGNALED, Detail for the setup failure kinds.
type Status struct {
	Kind     StatusKind `json:"kind"`
	ExitCode *int       `json:"exit_code,omitempty"`
	Signal   int        `json:"signal,omitempty"`
	Detail   string     `json:"detail,omitempty"`
}

func Exited(code int) Status { return Status{Kind: StatusNaturalExit, ExitCode: &code} }

func Signaled(sig syscall.Signal) Status { return Status{Kind: StatusSignaled, Signal: int(sig)} }

func WallTimeout() Status { return Status{Kind: StatusWallTimeout} }

func CPUTimeout() Status { return Status{Kind: StatusCPUTimeout} }

func Canceled() Status { return Status{Kind: StatusCanceled} }

func ChildSetupFailed(detail string) Status {
	return Status{Kind: StatusChildSetupFailed, Detail: detail}
}

func SetupFailed(detail string) Status {
	return Status{Kind: StatusSetupFailed, Detail: detail}
}

// IsTimeout reports whether the run was stopped for exceeding a time limit.
func (s Status) IsTimeout() bool {
	return s.Kind == StatusWallTimeout || s.Kind == StatusCPUTimeout
}

// String renders the status line.
func (s Status) String() string {
	switch s.Kind {
	case StatusNaturalExit:
		code := 0
		if s.ExitCode != nil {
			code = *s.ExitCode
		}
		return fmt.Sprintf("Exited with code %d", code)
	case StatusSignaled:
		return fmt.Sprintf("Terminated by signal %d", s.Signal)
	case StatusWallTimeout:
		return "Wall time limit exceeded"
	case StatusCPUTimeout:
		return "CPU time limit exceeded"
	case StatusCanceled:
		return "Run canceled"
	case StatusChildSetupFailed:
		return "Child setup failed: " + s.Detail
	case StatusSetupFailed:
		return "Setup failed: " + s.Detail
	default:
		return "UNKNOWN"
	}
}

// Stats carries resource usage. Nil pointers mean the value was not available.
type Stats struct {
	CPUTimeMs  *int64 `json:"time_ms"`
	MemoryKiB  *int64 `json:"memory_kib"`
	OOMKilled  bool   `json:"oom_killed"`
	WallTimeMs int64  `json:"wall_time_ms"`
}

// RunResult is the immutable outcome of one supervised run.
type RunResult struct {
	Status Status `json:"status"`
	Stats  Stats  `json:"stats"`
}

// Text renders the result as the status line followed by "key: value" stats lines.
func (r RunResult) Text() string {
	lines := []string{
		r.Status.String(),
		"time_ms: " + optionalInt(r.Stats.CPUTimeMs),
		"memory_kib: " + optionalInt(r.Stats.MemoryKiB),
		"oom_killed: " + strconv.FormatBool(r.Stats.OOMKilled),
		"wall_time_ms: " + strconv.FormatInt(r.Stats.WallTimeMs, 10),
	}
	return strings.Join(lines, "\n")
}

func optionalInt(v *int64) string {
	if v == nil {
		return "null"
	}
	return strconv.FormatInt(*v, 10)
}

// Int64 returns a pointer to v, for populating optional stats.
func Int64(v int64) *int64 {
	return &v
}
