package supervisor

import (
	"context"
	"syscall"
	"time"

	"github.com/andr3eee1/na-sandbox/internal/sandbox/result"
	"github.com/andr3eee1/na-sandbox/internal/sandbox/spec"
	"github.com/andr3eee1/na-sandbox/pkg/utils/logger"

	"go.uber.org/zap"
)

// exitState is how the child terminated.
type exitState struct {
	signaled bool
	code     int
	signal   syscall.Signal
}

func (s exitState) status() result.Status {
	if s.signaled {
		return result.Signaled(s.signal)
	}
	return result.Exited(s.code)
}

// child is the started helper process, seen from the supervisor.
type child interface {
	// TryWait reaps the child if it already terminated. It never blocks.
	TryWait() (exitState, bool, error)
	// Wait blocks until the child is reaped.
	Wait() (exitState, error)
	// Kill sends SIGKILL to the child and every member of its cgroup.
	Kill() error
}

type cpuReader interface {
	CurrentCPUTimeMs(ctx context.Context) int64
}

type clock interface {
	Now() time.Time
	Sleep(d time.Duration)
}

type realClock struct{}

func (realClock) Now() time.Time        { return time.Now() }
func (realClock) Sleep(d time.Duration) { time.Sleep(d) }

// monitor is the parent's poll loop. It runs on the calling goroutine and
// only suspends in the fixed sleep between iterations.
type monitor struct {
	child    child
	cpu      cpuReader
	clock    clock
	limits   spec.RunLimits
	interval time.Duration
}

// run polls until the child terminates or a limit is breached. A breach kills
// the child and reaps it before returning.
func (m *monitor) run(ctx context.Context, start time.Time) (result.Status, error) {
	cpuLimitMs := m.limits.CPUTime.Milliseconds()
	for {
		state, done, err := m.child.TryWait()
		if err != nil {
			m.killAndReap(ctx)
			return result.Status{}, err
		}
		if done {
			return state.status(), nil
		}

		if m.limits.HasWallTime() && m.clock.Now().Sub(start) > m.limits.WallTime {
			m.killAndReap(ctx)
			return result.WallTimeout(), nil
		}
		if m.limits.HasCPUTime() && m.cpu.CurrentCPUTimeMs(ctx) > cpuLimitMs {
			m.killAndReap(ctx)
			return result.CPUTimeout(), nil
		}
		select {
		case <-ctx.Done():
			m.killAndReap(ctx)
			return result.Canceled(), nil
		default:
		}

		m.clock.Sleep(m.interval)
	}
}

func (m *monitor) killAndReap(ctx context.Context) {
	if err := m.child.Kill(); err != nil {
		logger.Warn(ctx, "kill child failed", zap.Error(err))
	}
	if _, err := m.child.Wait(); err != nil {
		logger.Warn(ctx, "reap child failed", zap.Error(err))
	}
}

// classify turns the helper's sentinel exit into a child setup failure when
// the helper also left a report. A program exiting with the same code on its
// own leaves no report.
func classify(status result.Status, report string) result.Status {
	if status.Kind == result.StatusNaturalExit && status.ExitCode != nil &&
		*status.ExitCode == SetupFailureExitCode && report != "" {
		return result.ChildSetupFailed(report)
	}
	return status
}
