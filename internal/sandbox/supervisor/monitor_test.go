package supervisor

import (
	"context"
	"errors"
	"syscall"
	"testing"
	"time"

	"github.com/andr3eee1/na-sandbox/internal/sandbox/result"
	"github.com/andr3eee1/na-sandbox/internal/sandbox/spec"
)

// fakeChild terminates on its own after exitAfter polls (never when negative)
// and dies by SIGKILL when killed.
type fakeChild struct {
	exitAfter int
	state     exitState
	waitErr   error

	polls  int
	killed bool
	reaped bool
}

func (c *fakeChild) TryWait() (exitState, bool, error) {
	c.polls++
	if c.waitErr != nil {
		return exitState{}, false, c.waitErr
	}
	if c.exitAfter >= 0 && c.polls > c.exitAfter {
		c.reaped = true
		return c.state, true, nil
	}
	return exitState{}, false, nil
}

func (c *fakeChild) Wait() (exitState, error) {
	c.reaped = true
	if c.killed {
		return exitState{signaled: true, signal: syscall.SIGKILL}, nil
	}
	return c.state, nil
}

func (c *fakeChild) Kill() error {
	c.killed = true
	return nil
}

// fakeCPU adds step milliseconds of CPU time per read.
type fakeCPU struct {
	step  int64
	used  int64
	reads int
}

func (c *fakeCPU) CurrentCPUTimeMs(context.Context) int64 {
	c.reads++
	c.used += c.step
	return c.used
}

type fakeClock struct {
	now    time.Time
	sleeps int
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Sleep(d time.Duration) {
	c.sleeps++
	c.now = c.now.Add(d)
}

func TestMonitorRun(t *testing.T) {
	canceled, cancel := context.WithCancel(context.Background())
	cancel()

	cases := []struct {
		name       string
		ctx        context.Context
		child      *fakeChild
		cpuStep    int64
		limits     spec.RunLimits
		want       result.Status
		wantKilled bool
	}{
		{
			name:  "natural_exit",
			child: &fakeChild{exitAfter: 3, state: exitState{code: 7}},
			want:  result.Exited(7),
		},
		{
			name:  "natural_exit_zero",
			child: &fakeChild{exitAfter: 0},
			want:  result.Exited(0),
		},
		{
			name:  "signaled",
			child: &fakeChild{exitAfter: 1, state: exitState{signaled: true, signal: syscall.SIGSEGV}},
			want:  result.Signaled(syscall.SIGSEGV),
		},
		{
			name:       "wall_timeout",
			child:      &fakeChild{exitAfter: -1},
			limits:     spec.RunLimits{WallTime: 50 * time.Millisecond},
			want:       result.WallTimeout(),
			wantKilled: true,
		},
		{
			name:       "cpu_timeout",
			child:      &fakeChild{exitAfter: -1},
			cpuStep:    500,
			limits:     spec.RunLimits{CPUTime: 2 * time.Second},
			want:       result.CPUTimeout(),
			wantKilled: true,
		},
		{
			name:    "cpu_within_limit",
			child:   &fakeChild{exitAfter: 4, state: exitState{code: 0}},
			cpuStep: 500,
			limits:  spec.RunLimits{CPUTime: 2 * time.Second},
			want:    result.Exited(0),
		},
		{
			name:       "canceled",
			ctx:        canceled,
			child:      &fakeChild{exitAfter: -1},
			want:       result.Canceled(),
			wantKilled: true,
		},
		{
			name:   "exit_wins_over_expired_deadline",
			child:  &fakeChild{exitAfter: 0, state: exitState{code: 3}},
			limits: spec.RunLimits{WallTime: time.Nanosecond},
			want:   result.Exited(3),
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ctx := tc.ctx
			if ctx == nil {
				ctx = context.Background()
			}
			clk := &fakeClock{now: time.Unix(1700000000, 0)}
			m := &monitor{
				child:    tc.child,
				cpu:      &fakeCPU{step: tc.cpuStep},
				clock:    clk,
				limits:   tc.limits,
				interval: 10 * time.Millisecond,
			}

			got, err := m.run(ctx, clk.Now())
			if err != nil {
				t.Fatalf("run: %v", err)
			}
			if got.String() != tc.want.String() {
				t.Fatalf("status = %q, want %q", got, tc.want)
			}
			if tc.child.killed != tc.wantKilled {
				t.Fatalf("killed = %v, want %v", tc.child.killed, tc.wantKilled)
			}
			if !tc.child.reaped {
				t.Fatal("child was not reaped")
			}
		})
	}
}

func TestMonitorWallTimeoutLatency(t *testing.T) {
	clk := &fakeClock{now: time.Unix(1700000000, 0)}
	m := &monitor{
		child:    &fakeChild{exitAfter: -1},
		cpu:      &fakeCPU{},
		clock:    clk,
		limits:   spec.RunLimits{WallTime: 100 * time.Millisecond},
		interval: 10 * time.Millisecond,
	}
	start := clk.Now()
	if _, err := m.run(context.Background(), start); err != nil {
		t.Fatalf("run: %v", err)
	}
	// the breach is noticed within one poll interval
	if elapsed := clk.Now().Sub(start); elapsed > 110*time.Millisecond {
		t.Fatalf("breach detected after %v", elapsed)
	}
}

func TestMonitorCPUOnlyReadWhenRequested(t *testing.T) {
	cpu := &fakeCPU{step: 1000}
	m := &monitor{
		child:    &fakeChild{exitAfter: 5},
		cpu:      cpu,
		clock:    &fakeClock{},
		interval: time.Millisecond,
	}
	if _, err := m.run(context.Background(), time.Time{}); err != nil {
		t.Fatalf("run: %v", err)
	}
	if cpu.reads != 0 {
		t.Fatalf("cpu read %d times without a cpu limit", cpu.reads)
	}
}

func TestMonitorWaitFailureKillsChild(t *testing.T) {
	child := &fakeChild{waitErr: errors.New("no child processes")}
	m := &monitor{child: child, cpu: &fakeCPU{}, clock: &fakeClock{}, interval: time.Millisecond}

	if _, err := m.run(context.Background(), time.Time{}); err == nil {
		t.Fatal("expected wait error")
	}
	if !child.killed {
		t.Fatal("child must be killed when it cannot be polled")
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		name   string
		status result.Status
		report string
		want   result.StatusKind
	}{
		{"sentinel_with_report", result.Exited(SetupFailureExitCode), "enter cgroup failed", result.StatusChildSetupFailed},
		{"sentinel_without_report", result.Exited(SetupFailureExitCode), "", result.StatusNaturalExit},
		{"other_code_with_report", result.Exited(1), "noise", result.StatusNaturalExit},
		{"signaled", result.Signaled(syscall.SIGKILL), "noise", result.StatusSignaled},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := classify(tc.status, tc.report)
			if got.Kind != tc.want {
				t.Fatalf("kind = %s, want %s", got.Kind, tc.want)
			}
			if got.Kind == result.StatusChildSetupFailed && got.Detail != tc.report {
				t.Fatalf("detail = %q", got.Detail)
			}
		})
	}
}
