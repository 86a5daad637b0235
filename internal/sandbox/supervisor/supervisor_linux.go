//go:build linux

package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/andr3eee1/na-sandbox/internal/sandbox/cgroup"
	"github.com/andr3eee1/na-sandbox/internal/sandbox/result"
	"github.com/andr3eee1/na-sandbox/internal/sandbox/rootfs"
	"github.com/andr3eee1/na-sandbox/internal/sandbox/security"
	"github.com/andr3eee1/na-sandbox/internal/sandbox/spec"
	appErr "github.com/andr3eee1/na-sandbox/pkg/errors"
	"github.com/andr3eee1/na-sandbox/pkg/utils/contextkey"
	"github.com/andr3eee1/na-sandbox/pkg/utils/logger"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

const maxReportBytes = 4096

// Supervisor runs one sandboxed program per Run call. Runs share no state,
// so one Supervisor may serve concurrent runs on distinct roots.
type Supervisor struct {
	cfg      Config
	rootOpts []rootfs.Option
}

// New creates a supervisor. Root options are passed to every rootfs.Create.
func New(cfg Config, rootOpts ...rootfs.Option) *Supervisor {
	return &Supervisor{cfg: cfg.withDefaults(), rootOpts: rootOpts}
}

// Run executes the program described by sb under limits and returns how it
// terminated. The group and the root are torn down before Run returns, on
// every path. A non-nil error means setup failed; the result then carries a
// SETUP_FAILED status.
func (s *Supervisor) Run(ctx context.Context, limits spec.RunLimits, sb spec.SandboxSpec) (res result.RunResult, err error) {
	ctx = contextkey.WithRole(contextkey.WithRunID(ctx, uuid.NewString()), "supervisor")

	var (
		group *cgroup.Group
		root  *rootfs.Root
	)
	defer func() {
		if terr := teardown(ctx, group, root); terr != nil {
			logger.Warn(ctx, "sandbox teardown incomplete", zap.Error(terr))
		}
		s.cfg.Recorder.ObserveRun(ctx, res)
	}()

	if err := validateRun(limits, sb); err != nil {
		return setupFailure(err)
	}
	if sb.SeccompProfile != "" {
		if _, err := security.LoadProfile(sb.SeccompProfile); err != nil {
			return setupFailure(err)
		}
	}
	helper, err := resolveHelper(s.cfg.HelperPath)
	if err != nil {
		return setupFailure(err)
	}

	group, err = cgroup.Create(ctx, s.cfg.Cgroup)
	if err != nil {
		return setupFailure(err)
	}
	ctx = contextkey.WithGroup(ctx, group.Path())
	err = group.SetLimits(ctx, cgroup.Limits{
		MemoryBytes:  limits.MemoryBytes,
		CPUSet:       limits.CPUSet,
		MemNodes:     limits.MemNodes,
		CPURequested: limits.HasCPUTime(),
	})
	if err != nil {
		return setupFailure(err)
	}

	root, err = rootfs.Create(ctx, s.cfg.Root, sb.RootDir, sb.Program, sb.Cleanup, s.rootOpts...)
	if err != nil {
		return setupFailure(err)
	}

	req := initRequest{
		CgroupPath:     group.Path(),
		Root:           root.Handle(),
		RootConfig:     s.cfg.Root,
		Args:           sb.Args,
		SeccompProfile: sb.SeccompProfile,
	}

	// Pdeathsig is bound to the thread that started the child.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	start := time.Now()
	proc, err := startChild(helper, req, group.Kill)
	if err != nil {
		return setupFailure(err)
	}
	defer proc.release()
	logger.Debug(ctx, "child started", zap.Int("pid", proc.pid))

	mon := &monitor{
		child:    proc,
		cpu:      group,
		clock:    realClock{},
		limits:   limits,
		interval: s.cfg.PollInterval,
	}
	status, err := mon.run(ctx, start)
	wallTimeMs := time.Since(start).Milliseconds()
	if err != nil {
		err = appErr.Wrapf(err, appErr.InternalServerError, "wait for child %d failed", proc.pid)
	} else {
		status = classify(status, proc.readReport())
	}
	res, err = collectResult(ctx, group, status, wallTimeMs, err)
	if err != nil {
		return res, err
	}
	logger.Info(ctx, "sandbox run finished",
		zap.String("status", string(res.Status.Kind)),
		zap.Int64("wall_time_ms", wallTimeMs),
		zap.Bool("oom_killed", res.Stats.OOMKilled))
	return res, nil
}

// collectResult attaches the group's accounting to status. The child ran even
// when waiting for it failed, so that result still carries its usage.
func collectResult(ctx context.Context, group *cgroup.Group, status result.Status, wallTimeMs int64, waitErr error) (result.RunResult, error) {
	stats := group.CollectStats(ctx)
	res := result.RunResult{
		Status: status,
		Stats: result.Stats{
			CPUTimeMs:  stats.CPUTimeMs,
			MemoryKiB:  stats.MemoryKiB,
			OOMKilled:  stats.OOMKilled,
			WallTimeMs: wallTimeMs,
		},
	}
	if waitErr != nil {
		res.Status = result.SetupFailed(waitErr.Error())
		return res, waitErr
	}
	return res, nil
}

func setupFailure(err error) (result.RunResult, error) {
	return result.RunResult{Status: result.SetupFailed(err.Error())}, err
}

// teardown releases the group before the root: killing the group leaves no
// process holding the root busy.
func teardown(ctx context.Context, group *cgroup.Group, root *rootfs.Root) error {
	var errs error
	errs = multierr.Append(errs, group.Teardown(ctx))
	errs = multierr.Append(errs, root.Teardown(ctx))
	return errs
}

func validateRun(limits spec.RunLimits, sb spec.SandboxSpec) error {
	switch {
	case sb.RootDir == "":
		return appErr.ValidationError("root", "a root directory is required")
	case sb.Program == "":
		return appErr.ValidationError("program", "a program to run is required")
	case limits.WallTime < 0:
		return appErr.ValidationError("wall time", "must not be negative")
	case limits.CPUTime < 0:
		return appErr.ValidationError("cpu time", "must not be negative")
	case limits.MemoryBytes < 0:
		return appErr.ValidationError("memory", "must not be negative")
	}
	return nil
}

// resolveHelper finds the init helper on PATH or next to the running binary.
func resolveHelper(name string) (string, error) {
	if path, err := exec.LookPath(name); err == nil {
		return path, nil
	}
	if !strings.Contains(name, "/") {
		if exe, err := os.Executable(); err == nil {
			candidate := filepath.Join(filepath.Dir(exe), name)
			if path, err := exec.LookPath(candidate); err == nil {
				return path, nil
			}
		}
	}
	return "", appErr.Newf(appErr.HelperNotFound, "sandbox init helper %s not found", name).
		WithDetail("helper", name)
}

// process is a started helper. It is reaped with wait4 directly, never
// through exec.Cmd.Wait. killGroup reaches the descendants that unshare
// forked, since the helper stays in the caller's process group.
type process struct {
	cmd       *exec.Cmd
	pid       int
	report    *os.File
	reaped    bool
	killGroup func() error
}

func startChild(helper string, req initRequest, killGroup func() error) (*process, error) {
	request, err := jsonToPipe(req)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.ForkFailed, "create request pipe failed")
	}
	defer request.Close()

	reportR, reportW, err := os.Pipe()
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.ForkFailed, "create report pipe failed")
	}
	defer reportW.Close()

	cmd := exec.Command(helper)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.ExtraFiles = []*os.File{request, reportW}
	cmd.SysProcAttr = buildSysProcAttr()
	if err := cmd.Start(); err != nil {
		_ = reportR.Close()
		return nil, appErr.Wrapf(err, appErr.ForkFailed, "start helper %s failed", helper)
	}
	return &process{cmd: cmd, pid: cmd.Process.Pid, report: reportR, killGroup: killGroup}, nil
}

func jsonToPipe(v any) (*os.File, error) {
	reader, writer, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	go func() {
		_ = json.NewEncoder(writer).Encode(v)
		_ = writer.Close()
	}()
	return reader, nil
}

// buildSysProcAttr keeps the helper in the caller's process group: a program
// reading from the controlling terminal must not be stopped by SIGTTIN.
func buildSysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{
		Pdeathsig: syscall.SIGKILL,
	}
}

func (p *process) TryWait() (exitState, bool, error) {
	var ws unix.WaitStatus
	for {
		pid, err := unix.Wait4(p.pid, &ws, unix.WNOHANG, nil)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return exitState{}, false, err
		}
		if pid == 0 {
			return exitState{}, false, nil
		}
		p.reaped = true
		return toExitState(ws), true, nil
	}
}

func (p *process) Wait() (exitState, error) {
	var ws unix.WaitStatus
	for {
		_, err := unix.Wait4(p.pid, &ws, 0, nil)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return exitState{}, err
		}
		p.reaped = true
		return toExitState(ws), nil
	}
}

// Kill stops the helper and everything in the run's cgroup. unshare runs
// with --kill-child, so the helper's death also takes the namespace down.
func (p *process) Kill() error {
	if p.reaped {
		return nil
	}
	err := unix.Kill(p.pid, unix.SIGKILL)
	if errors.Is(err, unix.ESRCH) {
		err = nil
	}
	if p.killGroup != nil {
		if gerr := p.killGroup(); gerr != nil {
			logger.Debug(context.Background(), "cgroup kill failed", zap.Int("pid", p.pid), zap.Error(gerr))
		}
	}
	return err
}

func toExitState(ws unix.WaitStatus) exitState {
	if ws.Signaled() {
		return exitState{signaled: true, signal: syscall.Signal(ws.Signal())}
	}
	return exitState{code: ws.ExitStatus()}
}

// readReport returns what the helper wrote before exiting. Every writer is
// gone once the child is reaped, so the read ends at EOF.
func (p *process) readReport() string {
	data, _ := io.ReadAll(io.LimitReader(p.report, maxReportBytes))
	return strings.TrimSpace(string(data))
}

func (p *process) release() {
	if !p.reaped {
		_ = p.Kill()
		_, _ = p.Wait()
	}
	_ = p.report.Close()
	_ = p.cmd.Process.Release()
}
