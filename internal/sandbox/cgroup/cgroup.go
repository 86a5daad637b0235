// Package cgroup manages the per-run cgroup v2 group that limits and accounts
// for the sandboxed program.
package cgroup

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	appErr "github.com/andr3eee1/na-sandbox/pkg/errors"
	"github.com/andr3eee1/na-sandbox/pkg/utils/logger"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

const (
	DefaultParentDir = "/sys/fs/cgroup"
	DefaultPrefix    = "nasandbox-"

	defaultRemoveAttempts = 20
	defaultRemoveDelay    = 10 * time.Millisecond
)

// Control and report files inside a group.
const (
	fileCPUStat        = "cpu.stat"
	fileMemoryMax      = "memory.max"
	fileMemorySwapMax  = "memory.swap.max"
	fileMemoryPeak     = "memory.peak"
	fileMemoryEvents   = "memory.events"
	fileCPUSetCPUs     = "cpuset.cpus"
	fileCPUSetMems     = "cpuset.mems"
	fileProcs          = "cgroup.procs"
	fileKill           = "cgroup.kill"
	fileSubtreeControl = "cgroup.subtree_control"
)

var defaultControllers = []string{"cpu", "cpuset", "memory"}

// Config controls where groups are created and how they are removed.
type Config struct {
	ParentDir      string        `yaml:"parentDir"`
	Prefix         string        `yaml:"prefix"`
	Controllers    []string      `yaml:"controllers"`
	RemoveAttempts int           `yaml:"removeAttempts"`
	RemoveDelay    time.Duration `yaml:"removeDelay"`
}

func (c Config) withDefaults() Config {
	if c.ParentDir == "" {
		c.ParentDir = DefaultParentDir
	}
	if c.Prefix == "" {
		c.Prefix = DefaultPrefix
	}
	if len(c.Controllers) == 0 {
		c.Controllers = defaultControllers
	}
	if c.RemoveAttempts <= 0 {
		c.RemoveAttempts = defaultRemoveAttempts
	}
	if c.RemoveDelay <= 0 {
		c.RemoveDelay = defaultRemoveDelay
	}
	return c
}

// Limits are the values written into the group before the program starts.
type Limits struct {
	MemoryBytes  int64
	CPUSet       string
	MemNodes     string
	CPURequested bool
}

// Stats is the final accounting snapshot. Nil pointers mean unavailable.
type Stats struct {
	CPUTimeMs *int64
	MemoryKiB *int64
	OOMKilled bool
}

// Group is one cgroup owned by a single run.
type Group struct {
	path          string
	cpuOffsetUsec int64
	cpuRequested  bool
	torn          bool

	removeAttempts int
	removeDelay    time.Duration
	removeDir      func(path string) error
}

// Create allocates a uniquely named group under cfg.ParentDir.
func Create(ctx context.Context, cfg Config) (*Group, error) {
	cfg = cfg.withDefaults()

	info, err := os.Stat(cfg.ParentDir)
	if err != nil || !info.IsDir() {
		return nil, appErr.Newf(appErr.CgroupUnavailable, "cgroup filesystem not found at %s", cfg.ParentDir).
			WithDetail("parent", cfg.ParentDir)
	}
	if err := unix.Access(cfg.ParentDir, unix.W_OK); err != nil {
		return nil, appErr.Wrapf(err, appErr.CgroupNotWritable,
			"cgroup filesystem not writable at %s, please run as root", cfg.ParentDir).
			WithDetail("parent", cfg.ParentDir)
	}

	path := filepath.Join(cfg.ParentDir, cfg.Prefix+uuid.NewString())
	if err := os.Mkdir(path, 0755); err != nil {
		return nil, appErr.Wrapf(err, appErr.CgroupCreateFailed, "create cgroup directory at %s failed", path)
	}

	enableControllers(ctx, cfg.ParentDir, cfg.Controllers)

	logger.Debug(ctx, "cgroup created", zap.String("path", path))
	return &Group{
		path:           path,
		removeAttempts: cfg.RemoveAttempts,
		removeDelay:    cfg.RemoveDelay,
		removeDir:      unix.Rmdir,
	}, nil
}

// Attach wraps an existing group path. The child process uses it to join the
// group created by the supervisor.
func Attach(path string) *Group {
	return &Group{
		path:           path,
		removeAttempts: defaultRemoveAttempts,
		removeDelay:    defaultRemoveDelay,
		removeDir:      unix.Rmdir,
	}
}

// enableControllers is best effort: older setups may already have the
// controllers enabled, or may refuse some of them.
func enableControllers(ctx context.Context, parent string, controllers []string) {
	control := filepath.Join(parent, fileSubtreeControl)
	if _, err := os.Stat(control); err != nil {
		return
	}
	all := make([]string, 0, len(controllers))
	for _, c := range controllers {
		all = append(all, "+"+c)
	}
	if err := writeValue(control, strings.Join(all, " ")); err == nil {
		return
	}
	for _, c := range all {
		if err := writeValue(control, c); err != nil {
			logger.Debug(ctx, "enable cgroup controller failed", zap.String("controller", c), zap.Error(err))
		}
	}
}

// Path returns the group directory.
func (g *Group) Path() string {
	return g.path
}

// SetLimits writes the requested limits and, when CPU tracking is requested,
// captures the usage baseline. It must run before the monitored process starts.
func (g *Group) SetLimits(ctx context.Context, limits Limits) error {
	if limits.MemoryBytes > 0 {
		if err := g.write(fileMemoryMax, strconv.FormatInt(limits.MemoryBytes, 10)); err != nil {
			return appErr.Wrapf(err, appErr.CgroupSetupFailed, "write %s failed", fileMemoryMax)
		}
		// no swap-based escape from the memory ceiling
		if err := g.write(fileMemorySwapMax, "0"); err != nil {
			logger.Warn(ctx, "disable swap for cgroup failed", zap.String("path", g.path), zap.Error(err))
		}
	}
	if limits.CPUSet != "" {
		if err := g.write(fileCPUSetCPUs, limits.CPUSet); err != nil {
			return appErr.Wrapf(err, appErr.CgroupSetupFailed, "write %s failed", fileCPUSetCPUs)
		}
	}
	if limits.MemNodes != "" {
		if err := g.write(fileCPUSetMems, limits.MemNodes); err != nil {
			return appErr.Wrapf(err, appErr.CgroupSetupFailed, "write %s failed", fileCPUSetMems)
		}
	}
	if limits.CPURequested {
		g.cpuRequested = true
		g.cpuOffsetUsec = g.rawCPUUsec(ctx)
	}
	return nil
}

// Enter moves pid into the group. Accounting and limits only apply to members.
func (g *Group) Enter(pid int) error {
	if pid <= 0 {
		return appErr.ValidationError("pid", "must be positive")
	}
	if err := g.write(fileProcs, strconv.Itoa(pid)); err != nil {
		return appErr.Wrapf(err, appErr.CgroupJoinFailed, "enter cgroup %s failed", g.path)
	}
	return nil
}

// CurrentCPUTimeMs returns CPU time consumed since SetLimits captured the baseline.
func (g *Group) CurrentCPUTimeMs(ctx context.Context) int64 {
	if g == nil || g.torn || g.path == "" {
		return 0
	}
	ms := (g.rawCPUUsec(ctx) - g.cpuOffsetUsec) / 1000
	if ms < 0 {
		return 0
	}
	return ms
}

func (g *Group) rawCPUUsec(ctx context.Context) int64 {
	data, err := os.ReadFile(filepath.Join(g.path, fileCPUStat))
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			logger.Warn(ctx, "read cpu.stat failed", zap.String("path", g.path), zap.Error(err))
		}
		return 0
	}
	val, ok := parseKeyed(string(data), "usage_usec")
	if !ok {
		// usually means the cpu controller is not active for the group
		logger.Warn(ctx, "missing usage_usec in cpu.stat", zap.String("path", g.path))
		return 0
	}
	return val
}

// CollectStats reads the final accounting. Missing reports leave the
// corresponding value unset.
func (g *Group) CollectStats(ctx context.Context) Stats {
	var stats Stats
	if g == nil || g.torn || g.path == "" {
		return stats
	}

	if g.cpuRequested {
		ms := g.CurrentCPUTimeMs(ctx)
		stats.CPUTimeMs = &ms
	}

	if peak, err := g.readInt(fileMemoryPeak); err == nil {
		kib := peak / 1024
		stats.MemoryKiB = &kib
	} else {
		logger.Warn(ctx, "memory peak unavailable", zap.String("path", g.path), zap.Error(err))
	}

	if data, err := os.ReadFile(filepath.Join(g.path, fileMemoryEvents)); err == nil {
		if kills, ok := parseKeyed(string(data), "oom_kill"); ok && kills > 0 {
			stats.OOMKilled = true
		}
	} else {
		logger.Warn(ctx, "memory events unavailable", zap.String("path", g.path), zap.Error(err))
	}

	return stats
}

// Kill sends SIGKILL to every member through cgroup.kill, which is missing
// on kernels before 5.14.
func (g *Group) Kill() error {
	if g == nil || g.torn || g.path == "" {
		return nil
	}
	return g.write(fileKill, "1")
}

// Teardown kills every member and removes the group directory. Removal is
// retried briefly because the kernel reports EBUSY until killed members are gone.
// Calling it again, or after the directory vanished, is a no-op.
func (g *Group) Teardown(ctx context.Context) error {
	if g == nil || g.torn || g.path == "" {
		return nil
	}
	if _, err := os.Stat(g.path); errors.Is(err, os.ErrNotExist) {
		g.torn = true
		return nil
	}

	if err := g.Kill(); err != nil {
		logger.Debug(ctx, "cgroup.kill unavailable", zap.String("path", g.path), zap.Error(err))
	}

	policy := backoff.WithMaxRetries(backoff.NewConstantBackOff(g.removeDelay), uint64(g.removeAttempts-1))
	err := backoff.Retry(func() error {
		err := g.removeDir(g.path)
		switch {
		case err == nil, errors.Is(err, unix.ENOENT):
			return nil
		case errors.Is(err, unix.EBUSY):
			return err
		default:
			return backoff.Permanent(err)
		}
	}, policy)
	if err != nil {
		return appErr.Wrapf(err, appErr.CgroupRemoveFailed, "remove cgroup %s failed", g.path)
	}
	g.torn = true
	logger.Debug(ctx, "cgroup removed", zap.String("path", g.path))
	return nil
}

func (g *Group) write(name, value string) error {
	return writeValue(filepath.Join(g.path, name), value)
}

func (g *Group) readInt(name string) (int64, error) {
	data, err := os.ReadFile(filepath.Join(g.path, name))
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
}

// writeValue never creates files: control files only exist when the kernel
// provides them.
func writeValue(path, value string) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC, 0)
	if err != nil {
		return err
	}
	if _, err := f.WriteString(value); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// parseKeyed finds "key value" in a flat-keyed cgroup report.
func parseKeyed(report, key string) (int64, bool) {
	for _, line := range strings.Split(report, "\n") {
		fields := strings.Fields(line)
		if len(fields) != 2 || fields[0] != key {
			continue
		}
		val, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			return 0, false
		}
		return val, true
	}
	return 0, false
}
