// Package rootfs builds the isolated root a sandboxed program runs in and
// launches the program inside fresh namespaces through unshare(1).
package rootfs

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strconv"

	appErr "github.com/andr3eee1/na-sandbox/pkg/errors"
	"github.com/andr3eee1/na-sandbox/pkg/utils/logger"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

const (
	DefaultUnsharePath = "/usr/bin/unshare"
	DefaultShellPath   = "/bin/sh"

	defaultLddPath = "ldd"

	// sandboxShell is where the staged shell lives inside the root.
	sandboxShell = "/bin/sh"
	launchEnv    = "PATH=/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"
)

// Config holds host tool locations.
type Config struct {
	UnsharePath string   `yaml:"unsharePath"`
	LddPath     string   `yaml:"lddPath"`
	ShellPath   string   `yaml:"shellPath"`
	LibraryDirs []string `yaml:"libraryDirs"`
}

func (c Config) withDefaults() Config {
	if c.UnsharePath == "" {
		c.UnsharePath = DefaultUnsharePath
	}
	if c.LddPath == "" {
		c.LddPath = defaultLddPath
	}
	if c.ShellPath == "" {
		c.ShellPath = DefaultShellPath
	}
	return c
}

// Handle is the serialisable part of a Root, passed to the child helper.
type Handle struct {
	RootPath       string `json:"rootPath"`
	ProgramRelPath string `json:"programRelPath"`
	Cleanup        bool   `json:"cleanup"`
}

// Root is one prepared sandbox root. It is a dedicated mount point from
// Create until Teardown.
type Root struct {
	handle Handle
	cfg    Config

	mounter  Mounter
	resolver Resolver
	exec     func(argv0 string, argv []string, envv []string) error

	mounted bool
	torn    bool
}

// Option customises how a Root is built.
type Option func(*Root)

// WithMounter replaces the mount syscalls, mainly for tests.
func WithMounter(m Mounter) Option {
	return func(r *Root) { r.mounter = m }
}

// WithResolver replaces the dependency resolver.
func WithResolver(res Resolver) Option {
	return func(r *Root) { r.resolver = res }
}

// Create prepares rootDir for running programPath: it makes the directory a
// private mount point, stages the skeleton on first use and copies the program,
// the shell and their shared libraries in. Files already present are kept.
func Create(ctx context.Context, cfg Config, rootDir, programPath string, cleanup bool, opts ...Option) (*Root, error) {
	cfg = cfg.withDefaults()

	unshare, err := exec.LookPath(cfg.UnsharePath)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.IsolationHelperMissing,
			"isolation helper %s is not executable", cfg.UnsharePath).
			WithDetail("hint", `this tool requires the "unshare" command (typically from the "util-linux" package)`)
	}
	cfg.UnsharePath = unshare

	if rootDir == "" || programPath == "" {
		return nil, appErr.New(appErr.RequiredFieldEmpty).
			WithMessage("a root directory and a program to run are required")
	}
	program, err := filepath.Abs(programPath)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.InvalidParams, "resolve program path %s failed", programPath)
	}
	if !fileExists(program) {
		return nil, appErr.ValidationError("program", program+" is not a regular file")
	}
	if name := filepath.Base(program); slices.Contains(skeletonDirs, name) {
		return nil, appErr.ValidationError("program",
			"the name "+strconv.Quote(name)+" collides with a sandbox root directory; rename the program")
	}

	root, err := canonicalRoot(rootDir)
	if err != nil {
		return nil, err
	}

	r := &Root{
		handle: Handle{
			RootPath:       root,
			ProgramRelPath: "./" + filepath.Base(program),
			Cleanup:        cleanup,
		},
		cfg:  cfg,
		exec: unix.Exec,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.mounter == nil {
		r.mounter = newMounter()
	}
	if r.resolver == nil {
		r.resolver = NewResolver(cfg)
	}

	if err := r.mount(ctx); err != nil {
		_ = r.Teardown(ctx)
		return nil, err
	}
	if err := r.stage(ctx, program); err != nil {
		_ = r.Teardown(ctx)
		return nil, err
	}

	logger.Debug(ctx, "sandbox root prepared", zap.String("root", root), zap.String("program", r.handle.ProgramRelPath))
	return r, nil
}

// Attach rebuilds a Root from its handle without touching the filesystem.
// The child helper uses it to enter and launch.
func Attach(h Handle, cfg Config) *Root {
	return &Root{
		handle:  h,
		cfg:     cfg.withDefaults(),
		mounter: newMounter(),
		exec:    unix.Exec,
	}
}

func canonicalRoot(rootDir string) (string, error) {
	abs, err := filepath.Abs(rootDir)
	if err != nil {
		return "", appErr.Wrapf(err, appErr.RootSetupFailed, "resolve root %s failed", rootDir)
	}
	if err := os.MkdirAll(abs, 0755); err != nil {
		return "", appErr.Wrapf(err, appErr.RootSetupFailed, "create root %s failed", abs)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return "", appErr.Wrapf(err, appErr.RootSetupFailed, "canonicalize root %s failed", abs)
	}
	return resolved, nil
}

// unshare --root requires the target to be a mount point.
func (r *Root) mount(ctx context.Context) error {
	root := r.handle.RootPath
	if err := r.mounter.BindSelf(root); err != nil {
		return appErr.Wrapf(err, appErr.MountFailed, "bind mount %s failed", root)
	}
	r.mounted = true
	if err := r.mounter.MakePrivate(root); err != nil {
		return appErr.Wrapf(err, appErr.MountFailed, "make %s private failed", root)
	}
	if err := r.mounter.RemountExec(root); err != nil {
		logger.Warn(ctx, "remount root with exec failed", zap.String("root", root), zap.Error(err))
	}
	return nil
}

// Handle returns the serialisable description of the root.
func (r *Root) Handle() Handle {
	return r.handle
}

// Path returns the absolute root directory.
func (r *Root) Path() string {
	return r.handle.RootPath
}

// Enter changes the working directory to the root.
func (r *Root) Enter() error {
	if err := os.Chdir(r.handle.RootPath); err != nil {
		return appErr.Wrapf(err, appErr.RootSetupFailed, "chdir into %s failed", r.handle.RootPath)
	}
	return nil
}

// LaunchArgs is the full unshare command line used by Launch.
func (r *Root) LaunchArgs(args []string) []string {
	argv := []string{
		r.cfg.UnsharePath,
		"--user", "--map-root-user",
		"--mount", "--pid", "--fork", "--kill-child",
		"--uts", "--ipc", "--net",
		"--mount-proc",
		"--root", r.handle.RootPath,
		sandboxShell, "-c", `exec "$0" "$@"`,
		r.handle.ProgramRelPath,
	}
	return append(argv, args...)
}

// Launch replaces the calling process with the isolated program. It only
// returns when the exec itself failed.
func (r *Root) Launch(args []string) error {
	argv := r.LaunchArgs(args)
	err := r.exec(argv[0], argv, []string{launchEnv})
	return appErr.Wrapf(err, appErr.LaunchFailed, "exec %s failed", argv[0])
}

// Teardown unmounts the root and removes it when cleanup was requested.
// It is safe to call more than once.
func (r *Root) Teardown(ctx context.Context) error {
	if r == nil || r.torn {
		return nil
	}
	r.torn = true

	var errs error
	if r.mounted {
		if err := r.mounter.Unmount(r.handle.RootPath); err != nil {
			errs = multierr.Append(errs, appErr.Wrapf(err, appErr.MountFailed, "unmount %s failed", r.handle.RootPath))
		}
		r.mounted = false
	}
	if r.handle.Cleanup {
		if err := os.RemoveAll(r.handle.RootPath); err != nil {
			errs = multierr.Append(errs, appErr.Wrapf(err, appErr.RootSetupFailed, "remove %s failed", r.handle.RootPath))
		}
	}
	if errs == nil {
		logger.Debug(ctx, "sandbox root released", zap.String("root", r.handle.RootPath))
	}
	return errs
}
