package supervisor

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/andr3eee1/na-sandbox/internal/sandbox/cgroup"
	"github.com/andr3eee1/na-sandbox/internal/sandbox/rootfs"
	"github.com/andr3eee1/na-sandbox/internal/sandbox/security"
	appErr "github.com/andr3eee1/na-sandbox/pkg/errors"
	"github.com/andr3eee1/na-sandbox/pkg/utils/contextkey"
	"github.com/andr3eee1/na-sandbox/pkg/utils/logger"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

type launcher interface {
	Enter() error
	Launch(args []string) error
}

// childEnv holds the side effects of the child branch.
type childEnv struct {
	joinGroup  func(path string) error
	openRoot   func(h rootfs.Handle, cfg rootfs.Config) launcher
	loadFilter func(path string) error
}

func defaultChildEnv() childEnv {
	return childEnv{
		joinGroup: func(path string) error {
			return cgroup.Attach(path).Enter(os.Getpid())
		},
		openRoot: func(h rootfs.Handle, cfg rootfs.Config) launcher {
			return rootfs.Attach(h, cfg)
		},
		loadFilter: func(path string) error {
			profile, err := security.LoadProfile(path)
			if err != nil {
				return err
			}
			return security.Apply(profile)
		},
	}
}

// RunChild is the body of the sandbox-init helper. On success the process
// image is replaced and it never returns; otherwise it reports the failure to
// the supervisor and returns the exit code the helper must use.
func RunChild() int {
	ctx := contextkey.WithRole(context.Background(), "child")

	if _, err := unix.FcntlInt(reportFD, unix.F_GETFD, 0); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "sandbox-init must be started by the supervisor")
		return SetupFailureExitCode
	}
	// the report must not leak into unshare or the program
	unix.CloseOnExec(reportFD)
	report := os.NewFile(reportFD, "report")

	request := os.NewFile(requestFD, "request")
	req, err := decodeRequest(request)
	_ = request.Close()
	if err != nil {
		return reportFailure(ctx, report, err)
	}
	return reportFailure(ctx, report, runChild(req, defaultChildEnv()))
}

// runChild joins the group, enters the root and launches. It only returns
// with an error.
func runChild(req initRequest, env childEnv) error {
	if req.CgroupPath != "" {
		if err := env.joinGroup(req.CgroupPath); err != nil {
			return err
		}
	}
	root := env.openRoot(req.Root, req.RootConfig)
	if err := root.Enter(); err != nil {
		return err
	}
	if req.SeccompProfile != "" {
		if err := env.loadFilter(req.SeccompProfile); err != nil {
			return err
		}
	}
	return root.Launch(req.Args)
}

func reportFailure(ctx context.Context, w io.Writer, err error) int {
	failure := childFailure(err)
	logger.Debug(ctx, "child setup failed", zap.Error(failure))
	if _, werr := io.WriteString(w, failure.Error()); werr != nil {
		_, _ = fmt.Fprintln(os.Stderr, failure.Error())
	}
	return SetupFailureExitCode
}

// childFailure codes err as ChildSetupFailed. The message is the cause's own,
// so the report reads the same as the underlying error.
func childFailure(err error) *appErr.Error {
	if err == nil {
		return appErr.Newf(appErr.ChildSetupFailed, "launch returned without error")
	}
	return appErr.Wrapf(err, appErr.ChildSetupFailed, "%s", err.Error())
}
