package rootfs

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"

	appErr "github.com/andr3eee1/na-sandbox/pkg/errors"
	"github.com/andr3eee1/na-sandbox/pkg/utils/logger"

	"go.uber.org/zap"
)

var skeletonDirs = []string{"lib", "lib64", "dev", "bin", "proc"}

type deviceNode struct {
	name         string
	mode         uint32
	major, minor uint32
}

var deviceNodes = []deviceNode{
	{name: "dev/null", mode: 0666, major: 1, minor: 3},
	{name: "dev/zero", mode: 0666, major: 1, minor: 5},
	{name: "dev/urandom", mode: 0444, major: 1, minor: 9},
}

func (r *Root) stage(ctx context.Context, program string) error {
	if _, err := os.Stat(filepath.Join(r.handle.RootPath, "lib")); errors.Is(err, os.ErrNotExist) {
		if err := r.stageSkeleton(ctx); err != nil {
			return err
		}
	}
	if err := r.stageExecutable(ctx, program, filepath.Base(program)); err != nil {
		return err
	}
	return r.stageExecutable(ctx, r.cfg.ShellPath, sandboxShell)
}

func (r *Root) stageSkeleton(ctx context.Context) error {
	for _, dir := range skeletonDirs {
		if err := os.MkdirAll(filepath.Join(r.handle.RootPath, dir), 0755); err != nil {
			return appErr.Wrapf(err, appErr.StagingFailed, "create %s failed", dir)
		}
	}
	// mknod needs CAP_MKNOD; without it the program simply lacks the nodes
	for _, node := range deviceNodes {
		path := filepath.Join(r.handle.RootPath, node.name)
		if err := r.mounter.Mknod(path, node.mode, node.major, node.minor); err != nil {
			logger.Warn(ctx, "create device node failed", zap.String("path", path), zap.Error(err))
		}
	}
	return nil
}

// stageExecutable copies a binary to dest inside the root, preceded by its
// shared libraries. Nothing happens when dest already exists.
func (r *Root) stageExecutable(ctx context.Context, hostPath, dest string) error {
	target := filepath.Join(r.handle.RootPath, dest)
	if _, err := os.Lstat(target); err == nil {
		return nil
	}

	deps, err := r.resolver.Resolve(ctx, hostPath)
	if err != nil {
		logger.Warn(ctx, "dependency resolution incomplete", zap.String("program", hostPath), zap.Error(err))
	}
	for _, dep := range deps {
		info, err := os.Stat(dep)
		if err != nil || !info.Mode().IsRegular() {
			continue
		}
		// libraries keep their host permissions
		if _, err := copyFileIfAbsent(dep, filepath.Join(r.handle.RootPath, dep), info.Mode().Perm()); err != nil {
			logger.Warn(ctx, "copy dependency failed", zap.String("dependency", dep), zap.Error(err))
		}
	}

	if _, err := copyFileIfAbsent(hostPath, target, 0755); err != nil {
		return appErr.Wrapf(err, appErr.StagingFailed, "copy %s into root failed", hostPath)
	}
	return nil
}

// copyFileIfAbsent reports whether it copied. The mode is applied explicitly
// so the umask does not strip execute bits.
func copyFileIfAbsent(src, dst string, mode os.FileMode) (bool, error) {
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return false, err
	}
	in, err := os.Open(src)
	if err != nil {
		return false, err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, mode)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return false, nil
		}
		return false, err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		_ = os.Remove(dst)
		return false, err
	}
	if err := out.Close(); err != nil {
		return false, err
	}
	return true, os.Chmod(dst, mode)
}
