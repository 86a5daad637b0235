//go:build linux

package rootfs

import (
	"os"

	"golang.org/x/sys/unix"
)

// Mounter performs the privileged filesystem operations of root preparation.
type Mounter interface {
	BindSelf(path string) error
	MakePrivate(path string) error
	RemountExec(path string) error
	Mknod(path string, mode, major, minor uint32) error
	Unmount(path string) error
}

type unixMounter struct{}

func newMounter() Mounter { return unixMounter{} }

func (unixMounter) BindSelf(path string) error {
	return unix.Mount(path, path, "", unix.MS_BIND|unix.MS_REC, "")
}

func (unixMounter) MakePrivate(path string) error {
	return unix.Mount("", path, "", unix.MS_PRIVATE|unix.MS_REC, "")
}

// RemountExec drops a noexec flag inherited from the source filesystem.
func (unixMounter) RemountExec(path string) error {
	return unix.Mount("", path, "", unix.MS_BIND|unix.MS_REMOUNT, "")
}

func (unixMounter) Mknod(path string, mode, major, minor uint32) error {
	if err := unix.Mknod(path, unix.S_IFCHR|mode, int(unix.Mkdev(major, minor))); err != nil {
		return err
	}
	return os.Chmod(path, os.FileMode(mode))
}

func (unixMounter) Unmount(path string) error {
	if err := unix.Unmount(path, 0); err != nil {
		return unix.Unmount(path, unix.MNT_DETACH)
	}
	return nil
}
