//go:build !linux

package rootfs

import "errors"

var errUnsupported = errors.New("sandbox root requires linux")

// Mounter performs the privileged filesystem operations of root preparation.
type Mounter interface {
	BindSelf(path string) error
	MakePrivate(path string) error
	RemountExec(path string) error
	Mknod(path string, mode, major, minor uint32) error
	Unmount(path string) error
}

type unsupportedMounter struct{}

func newMounter() Mounter { return unsupportedMounter{} }

func (unsupportedMounter) BindSelf(string) error                     { return errUnsupported }
func (unsupportedMounter) MakePrivate(string) error                  { return errUnsupported }
func (unsupportedMounter) RemountExec(string) error                  { return errUnsupported }
func (unsupportedMounter) Mknod(string, uint32, uint32, uint32) error { return errUnsupported }
func (unsupportedMounter) Unmount(string) error                      { return errUnsupported }
