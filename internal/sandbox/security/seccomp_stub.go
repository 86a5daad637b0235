//go:build !linux || !cgo

package security

import appErr "github.com/andr3eee1/na-sandbox/pkg/errors"

// Apply is unavailable without linux and libseccomp.
func Apply(p *Profile) error {
	if err := p.Validate(); err != nil {
		return err
	}
	return appErr.Newf(appErr.SeccompLoadFailed, "seccomp filters require linux built with cgo")
}
