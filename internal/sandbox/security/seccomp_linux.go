//go:build linux && cgo

package security

import (
	appErr "github.com/andr3eee1/na-sandbox/pkg/errors"

	seccomp "github.com/seccomp/libseccomp-golang"
	"golang.org/x/sys/unix"
)

// Apply installs the profile for the calling thread and everything it execs.
// Syscall names unknown to this architecture are skipped so one profile can
// serve several platforms.
func Apply(p *Profile) error {
	if err := p.Validate(); err != nil {
		return err
	}
	defaultAction, err := scmpAction(p.DefaultAction, p.DefaultErrnoRet)
	if err != nil {
		return err
	}
	filter, err := seccomp.NewFilter(defaultAction)
	if err != nil {
		return appErr.Wrapf(err, appErr.SeccompLoadFailed, "create seccomp filter failed")
	}
	defer filter.Release()

	for _, rule := range p.Syscalls {
		action, err := scmpAction(rule.Action, rule.ErrnoRet)
		if err != nil {
			return err
		}
		if action == defaultAction {
			continue
		}
		for _, name := range rule.Names {
			call, err := seccomp.GetSyscallFromName(name)
			if err != nil {
				continue
			}
			if err := filter.AddRule(call, action); err != nil {
				return appErr.Wrapf(err, appErr.SeccompLoadFailed, "add seccomp rule for %s failed", name)
			}
		}
	}

	if err := unix.Prctl(unix.PR_SET_NO_NEW_PRIVS, 1, 0, 0, 0); err != nil {
		return appErr.Wrapf(err, appErr.SeccompLoadFailed, "set no new privs failed")
	}
	if err := filter.Load(); err != nil {
		return appErr.Wrapf(err, appErr.SeccompLoadFailed, "load seccomp filter failed")
	}
	return nil
}

func scmpAction(name string, errnoRet *int) (seccomp.ScmpAction, error) {
	action, err := ParseAction(name)
	if err != nil {
		return seccomp.ActInvalid, err
	}
	switch action {
	case ActionAllow:
		return seccomp.ActAllow, nil
	case ActionKillThread:
		return seccomp.ActKillThread, nil
	case ActionErrno:
		return seccomp.ActErrno.SetReturnCode(errnoOrDefault(errnoRet)), nil
	case ActionTrap:
		return seccomp.ActTrap, nil
	case ActionLog:
		return seccomp.ActLog, nil
	default:
		return seccomp.ActKillProcess, nil
	}
}
