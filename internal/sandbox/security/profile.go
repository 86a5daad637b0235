// Package security loads syscall filter profiles and installs them in the
// child before the sandboxed program is launched.
package security

import (
	"fmt"
	"os"
	"strings"

	appErr "github.com/andr3eee1/na-sandbox/pkg/errors"

	"gopkg.in/yaml.v3"
)

// Action is a filter verdict, independent of libseccomp.
type Action int

const (
	ActionAllow Action = iota
	ActionKillProcess
	ActionKillThread
	ActionErrno
	ActionTrap
	ActionLog
)

const defaultErrno = 1 // EPERM

// Profile follows the OCI style layout: a default action plus per-syscall rules.
// JSON profiles load as well since YAML is a superset.
type Profile struct {
	DefaultAction   string        `yaml:"defaultAction" json:"defaultAction"`
	DefaultErrnoRet *int          `yaml:"defaultErrnoRet,omitempty" json:"defaultErrnoRet,omitempty"`
	Syscalls        []SyscallRule `yaml:"syscalls" json:"syscalls"`
}

type SyscallRule struct {
	Names    []string `yaml:"names" json:"names"`
	Action   string   `yaml:"action" json:"action"`
	ErrnoRet *int     `yaml:"errnoRet,omitempty" json:"errnoRet,omitempty"`
}

// LoadProfile reads and validates a profile file.
func LoadProfile(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.SeccompProfileInvalid, "read seccomp profile %s failed", path)
	}
	return ParseProfile(data)
}

// ParseProfile decodes a profile and validates every action.
func ParseProfile(data []byte) (*Profile, error) {
	var p Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, appErr.Wrapf(err, appErr.SeccompProfileInvalid, "parse seccomp profile failed")
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

func (p *Profile) Validate() error {
	if p.DefaultAction == "" {
		return appErr.Newf(appErr.SeccompProfileInvalid, "seccomp profile has no defaultAction")
	}
	if _, err := ParseAction(p.DefaultAction); err != nil {
		return err
	}
	for i, rule := range p.Syscalls {
		if len(rule.Names) == 0 {
			return appErr.Newf(appErr.SeccompProfileInvalid, "seccomp rule %d has no syscall names", i)
		}
		if _, err := ParseAction(rule.Action); err != nil {
			return err
		}
	}
	return nil
}

// ParseAction accepts the libseccomp spellings, with or without the SCMP_ACT_ prefix.
func ParseAction(action string) (Action, error) {
	name := strings.TrimPrefix(strings.ToUpper(strings.TrimSpace(action)), "SCMP_ACT_")
	switch name {
	case "ALLOW":
		return ActionAllow, nil
	case "KILL", "KILL_PROCESS":
		return ActionKillProcess, nil
	case "KILL_THREAD":
		return ActionKillThread, nil
	case "ERRNO":
		return ActionErrno, nil
	case "TRAP":
		return ActionTrap, nil
	case "LOG":
		return ActionLog, nil
	default:
		return ActionKillProcess, appErr.Newf(appErr.SeccompProfileInvalid, "unsupported seccomp action: %s", action)
	}
}

func errnoOrDefault(v *int) int16 {
	if v == nil {
		return defaultErrno
	}
	return int16(*v)
}

func (a Action) String() string {
	switch a {
	case ActionAllow:
		return "allow"
	case ActionKillProcess:
		return "kill_process"
	case ActionKillThread:
		return "kill_thread"
	case ActionErrno:
		return "errno"
	case ActionTrap:
		return "trap"
	case ActionLog:
		return "log"
	default:
		return fmt.Sprintf("action(%d)", int(a))
	}
}
