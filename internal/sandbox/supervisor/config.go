package supervisor

import (
	"time"

	"github.com/andr3eee1/na-sandbox/internal/sandbox/cgroup"
	"github.com/andr3eee1/na-sandbox/internal/sandbox/observer"
	"github.com/andr3eee1/na-sandbox/internal/sandbox/rootfs"
)

const (
	// SetupFailureExitCode is the helper's exit code when it fails before the
	// program is launched. It only counts together with a non-empty report.
	SetupFailureExitCode = 125

	DefaultHelperName   = "sandbox-init"
	DefaultPollInterval = 10 * time.Millisecond
)

// Config controls supervisor behavior.
type Config struct {
	HelperPath   string        `yaml:"helperPath"`
	PollInterval time.Duration `yaml:"pollInterval"`
	Cgroup       cgroup.Config `yaml:"cgroup"`
	Root         rootfs.Config `yaml:"root"`

	Recorder observer.Recorder `yaml:"-"`
}

func (c Config) withDefaults() Config {
	if c.HelperPath == "" {
		c.HelperPath = DefaultHelperName
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.Recorder == nil {
		c.Recorder = observer.Noop{}
	}
	return c
}
