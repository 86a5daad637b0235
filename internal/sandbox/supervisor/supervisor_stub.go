//go:build !linux

package supervisor

import (
	"context"

	"github.com/andr3eee1/na-sandbox/internal/sandbox/result"
	"github.com/andr3eee1/na-sandbox/internal/sandbox/rootfs"
	"github.com/andr3eee1/na-sandbox/internal/sandbox/spec"
	appErr "github.com/andr3eee1/na-sandbox/pkg/errors"
)

type Supervisor struct {
	cfg Config
}

func New(cfg Config, _ ...rootfs.Option) *Supervisor {
	return &Supervisor{cfg: cfg.withDefaults()}
}

func (s *Supervisor) Run(ctx context.Context, _ spec.RunLimits, _ spec.SandboxSpec) (result.RunResult, error) {
	err := appErr.Newf(appErr.CgroupUnavailable, "sandbox supervisor is only supported on linux")
	res := result.RunResult{Status: result.SetupFailed(err.Error())}
	s.cfg.Recorder.ObserveRun(ctx, res)
	return res, err
}
