package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/signal"
	"syscall"

	"github.com/andr3eee1/na-sandbox/internal/sandbox/observer"
	"github.com/andr3eee1/na-sandbox/internal/sandbox/result"
	"github.com/andr3eee1/na-sandbox/internal/sandbox/spec"
	"github.com/andr3eee1/na-sandbox/internal/sandbox/supervisor"
	appErr "github.com/andr3eee1/na-sandbox/pkg/errors"
	"github.com/andr3eee1/na-sandbox/pkg/utils/logger"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

type runOptions struct {
	configPath  string
	logLevel    string
	rootDir     string
	cleanup     bool
	limits      limitFlags
	args        string
	seccomp     string
	jsonOutput  bool
	metricsFile string
}

// runner is swapped in tests.
type runner interface {
	Run(ctx context.Context, limits spec.RunLimits, sb spec.SandboxSpec) (result.RunResult, error)
}

var newRunner = func(cfg supervisor.Config) runner {
	return supervisor.New(cfg)
}

func newRunCmd() *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run [flags] program [args...]",
		Short: "Run a program in the sandbox and report its status",
		Example: `  nasandbox run --root /tmp/box --cleanup --wall-time 2s --cpu-time 1s --memory 256M ./solution
  nasandbox run --root /tmp/box --args "-n 10 --verbose" /usr/bin/seq`,
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return appErr.New(appErr.InvalidParams).
					WithMessage("missing program").
					WithDetail("hint", "usage: "+cmd.UseLine())
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSandbox(cmd.Context(), cmd.OutOrStdout(), opts, args)
		},
	}

	flags := cmd.Flags()
	flags.SetInterspersed(false)
	flags.StringVar(&opts.rootDir, "root", "", "directory used as the isolated root (created if missing)")
	flags.BoolVar(&opts.cleanup, "cleanup", false, "remove the root directory after the run")
	flags.StringVar(&opts.limits.wallTime, "wall-time", "", "wall clock limit, e.g. 2s or 1500ms")
	flags.StringVar(&opts.limits.cpuTime, "cpu-time", "", "cpu time limit, e.g. 1s")
	flags.StringVar(&opts.limits.memory, "memory", "", "memory limit, e.g. 256M")
	flags.StringVar(&opts.limits.cpus, "cpus", "", "cpus the program may run on, e.g. 0-3")
	flags.StringVar(&opts.limits.mems, "mems", "", "memory nodes the program may use, e.g. 0")
	flags.StringVar(&opts.args, "args", "", "extra program arguments as one shell-quoted string")
	flags.StringVar(&opts.seccomp, "seccomp", "", "syscall filter profile (yaml or json)")
	flags.StringVar(&opts.configPath, "config", "", "config file (default "+defaultConfigPath+" if present)")
	flags.StringVar(&opts.logLevel, "log-level", "", "override the configured log level")
	flags.BoolVar(&opts.jsonOutput, "json", false, "print the result as json")
	flags.StringVar(&opts.metricsFile, "metrics-file", "", "write run metrics to this textfile collector path")
	return cmd
}

func runSandbox(ctx context.Context, out io.Writer, opts *runOptions, positional []string) error {
	if opts.rootDir == "" {
		return appErr.ValidationError("root", "--root is required")
	}
	cfg, err := loadAppConfig(opts.configPath)
	if err != nil {
		return appErr.Wrap(err, appErr.InvalidParams).WithMessage("load config failed")
	}
	if opts.logLevel != "" {
		cfg.Logger.Level = opts.logLevel
	}
	if err := logger.Init(cfg.Logger); err != nil {
		return appErr.Wrap(err, appErr.InvalidParams).WithMessage("init logger failed")
	}
	defer func() { _ = logger.Sync() }()

	limits, err := parseLimits(opts.limits)
	if err != nil {
		return err
	}
	args, err := programArgs(positional[1:], opts.args)
	if err != nil {
		return err
	}

	metricsFile := opts.metricsFile
	if metricsFile == "" {
		metricsFile = cfg.Metrics.TextfilePath
	}
	var recorder *observer.PrometheusRecorder
	if metricsFile != "" {
		recorder = observer.NewPrometheusRecorder()
		cfg.Supervisor.Recorder = recorder
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	res, runErr := newRunner(cfg.Supervisor).Run(ctx, limits, spec.SandboxSpec{
		RootDir:        opts.rootDir,
		Program:        positional[0],
		Args:           args,
		Cleanup:        opts.cleanup,
		SeccompProfile: opts.seccomp,
	})

	if err := render(out, res, opts.jsonOutput); err != nil {
		logger.Warn(ctx, "write result failed", zap.Error(err))
	}
	if recorder != nil {
		if err := recorder.WriteTextfile(metricsFile); err != nil {
			logger.Warn(ctx, "write metrics textfile failed", zap.String("path", metricsFile), zap.Error(err))
		}
	}
	return runErr
}

func render(out io.Writer, res result.RunResult, asJSON bool) error {
	if !asJSON {
		_, err := fmt.Fprintln(out, res.Text())
		return err
	}
	data, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, string(data))
	return err
}
