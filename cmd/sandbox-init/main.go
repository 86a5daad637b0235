//go:build linux

// Command sandbox-init is started by the supervisor as the child side of a
// run. It joins the run's cgroup, enters the sandbox root and execs the
// program through unshare.
package main

import (
	"fmt"
	"os"

	"github.com/andr3eee1/na-sandbox/internal/sandbox/supervisor"
	"github.com/andr3eee1/na-sandbox/pkg/utils/logger"
)

const logLevelEnv = "NASANDBOX_INIT_LOG_LEVEL"

func main() {
	if level := os.Getenv(logLevelEnv); level != "" {
		if err := logger.Init(logger.Config{Level: level, Format: "console"}); err != nil {
			fmt.Fprintf(os.Stderr, "init logger failed: %v\n", err)
		}
	}
	code := supervisor.RunChild()
	_ = logger.Sync()
	os.Exit(code)
}
