package main

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppConfigExplicitMissingFails(t *testing.T) {
	_, err := loadAppConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	if !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("error = %v, want not exist", err)
	}
}

func TestLoadAppConfigValues(t *testing.T) {
	path := writeConfig(t, `
logger:
  level: debug
  format: json
supervisor:
  helperPath: /usr/libexec/nasandbox/sandbox-init
  pollInterval: 5ms
  cgroup:
    parentDir: /sys/fs/cgroup/judge
    removeAttempts: 3
    removeDelay: 20ms
  root:
    unsharePath: /bin/unshare
    libraryDirs: [/opt/lib]
metrics:
  textfilePath: /var/lib/node_exporter/nasandbox.prom
`)
	cfg, err := loadAppConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Logger.Level != "debug" || cfg.Logger.Format != "json" {
		t.Fatalf("logger = %+v", cfg.Logger)
	}
	if cfg.Supervisor.PollInterval != 5*time.Millisecond {
		t.Fatalf("poll interval = %v", cfg.Supervisor.PollInterval)
	}
	if cfg.Supervisor.Cgroup.RemoveDelay != 20*time.Millisecond || cfg.Supervisor.Cgroup.RemoveAttempts != 3 {
		t.Fatalf("cgroup = %+v", cfg.Supervisor.Cgroup)
	}
	if cfg.Supervisor.Root.UnsharePath != "/bin/unshare" || len(cfg.Supervisor.Root.LibraryDirs) != 1 {
		t.Fatalf("root = %+v", cfg.Supervisor.Root)
	}
	if cfg.Metrics.TextfilePath == "" {
		t.Fatal("metrics textfile path not loaded")
	}
}

func TestLoadAppConfigDefaults(t *testing.T) {
	cfg, err := loadAppConfig(writeConfig(t, "supervisor: {}\n"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Logger.Level != defaultLogLevel || cfg.Logger.Format != "console" {
		t.Fatalf("logger defaults = %+v", cfg.Logger)
	}
}

func TestLoadAppConfigRejects(t *testing.T) {
	cases := map[string]string{
		"negative_poll": "supervisor:\n  pollInterval: -1s\n",
		"malformed":     "supervisor: [\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := loadAppConfig(writeConfig(t, body)); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}
