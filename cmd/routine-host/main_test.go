package main

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/routine/routine-host/internal/config"
	"github.com/routine/routine-host/internal/diaglog"
)

func exitCode(err error) int {
	var coder interface{ ExitCode() int }
	if errors.As(err, &coder) {
		return coder.ExitCode()
	}
	return 1
}

func TestRunUsageErrors(t *testing.T) {
	t.Setenv(config.EnvConfigPath, filepath.Join(t.TempDir(), "absent.yaml"))

	cases := map[string][]string{
		"unknown flag":     {"--bogus"},
		"unknown topology": {"--topology=mesh"},
		"bad discovery":    {"--discovery=carrier-pigeon"},
		"sync server":      {"--topology=server", "--synchronous"},
	}
	for name, args := range cases {
		t.Run(name, func(t *testing.T) {
			err := run(args)
			if err == nil {
				t.Fatalf("expected error")
			}
			if code := exitCode(err); code != 2 {
				t.Fatalf("exit code = %d, want 2 (%v)", code, err)
			}
		})
	}
}

func TestRunVersionAndHelp(t *testing.T) {
	for _, args := range [][]string{{"--version"}, {"--help"}, {"-h"}} {
		if err := run(args); err != nil {
			t.Fatalf("run(%v) error: %v", args, err)
		}
	}
}

func TestRunBrokenConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.jsonc")
	if err := os.WriteFile(path, []byte("{ not json"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if code := exitCode(run([]string{"--config", path})); code != 2 {
		t.Fatalf("exit code = %d, want 2", code)
	}
}

func TestRunWriteConfig(t *testing.T) {
	t.Setenv(config.EnvConfigPath, filepath.Join(t.TempDir(), "absent.yaml"))
	path := filepath.Join(t.TempDir(), "saved", "config.yaml")

	if err := run([]string{"--topology=server", "--listen=127.0.0.1:7000", "--write-config", path}); err != nil {
		t.Fatalf("run error: %v", err)
	}
	cfg, err := config.LoadFrom(path)
	if err != nil {
		t.Fatalf("load saved config: %v", err)
	}
	if cfg.Topology != config.TopologyServer || cfg.Network.ListenAddr != "127.0.0.1:7000" {
		t.Fatalf("saved config = %+v", cfg)
	}
}

func TestSetupLoggingFallsBackToStderr(t *testing.T) {
	// A directory cannot be opened as the log file.
	logger, closeLog, err := setupLogging(config.LogConfig{File: t.TempDir()})
	if err != nil {
		t.Fatalf("setupLogging error: %v", err)
	}
	defer closeLog()
	if _, ok := logger.Handler().(diaglog.Fanout); ok {
		t.Fatalf("expected the stderr handler alone")
	}
}
