package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultConfigPollWindows(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.RunningPollMin != 5*time.Second || cfg.RunningPollMax != 9*time.Second {
		t.Fatalf("unexpected running window: %s..%s", cfg.RunningPollMin, cfg.RunningPollMax)
	}
	if cfg.IdlePollMin != 11*time.Second || cfg.IdlePollMax != 18*time.Second {
		t.Fatalf("unexpected idle window: %s..%s", cfg.IdlePollMin, cfg.IdlePollMax)
	}
	if cfg.WebcamSettleDelay != 300*time.Millisecond || cfg.WebcamRetryDelay != 5*time.Second || cfg.WebcamDefaultInterval != time.Minute {
		t.Fatalf("unexpected webcam timings: %+v", cfg)
	}
	if cfg.RefreshLead != 90*time.Second {
		t.Fatalf("unexpected refresh lead: %s", cfg.RefreshLead)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestLoadOverlaysYAMLAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "printwatch.yaml")
	body := "backend_base: https://karmen.example/api\nidle_poll_max: 20s\nprinter_fields: [status]\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("PRINTWATCH_LOG_LEVEL", "debug")
	t.Setenv("PRINTWATCH_REQUEST_TIMEOUT", "3s")
	t.Setenv("PRINTWATCH_LOG_FORMAT", "console")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.BackendBase != "https://karmen.example/api" {
		t.Fatalf("expected backend base from file, got %q", cfg.BackendBase)
	}
	if cfg.IdlePollMax != 20*time.Second {
		t.Fatalf("expected idle max 20s, got %s", cfg.IdlePollMax)
	}
	if cfg.IdlePollMin != 11*time.Second {
		t.Fatalf("expected untouched idle min, got %s", cfg.IdlePollMin)
	}
	if len(cfg.PrinterFields) != 1 || cfg.PrinterFields[0] != "status" {
		t.Fatalf("unexpected printer fields: %v", cfg.PrinterFields)
	}
	if cfg.LogLevel != "debug" || cfg.RequestTimeout != 3*time.Second || cfg.LogFormat != "console" {
		t.Fatalf("env overrides not applied: %+v", cfg)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.BackendBase != DefaultConfig().BackendBase {
		t.Fatalf("expected default backend base, got %q", cfg.BackendBase)
	}
}

func TestLoadRejectsInvertedWindow(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("running_poll_min: 10s\nrunning_poll_max: 5s\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "running poll window") {
		t.Fatalf("expected window validation error, got %v", err)
	}
}
