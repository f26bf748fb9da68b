package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/gigmarket-labs/kestrel/internal/domain"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Tier != domain.TierCommunity {
		t.Errorf("tier = %s, want community", cfg.Tier)
	}
	if cfg.Repository.Driver != "sqlite" {
		t.Errorf("driver = %s, want sqlite", cfg.Repository.Driver)
	}
}

func TestLoadYAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kestrel.yaml")
	content := `
server:
  port: 9090
  ingest_rate_per_minute: 120
engine:
  worker_count: 3
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Server.Port != 9090 {
		t.Errorf("port = %d, want 9090", cfg.Server.Port)
	}
	if cfg.Server.IngestRatePerMinute != 120 {
		t.Errorf("ingest rate = %d, want 120", cfg.Server.IngestRatePerMinute)
	}
	if cfg.Engine.WorkerCount != 3 {
		t.Errorf("worker count = %d, want 3", cfg.Engine.WorkerCount)
	}
	// Untouched settings keep their defaults.
	if cfg.Repository.Driver != "sqlite" {
		t.Errorf("driver = %s, want sqlite", cfg.Repository.Driver)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("KESTREL_PORT", "7070")
	t.Setenv("KESTREL_LOG_LEVEL", "debug")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Server.Port != 7070 {
		t.Errorf("port = %d, want 7070", cfg.Server.Port)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("log level = %s, want debug", cfg.Logging.Level)
	}
}

func TestLoadRejectsBadConfig(t *testing.T) {
	t.Setenv("KESTREL_DB_DRIVER", "oracle")

	if _, err := Load(""); err == nil {
		t.Error("expected error for unsupported driver")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/kestrel.yaml"); err == nil {
		t.Error("expected error for missing config file")
	}
}
