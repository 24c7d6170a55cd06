package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Server.Listen == "" || cfg.Client.QueueDir == "" {
		t.Errorf("Expected defaults to be filled, got %+v", cfg)
	}
	if cfg.Client.RequestTimeout() != 10*time.Second {
		t.Errorf("Expected 10s request timeout, got %v", cfg.Client.RequestTimeout())
	}
	if cfg.Client.RetryCeiling != 10 {
		t.Errorf("Expected retry ceiling 10, got %d", cfg.Client.RetryCeiling)
	}
}

func TestLoadPartialFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lotline.yaml")
	body := `
server:
  listen: "0.0.0.0:9000"
client:
  retry_ceiling: 3
`
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Server.Listen != "0.0.0.0:9000" {
		t.Errorf("Expected listen override, got %s", cfg.Server.Listen)
	}
	if cfg.Client.RetryCeiling != 3 {
		t.Errorf("Expected retry ceiling 3, got %d", cfg.Client.RetryCeiling)
	}
	// Unset fields come from defaults.
	if cfg.Server.CountryCode != "KR" {
		t.Errorf("Expected default country code, got %s", cfg.Server.CountryCode)
	}
	if cfg.Client.DrainIntervalSec != 60 {
		t.Errorf("Expected default drain interval, got %d", cfg.Client.DrainIntervalSec)
	}
}

func TestLoadRejectsBadCountryCode(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lotline.yaml")
	body := `
server:
  country_code: "KOREA"
`
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Error("Expected error for 5-character country code")
	}
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lotline.yaml")
	if err := os.WriteFile(path, []byte("server: [\n"), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Error("Expected parse error")
	}
}
