package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func TestLoadFromDefaults(t *testing.T) {
	path := writeTempConfig(t, `{"device_id":"dev-1"}`)
	cfg, err := LoadFrom(path)
	if err != nil {
		t.Fatalf("LoadFrom failed: %v", err)
	}
	if cfg.GetPort() != DefaultPort {
		t.Errorf("expected default port %d, got %d", DefaultPort, cfg.GetPort())
	}
	if cfg.GetDaemonName() == "" {
		t.Error("expected daemon name to default to hostname")
	}
}

func TestLoadFromMissingDeviceID(t *testing.T) {
	path := writeTempConfig(t, `{"port":9000}`)
	if _, err := LoadFrom(path); err == nil {
		t.Error("expected error for missing device_id")
	}
}

func TestLoadFromBadPort(t *testing.T) {
	path := writeTempConfig(t, `{"device_id":"dev-1","port":99999}`)
	if _, err := LoadFrom(path); err == nil {
		t.Error("expected error for out-of-range port")
	}
}

func TestLoadFromNotFound(t *testing.T) {
	_, err := LoadFrom(filepath.Join(t.TempDir(), "nope.json"))
	if err == nil {
		t.Fatal("expected error for missing config")
	}
}
