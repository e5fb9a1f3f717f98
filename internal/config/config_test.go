package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("TIMEGATE_STORAGE_PATH", filepath.Join(dir, "timegate.bolt"))

	cfg, err := Load(filepath.Join(dir, "missing.yaml"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Economy.DivideRate != 3.0 {
		t.Errorf("DivideRate = %v, want 3.0", cfg.Economy.DivideRate)
	}
	if cfg.Economy.StreakBoundary != time.Hour {
		t.Errorf("StreakBoundary = %v, want 1h", cfg.Economy.StreakBoundary)
	}
	if cfg.Economy.AllowNegative {
		t.Error("AllowNegative should default to false")
	}
	if cfg.Lock.DebounceWindow != time.Second {
		t.Errorf("DebounceWindow = %v, want 1s", cfg.Lock.DebounceWindow)
	}
	if cfg.Inactivity.Timeout != 5*time.Minute {
		t.Errorf("Inactivity.Timeout = %v, want 5m", cfg.Inactivity.Timeout)
	}
	if len(cfg.Monitor.NoiseClasses) != 2 {
		t.Errorf("NoiseClasses = %v, want two defaults", cfg.Monitor.NoiseClasses)
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
economy:
  divide_rate: 2.0
  allow_negative: true
monitor:
  excluded_packages:
    - com.example.settings
inactivity:
  timeout: 10m
storage:
  path: ` + filepath.Join(dir, "data", "timegate.bolt") + `
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Economy.DivideRate != 2.0 {
		t.Errorf("DivideRate = %v, want 2.0", cfg.Economy.DivideRate)
	}
	if !cfg.Economy.AllowNegative {
		t.Error("AllowNegative should be true")
	}
	if cfg.Inactivity.Timeout != 10*time.Minute {
		t.Errorf("Inactivity.Timeout = %v, want 10m", cfg.Inactivity.Timeout)
	}
	if len(cfg.Monitor.ExcludedPackages) != 1 || cfg.Monitor.ExcludedPackages[0] != "com.example.settings" {
		t.Errorf("ExcludedPackages = %v", cfg.Monitor.ExcludedPackages)
	}
	// Untouched sections keep defaults
	if cfg.Lock.DebounceWindow != time.Second {
		t.Errorf("DebounceWindow = %v, want 1s", cfg.Lock.DebounceWindow)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name string
		yaml string
	}{
		{"zero divide rate", "economy:\n  divide_rate: 0\n"},
		{"negative debounce", "lock:\n  debounce_window: -1s\n"},
		{"timeout below check interval", "inactivity:\n  timeout: 10s\n  check_interval: 30s\n"},
		{"empty storage path", "storage:\n  path: \"\"\n"},
		{"mirror without redis", "mirror:\n  enabled: true\n  redis_addr: \"\"\n"},
		{"mirror zero push interval", "mirror:\n  enabled: true\n  push_interval: 0s\n"},
		{"mirror negative poll interval", "mirror:\n  enabled: true\n  poll_interval: -5s\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(dir, "bad.yaml")
			base := "storage:\n  path: " + filepath.Join(dir, "timegate.bolt") + "\n"
			content := tt.yaml
			if tt.name != "empty storage path" {
				content = base + tt.yaml
			}
			if err := os.WriteFile(path, []byte(content), 0644); err != nil {
				t.Fatal(err)
			}
			if _, err := Load(path); err == nil {
				t.Errorf("Load() should have failed for %s", tt.name)
			}
		})
	}
}
