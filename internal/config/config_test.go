package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaultsWhenFileMissing(t *testing.T) {
	t.Setenv("FACEFORGE_CONFIG", filepath.Join(t.TempDir(), "nope.json"))

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Pipeline.Workers != defaultWorkers {
		t.Fatalf("workers = %d, want %d", cfg.Pipeline.Workers, defaultWorkers)
	}
	if cfg.Retention.TempExpiryHours != 24 {
		t.Fatalf("temp expiry = %d, want 24", cfg.Retention.TempExpiryHours)
	}
	if cfg.Logging.Level != "info" {
		t.Fatalf("log level = %q", cfg.Logging.Level)
	}
}

func TestLoadOverridesFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	body := `{"pipeline": {"workers": 9, "queue_depth": 64}, "engine": {"base_url": "http://faces:9000"}}`
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("FACEFORGE_CONFIG", path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Pipeline.Workers != 9 || cfg.Pipeline.QueueDepth != 64 {
		t.Fatalf("pipeline not overridden: %+v", cfg.Pipeline)
	}
	if cfg.Engine.BaseURL != "http://faces:9000" {
		t.Fatalf("engine url = %q", cfg.Engine.BaseURL)
	}
	// Untouched sections keep their defaults.
	if cfg.Retention.SweepIntervalMinutes != 30 {
		t.Fatalf("retention defaults lost: %+v", cfg.Retention)
	}
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.json")
	t.Setenv("FACEFORGE_CONFIG", path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	cfg.Pipeline.Workers = 7

	written, err := Save(cfg)
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if written != path {
		t.Fatalf("saved to %q, want %q", written, path)
	}

	loaded, err := Load()
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if loaded.Pipeline.Workers != 7 {
		t.Fatalf("workers = %d after round trip", loaded.Pipeline.Workers)
	}
}

func TestExpandUser(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}

	got, err := expandUser("~/.config/faceforge/config.json")
	if err != nil {
		t.Fatalf("expand: %v", err)
	}
	if got != filepath.Join(home, ".config/faceforge/config.json") {
		t.Fatalf("expanded to %q", got)
	}

	got, err = expandUser("/absolute/path.json")
	if err != nil || got != "/absolute/path.json" {
		t.Fatalf("absolute path mangled: %q %v", got, err)
	}
}
