package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

const (
	defaultConfigPath = "~/.config/faceforge/config.json"
	defaultWorkers    = 4
)

// Config holds user-editable settings for the service.
type Config struct {
	Storage   Storage   `json:"storage"`
	Pipeline  Pipeline  `json:"pipeline"`
	Retention Retention `json:"retention"`
	Engine    Engine    `json:"engine"`
	Ingest    Ingest    `json:"ingest"`
	Logging   Logging   `json:"logging"`
}

// Storage configures where image blobs and the metadata database live.
type Storage struct {
	DataDir      string `json:"data_dir"`
	DatabasePath string `json:"database_path"`
}

// Pipeline captures execution preferences.
type Pipeline struct {
	Workers    int `json:"workers"`
	QueueDepth int `json:"queue_depth"`
}

// Retention controls the reclamation sweeps.
type Retention struct {
	TempExpiryHours      int `json:"temp_expiry_hours"`
	StaleResultHours     int `json:"stale_result_hours"`
	SweepIntervalMinutes int `json:"sweep_interval_minutes"`
}

// Engine points at the remote face analysis and swap service.
type Engine struct {
	BaseURL        string `json:"base_url"`
	TimeoutSeconds int    `json:"timeout_seconds"`
	APIKey         string `json:"api_key"`
}

// Ingest configures the drop-directory watcher.
type Ingest struct {
	Enabled  bool   `json:"enabled"`
	WatchDir string `json:"watch_dir"`
	GroupTag string `json:"group_tag"`
}

// Logging controls logging verbosity and destinations.
type Logging struct {
	Level      string `json:"level"`       // debug, info, warn, error
	Format     string `json:"format"`      // text, json
	FileOutput bool   `json:"file_output"` // Enable file logging
	LogDir     string `json:"log_dir"`     // Directory for log files
	MaxSize    int    `json:"max_size"`    // Max size in MB before rotation
	MaxBackups int    `json:"max_backups"` // Number of backup files to keep
	MaxAge     int    `json:"max_age"`     // Days to keep log files
}

// Load reads configuration from disk, falling back to sensible defaults.
func Load() (*Config, error) {
	cfg := defaultConfig()

	configPath := os.Getenv("FACEFORGE_CONFIG")
	if configPath == "" {
		configPath = defaultConfigPath
	}

	expanded, err := expandUser(configPath)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(expanded)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	if err := dec.Decode(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Save writes the configuration to its resolved path, creating parent
// directories as needed.
func Save(cfg *Config) (string, error) {
	configPath := os.Getenv("FACEFORGE_CONFIG")
	if configPath == "" {
		configPath = defaultConfigPath
	}

	expanded, err := expandUser(configPath)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(expanded), 0755); err != nil {
		return "", fmt.Errorf("create config directory: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(expanded, append(data, '\n'), 0644); err != nil {
		return "", err
	}
	return expanded, nil
}

func defaultConfig() *Config {
	dataDir := filepath.Join(os.TempDir(), "faceforge")
	return &Config{
		Storage: Storage{
			DataDir:      dataDir,
			DatabasePath: filepath.Join(dataDir, "faceforge.db"),
		},
		Pipeline: Pipeline{
			Workers:    defaultWorkers,
			QueueDepth: defaultWorkers * 8,
		},
		Retention: Retention{
			TempExpiryHours:      24,
			StaleResultHours:     24 * 7,
			SweepIntervalMinutes: 30,
		},
		Engine: Engine{
			BaseURL:        "http://localhost:8089",
			TimeoutSeconds: 120,
		},
		Ingest: Ingest{
			Enabled:  false,
			WatchDir: filepath.Join(dataDir, "ingest"),
		},
		Logging: Logging{
			Level:      "info",
			Format:     "text",
			FileOutput: true,
			LogDir:     "./logs",
			MaxSize:    100, // 100MB
			MaxBackups: 5,
			MaxAge:     30, // 30 days
		},
	}
}

func expandUser(path string) (string, error) {
	if path == "" || path[0] != '~' {
		return path, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	if path == "~" {
		return home, nil
	}

	return filepath.Join(home, path[2:]), nil
}
