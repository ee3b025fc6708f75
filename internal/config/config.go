package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full application configuration. Values come from an
// optional YAML file, overridden by environment variables.
type Config struct {
	Port      string `yaml:"port"`
	DBPath    string `yaml:"db_path"`
	JWTSecret string `yaml:"jwt_secret"`

	// Object store selection: "filesystem" or "gcs".
	ObjectStore        string `yaml:"object_store"`
	ObjectStorePath    string `yaml:"object_store_path"`
	GCSBucket          string `yaml:"gcs_bucket"`
	GCSCredentialsFile string `yaml:"gcs_credentials_file"`

	// Pipeline settings.
	WorkspaceRoot    string        `yaml:"workspace_root"`
	ForestVersion    string        `yaml:"forest_version"`
	ForestRunnerBin  string        `yaml:"forest_runner_bin"`
	ForestRunnerPath string        `yaml:"forest_runner_path"`
	Workers          int           `yaml:"workers"`
	DownloadWorkers  int           `yaml:"download_workers"`
	DispatchSchedule string        `yaml:"dispatch_schedule"`
	RunnerTimeout    time.Duration `yaml:"runner_timeout"`

	// InlineRunner runs tasks synchronously on creation instead of through
	// the queue; intended for local development and tests only.
	InlineRunner bool `yaml:"inline_runner"`
}

// Load reads CONFIG_PATH (if set and present) and applies env overrides.
func Load() (*Config, error) {
	cfg := &Config{
		Port:             ":8080",
		DBPath:           "./data/forest/forest.db",
		JWTSecret:        "change-me-in-production",
		ObjectStore:      "filesystem",
		ObjectStorePath:  "./data/forest/objects",
		WorkspaceRoot:    "/tmp/forest",
		ForestVersion:    "unknown",
		ForestRunnerBin:  "python",
		ForestRunnerPath: "./scripts/forest/run_tree.py",
		Workers:          2,
		DownloadWorkers:  4,
		DispatchSchedule: "@every 1m",
		RunnerTimeout:    4 * time.Hour,
	}

	if path := os.Getenv("CONFIG_PATH"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	applyEnv(cfg)

	if cfg.ObjectStore != "filesystem" && cfg.ObjectStore != "gcs" {
		return nil, fmt.Errorf("invalid object_store %q (want filesystem or gcs)", cfg.ObjectStore)
	}
	if cfg.ObjectStore == "gcs" && cfg.GCSBucket == "" {
		return nil, fmt.Errorf("object_store gcs requires gcs_bucket")
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	setString(&cfg.Port, "PORT")
	setString(&cfg.DBPath, "DB_PATH")
	setString(&cfg.JWTSecret, "JWT_SECRET")
	setString(&cfg.ObjectStore, "OBJECT_STORE")
	setString(&cfg.ObjectStorePath, "OBJECT_STORE_PATH")
	setString(&cfg.GCSBucket, "GCS_BUCKET")
	setString(&cfg.GCSCredentialsFile, "GCS_CREDENTIALS_FILE")
	setString(&cfg.WorkspaceRoot, "WORKSPACE_ROOT")
	setString(&cfg.ForestVersion, "FOREST_VERSION")
	setString(&cfg.ForestRunnerBin, "FOREST_RUNNER_BIN")
	setString(&cfg.ForestRunnerPath, "FOREST_RUNNER_PATH")
	setString(&cfg.DispatchSchedule, "DISPATCH_SCHEDULE")
	setInt(&cfg.Workers, "WORKERS")
	setInt(&cfg.DownloadWorkers, "DOWNLOAD_WORKERS")
	setDuration(&cfg.RunnerTimeout, "RUNNER_TIMEOUT")
	setBool(&cfg.InlineRunner, "INLINE_RUNNER")
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}
