package core

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the optional config file. CLI flags override every field.
type Config struct {
	Executable    string        `yaml:"executable"`
	PoolSize      int           `yaml:"pool_size"`
	Timeout       time.Duration `yaml:"timeout"`
	ShutdownGrace time.Duration `yaml:"shutdown_grace"`
	WorkerEnvFile string        `yaml:"worker_env_file"`
	Log           struct {
		Level       string `yaml:"level"`
		WorkerLevel string `yaml:"worker_level"`
		Console     bool   `yaml:"console"`
		File        string `yaml:"file"`
	} `yaml:"log"`
	History struct {
		Path string `yaml:"path"`
	} `yaml:"history"`
	Monitor struct {
		Addr          string        `yaml:"addr"`
		FlushInterval time.Duration `yaml:"flush_interval"`
	} `yaml:"monitor"`
	Upload UploadConfig `yaml:"upload"`
}

// DefaultLogFile is created in the work directory unless overridden.
const DefaultLogFile = "dgd_get_recount3_data.log"

func DefaultConfig() Config {
	var cfg Config
	cfg.Executable = DefaultExecutable
	cfg.PoolSize = 1
	cfg.ShutdownGrace = DefaultGrace
	cfg.Log.Level = "warn"
	cfg.Log.WorkerLevel = "warn"
	cfg.Log.File = DefaultLogFile
	cfg.Monitor.FlushInterval = 30 * time.Second
	cfg.Upload.Retries = 3
	cfg.Upload.Timeout = 30 * time.Second
	return cfg
}

// DefaultConfigPath resolves $XDG_CONFIG_HOME/dgdbatch/config.yaml or
// ~/.config/dgdbatch/config.yaml.
func DefaultConfigPath() string {
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, _ := os.UserHomeDir()
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "dgdbatch", "config.yaml")
}

// LoadConfig reads YAML configuration from a path on top of DefaultConfig.
// With an empty path a missing default file is not an error.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	explicit := path != ""
	if !explicit {
		path = DefaultConfigPath()
	}

	content, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(content, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	case !explicit && errors.Is(err, fs.ErrNotExist):
	default:
		return cfg, fmt.Errorf("read config: %w", err)
	}

	// Credentials stay out of the YAML when set in the environment.
	if v := os.Getenv("DGDBATCH_UPLOAD_USER"); v != "" {
		cfg.Upload.User = v
	}
	if v := os.Getenv("DGDBATCH_UPLOAD_KEY"); v != "" {
		cfg.Upload.KeyPath = v
	}
	if cfg.PoolSize < 0 || cfg.PoolSize > MaxPoolSize {
		return cfg, fmt.Errorf("%w in config: %d", ErrPoolSize, cfg.PoolSize)
	}
	return cfg, nil
}

// WorkerEnv is the environment handed to every worker: the current process
// environment plus the variables of WorkerEnvFile.
func (c Config) WorkerEnv() ([]string, error) {
	if c.WorkerEnvFile == "" {
		return nil, nil
	}
	vars, err := LoadEnvFile(c.WorkerEnvFile)
	if err != nil {
		return nil, err
	}
	env := os.Environ()
	for _, kv := range vars {
		env = append(env, kv.Key+"="+kv.Value)
	}
	return env, nil
}
