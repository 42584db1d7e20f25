package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads and parses configuration from a single YAML file. A directory is
// accepted for convenience; config.yaml inside it is used.
func Load(configPath string) (*Config, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return nil, fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}
	if info.IsDir() {
		absPath = filepath.Join(absPath, "config.yaml")
		if _, err := os.Stat(absPath); err != nil {
			return nil, fmt.Errorf("directory provided but config.yaml not found: %s", absPath)
		}
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	// Apply environment variable interpolation before parsing.
	interpolated := interpolateEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(interpolated), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// DiscoverConfigPath finds the config file by checking standard locations.
// Priority order: $DISPATCHD_CONFIG, ~/.config/dispatchd/config.yaml,
// /etc/dispatchd/config.yaml, ./config.yaml.
func DiscoverConfigPath() (string, error) {
	if p := os.Getenv("DISPATCHD_CONFIG"); p != "" {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	if homeDir, err := os.UserHomeDir(); err == nil {
		userConfig := filepath.Join(homeDir, ".config", "dispatchd", "config.yaml")
		if _, err := os.Stat(userConfig); err == nil {
			return userConfig, nil
		}
	}

	systemConfig := "/etc/dispatchd/config.yaml"
	if _, err := os.Stat(systemConfig); err == nil {
		return systemConfig, nil
	}

	legacyConfig := "./config.yaml"
	if _, err := os.Stat(legacyConfig); err == nil {
		return legacyConfig, nil
	}

	return "", fmt.Errorf("no config found (checked: $DISPATCHD_CONFIG, ~/.config/dispatchd, /etc/dispatchd, ./config.yaml)")
}

// applyDefaults merges default values into cfg where not explicitly set.
func applyDefaults(cfg *Config) {
	defaults := Defaults()

	if cfg.Service.Name == "" {
		cfg.Service.Name = defaults.Service.Name
	}
	if cfg.Service.LogLevel == "" {
		cfg.Service.LogLevel = defaults.Service.LogLevel
	}
	if cfg.Service.HeartbeatInterval == 0 {
		cfg.Service.HeartbeatInterval = defaults.Service.HeartbeatInterval
	}
	if cfg.Service.LockPath == "" {
		cfg.Service.LockPath = defaults.Service.LockPath
	}

	if cfg.Dispatcher.MinWorkers == 0 {
		cfg.Dispatcher.MinWorkers = defaults.Dispatcher.MinWorkers
	}
	if cfg.Dispatcher.QueueSize == 0 {
		cfg.Dispatcher.QueueSize = defaults.Dispatcher.QueueSize
	}
	if cfg.Dispatcher.TaskManagerTimeout == 0 {
		cfg.Dispatcher.TaskManagerTimeout = defaults.Dispatcher.TaskManagerTimeout
	}
	if cfg.Dispatcher.TaskManagerGracePeriod == 0 {
		cfg.Dispatcher.TaskManagerGracePeriod = defaults.Dispatcher.TaskManagerGracePeriod
	}
	if len(cfg.Dispatcher.ManagementTaskSuffixes) == 0 {
		cfg.Dispatcher.ManagementTaskSuffixes = defaults.Dispatcher.ManagementTaskSuffixes
	}

	if cfg.Capacity.MemPerWorker == "" {
		cfg.Capacity.MemPerWorker = defaults.Capacity.MemPerWorker
	}
	if cfg.Capacity.MemReserve == "" {
		cfg.Capacity.MemReserve = defaults.Capacity.MemReserve
	}

	if cfg.State.Path == "" {
		cfg.State.Path = defaults.State.Path
	}

	if !cfg.API.Enabled && cfg.API.Listen == "" {
		cfg.API = defaults.API
	}
}

// interpolateEnv replaces ${VAR} with environment variable values.
// Undefined variables are left as-is (not expanded).
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match
	})
}

// validate performs basic validation on the configuration.
func validate(cfg *Config) error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[cfg.Service.LogLevel] {
		return fmt.Errorf("service.log_level must be one of: debug, info, warn, error (got %q)", cfg.Service.LogLevel)
	}
	if cfg.Service.HeartbeatInterval <= 0 {
		return fmt.Errorf("service.heartbeat_interval must be positive")
	}

	if cfg.Dispatcher.MinWorkers < 1 {
		return fmt.Errorf("dispatcher.min_workers must be at least 1")
	}
	if cfg.Dispatcher.MaxWorkers != 0 && cfg.Dispatcher.MaxWorkers < cfg.Dispatcher.MinWorkers {
		return fmt.Errorf("dispatcher.max_workers (%d) must be >= dispatcher.min_workers (%d)",
			cfg.Dispatcher.MaxWorkers, cfg.Dispatcher.MinWorkers)
	}
	if cfg.Dispatcher.QueueSize < 1 {
		return fmt.Errorf("dispatcher.queue_size must be at least 1")
	}
	if cfg.Dispatcher.TaskManagerTimeout <= 0 {
		return fmt.Errorf("dispatcher.task_manager_timeout must be positive")
	}

	if cfg.State.Path == "" {
		return fmt.Errorf("state.path is required")
	}

	if cfg.API.Enabled {
		if cfg.API.Listen == "" {
			return fmt.Errorf("api.listen is required when api.enabled is true")
		}
		if envVarPattern.MatchString(cfg.API.AuthToken) {
			matches := envVarPattern.FindStringSubmatch(cfg.API.AuthToken)
			if len(matches) > 1 {
				return fmt.Errorf("api.auth_token: environment variable ${%s} is not set", matches[1])
			}
			return fmt.Errorf("api.auth_token: unresolved environment variable")
		}
	}

	return nil
}
