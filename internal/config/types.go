package config

import "time"

// Config represents the complete dispatchd configuration.
type Config struct {
	Service    ServiceConfig    `yaml:"service"`
	Dispatcher DispatcherConfig `yaml:"dispatcher"`
	Capacity   CapacityConfig   `yaml:"capacity,omitempty"`
	State      StateConfig      `yaml:"state"`
	API        APIConfig        `yaml:"api,omitempty"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name              string        `yaml:"name"`
	LogLevel          string        `yaml:"log_level"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	LockPath          string        `yaml:"lock_path"`
}

// DispatcherConfig defines the worker pool limits and timeouts.
type DispatcherConfig struct {
	MinWorkers int `yaml:"min_workers"`
	// MaxWorkers caps the pool. Zero means derive from host capacity at
	// startup (see CapacityConfig).
	MaxWorkers int `yaml:"max_workers,omitempty"`
	QueueSize  int `yaml:"queue_size"`

	// Management tasks running longer than TaskManagerTimeout plus
	// TaskManagerGracePeriod get a corrective signal from the cleanup cycle.
	TaskManagerTimeout     time.Duration `yaml:"task_manager_timeout"`
	TaskManagerGracePeriod time.Duration `yaml:"task_manager_grace_period"`

	// ManagementTaskSuffixes identifies the long-running coordination tasks
	// subject to the stuck-process watchdog, matched against the end of the
	// task name.
	ManagementTaskSuffixes []string `yaml:"management_task_suffixes,omitempty"`
}

// CapacityConfig controls how the max-worker ceiling is derived when
// dispatcher.max_workers is zero.
type CapacityConfig struct {
	// SystemMemory overrides probed host memory, e.g. "4Gi". Empty means
	// probe the host.
	SystemMemory string `yaml:"system_memory,omitempty"`
	// MemPerWorker is the memory cost assumed per worker fork, e.g. "100Mi".
	MemPerWorker string `yaml:"mem_per_worker,omitempty"`
	// MemReserve is held back for the system before dividing, e.g. "2Gi".
	MemReserve string `yaml:"mem_reserve,omitempty"`
}

// StateConfig defines durable job store settings.
type StateConfig struct {
	Path string `yaml:"path"`
}

// APIConfig defines HTTP API server settings.
type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
	// AuthToken is an optional bearer token; empty disables auth.
	AuthToken string `yaml:"auth_token,omitempty"`
}

// Defaults returns a Config with sensible defaults. The pool limits mirror the
// event-dispatch defaults this service was tuned with in production.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:              "dispatchd",
			LogLevel:          "info",
			HeartbeatInterval: 60 * time.Second,
			LockPath:          "./data/dispatchd.pid",
		},
		Dispatcher: DispatcherConfig{
			MinWorkers:             4,
			MaxWorkers:             0,
			QueueSize:              10000,
			TaskManagerTimeout:     300 * time.Second,
			TaskManagerGracePeriod: 60 * time.Second,
			ManagementTaskSuffixes: []string{
				"tasks.task_manager",
				"tasks.dependency_manager",
				"tasks.workflow_manager",
			},
		},
		Capacity: CapacityConfig{
			MemPerWorker: "100Mi",
			MemReserve:   "2Gi",
		},
		State: StateConfig{
			Path: "./data/state.db",
		},
		API: APIConfig{
			Enabled: false,
			Listen:  "127.0.0.1:8080",
		},
	}
}
