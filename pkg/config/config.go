// Package config loads the minimal YAML host configuration needed to boot
// the dispatcher and worker pool. It deliberately does not attempt general
// config-file parsing beyond this one struct.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// MountSpec describes one bind mount presented to a worker after
// pivot-root, mirroring the mount table §4.2 step 3 walks.
type MountSpec struct {
	Source   string `yaml:"source"`
	Target   string `yaml:"target"`
	ReadOnly bool   `yaml:"read_only"`
}

// Config is the top-level host configuration.
type Config struct {
	Server ServerConfig `yaml:"server"`
	Pool   PoolConfig   `yaml:"pool"`
	Log    LogConfig    `yaml:"log"`
}

// ServerConfig configures the admin HTTP surface (C6/C4 wiring).
type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// PoolConfig configures the worker pool and per-token admission bounds.
type PoolConfig struct {
	// RendezvousDir holds the per-token rendezvous socket paths workers
	// dial into on Hello (§4.2 step 1).
	RendezvousDir string `yaml:"rendezvous_dir"`
	// ScratchRoot is the parent directory under which each worker gets a
	// fresh pivot-root scratch directory.
	ScratchRoot string `yaml:"scratch_root"`
	// WorkerInitPath is the path to the C7 worker-init binary exec'd
	// into by the pool right after clone.
	WorkerInitPath string `yaml:"worker_init_path"`
	// Mounts is the bind-mount table every worker sees after pivot-root.
	Mounts []MountSpec `yaml:"mounts"`
	// WorkerQueueCap bounds in-flight+queued executions per worker for a
	// token (default 100, per spec.md §5).
	WorkerQueueCap int `yaml:"worker_queue_cap"`
	// DefaultTimeout is the deadline applied to Execute when the caller
	// does not override it via roma.timeout.
	DefaultTimeout time.Duration `yaml:"default_timeout"`
	// MaxMetadataBytes bounds RequestContext tenant metadata size.
	MaxMetadataBytes int `yaml:"max_metadata_bytes"`
	// StartupRetryCap bounds respawn attempts during a worker's startup
	// sequence (§4.2 steps 1-7) before the CodeEntry is marked unhealthy.
	StartupRetryCap int `yaml:"startup_retry_cap"`
	// SeccompProfilePath optionally points at a libseccomp allow-list
	// applied by the worker-init binary before exec (SPEC_FULL.md §4.2).
	// Empty disables the supplemental filter.
	SeccompProfilePath string `yaml:"seccomp_profile_path"`
	// MinFrameSize is the padded-framing floor (§6).
	MinFrameSize int `yaml:"min_frame_size"`
	// MaxFrameSize is the padded-framing ceiling (§4.1). Validate checks
	// both frame sizes; cmd/roma-host does not pass either to a PaddedFramer.
	MaxFrameSize int `yaml:"max_frame_size"`
	// CgroupRoot is the cgroup v2 mount point under which the pool creates
	// one cgroup per worker for memory/pids limiting (cpu.max is written
	// unlimited). Empty disables cgroup limiting entirely.
	CgroupRoot string `yaml:"cgroup_root"`
	// WorkerMemoryLimitMB caps a worker's cgroup memory.max. Zero means no
	// memory ceiling is applied.
	WorkerMemoryLimitMB int64 `yaml:"worker_memory_limit_mb"`
	// WorkerPIDsLimit caps a worker's cgroup pids.max. Zero means "max".
	WorkerPIDsLimit int64 `yaml:"worker_pids_limit"`
}

// LogConfig configures the process-wide zap logger.
type LogConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	OutputPath string `yaml:"output_path"`
	ErrorPath  string `yaml:"error_path"`
}

// Default returns a Config with the defaults spec.md names explicitly
// (worker_queue_cap=100, startup_retry_cap=3).
func Default() Config {
	return Config{
		Server: ServerConfig{Addr: ":8090"},
		Pool: PoolConfig{
			RendezvousDir:    "/var/run/roma",
			ScratchRoot:      "/var/lib/roma/scratch",
			WorkerInitPath:   "/usr/local/bin/roma-worker-init",
			WorkerQueueCap:   100,
			DefaultTimeout:   30 * time.Second,
			MaxMetadataBytes: 64 * 1024,
			StartupRetryCap:  3,
			MinFrameSize:     64,
			MaxFrameSize:     16 * 1024 * 1024,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads and validates a Config from a YAML file, filling any absent
// fields with the values from Default.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the invariants the dispatcher and worker pool rely on at
// construction time.
func (c Config) Validate() error {
	if c.Pool.WorkerQueueCap <= 0 {
		return fmt.Errorf("pool.worker_queue_cap must be positive")
	}
	if c.Pool.DefaultTimeout <= 0 {
		return fmt.Errorf("pool.default_timeout must be positive")
	}
	if c.Pool.WorkerInitPath == "" {
		return fmt.Errorf("pool.worker_init_path is required")
	}
	if c.Pool.MinFrameSize <= 0 || c.Pool.MaxFrameSize < c.Pool.MinFrameSize {
		return fmt.Errorf("pool.min_frame_size/max_frame_size are inconsistent")
	}
	return nil
}
