package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"exploit-executor/pkg/seccomp"
)

// Config holds all application configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Executor ExecutorConfig `yaml:"executor"`
	Sandbox  SandboxConfig  `yaml:"sandbox"`
	Database DatabaseConfig `yaml:"database"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Tracing  TracingConfig  `yaml:"tracing"`
	Security SecurityConfig `yaml:"security"`
}

type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxRequestBody  int64         `yaml:"max_request_body_bytes"`
	// StreamPoll is how often an SSE stream rechecks whether its execution ended.
	StreamPoll time.Duration `yaml:"stream_poll"`
}

// ExecutorConfig controls the job dispatcher and orchestrators.
type ExecutorConfig struct {
	// PersistRoot is where this process sees the per-exploit scratch directories.
	PersistRoot string `yaml:"persist_root"`
	// HostPersistRoot is the same directory as seen by the container daemon,
	// used as the bind mount source.
	HostPersistRoot string        `yaml:"host_persist_root"`
	PersistTarget   string        `yaml:"persist_target"`
	CodeRoot        string        `yaml:"code_root"`
	ContainerPrefix string        `yaml:"container_prefix"`
	PollInterval    time.Duration `yaml:"poll_interval"`
	MaxPollBackoff  time.Duration `yaml:"max_poll_backoff"`
	SaveRetries     int           `yaml:"save_retries"`
	CleanupTimeout  time.Duration `yaml:"cleanup_timeout"`
	CleanupOrphans  bool          `yaml:"cleanup_orphans"`
}

type SandboxConfig struct {
	Backend          string `yaml:"backend"` // "auto" (default), "containerd", or "docker"
	ContainerdSocket string `yaml:"containerd_socket"`
	Namespace        string `yaml:"namespace"`
	DockerHost       string `yaml:"docker_host"`
	NetworkMode      string `yaml:"network_mode"`
	Seccomp          string `yaml:"seccomp"` // "" keeps the runtime default, "restricted" applies the exploit allowlist
	Limits           Limits `yaml:"limits"`
}

type Limits struct {
	CPUShares int64 `yaml:"cpu_shares"`
	MemoryMB  int64 `yaml:"memory_mb"`
	PidsLimit int64 `yaml:"pids_limit"`
	DiskMB    int64 `yaml:"disk_mb"`
}

type DatabaseConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxConns        int32         `yaml:"max_conns"`
	MinConns        int32         `yaml:"min_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

type TracingConfig struct {
	Enabled bool `yaml:"enabled"`
}

type SecurityConfig struct {
	APIKeyHeader         string   `yaml:"api_key_header"`
	AllowedKeys          []string `yaml:"allowed_keys"`
	AllowUnauthenticated bool     `yaml:"allow_unauthenticated"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(filepath.Clean(path)) // #nosec G304 -- path comes from env or hardcoded default
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	cfg.ApplyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns the defaults used when no file is present.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			MaxRequestBody:  1 << 20,
			StreamPoll:      2 * time.Second,
		},
		Executor: ExecutorConfig{
			PersistRoot:     "/data/persist",
			HostPersistRoot: "/data/persist",
			PersistTarget:   "/persist",
			CodeRoot:        "/exploit",
			ContainerPrefix: "ataka-exploit-",
			PollInterval:    200 * time.Millisecond,
			MaxPollBackoff:  2 * time.Second,
			SaveRetries:     3,
			CleanupTimeout:  30 * time.Second,
			CleanupOrphans:  true,
		},
		Sandbox: SandboxConfig{
			Backend:          "docker",
			ContainerdSocket: "/run/containerd/containerd.sock",
			Namespace:        "ataka",
			NetworkMode:      "",
			Limits: Limits{
				CPUShares: 2048,
				MemoryMB:  2048,
				PidsLimit: 1024,
				DiskMB:    512,
			},
		},
		Database: DatabaseConfig{
			MaxConns:        25,
			MinConns:        2,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Tracing: TracingConfig{
			Enabled: false,
		},
		Security: SecurityConfig{
			APIKeyHeader: "X-API-Key",
		},
	}
}

// ApplyEnv overrides file values with the deployment environment.
// DATA_STORE is the host path of the shared data volume.
func (c *Config) ApplyEnv() {
	if dsn := os.Getenv("DATABASE_DSN"); dsn != "" {
		c.Database.DSN = dsn
	}
	if store := os.Getenv("DATA_STORE"); store != "" {
		c.Executor.HostPersistRoot = filepath.Join(store, "persist")
	}
	if host := os.Getenv("DOCKER_HOST"); host != "" && c.Sandbox.DockerHost == "" {
		c.Sandbox.DockerHost = host
	}
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 1-65535, got %d", c.Server.Port)
	}
	for name, p := range map[string]string{
		"executor.persist_root":      c.Executor.PersistRoot,
		"executor.host_persist_root": c.Executor.HostPersistRoot,
		"executor.persist_target":    c.Executor.PersistTarget,
		"executor.code_root":         c.Executor.CodeRoot,
	} {
		if !filepath.IsAbs(p) {
			return fmt.Errorf("%s: %q must be an absolute path", name, p)
		}
	}
	if c.Executor.ContainerPrefix == "" {
		return fmt.Errorf("executor.container_prefix must not be empty")
	}
	if c.Executor.PollInterval <= 0 {
		return fmt.Errorf("executor.poll_interval must be > 0")
	}
	if c.Executor.MaxPollBackoff < c.Executor.PollInterval {
		return fmt.Errorf("executor.max_poll_backoff (%s) must be >= poll_interval (%s)",
			c.Executor.MaxPollBackoff, c.Executor.PollInterval)
	}
	if c.Executor.SaveRetries < 0 {
		return fmt.Errorf("executor.save_retries must be >= 0")
	}
	switch c.Sandbox.Backend {
	case "", "auto", "docker", "containerd":
	default:
		return fmt.Errorf("sandbox.backend must be auto, docker or containerd, got %q", c.Sandbox.Backend)
	}
	if _, err := seccomp.ByName(c.Sandbox.Seccomp); err != nil {
		return fmt.Errorf("sandbox.seccomp: %w", err)
	}
	if c.Sandbox.Limits.MemoryMB != 0 && c.Sandbox.Limits.MemoryMB < 16 {
		return fmt.Errorf("sandbox.limits.memory_mb must be >= 16")
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required (or set DATABASE_DSN)")
	}
	if strings.Contains(c.Database.DSN, "sslmode=disable") {
		log.Warn().Msg("database DSN has sslmode=disable, connections to Postgres are unencrypted")
	}
	return nil
}

// Address returns the listen address string.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
