// Package config loads sandrun's runtime configuration from YAML with
// environment-variable overrides, following the teacher's
// Config/ServerConfig/applyEnvOverrides/applyDefaults layering
// (internal/config/config.go in the original OCX backend).
package config

import (
	"fmt"
	"os"
	"strconv"
	"sync"

	"gopkg.in/yaml.v2"
)

// Config is the root configuration for a sandrun node.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Sandbox   SandboxConfig   `yaml:"sandbox"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Proof     ProofConfig     `yaml:"proof"`
}

// ServerConfig holds listener settings. They are loaded and defaulted
// here but read nowhere else: cmd/sandrunctl serve reads jobs from stdin
// and opens no listener.
type ServerConfig struct {
	ListenAddr      string `yaml:"listen_addr"`
	ShutdownTimeout int    `yaml:"shutdown_timeout_sec"`
}

// SandboxConfig configures the Executor.
type SandboxConfig struct {
	DefaultTier    string `yaml:"default_tier"` // minimal, standard, paranoid, gpu_secure
	WorkerPoolSize int    `yaml:"worker_pool_size"`
	ContainerImage string `yaml:"container_image"`
	AllowNetwork   bool   `yaml:"allow_network"`
	WorkDir        string `yaml:"work_dir"`
}

// RateLimitConfig holds default quota figures for subjects. They are
// loaded and defaulted here, but cmd/sandrunctl's buildNode does not pass
// them to the rate-limit engine, so new subjects start with no limits
// configured.
type RateLimitConfig struct {
	RequestsPerSecond int64 `yaml:"requests_per_second"`
	BurstLimit        int64 `yaml:"burst_limit"`
	ConcurrentJobs    int64 `yaml:"concurrent_jobs"`
	MemoryUsageMB     int64 `yaml:"memory_usage_mb"`
	BanDurationSec    int   `yaml:"ban_duration_sec"`
}

// ProofConfig configures the proof recorder and consensus evaluator.
type ProofConfig struct {
	NodeKeyPath        string  `yaml:"node_key_path"`
	MaxTraceLength     int     `yaml:"max_trace_length"`
	CheckpointInterval int     `yaml:"checkpoint_interval"`
	ConsensusThreshold float64 `yaml:"consensus_threshold"`
}

var (
	instance *Config
	once     sync.Once
)

// Get returns the process-wide Config, loaded once from CONFIG_PATH (or
// "config.yaml") and overridden from the environment. Only the cmd/
// entrypoint should call this; the three core packages take a *Config
// (or its fields) as an explicit constructor argument instead of reaching
// for a singleton (design note §9: "the core should never hold static
// mutable state").
func Get() *Config {
	once.Do(func() {
		cfg, err := LoadConfig(getEnv("CONFIG_PATH", "config.yaml"))
		if err != nil {
			cfg = &Config{}
		}
		cfg.applyEnvOverrides()
		cfg.applyDefaults()
		instance = cfg
	})
	return instance
}

// EnsureDefaults applies environment overrides and fills in any
// zero-valued fields with defaults. Callers that load a Config outside
// of Get() (e.g. cmd/sandrunctl, which takes a --config flag rather than
// the CONFIG_PATH env var) must call this once after LoadConfig.
func (c *Config) EnsureDefaults() {
	c.applyEnvOverrides()
	c.applyDefaults()
}

// LoadConfig reads and decodes a YAML config file at path.
func LoadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening config file: %w", err)
	}
	defer f.Close()

	var cfg Config
	if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config file: %w", err)
	}
	return &cfg, nil
}

func (c *Config) applyEnvOverrides() {
	c.Server.ListenAddr = getEnv("SANDRUN_LISTEN_ADDR", c.Server.ListenAddr)
	if v := getEnvInt("SANDRUN_SHUTDOWN_TIMEOUT_SEC", 0); v > 0 {
		c.Server.ShutdownTimeout = v
	}

	c.Sandbox.DefaultTier = getEnv("SANDRUN_DEFAULT_TIER", c.Sandbox.DefaultTier)
	c.Sandbox.ContainerImage = getEnv("SANDRUN_CONTAINER_IMAGE", c.Sandbox.ContainerImage)
	c.Sandbox.WorkDir = getEnv("SANDRUN_WORK_DIR", c.Sandbox.WorkDir)
	c.Sandbox.AllowNetwork = getEnvBool("SANDRUN_ALLOW_NETWORK", c.Sandbox.AllowNetwork)
	if v := getEnvInt("SANDRUN_WORKER_POOL_SIZE", 0); v > 0 {
		c.Sandbox.WorkerPoolSize = v
	}

	if v := getEnvInt("SANDRUN_REQUESTS_PER_SECOND", 0); v > 0 {
		c.RateLimit.RequestsPerSecond = int64(v)
	}
	if v := getEnvInt("SANDRUN_CONCURRENT_JOBS", 0); v > 0 {
		c.RateLimit.ConcurrentJobs = int64(v)
	}
	if v := getEnvInt("SANDRUN_MEMORY_USAGE_MB", 0); v > 0 {
		c.RateLimit.MemoryUsageMB = int64(v)
	}
	if v := getEnvInt("SANDRUN_BAN_DURATION_SEC", 0); v > 0 {
		c.RateLimit.BanDurationSec = v
	}

	c.Proof.NodeKeyPath = getEnv("SANDRUN_NODE_KEY_PATH", c.Proof.NodeKeyPath)
	if v := getEnvInt("SANDRUN_MAX_TRACE_LENGTH", 0); v > 0 {
		c.Proof.MaxTraceLength = v
	}
	if v := getEnvFloat("SANDRUN_CONSENSUS_THRESHOLD", 0); v > 0 {
		c.Proof.ConsensusThreshold = v
	}
}

func (c *Config) applyDefaults() {
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = ":8090"
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 30
	}
	if c.Sandbox.DefaultTier == "" {
		c.Sandbox.DefaultTier = "minimal"
	}
	if c.Sandbox.WorkerPoolSize == 0 {
		c.Sandbox.WorkerPoolSize = 4
	}
	if c.Sandbox.WorkDir == "" {
		c.Sandbox.WorkDir = "/tmp/sandrun-jobs"
	}
	if c.RateLimit.RequestsPerSecond == 0 {
		c.RateLimit.RequestsPerSecond = 10
	}
	if c.RateLimit.BurstLimit == 0 {
		c.RateLimit.BurstLimit = 5
	}
	if c.RateLimit.ConcurrentJobs == 0 {
		c.RateLimit.ConcurrentJobs = 4
	}
	if c.RateLimit.MemoryUsageMB == 0 {
		c.RateLimit.MemoryUsageMB = 512
	}
	if c.RateLimit.BanDurationSec == 0 {
		c.RateLimit.BanDurationSec = 300
	}
	if c.Proof.MaxTraceLength == 0 {
		c.Proof.MaxTraceLength = 100_000
	}
	if c.Proof.ConsensusThreshold == 0 {
		c.Proof.ConsensusThreshold = 0.66
	}
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		return val == "true" || val == "1"
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}
