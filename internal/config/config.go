// Package config loads and validates the engine's YAML configuration.
// One Configuration describes one image-open session: the backend the
// blobs live in, the cache budgets, and the prefetch and device knobs.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

// Configuration is the complete engine configuration.
type Configuration struct {
	Global   GlobalConfig   `yaml:"global"`
	Backend  BackendConfig  `yaml:"backend"`
	Cache    CacheConfig    `yaml:"cache"`
	Prefetch PrefetchConfig `yaml:"prefetch"`
	Device   DeviceConfig   `yaml:"device"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// GlobalConfig holds process-wide settings.
type GlobalConfig struct {
	LogLevel string `yaml:"log_level"`
	LogFile  string `yaml:"log_file"`
}

// BackendConfig selects and configures the blob backend. Exactly one of
// the per-kind sections is consulted, chosen by Kind.
type BackendConfig struct {
	// Kind is one of "localfs", "oss", "registry", "s3".
	Kind string `yaml:"kind"`

	LocalFS  LocalFSConfig  `yaml:"localfs"`
	OSS      OSSConfig      `yaml:"oss"`
	Registry RegistryConfig `yaml:"registry"`
	S3       S3Config       `yaml:"s3"`

	// RequestTimeout bounds each fetch attempt, retries excluded.
	RequestTimeout time.Duration `yaml:"request_timeout"`

	Retry     RetryConfig     `yaml:"retry"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

// LocalFSConfig points at a directory of blob files named by blob ID.
type LocalFSConfig struct {
	RootPath string `yaml:"root_path"`
}

// OSSConfig configures the object storage service backend.
type OSSConfig struct {
	Endpoint       string        `yaml:"endpoint"`
	Bucket         string        `yaml:"bucket"`
	ObjectPrefix   string        `yaml:"object_prefix"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// RegistryConfig configures the OCI distribution backend.
type RegistryConfig struct {
	Endpoint       string        `yaml:"endpoint"`
	Repository     string        `yaml:"repository"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// S3Config configures the S3 backend. Empty credentials fall through to
// the SDK's default chain.
type S3Config struct {
	Region          string `yaml:"region"`
	Bucket          string `yaml:"bucket"`
	ObjectPrefix    string `yaml:"object_prefix"`
	Endpoint        string `yaml:"endpoint"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	SessionToken    string `yaml:"session_token"`
	ForcePathStyle  bool   `yaml:"force_path_style"`
}

// RetryConfig bounds the retry loop around backend fetches.
type RetryConfig struct {
	MaxAttempts  int           `yaml:"max_attempts"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	Multiplier   float64       `yaml:"multiplier"`
}

// RateLimitConfig throttles backend traffic. Byte budgets are size
// strings like "50MB"; zero fields disable that budget.
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	RequestBurst      int     `yaml:"request_burst"`
	BytesPerSecond    string  `yaml:"bytes_per_second"`
	ByteBurst         string  `yaml:"byte_burst"`
}

// CacheConfig sets the chunk cache budgets.
type CacheConfig struct {
	// Capacity is the in-memory budget as a size string; empty or "0"
	// means unbounded.
	Capacity   string        `yaml:"capacity"`
	ShardCount int           `yaml:"shard_count"`
	RetryAfter time.Duration `yaml:"retry_after"`
	Disk       DiskConfig    `yaml:"disk"`
}

// DiskConfig enables the durable chunk store.
type DiskConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Directory string `yaml:"directory"`
	MaxSize   string `yaml:"max_size"`
}

// PrefetchConfig sets the background warming pool.
type PrefetchConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Workers    int     `yaml:"workers"`
	QueueDepth int     `yaml:"queue_depth"`
	RateShare  float64 `yaml:"rate_share"`
}

// DeviceConfig sets per-device read behavior.
type DeviceConfig struct {
	MergeReads bool `yaml:"merge_reads"`
}

// MetricsConfig sets Prometheus exposition.
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Port      int    `yaml:"port"`
	Path      string `yaml:"path"`
	Namespace string `yaml:"namespace"`
}

// NewDefault returns a configuration with sensible defaults.
func NewDefault() *Configuration {
	return &Configuration{
		Global: GlobalConfig{
			LogLevel: "INFO",
		},
		Backend: BackendConfig{
			Kind:           "localfs",
			RequestTimeout: 30 * time.Second,
			Retry: RetryConfig{
				MaxAttempts:  3,
				InitialDelay: 100 * time.Millisecond,
				MaxDelay:     10 * time.Second,
				Multiplier:   2.0,
			},
		},
		Cache: CacheConfig{
			Capacity:   "256MB",
			ShardCount: 64,
			RetryAfter: 2 * time.Second,
			Disk: DiskConfig{
				Enabled:   false,
				Directory: "/var/cache/chunkfs",
				MaxSize:   "10GB",
			},
		},
		Prefetch: PrefetchConfig{
			Enabled:    true,
			Workers:    4,
			QueueDepth: 256,
			RateShare:  1.0,
		},
		Device: DeviceConfig{
			MergeReads: true,
		},
		Metrics: MetricsConfig{
			Enabled:   false,
			Port:      9090,
			Path:      "/metrics",
			Namespace: "chunkfs",
		},
	}
}

// LoadFromFile merges a YAML file over the receiver.
func (c *Configuration) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}

// LoadFromEnv merges environment overrides over the receiver.
func (c *Configuration) LoadFromEnv() error {
	if val := os.Getenv("CHUNKFS_LOG_LEVEL"); val != "" {
		c.Global.LogLevel = val
	}
	if val := os.Getenv("CHUNKFS_LOG_FILE"); val != "" {
		c.Global.LogFile = val
	}
	if val := os.Getenv("CHUNKFS_BACKEND_KIND"); val != "" {
		c.Backend.Kind = val
	}
	if val := os.Getenv("CHUNKFS_CACHE_CAPACITY"); val != "" {
		c.Cache.Capacity = val
	}
	if val := os.Getenv("CHUNKFS_CACHE_DIR"); val != "" {
		c.Cache.Disk.Enabled = true
		c.Cache.Disk.Directory = val
	}
	if val := os.Getenv("CHUNKFS_PREFETCH"); val != "" {
		c.Prefetch.Enabled = strings.ToLower(val) == "true"
	}
	if val := os.Getenv("CHUNKFS_PREFETCH_WORKERS"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.Prefetch.Workers = n
		}
	}
	if val := os.Getenv("CHUNKFS_METRICS_PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			c.Metrics.Enabled = true
			c.Metrics.Port = port
		}
	}
	return nil
}

// SaveToFile writes the configuration as YAML.
func (c *Configuration) SaveToFile(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(filename), 0750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(filename, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Validate checks cross-field consistency. Size strings are parsed here
// so a bad value fails at load, not first use.
func (c *Configuration) Validate() error {
	switch c.Backend.Kind {
	case "localfs":
		if c.Backend.LocalFS.RootPath == "" {
			return fmt.Errorf("localfs backend requires root_path")
		}
	case "oss":
		if c.Backend.OSS.Endpoint == "" || c.Backend.OSS.Bucket == "" {
			return fmt.Errorf("oss backend requires endpoint and bucket")
		}
	case "registry":
		if c.Backend.Registry.Endpoint == "" || c.Backend.Registry.Repository == "" {
			return fmt.Errorf("registry backend requires endpoint and repository")
		}
	case "s3":
		if c.Backend.S3.Bucket == "" {
			return fmt.Errorf("s3 backend requires bucket")
		}
	default:
		return fmt.Errorf("unknown backend kind: %q", c.Backend.Kind)
	}

	if c.Backend.Retry.MaxAttempts < 0 {
		return fmt.Errorf("retry max_attempts cannot be negative")
	}
	if c.Backend.Retry.Multiplier < 0 {
		return fmt.Errorf("retry multiplier cannot be negative")
	}
	if c.Prefetch.RateShare < 0 || c.Prefetch.RateShare > 1 {
		return fmt.Errorf("prefetch rate_share must be in [0, 1]")
	}
	if c.Prefetch.Workers < 0 || c.Prefetch.QueueDepth < 0 {
		return fmt.Errorf("prefetch workers and queue_depth cannot be negative")
	}

	for _, size := range []struct {
		name  string
		value string
	}{
		{"cache.capacity", c.Cache.Capacity},
		{"cache.disk.max_size", c.Cache.Disk.MaxSize},
		{"backend.rate_limit.bytes_per_second", c.Backend.RateLimit.BytesPerSecond},
		{"backend.rate_limit.byte_burst", c.Backend.RateLimit.ByteBurst},
	} {
		if size.value == "" {
			continue
		}
		if _, err := ParseSize(size.value); err != nil {
			return fmt.Errorf("invalid %s: %w", size.name, err)
		}
	}

	validLogLevels := []string{"DEBUG", "INFO", "WARN", "ERROR"}
	ok := false
	for _, level := range validLogLevels {
		if strings.ToUpper(c.Global.LogLevel) == level {
			ok = true
			break
		}
	}
	if !ok {
		return fmt.Errorf("invalid log_level: %s (must be one of: %s)",
			c.Global.LogLevel, strings.Join(validLogLevels, ", "))
	}
	return nil
}

// ParseSize parses a human size string like "512", "64KB", "2GB" into
// bytes. Units are binary multiples.
func ParseSize(s string) (int64, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return 0, fmt.Errorf("empty size")
	}
	if strings.HasSuffix(s, "B") {
		s = s[:len(s)-1]
	}

	var multiplier int64 = 1
	if len(s) > 0 {
		switch s[len(s)-1] {
		case 'K':
			multiplier = 1 << 10
			s = s[:len(s)-1]
		case 'M':
			multiplier = 1 << 20
			s = s[:len(s)-1]
		case 'G':
			multiplier = 1 << 30
			s = s[:len(s)-1]
		case 'T':
			multiplier = 1 << 40
			s = s[:len(s)-1]
		}
	}

	n, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q", s)
	}
	if n < 0 {
		return 0, fmt.Errorf("size cannot be negative")
	}
	return int64(n * float64(multiplier)), nil
}
