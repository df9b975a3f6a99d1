package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/objectfs/resload/pkg/errors"
)

// Store backends
const (
	BackendMemory = "memory"
	BackendDisk   = "disk"
	BackendS3     = "s3"
	BackendMinio  = "minio"
)

// Configuration represents the complete engine configuration
type Configuration struct {
	Global     GlobalConfig     `yaml:"global"`
	Cache      CacheConfig      `yaml:"cache"`
	Scheduler  SchedulerConfig  `yaml:"scheduler"`
	Controller ControllerConfig `yaml:"controller"`
	Store      StoreConfig      `yaml:"store"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
}

// GlobalConfig represents global settings
type GlobalConfig struct {
	LogLevel string `yaml:"log_level"`
}

// CacheConfig represents tiered cache configuration
type CacheConfig struct {
	Memory     MemoryCacheConfig     `yaml:"memory"`
	Persistent PersistentCacheConfig `yaml:"persistent"`
}

// MemoryCacheConfig represents the in-memory tier
type MemoryCacheConfig struct {
	MaxSize       string        `yaml:"max_size"`
	MaxEntries    int           `yaml:"max_entries"`
	DefaultExpiry time.Duration `yaml:"default_expiry"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// PersistentCacheConfig represents the persistent tier
type PersistentCacheConfig struct {
	Enabled       bool          `yaml:"enabled"`
	MaxEntries    int           `yaml:"max_entries"`
	DefaultExpiry time.Duration `yaml:"default_expiry"`
}

// SchedulerConfig represents load scheduler settings
type SchedulerConfig struct {
	DefaultConcurrency int         `yaml:"default_concurrency"`
	MaxConcurrency     int         `yaml:"max_concurrency"`
	Retry              RetryConfig `yaml:"retry"`
}

// RetryConfig represents fetch retry settings
type RetryConfig struct {
	MaxAttempts  int           `yaml:"max_attempts"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	Multiplier   float64       `yaml:"multiplier"`
	Jitter       bool          `yaml:"jitter"`
}

// ControllerConfig represents strategy controller settings
type ControllerConfig struct {
	MaxSamples         int           `yaml:"max_samples"`
	RecentWindow       int           `yaml:"recent_window"`
	MaxSampleAge       time.Duration `yaml:"max_sample_age"`
	DefaultConcurrency int           `yaml:"default_concurrency"`
	AutoSelectAfter    int           `yaml:"auto_select_after"`
	Seed               int64         `yaml:"seed"`
	SessionID          string        `yaml:"session_id"`
	DefaultStrategies  bool          `yaml:"default_strategies"`
}

// StoreConfig represents the persistent key-value backend
type StoreConfig struct {
	Backend string        `yaml:"backend"`
	Prefix  string        `yaml:"prefix"`
	Disk    DiskConfig    `yaml:"disk"`
	S3      S3Config      `yaml:"s3"`
	Minio   MinioConfig   `yaml:"minio"`
	Breaker BreakerConfig `yaml:"breaker"`
}

// BreakerConfig guards remote backends with a circuit breaker
type BreakerConfig struct {
	Enabled          bool          `yaml:"enabled"`
	FailureThreshold int           `yaml:"failure_threshold"`
	OpenTimeout      time.Duration `yaml:"open_timeout"`
}

// DiskConfig represents the local disk backend
type DiskConfig struct {
	Directory   string `yaml:"directory"`
	Compression bool   `yaml:"compression"`
}

// S3Config represents the S3 backend
type S3Config struct {
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	ForcePathStyle  bool   `yaml:"force_path_style"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

// MinioConfig represents the MinIO backend
type MinioConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	UseSSL    bool   `yaml:"use_ssl"`
}

// MonitoringConfig represents monitoring configuration
type MonitoringConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
}

// MetricsConfig represents metrics configuration
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Port      int    `yaml:"port"`
	Path      string `yaml:"path"`
	Namespace string `yaml:"namespace"`
}

// NewDefault creates a new configuration with default values
func NewDefault() *Configuration {
	return &Configuration{
		Global: GlobalConfig{
			LogLevel: "INFO",
		},
		Cache: CacheConfig{
			Memory: MemoryCacheConfig{
				MaxSize:       "50MB",
				MaxEntries:    1000,
				DefaultExpiry: time.Hour,
				SweepInterval: 60 * time.Second,
			},
			Persistent: PersistentCacheConfig{
				Enabled:       true,
				MaxEntries:    5000,
				DefaultExpiry: 24 * time.Hour,
			},
		},
		Scheduler: SchedulerConfig{
			DefaultConcurrency: 8,
			MaxConcurrency:     32,
			Retry: RetryConfig{
				MaxAttempts:  3,
				InitialDelay: 500 * time.Millisecond,
				MaxDelay:     5 * time.Second,
				Multiplier:   2.0,
				Jitter:       true,
			},
		},
		Controller: ControllerConfig{
			MaxSamples:         100,
			RecentWindow:       30,
			MaxSampleAge:       30 * 24 * time.Hour,
			DefaultConcurrency: 8,
			DefaultStrategies:  true,
		},
		Store: StoreConfig{
			Backend: BackendMemory,
			Prefix:  "resload",
			Disk: DiskConfig{
				Directory:   "/tmp/resload",
				Compression: true,
			},
			S3: S3Config{
				Region: "us-east-1",
			},
			Breaker: BreakerConfig{
				Enabled:          true,
				FailureThreshold: 5,
				OpenTimeout:      30 * time.Second,
			},
		},
		Monitoring: MonitoringConfig{
			Metrics: MetricsConfig{
				Enabled:   false,
				Port:      9090,
				Path:      "/metrics",
				Namespace: "resload",
			},
		},
	}
}

// LoadFromFile loads configuration from a YAML file
func (c *Configuration) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return errors.NewError(errors.ErrCodeConfigLoad, "failed to read config file").
			WithDetail("file", filename).WithCause(err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return errors.NewError(errors.ErrCodeConfigLoad, "failed to parse config file").
			WithDetail("file", filename).WithCause(err)
	}

	return nil
}

// LoadFromEnv loads configuration overrides from RESLOAD_* environment variables
func (c *Configuration) LoadFromEnv() error {
	if val := os.Getenv("RESLOAD_LOG_LEVEL"); val != "" {
		c.Global.LogLevel = strings.ToUpper(val)
	}

	// Cache
	if val := os.Getenv("RESLOAD_MEMORY_MAX_SIZE"); val != "" {
		c.Cache.Memory.MaxSize = val
	}
	if val := os.Getenv("RESLOAD_MEMORY_MAX_ENTRIES"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.Cache.Memory.MaxEntries = n
		}
	}
	if val := os.Getenv("RESLOAD_MEMORY_EXPIRY"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			c.Cache.Memory.DefaultExpiry = d
		}
	}
	if val := os.Getenv("RESLOAD_PERSISTENT_ENABLED"); val != "" {
		c.Cache.Persistent.Enabled = strings.ToLower(val) == "true"
	}
	if val := os.Getenv("RESLOAD_PERSISTENT_MAX_ENTRIES"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.Cache.Persistent.MaxEntries = n
		}
	}

	// Scheduler
	if val := os.Getenv("RESLOAD_MAX_CONCURRENCY"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.Scheduler.MaxConcurrency = n
		}
	}
	if val := os.Getenv("RESLOAD_RETRY_ATTEMPTS"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.Scheduler.Retry.MaxAttempts = n
		}
	}

	// Controller
	if val := os.Getenv("RESLOAD_SESSION_ID"); val != "" {
		c.Controller.SessionID = val
	}
	if val := os.Getenv("RESLOAD_SEED"); val != "" {
		if n, err := strconv.ParseInt(val, 10, 64); err == nil {
			c.Controller.Seed = n
		}
	}

	// Store
	if val := os.Getenv("RESLOAD_STORE_BACKEND"); val != "" {
		c.Store.Backend = strings.ToLower(val)
	}
	if val := os.Getenv("RESLOAD_STORE_PREFIX"); val != "" {
		c.Store.Prefix = val
	}
	if val := os.Getenv("RESLOAD_DISK_DIRECTORY"); val != "" {
		c.Store.Disk.Directory = val
	}
	if val := os.Getenv("RESLOAD_S3_BUCKET"); val != "" {
		c.Store.S3.Bucket = val
	}
	if val := os.Getenv("RESLOAD_S3_REGION"); val != "" {
		c.Store.S3.Region = val
	}
	if val := os.Getenv("RESLOAD_S3_ENDPOINT"); val != "" {
		c.Store.S3.Endpoint = val
	}
	if val := os.Getenv("RESLOAD_MINIO_ENDPOINT"); val != "" {
		c.Store.Minio.Endpoint = val
	}
	if val := os.Getenv("RESLOAD_MINIO_BUCKET"); val != "" {
		c.Store.Minio.Bucket = val
	}
	if val := os.Getenv("RESLOAD_BREAKER_ENABLED"); val != "" {
		c.Store.Breaker.Enabled = strings.ToLower(val) == "true"
	}

	// Monitoring
	if val := os.Getenv("RESLOAD_METRICS_ENABLED"); val != "" {
		c.Monitoring.Metrics.Enabled = strings.ToLower(val) == "true"
	}
	if val := os.Getenv("RESLOAD_METRICS_PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			c.Monitoring.Metrics.Port = port
		}
	}

	return nil
}

// SaveToFile saves the configuration to a YAML file
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

// MemoryMaxBytes returns the parsed memory tier ceiling
func (c *Configuration) MemoryMaxBytes() (int64, error) {
	return ParseBytes(c.Cache.Memory.MaxSize)
}

// Validate validates the configuration
func (c *Configuration) Validate() error {
	size, err := c.MemoryMaxBytes()
	if err != nil {
		return errors.InvalidConfig("invalid cache.memory.max_size %q", c.Cache.Memory.MaxSize).WithCause(err)
	}
	if size <= 0 {
		return errors.InvalidConfig("cache.memory.max_size must be greater than 0")
	}
	if c.Cache.Memory.MaxEntries <= 0 {
		return errors.InvalidConfig("cache.memory.max_entries must be greater than 0")
	}
	if c.Cache.Memory.SweepInterval < 0 {
		return errors.InvalidConfig("cache.memory.sweep_interval must not be negative")
	}
	if c.Cache.Persistent.Enabled && c.Cache.Persistent.MaxEntries <= 0 {
		return errors.InvalidConfig("cache.persistent.max_entries must be greater than 0")
	}

	if c.Scheduler.DefaultConcurrency <= 0 {
		return errors.InvalidConfig("scheduler.default_concurrency must be greater than 0")
	}
	if c.Scheduler.MaxConcurrency < c.Scheduler.DefaultConcurrency {
		return errors.InvalidConfig("scheduler.max_concurrency (%d) must be at least default_concurrency (%d)",
			c.Scheduler.MaxConcurrency, c.Scheduler.DefaultConcurrency)
	}
	if c.Scheduler.Retry.MaxAttempts <= 0 {
		return errors.InvalidConfig("scheduler.retry.max_attempts must be greater than 0")
	}
	if c.Scheduler.Retry.Multiplier < 1 {
		return errors.InvalidConfig("scheduler.retry.multiplier must be at least 1")
	}

	if c.Controller.MaxSamples <= 0 {
		return errors.InvalidConfig("controller.max_samples must be greater than 0")
	}
	if c.Controller.RecentWindow <= 0 {
		return errors.InvalidConfig("controller.recent_window must be greater than 0")
	}
	if c.Controller.DefaultConcurrency <= 0 {
		return errors.InvalidConfig("controller.default_concurrency must be greater than 0")
	}

	switch c.Store.Backend {
	case BackendMemory:
	case BackendDisk:
		if c.Store.Disk.Directory == "" {
			return errors.InvalidConfig("store.disk.directory is required for the disk backend")
		}
	case BackendS3:
		if c.Store.S3.Bucket == "" {
			return errors.InvalidConfig("store.s3.bucket is required for the s3 backend")
		}
	case BackendMinio:
		if c.Store.Minio.Endpoint == "" || c.Store.Minio.Bucket == "" {
			return errors.InvalidConfig("store.minio.endpoint and store.minio.bucket are required for the minio backend")
		}
	default:
		return errors.InvalidConfig("invalid store.backend: %s (must be one of: %s)",
			c.Store.Backend, strings.Join([]string{BackendMemory, BackendDisk, BackendS3, BackendMinio}, ", "))
	}

	if c.Store.Breaker.Enabled && c.Store.Breaker.FailureThreshold <= 0 {
		return errors.InvalidConfig("store.breaker.failure_threshold must be greater than 0")
	}

	if c.Monitoring.Metrics.Enabled && c.Monitoring.Metrics.Port <= 0 {
		return errors.InvalidConfig("monitoring.metrics.port must be greater than 0")
	}

	validLogLevels := []string{"DEBUG", "INFO", "WARN", "ERROR"}
	logLevelValid := false
	for _, level := range validLogLevels {
		if c.Global.LogLevel == level {
			logLevelValid = true
			break
		}
	}
	if !logLevelValid {
		return errors.InvalidConfig("invalid log_level: %s (must be one of: %s)",
			c.Global.LogLevel, strings.Join(validLogLevels, ", "))
	}

	return nil
}
