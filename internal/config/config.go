// Package config provides server configuration with multi-source priority.
//
// Configuration sources (highest to lowest priority):
//  1. Environment variables (VERIDOC_* runtime override)
//  2. Config file (veridoc.yaml in the working directory or /etc/veridoc)
//  3. Default values
//
// Validation is fail-fast: Load returns an error rather than a partially
// usable configuration.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

var (
	// ErrInvalidListenAddr indicates the listen address is empty.
	ErrInvalidListenAddr = errors.New("invalid listen address")

	// ErrInvalidUploadLimit indicates the upload byte limit is out of range.
	ErrInvalidUploadLimit = errors.New("invalid upload limit")

	// ErrInvalidPoolSize indicates the inference pool size is out of range.
	ErrInvalidPoolSize = errors.New("invalid inference pool size")

	// ErrInvalidTimeout indicates a timeout or deadline is non-positive.
	ErrInvalidTimeout = errors.New("invalid timeout")

	// ErrInvalidTaskQuota indicates the per-session task quota is out of range.
	ErrInvalidTaskQuota = errors.New("invalid task quota")
)

// Defaults.
const (
	DefaultListenAddr        = ":8462"
	DefaultUploadLimitBytes  = 64 << 20 // 64 MiB
	DefaultUploadRatePerMin  = 30
	DefaultInferencePool     = 2
	DefaultCapabilityTimeout = 45 * time.Second
	DefaultSessionDeadline   = 3 * time.Minute
	DefaultReasonerTimeout   = 30 * time.Second
	DefaultMaxTasks          = 64
	DefaultSpoolDir          = "/tmp/veridoc-spool"
	DefaultSpoolMaxAge       = 30 * time.Minute
)

// Config stores the orchestrator's runtime configuration.
type Config struct {
	// HTTP surface
	ListenAddr       string `mapstructure:"listen_addr" json:"listen_addr"`
	UploadLimitBytes int64  `mapstructure:"upload_limit_bytes" json:"upload_limit_bytes"`
	UploadRatePerMin int    `mapstructure:"upload_rate_per_min" json:"upload_rate_per_min"`

	// Upload spool
	SpoolDir    string        `mapstructure:"spool_dir" json:"spool_dir"`
	SpoolMaxAge time.Duration `mapstructure:"spool_max_age" json:"spool_max_age"`

	// Scheduling
	InferencePool     int           `mapstructure:"inference_pool" json:"inference_pool"`
	CapabilityTimeout time.Duration `mapstructure:"capability_timeout" json:"capability_timeout"`
	SessionDeadline   time.Duration `mapstructure:"session_deadline" json:"session_deadline"`
	MaxTasks          int           `mapstructure:"max_tasks" json:"max_tasks"`

	// External collaborators. Empty endpoints disable the collaborator;
	// analysis degrades instead of failing.
	VisualEndpoint   string        `mapstructure:"visual_endpoint" json:"visual_endpoint"`
	ReasonerEndpoint string        `mapstructure:"reasoner_endpoint" json:"reasoner_endpoint"`
	ReasonerTimeout  time.Duration `mapstructure:"reasoner_timeout" json:"reasoner_timeout"`

	// Trust material
	TrustRootsDir string `mapstructure:"trust_roots_dir" json:"trust_roots_dir"`

	// Scoring policy override file (YAML). Empty uses the built-in policy.
	PolicyPath string `mapstructure:"policy_path" json:"policy_path"`
}

// Load reads configuration with the documented source priority and
// validates it.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("veridoc")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/veridoc")

	setDefaults(v)

	v.SetEnvPrefix("VERIDOC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		// A missing config file is not an error; defaults apply.
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating configuration: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("listen_addr", DefaultListenAddr)
	v.SetDefault("upload_limit_bytes", DefaultUploadLimitBytes)
	v.SetDefault("upload_rate_per_min", DefaultUploadRatePerMin)
	v.SetDefault("spool_dir", DefaultSpoolDir)
	v.SetDefault("spool_max_age", DefaultSpoolMaxAge)
	v.SetDefault("inference_pool", DefaultInferencePool)
	v.SetDefault("capability_timeout", DefaultCapabilityTimeout)
	v.SetDefault("session_deadline", DefaultSessionDeadline)
	v.SetDefault("max_tasks", DefaultMaxTasks)
	v.SetDefault("reasoner_timeout", DefaultReasonerTimeout)

	// Keys whose default is "absent" still need registering: viper only
	// surfaces environment values through Unmarshal for keys it knows.
	v.SetDefault("visual_endpoint", "")
	v.SetDefault("reasoner_endpoint", "")
	v.SetDefault("trust_roots_dir", "")
	v.SetDefault("policy_path", "")
}

// Validate checks ranges. Endpoints and paths are not probed here; their
// absence is a degradation handled at analysis time, not a config error.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.ListenAddr) == "" {
		return ErrInvalidListenAddr
	}
	if c.UploadLimitBytes <= 0 {
		return fmt.Errorf("%w: %d bytes", ErrInvalidUploadLimit, c.UploadLimitBytes)
	}
	if c.UploadRatePerMin <= 0 {
		return fmt.Errorf("%w: rate %d/min", ErrInvalidUploadLimit, c.UploadRatePerMin)
	}
	if c.InferencePool < 1 || c.InferencePool > 64 {
		return fmt.Errorf("%w: %d (want 1..64)", ErrInvalidPoolSize, c.InferencePool)
	}
	if c.CapabilityTimeout <= 0 {
		return fmt.Errorf("%w: capability_timeout %s", ErrInvalidTimeout, c.CapabilityTimeout)
	}
	if c.SessionDeadline <= 0 {
		return fmt.Errorf("%w: session_deadline %s", ErrInvalidTimeout, c.SessionDeadline)
	}
	if c.ReasonerTimeout <= 0 {
		return fmt.Errorf("%w: reasoner_timeout %s", ErrInvalidTimeout, c.ReasonerTimeout)
	}
	if c.SpoolMaxAge <= 0 {
		return fmt.Errorf("%w: spool_max_age %s", ErrInvalidTimeout, c.SpoolMaxAge)
	}
	if c.MaxTasks < 1 || c.MaxTasks > 4096 {
		return fmt.Errorf("%w: %d (want 1..4096)", ErrInvalidTaskQuota, c.MaxTasks)
	}
	return nil
}
