package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// chdir moves into dir for the duration of the test so Load picks up (or
// misses) veridoc.yaml deterministically.
func chdir(t *testing.T, dir string) {
	t.Helper()
	old, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(old) })
}

func TestLoadDefaults(t *testing.T) {
	chdir(t, t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, DefaultListenAddr, cfg.ListenAddr)
	assert.Equal(t, int64(DefaultUploadLimitBytes), cfg.UploadLimitBytes)
	assert.Equal(t, DefaultUploadRatePerMin, cfg.UploadRatePerMin)
	assert.Equal(t, DefaultInferencePool, cfg.InferencePool)
	assert.Equal(t, DefaultCapabilityTimeout, cfg.CapabilityTimeout)
	assert.Equal(t, DefaultSessionDeadline, cfg.SessionDeadline)
	assert.Equal(t, DefaultMaxTasks, cfg.MaxTasks)
	assert.Equal(t, DefaultSpoolDir, cfg.SpoolDir)
	assert.Empty(t, cfg.VisualEndpoint)
	assert.Empty(t, cfg.ReasonerEndpoint)
	assert.Empty(t, cfg.PolicyPath)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	yaml := `
listen_addr: "127.0.0.1:9000"
upload_limit_bytes: 1048576
inference_pool: 4
visual_endpoint: "http://visual.internal:8080"
session_deadline: 90s
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "veridoc.yaml"), []byte(yaml), 0o644))
	chdir(t, dir)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9000", cfg.ListenAddr)
	assert.Equal(t, int64(1<<20), cfg.UploadLimitBytes)
	assert.Equal(t, 4, cfg.InferencePool)
	assert.Equal(t, "http://visual.internal:8080", cfg.VisualEndpoint)
	assert.Equal(t, 90*time.Second, cfg.SessionDeadline)
	// Keys absent from the file keep their defaults.
	assert.Equal(t, DefaultUploadRatePerMin, cfg.UploadRatePerMin)
}

func TestEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	yaml := "listen_addr: \"127.0.0.1:9000\"\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "veridoc.yaml"), []byte(yaml), 0o644))
	chdir(t, dir)
	t.Setenv("VERIDOC_LISTEN_ADDR", "127.0.0.1:9999")
	t.Setenv("VERIDOC_MAX_TASKS", "128")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9999", cfg.ListenAddr)
	assert.Equal(t, 128, cfg.MaxTasks)
}

func TestEnvOnlyEndpoints(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("VERIDOC_VISUAL_ENDPOINT", "http://visual.internal:8080")
	t.Setenv("VERIDOC_REASONER_ENDPOINT", "http://reasoner.internal:8081")
	t.Setenv("VERIDOC_TRUST_ROOTS_DIR", "/etc/veridoc/roots")
	t.Setenv("VERIDOC_POLICY_PATH", "/etc/veridoc/policy.yaml")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "http://visual.internal:8080", cfg.VisualEndpoint)
	assert.Equal(t, "http://reasoner.internal:8081", cfg.ReasonerEndpoint)
	assert.Equal(t, "/etc/veridoc/roots", cfg.TrustRootsDir)
	assert.Equal(t, "/etc/veridoc/policy.yaml", cfg.PolicyPath)
}

func TestLoadMalformedFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "veridoc.yaml"), []byte("listen_addr: [unterminated"), 0o644))
	chdir(t, dir)

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reading config file")
}

func TestLoadRejectsInvalidFileValues(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "veridoc.yaml"), []byte("inference_pool: 0\n"), 0o644))
	chdir(t, dir)

	_, err := Load()
	require.ErrorIs(t, err, ErrInvalidPoolSize)
}

func validConfig() Config {
	return Config{
		ListenAddr:        DefaultListenAddr,
		UploadLimitBytes:  DefaultUploadLimitBytes,
		UploadRatePerMin:  DefaultUploadRatePerMin,
		SpoolDir:          DefaultSpoolDir,
		SpoolMaxAge:       DefaultSpoolMaxAge,
		InferencePool:     DefaultInferencePool,
		CapabilityTimeout: DefaultCapabilityTimeout,
		SessionDeadline:   DefaultSessionDeadline,
		MaxTasks:          DefaultMaxTasks,
		ReasonerTimeout:   DefaultReasonerTimeout,
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr error
	}{
		{"valid", func(*Config) {}, nil},
		{"empty listen addr", func(c *Config) { c.ListenAddr = "  " }, ErrInvalidListenAddr},
		{"zero upload limit", func(c *Config) { c.UploadLimitBytes = 0 }, ErrInvalidUploadLimit},
		{"negative rate", func(c *Config) { c.UploadRatePerMin = -1 }, ErrInvalidUploadLimit},
		{"pool too small", func(c *Config) { c.InferencePool = 0 }, ErrInvalidPoolSize},
		{"pool too large", func(c *Config) { c.InferencePool = 65 }, ErrInvalidPoolSize},
		{"zero capability timeout", func(c *Config) { c.CapabilityTimeout = 0 }, ErrInvalidTimeout},
		{"negative session deadline", func(c *Config) { c.SessionDeadline = -time.Second }, ErrInvalidTimeout},
		{"zero reasoner timeout", func(c *Config) { c.ReasonerTimeout = 0 }, ErrInvalidTimeout},
		{"zero spool max age", func(c *Config) { c.SpoolMaxAge = 0 }, ErrInvalidTimeout},
		{"zero task quota", func(c *Config) { c.MaxTasks = 0 }, ErrInvalidTaskQuota},
		{"task quota too large", func(c *Config) { c.MaxTasks = 5000 }, ErrInvalidTaskQuota},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, tt.wantErr)
		})
	}
}
