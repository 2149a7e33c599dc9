package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.True(t, cfg.Enabled)
	assert.Equal(t, Monitors{Logs: true, Tests: true, Git: true}, cfg.Monitors)
	assert.Equal(t, 3, cfg.LoopDetectionThreshold)
	assert.Equal(t, 5*time.Minute, cfg.StuckTimeout())
	assert.Equal(t, 24*time.Hour, cfg.TaskExpiry())
	assert.Equal(t, 100, cfg.MaxQueueSize)
	assert.False(t, cfg.UseLLMAnalysis)
	assert.Equal(t, 0.7, cfg.LLMConfidenceThreshold)
	assert.Equal(t, 50*time.Millisecond, cfg.PollInterval())
	assert.Equal(t, 2*time.Minute, cfg.GitPollInterval())
	assert.NoError(t, cfg.Validate())
}

func TestLoadFromFileMissing(t *testing.T) {
	cfg, err := LoadFromFile(filepath.Join(t.TempDir(), "config.json"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadFromFilePartialJSON(t *testing.T) {
	path := writeFile(t, t.TempDir(), "config.json", `{
  "version": "v1",
  "max_queue_size": 50,
  "monitors": {"git": false},
  "use_llm_analysis": true
}`)

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)

	want := Default()
	want.MaxQueueSize = 50
	want.Monitors.Git = false
	want.UseLLMAnalysis = true
	assert.Equal(t, want, cfg)
}

func TestLoadFromFileYAML(t *testing.T) {
	path := writeFile(t, t.TempDir(), "config.yaml", `
version: 1
loop_detection_threshold: 5
stuck_timeout_seconds: 600
llm_confidence_threshold: 0.85
store_backend: SQLite
notifications: desktop
monitors:
  logs: yes
  tests: off
`)

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, "v1", cfg.Version)
	assert.Equal(t, 5, cfg.LoopDetectionThreshold)
	assert.Equal(t, 10*time.Minute, cfg.StuckTimeout())
	assert.Equal(t, 0.85, cfg.LLMConfidenceThreshold)
	assert.Equal(t, "sqlite", cfg.StoreBackend)
	assert.Equal(t, NotifyDesktop, cfg.Notifications)
	assert.True(t, cfg.Monitors.Logs)
	assert.False(t, cfg.Monitors.Tests)
	assert.True(t, cfg.Monitors.Git)
}

func TestLoadFromFileInvalidFieldsKeepDefaults(t *testing.T) {
	path := writeFile(t, t.TempDir(), "config.json", `{
  "max_queue_size": -4,
  "llm_confidence_threshold": 1.5,
  "loop_detection_threshold": "many",
  "notifications": "pager",
  "enabled": "maybe",
  "task_expiry_hours": 48
}`)

	cfg, err := LoadFromFile(path)
	require.Error(t, err)

	defaults := Default()
	assert.Equal(t, defaults.MaxQueueSize, cfg.MaxQueueSize)
	assert.Equal(t, defaults.LLMConfidenceThreshold, cfg.LLMConfidenceThreshold)
	assert.Equal(t, defaults.LoopDetectionThreshold, cfg.LoopDetectionThreshold)
	assert.Equal(t, defaults.Notifications, cfg.Notifications)
	assert.Equal(t, defaults.Enabled, cfg.Enabled)
	assert.Equal(t, 48, cfg.TaskExpiryHours, "valid fields still apply")

	for _, key := range []string{"max_queue_size", "llm_confidence_threshold", "loop_detection_threshold", "notifications", "enabled"} {
		assert.Contains(t, err.Error(), key)
	}
	var fe *FieldError
	assert.ErrorAs(t, err, &fe)
}

func TestLoadFromFileUnparseable(t *testing.T) {
	path := writeFile(t, t.TempDir(), "config.json", `{"max_queue_size": `)
	cfg, err := LoadFromFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse config file")
	assert.Equal(t, Default(), cfg)
}

func TestLoadFromFileUnsupportedVersion(t *testing.T) {
	path := writeFile(t, t.TempDir(), "config.json", `{"version": "v2", "max_queue_size": 10}`)
	cfg, err := LoadFromFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported version")
	assert.Equal(t, Version, cfg.Version)
	assert.Equal(t, 10, cfg.MaxQueueSize)
}

func TestLoadPrefersJSON(t *testing.T) {
	dir := t.TempDir()
	assert.Empty(t, FindFile(dir))

	writeFile(t, dir, "config.yaml", "max_queue_size: 20\n")
	assert.Equal(t, filepath.Join(dir, "config.yaml"), FindFile(dir))

	writeFile(t, dir, "config.json", `{"max_queue_size": 30}`)
	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, 30, cfg.MaxQueueSize)
}

func TestApplyEnv(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		check   func(t *testing.T, cfg *Config)
		wantErr bool
	}{
		{
			name: "overrides",
			env: map[string]string{
				"OVERSEER_MAX_QUEUE_SIZE":           "7",
				"OVERSEER_USE_LLM_ANALYSIS":         "on",
				"OVERSEER_MONITORS_GIT":             "false",
				"OVERSEER_LLM_CONFIDENCE_THRESHOLD": "0.9",
				"OVERSEER_METRICS_ADDR":             ":9090",
			},
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, 7, cfg.MaxQueueSize)
				assert.True(t, cfg.UseLLMAnalysis)
				assert.False(t, cfg.Monitors.Git)
				assert.Equal(t, 0.9, cfg.LLMConfidenceThreshold)
				assert.Equal(t, ":9090", cfg.MetricsAddr)
			},
		},
		{
			name: "invalid values ignored",
			env: map[string]string{
				"OVERSEER_MAX_QUEUE_SIZE": "lots",
				"OVERSEER_STORE_BACKEND":  "postgres",
			},
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, 100, cfg.MaxQueueSize)
				assert.Equal(t, "json", cfg.StoreBackend)
			},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			cfg := Default()
			err := cfg.ApplyEnv()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
			tt.check(t, cfg)
		})
	}
}

func TestEnvName(t *testing.T) {
	assert.Equal(t, "OVERSEER_MAX_QUEUE_SIZE", EnvName("max_queue_size"))
	assert.Equal(t, "OVERSEER_MONITORS_LOGS", EnvName("monitors.logs"))
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"valid", func(c *Config) {}, ""},
		{"queue size zero", func(c *Config) { c.MaxQueueSize = 0 }, "max_queue_size"},
		{"confidence above one", func(c *Config) { c.LLMConfidenceThreshold = 2 }, "llm_confidence_threshold"},
		{"unknown backend", func(c *Config) { c.StoreBackend = "bolt" }, "store_backend"},
		{"empty test command", func(c *Config) { c.TestCommand = "" }, "test_command"},
		{"git polling disabled", func(c *Config) { c.GitPollIntervalSeconds = 0 }, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestSaveRoundTrip(t *testing.T) {
	dir := t.TempDir()
	cfg := Default()
	cfg.MaxQueueSize = 42
	cfg.AgentLogPath = "agent.log"

	for _, name := range []string{"config.json", "config.yaml"} {
		path := filepath.Join(dir, "nested", name)
		require.NoError(t, cfg.Save(path))
		loaded, err := LoadFromFile(path)
		require.NoError(t, err, name)
		assert.Equal(t, cfg, loaded, name)
	}
}

func TestParseBool(t *testing.T) {
	for _, s := range []string{"true", "1", "YES", "on"} {
		b, err := parseBool(s)
		require.NoError(t, err)
		assert.True(t, b, s)
	}
	for _, s := range []string{"false", "0", "no", "Off"} {
		b, err := parseBool(s)
		require.NoError(t, err)
		assert.False(t, b, s)
	}
	_, err := parseBool("maybe")
	assert.Error(t, err)
}
