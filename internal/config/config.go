// Package config loads the watcher configuration from .overseer/config.json
// or .overseer/config.yaml, with OVERSEER_* environment overrides.
//
// Loading never fails hard: a missing file yields defaults, an unparseable
// file yields defaults plus an error describing why, and a field with an
// invalid value keeps its default while the rest of the file applies.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/mod/semver"
	"gopkg.in/yaml.v3"

	"github.com/steveyegge/overseer/internal/storage"
)

// Version is the configuration document version this build writes.
const Version = "v1"

// StateDirName is the per-project state directory.
const StateDirName = ".overseer"

// Notification channels.
const (
	NotifyLog     = "log"
	NotifyDesktop = "desktop"
	NotifyNone    = "none"
)

// Monitors toggles the individual signal sources.
type Monitors struct {
	Logs  bool `json:"logs" yaml:"logs"`
	Tests bool `json:"tests" yaml:"tests"`
	Git   bool `json:"git" yaml:"git"`
}

// Config is the complete watcher configuration.
type Config struct {
	Version  string   `json:"version" yaml:"version"`
	Enabled  bool     `json:"enabled" yaml:"enabled"`
	Monitors Monitors `json:"monitors" yaml:"monitors"`

	// LoopDetectionThreshold is how many identical signatures make a loop.
	// Default: 3
	LoopDetectionThreshold int `json:"loop_detection_threshold" yaml:"loop_detection_threshold"`

	// StuckTimeoutSeconds is how long a phase may run before it is stuck.
	// Default: 300
	StuckTimeoutSeconds int `json:"stuck_timeout_seconds" yaml:"stuck_timeout_seconds"`

	// TaskExpiryHours is the age at which open tasks are archived as expired.
	// Default: 24
	TaskExpiryHours int `json:"task_expiry_hours" yaml:"task_expiry_hours"`

	// MaxQueueSize bounds the live queue. Default: 100
	MaxQueueSize int `json:"max_queue_size" yaml:"max_queue_size"`

	// UseLLMAnalysis enables the advisory model pass. Default: false
	UseLLMAnalysis bool `json:"use_llm_analysis" yaml:"use_llm_analysis"`

	// LLMConfidenceThreshold is the minimum advisory confidence that creates
	// a task. Default: 0.7
	LLMConfidenceThreshold float64 `json:"llm_confidence_threshold" yaml:"llm_confidence_threshold"`

	// EventLogPath is the workflow event log, relative to the project root.
	EventLogPath string `json:"event_log_path" yaml:"event_log_path"`

	// AgentLogPath is an optional plain-text agent log fed to the log monitor.
	AgentLogPath string `json:"agent_log_path" yaml:"agent_log_path"`

	// TestCommand is run by the health check. Default: "go test ./..."
	TestCommand string `json:"test_command" yaml:"test_command"`

	PollIntervalMS         int    `json:"poll_interval_ms" yaml:"poll_interval_ms"`
	UseFSNotify            bool   `json:"use_fsnotify" yaml:"use_fsnotify"`
	StoreBackend           string `json:"store_backend" yaml:"store_backend"`
	MetricsAddr            string `json:"metrics_addr" yaml:"metrics_addr"`
	GitPollIntervalSeconds int    `json:"git_poll_interval_seconds" yaml:"git_poll_interval_seconds"`
	Notifications          string `json:"notifications" yaml:"notifications"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Version:                Version,
		Enabled:                true,
		Monitors:               Monitors{Logs: true, Tests: true, Git: true},
		LoopDetectionThreshold: 3,
		StuckTimeoutSeconds:    300,
		TaskExpiryHours:        24,
		MaxQueueSize:           100,
		UseLLMAnalysis:         false,
		LLMConfidenceThreshold: 0.7,
		EventLogPath:           filepath.Join(StateDirName, "events.jsonl"),
		TestCommand:            "go test ./...",
		PollIntervalMS:         50,
		UseFSNotify:            false,
		StoreBackend:           string(storage.BackendJSON),
		GitPollIntervalSeconds: 120,
		Notifications:          NotifyLog,
	}
}

// StuckTimeout returns StuckTimeoutSeconds as a duration.
func (c *Config) StuckTimeout() time.Duration {
	return time.Duration(c.StuckTimeoutSeconds) * time.Second
}

// TaskExpiry returns TaskExpiryHours as a duration.
func (c *Config) TaskExpiry() time.Duration {
	return time.Duration(c.TaskExpiryHours) * time.Hour
}

// PollInterval returns PollIntervalMS as a duration.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMS) * time.Millisecond
}

// GitPollInterval returns GitPollIntervalSeconds as a duration. Zero
// disables git polling.
func (c *Config) GitPollInterval() time.Duration {
	return time.Duration(c.GitPollIntervalSeconds) * time.Second
}

// FieldError records a field that kept its default.
type FieldError struct {
	Field string
	Err   error
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("%s: %v (using default)", e.Field, e.Err)
}

func (e *FieldError) Unwrap() error { return e.Err }

// Load reads the config file from stateDir, preferring config.json over
// config.yaml and config.yml, then applies environment overrides. The
// returned config is always usable; a non-nil error describes what was
// replaced by defaults.
func Load(stateDir string) (*Config, error) {
	path := FindFile(stateDir)
	var cfg *Config
	var errs []error
	if path == "" {
		cfg = Default()
	} else {
		var err error
		cfg, err = LoadFromFile(path)
		if err != nil {
			errs = append(errs, err)
		}
	}
	if err := cfg.ApplyEnv(); err != nil {
		errs = append(errs, err)
	}
	return cfg, errors.Join(errs...)
}

// FindFile returns the first config file present in stateDir, or "".
func FindFile(stateDir string) string {
	for _, name := range []string{"config.json", "config.yaml", "config.yml"} {
		path := filepath.Join(stateDir, name)
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// LoadFromFile loads a JSON or YAML config, chosen by extension. Missing
// files yield defaults with no error.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return Default(), fmt.Errorf("failed to read config file: %w", err)
	}

	raw := make(map[string]any)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &raw)
	default:
		err = json.Unmarshal(data, &raw)
	}
	if err != nil {
		return Default(), fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return FromMap(raw)
}

// FromMap builds a config from decoded key/value pairs, merging them over
// the defaults field by field.
func FromMap(raw map[string]any) (*Config, error) {
	cfg := Default()
	var errs []error
	for _, f := range fields {
		v, ok := lookup(raw, f.key)
		if !ok || v == nil {
			continue
		}
		if err := f.set(cfg, v); err != nil {
			errs = append(errs, &FieldError{Field: f.key, Err: err})
		}
	}
	return cfg, errors.Join(errs...)
}

// ApplyEnv overrides fields from OVERSEER_* variables. The variable for
// a key is OVERSEER_ plus the upper-cased key with dots replaced by
// underscores, e.g. OVERSEER_MAX_QUEUE_SIZE or OVERSEER_MONITORS_GIT.
// Invalid values are ignored and reported.
func (c *Config) ApplyEnv() error {
	var errs []error
	for _, f := range fields {
		name := EnvName(f.key)
		val, ok := os.LookupEnv(name)
		if !ok || val == "" {
			continue
		}
		if err := f.set(c, val); err != nil {
			errs = append(errs, &FieldError{Field: name, Err: err})
		}
	}
	return errors.Join(errs...)
}

// EnvName returns the environment variable that overrides key.
func EnvName(key string) string {
	return "OVERSEER_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}

// Validate checks every field against its allowed range.
func (c *Config) Validate() error {
	raw, err := c.toMap()
	if err != nil {
		return err
	}
	probe := Default()
	var errs []error
	for _, f := range fields {
		v, _ := lookup(raw, f.key)
		if err := f.set(probe, v); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", f.key, err))
		}
	}
	return errors.Join(errs...)
}

// Save writes the config atomically as JSON or YAML, chosen by extension.
func (c *Config) Save(path string) error {
	var data []byte
	var err error
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(c)
	default:
		data, err = json.MarshalIndent(c, "", "  ")
		data = append(data, '\n')
	}
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	return storage.WriteFileAtomic(path, data)
}

func (c *Config) toMap() (map[string]any, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal config: %w", err)
	}
	raw := make(map[string]any)
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return raw, nil
}

// lookup resolves a dotted key in nested maps.
func lookup(raw map[string]any, key string) (any, bool) {
	parent, rest, nested := strings.Cut(key, ".")
	v, ok := raw[parent]
	if !ok || !nested {
		return v, ok
	}
	child, isMap := v.(map[string]any)
	if !isMap {
		return nil, false
	}
	return lookup(child, rest)
}

// checkVersion accepts "v1", "1", "1.0" and other v1.x spellings.
func checkVersion(v string) (string, error) {
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	if !semver.IsValid(v) {
		return "", fmt.Errorf("invalid version %q", v)
	}
	if semver.Major(v) != semver.Major(Version) {
		return "", fmt.Errorf("unsupported version %s (expected %s)", v, Version)
	}
	return v, nil
}
