package config

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/steveyegge/overseer/internal/storage"
)

// field binds one dotted document key to a Config field. set validates the
// value and leaves c untouched on error.
type field struct {
	key string
	set func(c *Config, v any) error
}

var fields = []field{
	{"version", func(c *Config, v any) error {
		s, err := asString(v)
		if err != nil {
			return err
		}
		version, err := checkVersion(s)
		if err != nil {
			return err
		}
		c.Version = version
		return nil
	}},
	boolField("enabled", func(c *Config) *bool { return &c.Enabled }),
	boolField("monitors.logs", func(c *Config) *bool { return &c.Monitors.Logs }),
	boolField("monitors.tests", func(c *Config) *bool { return &c.Monitors.Tests }),
	boolField("monitors.git", func(c *Config) *bool { return &c.Monitors.Git }),
	intField("loop_detection_threshold", 2, 100, func(c *Config) *int { return &c.LoopDetectionThreshold }),
	intField("stuck_timeout_seconds", 10, 86400, func(c *Config) *int { return &c.StuckTimeoutSeconds }),
	intField("task_expiry_hours", 1, 720, func(c *Config) *int { return &c.TaskExpiryHours }),
	intField("max_queue_size", 1, 10000, func(c *Config) *int { return &c.MaxQueueSize }),
	boolField("use_llm_analysis", func(c *Config) *bool { return &c.UseLLMAnalysis }),
	{"llm_confidence_threshold", func(c *Config, v any) error {
		f, err := asFloat(v)
		if err != nil {
			return err
		}
		if f < 0 || f > 1 {
			return fmt.Errorf("must be between 0.0 and 1.0, got %v", f)
		}
		c.LLMConfidenceThreshold = f
		return nil
	}},
	stringField("event_log_path", false, nil, func(c *Config) *string { return &c.EventLogPath }),
	stringField("agent_log_path", true, nil, func(c *Config) *string { return &c.AgentLogPath }),
	stringField("test_command", false, nil, func(c *Config) *string { return &c.TestCommand }),
	intField("poll_interval_ms", 10, 60000, func(c *Config) *int { return &c.PollIntervalMS }),
	boolField("use_fsnotify", func(c *Config) *bool { return &c.UseFSNotify }),
	stringField("store_backend", false, []string{string(storage.BackendJSON), string(storage.BackendSQLite)},
		func(c *Config) *string { return &c.StoreBackend }),
	stringField("metrics_addr", true, nil, func(c *Config) *string { return &c.MetricsAddr }),
	intField("git_poll_interval_seconds", 0, 86400, func(c *Config) *int { return &c.GitPollIntervalSeconds }),
	stringField("notifications", false, []string{NotifyLog, NotifyDesktop, NotifyNone},
		func(c *Config) *string { return &c.Notifications }),
}

func boolField(key string, ptr func(*Config) *bool) field {
	return field{key, func(c *Config, v any) error {
		b, err := asBool(v)
		if err != nil {
			return err
		}
		*ptr(c) = b
		return nil
	}}
}

func intField(key string, lo, hi int, ptr func(*Config) *int) field {
	return field{key, func(c *Config, v any) error {
		n, err := asInt(v)
		if err != nil {
			return err
		}
		if n < lo || n > hi {
			return fmt.Errorf("must be between %d and %d, got %d", lo, hi, n)
		}
		*ptr(c) = n
		return nil
	}}
}

func stringField(key string, allowEmpty bool, allowed []string, ptr func(*Config) *string) field {
	return field{key, func(c *Config, v any) error {
		s, err := asString(v)
		if err != nil {
			return err
		}
		s = strings.TrimSpace(s)
		if s == "" && !allowEmpty {
			return fmt.Errorf("must not be empty")
		}
		if len(allowed) > 0 {
			s = strings.ToLower(s)
			ok := false
			for _, a := range allowed {
				if s == a {
					ok = true
					break
				}
			}
			if !ok {
				return fmt.Errorf("invalid value %q (must be one of %s)", s, strings.Join(allowed, ", "))
			}
		}
		*ptr(c) = s
		return nil
	}}
}

// parseBool parses the boolean spellings accepted in env vars and YAML.
func parseBool(val string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(val)) {
	case "true", "1", "yes", "on":
		return true, nil
	case "false", "0", "no", "off":
		return false, nil
	default:
		return false, fmt.Errorf("invalid boolean %q", val)
	}
}

func asBool(v any) (bool, error) {
	switch t := v.(type) {
	case bool:
		return t, nil
	case string:
		return parseBool(t)
	default:
		return false, fmt.Errorf("expected boolean, got %T", v)
	}
}

func asInt(v any) (int, error) {
	switch t := v.(type) {
	case int:
		return t, nil
	case int64:
		return int(t), nil
	case uint64:
		if t > math.MaxInt32 {
			return 0, fmt.Errorf("value %d out of range", t)
		}
		return int(t), nil
	case float64:
		if t != math.Trunc(t) {
			return 0, fmt.Errorf("expected integer, got %v", t)
		}
		return int(t), nil
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(t))
		if err != nil {
			return 0, fmt.Errorf("expected integer, got %q", t)
		}
		return n, nil
	default:
		return 0, fmt.Errorf("expected integer, got %T", v)
	}
}

func asFloat(v any) (float64, error) {
	switch t := v.(type) {
	case float64:
		return t, nil
	case int:
		return float64(t), nil
	case int64:
		return float64(t), nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return 0, fmt.Errorf("expected number, got %q", t)
		}
		return f, nil
	default:
		return 0, fmt.Errorf("expected number, got %T", v)
	}
}

func asString(v any) (string, error) {
	switch t := v.(type) {
	case string:
		return t, nil
	case int, int64, float64:
		return fmt.Sprint(t), nil
	default:
		return "", fmt.Errorf("expected string, got %T", v)
	}
}
