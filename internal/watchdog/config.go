package watchdog

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/steveyegge/overseer/internal/config"
	"github.com/steveyegge/overseer/internal/git"
	"github.com/steveyegge/overseer/internal/health"
	"github.com/steveyegge/overseer/internal/metrics"
	"github.com/steveyegge/overseer/internal/notify"
	"github.com/steveyegge/overseer/internal/storage"
)

const (
	// DefaultExpiryInterval is how often stale tasks are archived.
	DefaultExpiryInterval = time.Minute
	markerFileName        = "watcher.pid"
	controlFileName       = "control.sock"
)

// Options holds the dependencies of a Watcher. Only ProjectDir is required;
// every other field has a production default.
type Options struct {
	// ProjectDir is the root of the supervised project. The state directory
	// lives beneath it.
	ProjectDir string

	// Config overrides the config file in the state directory.
	Config *config.Config

	Logger *slog.Logger

	// Checker probes the owner of an existing liveness marker.
	Checker storage.ProcessLivenessChecker

	// TestRunner runs the health check command (default ShellTestRunner).
	TestRunner TestRunner

	// Detector backs the advisory analyzer. When nil and use_llm_analysis is
	// set, an Anthropic-backed ai.Supervisor is created.
	Detector PatternDetector
	// Model is recorded on advisory tasks when Detector is supplied.
	Model string

	// Notifier defaults to the kind named by the notifications setting.
	Notifier notify.Notifier

	// GitOps defaults to the git and gh CLIs.
	GitOps git.Operations

	Metrics *metrics.Recorder

	// ExpiryInterval is how often ExpireStale runs.
	ExpiryInterval time.Duration
	// Debounce is the health analysis debounce interval.
	Debounce time.Duration
	// AdvisoryInterval is the minimum time between advisory calls.
	AdvisoryInterval time.Duration

	// Now is used for analysis and queue timestamps; tests replace it.
	Now func() time.Time

	// Version is written into the liveness marker.
	Version string

	// DisableControl skips the control socket.
	DisableControl bool
}

func (o *Options) validate() error {
	if o.ProjectDir == "" {
		return fmt.Errorf("project_dir is required")
	}
	if o.Config != nil {
		if err := o.Config.Validate(); err != nil {
			return fmt.Errorf("invalid config: %w", err)
		}
	}
	return nil
}

func (o *Options) withDefaults() {
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Checker == nil {
		o.Checker = storage.SignalLivenessChecker{}
	}
	if o.TestRunner == nil {
		o.TestRunner = ShellTestRunner{}
	}
	if o.Metrics == nil {
		o.Metrics = metrics.NewRecorder()
	}
	if o.ExpiryInterval <= 0 {
		o.ExpiryInterval = DefaultExpiryInterval
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Version == "" {
		o.Version = "dev"
	}
}

// StateDir returns the state directory for a project.
func StateDir(projectDir string) string {
	return filepath.Join(projectDir, config.StateDirName)
}

// MarkerPath returns the liveness marker path for a project.
func MarkerPath(projectDir string) string {
	return filepath.Join(StateDir(projectDir), markerFileName)
}

// ControlSocketPath returns the control socket path for a project.
func ControlSocketPath(projectDir string) string {
	return filepath.Join(StateDir(projectDir), controlFileName)
}

// Thresholds translates the config into analyzer thresholds.
func Thresholds(cfg *config.Config) health.Thresholds {
	th := health.DefaultThresholds(cfg.StuckTimeout())
	if cfg.LoopDetectionThreshold > 0 {
		th.LoopRepeats = cfg.LoopDetectionThreshold
	}
	return th
}

// resolvePath makes a config path absolute relative to the project.
func resolvePath(projectDir, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(projectDir, p)
}
