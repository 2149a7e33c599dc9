// Package notify provides fire-and-forget user notifications.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"runtime"
	"strings"
	"time"
)

// Urgency levels
type Urgency string

const (
	UrgencyLow      Urgency = "low"
	UrgencyNormal   Urgency = "normal"
	UrgencyCritical Urgency = "critical"
)

// Notification is one message for the user.
type Notification struct {
	Title   string
	Message string
	Urgency Urgency
}

// Notifier delivers notifications. Notify must not block or panic past its
// boundary; Guard enforces the latter for arbitrary implementations.
type Notifier interface {
	Notify(n Notification)
}

// New returns the notifier for kind ("log", "desktop" or "none"). Unknown
// kinds fall back to logging.
func New(kind string, logger *slog.Logger) Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "notify")
	switch kind {
	case "none":
		return Nop{}
	case "desktop":
		return Guard(NewDesktop(logger), logger)
	default:
		return Guard(&Log{logger: logger}, logger)
	}
}

// Nop discards notifications.
type Nop struct{}

func (Nop) Notify(Notification) {}

// Log writes notifications to a structured logger.
type Log struct {
	logger *slog.Logger
}

// NewLog creates a logging notifier
func NewLog(logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{logger: logger}
}

func (l *Log) Notify(n Notification) {
	level := slog.LevelInfo
	switch n.Urgency {
	case UrgencyCritical:
		level = slog.LevelError
	case UrgencyNormal:
		level = slog.LevelWarn
	}
	l.logger.Log(context.Background(), level, n.Title, "message", n.Message, "urgency", string(n.Urgency))
}

// guarded recovers panics from the wrapped notifier.
type guarded struct {
	inner  Notifier
	logger *slog.Logger
}

// Guard wraps n so a panicking implementation is logged instead of
// crashing the caller.
func Guard(n Notifier, logger *slog.Logger) Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &guarded{inner: n, logger: logger}
}

func (g *guarded) Notify(n Notification) {
	defer func() {
		if r := recover(); r != nil {
			g.logger.Error("notifier panicked", "title", n.Title, "panic", fmt.Sprint(r))
		}
	}()
	g.inner.Notify(n)
}

// CommandRunner runs a notification command. Tests replace it.
type CommandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

const desktopTimeout = 10 * time.Second

// Desktop shows OS notifications via osascript on macOS and notify-send
// elsewhere. Delivery runs on its own goroutine.
type Desktop struct {
	goos   string
	run    CommandRunner
	logger *slog.Logger
	// done, when set, receives the delivery error. Tests use it to wait.
	done chan<- error
}

// NewDesktop creates a desktop notifier for the current OS.
func NewDesktop(logger *slog.Logger) *Desktop {
	if logger == nil {
		logger = slog.Default()
	}
	return &Desktop{goos: runtime.GOOS, run: execRunner, logger: logger}
}

func (d *Desktop) Notify(n Notification) {
	name, args := d.command(n)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), desktopTimeout)
		defer cancel()
		var err error
		if out, runErr := d.run(ctx, name, args...); runErr != nil {
			err = fmt.Errorf("%s: %w: %s", name, runErr, strings.TrimSpace(string(out)))
			d.logger.Warn("desktop notification failed", "title", n.Title, "error", err)
		}
		if d.done != nil {
			d.done <- err
		}
	}()
}

// command builds the platform notification command.
func (d *Desktop) command(n Notification) (string, []string) {
	if d.goos == "darwin" {
		script := fmt.Sprintf(`display notification "%s" with title "%s"`,
			escapeAppleScript(n.Message), escapeAppleScript(n.Title))
		if n.Urgency == UrgencyCritical {
			script += ` sound name "default"`
		}
		return "osascript", []string{"-e", script}
	}
	urgency := n.Urgency
	if urgency == "" {
		urgency = UrgencyNormal
	}
	return "notify-send", []string{"--urgency=" + string(urgency), "--app-name=overseer", n.Title, n.Message}
}

func escapeAppleScript(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return s
}
