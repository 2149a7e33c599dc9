package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"syscall"
	"time"
)

// ErrAlreadyRunning is returned when a live process holds the liveness marker.
var ErrAlreadyRunning = errors.New("another watcher is already running")

// LivenessMarker is the file format a running watcher uses to claim a project.
type LivenessMarker struct {
	PID       int       `json:"pid"`
	Hostname  string    `json:"hostname"`
	StartedAt time.Time `json:"started_at"`
	Version   string    `json:"version"`
}

// ProcessLivenessChecker probes whether a recorded process is still running.
type ProcessLivenessChecker interface {
	IsAlive(pid int, hostname string) bool
}

// SignalLivenessChecker probes local processes with signal 0. Processes on
// other hosts cannot be probed and are reported alive.
type SignalLivenessChecker struct{}

func (SignalLivenessChecker) IsAlive(pid int, hostname string) bool {
	return isProcessAlive(pid, hostname)
}

// ReadLivenessMarker returns the marker at path, or nil if there is none.
func ReadLivenessMarker(path string) (*LivenessMarker, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read liveness marker: %w", err)
	}
	var m LivenessMarker
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse liveness marker: %w", err)
	}
	return &m, nil
}

// AcquireLivenessMarker claims path for the current process. A marker left by
// a dead process, or one that cannot be parsed, is removed first. If the
// recorded process is alive the returned error wraps ErrAlreadyRunning.
func AcquireLivenessMarker(path, version string, checker ProcessLivenessChecker) (*LivenessMarker, error) {
	if checker == nil {
		checker = SignalLivenessChecker{}
	}

	existing, err := ReadLivenessMarker(path)
	switch {
	case err != nil:
		// Corrupt marker: nobody can prove ownership, treat as stale.
		if rmErr := os.Remove(path); rmErr != nil && !os.IsNotExist(rmErr) {
			return nil, fmt.Errorf("failed to remove unreadable liveness marker: %w", rmErr)
		}
	case existing != nil:
		if checker.IsAlive(existing.PID, existing.Hostname) {
			return existing, fmt.Errorf("%w (PID %d on %s, started %s)", ErrAlreadyRunning,
				existing.PID, existing.Hostname, existing.StartedAt.Format(time.RFC3339))
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to remove stale liveness marker: %w", err)
		}
	}

	hostname, err := os.Hostname()
	if err != nil {
		return nil, fmt.Errorf("failed to get hostname: %w", err)
	}
	marker := &LivenessMarker{
		PID:       os.Getpid(),
		Hostname:  hostname,
		StartedAt: time.Now().UTC(),
		Version:   version,
	}
	data, err := json.MarshalIndent(marker, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal liveness marker: %w", err)
	}

	// O_EXCL closes the window between the stale check and the write.
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if errors.Is(err, os.ErrExist) {
		return nil, fmt.Errorf("%w (marker appeared at %s)", ErrAlreadyRunning, path)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create liveness marker: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return nil, fmt.Errorf("failed to write liveness marker: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return nil, fmt.Errorf("failed to sync liveness marker: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("failed to close liveness marker: %w", err)
	}
	return marker, nil
}

// ReleaseLivenessMarker removes the marker if it belongs to this process.
func ReleaseLivenessMarker(path string) error {
	if path == "" {
		return nil
	}
	m, err := ReadLivenessMarker(path)
	if err == nil && m != nil && m.PID != os.Getpid() {
		return nil
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove liveness marker: %w", err)
	}
	return nil
}

func isProcessAlive(pid int, hostname string) bool {
	if pid <= 0 {
		return false
	}
	currentHost, err := os.Hostname()
	if err != nil {
		return true
	}
	if hostname != "" && !strings.EqualFold(hostname, currentHost) {
		return true
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = process.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	// EPERM: the process exists but belongs to someone else.
	return errors.Is(err, syscall.EPERM)
}
