package types

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Task is a unit of remediation work produced by detection and consumed by an
// external executor.
type Task struct {
	ID             string      `json:"id"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
	Priority       Priority    `json:"priority"`
	Source         Source      `json:"source"`
	AnomalyType    AnomalyType `json:"anomaly_type"`
	Prompt         string      `json:"prompt"`
	SuggestedAgent string      `json:"suggested_agent,omitempty"`
	Context        TaskContext `json:"context,omitempty"`
	Status         Status      `json:"status"`
	Attempts       int         `json:"attempts"`
	LastError      string      `json:"last_error,omitempty"`
	// DedupKey identifies the underlying problem so monitors can avoid
	// enqueueing it twice while a task for it is still open.
	DedupKey string `json:"dedup_key,omitempty"`
}

// Validate checks if the task has valid field values
func (t *Task) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("id is required")
	}
	if !t.Priority.IsValid() {
		return fmt.Errorf("invalid priority: %s", t.Priority)
	}
	if !t.Source.IsValid() {
		return fmt.Errorf("invalid source: %s", t.Source)
	}
	if !t.AnomalyType.IsValid() {
		return fmt.Errorf("invalid anomaly type: %s", t.AnomalyType)
	}
	if !t.Status.IsValid() {
		return fmt.Errorf("invalid status: %s", t.Status)
	}
	if strings.TrimSpace(t.Prompt) == "" {
		return fmt.Errorf("prompt is required")
	}
	if t.Attempts < 0 {
		return fmt.Errorf("attempts cannot be negative")
	}
	if t.Context != nil && t.Context.AnomalyType() != t.AnomalyType {
		return fmt.Errorf("context variant %s does not match anomaly type %s",
			t.Context.AnomalyType(), t.AnomalyType)
	}
	return nil
}

// IsOpen reports whether the task has not reached a terminal status yet.
func (t *Task) IsOpen() bool {
	return !t.Status.IsTerminal()
}

// Clone returns a deep copy of the task, context variant included.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	c := *t
	c.Context = CloneContext(t.Context)
	return &c
}

// NewTaskID returns a time-sortable id: the UTC creation instant followed by
// a random suffix.
func NewTaskID(createdAt time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return createdAt.UTC().Format("20060102T150405.000000000") + "-" + suffix
}

// CreateTaskInput is what detectors hand to the queue. The queue assigns the
// id, timestamps and initial status.
type CreateTaskInput struct {
	Priority       Priority
	Source         Source
	AnomalyType    AnomalyType
	Prompt         string
	SuggestedAgent string
	Context        TaskContext
	DedupKey       string
}

// Validate checks the input before a task is built from it
func (in CreateTaskInput) Validate() error {
	if !in.Priority.IsValid() {
		return fmt.Errorf("invalid priority: %s", in.Priority)
	}
	if !in.Source.IsValid() {
		return fmt.Errorf("invalid source: %s", in.Source)
	}
	if !in.AnomalyType.IsValid() {
		return fmt.Errorf("invalid anomaly type: %s", in.AnomalyType)
	}
	if strings.TrimSpace(in.Prompt) == "" {
		return fmt.Errorf("prompt is required")
	}
	if in.Context != nil && in.Context.AnomalyType() != in.AnomalyType {
		return fmt.Errorf("context variant %s does not match anomaly type %s",
			in.Context.AnomalyType(), in.AnomalyType)
	}
	return nil
}

// Priority orders tasks. Critical is served first.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityLow      Priority = "low"
)

// Priorities lists every priority from most to least urgent.
var Priorities = []Priority{PriorityCritical, PriorityHigh, PriorityMedium, PriorityLow}

// IsValid checks if the priority value is valid
func (p Priority) IsValid() bool {
	return p.Rank() >= 0
}

// Rank returns 0 for critical through 3 for low, or -1 for unknown values.
func (p Priority) Rank() int {
	switch p {
	case PriorityCritical:
		return 0
	case PriorityHigh:
		return 1
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 3
	default:
		return -1
	}
}

// Before reports whether p is served ahead of other.
func (p Priority) Before(other Priority) bool {
	return p.Rank() < other.Rank()
}

// ParsePriority converts a user supplied string into a Priority
func ParsePriority(s string) (Priority, error) {
	p := Priority(strings.ToLower(strings.TrimSpace(s)))
	if !p.IsValid() {
		return "", fmt.Errorf("invalid priority %q (must be critical, high, medium, or low)", s)
	}
	return p, nil
}

// Source names the component that produced a task.
type Source string

const (
	SourceLogMonitor       Source = "log-monitor"
	SourceTestMonitor      Source = "test-monitor"
	SourceGitMonitor       Source = "git-monitor"
	SourceHealthAnalyzer   Source = "health-analyzer"
	SourceAdvisoryAnalyzer Source = "advisory-analyzer"
	SourceManual           Source = "manual"
)

// IsValid checks if the source value is valid
func (s Source) IsValid() bool {
	switch s {
	case SourceLogMonitor, SourceTestMonitor, SourceGitMonitor,
		SourceHealthAnalyzer, SourceAdvisoryAnalyzer, SourceManual:
		return true
	}
	return false
}

// Status represents the lifecycle state of a task
type Status string

const (
	StatusPending   Status = "pending"
	StatusExecuting Status = "executing"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// IsValid checks if the status value is valid
func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusExecuting, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// IsTerminal reports whether no further transitions are allowed.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanTransitionTo reports whether moving from s to next is allowed.
// A task that is executing may be handed back to pending for a retry.
func (s Status) CanTransitionTo(next Status) bool {
	switch s {
	case StatusPending:
		return next == StatusExecuting
	case StatusExecuting:
		return next == StatusCompleted || next == StatusFailed || next == StatusPending
	default:
		return false
	}
}

// ArchiveReason records why a task left the live queue.
type ArchiveReason string

const (
	ArchiveCompleted ArchiveReason = "completed"
	ArchiveFailed    ArchiveReason = "failed"
	ArchiveExpired   ArchiveReason = "expired"
	ArchiveDropped   ArchiveReason = "dropped"
)

// ArchivedTask is a task moved out of the live queue. Archived tasks are
// never deleted.
type ArchivedTask struct {
	Task
	ArchivedAt    time.Time     `json:"archived_at"`
	ArchiveReason ArchiveReason `json:"archive_reason"`
}
