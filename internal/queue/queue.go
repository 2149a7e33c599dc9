// Package queue is the durable priority queue of remediation tasks.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/steveyegge/overseer/internal/storage"
	"github.com/steveyegge/overseer/internal/types"
)

var (
	// ErrTaskNotFound is returned for ids that are not in the live queue.
	ErrTaskNotFound = errors.New("task not found")
	// ErrInvalidTransition is returned when a status change is not allowed.
	ErrInvalidTransition = errors.New("invalid status transition")
)

const (
	DefaultMaxSize = 100
	DefaultExpiry  = 24 * time.Hour
)

// Observer receives queue events. The metrics package implements it.
type Observer interface {
	TaskEnqueued(task *types.Task)
	TaskArchived(task *types.Task, reason types.ArchiveReason)
	QueueDepth(pending, total int)
}

// Options configures a Queue
type Options struct {
	MaxSize  int
	Expiry   time.Duration
	Logger   *slog.Logger
	Observer Observer
	// Now is used for timestamps; tests replace it.
	Now func() time.Time
}

// Queue holds live tasks in memory and mirrors every mutation to the store
// before returning. It is safe for concurrent use.
type Queue struct {
	mu      sync.Mutex
	store   storage.TaskStore
	tasks   []*types.Task
	pending int

	maxSize  int
	expiry   time.Duration
	logger   *slog.Logger
	observer Observer
	now      func() time.Time
	tracer   trace.Tracer
}

// TaskPatch describes a change to a task. An empty Status leaves the status
// alone.
type TaskPatch struct {
	Status    types.Status
	LastError string
}

// Stats summarizes the live queue
type Stats struct {
	Total      int                    `json:"total"`
	ByStatus   map[types.Status]int   `json:"by_status"`
	ByPriority map[types.Priority]int `json:"by_priority"`
	MaxSize    int                    `json:"max_size"`
}

// New loads the live tasks from store. Tasks already terminal in the store are
// archived on load.
func New(ctx context.Context, store storage.TaskStore, opts Options) (*Queue, error) {
	if store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if opts.MaxSize <= 0 {
		opts.MaxSize = DefaultMaxSize
	}
	if opts.Expiry <= 0 {
		opts.Expiry = DefaultExpiry
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	q := &Queue{
		store:    store,
		maxSize:  opts.MaxSize,
		expiry:   opts.Expiry,
		logger:   opts.Logger.With("component", "queue"),
		observer: opts.Observer,
		now:      opts.Now,
		tracer:   otel.Tracer("github.com/steveyegge/overseer/internal/queue"),
	}

	loaded, err := store.LoadTasks(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load tasks: %w", err)
	}

	var stale []types.ArchivedTask
	at := q.timestamp()
	for _, task := range loaded {
		if task == nil {
			continue
		}
		if task.Status.IsTerminal() {
			stale = append(stale, types.ArchivedTask{Task: *task, ArchivedAt: at, ArchiveReason: reasonFor(task.Status)})
			continue
		}
		if err := task.Validate(); err != nil {
			q.logger.Warn("skipping invalid task in store", "task_id", task.ID, "error", err)
			continue
		}
		q.tasks = append(q.tasks, task)
		if task.Status == types.StatusPending {
			q.pending++
		}
	}
	if len(stale) > 0 {
		if err := q.persist(ctx, stale); err != nil {
			return nil, err
		}
	}
	q.reportDepth()
	return q, nil
}

func (q *Queue) timestamp() time.Time {
	return q.now().UTC()
}

// Enqueue creates a pending task from in and persists it. If the queue grows
// past its bound the oldest task in the lowest non-empty priority tier is
// archived as dropped, which may be the new task itself.
func (q *Queue) Enqueue(ctx context.Context, in types.CreateTaskInput) (*types.Task, error) {
	ctx, span := q.tracer.Start(ctx, "queue.enqueue", trace.WithAttributes(
		attribute.String("task.priority", string(in.Priority)),
		attribute.String("task.anomaly_type", string(in.AnomalyType)),
	))
	defer span.End()

	if err := in.Validate(); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("invalid task: %w", err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.timestamp()
	task := &types.Task{
		ID:             types.NewTaskID(now),
		CreatedAt:      now,
		UpdatedAt:      now,
		Priority:       in.Priority,
		Source:         in.Source,
		AnomalyType:    in.AnomalyType,
		Prompt:         in.Prompt,
		SuggestedAgent: in.SuggestedAgent,
		Context:        in.Context,
		Status:         types.StatusPending,
		DedupKey:       in.DedupKey,
	}

	prevTasks, prevPending := q.snapshot()
	q.tasks = append(q.tasks, task)
	q.pending++

	var dropped []types.ArchivedTask
	for len(q.tasks) > q.maxSize {
		victim := q.overflowVictim()
		q.remove(victim)
		dropped = append(dropped, types.ArchivedTask{Task: *victim, ArchivedAt: now, ArchiveReason: types.ArchiveDropped})
	}

	if err := q.persist(ctx, dropped); err != nil {
		q.tasks, q.pending = prevTasks, prevPending
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	span.SetAttributes(attribute.String("task.id", task.ID))
	q.logger.Info("task enqueued",
		"task_id", task.ID,
		"priority", task.Priority,
		"anomaly_type", task.AnomalyType,
		"source", task.Source)
	if q.observer != nil {
		q.observer.TaskEnqueued(task)
	}
	for i := range dropped {
		q.logger.Warn("queue over capacity, task dropped",
			"task_id", dropped[i].ID,
			"priority", dropped[i].Priority,
			"max_size", q.maxSize)
		if q.observer != nil {
			q.observer.TaskArchived(&dropped[i].Task, types.ArchiveDropped)
		}
	}
	q.reportDepth()
	return task.Clone(), nil
}

// NextTask returns a copy of the highest-priority pending task, oldest first
// within a tier, or nil when nothing is pending. It does not change the task.
func (q *Queue) NextTask() *types.Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	var best *types.Task
	for _, task := range q.tasks {
		if task.Status != types.StatusPending {
			continue
		}
		if best == nil || task.Priority.Before(best.Priority) {
			best = task
		}
	}
	return best.Clone()
}

// UpdateTask applies patch to the task with id. Entering executing increments
// attempts. Completed and failed tasks leave the live queue for the archive.
func (q *Queue) UpdateTask(ctx context.Context, id string, patch TaskPatch) (*types.Task, error) {
	ctx, span := q.tracer.Start(ctx, "queue.update_task", trace.WithAttributes(
		attribute.String("task.id", id),
		attribute.String("task.status", string(patch.Status)),
	))
	defer span.End()

	q.mu.Lock()
	defer q.mu.Unlock()

	idx := q.indexOf(id)
	if idx < 0 {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	current := q.tasks[idx]
	if patch.Status != "" && !current.Status.CanTransitionTo(patch.Status) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current.Status, patch.Status)
	}

	prevTasks, prevPending := q.snapshot()
	updated := current.Clone()
	now := q.timestamp()
	updated.UpdatedAt = now
	if patch.LastError != "" {
		updated.LastError = patch.LastError
	}

	var archived []types.ArchivedTask
	if patch.Status != "" {
		if current.Status == types.StatusPending {
			q.pending--
		}
		updated.Status = patch.Status
		switch patch.Status {
		case types.StatusPending:
			q.pending++
		case types.StatusExecuting:
			updated.Attempts++
		}
	}

	if updated.Status.IsTerminal() {
		q.tasks = append(q.tasks[:idx:idx], q.tasks[idx+1:]...)
		archived = append(archived, types.ArchivedTask{Task: *updated, ArchivedAt: now, ArchiveReason: reasonFor(updated.Status)})
	} else {
		q.tasks[idx] = updated
	}

	if err := q.persist(ctx, archived); err != nil {
		q.tasks, q.pending = prevTasks, prevPending
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	q.logger.Info("task updated",
		"task_id", id,
		"status", updated.Status,
		"attempts", updated.Attempts)
	if len(archived) > 0 && q.observer != nil {
		q.observer.TaskArchived(updated, archived[0].ArchiveReason)
	}
	q.reportDepth()
	return updated.Clone(), nil
}

// PendingCount returns the number of pending tasks
func (q *Queue) PendingCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending
}

// Len returns the number of live tasks
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

// ExpireStale archives every live task created longer than the expiry ago.
// It returns the number of tasks archived.
func (q *Queue) ExpireStale(ctx context.Context, now time.Time) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	cutoff := now.Add(-q.expiry)
	prevTasks, prevPending := q.snapshot()

	var expired []types.ArchivedTask
	kept := q.tasks[:0:0]
	for _, task := range q.tasks {
		if task.CreatedAt.Before(cutoff) {
			if task.Status == types.StatusPending {
				q.pending--
			}
			expired = append(expired, types.ArchivedTask{Task: *task, ArchivedAt: now.UTC(), ArchiveReason: types.ArchiveExpired})
			continue
		}
		kept = append(kept, task)
	}
	if len(expired) == 0 {
		return 0, nil
	}
	q.tasks = kept

	if err := q.persist(ctx, expired); err != nil {
		q.tasks, q.pending = prevTasks, prevPending
		return 0, err
	}

	q.logger.Info("expired stale tasks", "count", len(expired), "expiry", q.expiry)
	if q.observer != nil {
		for i := range expired {
			q.observer.TaskArchived(&expired[i].Task, types.ArchiveExpired)
		}
	}
	q.reportDepth()
	return len(expired), nil
}

// List returns copies of the live tasks in priority order, oldest first
// within a tier.
func (q *Queue) List() []*types.Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]*types.Task, 0, len(q.tasks))
	for _, p := range types.Priorities {
		for _, task := range q.tasks {
			if task.Priority == p {
				out = append(out, task.Clone())
			}
		}
	}
	return out
}

// Get returns a copy of the live task with id
func (q *Queue) Get(id string) (*types.Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	idx := q.indexOf(id)
	if idx < 0 {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	return q.tasks[idx].Clone(), nil
}

// HasOpen reports whether a live task carries dedupKey. An empty key never
// matches.
func (q *Queue) HasOpen(dedupKey string) bool {
	if dedupKey == "" {
		return false
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, task := range q.tasks {
		if task.DedupKey == dedupKey && task.IsOpen() {
			return true
		}
	}
	return false
}

// Stats counts live tasks by status and priority
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	s := Stats{
		Total:      len(q.tasks),
		ByStatus:   make(map[types.Status]int),
		ByPriority: make(map[types.Priority]int),
		MaxSize:    q.maxSize,
	}
	for _, task := range q.tasks {
		s.ByStatus[task.Status]++
		s.ByPriority[task.Priority]++
	}
	return s
}

// Archived returns every archived task, oldest archive first.
func (q *Queue) Archived(ctx context.Context) ([]types.ArchivedTask, error) {
	return q.store.LoadArchive(ctx)
}

// overflowVictim picks the oldest task in the lowest non-empty priority tier,
// preferring pending over executing tasks. Callers hold q.mu.
func (q *Queue) overflowVictim() *types.Task {
	for i := len(types.Priorities) - 1; i >= 0; i-- {
		tier := types.Priorities[i]
		var executing *types.Task
		for _, task := range q.tasks {
			if task.Priority != tier {
				continue
			}
			if task.Status == types.StatusPending {
				return task
			}
			if executing == nil {
				executing = task
			}
		}
		if executing != nil {
			return executing
		}
	}
	return q.tasks[0]
}

func (q *Queue) remove(victim *types.Task) {
	for i, task := range q.tasks {
		if task == victim {
			q.tasks = append(q.tasks[:i:i], q.tasks[i+1:]...)
			if victim.Status == types.StatusPending {
				q.pending--
			}
			return
		}
	}
}

func (q *Queue) indexOf(id string) int {
	for i, task := range q.tasks {
		if task.ID == id {
			return i
		}
	}
	return -1
}

// snapshot returns state to restore if persistence fails. The slice is a fresh
// copy; mutations always replace elements rather than editing them in place.
func (q *Queue) snapshot() ([]*types.Task, int) {
	tasks := make([]*types.Task, len(q.tasks))
	copy(tasks, q.tasks)
	return tasks, q.pending
}

// persist archives first, then rewrites the live set. A crash in between
// leaves the task in both places rather than in neither.
func (q *Queue) persist(ctx context.Context, archived []types.ArchivedTask) error {
	if len(archived) > 0 {
		if err := q.store.AppendArchive(ctx, archived); err != nil {
			return fmt.Errorf("failed to archive tasks: %w", err)
		}
	}
	if err := q.store.SaveTasks(ctx, q.tasks); err != nil {
		return fmt.Errorf("failed to save tasks: %w", err)
	}
	return nil
}

func (q *Queue) reportDepth() {
	if q.observer != nil {
		q.observer.QueueDepth(q.pending, len(q.tasks))
	}
}

func reasonFor(s types.Status) types.ArchiveReason {
	if s == types.StatusFailed {
		return types.ArchiveFailed
	}
	return types.ArchiveCompleted
}
