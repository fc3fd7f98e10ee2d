// Package queue layers task-queue semantics over the durable store:
// status transitions, metadata merging, and blocking dequeue for pollers.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"cerebro/internal/domain"
)

var (
	// ErrQueueUnavailable wraps storage failures so callers can tell an
	// unreachable queue apart from a semantic rejection.
	ErrQueueUnavailable = errors.New("queue unavailable")

	// ErrInvalidTransition is returned when a status update would violate
	// the task lifecycle.
	ErrInvalidTransition = errors.New("invalid status transition")
)

const defaultPollInterval = 10 * time.Second

// Store is the persistence surface the queue needs. *sqlite.Store satisfies it.
type Store interface {
	CreateTask(ctx context.Context, description string, priority domain.TaskPriority, agentID, squadID string, metadata map[string]any) (domain.Task, error)
	GetTask(ctx context.Context, taskID string) (domain.Task, error)
	ListTasks(ctx context.Context, status domain.TaskStatus, limit int) ([]domain.Task, error)
	ClaimNextPending(ctx context.Context, agentID string, now time.Time) (domain.Task, bool, error)
	SaveTask(ctx context.Context, task domain.Task) error
	DeleteTask(ctx context.Context, taskID string) (bool, error)
	Stats(ctx context.Context) (map[domain.TaskStatus]int, error)
}

// Queue serializes callers with a single mutex so claim/update interleavings
// stay deterministic even when the store is shared.
type Queue struct {
	store  Store
	logger *log.Logger
	now    func() time.Time

	mu     sync.Mutex
	waiter *waiter
}

// Option configures a Queue.
type Option func(*Queue)

// WithLogger sets the queue logger.
func WithLogger(l *log.Logger) Option {
	return func(q *Queue) { q.logger = l }
}

// WithClock overrides the time source. Tests use it for deterministic stamps.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// New builds a Queue on top of a store.
func New(store Store, opts ...Option) *Queue {
	q := &Queue{
		store:  store,
		now:    time.Now,
		waiter: newWaiter(),
	}
	for _, opt := range opts {
		opt(q)
	}
	if q.logger == nil {
		q.logger = log.Default()
	}
	return q
}

// Add enqueues a new pending task and wakes any blocked consumer.
func (q *Queue) Add(ctx context.Context, description string, priority domain.TaskPriority, agentID, squadID string, metadata map[string]any) (domain.Task, error) {
	if description == "" {
		return domain.Task{}, errors.New("empty task description")
	}
	if priority == "" {
		priority = domain.TaskPriorityMedium
	}
	if !priority.Valid() {
		return domain.Task{}, fmt.Errorf("unknown priority %q", priority)
	}
	if agentID != "" && !domain.AgentID(agentID).Valid() {
		return domain.Task{}, fmt.Errorf("unknown agent %q", agentID)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	task, err := q.store.CreateTask(ctx, description, priority, agentID, squadID, metadata)
	if err != nil {
		return domain.Task{}, fmt.Errorf("%w: %v", ErrQueueUnavailable, err)
	}
	q.logger.Printf("queue: added %s priority=%s agent=%q", task.ID, task.Priority, agentID)
	q.waiter.notify()
	return task, nil
}

// GetNext claims the highest-priority pending task and marks it in progress.
// When agentID is non-empty only tasks unassigned or assigned to that agent
// are eligible. The second return is false when nothing is pending.
func (q *Queue) GetNext(ctx context.Context, agentID string) (domain.Task, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	task, ok, err := q.store.ClaimNextPending(ctx, agentID, q.now())
	if err != nil {
		return domain.Task{}, false, fmt.Errorf("%w: %v", ErrQueueUnavailable, err)
	}
	if ok {
		q.logger.Printf("queue: claimed %s for agent=%q", task.ID, agentID)
	}
	return task, ok, nil
}

// NextOrWait blocks until a task can be claimed or ctx is done. It wakes on
// Add notifications and additionally re-polls every pollInterval in case an
// external writer touched the store directly.
func (q *Queue) NextOrWait(ctx context.Context, agentID string, pollInterval time.Duration) (domain.Task, error) {
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	for {
		// Register before claiming so an Add between the failed claim and
		// the wait cannot be lost.
		wake, unregister := q.waiter.register()

		task, ok, err := q.GetNext(ctx, agentID)
		if err != nil {
			unregister()
			return domain.Task{}, err
		}
		if ok {
			unregister()
			return task, nil
		}

		timer := time.NewTimer(pollInterval)
		select {
		case <-ctx.Done():
			unregister()
			timer.Stop()
			return domain.Task{}, ctx.Err()
		case <-wake:
		case <-timer.C:
		}
		unregister()
		timer.Stop()
	}
}

// UpdateStatus applies a validated lifecycle transition and merges metadata
// into the task, incoming keys winning over stored ones. Updating a task to
// its current status is a no-op apart from the metadata merge.
func (q *Queue) UpdateStatus(ctx context.Context, taskID string, status domain.TaskStatus, metadata map[string]any) (domain.Task, error) {
	if !status.Valid() {
		return domain.Task{}, fmt.Errorf("unknown status %q", status)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	task, err := q.store.GetTask(ctx, taskID)
	if err != nil {
		if errors.Is(err, domain.ErrTaskNotFound) {
			return domain.Task{}, err
		}
		return domain.Task{}, fmt.Errorf("%w: %v", ErrQueueUnavailable, err)
	}

	if !domain.CanTransition(task.Status, status) {
		return domain.Task{}, fmt.Errorf("%w: %s: %s -> %s", ErrInvalidTransition, task.ID, task.Status, status)
	}

	if task.Metadata == nil {
		task.Metadata = make(map[string]any, len(metadata))
	}
	for k, v := range metadata {
		task.Metadata[k] = v
	}

	prev := task.Status
	task.Status = status
	stamp := q.now()
	// Keep updated_at strictly monotonic per task so observers can order
	// writes even within one clock tick.
	if !stamp.After(task.UpdatedAt) {
		stamp = task.UpdatedAt.Add(time.Nanosecond)
	}
	task.UpdatedAt = stamp

	if err := q.store.SaveTask(ctx, task); err != nil {
		if errors.Is(err, domain.ErrTaskNotFound) {
			return domain.Task{}, err
		}
		return domain.Task{}, fmt.Errorf("%w: %v", ErrQueueUnavailable, err)
	}
	if prev != status {
		q.logger.Printf("queue: %s %s -> %s", task.ID, prev, status)
	}
	return task, nil
}

// Get returns a task by id.
func (q *Queue) Get(ctx context.Context, taskID string) (domain.Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	task, err := q.store.GetTask(ctx, taskID)
	if err != nil {
		if errors.Is(err, domain.ErrTaskNotFound) {
			return domain.Task{}, err
		}
		return domain.Task{}, fmt.Errorf("%w: %v", ErrQueueUnavailable, err)
	}
	return task, nil
}

// GetAll lists tasks in dequeue order, optionally filtered by status.
// A zero limit applies the store default.
func (q *Queue) GetAll(ctx context.Context, status domain.TaskStatus, limit int) ([]domain.Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	tasks, err := q.store.ListTasks(ctx, status, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrQueueUnavailable, err)
	}
	return tasks, nil
}

// Delete removes a task. It reports whether a task existed.
func (q *Queue) Delete(ctx context.Context, taskID string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	ok, err := q.store.DeleteTask(ctx, taskID)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrQueueUnavailable, err)
	}
	return ok, nil
}

// Stats returns per-status task counts, with every status present.
func (q *Queue) Stats(ctx context.Context) (map[domain.TaskStatus]int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	stats, err := q.store.Stats(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrQueueUnavailable, err)
	}
	return stats, nil
}
