package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"cerebro/internal/domain"
)

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "queue.db")
	store, err := Open(path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := store.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return store, path
}

func TestCreateTaskAllocatesSequentialIDs(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)
	defer store.Close()

	first, err := store.CreateTask(ctx, "first", domain.TaskPriorityMedium, "", "", nil)
	if err != nil {
		t.Fatalf("create first: %v", err)
	}
	second, err := store.CreateTask(ctx, "second", domain.TaskPriorityMedium, "", "", nil)
	if err != nil {
		t.Fatalf("create second: %v", err)
	}

	if first.ID != "TASK-0001" || second.ID != "TASK-0002" {
		t.Fatalf("unexpected ids: %s, %s", first.ID, second.ID)
	}
	if second.Seq != first.Seq+1 {
		t.Fatalf("seq not monotonic: %d then %d", first.Seq, second.Seq)
	}
	if first.Status != domain.TaskStatusPending {
		t.Fatalf("new task status = %s", first.Status)
	}
}

func TestCounterSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	store, path := newTestStore(t)

	if _, err := store.CreateTask(ctx, "before close", domain.TaskPriorityLow, "", "", nil); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	if err := reopened.Migrate(ctx); err != nil {
		t.Fatalf("migrate reopened: %v", err)
	}

	got, err := reopened.GetTask(ctx, "TASK-0001")
	if err != nil {
		t.Fatalf("get after reopen: %v", err)
	}
	if got.Description != "before close" {
		t.Fatalf("description lost across reopen: %q", got.Description)
	}

	next, err := reopened.CreateTask(ctx, "after reopen", domain.TaskPriorityLow, "", "", nil)
	if err != nil {
		t.Fatalf("create after reopen: %v", err)
	}
	if next.ID != "TASK-0002" {
		t.Fatalf("counter restarted: got %s", next.ID)
	}
}

func TestClaimOrderFollowsPriorityThenArrival(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)
	defer store.Close()

	for _, tc := range []struct {
		desc     string
		priority domain.TaskPriority
	}{
		{"medium task", domain.TaskPriorityMedium},
		{"low task", domain.TaskPriorityLow},
		{"critical task", domain.TaskPriorityCritical},
		{"first high", domain.TaskPriorityHigh},
		{"second high", domain.TaskPriorityHigh},
	} {
		if _, err := store.CreateTask(ctx, tc.desc, tc.priority, "", "", nil); err != nil {
			t.Fatalf("create %q: %v", tc.desc, err)
		}
	}

	want := []string{"critical task", "first high", "second high", "medium task", "low task"}
	for i, expected := range want {
		task, ok, err := store.ClaimNextPending(ctx, "", time.Now())
		if err != nil {
			t.Fatalf("claim %d: %v", i, err)
		}
		if !ok {
			t.Fatalf("claim %d: queue empty", i)
		}
		if task.Description != expected {
			t.Fatalf("claim %d: got %q want %q", i, task.Description, expected)
		}
		if task.Status != domain.TaskStatusInProgress {
			t.Fatalf("claimed task status = %s", task.Status)
		}
		if _, ok := task.Metadata[domain.MetaStartedAt]; !ok {
			t.Fatalf("claimed task missing started_at metadata")
		}
	}

	if _, ok, err := store.ClaimNextPending(ctx, "", time.Now()); err != nil || ok {
		t.Fatalf("expected empty queue, ok=%v err=%v", ok, err)
	}
}

func TestClaimRespectsAgentFilter(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)
	defer store.Close()

	if _, err := store.CreateTask(ctx, "for qa", domain.TaskPriorityCritical, "qa", "", nil); err != nil {
		t.Fatalf("create qa task: %v", err)
	}
	if _, err := store.CreateTask(ctx, "for anyone", domain.TaskPriorityLow, "", "", nil); err != nil {
		t.Fatalf("create open task: %v", err)
	}

	task, ok, err := store.ClaimNextPending(ctx, "dev", time.Now())
	if err != nil {
		t.Fatalf("claim as dev: %v", err)
	}
	if !ok || task.Description != "for anyone" {
		t.Fatalf("dev should skip the qa task, got ok=%v task=%q", ok, task.Description)
	}

	task, ok, err = store.ClaimNextPending(ctx, "qa", time.Now())
	if err != nil {
		t.Fatalf("claim as qa: %v", err)
	}
	if !ok || task.Description != "for qa" {
		t.Fatalf("qa should claim its own task, got ok=%v task=%q", ok, task.Description)
	}
}

func TestSaveTaskRoundTrip(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)
	defer store.Close()

	task, err := store.CreateTask(ctx, "roundtrip", domain.TaskPriorityHigh, "", "squad-a", nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	task.Status = domain.TaskStatusCompleted
	task.Metadata[domain.MetaAttempt] = 2
	task.UpdatedAt = time.Now().UTC().Add(time.Second)
	if err := store.SaveTask(ctx, task); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := store.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != domain.TaskStatusCompleted {
		t.Fatalf("status = %s", got.Status)
	}
	if got.SquadID != "squad-a" {
		t.Fatalf("squad = %q", got.SquadID)
	}
	// JSON round-trips numbers as float64.
	if v, ok := got.Metadata[domain.MetaAttempt].(float64); !ok || v != 2 {
		t.Fatalf("attempt metadata = %#v", got.Metadata[domain.MetaAttempt])
	}
	if !got.UpdatedAt.After(got.CreatedAt) {
		t.Fatalf("updated_at not advanced: %v vs %v", got.UpdatedAt, got.CreatedAt)
	}
}

func TestSaveTaskUnknownID(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)
	defer store.Close()

	err := store.SaveTask(ctx, domain.Task{ID: "TASK-9999", Status: domain.TaskStatusFailed})
	if !errors.Is(err, domain.ErrTaskNotFound) {
		t.Fatalf("expected ErrTaskNotFound, got %v", err)
	}
	if _, err := store.GetTask(ctx, "TASK-9999"); !errors.Is(err, domain.ErrTaskNotFound) {
		t.Fatalf("expected ErrTaskNotFound on get, got %v", err)
	}
}

func TestDeleteTask(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)
	defer store.Close()

	task, err := store.CreateTask(ctx, "delete me", domain.TaskPriorityMedium, "", "", nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	ok, err := store.DeleteTask(ctx, task.ID)
	if err != nil || !ok {
		t.Fatalf("delete: ok=%v err=%v", ok, err)
	}
	ok, err = store.DeleteTask(ctx, task.ID)
	if err != nil || ok {
		t.Fatalf("second delete should be a no-op: ok=%v err=%v", ok, err)
	}
}

func TestStatsCoverAllStatuses(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)
	defer store.Close()

	stats, err := store.Stats(ctx)
	if err != nil {
		t.Fatalf("stats on empty store: %v", err)
	}
	for _, status := range []domain.TaskStatus{
		domain.TaskStatusPending, domain.TaskStatusInProgress,
		domain.TaskStatusCompleted, domain.TaskStatusFailed, domain.TaskStatusBlocked,
	} {
		if n, ok := stats[status]; !ok || n != 0 {
			t.Fatalf("status %s: n=%d ok=%v", status, n, ok)
		}
	}

	if _, err := store.CreateTask(ctx, "one", domain.TaskPriorityMedium, "", "", nil); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, _, err := store.ClaimNextPending(ctx, "", time.Now()); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := store.CreateTask(ctx, "two", domain.TaskPriorityMedium, "", "", nil); err != nil {
		t.Fatalf("create: %v", err)
	}

	stats, err = store.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats[domain.TaskStatusPending] != 1 || stats[domain.TaskStatusInProgress] != 1 {
		t.Fatalf("unexpected stats: %#v", stats)
	}
}

func TestListTasksFilterAndOrder(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)
	defer store.Close()

	if _, err := store.CreateTask(ctx, "low", domain.TaskPriorityLow, "", "", nil); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := store.CreateTask(ctx, "critical", domain.TaskPriorityCritical, "", "", nil); err != nil {
		t.Fatalf("create: %v", err)
	}

	tasks, err := store.ListTasks(ctx, "", 0)
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(tasks) != 2 || tasks[0].Description != "critical" {
		t.Fatalf("unexpected order: %+v", tasks)
	}

	tasks, err = store.ListTasks(ctx, domain.TaskStatusCompleted, 0)
	if err != nil {
		t.Fatalf("list completed: %v", err)
	}
	if len(tasks) != 0 {
		t.Fatalf("expected no completed tasks, got %d", len(tasks))
	}
}
