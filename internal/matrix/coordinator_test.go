package matrix

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"cerebro/internal/domain"
	"cerebro/internal/review"
	"cerebro/internal/workspace"
)

type scriptedExecutor struct {
	mu      sync.Mutex
	prompts []string
	run     func(attempt int, req domain.ExecutionRequest) (domain.ExecutionResult, error)
}

func (e *scriptedExecutor) Execute(_ context.Context, req domain.ExecutionRequest) (domain.ExecutionResult, error) {
	e.mu.Lock()
	e.prompts = append(e.prompts, req.Prompt)
	n := len(e.prompts)
	e.mu.Unlock()
	return e.run(n, req)
}

type scriptedReviewer struct {
	lw       *review.LogWriter
	mu       sync.Mutex
	calls    int
	verdicts []domain.ReviewVerdict
}

func (r *scriptedReviewer) Review(_ context.Context, taskID, _, _ string, _ []string) domain.ReviewVerdict {
	r.mu.Lock()
	r.calls++
	n := r.calls
	r.mu.Unlock()
	if r.lw != nil {
		r.lw.Append(fmt.Sprintf("reviewed %s call %d", taskID, n))
	}
	if n <= len(r.verdicts) {
		return r.verdicts[n-1]
	}
	return r.verdicts[len(r.verdicts)-1]
}

func quiet(c *Coordinator) *Coordinator {
	c.jitter = func() time.Duration { return 0 }
	c.sleep = func(context.Context, time.Duration) {}
	return c
}

func seedRoot(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "main.go"), []byte("package main\n"), 0o644); err != nil {
		t.Fatalf("seed root: %v", err)
	}
	return root
}

// workerID recovers the bundle ID from a clone path like .../worker_w1.
func workerID(workdir string) string {
	return strings.TrimPrefix(filepath.Base(workdir), "worker_")
}

func TestRunParallelIntegratesWorkers(t *testing.T) {
	root := seedRoot(t)
	canonical := filepath.Join(t.TempDir(), "REVIEW_SQUAD_LOGS.md")
	reviewLog := review.NewLogWriter(canonical, nil)

	newExecutor := func(workdir string) Executor {
		return &scriptedExecutor{run: func(_ int, _ domain.ExecutionRequest) (domain.ExecutionResult, error) {
			name := workerID(workdir) + ".txt"
			if err := os.WriteFile(filepath.Join(workdir, name), []byte("edit by "+name), 0o644); err != nil {
				return domain.ExecutionResult{}, err
			}
			return domain.ExecutionResult{Success: true, Output: "done", FilesCreated: []string{name}}, nil
		}}
	}
	newReviewer := func(lw *review.LogWriter) Reviewer {
		return &scriptedReviewer{lw: lw, verdicts: []domain.ReviewVerdict{{Approved: true, Rationale: "clean"}}}
	}

	c := quiet(New(Config{Root: root}, workspace.NewDirCloner(nil), newExecutor, newReviewer, nil, reviewLog, nil))
	bundles := []domain.Bundle{
		{WorkerID: "w1", Description: "write w1 file", Files: []string{"w1.txt"}},
		{WorkerID: "w2", Description: "write w2 file", Files: []string{"w2.txt"}},
	}
	reports := c.RunParallel(context.Background(), bundles)
	reviewLog.Close()

	if len(reports) != 2 {
		t.Fatalf("len(reports) = %d", len(reports))
	}
	for i, want := range []string{"w1", "w2"} {
		if reports[i].WorkerID != want || !reports[i].Success {
			t.Fatalf("report %d = %+v", i, reports[i])
		}
		if len(reports[i].Files) != 1 || reports[i].Files[0] != want+".txt" {
			t.Fatalf("report %d files = %v", i, reports[i].Files)
		}
	}

	for _, name := range []string{"w1.txt", "w2.txt"} {
		data, err := os.ReadFile(filepath.Join(root, name))
		if err != nil {
			t.Fatalf("synced file %s missing: %v", name, err)
		}
		if !strings.HasPrefix(string(data), "edit by ") {
			t.Fatalf("synced file %s content = %q", name, data)
		}
	}

	merged, err := os.ReadFile(canonical)
	if err != nil {
		t.Fatalf("canonical log missing: %v", err)
	}
	for _, id := range []string{"w1", "w2"} {
		if !strings.Contains(string(merged), "--- WORKER "+id+" SYNC ---") {
			t.Fatalf("canonical log missing delimiter for %s:\n%s", id, merged)
		}
		if !strings.Contains(string(merged), "reviewed worker_"+id) {
			t.Fatalf("canonical log missing %s excerpt:\n%s", id, merged)
		}
	}
}

type failingCloner struct {
	failFor string
	inner   workspace.Cloner
}

func (c *failingCloner) Clone(src, dst string) error {
	if strings.HasSuffix(dst, "worker_"+c.failFor) {
		return fmt.Errorf("disk full")
	}
	return c.inner.Clone(src, dst)
}

func TestRunParallelCloneFailureDoesNotAbortOthers(t *testing.T) {
	root := seedRoot(t)
	cloner := &failingCloner{failFor: "bad", inner: workspace.NewDirCloner(nil)}

	newExecutor := func(workdir string) Executor {
		return &scriptedExecutor{run: func(_ int, _ domain.ExecutionRequest) (domain.ExecutionResult, error) {
			name := workerID(workdir) + ".txt"
			if err := os.WriteFile(filepath.Join(workdir, name), []byte("ok"), 0o644); err != nil {
				return domain.ExecutionResult{}, err
			}
			return domain.ExecutionResult{Success: true, FilesCreated: []string{name}}, nil
		}}
	}
	newReviewer := func(lw *review.LogWriter) Reviewer {
		return &scriptedReviewer{lw: lw, verdicts: []domain.ReviewVerdict{{Approved: true}}}
	}

	c := quiet(New(Config{Root: root}, cloner, newExecutor, newReviewer, nil, nil, nil))
	reports := c.RunParallel(context.Background(), []domain.Bundle{
		{WorkerID: "bad", Description: "doomed", Files: []string{"bad.txt"}},
		{WorkerID: "good", Description: "fine", Files: []string{"good.txt"}},
	})

	if reports[0].Success || !strings.Contains(reports[0].Error, "clone workspace") {
		t.Fatalf("bad report = %+v", reports[0])
	}
	if !reports[1].Success {
		t.Fatalf("good report = %+v", reports[1])
	}
	if _, err := os.Stat(filepath.Join(root, "good.txt")); err != nil {
		t.Fatalf("good worker not integrated: %v", err)
	}
}

func TestRunPipelineRejectionFeedsBlueprintBack(t *testing.T) {
	root := seedRoot(t)
	var exec *scriptedExecutor
	newExecutor := func(workdir string) Executor {
		exec = &scriptedExecutor{run: func(_ int, _ domain.ExecutionRequest) (domain.ExecutionResult, error) {
			name := workerID(workdir) + ".txt"
			if err := os.WriteFile(filepath.Join(workdir, name), []byte("ok"), 0o644); err != nil {
				return domain.ExecutionResult{}, err
			}
			return domain.ExecutionResult{Success: true, Output: "attempt", FilesCreated: []string{name}}, nil
		}}
		return exec
	}
	newReviewer := func(lw *review.LogWriter) Reviewer {
		return &scriptedReviewer{lw: lw, verdicts: []domain.ReviewVerdict{
			{Approved: false, Rationale: "too terse", RefactorBlueprint: "expand the handler"},
			{Approved: true},
		}}
	}

	c := quiet(New(Config{Root: root}, workspace.NewDirCloner(nil), newExecutor, newReviewer, nil, nil, nil))
	reports := c.RunParallel(context.Background(), []domain.Bundle{
		{WorkerID: "w1", Description: "refactor handler", Files: []string{"w1.txt"}},
	})

	if !reports[0].Success {
		t.Fatalf("report = %+v", reports[0])
	}
	if len(exec.prompts) != 2 {
		t.Fatalf("executor calls = %d", len(exec.prompts))
	}
	if exec.prompts[0] != "refactor handler" {
		t.Fatalf("first prompt = %q", exec.prompts[0])
	}
	want := "refactor handler\n\nCORRECTION — FOLLOW RIGIDLY:\nexpand the handler"
	if exec.prompts[1] != want {
		t.Fatalf("retry prompt = %q", exec.prompts[1])
	}
}

func TestRunWorkerBackfillsBundleScope(t *testing.T) {
	root := seedRoot(t)
	if err := os.WriteFile(filepath.Join(root, "scoped.go"), []byte("package scoped\n"), 0o644); err != nil {
		t.Fatalf("seed scoped file: %v", err)
	}

	newExecutor := func(workdir string) Executor {
		// The CLI applied edits but reported no file list.
		return &scriptedExecutor{run: func(_ int, _ domain.ExecutionRequest) (domain.ExecutionResult, error) {
			return domain.ExecutionResult{Success: true, Output: "edited in place"}, nil
		}}
	}
	newReviewer := func(lw *review.LogWriter) Reviewer {
		return &scriptedReviewer{lw: lw, verdicts: []domain.ReviewVerdict{{Approved: true}}}
	}

	c := quiet(New(Config{Root: root}, workspace.NewDirCloner(nil), newExecutor, newReviewer, nil, nil, nil))
	reports := c.RunParallel(context.Background(), []domain.Bundle{
		{WorkerID: "w1", Description: "tweak scoped.go", Files: []string{"scoped.go", "absent.go"}},
	})

	if !reports[0].Success {
		t.Fatalf("report = %+v", reports[0])
	}
	if len(reports[0].Files) != 1 || reports[0].Files[0] != "scoped.go" {
		t.Fatalf("backfilled files = %v", reports[0].Files)
	}
}

func TestRunWorkerFailsWhenNothingChanged(t *testing.T) {
	root := seedRoot(t)
	newExecutor := func(string) Executor {
		return &scriptedExecutor{run: func(_ int, _ domain.ExecutionRequest) (domain.ExecutionResult, error) {
			return domain.ExecutionResult{Success: false, Error: "chain_exhausted"}, nil
		}}
	}
	newReviewer := func(lw *review.LogWriter) Reviewer {
		return &scriptedReviewer{lw: lw, verdicts: []domain.ReviewVerdict{{Approved: true}}}
	}

	c := quiet(New(Config{Root: root}, workspace.NewDirCloner(nil), newExecutor, newReviewer, nil, nil, nil))
	reports := c.RunParallel(context.Background(), []domain.Bundle{
		{WorkerID: "w1", Description: "hopeless", Files: nil},
	})

	if reports[0].Success {
		t.Fatalf("report = %+v", reports[0])
	}
	if reports[0].Error != "chain_exhausted" {
		t.Fatalf("report error = %q", reports[0].Error)
	}
}
