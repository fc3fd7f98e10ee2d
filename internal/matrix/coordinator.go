// Package matrix fans one project out into isolated workspace clones, runs a
// full execute/review pipeline per task bundle in parallel, and integrates
// the surviving edits back into the canonical tree.
package matrix

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"cerebro/internal/domain"
	"cerebro/internal/review"
	"cerebro/internal/workspace"
)

const (
	matrixDirName = ".matrix_workspaces"
	workerLogName = "REVIEW_SQUAD_LOGS.md"
)

// Executor runs a prompt inside one clone.
type Executor interface {
	Execute(ctx context.Context, req domain.ExecutionRequest) (domain.ExecutionResult, error)
}

// Reviewer judges a worker's output.
type Reviewer interface {
	Review(ctx context.Context, taskID, description, output string, files []string) domain.ReviewVerdict
}

// Notifier pushes operator messages; failures are logged and swallowed.
type Notifier interface {
	Notify(ctx context.Context, message string) error
}

// Config tunes the coordinator.
type Config struct {
	// Root is the canonical project tree.
	Root string
	// MatrixDir holds the worker clones. Defaults to Root/.matrix_workspaces.
	MatrixDir string
	// MaxRetries bounds the execute/review cycles per worker.
	MaxRetries int
}

func (c Config) withDefaults() Config {
	if c.MatrixDir == "" {
		c.MatrixDir = filepath.Join(c.Root, matrixDirName)
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	return c
}

// Coordinator spawns one worker per bundle.
type Coordinator struct {
	cfg         Config
	cloner      workspace.Cloner
	newExecutor func(workdir string) Executor
	newReviewer func(lw *review.LogWriter) Reviewer
	notifier    Notifier
	reviewLog   *review.LogWriter
	logger      *log.Logger

	// jitter and sleep are swappable so tests run without wall-clock delays.
	jitter func() time.Duration
	sleep  func(ctx context.Context, d time.Duration)
}

// New builds a Coordinator. newExecutor and newReviewer construct the
// clone-scoped pipeline for each worker; reviewLog is the canonical review
// log that worker excerpts merge into (may be nil). notifier may be nil.
func New(
	cfg Config,
	cloner workspace.Cloner,
	newExecutor func(workdir string) Executor,
	newReviewer func(lw *review.LogWriter) Reviewer,
	notifier Notifier,
	reviewLog *review.LogWriter,
	logger *log.Logger,
) *Coordinator {
	if logger == nil {
		logger = log.Default()
	}
	return &Coordinator{
		cfg:         cfg.withDefaults(),
		cloner:      cloner,
		newExecutor: newExecutor,
		newReviewer: newReviewer,
		notifier:    notifier,
		reviewLog:   reviewLog,
		logger:      logger,
		jitter: func() time.Duration {
			return 500*time.Millisecond + time.Duration(rand.Int63n(int64(2500*time.Millisecond)))
		},
		sleep: func(ctx context.Context, d time.Duration) {
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-ctx.Done():
			case <-t.C:
			}
		},
	}
}

// RunParallel executes all bundles concurrently and returns exactly one
// report per bundle, in bundle order. A worker failure never propagates as
// an error; it is recorded in that worker's report.
func (c *Coordinator) RunParallel(ctx context.Context, bundles []domain.Bundle) []domain.WorkerReport {
	runID := uuid.NewString()[:8]
	c.logger.Printf("matrix: run %s starting with %d bundles", runID, len(bundles))
	c.notify(ctx, fmt.Sprintf("Matrix run %s: dispatching %d parallel workers", runID, len(bundles)))

	reports := make([]domain.WorkerReport, len(bundles))
	var wg sync.WaitGroup
	for i, b := range bundles {
		wg.Add(1)
		go func(i int, b domain.Bundle) {
			defer wg.Done()
			reports[i] = c.runWorker(ctx, b)
		}(i, b)
	}
	wg.Wait()

	integrated := 0
	for _, r := range reports {
		if r.Success {
			integrated++
		}
	}
	c.notify(ctx, fmt.Sprintf("Matrix run %s: final sync complete, %d/%d workers integrated", runID, integrated, len(bundles)))
	return reports
}

func (c *Coordinator) runWorker(ctx context.Context, b domain.Bundle) domain.WorkerReport {
	report := domain.WorkerReport{WorkerID: b.WorkerID}

	// Staggered start keeps N simultaneous tree copies from thrashing disk.
	c.sleep(ctx, c.jitter())
	if ctx.Err() != nil {
		report.Error = ctx.Err().Error()
		return report
	}

	workdir := filepath.Join(c.cfg.MatrixDir, "worker_"+b.WorkerID)
	c.logger.Printf("matrix: %s cloning into %s", b.WorkerID, workdir)

	if err := workspace.RemoveWithRetry(workdir, c.logger); err != nil {
		report.Error = fmt.Sprintf("clean workspace: %v", err)
		return report
	}
	if err := c.cloner.Clone(c.cfg.Root, workdir); err != nil {
		report.Error = fmt.Sprintf("clone workspace: %v", err)
		return report
	}

	workerLog := review.NewLogWriter(filepath.Join(workdir, workerLogName), c.logger)
	executor := c.newExecutor(workdir)
	reviewer := c.newReviewer(workerLog)

	changed, lastSuccess, runErr := c.runPipeline(ctx, b, workdir, executor, reviewer)
	workerLog.Close()

	if !lastSuccess && len(changed) == 0 {
		if runErr == "" {
			runErr = "execution produced no changes"
		}
		report.Error = runErr
		return report
	}

	c.logger.Printf("matrix: %s syncing %d files", b.WorkerID, len(changed))
	for _, f := range changed {
		if err := workspace.SyncFile(workdir, c.cfg.Root, f); err != nil {
			c.logger.Printf("matrix: %s sync %s: %v", b.WorkerID, f, err)
		}
	}
	c.mergeWorkerLog(b.WorkerID, filepath.Join(workdir, workerLogName))

	c.notify(ctx, fmt.Sprintf("Matrix: worker %s integrated %d files", b.WorkerID, len(changed)))
	report.Success = true
	report.Files = changed
	return report
}

// runPipeline is the per-clone execute/review loop. It returns the union of
// files changed across attempts, whether the last execution succeeded, and
// the last error text.
func (c *Coordinator) runPipeline(ctx context.Context, b domain.Bundle, workdir string, executor Executor, reviewer Reviewer) ([]string, bool, string) {
	changed := make(map[string]struct{})
	prompt := b.Description
	lastSuccess := false
	lastError := ""

	for attempt := 1; attempt <= c.cfg.MaxRetries; attempt++ {
		if ctx.Err() != nil {
			return sortedKeys(changed), lastSuccess, ctx.Err().Error()
		}
		c.logger.Printf("matrix: %s attempt %d/%d", b.WorkerID, attempt, c.cfg.MaxRetries)

		res, err := executor.Execute(ctx, domain.ExecutionRequest{
			Prompt: prompt,
			Files:  b.Files,
			Chain:  domain.ChainExecution,
		})
		if err != nil {
			lastError = err.Error()
			break
		}
		lastSuccess = res.Success

		current := res.ChangedFiles()
		if res.Success && len(current) == 0 {
			// The CLI applied work without reporting files; fall back to the
			// bundle scope that actually exists in the clone.
			for _, f := range b.Files {
				if _, statErr := os.Stat(filepath.Join(workdir, f)); statErr == nil {
					current = append(current, f)
				}
			}
		}
		if !res.Success && len(current) == 0 {
			lastError = res.Error
			break
		}
		for _, f := range current {
			changed[f] = struct{}{}
		}

		verdict := reviewer.Review(ctx, "worker_"+b.WorkerID, b.Description, res.Output, current)
		if verdict.Approved {
			c.logger.Printf("matrix: %s approved on attempt %d", b.WorkerID, attempt)
			break
		}
		lastError = "review rejected: " + verdict.Rationale
		prompt = b.Description + "\n\n" + domain.CorrectionHeader + verdict.RefactorBlueprint
	}

	return sortedKeys(changed), lastSuccess, lastError
}

// mergeWorkerLog appends the clone's review log to the canonical one under a
// worker delimiter. Rotation is handled by the canonical writer.
func (c *Coordinator) mergeWorkerLog(workerID, path string) {
	if c.reviewLog == nil {
		return
	}
	raw, err := os.ReadFile(path)
	if err != nil || len(strings.TrimSpace(string(raw))) == 0 {
		return
	}
	c.reviewLog.Append(fmt.Sprintf("\n\n--- WORKER %s SYNC ---\n%s", workerID, raw))
}

func (c *Coordinator) notify(ctx context.Context, message string) {
	if c.notifier == nil {
		return
	}
	if err := c.notifier.Notify(ctx, message); err != nil {
		c.logger.Printf("matrix: notify failed: %v", err)
	}
}

func sortedKeys(set map[string]struct{}) []string {
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
