// Package orchestrator runs the task-processing loop: claim a pending task,
// execute it through the coding CLI, pass the output to the review squad,
// and retry with the reviewer's blueprint until approval or the attempt
// budget runs out.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"cerebro/internal/domain"
)

// State reflects what the processing loop is doing.
type State string

const (
	StateIdle       State = "idle"
	StateProcessing State = "processing"
	StatePaused     State = "paused"
	StateError      State = "error"
)

// Queue is the task-queue surface the controller needs.
type Queue interface {
	NextOrWait(ctx context.Context, agentID string, pollInterval time.Duration) (domain.Task, error)
	UpdateStatus(ctx context.Context, taskID string, status domain.TaskStatus, metadata map[string]any) (domain.Task, error)
	Get(ctx context.Context, taskID string) (domain.Task, error)
	Stats(ctx context.Context) (map[domain.TaskStatus]int, error)
}

// Selector picks the persona for a task description.
type Selector interface {
	Select(description string, hint domain.AgentID) domain.Persona
}

// Executor runs a prompt through the coding CLI.
type Executor interface {
	Execute(ctx context.Context, req domain.ExecutionRequest) (domain.ExecutionResult, error)
}

// Reviewer judges executor output.
type Reviewer interface {
	Review(ctx context.Context, taskID, description, output string, files []string) domain.ReviewVerdict
}

// Notifier pushes operator messages. Failures are logged and swallowed.
type Notifier interface {
	Notify(ctx context.Context, message string) error
}

// Config tunes the processing loop.
type Config struct {
	MaxRetries   int
	RetryDelay   time.Duration
	PollInterval time.Duration
	ExecTimeout  time.Duration

	// AgentFilter restricts claims to tasks unassigned or assigned to this
	// agent. Empty claims anything.
	AgentFilter string
}

func (c Config) withDefaults() Config {
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 30 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 10 * time.Second
	}
	if c.ExecTimeout <= 0 {
		c.ExecTimeout = 8 * time.Minute
	}
	return c
}

// Stats counts loop activity since start.
type Stats struct {
	TasksProcessed int       `json:"tasks_processed"`
	TasksCompleted int       `json:"tasks_completed"`
	TasksFailed    int       `json:"tasks_failed"`
	StartedAt      time.Time `json:"started_at"`
}

// Status is a point-in-time snapshot for operators.
type Status struct {
	State       State                     `json:"state"`
	Running     bool                      `json:"running"`
	CurrentTask string                    `json:"current_task,omitempty"`
	Stats       Stats                     `json:"stats"`
	QueueStats  map[domain.TaskStatus]int `json:"queue_stats,omitempty"`
}

// Service is the retry controller.
type Service struct {
	queue    Queue
	selector Selector
	executor Executor
	reviewer Reviewer
	notifier Notifier
	cfg      Config
	logger   *log.Logger

	// sleep waits for d or until ctx is done. Tests replace it.
	sleep func(ctx context.Context, d time.Duration)
	now   func() time.Time

	mu      sync.Mutex
	state   State
	running bool
	cancel  context.CancelFunc
	current string
	stats   Stats
}

// New builds a Service. notifier may be nil.
func New(queue Queue, selector Selector, executor Executor, reviewer Reviewer, notifier Notifier, cfg Config, logger *log.Logger) *Service {
	if logger == nil {
		logger = log.Default()
	}
	return &Service{
		queue:    queue,
		selector: selector,
		executor: executor,
		reviewer: reviewer,
		notifier: notifier,
		cfg:      cfg.withDefaults(),
		logger:   logger,
		sleep:    sleepCtx,
		now:      time.Now,
		state:    StateIdle,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// Run processes tasks until ctx is done or Stop is called.
func (s *Service) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.New("orchestrator already running")
	}
	s.running = true
	s.cancel = cancel
	s.state = StateIdle
	s.stats = Stats{StartedAt: s.now()}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.running = false
		s.cancel = nil
		s.state = StatePaused
		s.current = ""
		s.mu.Unlock()
	}()

	s.logger.Printf("orchestrator: online, agent filter=%q", s.cfg.AgentFilter)
	s.notify(ctx, "Cerebro orchestrator online, processing tasks")

	for {
		s.setState(StateIdle, "")
		task, err := s.queue.NextOrWait(ctx, s.cfg.AgentFilter, s.cfg.PollInterval)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			s.setState(StateError, "")
			s.logger.Printf("orchestrator: dequeue failed: %v", err)
			s.sleep(ctx, s.cfg.PollInterval)
			continue
		}

		s.mu.Lock()
		s.stats.TasksProcessed++
		s.mu.Unlock()

		s.setState(StateProcessing, task.ID)
		s.ProcessTask(ctx, task, nil)
	}

	s.logger.Printf("orchestrator: loop stopped")
	s.notify(context.WithoutCancel(ctx), "Cerebro orchestrator stopped")
	return nil
}

// Stop asks a running loop to exit after the in-flight task.
func (s *Service) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Status snapshots the loop and queue counters.
func (s *Service) Status(ctx context.Context) Status {
	s.mu.Lock()
	st := Status{
		State:       s.state,
		Running:     s.running,
		CurrentTask: s.current,
		Stats:       s.stats,
	}
	s.mu.Unlock()

	if qs, err := s.queue.Stats(ctx); err == nil {
		st.QueueStats = qs
	}
	return st
}

// ProcessTask runs the full attempt/review cycle for one claimed task.
// scopedFiles, when non-empty, restricts the CLI to those paths. It returns
// true when the task ended COMPLETED.
func (s *Service) ProcessTask(ctx context.Context, task domain.Task, scopedFiles []string) bool {
	persona := s.selector.Select(task.Description, domain.AgentID(task.AgentID))
	s.logger.Printf("orchestrator: %s routed to agent %s", task.ID, persona.ID)

	blueprint := ""
	lastError := "no attempt made"

	for attempt := 1; attempt <= s.cfg.MaxRetries; attempt++ {
		if ctx.Err() != nil {
			s.logger.Printf("orchestrator: %s interrupted before attempt %d", task.ID, attempt)
			return false
		}

		_, err := s.queue.UpdateStatus(ctx, task.ID, domain.TaskStatusInProgress, map[string]any{
			domain.MetaAttempt:   attempt,
			domain.MetaStartedAt: s.now().UTC().Format(time.RFC3339Nano),
		})
		if err != nil {
			// An operator forcing a terminal status mid-flight ends the task.
			s.logger.Printf("orchestrator: %s attempt %d not started: %v", task.ID, attempt, err)
			return false
		}

		s.logger.Printf("orchestrator: %s attempt %d/%d (agent=%s chain=%s)", task.ID, attempt, s.cfg.MaxRetries, persona.ID, persona.Chain)

		prompt := composePrompt(persona, task, blueprint)

		execCtx, cancel := context.WithTimeout(ctx, s.cfg.ExecTimeout+30*time.Second)
		result, err := s.executor.Execute(execCtx, domain.ExecutionRequest{
			Prompt: prompt,
			Files:  scopedFiles,
			Chain:  persona.Chain,
		})
		cancel()

		if err != nil {
			if ctx.Err() != nil {
				s.logger.Printf("orchestrator: %s interrupted during attempt %d", task.ID, attempt)
				return false
			}
			lastError = err.Error()
			s.logger.Printf("orchestrator: %s attempt %d executor error: %v", task.ID, attempt, err)
			if attempt < s.cfg.MaxRetries {
				s.sleep(ctx, s.cfg.RetryDelay)
			}
			continue
		}

		if !result.Success {
			lastError = result.Error
			// Transport-level failures restart clean; the blueprint only
			// applies to the output the reviewer actually rejected.
			blueprint = ""
			s.logger.Printf("orchestrator: %s attempt %d execution failed: %s", task.ID, attempt, result.Error)
			if attempt < s.cfg.MaxRetries {
				s.sleep(ctx, s.cfg.RetryDelay)
			}
			continue
		}

		files := result.ChangedFiles()
		verdict := s.reviewer.Review(ctx, task.ID, task.Description, result.Output, files)
		if verdict.Approved {
			if !s.writeTerminal(ctx, task.ID, domain.TaskStatusCompleted, nil) {
				return false
			}
			s.mu.Lock()
			s.stats.TasksCompleted++
			s.mu.Unlock()
			s.logger.Printf("orchestrator: %s approved on attempt %d (model=%s files=%d)", task.ID, attempt, result.ModelUsed, len(files))
			s.notify(ctx, fmt.Sprintf("Task %s completed and approved (attempt %d/%d)", task.ID, attempt, s.cfg.MaxRetries))
			return true
		}

		blueprint = verdict.RefactorBlueprint
		lastError = "review rejected: " + verdict.Rationale
		s.logger.Printf("orchestrator: %s rejected on attempt %d: %s", task.ID, attempt, verdict.Rationale)
	}

	if !s.writeTerminal(ctx, task.ID, domain.TaskStatusFailed, map[string]any{
		domain.MetaFailedAt:  s.now().UTC().Format(time.RFC3339Nano),
		domain.MetaLastError: lastError,
	}) {
		return false
	}
	s.mu.Lock()
	s.stats.TasksFailed++
	s.mu.Unlock()
	s.logger.Printf("orchestrator: %s failed after %d attempts: %s", task.ID, s.cfg.MaxRetries, lastError)
	s.notify(ctx, fmt.Sprintf("Task %s failed after %d attempts", task.ID, s.cfg.MaxRetries))
	return false
}

// composePrompt assembles the persona preamble, the task body, and, on a
// post-rejection retry, the reviewer's blueprint under a correction header.
func composePrompt(persona domain.Persona, task domain.Task, blueprint string) string {
	prompt := persona.Preamble + "\n\n" + task.Description
	if blueprint != "" {
		prompt += "\n\n" + domain.CorrectionHeader + blueprint
	}
	return prompt
}

// writeTerminal records a terminal status unless an operator already forced
// one, in which case the operator's word stands.
func (s *Service) writeTerminal(ctx context.Context, taskID string, status domain.TaskStatus, metadata map[string]any) bool {
	if cur, err := s.queue.Get(ctx, taskID); err == nil && cur.Status.Terminal() {
		s.logger.Printf("orchestrator: %s already %s, keeping operator status", taskID, cur.Status)
		return false
	}
	if _, err := s.queue.UpdateStatus(ctx, taskID, status, metadata); err != nil {
		s.logger.Printf("orchestrator: %s terminal write %s failed: %v", taskID, status, err)
		return false
	}
	return true
}

func (s *Service) setState(state State, current string) {
	s.mu.Lock()
	s.state = state
	s.current = current
	s.mu.Unlock()
}

func (s *Service) notify(ctx context.Context, message string) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.Notify(ctx, message); err != nil {
		s.logger.Printf("orchestrator: notify failed: %v", err)
	}
}
