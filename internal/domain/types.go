package domain

import (
	"errors"
	"time"
)

// ErrTaskNotFound reports an id with no stored task.
var ErrTaskNotFound = errors.New("task not found")

type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusInProgress TaskStatus = "in_progress"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
	TaskStatusBlocked    TaskStatus = "blocked"
)

func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusPending, TaskStatusInProgress, TaskStatusCompleted, TaskStatusFailed, TaskStatusBlocked:
		return true
	}
	return false
}

func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusBlocked:
		return true
	}
	return false
}

// CanTransition reports whether a task may move from one status to another.
// Same-status updates are always legal (idempotent). A task never re-enters
// pending, and terminal statuses accept no further transitions.
func CanTransition(from, to TaskStatus) bool {
	if from == to {
		return true
	}
	switch from {
	case TaskStatusPending:
		return to == TaskStatusInProgress
	case TaskStatusInProgress:
		return to.Terminal()
	}
	return false
}

type TaskPriority string

const (
	TaskPriorityCritical TaskPriority = "critical"
	TaskPriorityHigh     TaskPriority = "high"
	TaskPriorityMedium   TaskPriority = "medium"
	TaskPriorityLow      TaskPriority = "low"
)

func (p TaskPriority) Valid() bool {
	switch p {
	case TaskPriorityCritical, TaskPriorityHigh, TaskPriorityMedium, TaskPriorityLow:
		return true
	}
	return false
}

// Rank orders priorities for dequeue: lower dequeues first.
func (p TaskPriority) Rank() int {
	switch p {
	case TaskPriorityCritical:
		return 0
	case TaskPriorityHigh:
		return 1
	case TaskPriorityMedium:
		return 2
	case TaskPriorityLow:
		return 3
	}
	return 2
}

// CorrectionHeader introduces the reviewer's blueprint in a retry prompt.
// Both retry paths compose with it, so the wording lives here.
const CorrectionHeader = "CORRECTION — FOLLOW RIGIDLY:\n"

// Metadata keys the engine itself writes. Task producers may store anything
// else; the engine never reads producer-supplied keys.
const (
	MetaAttempt   = "attempt"
	MetaStartedAt = "started_at"
	MetaFailedAt  = "failed_at"
	MetaLastError = "last_error"
)

type Task struct {
	ID          string         `json:"id"`
	Description string         `json:"description"`
	Priority    TaskPriority   `json:"priority"`
	Status      TaskStatus     `json:"status"`
	AgentID     string         `json:"agent_id,omitempty"`
	SquadID     string         `json:"squad_id,omitempty"`
	Seq         int64          `json:"seq"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
	Metadata    map[string]any `json:"metadata"`
}

// AgentID is the closed set of agent personas.
type AgentID string

const (
	AgentDev          AgentID = "dev"
	AgentArchitect    AgentID = "architect"
	AgentQA           AgentID = "qa"
	AgentPM           AgentID = "pm"
	AgentDevOps       AgentID = "devops"
	AgentAnalyst      AgentID = "analyst"
	AgentDataEngineer AgentID = "data-engineer"
	AgentUX           AgentID = "ux-design-expert"
)

// AllAgents lists the personas in enumeration order; the selector breaks
// score ties by this order.
var AllAgents = []AgentID{
	AgentDev,
	AgentArchitect,
	AgentQA,
	AgentPM,
	AgentDevOps,
	AgentAnalyst,
	AgentDataEngineer,
	AgentUX,
}

func (a AgentID) Valid() bool {
	for _, id := range AllAgents {
		if id == a {
			return true
		}
	}
	return false
}

type ChainKind string

const (
	ChainPlanning  ChainKind = "planning"
	ChainExecution ChainKind = "execution"
)

type Persona struct {
	ID       AgentID
	Keywords []string
	Preamble string
	Chain    ChainKind
}

// ExecutionRequest describes one run against the coding CLI.
type ExecutionRequest struct {
	Prompt string
	Files  []string
	Chain  ChainKind
}

// ExecutionResult is the executor's transient output; it is never persisted.
type ExecutionResult struct {
	Success       bool
	Output        string
	FilesModified []string
	FilesCreated  []string
	Duration      time.Duration
	ModelUsed     string
	TokensUsed    int
	Error         string
}

// ChangedFiles returns modifications and creations as one de-duplicated,
// order-preserving list.
func (r ExecutionResult) ChangedFiles() []string {
	seen := make(map[string]struct{}, len(r.FilesModified)+len(r.FilesCreated))
	out := make([]string, 0, len(r.FilesModified)+len(r.FilesCreated))
	for _, f := range append(append([]string{}, r.FilesModified...), r.FilesCreated...) {
		if _, ok := seen[f]; ok {
			continue
		}
		seen[f] = struct{}{}
		out = append(out, f)
	}
	return out
}

type ReviewVerdict struct {
	Approved          bool
	Rationale         string
	RefactorBlueprint string
}

// Bundle is one matrix work unit: a task description scoped to a file set,
// executed in an isolated workspace clone.
type Bundle struct {
	WorkerID    string
	Description string
	Files       []string
}

// WorkerReport is the per-worker record of a matrix run.
type WorkerReport struct {
	WorkerID string
	Success  bool
	Files    []string
	Error    string
}
