package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"cerebro/internal/domain"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	id TEXT PRIMARY KEY,
	seq INTEGER NOT NULL UNIQUE,
	description TEXT NOT NULL,
	priority TEXT NOT NULL,
	status TEXT NOT NULL,
	agent_id TEXT NOT NULL DEFAULT '',
	squad_id TEXT NOT NULL DEFAULT '',
	metadata TEXT NOT NULL DEFAULT '{}',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status, created_at);

CREATE TABLE IF NOT EXISTS queue_meta (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	counter INTEGER NOT NULL DEFAULT 0,
	updated_at INTEGER NOT NULL
);
`

// priorityRank orders dequeue: critical < high < medium < low.
const priorityRank = `CASE priority
	WHEN 'critical' THEN 0
	WHEN 'high' THEN 1
	WHEN 'medium' THEN 2
	WHEN 'low' THEN 3
	ELSE 2 END`

// Store is the durable queue artifact: a monotonic counter plus the task
// collection, fully recoverable from the single database file.
type Store struct {
	db *sql.DB
}

func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, stmt := range pragmas {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set sqlite pragma %q: %w", stmt, err)
		}
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	if _, err := s.db.ExecContext(
		ctx,
		`INSERT OR IGNORE INTO queue_meta(id, counter, updated_at) VALUES(1, 0, ?)`,
		time.Now().UTC().UnixNano(),
	); err != nil {
		return fmt.Errorf("init queue meta: %w", err)
	}
	return nil
}

// CreateTask allocates the next counter value, derives the task id from it
// and inserts the pending row, all in one transaction. Either the task
// appears fully or not at all.
func (s *Store) CreateTask(
	ctx context.Context,
	description string,
	priority domain.TaskPriority,
	agentID string,
	squadID string,
	metadata map[string]any,
) (domain.Task, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, fmt.Errorf("begin tx create task: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	now := time.Now().UTC()
	if _, err := tx.ExecContext(
		ctx,
		`UPDATE queue_meta SET counter = counter + 1, updated_at = ? WHERE id = 1`,
		now.UnixNano(),
	); err != nil {
		return domain.Task{}, fmt.Errorf("advance counter: %w", err)
	}
	var seq int64
	if err := tx.QueryRowContext(ctx, `SELECT counter FROM queue_meta WHERE id = 1`).Scan(&seq); err != nil {
		return domain.Task{}, fmt.Errorf("read counter: %w", err)
	}

	task := domain.Task{
		ID:          fmt.Sprintf("TASK-%04d", seq),
		Description: description,
		Priority:    priority,
		Status:      domain.TaskStatusPending,
		AgentID:     agentID,
		SquadID:     squadID,
		Seq:         seq,
		CreatedAt:   now,
		UpdatedAt:   now,
		Metadata:    metadata,
	}
	if task.Metadata == nil {
		task.Metadata = map[string]any{}
	}
	meta, err := json.Marshal(task.Metadata)
	if err != nil {
		return domain.Task{}, fmt.Errorf("marshal metadata: %w", err)
	}

	if _, err := tx.ExecContext(
		ctx,
		`INSERT INTO tasks(id, seq, description, priority, status, agent_id, squad_id, metadata, created_at, updated_at)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		task.ID, task.Seq, task.Description, string(task.Priority), string(task.Status),
		task.AgentID, task.SquadID, string(meta), task.CreatedAt.UnixNano(), task.UpdatedAt.UnixNano(),
	); err != nil {
		return domain.Task{}, fmt.Errorf("insert task: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return domain.Task{}, fmt.Errorf("commit create task: %w", err)
	}
	return task, nil
}

const taskColumns = `id, seq, description, priority, status, agent_id, squad_id, metadata, created_at, updated_at`

func (s *Store) GetTask(ctx context.Context, taskID string) (domain.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, taskID)
	task, err := scanTask(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Task{}, domain.ErrTaskNotFound
		}
		return domain.Task{}, fmt.Errorf("get task: %w", err)
	}
	return task, nil
}

// ListTasks returns tasks ordered by (priority rank, created_at, seq).
// An empty status lists every task.
func (s *Store) ListTasks(ctx context.Context, status domain.TaskStatus, limit int) ([]domain.Task, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + taskColumns + ` FROM tasks `
	args := []any{}
	if status != "" {
		query += `WHERE status = ? `
		args = append(args, string(status))
	}
	query += `ORDER BY ` + priorityRank + ` ASC, created_at ASC, seq ASC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	result := make([]domain.Task, 0, limit)
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		result = append(result, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tasks: %w", err)
	}
	return result, nil
}

// ClaimNextPending atomically selects the pending task of minimum
// (priority rank, created_at, seq) whose agent hint is unset or matches the
// filter, and transitions it to in_progress with started_at recorded. The
// second return is false when no task is eligible.
func (s *Store) ClaimNextPending(ctx context.Context, agentID string, now time.Time) (domain.Task, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, false, fmt.Errorf("begin tx claim next: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	query := `SELECT ` + taskColumns + ` FROM tasks WHERE status = ?`
	args := []any{string(domain.TaskStatusPending)}
	if agentID != "" {
		query += ` AND (agent_id = '' OR agent_id = ?)`
		args = append(args, agentID)
	}
	query += ` ORDER BY ` + priorityRank + ` ASC, created_at ASC, seq ASC LIMIT 1`

	row := tx.QueryRowContext(ctx, query, args...)
	task, err := scanTask(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Task{}, false, nil
		}
		return domain.Task{}, false, fmt.Errorf("select next pending: %w", err)
	}

	task.Status = domain.TaskStatusInProgress
	task.UpdatedAt = now.UTC()
	if task.Metadata == nil {
		task.Metadata = map[string]any{}
	}
	task.Metadata[domain.MetaStartedAt] = now.UTC().Format(time.RFC3339Nano)

	meta, err := json.Marshal(task.Metadata)
	if err != nil {
		return domain.Task{}, false, fmt.Errorf("marshal claimed metadata: %w", err)
	}
	res, err := tx.ExecContext(
		ctx,
		`UPDATE tasks SET status = ?, metadata = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(task.Status), string(meta), task.UpdatedAt.UnixNano(), task.ID, string(domain.TaskStatusPending),
	)
	if err != nil {
		return domain.Task{}, false, fmt.Errorf("claim task: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return domain.Task{}, false, fmt.Errorf("claim affected rows: %w", err)
	}
	if affected == 0 {
		return domain.Task{}, false, nil
	}

	if _, err := tx.ExecContext(ctx, `UPDATE queue_meta SET updated_at = ? WHERE id = 1`, task.UpdatedAt.UnixNano()); err != nil {
		return domain.Task{}, false, fmt.Errorf("touch meta on claim: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, false, fmt.Errorf("commit claim: %w", err)
	}
	return task, true, nil
}

// SaveTask persists status and metadata of an existing task.
func (s *Store) SaveTask(ctx context.Context, task domain.Task) error {
	meta, err := json.Marshal(task.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx save task: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	res, err := tx.ExecContext(
		ctx,
		`UPDATE tasks SET status = ?, metadata = ?, updated_at = ? WHERE id = ?`,
		string(task.Status), string(meta), task.UpdatedAt.UnixNano(), task.ID,
	)
	if err != nil {
		return fmt.Errorf("save task: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("save affected rows: %w", err)
	}
	if affected == 0 {
		return domain.ErrTaskNotFound
	}
	if _, err := tx.ExecContext(ctx, `UPDATE queue_meta SET updated_at = ? WHERE id = 1`, task.UpdatedAt.UnixNano()); err != nil {
		return fmt.Errorf("touch meta on save: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit save task: %w", err)
	}
	return nil
}

func (s *Store) DeleteTask(ctx context.Context, taskID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, taskID)
	if err != nil {
		return false, fmt.Errorf("delete task: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete affected rows: %w", err)
	}
	return affected > 0, nil
}

func (s *Store) Stats(ctx context.Context) (map[domain.TaskStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("queue stats: %w", err)
	}
	defer rows.Close()

	stats := map[domain.TaskStatus]int{
		domain.TaskStatusPending:    0,
		domain.TaskStatusInProgress: 0,
		domain.TaskStatusCompleted:  0,
		domain.TaskStatusFailed:     0,
		domain.TaskStatusBlocked:    0,
	}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan stats: %w", err)
		}
		stats[domain.TaskStatus(status)] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stats: %w", err)
	}
	return stats, nil
}

// Meta returns the counter value and root updated_at of the queue artifact.
func (s *Store) Meta(ctx context.Context) (int64, time.Time, error) {
	var counter int64
	var updated int64
	if err := s.db.QueryRowContext(ctx, `SELECT counter, updated_at FROM queue_meta WHERE id = 1`).Scan(&counter, &updated); err != nil {
		return 0, time.Time{}, fmt.Errorf("read queue meta: %w", err)
	}
	return counter, time.Unix(0, updated).UTC(), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (domain.Task, error) {
	var t domain.Task
	var priority, status, meta string
	var created, updated int64
	if err := row.Scan(
		&t.ID, &t.Seq, &t.Description, &priority, &status,
		&t.AgentID, &t.SquadID, &meta, &created, &updated,
	); err != nil {
		return domain.Task{}, err
	}
	t.Priority = domain.TaskPriority(priority)
	t.Status = domain.TaskStatus(status)
	t.CreatedAt = time.Unix(0, created).UTC()
	t.UpdatedAt = time.Unix(0, updated).UTC()
	t.Metadata = map[string]any{}
	if meta != "" {
		if err := json.Unmarshal([]byte(meta), &t.Metadata); err != nil {
			return domain.Task{}, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	return t, nil
}
