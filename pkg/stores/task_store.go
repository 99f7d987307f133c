package stores

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/logfleet/logfleet/pkg/lifecycle"
)

// CreateTask inserts the task and one PENDING row per step in a single transaction.
func (s *SQLiteStore) CreateTask(ctx context.Context, task *Task, steps []lifecycle.Step) error {
	now := time.Now().UTC()
	task.CreatedAt, task.UpdatedAt = now, now
	if task.Status == "" {
		task.Status = TaskStatusPending
	}

	tx, err := s.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = s.RollbackTx(tx) }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO tasks (id, instance_id, process_id, operation, status, error, started_at, completed_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		task.ID,
		task.InstanceID,
		task.ProcessID,
		task.Operation,
		task.Status,
		task.Error,
		task.StartedAt,
		task.CompletedAt,
		task.CreatedAt,
		task.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}

	for i, step := range steps {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO task_steps (task_id, instance_id, step, position, status, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`, task.ID, task.InstanceID, step, i, lifecycle.StepStatusPending, now)
		if err != nil {
			return fmt.Errorf("failed to create step %s: %w", step, err)
		}
	}

	return s.CommitTx(tx)
}

const taskColumns = `id, instance_id, process_id, operation, status, error, started_at, completed_at, created_at, updated_at`

func scanTask(row interface{ Scan(...any) error }) (*Task, error) {
	t := &Task{}
	err := row.Scan(
		&t.ID,
		&t.InstanceID,
		&t.ProcessID,
		&t.Operation,
		&t.Status,
		&t.Error,
		&t.StartedAt,
		&t.CompletedAt,
		&t.CreatedAt,
		&t.UpdatedAt,
	)
	return t, err
}

// GetTask retrieves a task by ID
func (s *SQLiteStore) GetTask(ctx context.Context, id string) (*Task, error) {
	t, err := scanTask(s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task: %w", err)
	}
	return t, nil
}

// UpdateTaskStatus updates the status of a task. RUNNING stamps the start time,
// terminal statuses stamp the completion time.
func (s *SQLiteStore) UpdateTaskStatus(ctx context.Context, id string, status TaskStatus, errMsg *string) error {
	now := time.Now().UTC()
	var startedAt, completedAt *time.Time
	if status == TaskStatusRunning {
		startedAt = &now
	}
	if status.IsTerminal() {
		completedAt = &now
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE tasks
		SET status = ?,
		    error = ?,
		    started_at = COALESCE(?, started_at),
		    completed_at = ?,
		    updated_at = ?
		WHERE id = ?
	`, status, errMsg, startedAt, completedAt, now, id)
	if err != nil {
		return fmt.Errorf("failed to update task status: %w", err)
	}
	return expectOne(result, "task", id)
}

// ListTasksByInstance lists the most recent tasks of an instance.
func (s *SQLiteStore) ListTasksByInstance(ctx context.Context, instanceID int64, limit int) ([]*Task, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+`
		FROM tasks
		WHERE instance_id = ?
		ORDER BY created_at DESC
		LIMIT ?
	`, instanceID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()

	tasks := []*Task{}
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tasks: %w", err)
	}
	return tasks, nil
}

// ListTaskSteps lists the steps of a task in recipe order.
func (s *SQLiteStore) ListTaskSteps(ctx context.Context, taskID string) ([]*TaskStep, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT task_id, instance_id, step, position, status, error, started_at, completed_at, updated_at
		FROM task_steps
		WHERE task_id = ?
		ORDER BY instance_id, position
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to list task steps: %w", err)
	}
	defer rows.Close()

	steps := []*TaskStep{}
	for rows.Next() {
		st := &TaskStep{}
		err := rows.Scan(
			&st.TaskID,
			&st.InstanceID,
			&st.Step,
			&st.Position,
			&st.Status,
			&st.Error,
			&st.StartedAt,
			&st.CompletedAt,
			&st.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task step: %w", err)
		}
		steps = append(steps, st)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating task steps: %w", err)
	}
	return steps, nil
}

// UpdateStepStatus records the status of one step. A step that was not pre-created
// is appended after the existing ones.
func (s *SQLiteStore) UpdateStepStatus(ctx context.Context, taskID string, instanceID int64, step lifecycle.Step, status lifecycle.StepStatus, errMsg string) error {
	now := time.Now().UTC()
	var startedAt, completedAt *time.Time
	if status == lifecycle.StepStatusRunning {
		startedAt = &now
	}
	if status.IsTerminal() {
		completedAt = &now
	}
	var errVal *string
	if errMsg != "" {
		errVal = &errMsg
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO task_steps (task_id, instance_id, step, position, status, error, started_at, completed_at, updated_at)
		VALUES (?, ?, ?,
			(SELECT COALESCE(MAX(position), -1) + 1 FROM task_steps WHERE task_id = ? AND instance_id = ?),
			?, ?, ?, ?, ?)
		ON CONFLICT (task_id, instance_id, step) DO UPDATE SET
			status = excluded.status,
			error = excluded.error,
			started_at = COALESCE(excluded.started_at, task_steps.started_at),
			completed_at = excluded.completed_at,
			updated_at = excluded.updated_at
	`, taskID, instanceID, step, taskID, instanceID, status, errVal, startedAt, completedAt, now)
	if err != nil {
		return fmt.Errorf("failed to update step %s of task %s: %w", step, taskID, err)
	}
	return nil
}

// ResetStepStatuses sets every step of the task to status and clears errors and
// timestamps.
func (s *SQLiteStore) ResetStepStatuses(ctx context.Context, taskID string, status lifecycle.StepStatus) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE task_steps
		SET status = ?, error = NULL, started_at = NULL, completed_at = NULL, updated_at = ?
		WHERE task_id = ?
	`, status, time.Now().UTC(), taskID)
	if err != nil {
		return fmt.Errorf("failed to reset steps of task %s: %w", taskID, err)
	}
	return nil
}

// CreateAuditEntry creates a new audit log entry
func (s *SQLiteStore) CreateAuditEntry(ctx context.Context, entry *AuditEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO audit (action, actor, target_id, details, timestamp)
		VALUES (?, ?, ?, ?, ?)
	`,
		entry.Action,
		entry.Actor,
		entry.TargetID,
		entry.Details,
		entry.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to create audit entry: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get audit entry ID: %w", err)
	}
	entry.ID = id
	return nil
}

// ListAuditEntries lists audit entries with optional filters and pagination
func (s *SQLiteStore) ListAuditEntries(ctx context.Context, action *string, actor *string, limit, offset int) ([]*AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, action, actor, target_id, details, timestamp
		FROM audit
		WHERE (? IS NULL OR action = ?)
		  AND (? IS NULL OR actor = ?)
		ORDER BY timestamp DESC, id DESC
		LIMIT ? OFFSET ?
	`, action, action, actor, actor, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	defer rows.Close()

	entries := []*AuditEntry{}
	for rows.Next() {
		entry := &AuditEntry{}
		err := rows.Scan(
			&entry.ID,
			&entry.Action,
			&entry.Actor,
			&entry.TargetID,
			&entry.Details,
			&entry.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit entries: %w", err)
	}
	return entries, nil
}
