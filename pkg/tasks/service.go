// Package tasks records lifecycle operations as tasks with per-step progress. The
// Service is the lifecycle.StepTracker used by the orchestrator.
package tasks

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/logfleet/logfleet/pkg/lifecycle"
	"github.com/logfleet/logfleet/pkg/stores"
	"github.com/logfleet/logfleet/pkg/telemetry"
)

// Store is the subset of stores.Store the service needs.
type Store interface {
	CreateTask(ctx context.Context, task *stores.Task, steps []lifecycle.Step) error
	GetTask(ctx context.Context, id string) (*stores.Task, error)
	UpdateTaskStatus(ctx context.Context, id string, status stores.TaskStatus, errMsg *string) error
	ListTasksByInstance(ctx context.Context, instanceID int64, limit int) ([]*stores.Task, error)
	ListTaskSteps(ctx context.Context, taskID string) ([]*stores.TaskStep, error)
	UpdateStepStatus(ctx context.Context, taskID string, instanceID int64, step lifecycle.Step, status lifecycle.StepStatus, errMsg string) error
	ResetStepStatuses(ctx context.Context, taskID string, status lifecycle.StepStatus) error
}

// Service creates tasks and tracks their steps.
type Service struct {
	store Store
	newID func() string
}

var _ lifecycle.StepTracker = (*Service)(nil)

// NewService creates a task service backed by store.
func NewService(store Store) *Service {
	return &Service{store: store, newID: uuid.NewString}
}

// CreateTask records a PENDING task for op on inst with one PENDING row per recipe
// step. UPDATE_CONFIG steps depend on the payload, so callers pass them explicitly.
func (s *Service) CreateTask(ctx context.Context, inst *lifecycle.Instance, op lifecycle.OperationType, steps []lifecycle.Step) (*stores.Task, error) {
	if err := op.Validate(); err != nil {
		return nil, err
	}
	if steps == nil {
		steps = lifecycle.RecipeFor(op)
	}

	task := &stores.Task{
		ID:         s.newID(),
		InstanceID: inst.ID,
		ProcessID:  inst.ProcessID,
		Operation:  op,
		Status:     stores.TaskStatusPending,
	}
	if err := s.store.CreateTask(ctx, task, steps); err != nil {
		return nil, fmt.Errorf("failed to create %s task for instance %d: %w", op, inst.ID, err)
	}

	logger(ctx, task.ID).
		WithInstanceID(inst.ID).
		WithField("operation", string(op)).
		WithField("steps", len(steps)).
		Debug("task created")
	return task, nil
}

// UpdateStepStatus implements lifecycle.StepTracker.
func (s *Service) UpdateStepStatus(ctx context.Context, operationID string, instanceID int64, step lifecycle.Step, status lifecycle.StepStatus, errMsg string) error {
	return s.store.UpdateStepStatus(ctx, operationID, instanceID, step, status, errMsg)
}

// ResetStepStatuses implements lifecycle.StepTracker.
func (s *Service) ResetStepStatuses(ctx context.Context, operationID string, status lifecycle.StepStatus) error {
	return s.store.ResetStepStatuses(ctx, operationID, status)
}

// UpdateTaskStatus sets the task status. errMsg is ignored unless status is FAILED.
func (s *Service) UpdateTaskStatus(ctx context.Context, taskID string, status stores.TaskStatus, errMsg string) error {
	var msg *string
	if status == stores.TaskStatusFailed && errMsg != "" {
		msg = &errMsg
	}
	return s.store.UpdateTaskStatus(ctx, taskID, status, msg)
}

// Track marks the task RUNNING and finalizes it from the operation's result. The
// returned channel carries the same result once the task status is written.
func (s *Service) Track(ctx context.Context, taskID string, results <-chan lifecycle.Result) (<-chan lifecycle.Result, error) {
	if err := s.UpdateTaskStatus(ctx, taskID, stores.TaskStatusRunning, ""); err != nil {
		return nil, fmt.Errorf("failed to mark task %s running: %w", taskID, err)
	}

	out := make(chan lifecycle.Result, 1)
	go func() {
		defer close(out)
		ctx := context.WithoutCancel(ctx)

		res, ok := <-results
		if !ok {
			res = lifecycle.Result{Err: fmt.Errorf("operation ended without a result")}
		}
		s.finish(ctx, taskID, res)
		out <- res
	}()
	return out, nil
}

// Execute runs fn as the body of the task and records its outcome.
func (s *Service) Execute(ctx context.Context, taskID string, fn func(context.Context) (bool, error)) (bool, error) {
	if err := s.UpdateTaskStatus(ctx, taskID, stores.TaskStatusRunning, ""); err != nil {
		return false, fmt.Errorf("failed to mark task %s running: %w", taskID, err)
	}
	ok, err := fn(ctx)
	s.finish(context.WithoutCancel(ctx), taskID, lifecycle.Result{Success: ok, Err: err})
	return ok, err
}

func (s *Service) finish(ctx context.Context, taskID string, res lifecycle.Result) {
	l := logger(ctx, taskID)

	status := stores.TaskStatusCompleted
	var msg string
	switch {
	case res.Err != nil:
		status = stores.TaskStatusFailed
		msg = res.Err.Error()
	case !res.Success:
		status = stores.TaskStatusFailed
		msg = "operation unsuccessful"
		if steps, err := s.store.ListTaskSteps(ctx, taskID); err == nil {
			if failed := firstFailed(steps); failed != nil {
				msg = describeFailure(failed)
			}
		}
	}

	if err := s.UpdateTaskStatus(ctx, taskID, status, msg); err != nil {
		l.WithError(err).WithField("status", string(status)).Error("failed to record task outcome")
		return
	}
	l = l.WithField("status", string(status))
	if msg != "" {
		l = l.WithField("error", msg)
	}
	l.Info("task finished")
}

// Detail is a task with its steps and aggregate progress.
type Detail struct {
	Task     *stores.Task                 `json:"task"`
	Steps    []*stores.TaskStep           `json:"steps"`
	Counts   map[lifecycle.StepStatus]int `json:"counts"`
	Progress int                          `json:"progress"` // percent of steps completed or skipped
	Duration time.Duration                `json:"duration,omitempty"`
	Summary  string                       `json:"summary"`
}

// GetTaskDetail loads a task, its steps and a one-line summary.
func (s *Service) GetTaskDetail(ctx context.Context, taskID string) (*Detail, error) {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	steps, err := s.store.ListTaskSteps(ctx, taskID)
	if err != nil {
		return nil, err
	}

	d := &Detail{Task: task, Steps: steps, Counts: make(map[lifecycle.StepStatus]int)}
	for _, st := range steps {
		d.Counts[st.Status]++
	}
	if total := len(steps); total > 0 {
		d.Progress = (d.Counts[lifecycle.StepStatusCompleted] + d.Counts[lifecycle.StepStatusSkipped]) * 100 / total
	}
	if task.StartedAt != nil && task.CompletedAt != nil {
		d.Duration = task.CompletedAt.Sub(*task.StartedAt)
	}
	d.Summary = summarize(task, steps, d)
	return d, nil
}

// LatestForInstance returns the detail of the instance's most recent task.
func (s *Service) LatestForInstance(ctx context.Context, instanceID int64) (*Detail, error) {
	tasks, err := s.store.ListTasksByInstance(ctx, instanceID, 1)
	if err != nil {
		return nil, err
	}
	if len(tasks) == 0 {
		return nil, fmt.Errorf("instance %d has no tasks: %w", instanceID, stores.ErrNotFound)
	}
	return s.GetTaskDetail(ctx, tasks[0].ID)
}

func firstFailed(steps []*stores.TaskStep) *stores.TaskStep {
	for _, st := range steps {
		if st.Status == lifecycle.StepStatusFailed {
			return st
		}
	}
	return nil
}

func describeFailure(st *stores.TaskStep) string {
	if st.Error != nil && *st.Error != "" {
		return fmt.Sprintf("step %s failed: %s", st.Step, *st.Error)
	}
	return fmt.Sprintf("step %s failed", st.Step)
}

func summarize(task *stores.Task, steps []*stores.TaskStep, d *Detail) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s: %d/%d steps completed", task.Operation, task.Status,
		d.Counts[lifecycle.StepStatusCompleted], len(steps))
	if failed := firstFailed(steps); failed != nil {
		b.WriteString(", ")
		b.WriteString(describeFailure(failed))
	} else if task.Error != nil && *task.Error != "" {
		b.WriteString(", ")
		b.WriteString(*task.Error)
	}
	if d.Duration > 0 {
		fmt.Fprintf(&b, " in %s", d.Duration.Round(time.Millisecond))
	}
	return b.String()
}

// logger tags the context logger with the task id. Task ids double as lifecycle
// operation ids.
func logger(ctx context.Context, taskID string) *telemetry.Logger {
	return telemetry.FromContext(ctx).NewComponentLogger("tasks").WithOperationID(taskID)
}
