package stores

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/logfleet/logfleet/pkg/lifecycle"
)

// ErrNotFound is wrapped by every lookup that matches no row.
var ErrNotFound = errors.New("not found")

// TaskStatus represents the status of a lifecycle task
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "PENDING"
	TaskStatusRunning   TaskStatus = "RUNNING"
	TaskStatusCompleted TaskStatus = "COMPLETED"
	TaskStatusFailed    TaskStatus = "FAILED"
)

// IsTerminal returns true once the task will not change again.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed
}

// Process is a process template: the configuration every instance is seeded from.
type Process struct {
	ID            int64     `json:"id"`
	Name          string    `json:"name"`
	MainConfig    string    `json:"main_config"`
	JvmOptions    string    `json:"jvm_options"`
	SystemOptions string    `json:"system_options"`
	PackagePath   string    `json:"package_path"` // local tarball uploaded on initialize
	CreatedBy     string    `json:"created_by"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Task is the persisted record of one lifecycle operation on one instance.
type Task struct {
	ID          string                  `json:"id"`
	InstanceID  int64                   `json:"instance_id"`
	ProcessID   int64                   `json:"process_id"`
	Operation   lifecycle.OperationType `json:"operation"`
	Status      TaskStatus              `json:"status"`
	Error       *string                 `json:"error,omitempty"`
	StartedAt   *time.Time              `json:"started_at,omitempty"`
	CompletedAt *time.Time              `json:"completed_at,omitempty"`
	CreatedAt   time.Time               `json:"created_at"`
	UpdatedAt   time.Time               `json:"updated_at"`
}

// TaskStep is the progress of one step of a task.
type TaskStep struct {
	TaskID      string               `json:"task_id"`
	InstanceID  int64                `json:"instance_id"`
	Step        lifecycle.Step       `json:"step"`
	Position    int                  `json:"position"`
	Status      lifecycle.StepStatus `json:"status"`
	Error       *string              `json:"error,omitempty"`
	StartedAt   *time.Time           `json:"started_at,omitempty"`
	CompletedAt *time.Time           `json:"completed_at,omitempty"`
	UpdatedAt   time.Time            `json:"updated_at"`
}

// AuditEntry represents an audit trail entry
type AuditEntry struct {
	ID        int64     `json:"id"`
	Action    string    `json:"action"`              // e.g., "instance.attached", "instance.start"
	Actor     string    `json:"actor"`               // user or system identifier
	TargetID  *string   `json:"target_id,omitempty"` // instance or task id
	Details   *string   `json:"details,omitempty"`   // JSON blob
	Timestamp time.Time `json:"timestamp"`
}

// Store defines the interface for the persistence layer
type Store interface {
	lifecycle.InstanceStore

	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	// Transaction support
	BeginTx(ctx context.Context) (*sql.Tx, error)
	CommitTx(tx *sql.Tx) error
	RollbackTx(tx *sql.Tx) error

	// Machine operations
	CreateMachine(ctx context.Context, m *lifecycle.Machine) error
	ListMachines(ctx context.Context) ([]*lifecycle.Machine, error)

	// Process operations
	CreateProcess(ctx context.Context, p *Process) error
	GetProcess(ctx context.Context, id int64) (*Process, error)
	ListProcesses(ctx context.Context) ([]*Process, error)

	// Instance operations
	CreateInstance(ctx context.Context, inst *lifecycle.Instance) error
	ListInstances(ctx context.Context, processID *int64) ([]*lifecycle.Instance, error)
	SetRuntimeHandle(ctx context.Context, id int64, handle string) error

	// Task operations
	CreateTask(ctx context.Context, task *Task, steps []lifecycle.Step) error
	GetTask(ctx context.Context, id string) (*Task, error)
	UpdateTaskStatus(ctx context.Context, id string, status TaskStatus, errMsg *string) error
	ListTasksByInstance(ctx context.Context, instanceID int64, limit int) ([]*Task, error)
	ListTaskSteps(ctx context.Context, taskID string) ([]*TaskStep, error)
	UpdateStepStatus(ctx context.Context, taskID string, instanceID int64, step lifecycle.Step, status lifecycle.StepStatus, errMsg string) error
	ResetStepStatuses(ctx context.Context, taskID string, status lifecycle.StepStatus) error

	// Audit operations
	CreateAuditEntry(ctx context.Context, entry *AuditEntry) error
	ListAuditEntries(ctx context.Context, action *string, actor *string, limit, offset int) ([]*AuditEntry, error)

	// Utility
	HealthCheck(ctx context.Context) error
}
