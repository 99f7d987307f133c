package lifecycle

import (
	"context"
	"time"
)

// RemoteAction performs one unit of remote work against a machine.
// Returning false means the work did not succeed; returning an error means the
// action could not be carried out at all (transport failure, unexpected output).
type RemoteAction interface {
	// Name identifies the action in logs and traces.
	Name() string

	// Execute runs the action. Timeouts are the action's responsibility.
	Execute(ctx context.Context, target *Target) (bool, error)
}

// ActionFactory builds the RemoteAction for each step of each recipe.
type ActionFactory interface {
	CreateDirectory() RemoteAction
	UploadPackage() RemoteAction
	ExtractPackage() RemoteAction
	CreateConfig() RemoteAction
	ModifyConfig() RemoteAction
	StartProcess() RemoteAction
	VerifyProcess() RemoteAction
	StopProcess() RemoteAction
	ForceStopProcess() RemoteAction
	UpdateMainConfig(content string) RemoteAction
	UpdateJvmOptions(content string) RemoteAction
	UpdateSystemOptions(content string) RemoteAction
	RefreshConfig() RemoteAction
	DeleteDirectory() RemoteAction
}

// StepTracker durably records the steps of an operation.
type StepTracker interface {
	// UpdateStepStatus records the status of one step of an operation on one instance.
	// errMsg is empty unless status is FAILED (or a COMPLETED step carries a note).
	UpdateStepStatus(ctx context.Context, operationID string, instanceID int64, step Step, status StepStatus, errMsg string) error

	// ResetStepStatuses sets every step of the operation to status.
	ResetStepStatuses(ctx context.Context, operationID string, status StepStatus) error
}

// InstanceStore is the persistence the lifecycle core writes to.
type InstanceStore interface {
	GetInstance(ctx context.Context, id int64) (*Instance, error)
	GetMachine(ctx context.Context, id int64) (*Machine, error)

	// UpdateInstanceState replaces the state. When clearRuntimeHandle is true the
	// runtime handle is nulled in the same update.
	UpdateInstanceState(ctx context.Context, id int64, state State, clearRuntimeHandle bool) error

	// UpdateInstanceConfig overwrites the config blobs set in update.
	UpdateInstanceConfig(ctx context.Context, id int64, update ConfigUpdate) error

	DeleteInstance(ctx context.Context, id int64) error

	// ClaimInstance records op as running on the instance under token unless
	// another claim newer than staleBefore is held. On refusal it returns the
	// holder's operation and false.
	ClaimInstance(ctx context.Context, id int64, op OperationType, token string, staleBefore time.Time) (OperationType, bool, error)

	// ReleaseInstance drops the claim held under token. Releasing a claim that is
	// gone (or held by another token) is not an error.
	ReleaseInstance(ctx context.Context, id int64, token string) error
}

// Observer receives lifecycle events for metrics and tracing. All methods must be safe
// for concurrent use.
type Observer interface {
	OperationStarted(op OperationType)
	OperationFinished(op OperationType, success bool, seconds float64)
	StepFinished(step Step, status StepStatus, seconds float64)
	StateChanged(to State)
}

type nopObserver struct{}

func (nopObserver) OperationStarted(OperationType)                 {}
func (nopObserver) OperationFinished(OperationType, bool, float64) {}
func (nopObserver) StepFinished(Step, StepStatus, float64)         {}
func (nopObserver) StateChanged(State)                             {}
