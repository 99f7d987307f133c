package lifecycle

import "fmt"

// State is the persisted lifecycle state of an instance.
type State string

const (
	// StateInitializing indicates the instance is being provisioned on its machine.
	StateInitializing State = "INITIALIZING"

	// StateInitializeFailed indicates provisioning failed and may be retried.
	StateInitializeFailed State = "INITIALIZE_FAILED"

	// StateNotStarted indicates the agent is installed but not running.
	StateNotStarted State = "NOT_STARTED"

	// StateStarting is the transitional state written while a start is in flight.
	StateStarting State = "STARTING"

	// StateStartFailed indicates the last start attempt failed.
	StateStartFailed State = "START_FAILED"

	// StateRunning indicates the agent process is running.
	StateRunning State = "RUNNING"

	// StateStopping is the transitional state written while a stop is in flight.
	StateStopping State = "STOPPING"

	// StateStopFailed indicates the last stop attempt failed.
	StateStopFailed State = "STOP_FAILED"
)

// AllStates lists every lifecycle state in declaration order.
var AllStates = []State{
	StateInitializing,
	StateInitializeFailed,
	StateNotStarted,
	StateStarting,
	StateStartFailed,
	StateRunning,
	StateStopping,
	StateStopFailed,
}

// Description returns a human-readable name for the state.
func (s State) Description() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateInitializeFailed:
		return "initialize failed"
	case StateNotStarted:
		return "not started"
	case StateStarting:
		return "starting"
	case StateStartFailed:
		return "start failed"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopFailed:
		return "stop failed"
	default:
		return string(s)
	}
}

// IsTransitional returns true for states only written while an operation is in flight.
func (s State) IsTransitional() bool {
	return s == StateInitializing || s == StateStarting || s == StateStopping
}

// ClearsRuntimeHandle reports whether entering s means the remote process is not known to be alive.
func (s State) ClearsRuntimeHandle() bool {
	return s == StateNotStarted || s == StateStopFailed || s == StateStopping
}

// Validate checks if the state is one of the known lifecycle states.
func (s State) Validate() error {
	for _, known := range AllStates {
		if s == known {
			return nil
		}
	}
	return fmt.Errorf("invalid lifecycle state: %q", string(s))
}

// ParseState converts a persisted string into a State.
func ParseState(v string) (State, error) {
	s := State(v)
	if err := s.Validate(); err != nil {
		return "", err
	}
	return s, nil
}

// OperationType identifies an operation invoked on an instance.
type OperationType string

const (
	OperationInitialize    OperationType = "INITIALIZE"
	OperationStart         OperationType = "START"
	OperationStop          OperationType = "STOP"
	OperationForceStop     OperationType = "FORCE_STOP"
	OperationUpdateConfig  OperationType = "UPDATE_CONFIG"
	OperationRefreshConfig OperationType = "REFRESH_CONFIG"
	OperationDelete        OperationType = "DELETE"
)

// Capability returns the name of the guard predicate protecting the operation.
func (o OperationType) Capability() string {
	switch o {
	case OperationInitialize:
		return "CanInitialize"
	case OperationStart:
		return "CanStart"
	case OperationStop:
		return "CanStop"
	case OperationForceStop:
		return "CanForceStop"
	case OperationUpdateConfig:
		return "CanUpdateConfig"
	case OperationRefreshConfig:
		return "CanRefreshConfig"
	case OperationDelete:
		return "CanDelete"
	default:
		return "Can" + string(o)
	}
}

// TransitionalState returns the state persisted while the operation runs, if any.
func (o OperationType) TransitionalState() (State, bool) {
	switch o {
	case OperationInitialize:
		return StateInitializing, true
	case OperationStart:
		return StateStarting, true
	case OperationStop, OperationForceStop:
		return StateStopping, true
	default:
		return "", false
	}
}

// FailureState returns the canonical state written when the operation raises an error.
func (o OperationType) FailureState() (State, bool) {
	switch o {
	case OperationInitialize:
		return StateInitializeFailed, true
	case OperationStart:
		return StateStartFailed, true
	case OperationStop:
		return StateStopFailed, true
	case OperationForceStop:
		return StateNotStarted, true
	default:
		return "", false
	}
}

// Validate checks if the operation type is known.
func (o OperationType) Validate() error {
	switch o {
	case OperationInitialize, OperationStart, OperationStop, OperationForceStop,
		OperationUpdateConfig, OperationRefreshConfig, OperationDelete:
		return nil
	default:
		return fmt.Errorf("invalid operation type: %q", string(o))
	}
}

// Step is one named unit of remote work within an operation's recipe.
type Step string

const (
	StepCreateRemoteDir    Step = "CREATE_REMOTE_DIR"
	StepUploadPackage      Step = "UPLOAD_PACKAGE"
	StepExtractPackage     Step = "EXTRACT_PACKAGE"
	StepCreateConfig       Step = "CREATE_CONFIG"
	StepModifyConfig       Step = "MODIFY_CONFIG"
	StepStartProcess       Step = "START_PROCESS"
	StepVerifyProcess      Step = "VERIFY_PROCESS"
	StepStopProcess        Step = "STOP_PROCESS"
	StepUpdateMainConfig   Step = "UPDATE_MAIN_CONFIG"
	StepUpdateJvmConfig    Step = "UPDATE_JVM_CONFIG"
	StepUpdateSystemConfig Step = "UPDATE_SYSTEM_CONFIG"
	StepRefreshConfig      Step = "REFRESH_CONFIG"
)

// Description returns the human-readable name of the step.
func (s Step) Description() string {
	switch s {
	case StepCreateRemoteDir:
		return "create remote directory"
	case StepUploadPackage:
		return "upload package"
	case StepExtractPackage:
		return "extract package"
	case StepCreateConfig:
		return "create pipeline config"
	case StepModifyConfig:
		return "write jvm.options and logstash.yml"
	case StepStartProcess:
		return "start process"
	case StepVerifyProcess:
		return "verify process"
	case StepStopProcess:
		return "stop process"
	case StepUpdateMainConfig:
		return "update pipeline config"
	case StepUpdateJvmConfig:
		return "update jvm.options"
	case StepUpdateSystemConfig:
		return "update logstash.yml"
	case StepRefreshConfig:
		return "refresh config"
	default:
		return string(s)
	}
}

// StepStatus is the tracked status of a step.
type StepStatus string

const (
	StepStatusPending   StepStatus = "PENDING"
	StepStatusRunning   StepStatus = "RUNNING"
	StepStatusCompleted StepStatus = "COMPLETED"
	StepStatusFailed    StepStatus = "FAILED"
	StepStatusSkipped   StepStatus = "SKIPPED"
)

// IsTerminal returns true once the step will not change again within the attempt.
func (s StepStatus) IsTerminal() bool {
	return s == StepStatusCompleted || s == StepStatusFailed || s == StepStatusSkipped
}
