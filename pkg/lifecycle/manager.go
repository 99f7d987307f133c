package lifecycle

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Manager is the process-wide registry of state handlers, the factory for
// instance contexts and the single writer of instance state.
type Manager struct {
	store    InstanceStore
	handlers map[State]Handler
	locks    *keyedMutex
	observer Observer
	claimTTL time.Duration
}

// DefaultClaimTTL bounds how long a claim left behind by a crashed process blocks
// the instance.
const DefaultClaimTTL = time.Hour

// Option configures a Manager.
type Option func(*Manager)

// WithObserver routes operation, step and state events to o.
func WithObserver(o Observer) Option {
	return func(m *Manager) {
		if o != nil {
			m.observer = o
		}
	}
}

// WithClaimTTL sets the age after which another process may take over a claim.
func WithClaimTTL(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.claimTTL = d
		}
	}
}

// NewManager creates a manager with one handler registered for every state.
func NewManager(store InstanceStore, actions ActionFactory, tracker StepTracker, opts ...Option) *Manager {
	m := &Manager{
		store:    store,
		handlers: make(map[State]Handler, len(handlerConstructors)),
		locks:    newKeyedMutex(),
		observer: nopObserver{},
		claimTTL: DefaultClaimTTL,
	}
	for _, opt := range opts {
		opt(m)
	}

	deps := handlerDeps{actions: actions, tracker: tracker, observer: m.observer}
	for _, newHandler := range handlerConstructors {
		h := newHandler(deps)
		m.handlers[h.State()] = h
	}

	log.Debug().Int("handlers", len(m.handlers)).Msg("lifecycle manager ready")
	return m
}

// HandlerFor returns the handler registered for state. A missing handler is an
// internal consistency error.
func (m *Manager) HandlerFor(state State) (Handler, error) {
	h, ok := m.handlers[state]
	if !ok {
		return nil, newNoHandlerError(state)
	}
	return h, nil
}

// GetContext loads the instance and its machine and binds them to the handler for
// the persisted state.
func (m *Manager) GetContext(ctx context.Context, instanceID int64) (*InstanceContext, error) {
	inst, err := m.store.GetInstance(ctx, instanceID)
	if err != nil {
		return nil, fmt.Errorf("failed to load instance %d: %w", instanceID, err)
	}
	machine, err := m.store.GetMachine(ctx, inst.MachineID)
	if err != nil {
		return nil, fmt.Errorf("failed to load machine %d for instance %d: %w", inst.MachineID, instanceID, err)
	}
	h, err := m.HandlerFor(inst.State)
	if err != nil {
		return nil, err
	}
	return &InstanceContext{
		manager:  m,
		instance: inst,
		machine:  machine,
		state:    inst.State,
		handler:  h,
	}, nil
}

// UpdateState persists state for the instance. Entering NOT_STARTED, STOP_FAILED or
// STOPPING also clears the runtime handle in the same write.
func (m *Manager) UpdateState(ctx context.Context, instanceID int64, state State) error {
	clear := state.ClearsRuntimeHandle()
	if err := m.store.UpdateInstanceState(ctx, instanceID, state, clear); err != nil {
		return &Error{
			Class:    ErrorClassInternal,
			Code:     ErrCodeStorageFailed,
			Message:  fmt.Sprintf("persist state %s", state),
			Instance: instanceID,
			Err:      err,
		}
	}
	m.observer.StateChanged(state)
	log.Info().
		Int64("instance_id", instanceID).
		Str("state", string(state)).
		Bool("runtime_handle_cleared", clear).
		Msg("instance state updated")
	return nil
}

// InitializeState forces a freshly attached instance into INITIALIZING, bypassing
// the operation guards.
func (m *Manager) InitializeState(ctx context.Context, instanceID int64) error {
	return m.UpdateState(ctx, instanceID, StateInitializing)
}

// lockInstance serializes guard evaluation and transitional writes per instance.
func (m *Manager) lockInstance(instanceID int64) func() {
	return m.locks.Lock(instanceID)
}

// claim durably marks op as running on the instance. The claim lives in the store
// so it also excludes managers in other processes. Needed because INITIALIZING
// both marks an initialize in progress and permits one.
func (m *Manager) claim(ctx context.Context, instanceID int64, op OperationType) (string, error) {
	token := uuid.NewString()
	running, ok, err := m.store.ClaimInstance(ctx, instanceID, op, token, time.Now().Add(-m.claimTTL))
	if err != nil {
		return "", &Error{
			Class:     ErrorClassInternal,
			Code:      ErrCodeStorageFailed,
			Message:   "claim instance",
			Instance:  instanceID,
			Operation: op,
			Err:       err,
		}
	}
	if !ok {
		return "", &Error{
			Class:     ErrorClassValidation,
			Code:      ErrCodeNotAllowed,
			Instance:  instanceID,
			Operation: op,
			Message:   fmt.Sprintf("operation %s not allowed while %s is in progress", op, running),
		}
	}
	return token, nil
}

func (m *Manager) release(ctx context.Context, instanceID int64, token string) {
	if err := m.store.ReleaseInstance(context.WithoutCancel(ctx), instanceID, token); err != nil {
		log.Error().Err(err).Int64("instance_id", instanceID).Msg("failed to release instance claim")
	}
}
