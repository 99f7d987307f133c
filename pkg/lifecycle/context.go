package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// InstanceContext binds one instance to the handler of its persisted state and exposes
// the lifecycle operations. Guards are always evaluated against a fresh read of the
// instance, so a context may be reused after its snapshot goes stale.
type InstanceContext struct {
	manager *Manager

	mu       sync.RWMutex
	instance *Instance
	machine  *Machine
	state    State
	handler  Handler
}

// Instance returns the last instance snapshot seen by this context.
func (c *InstanceContext) Instance() *Instance {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cp := *c.instance
	return &cp
}

// Machine returns the machine the instance is deployed on.
func (c *InstanceContext) Machine() *Machine {
	return c.machine
}

// State returns the last state seen or written by this context.
func (c *InstanceContext) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Handler returns the handler bound to State().
func (c *InstanceContext) Handler() Handler {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.handler
}

func (c *InstanceContext) id() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.instance.ID
}

// bind refreshes the snapshot from a freshly loaded instance.
func (c *InstanceContext) bind(inst *Instance, h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.instance = inst
	c.state = inst.State
	c.handler = h
}

func (c *InstanceContext) setState(state State) {
	h, err := c.manager.HandlerFor(state)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = state
	c.instance.State = state
	if err == nil {
		c.handler = h
	}
}

// operation is everything captured before the transitional write.
type operation struct {
	op      OperationType
	handler Handler
	from    State
	req     *Request
	token   string
}

// guard reloads the instance, resolves its handler, checks the capability for op and
// claims the instance. The caller must hold the instance lock and release the claim.
func (c *InstanceContext) guard(ctx context.Context, op OperationType, operationID string) (*operation, error) {
	m := c.manager
	id := c.id()

	inst, err := m.store.GetInstance(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to reload instance %d: %w", id, err)
	}
	h, err := m.HandlerFor(inst.State)
	if err != nil {
		return nil, err
	}
	c.bind(inst, h)

	if !can(h, op) {
		log.Warn().
			Int64("instance_id", id).
			Str("operation", string(op)).
			Str("state", string(inst.State)).
			Msg("operation rejected")
		return nil, newNotAllowedError(id, op, inst.State)
	}
	token, err := m.claim(ctx, id, op)
	if err != nil {
		return nil, err
	}

	cp := *inst
	return &operation{
		op:      op,
		handler: h,
		from:    inst.State,
		req:     &Request{OperationID: operationID, Instance: &cp, Machine: c.machine},
		token:   token,
	}, nil
}

// begin runs the guard, captures the handler and writes the transitional state, all
// under the instance lock.
func (c *InstanceContext) begin(ctx context.Context, op OperationType, operationID string) (*operation, error) {
	unlock := c.manager.lockInstance(c.id())
	defer unlock()

	o, err := c.guard(ctx, op, operationID)
	if err != nil {
		return nil, err
	}

	if transitional, ok := op.TransitionalState(); ok {
		if err := c.manager.UpdateState(ctx, o.req.Instance.ID, transitional); err != nil {
			c.manager.release(ctx, o.req.Instance.ID, o.token)
			return nil, err
		}
		c.setState(transitional)
	}
	return o, nil
}

// launch starts a transitional operation and returns the channel its result is
// delivered on. Validation errors are returned synchronously.
func (c *InstanceContext) launch(ctx context.Context, op OperationType, operationID string,
	invoke func(Handler, context.Context, *Request) (bool, error)) (<-chan Result, error) {
	o, err := c.begin(ctx, op, operationID)
	if err != nil {
		return nil, err
	}

	out := make(chan Result, 1)
	go func() {
		defer close(out)
		res := c.complete(context.WithoutCancel(ctx), o, invoke)
		c.manager.release(ctx, o.req.Instance.ID, o.token)
		out <- res
	}()
	return out, nil
}

// complete runs the captured handler and persists the resulting state.
func (c *InstanceContext) complete(ctx context.Context, o *operation,
	invoke func(Handler, context.Context, *Request) (bool, error)) Result {
	m := c.manager
	id := o.req.Instance.ID

	ctx, span := otel.Tracer(tracerName).Start(ctx, "lifecycle."+string(o.op),
		trace.WithAttributes(
			attribute.Int64("instance.id", id),
			attribute.String("operation.id", o.req.OperationID),
			attribute.String("state.from", string(o.from)),
		))
	defer span.End()

	logger := log.With().
		Int64("instance_id", id).
		Str("operation", string(o.op)).
		Str("operation_id", o.req.OperationID).
		Logger()

	m.observer.OperationStarted(o.op)
	start := time.Now()
	ok, err := invoke(o.handler, ctx, o.req)
	elapsed := time.Since(start).Seconds()

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Error().Err(err).Msg("operation failed with error")

		failure, known := o.op.FailureState()
		if !known {
			failure = o.handler.NextState(o.op, false)
		}
		if werr := m.UpdateState(ctx, id, failure); werr != nil {
			logger.Error().Err(werr).Str("state", string(failure)).Msg("failed to persist failure state")
			err = errors.Join(err, werr)
		} else {
			c.setState(failure)
		}
		m.observer.OperationFinished(o.op, false, elapsed)
		return Result{Success: false, Err: err}
	}

	next := o.handler.NextState(o.op, ok)
	if werr := m.UpdateState(ctx, id, next); werr != nil {
		span.RecordError(werr)
		span.SetStatus(codes.Error, "persist state")
		m.observer.OperationFinished(o.op, false, elapsed)
		return Result{Success: false, Err: werr}
	}
	c.setState(next)

	if !ok {
		span.SetStatus(codes.Error, "operation unsuccessful")
	}
	span.SetAttributes(attribute.String("state.to", string(next)), attribute.Bool("success", ok))
	logger.Info().Bool("success", ok).Str("state", string(next)).Float64("seconds", elapsed).Msg("operation finished")
	m.observer.OperationFinished(o.op, ok, elapsed)
	return Result{Success: ok}
}

// wait blocks until the operation delivers its result.
func wait(ch <-chan Result, err error) (bool, error) {
	if err != nil {
		return false, err
	}
	res, ok := <-ch
	if !ok {
		return false, &Error{Class: ErrorClassInternal, Code: ErrCodeStepFailed, Message: "operation ended without a result"}
	}
	return res.Success, res.Err
}

// InitializeAsync deploys the package and configuration. The instance moves to
// INITIALIZING before this returns.
func (c *InstanceContext) InitializeAsync(ctx context.Context, operationID string) (<-chan Result, error) {
	return c.launch(ctx, OperationInitialize, operationID, Handler.HandleInitialize)
}

// Initialize is the blocking form of InitializeAsync.
func (c *InstanceContext) Initialize(ctx context.Context, operationID string) (bool, error) {
	return wait(c.InitializeAsync(ctx, operationID))
}

// StartAsync starts the remote process. The instance moves to STARTING before this
// returns.
func (c *InstanceContext) StartAsync(ctx context.Context, operationID string) (<-chan Result, error) {
	return c.launch(ctx, OperationStart, operationID, Handler.HandleStart)
}

// Start is the blocking form of StartAsync.
func (c *InstanceContext) Start(ctx context.Context, operationID string) (bool, error) {
	return wait(c.StartAsync(ctx, operationID))
}

// StopAsync stops the remote process. The instance moves to STOPPING before this
// returns.
func (c *InstanceContext) StopAsync(ctx context.Context, operationID string) (<-chan Result, error) {
	return c.launch(ctx, OperationStop, operationID, Handler.HandleStop)
}

// Stop is the blocking form of StopAsync.
func (c *InstanceContext) Stop(ctx context.Context, operationID string) (bool, error) {
	return wait(c.StopAsync(ctx, operationID))
}

// ForceStopAsync kills the remote process. The instance always ends NOT_STARTED.
func (c *InstanceContext) ForceStopAsync(ctx context.Context, operationID string) (<-chan Result, error) {
	return c.launch(ctx, OperationForceStop, operationID, Handler.HandleForceStop)
}

// ForceStop is the blocking form of ForceStopAsync.
func (c *InstanceContext) ForceStop(ctx context.Context, operationID string) (bool, error) {
	return wait(c.ForceStopAsync(ctx, operationID))
}

// UpdateConfigAsync replaces the parts of the instance configuration set in update.
// The instance lock is held until the result is delivered.
func (c *InstanceContext) UpdateConfigAsync(ctx context.Context, operationID string, update ConfigUpdate) (<-chan Result, error) {
	if update.IsEmpty() {
		return nil, &Error{
			Class:     ErrorClassValidation,
			Code:      ErrCodeInvalidInput,
			Instance:  c.id(),
			Operation: OperationUpdateConfig,
			Message:   "at least one of main config, jvm options or system options is required",
		}
	}
	return c.locked(ctx, OperationUpdateConfig, operationID, func(ctx context.Context, o *operation) Result {
		ok, err := o.handler.HandleUpdateConfig(ctx, o.req, update)
		if err != nil {
			return Result{Err: err}
		}
		m := c.manager
		id := o.req.Instance.ID
		if ok {
			if err := m.store.UpdateInstanceConfig(ctx, id, update); err != nil {
				return Result{Err: &Error{
					Class: ErrorClassInternal, Code: ErrCodeStorageFailed,
					Message: "persist instance config", Instance: id, Err: err,
				}}
			}
			c.mu.Lock()
			update.Apply(c.instance)
			c.mu.Unlock()
		}
		if next := o.handler.NextState(OperationUpdateConfig, ok); next != o.from {
			if err := m.UpdateState(ctx, id, next); err != nil {
				return Result{Err: err}
			}
			c.setState(next)
		}
		return Result{Success: ok}
	})
}

// UpdateConfig is the blocking form of UpdateConfigAsync.
func (c *InstanceContext) UpdateConfig(ctx context.Context, operationID string, update ConfigUpdate) (bool, error) {
	return wait(c.UpdateConfigAsync(ctx, operationID, update))
}

// RefreshConfigAsync re-renders the configuration files from the instance record.
// The next state is always written, even when unchanged.
func (c *InstanceContext) RefreshConfigAsync(ctx context.Context, operationID string) (<-chan Result, error) {
	return c.locked(ctx, OperationRefreshConfig, operationID, func(ctx context.Context, o *operation) Result {
		ok, err := o.handler.HandleRefreshConfig(ctx, o.req)
		if err != nil {
			return Result{Err: err}
		}
		next := o.handler.NextState(OperationRefreshConfig, ok)
		if err := c.manager.UpdateState(ctx, o.req.Instance.ID, next); err != nil {
			return Result{Err: err}
		}
		c.setState(next)
		return Result{Success: ok}
	})
}

// RefreshConfig is the blocking form of RefreshConfigAsync.
func (c *InstanceContext) RefreshConfig(ctx context.Context, operationID string) (bool, error) {
	return wait(c.RefreshConfigAsync(ctx, operationID))
}

// DeleteAsync removes the remote deployment directory and then the instance record.
// The record is removed even when the remote cleanup fails; the result then reports
// Success false.
func (c *InstanceContext) DeleteAsync(ctx context.Context, operationID string) (<-chan Result, error) {
	return c.locked(ctx, OperationDelete, operationID, func(ctx context.Context, o *operation) Result {
		id := o.req.Instance.ID
		ok, err := o.handler.HandleDelete(ctx, o.req)
		if err != nil || !ok {
			log.Warn().Err(err).Int64("instance_id", id).Msg("remote cleanup incomplete, deleting record anyway")
		}
		if err := c.manager.store.DeleteInstance(ctx, id); err != nil {
			return Result{Err: &Error{
				Class: ErrorClassInternal, Code: ErrCodeStorageFailed,
				Message: "delete instance", Instance: id, Err: err,
			}}
		}
		log.Info().Int64("instance_id", id).Bool("remote_cleaned", ok && err == nil).Msg("instance deleted")
		return Result{Success: ok && err == nil}
	})
}

// Delete is the blocking form of DeleteAsync.
func (c *InstanceContext) Delete(ctx context.Context, operationID string) (bool, error) {
	return wait(c.DeleteAsync(ctx, operationID))
}

// locked runs an operation without a transitional state. The instance lock is taken
// for the guard and held until fn returns.
func (c *InstanceContext) locked(ctx context.Context, op OperationType, operationID string,
	fn func(context.Context, *operation) Result) (<-chan Result, error) {
	unlock := c.manager.lockInstance(c.id())

	o, err := c.guard(ctx, op, operationID)
	if err != nil {
		unlock()
		return nil, err
	}

	m := c.manager
	out := make(chan Result, 1)
	go func() {
		defer close(out)
		defer unlock()

		ctx, span := otel.Tracer(tracerName).Start(context.WithoutCancel(ctx), "lifecycle."+string(op),
			trace.WithAttributes(
				attribute.Int64("instance.id", o.req.Instance.ID),
				attribute.String("operation.id", operationID),
			))
		defer span.End()

		m.observer.OperationStarted(op)
		start := time.Now()
		res := fn(ctx, o)
		elapsed := time.Since(start).Seconds()
		if res.Err != nil {
			span.RecordError(res.Err)
			span.SetStatus(codes.Error, res.Err.Error())
			log.Error().Err(res.Err).
				Int64("instance_id", o.req.Instance.ID).
				Str("operation", string(op)).
				Msg("operation failed with error")
		}
		m.observer.OperationFinished(op, res.Success && res.Err == nil, elapsed)
		m.release(ctx, o.req.Instance.ID, o.token)
		out <- res
	}()
	return out, nil
}
