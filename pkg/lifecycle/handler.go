package lifecycle

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/logfleet/logfleet/pkg/lifecycle"

// Handler is the behavior bound to one lifecycle state.
//
// The Can* predicates decide which operations are legal while an instance is in
// State(). Handle* methods run the operation's recipe and report whether it
// succeeded. NextState maps an operation outcome to the state to persist.
type Handler interface {
	State() State

	CanInitialize() bool
	CanStart() bool
	CanStop() bool
	CanForceStop() bool
	CanUpdateConfig() bool
	CanRefreshConfig() bool
	CanDelete() bool

	HandleInitialize(ctx context.Context, req *Request) (bool, error)
	HandleStart(ctx context.Context, req *Request) (bool, error)
	HandleStop(ctx context.Context, req *Request) (bool, error)
	HandleForceStop(ctx context.Context, req *Request) (bool, error)
	HandleUpdateConfig(ctx context.Context, req *Request, update ConfigUpdate) (bool, error)
	HandleRefreshConfig(ctx context.Context, req *Request) (bool, error)
	HandleDelete(ctx context.Context, req *Request) (bool, error)

	NextState(op OperationType, success bool) State
}

// can reports whether h allows op.
func can(h Handler, op OperationType) bool {
	switch op {
	case OperationInitialize:
		return h.CanInitialize()
	case OperationStart:
		return h.CanStart()
	case OperationStop:
		return h.CanStop()
	case OperationForceStop:
		return h.CanForceStop()
	case OperationUpdateConfig:
		return h.CanUpdateConfig()
	case OperationRefreshConfig:
		return h.CanRefreshConfig()
	case OperationDelete:
		return h.CanDelete()
	default:
		return false
	}
}

// handlerDeps are the collaborators every handler shares.
type handlerDeps struct {
	actions  ActionFactory
	tracker  StepTracker
	observer Observer
}

// baseHandler supplies the default behavior: nothing is allowed, unsupported
// operations resolve to false, refresh trivially succeeds and no transition happens.
// Concrete handlers embed it and override what their state supports.
type baseHandler struct {
	state State
	handlerDeps
}

func newBaseHandler(state State, deps handlerDeps) baseHandler {
	return baseHandler{state: state, handlerDeps: deps}
}

func (b *baseHandler) State() State { return b.state }

func (b *baseHandler) CanInitialize() bool    { return false }
func (b *baseHandler) CanStart() bool         { return false }
func (b *baseHandler) CanStop() bool          { return false }
func (b *baseHandler) CanForceStop() bool     { return false }
func (b *baseHandler) CanUpdateConfig() bool  { return false }
func (b *baseHandler) CanRefreshConfig() bool { return false }
func (b *baseHandler) CanDelete() bool        { return false }

func (b *baseHandler) HandleInitialize(_ context.Context, req *Request) (bool, error) {
	return b.unsupported(OperationInitialize, req)
}

func (b *baseHandler) HandleStart(_ context.Context, req *Request) (bool, error) {
	return b.unsupported(OperationStart, req)
}

func (b *baseHandler) HandleStop(_ context.Context, req *Request) (bool, error) {
	return b.unsupported(OperationStop, req)
}

func (b *baseHandler) HandleForceStop(_ context.Context, req *Request) (bool, error) {
	return b.unsupported(OperationForceStop, req)
}

func (b *baseHandler) HandleUpdateConfig(_ context.Context, req *Request, _ ConfigUpdate) (bool, error) {
	return b.unsupported(OperationUpdateConfig, req)
}

func (b *baseHandler) HandleRefreshConfig(_ context.Context, req *Request) (bool, error) {
	log.Debug().
		Int64("instance_id", req.Instance.ID).
		Str("state", string(b.state)).
		Msg("refresh config is a no-op in this state")
	return true, nil
}

func (b *baseHandler) HandleDelete(_ context.Context, req *Request) (bool, error) {
	return b.unsupported(OperationDelete, req)
}

func (b *baseHandler) NextState(OperationType, bool) State {
	return b.state
}

func (b *baseHandler) unsupported(op OperationType, req *Request) (bool, error) {
	log.Warn().
		Int64("instance_id", req.Instance.ID).
		Str("state", string(b.state)).
		Str("operation", string(op)).
		Msg("operation not supported in this state")
	return false, nil
}

// runRecipe executes steps strictly in order. A step resolving false stops the
// recipe with (false, nil); an action error stops it with a *StepError.
func (b *baseHandler) runRecipe(ctx context.Context, req *Request, steps []Step, actionFor func(Step) RemoteAction) (bool, error) {
	for _, step := range steps {
		ok, err := b.runStep(ctx, req, step, actionFor(step))
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func (b *baseHandler) runStep(ctx context.Context, req *Request, step Step, action RemoteAction) (bool, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "step."+string(step),
		trace.WithAttributes(
			attribute.Int64("instance.id", req.Instance.ID),
			attribute.String("operation.id", req.OperationID),
			attribute.String("step", string(step)),
		))
	defer span.End()

	logger := log.With().
		Int64("instance_id", req.Instance.ID).
		Str("operation_id", req.OperationID).
		Str("step", string(step)).
		Logger()

	if err := b.track(ctx, req, step, StepStatusRunning, ""); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "tracker")
		return false, err
	}

	if action == nil {
		err := fmt.Errorf("no remote action for step %s", step)
		b.finishStep(ctx, req, step, StepStatusFailed, err.Error(), 0)
		return false, &StepError{Step: step, Message: err.Error(), Err: err}
	}

	start := time.Now()
	ok, err := action.Execute(ctx, req.target())
	elapsed := time.Since(start).Seconds()

	if err != nil {
		logger.Error().Err(err).Str("action", action.Name()).Msg("step raised an error")
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		b.finishStep(ctx, req, step, StepStatusFailed, err.Error(), elapsed)
		return false, &StepError{Step: step, Message: err.Error(), Err: err}
	}

	if !ok {
		msg := step.Description() + " failed"
		logger.Error().Str("action", action.Name()).Msg(msg)
		span.SetStatus(codes.Error, msg)
		b.finishStep(ctx, req, step, StepStatusFailed, msg, elapsed)
		return false, nil
	}

	if err := b.track(ctx, req, step, StepStatusCompleted, ""); err != nil {
		span.RecordError(err)
		return false, err
	}
	b.observer.StepFinished(step, StepStatusCompleted, elapsed)
	logger.Info().Float64("seconds", elapsed).Msg("step completed")
	return true, nil
}

// finishStep records a terminal failure. The tracker error is logged rather than
// returned so the original failure stays the reported cause.
func (b *baseHandler) finishStep(ctx context.Context, req *Request, step Step, status StepStatus, msg string, elapsed float64) {
	if err := b.track(ctx, req, step, status, msg); err != nil {
		log.Error().Err(err).
			Int64("instance_id", req.Instance.ID).
			Str("step", string(step)).
			Msg("failed to record step status")
	}
	b.observer.StepFinished(step, status, elapsed)
}

// track is a no-op for operations started without an id.
func (b *baseHandler) track(ctx context.Context, req *Request, step Step, status StepStatus, msg string) error {
	if req.OperationID == "" {
		return nil
	}
	if err := b.tracker.UpdateStepStatus(ctx, req.OperationID, req.Instance.ID, step, status, msg); err != nil {
		return &Error{
			Class:    ErrorClassInternal,
			Code:     ErrCodeStorageFailed,
			Message:  fmt.Sprintf("record step %s as %s", step, status),
			Instance: req.Instance.ID,
			Err:      err,
		}
	}
	return nil
}

// resetSteps puts every recorded step of the operation back to PENDING before a retry.
func (b *baseHandler) resetSteps(ctx context.Context, req *Request) error {
	if req.OperationID == "" {
		return nil
	}
	if err := b.tracker.ResetStepStatuses(ctx, req.OperationID, StepStatusPending); err != nil {
		return &Error{
			Class:    ErrorClassInternal,
			Code:     ErrCodeStorageFailed,
			Message:  "reset step statuses",
			Instance: req.Instance.ID,
			Err:      err,
		}
	}
	return nil
}

// actionFor maps the steps of the fixed recipes to their actions.
func (b *baseHandler) actionFor(step Step) RemoteAction {
	switch step {
	case StepCreateRemoteDir:
		return b.actions.CreateDirectory()
	case StepUploadPackage:
		return b.actions.UploadPackage()
	case StepExtractPackage:
		return b.actions.ExtractPackage()
	case StepCreateConfig:
		return b.actions.CreateConfig()
	case StepModifyConfig:
		return b.actions.ModifyConfig()
	case StepStartProcess:
		return b.actions.StartProcess()
	case StepVerifyProcess:
		return b.actions.VerifyProcess()
	case StepStopProcess:
		return b.actions.StopProcess()
	case StepRefreshConfig:
		return b.actions.RefreshConfig()
	default:
		return nil
	}
}

// updateActionFor maps update steps to actions carrying the new content.
func (b *baseHandler) updateActionFor(update ConfigUpdate) func(Step) RemoteAction {
	return func(step Step) RemoteAction {
		switch step {
		case StepUpdateMainConfig:
			return b.actions.UpdateMainConfig(*update.MainConfig)
		case StepUpdateJvmConfig:
			return b.actions.UpdateJvmOptions(*update.JvmOptions)
		case StepUpdateSystemConfig:
			return b.actions.UpdateSystemOptions(*update.SystemOptions)
		default:
			return nil
		}
	}
}
