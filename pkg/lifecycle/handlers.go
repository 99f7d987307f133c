package lifecycle

import (
	"context"

	"github.com/rs/zerolog/log"
)

// handlerConstructors is the static registry of handlers, one per state.
var handlerConstructors = []func(handlerDeps) Handler{
	newInitializingHandler,
	newInitializeFailedHandler,
	newNotStartedHandler,
	newStartingHandler,
	newStartFailedHandler,
	newRunningHandler,
	newStoppingHandler,
	newStopFailedHandler,
}

// ---- INITIALIZING ----

type initializingHandler struct {
	baseHandler
}

func newInitializingHandler(deps handlerDeps) Handler {
	return &initializingHandler{baseHandler: newBaseHandler(StateInitializing, deps)}
}

func (h *initializingHandler) CanInitialize() bool { return true }

func (h *initializingHandler) HandleInitialize(ctx context.Context, req *Request) (bool, error) {
	return h.initialize(ctx, req)
}

func (h *initializingHandler) NextState(op OperationType, success bool) State {
	return initializeNextState(h.state, op, success)
}

// ---- INITIALIZE_FAILED ----

type initializeFailedHandler struct {
	baseHandler
}

func newInitializeFailedHandler(deps handlerDeps) Handler {
	return &initializeFailedHandler{baseHandler: newBaseHandler(StateInitializeFailed, deps)}
}

func (h *initializeFailedHandler) CanInitialize() bool { return true }
func (h *initializeFailedHandler) CanDelete() bool     { return true }

func (h *initializeFailedHandler) HandleInitialize(ctx context.Context, req *Request) (bool, error) {
	log.Info().Int64("instance_id", req.Instance.ID).Msg("retrying initialization")
	if err := h.resetSteps(ctx, req); err != nil {
		return false, err
	}
	return h.initialize(ctx, req)
}

func (h *initializeFailedHandler) HandleDelete(ctx context.Context, req *Request) (bool, error) {
	return h.deleteDirectory(ctx, req)
}

func (h *initializeFailedHandler) NextState(op OperationType, success bool) State {
	return initializeNextState(h.state, op, success)
}

// ---- NOT_STARTED ----

type notStartedHandler struct {
	baseHandler
}

func newNotStartedHandler(deps handlerDeps) Handler {
	return &notStartedHandler{baseHandler: newBaseHandler(StateNotStarted, deps)}
}

func (h *notStartedHandler) CanStart() bool         { return true }
func (h *notStartedHandler) CanUpdateConfig() bool  { return true }
func (h *notStartedHandler) CanRefreshConfig() bool { return true }
func (h *notStartedHandler) CanDelete() bool        { return true }

func (h *notStartedHandler) HandleStart(ctx context.Context, req *Request) (bool, error) {
	log.Info().Int64("instance_id", req.Instance.ID).Int64("machine_id", req.Machine.ID).Msg("starting instance")
	return h.runRecipe(ctx, req, StartRecipe, h.actionFor)
}

func (h *notStartedHandler) HandleUpdateConfig(ctx context.Context, req *Request, update ConfigUpdate) (bool, error) {
	return h.updateConfig(ctx, req, update)
}

func (h *notStartedHandler) HandleRefreshConfig(ctx context.Context, req *Request) (bool, error) {
	return h.refreshConfig(ctx, req)
}

func (h *notStartedHandler) HandleDelete(ctx context.Context, req *Request) (bool, error) {
	return h.deleteDirectory(ctx, req)
}

func (h *notStartedHandler) NextState(op OperationType, success bool) State {
	return startNextState(h.state, op, success)
}

// ---- STARTING ----

// startingHandler exposes no operations; it exists so an instance with a start
// in flight resolves to a handler that rejects everything.
type startingHandler struct {
	baseHandler
}

func newStartingHandler(deps handlerDeps) Handler {
	return &startingHandler{baseHandler: newBaseHandler(StateStarting, deps)}
}

// ---- START_FAILED ----

type startFailedHandler struct {
	baseHandler
}

func newStartFailedHandler(deps handlerDeps) Handler {
	return &startFailedHandler{baseHandler: newBaseHandler(StateStartFailed, deps)}
}

func (h *startFailedHandler) CanStart() bool         { return true }
func (h *startFailedHandler) CanUpdateConfig() bool  { return true }
func (h *startFailedHandler) CanRefreshConfig() bool { return true }
func (h *startFailedHandler) CanDelete() bool        { return true }

func (h *startFailedHandler) HandleStart(ctx context.Context, req *Request) (bool, error) {
	log.Info().Int64("instance_id", req.Instance.ID).Msg("retrying start")
	if err := h.resetSteps(ctx, req); err != nil {
		return false, err
	}
	return h.runRecipe(ctx, req, StartRecipe, h.actionFor)
}

func (h *startFailedHandler) HandleUpdateConfig(ctx context.Context, req *Request, update ConfigUpdate) (bool, error) {
	return h.updateConfig(ctx, req, update)
}

func (h *startFailedHandler) HandleRefreshConfig(ctx context.Context, req *Request) (bool, error) {
	return h.refreshConfig(ctx, req)
}

func (h *startFailedHandler) HandleDelete(ctx context.Context, req *Request) (bool, error) {
	return h.deleteDirectory(ctx, req)
}

func (h *startFailedHandler) NextState(op OperationType, success bool) State {
	return startNextState(h.state, op, success)
}

// ---- RUNNING ----

type runningHandler struct {
	baseHandler
}

func newRunningHandler(deps handlerDeps) Handler {
	return &runningHandler{baseHandler: newBaseHandler(StateRunning, deps)}
}

func (h *runningHandler) CanStop() bool      { return true }
func (h *runningHandler) CanForceStop() bool { return true }

func (h *runningHandler) HandleStop(ctx context.Context, req *Request) (bool, error) {
	log.Info().Int64("instance_id", req.Instance.ID).Int64("machine_id", req.Machine.ID).Msg("stopping instance")
	return h.runRecipe(ctx, req, StopRecipe, h.actionFor)
}

func (h *runningHandler) HandleForceStop(ctx context.Context, req *Request) (bool, error) {
	return h.forceStop(ctx, req)
}

func (h *runningHandler) NextState(op OperationType, success bool) State {
	return stopNextState(h.state, op, success)
}

// ---- STOPPING ----

type stoppingHandler struct {
	baseHandler
}

func newStoppingHandler(deps handlerDeps) Handler {
	return &stoppingHandler{baseHandler: newBaseHandler(StateStopping, deps)}
}

// ---- STOP_FAILED ----

type stopFailedHandler struct {
	baseHandler
}

func newStopFailedHandler(deps handlerDeps) Handler {
	return &stopFailedHandler{baseHandler: newBaseHandler(StateStopFailed, deps)}
}

func (h *stopFailedHandler) CanStop() bool      { return true }
func (h *stopFailedHandler) CanForceStop() bool { return true }

// HandleStop re-runs the whole stop recipe after resetting every recorded step.
func (h *stopFailedHandler) HandleStop(ctx context.Context, req *Request) (bool, error) {
	log.Info().Int64("instance_id", req.Instance.ID).Msg("retrying stop")
	if err := h.resetSteps(ctx, req); err != nil {
		return false, err
	}
	return h.runRecipe(ctx, req, StopRecipe, h.actionFor)
}

func (h *stopFailedHandler) HandleForceStop(ctx context.Context, req *Request) (bool, error) {
	return h.forceStop(ctx, req)
}

func (h *stopFailedHandler) NextState(op OperationType, success bool) State {
	return stopNextState(h.state, op, success)
}

// ---- shared transitions ----

func initializeNextState(own State, op OperationType, success bool) State {
	if op == OperationInitialize {
		if success {
			return StateNotStarted
		}
		return StateInitializeFailed
	}
	return own
}

func startNextState(own State, op OperationType, success bool) State {
	if op == OperationStart {
		if success {
			return StateRunning
		}
		return StateStartFailed
	}
	return own
}

func stopNextState(own State, op OperationType, success bool) State {
	switch op {
	case OperationStop:
		if success {
			return StateNotStarted
		}
		return StateStopFailed
	case OperationForceStop:
		return StateNotStarted
	default:
		return own
	}
}

// ---- shared recipes ----

// initialize clears any previous deployment directory, then runs the initialize recipe.
// The cleanup is not a tracked step and its failure does not stop initialization.
func (b *baseHandler) initialize(ctx context.Context, req *Request) (bool, error) {
	logger := log.With().Int64("instance_id", req.Instance.ID).Int64("machine_id", req.Machine.ID).Logger()

	if cleanup := b.actions.DeleteDirectory(); cleanup != nil {
		ok, err := cleanup.Execute(ctx, req.target())
		switch {
		case err != nil:
			logger.Warn().Err(err).Msg("removing previous deployment failed, continuing")
		case !ok:
			logger.Warn().Msg("previous deployment directory not removed, continuing")
		}
	}

	logger.Info().Msg("initializing instance")
	return b.runRecipe(ctx, req, InitializeRecipe, b.actionFor)
}

func (b *baseHandler) updateConfig(ctx context.Context, req *Request, update ConfigUpdate) (bool, error) {
	steps := UpdateConfigRecipe(update)
	log.Info().
		Int64("instance_id", req.Instance.ID).
		Int("parts", len(steps)).
		Msg("updating instance config")
	return b.runRecipe(ctx, req, steps, b.updateActionFor(update))
}

func (b *baseHandler) refreshConfig(ctx context.Context, req *Request) (bool, error) {
	log.Info().Int64("instance_id", req.Instance.ID).Msg("refreshing instance config")
	return b.runRecipe(ctx, req, RefreshConfigRecipe, b.actionFor)
}

// forceStop kills the process regardless of outcome. The step is always recorded
// as completed and the operation always succeeds.
func (b *baseHandler) forceStop(ctx context.Context, req *Request) (bool, error) {
	logger := log.With().Int64("instance_id", req.Instance.ID).Str("state", string(b.state)).Logger()
	logger.Warn().Msg("force stopping instance")

	if err := b.resetSteps(ctx, req); err != nil {
		logger.Warn().Err(err).Msg("could not reset step statuses")
	}
	if err := b.track(ctx, req, StepStopProcess, StepStatusRunning, ""); err != nil {
		logger.Warn().Err(err).Msg("could not record step start")
	}

	note := "force stop completed"
	if action := b.actions.ForceStopProcess(); action != nil {
		ok, err := action.Execute(ctx, req.target())
		if err != nil {
			logger.Warn().Err(err).Msg("force stop raised an error, marking stopped anyway")
			note = "force stop completed (error ignored: " + err.Error() + ")"
		} else if !ok {
			note = "force stop completed (process may still be running)"
		}
	}

	if err := b.track(ctx, req, StepStopProcess, StepStatusCompleted, note); err != nil {
		logger.Warn().Err(err).Msg("could not record step completion")
	}
	b.observer.StepFinished(StepStopProcess, StepStatusCompleted, 0)
	return true, nil
}

// deleteDirectory removes the remote deployment. It is best effort: the caller
// removes the instance record regardless.
func (b *baseHandler) deleteDirectory(ctx context.Context, req *Request) (bool, error) {
	action := b.actions.DeleteDirectory()
	if action == nil {
		return true, nil
	}
	ok, err := action.Execute(ctx, req.target())
	if err != nil {
		log.Warn().Err(err).Int64("instance_id", req.Instance.ID).Msg("removing deployment directory failed")
		return false, nil
	}
	return ok, nil
}
