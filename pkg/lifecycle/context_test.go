package lifecycle

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"
)

var allOperations = []OperationType{
	OperationInitialize,
	OperationStart,
	OperationStop,
	OperationForceStop,
	OperationUpdateConfig,
	OperationRefreshConfig,
	OperationDelete,
}

func TestGuardRejectsWithoutStateWrites(t *testing.T) {
	ctx := context.Background()
	rejected := 0

	for _, state := range AllStates {
		for _, op := range allOperations {
			h := newHarness()
			handler, err := h.manager.HandlerFor(state)
			if err != nil {
				t.Fatalf("HandlerFor(%s) error = %v", state, err)
			}
			if can(handler, op) {
				continue
			}
			rejected++

			c := h.instance(1, state)
			ok, err := invoke(ctx, c, op, "op-guard")
			if ok {
				t.Errorf("%s from %s: expected false", op, state)
			}
			if !IsValidation(err) {
				t.Errorf("%s from %s: expected validation error, got %v", op, state, err)
			}
			if !errors.Is(err, ErrNotAllowed) {
				t.Errorf("%s from %s: expected ErrNotAllowed, got %v", op, state, err)
			}
			if w := h.store.writes(); len(w) != 0 {
				t.Errorf("%s from %s: expected no state writes, got %v", op, state, w)
			}
			if got := h.store.state(1); got != state {
				t.Errorf("%s from %s: state changed to %s", op, state, got)
			}
			if calls := h.actions.callLog(); len(calls) != 0 {
				t.Errorf("%s from %s: expected no remote actions, got %v", op, state, calls)
			}
		}
	}

	if rejected == 0 {
		t.Fatal("expected at least one rejected state/operation pair")
	}
}

func TestNotAllowedMessageNamesCapability(t *testing.T) {
	h := newHarness()
	c := h.instance(1, StateRunning)

	_, err := c.Start(context.Background(), "op-1")
	if err == nil {
		t.Fatal("expected error")
	}
	want := "operation START not allowed in current state RUNNING (running), expected capability CanStart"
	var lerr *Error
	if !errors.As(err, &lerr) {
		t.Fatalf("expected *Error, got %T", err)
	}
	if lerr.Message != want {
		t.Errorf("message = %q, want %q", lerr.Message, want)
	}
}

func TestInitializeSuccess(t *testing.T) {
	h := newHarness()
	c := h.instance(1, StateInitializing)

	ok, err := c.Initialize(context.Background(), "op-init")
	if err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	if !ok {
		t.Fatal("Initialize() = false, want true")
	}

	order, last := h.tracker.final()
	if !reflect.DeepEqual(order, InitializeRecipe) {
		t.Errorf("recorded steps = %v, want %v", order, InitializeRecipe)
	}
	for _, step := range InitializeRecipe {
		if last[step].status != StepStatusCompleted {
			t.Errorf("step %s status = %s, want COMPLETED", step, last[step].status)
		}
	}

	if got := h.store.state(1); got != StateNotStarted {
		t.Errorf("final state = %s, want NOT_STARTED", got)
	}
	if got := c.State(); got != StateNotStarted {
		t.Errorf("context state = %s, want NOT_STARTED", got)
	}

	calls := h.actions.callLog()
	if len(calls) == 0 || calls[0] != "delete-directory" {
		t.Errorf("expected cleanup before the recipe, calls = %v", calls)
	}

	want := []State{StateInitializing, StateNotStarted}
	var got []State
	for _, w := range h.store.writes() {
		got = append(got, w.state)
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("state writes = %v, want %v", got, want)
	}
}

func TestInitializeCleanupFailureIsIgnored(t *testing.T) {
	h := newHarness()
	h.actions.set("delete-directory", false, errors.New("connection reset"))
	c := h.instance(1, StateInitializing)

	ok, err := c.Initialize(context.Background(), "op-init")
	if err != nil || !ok {
		t.Fatalf("Initialize() = %v, %v; want true, nil", ok, err)
	}
	for _, e := range h.tracker.log() {
		if e.reset {
			t.Errorf("unexpected reset on first initialize")
		}
	}
}

func TestInitializeExtractFailure(t *testing.T) {
	h := newHarness()
	h.actions.set("extract-package", false, nil)
	c := h.instance(1, StateInitializing)

	ok, err := c.Initialize(context.Background(), "op-init")
	if err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	if ok {
		t.Fatal("Initialize() = true, want false")
	}

	order, last := h.tracker.final()
	wantOrder := []Step{StepCreateRemoteDir, StepUploadPackage, StepExtractPackage}
	if !reflect.DeepEqual(order, wantOrder) {
		t.Errorf("recorded steps = %v, want %v", order, wantOrder)
	}
	if last[StepExtractPackage].status != StepStatusFailed {
		t.Errorf("EXTRACT_PACKAGE status = %s, want FAILED", last[StepExtractPackage].status)
	}
	if last[StepExtractPackage].msg == "" {
		t.Error("expected a failure reason on EXTRACT_PACKAGE")
	}
	for _, step := range []Step{StepCreateConfig, StepModifyConfig} {
		if _, ok := last[step]; ok {
			t.Errorf("step %s should never be recorded", step)
		}
	}
	if got := h.store.state(1); got != StateInitializeFailed {
		t.Errorf("final state = %s, want INITIALIZE_FAILED", got)
	}
}

func TestInitializeRetryResetsSteps(t *testing.T) {
	h := newHarness()
	c := h.instance(1, StateInitializeFailed)

	ok, err := c.Initialize(context.Background(), "op-init")
	if err != nil || !ok {
		t.Fatalf("Initialize() = %v, %v; want true, nil", ok, err)
	}
	events := h.tracker.log()
	if len(events) == 0 || !events[0].reset || events[0].status != StepStatusPending {
		t.Fatalf("expected reset to PENDING first, got %+v", events)
	}
	if got := h.store.state(1); got != StateNotStarted {
		t.Errorf("final state = %s, want NOT_STARTED", got)
	}
}

func TestStopFailureClearsRuntimeHandle(t *testing.T) {
	h := newHarness()
	h.actions.set("stop-process", false, nil)
	pid := "4242"
	h.store.put(&Instance{ID: 1, State: StateRunning, RuntimeHandle: &pid})
	c, err := h.manager.GetContext(context.Background(), 1)
	if err != nil {
		t.Fatalf("GetContext() error = %v", err)
	}

	ok, err := c.Stop(context.Background(), "op-stop")
	if err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if ok {
		t.Fatal("Stop() = true, want false")
	}

	inst, _ := h.store.GetInstance(context.Background(), 1)
	if inst.State != StateStopFailed {
		t.Errorf("final state = %s, want STOP_FAILED", inst.State)
	}
	if inst.RuntimeHandle != nil {
		t.Errorf("runtime handle = %q, want nil", *inst.RuntimeHandle)
	}
	for _, w := range h.store.writes() {
		if !w.clear {
			t.Errorf("write of %s did not clear the runtime handle", w.state)
		}
	}
}

func TestStopRetryResetsStepsBeforeStopProcess(t *testing.T) {
	h := newHarness()
	c := h.instance(1, StateStopFailed)

	ok, err := c.Stop(context.Background(), "op-stop")
	if err != nil || !ok {
		t.Fatalf("Stop() = %v, %v; want true, nil", ok, err)
	}

	events := h.tracker.log()
	if len(events) < 2 {
		t.Fatalf("expected reset and step events, got %+v", events)
	}
	if !events[0].reset || events[0].operationID != "op-stop" || events[0].status != StepStatusPending {
		t.Errorf("first event = %+v, want reset of op-stop to PENDING", events[0])
	}
	if events[1].step != StepStopProcess || events[1].status != StepStatusRunning {
		t.Errorf("second event = %+v, want STOP_PROCESS RUNNING", events[1])
	}
	if got := h.store.state(1); got != StateNotStarted {
		t.Errorf("final state = %s, want NOT_STARTED", got)
	}
}

// nextStateOverride replaces the next-state function of a real handler.
type nextStateOverride struct {
	Handler
	next State
}

func (o nextStateOverride) NextState(OperationType, bool) State { return o.next }

func TestUpdateConfigStateWrites(t *testing.T) {
	tests := []struct {
		name       string
		next       State
		wantWrites int
	}{
		{name: "same state", next: StateNotStarted, wantWrites: 0},
		{name: "different state", next: StateStartFailed, wantWrites: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness()
			base, _ := h.manager.HandlerFor(StateNotStarted)
			h.manager.handlers[StateNotStarted] = nextStateOverride{Handler: base, next: tt.next}
			c := h.instance(1, StateNotStarted)

			jvm := "-Xmx1g"
			ok, err := c.UpdateConfig(context.Background(), "op-cfg", ConfigUpdate{JvmOptions: &jvm})
			if err != nil || !ok {
				t.Fatalf("UpdateConfig() = %v, %v; want true, nil", ok, err)
			}

			if got := len(h.store.writes()); got != tt.wantWrites {
				t.Errorf("state writes = %d, want %d", got, tt.wantWrites)
			}
			if h.store.configWrites != 1 {
				t.Errorf("config writes = %d, want 1", h.store.configWrites)
			}
			inst, _ := h.store.GetInstance(context.Background(), 1)
			if inst.JvmOptions != jvm {
				t.Errorf("jvm options = %q, want %q", inst.JvmOptions, jvm)
			}
			if inst.State != tt.next {
				t.Errorf("state = %s, want %s", inst.State, tt.next)
			}
		})
	}
}

func TestUpdateConfigRunsOnlySuppliedParts(t *testing.T) {
	h := newHarness()
	c := h.instance(1, StateStartFailed)

	main := "input {}"
	sys := "pipeline.workers: 2"
	if _, err := c.UpdateConfig(context.Background(), "op-cfg", ConfigUpdate{MainConfig: &main, SystemOptions: &sys}); err != nil {
		t.Fatalf("UpdateConfig() error = %v", err)
	}
	want := []string{"update-main-config", "update-system-options"}
	if got := h.actions.callLog(); !reflect.DeepEqual(got, want) {
		t.Errorf("calls = %v, want %v", got, want)
	}
}

func TestUpdateConfigRejectsEmptyUpdate(t *testing.T) {
	h := newHarness()
	c := h.instance(1, StateNotStarted)

	_, err := c.UpdateConfig(context.Background(), "op-cfg", ConfigUpdate{})
	var lerr *Error
	if !errors.As(err, &lerr) || lerr.Code != ErrCodeInvalidInput {
		t.Fatalf("expected INVALID_INPUT, got %v", err)
	}
}

func TestUpdateConfigErrorLeavesState(t *testing.T) {
	h := newHarness()
	h.actions.set("update-main-config", false, errors.New("disk full"))
	c := h.instance(1, StateNotStarted)

	main := "input {}"
	_, err := c.UpdateConfig(context.Background(), "op-cfg", ConfigUpdate{MainConfig: &main})
	if err == nil {
		t.Fatal("expected error")
	}
	if len(h.store.writes()) != 0 || h.store.configWrites != 0 {
		t.Errorf("expected no writes, got %d state and %d config", len(h.store.writes()), h.store.configWrites)
	}
}

func TestRefreshConfigAlwaysWritesState(t *testing.T) {
	h := newHarness()
	c := h.instance(1, StateNotStarted)

	ok, err := c.RefreshConfig(context.Background(), "op-refresh")
	if err != nil || !ok {
		t.Fatalf("RefreshConfig() = %v, %v; want true, nil", ok, err)
	}
	w := h.store.writes()
	if len(w) != 1 || w[0].state != StateNotStarted {
		t.Errorf("state writes = %v, want one NOT_STARTED write", w)
	}
}

func TestSecondOperationRejectedWhileFirstInFlight(t *testing.T) {
	h := newHarness()
	started, release := h.actions.gate("start-process")
	defer release()
	c := h.instance(1, StateNotStarted)

	ch, err := c.StartAsync(context.Background(), "op-1")
	if err != nil {
		t.Fatalf("StartAsync() error = %v", err)
	}
	<-started

	other, err := h.manager.GetContext(context.Background(), 1)
	if err != nil {
		t.Fatalf("GetContext() error = %v", err)
	}
	if _, err := other.StartAsync(context.Background(), "op-2"); !IsValidation(err) {
		t.Errorf("second start: expected validation error, got %v", err)
	}
	// The stale context must not pass either.
	if _, err := c.RefreshConfig(context.Background(), "op-3"); !IsValidation(err) {
		t.Errorf("refresh during start: expected validation error, got %v", err)
	}

	release()
	res := <-ch
	if res.Err != nil || !res.Success {
		t.Fatalf("first start result = %+v", res)
	}
	if got := h.store.state(1); got != StateRunning {
		t.Errorf("final state = %s, want RUNNING", got)
	}
}

func TestSecondInitializeRejectedWhileFirstInFlight(t *testing.T) {
	h := newHarness()
	started, release := h.actions.gate("upload-package")
	defer release()
	c := h.instance(1, StateInitializing)

	ch, err := c.InitializeAsync(context.Background(), "op-1")
	if err != nil {
		t.Fatalf("InitializeAsync() error = %v", err)
	}
	<-started

	if _, err := c.InitializeAsync(context.Background(), "op-2"); !IsValidation(err) {
		t.Errorf("second initialize: expected validation error, got %v", err)
	}

	release()
	if res := <-ch; !res.Success {
		t.Fatalf("first initialize result = %+v", res)
	}
	if got := h.actions.callLog(); len(got) != 6 {
		t.Errorf("expected one cleanup and five steps, got %v", got)
	}
}

func TestInitializeExcludedAcrossManagers(t *testing.T) {
	h := newHarness()
	started, release := h.actions.gate("extract-package")
	defer release()
	a := h.instance(1, StateInitializing)

	// A second manager over the same store stands in for another CLI process.
	other := NewManager(h.store, h.actions, h.tracker)
	b, err := other.GetContext(context.Background(), 1)
	if err != nil {
		t.Fatalf("GetContext() error = %v", err)
	}

	ch, err := a.InitializeAsync(context.Background(), "op-a")
	if err != nil {
		t.Fatalf("InitializeAsync() error = %v", err)
	}
	<-started

	if _, err := b.InitializeAsync(context.Background(), "op-b"); !IsValidation(err) {
		t.Fatalf("initialize from second manager: expected validation error, got %v", err)
	}
	if op, held := h.store.claimed(1); !held || op != OperationInitialize {
		t.Errorf("claim = %s, %v; want INITIALIZE held", op, held)
	}

	release()
	if res := <-ch; !res.Success {
		t.Fatalf("first initialize result = %+v", res)
	}
	if got := h.actions.callLog(); len(got) != 6 {
		t.Errorf("expected one recipe run of six calls, got %v", got)
	}
	if _, held := h.store.claimed(1); held {
		t.Error("claim still held after initialize finished")
	}

	// The instance is free again for the other manager.
	if ok, err := b.Start(context.Background(), "op-start"); err != nil || !ok {
		t.Errorf("Start() from second manager = %v, %v", ok, err)
	}
}

func TestStaleClaimTakenOver(t *testing.T) {
	h := newHarness()
	h.manager = NewManager(h.store, h.actions, h.tracker, WithClaimTTL(time.Millisecond))
	c := h.instance(1, StateNotStarted)

	// A claim left by a process that died mid-operation.
	if _, ok, err := h.store.ClaimInstance(context.Background(), 1, OperationStart, "dead", time.Now()); err != nil || !ok {
		t.Fatalf("ClaimInstance() = %v, %v", ok, err)
	}
	time.Sleep(5 * time.Millisecond)

	if ok, err := c.Start(context.Background(), "op-start"); err != nil || !ok {
		t.Fatalf("Start() = %v, %v; want true, nil", ok, err)
	}
	if _, held := h.store.claimed(1); held {
		t.Error("claim still held after start finished")
	}
}

func TestLiveClaimBlocksOperation(t *testing.T) {
	h := newHarness()
	c := h.instance(1, StateRunning)

	if _, ok, err := h.store.ClaimInstance(context.Background(), 1, OperationStop, "elsewhere", time.Now().Add(-time.Hour)); err != nil || !ok {
		t.Fatalf("ClaimInstance() = %v, %v", ok, err)
	}

	_, err := c.ForceStop(context.Background(), "op-force")
	if !IsValidation(err) {
		t.Fatalf("ForceStop() error = %v, want validation error", err)
	}
	if !strings.Contains(err.Error(), "STOP is in progress") {
		t.Errorf("error = %q, want it to name the running operation", err)
	}
	if got := h.store.state(1); got != StateRunning {
		t.Errorf("state = %s, want RUNNING", got)
	}
	if op, _ := h.store.claimed(1); op != OperationStop {
		t.Errorf("claim = %s, want the original STOP claim kept", op)
	}
}

func TestStartingVisibleToConcurrentReader(t *testing.T) {
	h := newHarness()
	started, release := h.actions.gate("start-process")
	defer release()
	c := h.instance(1, StateNotStarted)

	ch, err := c.StartAsync(context.Background(), "op-start")
	if err != nil {
		t.Fatalf("StartAsync() error = %v", err)
	}
	if got := h.store.state(1); got != StateStarting {
		t.Errorf("state after StartAsync returned = %s, want STARTING", got)
	}

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("start action never ran")
	}
	reader, err := h.manager.GetContext(context.Background(), 1)
	if err != nil {
		t.Fatalf("GetContext() error = %v", err)
	}
	if reader.State() != StateStarting {
		t.Errorf("reader state = %s, want STARTING", reader.State())
	}
	if reader.Handler().CanStart() || reader.Handler().CanStop() {
		t.Error("STARTING handler must expose no capabilities")
	}

	release()
	res := <-ch
	if !res.Success || res.Err != nil {
		t.Fatalf("result = %+v", res)
	}
	if got := h.store.state(1); got != StateRunning {
		t.Errorf("final state = %s, want RUNNING", got)
	}

	var states []State
	for _, w := range h.store.writes() {
		states = append(states, w.state)
	}
	if want := []State{StateStarting, StateRunning}; !reflect.DeepEqual(states, want) {
		t.Errorf("state writes = %v, want %v", states, want)
	}
	if want := []string{"start-process", "verify-process"}; !reflect.DeepEqual(h.actions.callLog(), want) {
		t.Errorf("calls = %v, want %v", h.actions.callLog(), want)
	}
}

func TestActionErrorWritesFailureState(t *testing.T) {
	h := newHarness()
	h.actions.set("start-process", false, errors.New("ssh: handshake failed"))
	c := h.instance(1, StateNotStarted)

	ok, err := c.Start(context.Background(), "op-start")
	if ok {
		t.Error("Start() = true, want false")
	}
	step, found := FailedStep(err)
	if !found || step != StepStartProcess {
		t.Fatalf("FailedStep() = %s, %v; want START_PROCESS", step, found)
	}
	if got := h.store.state(1); got != StateStartFailed {
		t.Errorf("final state = %s, want START_FAILED", got)
	}
	_, last := h.tracker.final()
	if last[StepStartProcess].status != StepStatusFailed || last[StepStartProcess].msg != "ssh: handshake failed" {
		t.Errorf("START_PROCESS record = %+v", last[StepStartProcess])
	}
	if _, ok := last[StepVerifyProcess]; ok {
		t.Error("VERIFY_PROCESS should not be recorded")
	}
}

func TestForceStopAlwaysEndsNotStarted(t *testing.T) {
	for _, from := range []State{StateRunning, StateStopFailed} {
		t.Run(string(from), func(t *testing.T) {
			h := newHarness()
			h.actions.set("force-stop-process", false, errors.New("no such process"))
			c := h.instance(1, from)

			ok, err := c.ForceStop(context.Background(), "op-kill")
			if err != nil || !ok {
				t.Fatalf("ForceStop() = %v, %v; want true, nil", ok, err)
			}
			if got := h.store.state(1); got != StateNotStarted {
				t.Errorf("final state = %s, want NOT_STARTED", got)
			}
			_, last := h.tracker.final()
			if last[StepStopProcess].status != StepStatusCompleted {
				t.Errorf("STOP_PROCESS status = %s, want COMPLETED", last[StepStopProcess].status)
			}
		})
	}
}

func TestDelete(t *testing.T) {
	tests := []struct {
		name    string
		cleanOK bool
		cleanE  error
		want    bool
	}{
		{name: "remote cleanup succeeds", cleanOK: true, want: true},
		{name: "remote cleanup errors", cleanE: errors.New("permission denied"), want: false},
		{name: "remote cleanup unsuccessful", cleanOK: false, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness()
			h.actions.set("delete-directory", tt.cleanOK, tt.cleanE)
			c := h.instance(1, StateStartFailed)

			ok, err := c.Delete(context.Background(), "")
			if err != nil {
				t.Fatalf("Delete() error = %v", err)
			}
			if ok != tt.want {
				t.Errorf("Delete() = %v, want %v", ok, tt.want)
			}
			if len(h.store.deleted) != 1 || h.store.deleted[0] != 1 {
				t.Errorf("deleted = %v, want [1]", h.store.deleted)
			}
			if len(h.tracker.log()) != 0 {
				t.Errorf("delete should not be tracked, got %+v", h.tracker.log())
			}
		})
	}
}

func TestUntrackedOperationSkipsTracker(t *testing.T) {
	h := newHarness()
	c := h.instance(1, StateNotStarted)

	if ok, err := c.Start(context.Background(), ""); err != nil || !ok {
		t.Fatalf("Start() = %v, %v", ok, err)
	}
	if len(h.tracker.log()) != 0 {
		t.Errorf("expected no tracker events, got %+v", h.tracker.log())
	}
}

func TestAsyncSurvivesCallerCancellation(t *testing.T) {
	h := newHarness()
	started, release := h.actions.gate("stop-process")
	c := h.instance(1, StateRunning)

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := c.StopAsync(ctx, "op-stop")
	if err != nil {
		t.Fatalf("StopAsync() error = %v", err)
	}
	<-started
	cancel()
	release()

	if res := <-ch; !res.Success {
		t.Fatalf("result = %+v", res)
	}
	if got := h.store.state(1); got != StateNotStarted {
		t.Errorf("final state = %s, want NOT_STARTED", got)
	}
}
