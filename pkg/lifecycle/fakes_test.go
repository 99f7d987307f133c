package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ---- actions ----

type actionResult struct {
	ok  bool
	err error
}

// fakeActions returns success for every action unless told otherwise. Gated actions
// signal on started and block until the gate is closed.
type fakeActions struct {
	mu      sync.Mutex
	results map[string]actionResult
	gates   map[string]chan struct{}
	started map[string]chan struct{}
	calls   []string
}

func newFakeActions() *fakeActions {
	return &fakeActions{
		results: make(map[string]actionResult),
		gates:   make(map[string]chan struct{}),
		started: make(map[string]chan struct{}),
	}
}

func (f *fakeActions) set(name string, ok bool, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results[name] = actionResult{ok: ok, err: err}
}

// gate makes the named action block. It returns the started signal and the release func.
func (f *fakeActions) gate(name string) (<-chan struct{}, func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	g := make(chan struct{})
	s := make(chan struct{})
	f.gates[name] = g
	f.started[name] = s
	var once sync.Once
	return s, func() { once.Do(func() { close(g) }) }
}

func (f *fakeActions) callLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type fakeAction struct {
	name    string
	factory *fakeActions
}

func (a *fakeAction) Name() string { return a.name }

func (a *fakeAction) Execute(_ context.Context, target *Target) (bool, error) {
	f := a.factory
	f.mu.Lock()
	f.calls = append(f.calls, a.name)
	res, ok := f.results[a.name]
	if !ok {
		res = actionResult{ok: true}
	}
	gate := f.gates[a.name]
	started := f.started[a.name]
	delete(f.started, a.name)
	f.mu.Unlock()

	if target == nil || target.Instance == nil || target.Machine == nil {
		return false, errors.New("incomplete target")
	}
	if gate != nil {
		if started != nil {
			close(started)
		}
		<-gate
	}
	return res.ok, res.err
}

func (f *fakeActions) action(name string) RemoteAction {
	return &fakeAction{name: name, factory: f}
}

func (f *fakeActions) CreateDirectory() RemoteAction  { return f.action("create-directory") }
func (f *fakeActions) UploadPackage() RemoteAction    { return f.action("upload-package") }
func (f *fakeActions) ExtractPackage() RemoteAction   { return f.action("extract-package") }
func (f *fakeActions) CreateConfig() RemoteAction     { return f.action("create-config") }
func (f *fakeActions) ModifyConfig() RemoteAction     { return f.action("modify-config") }
func (f *fakeActions) StartProcess() RemoteAction     { return f.action("start-process") }
func (f *fakeActions) VerifyProcess() RemoteAction    { return f.action("verify-process") }
func (f *fakeActions) StopProcess() RemoteAction      { return f.action("stop-process") }
func (f *fakeActions) ForceStopProcess() RemoteAction { return f.action("force-stop-process") }
func (f *fakeActions) RefreshConfig() RemoteAction    { return f.action("refresh-config") }
func (f *fakeActions) DeleteDirectory() RemoteAction  { return f.action("delete-directory") }
func (f *fakeActions) UpdateMainConfig(string) RemoteAction {
	return f.action("update-main-config")
}
func (f *fakeActions) UpdateJvmOptions(string) RemoteAction {
	return f.action("update-jvm-options")
}
func (f *fakeActions) UpdateSystemOptions(string) RemoteAction {
	return f.action("update-system-options")
}

// ---- tracker ----

type trackerEvent struct {
	reset       bool
	operationID string
	instanceID  int64
	step        Step
	status      StepStatus
	msg         string
}

type memTracker struct {
	mu     sync.Mutex
	events []trackerEvent
}

func (t *memTracker) UpdateStepStatus(_ context.Context, operationID string, instanceID int64, step Step, status StepStatus, errMsg string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.events = append(t.events, trackerEvent{
		operationID: operationID, instanceID: instanceID, step: step, status: status, msg: errMsg,
	})
	return nil
}

func (t *memTracker) ResetStepStatuses(_ context.Context, operationID string, status StepStatus) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.events = append(t.events, trackerEvent{reset: true, operationID: operationID, status: status})
	return nil
}

func (t *memTracker) log() []trackerEvent {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]trackerEvent(nil), t.events...)
}

// final returns the last recorded status per step, in first-seen order.
func (t *memTracker) final() ([]Step, map[Step]trackerEvent) {
	var order []Step
	last := make(map[Step]trackerEvent)
	for _, e := range t.log() {
		if e.reset {
			continue
		}
		if _, seen := last[e.step]; !seen {
			order = append(order, e.step)
		}
		last[e.step] = e
	}
	return order, last
}

// ---- store ----

type stateWrite struct {
	id    int64
	state State
	clear bool
}

type memStore struct {
	mu           sync.Mutex
	instances    map[int64]*Instance
	machines     map[int64]*Machine
	stateWrites  []stateWrite
	configWrites int
	deleted      []int64
	claims       map[int64]memClaim
}

type memClaim struct {
	op    OperationType
	token string
	at    time.Time
}

func newMemStore() *memStore {
	return &memStore{
		instances: make(map[int64]*Instance),
		claims:    make(map[int64]memClaim),
		machines:  map[int64]*Machine{1: {ID: 1, Name: "m1", Host: "10.0.0.1", Port: 22, User: "deploy"}},
	}
}

func (s *memStore) put(inst *Instance) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if inst.MachineID == 0 {
		inst.MachineID = 1
	}
	s.instances[inst.ID] = inst
}

func (s *memStore) GetInstance(_ context.Context, id int64) (*Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instances[id]
	if !ok {
		return nil, fmt.Errorf("instance %d not found", id)
	}
	cp := *inst
	return &cp, nil
}

func (s *memStore) GetMachine(_ context.Context, id int64) (*Machine, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.machines[id]
	if !ok {
		return nil, fmt.Errorf("machine %d not found", id)
	}
	cp := *m
	return &cp, nil
}

func (s *memStore) UpdateInstanceState(_ context.Context, id int64, state State, clear bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instances[id]
	if !ok {
		return fmt.Errorf("instance %d not found", id)
	}
	inst.State = state
	if clear {
		inst.RuntimeHandle = nil
	}
	s.stateWrites = append(s.stateWrites, stateWrite{id: id, state: state, clear: clear})
	return nil
}

func (s *memStore) UpdateInstanceConfig(_ context.Context, id int64, update ConfigUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instances[id]
	if !ok {
		return fmt.Errorf("instance %d not found", id)
	}
	update.Apply(inst)
	s.configWrites++
	return nil
}

func (s *memStore) DeleteInstance(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.instances, id)
	s.deleted = append(s.deleted, id)
	return nil
}

func (s *memStore) ClaimInstance(_ context.Context, id int64, op OperationType, token string, staleBefore time.Time) (OperationType, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.instances[id]; !ok {
		return "", false, fmt.Errorf("instance %d not found", id)
	}
	if held, ok := s.claims[id]; ok && !held.at.Before(staleBefore) {
		return held.op, false, nil
	}
	s.claims[id] = memClaim{op: op, token: token, at: time.Now()}
	return op, true, nil
}

func (s *memStore) ReleaseInstance(_ context.Context, id int64, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if held, ok := s.claims[id]; ok && held.token == token {
		delete(s.claims, id)
	}
	return nil
}

// claimed reports the operation holding the instance, if any.
func (s *memStore) claimed(id int64) (OperationType, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	held, ok := s.claims[id]
	return held.op, ok
}

func (s *memStore) state(id int64) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.instances[id].State
}

func (s *memStore) writes() []stateWrite {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]stateWrite(nil), s.stateWrites...)
}

// ---- harness ----

type harness struct {
	store   *memStore
	actions *fakeActions
	tracker *memTracker
	manager *Manager
}

func newHarness() *harness {
	h := &harness{store: newMemStore(), actions: newFakeActions(), tracker: &memTracker{}}
	h.manager = NewManager(h.store, h.actions, h.tracker)
	return h
}

func (h *harness) instance(id int64, state State) *InstanceContext {
	h.store.put(&Instance{ID: id, ProcessID: 1, State: state, DeployPath: "/opt/logfleet/logstash-1"})
	c, err := h.manager.GetContext(context.Background(), id)
	if err != nil {
		panic(err)
	}
	return c
}

func invoke(ctx context.Context, c *InstanceContext, op OperationType, opID string) (bool, error) {
	switch op {
	case OperationInitialize:
		return c.Initialize(ctx, opID)
	case OperationStart:
		return c.Start(ctx, opID)
	case OperationStop:
		return c.Stop(ctx, opID)
	case OperationForceStop:
		return c.ForceStop(ctx, opID)
	case OperationUpdateConfig:
		main := "input { stdin {} }"
		return c.UpdateConfig(ctx, opID, ConfigUpdate{MainConfig: &main})
	case OperationRefreshConfig:
		return c.RefreshConfig(ctx, opID)
	case OperationDelete:
		return c.Delete(ctx, opID)
	default:
		return false, fmt.Errorf("unknown operation %s", op)
	}
}
