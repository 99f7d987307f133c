// Package deploy runs lifecycle operations as tracked tasks, on one instance or fanned
// out across every instance of a process template.
package deploy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/logfleet/logfleet/pkg/lifecycle"
	"github.com/logfleet/logfleet/pkg/stores"
	"github.com/logfleet/logfleet/pkg/telemetry"
)

const tracerName = "github.com/logfleet/logfleet/pkg/deploy"

// Store is the persistence the service needs beyond the lifecycle manager.
type Store interface {
	GetProcess(ctx context.Context, id int64) (*stores.Process, error)
	GetMachine(ctx context.Context, id int64) (*lifecycle.Machine, error)
	CreateInstance(ctx context.Context, inst *lifecycle.Instance) error
	ListInstances(ctx context.Context, processID *int64) ([]*lifecycle.Instance, error)
	CreateAuditEntry(ctx context.Context, entry *stores.AuditEntry) error
}

// Tasks records operations as tasks. *tasks.Service implements it.
type Tasks interface {
	CreateTask(ctx context.Context, inst *lifecycle.Instance, op lifecycle.OperationType, steps []lifecycle.Step) (*stores.Task, error)
	UpdateTaskStatus(ctx context.Context, taskID string, status stores.TaskStatus, errMsg string) error
	Track(ctx context.Context, taskID string, results <-chan lifecycle.Result) (<-chan lifecycle.Result, error)
}

// FanoutObserver counts instances handled by fleet-wide operations.
// *telemetry.Metrics implements it.
type FanoutObserver interface {
	RecordFanout(op lifecycle.OperationType, success bool)
}

// Service runs lifecycle operations.
type Service struct {
	store       Store
	manager     *lifecycle.Manager
	tasks       Tasks
	concurrency int
	actor       string
	observer    FanoutObserver
	tracer      *telemetry.Tracer
}

// Option configures a Service.
type Option func(*Service)

// WithConcurrency bounds how many instances a fan-out works on at once.
func WithConcurrency(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.concurrency = n
		}
	}
}

// WithActor sets the name recorded as creator and in the audit log.
func WithActor(actor string) Option {
	return func(s *Service) {
		if actor != "" {
			s.actor = actor
		}
	}
}

// WithObserver reports fan-out outcomes to o.
func WithObserver(o FanoutObserver) Option {
	return func(s *Service) { s.observer = o }
}

// WithTracer sets the tracer fan-out spans are started on.
func WithTracer(t *telemetry.Tracer) Option {
	return func(s *Service) {
		if t != nil {
			s.tracer = t
		}
	}
}

// NewService creates a deploy service.
func NewService(store Store, manager *lifecycle.Manager, tasks Tasks, opts ...Option) *Service {
	s := &Service{
		store:       store,
		manager:     manager,
		tasks:       tasks,
		concurrency: 8,
		actor:       "logfleet",
		tracer:      telemetry.GlobalTracer(tracerName),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Outcome is the result of one operation on one instance.
type Outcome struct {
	InstanceID int64                   `json:"instance_id"`
	MachineID  int64                   `json:"machine_id"`
	Operation  lifecycle.OperationType `json:"operation"`
	TaskID     string                  `json:"task_id,omitempty"`
	Success    bool                    `json:"success"`
	Err        error                   `json:"-"`
}

// Message returns the failure message, or "" when the operation succeeded.
func (o Outcome) Message() string {
	switch {
	case o.Err != nil:
		return o.Err.Error()
	case !o.Success:
		return "operation unsuccessful"
	default:
		return ""
	}
}

// MarshalJSON adds the error message to the JSON form.
func (o Outcome) MarshalJSON() ([]byte, error) {
	type plain Outcome
	return json.Marshal(struct {
		plain
		Error string `json:"error,omitempty"`
	}{plain(o), o.Message()})
}

// Attach creates one instance of the process template on each machine, seeded with
// the template's configuration, and puts each into INITIALIZING. deployPath is
// optional; an empty path lets the actions derive one per instance.
func (s *Service) Attach(ctx context.Context, processID int64, machineIDs []int64, deployPath string) ([]*lifecycle.Instance, error) {
	if len(machineIDs) == 0 {
		return nil, errors.New("at least one machine is required")
	}

	process, err := s.store.GetProcess(ctx, processID)
	if err != nil {
		return nil, err
	}
	for _, id := range machineIDs {
		if _, err := s.store.GetMachine(ctx, id); err != nil {
			return nil, err
		}
	}

	instances := make([]*lifecycle.Instance, 0, len(machineIDs))
	for _, machineID := range machineIDs {
		inst := &lifecycle.Instance{
			ProcessID:     process.ID,
			MachineID:     machineID,
			DeployPath:    deployPath,
			MainConfig:    process.MainConfig,
			JvmOptions:    process.JvmOptions,
			SystemOptions: process.SystemOptions,
			CreatedBy:     s.actor,
		}
		if err := s.store.CreateInstance(ctx, inst); err != nil {
			return instances, err
		}
		if err := s.manager.InitializeState(ctx, inst.ID); err != nil {
			return instances, err
		}
		inst.State = lifecycle.StateInitializing
		instances = append(instances, inst)

		s.audit(ctx, "instance.attached", strconv.FormatInt(inst.ID, 10), map[string]any{
			"process_id": process.ID,
			"machine_id": machineID,
		})
	}

	logger(ctx).
		WithField("process_id", process.ID).
		WithField("process", process.Name).
		WithField("instances", len(instances)).
		Info("process attached to machines")
	return instances, nil
}

// Run executes op on one instance as a tracked task and waits for it. update is
// required for UPDATE_CONFIG and ignored otherwise. Errors that prevent the
// operation from starting (unknown instance, operation not allowed) are returned;
// failures of the operation itself are reported in the Outcome.
func (s *Service) Run(ctx context.Context, instanceID int64, op lifecycle.OperationType, update *lifecycle.ConfigUpdate) (Outcome, error) {
	out := Outcome{InstanceID: instanceID, Operation: op}

	if op == lifecycle.OperationUpdateConfig && (update == nil || update.IsEmpty()) {
		return out, errors.New("update-config needs at least one of main config, jvm options or system options")
	}

	ictx, err := s.manager.GetContext(ctx, instanceID)
	if err != nil {
		return out, err
	}
	inst := ictx.Instance()
	out.MachineID = inst.MachineID

	var steps []lifecycle.Step
	if op == lifecycle.OperationUpdateConfig {
		steps = lifecycle.UpdateConfigRecipe(*update)
	}
	task, err := s.tasks.CreateTask(ctx, inst, op, steps)
	if err != nil {
		return out, err
	}
	out.TaskID = task.ID

	results, err := launch(ctx, ictx, op, task.ID, update)
	if err != nil {
		if uerr := s.tasks.UpdateTaskStatus(ctx, task.ID, stores.TaskStatusFailed, err.Error()); uerr != nil {
			logger(ctx).WithInstanceID(instanceID).WithOperationID(task.ID).WithError(uerr).
				Error("failed to record rejected task")
		}
		return out, err
	}

	tracked, err := s.tasks.Track(ctx, task.ID, results)
	if err != nil {
		// The operation is already running; wait for it so its state write lands.
		res := <-results
		out.Success, out.Err = res.Success, errors.Join(res.Err, err)
		return out, nil
	}
	res := <-tracked
	out.Success, out.Err = res.Success, res.Err

	s.audit(ctx, "instance."+strings.ToLower(string(op)), strconv.FormatInt(instanceID, 10), map[string]any{
		"task_id": task.ID,
		"success": out.Success,
		"error":   out.Message(),
	})
	return out, nil
}

func launch(ctx context.Context, ictx *lifecycle.InstanceContext, op lifecycle.OperationType, taskID string, update *lifecycle.ConfigUpdate) (<-chan lifecycle.Result, error) {
	switch op {
	case lifecycle.OperationInitialize:
		return ictx.InitializeAsync(ctx, taskID)
	case lifecycle.OperationStart:
		return ictx.StartAsync(ctx, taskID)
	case lifecycle.OperationStop:
		return ictx.StopAsync(ctx, taskID)
	case lifecycle.OperationForceStop:
		return ictx.ForceStopAsync(ctx, taskID)
	case lifecycle.OperationUpdateConfig:
		return ictx.UpdateConfigAsync(ctx, taskID, *update)
	case lifecycle.OperationRefreshConfig:
		return ictx.RefreshConfigAsync(ctx, taskID)
	case lifecycle.OperationDelete:
		return ictx.DeleteAsync(ctx, taskID)
	default:
		return nil, fmt.Errorf("unknown operation %q", op)
	}
}

// Fanout runs op on every instance of the process template, at most the configured
// concurrency at a time. One instance failing does not stop the others. Outcomes are
// in instance id order.
func (s *Service) Fanout(ctx context.Context, processID int64, op lifecycle.OperationType) ([]Outcome, error) {
	if op == lifecycle.OperationUpdateConfig {
		return nil, errors.New("update-config is per instance")
	}
	instances, err := s.store.ListInstances(ctx, &processID)
	if err != nil {
		return nil, err
	}
	ids := make([]int64, len(instances))
	for i, inst := range instances {
		ids[i] = inst.ID
	}
	return s.RunAll(ctx, processID, ids, op), nil
}

// RunAll runs op on each instance concurrently and waits for all of them.
func (s *Service) RunAll(ctx context.Context, processID int64, instanceIDs []int64, op lifecycle.OperationType) []Outcome {
	ctx, span := s.tracer.StartFanoutSpan(ctx, strings.ToLower(string(op)), processID, len(instanceIDs))
	defer span.End()

	outcomes := make([]Outcome, len(instanceIDs))
	var g errgroup.Group
	g.SetLimit(s.concurrency)
	for i, id := range instanceIDs {
		g.Go(func() error {
			out, err := s.Run(ctx, id, op, nil)
			if err != nil {
				out.Err = err
			}
			outcomes[i] = out
			if s.observer != nil {
				s.observer.RecordFanout(op, out.Success)
			}
			return nil
		})
	}
	_ = g.Wait()

	failed := 0
	for _, out := range outcomes {
		if !out.Success {
			failed++
		}
	}
	span.SetAttributes(attribute.Int("fanout.failed", failed))
	if failed > 0 {
		telemetry.RecordError(span, fmt.Errorf("%d of %d instances failed", failed, len(outcomes)))
	}

	l := logger(ctx).
		WithField("process_id", processID).
		WithField("operation", string(op)).
		WithField("instances", len(outcomes)).
		WithField("failed", failed)
	if id := telemetry.TraceID(ctx); id != "" {
		l = l.WithField("trace_id", id)
	}
	l.Info("fan-out finished")
	return outcomes
}

// Deploy attaches the process template to the machines and initializes every new
// instance. When start is set, instances that initialized successfully are started.
func (s *Service) Deploy(ctx context.Context, processID int64, machineIDs []int64, start bool) ([]Outcome, error) {
	instances, err := s.Attach(ctx, processID, machineIDs, "")
	if err != nil {
		return nil, err
	}
	ids := make([]int64, len(instances))
	for i, inst := range instances {
		ids[i] = inst.ID
	}

	outcomes := s.RunAll(ctx, processID, ids, lifecycle.OperationInitialize)
	if !start {
		return outcomes, nil
	}

	var ready []int64
	for _, out := range outcomes {
		if out.Success {
			ready = append(ready, out.InstanceID)
		}
	}
	if len(ready) == 0 {
		return outcomes, nil
	}
	return append(outcomes, s.RunAll(ctx, processID, ready, lifecycle.OperationStart)...), nil
}

// Failed returns the outcomes that did not succeed.
func Failed(outcomes []Outcome) []Outcome {
	var failed []Outcome
	for _, out := range outcomes {
		if !out.Success {
			failed = append(failed, out)
		}
	}
	return failed
}

func (s *Service) audit(ctx context.Context, action, target string, details map[string]any) {
	var detail *string
	if b, err := json.Marshal(details); err == nil {
		d := string(b)
		detail = &d
	}
	entry := &stores.AuditEntry{
		Action:   action,
		Actor:    s.actor,
		TargetID: &target,
		Details:  detail,
	}
	if err := s.store.CreateAuditEntry(context.WithoutCancel(ctx), entry); err != nil {
		logger(ctx).WithError(err).WithField("action", action).Warn("failed to write audit entry")
	}
}

func logger(ctx context.Context) *telemetry.Logger {
	return telemetry.FromContext(ctx).NewComponentLogger("deploy")
}
