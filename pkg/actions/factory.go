// Package actions implements the remote steps of the Logstash lifecycle as shell
// commands over SSH. Factory is the lifecycle.ActionFactory used in production.
package actions

import (
	"context"
	"fmt"
	"time"

	"github.com/logfleet/logfleet/pkg/lifecycle"
	"github.com/logfleet/logfleet/pkg/telemetry"
	"github.com/logfleet/logfleet/pkg/transports/ssh"
)

// Connector hands out a connected transport for a machine. *ssh.Pool implements it.
type Connector interface {
	Get(ctx context.Context, m *lifecycle.Machine) (ssh.Transport, error)
}

// HandleRecorder persists the runtime handle (remote PID) of an instance.
type HandleRecorder interface {
	SetRuntimeHandle(ctx context.Context, instanceID int64, handle string) error
}

// PackageSource resolves the Logstash archive of a process template. An empty path
// means the template names none.
type PackageSource interface {
	PackagePath(ctx context.Context, processID int64) (string, error)
}

// Options tunes the actions.
type Options struct {
	// PackagePath is the local Logstash archive uploaded by UPLOAD_PACKAGE when
	// Packages is nil or yields no path for the instance's template.
	PackagePath string
	Packages    PackageSource

	// DeployRoot is where instances without an explicit deploy path live.
	DeployRoot string

	// VerifyAttempts and VerifyInterval bound how long VERIFY_PROCESS waits for the
	// process to appear.
	VerifyAttempts int
	VerifyInterval time.Duration

	// StopTimeout is how long a graceful kill may take before kill -9.
	StopTimeout time.Duration

	// KillTimeout is how long the process may survive kill -9.
	KillTimeout time.Duration

	// PollInterval is the interval between liveness checks while stopping.
	PollInterval time.Duration
}

// DefaultOptions returns the production timings.
func DefaultOptions() Options {
	return Options{
		DeployRoot:     "logstash",
		VerifyAttempts: 5,
		VerifyInterval: 3 * time.Second,
		StopTimeout:    6 * time.Minute,
		KillTimeout:    3 * time.Minute,
		PollInterval:   3 * time.Second,
	}
}

func (o *Options) applyDefaults() {
	d := DefaultOptions()
	if o.DeployRoot == "" {
		o.DeployRoot = d.DeployRoot
	}
	if o.VerifyAttempts <= 0 {
		o.VerifyAttempts = d.VerifyAttempts
	}
	if o.VerifyInterval <= 0 {
		o.VerifyInterval = d.VerifyInterval
	}
	if o.StopTimeout <= 0 {
		o.StopTimeout = d.StopTimeout
	}
	if o.KillTimeout <= 0 {
		o.KillTimeout = d.KillTimeout
	}
	if o.PollInterval <= 0 {
		o.PollInterval = d.PollInterval
	}
}

// Factory builds the remote actions of every lifecycle step.
type Factory struct {
	conn    Connector
	handles HandleRecorder
	opts    Options
	now     func() time.Time
}

var _ lifecycle.ActionFactory = (*Factory)(nil)

// NewFactory creates a factory. handles may be nil, in which case the PID found by
// VERIFY_PROCESS is only logged.
func NewFactory(conn Connector, handles HandleRecorder, opts Options) *Factory {
	opts.applyDefaults()
	return &Factory{conn: conn, handles: handles, opts: opts, now: time.Now}
}

// Paths returns the remote layout the factory uses for inst on m.
func (f *Factory) Paths(inst *lifecycle.Instance, m *lifecycle.Machine) Paths {
	return PathsFor(inst, m, f.opts.DeployRoot)
}

// action is a RemoteAction backed by a function over a remote session.
type action struct {
	name string
	f    *Factory
	fn   func(ctx context.Context, r *remote, target *lifecycle.Target) (bool, error)
}

func (a *action) Name() string { return a.name }

func (a *action) Execute(ctx context.Context, target *lifecycle.Target) (bool, error) {
	if target == nil || target.Machine == nil || target.Instance == nil {
		return false, fmt.Errorf("%s: target machine and instance are required", a.name)
	}

	paths := a.f.Paths(target.Instance, target.Machine)
	if err := paths.Validate(); err != nil {
		return false, fmt.Errorf("%s: %w", a.name, err)
	}

	t, err := a.f.conn.Get(ctx, target.Machine)
	if err != nil {
		return false, fmt.Errorf("%s: %w", a.name, err)
	}

	r := &remote{
		t:     t,
		paths: paths,
		now:   a.f.now,
		logger: telemetry.FromContext(ctx).
			NewComponentLogger("actions").
			WithInstanceID(target.Instance.ID).
			WithMachine(target.Machine.Name, target.Machine.Host).
			WithField("action", a.name).
			WithField("deploy_path", paths.Root).
			Zerolog(),
	}

	ok, err := a.fn(ctx, r, target)
	if err != nil {
		return false, fmt.Errorf("%s: %w", a.name, err)
	}
	r.logger.Debug().Bool("success", ok).Msg("action finished")
	return ok, nil
}

func (f *Factory) newAction(name string, fn func(context.Context, *remote, *lifecycle.Target) (bool, error)) lifecycle.RemoteAction {
	return &action{name: name, f: f, fn: fn}
}

func (f *Factory) CreateDirectory() lifecycle.RemoteAction {
	return f.newAction("create-directory", f.createDirectory)
}

func (f *Factory) UploadPackage() lifecycle.RemoteAction {
	return f.newAction("upload-package", f.uploadPackage)
}

func (f *Factory) ExtractPackage() lifecycle.RemoteAction {
	return f.newAction("extract-package", f.extractPackage)
}

func (f *Factory) CreateConfig() lifecycle.RemoteAction {
	return f.newAction("create-config", func(ctx context.Context, r *remote, t *lifecycle.Target) (bool, error) {
		return r.writeMainConfig(ctx, t.Instance.MainConfig)
	})
}

func (f *Factory) ModifyConfig() lifecycle.RemoteAction {
	return f.newAction("modify-config", func(ctx context.Context, r *remote, t *lifecycle.Target) (bool, error) {
		return r.writeSystemFiles(ctx, t.Instance.JvmOptions, t.Instance.SystemOptions)
	})
}

func (f *Factory) StartProcess() lifecycle.RemoteAction {
	return f.newAction("start-process", f.startProcess)
}

func (f *Factory) VerifyProcess() lifecycle.RemoteAction {
	return f.newAction("verify-process", f.verifyProcess)
}

func (f *Factory) StopProcess() lifecycle.RemoteAction {
	return f.newAction("stop-process", f.stopProcess)
}

func (f *Factory) ForceStopProcess() lifecycle.RemoteAction {
	return f.newAction("force-stop-process", f.forceStopProcess)
}

func (f *Factory) UpdateMainConfig(content string) lifecycle.RemoteAction {
	return f.newAction("update-main-config", func(ctx context.Context, r *remote, _ *lifecycle.Target) (bool, error) {
		return r.writeMainConfig(ctx, content)
	})
}

func (f *Factory) UpdateJvmOptions(content string) lifecycle.RemoteAction {
	return f.newAction("update-jvm-options", func(ctx context.Context, r *remote, _ *lifecycle.Target) (bool, error) {
		return r.writeFile(ctx, r.paths.JvmOptions(), content)
	})
}

func (f *Factory) UpdateSystemOptions(content string) lifecycle.RemoteAction {
	return f.newAction("update-system-options", func(ctx context.Context, r *remote, _ *lifecycle.Target) (bool, error) {
		return r.writeFile(ctx, r.paths.SystemOptions(), content)
	})
}

func (f *Factory) RefreshConfig() lifecycle.RemoteAction {
	return f.newAction("refresh-config", func(ctx context.Context, r *remote, t *lifecycle.Target) (bool, error) {
		ok, err := r.writeMainConfig(ctx, t.Instance.MainConfig)
		if err != nil || !ok {
			return ok, err
		}
		return r.writeSystemFiles(ctx, t.Instance.JvmOptions, t.Instance.SystemOptions)
	})
}

func (f *Factory) DeleteDirectory() lifecycle.RemoteAction {
	return f.newAction("delete-directory", f.deleteDirectory)
}
