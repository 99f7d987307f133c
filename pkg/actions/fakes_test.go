package actions

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/logfleet/logfleet/pkg/lifecycle"
	"github.com/logfleet/logfleet/pkg/transports/ssh"
)

// rule answers commands starting with prefix. times <= 0 means unlimited.
type rule struct {
	prefix string
	res    ssh.ExecResult
	err    error
	times  int
}

// fakeTransport records commands and answers them from rules; unmatched commands
// succeed with empty output.
type fakeTransport struct {
	mu        sync.Mutex
	rules     []*rule
	commands  []string
	uploads   []string
	uploadErr error
}

func (f *fakeTransport) on(prefix string, exitCode int, stdout string) *fakeTransport {
	return f.onN(prefix, exitCode, stdout, 0)
}

func (f *fakeTransport) onN(prefix string, exitCode int, stdout string, times int) *fakeTransport {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rules = append(f.rules, &rule{prefix: prefix, res: ssh.ExecResult{ExitCode: exitCode, Stdout: stdout}, times: times})
	return f
}

func (f *fakeTransport) fail(prefix string, err error) *fakeTransport {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rules = append(f.rules, &rule{prefix: prefix, err: err})
	return f
}

func (f *fakeTransport) ExecuteCommand(_ context.Context, cmd string) (*ssh.ExecResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = append(f.commands, cmd)

	for _, r := range f.rules {
		if !strings.HasPrefix(cmd, r.prefix) || r.times < 0 {
			continue
		}
		if r.times > 0 {
			r.times--
			if r.times == 0 {
				r.times = -1
			}
		}
		if r.err != nil {
			return nil, r.err
		}
		res := r.res
		res.Command = cmd
		return &res, nil
	}
	return &ssh.ExecResult{Command: cmd}, nil
}

func (f *fakeTransport) UploadFile(_ context.Context, localPath, remotePath string, _ uint32) (*ssh.FileTransferResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.uploadErr != nil {
		return nil, f.uploadErr
	}
	f.uploads = append(f.uploads, localPath+" -> "+remotePath)
	return &ssh.FileTransferResult{LocalPath: localPath, RemotePath: remotePath, BytesTransferred: 42}, nil
}

func (f *fakeTransport) Connect(context.Context) error                           { return nil }
func (f *fakeTransport) Disconnect() error                                       { return nil }
func (f *fakeTransport) IsConnected() bool                                       { return true }
func (f *fakeTransport) HealthCheck(context.Context) error                       { return nil }
func (f *fakeTransport) ComputeChecksum(context.Context, string) (string, error) { return "", nil }
func (f *fakeTransport) GetConnectionInfo() ssh.ConnectionInfo                   { return ssh.ConnectionInfo{} }

// log returns a copy of the commands run so far.
func (f *fakeTransport) log() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.commands...)
}

// ran reports whether any command starts with prefix.
func (f *fakeTransport) ran(prefix string) bool {
	return f.count(prefix) > 0
}

func (f *fakeTransport) count(prefix string) int {
	n := 0
	for _, c := range f.log() {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

type fakeConnector struct {
	t   *fakeTransport
	err error
}

func (c *fakeConnector) Get(context.Context, *lifecycle.Machine) (ssh.Transport, error) {
	if c.err != nil {
		return nil, c.err
	}
	return c.t, nil
}

type fakeHandles struct {
	mu      sync.Mutex
	handles map[int64]string
}

func (h *fakeHandles) SetRuntimeHandle(_ context.Context, id int64, handle string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.handles == nil {
		h.handles = make(map[int64]string)
	}
	h.handles[id] = handle
	return nil
}

// fixture bundles a factory wired to fakes and the target it acts on.
type fixture struct {
	t       *fakeTransport
	handles *fakeHandles
	factory *Factory
	target  *lifecycle.Target
	paths   Paths
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	ft := &fakeTransport{}
	handles := &fakeHandles{}
	factory := NewFactory(&fakeConnector{t: ft}, handles, Options{
		PackagePath:    "/srv/packages/logstash-8.15.0.tar.gz",
		DeployRoot:     "logstash",
		VerifyAttempts: 3,
		VerifyInterval: time.Millisecond,
		StopTimeout:    20 * time.Millisecond,
		KillTimeout:    20 * time.Millisecond,
		PollInterval:   time.Millisecond,
	})
	factory.now = func() time.Time { return time.Unix(0, 1700000000) }

	target := &lifecycle.Target{
		Machine: &lifecycle.Machine{ID: 1, Name: "edge-1", Host: "10.0.0.5", User: "deploy"},
		Instance: &lifecycle.Instance{
			ID:         7,
			ProcessID:  3,
			MachineID:  1,
			MainConfig: "input { beats { port => 5044 } }\noutput { stdout {} }",
		},
	}

	return &fixture{
		t:       ft,
		handles: handles,
		factory: factory,
		target:  target,
		paths:   factory.Paths(target.Instance, target.Machine),
	}
}

func (fx *fixture) exec(t *testing.T, a lifecycle.RemoteAction) (bool, error) {
	t.Helper()
	return a.Execute(context.Background(), fx.target)
}
