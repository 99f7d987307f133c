package actions

import (
	"fmt"
	"path"
	"strings"

	"github.com/logfleet/logfleet/pkg/lifecycle"
)

// Paths is the remote layout of one instance deployment.
type Paths struct {
	Root       string
	InstanceID int64
}

// PathsFor returns the layout of inst on m. The instance's own deploy path wins;
// otherwise the instance lives in <deployRoot>/logstash-<id>. A relative deployRoot
// is resolved against the SSH user's home directory.
func PathsFor(inst *lifecycle.Instance, m *lifecycle.Machine, deployRoot string) Paths {
	if inst.DeployPath != "" {
		return Paths{Root: path.Clean(inst.DeployPath), InstanceID: inst.ID}
	}
	base := deployRoot
	if !path.IsAbs(base) {
		base = path.Join(homeDir(m.User), base)
	}
	return Paths{
		Root:       path.Join(base, fmt.Sprintf("logstash-%d", inst.ID)),
		InstanceID: inst.ID,
	}
}

func homeDir(user string) string {
	if user == "root" {
		return "/root"
	}
	return path.Join("/home", user)
}

// Validate refuses layouts that would make rm -rf dangerous.
func (p Paths) Validate() error {
	if !path.IsAbs(p.Root) {
		return fmt.Errorf("deploy path %q is not absolute", p.Root)
	}
	if strings.Count(strings.Trim(p.Root, "/"), "/") < 1 {
		return fmt.Errorf("deploy path %q is too shallow", p.Root)
	}
	return nil
}

func (p Paths) ConfigDir() string     { return path.Join(p.Root, "config") }
func (p Paths) LogDir() string        { return path.Join(p.Root, "logs") }
func (p Paths) DataDir() string       { return path.Join(p.Root, "data") }
func (p Paths) Binary() string        { return path.Join(p.Root, "bin", "logstash") }
func (p Paths) PidFile() string       { return path.Join(p.Root, "logstash.pid") }
func (p Paths) StartScript() string   { return path.Join(p.Root, "start-logstash.sh") }
func (p Paths) ConsoleLog() string    { return path.Join(p.LogDir(), "logstash-console.log") }
func (p Paths) JvmOptions() string    { return path.Join(p.ConfigDir(), "jvm.options") }
func (p Paths) SystemOptions() string { return path.Join(p.ConfigDir(), "logstash.yml") }

// MainConfig is the pipeline definition file.
func (p Paths) MainConfig() string {
	return path.Join(p.ConfigDir(), fmt.Sprintf("logstash-%d.conf", p.InstanceID))
}

// Package is where the uploaded archive named like localPackage is stored.
func (p Paths) Package(localPackage string) string {
	return path.Join(p.Root, path.Base(strings.ReplaceAll(localPackage, "\\", "/")))
}
