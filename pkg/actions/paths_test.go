package actions

import (
	"testing"

	"github.com/logfleet/logfleet/pkg/lifecycle"
)

func TestPathsFor(t *testing.T) {
	tests := []struct {
		name       string
		inst       *lifecycle.Instance
		user       string
		deployRoot string
		want       string
	}{
		{
			name:       "relative root under home",
			inst:       &lifecycle.Instance{ID: 7},
			user:       "deploy",
			deployRoot: "logstash",
			want:       "/home/deploy/logstash/logstash-7",
		},
		{
			name:       "root user home",
			inst:       &lifecycle.Instance{ID: 7},
			user:       "root",
			deployRoot: "apps",
			want:       "/root/apps/logstash-7",
		},
		{
			name:       "absolute root",
			inst:       &lifecycle.Instance{ID: 12},
			user:       "deploy",
			deployRoot: "/opt/logfleet",
			want:       "/opt/logfleet/logstash-12",
		},
		{
			name:       "instance deploy path wins",
			inst:       &lifecycle.Instance{ID: 7, DeployPath: "/data/ls/pipeline-a/"},
			user:       "deploy",
			deployRoot: "/opt/logfleet",
			want:       "/data/ls/pipeline-a",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := PathsFor(tt.inst, &lifecycle.Machine{User: tt.user}, tt.deployRoot)
			if p.Root != tt.want {
				t.Errorf("Root = %q, want %q", p.Root, tt.want)
			}
			if err := p.Validate(); err != nil {
				t.Errorf("Validate() error = %v", err)
			}
		})
	}
}

func TestPathsLayout(t *testing.T) {
	p := Paths{Root: "/opt/logfleet/logstash-7", InstanceID: 7}

	tests := map[string]string{
		"config":  p.ConfigDir(),
		"main":    p.MainConfig(),
		"jvm":     p.JvmOptions(),
		"yml":     p.SystemOptions(),
		"logs":    p.LogDir(),
		"data":    p.DataDir(),
		"pid":     p.PidFile(),
		"script":  p.StartScript(),
		"binary":  p.Binary(),
		"package": p.Package("/srv/packages/logstash-8.15.0.tar.gz"),
	}
	want := map[string]string{
		"config":  "/opt/logfleet/logstash-7/config",
		"main":    "/opt/logfleet/logstash-7/config/logstash-7.conf",
		"jvm":     "/opt/logfleet/logstash-7/config/jvm.options",
		"yml":     "/opt/logfleet/logstash-7/config/logstash.yml",
		"logs":    "/opt/logfleet/logstash-7/logs",
		"data":    "/opt/logfleet/logstash-7/data",
		"pid":     "/opt/logfleet/logstash-7/logstash.pid",
		"script":  "/opt/logfleet/logstash-7/start-logstash.sh",
		"binary":  "/opt/logfleet/logstash-7/bin/logstash",
		"package": "/opt/logfleet/logstash-7/logstash-8.15.0.tar.gz",
	}

	for name, got := range tests {
		if got != want[name] {
			t.Errorf("%s = %q, want %q", name, got, want[name])
		}
	}
}

func TestPathsValidate(t *testing.T) {
	for _, root := range []string{"", "relative/dir", "/", "/opt"} {
		if err := (Paths{Root: root}).Validate(); err == nil {
			t.Errorf("Validate(%q) = nil, want error", root)
		}
	}
}
