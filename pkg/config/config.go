package config

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/logfleet/logfleet/pkg/actions"
	"github.com/logfleet/logfleet/pkg/stores"
	"github.com/logfleet/logfleet/pkg/telemetry"
	"github.com/logfleet/logfleet/pkg/transports/ssh"
)

// EnvDatabasePath overrides database.path when set.
const EnvDatabasePath = "LOGFLEET_DB"

//go:embed schema.cue
var schemaSource string

// Config is the complete logfleet configuration.
type Config struct {
	Database  DatabaseConfig   `yaml:"database"`
	Deploy    DeployConfig     `yaml:"deploy"`
	SSH       SSHConfig        `yaml:"ssh"`
	Telemetry telemetry.Config `yaml:"telemetry" validate:"-"`
}

// DatabaseConfig locates the SQLite database.
type DatabaseConfig struct {
	Path         string        `yaml:"path" validate:"required"`
	MaxOpenConns int           `yaml:"max_open_conns" validate:"gte=0"`
	BusyTimeout  time.Duration `yaml:"busy_timeout" validate:"gte=0"`
}

// DeployConfig controls where instances are installed and how long the remote steps
// may take.
type DeployConfig struct {
	// PackagePath is the local Logstash tarball used when a process template names none.
	PackagePath string `yaml:"package_path"`

	// DeployRoot is the parent of every instance directory. A relative root lives in
	// the SSH user's home directory.
	DeployRoot string `yaml:"deploy_root" validate:"required"`

	VerifyAttempts int           `yaml:"verify_attempts" validate:"min=1,max=60"`
	VerifyInterval time.Duration `yaml:"verify_interval" validate:"gt=0"`
	StopTimeout    time.Duration `yaml:"stop_timeout" validate:"gt=0"`
	KillTimeout    time.Duration `yaml:"kill_timeout" validate:"gt=0"`
	PollInterval   time.Duration `yaml:"poll_interval" validate:"gt=0"`

	// Concurrency bounds how many instances a fleet-wide operation works on at once.
	Concurrency int `yaml:"concurrency" validate:"min=1"`

	// Actor is recorded as created_by/updated_by and in the audit log.
	Actor string `yaml:"actor"`
}

// SSHConfig holds the connection settings shared by every machine.
type SSHConfig struct {
	ConnectionTimeout     time.Duration `yaml:"connection_timeout" validate:"gt=0"`
	CommandTimeout        time.Duration `yaml:"command_timeout" validate:"gt=0"`
	KeepAliveInterval     time.Duration `yaml:"keepalive_interval" validate:"gte=0"`
	KnownHostsPath        string        `yaml:"known_hosts_path" validate:"required_if=StrictHostKeyChecking true"`
	StrictHostKeyChecking bool          `yaml:"strict_host_key_checking"`
	VerifyUploads         bool          `yaml:"verify_uploads"`
}

// Default returns the configuration used for every field a file leaves out.
func Default() *Config {
	a := actions.DefaultOptions()
	s := ssh.DefaultConfig("", "")
	return &Config{
		Database: DatabaseConfig{
			Path:        "logfleet.db",
			BusyTimeout: 5 * time.Second,
		},
		Deploy: DeployConfig{
			DeployRoot:     a.DeployRoot,
			VerifyAttempts: a.VerifyAttempts,
			VerifyInterval: a.VerifyInterval,
			StopTimeout:    a.StopTimeout,
			KillTimeout:    a.KillTimeout,
			PollInterval:   a.PollInterval,
			Concurrency:    8,
			Actor:          "logfleet",
		},
		SSH: SSHConfig{
			ConnectionTimeout:     s.ConnectionTimeout,
			CommandTimeout:        s.CommandTimeout,
			KeepAliveInterval:     s.KeepAliveInterval,
			KnownHostsPath:        s.KnownHostsPath,
			StrictHostKeyChecking: s.StrictHostKeyChecking,
			VerifyUploads:         s.VerifyUploads,
		},
		Telemetry: *telemetry.DefaultConfig(),
	}
}

// Load reads the configuration at path. An empty path yields the defaults with the
// environment override applied.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if filepath.Ext(path) == ".cue" {
			if data, err = evaluateCUE(path, data); err != nil {
				return nil, err
			}
		}
		if err := decodeYAML(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	}

	if db := os.Getenv(EnvDatabasePath); db != "" {
		cfg.Database.Path = db
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decodeYAML(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// evaluateCUE checks a CUE config against #Config and exports it as JSON, which the
// YAML decoder reads like any other document.
func evaluateCUE(path string, data []byte) ([]byte, error) {
	ctx := cuecontext.New()

	schema := ctx.CompileString(schemaSource).LookupPath(cue.ParsePath("#Config"))
	if err := schema.Err(); err != nil {
		return nil, fmt.Errorf("failed to compile config schema: %w", err)
	}

	val := ctx.CompileBytes(data, cue.Filename(path))
	if err := val.Err(); err != nil {
		return nil, fmt.Errorf("failed to compile %s: %w", path, err)
	}

	unified := schema.Unify(val)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return nil, fmt.Errorf("%s does not match the config schema: %w", path, err)
	}

	out, err := unified.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("failed to export %s: %w", path, err)
	}
	return out, nil
}

// Validate checks the struct tags and the telemetry section.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("invalid telemetry config: %w", err)
	}
	return nil
}

// StoreConfig returns the SQLite store settings.
func (c *Config) StoreConfig() stores.Config {
	return stores.Config{
		Path:         c.Database.Path,
		MaxOpenConns: c.Database.MaxOpenConns,
		BusyTimeout:  c.Database.BusyTimeout,
	}
}

// ActionOptions returns the remote action settings. packagePath overrides
// deploy.package_path when non-empty.
func (c *Config) ActionOptions(packagePath string) actions.Options {
	if packagePath == "" {
		packagePath = c.Deploy.PackagePath
	}
	return actions.Options{
		PackagePath:    packagePath,
		DeployRoot:     c.Deploy.DeployRoot,
		VerifyAttempts: c.Deploy.VerifyAttempts,
		VerifyInterval: c.Deploy.VerifyInterval,
		StopTimeout:    c.Deploy.StopTimeout,
		KillTimeout:    c.Deploy.KillTimeout,
		PollInterval:   c.Deploy.PollInterval,
	}
}

// SSHBase returns the connection settings every machine's ssh.Config starts from.
func (c *Config) SSHBase() ssh.Config {
	base := *ssh.DefaultConfig("", "")
	base.ConnectionTimeout = c.SSH.ConnectionTimeout
	base.CommandTimeout = c.SSH.CommandTimeout
	base.KeepAliveInterval = c.SSH.KeepAliveInterval
	base.KnownHostsPath = c.SSH.KnownHostsPath
	base.StrictHostKeyChecking = c.SSH.StrictHostKeyChecking
	base.VerifyUploads = c.SSH.VerifyUploads
	return base
}
