package ssh

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/logfleet/logfleet/pkg/lifecycle"
)

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig("example.com", "testuser")

	if config.Host != "example.com" {
		t.Errorf("expected host 'example.com', got '%s'", config.Host)
	}

	if config.User != "testuser" {
		t.Errorf("expected user 'testuser', got '%s'", config.User)
	}

	if config.Port != 22 {
		t.Errorf("expected port 22, got %d", config.Port)
	}

	if config.AuthMethod != AuthMethodKey {
		t.Errorf("expected auth method 'key', got '%s'", config.AuthMethod)
	}

	if config.ConnectionTimeout != 30*time.Second {
		t.Errorf("expected connection timeout 30s, got %v", config.ConnectionTimeout)
	}

	if !config.VerifyUploads {
		t.Error("expected upload verification to be enabled")
	}

	if !config.StrictHostKeyChecking {
		t.Error("expected host keys to be verified by default")
	}

	if !strings.HasSuffix(config.KnownHostsPath, filepath.Join(".ssh", "known_hosts")) {
		t.Errorf("expected the user's known_hosts, got '%s'", config.KnownHostsPath)
	}
}

func TestConfigValidation(t *testing.T) {
	keyPath := writeTestKey(t)

	tests := []struct {
		name       string
		modifyFunc func(*Config)
		errorMsg   string
	}{
		{
			name: "valid password config",
			modifyFunc: func(c *Config) {
				c.AuthMethod = AuthMethodPassword
				c.Password = "secret"
			},
		},
		{
			name: "valid key config",
			modifyFunc: func(c *Config) {
				c.PrivateKeyPath = keyPath
			},
		},
		{
			name:       "missing host",
			modifyFunc: func(c *Config) { c.Host = "" },
			errorMsg:   "host is required",
		},
		{
			name:       "invalid port",
			modifyFunc: func(c *Config) { c.Port = 0 },
			errorMsg:   "invalid port",
		},
		{
			name:       "missing user",
			modifyFunc: func(c *Config) { c.User = "" },
			errorMsg:   "user is required",
		},
		{
			name: "password auth without password",
			modifyFunc: func(c *Config) {
				c.AuthMethod = AuthMethodPassword
			},
			errorMsg: "password is required",
		},
		{
			name:       "key auth without key path",
			modifyFunc: func(c *Config) {},
			errorMsg:   "private key path is required",
		},
		{
			name:       "key file missing",
			modifyFunc: func(c *Config) { c.PrivateKeyPath = "/nonexistent/key" },
			errorMsg:   "private key file not found",
		},
		{
			name:       "unknown auth method",
			modifyFunc: func(c *Config) { c.AuthMethod = "agent" },
			errorMsg:   "unsupported auth method",
		},
		{
			name: "invalid connection timeout",
			modifyFunc: func(c *Config) {
				c.PrivateKeyPath = keyPath
				c.ConnectionTimeout = 0
			},
			errorMsg: "connection timeout must be positive",
		},
		{
			name: "invalid command timeout",
			modifyFunc: func(c *Config) {
				c.PrivateKeyPath = keyPath
				c.CommandTimeout = 0
			},
			errorMsg: "command timeout must be positive",
		},
		{
			name: "strict checking without known_hosts",
			modifyFunc: func(c *Config) {
				c.PrivateKeyPath = keyPath
				c.KnownHostsPath = ""
			},
			errorMsg: "known_hosts path is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := DefaultConfig("example.com", "testuser")
			tt.modifyFunc(config)

			err := config.Validate()

			if tt.errorMsg == "" {
				if err != nil {
					t.Errorf("expected no error, got: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("expected error containing '%s', got nil", tt.errorMsg)
			}
			if !strings.Contains(err.Error(), tt.errorMsg) {
				t.Errorf("expected error containing '%s', got '%v'", tt.errorMsg, err)
			}
		})
	}
}

func TestConfigAddress(t *testing.T) {
	config := DefaultConfig("example.com", "testuser")
	config.Port = 2222

	if address := config.Address(); address != "example.com:2222" {
		t.Errorf("expected address 'example.com:2222', got '%s'", address)
	}

	config.Host = "fd00::5"
	if address := config.Address(); address != "[fd00::5]:2222" {
		t.Errorf("expected address '[fd00::5]:2222', got '%s'", address)
	}
}

func TestForMachine(t *testing.T) {
	base := *DefaultConfig("", "")
	base.CommandTimeout = time.Minute
	base.KnownHostsPath = "/etc/ssh/ssh_known_hosts"

	t.Run("key machine", func(t *testing.T) {
		m := &lifecycle.Machine{ID: 1, Host: "10.0.0.5", User: "deploy", PrivateKeyPath: "/keys/edge", Password: "ignored"}
		cfg := ForMachine(base, m)

		if cfg.Host != "10.0.0.5" || cfg.User != "deploy" || cfg.Port != 22 {
			t.Errorf("unexpected target %s@%s", cfg.User, cfg.Address())
		}
		if cfg.AuthMethod != AuthMethodKey || cfg.PrivateKeyPath != "/keys/edge" || cfg.Password != "" {
			t.Errorf("expected key auth, got %s (key %q, password %q)", cfg.AuthMethod, cfg.PrivateKeyPath, cfg.Password)
		}
		if cfg.CommandTimeout != time.Minute || cfg.KnownHostsPath != base.KnownHostsPath {
			t.Error("expected fleet-wide settings to be inherited")
		}
	})

	t.Run("password machine", func(t *testing.T) {
		m := &lifecycle.Machine{ID: 2, Host: "edge-2", Port: 2200, User: "root", Password: "s3cret"}
		cfg := ForMachine(base, m)

		if cfg.AuthMethod != AuthMethodPassword || cfg.Password != "s3cret" {
			t.Errorf("expected password auth, got %s", cfg.AuthMethod)
		}
		if cfg.Port != 2200 {
			t.Errorf("expected port 2200, got %d", cfg.Port)
		}
	})

	if base.Host != "" {
		t.Error("ForMachine must not modify the base config")
	}
}

func TestBuildSSHClientConfig(t *testing.T) {
	t.Run("password authentication", func(t *testing.T) {
		config := DefaultConfig("example.com", "testuser")
		config.KnownHostsPath = emptyKnownHosts(t)
		config.AuthMethod = AuthMethodPassword
		config.Password = "secret"

		clientConfig, err := config.BuildSSHClientConfig()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		if clientConfig.User != "testuser" {
			t.Errorf("expected user 'testuser', got '%s'", clientConfig.User)
		}

		// password plus keyboard-interactive
		if len(clientConfig.Auth) != 2 {
			t.Errorf("expected 2 auth methods, got %d", len(clientConfig.Auth))
		}

		if clientConfig.Timeout != 30*time.Second {
			t.Errorf("expected timeout 30s, got %v", clientConfig.Timeout)
		}
	})

	t.Run("key authentication with valid key", func(t *testing.T) {
		config := DefaultConfig("example.com", "testuser")
		config.KnownHostsPath = emptyKnownHosts(t)
		config.PrivateKeyPath = writeTestKey(t)

		clientConfig, err := config.BuildSSHClientConfig()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		if len(clientConfig.Auth) != 1 {
			t.Errorf("expected 1 auth method, got %d", len(clientConfig.Auth))
		}
	})

	t.Run("key authentication with garbage key", func(t *testing.T) {
		keyPath := filepath.Join(t.TempDir(), "bad_key")
		if err := os.WriteFile(keyPath, []byte("not a key"), 0600); err != nil {
			t.Fatal(err)
		}

		config := DefaultConfig("example.com", "testuser")
		config.PrivateKeyPath = keyPath

		if _, err := config.BuildSSHClientConfig(); err == nil {
			t.Error("expected parse error, got nil")
		}
	})

	t.Run("strict checking with missing known_hosts", func(t *testing.T) {
		config := DefaultConfig("example.com", "testuser")
		config.AuthMethod = AuthMethodPassword
		config.Password = "secret"
		config.StrictHostKeyChecking = true
		config.KnownHostsPath = filepath.Join(t.TempDir(), "known_hosts")

		if _, err := config.BuildSSHClientConfig(); err == nil {
			t.Error("expected known_hosts error, got nil")
		}
	})
}

// emptyKnownHosts writes a known_hosts file with no entries and returns its path.
func emptyKnownHosts(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "known_hosts")
	if err := os.WriteFile(path, nil, 0600); err != nil {
		t.Fatalf("failed to write known_hosts: %v", err)
	}
	return path
}

// writeTestKey writes a fresh unencrypted ED25519 private key and returns its path.
func writeTestKey(t *testing.T) string {
	t.Helper()

	_, privKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}

	pemBlock, err := ssh.MarshalPrivateKey(privKey, "")
	if err != nil {
		t.Fatalf("failed to marshal key: %v", err)
	}

	keyPath := filepath.Join(t.TempDir(), "test_key")
	if err := os.WriteFile(keyPath, pem.EncodeToMemory(pemBlock), 0600); err != nil {
		t.Fatalf("failed to write key: %v", err)
	}
	return keyPath
}
