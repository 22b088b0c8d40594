package netconf

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
)

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()

	if config.Port != 830 {
		t.Errorf("expected port 830, got %d", config.Port)
	}

	if config.Datastore != DatastoreCandidate {
		t.Errorf("expected datastore 'candidate', got '%s'", config.Datastore)
	}

	if config.ConnectTimeout != 30*time.Second {
		t.Errorf("expected connect timeout 30s, got %v", config.ConnectTimeout)
	}

	if !config.StrictHostKeyChecking {
		t.Error("expected strict host key checking by default")
	}
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name       string
		modifyFunc func(*Config)
		errorMsg   string
	}{
		{
			name:       "valid config",
			modifyFunc: func(c *Config) {},
		},
		{
			name:       "invalid port",
			modifyFunc: func(c *Config) { c.Port = 70000 },
			errorMsg:   "invalid port",
		},
		{
			name:       "missing username",
			modifyFunc: func(c *Config) { c.Username = "" },
			errorMsg:   "username is required",
		},
		{
			name:       "password auth without password",
			modifyFunc: func(c *Config) { c.Password = "" },
			errorMsg:   "password is required",
		},
		{
			name: "key auth with missing key file",
			modifyFunc: func(c *Config) {
				c.AuthMethod = AuthMethodKey
				c.PrivateKeyPath = "/nonexistent/key"
			},
			errorMsg: "private key file not found",
		},
		{
			name: "strict checking without known_hosts",
			modifyFunc: func(c *Config) {
				c.StrictHostKeyChecking = true
				c.KnownHostsPath = ""
			},
			errorMsg: "known_hosts path is required",
		},
		{
			name:       "unknown datastore",
			modifyFunc: func(c *Config) { c.Datastore = "startup" },
			errorMsg:   "invalid datastore",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := DefaultConfig()
			config.Username = "admin"
			config.Password = "secret"
			config.StrictHostKeyChecking = false
			tt.modifyFunc(&config)

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

func TestBuildSSHClientConfig(t *testing.T) {
	t.Run("password authentication", func(t *testing.T) {
		config := DefaultConfig()
		config.Username = "admin"
		config.Password = "secret"
		config.StrictHostKeyChecking = false

		clientConfig, err := config.BuildSSHClientConfig()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		if clientConfig.User != "admin" {
			t.Errorf("expected user 'admin', got '%s'", clientConfig.User)
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
		keyPath := filepath.Join(t.TempDir(), "test_key")

		_, privKey, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			t.Fatalf("failed to generate test key: %v", err)
		}
		pemBlock, err := ssh.MarshalPrivateKey(privKey, "")
		if err != nil {
			t.Fatalf("failed to marshal key: %v", err)
		}
		if err := os.WriteFile(keyPath, pem.EncodeToMemory(pemBlock), 0600); err != nil {
			t.Fatalf("failed to write test key: %v", err)
		}

		config := DefaultConfig()
		config.Username = "admin"
		config.AuthMethod = AuthMethodKey
		config.PrivateKeyPath = keyPath
		config.StrictHostKeyChecking = false

		clientConfig, err := config.BuildSSHClientConfig()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		if len(clientConfig.Auth) != 1 {
			t.Errorf("expected 1 auth method, got %d", len(clientConfig.Auth))
		}
	})

	t.Run("strict host key checking loads known_hosts", func(t *testing.T) {
		knownHosts := filepath.Join(t.TempDir(), "known_hosts")
		if err := os.WriteFile(knownHosts, nil, 0600); err != nil {
			t.Fatalf("failed to write known_hosts: %v", err)
		}

		config := DefaultConfig()
		config.Username = "admin"
		config.Password = "secret"
		config.KnownHostsPath = knownHosts

		clientConfig, err := config.BuildSSHClientConfig()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if clientConfig.HostKeyCallback == nil {
			t.Error("expected a host key callback")
		}
	})

	t.Run("missing known_hosts file", func(t *testing.T) {
		config := DefaultConfig()
		config.Username = "admin"
		config.Password = "secret"
		config.KnownHostsPath = "/nonexistent/known_hosts"

		if _, err := config.BuildSSHClientConfig(); err == nil {
			t.Error("expected error for missing known_hosts, got nil")
		}
	})
}
