package ssh

import (
	"strings"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig("example.com", "deploy")

	if config.Host != "example.com" {
		t.Errorf("expected host example.com, got %q", config.Host)
	}
	if config.User != "deploy" {
		t.Errorf("expected user deploy, got %q", config.User)
	}
	if config.Port != 22 {
		t.Errorf("expected port 22, got %d", config.Port)
	}
	if config.StrictHostKeyChecking {
		t.Error("expected strict host key checking off by default")
	}
	if config.ConnectTimeout != 30*time.Second {
		t.Errorf("expected connect timeout 30s, got %v", config.ConnectTimeout)
	}
	if config.CommandTimeout != 5*time.Minute {
		t.Errorf("expected command timeout 5m, got %v", config.CommandTimeout)
	}
}

func TestConfigValidate(t *testing.T) {
	keyPath := writeTestKey(t)

	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr string
	}{
		{
			name:   "valid with identity file",
			modify: func(c *Config) { c.IdentityFile = keyPath },
		},
		{
			name:   "valid without identity file",
			modify: func(c *Config) {},
		},
		{
			name:    "missing host",
			modify:  func(c *Config) { c.Host = "" },
			wantErr: "host is required",
		},
		{
			name:    "invalid port",
			modify:  func(c *Config) { c.Port = 0 },
			wantErr: "invalid port",
		},
		{
			name:    "missing user",
			modify:  func(c *Config) { c.User = "" },
			wantErr: "user is required",
		},
		{
			name:    "missing identity file",
			modify:  func(c *Config) { c.IdentityFile = "/nonexistent/key" },
			wantErr: "identity file not found",
		},
		{
			name:    "zero connect timeout",
			modify:  func(c *Config) { c.ConnectTimeout = 0 },
			wantErr: "connect timeout must be positive",
		},
		{
			name:    "zero command timeout",
			modify:  func(c *Config) { c.CommandTimeout = 0 },
			wantErr: "command timeout must be positive",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := DefaultConfig("example.com", "deploy")
			tt.modify(config)

			err := config.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() = %v, want nil", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("Validate() = nil, want error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestConfigAddress(t *testing.T) {
	config := DefaultConfig("example.com", "deploy")
	config.Port = 2222
	if got := config.Address(); got != "example.com:2222" {
		t.Errorf("Address() = %q, want example.com:2222", got)
	}

	config = DefaultConfig("::1", "deploy")
	if got := config.Address(); got != "[::1]:22" {
		t.Errorf("Address() = %q, want [::1]:22", got)
	}
}

func TestAuthMethodsIdentityFile(t *testing.T) {
	config := DefaultConfig("example.com", "deploy")
	config.IdentityFile = writeTestKey(t)

	methods, err := config.authMethods()
	if err != nil {
		t.Fatalf("authMethods() error: %v", err)
	}
	if len(methods) != 1 {
		t.Errorf("expected a single auth method for an explicit identity file, got %d", len(methods))
	}
}

func TestAuthMethodsNoneAvailable(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv("SSH_AUTH_SOCK", "")

	config := DefaultConfig("example.com", "deploy")
	_, err := config.authMethods()
	if err == nil {
		t.Fatal("expected an error with no identity file, agent, or default key")
	}
	if !strings.Contains(err.Error(), "no SSH authentication available") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestClientConfigTimeout(t *testing.T) {
	config := DefaultConfig("example.com", "deploy")
	config.IdentityFile = writeTestKey(t)

	clientConfig, err := config.clientConfig()
	if err != nil {
		t.Fatalf("clientConfig() error: %v", err)
	}
	if clientConfig.User != "deploy" {
		t.Errorf("expected user deploy, got %q", clientConfig.User)
	}
	if clientConfig.Timeout != 30*time.Second {
		t.Errorf("expected timeout 30s, got %v", clientConfig.Timeout)
	}
}
