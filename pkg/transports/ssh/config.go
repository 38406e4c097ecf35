package ssh

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"
)

// Config holds SSH connection configuration for one instance.
type Config struct {
	// Host is the remote hostname or IP address.
	Host string

	// Port is the SSH port (default: 22).
	Port int

	// User is the SSH username.
	User string

	// IdentityFile is the path to the private key file. When empty the
	// transport falls back to an ssh-agent and then to the default keys
	// under ~/.ssh.
	IdentityFile string

	// Passphrase decrypts an encrypted identity file.
	Passphrase string

	// KnownHostsPath is the path to the known_hosts file used when
	// StrictHostKeyChecking is on.
	KnownHostsPath string

	// StrictHostKeyChecking rejects hosts missing from known_hosts.
	// Freshly provisioned instances have no recorded host key yet, so
	// this is off by default.
	StrictHostKeyChecking bool

	// ConnectTimeout bounds connection establishment.
	ConnectTimeout time.Duration

	// CommandTimeout is the default timeout for command execution when
	// the caller's context carries no deadline.
	CommandTimeout time.Duration

	// KeepAliveInterval is the interval for keep-alive requests on an
	// idle connection. Zero disables keep-alive.
	KeepAliveInterval time.Duration
}

// DefaultConfig returns a Config for host and user with standard timeouts.
func DefaultConfig(host string, user string) *Config {
	return &Config{
		Host:              host,
		Port:              22,
		User:              user,
		KnownHostsPath:    filepath.Join(os.Getenv("HOME"), ".ssh", "known_hosts"),
		ConnectTimeout:    30 * time.Second,
		CommandTimeout:    5 * time.Minute,
		KeepAliveInterval: 30 * time.Second,
	}
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("host is required")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	if c.User == "" {
		return fmt.Errorf("user is required")
	}
	if c.IdentityFile != "" {
		if _, err := os.Stat(c.IdentityFile); err != nil {
			return fmt.Errorf("identity file not found: %s", c.IdentityFile)
		}
	}
	if c.ConnectTimeout <= 0 {
		return fmt.Errorf("connect timeout must be positive")
	}
	if c.CommandTimeout <= 0 {
		return fmt.Errorf("command timeout must be positive")
	}
	return nil
}

// Address returns the host:port dial address.
func (c *Config) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// clientConfig builds the ssh.ClientConfig for dialing.
func (c *Config) clientConfig() (*ssh.ClientConfig, error) {
	auth, err := c.authMethods()
	if err != nil {
		return nil, err
	}

	var hostKeyCallback ssh.HostKeyCallback
	if c.StrictHostKeyChecking && c.KnownHostsPath != "" {
		hostKeyCallback, err = knownhosts.New(c.KnownHostsPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load known_hosts: %w", err)
		}
	} else {
		hostKeyCallback = ssh.InsecureIgnoreHostKey()
	}

	return &ssh.ClientConfig{
		User:            c.User,
		Auth:            auth,
		HostKeyCallback: hostKeyCallback,
		Timeout:         c.ConnectTimeout,
	}, nil
}

// authMethods assembles the authentication chain. An explicit identity
// file is used alone; otherwise the agent and the default ~/.ssh keys are
// tried in order.
func (c *Config) authMethods() ([]ssh.AuthMethod, error) {
	if c.IdentityFile != "" {
		method, err := c.keyAuth(c.IdentityFile)
		if err != nil {
			return nil, err
		}
		return []ssh.AuthMethod{method}, nil
	}

	var methods []ssh.AuthMethod
	if method, ok := agentAuth(); ok {
		methods = append(methods, method)
	}
	if keyPath := defaultKeyPath(); keyPath != "" {
		method, err := c.keyAuth(keyPath)
		if err == nil {
			methods = append(methods, method)
		}
	}
	if len(methods) == 0 {
		return nil, fmt.Errorf("no SSH authentication available: set an identity file, start an ssh-agent, or install a default key")
	}
	return methods, nil
}

// keyAuth loads and parses a private key file.
func (c *Config) keyAuth(path string) (ssh.AuthMethod, error) {
	keyBytes, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read private key: %w", err)
	}

	var signer ssh.Signer
	if c.Passphrase != "" {
		signer, err = ssh.ParsePrivateKeyWithPassphrase(keyBytes, []byte(c.Passphrase))
	} else {
		signer, err = ssh.ParsePrivateKey(keyBytes)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key %s: %w", path, err)
	}
	return ssh.PublicKeys(signer), nil
}

// agentAuth connects to the ssh-agent named by SSH_AUTH_SOCK.
func agentAuth() (ssh.AuthMethod, bool) {
	sock := os.Getenv("SSH_AUTH_SOCK")
	if sock == "" {
		return nil, false
	}
	conn, err := net.Dial("unix", sock)
	if err != nil {
		return nil, false
	}
	return ssh.PublicKeysCallback(agent.NewClient(conn).Signers), true
}

// defaultKeyPath returns the first default private key present under
// ~/.ssh, or empty when none exists.
func defaultKeyPath() string {
	home := os.Getenv("HOME")
	if home == "" {
		return ""
	}
	for _, name := range []string{"id_ed25519", "id_rsa", "id_ecdsa"} {
		keyPath := filepath.Join(home, ".ssh", name)
		if _, err := os.Stat(keyPath); err == nil {
			return keyPath
		}
	}
	return ""
}
