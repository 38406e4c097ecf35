package ssh

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"

	runnerclient "github.com/gantrydev/gantry/pkg/runner/client"
)

// keepAliveMaxFailures is how many keep-alive requests may fail in a row
// before the keep-alive loop gives up on the connection.
const keepAliveMaxFailures = 3

// Client is an SSH connection to one instance. It carries remote command
// execution and SFTP uploads for the engine and the runner client.
type Client struct {
	config *Config
	logger zerolog.Logger

	mu          sync.RWMutex
	conn        *ssh.Client
	stopKeep    chan struct{}
	connectedAt time.Time
}

var _ runnerclient.Transport = (*Client)(nil)

// NewClient creates an SSH client for the configured host. The connection
// is established by Connect.
func NewClient(config *Config, logger zerolog.Logger) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid SSH config: %w", err)
	}
	return &Client{
		config: config,
		logger: logger.With().Str("component", "ssh").Str("host", config.Host).Logger(),
	}, nil
}

// Connect establishes the SSH connection. Calling Connect on a live
// connection verifies it and returns nil; a dead one is replaced.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		if err := healthCheck(c.conn); err == nil {
			return nil
		}
		c.logger.Warn().Msg("existing connection is dead, reconnecting")
		c.closeLocked()
	}

	clientConfig, err := c.config.clientConfig()
	if err != nil {
		return &TransportError{Op: "connect", Err: err, IsAuthError: true}
	}

	address := c.config.Address()
	c.logger.Debug().Str("address", address).Msg("establishing SSH connection")

	type dialResult struct {
		conn *ssh.Client
		err  error
	}
	results := make(chan dialResult)
	go func() {
		conn, err := ssh.Dial("tcp", address, clientConfig)
		select {
		case results <- dialResult{conn: conn, err: err}:
		case <-ctx.Done():
			// Nobody is waiting for this connection anymore.
			if conn != nil {
				_ = conn.Close()
			}
		}
	}()

	select {
	case <-ctx.Done():
		return &TransportError{Op: "connect", Err: ctx.Err(), IsTemporary: true}
	case res := <-results:
		if res.err != nil {
			authFailed := strings.Contains(res.err.Error(), "unable to authenticate")
			return &TransportError{
				Op:          "connect",
				Err:         res.err,
				IsTemporary: !authFailed,
				IsAuthError: authFailed,
			}
		}
		c.conn = res.conn
		c.connectedAt = time.Now()
		c.startKeepAlive()
		c.logger.Info().Str("address", address).Msg("SSH connection established")
		return nil
	}
}

// Close shuts down the connection. Closing an unconnected client is a
// no-op.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return nil
	}

	c.logger.Debug().Msg("closing SSH connection")
	c.stopKeepAlive()
	err := c.conn.Close()
	c.conn = nil

	if err != nil {
		return &TransportError{Op: "close", Err: err}
	}
	return nil
}

// IsConnected reports whether the client holds a connection. The
// connection may still have died since the last use; HealthCheck verifies
// liveness.
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn != nil
}

// HealthCheck verifies the connection is alive and can run commands.
func (c *Client) HealthCheck(ctx context.Context) error {
	_, _, err := c.ExecuteCommand(ctx, "true")
	return err
}

// closeLocked tears down the connection. Caller holds mu.
func (c *Client) closeLocked() {
	c.stopKeepAlive()
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
}

// startKeepAlive launches the keep-alive loop for the current connection.
// Caller holds mu.
func (c *Client) startKeepAlive() {
	if c.config.KeepAliveInterval <= 0 {
		return
	}
	stop := make(chan struct{})
	c.stopKeep = stop
	go c.keepAlive(c.conn, stop)
}

// stopKeepAlive stops the keep-alive loop. Caller holds mu.
func (c *Client) stopKeepAlive() {
	if c.stopKeep != nil {
		close(c.stopKeep)
		c.stopKeep = nil
	}
}

// keepAlive pings the server until stopped or the connection goes dead.
// The connection is passed in so the loop never races a reconnect.
func (c *Client) keepAlive(conn *ssh.Client, stop chan struct{}) {
	ticker := time.NewTicker(c.config.KeepAliveInterval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			_, _, err := conn.SendRequest("keepalive@openssh.com", true, nil)
			if err != nil {
				failures++
				c.logger.Warn().Err(err).Int("failures", failures).Msg("keep-alive failed")
				if failures >= keepAliveMaxFailures {
					c.logger.Error().Msg("keep-alive gave up, connection looks dead")
					return
				}
			} else {
				failures = 0
			}
		}
	}
}

// healthCheck runs a trivial command to confirm the connection works.
func healthCheck(conn *ssh.Client) error {
	session, err := conn.NewSession()
	if err != nil {
		return err
	}
	defer session.Close()
	return session.Run("true")
}

// getConn returns the live connection for session-opening helpers.
func (c *Client) getConn() (*ssh.Client, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.conn == nil {
		return nil, &TransportError{Op: "session", Err: fmt.Errorf("not connected")}
	}
	return c.conn, nil
}
