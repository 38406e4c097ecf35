package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	runnerclient "github.com/gantrydev/gantry/pkg/runner/client"
	"github.com/gantrydev/gantry/pkg/runner/protocol"
	"github.com/gantrydev/gantry/pkg/transports/ssh"
)

// agentDialer is the production Dialer. It connects over SSH, uploads the
// agent binary, and starts an agent session on the instance.
type agentDialer struct {
	agentPath string
	logger    zerolog.Logger
}

// NewAgentDialer returns the SSH-backed dialer. agentPath names the local
// gantry-agent binary to upload; when empty the binary is looked up next to
// the running executable and then on PATH.
func NewAgentDialer(agentPath string, logger zerolog.Logger) Dialer {
	return &agentDialer{agentPath: agentPath, logger: logger}
}

// Dial implements Dialer.
func (d *agentDialer) Dial(ctx context.Context, target Target) (Session, error) {
	agentPath := d.agentPath
	if agentPath == "" {
		located, err := runnerclient.LocateAgentBinary()
		if err != nil {
			return nil, err
		}
		agentPath = located
	}

	cfg := ssh.DefaultConfig(target.Host, target.User)
	if target.Port != 0 {
		cfg.Port = target.Port
	}
	cfg.IdentityFile = target.IdentityFile

	transport, err := ssh.NewClient(cfg, d.logger)
	if err != nil {
		return nil, err
	}
	if err := transport.Connect(ctx); err != nil {
		return nil, err
	}

	runner, err := runnerclient.NewClient(runnerclient.Config{
		Transport: transport,
		AgentPath: agentPath,
	})
	if err != nil {
		_ = transport.Close()
		return nil, err
	}
	if err := runner.Start(ctx); err != nil {
		_ = transport.Close()
		return nil, fmt.Errorf("failed to start agent on %s: %w", target.Host, err)
	}

	d.logger.Debug().
		Str("environment", target.Environment).
		Str("host", target.Host).
		Msg("agent session established")

	return &agentSession{transport: transport, runner: runner}, nil
}

// agentSession pairs an SSH connection with the agent session running over
// it.
type agentSession struct {
	transport *ssh.Client
	runner    *runnerclient.Client
}

// Execute implements Session.
func (s *agentSession) Execute(ctx context.Context, cmd *protocol.CommandMessage) (*protocol.DoneMessage, error) {
	return s.runner.Execute(ctx, cmd)
}

// Upload implements Session.
func (s *agentSession) Upload(ctx context.Context, localPath, remotePath string) error {
	return s.transport.Upload(ctx, localPath, remotePath)
}

// Checksum implements Session.
func (s *agentSession) Checksum(ctx context.Context, remotePath string) (string, error) {
	return s.transport.Checksum(ctx, remotePath)
}

// Close implements Session. The agent is stopped before the connection
// drops so it can remove its remote binary.
func (s *agentSession) Close(ctx context.Context) error {
	return errors.Join(s.runner.Close(ctx), s.transport.Close())
}
