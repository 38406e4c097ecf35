package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
)

// ExecuteCommand runs a command on the remote host and returns its
// trimmed stdout and stderr. When ctx carries no deadline the configured
// CommandTimeout applies.
func (c *Client) ExecuteCommand(ctx context.Context, cmd string) (string, string, error) {
	conn, err := c.getConn()
	if err != nil {
		return "", "", err
	}

	if _, ok := ctx.Deadline(); !ok && c.config.CommandTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.CommandTimeout)
		defer cancel()
	}

	start := time.Now()
	c.logger.Debug().Str("command", cmd).Msg("executing command")

	session, err := conn.NewSession()
	if err != nil {
		return "", "", &TransportError{
			Op:          "execute",
			Err:         fmt.Errorf("failed to create session: %w", err),
			IsTemporary: true,
		}
	}
	defer session.Close()

	var stdoutBuf, stderrBuf bytes.Buffer
	session.Stdout = &stdoutBuf
	session.Stderr = &stderrBuf

	done := make(chan error, 1)
	go func() {
		done <- session.Run(cmd)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGTERM)
		time.Sleep(100 * time.Millisecond)
		_ = session.Signal(ssh.SIGKILL)
		// The session goroutine may still be writing the buffers, so
		// they are not read on this path.
		return "", "", &TransportError{Op: "execute", Err: ctx.Err(), IsTemporary: true}
	case runErr = <-done:
	}

	stdout := strings.TrimSpace(stdoutBuf.String())
	stderr := strings.TrimSpace(stderrBuf.String())

	c.logger.Debug().
		Str("command", cmd).
		Int("stdout_len", len(stdout)).
		Int("stderr_len", len(stderr)).
		Dur("duration", time.Since(start)).
		Err(runErr).
		Msg("command completed")

	if runErr != nil {
		var exitErr *ssh.ExitError
		if errors.As(runErr, &exitErr) {
			return stdout, stderr, &TransportError{
				Op:  "execute",
				Err: fmt.Errorf("command exited with code %d: %s", exitErr.ExitStatus(), stderr),
			}
		}
		return stdout, stderr, &TransportError{Op: "execute", Err: runErr, IsTemporary: true}
	}

	return stdout, stderr, nil
}

// Execute starts the agent binary at remotePath and returns its stdio.
// No PTY is requested so the byte stream stays clean for the framed
// protocol. Closing the returned reader ends the whole session.
func (c *Client) Execute(ctx context.Context, remotePath string) (io.WriteCloser, io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, &TransportError{Op: "execute", Err: err, IsTemporary: true}
	}

	conn, err := c.getConn()
	if err != nil {
		return nil, nil, err
	}

	session, err := conn.NewSession()
	if err != nil {
		return nil, nil, &TransportError{
			Op:          "execute",
			Err:         fmt.Errorf("failed to create session: %w", err),
			IsTemporary: true,
		}
	}

	stdin, err := session.StdinPipe()
	if err != nil {
		session.Close()
		return nil, nil, &TransportError{
			Op:          "execute",
			Err:         fmt.Errorf("failed to open stdin pipe: %w", err),
			IsTemporary: true,
		}
	}

	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		return nil, nil, &TransportError{
			Op:          "execute",
			Err:         fmt.Errorf("failed to open stdout pipe: %w", err),
			IsTemporary: true,
		}
	}

	session.Stderr = &logWriter{logger: c.logger.With().Str("stream", "agent-stderr").Logger()}

	if err := session.Start(shellQuote(remotePath)); err != nil {
		session.Close()
		return nil, nil, &TransportError{
			Op:          "execute",
			Err:         fmt.Errorf("failed to start %s: %w", remotePath, err),
			IsTemporary: true,
		}
	}

	c.logger.Debug().Str("path", remotePath).Msg("remote agent started")
	return stdin, &sessionStream{Reader: stdout, session: session}, nil
}

// Cleanup removes the agent binary from the instance.
func (c *Client) Cleanup(ctx context.Context, remotePath string) error {
	_, _, err := c.ExecuteCommand(ctx, "rm -f "+shellQuote(remotePath))
	return err
}

// sessionStream is the remote process's stdout; closing it tears down the
// session the process runs in.
type sessionStream struct {
	io.Reader
	session *ssh.Session
}

func (s *sessionStream) Close() error {
	return s.session.Close()
}

// logWriter forwards remote stderr lines into the log.
type logWriter struct {
	logger zerolog.Logger
	buf    []byte
}

func (w *logWriter) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		line := strings.TrimSpace(string(w.buf[:i]))
		w.buf = w.buf[i+1:]
		if line != "" {
			w.logger.Debug().Msg(line)
		}
	}
	return len(p), nil
}

// shellQuote wraps a path in single quotes for the remote shell.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
