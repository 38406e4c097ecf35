// Package handlers implements command handlers for the gantry agent.
package handlers

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/gantrydev/gantry/pkg/runner/protocol"
)

// ExecHandler handles shell command execution.
type ExecHandler struct{}

// Handle executes a shell command.
func (h *ExecHandler) Handle(ctx context.Context, params *protocol.ExecParams, eventCh chan<- *protocol.EventMessage) (*protocol.ExecResult, error) {
	if params.Command == "" {
		return nil, fmt.Errorf("command is required")
	}

	shell := params.Shell
	if shell == "" {
		shell = "/bin/sh"
	}

	cmd := exec.CommandContext(ctx, shell, "-c", params.Command)

	if params.WorkDir != "" {
		cmd.Dir = params.WorkDir
	}

	// Extend the inherited environment so PATH survives
	if len(params.Env) > 0 {
		env := os.Environ()
		for k, v := range params.Env {
			env = append(env, fmt.Sprintf("%s=%s", k, v))
		}
		cmd.Env = env
	}

	var stdout, stderr bytes.Buffer
	if params.CaptureErr {
		cmd.Stderr = &stderr
	}

	start := time.Now()
	var runErr error
	if params.StreamLines {
		runErr = h.runStreaming(cmd, params, &stdout, eventCh)
	} else {
		if params.CaptureOut {
			cmd.Stdout = &stdout
		}
		runErr = cmd.Run()
	}
	duration := time.Since(start).Seconds()

	result := &protocol.ExecResult{
		Duration: duration,
	}

	if params.CaptureOut {
		result.Stdout = stdout.String()
	}
	if params.CaptureErr {
		result.Stderr = stderr.String()
	}

	if runErr != nil {
		if exitErr, ok := runErr.(*exec.ExitError); ok {
			result.ExitCode = exitErr.ExitCode()
		} else {
			return nil, fmt.Errorf("failed to execute command: %w", runErr)
		}
	} else {
		result.ExitCode = 0
	}

	return result, nil
}

// runStreaming runs the command while forwarding each stdout line as an
// EVENT, so the controller sees release command output as it happens.
func (h *ExecHandler) runStreaming(cmd *exec.Cmd, params *protocol.ExecParams, stdout *bytes.Buffer, eventCh chan<- *protocol.EventMessage) error {
	pipe, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to open stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return err
	}

	scanner := bufio.NewScanner(pipe)
	for scanner.Scan() {
		line := scanner.Text()
		if params.CaptureOut {
			stdout.WriteString(line)
			stdout.WriteByte('\n')
		}
		if eventCh != nil {
			eventCh <- &protocol.EventMessage{
				Level:   "info",
				Message: line,
			}
		}
	}

	return cmd.Wait()
}
