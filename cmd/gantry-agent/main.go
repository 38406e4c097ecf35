// Package main implements the gantry agent binary. It is a minimal,
// self-contained static binary that executes configure commands received as
// NDJSON over stdio and self-deletes on exit.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"
	"time"

	"github.com/gantrydev/gantry/pkg/runner/handlers"
	"github.com/gantrydev/gantry/pkg/runner/protocol"
)

const (
	version = "0.1.0"
	ttl     = 10 * time.Minute
)

type agent struct {
	encoder      *protocol.Encoder
	decoder      *protocol.Decoder
	execPath     string
	commandCount int
	startTime    time.Time
}

func main() {
	a := &agent{
		encoder:   protocol.NewEncoder(os.Stdout),
		decoder:   protocol.NewDecoder(os.Stdin),
		startTime: time.Now(),
	}

	// Get executable path for self-delete
	var err error
	a.execPath, err = os.Executable()
	if err != nil {
		a.sendErrorAndExit("INIT_FAILED", fmt.Sprintf("failed to get executable path: %v", err), 1)
		return
	}

	if err := a.sendReady(); err != nil {
		a.sendErrorAndExit("READY_FAILED", fmt.Sprintf("failed to send ready: %v", err), 1)
		return
	}

	// Main command loop with TTL timeout
	ctx, cancel := context.WithTimeout(context.Background(), ttl)
	defer cancel()

	exitCode := 0
	reason := "completed"

	for {
		select {
		case <-ctx.Done():
			reason = "ttl_expired"
			exitCode = 0
			goto exit
		default:
			if err := a.processNextCommand(ctx); err != nil {
				if errors.Is(err, io.EOF) {
					reason = "stdin_closed"
					exitCode = 0
				} else {
					reason = "error"
					exitCode = 1
				}
				goto exit
			}
		}
	}

exit:
	a.exit(reason, exitCode)
}

func (a *agent) sendReady() error {
	ready := &protocol.ReadyMessage{
		Version:  version,
		Platform: runtime.GOOS,
		Arch:     runtime.GOARCH,
		PID:      os.Getpid(),
		Caps: map[string]bool{
			"exec":       true,
			"file.write": true,
			"service":    true,
		},
		Metadata: map[string]string{
			"ttl": ttl.String(),
		},
	}

	return a.encoder.EncodeReady(ready)
}

func (a *agent) processNextCommand(ctx context.Context) error {
	cmd, err := a.decoder.DecodeCommand()
	if err != nil {
		return err
	}

	a.commandCount++

	cmdCtx, cancel := context.WithTimeout(ctx, time.Duration(cmd.Timeout)*time.Second)
	defer cancel()

	// Handlers emit anonymous progress events; stamp ownership here and
	// finish the drain before the terminal message goes out so the stream
	// stays ordered.
	eventCh := make(chan *protocol.EventMessage, 16)
	drained := make(chan struct{})
	go func() {
		defer close(drained)
		for evt := range eventCh {
			if evt.CommandID == "" {
				evt.CommandID = cmd.ID
			}
			a.encoder.EncodeEvent(evt)
		}
	}()

	start := time.Now()
	result, err := a.handleCommand(cmdCtx, cmd, eventCh)
	duration := time.Since(start).Seconds()

	close(eventCh)
	<-drained

	if err != nil {
		errMsg := &protocol.ErrorMessage{
			CommandID: cmd.ID,
			Code:      "EXEC_FAILED",
			Message:   err.Error(),
			Retryable: cmdCtx.Err() == nil,
		}
		return a.encoder.EncodeError(errMsg)
	}

	doneMsg := &protocol.DoneMessage{
		CommandID: cmd.ID,
		Result:    result,
		Duration:  duration,
	}
	return a.encoder.EncodeDone(doneMsg)
}

func (a *agent) handleCommand(ctx context.Context, cmd *protocol.CommandMessage, eventCh chan<- *protocol.EventMessage) (json.RawMessage, error) {
	switch cmd.Type {
	case protocol.CommandTypeExec:
		var params protocol.ExecParams
		if err := protocol.ParseParams(cmd.Params, &params); err != nil {
			return nil, err
		}
		handler := &handlers.ExecHandler{}
		result, err := handler.Handle(ctx, &params, eventCh)
		if err != nil {
			return nil, err
		}
		return json.Marshal(result)

	case protocol.CommandTypeFileWrite:
		var params protocol.FileWriteParams
		if err := protocol.ParseParams(cmd.Params, &params); err != nil {
			return nil, err
		}
		handler := &handlers.FileWriteHandler{}
		result, err := handler.Handle(ctx, &params, eventCh)
		if err != nil {
			return nil, err
		}
		return json.Marshal(result)

	case protocol.CommandTypeService:
		var params protocol.ServiceParams
		if err := protocol.ParseParams(cmd.Params, &params); err != nil {
			return nil, err
		}
		handler := &handlers.ServiceHandler{}
		result, err := handler.Handle(ctx, &params, eventCh)
		if err != nil {
			return nil, err
		}
		return json.Marshal(result)

	default:
		return nil, fmt.Errorf("unsupported command type: %s", cmd.Type)
	}
}

func (a *agent) exit(reason string, exitCode int) {
	exitMsg := &protocol.ExitMessage{
		Reason:        reason,
		ExitCode:      exitCode,
		CommandsTotal: a.commandCount,
		SelfDeleted:   false,
	}

	// Attempt self-delete
	if err := os.Remove(a.execPath); err == nil {
		exitMsg.SelfDeleted = true
	}

	a.encoder.EncodeExit(exitMsg)
	os.Exit(exitCode)
}

func (a *agent) sendErrorAndExit(code, message string, exitCode int) {
	errMsg := &protocol.ErrorMessage{
		Code:      code,
		Message:   message,
		Retryable: false,
	}
	a.encoder.EncodeError(errMsg)
	os.Exit(exitCode)
}
