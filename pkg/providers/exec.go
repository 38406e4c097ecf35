package providers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"

	"github.com/rs/zerolog"
)

// ExecProvider drives an external provider binary over the wire protocol.
// One process is started per operation; the request goes to the binary's
// stdin and responses stream back on stdout until the terminal done or
// error line.
type ExecProvider struct {
	name   string
	binary string
	logger zerolog.Logger
}

// NewExecProvider creates a provider backed by the binary at the given path.
func NewExecProvider(name, binary string, logger zerolog.Logger) (*ExecProvider, error) {
	if name == "" {
		return nil, fmt.Errorf("provider name is required")
	}
	if binary == "" {
		return nil, fmt.Errorf("provider binary path is required")
	}

	return &ExecProvider{
		name:   name,
		binary: binary,
		logger: logger.With().Str("component", "provider").Str("provider", name).Logger(),
	}, nil
}

// Name returns the provider name.
func (p *ExecProvider) Name() string {
	return p.name
}

// Binary returns the path of the provider binary.
func (p *ExecProvider) Binary() string {
	return p.binary
}

// Provision runs the binary with a provision request and returns the
// address from its done line.
func (p *ExecProvider) Provision(ctx context.Context, req ProvisionRequest) (*ProvisionResult, error) {
	resp, err := p.invoke(ctx, Request{
		Op:            OpProvision,
		Environment:   req.Environment,
		Instance:      req.Instance,
		ResourceGroup: req.ResourceGroup,
		Labels:        req.Labels,
		Config:        req.Config,
	})
	if err != nil {
		return nil, err
	}
	if resp.Address == "" {
		return nil, fmt.Errorf("provider %s returned no instance address", p.name)
	}

	return &ProvisionResult{Address: resp.Address, Metadata: resp.Metadata}, nil
}

// Destroy runs the binary with a destroy request.
func (p *ExecProvider) Destroy(ctx context.Context, req DestroyRequest) error {
	_, err := p.invoke(ctx, Request{
		Op:            OpDestroy,
		Environment:   req.Environment,
		Instance:      req.Instance,
		ResourceGroup: req.ResourceGroup,
		Address:       req.Address,
		Config:        req.Config,
	})
	return err
}

// invoke starts the binary, writes the request line, and consumes response
// lines until the stream ends. The terminal done line is returned; a
// terminal error line becomes a *ProviderError.
func (p *ExecProvider) invoke(ctx context.Context, req Request) (*Response, error) {
	line, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal provider request: %w", err)
	}

	cmd := exec.CommandContext(ctx, p.binary)
	cmd.Stdin = bytes.NewReader(append(line, '\n'))

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open provider stdout: %w", err)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start provider %s: %w", p.name, err)
	}

	p.logger.Debug().
		Str("op", string(req.Op)).
		Str("binary", p.binary).
		Msg("Provider started")

	// Children of the provider can inherit stdout and hold it open past
	// the kill; close the pipe on cancel so the scan ends with the
	// context.
	scanDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			stdout.Close()
		case <-scanDone:
		}
	}()

	var final *Response
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for scanner.Scan() {
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}

		var resp Response
		if err := json.Unmarshal(raw, &resp); err != nil {
			p.logger.Warn().
				Str("line", truncate(string(raw), 200)).
				Msg("Provider wrote an unparseable line")
			continue
		}

		switch resp.Type {
		case ResponseLog:
			p.forwardLog(&resp)
		case ResponseDone, ResponseError:
			r := resp
			final = &r
		default:
			p.logger.Warn().
				Str("type", string(resp.Type)).
				Msg("Provider wrote an unknown response type")
		}
	}
	scanErr := scanner.Err()
	close(scanDone)

	waitErr := cmd.Wait()

	if ctx.Err() != nil {
		return nil, fmt.Errorf("provider %s %s interrupted: %w", p.name, req.Op, ctx.Err())
	}
	if scanErr != nil {
		return nil, fmt.Errorf("failed to read provider output: %w", scanErr)
	}
	if final != nil && final.Type == ResponseError {
		return nil, &ProviderError{
			Provider: p.name,
			Op:       req.Op,
			Code:     final.Code,
			Message:  final.Message,
		}
	}
	if waitErr != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return nil, fmt.Errorf("provider %s %s failed: %w: %s", p.name, req.Op, waitErr, msg)
		}
		return nil, fmt.Errorf("provider %s %s failed: %w", p.name, req.Op, waitErr)
	}
	if final == nil {
		return nil, fmt.Errorf("provider %s exited without a terminal response", p.name)
	}

	return final, nil
}

// forwardLog relays one provider log line into the gantry log.
func (p *ExecProvider) forwardLog(resp *Response) {
	level, err := zerolog.ParseLevel(resp.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	p.logger.WithLevel(level).Msg(resp.Message)
}

// truncate shortens s for log output.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// ProviderError is a failure the provider binary itself reported through an
// error response, as opposed to a failure to run the binary.
type ProviderError struct {
	// Provider is the provider name.
	Provider string

	// Op is the operation that failed.
	Op Op

	// Code is the provider's machine-readable error code, if any.
	Code string

	// Message describes the failure.
	Message string
}

// Error implements the error interface.
func (e *ProviderError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("provider %s %s failed [%s]: %s", e.Provider, e.Op, e.Code, e.Message)
	}
	return fmt.Sprintf("provider %s %s failed: %s", e.Provider, e.Op, e.Message)
}
