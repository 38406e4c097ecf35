package providers

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
)

// maxLineBytes caps a single wire line. Provider config blocks and log
// lines stay far below this; the cap only bounds the scanner buffer.
const maxLineBytes = 10 * 1024 * 1024

// Op selects the operation a provider request asks for.
type Op string

const (
	// OpProvision asks the provider to create the instance.
	OpProvision Op = "provision"

	// OpDestroy asks the provider to tear the instance down.
	OpDestroy Op = "destroy"
)

// Validate checks that the op is one gantry sends.
func (o Op) Validate() error {
	switch o {
	case OpProvision, OpDestroy:
		return nil
	default:
		return fmt.Errorf("invalid provider op: %s", o)
	}
}

// Request is the single message written to a provider binary's stdin. Op
// selects the operation; the remaining fields identify the instance.
type Request struct {
	Op            Op                `json:"op"`
	Environment   string            `json:"environment"`
	Instance      string            `json:"instance"`
	ResourceGroup string            `json:"resource_group"`
	Labels        map[string]string `json:"labels,omitempty"`
	Address       string            `json:"address,omitempty"`
	Config        json.RawMessage   `json:"config,omitempty"`
}

// Validate checks the request is complete enough to act on.
func (r *Request) Validate() error {
	if err := r.Op.Validate(); err != nil {
		return err
	}
	if r.Environment == "" {
		return fmt.Errorf("provider request has no environment")
	}
	if r.Instance == "" {
		return fmt.Errorf("provider request has no instance")
	}
	return nil
}

// ResponseType discriminates provider response lines.
type ResponseType string

const (
	// ResponseLog is a progress line, forwarded to the gantry log.
	ResponseLog ResponseType = "log"

	// ResponseDone terminates a successful operation.
	ResponseDone ResponseType = "done"

	// ResponseError terminates a failed operation.
	ResponseError ResponseType = "error"
)

// Response is one line of provider output. Type selects which fields carry
// meaning: log lines use Level and Message, done lines use Address and
// Metadata, error lines use Code and Message.
type Response struct {
	Type     ResponseType      `json:"type"`
	Level    string            `json:"level,omitempty"`
	Message  string            `json:"message,omitempty"`
	Address  string            `json:"address,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
	Code     string            `json:"code,omitempty"`
}

// ReadRequest reads and validates the request line a provider binary
// receives on stdin. Provider binaries call this once at startup.
func ReadRequest(r io.Reader) (*Request, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("failed to read provider request: %w", err)
		}
		return nil, fmt.Errorf("no provider request on stdin")
	}

	var req Request
	if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
		return nil, fmt.Errorf("failed to parse provider request: %w", err)
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	return &req, nil
}

// Emitter writes response lines from a provider binary. Each call emits one
// line and flushes it.
type Emitter struct {
	w *bufio.Writer
}

// NewEmitter creates an emitter writing to w, normally os.Stdout.
func NewEmitter(w io.Writer) *Emitter {
	return &Emitter{w: bufio.NewWriter(w)}
}

// Log emits a progress line. Level is a zerolog level name; empty means
// info.
func (e *Emitter) Log(level, message string) error {
	return e.emit(Response{Type: ResponseLog, Level: level, Message: message})
}

// Logf emits a formatted progress line at info level.
func (e *Emitter) Logf(format string, args ...interface{}) error {
	return e.Log("info", fmt.Sprintf(format, args...))
}

// Done terminates a successful operation. Provision responses carry the
// instance address; destroy responses pass "".
func (e *Emitter) Done(address string, metadata map[string]string) error {
	return e.emit(Response{Type: ResponseDone, Address: address, Metadata: metadata})
}

// Fail terminates a failed operation.
func (e *Emitter) Fail(code, message string) error {
	return e.emit(Response{Type: ResponseError, Code: code, Message: message})
}

// emit writes one response line and flushes.
func (e *Emitter) emit(resp Response) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("failed to marshal response: %w", err)
	}
	if _, err := e.w.Write(data); err != nil {
		return fmt.Errorf("failed to write response: %w", err)
	}
	if err := e.w.WriteByte('\n'); err != nil {
		return fmt.Errorf("failed to write newline: %w", err)
	}
	return e.w.Flush()
}
