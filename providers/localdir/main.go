// Command gantry-provider-localdir is an example provider that "provisions"
// a local sandbox directory and returns a loopback address. It implements
// the provider wire protocol: one request line on stdin, log lines and a
// terminal done or error line on stdout.
//
// The provider block in the manifest selects where sandboxes live:
//
//	provider: {
//		name:   "localdir"
//		config: {root: "/var/tmp/sandboxes"}
//	}
//
// Root defaults to a gantry-sandboxes directory under the system temp dir.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gantrydev/gantry/pkg/providers"
)

const version = "0.1.0"

// config is the provider block localdir understands.
type config struct {
	// Root is the directory sandboxes are created under.
	Root string `json:"root,omitempty"`
}

// sandboxInfo is written into each sandbox so destroy can verify it is
// removing something this provider created.
type sandboxInfo struct {
	Environment   string            `json:"environment"`
	Instance      string            `json:"instance"`
	ResourceGroup string            `json:"resource_group"`
	Labels        map[string]string `json:"labels,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	Version       string            `json:"version"`
}

func main() {
	emitter := providers.NewEmitter(os.Stdout)

	req, err := providers.ReadRequest(os.Stdin)
	if err != nil {
		_ = emitter.Fail("BAD_REQUEST", err.Error())
		os.Exit(1)
	}

	switch req.Op {
	case providers.OpProvision:
		err = provision(req, emitter)
	case providers.OpDestroy:
		err = destroy(req, emitter)
	default:
		err = fmt.Errorf("unsupported op: %s", req.Op)
	}
	if err != nil {
		_ = emitter.Fail(failCode(req.Op), err.Error())
		os.Exit(1)
	}
}

// provision creates the sandbox directory, drops an instance.json marker
// into it, and reports the loopback address.
func provision(req *providers.Request, emitter *providers.Emitter) error {
	cfg, err := parseConfig(req.Config)
	if err != nil {
		return err
	}

	sandbox := filepath.Join(cfg.Root, req.Instance)
	_ = emitter.Logf("creating sandbox %s", sandbox)

	if _, err := os.Stat(sandbox); err == nil {
		return fmt.Errorf("sandbox already exists: %s", sandbox)
	}
	if err := os.MkdirAll(sandbox, 0o755); err != nil {
		return fmt.Errorf("failed to create sandbox: %w", err)
	}

	info := sandboxInfo{
		Environment:   req.Environment,
		Instance:      req.Instance,
		ResourceGroup: req.ResourceGroup,
		Labels:        req.Labels,
		CreatedAt:     time.Now().UTC(),
		Version:       version,
	}
	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal sandbox info: %w", err)
	}
	if err := os.WriteFile(filepath.Join(sandbox, "instance.json"), data, 0o644); err != nil {
		os.RemoveAll(sandbox)
		return fmt.Errorf("failed to write sandbox info: %w", err)
	}

	_ = emitter.Log("info", "sandbox ready")
	return emitter.Done("127.0.0.1", map[string]string{
		"sandbox":  sandbox,
		"provider": "localdir",
	})
}

// destroy removes the sandbox directory. An absent sandbox is reported as
// done, not as an error.
func destroy(req *providers.Request, emitter *providers.Emitter) error {
	cfg, err := parseConfig(req.Config)
	if err != nil {
		return err
	}

	sandbox := filepath.Join(cfg.Root, req.Instance)

	if _, err := os.Stat(sandbox); os.IsNotExist(err) {
		_ = emitter.Logf("sandbox already absent: %s", sandbox)
		return emitter.Done("", nil)
	}

	// Only directories carrying the marker are ours to remove.
	if _, err := os.Stat(filepath.Join(sandbox, "instance.json")); err != nil {
		return fmt.Errorf("refusing to remove %s: no sandbox marker", sandbox)
	}

	_ = emitter.Logf("removing sandbox %s", sandbox)
	if err := os.RemoveAll(sandbox); err != nil {
		return fmt.Errorf("failed to remove sandbox: %w", err)
	}
	return emitter.Done("", nil)
}

// parseConfig decodes the provider block and applies the default root.
func parseConfig(raw json.RawMessage) (*config, error) {
	cfg := &config{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse provider config: %w", err)
		}
	}
	if cfg.Root == "" {
		cfg.Root = filepath.Join(os.TempDir(), "gantry-sandboxes")
	}
	return cfg, nil
}

// failCode picks the error code for a failed op.
func failCode(op providers.Op) string {
	if op == providers.OpDestroy {
		return "DESTROY_FAILED"
	}
	return "PROVISION_FAILED"
}
