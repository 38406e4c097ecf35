package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// writeScript writes a fake provider shell script into a temp dir and
// returns its path.
func writeScript(t *testing.T, lines ...string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "provider")
	script := "#!/bin/sh\n" + strings.Join(lines, "\n") + "\n"
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("failed to write provider script: %v", err)
	}
	return path
}

func testLogger() zerolog.Logger {
	return zerolog.New(nil).Level(zerolog.Disabled)
}

func TestNewExecProviderValidation(t *testing.T) {
	logger := testLogger()

	if _, err := NewExecProvider("", "/usr/local/bin/p", logger); err == nil {
		t.Error("expected error for missing name")
	}
	if _, err := NewExecProvider("localdir", "", logger); err == nil {
		t.Error("expected error for missing binary")
	}

	p, err := NewExecProvider("localdir", "/usr/local/bin/p", logger)
	if err != nil {
		t.Fatalf("NewExecProvider failed: %v", err)
	}
	if p.Name() != "localdir" {
		t.Errorf("unexpected name: %s", p.Name())
	}
	if p.Binary() != "/usr/local/bin/p" {
		t.Errorf("unexpected binary: %s", p.Binary())
	}
}

func TestExecProviderProvision(t *testing.T) {
	capture := filepath.Join(t.TempDir(), "request.json")
	t.Setenv("GANTRY_TEST_REQUEST", capture)

	binary := writeScript(t,
		`cat > "$GANTRY_TEST_REQUEST"`,
		`echo '{"type":"log","level":"debug","message":"creating sandbox"}'`,
		`echo '{"type":"done","address":"10.0.0.5","metadata":{"sandbox":"/tmp/sb"}}'`,
	)

	var logs bytes.Buffer
	logger := zerolog.New(&logs)

	p, err := NewExecProvider("localdir", binary, logger)
	if err != nil {
		t.Fatalf("NewExecProvider failed: %v", err)
	}

	result, err := p.Provision(context.Background(), ProvisionRequest{
		Environment:   "payments",
		Instance:      "payments-vm-a1b2c3d4",
		ResourceGroup: "payments-rg-a1b2c3d4",
		Labels:        map[string]string{"team": "payments"},
		Config:        json.RawMessage(`{"root":"/tmp/sandboxes"}`),
	})
	if err != nil {
		t.Fatalf("Provision failed: %v", err)
	}
	if result.Address != "10.0.0.5" {
		t.Errorf("unexpected address: %s", result.Address)
	}
	if result.Metadata["sandbox"] != "/tmp/sb" {
		t.Errorf("unexpected metadata: %+v", result.Metadata)
	}

	data, err := os.ReadFile(capture)
	if err != nil {
		t.Fatalf("provider never received the request: %v", err)
	}
	var req Request
	if err := json.Unmarshal(bytes.TrimSpace(data), &req); err != nil {
		t.Fatalf("failed to parse captured request: %v", err)
	}
	if req.Op != OpProvision {
		t.Errorf("unexpected op: %s", req.Op)
	}
	if req.Environment != "payments" || req.Instance != "payments-vm-a1b2c3d4" {
		t.Errorf("identity not passed through: %+v", req)
	}
	if req.Labels["team"] != "payments" {
		t.Errorf("labels not passed through: %+v", req.Labels)
	}
	if string(req.Config) != `{"root":"/tmp/sandboxes"}` {
		t.Errorf("config not passed through: %s", req.Config)
	}

	if !strings.Contains(logs.String(), "creating sandbox") {
		t.Errorf("provider log line was not forwarded: %s", logs.String())
	}
}

func TestExecProviderProvisionNoAddress(t *testing.T) {
	binary := writeScript(t,
		`read line`,
		`echo '{"type":"done"}'`,
	)

	p, err := NewExecProvider("localdir", binary, testLogger())
	if err != nil {
		t.Fatalf("NewExecProvider failed: %v", err)
	}

	_, err = p.Provision(context.Background(), ProvisionRequest{
		Environment: "payments",
		Instance:    "payments-vm-a1b2c3d4",
	})
	if err == nil {
		t.Fatal("expected error for done without address")
	}
	if !strings.Contains(err.Error(), "no instance address") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestExecProviderReportedError(t *testing.T) {
	binary := writeScript(t,
		`read line`,
		`echo '{"type":"log","message":"requesting capacity"}'`,
		`echo '{"type":"error","code":"QUOTA_EXCEEDED","message":"no capacity left"}'`,
		`exit 1`,
	)

	p, err := NewExecProvider("cloudvm", binary, testLogger())
	if err != nil {
		t.Fatalf("NewExecProvider failed: %v", err)
	}

	_, err = p.Provision(context.Background(), ProvisionRequest{
		Environment: "payments",
		Instance:    "payments-vm-a1b2c3d4",
	})
	if err == nil {
		t.Fatal("expected provider error")
	}

	var perr *ProviderError
	if !errors.As(err, &perr) {
		t.Fatalf("expected *ProviderError, got %T: %v", err, err)
	}
	if perr.Provider != "cloudvm" {
		t.Errorf("unexpected provider: %s", perr.Provider)
	}
	if perr.Op != OpProvision {
		t.Errorf("unexpected op: %s", perr.Op)
	}
	if perr.Code != "QUOTA_EXCEEDED" {
		t.Errorf("unexpected code: %s", perr.Code)
	}
	if !strings.Contains(perr.Error(), "QUOTA_EXCEEDED") {
		t.Errorf("code missing from message: %s", perr.Error())
	}
}

func TestExecProviderDestroy(t *testing.T) {
	capture := filepath.Join(t.TempDir(), "request.json")
	t.Setenv("GANTRY_TEST_REQUEST", capture)

	binary := writeScript(t,
		`cat > "$GANTRY_TEST_REQUEST"`,
		`echo '{"type":"done"}'`,
	)

	p, err := NewExecProvider("localdir", binary, testLogger())
	if err != nil {
		t.Fatalf("NewExecProvider failed: %v", err)
	}

	err = p.Destroy(context.Background(), DestroyRequest{
		Environment:   "payments",
		Instance:      "payments-vm-a1b2c3d4",
		ResourceGroup: "payments-rg-a1b2c3d4",
		Address:       "10.0.0.5",
	})
	if err != nil {
		t.Fatalf("Destroy failed: %v", err)
	}

	data, err := os.ReadFile(capture)
	if err != nil {
		t.Fatalf("provider never received the request: %v", err)
	}
	var req Request
	if err := json.Unmarshal(bytes.TrimSpace(data), &req); err != nil {
		t.Fatalf("failed to parse captured request: %v", err)
	}
	if req.Op != OpDestroy {
		t.Errorf("unexpected op: %s", req.Op)
	}
	if req.Address != "10.0.0.5" {
		t.Errorf("address not passed through: %s", req.Address)
	}
}

func TestExecProviderCrash(t *testing.T) {
	binary := writeScript(t,
		`read line`,
		`echo "disk full" >&2`,
		`exit 3`,
	)

	p, err := NewExecProvider("localdir", binary, testLogger())
	if err != nil {
		t.Fatalf("NewExecProvider failed: %v", err)
	}

	_, err = p.Provision(context.Background(), ProvisionRequest{
		Environment: "payments",
		Instance:    "payments-vm-a1b2c3d4",
	})
	if err == nil {
		t.Fatal("expected error for crashed provider")
	}
	if !strings.Contains(err.Error(), "disk full") {
		t.Errorf("stderr missing from error: %v", err)
	}
}

func TestExecProviderNoTerminalResponse(t *testing.T) {
	binary := writeScript(t,
		`read line`,
		`echo '{"type":"log","message":"working"}'`,
	)

	p, err := NewExecProvider("localdir", binary, testLogger())
	if err != nil {
		t.Fatalf("NewExecProvider failed: %v", err)
	}

	_, err = p.Provision(context.Background(), ProvisionRequest{
		Environment: "payments",
		Instance:    "payments-vm-a1b2c3d4",
	})
	if err == nil {
		t.Fatal("expected error for missing terminal response")
	}
	if !strings.Contains(err.Error(), "without a terminal response") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestExecProviderTimeout(t *testing.T) {
	binary := writeScript(t,
		`read line`,
		`sleep 5`,
	)

	p, err := NewExecProvider("localdir", binary, testLogger())
	if err != nil {
		t.Fatalf("NewExecProvider failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err = p.Provision(ctx, ProvisionRequest{
		Environment: "payments",
		Instance:    "payments-vm-a1b2c3d4",
	})
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline error, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Errorf("provision did not stop with the context: took %v", elapsed)
	}
}

func TestExecProviderIgnoresNoise(t *testing.T) {
	binary := writeScript(t,
		`read line`,
		`echo 'not json at all'`,
		`echo ''`,
		`echo '{"type":"telemetry","message":"ignored"}'`,
		`echo '{"type":"done","address":"127.0.0.1"}'`,
	)

	p, err := NewExecProvider("localdir", binary, testLogger())
	if err != nil {
		t.Fatalf("NewExecProvider failed: %v", err)
	}

	result, err := p.Provision(context.Background(), ProvisionRequest{
		Environment: "payments",
		Instance:    "payments-vm-a1b2c3d4",
	})
	if err != nil {
		t.Fatalf("Provision failed: %v", err)
	}
	if result.Address != "127.0.0.1" {
		t.Errorf("unexpected address: %s", result.Address)
	}
}
