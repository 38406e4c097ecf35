package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/gantrydev/gantry/pkg/config"
	"github.com/gantrydev/gantry/pkg/lifecycle"
	"github.com/gantrydev/gantry/pkg/policy"
	"github.com/gantrydev/gantry/pkg/providers"
	"github.com/gantrydev/gantry/pkg/runner/client"
	"github.com/gantrydev/gantry/pkg/runner/protocol"
	"github.com/gantrydev/gantry/pkg/stores"
	"github.com/gantrydev/gantry/pkg/transports/ssh"
)

var testArtifact = []byte("artifact payload for checksum tests\n")

func testLogger() zerolog.Logger {
	return zerolog.New(nil).Level(zerolog.Disabled)
}

// fakeJournal keeps transition records in memory.
type fakeJournal struct {
	mu      sync.Mutex
	failing bool
	records []*stores.TransitionRecord
}

func (j *fakeJournal) Record(ctx context.Context, rec *stores.TransitionRecord) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.failing {
		return errors.New("journal unavailable")
	}
	copied := *rec
	copied.ID = int64(len(j.records) + 1)
	copied.RecordedAt = time.Now().UTC()
	j.records = append(j.records, &copied)
	return nil
}

func (j *fakeJournal) List(ctx context.Context, environment string, limit, offset int) ([]*stores.TransitionRecord, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	var out []*stores.TransitionRecord
	for _, rec := range j.records {
		if rec.Environment == environment {
			out = append(out, rec)
		}
	}
	if offset > len(out) {
		offset = len(out)
	}
	out = out[offset:]
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

func (j *fakeJournal) LastTransition(ctx context.Context, environment string) (*stores.TransitionRecord, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	for i := len(j.records) - 1; i >= 0; i-- {
		if j.records[i].Environment == environment {
			return j.records[i], nil
		}
	}
	return nil, stores.NewNotFoundError("journal.last", environment)
}

func (j *fakeJournal) Prune(ctx context.Context, environment string) (int64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	var kept []*stores.TransitionRecord
	var pruned int64
	for _, rec := range j.records {
		if rec.Environment == environment {
			pruned++
			continue
		}
		kept = append(kept, rec)
	}
	j.records = kept
	return pruned, nil
}

// forEnv returns the recorded transitions for one environment.
func (j *fakeJournal) forEnv(environment string) []*stores.TransitionRecord {
	recs, _ := j.List(context.Background(), environment, 0, 0)
	return recs
}

// fakeGate records inputs and denies when violations are configured.
type fakeGate struct {
	mu     sync.Mutex
	inputs []*policy.PolicyInput
	deny   []policy.PolicyViolation
	err    error
}

func (g *fakeGate) Check(ctx context.Context, input *policy.PolicyInput) (*policy.PolicyResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.inputs = append(g.inputs, input)
	if g.err != nil {
		return nil, g.err
	}
	result := &policy.PolicyResult{Allowed: len(g.deny) == 0, EvaluatedAt: time.Now()}
	result.Violations = append(result.Violations, g.deny...)
	return result, nil
}

func (g *fakeGate) lastInput() *policy.PolicyInput {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.inputs) == 0 {
		return nil
	}
	return g.inputs[len(g.inputs)-1]
}

// fakeProvider scripts provision and destroy outcomes.
type fakeProvider struct {
	mu           sync.Mutex
	address      string
	provisionErr error
	destroyErr   error
	provisions   []providers.ProvisionRequest
	destroys     []providers.DestroyRequest
}

func (p *fakeProvider) Name() string { return "fake" }

func (p *fakeProvider) Provision(ctx context.Context, req providers.ProvisionRequest) (*providers.ProvisionResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.provisions = append(p.provisions, req)
	if p.provisionErr != nil {
		return nil, p.provisionErr
	}
	return &providers.ProvisionResult{Address: p.address}, nil
}

func (p *fakeProvider) Destroy(ctx context.Context, req providers.DestroyRequest) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.destroys = append(p.destroys, req)
	return p.destroyErr
}

// fakeResolver hands out a single provider.
type fakeResolver struct {
	provider providers.Provider
	err      error
}

func (r *fakeResolver) Resolve(name, binary string) (providers.Provider, error) {
	if r.err != nil {
		return nil, r.err
	}
	return r.provider, nil
}

// fakeSession records agent commands and scripts their outcomes.
type fakeSession struct {
	mu          sync.Mutex
	commands    []*protocol.CommandMessage
	uploads     [][2]string
	checksum    string
	checksumErr error
	uploadErr   error
	failStep    string
	failErr     error
	exitCode    int
	closed      bool
}

func (s *fakeSession) Execute(ctx context.Context, cmd *protocol.CommandMessage) (*protocol.DoneMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commands = append(s.commands, cmd)
	if s.failErr != nil && (s.failStep == "" || s.failStep == cmd.Metadata["step"]) {
		return nil, s.failErr
	}
	result, err := json.Marshal(protocol.ExecResult{ExitCode: s.exitCode, Stderr: "boom"})
	if err != nil {
		return nil, err
	}
	return &protocol.DoneMessage{CommandID: cmd.ID, Result: result}, nil
}

func (s *fakeSession) Upload(ctx context.Context, localPath, remotePath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.uploads = append(s.uploads, [2]string{localPath, remotePath})
	return s.uploadErr
}

func (s *fakeSession) Checksum(ctx context.Context, remotePath string) (string, error) {
	return s.checksum, s.checksumErr
}

func (s *fakeSession) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeSession) commandTypes() []protocol.CommandType {
	s.mu.Lock()
	defer s.mu.Unlock()
	types := make([]protocol.CommandType, 0, len(s.commands))
	for _, cmd := range s.commands {
		types = append(types, cmd.Type)
	}
	return types
}

// fakeDialer returns one scripted session and records targets.
type fakeDialer struct {
	mu      sync.Mutex
	session *fakeSession
	err     error
	targets []Target
}

func (d *fakeDialer) Dial(ctx context.Context, target Target) (Session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.targets = append(d.targets, target)
	if d.err != nil {
		return nil, d.err
	}
	return d.session, nil
}

type testDeps struct {
	store    stores.EnvironmentStore
	journal  *fakeJournal
	gate     *fakeGate
	provider *fakeProvider
	resolver *fakeResolver
	session  *fakeSession
	dialer   *fakeDialer
}

// testManifest declares one environment with steps, a release, and a
// service, with its build directory rooted in a temp dir holding the test
// artifact.
func testManifest(t *testing.T) *config.ParsedManifest {
	t.Helper()

	buildDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(buildDir, "app.tar.gz"), testArtifact, 0o644); err != nil {
		t.Fatalf("failed to write artifact: %v", err)
	}

	return &config.ParsedManifest{
		Meta: config.ManifestMeta{Name: "shop"},
		Environments: map[string]config.EnvironmentSpec{
			"demo": {
				Provider: config.ProviderSpec{Name: "fake", Config: json.RawMessage(`{"size":"small"}`)},
				SSH:      config.SSHSpec{User: "deploy", Port: 2222},
				BuildDir: buildDir,
				DataDir:  "/var/lib/demo",
				Labels:   map[string]string{"team": "web"},
				Steps: []config.StepSpec{
					{Name: "install", Action: "exec", Command: "apt-get install -y nginx", Params: map[string]string{"version": "0.0.1"}},
					{Name: "write config", Action: "file", Path: "/etc/app.conf", Content: "listen = 8080\n", Mode: "0644"},
				},
				Release: &config.ReleaseSpec{
					Artifact:   "app.tar.gz",
					RemotePath: "/srv/app/app.tar.gz",
					Commands:   []string{"tar -xzf /srv/app/app.tar.gz -C /srv/app"},
				},
				Services: []config.ServiceSpec{{Name: "app", Command: "/srv/app/bin/app --serve"}},
			},
		},
	}
}

func newTestDeployer(t *testing.T, manifest *config.ParsedManifest) (*Deployer, *testDeps) {
	t.Helper()

	store, err := stores.NewFSStore(stores.FSConfig{Root: t.TempDir()})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	sum := sha256.Sum256(testArtifact)
	deps := &testDeps{
		store:    store,
		journal:  &fakeJournal{},
		gate:     &fakeGate{},
		provider: &fakeProvider{address: "198.51.100.7"},
		session:  &fakeSession{checksum: hex.EncodeToString(sum[:])},
	}
	deps.resolver = &fakeResolver{provider: deps.provider}
	deps.dialer = &fakeDialer{session: deps.session}

	d, err := NewDeployer(Config{
		Manifest:  manifest,
		Store:     deps.store,
		Journal:   deps.journal,
		Gate:      deps.gate,
		Providers: deps.resolver,
		Dialer:    deps.dialer,
		Logger:    testLogger(),
		User:      "tester",
	})
	if err != nil {
		t.Fatalf("failed to create deployer: %v", err)
	}
	return d, deps
}

// mustStage asserts the stored stage of an environment.
func mustStage(t *testing.T, d *Deployer, name string, want lifecycle.StageName) {
	t.Helper()

	status, err := d.Status(context.Background(), name)
	if err != nil {
		t.Fatalf("failed to read status of %s: %v", name, err)
	}
	if status.Stage != want {
		t.Fatalf("environment %s in stage %s, want %s", name, status.Stage, want)
	}
}

// deployAll walks an environment from nothing to running.
func deployAll(t *testing.T, ctx context.Context, d *Deployer) {
	t.Helper()

	if err := d.Create(ctx, "demo", CreateOptions{}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := d.Provision(ctx, "demo"); err != nil {
		t.Fatalf("provision: %v", err)
	}
	if err := d.Configure(ctx, "demo"); err != nil {
		t.Fatalf("configure: %v", err)
	}
	if err := d.Release(ctx, "demo"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := d.Run(ctx, "demo"); err != nil {
		t.Fatalf("run: %v", err)
	}
}

func TestCreate(t *testing.T) {
	d, deps := newTestDeployer(t, testManifest(t))
	ctx := context.Background()

	if err := d.Create(ctx, "demo", CreateOptions{Labels: map[string]string{"ticket": "OPS-12"}}); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	mustStage(t, d, "demo", lifecycle.StageCreated)

	recs := deps.journal.forEnv("demo")
	if len(recs) != 1 {
		t.Fatalf("expected 1 journal record, got %d", len(recs))
	}
	if recs[0].FromStage != "" || recs[0].ToStage != lifecycle.StageCreated || recs[0].Operation != OpCreate {
		t.Errorf("unexpected journal record: %+v", recs[0])
	}

	input := deps.gate.lastInput()
	if input == nil || input.Operation != OpCreate {
		t.Fatalf("gate did not see the create operation: %+v", input)
	}
	if input.Environment.Labels["team"] != "web" || input.Environment.Labels["ticket"] != "OPS-12" {
		t.Errorf("gate labels missing manifest or option values: %v", input.Environment.Labels)
	}
	if input.Context.User != "tester" {
		t.Errorf("gate user = %q, want tester", input.Context.User)
	}
}

func TestCreateExisting(t *testing.T) {
	d, _ := newTestDeployer(t, testManifest(t))
	ctx := context.Background()

	if err := d.Create(ctx, "demo", CreateOptions{}); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	err := d.Create(ctx, "demo", CreateOptions{})
	var existsErr *ExistsError
	if !errors.As(err, &existsErr) {
		t.Fatalf("expected ExistsError, got %v", err)
	}
	if existsErr.Stage != lifecycle.StageCreated {
		t.Errorf("ExistsError stage = %s, want %s", existsErr.Stage, lifecycle.StageCreated)
	}
}

func TestCreateUnknownEnvironment(t *testing.T) {
	d, _ := newTestDeployer(t, testManifest(t))

	err := d.Create(context.Background(), "phantom", CreateOptions{})
	var unknownErr *config.UnknownEnvironmentError
	if !errors.As(err, &unknownErr) {
		t.Fatalf("expected UnknownEnvironmentError, got %v", err)
	}
}

func TestProvision(t *testing.T) {
	d, deps := newTestDeployer(t, testManifest(t))
	ctx := context.Background()

	if err := d.Create(ctx, "demo", CreateOptions{}); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if err := d.Provision(ctx, "demo"); err != nil {
		t.Fatalf("provision failed: %v", err)
	}
	mustStage(t, d, "demo", lifecycle.StageProvisioned)

	status, err := d.Status(ctx, "demo")
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	if status.Address != "198.51.100.7" {
		t.Errorf("address = %q, want the provider address", status.Address)
	}

	if len(deps.provider.provisions) != 1 {
		t.Fatalf("expected 1 provision call, got %d", len(deps.provider.provisions))
	}
	req := deps.provider.provisions[0]
	if req.Environment != "demo" || req.Instance == "" || req.ResourceGroup == "" {
		t.Errorf("provision request incomplete: %+v", req)
	}
	if string(req.Config) != `{"size":"small"}` {
		t.Errorf("provider config not passed through: %s", req.Config)
	}

	recs := deps.journal.forEnv("demo")
	if len(recs) != 3 {
		t.Fatalf("expected 3 journal records, got %d", len(recs))
	}
	if recs[1].FromStage != lifecycle.StageCreated || recs[1].ToStage != lifecycle.StageProvisioning {
		t.Errorf("in-progress transition not journaled first: %+v", recs[1])
	}
	if recs[2].ToStage != lifecycle.StageProvisioned {
		t.Errorf("completion not journaled: %+v", recs[2])
	}
}

func TestProvisionProviderFailure(t *testing.T) {
	d, deps := newTestDeployer(t, testManifest(t))
	ctx := context.Background()
	deps.provider.provisionErr = &providers.ProviderError{
		Provider: "fake",
		Code:     "quota_exceeded",
		Message:  "no capacity left",
	}

	if err := d.Create(ctx, "demo", CreateOptions{}); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	err := d.Provision(ctx, "demo")
	var opErr *OperationError
	if !errors.As(err, &opErr) {
		t.Fatalf("expected OperationError, got %v", err)
	}
	if opErr.Class != lifecycle.FailureClassThrottled {
		t.Errorf("class = %s, want throttled", opErr.Class)
	}
	if !opErr.Retryable() {
		t.Error("throttled failure should be retryable")
	}

	status, err := d.Status(ctx, "demo")
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	if status.Stage != lifecycle.StageProvisionFailed {
		t.Fatalf("stage = %s, want %s", status.Stage, lifecycle.StageProvisionFailed)
	}
	if status.FailedStep != "provider provision" {
		t.Errorf("failed step = %q", status.FailedStep)
	}
	if status.FailureClass != lifecycle.FailureClassThrottled {
		t.Errorf("recorded class = %s, want throttled", status.FailureClass)
	}
}

func TestProvisionWrongStage(t *testing.T) {
	d, _ := newTestDeployer(t, testManifest(t))
	ctx := context.Background()

	if err := d.Create(ctx, "demo", CreateOptions{}); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if err := d.Provision(ctx, "demo"); err != nil {
		t.Fatalf("provision failed: %v", err)
	}

	err := d.Provision(ctx, "demo")
	var mismatchErr *lifecycle.StageMismatchError
	if !errors.As(err, &mismatchErr) {
		t.Fatalf("expected StageMismatchError, got %v", err)
	}
	mustStage(t, d, "demo", lifecycle.StageProvisioned)
}

func TestConfigure(t *testing.T) {
	d, deps := newTestDeployer(t, testManifest(t))
	ctx := context.Background()

	if err := d.Create(ctx, "demo", CreateOptions{}); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if err := d.Provision(ctx, "demo"); err != nil {
		t.Fatalf("provision failed: %v", err)
	}
	if err := d.Configure(ctx, "demo"); err != nil {
		t.Fatalf("configure failed: %v", err)
	}
	mustStage(t, d, "demo", lifecycle.StageConfigured)

	types := deps.session.commandTypes()
	if len(types) != 2 || types[0] != protocol.CommandTypeExec || types[1] != protocol.CommandTypeFileWrite {
		t.Fatalf("unexpected agent commands: %v", types)
	}

	var params protocol.ExecParams
	if err := json.Unmarshal(deps.session.commands[0].Params, &params); err != nil {
		t.Fatalf("failed to decode exec params: %v", err)
	}
	if params.Command != "apt-get install -y nginx" {
		t.Errorf("exec command = %q", params.Command)
	}
	if params.Env["version"] != "0.0.1" {
		t.Errorf("step params not carried into env: %v", params.Env)
	}

	if deps.session.commands[0].Metadata["step"] != "install" {
		t.Errorf("step metadata missing: %v", deps.session.commands[0].Metadata)
	}
	if !deps.session.closed {
		t.Error("session was not closed")
	}

	target := deps.dialer.targets[0]
	if target.Host != "198.51.100.7" || target.Port != 2222 || target.User != "deploy" {
		t.Errorf("unexpected dial target: %+v", target)
	}
}

func TestConfigureStepFailure(t *testing.T) {
	d, deps := newTestDeployer(t, testManifest(t))
	ctx := context.Background()
	deps.session.failStep = "write config"
	deps.session.failErr = &client.CommandError{Code: "io_error", Message: "disk full", Retryable: false}

	if err := d.Create(ctx, "demo", CreateOptions{}); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if err := d.Provision(ctx, "demo"); err != nil {
		t.Fatalf("provision failed: %v", err)
	}

	err := d.Configure(ctx, "demo")
	var opErr *OperationError
	if !errors.As(err, &opErr) {
		t.Fatalf("expected OperationError, got %v", err)
	}
	if opErr.Step != "write config" {
		t.Errorf("failed step = %q, want the second step", opErr.Step)
	}
	if opErr.Class != lifecycle.FailureClassPermanent {
		t.Errorf("class = %s, want permanent", opErr.Class)
	}

	mustStage(t, d, "demo", lifecycle.StageConfigureFailed)
}

func TestConfigureNonzeroExit(t *testing.T) {
	d, deps := newTestDeployer(t, testManifest(t))
	ctx := context.Background()
	deps.session.exitCode = 3

	if err := d.Create(ctx, "demo", CreateOptions{}); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if err := d.Provision(ctx, "demo"); err != nil {
		t.Fatalf("provision failed: %v", err)
	}

	err := d.Configure(ctx, "demo")
	var opErr *OperationError
	if !errors.As(err, &opErr) {
		t.Fatalf("expected OperationError, got %v", err)
	}
	if opErr.Step != "install" {
		t.Errorf("failed step = %q, want the exec step", opErr.Step)
	}
	if want := "exited with code 3"; !errContains(err, want) {
		t.Errorf("error %q does not mention the exit code", err)
	}
	mustStage(t, d, "demo", lifecycle.StageConfigureFailed)
}

func TestConfigureHookParams(t *testing.T) {
	manifest := testManifest(t)
	d, deps := newTestDeployer(t, manifest)
	ctx := context.Background()

	hooksPath := filepath.Join(t.TempDir(), "hooks.star")
	script := "def pre_configure(env):\n    return {\"version\": \"1.2.3\", \"env_name\": env[\"name\"]}\n"
	if err := os.WriteFile(hooksPath, []byte(script), 0o644); err != nil {
		t.Fatalf("failed to write hooks: %v", err)
	}
	hooks, err := config.LoadHooks(hooksPath, 5*time.Second)
	if err != nil {
		t.Fatalf("failed to load hooks: %v", err)
	}
	d.hooks = hooks

	if err := d.Create(ctx, "demo", CreateOptions{}); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if err := d.Provision(ctx, "demo"); err != nil {
		t.Fatalf("provision failed: %v", err)
	}
	if err := d.Configure(ctx, "demo"); err != nil {
		t.Fatalf("configure failed: %v", err)
	}

	var params protocol.ExecParams
	if err := json.Unmarshal(deps.session.commands[0].Params, &params); err != nil {
		t.Fatalf("failed to decode exec params: %v", err)
	}
	if params.Env["version"] != "1.2.3" {
		t.Errorf("hook value should win over the step param: %v", params.Env)
	}
	if params.Env["env_name"] != "demo" {
		t.Errorf("hook did not see the environment dict: %v", params.Env)
	}
}

func TestRelease(t *testing.T) {
	d, deps := newTestDeployer(t, testManifest(t))
	ctx := context.Background()

	if err := d.Create(ctx, "demo", CreateOptions{}); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if err := d.Provision(ctx, "demo"); err != nil {
		t.Fatalf("provision failed: %v", err)
	}
	if err := d.Configure(ctx, "demo"); err != nil {
		t.Fatalf("configure failed: %v", err)
	}
	if err := d.Release(ctx, "demo"); err != nil {
		t.Fatalf("release failed: %v", err)
	}
	mustStage(t, d, "demo", lifecycle.StageReleased)

	if len(deps.session.uploads) != 1 {
		t.Fatalf("expected 1 upload, got %d", len(deps.session.uploads))
	}
	upload := deps.session.uploads[0]
	if filepath.Base(upload[0]) != "app.tar.gz" || upload[1] != "/srv/app/app.tar.gz" {
		t.Errorf("unexpected upload: %v", upload)
	}

	// Two configure steps plus one release command.
	types := deps.session.commandTypes()
	if len(types) != 3 || types[2] != protocol.CommandTypeExec {
		t.Fatalf("release command not executed through the agent: %v", types)
	}
}

func TestReleaseChecksumMismatch(t *testing.T) {
	d, deps := newTestDeployer(t, testManifest(t))
	ctx := context.Background()
	deps.session.checksum = "0000000000000000000000000000000000000000000000000000000000000000"

	if err := d.Create(ctx, "demo", CreateOptions{}); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if err := d.Provision(ctx, "demo"); err != nil {
		t.Fatalf("provision failed: %v", err)
	}
	if err := d.Configure(ctx, "demo"); err != nil {
		t.Fatalf("configure failed: %v", err)
	}

	err := d.Release(ctx, "demo")
	var opErr *OperationError
	if !errors.As(err, &opErr) {
		t.Fatalf("expected OperationError, got %v", err)
	}
	if opErr.Step != "verify artifact" {
		t.Errorf("failed step = %q, want verify artifact", opErr.Step)
	}
	mustStage(t, d, "demo", lifecycle.StageReleaseFailed)
}

func TestRun(t *testing.T) {
	d, deps := newTestDeployer(t, testManifest(t))
	ctx := context.Background()

	deployAll(t, ctx, d)
	mustStage(t, d, "demo", lifecycle.StageRunning)

	last := deps.session.commands[len(deps.session.commands)-1]
	if last.Type != protocol.CommandTypeService {
		t.Fatalf("last agent command = %s, want a service command", last.Type)
	}
	var params protocol.ServiceParams
	if err := json.Unmarshal(last.Params, &params); err != nil {
		t.Fatalf("failed to decode service params: %v", err)
	}
	if params.Name != "app" || params.State != "started" || params.Command == "" {
		t.Errorf("unexpected service params: %+v", params)
	}
}

func TestRunServiceFailure(t *testing.T) {
	d, deps := newTestDeployer(t, testManifest(t))
	ctx := context.Background()

	if err := d.Create(ctx, "demo", CreateOptions{}); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if err := d.Provision(ctx, "demo"); err != nil {
		t.Fatalf("provision failed: %v", err)
	}
	if err := d.Configure(ctx, "demo"); err != nil {
		t.Fatalf("configure failed: %v", err)
	}
	if err := d.Release(ctx, "demo"); err != nil {
		t.Fatalf("release failed: %v", err)
	}

	deps.session.failStep = ""
	deps.session.failErr = &client.CommandError{Code: "service_error", Message: "unit not found", Retryable: false}

	err := d.Run(ctx, "demo")
	var opErr *OperationError
	if !errors.As(err, &opErr) {
		t.Fatalf("expected OperationError, got %v", err)
	}
	if opErr.Step != "app" {
		t.Errorf("failed step = %q, want the service name", opErr.Step)
	}
	mustStage(t, d, "demo", lifecycle.StageRunFailed)
}

func TestRetryAfterProvisionFailure(t *testing.T) {
	d, deps := newTestDeployer(t, testManifest(t))
	ctx := context.Background()
	deps.provider.provisionErr = &providers.ProviderError{Provider: "fake", Code: "timeout", Message: "api timeout"}

	if err := d.Create(ctx, "demo", CreateOptions{}); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if err := d.Provision(ctx, "demo"); err == nil {
		t.Fatal("expected provision to fail")
	}
	mustStage(t, d, "demo", lifecycle.StageProvisionFailed)

	deps.provider.provisionErr = nil
	if err := d.Retry(ctx, "demo"); err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	mustStage(t, d, "demo", lifecycle.StageProvisioned)

	recs := deps.journal.forEnv("demo")
	var sawRetry bool
	for _, rec := range recs {
		if rec.Operation == OpRetry && rec.FromStage == lifecycle.StageProvisionFailed && rec.ToStage == lifecycle.StageProvisioning {
			sawRetry = true
		}
	}
	if !sawRetry {
		t.Errorf("retry transition not journaled: %+v", recs)
	}
}

func TestRetryNonFailedStage(t *testing.T) {
	d, _ := newTestDeployer(t, testManifest(t))
	ctx := context.Background()

	if err := d.Create(ctx, "demo", CreateOptions{}); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	err := d.Retry(ctx, "demo")
	if err == nil {
		t.Fatal("expected retry of a non-failed stage to error")
	}
	if !errContains(err, "retry applies only to failed stages") {
		t.Errorf("unexpected error: %v", err)
	}
	mustStage(t, d, "demo", lifecycle.StageCreated)
}

func TestDestroyFromRunning(t *testing.T) {
	d, deps := newTestDeployer(t, testManifest(t))
	ctx := context.Background()

	deployAll(t, ctx, d)
	if err := d.Destroy(ctx, "demo", DestroyOptions{}); err != nil {
		t.Fatalf("destroy failed: %v", err)
	}
	mustStage(t, d, "demo", lifecycle.StageDestroyed)

	if len(deps.provider.destroys) != 1 {
		t.Fatalf("expected 1 destroy call, got %d", len(deps.provider.destroys))
	}
	req := deps.provider.destroys[0]
	if req.Environment != "demo" || req.Address != "198.51.100.7" || req.Instance == "" {
		t.Errorf("destroy request incomplete: %+v", req)
	}

	// Destroying a destroyed environment is a no-op.
	if err := d.Destroy(ctx, "demo", DestroyOptions{}); err != nil {
		t.Fatalf("repeat destroy failed: %v", err)
	}
	if len(deps.provider.destroys) != 1 {
		t.Errorf("repeat destroy called the provider again")
	}
}

func TestDestroyFromCreatedSkipsProvider(t *testing.T) {
	d, deps := newTestDeployer(t, testManifest(t))
	ctx := context.Background()

	if err := d.Create(ctx, "demo", CreateOptions{}); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if err := d.Destroy(ctx, "demo", DestroyOptions{}); err != nil {
		t.Fatalf("destroy failed: %v", err)
	}
	mustStage(t, d, "demo", lifecycle.StageDestroyed)

	if len(deps.provider.destroys) != 0 {
		t.Errorf("provider called for an environment that was never provisioned")
	}
}

func TestDestroyProviderFailureKeepsStage(t *testing.T) {
	d, deps := newTestDeployer(t, testManifest(t))
	ctx := context.Background()

	deployAll(t, ctx, d)
	deps.provider.destroyErr = &providers.ProviderError{Provider: "fake", Code: "in_use", Message: "volume attached"}

	err := d.Destroy(ctx, "demo", DestroyOptions{})
	var opErr *OperationError
	if !errors.As(err, &opErr) {
		t.Fatalf("expected OperationError, got %v", err)
	}
	if opErr.Class != lifecycle.FailureClassConflict {
		t.Errorf("class = %s, want conflict", opErr.Class)
	}
	mustStage(t, d, "demo", lifecycle.StageRunning)
}

func TestDestroyPolicyDenied(t *testing.T) {
	d, deps := newTestDeployer(t, testManifest(t))
	ctx := context.Background()

	deployAll(t, ctx, d)
	deps.gate.deny = []policy.PolicyViolation{{
		Policy:   "protect_running",
		Message:  "running environments need force",
		Severity: policy.SeverityError,
	}}

	err := d.Destroy(ctx, "demo", DestroyOptions{})
	var deniedErr *PolicyDeniedError
	if !errors.As(err, &deniedErr) {
		t.Fatalf("expected PolicyDeniedError, got %v", err)
	}
	mustStage(t, d, "demo", lifecycle.StageRunning)

	// Force reaches the gate in the policy context.
	deps.gate.deny = nil
	if err := d.Destroy(ctx, "demo", DestroyOptions{Force: true}); err != nil {
		t.Fatalf("forced destroy failed: %v", err)
	}
	input := deps.gate.lastInput()
	if input == nil || !input.Context.Force {
		t.Error("force flag did not reach the policy input")
	}
}

func TestPolicyWarnOnly(t *testing.T) {
	manifest := testManifest(t)
	d, deps := newTestDeployer(t, manifest)
	d.warnOnly = true
	deps.gate.deny = []policy.PolicyViolation{{
		Policy:   "naming",
		Message:  "name should carry a team prefix",
		Severity: policy.SeverityError,
	}}

	if err := d.Create(context.Background(), "demo", CreateOptions{}); err != nil {
		t.Fatalf("warn-only denial should not block: %v", err)
	}
	mustStage(t, d, "demo", lifecycle.StageCreated)
}

func TestCleanup(t *testing.T) {
	d, deps := newTestDeployer(t, testManifest(t))
	ctx := context.Background()

	deployAll(t, ctx, d)
	if err := d.Destroy(ctx, "demo", DestroyOptions{}); err != nil {
		t.Fatalf("destroy failed: %v", err)
	}
	if err := d.Cleanup(ctx, "demo"); err != nil {
		t.Fatalf("cleanup failed: %v", err)
	}

	if _, err := d.Status(ctx, "demo"); err == nil {
		t.Fatal("expected status of a cleaned environment to fail")
	}
	if recs := deps.journal.forEnv("demo"); len(recs) != 0 {
		t.Errorf("journal not pruned: %d records remain", len(recs))
	}

	// Cleanup is idempotent.
	if err := d.Cleanup(ctx, "demo"); err != nil {
		t.Fatalf("repeat cleanup failed: %v", err)
	}
}

func TestCleanupRequiresDestroyed(t *testing.T) {
	d, _ := newTestDeployer(t, testManifest(t))
	ctx := context.Background()

	if err := d.Create(ctx, "demo", CreateOptions{}); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	err := d.Cleanup(ctx, "demo")
	var mismatchErr *lifecycle.StageMismatchError
	if !errors.As(err, &mismatchErr) {
		t.Fatalf("expected StageMismatchError, got %v", err)
	}
	mustStage(t, d, "demo", lifecycle.StageCreated)
}

func TestStatusNotFound(t *testing.T) {
	d, _ := newTestDeployer(t, testManifest(t))

	_, err := d.Status(context.Background(), "demo")
	var notFoundErr *NotFoundError
	if !errors.As(err, &notFoundErr) {
		t.Fatalf("expected NotFoundError, got %v", err)
	}
}

func TestStatusCarriesLastTransition(t *testing.T) {
	d, _ := newTestDeployer(t, testManifest(t))
	ctx := context.Background()

	if err := d.Create(ctx, "demo", CreateOptions{}); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	status, err := d.Status(ctx, "demo")
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	if status.LastTransition.IsZero() {
		t.Error("last transition not populated from the journal")
	}
}

func TestList(t *testing.T) {
	manifest := testManifest(t)
	spec := manifest.Environments["demo"]
	manifest.Environments["alpha"] = spec
	d, _ := newTestDeployer(t, manifest)
	ctx := context.Background()

	if err := d.Create(ctx, "demo", CreateOptions{}); err != nil {
		t.Fatalf("create demo failed: %v", err)
	}
	if err := d.Create(ctx, "alpha", CreateOptions{}); err != nil {
		t.Fatalf("create alpha failed: %v", err)
	}

	statuses, err := d.List(ctx)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(statuses) != 2 {
		t.Fatalf("expected 2 environments, got %d", len(statuses))
	}
	if statuses[0].Name != "alpha" || statuses[1].Name != "demo" {
		t.Errorf("list not sorted by name: %s, %s", statuses[0].Name, statuses[1].Name)
	}
}

func TestHistory(t *testing.T) {
	d, _ := newTestDeployer(t, testManifest(t))
	ctx := context.Background()

	if err := d.Create(ctx, "demo", CreateOptions{}); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if err := d.Provision(ctx, "demo"); err != nil {
		t.Fatalf("provision failed: %v", err)
	}

	recs, err := d.History(ctx, "demo", 10, 0)
	if err != nil {
		t.Fatalf("history failed: %v", err)
	}
	if len(recs) != 3 {
		t.Fatalf("expected 3 records, got %d", len(recs))
	}
	if recs[0].Operation != OpCreate {
		t.Errorf("history not oldest first: %+v", recs[0])
	}

	if _, err := d.History(ctx, "phantom", 10, 0); err == nil {
		t.Error("expected history of an unknown environment to fail")
	}
}

func TestJournalFailureDoesNotBlock(t *testing.T) {
	d, deps := newTestDeployer(t, testManifest(t))
	deps.journal.failing = true

	if err := d.Create(context.Background(), "demo", CreateOptions{}); err != nil {
		t.Fatalf("create should survive a journal outage: %v", err)
	}
	mustStage(t, d, "demo", lifecycle.StageCreated)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want lifecycle.FailureClass
	}{
		{
			name: "provider quota",
			err:  &providers.ProviderError{Code: "quota_exceeded"},
			want: lifecycle.FailureClassThrottled,
		},
		{
			name: "provider conflict",
			err:  &providers.ProviderError{Code: "already_exists"},
			want: lifecycle.FailureClassConflict,
		},
		{
			name: "provider timeout",
			err:  &providers.ProviderError{Code: "timeout"},
			want: lifecycle.FailureClassTransient,
		},
		{
			name: "provider unknown code",
			err:  &providers.ProviderError{Code: "invalid_config"},
			want: lifecycle.FailureClassPermanent,
		},
		{
			name: "retryable agent error",
			err:  &client.CommandError{Code: "busy", Retryable: true},
			want: lifecycle.FailureClassTransient,
		},
		{
			name: "fatal agent error",
			err:  &client.CommandError{Code: "not_found", Retryable: false},
			want: lifecycle.FailureClassPermanent,
		},
		{
			name: "temporary transport error",
			err:  &ssh.TransportError{Op: "connect", Err: errors.New("refused"), IsTemporary: true},
			want: lifecycle.FailureClassTransient,
		},
		{
			name: "auth transport error",
			err:  &ssh.TransportError{Op: "connect", Err: errors.New("denied"), IsAuthError: true},
			want: lifecycle.FailureClassPermanent,
		},
		{
			name: "wrapped transport error",
			err:  fmt.Errorf("dial: %w", &ssh.TransportError{Op: "connect", Err: errors.New("reset"), IsTemporary: true}),
			want: lifecycle.FailureClassTransient,
		},
		{
			name: "store conflict",
			err:  stores.NewConflictError("save", "demo", "/tmp/demo.lock", 4242, errors.New("held")),
			want: lifecycle.FailureClassConflict,
		},
		{
			name: "deadline",
			err:  context.DeadlineExceeded,
			want: lifecycle.FailureClassTransient,
		},
		{
			name: "plain error",
			err:  errors.New("unexpected"),
			want: lifecycle.FailureClassPermanent,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Errorf("Classify(%v) = %s, want %s", tt.err, got, tt.want)
			}
		})
	}
}

func TestCommandForStep(t *testing.T) {
	tests := []struct {
		name     string
		step     config.StepSpec
		hook     map[string]string
		wantType protocol.CommandType
		wantErr  bool
		check    func(t *testing.T, cmd *protocol.CommandMessage)
	}{
		{
			name:     "exec with merged params",
			step:     config.StepSpec{Name: "install", Action: "exec", Command: "make install", Params: map[string]string{"a": "1", "b": "2"}},
			hook:     map[string]string{"b": "3"},
			wantType: protocol.CommandTypeExec,
			check: func(t *testing.T, cmd *protocol.CommandMessage) {
				var params protocol.ExecParams
				if err := json.Unmarshal(cmd.Params, &params); err != nil {
					t.Fatalf("decode: %v", err)
				}
				if params.Env["a"] != "1" || params.Env["b"] != "3" {
					t.Errorf("hook values should win the merge: %v", params.Env)
				}
			},
		},
		{
			name:     "file",
			step:     config.StepSpec{Name: "conf", Action: "file", Path: "/etc/app.conf", Content: "x", Mode: "0600"},
			wantType: protocol.CommandTypeFileWrite,
			check: func(t *testing.T, cmd *protocol.CommandMessage) {
				var params protocol.FileWriteParams
				if err := json.Unmarshal(cmd.Params, &params); err != nil {
					t.Fatalf("decode: %v", err)
				}
				if !params.Create || params.Mode != "0600" {
					t.Errorf("unexpected file params: %+v", params)
				}
			},
		},
		{
			name:     "service defaults to started",
			step:     config.StepSpec{Name: "svc", Action: "service", Service: "nginx"},
			wantType: protocol.CommandTypeService,
			check: func(t *testing.T, cmd *protocol.CommandMessage) {
				var params protocol.ServiceParams
				if err := json.Unmarshal(cmd.Params, &params); err != nil {
					t.Fatalf("decode: %v", err)
				}
				if params.State != "started" {
					t.Errorf("state = %q, want started", params.State)
				}
			},
		},
		{
			name:    "exec without command",
			step:    config.StepSpec{Name: "broken", Action: "exec"},
			wantErr: true,
		},
		{
			name:    "unknown action",
			step:    config.StepSpec{Name: "broken", Action: "reboot"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd, err := commandForStep(tt.step, tt.hook)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected an error")
				}
				return
			}
			if err != nil {
				t.Fatalf("commandForStep failed: %v", err)
			}
			if cmd.Type != tt.wantType {
				t.Errorf("type = %s, want %s", cmd.Type, tt.wantType)
			}
			if err := cmd.Validate(); err != nil {
				t.Errorf("command does not validate: %v", err)
			}
			if cmd.Metadata["step"] != tt.step.Name {
				t.Errorf("step metadata = %v", cmd.Metadata)
			}
			if tt.check != nil {
				tt.check(t, cmd)
			}
		})
	}
}

// errContains reports whether the error text mentions substr.
func errContains(err error, substr string) bool {
	return err != nil && strings.Contains(err.Error(), substr)
}
