package executor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/buildkite/subagent/internal/agentproc"
	"github.com/buildkite/subagent/internal/backend"
	"github.com/buildkite/subagent/internal/backend/backendtest"
	"github.com/buildkite/subagent/internal/coalescer"
	"github.com/buildkite/subagent/internal/credentials"
	"github.com/buildkite/subagent/internal/fault"
	"github.com/buildkite/subagent/internal/pool"
	"github.com/buildkite/subagent/internal/registry"
	"github.com/buildkite/subagent/internal/sessionstore"
)

const agentEnd = `{"type":"agent_end","messages":[{"role":"assistant","content":[{"type":"text","text":"Done."}]}]}`

// sandboxSim scripts the fake backend so it behaves like a sandbox running
// the agent wrapper and the executor's helper scripts.
type sandboxSim struct {
	fake *backendtest.Fake

	mu          sync.Mutex
	agentStdout string
	agentStderr string
	agentExit   int
	agentErr    error
	listing     string
	alive       bool
	block       chan struct{}
	started     chan struct{}
	agentCalls  []backendtest.ExecCall
	aborts      int
	onAgent     func(name string)
}

func newSandboxSim() *sandboxSim {
	sim := &sandboxSim{fake: backendtest.New(), agentStdout: agentEnd, started: make(chan struct{}, 4)}
	sim.fake.ExecHook = sim.exec
	return sim
}

func (s *sandboxSim) exec(ctx context.Context, name string, argv []string, opts backend.ExecOptions) (*backend.ExecResult, error) {
	if argv[0] == "echo" {
		return &backend.ExecResult{Stdout: strings.Join(argv[1:], " ") + "\n"}, nil
	}
	label := ""
	if len(argv) > 3 && argv[0] == "sh" {
		label = argv[3]
	}
	switch label {
	case "subagent-agent":
		s.mu.Lock()
		s.agentCalls = append(s.agentCalls, backendtest.ExecCall{Name: name, Argv: argv, Opts: opts})
		block, onAgent := s.block, s.onAgent
		stdout, stderr, exit, err := s.agentStdout, s.agentStderr, s.agentExit, s.agentErr
		s.mu.Unlock()
		s.started <- struct{}{}
		if onAgent != nil {
			onAgent(name)
		}
		if block != nil {
			select {
			case <-block:
				return &backend.ExecResult{ExitCode: 143, Stderr: "terminated"}, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		return &backend.ExecResult{Stdout: stdout, Stderr: stderr, ExitCode: exit}, err
	case "subagent-write":
		s.fake.PutFile(name, argv[4], opts.Stdin)
		return &backend.ExecResult{}, nil
	case "subagent-artifacts":
		s.mu.Lock()
		defer s.mu.Unlock()
		return &backend.ExecResult{Stdout: s.listing}, nil
	case "subagent-probe":
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.alive {
			return &backend.ExecResult{}, nil
		}
		return &backend.ExecResult{ExitCode: 1}, nil
	case "subagent-abort":
		s.mu.Lock()
		s.aborts++
		if s.block != nil {
			close(s.block)
			s.block = nil
		}
		s.mu.Unlock()
		return &backend.ExecResult{}, nil
	}
	return &backend.ExecResult{}, nil
}

func (s *sandboxSim) calls() []backendtest.ExecCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]backendtest.ExecCall(nil), s.agentCalls...)
}

func openStore(t *testing.T) *sessionstore.Store {
	t.Helper()
	store, err := sessionstore.Open(context.Background(), sessionstore.Options{Path: filepath.Join(t.TempDir(), "sessions.db")})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

type staticCreds map[string]string

func (c staticCreds) Resolve(context.Context) (map[string]string, error) { return c, nil }

var _ credentials.Provider = staticCreds(nil)

func newAffinityExecutor(t *testing.T, sim *sandboxSim, mutate func(*Options)) (*Executor, *registry.Registry) {
	t.Helper()
	reg, err := registry.New(registry.Options{Store: openStore(t), Client: sim.fake})
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	opts := Options{
		Registry:    reg,
		Workers:     &AffinitySource{Registry: reg},
		Client:      sim.fake,
		Agent:       AgentConfig{Command: []string{"pi", "--mode", "json"}, Workdir: "/workspace"},
		Credentials: staticCreds{"GITHUB_TOKEN": "ghs_test"},
		ExecTimeout: time.Minute,
	}
	if mutate != nil {
		mutate(&opts)
	}
	exec, err := New(opts)
	if err != nil {
		t.Fatalf("new executor: %v", err)
	}
	reg.SetProbe(exec)
	return exec, reg
}

func turnFor(key, message string) coalescer.PendingTurn {
	return coalescer.PendingTurn{ConversationKey: key, Message: message, EventIDs: []string{"1"}, PrimaryEventID: "1"}
}

func TestNewValidatesOptions(t *testing.T) {
	if _, err := New(Options{}); err == nil {
		t.Fatal("expected error for empty options")
	}
}

func TestRunTurnCompletes(t *testing.T) {
	ctx := context.Background()
	sim := newSandboxSim()
	exec, reg := newAffinityExecutor(t, sim, func(o *Options) {
		o.Agent.SystemPrompt = "You are a helpful subagent."
	})

	res, err := exec.RunTurn(ctx, turnFor("C1:T1", "fix the build"))
	if err != nil {
		t.Fatalf("run turn: %v", err)
	}
	if res.Status != StatusCompleted || res.Answer != "Done." {
		t.Fatalf("unexpected result: %+v", res)
	}
	if !strings.HasPrefix(res.JobID, "job_") {
		t.Fatalf("unexpected job id %q", res.JobID)
	}
	if res.Worker != registry.SandboxName("C1:T1") {
		t.Fatalf("got worker %q want affinity sandbox", res.Worker)
	}

	calls := sim.calls()
	if len(calls) != 1 {
		t.Fatalf("expected one agent invocation, got %d", len(calls))
	}
	call := calls[0]
	if string(call.Opts.Stdin) != "fix the build" {
		t.Fatalf("got stdin %q", call.Opts.Stdin)
	}
	if call.Opts.Dir != "/workspace" || call.Opts.Timeout != time.Minute {
		t.Fatalf("unexpected exec options: %+v", call.Opts)
	}
	if call.Opts.Env["GITHUB_TOKEN"] != "ghs_test" || call.Opts.Env["SUBAGENT_JOB_ID"] != res.JobID {
		t.Fatalf("unexpected env: %v", call.Opts.Env)
	}
	if call.Argv[4] != agentproc.PidFile(res.JobID) {
		t.Fatalf("expected pidfile for job, got argv %q", call.Argv)
	}
	if !strings.Contains(strings.Join(call.Argv, " "), "--append-system-prompt "+DefaultSystemPromptPath) {
		t.Fatalf("expected system prompt flag in %q", call.Argv)
	}

	sess, found, err := reg.Resolve(ctx, "C1:T1")
	if err != nil || !found {
		t.Fatalf("resolve: found=%v err=%v", found, err)
	}
	if sess.Status != sessionstore.StatusIdle || sess.RunningJobID != "" || sess.LastJobID != res.JobID || sess.Turns != 1 {
		t.Fatalf("unexpected session after success: %+v", sess)
	}
	if exec.Active() != 0 {
		t.Fatalf("expected no active jobs, got %d", exec.Active())
	}
}

func TestRunTurnNonZeroExitIsExecutionError(t *testing.T) {
	ctx := context.Background()
	sim := newSandboxSim()
	sim.agentExit = 1
	sim.agentStdout = ""
	sim.agentStderr = strings.Repeat("x", 3000) + "boom"
	exec, reg := newAffinityExecutor(t, sim, nil)

	res, err := exec.RunTurn(ctx, turnFor("C1:T1", "go"))
	if !errors.Is(err, fault.Execution) {
		t.Fatalf("got %v want execution fault", err)
	}
	if res.Status != StatusFailed {
		t.Fatalf("got status %q", res.Status)
	}
	var fe *fault.Error
	if !errors.As(err, &fe) || len(fe.Detail) > MaxDiagnosticBytes+len("…") || !strings.HasSuffix(fe.Detail, "boom") {
		t.Fatalf("expected truncated stderr tail, got %d bytes", len(fe.Detail))
	}

	sess, _, _ := reg.Resolve(ctx, "C1:T1")
	if sess.Status != sessionstore.StatusError || sess.RunningJobID != "" || sess.LastError == "" {
		t.Fatalf("unexpected session after failure: %+v", sess)
	}
	if len(sess.LastError) > MaxDiagnosticBytes+len("…") {
		t.Fatalf("last error not bounded: %d bytes", len(sess.LastError))
	}
}

func TestRunTurnWithoutAgentEndFails(t *testing.T) {
	sim := newSandboxSim()
	sim.agentStdout = `{"type":"agent_start"}`
	exec, _ := newAffinityExecutor(t, sim, nil)

	_, err := exec.RunTurn(context.Background(), turnFor("C1:T1", "go"))
	if !errors.Is(err, fault.Execution) || !errors.Is(err, agentproc.ErrNoCompletion) {
		t.Fatalf("got %v want execution fault wrapping ErrNoCompletion", err)
	}
}

func TestRunTurnTimeoutIsNotUserAbort(t *testing.T) {
	sim := newSandboxSim()
	sim.agentErr = fmt.Errorf("aborted due to timeout: %w", backend.ErrExecTimeout)
	exec, _ := newAffinityExecutor(t, sim, nil)

	res, err := exec.RunTurn(context.Background(), turnFor("C1:T1", "go"))
	if !errors.Is(err, fault.Timeout) {
		t.Fatalf("got %v want timeout fault", err)
	}
	if errors.Is(err, fault.UserAbort) || res.Status == StatusAborted {
		t.Fatalf("timeout must not be reported as a user abort: %+v", res)
	}
}

func TestRunTurnReportsAlreadyRunning(t *testing.T) {
	ctx := context.Background()
	sim := newSandboxSim()
	sim.alive = true
	exec, reg := newAffinityExecutor(t, sim, nil)

	sess, _, err := reg.Ensure(ctx, "C1:T1")
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	sess.Status = sessionstore.StatusRunning
	sess.RunningJobID = "job_elsewhere"
	if _, err := reg.Save(ctx, sess); err != nil {
		t.Fatalf("save: %v", err)
	}

	res, err := exec.RunTurn(ctx, turnFor("C1:T1", "go"))
	if res.Status != StatusAlreadyRunning || !errors.Is(err, fault.ConcurrentTurn) {
		t.Fatalf("got %+v %v", res, err)
	}
	if res.JobID != "job_elsewhere" {
		t.Fatalf("got job id %q", res.JobID)
	}
	if len(sim.calls()) != 0 {
		t.Fatal("agent should not run while another job is live")
	}
	if err := exec.HandleTurn(ctx, turnFor("C1:T1", "go")); err != nil {
		t.Fatalf("expected concurrent turn to be swallowed by HandleTurn, got %v", err)
	}
}

func TestRunTurnReconcilesStaleRunningSession(t *testing.T) {
	ctx := context.Background()
	sim := newSandboxSim()
	exec, reg := newAffinityExecutor(t, sim, nil)

	sess, _, err := reg.Ensure(ctx, "C1:T1")
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	sess.Status = sessionstore.StatusRunning
	sess.RunningJobID = "job_crashed"
	if _, err := reg.Save(ctx, sess); err != nil {
		t.Fatalf("save: %v", err)
	}

	res, err := exec.RunTurn(ctx, turnFor("C1:T1", "go"))
	if err != nil || res.Status != StatusCompleted {
		t.Fatalf("expected turn to run after reconcile, got %+v %v", res, err)
	}
}

func TestAbortStopsRunningTurn(t *testing.T) {
	ctx := context.Background()
	sim := newSandboxSim()
	sim.block = make(chan struct{})
	exec, reg := newAffinityExecutor(t, sim, nil)

	type outcome struct {
		res Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := exec.RunTurn(ctx, turnFor("C1:T1", "long task"))
		done <- outcome{res, err}
	}()

	select {
	case <-sim.started:
	case <-time.After(5 * time.Second):
		t.Fatal("agent never started")
	}

	report, err := exec.Status(ctx, "C1:T1")
	if err != nil || !report.Active || report.Session.Status != sessionstore.StatusRunning {
		t.Fatalf("unexpected status while running: %+v %v", report, err)
	}

	abort, err := exec.Abort(ctx, "C1:T1")
	if err != nil {
		t.Fatalf("abort: %v", err)
	}
	if !abort.Signalled || abort.JobID == "" {
		t.Fatalf("unexpected abort result: %+v", abort)
	}

	var got outcome
	select {
	case got = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("turn did not finish after abort")
	}
	if got.res.Status != StatusAborted || !errors.Is(got.err, fault.UserAbort) {
		t.Fatalf("got %+v %v", got.res, got.err)
	}
	if !fault.KindOf(got.err).Expected() {
		t.Fatal("user abort must be an expected fault")
	}

	sess, _, _ := reg.Resolve(ctx, "C1:T1")
	if sess.Status != sessionstore.StatusIdle || sess.RunningJobID != "" {
		t.Fatalf("expected idle session after abort, got %+v", sess)
	}
}

func TestAbortUnknownConversation(t *testing.T) {
	exec, _ := newAffinityExecutor(t, newSandboxSim(), nil)
	if _, err := exec.Abort(context.Background(), "C9:T9"); !errors.Is(err, registry.ErrNotFound) {
		t.Fatalf("got %v want ErrNotFound", err)
	}
}

func TestStatusDoesNotTouchSandbox(t *testing.T) {
	ctx := context.Background()
	sim := newSandboxSim()
	exec, reg := newAffinityExecutor(t, sim, nil)
	if _, _, err := reg.Ensure(ctx, "C1:T1"); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	before := sim.fake.Calls("Exec")

	report, err := exec.Status(ctx, "C1:T1")
	if err != nil || !report.Found || report.Active {
		t.Fatalf("unexpected report: %+v %v", report, err)
	}
	if sim.fake.Calls("Exec") != before {
		t.Fatal("status must not exec in the sandbox")
	}

	missing, err := exec.Status(ctx, "C9:T9")
	if err != nil || missing.Found {
		t.Fatalf("expected not found, got %+v %v", missing, err)
	}
}

func TestArtifactsAreCollectedWithinLimits(t *testing.T) {
	ctx := context.Background()
	sim := newSandboxSim()
	storeDir := t.TempDir()
	exec, _ := newAffinityExecutor(t, sim, func(o *Options) {
		o.Artifacts = ArtifactLimits{MaxFiles: 2, MaxBytes: 10, StoreDir: storeDir}
	})
	sim.listing = strings.Join([]string{
		"5 ./a.txt",
		"20 ./big.bin",
		"3 ./../etc/passwd",
		"4 ./sub/b.txt",
		"1 ./z.txt",
	}, "\n")
	sim.onAgent = func(name string) {
		sim.fake.PutFile(name, DefaultArtifactsDir+"/a.txt", []byte("hello"))
		sim.fake.PutFile(name, DefaultArtifactsDir+"/sub/b.txt", []byte("abcd"))
	}

	res, err := exec.RunTurn(ctx, turnFor("C1:T1", "write files"))
	if err != nil {
		t.Fatalf("run turn: %v", err)
	}
	var names []string
	for _, a := range res.Artifacts {
		names = append(names, a.Name)
	}
	if !reflect.DeepEqual(names, []string{"a.txt", "sub/b.txt"}) {
		t.Fatalf("got artifacts %v", names)
	}
	stored, err := os.ReadFile(filepath.Join(storeDir, res.JobID, "sub", "b.txt"))
	if err != nil || string(stored) != "abcd" {
		t.Fatalf("expected stored artifact, got %q %v", stored, err)
	}
}

func TestPooledTurnStagesTranscriptAndReleasesRunner(t *testing.T) {
	ctx := context.Background()
	sim := newSandboxSim()
	transcripts := t.TempDir()

	p, err := pool.New(pool.Options{Size: 1, Client: sim.fake})
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	p.Start(ctx)
	p.WaitProvisioned()

	reg, err := registry.New(registry.Options{Store: openStore(t)})
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	exec, err := New(Options{
		Registry:      reg,
		Workers:       &PoolSource{Pool: p},
		Client:        sim.fake,
		Agent:         AgentConfig{Command: []string{"pi"}},
		TranscriptDir: transcripts,
	})
	if err != nil {
		t.Fatalf("new executor: %v", err)
	}

	sessionFile := filepath.ToSlash(filepath.Join(registry.DefaultAgentSessionDir, registry.SessionID("C1:T1")+".jsonl"))
	sim.onAgent = func(name string) {
		sim.fake.PutFile(name, sessionFile, []byte(`{"turn":1}`+"\n"))
	}

	res, err := exec.RunTurn(ctx, turnFor("C1:T1", "first"))
	if err != nil {
		t.Fatalf("first turn: %v", err)
	}
	saved, err := os.ReadFile(filepath.Join(transcripts, res.SessionID+".jsonl"))
	if err != nil || string(saved) != `{"turn":1}`+"\n" {
		t.Fatalf("expected transcript copied out, got %q %v", saved, err)
	}
	for _, r := range p.Snapshot() {
		if r.Locked {
			t.Fatalf("runner %s still locked after turn", r.Name)
		}
	}
	if sim.fake.Calls("RestoreCheckpoint") != 1 {
		t.Fatalf("expected runner reset after turn, got %d restores", sim.fake.Calls("RestoreCheckpoint"))
	}

	sim.onAgent = nil
	if _, err := exec.RunTurn(ctx, turnFor("C1:T1", "second")); err != nil {
		t.Fatalf("second turn: %v", err)
	}
	var staged bool
	for _, call := range sim.fake.ExecCalls() {
		if len(call.Argv) > 4 && call.Argv[3] == "subagent-write" && call.Argv[4] == sessionFile && string(call.Opts.Stdin) == `{"turn":1}`+"\n" {
			staged = true
		}
	}
	if !staged {
		t.Fatal("expected transcript staged into the runner before the second turn")
	}
}

func TestRenderPromptExcludesCoalescedHistory(t *testing.T) {
	turn := coalescer.PendingTurn{
		Message:           "and now this",
		IncludeHistory:    true,
		ExcludeHistoryIDs: []string{"3"},
	}
	got := renderPrompt(turn, []HistoryMessage{
		{EventID: "1", User: "U1", Text: "earlier"},
		{EventID: "2", Text: "  "},
		{EventID: "3", User: "U1", Text: "and now this"},
	})
	want := "Conversation so far:\n[U1]: earlier\n\nNew message:\nand now this"
	if got != want {
		t.Fatalf("got %q want %q", got, want)
	}
	if renderPrompt(turn, nil) != "and now this" {
		t.Fatal("expected bare message without history")
	}
}

func TestParseArtifactListingRejectsTraversal(t *testing.T) {
	entries := parseArtifactListing("7 ./b\n3 ./../x\n2 /abs\nbad line\n-1 ./neg\n4 ./a/../../y\n1 ./a")
	var names []string
	for _, e := range entries {
		names = append(names, e.name)
	}
	if !reflect.DeepEqual(names, []string{"a", "b"}) {
		t.Fatalf("got %v", names)
	}
}
