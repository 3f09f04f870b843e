package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	subagent "github.com/buildkite/subagent/client"
	"github.com/buildkite/subagent/internal/backend"
	"github.com/buildkite/subagent/internal/backend/backendtest"
	"github.com/buildkite/subagent/internal/controlserver"
	"github.com/buildkite/subagent/internal/controlservice"
	"github.com/buildkite/subagent/internal/runtimeconfig"
	"github.com/buildkite/subagent/internal/sessionstore"
	"github.com/charmbracelet/log"
)

const agentEnd = `{"type":"agent_end","messages":[{"role":"assistant","content":[{"type":"text","text":"Docs updated."}]}]}`

func parseForTest(t *testing.T, args ...string) *CLI {
	t.Helper()
	c := &CLI{}
	parser, err := newParser(c)
	if err != nil {
		t.Fatalf("create parser: %v", err)
	}
	if _, err := parser.Parse(args); err != nil {
		t.Fatalf("parse %v: %v", args, err)
	}
	return c
}

func startServer(t *testing.T) string {
	t.Helper()

	fake := backendtest.New()
	fake.ExecHook = func(_ context.Context, _ string, argv []string, _ backend.ExecOptions) (*backend.ExecResult, error) {
		if len(argv) > 3 && argv[0] == "sh" && argv[3] == "subagent-agent" {
			return &backend.ExecResult{Stdout: agentEnd}, nil
		}
		return &backend.ExecResult{}, nil
	}
	store, err := sessionstore.Open(context.Background(), sessionstore.Options{Path: filepath.Join(t.TempDir(), "sessions.db")})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	cfg := runtimeconfig.Default()
	cfg.Mode = runtimeconfig.ModeAffinity
	cfg.DebounceWindow = 20 * time.Millisecond
	cfg.TranscriptDir = t.TempDir()
	cfg.Artifacts.StoreDir = t.TempDir()
	opts, err := serviceOptions(cfg, fake, store, nil)
	if err != nil {
		t.Fatalf("serviceOptions: %v", err)
	}
	svc, err := controlservice.New(opts)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = svc.Shutdown(ctx)
	})

	srv := httptest.NewServer(controlserver.New(svc, nil).Handler())
	t.Cleanup(srv.Close)
	return srv.URL
}

func TestSendParsesTextAndFlags(t *testing.T) {
	c := parseForTest(t, "send", "-k", "C1:T1", "--no-conversational", "update", "the", "docs")
	if got := strings.Join(c.Send.Text, " "); got != "update the docs" {
		t.Fatalf("unexpected text %q", got)
	}
	if c.Send.Conversational {
		t.Fatal("expected --no-conversational to clear the flag")
	}
	if c.Send.Timeout != 35*time.Minute {
		t.Fatalf("unexpected default timeout %s", c.Send.Timeout)
	}
}

func TestSendRequiresConversation(t *testing.T) {
	c := &CLI{}
	parser, err := newParser(c)
	if err != nil {
		t.Fatalf("create parser: %v", err)
	}
	if _, err := parser.Parse([]string{"send", "hello"}); err == nil {
		t.Fatal("expected missing --conversation error")
	}
}

func TestClientFlagsReadHostFromEnv(t *testing.T) {
	t.Setenv("SUBAGENT_HOST", "http://127.0.0.1:9999")
	c := parseForTest(t, "sessions")
	if c.Sessions.Host != "http://127.0.0.1:9999" {
		t.Fatalf("unexpected host %q", c.Sessions.Host)
	}
}

func TestSendWaitPrintsAnswer(t *testing.T) {
	host := startServer(t)
	var stdout bytes.Buffer

	cmd := &SendCommand{
		ClientFlags:    ClientFlags{Host: host},
		Conversation:   "C1:T1",
		EventID:        "1",
		Conversational: true,
		Wait:           true,
		Timeout:        5 * time.Second,
		Text:           []string{"update", "docs"},
	}
	if err := cmd.Run(&runtimeContext{Stdout: &stdout}); err != nil {
		t.Fatalf("SendCommand.Run returned error: %v", err)
	}
	out := stdout.String()
	if !strings.Contains(out, "turn completed") || !strings.Contains(out, "Docs updated.") {
		t.Fatalf("unexpected output %q", out)
	}
}

func TestSendWithoutWaitReportsDisposition(t *testing.T) {
	host := startServer(t)
	var stdout bytes.Buffer

	cmd := &SendCommand{
		ClientFlags:  ClientFlags{Host: host, JSON: true},
		Conversation: "C2:T2",
		Text:         []string{"hello"},
	}
	if err := cmd.Run(&runtimeContext{Stdout: &stdout}); err != nil {
		t.Fatalf("SendCommand.Run returned error: %v", err)
	}
	var resp struct {
		ConversationKey string `json:"conversation_key"`
		Disposition     string `json:"disposition"`
	}
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		t.Fatalf("decode output %q: %v", stdout.String(), err)
	}
	if resp.ConversationKey != "C2:T2" || resp.Disposition != "debounced" {
		t.Fatalf("unexpected response %+v", resp)
	}
}

func TestStatusAndSessionsAfterTurn(t *testing.T) {
	host := startServer(t)
	flags := ClientFlags{Host: host}

	send := &SendCommand{ClientFlags: flags, Conversation: "C3:T3", EventID: "7", Wait: true, Timeout: 5 * time.Second, Text: []string{"go"}}
	if err := send.Run(&runtimeContext{Stdout: &bytes.Buffer{}}); err != nil {
		t.Fatalf("send: %v", err)
	}

	var stdout bytes.Buffer
	status := &StatusCommand{ClientFlags: flags, Ref: "C3:T3"}
	if err := status.Run(&runtimeContext{Stdout: &stdout}); err != nil {
		t.Fatalf("StatusCommand.Run returned error: %v", err)
	}
	if !strings.Contains(stdout.String(), "conversation: C3:T3") || !strings.Contains(stdout.String(), "last turn:    completed") {
		t.Fatalf("unexpected status output %q", stdout.String())
	}

	stdout.Reset()
	sessions := &SessionsCommand{ClientFlags: flags, Status: "idle"}
	if err := sessions.Run(&runtimeContext{Stdout: &stdout}); err != nil {
		t.Fatalf("SessionsCommand.Run returned error: %v", err)
	}
	if !strings.Contains(stdout.String(), "C3:T3") {
		t.Fatalf("expected session in list: %q", stdout.String())
	}

	stdout.Reset()
	abort := &AbortCommand{ClientFlags: flags, Ref: "C3:T3"}
	if err := abort.Run(&runtimeContext{Stdout: &stdout}); err != nil {
		t.Fatalf("AbortCommand.Run returned error: %v", err)
	}
	if !strings.Contains(stdout.String(), "nothing running for C3:T3") {
		t.Fatalf("unexpected abort output %q", stdout.String())
	}
}

func TestStatusUnknownRefFails(t *testing.T) {
	host := startServer(t)
	var stdout bytes.Buffer

	cmd := &StatusCommand{ClientFlags: ClientFlags{Host: host}, Ref: "C404:T404"}
	err := cmd.Run(&runtimeContext{Stdout: &stdout})
	if !errors.Is(err, errSessionNotFound) {
		t.Fatalf("expected errSessionNotFound, got %v", err)
	}
}

func TestPoolCommandShowsMode(t *testing.T) {
	host := startServer(t)
	var stdout bytes.Buffer

	cmd := &PoolCommand{ClientFlags: ClientFlags{Host: host}}
	if err := cmd.Run(&runtimeContext{Stdout: &stdout}); err != nil {
		t.Fatalf("PoolCommand.Run returned error: %v", err)
	}
	if !strings.Contains(stdout.String(), "backend: fake") || !strings.Contains(stdout.String(), "mode: affinity") {
		t.Fatalf("unexpected pool output %q", stdout.String())
	}
}

func TestDoctorCommandJSONIncludesCapabilities(t *testing.T) {
	t.Setenv("XDG_STATE_HOME", t.TempDir())
	original := newBackend
	t.Cleanup(func() { newBackend = original })
	newBackend = func(runtimeconfig.Config, *log.Logger) (backend.Client, func() error, error) {
		return backendtest.New(), func() error { return nil }, nil
	}

	var stdout bytes.Buffer
	cmd := &DoctorCommand{JSON: true}
	if err := cmd.Run(&runtimeContext{Stdout: &stdout, Config: runtimeconfig.Default(), ConfigPath: "/tmp/config.yaml"}); err != nil {
		t.Fatalf("DoctorCommand.Run returned error: %v", err)
	}

	var payload struct {
		Capabilities map[string]bool       `json:"capabilities"`
		Checks       []backend.DoctorCheck `json:"checks"`
	}
	if err := json.Unmarshal(stdout.Bytes(), &payload); err != nil {
		t.Fatalf("decode doctor output: %v", err)
	}
	if !payload.Capabilities[backend.CapabilitySandboxCheckpoint] {
		t.Fatalf("expected checkpoint capability, got %+v", payload.Capabilities)
	}
	statuses := map[string]string{}
	for _, check := range payload.Checks {
		statuses[check.Name] = check.Status
	}
	if statuses["backend_doctor"] != "warn" || statuses["session_store"] != "warn" || statuses["network_policy"] != "pass" {
		t.Fatalf("unexpected checks %+v", payload.Checks)
	}
	if _, ok := statuses["pool_checkpoints"]; ok {
		t.Fatalf("checkpoint-capable backend should not fail pool check: %+v", payload.Checks)
	}
}

func TestDoctorReportsBackendError(t *testing.T) {
	t.Setenv("XDG_STATE_HOME", t.TempDir())
	original := newBackend
	t.Cleanup(func() { newBackend = original })
	newBackend = func(runtimeconfig.Config, *log.Logger) (backend.Client, func() error, error) {
		return nil, func() error { return nil }, errors.New("remote sandbox endpoint is not configured")
	}

	var stdout bytes.Buffer
	cmd := &DoctorCommand{}
	if err := cmd.Run(&runtimeContext{Stdout: &stdout, Config: runtimeconfig.Default()}); err != nil {
		t.Fatalf("DoctorCommand.Run returned error: %v", err)
	}
	if !strings.Contains(stdout.String(), "✗ [fail] backend: backend remote not usable") {
		t.Fatalf("unexpected doctor output %q", stdout.String())
	}
}

func TestConfigInitWritesLoadableDefaults(t *testing.T) {
	tmpDir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", tmpDir)

	var stdout bytes.Buffer
	if err := (&ConfigInitCommand{}).Run(&runtimeContext{Stdout: &stdout}); err != nil {
		t.Fatalf("ConfigInitCommand.Run returned error: %v", err)
	}
	configPath := filepath.Join(tmpDir, "subagent", "config.yaml")
	if _, err := os.Stat(configPath); err != nil {
		t.Fatalf("expected config file: %v", err)
	}

	cfg, err := runtimeconfig.LoadFile(configPath)
	if err != nil {
		t.Fatalf("generated config does not load: %v", err)
	}
	def := runtimeconfig.Default()
	if cfg.Backend != def.Backend || cfg.Pool.Size != def.Pool.Size || cfg.DebounceWindow != def.DebounceWindow {
		t.Fatalf("generated config differs from defaults: %+v", cfg)
	}

	if err := (&ConfigInitCommand{}).Run(&runtimeContext{Stdout: &stdout}); err == nil {
		t.Fatal("expected refusal to overwrite without --force")
	}
	if err := (&ConfigInitCommand{Force: true}).Run(&runtimeContext{Stdout: &stdout}); err != nil {
		t.Fatalf("--force overwrite failed: %v", err)
	}
}

func TestTurnExit(t *testing.T) {
	tests := []struct {
		status string
		code   int
	}{
		{status: "completed", code: 0},
		{status: "aborted", code: 130},
		{status: "failed", code: 1},
		{status: "already_running", code: 1},
	}
	for _, tc := range tests {
		err := turnExit(&subagent.TurnResult{Status: tc.status})
		got := 0
		if err != nil {
			got = ExitCode(err)
		}
		if got != tc.code {
			t.Fatalf("status %q: got exit %d want %d", tc.status, got, tc.code)
		}
	}
}

func TestTLSInitWritesIntoConfigDir(t *testing.T) {
	tmpDir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", tmpDir)

	var stdout bytes.Buffer
	cmd := &TLSInitCommand{Host: []string{"localhost"}, Validity: time.Hour}
	if err := cmd.Run(&runtimeContext{Stdout: &stdout}); err != nil {
		t.Fatalf("TLSInitCommand.Run returned error: %v", err)
	}
	for _, name := range []string{"ca.pem", "server.pem", "server.key"} {
		if _, err := os.Stat(filepath.Join(tmpDir, "subagent", "tls", name)); err != nil {
			t.Fatalf("expected %s: %v", name, err)
		}
	}
	if !strings.Contains(stdout.String(), "server.pem") {
		t.Fatalf("unexpected output %q", stdout.String())
	}
}
