package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	subagent "github.com/buildkite/subagent/client"
	"github.com/buildkite/subagent/internal/backend"
	"github.com/buildkite/subagent/internal/controlserver"
	"github.com/buildkite/subagent/internal/controlservice"
	"github.com/buildkite/subagent/internal/endpoint"
	"github.com/buildkite/subagent/internal/executor"
	"github.com/buildkite/subagent/internal/ids"
	"github.com/buildkite/subagent/internal/paths"
	"github.com/buildkite/subagent/internal/pool"
	"github.com/buildkite/subagent/internal/runtimeconfig"
	"github.com/buildkite/subagent/internal/sessionstore"
	"github.com/buildkite/subagent/internal/tlsbootstrap"
	"github.com/buildkite/subagent/internal/tlsconfig"
	"github.com/charmbracelet/log"
	"gopkg.in/yaml.v3"
)

// serviceShutdownTimeout bounds how long serve waits for in-flight turns.
const serviceShutdownTimeout = 2 * time.Minute

type runtimeContext struct {
	Stdout     io.Writer
	Stderr     *os.File
	Config     runtimeconfig.Config
	ConfigPath string
	Version    string
}

type CLI struct {
	Serve    ServeCommand    `cmd:"" help:"Run the subagent scheduler and control API"`
	Send     SendCommand     `cmd:"" help:"Submit a chat message to a conversation"`
	Status   StatusCommand   `cmd:"" help:"Show a session by conversation key or session id"`
	Abort    AbortCommand    `cmd:"" help:"Abort the running turn of a conversation"`
	Sessions SessionsCommand `cmd:"" help:"List known sessions"`
	Pool     PoolCommand     `cmd:"" help:"Show worker pool state"`
	Doctor   DoctorCommand   `cmd:"" help:"Run backend and host diagnostics"`
	Config   ConfigCommand   `cmd:"" help:"Runtime configuration commands"`
	TLS      TLSCommand      `cmd:"" name:"tls" help:"TLS material for https control endpoints"`
	Version  VersionCommand  `cmd:"" help:"Print the subagent version"`
}

// ClientFlags are shared by commands that talk to a running server.
type ClientFlags struct {
	Host     string `help:"Control API endpoint (unix://path, http://host:port, or https://host:port)" env:"SUBAGENT_HOST"`
	TLSCA    string `name:"tls-ca" help:"CA bundle used to verify https endpoints"`
	LogLevel string `help:"Client log level (debug|info|warn|error)" env:"SUBAGENT_LOG_LEVEL"`
	JSON     bool   `help:"Print the response as JSON"`
}

func (f ClientFlags) dial() (*subagent.Client, error) {
	return subagent.New(f.Host, subagent.WithTLS(subagent.TLSOptions{CAPath: f.TLSCA}))
}

type ServeCommand struct {
	Listen   string `help:"Listen endpoint for the control API (defaults to the runtime unix socket)" env:"SUBAGENT_LISTEN"`
	LogLevel string `help:"Server log level (debug|info|warn|error)" env:"SUBAGENT_LOG_LEVEL"`
	TLSCert  string `name:"tls-cert" help:"Server certificate for https listeners"`
	TLSKey   string `name:"tls-key" help:"Server key for https listeners"`
}

type SendCommand struct {
	ClientFlags `embed:""`

	Conversation   string        `short:"k" required:"" help:"Conversation key (channel:thread)"`
	EventID        string        `help:"Inbound event id (generated when empty)"`
	User           string        `help:"Author of the message"`
	Conversational bool          `default:"true" negatable:"" help:"Record the message in the conversation history"`
	Wait           bool          `short:"w" help:"Wait for the turn that carries this message to finish"`
	Timeout        time.Duration `default:"35m" help:"How long --wait polls before giving up"`

	Text []string `arg:"" required:"" help:"Message text"`
}

type StatusCommand struct {
	ClientFlags `embed:""`

	Ref string `arg:"" help:"Conversation key or session id"`
}

type AbortCommand struct {
	ClientFlags `embed:""`

	Ref string `arg:"" help:"Conversation key or session id"`
}

type SessionsCommand struct {
	ClientFlags `embed:""`

	Status string `help:"Only list sessions with this status (idle|running|error)"`
}

type PoolCommand struct {
	ClientFlags `embed:""`
}

type DoctorCommand struct {
	JSON bool `help:"Print doctor report as JSON"`
}

type ConfigCommand struct {
	Init ConfigInitCommand `cmd:"" help:"Write a default runtime config file"`
	Show ConfigShowCommand `cmd:"" help:"Print the effective runtime config"`
}

type ConfigInitCommand struct {
	Force bool `help:"Overwrite an existing config file"`
}

type ConfigShowCommand struct{}

type TLSCommand struct {
	Init TLSInitCommand `cmd:"" help:"Generate a private CA and server certificate"`
}

type TLSInitCommand struct {
	Dir      string        `help:"Output directory (defaults to the subagent TLS directory)"`
	Host     []string      `help:"DNS name or IP the server certificate covers (repeatable)"`
	Validity time.Duration `default:"8760h" help:"Certificate lifetime"`
	Force    bool          `help:"Overwrite existing material"`
}

type VersionCommand struct{}

type exitCodeError struct {
	code int
}

func (e exitCodeError) Error() string {
	return fmt.Sprintf("command failed with exit code %d", e.code)
}

func (e exitCodeError) ExitCode() int {
	return e.code
}

type hasExitCode interface {
	ExitCode() int
}

var errSessionNotFound = errors.New("session not found")

func Run(args []string, version string) error {
	cfg, cfgPath, err := runtimeconfig.Load()
	if err != nil {
		return err
	}

	runtimeCtx := &runtimeContext{
		Stdout:     os.Stdout,
		Stderr:     os.Stderr,
		Config:     cfg,
		ConfigPath: cfgPath,
		Version:    version,
	}

	cli := CLI{}
	parser, err := newParser(&cli)
	if err != nil {
		return err
	}

	ctx, err := parser.Parse(args)
	if err != nil {
		return err
	}
	return ctx.Run(runtimeCtx)
}

func newParser(cli *CLI) (*kong.Kong, error) {
	return kong.New(
		cli,
		kong.Name("subagent"),
		kong.Description("Run coding-agent turns for chat conversations in isolated sandboxes"),
	)
}

func ExitCode(err error) int {
	var codeErr hasExitCode
	if errors.As(err, &codeErr) {
		return codeErr.ExitCode()
	}
	return 1
}

func (s *ServeCommand) Run(ctx *runtimeContext) error {
	logger, err := newLogger(s.LogLevel, "server")
	if err != nil {
		return err
	}

	ep, err := endpoint.ResolveListen(s.Listen)
	if err != nil {
		return err
	}

	client, closeBackend, err := newBackend(ctx.Config, logger)
	if err != nil {
		return fmt.Errorf("configure %s backend: %w", ctx.Config.Backend, err)
	}
	defer func() {
		if err := closeBackend(); err != nil {
			logger.Warn("close backend failed", "error", err)
		}
	}()

	storePath, err := ctx.Config.ResolvedStorePath()
	if err != nil {
		return err
	}
	store, err := sessionstore.Open(context.Background(), sessionstore.Options{
		Path:   storePath,
		Logger: logger.With("subsystem", "store"),
	})
	if err != nil {
		return err
	}
	defer store.Close()

	opts, err := serviceOptions(ctx.Config, client, store, logger.With("subsystem", "service"))
	if err != nil {
		return err
	}
	service, err := controlservice.New(opts)
	if err != nil {
		return err
	}
	server := controlserver.New(service, logger.With("subsystem", "http"))

	if shouldShowStartupHeader(ctx.Stderr) {
		_ = writeStartupHeader(ctx.Stderr, startupHeader{
			Title: "subagent " + ctx.Version,
			Fields: []startupField{
				{Key: "listen", Value: endpointDisplay(ep)},
				{Key: "backend", Value: client.Name()},
				{Key: "mode", Value: string(opts.Mode)},
				{Key: "store", Value: store.Path()},
				{Key: "config", Value: ctx.ConfigPath},
				{Key: "log level", Value: effectiveLogLevel(s.LogLevel)},
			},
		}, shouldUseANSI(ctx.Stderr))
	}

	runCtx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	service.Start(runCtx)
	serveErr := controlserver.Serve(runCtx, ep, server.Handler(), logger, tlsconfig.Options{
		CertPath: s.TLSCert,
		KeyPath:  s.TLSKey,
	})

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), serviceShutdownTimeout)
	defer shutdownCancel()
	logger.Info("waiting for in-flight turns")
	if err := service.Shutdown(shutdownCtx); err != nil {
		logger.Warn("service shutdown incomplete", "error", err)
	}
	return serveErr
}

// serviceOptions maps the runtime config onto the control service.
func serviceOptions(cfg runtimeconfig.Config, client backend.Client, store *sessionstore.Store, logger *log.Logger) (controlservice.Options, error) {
	rules, err := cfg.NetworkRules()
	if err != nil {
		return controlservice.Options{}, fmt.Errorf("network policy: %w", err)
	}
	prompt, err := cfg.SystemPrompt()
	if err != nil {
		return controlservice.Options{}, err
	}
	transcripts, err := cfg.ResolvedTranscriptDir()
	if err != nil {
		return controlservice.Options{}, err
	}
	artifactStore := cfg.Artifacts.StoreDir
	if strings.TrimSpace(artifactStore) == "" {
		if artifactStore, err = paths.ArtifactDir(); err != nil {
			return controlservice.Options{}, err
		}
	}

	return controlservice.Options{
		Client:     client,
		Store:      store,
		Mode:       controlservice.Mode(cfg.Mode),
		PoolSize:   cfg.Pool.Size,
		PoolPrefix: cfg.Pool.Prefix,
		Retry: pool.RetryPolicy{
			MaxAttempts: cfg.Pool.Retry.MaxAttempts,
			BaseDelay:   cfg.Pool.Retry.BaseDelay,
			MaxDelay:    cfg.Pool.Retry.MaxDelay,
		},
		HealthTimeout: cfg.Pool.HealthTimeout,
		Provisioner:   cfg.Provisioner(logger),
		NetworkRules:  rules,
		Agent: executor.AgentConfig{
			Command:      append([]string(nil), cfg.Agent.Command...),
			Workdir:      cfg.Agent.Workdir,
			ArtifactsDir: cfg.Agent.ArtifactsDir,
			SystemPrompt: prompt,
			Env:          cfg.Agent.Env,
		},
		AgentSessionDir: cfg.Agent.SessionDir,
		Credentials:     cfg.CredentialProvider(),
		ExecTimeout:     cfg.ExecTimeout,
		Artifacts: executor.ArtifactLimits{
			MaxFiles: cfg.Artifacts.MaxFiles,
			MaxBytes: cfg.Artifacts.MaxBytes,
			StoreDir: artifactStore,
		},
		TranscriptDir:  transcripts,
		DebounceWindow: cfg.DebounceWindow,
		Logger:         logger,
	}, nil
}

func (s *SendCommand) Run(ctx *runtimeContext) error {
	logger, err := newLogger(s.LogLevel, "client")
	if err != nil {
		return err
	}
	c, err := s.dial()
	if err != nil {
		return err
	}

	eventID := strings.TrimSpace(s.EventID)
	if eventID == "" {
		eventID = ids.NewEvent()
	}
	req := &subagent.SubmitRequest{
		ConversationKey: s.Conversation,
		EventID:         eventID,
		Text:            strings.Join(s.Text, " "),
		User:            s.User,
		Conversational:  s.Conversational,
	}
	logger.Debug("submitting message", "conversation", req.ConversationKey, "event_id", eventID, "wait", s.Wait)

	if !s.Wait {
		resp, err := c.Submit(context.Background(), req)
		if err != nil {
			return fmt.Errorf("submit: %w", err)
		}
		if s.JSON {
			return writeJSON(ctx.Stdout, resp)
		}
		_, err = fmt.Fprintf(ctx.Stdout, "%s conversation=%s event_id=%s phase=%s queued=%d\n",
			resp.Disposition, resp.ConversationKey, eventID, resp.Phase, resp.Queued)
		return err
	}

	res, err := c.SubmitAndWait(context.Background(), req, subagent.WaitOptions{Timeout: s.Timeout})
	if err != nil {
		return fmt.Errorf("submit and wait: %w", err)
	}
	if s.JSON {
		if err := writeJSON(ctx.Stdout, res); err != nil {
			return err
		}
	} else if _, err := io.WriteString(ctx.Stdout, renderTurnResult(res)); err != nil {
		return err
	}
	return turnExit(res)
}

// turnExit maps a finished turn to the process exit status.
func turnExit(res *subagent.TurnResult) error {
	switch res.Status {
	case subagent.TurnCompleted:
		return nil
	case subagent.TurnAborted:
		return exitCodeError{code: 130}
	default:
		return exitCodeError{code: 1}
	}
}

func (s *StatusCommand) Run(ctx *runtimeContext) error {
	c, err := s.dial()
	if err != nil {
		return err
	}
	resp, err := c.Status(context.Background(), &subagent.StatusRequest{Ref: s.Ref})
	if err != nil {
		return fmt.Errorf("status: %w", err)
	}
	if s.JSON {
		return writeJSON(ctx.Stdout, resp)
	}
	if _, err := io.WriteString(ctx.Stdout, renderStatus(s.Ref, resp)); err != nil {
		return err
	}
	if !resp.Found {
		return fmt.Errorf("%w: %s", errSessionNotFound, s.Ref)
	}
	return nil
}

func (a *AbortCommand) Run(ctx *runtimeContext) error {
	c, err := a.dial()
	if err != nil {
		return err
	}
	resp, err := c.Abort(context.Background(), &subagent.AbortRequest{Ref: a.Ref})
	if err != nil {
		return fmt.Errorf("abort: %w", err)
	}
	if a.JSON {
		return writeJSON(ctx.Stdout, resp)
	}
	if !resp.Signalled {
		_, err = fmt.Fprintf(ctx.Stdout, "nothing running for %s (session %s, dropped %d)\n", a.Ref, resp.SessionID, resp.Dropped)
		return err
	}
	_, err = fmt.Fprintf(ctx.Stdout, "aborted job %s (session %s, dropped %d)\n", resp.JobID, resp.SessionID, resp.Dropped)
	return err
}

func (s *SessionsCommand) Run(ctx *runtimeContext) error {
	c, err := s.dial()
	if err != nil {
		return err
	}
	resp, err := c.ListSessions(context.Background(), &subagent.ListSessionsRequest{Status: s.Status})
	if err != nil {
		return fmt.Errorf("list sessions: %w", err)
	}
	if s.JSON {
		return writeJSON(ctx.Stdout, resp)
	}
	if len(resp.Sessions) == 0 {
		_, err = io.WriteString(ctx.Stdout, "no sessions\n")
		return err
	}
	_, err = io.WriteString(ctx.Stdout, renderSessions(resp.Sessions))
	return err
}

func (p *PoolCommand) Run(ctx *runtimeContext) error {
	c, err := p.dial()
	if err != nil {
		return err
	}
	resp, err := c.PoolStatus(context.Background(), &subagent.PoolStatusRequest{})
	if err != nil {
		return fmt.Errorf("pool status: %w", err)
	}
	if p.JSON {
		return writeJSON(ctx.Stdout, resp)
	}
	_, err = io.WriteString(ctx.Stdout, renderPool(resp))
	return err
}

func (d *DoctorCommand) Run(ctx *runtimeContext) error {
	cfg := ctx.Config
	checks := []backend.DoctorCheck{
		{Name: "runtime_config", Status: "pass", Message: fmt.Sprintf("using runtime config path %s", ctx.ConfigPath)},
		{Name: "mode", Status: "pass", Message: fmt.Sprintf("scheduling mode %s", cfg.Mode)},
	}

	var caps map[string]bool
	client, closeBackend, err := newBackend(cfg, nil)
	if err != nil {
		checks = append(checks, backend.DoctorCheck{
			Name:    "backend",
			Status:  "fail",
			Message: fmt.Sprintf("backend %s not usable: %v", cfg.Backend, err),
		})
	} else {
		defer closeBackend()
		checks = append(checks, backend.DoctorCheck{Name: "backend", Status: "pass", Message: fmt.Sprintf("selected backend %s", client.Name())})
		if checker, ok := client.(backend.DoctorReporter); ok {
			report, err := checker.Doctor(context.Background())
			if err != nil {
				checks = append(checks, backend.DoctorCheck{Name: "backend_doctor", Status: "fail", Message: err.Error()})
			} else {
				checks = append(checks, report.Checks...)
			}
		} else {
			checks = append(checks, backend.DoctorCheck{
				Name:    "backend_doctor",
				Status:  "warn",
				Message: "selected backend does not expose doctor diagnostics",
			})
		}

		caps = backend.Capabilities(client)
		if cfg.Mode == runtimeconfig.ModePool && !caps[backend.CapabilitySandboxCheckpoint] {
			checks = append(checks, backend.DoctorCheck{
				Name:    "pool_checkpoints",
				Status:  "fail",
				Message: "pool mode requires a backend with checkpoint support",
			})
		}
	}

	if rules, err := cfg.NetworkRules(); err != nil {
		checks = append(checks, backend.DoctorCheck{Name: "network_policy", Status: "fail", Message: err.Error()})
	} else {
		checks = append(checks, backend.DoctorCheck{Name: "network_policy", Status: "pass", Message: fmt.Sprintf("%d egress rules", len(rules))})
	}

	schemaVersion := 0
	storeCheck := backend.DoctorCheck{Name: "session_store"}
	storePath, err := cfg.ResolvedStorePath()
	switch {
	case err != nil:
		storeCheck.Status, storeCheck.Message = "fail", err.Error()
	default:
		if _, statErr := os.Stat(storePath); errors.Is(statErr, os.ErrNotExist) {
			storeCheck.Status = "warn"
			storeCheck.Message = fmt.Sprintf("%s does not exist yet (created by serve)", storePath)
			break
		}
		store, err := sessionstore.Open(context.Background(), sessionstore.Options{Path: storePath})
		if err != nil {
			storeCheck.Status, storeCheck.Message = "fail", err.Error()
			break
		}
		schemaVersion, err = store.SchemaVersion(context.Background())
		_ = store.Close()
		if err != nil {
			storeCheck.Status, storeCheck.Message = "fail", err.Error()
			break
		}
		storeCheck.Status = "pass"
		storeCheck.Message = fmt.Sprintf("%s at schema version %d (latest %d)", storePath, schemaVersion, sessionstore.LatestSchemaVersion())
	}
	checks = append(checks, storeCheck)

	if d.JSON {
		return writeJSON(ctx.Stdout, map[string]any{
			"backend":        cfg.Backend,
			"mode":           cfg.Mode,
			"capabilities":   caps,
			"schema_version": schemaVersion,
			"checks":         checks,
		})
	}

	out := renderDoctorReport(cfg.Backend, checks, false)
	if len(caps) > 0 {
		out += renderCapabilities(caps)
	}
	_, err = io.WriteString(ctx.Stdout, out)
	return err
}

func (c *ConfigInitCommand) Run(ctx *runtimeContext) error {
	path, err := runtimeconfig.Path()
	if err != nil {
		return err
	}
	if _, err := os.Stat(path); err == nil && !c.Force {
		return fmt.Errorf("config already exists at %s (use --force to overwrite)", path)
	}

	b, err := yaml.Marshal(runtimeconfig.Default())
	if err != nil {
		return fmt.Errorf("encode default config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	if err := os.WriteFile(path, b, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	_, err = fmt.Fprintf(ctx.Stdout, "wrote %s\n", path)
	return err
}

func (c *ConfigShowCommand) Run(ctx *runtimeContext) error {
	b, err := yaml.Marshal(ctx.Config)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	_, err = fmt.Fprintf(ctx.Stdout, "# %s\n%s", ctx.ConfigPath, b)
	return err
}

func (c *TLSInitCommand) Run(ctx *runtimeContext) error {
	dir := c.Dir
	if strings.TrimSpace(dir) == "" {
		var err error
		if dir, err = paths.TLSDir(); err != nil {
			return err
		}
	}
	m, err := tlsbootstrap.Init(dir, tlsbootstrap.Options{Hosts: c.Host, Validity: c.Validity, Force: c.Force})
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(ctx.Stdout, "ca:     %s\ncert:   %s\nkey:    %s\n", m.CAPath, m.CertPath, m.KeyPath)
	return err
}

func (v *VersionCommand) Run(ctx *runtimeContext) error {
	_, err := fmt.Fprintln(ctx.Stdout, ctx.Version)
	return err
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newLogger(rawLevel, component string) (*log.Logger, error) {
	levelName := effectiveLogLevel(rawLevel)
	level, err := log.ParseLevel(levelName)
	if err != nil {
		return nil, fmt.Errorf("invalid --log-level %q: %w", rawLevel, err)
	}
	logger := log.NewWithOptions(os.Stderr, log.Options{
		Level:           level,
		Formatter:       log.TextFormatter,
		ReportTimestamp: true,
	})
	applyPolishedLoggerStyles(logger, shouldUseANSI(os.Stderr))
	return logger.With("component", component), nil
}
