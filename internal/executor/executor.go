// Package executor drives one agent turn end to end: session bookkeeping,
// worker checkout, dispatch, result parsing, artifact collection and release.
package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/buildkite/subagent/internal/agentproc"
	"github.com/buildkite/subagent/internal/backend"
	"github.com/buildkite/subagent/internal/coalescer"
	"github.com/buildkite/subagent/internal/credentials"
	"github.com/buildkite/subagent/internal/fault"
	"github.com/buildkite/subagent/internal/ids"
	"github.com/buildkite/subagent/internal/registry"
	"github.com/buildkite/subagent/internal/sessionstore"
	"github.com/charmbracelet/log"
)

const (
	DefaultExecTimeout      = 30 * time.Minute
	DefaultArtifactsDir     = "/tmp/subagent-artifacts"
	DefaultSystemPromptPath = "/tmp/subagent-system-prompt.md"

	// MaxDiagnosticBytes bounds stderr and error text kept on a session.
	MaxDiagnosticBytes = 2000

	abortSignalTimeout = 15 * time.Second
	prepareTimeout     = 2 * time.Minute
)

type Status string

const (
	StatusCompleted      Status = "completed"
	StatusAlreadyRunning Status = "already_running"
	StatusFailed         Status = "failed"
	StatusAborted        Status = "aborted"
)

// AgentConfig describes the agent command run inside the worker.
type AgentConfig struct {
	Command          []string
	Workdir          string
	ArtifactsDir     string
	SystemPrompt     string
	SystemPromptPath string
	Env              map[string]string
}

type Options struct {
	Registry *registry.Registry
	Workers  WorkerSource
	Client   backend.Client
	Agent    AgentConfig
	// Credentials are resolved fresh for every turn.
	Credentials credentials.Provider
	ExecTimeout time.Duration
	Artifacts   ArtifactLimits
	History     HistoryProvider
	// TranscriptDir keeps agent session files between turns on pooled
	// workers.
	TranscriptDir string
	// OnResult, when set, receives every result produced via HandleTurn.
	OnResult func(coalescer.PendingTurn, Result)
	Logger   *log.Logger
}

// Result is the outcome of one turn. Err is nil only for StatusCompleted.
type Result struct {
	Status    Status
	SessionID string
	JobID     string
	Worker    string
	Answer    string
	Artifacts []Artifact
	Err       error
}

type activeJob struct {
	id        string
	sessionID string
	cancel    context.CancelFunc

	// guarded by Executor.mu
	worker  string
	aborted bool
}

type Executor struct {
	registry    *registry.Registry
	workers     WorkerSource
	client      backend.Client
	agent       AgentConfig
	credentials credentials.Provider
	execTimeout time.Duration
	artifacts   ArtifactLimits
	history     HistoryProvider
	transcripts string
	onResult    func(coalescer.PendingTurn, Result)
	logger      *log.Logger

	mu     sync.Mutex
	active map[string]*activeJob
}

func New(opts Options) (*Executor, error) {
	if opts.Registry == nil {
		return nil, errors.New("executor requires a session registry")
	}
	if opts.Workers == nil {
		return nil, errors.New("executor requires a worker source")
	}
	if opts.Client == nil {
		return nil, errors.New("executor requires a backend client")
	}
	if len(opts.Agent.Command) == 0 {
		return nil, errors.New("executor requires an agent command")
	}
	agent := opts.Agent
	if strings.TrimSpace(agent.ArtifactsDir) == "" {
		agent.ArtifactsDir = DefaultArtifactsDir
	}
	if strings.TrimSpace(agent.SystemPromptPath) == "" {
		agent.SystemPromptPath = DefaultSystemPromptPath
	}
	timeout := opts.ExecTimeout
	if timeout <= 0 {
		timeout = DefaultExecTimeout
	}
	return &Executor{
		registry:    opts.Registry,
		workers:     opts.Workers,
		client:      opts.Client,
		agent:       agent,
		credentials: opts.Credentials,
		execTimeout: timeout,
		artifacts:   opts.Artifacts.withDefaults(),
		history:     opts.History,
		transcripts: strings.TrimSpace(opts.TranscriptDir),
		onResult:    opts.OnResult,
		logger:      opts.Logger,
		active:      map[string]*activeJob{},
	}, nil
}

// HandleTurn adapts RunTurn to coalescer.Handler.
func (e *Executor) HandleTurn(ctx context.Context, turn coalescer.PendingTurn) error {
	res, err := e.RunTurn(ctx, turn)
	if e.onResult != nil {
		e.onResult(turn, res)
	}
	if err != nil && fault.KindOf(err).Expected() {
		return nil
	}
	return err
}

// RunTurn executes turn for its conversation. The returned Result is always
// populated; err mirrors Result.Err.
func (e *Executor) RunTurn(ctx context.Context, turn coalescer.PendingTurn) (Result, error) {
	key := strings.TrimSpace(turn.ConversationKey)
	if key == "" {
		err := errors.New("turn is missing a conversation key")
		return Result{Status: StatusFailed, Err: err}, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	sess, job, res, ok := e.begin(ctx, key, cancel)
	if !ok {
		return res, res.Err
	}

	logger := e.logger
	if logger != nil {
		logger = logger.With("conversation", key, "session_id", sess.ID, "job_id", job.id)
		logger.Info("turn started", "event_ids", turn.EventIDs, "source", string(turn.Source))
	}

	out, runErr := e.execute(runCtx, sess, job, turn, logger)
	return e.finish(ctx, key, sess, job, out, runErr, logger)
}

// begin moves the session to running under the conversation lock.
func (e *Executor) begin(ctx context.Context, key string, cancel context.CancelFunc) (sessionstore.Session, *activeJob, Result, bool) {
	unlock := e.registry.Lock(key)
	defer unlock()

	sess, _, err := e.registry.Ensure(ctx, key)
	if err != nil {
		if fault.KindOf(err) == fault.KindUnknown {
			err = fault.New(fault.KindProvisioning, "ensure session", err)
		}
		return sessionstore.Session{}, nil, Result{Status: StatusFailed, Err: err}, false
	}

	if sess.Status == sessionstore.StatusRunning {
		sess, err = e.registry.Reconcile(ctx, sess)
		if err != nil {
			return sessionstore.Session{}, nil, Result{Status: StatusFailed, Err: err}, false
		}
		if sess.Status == sessionstore.StatusRunning {
			err := fault.Newf(fault.KindConcurrentTurn, "run turn", "session %s is already running job %s", sess.ID, sess.RunningJobID)
			if e.logger != nil {
				e.logger.Info("turn skipped, session already running", "conversation", key, "session_id", sess.ID, "job_id", sess.RunningJobID)
			}
			return sess, nil, Result{Status: StatusAlreadyRunning, SessionID: sess.ID, JobID: sess.RunningJobID, Err: err}, false
		}
	}

	job := &activeJob{id: ids.NewJob(), sessionID: sess.ID, cancel: cancel}
	sess.Status = sessionstore.StatusRunning
	sess.RunningJobID = job.id
	sess, err = e.registry.Save(ctx, sess)
	if err != nil {
		return sessionstore.Session{}, nil, Result{Status: StatusFailed, SessionID: sess.ID, Err: err}, false
	}

	e.mu.Lock()
	e.active[key] = job
	e.mu.Unlock()
	return sess, job, Result{}, true
}

type turnOutput struct {
	worker    string
	answer    string
	artifacts []Artifact
}

// execute checks out a worker, runs the agent and always releases the
// worker.
func (e *Executor) execute(ctx context.Context, sess sessionstore.Session, job *activeJob, turn coalescer.PendingTurn, logger *log.Logger) (turnOutput, error) {
	var out turnOutput

	worker, err := e.workers.Checkout(ctx, sess)
	if err != nil {
		if fault.KindOf(err) == fault.KindUnknown && ctx.Err() == nil {
			err = fault.New(fault.KindProvisioning, "checkout worker", err)
		}
		return out, err
	}
	out.worker = worker.Name()
	defer func() {
		// Release even when the turn was cancelled.
		if err := worker.Release(context.WithoutCancel(ctx)); err != nil && logger != nil {
			logger.Warn("worker release failed", "worker", worker.Name(), "error", err)
		}
	}()

	e.mu.Lock()
	job.worker = worker.Name()
	e.mu.Unlock()

	env, err := e.environment(ctx, sess, job)
	if err != nil {
		return out, err
	}
	if err := e.prepare(ctx, worker, sess); err != nil {
		return out, err
	}

	prompt := e.buildPrompt(ctx, turn, logger)
	inv := agentproc.Invocation{
		Argv:        e.agent.Command,
		SessionFile: sess.AgentSessionFile,
		PidFile:     agentproc.PidFile(job.id),
	}
	if strings.TrimSpace(e.agent.SystemPrompt) != "" {
		inv.SystemPromptFile = e.agent.SystemPromptPath
	}
	argv, err := agentproc.BuildCommand(inv)
	if err != nil {
		return out, fault.New(fault.KindExecution, "build agent command", err)
	}

	res, err := e.client.Exec(ctx, worker.Name(), argv, backend.ExecOptions{
		Env:     env,
		Dir:     e.agent.Workdir,
		Stdin:   []byte(prompt),
		Timeout: e.execTimeout,
	})
	if worker.Pooled() {
		e.stageOut(context.WithoutCancel(ctx), worker, sess, logger)
	}
	if err != nil {
		if errors.Is(err, backend.ErrExecTimeout) || errors.Is(err, context.DeadlineExceeded) {
			return out, fault.New(fault.KindTimeout, "dispatch agent", err)
		}
		return out, fault.New(fault.KindExecution, "dispatch agent", err)
	}
	if res.ExitCode != 0 {
		detail := fault.Truncate(strings.TrimSpace(res.Stderr), MaxDiagnosticBytes)
		if detail == "" {
			detail = fmt.Sprintf("agent exited with status %d", res.ExitCode)
		}
		return out, &fault.Error{Kind: fault.KindExecution, Op: "dispatch agent", Detail: detail}
	}

	parsed, err := agentproc.ParseOutput(res.Stdout)
	if err != nil {
		return out, fault.New(fault.KindExecution, "parse agent output", err)
	}
	out.answer = parsed.Answer

	artifacts, err := e.collectArtifacts(ctx, worker.Name(), job.id, logger)
	if err != nil {
		return out, fault.New(fault.KindExecution, "collect artifacts", err)
	}
	out.artifacts = artifacts
	return out, nil
}

// finish persists the turn's outcome. An aborted job leaves the session as
// Abort set it.
func (e *Executor) finish(ctx context.Context, key string, sess sessionstore.Session, job *activeJob, out turnOutput, runErr error, logger *log.Logger) (Result, error) {
	ctx = context.WithoutCancel(ctx)
	unlock := e.registry.Lock(key)
	defer unlock()

	e.mu.Lock()
	aborted := job.aborted
	if current := e.active[key]; current == job {
		delete(e.active, key)
	}
	e.mu.Unlock()

	result := Result{
		Status:    StatusCompleted,
		SessionID: sess.ID,
		JobID:     job.id,
		Worker:    out.worker,
		Answer:    out.answer,
		Artifacts: out.artifacts,
	}

	if aborted {
		result.Status = StatusAborted
		result.Answer = ""
		result.Err = fault.Newf(fault.KindUserAbort, "run turn", "job %s aborted by user", job.id)
		if logger != nil {
			logger.Info("turn aborted by user")
		}
		return result, result.Err
	}

	current, found, err := e.registry.Resolve(ctx, sess.ID)
	if err != nil || !found {
		current = sess
	}
	if current.RunningJobID != "" && current.RunningJobID != job.id {
		// Another job owns the session now; leave its state alone.
		if logger != nil {
			logger.Warn("session was taken over by another job", "running_job_id", current.RunningJobID)
		}
	} else {
		current.RunningJobID = ""
		current.LastJobID = job.id
		if runErr == nil {
			current.Status = sessionstore.StatusIdle
			current.LastError = ""
			current.Turns++
		} else {
			current.Status = sessionstore.StatusError
			current.LastError = fault.Truncate(runErr.Error(), MaxDiagnosticBytes)
		}
		if _, err := e.registry.Save(ctx, current); err != nil {
			runErr = errors.Join(runErr, err)
		}
	}

	if runErr != nil {
		result.Status = StatusFailed
		result.Answer = ""
		result.Err = runErr
		if logger != nil {
			if fault.KindOf(runErr).Expected() {
				logger.Info("turn ended", "reason", runErr)
			} else {
				logger.Error("turn failed", "kind", fault.KindOf(runErr).String(), "error", runErr)
			}
		}
		return result, runErr
	}
	if logger != nil {
		logger.Info("turn completed", "worker", out.worker, "artifacts", len(out.artifacts))
	}
	return result, nil
}

func (e *Executor) environment(ctx context.Context, sess sessionstore.Session, job *activeJob) (map[string]string, error) {
	env := map[string]string{}
	for k, v := range e.agent.Env {
		env[k] = v
	}
	if e.credentials != nil {
		creds, err := e.credentials.Resolve(ctx)
		if err != nil {
			return nil, fault.New(fault.KindExecution, "resolve credentials", err)
		}
		for k, v := range creds {
			env[k] = v
		}
	}
	env["SUBAGENT_SESSION_ID"] = sess.ID
	env["SUBAGENT_JOB_ID"] = job.id
	env["SUBAGENT_ARTIFACTS_DIR"] = e.agent.ArtifactsDir
	return env, nil
}

// prepare resets the artifacts directory, writes the system prompt and, on
// pooled workers, stages the agent's session file.
func (e *Executor) prepare(ctx context.Context, worker Worker, sess sessionstore.Session) error {
	ctx, cancel := context.WithTimeout(ctx, prepareTimeout)
	defer cancel()

	argv := []string{"sh", "-c", `rm -rf "$1" && mkdir -p "$1"`, "subagent-prepare", e.agent.ArtifactsDir}
	if err := e.run(ctx, worker.Name(), argv, nil); err != nil {
		return fault.New(fault.KindExecution, "prepare artifacts dir", err)
	}
	if strings.TrimSpace(e.agent.SystemPrompt) != "" {
		if err := e.writeFile(ctx, worker.Name(), e.agent.SystemPromptPath, []byte(e.agent.SystemPrompt)); err != nil {
			return fault.New(fault.KindExecution, "write system prompt", err)
		}
	}
	if worker.Pooled() {
		if err := e.stageIn(ctx, worker, sess); err != nil {
			return fault.New(fault.KindExecution, "stage agent session", err)
		}
	}
	return nil
}

func (e *Executor) writeFile(ctx context.Context, sandbox, path string, data []byte) error {
	argv := []string{"sh", "-c", `mkdir -p "$(dirname "$1")" && cat > "$1"`, "subagent-write", path}
	return e.run(ctx, sandbox, argv, data)
}

func (e *Executor) run(ctx context.Context, sandbox string, argv []string, stdin []byte) error {
	res, err := e.client.Exec(ctx, sandbox, argv, backend.ExecOptions{Stdin: stdin, MaxRetries: 1})
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("exit %d: %s", res.ExitCode, fault.Truncate(strings.TrimSpace(res.Stderr), MaxDiagnosticBytes))
	}
	return nil
}

// Report is the read-only view returned by Status.
type Report struct {
	Found   bool
	Session sessionstore.Session
	Active  bool
	Worker  string
}

// Status reads a conversation's session without running anything in its
// sandbox. A lost row is rehydrated from a surviving sandbox.
func (e *Executor) Status(ctx context.Context, key string) (Report, error) {
	sess, found, err := e.registry.Lookup(ctx, key)
	if err != nil {
		return Report{}, err
	}
	if !found {
		return Report{}, nil
	}
	report := Report{Found: true, Session: sess}
	e.mu.Lock()
	if job, ok := e.active[sess.ConversationKey]; ok && job.id == sess.RunningJobID {
		report.Active = true
		report.Worker = job.worker
	}
	e.mu.Unlock()
	return report, nil
}

// AbortResult describes what Abort did.
type AbortResult struct {
	SessionID string
	JobID     string
	// Signalled is true when a stop signal reached the agent process.
	Signalled bool
}

// Abort stops the conversation's running job if any and forces the session
// back to idle.
func (e *Executor) Abort(ctx context.Context, key string) (AbortResult, error) {
	unlock := e.registry.Lock(key)
	defer unlock()

	sess, found, err := e.registry.Lookup(ctx, key)
	if err != nil {
		return AbortResult{}, err
	}
	if !found {
		return AbortResult{}, fmt.Errorf("%w: %s", registry.ErrNotFound, key)
	}
	result := AbortResult{SessionID: sess.ID, JobID: sess.RunningJobID}

	e.mu.Lock()
	job := e.active[key]
	sandbox := ""
	if job != nil {
		job.aborted = true
		sandbox = job.worker
		result.JobID = job.id
	}
	e.mu.Unlock()
	if sandbox == "" && sess.Status == sessionstore.StatusRunning && e.affinity() {
		sandbox = sess.SandboxName
	}

	if sandbox != "" && result.JobID != "" {
		signalCtx, cancel := context.WithTimeout(ctx, abortSignalTimeout)
		err := agentproc.Terminate(signalCtx, e.client, sandbox, agentproc.PidFile(result.JobID))
		cancel()
		if err != nil {
			if e.logger != nil {
				e.logger.Warn("could not signal agent process", "conversation", key, "job_id", result.JobID, "error", err)
			}
		} else {
			result.Signalled = true
		}
	}
	if job != nil {
		job.cancel()
	}

	if sess.Status != sessionstore.StatusIdle || sess.RunningJobID != "" {
		sess.Status = sessionstore.StatusIdle
		sess.RunningJobID = ""
		if _, err := e.registry.Save(context.WithoutCancel(ctx), sess); err != nil {
			return result, err
		}
	}
	if e.logger != nil {
		e.logger.Info("abort requested", "conversation", key, "session_id", sess.ID, "job_id", result.JobID, "signalled", result.Signalled)
	}
	return result, nil
}

// Alive reports whether sess's running job is still executing. It satisfies
// registry.JobProbe.
func (e *Executor) Alive(ctx context.Context, sess sessionstore.Session) (bool, error) {
	if sess.RunningJobID == "" {
		return false, nil
	}
	e.mu.Lock()
	job, ok := e.active[sess.ConversationKey]
	e.mu.Unlock()
	if ok && job.id == sess.RunningJobID {
		return true, nil
	}
	// Pooled runners are reset between turns, so nothing outlives this
	// process there.
	if !e.affinity() {
		return false, nil
	}
	return agentproc.Alive(ctx, e.client, sess.SandboxName, agentproc.PidFile(sess.RunningJobID))
}

func (e *Executor) affinity() bool {
	_, ok := e.workers.(*AffinitySource)
	return ok
}

// Active returns the number of turns currently executing.
func (e *Executor) Active() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.active)
}
