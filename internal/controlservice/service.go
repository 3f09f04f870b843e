// Package controlservice wires the session store, registry, worker pool,
// executor and coalescer into the operations served by the control API.
package controlservice

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/buildkite/subagent/internal/backend"
	"github.com/buildkite/subagent/internal/coalescer"
	"github.com/buildkite/subagent/internal/controlapi"
	"github.com/buildkite/subagent/internal/credentials"
	"github.com/buildkite/subagent/internal/executor"
	"github.com/buildkite/subagent/internal/fault"
	"github.com/buildkite/subagent/internal/pool"
	"github.com/buildkite/subagent/internal/provision"
	"github.com/buildkite/subagent/internal/registry"
	"github.com/buildkite/subagent/internal/sessionstore"
	"github.com/charmbracelet/log"
)

type Mode string

const (
	// ModePool runs turns on a fixed set of runners reset between turns.
	ModePool Mode = "pool"
	// ModeAffinity gives every conversation its own long-lived sandbox.
	ModeAffinity Mode = "affinity"
)

const (
	defaultHistoryLimit = 50
	maxRetainedResults  = 1024
)

// ErrInvalidArgument marks requests rejected before any work starts.
var ErrInvalidArgument = errors.New("invalid argument")

type Options struct {
	Client backend.Client
	Store  *sessionstore.Store
	Mode   Mode

	PoolSize      int
	PoolPrefix    string
	Retry         pool.RetryPolicy
	HealthTimeout time.Duration

	Provisioner  provision.Provisioner
	NetworkRules []backend.NetworkRule

	Agent           executor.AgentConfig
	AgentSessionDir string
	Credentials     credentials.Provider
	ExecTimeout     time.Duration
	Artifacts       executor.ArtifactLimits
	TranscriptDir   string

	DebounceWindow time.Duration
	// HistoryLimit bounds the messages remembered per conversation for
	// prompt context.
	HistoryLimit int
	Logger       *log.Logger
}

type Service struct {
	client    backend.Client
	store     *sessionstore.Store
	mode      Mode
	registry  *registry.Registry
	pool      *pool.Pool
	executor  *executor.Executor
	coalescer *coalescer.Coalescer
	history   *historyBook
	logger    *log.Logger

	mu          sync.Mutex
	results     map[string]controlapi.TurnResult
	resultOrder []string
}

func New(opts Options) (*Service, error) {
	if opts.Client == nil {
		return nil, errors.New("control service requires a backend client")
	}
	if opts.Store == nil {
		return nil, errors.New("control service requires a session store")
	}
	mode := opts.Mode
	if mode == "" {
		mode = ModePool
	}

	s := &Service{
		client:  opts.Client,
		store:   opts.Store,
		mode:    mode,
		history: newHistoryBook(opts.HistoryLimit),
		logger:  opts.Logger,
		results: map[string]controlapi.TurnResult{},
	}

	regOpts := registry.Options{
		Store:           opts.Store,
		AgentSessionDir: opts.AgentSessionDir,
		Logger:          componentLogger(opts.Logger, "registry"),
	}
	var workers executor.WorkerSource
	switch mode {
	case ModePool:
		ckpt, ok := opts.Client.(backend.CheckpointClient)
		if !ok {
			return nil, fmt.Errorf("backend %q does not support checkpoints required by pool mode", opts.Client.Name())
		}
		p, err := pool.New(pool.Options{
			Size:          opts.PoolSize,
			NamePrefix:    opts.PoolPrefix,
			Client:        ckpt,
			Provisioner:   opts.Provisioner,
			NetworkRules:  opts.NetworkRules,
			Retry:         opts.Retry,
			HealthTimeout: opts.HealthTimeout,
			Logger:        componentLogger(opts.Logger, "pool"),
		})
		if err != nil {
			return nil, err
		}
		s.pool = p
	case ModeAffinity:
		regOpts.Client = opts.Client
		regOpts.Provisioner = opts.Provisioner
		regOpts.NetworkRules = opts.NetworkRules
	default:
		return nil, fmt.Errorf("unknown mode %q (expected pool or affinity)", mode)
	}

	reg, err := registry.New(regOpts)
	if err != nil {
		return nil, err
	}
	s.registry = reg
	if s.pool != nil {
		workers = &executor.PoolSource{Pool: s.pool}
	} else {
		workers = &executor.AffinitySource{Registry: reg}
	}

	exec, err := executor.New(executor.Options{
		Registry:      reg,
		Workers:       workers,
		Client:        opts.Client,
		Agent:         opts.Agent,
		Credentials:   opts.Credentials,
		ExecTimeout:   opts.ExecTimeout,
		Artifacts:     opts.Artifacts,
		History:       s.history,
		TranscriptDir: opts.TranscriptDir,
		OnResult:      s.recordResult,
		Logger:        componentLogger(opts.Logger, "executor"),
	})
	if err != nil {
		return nil, err
	}
	s.executor = exec
	reg.SetProbe(exec)

	co, err := coalescer.New(coalescer.Options{
		Window:  opts.DebounceWindow,
		Handler: exec.HandleTurn,
		Logger:  componentLogger(opts.Logger, "coalescer"),
	})
	if err != nil {
		return nil, err
	}
	s.coalescer = co
	return s, nil
}

func componentLogger(logger *log.Logger, component string) *log.Logger {
	if logger == nil {
		return nil
	}
	return logger.With("component", component)
}

// Start provisions the pool in the background. Affinity mode has nothing to
// warm up.
func (s *Service) Start(ctx context.Context) {
	if s.pool != nil {
		s.pool.Start(ctx)
	}
}

// Shutdown stops accepting messages and waits for in-flight turns.
func (s *Service) Shutdown(ctx context.Context) error {
	return s.coalescer.Shutdown(ctx)
}

func (s *Service) Submit(_ context.Context, req *controlapi.SubmitRequest) (*controlapi.SubmitResponse, error) {
	key := strings.TrimSpace(req.ConversationKey)
	if key == "" {
		return nil, fmt.Errorf("%w: conversation_key is required", ErrInvalidArgument)
	}
	if strings.TrimSpace(req.Text) == "" {
		return nil, fmt.Errorf("%w: text is required", ErrInvalidArgument)
	}

	msg := coalescer.Message{
		Key:            key,
		EventID:        strings.TrimSpace(req.EventID),
		Text:           req.Text,
		User:           req.User,
		Conversational: req.Conversational,
	}
	disposition, err := s.coalescer.Submit(msg)
	if err != nil {
		return nil, err
	}
	// Messages without an event id cannot be excluded from their own turn's
	// context, so they are not remembered.
	if req.Conversational && msg.EventID != "" {
		s.history.Add(key, executor.HistoryMessage{EventID: msg.EventID, User: msg.User, Text: msg.Text})
	}
	phase, queued := s.coalescer.State(key)
	if s.logger != nil {
		s.logger.Debug("message accepted", "conversation", key, "event_id", msg.EventID, "disposition", string(disposition))
	}
	return &controlapi.SubmitResponse{
		ConversationKey: key,
		Disposition:     string(disposition),
		Phase:           phase,
		Queued:          queued,
	}, nil
}

func (s *Service) Status(ctx context.Context, req *controlapi.StatusRequest) (*controlapi.StatusResponse, error) {
	ref := strings.TrimSpace(req.Ref)
	if ref == "" {
		return nil, fmt.Errorf("%w: ref is required", ErrInvalidArgument)
	}
	report, err := s.executor.Status(ctx, ref)
	if err != nil {
		return nil, err
	}
	key := ref
	resp := &controlapi.StatusResponse{}
	if report.Found {
		key = report.Session.ConversationKey
		info := sessionInfo(report.Session)
		resp.Found = true
		resp.Session = &info
		resp.Active = report.Active
		resp.Worker = report.Worker
	}
	resp.Phase, resp.Queued = s.coalescer.State(key)
	if last, ok := s.lastResult(key); ok {
		resp.LastResult = &last
	}
	return resp, nil
}

// Abort stops the conversation's running turn and discards messages still
// waiting to run.
func (s *Service) Abort(ctx context.Context, req *controlapi.AbortRequest) (*controlapi.AbortResponse, error) {
	ref := strings.TrimSpace(req.Ref)
	if ref == "" {
		return nil, fmt.Errorf("%w: ref is required", ErrInvalidArgument)
	}
	sess, found, err := s.registry.Lookup(ctx, ref)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%w: %s", registry.ErrNotFound, ref)
	}
	dropped := s.coalescer.Drop(sess.ConversationKey)
	res, err := s.executor.Abort(ctx, sess.ConversationKey)
	if err != nil {
		return nil, err
	}
	return &controlapi.AbortResponse{
		SessionID: res.SessionID,
		JobID:     res.JobID,
		Signalled: res.Signalled,
		Dropped:   dropped,
	}, nil
}

func (s *Service) ListSessions(ctx context.Context, req *controlapi.ListSessionsRequest) (*controlapi.ListSessionsResponse, error) {
	var (
		sessions []sessionstore.Session
		err      error
	)
	if raw := strings.TrimSpace(req.Status); raw != "" {
		status := sessionstore.Status(raw)
		if !status.Valid() {
			return nil, fmt.Errorf("%w: unknown session status %q", ErrInvalidArgument, raw)
		}
		sessions, err = s.store.ListByStatus(ctx, status)
	} else {
		sessions, err = s.store.List(ctx)
	}
	if err != nil {
		return nil, err
	}
	out := &controlapi.ListSessionsResponse{Sessions: make([]controlapi.SessionInfo, 0, len(sessions))}
	for _, sess := range sessions {
		out.Sessions = append(out.Sessions, sessionInfo(sess))
	}
	return out, nil
}

func (s *Service) PoolStatus(context.Context, *controlapi.PoolStatusRequest) (*controlapi.PoolStatusResponse, error) {
	resp := &controlapi.PoolStatusResponse{
		Backend:      s.client.Name(),
		Mode:         string(s.mode),
		ActiveTurns:  s.executor.Active(),
		Capabilities: backend.Capabilities(s.client),
	}
	if s.pool != nil {
		resp.Size = s.pool.Size()
		resp.Waiting = s.pool.Waiting()
		for _, r := range s.pool.Snapshot() {
			resp.Runners = append(resp.Runners, controlapi.RunnerInfo{
				Name:         r.Name,
				State:        string(r.State),
				Locked:       r.Locked,
				CheckpointID: r.CheckpointID,
				Attempts:     r.Attempts,
				LastError:    r.LastError,
				Warm:         r.Warm,
			})
		}
	}
	return resp, nil
}

// recordResult keeps the latest turn outcome per conversation.
func (s *Service) recordResult(turn coalescer.PendingTurn, res executor.Result) {
	out := controlapi.TurnResult{
		Status:     string(res.Status),
		JobID:      res.JobID,
		Worker:     res.Worker,
		EventIDs:   append([]string(nil), turn.EventIDs...),
		Answer:     res.Answer,
		FinishedAt: time.Now().UTC(),
	}
	if res.Err != nil {
		out.Error = fault.Truncate(res.Err.Error(), executor.MaxDiagnosticBytes)
		out.ErrorKind = fault.KindOf(res.Err).String()
	}
	for _, a := range res.Artifacts {
		out.Artifacts = append(out.Artifacts, controlapi.ArtifactInfo{Name: a.Name, Size: a.Size, LocalPath: a.LocalPath})
	}
	if res.Status == executor.StatusCompleted && res.Answer != "" {
		s.history.Add(turn.ConversationKey, executor.HistoryMessage{User: "subagent", Text: res.Answer})
	}

	key := turn.ConversationKey
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.results[key]; !ok {
		s.resultOrder = append(s.resultOrder, key)
	}
	s.results[key] = out
	for len(s.resultOrder) > maxRetainedResults {
		delete(s.results, s.resultOrder[0])
		s.resultOrder = s.resultOrder[1:]
	}
}

func (s *Service) lastResult(key string) (controlapi.TurnResult, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, ok := s.results[key]
	return res, ok
}

func sessionInfo(sess sessionstore.Session) controlapi.SessionInfo {
	return controlapi.SessionInfo{
		ID:              sess.ID,
		ConversationKey: sess.ConversationKey,
		SandboxName:     sess.SandboxName,
		Status:          string(sess.Status),
		RunningJobID:    sess.RunningJobID,
		LastJobID:       sess.LastJobID,
		LastError:       sess.LastError,
		Turns:           sess.Turns,
		CreatedAt:       sess.CreatedAt,
		UpdatedAt:       sess.UpdatedAt,
	}
}
