// Package registry maps conversations to durable subagent sessions and their
// sandboxes.
package registry

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"sync"

	"github.com/buildkite/subagent/internal/backend"
	"github.com/buildkite/subagent/internal/provision"
	"github.com/buildkite/subagent/internal/sessionstore"
	"github.com/charmbracelet/log"
)

// DefaultAgentSessionDir is where the agent keeps its continuity files inside
// a sandbox.
const DefaultAgentSessionDir = "/home/agent/.subagent/sessions"

// Store is the durable session table.
type Store interface {
	Get(ctx context.Context, id string) (sessionstore.Session, bool, error)
	GetByConversation(ctx context.Context, key string) (sessionstore.Session, bool, error)
	Create(ctx context.Context, sess sessionstore.Session) (sessionstore.Session, bool, error)
	Update(ctx context.Context, sess sessionstore.Session) (sessionstore.Session, error)
	List(ctx context.Context) ([]sessionstore.Session, error)
}

// JobProbe reports whether the process for a session's running job is still
// alive.
type JobProbe interface {
	Alive(ctx context.Context, sess sessionstore.Session) (bool, error)
}

// JobProbeFunc adapts a function to JobProbe.
type JobProbeFunc func(ctx context.Context, sess sessionstore.Session) (bool, error)

func (f JobProbeFunc) Alive(ctx context.Context, sess sessionstore.Session) (bool, error) {
	return f(ctx, sess)
}

type Options struct {
	Store Store
	// Client manages per-conversation affinity sandboxes. Leave nil when
	// turns run on pooled workers.
	Client          backend.Client
	Provisioner     provision.Provisioner
	NetworkRules    []backend.NetworkRule
	Probe           JobProbe
	AgentSessionDir string
	Logger          *log.Logger
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

type Registry struct {
	store           Store
	client          backend.Client
	provisioner     provision.Provisioner
	rules           []backend.NetworkRule
	probe           JobProbe
	agentSessionDir string
	logger          *log.Logger

	mu           sync.Mutex
	byID         map[string]sessionstore.Session
	idByKey      map[string]string
	bootstrapped map[string]bool
	locks        map[string]*keyLock
}

var ErrNotFound = errors.New("session not found")

func New(opts Options) (*Registry, error) {
	if opts.Store == nil {
		return nil, errors.New("registry requires a session store")
	}
	dir := strings.TrimSpace(opts.AgentSessionDir)
	if dir == "" {
		dir = DefaultAgentSessionDir
	}
	provisioner := opts.Provisioner
	if provisioner == nil {
		provisioner = &provision.Script{}
	}
	return &Registry{
		store:           opts.Store,
		client:          opts.Client,
		provisioner:     provisioner,
		rules:           append([]backend.NetworkRule(nil), opts.NetworkRules...),
		probe:           opts.Probe,
		agentSessionDir: dir,
		logger:          opts.Logger,
		byID:            map[string]sessionstore.Session{},
		idByKey:         map[string]string{},
		bootstrapped:    map[string]bool{},
		locks:           map[string]*keyLock{},
	}, nil
}

// SetProbe installs the liveness probe used by Reconcile.
func (r *Registry) SetProbe(probe JobProbe) {
	r.mu.Lock()
	r.probe = probe
	r.mu.Unlock()
}

// Lock serializes work on one conversation. The returned func releases it.
func (r *Registry) Lock(key string) func() {
	r.mu.Lock()
	lock, ok := r.locks[key]
	if !ok {
		lock = &keyLock{}
		r.locks[key] = lock
	}
	lock.refs++
	r.mu.Unlock()

	lock.mu.Lock()

	return func() {
		lock.mu.Unlock()

		r.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(r.locks, key)
		}
		r.mu.Unlock()
	}
}

// sessionFor builds the deterministic session for key without touching any
// storage.
func (r *Registry) sessionFor(key string) sessionstore.Session {
	id := SessionID(key)
	return sessionstore.Session{
		ID:               id,
		ConversationKey:  key,
		SandboxName:      SandboxName(key),
		AgentSessionFile: path.Join(r.agentSessionDir, id+".jsonl"),
		Status:           sessionstore.StatusIdle,
	}
}

// Ensure returns the session for key, creating it (and, with a backend
// client, its bootstrapped sandbox) on first use.
func (r *Registry) Ensure(ctx context.Context, key string) (sessionstore.Session, bool, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return sessionstore.Session{}, false, errors.New("missing conversation key")
	}
	if sess, found, err := r.Resolve(ctx, key); err != nil {
		return sessionstore.Session{}, false, err
	} else if found {
		return sess, false, nil
	}

	fresh := r.sessionFor(key)
	if r.client != nil {
		if err := r.EnsureBootstrapped(ctx, fresh.SandboxName); err != nil {
			return sessionstore.Session{}, false, err
		}
	}
	stored, created, err := r.store.Create(ctx, fresh)
	if err != nil {
		return sessionstore.Session{}, false, fmt.Errorf("create session for %q: %w", key, err)
	}
	r.remember(stored)
	if created && r.logger != nil {
		r.logger.Info("session created", "conversation", key, "session_id", stored.ID, "sandbox", stored.SandboxName)
	}
	return stored, created, nil
}

// Resolve finds a session by id or conversation key, checking the in-memory
// cache before the durable store.
func (r *Registry) Resolve(ctx context.Context, ref string) (sessionstore.Session, bool, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return sessionstore.Session{}, false, nil
	}
	byID := looksLikeSessionID(ref)

	r.mu.Lock()
	id := ref
	if !byID {
		id = r.idByKey[ref]
	}
	if sess, ok := r.byID[id]; ok {
		r.mu.Unlock()
		return sess, true, nil
	}
	r.mu.Unlock()

	var (
		sess  sessionstore.Session
		found bool
		err   error
	)
	if byID {
		sess, found, err = r.store.Get(ctx, ref)
	} else {
		sess, found, err = r.store.GetByConversation(ctx, ref)
	}
	if err != nil {
		return sessionstore.Session{}, false, err
	}
	if found {
		r.remember(sess)
	}
	return sess, found, nil
}

// Rehydrate reconstructs the session for key from the naming scheme when its
// sandbox still exists but the durable row was lost.
func (r *Registry) Rehydrate(ctx context.Context, key string) (sessionstore.Session, error) {
	if sess, found, err := r.Resolve(ctx, key); err != nil {
		return sessionstore.Session{}, err
	} else if found {
		return sess, nil
	}
	fresh := r.sessionFor(key)
	if r.client == nil {
		return sessionstore.Session{}, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	info, err := r.client.Get(ctx, fresh.SandboxName)
	if err != nil {
		return sessionstore.Session{}, fmt.Errorf("inspect sandbox %q: %w", fresh.SandboxName, err)
	}
	if info == nil {
		return sessionstore.Session{}, fmt.Errorf("%w: %s", ErrNotFound, key)
	}

	stored, _, err := r.store.Create(ctx, fresh)
	if err != nil {
		return sessionstore.Session{}, fmt.Errorf("rehydrate session for %q: %w", key, err)
	}
	r.remember(stored)
	if r.logger != nil {
		r.logger.Info("session rehydrated from sandbox", "conversation", key, "session_id", stored.ID, "sandbox", stored.SandboxName)
	}
	return stored, nil
}

// Lookup is Resolve for control commands: a conversation key whose row is
// missing is rehydrated when its sandbox survived.
func (r *Registry) Lookup(ctx context.Context, ref string) (sessionstore.Session, bool, error) {
	ref = strings.TrimSpace(ref)
	sess, found, err := r.Resolve(ctx, ref)
	if err != nil || found || ref == "" || looksLikeSessionID(ref) {
		return sess, found, err
	}
	sess, err = r.Rehydrate(ctx, ref)
	if errors.Is(err, ErrNotFound) {
		return sessionstore.Session{}, false, nil
	}
	if err != nil {
		return sessionstore.Session{}, false, err
	}
	return sess, true, nil
}

// Reconcile resets a session left running by a crash. A probe error counts as
// not alive.
func (r *Registry) Reconcile(ctx context.Context, sess sessionstore.Session) (sessionstore.Session, error) {
	if sess.Status != sessionstore.StatusRunning {
		return sess, nil
	}
	r.mu.Lock()
	probe := r.probe
	r.mu.Unlock()

	alive := false
	if probe != nil {
		var err error
		alive, err = probe.Alive(ctx, sess)
		if err != nil {
			alive = false
			if r.logger != nil {
				r.logger.Warn("job liveness probe failed, treating job as gone", "session_id", sess.ID, "job_id", sess.RunningJobID, "error", err)
			}
		}
	}
	if alive {
		return sess, nil
	}

	staleJob := sess.RunningJobID
	sess.Status = sessionstore.StatusIdle
	sess.RunningJobID = ""
	saved, err := r.Save(ctx, sess)
	if err != nil {
		return sessionstore.Session{}, err
	}
	if r.logger != nil {
		r.logger.Info("reconciled stale running session", "session_id", sess.ID, "job_id", staleJob)
	}
	return saved, nil
}

// Save writes sess through to the store and cache.
func (r *Registry) Save(ctx context.Context, sess sessionstore.Session) (sessionstore.Session, error) {
	saved, err := r.store.Update(ctx, sess)
	if err != nil {
		return sessionstore.Session{}, fmt.Errorf("save session %q: %w", sess.ID, err)
	}
	r.remember(saved)
	return saved, nil
}

// List returns every stored session.
func (r *Registry) List(ctx context.Context) ([]sessionstore.Session, error) {
	return r.store.List(ctx)
}

// EnsureBootstrapped creates and provisions the affinity sandbox name unless
// this process already did so.
func (r *Registry) EnsureBootstrapped(ctx context.Context, name string) error {
	if r.client == nil {
		return nil
	}
	r.mu.Lock()
	done := r.bootstrapped[name]
	r.mu.Unlock()
	if done {
		return nil
	}

	info, err := r.client.Get(ctx, name)
	if err != nil {
		return fmt.Errorf("inspect sandbox %q: %w", name, err)
	}
	if info == nil {
		if _, err := r.client.Create(ctx, name); err != nil {
			return fmt.Errorf("create sandbox %q: %w", name, err)
		}
		if len(r.rules) > 0 {
			if err := r.client.SetNetworkPolicy(ctx, name, r.rules); err != nil {
				if !errors.Is(err, backend.ErrUnsupported) {
					return fmt.Errorf("apply network policy to %q: %w", name, err)
				}
				if r.logger != nil {
					r.logger.Warn("backend cannot enforce network policy", "sandbox", name, "error", err)
				}
			}
		}
	}
	if err := r.provisioner.Provision(ctx, r.client, name); err != nil {
		return fmt.Errorf("bootstrap sandbox %q: %w", name, err)
	}

	r.mu.Lock()
	r.bootstrapped[name] = true
	r.mu.Unlock()
	if r.logger != nil {
		r.logger.Debug("sandbox bootstrapped", "sandbox", name)
	}
	return nil
}

func (r *Registry) remember(sess sessionstore.Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[sess.ID] = sess
	r.idByKey[sess.ConversationKey] = sess.ID
}
