package executor

import (
	"context"
	"fmt"

	"github.com/buildkite/subagent/internal/pool"
	"github.com/buildkite/subagent/internal/registry"
	"github.com/buildkite/subagent/internal/sessionstore"
)

// Worker is a sandbox borrowed for one turn.
type Worker interface {
	Name() string
	// Pooled workers are reset after the turn, so the agent's session file
	// has to be staged in and copied back out around each run.
	Pooled() bool
	Release(ctx context.Context) error
}

// WorkerSource hands out the sandbox a session's turn runs in.
type WorkerSource interface {
	Checkout(ctx context.Context, sess sessionstore.Session) (Worker, error)
}

// PoolSource borrows runners from a shared pool.
type PoolSource struct {
	Pool *pool.Pool
}

type poolWorker struct {
	lease *pool.Lease
}

func (w poolWorker) Name() string                      { return w.lease.Name() }
func (w poolWorker) Pooled() bool                      { return true }
func (w poolWorker) Release(ctx context.Context) error { return w.lease.Release(ctx) }

func (s *PoolSource) Checkout(ctx context.Context, _ sessionstore.Session) (Worker, error) {
	lease, err := s.Pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	return poolWorker{lease: lease}, nil
}

// AffinitySource runs every turn of a conversation in that conversation's own
// long-lived sandbox.
type AffinitySource struct {
	Registry *registry.Registry
}

type affinityWorker struct {
	name string
}

func (w affinityWorker) Name() string                  { return w.name }
func (w affinityWorker) Pooled() bool                  { return false }
func (w affinityWorker) Release(context.Context) error { return nil }

func (s *AffinitySource) Checkout(ctx context.Context, sess sessionstore.Session) (Worker, error) {
	if err := s.Registry.EnsureBootstrapped(ctx, sess.SandboxName); err != nil {
		return nil, fmt.Errorf("prepare sandbox %q: %w", sess.SandboxName, err)
	}
	return affinityWorker{name: sess.SandboxName}, nil
}
