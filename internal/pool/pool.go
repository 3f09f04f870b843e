// Package pool keeps a fixed set of pre-provisioned sandboxes warm and hands
// them out one caller at a time, resetting each to a baseline checkpoint
// between uses.
package pool

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/buildkite/subagent/internal/backend"
	"github.com/buildkite/subagent/internal/fault"
	"github.com/buildkite/subagent/internal/provision"
	"github.com/charmbracelet/log"
)

// BaselineComment tags the checkpoint every runner is reset to.
const BaselineComment = "subagent-baseline"

const (
	defaultNamePrefix    = "subagent-runner"
	defaultHealthTimeout = 10 * time.Second
)

type State string

const (
	StateInitializing State = "initializing"
	StateReady        State = "ready"
	StateFailed       State = "failed"
)

// Runner is one pool slot. Values returned by Snapshot are copies.
type Runner struct {
	Name         string
	Locked       bool
	State        State
	CheckpointID string
	Attempts     int
	LastError    string
	// Warm is true when the runner was recovered from an existing sandbox and
	// baseline instead of being built from scratch.
	Warm bool
}

type Options struct {
	Size        int
	NamePrefix  string
	Client      backend.CheckpointClient
	Provisioner provision.Provisioner
	// NetworkRules are applied to every runner before its baseline is taken.
	NetworkRules  []backend.NetworkRule
	Retry         RetryPolicy
	HealthTimeout time.Duration
	Logger        *log.Logger

	sleep func(context.Context, time.Duration) error
}

type grant struct {
	runner *Runner
	err    error
}

type Pool struct {
	client        backend.CheckpointClient
	provisioner   provision.Provisioner
	rules         []backend.NetworkRule
	retry         RetryPolicy
	healthTimeout time.Duration
	logger        *log.Logger
	sleep         func(context.Context, time.Duration) error

	mu      sync.Mutex
	runners []*Runner
	waiters []chan grant
	started bool

	wg sync.WaitGroup
}

// New validates opts and allocates Size runners in the initializing state.
// Nothing is provisioned until Start.
func New(opts Options) (*Pool, error) {
	if opts.Client == nil {
		return nil, errors.New("pool requires a checkpoint-capable backend client")
	}
	if opts.Size <= 0 {
		return nil, fmt.Errorf("pool size must be positive, got %d", opts.Size)
	}
	prefix := strings.TrimSpace(opts.NamePrefix)
	if prefix == "" {
		prefix = defaultNamePrefix
	}
	healthTimeout := opts.HealthTimeout
	if healthTimeout <= 0 {
		healthTimeout = defaultHealthTimeout
	}
	sleep := opts.sleep
	if sleep == nil {
		sleep = sleepContext
	}
	provisioner := opts.Provisioner
	if provisioner == nil {
		provisioner = &provision.Script{}
	}

	p := &Pool{
		client:        opts.Client,
		provisioner:   provisioner,
		rules:         append([]backend.NetworkRule(nil), opts.NetworkRules...),
		retry:         opts.Retry.withDefaults(),
		healthTimeout: healthTimeout,
		logger:        opts.Logger,
		sleep:         sleep,
	}
	for i := 0; i < opts.Size; i++ {
		p.runners = append(p.runners, &Runner{
			Name:  fmt.Sprintf("%s-%d", prefix, i),
			State: StateInitializing,
		})
	}
	return p, nil
}

// Start provisions every runner in the background. It returns immediately;
// Acquire callers arriving during warm-up wait for the first ready runner.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return
	}
	p.started = true
	runners := append([]*Runner(nil), p.runners...)
	p.mu.Unlock()

	for _, r := range runners {
		p.wg.Add(1)
		go func(r *Runner) {
			defer p.wg.Done()
			p.initialize(ctx, r)
		}(r)
	}
}

// WaitProvisioned blocks until every runner started by Start has left the
// initializing state.
func (p *Pool) WaitProvisioned() {
	p.wg.Wait()
}

func (p *Pool) initialize(ctx context.Context, r *Runner) {
	if id, ok := p.recoverWarm(ctx, r.Name); ok {
		p.mu.Lock()
		r.Warm = true
		p.markReadyLocked(r, id)
		p.mu.Unlock()
		if p.logger != nil {
			p.logger.Info("runner recovered from baseline", "runner", r.Name, "checkpoint_id", id)
		}
		return
	}

	id, attempts, err := p.buildWithRetry(ctx, r.Name)
	p.mu.Lock()
	defer p.mu.Unlock()
	r.Attempts = attempts
	if err != nil {
		p.markFailedLocked(r, err)
		if p.logger != nil {
			p.logger.Error("runner provisioning failed permanently", "runner", r.Name, "attempts", attempts, "error", err)
		}
		return
	}
	p.markReadyLocked(r, id)
	if p.logger != nil {
		p.logger.Info("runner ready", "runner", r.Name, "checkpoint_id", id, "attempts", attempts)
	}
}

// recoverWarm reuses an existing sandbox that already carries a baseline
// checkpoint, restoring it instead of rebuilding.
func (p *Pool) recoverWarm(ctx context.Context, name string) (string, bool) {
	info, err := p.client.Get(ctx, name)
	if err != nil || info == nil {
		return "", false
	}
	checkpoints, err := p.client.ListCheckpoints(ctx, name)
	if err != nil {
		return "", false
	}
	id := ""
	for _, ckpt := range checkpoints {
		if ckpt.Comment == BaselineComment {
			id = ckpt.ID
		}
	}
	if id == "" {
		return "", false
	}
	if err := p.client.RestoreCheckpoint(ctx, name, id); err != nil {
		if p.logger != nil {
			p.logger.Warn("baseline restore failed, rebuilding runner", "runner", name, "checkpoint_id", id, "error", err)
		}
		return "", false
	}
	return id, true
}

func (p *Pool) buildWithRetry(ctx context.Context, name string) (string, int, error) {
	var lastErr error
	for attempt := 1; attempt <= p.retry.MaxAttempts; attempt++ {
		id, err := p.build(ctx, name)
		if err == nil {
			return id, attempt, nil
		}
		lastErr = err
		if p.logger != nil {
			p.logger.Warn("runner provisioning attempt failed", "runner", name, "attempt", attempt, "max_attempts", p.retry.MaxAttempts, "error", err)
		}
		if attempt == p.retry.MaxAttempts {
			return "", attempt, fault.New(fault.KindProvisioning, "provision "+name, lastErr)
		}
		if err := p.sleep(ctx, p.retry.Delay(attempt)); err != nil {
			return "", attempt, fault.New(fault.KindProvisioning, "provision "+name, err)
		}
	}
	return "", p.retry.MaxAttempts, fault.New(fault.KindProvisioning, "provision "+name, lastErr)
}

// build creates the sandbox from scratch: delete, create, install, apply
// network policy, checkpoint.
func (p *Pool) build(ctx context.Context, name string) (string, error) {
	if info, err := p.client.Get(ctx, name); err != nil {
		return "", fmt.Errorf("inspect sandbox: %w", err)
	} else if info != nil {
		if err := p.client.Delete(ctx, name); err != nil {
			return "", fmt.Errorf("delete stale sandbox: %w", err)
		}
	}
	if _, err := p.client.Create(ctx, name); err != nil {
		return "", fmt.Errorf("create sandbox: %w", err)
	}
	if err := p.provisioner.Provision(ctx, p.client, name); err != nil {
		return "", fmt.Errorf("install tooling: %w", err)
	}
	if len(p.rules) > 0 {
		if err := p.client.SetNetworkPolicy(ctx, name, p.rules); err != nil {
			if !errors.Is(err, backend.ErrUnsupported) {
				return "", fmt.Errorf("apply network policy: %w", err)
			}
			if p.logger != nil {
				p.logger.Warn("backend cannot enforce network policy", "runner", name, "backend", p.client.Name(), "error", err)
			}
		}
	}
	id, err := p.client.CreateCheckpoint(ctx, name, BaselineComment)
	if err != nil {
		return "", fmt.Errorf("create baseline checkpoint: %w", err)
	}
	return id, nil
}

// Acquire returns a healthy runner for exclusive use. It waits in FIFO order
// while runners are busy or still initializing and fails with a
// NoRunnersAvailable fault once every runner has failed.
func (p *Pool) Acquire(ctx context.Context) (*Lease, error) {
	for {
		r, err := p.claim(ctx)
		if err != nil {
			return nil, err
		}
		lease, err := p.checkout(ctx, r)
		if err == nil {
			return lease, nil
		}
		if ctx.Err() != nil {
			return nil, err
		}
		// The runner was marked failed; try the next one.
	}
}

func (p *Pool) claim(ctx context.Context) (*Runner, error) {
	p.mu.Lock()
	for _, r := range p.runners {
		if r.State == StateReady && !r.Locked {
			r.Locked = true
			p.mu.Unlock()
			return r, nil
		}
	}
	if p.allFailedLocked() {
		p.mu.Unlock()
		return nil, p.noRunnersError()
	}
	ch := make(chan grant, 1)
	p.waiters = append(p.waiters, ch)
	p.mu.Unlock()

	select {
	case g := <-ch:
		return g.runner, g.err
	case <-ctx.Done():
		p.mu.Lock()
		removed := p.removeWaiterLocked(ch)
		p.mu.Unlock()
		if !removed {
			// A grant raced the cancellation; pass the runner on.
			if g := <-ch; g.runner != nil {
				p.mu.Lock()
				p.handOffLocked(g.runner)
				p.mu.Unlock()
			}
		}
		return nil, ctx.Err()
	}
}

// checkout health-checks a claimed runner, rebuilding it when the probe
// fails. A runner that cannot be rebuilt is marked failed.
func (p *Pool) checkout(ctx context.Context, r *Runner) (*Lease, error) {
	if err := p.probe(ctx, r.Name); err != nil {
		if p.logger != nil {
			p.logger.Warn("runner failed health probe, rebuilding", "runner", r.Name, "error", err)
		}
		id, attempts, buildErr := p.buildWithRetry(ctx, r.Name)
		p.mu.Lock()
		if buildErr != nil {
			r.Attempts += attempts
			if ctx.Err() != nil {
				p.handOffLocked(r)
			} else {
				p.markFailedLocked(r, buildErr)
			}
			p.mu.Unlock()
			if p.logger != nil && ctx.Err() == nil {
				p.logger.Error("runner rebuild failed permanently", "runner", r.Name, "error", buildErr)
			}
			return nil, buildErr
		}
		r.CheckpointID = id
		p.mu.Unlock()
	}
	return &Lease{pool: p, runner: r}, nil
}

func (p *Pool) probe(ctx context.Context, name string) error {
	probeCtx, cancel := context.WithTimeout(ctx, p.healthTimeout)
	defer cancel()
	res, err := p.client.Exec(probeCtx, name, []string{"echo", "ok"}, backend.ExecOptions{Timeout: p.healthTimeout})
	if err != nil {
		return err
	}
	if res.ExitCode != 0 || strings.TrimSpace(res.Stdout) != "ok" {
		return fmt.Errorf("unexpected probe result: exit=%d stdout=%q", res.ExitCode, res.Stdout)
	}
	return nil
}

// release resets the runner to its baseline, rebuilding when restore fails,
// and always returns it to circulation.
func (p *Pool) release(ctx context.Context, r *Runner) error {
	defer func() {
		p.mu.Lock()
		p.handOffLocked(r)
		p.mu.Unlock()
	}()

	p.mu.Lock()
	checkpointID := r.CheckpointID
	p.mu.Unlock()

	restoreErr := p.client.RestoreCheckpoint(ctx, r.Name, checkpointID)
	if restoreErr == nil {
		return nil
	}
	if p.logger != nil {
		p.logger.Warn("checkpoint restore failed, rebuilding runner", "runner", r.Name, "checkpoint_id", checkpointID, "error", restoreErr)
	}
	id, err := p.build(ctx, r.Name)
	if err != nil {
		p.mu.Lock()
		r.LastError = err.Error()
		p.mu.Unlock()
		if p.logger != nil {
			p.logger.Error("runner rebuild after failed restore failed", "runner", r.Name, "error", err)
		}
		return fault.New(fault.KindCheckpointRestore, "release "+r.Name, errors.Join(restoreErr, err))
	}
	p.mu.Lock()
	r.CheckpointID = id
	p.mu.Unlock()
	return nil
}

// handOffLocked gives a ready runner to the oldest waiter or unlocks it.
func (p *Pool) handOffLocked(r *Runner) {
	if r.State != StateReady {
		r.Locked = false
		return
	}
	if len(p.waiters) > 0 {
		ch := p.waiters[0]
		p.waiters = p.waiters[1:]
		r.Locked = true
		ch <- grant{runner: r}
		return
	}
	r.Locked = false
}

func (p *Pool) markReadyLocked(r *Runner, checkpointID string) {
	r.State = StateReady
	r.CheckpointID = checkpointID
	r.LastError = ""
	p.handOffLocked(r)
}

func (p *Pool) markFailedLocked(r *Runner, err error) {
	r.State = StateFailed
	r.Locked = false
	if err != nil {
		r.LastError = err.Error()
	}
	if !p.allFailedLocked() {
		return
	}
	for _, ch := range p.waiters {
		ch <- grant{err: p.noRunnersError()}
	}
	p.waiters = nil
}

func (p *Pool) allFailedLocked() bool {
	for _, r := range p.runners {
		if r.State != StateFailed {
			return false
		}
	}
	return true
}

func (p *Pool) removeWaiterLocked(ch chan grant) bool {
	for i, w := range p.waiters {
		if w == ch {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			return true
		}
	}
	return false
}

func (p *Pool) noRunnersError() error {
	return fault.Newf(fault.KindNoRunnersAvailable, "acquire", "all %d runners failed provisioning", len(p.runners))
}

// Snapshot returns a copy of every runner's state.
func (p *Pool) Snapshot() []Runner {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Runner, 0, len(p.runners))
	for _, r := range p.runners {
		out = append(out, *r)
	}
	return out
}

// Waiting reports how many Acquire callers are queued.
func (p *Pool) Waiting() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.waiters)
}

// Size is the configured runner count.
func (p *Pool) Size() int {
	return len(p.runners)
}

// Lease is exclusive use of one runner until Release.
type Lease struct {
	pool   *Pool
	runner *Runner
	once   sync.Once
	err    error
}

func (l *Lease) Name() string { return l.runner.Name }

// Release resets the runner and returns it to the pool. Only the first call
// has any effect.
func (l *Lease) Release(ctx context.Context) error {
	l.once.Do(func() {
		l.err = l.pool.release(ctx, l.runner)
	})
	return l.err
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
