// Package backendtest provides an in-memory sandbox backend for tests.
package backendtest

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/buildkite/subagent/internal/backend"
)

// ExecFunc scripts the result of a single Exec call.
type ExecFunc func(ctx context.Context, name string, argv []string, opts backend.ExecOptions) (*backend.ExecResult, error)

type sandbox struct {
	info        backend.Info
	files       map[string][]byte
	rules       []backend.NetworkRule
	checkpoints []backend.Checkpoint
}

// Fake is a thread-safe CheckpointClient. Zero value is not usable; use New.
type Fake struct {
	// CreateErr, when set, is consulted before each Create. attempt is 1-based
	// per sandbox name.
	CreateErr func(name string, attempt int) error
	// RestoreErr, when set, is consulted before each RestoreCheckpoint.
	RestoreErr func(name, id string) error
	// ExecHook, when set, replaces the default exec behavior.
	ExecHook ExecFunc

	mu        sync.Mutex
	now       func() time.Time
	sandboxes map[string]*sandbox
	attempts  map[string]int
	calls     map[string]int
	execs     []ExecCall
	nextCkpt  int
}

// ExecCall records one Exec invocation.
type ExecCall struct {
	Name string
	Argv []string
	Opts backend.ExecOptions
}

var _ backend.CheckpointClient = (*Fake)(nil)

func New() *Fake {
	return &Fake{
		now:       time.Now,
		sandboxes: map[string]*sandbox{},
		attempts:  map[string]int{},
		calls:     map[string]int{},
	}
}

func (f *Fake) Name() string { return "fake" }

// Calls returns how many times op (e.g. "Create") was invoked.
func (f *Fake) Calls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

// ExecCalls returns a copy of every recorded Exec invocation.
func (f *Fake) ExecCalls() []ExecCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ExecCall(nil), f.execs...)
}

// Seed creates a sandbox without counting it as a Create call.
func (f *Fake) Seed(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sandboxes[name] = &sandbox{
		info:  backend.Info{Name: name, Status: "running", CreatedAt: f.now()},
		files: map[string][]byte{},
	}
}

// PutFile stores file content inside a sandbox for DownloadFile.
func (f *Fake) PutFile(name, path string, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if sb, ok := f.sandboxes[name]; ok {
		sb.files[path] = append([]byte(nil), data...)
	}
}

// Rules returns the last network policy applied to a sandbox.
func (f *Fake) Rules(name string) []backend.NetworkRule {
	f.mu.Lock()
	defer f.mu.Unlock()
	if sb, ok := f.sandboxes[name]; ok {
		return append([]backend.NetworkRule(nil), sb.rules...)
	}
	return nil
}

func (f *Fake) Get(_ context.Context, name string) (*backend.Info, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["Get"]++
	sb, ok := f.sandboxes[name]
	if !ok {
		return nil, nil
	}
	info := sb.info
	return &info, nil
}

func (f *Fake) Create(_ context.Context, name string) (*backend.Info, error) {
	f.mu.Lock()
	f.calls["Create"]++
	f.attempts[name]++
	attempt := f.attempts[name]
	hook := f.CreateErr
	f.mu.Unlock()

	if hook != nil {
		if err := hook(name, attempt); err != nil {
			return nil, err
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.sandboxes[name]; exists {
		return nil, fmt.Errorf("sandbox %q already exists", name)
	}
	sb := &sandbox{
		info:  backend.Info{Name: name, Status: "running", CreatedAt: f.now()},
		files: map[string][]byte{},
	}
	f.sandboxes[name] = sb
	info := sb.info
	return &info, nil
}

func (f *Fake) Delete(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["Delete"]++
	delete(f.sandboxes, name)
	return nil
}

func (f *Fake) Exec(ctx context.Context, name string, argv []string, opts backend.ExecOptions) (*backend.ExecResult, error) {
	f.mu.Lock()
	f.calls["Exec"]++
	f.execs = append(f.execs, ExecCall{Name: name, Argv: append([]string(nil), argv...), Opts: opts})
	_, exists := f.sandboxes[name]
	hook := f.ExecHook
	f.mu.Unlock()

	if !exists {
		return nil, fmt.Errorf("sandbox %q not found", name)
	}
	if hook != nil {
		return hook(ctx, name, argv, opts)
	}
	if len(argv) >= 2 && argv[0] == "echo" {
		return &backend.ExecResult{Stdout: strings.Join(argv[1:], " ") + "\n"}, nil
	}
	return &backend.ExecResult{}, nil
}

func (f *Fake) DownloadFile(_ context.Context, name, path string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["DownloadFile"]++
	sb, ok := f.sandboxes[name]
	if !ok {
		return nil, fmt.Errorf("sandbox %q not found", name)
	}
	data, ok := sb.files[path]
	if !ok {
		return nil, fmt.Errorf("file %q not found in sandbox %q", path, name)
	}
	return append([]byte(nil), data...), nil
}

func (f *Fake) List(_ context.Context, prefix string) ([]backend.Info, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["List"]++
	out := make([]backend.Info, 0, len(f.sandboxes))
	for name, sb := range f.sandboxes {
		if strings.HasPrefix(name, prefix) {
			out = append(out, sb.info)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (f *Fake) SetNetworkPolicy(_ context.Context, name string, rules []backend.NetworkRule) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["SetNetworkPolicy"]++
	sb, ok := f.sandboxes[name]
	if !ok {
		return fmt.Errorf("sandbox %q not found", name)
	}
	sb.rules = append([]backend.NetworkRule(nil), rules...)
	return nil
}

func (f *Fake) ListCheckpoints(_ context.Context, name string) ([]backend.Checkpoint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["ListCheckpoints"]++
	sb, ok := f.sandboxes[name]
	if !ok {
		return nil, fmt.Errorf("sandbox %q not found", name)
	}
	return append([]backend.Checkpoint(nil), sb.checkpoints...), nil
}

func (f *Fake) CreateCheckpoint(_ context.Context, name, comment string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["CreateCheckpoint"]++
	sb, ok := f.sandboxes[name]
	if !ok {
		return "", fmt.Errorf("sandbox %q not found", name)
	}
	f.nextCkpt++
	id := fmt.Sprintf("ckpt-%d", f.nextCkpt)
	sb.checkpoints = append(sb.checkpoints, backend.Checkpoint{ID: id, Comment: comment})
	return id, nil
}

func (f *Fake) RestoreCheckpoint(_ context.Context, name, id string) error {
	f.mu.Lock()
	f.calls["RestoreCheckpoint"]++
	hook := f.RestoreErr
	f.mu.Unlock()

	if hook != nil {
		if err := hook(name, id); err != nil {
			return err
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	sb, ok := f.sandboxes[name]
	if !ok {
		return fmt.Errorf("sandbox %q not found", name)
	}
	for _, ckpt := range sb.checkpoints {
		if ckpt.ID == id {
			return nil
		}
	}
	return fmt.Errorf("checkpoint %q not found for sandbox %q", id, name)
}
