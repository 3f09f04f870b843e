package backend

import (
	"context"
	"errors"
	"sort"
	"time"
)

const (
	CapabilitySandboxCheckpoint   = "sandbox.checkpoint"
	CapabilitySandboxFileDownload = "sandbox.file_download"
	CapabilityNetworkPolicy       = "network.policy"
	CapabilityNetworkAllowlist    = "network.allowlist_egress"
)

var knownCapabilityKeys = []string{
	CapabilitySandboxCheckpoint,
	CapabilitySandboxFileDownload,
	CapabilityNetworkPolicy,
	CapabilityNetworkAllowlist,
}

var (
	// ErrExecTimeout is returned (wrapped) by Exec when the per-call timeout
	// expired and the remote process was killed.
	ErrExecTimeout = errors.New("exec timed out")

	// ErrUnsupported is returned (wrapped) when a backend cannot honor an
	// optional part of the contract, such as an egress allowlist.
	ErrUnsupported = errors.New("unsupported by backend")
)

// Client is the capability contract every sandbox backend satisfies.
type Client interface {
	Name() string
	// Get returns nil, nil when the sandbox does not exist.
	Get(ctx context.Context, name string) (*Info, error)
	Create(ctx context.Context, name string) (*Info, error)
	Delete(ctx context.Context, name string) error
	Exec(ctx context.Context, name string, argv []string, opts ExecOptions) (*ExecResult, error)
	DownloadFile(ctx context.Context, name, path string) ([]byte, error)
	List(ctx context.Context, prefix string) ([]Info, error)
	SetNetworkPolicy(ctx context.Context, name string, rules []NetworkRule) error
}

// CheckpointClient is implemented by backends that can back a runner pool.
type CheckpointClient interface {
	Client
	ListCheckpoints(ctx context.Context, name string) ([]Checkpoint, error)
	CreateCheckpoint(ctx context.Context, name, comment string) (string, error)
	RestoreCheckpoint(ctx context.Context, name, id string) error
}

// CapabilityReporter allows backends to publish backend-specific capability
// flags in a machine-readable form.
type CapabilityReporter interface {
	Capabilities() map[string]bool
}

type Info struct {
	Name      string    `json:"name"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

type ExecOptions struct {
	Env   map[string]string
	Dir   string
	Stdin []byte
	// Timeout bounds a single attempt. Zero means no per-call bound beyond ctx.
	Timeout time.Duration
	// MaxRetries is the number of extra attempts for transport-level failures.
	// A command that ran and exited non-zero is never retried.
	MaxRetries int
}

type ExecResult struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`
}

type NetworkAction string

const (
	NetworkAllow NetworkAction = "allow"
	NetworkDeny  NetworkAction = "deny"
)

type NetworkRule struct {
	Action NetworkAction `json:"action"`
	Domain string        `json:"domain"`
}

type Checkpoint struct {
	ID      string `json:"id"`
	Comment string `json:"comment"`
}

// Capabilities returns a merged capability map for the client.
//
// Baseline capabilities are inferred from the client's interfaces:
// - CheckpointClient => sandbox.checkpoint
// - every Client => sandbox.file_download, network.policy
//
// Backend-specific flags can be provided by implementing CapabilityReporter.
func Capabilities(client Client) map[string]bool {
	caps := make(map[string]bool, len(knownCapabilityKeys))
	for _, key := range knownCapabilityKeys {
		caps[key] = false
	}

	if client == nil {
		return caps
	}
	caps[CapabilitySandboxFileDownload] = true
	caps[CapabilityNetworkPolicy] = true
	if _, ok := client.(CheckpointClient); ok {
		caps[CapabilitySandboxCheckpoint] = true
	}

	if reporter, ok := client.(CapabilityReporter); ok {
		for key, value := range reporter.Capabilities() {
			caps[key] = value
		}
	}

	return caps
}

// SortedCapabilityKeys returns deterministic capability keys for presentation.
func SortedCapabilityKeys(caps map[string]bool) []string {
	keys := make([]string, 0, len(caps))
	for key := range caps {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// EnvList flattens an env map into sorted KEY=VALUE entries.
func EnvList(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	keys := make([]string, 0, len(env))
	for key := range env {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, key := range keys {
		out = append(out, key+"="+env[key])
	}
	return out
}

// DoctorReporter is implemented by backends that can check host readiness.
type DoctorReporter interface {
	Doctor(ctx context.Context) (*DoctorReport, error)
}

type DoctorReport struct {
	Backend string        `json:"backend"`
	Checks  []DoctorCheck `json:"checks"`
}

type DoctorCheck struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // pass|warn|fail
	Message string `json:"message"`
}

// Failed reports whether any check failed.
func (r *DoctorReport) Failed() bool {
	if r == nil {
		return false
	}
	for _, check := range r.Checks {
		if check.Status == "fail" {
			return true
		}
	}
	return false
}
