// Package remote talks to a sandbox service over connect unary calls with
// JSON bodies.
package remote

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"connectrpc.com/connect"
	"github.com/buildkite/subagent/internal/backend"
	"github.com/buildkite/subagent/internal/controlapi"
	"github.com/buildkite/subagent/internal/endpoint"
	"github.com/buildkite/subagent/internal/tlsconfig"
	"github.com/charmbracelet/log"
)

// ServicePath prefixes every procedure.
const ServicePath = "/subagent.sandbox.v1.SandboxService/"

const (
	defaultCallRetries = 2
	retryBaseDelay     = 250 * time.Millisecond
	execGrace          = 15 * time.Second
)

type Config struct {
	// Endpoint is a unix://, http:// or https:// address.
	Endpoint string
	Token    string
	TLS      tlsconfig.Options
	Logger   *log.Logger
}

type Backend struct {
	http    *http.Client
	baseURL string
	opts    []connect.ClientOption
	logger  *log.Logger
}

var (
	_ backend.CheckpointClient   = (*Backend)(nil)
	_ backend.CapabilityReporter = (*Backend)(nil)
)

func New(cfg Config) (*Backend, error) {
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return nil, errors.New("remote sandbox endpoint is not configured")
	}
	ep, err := endpoint.Resolve(cfg.Endpoint)
	if err != nil {
		return nil, err
	}
	httpClient, err := endpoint.HTTPClient(ep, cfg.TLS)
	if err != nil {
		return nil, err
	}
	opts := []connect.ClientOption{controlapi.WithCodec()}
	if cfg.Token != "" {
		opts = append(opts, connect.WithInterceptors(bearerToken(cfg.Token)))
	}
	return &Backend{
		http:    httpClient,
		baseURL: strings.TrimRight(ep.BaseURL, "/"),
		opts:    opts,
		logger:  cfg.Logger,
	}, nil
}

func bearerToken(token string) connect.UnaryInterceptorFunc {
	return func(next connect.UnaryFunc) connect.UnaryFunc {
		return func(ctx context.Context, req connect.AnyRequest) (connect.AnyResponse, error) {
			req.Header().Set("Authorization", "Bearer "+token)
			return next(ctx, req)
		}
	}
}

func (b *Backend) Name() string {
	return "remote"
}

func (b *Backend) Capabilities() map[string]bool {
	return map[string]bool{
		backend.CapabilitySandboxCheckpoint:   true,
		backend.CapabilitySandboxFileDownload: true,
		backend.CapabilityNetworkPolicy:       true,
		backend.CapabilityNetworkAllowlist:    true,
	}
}

// call retries Unavailable errors with linear backoff.
func call[Req, Res any](ctx context.Context, b *Backend, method string, req *Req, retries int) (*Res, error) {
	client := connect.NewClient[Req, Res](b.http, b.baseURL+ServicePath+method, b.opts...)
	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(attempt) * retryBaseDelay):
			}
		}
		resp, err := client.CallUnary(ctx, connect.NewRequest(req))
		if err == nil {
			return resp.Msg, nil
		}
		lastErr = err
		if connect.CodeOf(err) != connect.CodeUnavailable {
			break
		}
		if b.logger != nil {
			b.logger.Debug("remote sandbox call unavailable", "method", method, "attempt", attempt+1, "error", err)
		}
	}
	return nil, fmt.Errorf("%s: %w", method, lastErr)
}

func (b *Backend) Get(ctx context.Context, name string) (*backend.Info, error) {
	resp, err := call[GetSandboxRequest, GetSandboxResponse](ctx, b, "GetSandbox", &GetSandboxRequest{Name: name}, defaultCallRetries)
	if connect.CodeOf(err) == connect.CodeNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if resp.Sandbox == nil {
		return nil, nil
	}
	info := resp.Sandbox.info()
	return &info, nil
}

func (b *Backend) Create(ctx context.Context, name string) (*backend.Info, error) {
	resp, err := call[CreateSandboxRequest, CreateSandboxResponse](ctx, b, "CreateSandbox", &CreateSandboxRequest{Name: name}, 0)
	if err != nil {
		return nil, err
	}
	info := resp.Sandbox.info()
	return &info, nil
}

func (b *Backend) Delete(ctx context.Context, name string) error {
	_, err := call[DeleteSandboxRequest, Empty](ctx, b, "DeleteSandbox", &DeleteSandboxRequest{Name: name}, defaultCallRetries)
	if connect.CodeOf(err) == connect.CodeNotFound {
		return nil
	}
	return err
}

func (b *Backend) Exec(ctx context.Context, name string, argv []string, opts backend.ExecOptions) (*backend.ExecResult, error) {
	if len(argv) == 0 {
		return nil, errors.New("missing command")
	}
	req := &ExecRequest{
		Name:  name,
		Argv:  argv,
		Env:   opts.Env,
		Dir:   opts.Dir,
		Stdin: opts.Stdin,
	}
	execCtx := ctx
	if opts.Timeout > 0 {
		req.TimeoutMillis = opts.Timeout.Milliseconds()
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, opts.Timeout+execGrace)
		defer cancel()
	}
	resp, err := call[ExecRequest, ExecResponse](execCtx, b, "Exec", req, opts.MaxRetries)
	if err != nil {
		if ctx.Err() == nil && (execCtx.Err() != nil || connect.CodeOf(err) == connect.CodeDeadlineExceeded) {
			return nil, fmt.Errorf("exec %q in %q: %w", argv[0], name, backend.ErrExecTimeout)
		}
		return nil, err
	}
	if resp.TimedOut {
		return nil, fmt.Errorf("exec %q in %q: %w", argv[0], name, backend.ErrExecTimeout)
	}
	return &backend.ExecResult{Stdout: resp.Stdout, Stderr: resp.Stderr, ExitCode: resp.ExitCode}, nil
}

func (b *Backend) DownloadFile(ctx context.Context, name, path string) ([]byte, error) {
	resp, err := call[DownloadFileRequest, DownloadFileResponse](ctx, b, "DownloadFile", &DownloadFileRequest{Name: name, Path: path}, defaultCallRetries)
	if err != nil {
		return nil, err
	}
	return resp.Data, nil
}

func (b *Backend) List(ctx context.Context, prefix string) ([]backend.Info, error) {
	resp, err := call[ListSandboxesRequest, ListSandboxesResponse](ctx, b, "ListSandboxes", &ListSandboxesRequest{Prefix: prefix}, defaultCallRetries)
	if err != nil {
		return nil, err
	}
	out := make([]backend.Info, 0, len(resp.Sandboxes))
	for _, sb := range resp.Sandboxes {
		out = append(out, sb.info())
	}
	return out, nil
}

func (b *Backend) SetNetworkPolicy(ctx context.Context, name string, rules []backend.NetworkRule) error {
	_, err := call[SetNetworkPolicyRequest, Empty](ctx, b, "SetNetworkPolicy", &SetNetworkPolicyRequest{Name: name, Rules: rules}, defaultCallRetries)
	if connect.CodeOf(err) == connect.CodeUnimplemented {
		return fmt.Errorf("remote sandbox %q: %w", name, backend.ErrUnsupported)
	}
	return err
}

func (b *Backend) ListCheckpoints(ctx context.Context, name string) ([]backend.Checkpoint, error) {
	resp, err := call[ListCheckpointsRequest, ListCheckpointsResponse](ctx, b, "ListCheckpoints", &ListCheckpointsRequest{Name: name}, defaultCallRetries)
	if err != nil {
		return nil, err
	}
	return resp.Checkpoints, nil
}

func (b *Backend) CreateCheckpoint(ctx context.Context, name, comment string) (string, error) {
	resp, err := call[CreateCheckpointRequest, CreateCheckpointResponse](ctx, b, "CreateCheckpoint", &CreateCheckpointRequest{Name: name, Comment: comment}, 0)
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

func (b *Backend) RestoreCheckpoint(ctx context.Context, name, id string) error {
	_, err := call[RestoreCheckpointRequest, Empty](ctx, b, "RestoreCheckpoint", &RestoreCheckpointRequest{Name: name, ID: id}, defaultCallRetries)
	return err
}
