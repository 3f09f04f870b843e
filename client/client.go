package client

import (
	"context"
	"errors"

	"github.com/buildkite/subagent/internal/controlclient"
	"github.com/buildkite/subagent/internal/endpoint"
	"github.com/buildkite/subagent/internal/tlsconfig"
)

// Client is the public Go client for the subagent control API.
type Client struct {
	inner *controlclient.Client
}

// TLSOptions configures optional TLS material for HTTPS connections.
type TLSOptions struct {
	CAPath string
}

// Option configures the subagent client.
type Option func(*options)

type options struct {
	tls tlsconfig.Options
}

// WithTLS configures TLS options for HTTPS endpoints.
func WithTLS(opts TLSOptions) Option {
	return func(o *options) {
		o.tls = tlsconfig.Options{CAPath: opts.CAPath}
	}
}

// New creates a client for the provided endpoint.
//
// Supported endpoint formats match the CLI:
// - unix:///path/to/subagent.sock
// - absolute unix socket path
// - http://host:port
// - https://host:port
//
// If host is empty, SUBAGENT_HOST is used, then the default unix socket path.
func New(host string, opts ...Option) (*Client, error) {
	var o options
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}

	ep, err := endpoint.Resolve(host)
	if err != nil {
		return nil, err
	}
	inner, err := controlclient.New(ep, controlclient.WithTLS(o.tls))
	if err != nil {
		return nil, err
	}
	return &Client{inner: inner}, nil
}

// Submit hands one chat message to the scheduler.
func (c *Client) Submit(ctx context.Context, req *SubmitRequest) (*SubmitResponse, error) {
	if c == nil || c.inner == nil {
		return nil, errors.New("nil client")
	}
	return c.inner.Submit(ctx, req)
}

// Status looks a session up by conversation key or session id.
func (c *Client) Status(ctx context.Context, req *StatusRequest) (*StatusResponse, error) {
	if c == nil || c.inner == nil {
		return nil, errors.New("nil client")
	}
	return c.inner.Status(ctx, req)
}

func (c *Client) Abort(ctx context.Context, req *AbortRequest) (*AbortResponse, error) {
	if c == nil || c.inner == nil {
		return nil, errors.New("nil client")
	}
	return c.inner.Abort(ctx, req)
}

func (c *Client) ListSessions(ctx context.Context, req *ListSessionsRequest) (*ListSessionsResponse, error) {
	if c == nil || c.inner == nil {
		return nil, errors.New("nil client")
	}
	return c.inner.ListSessions(ctx, req)
}

func (c *Client) PoolStatus(ctx context.Context, req *PoolStatusRequest) (*PoolStatusResponse, error) {
	if c == nil || c.inner == nil {
		return nil, errors.New("nil client")
	}
	return c.inner.PoolStatus(ctx, req)
}

// Healthz checks that the server is reachable.
func (c *Client) Healthz(ctx context.Context) error {
	if c == nil || c.inner == nil {
		return errors.New("nil client")
	}
	return c.inner.Healthz(ctx)
}
