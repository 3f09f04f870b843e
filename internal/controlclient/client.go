package controlclient

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"connectrpc.com/connect"
	"github.com/buildkite/subagent/internal/controlapi"
	"github.com/buildkite/subagent/internal/endpoint"
	"github.com/buildkite/subagent/internal/tlsconfig"
)

type Client struct {
	httpClient   *http.Client
	baseURL      string
	submit       *connect.Client[controlapi.SubmitRequest, controlapi.SubmitResponse]
	status       *connect.Client[controlapi.StatusRequest, controlapi.StatusResponse]
	abort        *connect.Client[controlapi.AbortRequest, controlapi.AbortResponse]
	listSessions *connect.Client[controlapi.ListSessionsRequest, controlapi.ListSessionsResponse]
	poolStatus   *connect.Client[controlapi.PoolStatusRequest, controlapi.PoolStatusResponse]
}

// Option configures the client.
type Option func(*options)

type options struct {
	tlsOpts tlsconfig.Options
}

// WithTLS configures TLS options for the client.
func WithTLS(opts tlsconfig.Options) Option {
	return func(o *options) {
		o.tlsOpts = opts
	}
}

func New(ep endpoint.Endpoint, opts ...Option) (*Client, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	httpClient, err := endpoint.HTTPClient(ep, o.tlsOpts)
	if err != nil {
		return nil, err
	}
	baseURL := strings.TrimRight(ep.BaseURL, "/")
	codec := controlapi.WithCodec()
	return &Client{
		httpClient:   httpClient,
		baseURL:      baseURL,
		submit:       connect.NewClient[controlapi.SubmitRequest, controlapi.SubmitResponse](httpClient, baseURL+controlapi.SubmitProcedure, codec),
		status:       connect.NewClient[controlapi.StatusRequest, controlapi.StatusResponse](httpClient, baseURL+controlapi.StatusProcedure, codec),
		abort:        connect.NewClient[controlapi.AbortRequest, controlapi.AbortResponse](httpClient, baseURL+controlapi.AbortProcedure, codec),
		listSessions: connect.NewClient[controlapi.ListSessionsRequest, controlapi.ListSessionsResponse](httpClient, baseURL+controlapi.ListSessionsProcedure, codec),
		poolStatus:   connect.NewClient[controlapi.PoolStatusRequest, controlapi.PoolStatusResponse](httpClient, baseURL+controlapi.PoolStatusProcedure, codec),
	}, nil
}

func (c *Client) Submit(ctx context.Context, req *controlapi.SubmitRequest) (*controlapi.SubmitResponse, error) {
	resp, err := c.submit.CallUnary(ctx, connect.NewRequest(req))
	if err != nil {
		return nil, err
	}
	return resp.Msg, nil
}

func (c *Client) Status(ctx context.Context, req *controlapi.StatusRequest) (*controlapi.StatusResponse, error) {
	resp, err := c.status.CallUnary(ctx, connect.NewRequest(req))
	if err != nil {
		return nil, err
	}
	return resp.Msg, nil
}

func (c *Client) Abort(ctx context.Context, req *controlapi.AbortRequest) (*controlapi.AbortResponse, error) {
	resp, err := c.abort.CallUnary(ctx, connect.NewRequest(req))
	if err != nil {
		return nil, err
	}
	return resp.Msg, nil
}

func (c *Client) ListSessions(ctx context.Context, req *controlapi.ListSessionsRequest) (*controlapi.ListSessionsResponse, error) {
	resp, err := c.listSessions.CallUnary(ctx, connect.NewRequest(req))
	if err != nil {
		return nil, err
	}
	return resp.Msg, nil
}

func (c *Client) PoolStatus(ctx context.Context, req *controlapi.PoolStatusRequest) (*controlapi.PoolStatusResponse, error) {
	resp, err := c.poolStatus.CallUnary(ctx, connect.NewRequest(req))
	if err != nil {
		return nil, err
	}
	return resp.Msg, nil
}

// Healthz reports whether the server answers its health endpoint.
func (c *Client) Healthz(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/healthz", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned %s", resp.Status)
	}
	return nil
}
