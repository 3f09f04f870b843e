package remote

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"connectrpc.com/connect"
	"github.com/buildkite/subagent/internal/backend"
	"github.com/buildkite/subagent/internal/backend/backendtest"
	"github.com/buildkite/subagent/internal/controlapi"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

type testService struct {
	fake        *backendtest.Fake
	token       string
	unavailable atomic.Int32
	execHook    func(*ExecRequest) (*ExecResponse, error)
	noPolicy    bool
}

func handle[Req, Res any](mux *http.ServeMux, svc *testService, method string, fn func(context.Context, *Req) (*Res, error)) {
	mux.Handle(ServicePath+method, connect.NewUnaryHandler(ServicePath+method,
		func(ctx context.Context, req *connect.Request[Req]) (*connect.Response[Res], error) {
			if svc.token != "" && req.Header().Get("Authorization") != "Bearer "+svc.token {
				return nil, connect.NewError(connect.CodeUnauthenticated, errors.New("bad token"))
			}
			if svc.unavailable.Load() > 0 {
				svc.unavailable.Add(-1)
				return nil, connect.NewError(connect.CodeUnavailable, errors.New("try again"))
			}
			res, err := fn(ctx, req.Msg)
			if err != nil {
				return nil, err
			}
			return connect.NewResponse(res), nil
		},
		controlapi.WithCodec(),
	))
}

func newRemote(t *testing.T, svc *testService) *Backend {
	t.Helper()

	f := svc.fake
	mux := http.NewServeMux()
	handle(mux, svc, "GetSandbox", func(ctx context.Context, req *GetSandboxRequest) (*GetSandboxResponse, error) {
		info, err := f.Get(ctx, req.Name)
		if err != nil {
			return nil, err
		}
		if info == nil {
			return nil, connect.NewError(connect.CodeNotFound, errors.New("no such sandbox"))
		}
		return &GetSandboxResponse{Sandbox: &Sandbox{Name: info.Name, Status: info.Status, CreatedAt: info.CreatedAt}}, nil
	})
	handle(mux, svc, "CreateSandbox", func(ctx context.Context, req *CreateSandboxRequest) (*CreateSandboxResponse, error) {
		info, err := f.Create(ctx, req.Name)
		if err != nil {
			return nil, err
		}
		return &CreateSandboxResponse{Sandbox: &Sandbox{Name: info.Name, Status: info.Status, CreatedAt: info.CreatedAt}}, nil
	})
	handle(mux, svc, "DeleteSandbox", func(ctx context.Context, req *DeleteSandboxRequest) (*Empty, error) {
		return &Empty{}, f.Delete(ctx, req.Name)
	})
	handle(mux, svc, "Exec", func(ctx context.Context, req *ExecRequest) (*ExecResponse, error) {
		if svc.execHook != nil {
			return svc.execHook(req)
		}
		res, err := f.Exec(ctx, req.Name, req.Argv, backend.ExecOptions{Env: req.Env, Dir: req.Dir, Stdin: req.Stdin})
		if err != nil {
			return nil, err
		}
		return &ExecResponse{Stdout: res.Stdout, Stderr: res.Stderr, ExitCode: res.ExitCode}, nil
	})
	handle(mux, svc, "DownloadFile", func(ctx context.Context, req *DownloadFileRequest) (*DownloadFileResponse, error) {
		data, err := f.DownloadFile(ctx, req.Name, req.Path)
		return &DownloadFileResponse{Data: data}, err
	})
	handle(mux, svc, "ListSandboxes", func(ctx context.Context, req *ListSandboxesRequest) (*ListSandboxesResponse, error) {
		infos, err := f.List(ctx, req.Prefix)
		out := &ListSandboxesResponse{}
		for _, info := range infos {
			out.Sandboxes = append(out.Sandboxes, &Sandbox{Name: info.Name, Status: info.Status})
		}
		return out, err
	})
	handle(mux, svc, "SetNetworkPolicy", func(ctx context.Context, req *SetNetworkPolicyRequest) (*Empty, error) {
		if svc.noPolicy {
			return nil, connect.NewError(connect.CodeUnimplemented, errors.New("network policy not supported"))
		}
		return &Empty{}, f.SetNetworkPolicy(ctx, req.Name, req.Rules)
	})
	handle(mux, svc, "ListCheckpoints", func(ctx context.Context, req *ListCheckpointsRequest) (*ListCheckpointsResponse, error) {
		ckpts, err := f.ListCheckpoints(ctx, req.Name)
		return &ListCheckpointsResponse{Checkpoints: ckpts}, err
	})
	handle(mux, svc, "CreateCheckpoint", func(ctx context.Context, req *CreateCheckpointRequest) (*CreateCheckpointResponse, error) {
		id, err := f.CreateCheckpoint(ctx, req.Name, req.Comment)
		return &CreateCheckpointResponse{ID: id}, err
	})
	handle(mux, svc, "RestoreCheckpoint", func(ctx context.Context, req *RestoreCheckpointRequest) (*Empty, error) {
		return &Empty{}, f.RestoreCheckpoint(ctx, req.Name, req.ID)
	})

	srv := httptest.NewServer(h2c.NewHandler(mux, &http2.Server{}))
	t.Cleanup(srv.Close)

	b, err := New(Config{Endpoint: srv.URL, Token: svc.token})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return b
}

func TestNewRequiresEndpoint(t *testing.T) {
	t.Parallel()

	if _, err := New(Config{}); err == nil {
		t.Fatal("expected error without endpoint")
	}
}

func TestSandboxLifecycle(t *testing.T) {
	t.Parallel()

	svc := &testService{fake: backendtest.New(), token: "s3cret"}
	b := newRemote(t, svc)
	ctx := context.Background()

	if info, err := b.Get(ctx, "sb-1"); err != nil || info != nil {
		t.Fatalf("expected missing sandbox, got %+v err=%v", info, err)
	}
	info, err := b.Create(ctx, "sb-1")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if info.Name != "sb-1" {
		t.Fatalf("unexpected info: %+v", info)
	}
	list, err := b.List(ctx, "sb-")
	if err != nil || len(list) != 1 {
		t.Fatalf("unexpected list %+v err=%v", list, err)
	}

	res, err := b.Exec(ctx, "sb-1", []string{"echo", "hi"}, backend.ExecOptions{})
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	if res.Stdout != "hi\n" {
		t.Fatalf("unexpected stdout %q", res.Stdout)
	}

	svc.fake.PutFile("sb-1", "/tmp/a.txt", []byte("artifact"))
	data, err := b.DownloadFile(ctx, "sb-1", "/tmp/a.txt")
	if err != nil || string(data) != "artifact" {
		t.Fatalf("unexpected download %q err=%v", data, err)
	}

	id, err := b.CreateCheckpoint(ctx, "sb-1", "baseline")
	if err != nil {
		t.Fatalf("CreateCheckpoint: %v", err)
	}
	ckpts, err := b.ListCheckpoints(ctx, "sb-1")
	if err != nil || len(ckpts) != 1 || ckpts[0].ID != id {
		t.Fatalf("unexpected checkpoints %+v err=%v", ckpts, err)
	}
	if err := b.RestoreCheckpoint(ctx, "sb-1", id); err != nil {
		t.Fatalf("RestoreCheckpoint: %v", err)
	}

	if err := b.Delete(ctx, "sb-1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
}

func TestBearerTokenIsRequired(t *testing.T) {
	t.Parallel()

	svc := &testService{fake: backendtest.New(), token: "s3cret"}
	b := newRemote(t, svc)
	b.opts = []connect.ClientOption{controlapi.WithCodec()}

	_, err := b.List(context.Background(), "")
	if got := connect.CodeOf(err); got != connect.CodeUnauthenticated {
		t.Fatalf("expected unauthenticated, got %v (%v)", got, err)
	}
}

func TestUnavailableIsRetried(t *testing.T) {
	t.Parallel()

	svc := &testService{fake: backendtest.New()}
	svc.fake.Seed("sb-1")
	svc.unavailable.Store(1)
	b := newRemote(t, svc)

	if _, err := b.Exec(context.Background(), "sb-1", []string{"true"}, backend.ExecOptions{}); connect.CodeOf(err) != connect.CodeUnavailable {
		t.Fatalf("expected unavailable without retries, got %v", err)
	}
	svc.unavailable.Store(1)
	if _, err := b.Exec(context.Background(), "sb-1", []string{"true"}, backend.ExecOptions{MaxRetries: 1}); err != nil {
		t.Fatalf("expected retry to succeed: %v", err)
	}
}

func TestExecTimedOutMapsToSentinel(t *testing.T) {
	t.Parallel()

	svc := &testService{fake: backendtest.New()}
	var gotTimeout int64
	svc.execHook = func(req *ExecRequest) (*ExecResponse, error) {
		gotTimeout = req.TimeoutMillis
		return &ExecResponse{ExitCode: -1, TimedOut: true}, nil
	}
	b := newRemote(t, svc)

	_, err := b.Exec(context.Background(), "sb-1", []string{"agent"}, backend.ExecOptions{Timeout: 2 * time.Second})
	if !errors.Is(err, backend.ErrExecTimeout) {
		t.Fatalf("expected ErrExecTimeout, got %v", err)
	}
	if gotTimeout != 2000 {
		t.Fatalf("expected timeout_ms 2000, got %d", gotTimeout)
	}
}

func TestUnimplementedPolicyIsUnsupported(t *testing.T) {
	t.Parallel()

	svc := &testService{fake: backendtest.New(), noPolicy: true}
	b := newRemote(t, svc)

	err := b.SetNetworkPolicy(context.Background(), "sb-1", []backend.NetworkRule{{Action: backend.NetworkAllow, Domain: "github.com"}})
	if !errors.Is(err, backend.ErrUnsupported) {
		t.Fatalf("expected ErrUnsupported, got %v", err)
	}
}
