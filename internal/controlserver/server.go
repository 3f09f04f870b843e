package controlserver

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"connectrpc.com/connect"
	"github.com/buildkite/subagent/internal/coalescer"
	"github.com/buildkite/subagent/internal/controlapi"
	"github.com/buildkite/subagent/internal/controlservice"
	"github.com/buildkite/subagent/internal/endpoint"
	"github.com/buildkite/subagent/internal/fault"
	"github.com/buildkite/subagent/internal/registry"
	"github.com/buildkite/subagent/internal/tlsconfig"
	"github.com/charmbracelet/log"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// Service is the set of control operations the server exposes.
type Service interface {
	Submit(context.Context, *controlapi.SubmitRequest) (*controlapi.SubmitResponse, error)
	Status(context.Context, *controlapi.StatusRequest) (*controlapi.StatusResponse, error)
	Abort(context.Context, *controlapi.AbortRequest) (*controlapi.AbortResponse, error)
	ListSessions(context.Context, *controlapi.ListSessionsRequest) (*controlapi.ListSessionsResponse, error)
	PoolStatus(context.Context, *controlapi.PoolStatusRequest) (*controlapi.PoolStatusResponse, error)
}

var _ Service = (*controlservice.Service)(nil)

type Server struct {
	service Service
	logger  *log.Logger
}

func New(service Service, logger *log.Logger) *Server {
	return &Server{service: service, logger: logger}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	handle(mux, s, controlapi.SubmitProcedure, s.service.Submit)
	handle(mux, s, controlapi.StatusProcedure, s.service.Status)
	handle(mux, s, controlapi.AbortProcedure, s.service.Abort)
	handle(mux, s, controlapi.ListSessionsProcedure, s.service.ListSessions)
	handle(mux, s, controlapi.PoolStatusProcedure, s.service.PoolStatus)

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return h2c.NewHandler(mux, &http2.Server{})
}

func handle[Req, Res any](mux *http.ServeMux, s *Server, procedure string, fn func(context.Context, *Req) (*Res, error)) {
	mux.Handle(procedure, connect.NewUnaryHandler(procedure,
		func(ctx context.Context, req *connect.Request[Req]) (*connect.Response[Res], error) {
			resp, err := fn(ctx, req.Msg)
			if err != nil {
				err = toConnectError(err)
				if s.logger != nil && connect.CodeOf(err) == connect.CodeInternal {
					s.logger.Error("control call failed", "procedure", procedure, "error", err)
				}
				return nil, err
			}
			return connect.NewResponse(resp), nil
		},
		controlapi.WithCodec(),
	))
}

func toConnectError(err error) error {
	if err == nil {
		return nil
	}
	var connectErr *connect.Error
	if errors.As(err, &connectErr) {
		return err
	}

	code := connect.CodeInternal
	kind := fault.KindOf(err)
	switch {
	case errors.Is(err, controlservice.ErrInvalidArgument):
		code = connect.CodeInvalidArgument
	case errors.Is(err, registry.ErrNotFound):
		code = connect.CodeNotFound
	case errors.Is(err, coalescer.ErrClosed):
		code = connect.CodeUnavailable
	case kind != fault.KindUnknown:
		code = faultCode(kind)
	case errors.Is(err, context.Canceled):
		code = connect.CodeCanceled
	case errors.Is(err, context.DeadlineExceeded):
		code = connect.CodeDeadlineExceeded
	}
	out := connect.NewError(code, err)
	if kind != fault.KindUnknown {
		out.Meta().Set(controlapi.ErrorKindHeader, kind.String())
	}
	return out
}

func faultCode(kind fault.Kind) connect.Code {
	switch kind {
	case fault.KindConcurrentTurn:
		return connect.CodeAborted
	case fault.KindUserAbort:
		return connect.CodeCanceled
	case fault.KindNoRunnersAvailable:
		return connect.CodeResourceExhausted
	case fault.KindTimeout:
		return connect.CodeDeadlineExceeded
	case fault.KindProvisioning, fault.KindCheckpointRestore:
		return connect.CodeUnavailable
	default:
		return connect.CodeInternal
	}
}

// Serve listens on ep and serves handler until ctx is cancelled.
func Serve(ctx context.Context, ep endpoint.Endpoint, handler http.Handler, logger *log.Logger, tlsOpts tlsconfig.Options) error {
	listener, err := listen(ep, tlsOpts)
	if err != nil {
		return err
	}
	defer listener.Close()
	if logger != nil {
		logger.Info("serving subagent control API", "endpoint", ep.Address, "scheme", ep.Scheme, "base_url", ep.BaseURL)
	}

	httpServer := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	if ep.Scheme == "https" {
		if err := http2.ConfigureServer(httpServer, nil); err != nil {
			return fmt.Errorf("configure HTTP/2 for TLS: %w", err)
		}
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.Serve(listener)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
		if ep.Scheme == "unix" {
			_ = os.Remove(ep.Address)
		}
		if logger != nil {
			logger.Info("control API shutdown complete", "endpoint", ep.Address)
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		if logger != nil {
			logger.Error("control API serve failed", "error", err)
		}
		return err
	}
}

func listen(ep endpoint.Endpoint, tlsOpts tlsconfig.Options) (net.Listener, error) {
	switch ep.Scheme {
	case "unix":
		if err := os.MkdirAll(filepath.Dir(ep.Address), 0o755); err != nil {
			return nil, err
		}
		if err := os.Remove(ep.Address); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
		listener, err := net.Listen("unix", ep.Address)
		if err != nil {
			return nil, err
		}
		if err := os.Chmod(ep.Address, 0o600); err != nil {
			_ = listener.Close()
			return nil, err
		}
		return listener, nil
	case "https":
		tlsCfg, err := tlsconfig.ResolveServer(tlsOpts)
		if err != nil {
			return nil, fmt.Errorf("resolve server TLS config: %w", err)
		}
		if tlsCfg == nil {
			return nil, errors.New("https listen endpoint requires TLS certificates (provide --tls-cert/--tls-key or place them in the config tls directory)")
		}
		addr := hostPort(ep.Address)
		listener, err := tls.Listen("tcp", addr, tlsCfg)
		if err != nil {
			return nil, fmt.Errorf("start TLS listener for %q: %w", addr, err)
		}
		return listener, nil
	case "http":
		return net.Listen("tcp", hostPort(ep.Address))
	default:
		return nil, fmt.Errorf("unsupported endpoint scheme %q", ep.Scheme)
	}
}

func hostPort(addr string) string {
	for _, prefix := range []string{"https://", "http://"} {
		addr = strings.TrimPrefix(addr, prefix)
	}
	return strings.TrimRight(addr, "/")
}
