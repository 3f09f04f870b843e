package client

import (
	"context"
	"errors"
	"slices"
	"strings"
	"time"

	"connectrpc.com/connect"
	"github.com/buildkite/subagent/internal/controlapi"
	"github.com/buildkite/subagent/internal/fault"
)

// ErrorCode is a stable classifier for subagent API errors.
type ErrorCode string

const (
	ErrorCodeUnknown            ErrorCode = "unknown"
	ErrorCodeCanceled           ErrorCode = "canceled"
	ErrorCodeDeadlineExceeded   ErrorCode = "deadline_exceeded"
	ErrorCodeInvalidArgument    ErrorCode = "invalid_argument"
	ErrorCodeNotFound           ErrorCode = "not_found"
	ErrorCodeUnavailable        ErrorCode = "unavailable"
	ErrorCodeInternal           ErrorCode = "internal"
	ErrorCodeProvisioning       ErrorCode = "provisioning"
	ErrorCodeNoRunnersAvailable ErrorCode = "no_runners_available"
	ErrorCodeExecution          ErrorCode = "execution"
	ErrorCodeTimeout            ErrorCode = "timeout"
	ErrorCodeCheckpointRestore  ErrorCode = "checkpoint_restore"
	ErrorCodeConcurrentTurn     ErrorCode = "concurrent_turn"
	ErrorCodeUserAbort          ErrorCode = "user_abort"
)

// faultCode maps a server-reported fault kind onto its stable code.
func faultCode(raw string) (ErrorCode, bool) {
	switch fault.ParseKind(strings.TrimSpace(raw)) {
	case fault.KindProvisioning:
		return ErrorCodeProvisioning, true
	case fault.KindNoRunnersAvailable:
		return ErrorCodeNoRunnersAvailable, true
	case fault.KindExecution:
		return ErrorCodeExecution, true
	case fault.KindTimeout:
		return ErrorCodeTimeout, true
	case fault.KindCheckpointRestore:
		return ErrorCodeCheckpointRestore, true
	case fault.KindConcurrentTurn:
		return ErrorCodeConcurrentTurn, true
	case fault.KindUserAbort:
		return ErrorCodeUserAbort, true
	default:
		return ErrorCodeUnknown, false
	}
}

// ErrCode classifies API errors into a stable code.
//
// When the server tagged the error with a fault kind, that kind is
// preferred. Otherwise this falls back to transport-level Connect codes.
func ErrCode(err error) ErrorCode {
	if err == nil {
		return ErrorCodeUnknown
	}

	var connectErr *connect.Error
	if errors.As(err, &connectErr) {
		if code, ok := faultCode(connectErr.Meta().Get(controlapi.ErrorKindHeader)); ok {
			return code
		}
		switch connectErr.Code() {
		case connect.CodeCanceled:
			return ErrorCodeCanceled
		case connect.CodeDeadlineExceeded:
			return ErrorCodeDeadlineExceeded
		case connect.CodeInvalidArgument:
			return ErrorCodeInvalidArgument
		case connect.CodeNotFound:
			return ErrorCodeNotFound
		case connect.CodeUnavailable:
			return ErrorCodeUnavailable
		default:
			return ErrorCodeInternal
		}
	}
	if errors.Is(err, context.Canceled) {
		return ErrorCodeCanceled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorCodeDeadlineExceeded
	}
	return ErrorCodeUnknown
}

// ResultCode classifies a failed or aborted turn result. Completed results
// return ErrorCodeUnknown.
func ResultCode(res *TurnResult) ErrorCode {
	if res == nil || res.Status == TurnCompleted {
		return ErrorCodeUnknown
	}
	if code, ok := faultCode(res.ErrorKind); ok {
		return code
	}
	return ErrorCodeUnknown
}

// Must returns the client if err is nil; otherwise it panics.
func Must(c *Client, err error) *Client {
	if err != nil {
		panic(err)
	}
	return c
}

// NewFromEnv builds a client from SUBAGENT_HOST (or default endpoint when unset).
func NewFromEnv(opts ...Option) (*Client, error) {
	return New("", opts...)
}

const defaultPollInterval = 250 * time.Millisecond

// WaitOptions controls how SubmitAndWait polls for the turn result.
type WaitOptions struct {
	PollInterval time.Duration
	// Timeout bounds the wait after the message was accepted.
	Timeout time.Duration
}

// SubmitAndWait submits req and polls Status until a turn that includes the
// message has finished. Messages folded into a later turn report that turn's
// result.
func (c *Client) SubmitAndWait(ctx context.Context, req *SubmitRequest, opts WaitOptions) (*TurnResult, error) {
	if c == nil || c.inner == nil {
		return nil, errors.New("nil client")
	}
	if strings.TrimSpace(req.EventID) == "" {
		return nil, errors.New("SubmitAndWait requires an event_id")
	}
	accepted, err := c.Submit(ctx, req)
	if err != nil {
		return nil, err
	}

	waitCtx := ctx
	cancel := func() {}
	if opts.Timeout > 0 {
		waitCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
	}
	defer cancel()

	interval := opts.PollInterval
	if interval <= 0 {
		interval = defaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		status, err := c.Status(waitCtx, &StatusRequest{Ref: accepted.ConversationKey})
		if err != nil {
			return nil, err
		}
		if res := status.LastResult; res != nil && slices.Contains(res.EventIDs, req.EventID) {
			return res, nil
		}
		select {
		case <-waitCtx.Done():
			return nil, waitCtx.Err()
		case <-ticker.C:
		}
	}
}
