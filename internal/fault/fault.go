// Package fault defines the tagged error kinds shared by the pool, registry
// and turn executor. Callers branch on Kind rather than on error text.
package fault

import (
	"errors"
	"fmt"
	"unicode/utf8"
)

type Kind int

const (
	KindUnknown Kind = iota
	KindProvisioning
	KindNoRunnersAvailable
	KindExecution
	KindTimeout
	KindCheckpointRestore
	KindConcurrentTurn
	KindUserAbort
)

func (k Kind) String() string {
	switch k {
	case KindProvisioning:
		return "provisioning"
	case KindNoRunnersAvailable:
		return "no_runners_available"
	case KindExecution:
		return "execution"
	case KindTimeout:
		return "timeout"
	case KindCheckpointRestore:
		return "checkpoint_restore"
	case KindConcurrentTurn:
		return "concurrent_turn"
	case KindUserAbort:
		return "user_abort"
	default:
		return "unknown"
	}
}

// Expected reports whether faults of this kind are part of normal operation
// and must not be logged or alerted on as failures.
func (k Kind) Expected() bool {
	return k == KindConcurrentTurn || k == KindUserAbort
}

// Error is a classified failure. Detail carries caller-facing diagnostic text
// (for example truncated stderr) and may be empty.
type Error struct {
	Kind   Kind
	Op     string
	Detail string
	Err    error
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error by kind so callers can write
// errors.Is(err, fault.UserAbort).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Op == "" && t.Detail == "" && t.Err == nil && t.Kind == e.Kind
}

// Sentinels for errors.Is comparisons.
var (
	Provisioning       = &Error{Kind: KindProvisioning}
	NoRunnersAvailable = &Error{Kind: KindNoRunnersAvailable}
	Execution          = &Error{Kind: KindExecution}
	Timeout            = &Error{Kind: KindTimeout}
	CheckpointRestore  = &Error{Kind: KindCheckpointRestore}
	ConcurrentTurn     = &Error{Kind: KindConcurrentTurn}
	UserAbort          = &Error{Kind: KindUserAbort}
)

func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func Newf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Detail: fmt.Sprintf(format, args...)}
}

// KindOf returns the kind of the outermost classified error in err's chain.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindUnknown
}

// ParseKind is the inverse of Kind.String.
func ParseKind(raw string) Kind {
	for k := KindProvisioning; k <= KindUserAbort; k++ {
		if k.String() == raw {
			return k
		}
	}
	return KindUnknown
}

// Truncate shortens diagnostic text to at most max bytes, keeping the tail,
// which is where process errors usually end up. The cut never splits a rune.
func Truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	cut := len(s) - max
	for cut < len(s) && !utf8.RuneStart(s[cut]) {
		cut++
	}
	return "…" + s[cut:]
}
