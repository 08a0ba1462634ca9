package remote

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Kind classifies a gateway failure for retry and surfacing decisions.
type Kind int

const (
	// KindNetwork means the server was unreachable. Transient.
	KindNetwork Kind = iota
	// KindAuth means credentials were rejected. Fatal for the account
	// until they are refreshed; never retried automatically.
	KindAuth
	// KindNotFound means the remote object no longer exists. Treated as
	// a deletion signal by callers.
	KindNotFound
	// KindTimeout means the call exceeded its deadline. Transient.
	KindTimeout
)

func (k Kind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindAuth:
		return "auth"
	case KindNotFound:
		return "not_found"
	case KindTimeout:
		return "timeout"
	}
	return "unknown"
}

// Error is a gateway failure with a classification.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError wraps err as a classified gateway error.
func NewError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func kindOf(err error) (Kind, bool) {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Kind, true
	}
	return 0, false
}

// IsTransient reports whether err is worth retrying with backoff.
// Network and timeout failures qualify; so do raw deadline/net errors
// from transports that did not classify them.
func IsTransient(err error) bool {
	if k, ok := kindOf(err); ok {
		return k == KindNetwork || k == KindTimeout
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// IsAuth reports whether err is an authentication failure.
func IsAuth(err error) bool {
	k, ok := kindOf(err)
	return ok && k == KindAuth
}

// IsNotFound reports whether err means the remote object vanished.
func IsNotFound(err error) bool {
	k, ok := kindOf(err)
	return ok && k == KindNotFound
}
