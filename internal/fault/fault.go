// Package fault defines the shared error taxonomy for the orchestration core.
//
// Every component classifies its failures into one of a small set of kinds so
// that callers (and the backend manager's retry logic) can handle errors
// uniformly without type-specific checks. Matching works through errors.Is
// against the per-kind sentinels, or through Kind extraction via KindOf.
package fault

import (
	"errors"
	"fmt"
)

// Kind classifies a failure.
type Kind int

const (
	// KindUnknown is the zero value; errors without a classification.
	KindUnknown Kind = iota

	// KindValidation marks malformed or disallowed input. Never retried.
	KindValidation

	// KindRateLimited marks an identity over its request budget.
	// Callers should back off rather than retry immediately.
	KindRateLimited

	// KindConcurrencyLimit marks momentary over-capacity. Callers may
	// retry after a short delay.
	KindConcurrencyLimit

	// KindBackendUnavailable marks an unhealthy or unreachable backend.
	// The backend manager retries alternates internally before surfacing it.
	KindBackendUnavailable

	// KindTimeout marks a deadline exceeded. The outcome is unknown; the
	// caller must re-query rather than assume failure.
	KindTimeout

	// KindPoolExhausted marks no connection available within the acquire
	// timeout.
	KindPoolExhausted

	// KindNotFound marks an unknown session or backend id.
	KindNotFound
)

// Sentinels for errors.Is matching. Err.Is maps each kind to its sentinel.
var (
	ErrValidation         = errors.New("validation failed")
	ErrRateLimited        = errors.New("rate limited")
	ErrConcurrencyLimit   = errors.New("concurrency limit exceeded")
	ErrBackendUnavailable = errors.New("backend unavailable")
	ErrTimeout            = errors.New("operation timed out")
	ErrPoolExhausted      = errors.New("connection pool exhausted")
	ErrNotFound           = errors.New("not found")
)

// String returns the kind's wire/log name.
func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindRateLimited:
		return "rate_limited"
	case KindConcurrencyLimit:
		return "concurrency_limit"
	case KindBackendUnavailable:
		return "backend_unavailable"
	case KindTimeout:
		return "timeout"
	case KindPoolExhausted:
		return "pool_exhausted"
	case KindNotFound:
		return "not_found"
	default:
		return "unknown"
	}
}

// sentinel returns the errors.Is target for a kind.
func (k Kind) sentinel() error {
	switch k {
	case KindValidation:
		return ErrValidation
	case KindRateLimited:
		return ErrRateLimited
	case KindConcurrencyLimit:
		return ErrConcurrencyLimit
	case KindBackendUnavailable:
		return ErrBackendUnavailable
	case KindTimeout:
		return ErrTimeout
	case KindPoolExhausted:
		return ErrPoolExhausted
	case KindNotFound:
		return ErrNotFound
	default:
		return nil
	}
}

// Retryable reports whether a caller may reasonably retry the operation.
// Validation and rate-limit failures are terminal for a call; timeouts
// require a re-query, not a blind retry of a mutating command.
func (k Kind) Retryable() bool {
	switch k {
	case KindConcurrencyLimit, KindBackendUnavailable, KindPoolExhausted:
		return true
	default:
		return false
	}
}

// Error is a classified failure. Op names the operation that failed
// ("pool.acquire", "backend.execute"), Msg is a human-readable summary,
// and Err is the wrapped cause (may be nil).
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Msg != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Msg, e.Err)
	case e.Msg != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Msg)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	default:
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the per-kind sentinel so errors.Is(err, fault.ErrTimeout) works
// without callers knowing about *Error.
func (e *Error) Is(target error) bool {
	return target == e.Kind.sentinel()
}

// New creates a classified error.
func New(kind Kind, op, msg string) *Error {
	return &Error{Kind: kind, Op: op, Msg: msg}
}

// Newf creates a classified error with a formatted message.
func Newf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// Wrap classifies an existing error. Returns nil if err is nil.
func Wrap(kind Kind, op string, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the classification of err, or KindUnknown if it carries none.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindUnknown
}
