package resilience

import (
	"context"
	"net"
	"strings"
	"syscall"

	"github.com/cockroachdb/errors"
	"github.com/sony/gobreaker/v2"
)

// Kind is the failure class of an error.
type Kind int

const (
	KindUnknown Kind = iota
	KindConnectionRefused
	KindTimeout
	KindCircuitOpen
	KindRateLimitExceeded
	KindDecodeFailure
)

func (k Kind) String() string {
	switch k {
	case KindConnectionRefused:
		return "connection_refused"
	case KindTimeout:
		return "timeout"
	case KindCircuitOpen:
		return "circuit_open"
	case KindRateLimitExceeded:
		return "rate_limit_exceeded"
	case KindDecodeFailure:
		return "decode_failure"
	default:
		return "unknown"
	}
}

// Class markers. Attach with Mark; test with errors.Is or Classify.
var (
	ErrConnectionRefused = errors.New("connection refused")
	ErrTimeout           = errors.New("timeout")
	ErrCircuitOpen       = errors.New("circuit open")
	ErrRateLimitExceeded = errors.New("rate limit exceeded")
	ErrDecodeFailure     = errors.New("decode failure")

	errNotAttempted = errors.New("not attempted")
)

// Mark attaches the class of k to err. KindUnknown leaves err unchanged.
func Mark(err error, k Kind) error {
	if err == nil {
		return nil
	}
	switch k {
	case KindConnectionRefused:
		return errors.Mark(err, ErrConnectionRefused)
	case KindTimeout:
		return errors.Mark(err, ErrTimeout)
	case KindCircuitOpen:
		return errors.Mark(err, ErrCircuitOpen)
	case KindRateLimitExceeded:
		return errors.Mark(err, ErrRateLimitExceeded)
	case KindDecodeFailure:
		return errors.Mark(err, ErrDecodeFailure)
	default:
		return err
	}
}

// NotAttempted marks err as produced without reaching the dependency
// (for example, a client that is not connected yet). Such errors are never
// retried and do not count against circuit breakers.
func NotAttempted(err error) error {
	if err == nil {
		return nil
	}
	return errors.Mark(err, errNotAttempted)
}

// IsNotAttempted reports whether err carries the NotAttempted mark.
func IsNotAttempted(err error) bool { return errors.Is(err, errNotAttempted) }

// Classify maps err to its failure class. Explicit marks win; otherwise
// context, network and breaker errors are recognized, then message text.
func Classify(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	switch {
	case errors.Is(err, ErrCircuitOpen),
		errors.Is(err, gobreaker.ErrOpenState),
		errors.Is(err, gobreaker.ErrTooManyRequests):
		return KindCircuitOpen
	case errors.Is(err, ErrRateLimitExceeded):
		return KindRateLimitExceeded
	case errors.Is(err, ErrDecodeFailure):
		return KindDecodeFailure
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, ErrConnectionRefused), errors.Is(err, syscall.ECONNREFUSED):
		return KindConnectionRefused
	}

	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return KindTimeout
	}
	var op *net.OpError
	if errors.As(err, &op) && op.Op == "dial" {
		return KindConnectionRefused
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "econnrefused"), strings.Contains(msg, "connection refused"):
		return KindConnectionRefused
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "timed out"):
		return KindTimeout
	}
	return KindUnknown
}

// Retryable is true only for connection-refused and timeout failures
// that actually reached the dependency.
func Retryable(err error) bool {
	if err == nil || IsNotAttempted(err) {
		return false
	}
	switch Classify(err) {
	case KindConnectionRefused, KindTimeout:
		return true
	default:
		return false
	}
}
