package cachekit

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

var (
	// ErrNotHit is returned by Result.Decode when the read did not hit.
	ErrNotHit = errors.New("cachekit: result is not a hit")
)

// AdapterError reports an operation applied to both adapters where at least one failed.
type AdapterError struct {
	Op        string
	RemoteErr error
	LocalErr  error
}

func (e *AdapterError) Error() string {
	switch {
	case e.RemoteErr != nil && e.LocalErr != nil:
		return fmt.Sprintf("%s failed on both adapters: remote=%v; local=%v",
			e.Op, e.RemoteErr, e.LocalErr)
	case e.RemoteErr != nil:
		return fmt.Sprintf("%s: remote failed: %v", e.Op, e.RemoteErr)
	case e.LocalErr != nil:
		return fmt.Sprintf("%s: local failed: %v", e.Op, e.LocalErr)
	default:
		return fmt.Sprintf("%s: unknown error", e.Op)
	}
}

func (e *AdapterError) Unwrap() []error {
	errs := make([]error, 0, 2)
	if e.RemoteErr != nil {
		errs = append(errs, e.RemoteErr)
	}
	if e.LocalErr != nil {
		errs = append(errs, e.LocalErr)
	}
	return errs
}

// joinAdapterErrs returns nil when both are nil.
func joinAdapterErrs(op string, remoteErr, localErr error) error {
	if remoteErr == nil && localErr == nil {
		return nil
	}
	return &AdapterError{Op: op, RemoteErr: remoteErr, LocalErr: localErr}
}
