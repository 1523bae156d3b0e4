package adapter

import "github.com/cockroachdb/errors"

var (
	// ErrUnavailable is returned when the backend cannot be used right now
	// (not yet connected, failed, or closed). No network call was made.
	ErrUnavailable = errors.New("adapter: backend unavailable")

	// ErrClosed is returned by operations on a closed adapter.
	ErrClosed = errors.New("adapter: closed")

	// ErrEmptyKey rejects writes with an empty key.
	ErrEmptyKey = errors.New("adapter: empty key")
)
