package proxy

import (
	"errors"
	"fmt"
)

var (
	// ErrRetriesExhausted is returned when every attempt failed without a
	// more specific cause.
	ErrRetriesExhausted = errors.New("forward failed after retries")

	// ErrClientAborted marks a stream cut short by the client
	ErrClientAborted = errors.New("client connection aborted")

	errBackupURL = errors.New("backup fallback has no url")
)

// UpstreamTransportError is a network or timeout failure talking to a backend
type UpstreamTransportError struct {
	Backend string
	URL     string
	Err     error
}

func (e *UpstreamTransportError) Error() string {
	return fmt.Sprintf("upstream %s (%s): %v", e.Backend, e.URL, e.Err)
}

func (e *UpstreamTransportError) Unwrap() error { return e.Err }

// UpstreamServerError is a 5xx answer that is going to be retried
type UpstreamServerError struct {
	Backend    string
	StatusCode int
}

func (e *UpstreamServerError) Error() string {
	return fmt.Sprintf("upstream %s answered %d", e.Backend, e.StatusCode)
}

// StreamError is a failure of the streaming transport. Setup errors happen
// before any byte reached the client.
type StreamError struct {
	Setup bool
	Err   error
}

func (e *StreamError) Error() string {
	if e.Setup {
		return fmt.Sprintf("stream setup: %v", e.Err)
	}
	return fmt.Sprintf("stream transfer: %v", e.Err)
}

func (e *StreamError) Unwrap() error { return e.Err }
