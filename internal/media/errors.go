package media

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for the compression error taxonomy.
var (
	// ErrInvalidRequest rejects a call before any trial runs.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrBatchFailure aborts a whole batch (no worker could be started, the
	// workspace could not be created).
	ErrBatchFailure = errors.New("batch failure")
	// ErrSearchExhausted marks a best-effort result: no trial met the budget.
	// It is attached to results as a warning and never returned as a failure.
	ErrSearchExhausted = errors.New("search exhausted: no trial met the target size")
)

// EncodeError is returned by encoder adapters on any codec, process or IO failure.
type EncodeError struct {
	Op     string
	Input  string
	Stderr string
	Err    error
}

func (e *EncodeError) Error() string {
	msg := fmt.Sprintf("encode %s %s: %v", e.Op, e.Input, e.Err)
	if tail := lastLine(e.Stderr); tail != "" {
		msg += ": " + tail
	}
	return msg
}

func (e *EncodeError) Unwrap() error { return e.Err }

// WorkerError reports a worker that died before completing its chunk.
type WorkerError struct {
	Worker int
	Err    error
}

func (e *WorkerError) Error() string {
	return fmt.Sprintf("worker %d failed: %v", e.Worker, e.Err)
}

func (e *WorkerError) Unwrap() error { return e.Err }

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[i+1:])
	}
	return s
}
