package domain

import (
	"errors"
	"fmt"
)

// ErrInvalidTarget indicates a malformed download URL. Such URLs are never scheduled.
var ErrInvalidTarget = errors.New("invalid download target")

// ErrTransferNotFound indicates no registry entry exists for the URL
var ErrTransferNotFound = errors.New("transfer not found")

// ErrNotPaused is returned when resuming a transfer that is not paused.
var ErrNotPaused = errors.New("transfer is not paused")

// ErrSchedulerStopped is returned when enqueueing after shutdown.
var ErrSchedulerStopped = errors.New("scheduler stopped")

// ErrManagerClosed is returned by download calls made after Close.
var ErrManagerClosed = errors.New("download manager closed")

// HTTPStatusError is returned when a response status is outside {200, 206, 304}.
type HTTPStatusError struct {
	URL        string
	StatusCode int
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("download failed from %s with status %d", e.URL, e.StatusCode)
}

// TransportError covers request timeouts, aborts and connection failures.
type TransportError struct {
	URL string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("request to %s failed: %v", e.URL, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// FilesystemError wraps a failed write, open, mkdir or unlink on the destination.
type FilesystemError struct {
	Op   string
	Path string
	Err  error
}

func (e *FilesystemError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *FilesystemError) Unwrap() error { return e.Err }

// StreamInterruptedError is returned when a streamed body fails after part of it
// was already written. Written is the byte offset reached on disk.
type StreamInterruptedError struct {
	URL     string
	Written int64
	Err     error
}

func (e *StreamInterruptedError) Error() string {
	return fmt.Sprintf("stream from %s interrupted after %d bytes: %v", e.URL, e.Written, e.Err)
}

func (e *StreamInterruptedError) Unwrap() error { return e.Err }
