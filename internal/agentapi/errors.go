// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package agentapi

import (
	"errors"
	"fmt"
)

var (
	// ErrCancelled is returned by a session whose context was cancelled.
	// The returned error also matches the context's own error.
	ErrCancelled = errors.New("stream cancelled")

	// ErrSessionUsed is returned when Run is called twice on one session.
	ErrSessionUsed = errors.New("stream session already run")

	// ErrNoBaseURL indicates the client was built without a service URL.
	ErrNoBaseURL = errors.New("agent service URL not configured")
)

// TransportError is returned when the stream could not be opened: the
// request failed on the network or the service answered with a non-2xx
// status. Body holds the response text when there was one.
type TransportError struct {
	StatusCode int
	Body       string
	Err        error
}

// Error implements the error interface.
func (e *TransportError) Error() string {
	switch {
	case e.Err != nil:
		return fmt.Sprintf("agent service unreachable: %v", e.Err)
	case e.Body != "":
		return fmt.Sprintf("agent service returned HTTP %d: %s", e.StatusCode, e.Body)
	default:
		return fmt.Sprintf("agent service returned HTTP %d", e.StatusCode)
	}
}

// Unwrap returns the underlying network error, if any.
func (e *TransportError) Unwrap() error {
	return e.Err
}

// StreamError is a transport failure after the stream started. Partial holds
// the raw text accumulated before the failure.
type StreamError struct {
	Partial string
	Err     error
}

// Error implements the error interface.
func (e *StreamError) Error() string {
	if e.Partial != "" {
		return fmt.Sprintf("stream error (partial content received: %d chars): %v", len(e.Partial), e.Err)
	}
	return fmt.Sprintf("stream error: %v", e.Err)
}

// Unwrap returns the underlying error.
func (e *StreamError) Unwrap() error {
	return e.Err
}

// cancelled wraps cause so that it matches both ErrCancelled and cause.
func cancelled(cause error) error {
	return fmt.Errorf("%w: %w", ErrCancelled, cause)
}
