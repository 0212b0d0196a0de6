// ABOUTME: Typed failure taxonomy for the proxy gateway
// ABOUTME: Preserves upstream status codes end-to-end instead of collapsing to 500

package proxy

import (
	"fmt"
	"time"
)

// NotFoundError indicates the named upstream server is not configured.
type NotFoundError struct {
	Server string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("unknown MCP server %q", e.Server)
}

// BadRequestError indicates a gateway-side rejection: proxying disabled or
// an invalid explicit target.
type BadRequestError struct {
	Reason string
}

func (e *BadRequestError) Error() string {
	return e.Reason
}

// UpstreamError carries a non-2xx response from the tool server. The
// status is preserved so callers can distinguish upstream faults from
// gateway faults.
type UpstreamError struct {
	Status     int
	StatusText string
	Target     string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream %s responded %d %s", e.Target, e.Status, e.StatusText)
}

// ConnectError indicates the upstream could not be reached, including the
// streaming connect timeout.
type ConnectError struct {
	Target  string
	Elapsed time.Duration
	Err     error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connecting to %s failed after %s: %v", e.Target, e.Elapsed.Round(time.Millisecond), e.Err)
}

// Unwrap exposes the underlying error for errors.Is / errors.As checks.
func (e *ConnectError) Unwrap() error {
	return e.Err
}

// StreamError indicates a failure after the stream was established.
type StreamError struct {
	Err error
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("stream relay failed: %v", e.Err)
}

// Unwrap exposes the underlying error for errors.Is / errors.As checks.
func (e *StreamError) Unwrap() error {
	return e.Err
}
