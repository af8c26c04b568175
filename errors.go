package neo

import (
	"errors"
	"fmt"
)

// isReconnectable reports whether err is the kind of failure a persistent
// request kind (the all-nodes kit) should wait out and retry against a
// freshly reconnected Connection, rather than treat as terminal: anything
// other than a deliberate close, a protocol violation, an auth failure, or
// a reserved status code (spec §4.9's "per-connection retry").
func isReconnectable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrClosed) {
		return false
	}
	var pe *ProtocolError
	if errors.As(err, &pe) {
		return false
	}
	var ae *AuthError
	if errors.As(err, &ae) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return false
	}
	return true
}

// ErrConnLost signals that a Connection's socket was lost while a request
// had a message in flight. The execution state on the node is unknown.
var ErrConnLost = errors.New("neo: connection lost")

// ErrNoMoreRequests is returned synchronously from assignment when the
// RequestSet is at its admission limit (max_requests).
var ErrNoMoreRequests = errors.New("neo: no more requests; request set is at capacity")

// ErrNoNodesRegistered is returned synchronously when a request kind needs at
// least one Connection and none are registered, or when a node addressed
// by name is not registered.
var ErrNoNodesRegistered = errors.New("neo: no nodes registered")

// ErrBadChannelName is returned synchronously for request-specific channel
// validation failures surfaced before the core ever sees the request.
var ErrBadChannelName = errors.New("neo: invalid channel name")

// ErrTimeoutNotSupported is returned synchronously when a caller requests a
// per-operation timeout on a request kind that does not support one.
var ErrTimeoutNotSupported = errors.New("neo: this request kind does not support a timeout")

// ErrClosed marks a Client or Connection deliberately stopped by the user;
// it is not retried.
var ErrClosed = errors.New("neo: closed")

// ProtocolError carries a descriptive message for malformed frames,
// unexpected replies, out-of-range status bytes, and unsolicited messages
// delivered to an RoC that was not waiting to receive. It is always fatal to
// the Connection that raised it (spec §7.2).
type ProtocolError struct {
	Msg string
}

func (e *ProtocolError) Error() string { return "neo: protocol error: " + e.Msg }

// protocolErrorf builds a *ProtocolError with a formatted message.
func protocolErrorf(format string, args ...any) *ProtocolError {
	return &ProtocolError{Msg: fmt.Sprintf(format, args...)}
}

// AuthError marks an authentication failure raised by an Authenticator. It
// is treated as a protocol error: fatal, and not automatically retried (the
// connection's sender loop exits rather than looping back into connect()).
type AuthError struct {
	Err error
}

func (e *AuthError) Error() string { return "neo: authentication failed: " + e.Err.Error() }
func (e *AuthError) Unwrap() error { return e.Err }

// StatusError wraps one of the two globally-reserved request-level status
// codes (spec §4.9, §7.4) that the core handles before a request handler
// ever sees the status byte.
type StatusError struct {
	Code StatusCode
	Addr string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("neo: node %s: %s", e.Addr, e.Code)
}
