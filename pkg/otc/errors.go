package otc

import "errors"

var (
	// ErrTimeout is returned when a request's deadline elapses before its
	// response arrives. The ticket stays registered and the late response
	// is discarded when it eventually shows up.
	ErrTimeout = errors.New("opentick: request timed out")

	// ErrNotConnected is returned when a request is issued while the
	// client is not connected.
	ErrNotConnected = errors.New("opentick: not connected")

	// ErrConnClosed is returned when bytes are enqueued on a connection
	// that has already died.
	ErrConnClosed = errors.New("opentick: connection closed")
)

// ConnectError wraps the dial error from a failed or timed out Start.
type ConnectError struct {
	Err error
}

func (e *ConnectError) Error() string { return "opentick: connect failed: " + e.Err.Error() }
func (e *ConnectError) Unwrap() error { return e.Err }

// ConnectionLostError is delivered to every outstanding synchronous waiter
// when the connection dies underneath it.
type ConnectionLostError struct {
	Reason string
}

func (e *ConnectionLostError) Error() string { return "opentick: connection lost: " + e.Reason }

// ServerError carries the server's error reply verbatim.
type ServerError struct {
	Message string
}

func (e *ServerError) Error() string { return "opentick: server error: " + e.Message }
