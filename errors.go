package eventbus

import (
	"errors"
	"fmt"
)

// Sentinel errors.
var (
	// ErrBusClosed is returned when publishing on a closed bus.
	ErrBusClosed = errors.New("bus is closed")

	// ErrNotStarted is returned by lifecycle accessors used before Start.
	// This is a programmer error: fail loudly, do not retry.
	ErrNotStarted = errors.New("event bus not started")

	// ErrUnknownEventType is returned when decoding an event whose type
	// discriminator has no registered factory. Consumers ignore these.
	ErrUnknownEventType = errors.New("unknown event type")
)

// SerializationError indicates an event could not be encoded or decoded.
// Publish aborts before any write; the caller must fix the event shape
// rather than retry.
type SerializationError struct {
	EventType string
	Err       error
}

func (e *SerializationError) Error() string {
	if e.EventType == "" {
		return fmt.Sprintf("event serialization failed: %v", e.Err)
	}
	return fmt.Sprintf("event serialization failed for %q: %v", e.EventType, e.Err)
}

func (e *SerializationError) Unwrap() error { return e.Err }

// IsSerializationError reports whether err is a serialization failure.
func IsSerializationError(err error) bool {
	var se *SerializationError
	return errors.As(err, &se)
}

// TransportError indicates a connection, write or read failure against the
// backing store. Publish-time transport errors are retryable by the caller.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s failed: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// IsTransportError reports whether err is a transport failure.
func IsTransportError(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// TerminalConnectionError indicates reconnect attempts were exhausted and the
// bus gave up. It is surfaced through the shutdown notification so dependents
// can stop accepting new work instead of silently stalling.
type TerminalConnectionError struct {
	Attempts int
	Err      error
}

func (e *TerminalConnectionError) Error() string {
	return fmt.Sprintf("connection lost after %d reconnect attempts: %v", e.Attempts, e.Err)
}

func (e *TerminalConnectionError) Unwrap() error { return e.Err }

// IsTerminal reports whether err indicates exhausted reconnect attempts.
func IsTerminal(err error) bool {
	var te *TerminalConnectionError
	return errors.As(err, &te)
}
