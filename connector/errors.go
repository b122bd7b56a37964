package connector

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrConnectFailed is returned when the factory or the broker handshake fails
	ErrConnectFailed = errors.New("connector: connect failed")
	// ErrConnectionUnavailable is returned for operations attempted mid-stop or mid-reconnect
	ErrConnectionUnavailable = errors.New("connector: connection unavailable")
	// ErrConnectionStopping is returned when a session is requested while the connector stops
	ErrConnectionStopping = fmt.Errorf("%w: it is not possible to create a session since connection is being stopped", ErrConnectionUnavailable)
	// ErrBindFailed is returned when a session cannot be bound to the ambient transaction
	ErrBindFailed = errors.New("connector: could not bind session to current transaction")
	// ErrExceptionInProgress is returned when a session is requested during failure handling
	ErrExceptionInProgress = errors.New("connector: cannot create session while exception is being handled")
	// ErrTransportFailure marks failures delegated to the retry policy
	ErrTransportFailure = errors.New("connector: transport connecting to the broker failed")
	// ErrRedeliveryLimitExceeded marks messages routed to terminal failure handling
	ErrRedeliveryLimitExceeded = errors.New("connector: maximum redelivery exceeded")
	// ErrDisposed is returned for any lifecycle operation after Dispose
	ErrDisposed = errors.New("connector: disposed")
	// ErrInvalidConfiguration is returned for invalid configuration values
	ErrInvalidConfiguration = errors.New("connector: invalid configuration")
)

// ConnectError describes a failed connect attempt
type ConnectError struct {
	Op        string    // Operation that failed
	Connector string    // Connector name
	Err       error     // Underlying error
	Timestamp time.Time // When the error occurred
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connector %s: %s failed: %v", e.Connector, e.Op, e.Err)
}

func (e *ConnectError) Unwrap() []error {
	return []error{ErrConnectFailed, e.Err}
}

// ConnectException is surfaced to the failure handler exactly once per
// failure episode, when quorum is reached.
type ConnectException struct {
	Connector string
	Cause     error
	Reports   int
	Expected  int
	Timestamp time.Time
}

func (e *ConnectException) Error() string {
	return fmt.Sprintf("connector %s: connection lost (%d/%d receivers reported): %v",
		e.Connector, e.Reports, e.Expected, e.Cause)
}

func (e *ConnectException) Unwrap() error {
	return e.Cause
}
