package broker

import (
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
)

var (
	// ErrClosed is returned by operations on a closed connection, session or resource
	ErrClosed = errors.New("broker: resource is closed")
	// ErrTransport marks failures of the network transport beneath the client
	ErrTransport = errors.New("broker: transport failure")
)

// TransportError wraps an I/O level failure reported by the client
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("broker transport error: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Is reports ErrTransport for every TransportError
func (e *TransportError) Is(target error) bool {
	return target == ErrTransport
}

// IsTransportFailure reports whether the root cause of err is a transport
// (I/O) failure as opposed to a protocol or logic failure.
func IsTransportFailure(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTransport) {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.EPIPE) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
