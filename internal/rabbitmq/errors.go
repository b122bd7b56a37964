package rabbitmq

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/mmate-connector/broker"
)

var (
	// Connection errors
	ErrConnectionTimeout   = errors.New("rabbitmq: connection timeout")
	ErrClientIDAlreadySet  = errors.New("rabbitmq: client id already set")
	ErrNoConnectionFactory = errors.New("rabbitmq: no dialer configured")

	// Channel errors
	ErrChannelClosed = errors.New("rabbitmq: channel is closed")

	// Consumer errors
	ErrConsumerClosed    = errors.New("rabbitmq: consumer is closed")
	ErrConsumerCancelled = errors.New("rabbitmq: consumer cancelled")

	// Receiver errors
	ErrReceiverClosed = errors.New("rabbitmq: receiver is closed")
	ErrNoHandler      = errors.New("rabbitmq: message handler is required")
	ErrNoDestination  = errors.New("rabbitmq: destination is required")

	// General errors
	ErrInvalidConfiguration = errors.New("rabbitmq: invalid configuration")
)

// ConnectionError represents a connection-related error
type ConnectionError struct {
	Op        string    // Operation that failed
	URL       string    // Connection URL (sanitized)
	Err       error     // Underlying error
	Timestamp time.Time // When the error occurred
}

func (e *ConnectionError) Error() string {
	if e.URL != "" {
		return fmt.Sprintf("rabbitmq connection error: %s %s failed: %v", e.Op, e.URL, e.Err)
	}
	return fmt.Sprintf("rabbitmq connection error: %s failed: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// ChannelError represents a channel-related error
type ChannelError struct {
	Op        string    // Operation that failed
	ChannelID string    // Channel identifier
	Err       error     // Underlying error
	Timestamp time.Time // When the error occurred
}

func (e *ChannelError) Error() string {
	return fmt.Sprintf("rabbitmq channel error: %s on channel %s: %v", e.Op, e.ChannelID, e.Err)
}

func (e *ChannelError) Unwrap() error {
	return e.Err
}

// PublishError represents a publish operation error
type PublishError struct {
	Exchange   string    // Target exchange
	RoutingKey string    // Routing key used
	Err        error     // Underlying error
	Timestamp  time.Time // When the error occurred
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("rabbitmq publish error: failed to publish to %s/%s: %v",
		e.Exchange, e.RoutingKey, e.Err)
}

func (e *PublishError) Unwrap() error {
	return e.Err
}

// ConsumerError represents a consumer-related error
type ConsumerError struct {
	Queue       string    // Queue name
	ConsumerTag string    // Consumer tag
	Op          string    // Operation that failed
	Err         error     // Underlying error
	Timestamp   time.Time // When the error occurred
}

func (e *ConsumerError) Error() string {
	return fmt.Sprintf("rabbitmq consumer error: %s failed for consumer %s on queue %s: %v",
		e.Op, e.ConsumerTag, e.Queue, e.Err)
}

func (e *ConsumerError) Unwrap() error {
	return e.Err
}

// translate maps client errors onto the broker error vocabulary. Closing
// errors that did not originate from the server are transport failures.
func translate(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, amqp.ErrClosed) {
		return &broker.TransportError{Op: op, Err: errors.Join(broker.ErrClosed, err)}
	}
	var amqpErr *amqp.Error
	if errors.As(err, &amqpErr) && !amqpErr.Server {
		return &broker.TransportError{Op: op, Err: err}
	}
	if broker.IsTransportFailure(err) {
		return &broker.TransportError{Op: op, Err: err}
	}
	return err
}

// IsRetryable determines if an error is retryable
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	switch {
	case errors.Is(err, ErrInvalidConfiguration):
		return false
	case errors.Is(err, ErrClientIDAlreadySet):
		return false
	}

	var amqpErr *amqp.Error
	if errors.As(err, &amqpErr) {
		return amqpErr.Recover || !amqpErr.Server
	}
	return true
}

// SanitizeURL removes the password from a connection URL
func SanitizeURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "***"
	}
	return u.Redacted()
}
