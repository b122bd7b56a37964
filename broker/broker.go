package broker

import (
	"context"
	"fmt"
	"time"
)

// AckMode selects how received messages are acknowledged on a session
type AckMode int

const (
	// SessionTransacted acknowledges on session commit
	SessionTransacted AckMode = iota
	// AutoAcknowledge acknowledges as soon as a receive returns
	AutoAcknowledge
	// ClientAcknowledge requires an explicit Ack on the message
	ClientAcknowledge
	// DupsOKAcknowledge acknowledges lazily and tolerates duplicates
	DupsOKAcknowledge
)

// String returns a string representation of the ack mode
func (m AckMode) String() string {
	switch m {
	case SessionTransacted:
		return "session-transacted"
	case AutoAcknowledge:
		return "auto"
	case ClientAcknowledge:
		return "client"
	case DupsOKAcknowledge:
		return "dups-ok"
	default:
		return fmt.Sprintf("ackmode(%d)", int(m))
	}
}

// ParseAckMode parses the names produced by AckMode.String
func ParseAckMode(s string) (AckMode, error) {
	switch s {
	case "session-transacted", "transacted":
		return SessionTransacted, nil
	case "auto", "":
		return AutoAcknowledge, nil
	case "client":
		return ClientAcknowledge, nil
	case "dups-ok":
		return DupsOKAcknowledge, nil
	}
	return AutoAcknowledge, fmt.Errorf("broker: unknown ack mode %q", s)
}

// SessionOptions parameterizes session creation
type SessionOptions struct {
	Topic      bool
	Transacted bool
	AckMode    AckMode
	NoLocal    bool
	// Durable makes topic subscriptions outlive the consumer
	Durable bool
}

// Credentials authenticate a connection
type Credentials struct {
	Username string
	Password string
}

// ErrorListener receives asynchronous connection failures from the client.
// It is invoked on a goroutine owned by the client.
type ErrorListener interface {
	OnError(err error)
}

// ErrorListenerFunc adapts a function to ErrorListener
type ErrorListenerFunc func(err error)

// OnError implements ErrorListener
func (f ErrorListenerFunc) OnError(err error) {
	f(err)
}

// ConnectionFactory creates physical connections to the broker.
// A nil Credentials creates an anonymous (or URL-authenticated) connection.
type ConnectionFactory interface {
	CreateConnection(ctx context.Context, creds *Credentials) (Connection, error)
}

// PropertyApplier is implemented by factories that accept configuration properties
// before a connection is created. Unknown properties are ignored.
type PropertyApplier interface {
	ApplyProperties(props map[string]any)
}

// Connection is a physical connection to the broker
type Connection interface {
	ClientID() string
	SetClientID(id string) error
	ErrorListener() ErrorListener
	SetErrorListener(l ErrorListener) error
	Start() error
	Stop() error
	Close() error
	CreateSession(opts SessionOptions) (Session, error)
}

// Session is a single-threaded unit of work over a connection
type Session interface {
	ID() string
	Transacted() bool
	CreateProducer(destination string) (Producer, error)
	CreateConsumer(destination string, selector string) (Consumer, error)
	CreateTemporaryQueue() (TemporaryDestination, error)
	CreateTemporaryTopic() (TemporaryDestination, error)
	Commit() error
	Rollback() error
	Close() error
}

// Producer sends messages to a destination
type Producer interface {
	Destination() string
	Send(ctx context.Context, msg *Message) error
	Close() error
}

// Consumer receives messages from a destination
type Consumer interface {
	Destination() string
	// Receive blocks until a message arrives, the timeout elapses (nil, nil)
	// or the context is done.
	Receive(ctx context.Context, timeout time.Duration) (*Message, error)
	Close() error
}

// DestinationKind distinguishes temporary queues from temporary topics
type DestinationKind int

const (
	QueueDestination DestinationKind = iota
	TopicDestination
)

// String returns a string representation of the destination kind
func (k DestinationKind) String() string {
	if k == TopicDestination {
		return "topic"
	}
	return "queue"
}

// TemporaryDestination is a broker-side destination that lives until deleted
// or until its connection closes.
type TemporaryDestination interface {
	Name() string
	Kind() DestinationKind
	Delete() error
}
