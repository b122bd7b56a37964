package rabbitmq

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/mmate-connector/broker"
)

// Connection is an AMQP connection seen through broker.Connection. Consumers
// only hand out deliveries while the connection is started.
type Connection struct {
	raw      amqpConnection
	prefetch int
	logger   *slog.Logger

	mu       sync.Mutex
	clientID string
	listener broker.ErrorListener
	started  chan struct{} // closed while started
	running  bool
	closed   bool
	done     chan struct{}
}

func newConnection(raw amqpConnection, clientID string, prefetch int, logger *slog.Logger) *Connection {
	c := &Connection{
		raw:      raw,
		prefetch: prefetch,
		logger:   logger,
		clientID: clientID,
		started:  make(chan struct{}),
		done:     make(chan struct{}),
	}

	notifyClose := raw.NotifyClose(make(chan *amqp.Error, 1))
	go c.watchClose(notifyClose)
	return c
}

func (c *Connection) watchClose(notifyClose <-chan *amqp.Error) {
	select {
	case amqpErr, ok := <-notifyClose:
		if !ok || amqpErr == nil {
			// graceful close
			return
		}

		var err error = &ConnectionError{Op: "connection closed", Err: translate("connection", amqpErr), Timestamp: time.Now()}
		c.logger.Warn("RabbitMQ connection closed", "error", amqpErr, "server", amqpErr.Server, "code", amqpErr.Code)

		c.mu.Lock()
		c.closed = true
		listener := c.listener
		c.mu.Unlock()

		if listener != nil {
			listener.OnError(err)
		}
	case <-c.done:
	}
}

// ClientID implements broker.Connection
func (c *Connection) ClientID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clientID
}

// SetClientID implements broker.Connection. AMQP advertises the client id as
// the connection name during the handshake, so it can only be set once.
func (c *Connection) SetClientID(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.clientID != "" && c.clientID != id {
		return ErrClientIDAlreadySet
	}
	c.clientID = id
	return nil
}

// ErrorListener implements broker.Connection
func (c *Connection) ErrorListener() broker.ErrorListener {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.listener
}

// SetErrorListener implements broker.Connection
func (c *Connection) SetErrorListener(l broker.ErrorListener) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return broker.ErrClosed
	}
	c.listener = l
	return nil
}

// Start implements broker.Connection
func (c *Connection) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return broker.ErrClosed
	}
	if !c.running {
		c.running = true
		close(c.started)
	}
	return nil
}

// Stop implements broker.Connection. Deliveries already buffered stay
// queued until the connection is started again.
func (c *Connection) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return broker.ErrClosed
	}
	if c.running {
		c.running = false
		c.started = make(chan struct{})
	}
	return nil
}

// Close implements broker.Connection
func (c *Connection) Close() error {
	c.mu.Lock()
	if c.closed && c.raw.IsClosed() {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	select {
	case <-c.done:
	default:
		close(c.done)
	}
	c.mu.Unlock()

	if err := c.raw.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		return translate("close", err)
	}
	return nil
}

// CreateSession implements broker.Connection
func (c *Connection) CreateSession(opts broker.SessionOptions) (broker.Session, error) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return nil, broker.ErrClosed
	}

	ch, err := c.raw.Channel()
	if err != nil {
		return nil, &ChannelError{Op: "open", Err: translate("channel", err), Timestamp: time.Now()}
	}
	return newSession(c, ch, opts)
}

// awaitStarted blocks until the connection is started
func (c *Connection) awaitStarted(ctx context.Context, timeout <-chan time.Time) (bool, error) {
	c.mu.Lock()
	started := c.started
	c.mu.Unlock()

	select {
	case <-started:
		return true, nil
	case <-c.done:
		return false, broker.ErrClosed
	case <-timeout:
		return false, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

func (c *Connection) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed || c.raw.IsClosed()
}
