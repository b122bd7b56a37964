package connector

import (
	"context"
	"fmt"
	"sync"

	"github.com/glimte/mmate-connector/broker"
	"github.com/glimte/mmate-connector/transaction"
)

// Dispatcher sends messages to one destination through the connector. Inside
// an ambient transaction it uses the transaction's session; otherwise it
// either caches a session and producer or opens and closes them per send.
type Dispatcher struct {
	connector     *Connector
	destination   string
	topic         bool
	deferredClose bool

	mu       sync.Mutex
	session  broker.Session
	producer broker.Producer
	closed   bool
}

// DispatcherOption configures a Dispatcher
type DispatcherOption func(*Dispatcher)

// WithTopic sends to a topic instead of a queue
func WithTopic(topic bool) DispatcherOption {
	return func(d *Dispatcher) {
		d.topic = topic
	}
}

// WithDeferredClose hands per-send producers and sessions to the background closer
func WithDeferredClose(deferred bool) DispatcherOption {
	return func(d *Dispatcher) {
		d.deferredClose = deferred
	}
}

// NewDispatcher creates a dispatcher for destination
func (c *Connector) NewDispatcher(destination string, options ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		connector:   c,
		destination: destination,
	}
	for _, opt := range options {
		opt(d)
	}

	c.dispatchersMu.Lock()
	c.dispatchers[d] = struct{}{}
	c.dispatchersMu.Unlock()
	return d
}

// clearDispatchers drops cached sessions, which a failed or closed
// connection has invalidated
func (c *Connector) clearDispatchers() {
	c.dispatchersMu.Lock()
	dispatchers := make([]*Dispatcher, 0, len(c.dispatchers))
	for d := range c.dispatchers {
		dispatchers = append(dispatchers, d)
	}
	c.dispatchersMu.Unlock()

	for _, d := range dispatchers {
		d.reset()
	}
}

// Destination returns the target destination
func (d *Dispatcher) Destination() string {
	return d.destination
}

// Send delivers msg to the destination
func (d *Dispatcher) Send(ctx context.Context, msg *broker.Message) error {
	c := d.connector
	if !c.cfg.HonorQoSHeaders {
		msg.Persistent = c.cfg.Persistent
	}

	if transaction.FromContext(ctx) != nil || !c.cfg.CacheSessions {
		return d.sendWithSession(ctx, msg)
	}
	return d.sendCached(ctx, msg)
}

func (d *Dispatcher) sendWithSession(ctx context.Context, msg *broker.Message) error {
	c := d.connector
	transacted := transaction.FromContext(ctx) != nil

	session, err := c.GetSession(ctx, transacted, d.topic)
	if err != nil {
		return err
	}
	defer c.CloseSessionIfNoTransactionActive(ctx, session, d.deferredClose)

	producer, err := session.CreateProducer(d.destination)
	if err != nil {
		return fmt.Errorf("failed to create producer for %s: %w", d.destination, err)
	}
	defer c.CloseQuietly(ProducerResource(producer), d.deferredClose)

	if err := producer.Send(ctx, msg); err != nil {
		if transacted {
			if rbErr := transaction.MarkRollbackOnly(ctx); rbErr != nil {
				c.logger.Warn("failed to mark transaction rollback-only", "error", rbErr)
			}
		}
		return fmt.Errorf("failed to send to %s: %w", d.destination, err)
	}
	return nil
}

// sendCached publishes outside d.mu so a send blocked by broker flow control
// does not hold up clearDispatchers.
func (d *Dispatcher) sendCached(ctx context.Context, msg *broker.Message) error {
	producer, err := d.cachedProducer()
	if err != nil {
		return err
	}

	if err := producer.Send(ctx, msg); err != nil {
		d.drop(producer)
		return fmt.Errorf("failed to send to %s: %w", d.destination, err)
	}
	return nil
}

func (d *Dispatcher) cachedProducer() (broker.Producer, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil, fmt.Errorf("dispatcher for %s is closed", d.destination)
	}

	if d.producer == nil {
		session, err := d.connector.CreateSession(false, d.topic)
		if err != nil {
			return nil, err
		}
		producer, err := session.CreateProducer(d.destination)
		if err != nil {
			d.connector.CloseQuietly(SessionResource(session), false)
			return nil, fmt.Errorf("failed to create producer for %s: %w", d.destination, err)
		}
		d.session, d.producer = session, producer
	}
	return d.producer, nil
}

// drop resets the cache unless producer was already replaced
func (d *Dispatcher) drop(producer broker.Producer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.producer == producer {
		d.resetLocked()
	}
}

func (d *Dispatcher) reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.resetLocked()
}

// resetLocked must be called with d.mu held
func (d *Dispatcher) resetLocked() {
	if d.producer != nil {
		d.connector.CloseQuietly(ProducerResource(d.producer), true)
	}
	if d.session != nil {
		d.connector.CloseQuietly(SessionResource(d.session), true)
	}
	d.session, d.producer = nil, nil
}

// Close releases cached resources and unregisters the dispatcher
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	d.closed = true
	d.resetLocked()
	d.mu.Unlock()

	d.connector.dispatchersMu.Lock()
	delete(d.connector.dispatchers, d)
	d.connector.dispatchersMu.Unlock()
	return nil
}
