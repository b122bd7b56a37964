package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/mmate-connector/broker"
)

const (
	// TopicExchange routes topic destinations
	TopicExchange = "amq.topic"

	temporaryTopicPrefix = "tmp.topic."
)

// Session is one AMQP channel. Transacted sessions put the channel in
// transaction mode so publishes and acks complete on Commit.
type Session struct {
	id   string
	conn *Connection
	ch   amqpChannel
	opts broker.SessionOptions

	mu     sync.Mutex
	closed bool
}

func newSession(conn *Connection, ch amqpChannel, opts broker.SessionOptions) (*Session, error) {
	s := &Session{
		id:   uuid.New().String(),
		conn: conn,
		ch:   ch,
		opts: opts,
	}

	if opts.Transacted {
		if err := ch.Tx(); err != nil {
			_ = ch.Close()
			return nil, &ChannelError{Op: "tx.select", ChannelID: s.id, Err: translate("tx.select", err), Timestamp: time.Now()}
		}
	}
	return s, nil
}

// ID implements broker.Session
func (s *Session) ID() string {
	return s.id
}

// Transacted implements broker.Session
func (s *Session) Transacted() bool {
	return s.opts.Transacted
}

func (s *Session) checkOpen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return broker.ErrClosed
	}
	return nil
}

// CreateProducer implements broker.Session. Queue sessions publish through
// the default exchange, topic sessions through TopicExchange.
func (s *Session) CreateProducer(destination string) (broker.Producer, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if destination == "" {
		return nil, ErrNoDestination
	}

	p := &producer{session: s, destination: destination, routingKey: destination}
	if s.opts.Topic {
		p.exchange = TopicExchange
	}
	return p, nil
}

// CreateConsumer implements broker.Session. Topic consumers read from an
// exclusive server-named queue bound to TopicExchange with the destination as
// binding key. Durable sessions declare a durable queue named after the client
// id and the destination instead, shared by every consumer of the
// subscription. Message selectors are not supported by AMQP.
func (s *Session) CreateConsumer(destination, selector string) (broker.Consumer, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if destination == "" {
		return nil, ErrNoDestination
	}
	if selector != "" {
		return nil, fmt.Errorf("%w: message selectors are not supported", ErrInvalidConfiguration)
	}

	queue := destination
	if s.opts.Topic {
		q, err := s.declareSubscription(destination)
		if err != nil {
			return nil, &ConsumerError{Queue: destination, Op: "declare", Err: translate("queue.declare", err), Timestamp: time.Now()}
		}
		if err := s.ch.QueueBind(q.Name, destination, TopicExchange, false, nil); err != nil {
			return nil, &ConsumerError{Queue: q.Name, Op: "bind", Err: translate("queue.bind", err), Timestamp: time.Now()}
		}
		queue = q.Name
	}

	if s.conn.prefetch > 0 {
		if err := s.ch.Qos(s.conn.prefetch, 0, false); err != nil {
			return nil, fmt.Errorf("failed to set QoS: %w", translate("basic.qos", err))
		}
	}

	tag := "ctag-" + uuid.New().String()
	deliveries, err := s.ch.Consume(queue, tag, false, false, s.opts.NoLocal, false, nil)
	if err != nil {
		return nil, &ConsumerError{Queue: queue, ConsumerTag: tag, Op: "subscribe", Err: translate("basic.consume", err), Timestamp: time.Now()}
	}

	return &consumer{
		session:     s,
		destination: destination,
		queue:       queue,
		tag:         tag,
		deliveries:  deliveries,
		done:        make(chan struct{}),
	}, nil
}

func (s *Session) declareSubscription(destination string) (amqp.Queue, error) {
	if !s.opts.Durable {
		return s.ch.QueueDeclare("", false, true, true, false, nil)
	}
	clientID := s.conn.ClientID()
	if clientID == "" {
		return amqp.Queue{}, fmt.Errorf("%w: durable subscriptions need a client id", ErrInvalidConfiguration)
	}
	return s.ch.QueueDeclare(SubscriptionQueue(clientID, destination), true, false, false, false, nil)
}

// SubscriptionQueue names the queue backing a durable topic subscription
func SubscriptionQueue(clientID, destination string) string {
	return clientID + "." + destination
}

// CreateTemporaryQueue implements broker.Session
func (s *Session) CreateTemporaryQueue() (broker.TemporaryDestination, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	q, err := s.ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		return nil, &ChannelError{Op: "queue.declare", ChannelID: s.id, Err: translate("queue.declare", err), Timestamp: time.Now()}
	}
	return &temporaryDestination{
		name: q.Name,
		kind: broker.QueueDestination,
		delete: func() error {
			_, err := s.ch.QueueDelete(q.Name, false, false, false)
			return err
		},
	}, nil
}

// CreateTemporaryTopic implements broker.Session. The topic is an
// auto-delete topic exchange.
func (s *Session) CreateTemporaryTopic() (broker.TemporaryDestination, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	name := temporaryTopicPrefix + uuid.New().String()
	if err := s.ch.ExchangeDeclare(name, amqp.ExchangeTopic, false, true, false, false, nil); err != nil {
		return nil, &ChannelError{Op: "exchange.declare", ChannelID: s.id, Err: translate("exchange.declare", err), Timestamp: time.Now()}
	}
	return &temporaryDestination{
		name: name,
		kind: broker.TopicDestination,
		delete: func() error {
			return s.ch.ExchangeDelete(name, false, false)
		},
	}, nil
}

// Commit implements broker.Session. It is a no-op on non-transacted sessions.
func (s *Session) Commit() error {
	if !s.opts.Transacted {
		return nil
	}
	if err := s.checkOpen(); err != nil {
		return err
	}
	if err := s.ch.TxCommit(); err != nil {
		return &ChannelError{Op: "tx.commit", ChannelID: s.id, Err: translate("tx.commit", err), Timestamp: time.Now()}
	}
	return nil
}

// Rollback implements broker.Session. It is a no-op on non-transacted sessions.
func (s *Session) Rollback() error {
	if !s.opts.Transacted {
		return nil
	}
	if err := s.checkOpen(); err != nil {
		return err
	}
	if err := s.ch.TxRollback(); err != nil {
		return &ChannelError{Op: "tx.rollback", ChannelID: s.id, Err: translate("tx.rollback", err), Timestamp: time.Now()}
	}
	return nil
}

// Close implements broker.Session
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	if err := s.ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		return &ChannelError{Op: "close", ChannelID: s.id, Err: translate("channel.close", err), Timestamp: time.Now()}
	}
	return nil
}

type producer struct {
	session     *Session
	destination string
	exchange    string
	routingKey  string

	mu     sync.Mutex
	closed bool
}

func (p *producer) Destination() string {
	return p.destination
}

func (p *producer) Send(ctx context.Context, msg *broker.Message) error {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return broker.ErrClosed
	}
	if err := p.session.checkOpen(); err != nil {
		return err
	}

	if err := p.session.ch.PublishWithContext(ctx, p.exchange, p.routingKey, false, false, toPublishing(msg)); err != nil {
		return &PublishError{Exchange: p.exchange, RoutingKey: p.routingKey, Err: translate("basic.publish", err), Timestamp: time.Now()}
	}
	return nil
}

func (p *producer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

type consumer struct {
	session     *Session
	destination string
	queue       string
	tag         string
	deliveries  <-chan amqp.Delivery

	closeOnce sync.Once
	done      chan struct{}
}

func (c *consumer) Destination() string {
	return c.destination
}

func (c *consumer) Receive(ctx context.Context, timeout time.Duration) (*broker.Message, error) {
	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	started, err := c.session.conn.awaitStarted(ctx, expired)
	if err != nil {
		if errors.Is(err, broker.ErrClosed) {
			return nil, c.closedError()
		}
		return nil, err
	}
	if !started {
		return nil, nil
	}

	select {
	case d, ok := <-c.deliveries:
		if !ok {
			return nil, c.closedError()
		}
		return c.toMessage(d)
	case <-c.done:
		return nil, &ConsumerError{Queue: c.queue, ConsumerTag: c.tag, Op: "receive", Err: ErrConsumerClosed, Timestamp: time.Now()}
	case <-expired:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// closedError distinguishes a lost connection from a cancelled consumer
func (c *consumer) closedError() error {
	if c.session.conn.isClosed() {
		return &ConsumerError{Queue: c.queue, ConsumerTag: c.tag, Op: "receive", Err: &broker.TransportError{Op: "receive", Err: ErrChannelClosed}, Timestamp: time.Now()}
	}
	return &ConsumerError{Queue: c.queue, ConsumerTag: c.tag, Op: "receive", Err: ErrConsumerCancelled, Timestamp: time.Now()}
}

func (c *consumer) toMessage(d amqp.Delivery) (*broker.Message, error) {
	msg := fromDelivery(d)
	ch := c.session.ch
	tag := d.DeliveryTag

	switch c.session.opts.AckMode {
	case broker.AutoAcknowledge, broker.DupsOKAcknowledge:
		if !c.session.opts.Transacted {
			if err := ch.Ack(tag, false); err != nil {
				return nil, &ConsumerError{Queue: c.queue, ConsumerTag: c.tag, Op: "ack", Err: translate("basic.ack", err), Timestamp: time.Now()}
			}
			return msg, nil
		}
	}

	return msg.WithAcknowledger(
		func() error { return translate("basic.ack", ch.Ack(tag, false)) },
		func(requeue bool) error { return translate("basic.nack", ch.Nack(tag, false, requeue)) },
	), nil
}

func (c *consumer) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		if c.session.checkOpen() != nil {
			return
		}
		if cancelErr := c.session.ch.Cancel(c.tag, false); cancelErr != nil && !errors.Is(cancelErr, amqp.ErrClosed) {
			err = &ConsumerError{Queue: c.queue, ConsumerTag: c.tag, Op: "cancel", Err: translate("basic.cancel", cancelErr), Timestamp: time.Now()}
		}
	})
	return err
}

type temporaryDestination struct {
	name   string
	kind   broker.DestinationKind
	delete func() error
}

func (d *temporaryDestination) Name() string {
	return d.name
}

func (d *temporaryDestination) Kind() broker.DestinationKind {
	return d.kind
}

func (d *temporaryDestination) Delete() error {
	if err := d.delete(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		return translate("delete", err)
	}
	return nil
}

func toPublishing(msg *broker.Message) amqp.Publishing {
	pub := amqp.Publishing{
		MessageId:     msg.ID,
		CorrelationId: msg.CorrelationID,
		ReplyTo:       msg.ReplyTo,
		Priority:      msg.Priority,
		Timestamp:     msg.Timestamp,
		Body:          msg.Body,
		DeliveryMode:  amqp.Transient,
	}
	if msg.Persistent {
		pub.DeliveryMode = amqp.Persistent
	}
	if len(msg.Headers) > 0 {
		pub.Headers = amqp.Table(msg.Headers)
	}
	return pub
}

func fromDelivery(d amqp.Delivery) *broker.Message {
	msg := &broker.Message{
		ID:            d.MessageId,
		CorrelationID: d.CorrelationId,
		ReplyTo:       d.ReplyTo,
		Body:          d.Body,
		Headers:       make(map[string]any, len(d.Headers)),
		Persistent:    d.DeliveryMode == amqp.Persistent,
		Priority:      d.Priority,
		Timestamp:     d.Timestamp,
		Redelivered:   d.Redelivered,
	}
	for k, v := range d.Headers {
		msg.Headers[k] = v
	}
	// quorum queues report the delivery count
	if count, ok := intProperty(d.Headers["x-delivery-count"]); ok {
		msg.DeliveryCount = count
	}
	return msg
}
