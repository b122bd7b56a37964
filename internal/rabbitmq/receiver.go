package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/glimte/mmate-connector/broker"
	"github.com/glimte/mmate-connector/connector"
	"github.com/glimte/mmate-connector/internal/reliability"
	"github.com/glimte/mmate-connector/transaction"
)

// MessageHandler processes a received message. Returning an error rolls the
// delivery back so the broker redelivers it.
type MessageHandler func(ctx context.Context, msg *broker.Message) error

// Receiver runs the configured number of concurrent consumers on one
// destination. Every consumer that finds the connection broken reports it
// to the connector once and exits; the receiver is restarted after the
// connector has been recycled.
type Receiver struct {
	connector   *connector.Connector
	destination string
	topic       bool
	handler     MessageHandler
	tracker     *reliability.RedeliveryTracker
	consumers   int
	eager       bool
	transacted  bool
	pollTimeout time.Duration
	timeout     time.Duration
	logger      *slog.Logger

	// self is what gets registered with the connector
	self connector.Receiver

	mu         sync.Mutex
	cancel     context.CancelFunc
	running    atomic.Pointer[context.CancelFunc]
	wg         sync.WaitGroup
	registered bool
	closed     bool

	disabled  atomic.Bool
	processed atomic.Int64
	failed    atomic.Int64
}

// ReceiverOption configures a Receiver
type ReceiverOption func(*Receiver)

// WithTopicSource consumes from a topic instead of a queue
func WithTopicSource(topic bool) ReceiverOption {
	return func(r *Receiver) {
		r.topic = topic
	}
}

// WithRedeliveryTracker routes redelivered messages through tracker
func WithRedeliveryTracker(tracker *reliability.RedeliveryTracker) ReceiverOption {
	return func(r *Receiver) {
		r.tracker = tracker
	}
}

// WithReceiverLogger sets the logger
func WithReceiverLogger(logger *slog.Logger) ReceiverOption {
	return func(r *Receiver) {
		r.logger = logger
	}
}

// WithPollTimeout bounds each receive so consumers notice shutdown
func WithPollTimeout(timeout time.Duration) ReceiverOption {
	return func(r *Receiver) {
		r.pollTimeout = timeout
	}
}

// WithHandlerTimeout bounds a single handler invocation
func WithHandlerTimeout(timeout time.Duration) ReceiverOption {
	return func(r *Receiver) {
		r.timeout = timeout
	}
}

// NewReceiver creates a receiver on destination. Consumer count, eagerness
// and acknowledgement follow the connector's configuration.
func NewReceiver(c *connector.Connector, destination string, handler MessageHandler, options ...ReceiverOption) (*Receiver, error) {
	if destination == "" {
		return nil, ErrNoDestination
	}
	if handler == nil {
		return nil, ErrNoHandler
	}

	cfg := c.Config()
	r := &Receiver{
		connector:   c,
		destination: destination,
		handler:     handler,
		consumers:   cfg.ConcurrentConsumers,
		eager:       cfg.EagerConsumer,
		transacted:  cfg.Ack() == broker.SessionTransacted,
		pollTimeout: time.Second,
		timeout:     30 * time.Second,
		logger:      c.Logger(),
	}

	for _, opt := range options {
		opt(r)
	}

	r.logger = r.logger.With("receiver", r.Key())
	r.self = r
	return r, nil
}

// Key identifies the receiver on its connector
func (r *Receiver) Key() string {
	if r.topic {
		return "topic:" + r.destination
	}
	return "queue:" + r.destination
}

// Processed returns the number of messages handled successfully
func (r *Receiver) Processed() int64 {
	return r.processed.Load()
}

// Failed returns the number of deliveries rolled back
func (r *Receiver) Failed() int64 {
	return r.failed.Load()
}

// Running reports whether consumers are active
func (r *Receiver) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancel != nil
}

// Start registers the receiver with the connector and launches its
// consumers. Eager consumers are created before Start returns; a transport
// failure while creating them is reported to the connector.
func (r *Receiver) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrReceiverClosed
	}
	if r.cancel != nil {
		return nil
	}
	if !r.registered {
		if err := r.connector.RegisterReceiver(r.self); err != nil {
			return err
		}
		r.registered = true
	}

	r.disabled.Store(false)
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	r.connector.SetStillConnectingReceivers(true)
	defer r.connector.SetStillConnectingReceivers(false)

	for i := 0; i < r.consumers; i++ {
		var session broker.Session
		var consumer broker.Consumer

		if r.eager {
			var err error
			session, consumer, err = r.open()
			if err != nil {
				cancel()
				r.wg.Wait()
				if broker.IsTransportFailure(err) {
					r.connector.OnError(err)
				}
				return fmt.Errorf("failed to start consumer %d on %s: %w", i, r.destination, err)
			}
		}

		r.wg.Add(1)
		go r.consume(runCtx, i, session, consumer)
	}

	r.cancel = cancel
	r.running.Store(&cancel)
	r.logger.Info("receiver started", "consumers", r.consumers, "eager", r.eager)
	return nil
}

// Stop cancels the consumers and waits for them to exit
func (r *Receiver) Stop() {
	r.mu.Lock()
	cancel := r.cancel
	r.cancel = nil
	r.running.Store(nil)
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	r.wg.Wait()
}

// Restart stops the consumers and starts a fresh set on the current connection
func (r *Receiver) Restart(ctx context.Context) error {
	r.Stop()
	return r.Start(ctx)
}

// Close stops the receiver and removes it from the connector
func (r *Receiver) Close() error {
	r.Stop()

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	if r.registered {
		r.connector.UnregisterReceiver(r.Key())
		r.registered = false
	}
	return nil
}

// disable cancels the consumers without waiting or locking. It is safe to
// call from a consumer goroutine.
func (r *Receiver) disable() {
	r.disabled.Store(true)
	if cancel := r.running.Load(); cancel != nil {
		(*cancel)()
	}
}

func (r *Receiver) open() (broker.Session, broker.Consumer, error) {
	session, err := r.connector.GetSession(context.Background(), r.transacted, r.topic)
	if err != nil {
		return nil, nil, err
	}

	consumer, err := session.CreateConsumer(r.destination, "")
	if err != nil {
		r.connector.CloseQuietly(connector.SessionResource(session), true)
		return nil, nil, err
	}
	return session, consumer, nil
}

func (r *Receiver) consume(ctx context.Context, id int, session broker.Session, consumer broker.Consumer) {
	defer r.wg.Done()
	logger := r.logger.With("consumer", id)

	defer func() {
		if consumer != nil {
			r.connector.CloseQuietly(connector.ConsumerResource(consumer), true)
		}
		if session != nil {
			r.connector.CloseQuietly(connector.SessionResource(session), true)
		}
	}()

	for {
		if ctx.Err() != nil || r.disabled.Load() {
			return
		}

		if consumer == nil {
			var err error
			session, consumer, err = r.open()
			if err != nil {
				if ctx.Err() == nil {
					r.reportFailure(logger, err)
				}
				return
			}
		}

		msg, err := consumer.Receive(ctx, r.pollTimeout)
		if err != nil {
			if ctx.Err() != nil || r.disabled.Load() {
				return
			}
			r.reportFailure(logger, err)
			return
		}
		if msg == nil {
			continue
		}

		if err := r.process(ctx, logger, session, msg); err != nil && broker.IsTransportFailure(err) {
			r.reportFailure(logger, err)
			return
		}
	}
}

func (r *Receiver) reportFailure(logger *slog.Logger, err error) {
	logger.Warn("consumer lost its connection", "error", err)
	r.connector.OnError(err)
}

func (r *Receiver) process(ctx context.Context, logger *slog.Logger, session broker.Session, msg *broker.Message) error {
	decision := reliability.RedeliveryDecision{Deliver: true}
	if r.tracker != nil {
		var err error
		decision, err = r.tracker.Inspect(ctx, r.destination, msg)
		if err != nil {
			logger.Error("failed to hand off exhausted message", "messageId", msg.ID, "error", err)
			return r.rollback(logger, session, msg, nil)
		}
	}
	if !decision.Deliver {
		return r.acknowledge(session, msg)
	}

	if decision.Delay > 0 {
		timer := time.NewTimer(decision.Delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return r.rollback(logger, session, msg, nil)
		}
	}

	handlerCtx := ctx
	var tx *transaction.Local
	if r.transacted {
		tx = transaction.Begin(transaction.WithLogger(logger))
		if conn := r.connector.Connection(); conn != nil {
			if err := tx.BindResource(conn, ownedSession{session}); err != nil {
				logger.Warn("failed to bind receiving session", "error", err)
			}
		}
		handlerCtx = transaction.NewContext(ctx, tx)
	}

	err := r.invoke(handlerCtx, msg)
	if err != nil {
		logger.Warn("message handling failed, rolling back", "messageId", msg.ID, "redelivered", msg.Redelivered, "error", err)
		return r.rollback(logger, session, msg, tx)
	}

	if tx != nil {
		// the ack only completes with the channel transaction
		settleErr := msg.Ack()
		if settleErr == nil {
			settleErr = tx.Commit()
		}
		if settleErr != nil {
			logger.Warn("failed to commit message, rolling back", "messageId", msg.ID, "tx", tx.ID(), "error", settleErr)
			return errors.Join(settleErr, r.rollback(logger, session, msg, tx))
		}
	}

	if r.tracker != nil {
		r.tracker.Acknowledge(msg.Key())
	}
	r.processed.Add(1)
	if tx != nil {
		return nil
	}
	return msg.Ack()
}

func (r *Receiver) invoke(ctx context.Context, msg *broker.Message) (err error) {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("message handler panicked: %v", p)
		}
	}()
	return r.handler(ctx, msg)
}

func (r *Receiver) acknowledge(session broker.Session, msg *broker.Message) error {
	if err := msg.Ack(); err != nil {
		return err
	}
	if session.Transacted() {
		return session.Commit()
	}
	return nil
}

// rollback settles a failed delivery once: pending channel work is rolled
// back, then the message is requeued.
func (r *Receiver) rollback(logger *slog.Logger, session broker.Session, msg *broker.Message, tx *transaction.Local) error {
	r.failed.Add(1)
	if tx != nil {
		err := tx.Rollback()
		switch {
		case errors.Is(err, transaction.ErrAlreadyCompleted):
			// a failed commit leaves the ack pending on the channel
			if rbErr := session.Rollback(); rbErr != nil {
				logger.Warn("failed to roll back session", "tx", tx.ID(), "error", rbErr)
			}
		case err != nil:
			logger.Warn("failed to roll back transaction", "tx", tx.ID(), "error", err)
		}
	}
	if err := msg.Nack(true); err != nil {
		return err
	}
	if session.Transacted() {
		// the nack is part of the channel transaction
		return session.Commit()
	}
	return nil
}

// ownedSession binds a receiver's session to a transaction without handing
// over its lifetime: completing the transaction commits or rolls back the
// session but leaves it open.
type ownedSession struct {
	broker.Session
}

func (ownedSession) Close() error {
	return nil
}

// MultiConsumerReceiver is a Receiver whose consumers fail over as one: the
// first report of a broken connection disables all of them.
type MultiConsumerReceiver struct {
	*Receiver
}

// NewMultiConsumerReceiver creates a receiver that reports connection loss once
func NewMultiConsumerReceiver(c *connector.Connector, destination string, handler MessageHandler, options ...ReceiverOption) (*MultiConsumerReceiver, error) {
	r, err := NewReceiver(c, destination, handler, options...)
	if err != nil {
		return nil, err
	}
	m := &MultiConsumerReceiver{Receiver: r}
	r.self = m
	return m, nil
}

// DisableConsumers implements connector.MultiConsumerReceiver
func (m *MultiConsumerReceiver) DisableConsumers() {
	m.logger.Info("disabling consumers after connection loss")
	m.disable()
}
