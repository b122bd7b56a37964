package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/mmate-connector/broker"
)

// amqpConnection is the part of *amqp.Connection the adapter uses
type amqpConnection interface {
	Channel() (amqpChannel, error)
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
	IsClosed() bool
	Close() error
}

// amqpChannel is the part of *amqp.Channel the adapter uses
type amqpChannel interface {
	Tx() error
	TxCommit() error
	TxRollback() error
	Qos(prefetchCount, prefetchSize int, global bool) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Cancel(consumer string, noWait bool) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	QueueDelete(name string, ifUnused, ifEmpty, noWait bool) (int, error)
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	ExchangeDelete(name string, ifUnused, noWait bool) error
	Ack(tag uint64, multiple bool) error
	Nack(tag uint64, multiple bool, requeue bool) error
	Close() error
}

type dialFunc func(url string, cfg amqp.Config) (amqpConnection, error)

type clientConnection struct {
	*amqp.Connection
}

func (c clientConnection) Channel() (amqpChannel, error) {
	ch, err := c.Connection.Channel()
	if err != nil {
		return nil, err
	}
	return ch, nil
}

func dialAMQP(url string, cfg amqp.Config) (amqpConnection, error) {
	conn, err := amqp.DialConfig(url, cfg)
	if err != nil {
		return nil, err
	}
	return clientConnection{conn}, nil
}

// Factory creates AMQP 0-9-1 connections. It implements
// broker.ConnectionFactory and broker.PropertyApplier.
type Factory struct {
	url         string
	dialTimeout time.Duration
	dial        dialFunc
	logger      *slog.Logger

	mu       sync.Mutex
	config   amqp.Config
	clientID string
	prefetch int
	closed   bool
}

// FactoryOption configures the Factory
type FactoryOption func(*Factory)

// WithFactoryLogger sets the logger
func WithFactoryLogger(logger *slog.Logger) FactoryOption {
	return func(f *Factory) {
		f.logger = logger
	}
}

// WithDialTimeout bounds how long a dial may take
func WithDialTimeout(timeout time.Duration) FactoryOption {
	return func(f *Factory) {
		f.dialTimeout = timeout
	}
}

// WithAMQPConfig replaces the client configuration used for dialing
func WithAMQPConfig(cfg amqp.Config) FactoryOption {
	return func(f *Factory) {
		f.config = cfg
	}
}

// WithPrefetch sets the per-consumer prefetch count
func WithPrefetch(count int) FactoryOption {
	return func(f *Factory) {
		f.prefetch = count
	}
}

func withDialer(dial dialFunc) FactoryOption {
	return func(f *Factory) {
		f.dial = dial
	}
}

// NewFactory creates a factory for the broker at url
func NewFactory(url string, options ...FactoryOption) (*Factory, error) {
	if _, err := amqp.ParseURI(url); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfiguration, err)
	}

	f := &Factory{
		url:         url,
		dialTimeout: 30 * time.Second,
		dial:        dialAMQP,
		logger:      slog.Default(),
		config: amqp.Config{
			Heartbeat: 10 * time.Second,
			Locale:    "en_US",
		},
	}

	for _, opt := range options {
		opt(f)
	}

	return f, nil
}

// ApplyProperties implements broker.PropertyApplier. Recognised keys are
// heartbeat, vhost, locale, channel_max, frame_size, connection_name and
// prefetch_count.
func (f *Factory) ApplyProperties(props map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for key, value := range props {
		switch key {
		case "heartbeat":
			if d, ok := durationProperty(value); ok {
				f.config.Heartbeat = d
			}
		case "vhost":
			f.config.Vhost = fmt.Sprint(value)
		case "locale":
			f.config.Locale = fmt.Sprint(value)
		case "channel_max":
			if n, ok := intProperty(value); ok {
				f.config.ChannelMax = n
			}
		case "frame_size":
			if n, ok := intProperty(value); ok {
				f.config.FrameSize = n
			}
		case "connection_name":
			f.clientID = fmt.Sprint(value)
		case "prefetch_count":
			if n, ok := intProperty(value); ok {
				f.prefetch = n
			}
		default:
			f.logger.Debug("ignoring unknown factory property", "property", key)
		}
	}
}

// CreateConnection implements broker.ConnectionFactory
func (f *Factory) CreateConnection(ctx context.Context, creds *broker.Credentials) (broker.Connection, error) {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil, broker.ErrClosed
	}
	cfg := f.config
	clientID := f.clientID
	prefetch := f.prefetch
	f.mu.Unlock()

	if f.dial == nil {
		return nil, ErrNoConnectionFactory
	}
	if creds != nil {
		cfg.SASL = []amqp.Authentication{&amqp.PlainAuth{Username: creds.Username, Password: creds.Password}}
	}
	if clientID != "" {
		props := amqp.NewConnectionProperties()
		for k, v := range cfg.Properties {
			props[k] = v
		}
		props.SetClientConnectionName(clientID)
		cfg.Properties = props
	}

	dialCtx, cancel := context.WithTimeout(ctx, f.dialTimeout)
	defer cancel()

	type dialResult struct {
		conn amqpConnection
		err  error
	}
	results := make(chan dialResult, 1)

	go func() {
		conn, err := f.dial(f.url, cfg)
		results <- dialResult{conn: conn, err: err}
	}()

	select {
	case r := <-results:
		if r.err != nil {
			return nil, &ConnectionError{
				Op:        "dial",
				URL:       SanitizeURL(f.url),
				Err:       translate("dial", r.err),
				Timestamp: time.Now(),
			}
		}

		f.logger.Info("connected to RabbitMQ", "url", SanitizeURL(f.url))
		return newConnection(r.conn, clientID, prefetch, f.logger), nil

	case <-dialCtx.Done():
		// a dial that completes after we gave up must not leak
		go func() {
			if r := <-results; r.conn != nil {
				_ = r.conn.Close()
			}
		}()
		return nil, &ConnectionError{
			Op:        "dial",
			URL:       SanitizeURL(f.url),
			Err:       &broker.TransportError{Op: "dial", Err: fmt.Errorf("%w: %v", ErrConnectionTimeout, dialCtx.Err())},
			Timestamp: time.Now(),
		}
	}
}

// Close releases the factory. Connections already created are unaffected.
func (f *Factory) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func durationProperty(v any) (time.Duration, bool) {
	switch val := v.(type) {
	case time.Duration:
		return val, true
	case string:
		if d, err := time.ParseDuration(val); err == nil {
			return d, true
		}
		if n, err := strconv.Atoi(val); err == nil {
			return time.Duration(n) * time.Second, true
		}
		return 0, false
	}
	if n, ok := intProperty(v); ok {
		return time.Duration(n) * time.Second, true
	}
	return 0, false
}

func intProperty(v any) (int, bool) {
	switch val := v.(type) {
	case int:
		return val, true
	case int64:
		return int(val), true
	case uint16:
		return int(val), true
	case float64:
		return int(val), true
	case string:
		n, err := strconv.Atoi(val)
		return n, err == nil
	}
	return 0, false
}
