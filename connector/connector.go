package connector

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/glimte/mmate-connector/broker"
)

type connRef struct {
	conn broker.Connection
}

// Connector owns one physical broker connection shared by many receivers and
// dispatchers. Lifecycle operations are serialized; the session and failure
// paths only read the connection and coordinate through the state cell.
type Connector struct {
	cfg            Config
	factory        broker.ConnectionFactory
	resolver       FactoryResolver
	logger         *slog.Logger
	metrics        *Metrics
	failureHandler FailureHandler
	prepareHook    func()

	state  *stateCell
	conn   atomic.Pointer[connRef]
	closer *DeferredCloser

	// set when Start ran without a connection; the next Connect starts it
	startPending atomic.Bool

	lifecycleMu sync.Mutex

	receiversMu sync.RWMutex
	receivers   []Receiver

	dispatchersMu sync.Mutex
	dispatchers   map[*Dispatcher]struct{}
}

// New creates a connector over factory. The background closer starts immediately.
func New(factory broker.ConnectionFactory, options ...Option) (*Connector, error) {
	c := &Connector{
		cfg:         DefaultConfig(),
		factory:     factory,
		logger:      slog.Default(),
		state:       newStateCell(),
		dispatchers: make(map[*Dispatcher]struct{}),
	}

	for _, opt := range options {
		opt(c)
	}

	if err := c.cfg.Validate(); err != nil {
		return nil, err
	}
	if c.factory == nil && c.resolver == nil {
		return nil, fmt.Errorf("%w: a connection factory or factory resolver is required", ErrInvalidConfiguration)
	}

	c.logger = c.logger.With("connector", c.cfg.Name)
	c.conn.Store(&connRef{})
	c.closer = NewDeferredCloser(
		WithCloserLogger(c.logger),
		WithCloserMetrics(c.cfg.Name, c.metrics),
	)
	c.closer.Start()

	return c, nil
}

// Name returns the configured connector name
func (c *Connector) Name() string {
	return c.cfg.Name
}

// Config returns the connector configuration
func (c *Connector) Config() Config {
	return c.cfg
}

// Logger returns the connector logger
func (c *Connector) Logger() *slog.Logger {
	return c.logger
}

// Metrics returns the metrics sink, possibly nil
func (c *Connector) Metrics() *Metrics {
	return c.metrics
}

// State returns a snapshot of the coordination state
func (c *Connector) State() State {
	return c.state.Load()
}

// Connection returns the current physical connection, or nil
func (c *Connector) Connection() broker.Connection {
	return c.conn.Load().conn
}

// Closer returns the background closer
func (c *Connector) Closer() *DeferredCloser {
	return c.closer
}

// IsConnected reports whether a physical connection is held
func (c *Connector) IsConnected() bool {
	return c.Connection() != nil
}

// Connect creates the physical connection. It is a no-op when already connected.
func (c *Connector) Connect(ctx context.Context) error {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()

	prev := c.state.Load()
	if prev.Lifecycle == StateDisposed {
		return ErrDisposed
	}
	if c.Connection() != nil {
		return nil
	}

	c.state.Set(func(s *State) { s.Lifecycle = StateConnecting })

	conn, err := c.createConnection(ctx)
	if err != nil {
		c.state.Set(func(s *State) { s.Lifecycle = prev.Lifecycle })
		return &ConnectError{Op: "connect", Connector: c.cfg.Name, Err: err, Timestamp: time.Now()}
	}

	next := StateConnected
	if c.cfg.StartOnConnect || c.startPending.Load() {
		if err := conn.Start(); err != nil {
			c.silentlyCloseConnection(conn)
			c.state.Set(func(s *State) { s.Lifecycle = prev.Lifecycle })
			return &ConnectError{Op: "start", Connector: c.cfg.Name, Err: err, Timestamp: time.Now()}
		}
		next = StateStarted
	}

	c.conn.Store(&connRef{conn: conn})
	c.startPending.Store(false)
	c.state.Set(func(s *State) {
		s.Lifecycle = next
		s.RetryBrokerConnection = false
	})

	c.logger.Info("connected to broker", "clientId", conn.ClientID(), "state", next.String())
	return nil
}

// createConnection resolves the factory, creates the connection and attaches
// the client id and error listener. On setup failure the connection is closed.
func (c *Connector) createConnection(ctx context.Context) (broker.Connection, error) {
	factory := c.factory
	if c.resolver != nil {
		resolved, err := c.resolver(ctx)
		if err != nil {
			return nil, fmt.Errorf("error creating connection factory: %w", err)
		}
		factory = resolved
		c.factory = resolved
	}
	if factory == nil {
		return nil, errors.New("no connection factory available")
	}

	if len(c.cfg.FactoryProperties) > 0 {
		if applier, ok := factory.(broker.PropertyApplier); ok {
			applier.ApplyProperties(c.cfg.FactoryProperties)
		}
	}

	var creds *broker.Credentials
	if !c.cfg.CacheSessions && c.cfg.Username != "" {
		creds = &broker.Credentials{Username: c.cfg.Username, Password: c.cfg.Password}
	}

	conn, err := factory.CreateConnection(ctx, creds)
	if err != nil {
		return nil, err
	}
	if conn == nil {
		return nil, errors.New("connection factory returned no connection")
	}

	if err := c.postCreationSetup(conn); err != nil {
		c.silentlyCloseConnection(conn)
		return nil, err
	}
	return conn, nil
}

func (c *Connector) postCreationSetup(conn broker.Connection) error {
	// only set the client id when it differs, some clients reject a second set
	if c.cfg.ClientID != "" && c.cfg.ClientID != conn.ClientID() {
		if err := conn.SetClientID(c.cfg.ClientID); err != nil {
			return fmt.Errorf("failed to set client id: %w", err)
		}
	}
	if !c.cfg.EmbeddedMode && conn.ErrorListener() == nil {
		if err := conn.SetErrorListener(c); err != nil {
			return fmt.Errorf("failed to register error listener: %w", err)
		}
	}
	return nil
}

// Start activates delivery on the connection and opens a new failure episode
// window. Without a connection (a reconnect is pending) it does nothing.
func (c *Connector) Start(ctx context.Context) error {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()

	s := c.state.Load()
	if s.Lifecycle == StateDisposed {
		return ErrDisposed
	}
	if s.Stopping {
		return nil
	}

	c.logger.Info("starting connector")
	c.state.Set(func(s *State) {
		s.Episode = EpisodeIdle
		s.Reported = 0
	})
	c.logger.Debug("deferred closes pending", "pending", c.closer.Pending())

	conn := c.Connection()
	if conn == nil {
		c.logger.Warn("no connection to start, waiting for reconnect")
		c.startPending.Store(true)
		return nil
	}
	if err := conn.Start(); err != nil {
		return fmt.Errorf("failed to start connection: %w", err)
	}

	c.state.Set(func(s *State) { s.Lifecycle = StateStarted })
	return nil
}

// Stop stops delivery and waits, bounded by the drain timeout, for deferred
// closes to finish. Connection stop failures are logged and do not abort.
func (c *Connector) Stop(ctx context.Context) error {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()

	if c.state.Load().Lifecycle == StateDisposed {
		return ErrDisposed
	}
	c.startPending.Store(false)

	conn := c.Connection()
	if conn != nil {
		c.state.Set(func(s *State) {
			s.Stopping = true
			s.Lifecycle = StateStopping
		})
		defer c.state.Set(func(s *State) {
			s.Stopping = false
			s.Lifecycle = StateStopped
		})

		if err := conn.Stop(); err != nil {
			// the broker may already be gone; stopping continues regardless
			c.logger.Warn("connection failed to stop properly", "error", err)
		}
	} else {
		defer c.state.Set(func(s *State) { s.Lifecycle = StateStopped })
	}

	if c.closer.Pending() > 0 {
		if !c.closer.WaitForEmptyOrTimeout(ctx, c.cfg.DrainTimeout) {
			c.logger.Warn("deferred closes still pending after stop",
				"pending", c.closer.Pending(),
				"timeout", c.cfg.DrainTimeout)
		}
	}
	c.logger.Debug("elements left on the deferred close queue", "pending", c.closer.Pending())
	c.logger.Info("connector stopped")
	return nil
}

// Disconnect closes the physical connection. Failure notifications caused by
// the deliberate close are ignored.
func (c *Connector) Disconnect(ctx context.Context) error {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()

	if c.state.Load().Lifecycle == StateDisposed {
		return ErrDisposed
	}
	c.disconnectLocked()
	return nil
}

func (c *Connector) disconnectLocked() {
	c.clearDispatchers()

	conn := c.Connection()
	if conn == nil {
		c.state.Set(func(s *State) { s.Lifecycle = StateDisconnected })
		return
	}

	c.state.Set(func(s *State) { s.Disconnecting = true })
	defer c.state.Set(func(s *State) {
		s.Disconnecting = false
		s.Lifecycle = StateDisconnected
	})

	c.silentlyCloseConnection(conn)
	c.conn.Store(&connRef{})
	c.logger.Info("disconnected from broker")
}

// Dispose drains and stops the background closer, closes the connection and
// releases the connection factory when it is closable.
func (c *Connector) Dispose() error {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()

	if c.state.Load().Lifecycle == StateDisposed {
		return nil
	}

	c.clearDispatchers()
	c.closer.Shutdown(c.cfg.DrainTimeout)
	c.disconnectLocked()

	if closer, ok := c.factory.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			c.logger.Error("connection factory failed to dispose properly", "error", err)
		}
	}

	c.state.Set(func(s *State) { s.Lifecycle = StateDisposed })
	c.logger.Info("connector disposed")
	return nil
}

func (c *Connector) silentlyCloseConnection(conn broker.Connection) {
	if err := conn.Close(); err != nil {
		c.logger.Warn("error on closing connection", "error", err)
	}
}
