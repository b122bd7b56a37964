// Package brokertest provides in-memory implementations of the broker
// interfaces for tests.
package brokertest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/glimte/mmate-connector/broker"
)

// Factory creates in-memory connections
type Factory struct {
	mu          sync.Mutex
	Err         error
	Connections []*Connection
	Credentials []*broker.Credentials
	Properties  map[string]any
	Closed      bool

	// Configure runs on every new connection before it is returned
	Configure func(*Connection)
}

// CreateConnection implements broker.ConnectionFactory
func (f *Factory) CreateConnection(ctx context.Context, creds *broker.Credentials) (broker.Connection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if f.Err != nil {
		return nil, f.Err
	}
	conn := &Connection{}
	if f.Configure != nil {
		f.Configure(conn)
	}
	f.Connections = append(f.Connections, conn)
	f.Credentials = append(f.Credentials, creds)
	return conn, nil
}

// ApplyProperties implements broker.PropertyApplier
func (f *Factory) ApplyProperties(props map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Properties == nil {
		f.Properties = make(map[string]any)
	}
	for k, v := range props {
		f.Properties[k] = v
	}
}

// Close implements io.Closer
func (f *Factory) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Closed = true
	return nil
}

// Last returns the most recently created connection
func (f *Factory) Last() *Connection {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.Connections) == 0 {
		return nil
	}
	return f.Connections[len(f.Connections)-1]
}

// Count returns the number of connections created
func (f *Factory) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Connections)
}

// Connection is an in-memory broker.Connection
type Connection struct {
	mu       sync.Mutex
	clientID string
	listener broker.ErrorListener
	sessions []*Session

	StartErr    error
	StopErr     error
	CloseErr    error
	ClientIDErr error
	ListenerErr error
	SessionErr  error

	// Inbox, when set, is the queue shared by every session of the connection
	Inbox chan *broker.Message

	Starts int
	Stops  int
	closed atomic.Bool

	brokenOnce sync.Once
	broken     chan struct{}
	breakErr   error
}

// ClientID implements broker.Connection
func (c *Connection) ClientID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clientID
}

// SetClientID implements broker.Connection
func (c *Connection) SetClientID(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ClientIDErr != nil {
		return c.ClientIDErr
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
	if c.ListenerErr != nil {
		return c.ListenerErr
	}
	c.listener = l
	return nil
}

// Start implements broker.Connection
func (c *Connection) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Starts++
	return c.StartErr
}

// Stop implements broker.Connection
func (c *Connection) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Stops++
	return c.StopErr
}

// Close implements broker.Connection
func (c *Connection) Close() error {
	c.closed.Store(true)
	l := c.ErrorListener()
	if l != nil {
		// closing a connection makes real clients report it
		l.OnError(broker.ErrClosed)
	}
	return c.CloseErr
}

// IsClosed reports whether Close was called
func (c *Connection) IsClosed() bool {
	return c.closed.Load()
}

// Fail delivers err to the registered error listener
func (c *Connection) Fail(err error) {
	if l := c.ErrorListener(); l != nil {
		l.OnError(err)
	}
}

// Break makes every consumer of the connection fail with err
func (c *Connection) Break(err error) {
	c.mu.Lock()
	broken := c.brokenLocked()
	c.mu.Unlock()

	c.brokenOnce.Do(func() {
		c.mu.Lock()
		c.breakErr = err
		c.mu.Unlock()
		close(broken)
	})
}

func (c *Connection) brokenLocked() chan struct{} {
	if c.broken == nil {
		c.broken = make(chan struct{})
	}
	return c.broken
}

func (c *Connection) breakError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.breakErr
}

// CreateSession implements broker.Connection
func (c *Connection) CreateSession(opts broker.SessionOptions) (broker.Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed.Load() {
		return nil, broker.ErrClosed
	}
	if c.SessionErr != nil {
		return nil, c.SessionErr
	}
	s := NewSession()
	s.Options = opts
	s.conn = c
	s.broken = c.brokenLocked()
	if c.Inbox != nil {
		s.Queue = c.Inbox
	}
	c.sessions = append(c.sessions, s)
	return s, nil
}

// Sessions returns every session created on the connection
func (c *Connection) Sessions() []*Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*Session(nil), c.sessions...)
}

// Session is an in-memory broker.Session
type Session struct {
	id      string
	Options broker.SessionOptions
	conn    *Connection
	broken  chan struct{}

	mu        sync.Mutex
	producers []*Producer
	consumers []*Consumer
	Queue     chan *broker.Message

	CloseErr    error
	CommitErr   error
	ProducerErr error
	ConsumerErr error
	// OnClose runs inside Close before the error is returned
	OnClose func()

	Commits   atomic.Int32
	Rollbacks atomic.Int32
	Closes    atomic.Int32
}

// NewSession creates a standalone session
func NewSession() *Session {
	return &Session{
		id:    uuid.New().String(),
		Queue: make(chan *broker.Message, 64),
	}
}

// ID implements broker.Session
func (s *Session) ID() string {
	return s.id
}

// Transacted implements broker.Session
func (s *Session) Transacted() bool {
	return s.Options.Transacted
}

// CreateProducer implements broker.Session
func (s *Session) CreateProducer(destination string) (broker.Producer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ProducerErr != nil {
		return nil, s.ProducerErr
	}
	p := &Producer{dest: destination}
	s.producers = append(s.producers, p)
	return p, nil
}

// Producers returns the producers created on the session
func (s *Session) Producers() []*Producer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Producer(nil), s.producers...)
}

// CreateConsumer implements broker.Session. Consumers read from s.Queue.
func (s *Session) CreateConsumer(destination string, selector string) (broker.Consumer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ConsumerErr != nil {
		return nil, s.ConsumerErr
	}
	c := &Consumer{dest: destination, queue: s.Queue, conn: s.conn, broken: s.broken}
	s.consumers = append(s.consumers, c)
	return c, nil
}

// CreateTemporaryQueue implements broker.Session
func (s *Session) CreateTemporaryQueue() (broker.TemporaryDestination, error) {
	return &TemporaryDestination{name: "tmp.q." + uuid.New().String(), kind: broker.QueueDestination}, nil
}

// CreateTemporaryTopic implements broker.Session
func (s *Session) CreateTemporaryTopic() (broker.TemporaryDestination, error) {
	return &TemporaryDestination{name: "tmp.t." + uuid.New().String(), kind: broker.TopicDestination}, nil
}

// Commit implements broker.Session
func (s *Session) Commit() error {
	s.Commits.Add(1)
	return s.CommitErr
}

// Rollback implements broker.Session
func (s *Session) Rollback() error {
	s.Rollbacks.Add(1)
	return nil
}

// Close implements broker.Session
func (s *Session) Close() error {
	s.Closes.Add(1)
	if s.OnClose != nil {
		s.OnClose()
	}
	return s.CloseErr
}

// IsClosed reports whether Close was called at least once
func (s *Session) IsClosed() bool {
	return s.Closes.Load() > 0
}

// Producer is an in-memory broker.Producer
type Producer struct {
	dest    string
	mu      sync.Mutex
	sent    []*broker.Message
	SendErr error
	Closes  atomic.Int32

	// Gate, when set, holds Send until it is closed or ctx ends
	Gate    chan struct{}
	Waiting atomic.Int32
}

// NewProducer creates a standalone producer
func NewProducer(destination string) *Producer {
	return &Producer{dest: destination}
}

// Destination implements broker.Producer
func (p *Producer) Destination() string {
	return p.dest
}

// Send implements broker.Producer
func (p *Producer) Send(ctx context.Context, msg *broker.Message) error {
	if p.Gate != nil {
		p.Waiting.Add(1)
		select {
		case <-p.Gate:
			p.Waiting.Add(-1)
		case <-ctx.Done():
			p.Waiting.Add(-1)
			return ctx.Err()
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.SendErr != nil {
		return p.SendErr
	}
	p.sent = append(p.sent, msg)
	return nil
}

// Sent returns the messages sent
func (p *Producer) Sent() []*broker.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*broker.Message(nil), p.sent...)
}

// Close implements broker.Producer
func (p *Producer) Close() error {
	p.Closes.Add(1)
	return nil
}

// Consumer is an in-memory broker.Consumer
type Consumer struct {
	dest       string
	queue      chan *broker.Message
	conn       *Connection
	broken     chan struct{}
	ReceiveErr error
	Closes     atomic.Int32
}

// Destination implements broker.Consumer
func (c *Consumer) Destination() string {
	return c.dest
}

// Receive implements broker.Consumer
func (c *Consumer) Receive(ctx context.Context, timeout time.Duration) (*broker.Message, error) {
	if c.ReceiveErr != nil {
		return nil, c.ReceiveErr
	}
	if c.Closes.Load() > 0 {
		return nil, broker.ErrClosed
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case msg := <-c.queue:
		return msg, nil
	case <-c.broken:
		return nil, c.conn.breakError()
	case <-timer.C:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close implements broker.Consumer
func (c *Consumer) Close() error {
	c.Closes.Add(1)
	return nil
}

// TemporaryDestination is an in-memory broker.TemporaryDestination
type TemporaryDestination struct {
	name      string
	kind      broker.DestinationKind
	DeleteErr error
	Deletes   atomic.Int32
}

// NewTemporaryDestination creates a named temporary destination
func NewTemporaryDestination(name string, kind broker.DestinationKind) *TemporaryDestination {
	return &TemporaryDestination{name: name, kind: kind}
}

// Name implements broker.TemporaryDestination
func (d *TemporaryDestination) Name() string {
	return d.name
}

// Kind implements broker.TemporaryDestination
func (d *TemporaryDestination) Kind() broker.DestinationKind {
	return d.kind
}

// Delete implements broker.TemporaryDestination
func (d *TemporaryDestination) Delete() error {
	d.Deletes.Add(1)
	return d.DeleteErr
}

// ErrBoom is a generic failure for tests
var ErrBoom = errors.New("brokertest: boom")
