package connector

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/mmate-connector/broker"
)

// ResourceKind tags the variant held by a Closable
type ResourceKind int

const (
	KindSession ResourceKind = iota
	KindProducer
	KindConsumer
	KindTemporaryDestination
)

// String returns a string representation of the resource kind
func (k ResourceKind) String() string {
	switch k {
	case KindSession:
		return "session"
	case KindProducer:
		return "producer"
	case KindConsumer:
		return "consumer"
	case KindTemporaryDestination:
		return "temporary_destination"
	default:
		return "unknown"
	}
}

// Closable is a session-scoped resource awaiting close
type Closable struct {
	kind     ResourceKind
	session  broker.Session
	producer broker.Producer
	consumer broker.Consumer
	dest     broker.TemporaryDestination
}

// SessionResource wraps a session
func SessionResource(s broker.Session) Closable {
	return Closable{kind: KindSession, session: s}
}

// ProducerResource wraps a producer
func ProducerResource(p broker.Producer) Closable {
	return Closable{kind: KindProducer, producer: p}
}

// ConsumerResource wraps a consumer
func ConsumerResource(c broker.Consumer) Closable {
	return Closable{kind: KindConsumer, consumer: c}
}

// TemporaryDestinationResource wraps a temporary queue or topic
func TemporaryDestinationResource(d broker.TemporaryDestination) Closable {
	return Closable{kind: KindTemporaryDestination, dest: d}
}

// Kind returns the variant tag
func (c Closable) Kind() ResourceKind {
	return c.kind
}

// IsNil reports whether the wrapped resource is missing
func (c Closable) IsNil() bool {
	switch c.kind {
	case KindSession:
		return c.session == nil
	case KindProducer:
		return c.producer == nil
	case KindConsumer:
		return c.consumer == nil
	case KindTemporaryDestination:
		return c.dest == nil
	}
	return true
}

// Close closes the resource with the semantics of its kind.
// Temporary destinations are deleted.
func (c Closable) Close() error {
	if c.IsNil() {
		return nil
	}
	switch c.kind {
	case KindSession:
		return c.session.Close()
	case KindProducer:
		return c.producer.Close()
	case KindConsumer:
		return c.consumer.Close()
	case KindTemporaryDestination:
		return c.dest.Delete()
	}
	return fmt.Errorf("unknown resource kind %d", c.kind)
}

func (c Closable) String() string {
	if c.IsNil() {
		return c.kind.String() + "(nil)"
	}
	switch c.kind {
	case KindSession:
		return "session " + c.session.ID()
	case KindProducer:
		return "producer for " + c.producer.Destination()
	case KindConsumer:
		return "consumer on " + c.consumer.Destination()
	case KindTemporaryDestination:
		return fmt.Sprintf("temporary %s %s", c.dest.Kind(), c.dest.Name())
	}
	return c.kind.String()
}

// DeferredCloser closes resources on a single background goroutine so that
// callers never block on slow network teardown. Resources are closed in the
// order they were deferred; close errors are logged and never stop the drain.
type DeferredCloser struct {
	name    string
	logger  *slog.Logger
	metrics *Metrics

	mu       sync.Mutex
	queue    []Closable
	inFlight bool
	empty    chan struct{} // closed while nothing is pending
	notify   chan struct{}
	stop     chan struct{}
	done     chan struct{}
	started  bool
	stopped  bool
}

// CloserOption configures the DeferredCloser
type CloserOption func(*DeferredCloser)

// WithCloserLogger sets the logger
func WithCloserLogger(logger *slog.Logger) CloserOption {
	return func(c *DeferredCloser) {
		c.logger = logger
	}
}

// WithCloserMetrics sets the metrics sink
func WithCloserMetrics(name string, metrics *Metrics) CloserOption {
	return func(c *DeferredCloser) {
		c.name = name
		c.metrics = metrics
	}
}

// NewDeferredCloser creates a closer. Call Start to launch the worker.
func NewDeferredCloser(options ...CloserOption) *DeferredCloser {
	c := &DeferredCloser{
		name:   "connector",
		logger: slog.Default(),
		empty:  make(chan struct{}),
		notify: make(chan struct{}, 1),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	close(c.empty)

	for _, opt := range options {
		opt(c)
	}
	return c
}

// Start launches the background worker. It is a no-op once started.
func (c *DeferredCloser) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started || c.stopped {
		return
	}
	c.started = true
	go c.run()
}

// Defer enqueues a resource without blocking. It reports false when the
// closer has shut down; the resource is then logged and abandoned.
func (c *DeferredCloser) Defer(res Closable) bool {
	if res.IsNil() {
		c.logger.Warn("deferred closable is nil", "kind", res.kind.String())
		return false
	}

	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		c.logger.Warn("closer is shut down, abandoning resource", "resource", res.String())
		return false
	}
	if c.pendingLocked() == 0 {
		c.empty = make(chan struct{})
	}
	c.queue = append(c.queue, res)
	pending := c.pendingLocked()
	c.mu.Unlock()

	c.metrics.setDeferredPending(c.name, pending)

	select {
	case c.notify <- struct{}{}:
	default:
	}
	return true
}

// Pending returns the number of queued and in-flight resources
func (c *DeferredCloser) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pendingLocked()
}

func (c *DeferredCloser) pendingLocked() int {
	n := len(c.queue)
	if c.inFlight {
		n++
	}
	return n
}

// WaitForEmptyOrTimeout blocks until nothing is pending or the timeout
// elapses. It reports whether the queue was observed empty. New resources
// may be deferred right after it returns.
func (c *DeferredCloser) WaitForEmptyOrTimeout(ctx context.Context, timeout time.Duration) bool {
	c.mu.Lock()
	empty := c.empty
	c.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-empty:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}

// Shutdown waits up to timeout for pending resources to drain, then stops the
// worker. A close already in progress finishes; anything still queued is
// logged and abandoned.
func (c *DeferredCloser) Shutdown(timeout time.Duration) {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	started := c.started
	c.mu.Unlock()

	if started && c.Pending() > 0 {
		if !c.WaitForEmptyOrTimeout(context.Background(), timeout) {
			c.logger.Warn("deferred close queue did not drain before shutdown",
				"pending", c.Pending(),
				"timeout", timeout)
		}
	}

	c.mu.Lock()
	c.stopped = true
	abandoned := c.queue
	c.queue = nil
	if c.pendingLocked() == 0 {
		c.signalEmptyLocked()
	}
	close(c.stop)
	c.mu.Unlock()

	for _, res := range abandoned {
		c.logger.Warn("abandoning deferred close", "resource", res.String())
	}
	if !started {
		close(c.done)
	}
	c.metrics.setDeferredPending(c.name, 0)
}

// Done is closed once the worker has exited
func (c *DeferredCloser) Done() <-chan struct{} {
	return c.done
}

func (c *DeferredCloser) run() {
	defer close(c.done)
	for {
		res, ok := c.next()
		if !ok {
			return
		}

		err := res.Close()
		if err != nil {
			c.logger.Warn("failed to close deferred resource",
				"resource", res.String(),
				"error", err)
		} else {
			c.logger.Debug("closed deferred resource", "resource", res.String())
		}
		c.metrics.recordDeferredClose(c.name, res.kind, err)

		c.mu.Lock()
		c.inFlight = false
		pending := c.pendingLocked()
		if pending == 0 {
			c.signalEmptyLocked()
		}
		c.mu.Unlock()
		c.metrics.setDeferredPending(c.name, pending)
	}
}

// next blocks until a resource is available or the closer stops
func (c *DeferredCloser) next() (Closable, bool) {
	for {
		c.mu.Lock()
		if c.stopped {
			c.mu.Unlock()
			return Closable{}, false
		}
		if len(c.queue) > 0 {
			res := c.queue[0]
			c.queue[0] = Closable{}
			c.queue = c.queue[1:]
			c.inFlight = true
			c.mu.Unlock()
			return res, true
		}
		c.mu.Unlock()

		select {
		case <-c.notify:
		case <-c.stop:
			return Closable{}, false
		}
	}
}

// signalEmptyLocked must be called with c.mu held
func (c *DeferredCloser) signalEmptyLocked() {
	select {
	case <-c.empty:
	default:
		close(c.empty)
	}
}
