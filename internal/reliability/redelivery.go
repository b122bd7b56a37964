package reliability

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/glimte/mmate-connector/broker"
	"github.com/glimte/mmate-connector/connector"
)

const (
	defaultTrackedMessages = 256
	defaultRedeliveryTTL   = time.Hour
)

// TerminalHandler receives messages whose redelivery limit was exceeded
type TerminalHandler interface {
	HandleRedeliveryExhausted(ctx context.Context, source string, msg *broker.Message, attempts int) error
}

// TerminalHandlerFunc adapts a function to TerminalHandler
type TerminalHandlerFunc func(ctx context.Context, source string, msg *broker.Message, attempts int) error

// HandleRedeliveryExhausted implements TerminalHandler
func (f TerminalHandlerFunc) HandleRedeliveryExhausted(ctx context.Context, source string, msg *broker.Message, attempts int) error {
	return f(ctx, source, msg, attempts)
}

// RedeliveryDecision is the outcome of inspecting a received message
type RedeliveryDecision struct {
	// Deliver is false when the message was handed to terminal handling
	Deliver  bool
	Attempts int
	Delay    time.Duration
}

type redeliveryState struct {
	attempts  int
	firstSeen time.Time
}

// RedeliveryTracker counts redelivered receipts per message key. Entries are
// bounded in number and age so keys of messages that never come back do not
// accumulate.
type RedeliveryTracker struct {
	name     string
	max      int
	initial  time.Duration
	maximum  time.Duration
	terminal TerminalHandler
	logger   *slog.Logger
	metrics  *connector.Metrics

	mu    sync.Mutex
	state *expirable.LRU[string, *redeliveryState]
}

// RedeliveryOption configures the RedeliveryTracker
type RedeliveryOption func(*redeliveryOptions)

type redeliveryOptions struct {
	size     int
	ttl      time.Duration
	terminal TerminalHandler
	logger   *slog.Logger
	metrics  *connector.Metrics
}

// WithTrackedMessages bounds the number of keys tracked at once
func WithTrackedMessages(size int) RedeliveryOption {
	return func(o *redeliveryOptions) {
		o.size = size
	}
}

// WithRedeliveryTTL sets how long an idle key is remembered
func WithRedeliveryTTL(ttl time.Duration) RedeliveryOption {
	return func(o *redeliveryOptions) {
		o.ttl = ttl
	}
}

// WithTerminalHandler sets where exhausted messages are reported
func WithTerminalHandler(h TerminalHandler) RedeliveryOption {
	return func(o *redeliveryOptions) {
		o.terminal = h
	}
}

// WithRedeliveryLogger sets the logger
func WithRedeliveryLogger(logger *slog.Logger) RedeliveryOption {
	return func(o *redeliveryOptions) {
		o.logger = logger
	}
}

// WithRedeliveryMetrics sets the metrics sink
func WithRedeliveryMetrics(metrics *connector.Metrics) RedeliveryOption {
	return func(o *redeliveryOptions) {
		o.metrics = metrics
	}
}

// NewRedeliveryTracker creates a tracker using the redelivery settings of cfg
func NewRedeliveryTracker(cfg connector.Config, options ...RedeliveryOption) *RedeliveryTracker {
	o := redeliveryOptions{
		size:   defaultTrackedMessages,
		ttl:    defaultRedeliveryTTL,
		logger: slog.Default(),
	}
	for _, opt := range options {
		opt(&o)
	}

	t := &RedeliveryTracker{
		name:     cfg.Name,
		max:      cfg.MaxRedelivery,
		terminal: o.terminal,
		logger:   o.logger,
		metrics:  o.metrics,
		state:    expirable.NewLRU[string, *redeliveryState](o.size, nil, o.ttl),
	}
	if cfg.RedeliveryDelaysConfigured() {
		t.initial = cfg.InitialRedeliveryDelay
		t.maximum = cfg.MaximumRedeliveryDelay
	}
	return t
}

// OnReceive records one redelivered receipt of key and returns the attempt count
func (t *RedeliveryTracker) OnReceive(key string) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.state.Get(key)
	if !ok {
		s = &redeliveryState{firstSeen: time.Now()}
	}
	s.attempts++
	t.state.Add(key, s)
	return s.attempts
}

// Attempts returns the recorded attempt count for key
func (t *RedeliveryTracker) Attempts(key string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.state.Peek(key); ok {
		return s.attempts
	}
	return 0
}

// FirstSeen returns when key was first received as a redelivery
func (t *RedeliveryTracker) FirstSeen(key string) time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.state.Peek(key); ok {
		return s.firstSeen
	}
	return time.Time{}
}

// ShouldRedeliver reports whether key is still within the redelivery limit
func (t *RedeliveryTracker) ShouldRedeliver(key string) bool {
	if t.max == connector.RedeliveryIgnore {
		return true
	}
	return t.Attempts(key) <= t.max
}

// NextDelay returns the wait before the next delivery of key
func (t *RedeliveryTracker) NextDelay(key string) time.Duration {
	if t.initial <= 0 || t.maximum <= 0 {
		return 0
	}
	attempt := t.Attempts(key)
	if attempt < 1 {
		return 0
	}
	delay := t.initial * time.Duration(attempt)
	if delay > t.maximum || delay <= 0 {
		delay = t.maximum
	}
	return delay
}

// Acknowledge forgets key after successful processing
func (t *RedeliveryTracker) Acknowledge(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state.Remove(key)
}

// Tracked returns the number of keys currently tracked
func (t *RedeliveryTracker) Tracked() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state.Len()
}

// Inspect accounts a received message. Messages the broker did not flag as
// redelivered, or that carry neither a message id nor a correlation id, pass
// through untouched. A message over the limit has its state
// removed and is reported to the terminal handler; the returned error is the
// terminal handler's.
func (t *RedeliveryTracker) Inspect(ctx context.Context, source string, msg *broker.Message) (RedeliveryDecision, error) {
	if !msg.Redelivered {
		return RedeliveryDecision{Deliver: true}, nil
	}

	key := msg.Key()
	if key == "" {
		t.logger.Debug("redelivered message has no id, not tracked", "source", source)
		return RedeliveryDecision{Deliver: true}, nil
	}
	attempts := t.OnReceive(key)
	t.metrics.RecordRedelivery(t.name)

	if t.ShouldRedeliver(key) {
		delay := t.NextDelay(key)
		t.logger.Debug("message redelivered",
			"messageId", key,
			"attempt", attempts,
			"maxRedelivery", t.max,
			"delay", delay)
		return RedeliveryDecision{Deliver: true, Attempts: attempts, Delay: delay}, nil
	}

	firstSeen := t.FirstSeen(key)
	t.Acknowledge(key)
	t.metrics.RecordRedeliveryExhausted(t.name)
	t.logger.Warn("message exceeded maximum redelivery",
		"messageId", key,
		"source", source,
		"attempts", attempts,
		"maxRedelivery", t.max,
		"firstSeen", firstSeen)

	decision := RedeliveryDecision{Attempts: attempts}
	if t.terminal == nil {
		return decision, nil
	}
	return decision, t.terminal.HandleRedeliveryExhausted(ctx, source, msg, attempts)
}
