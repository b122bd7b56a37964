package reliability

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/glimte/mmate-connector/connector"
)

// ReconnectHook runs after the connector has been reconnected and started
type ReconnectHook func(ctx context.Context) error

// ReconnectPolicy recycles a connector after a failure episode. It implements
// connector.FailureHandler; each episode runs on its own goroutine so the
// reporting receiver is never blocked.
type ReconnectPolicy struct {
	logger  *slog.Logger
	backoff RetryPolicy
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
	hooks   []ReconnectHook

	breakerThreshold uint32
	breakerTimeout   time.Duration

	connector atomic.Pointer[connector.Connector]
	running   atomic.Bool
	episodes  atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// ReconnectOption configures the ReconnectPolicy
type ReconnectOption func(*ReconnectPolicy)

// WithReconnectLogger sets the logger
func WithReconnectLogger(logger *slog.Logger) ReconnectOption {
	return func(p *ReconnectPolicy) {
		p.logger = logger
	}
}

// WithReconnectBackoff sets the retry policy between attempts
func WithReconnectBackoff(policy RetryPolicy) ReconnectOption {
	return func(p *ReconnectPolicy) {
		p.backoff = policy
	}
}

// WithReconnectRate bounds how often connect attempts reach the broker
func WithReconnectRate(limit rate.Limit, burst int) ReconnectOption {
	return func(p *ReconnectPolicy) {
		p.limiter = rate.NewLimiter(limit, burst)
	}
}

// WithBreaker trips after threshold consecutive failed attempts and holds
// further attempts for timeout
func WithBreaker(threshold uint32, timeout time.Duration) ReconnectOption {
	return func(p *ReconnectPolicy) {
		p.breakerThreshold = threshold
		p.breakerTimeout = timeout
	}
}

// WithReconnectHook adds a hook run after every successful reconnect
func WithReconnectHook(hook ReconnectHook) ReconnectOption {
	return func(p *ReconnectPolicy) {
		p.hooks = append(p.hooks, hook)
	}
}

// NewReconnectPolicy creates a reconnect policy. Attach must be called with
// the connector before the first episode.
func NewReconnectPolicy(options ...ReconnectOption) *ReconnectPolicy {
	p := &ReconnectPolicy{
		logger:           slog.Default(),
		backoff:          DefaultReconnectBackoff(),
		limiter:          rate.NewLimiter(rate.Every(time.Second), 1),
		breakerThreshold: 5,
		breakerTimeout:   30 * time.Second,
	}

	for _, opt := range options {
		opt(p)
	}

	p.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "reconnect",
		MaxRequests: 1,
		Timeout:     p.breakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= p.breakerThreshold
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			p.logger.Warn("reconnect circuit breaker state changed",
				slog.String("breaker", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		},
	})
	p.ctx, p.cancel = context.WithCancel(context.Background())
	return p
}

// Attach binds the policy to the connector it recycles
func (p *ReconnectPolicy) Attach(c *connector.Connector) {
	p.connector.Store(c)
	p.logger = p.logger.With("connector", c.Name())
}

// HandleConnectException implements connector.FailureHandler
func (p *ReconnectPolicy) HandleConnectException(ex *connector.ConnectException) {
	c := p.connector.Load()
	if c == nil {
		p.logger.Error("connection lost but no connector attached", "error", ex)
		return
	}
	if p.ctx.Err() != nil {
		p.logger.Warn("reconnect policy closed, connector stays failed", "error", ex)
		return
	}
	if !p.running.CompareAndSwap(false, true) {
		p.logger.Warn("reconnect already in progress, ignoring failure", "error", ex)
		return
	}

	p.episodes.Add(1)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer p.running.Store(false)
		if err := p.Reconnect(p.ctx, c); err != nil {
			p.logger.Error("failed to reconnect connector", "error", err, "cause", ex.Cause)
		}
	}()
}

// Reconnect disconnects c and retries connecting and starting it until the
// backoff gives up or ctx ends, then runs the reconnect hooks.
func (p *ReconnectPolicy) Reconnect(ctx context.Context, c *connector.Connector) error {
	if c == nil {
		return ErrNotAttached
	}

	p.logger.Info("recycling connector after connection loss")
	if err := c.Disconnect(ctx); err != nil {
		return err
	}

	attempt := 0
	err := Retry(ctx, "reconnect", p.backoff, func(ctx context.Context) error {
		attempt++
		if err := p.limiter.Wait(ctx); err != nil {
			return RetryableError{Err: err, Retryable: false}
		}

		_, err := p.breaker.Execute(func() (interface{}, error) {
			if err := c.Connect(ctx); err != nil {
				return nil, err
			}
			return nil, c.Start(ctx)
		})
		if err != nil {
			p.logger.Warn("reconnect attempt failed",
				"attempt", attempt,
				"breaker", p.breaker.State().String(),
				"error", err)
			if c.IsConnected() {
				// start failed on a fresh connection, drop it for the next attempt
				_ = c.Disconnect(ctx)
			}
		}
		return err
	})
	if err != nil {
		return err
	}

	p.logger.Info("connector reconnected", "attempts", attempt)
	for _, hook := range p.hooks {
		if err := hook(ctx); err != nil {
			p.logger.Error("reconnect hook failed", "error", err)
		}
	}
	return nil
}

// Episodes returns the number of failure episodes handled
func (p *ReconnectPolicy) Episodes() int64 {
	return p.episodes.Load()
}

// Wait blocks until no reconnect is running
func (p *ReconnectPolicy) Wait() {
	p.wg.Wait()
}

// Close cancels a running reconnect and waits for it to exit
func (p *ReconnectPolicy) Close() error {
	p.cancel()
	p.wg.Wait()
	return nil
}
