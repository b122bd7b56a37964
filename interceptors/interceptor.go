package interceptors

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/glimte/mmate-connector/broker"
)

// Handler processes one received message
type Handler func(ctx context.Context, msg *broker.Message) error

// Interceptor wraps message handling
type Interceptor interface {
	// Intercept processes a message and calls next to continue the chain
	Intercept(ctx context.Context, msg *broker.Message, next Handler) error

	// Name returns the interceptor name for logging
	Name() string
}

// InterceptorFunc is a function adapter for Interceptor
type InterceptorFunc struct {
	name string
	fn   func(ctx context.Context, msg *broker.Message, next Handler) error
}

// NewInterceptorFunc creates a function-based interceptor
func NewInterceptorFunc(name string, fn func(ctx context.Context, msg *broker.Message, next Handler) error) *InterceptorFunc {
	return &InterceptorFunc{name: name, fn: fn}
}

// Intercept implements Interceptor
func (i *InterceptorFunc) Intercept(ctx context.Context, msg *broker.Message, next Handler) error {
	return i.fn(ctx, msg, next)
}

// Name implements Interceptor
func (i *InterceptorFunc) Name() string {
	return i.name
}

// Chain runs interceptors in the order they were added
type Chain struct {
	interceptors []Interceptor
}

// NewChain creates a chain of interceptors
func NewChain(interceptors ...Interceptor) *Chain {
	return &Chain{interceptors: interceptors}
}

// Add appends an interceptor to the chain
func (c *Chain) Add(interceptor Interceptor) *Chain {
	c.interceptors = append(c.interceptors, interceptor)
	return c
}

// Then returns final wrapped by every interceptor of the chain
func (c *Chain) Then(final Handler) Handler {
	handler := final
	for i := len(c.interceptors) - 1; i >= 0; i-- {
		interceptor := c.interceptors[i]
		next := handler
		handler = func(ctx context.Context, msg *broker.Message) error {
			return interceptor.Intercept(ctx, msg, next)
		}
	}
	return handler
}

// Execute runs msg through the chain into final
func (c *Chain) Execute(ctx context.Context, msg *broker.Message, final Handler) error {
	return c.Then(final)(ctx, msg)
}

// LoggingInterceptor logs message processing
type LoggingInterceptor struct {
	logger *slog.Logger
}

// NewLoggingInterceptor creates a logging interceptor
func NewLoggingInterceptor(logger *slog.Logger) *LoggingInterceptor {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingInterceptor{logger: logger}
}

// Intercept implements Interceptor
func (i *LoggingInterceptor) Intercept(ctx context.Context, msg *broker.Message, next Handler) error {
	start := time.Now()
	i.logger.Debug("processing message",
		"messageId", msg.ID,
		"correlationId", msg.CorrelationID,
		"redelivered", msg.Redelivered)

	err := next(ctx, msg)
	duration := time.Since(start)

	if err != nil {
		i.logger.Error("message processing failed",
			"messageId", msg.ID,
			"duration", duration,
			"error", err)
		return err
	}

	i.logger.Debug("message processed",
		"messageId", msg.ID,
		"duration", duration)
	return nil
}

// Name implements Interceptor
func (i *LoggingInterceptor) Name() string {
	return "LoggingInterceptor"
}

// HandlerMetrics are the Prometheus collectors shared by metrics interceptors
type HandlerMetrics struct {
	handled  *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// NewHandlerMetrics creates the collectors and registers them with reg.
// A nil reg leaves them unregistered.
func NewHandlerMetrics(reg prometheus.Registerer) (*HandlerMetrics, error) {
	m := &HandlerMetrics{
		handled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mmate",
			Subsystem: "receiver",
			Name:      "messages_handled_total",
			Help:      "Messages passed to handlers, by destination and result.",
		}, []string{"destination", "result"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "mmate",
			Subsystem: "receiver",
			Name:      "handler_duration_seconds",
			Help:      "Time spent in message handlers.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"destination"}),
	}

	if reg != nil {
		for _, c := range []prometheus.Collector{m.handled, m.duration} {
			if err := reg.Register(c); err != nil {
				return nil, err
			}
		}
	}
	return m, nil
}

// MetricsInterceptor records handler outcomes for one destination
type MetricsInterceptor struct {
	metrics     *HandlerMetrics
	destination string
}

// NewMetricsInterceptor creates a metrics interceptor labelled with destination
func NewMetricsInterceptor(metrics *HandlerMetrics, destination string) *MetricsInterceptor {
	return &MetricsInterceptor{metrics: metrics, destination: destination}
}

// Intercept implements Interceptor
func (i *MetricsInterceptor) Intercept(ctx context.Context, msg *broker.Message, next Handler) error {
	start := time.Now()
	err := next(ctx, msg)
	i.metrics.duration.WithLabelValues(i.destination).Observe(time.Since(start).Seconds())

	result := "success"
	if err != nil {
		result = "error"
	}
	i.metrics.handled.WithLabelValues(i.destination, result).Inc()
	return err
}

// Name implements Interceptor
func (i *MetricsInterceptor) Name() string {
	return "MetricsInterceptor"
}
