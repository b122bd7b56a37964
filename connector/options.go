package connector

import (
	"context"
	"log/slog"

	"github.com/glimte/mmate-connector/broker"
)

// FactoryResolver locates a connection factory. It is consulted on every
// connect so that reconnects can pick up a different endpoint.
type FactoryResolver func(ctx context.Context) (broker.ConnectionFactory, error)

// Option configures the Connector
type Option func(*Connector)

// WithConfig replaces the configuration
func WithConfig(cfg Config) Option {
	return func(c *Connector) {
		c.cfg = cfg
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(c *Connector) {
		c.logger = logger
	}
}

// WithMetrics sets the metrics sink
func WithMetrics(metrics *Metrics) Option {
	return func(c *Connector) {
		c.metrics = metrics
	}
}

// WithFailureHandler sets the collaborator notified when a failure episode reaches quorum
func WithFailureHandler(h FailureHandler) Option {
	return func(c *Connector) {
		c.failureHandler = h
	}
}

// WithFactoryResolver resolves the connection factory on each connect
func WithFactoryResolver(resolver FactoryResolver) Option {
	return func(c *Connector) {
		c.resolver = resolver
	}
}

// WithPrepareHook sets the hook run once quorum is reached, before the
// failure handler is notified.
func WithPrepareHook(hook func()) Option {
	return func(c *Connector) {
		c.prepareHook = hook
	}
}
