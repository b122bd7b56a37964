// Copyright 2024 Mmate Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package mmate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/glimte/mmate-connector/broker"
	"github.com/glimte/mmate-connector/connector"
	"github.com/glimte/mmate-connector/health"
	"github.com/glimte/mmate-connector/internal/rabbitmq"
	"github.com/glimte/mmate-connector/internal/reliability"
)

// Client wires a connector to RabbitMQ together with its reconnect policy,
// redelivery tracking and health checks
type Client struct {
	logger      *slog.Logger
	factory     broker.ConnectionFactory
	connector   *connector.Connector
	policy      *reliability.ReconnectPolicy
	tracker     *reliability.RedeliveryTracker
	metrics     *connector.Metrics
	health      *health.Registry
	deadLetters *connector.Dispatcher

	mu        sync.Mutex
	receivers []*rabbitmq.Receiver
	closed    bool
}

// NewClient creates a client for the broker at url with default settings
func NewClient(url string) (*Client, error) {
	return NewClientWithOptions(url, WithDefaultLogger())
}

// NewClientWithOptions creates a client for the broker at url
func NewClientWithOptions(url string, options ...ClientOption) (*Client, error) {
	cfg := &clientConfig{
		logger:    slog.Default(),
		connector: connector.DefaultConfig(),
	}

	for _, opt := range options {
		opt(cfg)
	}

	factory := cfg.factory
	if factory == nil {
		f, err := rabbitmq.NewFactory(url, append([]rabbitmq.FactoryOption{
			rabbitmq.WithFactoryLogger(cfg.logger),
		}, cfg.factoryOptions...)...)
		if err != nil {
			return nil, fmt.Errorf("failed to create connection factory: %w", err)
		}
		factory = f
	}

	var metrics *connector.Metrics
	if cfg.registerer != nil {
		m, err := connector.NewMetrics(cfg.registerer)
		if err != nil {
			return nil, fmt.Errorf("failed to register metrics: %w", err)
		}
		metrics = m
	}

	c := &Client{
		logger:  cfg.logger,
		factory: factory,
		metrics: metrics,
		health:  health.NewRegistry(),
	}

	c.policy = reliability.NewReconnectPolicy(append([]reliability.ReconnectOption{
		reliability.WithReconnectLogger(cfg.logger),
		reliability.WithReconnectHook(c.restartReceivers),
	}, cfg.reconnectOptions...)...)

	conn, err := connector.New(factory,
		connector.WithConfig(cfg.connector),
		connector.WithLogger(cfg.logger),
		connector.WithMetrics(metrics),
		connector.WithFailureHandler(c.policy),
	)
	if err != nil {
		_ = c.policy.Close()
		return nil, fmt.Errorf("failed to create connector: %w", err)
	}
	c.connector = conn
	c.policy.Attach(conn)

	trackerOptions := []reliability.RedeliveryOption{
		reliability.WithRedeliveryLogger(cfg.logger),
		reliability.WithRedeliveryMetrics(metrics),
	}
	if cfg.deadLetterQueue != "" {
		c.deadLetters = conn.NewDispatcher(cfg.deadLetterQueue)
		trackerOptions = append(trackerOptions, reliability.WithTerminalHandler(
			reliability.NewDeadLetterHandler(c.deadLetters, reliability.WithDeadLetterLogger(cfg.logger)),
		))
	}
	c.tracker = reliability.NewRedeliveryTracker(cfg.connector, trackerOptions...)

	c.health.Register(health.NewConnectorChecker(conn, cfg.maxDeferredPending, cfg.logger))
	c.health.Register(health.NewMemoryChecker(0, 0))

	return c, nil
}

// Connector returns the underlying connector
func (c *Client) Connector() *connector.Connector {
	return c.connector
}

// Health returns the health registry
func (c *Client) Health() *health.Registry {
	return c.health
}

// Tracker returns the redelivery tracker shared by all receivers
func (c *Client) Tracker() *reliability.RedeliveryTracker {
	return c.tracker
}

// ReconnectPolicy returns the policy recycling the connector
func (c *Client) ReconnectPolicy() *reliability.ReconnectPolicy {
	return c.policy
}

// Receivers returns the receivers created so far
func (c *Client) Receivers() []*rabbitmq.Receiver {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*rabbitmq.Receiver(nil), c.receivers...)
}

// Dispatcher creates a dispatcher sending to destination
func (c *Client) Dispatcher(destination string, options ...connector.DispatcherOption) *connector.Dispatcher {
	return c.connector.NewDispatcher(destination, options...)
}

// Receive creates a receiver on destination. The receiver is started by
// Start, or immediately when the client is already started.
func (c *Client) Receive(ctx context.Context, destination string, handler rabbitmq.MessageHandler, options ...rabbitmq.ReceiverOption) (*rabbitmq.Receiver, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, connector.ErrDisposed
	}
	c.mu.Unlock()

	r, err := rabbitmq.NewReceiver(c.connector, destination, handler, append([]rabbitmq.ReceiverOption{
		rabbitmq.WithRedeliveryTracker(c.tracker),
		rabbitmq.WithReceiverLogger(c.logger),
	}, options...)...)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.receivers = append(c.receivers, r)
	c.mu.Unlock()
	c.health.Register(health.NewReceiverChecker(r))

	if c.connector.State().Lifecycle == connector.StateStarted {
		if err := c.startReceiver(ctx, r); err != nil {
			return r, err
		}
	}
	return r, nil
}

// Start connects, starts the connection and launches every receiver
func (c *Client) Start(ctx context.Context) error {
	if err := c.connector.Connect(ctx); err != nil {
		return err
	}
	if err := c.connector.Start(ctx); err != nil {
		return err
	}

	var errs []error
	for _, r := range c.Receivers() {
		if err := c.startReceiver(ctx, r); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// startReceiver starts r. A transport failure while receivers are still
// connecting is handed to the reconnect policy instead of the caller.
func (c *Client) startReceiver(ctx context.Context, r *rabbitmq.Receiver) error {
	err := r.Start(ctx)
	if err == nil {
		return nil
	}
	if !c.connector.ShouldRetryBrokerConnection() {
		return err
	}

	c.logger.Warn("receiver could not connect, reconnecting", "receiver", r.Key(), "error", err)
	c.policy.HandleConnectException(&connector.ConnectException{
		Connector: c.connector.Name(),
		Cause:     err,
		Reports:   1,
		Expected:  c.connector.ExpectedReceiverCount(),
		Timestamp: time.Now(),
	})
	return nil
}

// restartReceivers runs after every reconnect
func (c *Client) restartReceivers(ctx context.Context) error {
	var errs []error
	for _, r := range c.Receivers() {
		if err := r.Restart(ctx); err != nil {
			errs = append(errs, fmt.Errorf("restart %s: %w", r.Key(), err))
		}
	}
	return errors.Join(errs...)
}

// Stop halts the receivers and stops the connection
func (c *Client) Stop(ctx context.Context) error {
	for _, r := range c.Receivers() {
		r.Stop()
	}
	return c.connector.Stop(ctx)
}

// Close stops reconnecting, closes every receiver and disposes the connector
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	receivers := c.receivers
	c.receivers = nil
	c.mu.Unlock()

	_ = c.policy.Close()

	var errs []error
	for _, r := range receivers {
		if err := r.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if c.deadLetters != nil {
		if err := c.deadLetters.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := c.connector.Dispose(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// clientConfig holds client configuration
type clientConfig struct {
	logger             *slog.Logger
	connector          connector.Config
	factory            broker.ConnectionFactory
	factoryOptions     []rabbitmq.FactoryOption
	reconnectOptions   []reliability.ReconnectOption
	registerer         prometheus.Registerer
	deadLetterQueue    string
	maxDeferredPending int
}

// ClientOption configures the client
type ClientOption func(*clientConfig)

// WithLogger sets the logger for all components
func WithLogger(logger *slog.Logger) ClientOption {
	return func(cfg *clientConfig) {
		cfg.logger = logger
	}
}

// WithDefaultLogger uses the default logger
func WithDefaultLogger() ClientOption {
	return func(cfg *clientConfig) {
		cfg.logger = slog.Default()
	}
}

// WithConnectorConfig sets the connector configuration
func WithConnectorConfig(config connector.Config) ClientOption {
	return func(cfg *clientConfig) {
		cfg.connector = config
	}
}

// WithConnectionFactory replaces the RabbitMQ factory. The url is ignored.
func WithConnectionFactory(factory broker.ConnectionFactory) ClientOption {
	return func(cfg *clientConfig) {
		cfg.factory = factory
	}
}

// WithFactoryOptions passes options to the RabbitMQ factory
func WithFactoryOptions(options ...rabbitmq.FactoryOption) ClientOption {
	return func(cfg *clientConfig) {
		cfg.factoryOptions = append(cfg.factoryOptions, options...)
	}
}

// WithReconnectOptions passes options to the reconnect policy
func WithReconnectOptions(options ...reliability.ReconnectOption) ClientOption {
	return func(cfg *clientConfig) {
		cfg.reconnectOptions = append(cfg.reconnectOptions, options...)
	}
}

// WithMetricsRegisterer registers the connector metrics with reg
func WithMetricsRegisterer(reg prometheus.Registerer) ClientOption {
	return func(cfg *clientConfig) {
		cfg.registerer = reg
	}
}

// WithDeadLetterQueue routes messages exceeding the redelivery limit to queue
func WithDeadLetterQueue(queue string) ClientOption {
	return func(cfg *clientConfig) {
		cfg.deadLetterQueue = queue
	}
}

// WithMaxDeferredPending reports the connector degraded once more deferred
// closes than n are waiting
func WithMaxDeferredPending(n int) ClientOption {
	return func(cfg *clientConfig) {
		cfg.maxDeferredPending = n
	}
}
