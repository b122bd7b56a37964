package connector

import (
	"fmt"
	"time"

	"github.com/glimte/mmate-connector/broker"
)

// Receiver is an inbound consumer of the connector. Each of its concurrent
// consumers reports a broken connection once.
type Receiver interface {
	Key() string
}

// MultiConsumerReceiver runs all its consumers behind a single report.
// Its consumers are disabled as soon as the first failure is accounted.
type MultiConsumerReceiver interface {
	Receiver
	DisableConsumers()
}

// FailureHandler is notified once per failure episode, after quorum
type FailureHandler interface {
	HandleConnectException(ex *ConnectException)
}

// FailureHandlerFunc adapts a function to FailureHandler
type FailureHandlerFunc func(ex *ConnectException)

// HandleConnectException implements FailureHandler
func (f FailureHandlerFunc) HandleConnectException(ex *ConnectException) {
	f(ex)
}

// RegisterReceiver adds a receiver to the quorum population
func (c *Connector) RegisterReceiver(r Receiver) error {
	c.receiversMu.Lock()
	defer c.receiversMu.Unlock()

	for _, existing := range c.receivers {
		if existing.Key() == r.Key() {
			return fmt.Errorf("receiver %q already registered", r.Key())
		}
	}
	c.receivers = append(c.receivers, r)
	return nil
}

// UnregisterReceiver removes the receiver registered under key
func (c *Connector) UnregisterReceiver(key string) {
	c.receiversMu.Lock()
	defer c.receiversMu.Unlock()

	for i, r := range c.receivers {
		if r.Key() == key {
			c.receivers = append(c.receivers[:i], c.receivers[i+1:]...)
			return
		}
	}
}

// Receivers returns the registered receivers in registration order
func (c *Connector) Receivers() []Receiver {
	c.receiversMu.RLock()
	defer c.receiversMu.RUnlock()
	return append([]Receiver(nil), c.receivers...)
}

// ExpectedReceiverCount is the number of reports that make up quorum
func (c *Connector) ExpectedReceiverCount() int {
	expected, _ := c.quorumTarget()
	return expected
}

func (c *Connector) quorumTarget() (int, MultiConsumerReceiver) {
	receivers := c.Receivers()
	if len(receivers) > 0 {
		if multi, ok := receivers[0].(MultiConsumerReceiver); ok {
			return 1, multi
		}
	}
	return len(receivers) * c.cfg.ConcurrentConsumers, nil
}

// SetStillConnectingReceivers is toggled by receivers around consumer setup
func (c *Connector) SetStillConnectingReceivers(connecting bool) {
	c.state.Set(func(s *State) { s.StillConnectingReceivers = connecting })
}

// ShouldRetryBrokerConnection reports whether a transport failure was handed
// to the retry policy
func (c *Connector) ShouldRetryBrokerConnection() bool {
	return c.state.Load().RetryBrokerConnection
}

// SetShouldRetryBrokerConnection sets or clears the retry flag
func (c *Connector) SetShouldRetryBrokerConnection(retry bool) {
	c.state.Set(func(s *State) { s.RetryBrokerConnection = retry })
}

// IsHandlingException reports whether a failure episode is open
func (c *Connector) IsHandlingException() bool {
	return c.state.Load().HandlingException()
}

// OnError accounts one failure report. It is the connection's error listener
// and is also called by every receiver consumer that finds the connection
// broken. Exactly one report per episode, the one that reaches quorum,
// prepares the connector and notifies the failure handler.
func (c *Connector) OnError(err error) {
	if err == nil {
		return
	}

	if broker.IsTransportFailure(err) && c.state.Load().StillConnectingReceivers {
		c.logger.Error("the transport connecting to the broker failed, the retry policy should reconnect",
			"error", err)
		c.state.Set(func(s *State) { s.RetryBrokerConnection = true })
		c.metrics.recordTransportFailure(c.cfg.Name)
		return
	}

	expected, multi := c.quorumTarget()

	prev, next, ok := c.state.Update(func(s State) (State, bool) {
		if s.Disconnecting || s.RetryBrokerConnection || s.Episode == EpisodeHandling || s.Lifecycle == StateDisposed {
			return s, false
		}
		s.Reported++
		if s.Reported >= expected {
			s.Episode = EpisodeHandling
			s.Reported = 0
		} else {
			s.Episode = EpisodeCounting
		}
		return s, true
	})
	if !ok {
		c.logger.Debug("ignoring failure report",
			"episode", prev.Episode.String(),
			"disconnecting", prev.Disconnecting,
			"retryBrokerConnection", prev.RetryBrokerConnection,
			"error", err)
		c.metrics.recordReport(c.cfg.Name, "ignored")
		return
	}

	reported := prev.Reported + 1
	if next.Episode != EpisodeHandling {
		c.logger.Debug("waiting for all active receivers to report connection loss",
			"receivers", reported,
			"expected", expected)
		c.metrics.recordReport(c.cfg.Name, "counted")
		return
	}

	c.metrics.recordReport(c.cfg.Name, "quorum")
	if multi != nil {
		multi.DisableConsumers()
	}
	c.logger.Error("connection to broker lost, recycling connector",
		"receivers", reported,
		"expected", expected,
		"error", err)

	c.clearDispatchers()
	if c.prepareHook != nil {
		c.prepareHook()
	}
	c.metrics.recordEpisode(c.cfg.Name)

	ex := &ConnectException{
		Connector: c.cfg.Name,
		Cause:     err,
		Reports:   reported,
		Expected:  expected,
		Timestamp: time.Now(),
	}
	if c.failureHandler == nil {
		c.logger.Warn("no failure handler configured, connector stays failed", "error", ex)
		return
	}
	c.failureHandler.HandleConnectException(ex)
}
