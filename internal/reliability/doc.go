// Package reliability provides the recovery collaborators of the connector.
//
// It implements:
//   - Retry policies: exponential backoff and fixed delay used by reconnects
//   - Reconnect policy: a connector.FailureHandler that disconnects, reconnects
//     through a rate limiter and circuit breaker, and restarts the connector
//   - Redelivery tracker: per-message redelivery counting and delay computation
//   - Dead letter handler: routes messages that exhausted their redeliveries
//
// Example usage:
//
//	policy := reliability.NewReconnectPolicy(
//	    reliability.WithBreaker(5, 30*time.Second),
//	)
//	c, _ := connector.New(factory, connector.WithFailureHandler(policy))
//	policy.Attach(c)
package reliability
