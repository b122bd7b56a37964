// Package connector implements the connection and session lifecycle beneath
// a messaging connector.
//
// A Connector owns a single physical broker connection shared by many
// concurrent receivers and dispatchers. It provides:
//   - Lifecycle: Connect, Start, Stop, Disconnect and Dispose
//   - Session binding: sessions bound to the ambient transaction, or unbound
//     sessions owned by the caller
//   - Failure quorum: asynchronous failure reports from all receivers are
//     folded into exactly one reconnect per failure episode
//   - Deferred close: a background closer that tears down sessions, producers,
//     consumers and temporary destinations off the hot path
//
// Coordination flags live in a single immutable State swapped with
// compare-and-swap, so the receive and dispatch paths never take a lock.
//
// Example usage:
//
//	c, err := connector.New(factory,
//	    connector.WithConfig(cfg),
//	    connector.WithFailureHandler(policy),
//	)
//	if err != nil {
//	    return err
//	}
//	if err := c.Connect(ctx); err != nil {
//	    return err
//	}
//	if err := c.Start(ctx); err != nil {
//	    return err
//	}
//	defer c.Dispose()
package connector
