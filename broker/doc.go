// Package broker defines the operations the connector consumes from an
// underlying messaging client.
//
// The interfaces are deliberately narrow:
//   - ConnectionFactory: creates physical connections, optionally with credentials
//   - Connection: start/stop/close, client id, error listener, session creation
//   - Session: producers, consumers, temporary destinations, local transactions
//   - Producer, Consumer, TemporaryDestination: closable session-scoped resources
//
// The AMQP implementation lives in internal/rabbitmq. Tests use in-memory fakes.
package broker
