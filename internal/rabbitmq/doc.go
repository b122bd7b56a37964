// Package rabbitmq implements the broker interfaces over RabbitMQ (AMQP 0-9-1)
// and provides the inbound Receiver.
//
// This package includes:
//   - Factory: dials connections, applying factory properties such as
//     heartbeat, vhost and connection name
//   - Connection: reports abnormal closes to the registered error listener
//     and gates deliveries on Start/Stop
//   - Session: one channel per session, with channel transactions for
//     transacted sessions, producers, consumers and temporary destinations
//   - Receiver: concurrent consumers on one destination that report a broken
//     connection to the connector and apply redelivery policy
//
// Queue destinations publish through the default exchange. Topic
// destinations are routing keys on amq.topic; topic consumers read from an
// exclusive server-named queue bound with the destination as binding key.
package rabbitmq
