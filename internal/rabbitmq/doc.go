// Package rabbitmq implements the broker-facing half of the messaging
// layer.
//
// This package includes:
//   - ConnectionManager: the single per-process connection, with lazy
//     establishment, bounded reconnect, and an explicit state machine
//     for broker blocked/unblocked/close signals
//   - ChannelPool: short-lived channel checkout over that connection
//   - Topology: exchange/queue/binding declaration, including the
//     dead-letter exchange and message TTL
//   - Publisher: confirmed publishing with a bounded confirm wait
//   - Consumer: prefetch-bounded delivery dispatch to a worker pool
//     with per-routing-key ordering and an enforced attempt ceiling
//   - DeadLetterConsumer: independent drain of the dead-letter queue
package rabbitmq
