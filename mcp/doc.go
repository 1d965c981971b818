// Package mcp carries notifications between GMP suite services.
//
// A Notification is routed by its Type through a Topology of queues and
// topic-style bindings. RedisBus fans a notification out over Redis pub/sub,
// one channel per matching queue. OutboxPublisher and Relay implement the
// transactional outbox: producers enqueue inside their own transaction and
// the relay publishes, retries and dead-letters in the background.
package mcp
