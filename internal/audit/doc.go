// Package audit delivers audit-trail events asynchronously.
//
// A [Dispatcher] buffers events and forwards them to a [Sink] on a single
// goroutine, either dropping or blocking when the buffer is full. Sinks are
// provided for channels, JSON lines, zap logs and fan-out.
//
// This package does not decide which events to emit; the engine and its flow
// runners do.
package audit
