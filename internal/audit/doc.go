// Package audit delivers security events to a caller-supplied [Sink] off the
// request path.
//
// The [Dispatcher] owns a bounded queue and one delivery goroutine. When the queue
// is full it either blocks the emitter (bounded by the request context) or drops
// the event and counts it, depending on [Config.DropIfFull].
//
// This package decides nothing about which events exist; the engine does.
package audit
