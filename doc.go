// Package neo provides a bidirectional, full-duplex, length-prefixed
// messaging transport that multiplexes many logically independent requests
// over a single long-lived TCP connection between a client and a node.
//
// Each request runs as a request-on-connection (RoC): a goroutine bound to
// one (or, for all-nodes requests, every) Connection, writing and reading
// messages through an EventDispatcher that looks like blocking I/O to the
// caller but never blocks the Connection's own sender/receiver goroutines.
package neo
