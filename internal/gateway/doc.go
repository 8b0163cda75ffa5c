// Package gateway translates connection events into broker calls.
//
// Every transport connection gets a Session that walks the
// Unauthenticated -> Initialized -> Disconnected state machine. Sessions
// enforce the per-channel initialization order (global before conversation)
// and convert every failure into an "error" event on the connection that
// raised it; nothing propagates back to the transport.
package gateway
