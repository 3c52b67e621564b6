// Package server implements the Pairwire matchmaking and signaling core.
//
// A single Hub goroutine owns every registry (connections, queue, rooms,
// presence) and processes one event at a time, which gives the matcher and
// the relay their atomicity guarantees without fine-grained locking. The
// surrounding files provide the WebSocket transport, configuration, origin
// control, and per-connection rate limiting.
package server
