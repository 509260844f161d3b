// Package server implements the HTTP and WebSocket surface of the chat hub.
//
// The implementation is organized into specialized files for the WebSocket
// dispatcher, REST handlers, origin policy, rate limiting and routing so the
// transport concerns stay separate from the hub's room and session logic.
package server
