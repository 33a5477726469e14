// Package realtime implements the WebSocket broadcast registry using the actor pattern.
//
// The Broadcaster owns all channel membership in a single goroutine driven by a command
// channel (no mutexes). Fan-out hands messages to per-connection writer pumps, so a slow
// or dead socket never blocks registration or delivery to other recipients. The
// SessionManager layers named sessions on top for presence and targeted sends.
package realtime
