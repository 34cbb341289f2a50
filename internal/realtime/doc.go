// Package realtime fans group events out to websocket subscribers.
//
// A Hub keeps, per group ID, the set of connected clients subscribed to it.
// Publishing an event is best-effort and at-most-once: each subscriber gets a
// non-blocking send on its buffered channel, and a client whose buffer is
// full is dropped instead of slowing the publisher down.
//
// With several server instances, RedisRelay carries events between them:
// Publish goes to a Redis channel, and every instance delivers what it
// receives to its own Hub.
package realtime
