// Package session manages the single logical subscription to the live count
// feed.
//
// A Session moves through Idle, Connecting, Live, Retrying and Closed. Its
// methods are not safe for concurrent use: they must run on one event-loop
// goroutine, and the transport goroutines a Session spawns only hand work
// back through Options.Post. Every subscription is tagged with a generation
// number; callbacks from an older generation are ignored, so a stopped or
// restarted session can never be revived by a late error or timer.
//
// Transports implement Feed and Stream (see internal/feed). Retry delays come
// from a pluggable RetryPolicy, and timers from an injectable Clock so tests
// can drive retries deterministically.
package session
