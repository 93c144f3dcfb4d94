// Package supervisor runs the crowdwatch services under a suture tree.
//
// The tree has two layers so a crash in one does not take the other down:
//
//	crowdwatch
//	├── core      monitor event loop, config watcher
//	└── surface   WebSocket hub, HTTP server
//
// Supervisor events (restarts, backoff, panics) are logged through slog via
// sutureslog. Services are plain run functions wrapped with Func, or an
// *http.Server wrapped with HTTPServer.
package supervisor
