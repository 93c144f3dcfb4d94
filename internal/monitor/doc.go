// Package monitor is the orchestrator that ties the feed session, the risk
// pipeline and the detector backend together.
//
// A Monitor owns one event Loop. Every state change, whether from a feed
// message, a retry timer or an API call, runs as a closure on that loop, so
// the session state machine and the pipeline see observations strictly in
// arrival order without further locking. API callers use the blocking
// methods (Start, Stop, Analyze, Ingest, Acknowledge, Session), which post
// to the loop and wait for the result.
//
// Lifecycle requests go to the detector backend first; when that fails the
// local state is left untouched and the error is returned.
package monitor
