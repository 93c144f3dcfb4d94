// Package pipeline turns one observed count into one Frame.
//
// Observe is the single entry point for live feed counts and static
// analysis results alike:
//
//	count → risk.Assess → alert.Tracker.Observe → history.Buffer.Push → Frame
//
// Each Frame is handed to the Publisher, and frames whose observation raised
// the alert count are also passed to the Notifier. Observe must be called
// from one goroutine so frames are produced in arrival order; the read-only
// accessors are safe to call concurrently.
//
// Zero suppression: while the pipeline is not running (no session has gone
// live since the last Stop) a count of exactly 0 is scored and published but
// not recorded in the history.
package pipeline
