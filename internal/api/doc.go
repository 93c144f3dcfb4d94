// Package api implements the crowdwatch HTTP REST API.
//
// New(svc, opts) returns a chi router that serves:
//
//	GET  /api/v1/health         liveness, session state, threshold, alert count
//	GET  /api/v1/session        feed session snapshot
//	POST /api/v1/session/start  ask the detector to start, then subscribe
//	POST /api/v1/session/stop   ask the detector to stop, then unsubscribe
//	GET  /api/v1/frame          latest frame; 404 before the first observation
//	GET  /api/v1/history        retained samples, average and peak
//	POST /api/v1/alerts/ack     acknowledge the current critical state
//	POST /api/v1/analyze        multipart "image" upload, rate limited per IP
//	POST /api/v1/observations   pushed static result {"count": N, "label": "..."}
//	GET  /api/v1/diagnostics    plain-English hints about the session
//	GET  /api/v1/feed/tls       TLS certificate status of the feed endpoint
//
// When Options.Stream and Options.Gatherer are set, /ws/stream and /metrics
// are mounted on the same router.
//
// POST routes require the API key when server.auth.mode is "apikey".
// Every response is JSON; errors use {"error": "..."}.
package api
