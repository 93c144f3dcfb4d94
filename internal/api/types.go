package api

import "github.com/crowdwatch/crowdwatch/pkg/types"

// HealthResponse is the payload for GET /api/v1/health.
type HealthResponse struct {
	Status       string `json:"status"`
	SessionState string `json:"session_state"`
	Threshold    int    `json:"threshold"`
	Category     string `json:"category,omitempty"`
	AlertCount   int    `json:"alert_count"`
	UptimeSec    int64  `json:"uptime_sec"`
}

// StartResponse is the payload for POST /api/v1/session/start.
type StartResponse struct {
	Backend string                `json:"backend"` // started | already_running
	Session types.SessionSnapshot `json:"session"`
}

// AckResponse is the payload for POST /api/v1/alerts/ack.
type AckResponse struct {
	Acknowledged bool                `json:"acknowledged"`
	Alert        types.AlertSnapshot `json:"alert"`
}

// HistoryResponse is the payload for GET /api/v1/history.
type HistoryResponse struct {
	Samples []types.Sample `json:"samples"`
	Average float64        `json:"average"`
	Peak    int            `json:"peak"`
}

// ObservationRequest is the body of POST /api/v1/observations.
type ObservationRequest struct {
	Count *int   `json:"count"`
	Label string `json:"label"`
}

// DiagnosticsResponse is the payload for GET /api/v1/diagnostics.
type DiagnosticsResponse struct {
	Session     types.SessionSnapshot `json:"session"`
	Diagnostics []DiagnosticHint      `json:"diagnostics"`
	GeneratedAt string                `json:"generated_at"` // RFC3339
}

type errorResponse struct {
	Error string `json:"error"`
}
