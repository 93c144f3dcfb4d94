package types

import "time"

// Origin identifies where an observation came from.
type Origin string

const (
	// OriginLive is a count received from the live feed subscription.
	OriginLive Origin = "live"
	// OriginStatic is a one-off static image analysis result.
	OriginStatic Origin = "static"
)

// Sample is one recorded (timestamp, count) point in the rolling history.
type Sample struct {
	At    time.Time `json:"at"`
	Count int       `json:"count"`
}

// AlertSnapshot is a copy of the alert tracker state.
type AlertSnapshot struct {
	Count                int       `json:"count"`
	LastCategory         *Category `json:"last_category,omitempty"`
	CriticalAcknowledged bool      `json:"critical_acknowledged"`
}

// Frame is the consolidated output of one observation. It is built once and
// never mutated afterwards; History is a copy owned by the frame.
type Frame struct {
	Seq       uint64    `json:"seq"`
	At        time.Time `json:"at"`
	Origin    Origin    `json:"origin"`
	Label     string    `json:"label,omitempty"`
	Count     int       `json:"count"`
	Threshold int       `json:"threshold"`
	Score     int       `json:"score"`
	Category  Category  `json:"category"`

	// ShowCriticalOverlay is true while the category is critical and the
	// operator has not acknowledged it yet.
	ShowCriticalOverlay bool `json:"show_critical_overlay"`

	// Recorded is false when the sample was held back from the history
	// (a zero count while the session is not live).
	Recorded bool `json:"recorded"`

	Alert   AlertSnapshot `json:"alert"`
	History []Sample      `json:"history"`
	Average float64       `json:"average"`
	Peak    int           `json:"peak"`
}

// SessionSnapshot describes the live feed subscription at one point in time.
type SessionSnapshot struct {
	ID         string        `json:"id,omitempty"`
	State      string        `json:"state"`
	Attempt    int           `json:"attempt"`
	RetryDelay time.Duration `json:"retry_delay_ns"`
	StartedAt  *time.Time    `json:"started_at,omitempty"`
	LiveSince  *time.Time    `json:"live_since,omitempty"`
	Messages   uint64        `json:"messages"`
	Malformed  uint64        `json:"malformed"`
	Reconnects uint64        `json:"reconnects"`
	LastError  string        `json:"last_error,omitempty"`
}

// CertStatus describes the TLS leaf certificate presented by the feed endpoint.
type CertStatus struct {
	Endpoint string `json:"endpoint"`
	AuthType string `json:"auth_type"`
	Status   string `json:"status"` // valid | expiring | expired | unreachable
	DaysLeft int32  `json:"days_left"`
	Issuer   string `json:"issuer,omitempty"`
	NotAfter string `json:"not_after,omitempty"`
}
