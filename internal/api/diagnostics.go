package api

import (
	"cmp"
	"fmt"
	"slices"
	"time"

	"github.com/crowdwatch/crowdwatch/pkg/types"
)

// DiagnosticHint is one human-readable insight about the monitor's state.
// The UI shows these as chips; Detail is the explanation shown on click.
type DiagnosticHint struct {
	// Key is a stable machine-readable identifier.
	Key string `json:"key"`
	// Level is "ok" | "info" | "warning" | "critical"
	Level string `json:"level"`
	// Title is a short chip label.
	Title string `json:"title"`
	// Detail is the full explanation.
	Detail string `json:"detail"`
	// Value is an optional number associated with the hint.
	Value *float64 `json:"value,omitempty"`
}

// malformedWarnRatio is the share of malformed payloads above which the feed
// is considered misconfigured rather than noisy.
const malformedWarnRatio = 0.10

// computeDiagnostics derives hints from the session snapshot, the latest frame
// (nil before the first observation) and the feed certificate (nil when the
// feed is not TLS). Hints are ordered critical first, then warnings, then info.
func computeDiagnostics(snap types.SessionSnapshot, latest *types.Frame, cert *types.CertStatus) []DiagnosticHint {
	var hints []DiagnosticHint

	// ── Session state ────────────────────────────────────────────────────────
	switch snap.State {
	case "idle", "closed":
		hints = append(hints, DiagnosticHint{
			Key:   "not_monitoring",
			Level: "info",
			Title: "Not monitoring",
			Detail: "No live feed subscription is open. Counts shown come from static " +
				"analyses only. Start a session to receive live counts from the detector.",
		})
	case "connecting":
		hints = append(hints, DiagnosticHint{
			Key:   "connecting",
			Level: "info",
			Title: "Connecting",
			Detail: "The feed subscription is open but no count has arrived yet. " +
				"The session turns live as soon as the first message is received.",
		})
	case "retrying":
		level := "warning"
		if snap.Attempt >= 5 {
			level = "critical"
		}
		v := float64(snap.Attempt)
		detail := fmt.Sprintf(
			"The live feed dropped and the monitor is reconnecting (attempt %d, next try in %s). "+
				"Check that the detector is running and its count endpoint is reachable.",
			snap.Attempt, snap.RetryDelay.Round(time.Millisecond),
		)
		if snap.LastError != "" {
			detail += fmt.Sprintf(" The last error was: %q.", snap.LastError)
		}
		hints = append(hints, DiagnosticHint{
			Key:    "feed_retrying",
			Level:  level,
			Title:  "Feed reconnecting",
			Detail: detail,
			Value:  &v,
		})
	}

	// ── Malformed payloads ───────────────────────────────────────────────────
	if snap.Messages > 0 && snap.Malformed > 0 {
		pct := float64(snap.Malformed) / float64(snap.Messages) * 100
		level := "info"
		if pct >= malformedWarnRatio*100 {
			level = "warning"
		}
		hints = append(hints, DiagnosticHint{
			Key:   "malformed",
			Level: level,
			Title: fmt.Sprintf("%.1f%% malformed", pct),
			Detail: fmt.Sprintf(
				"%d of %d feed messages could not be read as a count and were dropped. "+
					"A steady share usually means the feed points at the wrong metric or stream.",
				snap.Malformed, snap.Messages,
			),
			Value: &pct,
		})
	}

	// ── Reconnects ───────────────────────────────────────────────────────────
	if snap.Reconnects > 0 && snap.State == "live" {
		v := float64(snap.Reconnects)
		hints = append(hints, DiagnosticHint{
			Key:   "reconnects",
			Level: "info",
			Title: fmt.Sprintf("%d reconnects", snap.Reconnects),
			Detail: "The feed is live again but dropped at least once during this session. " +
				"Frequent reconnects point at an unstable network path or detector restarts.",
			Value: &v,
		})
	}

	// ── Crowd level ──────────────────────────────────────────────────────────
	if latest != nil {
		score := float64(latest.Score)
		switch {
		case latest.Category == types.Critical && latest.ShowCriticalOverlay:
			hints = append(hints, DiagnosticHint{
				Key:   "critical_unacknowledged",
				Level: "critical",
				Title: "Critical crowd level",
				Detail: fmt.Sprintf(
					"The last count was %d against a threshold of %d (risk score %d/100). "+
						"Nobody has acknowledged this yet.",
					latest.Count, latest.Threshold, latest.Score,
				),
				Value: &score,
			})
		case latest.Category == types.Critical:
			hints = append(hints, DiagnosticHint{
				Key:   "critical_acknowledged",
				Level: "warning",
				Title: "Critical, acknowledged",
				Detail: fmt.Sprintf(
					"The crowd level is still critical (count %d, score %d/100) but has been acknowledged.",
					latest.Count, latest.Score,
				),
				Value: &score,
			})
		case latest.Category == types.High:
			hints = append(hints, DiagnosticHint{
				Key:   "high",
				Level: "warning",
				Title: "High crowd level",
				Detail: fmt.Sprintf(
					"The last count was %d against a threshold of %d (risk score %d/100).",
					latest.Count, latest.Threshold, latest.Score,
				),
				Value: &score,
			})
		}
	}

	// ── Feed certificate ─────────────────────────────────────────────────────
	if cert != nil {
		days := float64(cert.DaysLeft)
		switch cert.Status {
		case "expired":
			hints = append(hints, DiagnosticHint{
				Key:    "cert_expired",
				Level:  "critical",
				Title:  "Feed cert expired",
				Detail: fmt.Sprintf("The certificate for %s expired on %s.", cert.Endpoint, cert.NotAfter),
				Value:  &days,
			})
		case "expiring":
			hints = append(hints, DiagnosticHint{
				Key:    "cert_expiring",
				Level:  "warning",
				Title:  fmt.Sprintf("Cert expires in %dd", cert.DaysLeft),
				Detail: fmt.Sprintf("The certificate for %s expires on %s. Renew it before the feed starts failing.", cert.Endpoint, cert.NotAfter),
				Value:  &days,
			})
		case "unreachable":
			hints = append(hints, DiagnosticHint{
				Key:    "cert_unreachable",
				Level:  "warning",
				Title:  "Cert check failed",
				Detail: fmt.Sprintf("A TLS handshake with %s failed, so its certificate could not be checked.", cert.Endpoint),
			})
		}
	}

	// ── All clear ────────────────────────────────────────────────────────────
	if len(hints) == 0 {
		hints = append(hints, DiagnosticHint{
			Key:    "healthy",
			Level:  "ok",
			Title:  "All clear",
			Detail: "The feed is live and the crowd level is below high.",
		})
	}

	slices.SortStableFunc(hints, func(a, b DiagnosticHint) int {
		return cmp.Compare(levelRank(a.Level), levelRank(b.Level))
	})
	return hints
}

func levelRank(level string) int {
	switch level {
	case "critical":
		return 0
	case "warning":
		return 1
	case "info":
		return 2
	default:
		return 3
	}
}
