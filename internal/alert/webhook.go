package alert

import (
	"bytes"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/goccy/go-json"

	"github.com/crowdwatch/crowdwatch/internal/config"
	"github.com/crowdwatch/crowdwatch/pkg/types"
)

const deliveryTimeout = 10 * time.Second

// Alert is one escalation raised by the tracker, as delivered to webhooks.
type Alert struct {
	SessionID string         `json:"session_id,omitempty"`
	Category  types.Category `json:"category"`
	Count     int            `json:"count"`
	Threshold int            `json:"threshold"`
	Score     int            `json:"score"`
	Total     int            `json:"alert_count"`
	Message   string         `json:"message"`
	FiredAt   time.Time      `json:"fired_at"`
}

// NewAlert builds the delivered form of an escalation.
func NewAlert(sessionID string, f types.Frame) Alert {
	return Alert{
		SessionID: sessionID,
		Category:  f.Category,
		Count:     f.Count,
		Threshold: f.Threshold,
		Score:     f.Score,
		Total:     f.Alert.Count,
		FiredAt:   f.At,
		Message: fmt.Sprintf("[%s] crowd risk %d/100, %d detected against threshold %d",
			f.Category, f.Score, f.Count, f.Threshold),
	}
}

// Webhooks delivers alerts to every configured webhook target.
// Delivery runs in its own goroutine and never blocks the caller.
type Webhooks struct {
	targets []config.WebhookConfig
	client  *http.Client

	// Observe, when set, is called once per delivery attempt.
	Observe func(target string, err error)
}

// NewWebhooks creates a notifier for cfg. With no targets Notify is a no-op.
func NewWebhooks(cfg config.AlertsConfig) *Webhooks {
	return &Webhooks{
		targets: cfg.Webhooks,
		client:  &http.Client{Timeout: deliveryTimeout},
	}
}

// Notify schedules asynchronous delivery of a.
func (w *Webhooks) Notify(a Alert) {
	if len(w.targets) == 0 {
		return
	}
	slog.Warn("alert fired",
		"category", a.Category.String(),
		"count", a.Count,
		"score", a.Score,
		"alert_count", a.Total,
	)
	go w.deliver(a)
}

// deliver sends a to all configured targets.
// Errors are logged but do not affect the caller.
func (w *Webhooks) deliver(a Alert) {
	for _, wh := range w.targets {
		url := wh.URL()
		if url == "" {
			continue
		}

		var err error
		switch wh.Type {
		case "slack":
			err = w.sendSlack(url, a)
		case "teams":
			err = w.sendTeams(url, a)
		case "pagerduty", "http":
			err = w.sendHTTP(url, a)
		default:
			slog.Warn("alert: unknown webhook type, skipping", "type", wh.Type)
			continue
		}

		if w.Observe != nil {
			w.Observe(wh.Type, err)
		}
		if err != nil {
			slog.Error("alert: webhook delivery failed",
				"type", wh.Type,
				"category", a.Category.String(),
				"err", err,
			)
		} else {
			slog.Debug("alert: webhook delivered",
				"type", wh.Type,
				"category", a.Category.String(),
			)
		}
	}
}

func (w *Webhooks) sendSlack(url string, a Alert) error {
	body, _ := json.Marshal(map[string]string{
		"text": fmt.Sprintf("*%s* %s", severityLabel(a.Category), a.Message),
	})
	return w.post(url, body)
}

func (w *Webhooks) sendTeams(url string, a Alert) error {
	payload := map[string]interface{}{
		"@type":      "MessageCard",
		"@context":   "http://schema.org/extensions",
		"themeColor": severityColor(a.Category),
		"summary":    "Crowd risk " + a.Category.String(),
		"title":      fmt.Sprintf("crowdwatch alert: %s", a.Category),
		"text":       a.Message,
	}
	body, _ := json.Marshal(payload)
	return w.post(url, body)
}

func (w *Webhooks) sendHTTP(url string, a Alert) error {
	body, _ := json.Marshal(map[string]interface{}{"alert": a})
	return w.post(url, body)
}

func (w *Webhooks) post(url string, body []byte) error {
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("http post: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned HTTP %d", resp.StatusCode)
	}
	return nil
}

func severityLabel(c types.Category) string {
	switch c {
	case types.Critical:
		return "[CRITICAL]"
	case types.High:
		return "[HIGH]"
	default:
		return "[INFO]"
	}
}

func severityColor(c types.Category) string {
	switch c {
	case types.Critical:
		return "FF4F6A"
	case types.High:
		return "FFAB40"
	default:
		return "00D4FF"
	}
}
