package control

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"time"

	"github.com/goccy/go-json"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/crowdwatch/crowdwatch/internal/config"
	"github.com/crowdwatch/crowdwatch/internal/feed"
	"github.com/crowdwatch/crowdwatch/internal/metrics"
)

const (
	breakerName     = "detector"
	breakerFailures = 5
	breakerTimeout  = 30 * time.Second
	maxReplyBytes   = 1 << 20
)

var (
	// ErrRejected is returned when the backend answers with a 4xx status.
	ErrRejected = errors.New("control: request rejected")
	// ErrUnavailable is returned while the circuit breaker is open.
	ErrUnavailable = errors.New("control: backend unavailable")
	// ErrDisabled is returned by Analyze when no endpoint is configured.
	ErrDisabled = errors.New("control: no detector endpoint configured")
	// ErrFailed wraps transport errors and 5xx replies while the breaker is closed.
	ErrFailed = errors.New("control: backend request failed")
)

// StartResult is the backend's answer to a start request.
type StartResult string

const (
	Started        StartResult = "started"
	AlreadyRunning StartResult = "already_running"
)

// Analysis is the result of a static image analysis.
type Analysis struct {
	Count int
	Label string
}

// Client talks to the detector backend.
type Client struct {
	cfg     config.ControlConfig
	http    *http.Client
	cb      *gobreaker.CircuitBreaker[reply]
	metrics *metrics.Metrics
}

type reply struct {
	status int
	body   []byte
}

// New builds a Client for cfg. m may be nil.
func New(cfg config.ControlConfig, m *metrics.Metrics) (*Client, error) {
	client, err := feed.NewHTTPClient(cfg.Auth, cfg.TLS, cfg.Timeout)
	if err != nil {
		return nil, fmt.Errorf("control: build http client: %w", err)
	}

	c := &Client{cfg: cfg, http: client, metrics: m}
	c.cb = gobreaker.NewCircuitBreaker[reply](gobreaker.Settings{
		Name:        breakerName,
		MaxRequests: 1,
		Timeout:     breakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= breakerFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("control: circuit breaker state change",
				"name", name, "from", from.String(), "to", to.String())
			if c.metrics != nil {
				c.metrics.BreakerState.WithLabelValues(name).Set(breakerValue(to))
			}
		},
	})
	if m != nil {
		m.BreakerState.WithLabelValues(breakerName).Set(0)
	}
	return c, nil
}

// Enabled reports whether a detector endpoint is configured.
func (c *Client) Enabled() bool { return c.cfg.Endpoint != "" }

// RequestStart asks the backend to begin acquisition. HTTP 409 and a
// {"status":"already_running"} body both mean the backend was already live.
func (c *Client) RequestStart(ctx context.Context) (StartResult, error) {
	if !c.Enabled() {
		return Started, nil
	}
	r, err := c.post(ctx, "start", c.cfg.StartPath, "", nil)
	if err != nil {
		return "", err
	}
	if r.status == http.StatusConflict {
		return AlreadyRunning, nil
	}
	if err := rejected(r); err != nil {
		return "", err
	}

	var body struct {
		Status string `json:"status"`
	}
	if len(r.body) > 0 && json.Unmarshal(r.body, &body) == nil && body.Status == string(AlreadyRunning) {
		return AlreadyRunning, nil
	}
	return Started, nil
}

// RequestStop asks the backend to stop acquisition.
func (c *Client) RequestStop(ctx context.Context) error {
	if !c.Enabled() {
		return nil
	}
	r, err := c.post(ctx, "stop", c.cfg.StopPath, "", nil)
	if err != nil {
		return err
	}
	return rejected(r)
}

// Analyze uploads one image as the multipart field "image" and returns the
// detected count.
func (c *Client) Analyze(ctx context.Context, image io.Reader, filename string) (Analysis, error) {
	if !c.Enabled() {
		return Analysis{}, ErrDisabled
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("image", filename)
	if err != nil {
		return Analysis{}, fmt.Errorf("control: analyze: %w", err)
	}
	if _, err := io.Copy(part, image); err != nil {
		return Analysis{}, fmt.Errorf("control: analyze: read image: %w", err)
	}
	if err := mw.Close(); err != nil {
		return Analysis{}, fmt.Errorf("control: analyze: %w", err)
	}

	r, err := c.post(ctx, "analyze", c.cfg.AnalyzePath, mw.FormDataContentType(), buf.Bytes())
	if err != nil {
		return Analysis{}, err
	}
	if err := rejected(r); err != nil {
		return Analysis{}, err
	}
	return decodeAnalysis(r.body, filename)
}

// decodeAnalysis accepts {"count":N} and {"detected_count":N,"label":"..."}.
func decodeAnalysis(body []byte, filename string) (Analysis, error) {
	var v struct {
		Count         *int   `json:"count"`
		DetectedCount *int   `json:"detected_count"`
		Label         string `json:"label"`
	}
	if err := json.Unmarshal(body, &v); err != nil {
		return Analysis{}, fmt.Errorf("control: analyze: decode reply: %w", err)
	}
	n := v.DetectedCount
	if n == nil {
		n = v.Count
	}
	if n == nil {
		return Analysis{}, errors.New("control: analyze: reply has no count")
	}
	if *n < 0 {
		return Analysis{}, fmt.Errorf("control: analyze: negative count %d", *n)
	}
	label := v.Label
	if label == "" {
		label = filename
	}
	return Analysis{Count: *n, Label: label}, nil
}

func (c *Client) post(ctx context.Context, op, path, contentType string, body []byte) (reply, error) {
	target, err := url.JoinPath(c.cfg.Endpoint, path)
	if err != nil {
		return reply{}, fmt.Errorf("control: %s: build url: %w", op, err)
	}

	start := time.Now()
	r, err := c.cb.Execute(func() (reply, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
		if err != nil {
			return reply{}, err
		}
		if contentType != "" {
			req.Header.Set("Content-Type", contentType)
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return reply{}, err
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(io.LimitReader(resp.Body, maxReplyBytes))
		if err != nil {
			return reply{}, err
		}
		if resp.StatusCode >= 500 {
			return reply{}, fmt.Errorf("unexpected status %d", resp.StatusCode)
		}
		return reply{status: resp.StatusCode, body: data}, nil
	})
	if c.metrics != nil {
		c.metrics.ObserveControl(op, err, time.Since(start))
	}

	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return reply{}, fmt.Errorf("%w: %s", ErrUnavailable, op)
	case err != nil:
		slog.Warn("control: request failed", "op", op, "url", target, "err", err)
		return reply{}, fmt.Errorf("%w: %s: %w", ErrFailed, op, err)
	}
	return r, nil
}

// rejected maps a 4xx reply to ErrRejected, using the backend's
// {"error":"..."} message when present.
func rejected(r reply) error {
	if r.status < 400 {
		return nil
	}
	var body struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(r.body, &body) == nil && body.Error != "" {
		return fmt.Errorf("%w: %d %s", ErrRejected, r.status, body.Error)
	}
	return fmt.Errorf("%w: status %d", ErrRejected, r.status)
}

func breakerValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}
