package control

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/crowdwatch/crowdwatch/internal/config"
	"github.com/crowdwatch/crowdwatch/internal/metrics"
)

func newClient(t *testing.T, h http.Handler) (*Client, *metrics.Metrics) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	m := metrics.New(prometheus.NewRegistry())
	c, err := New(config.ControlConfig{
		Endpoint:    srv.URL,
		StartPath:   "/start",
		StopPath:    "/stop",
		AnalyzePath: "/upload",
		Timeout:     5 * time.Second,
	}, m)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c, m
}

func respond(status int, body string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
	}
}

func TestRequestStart(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   StartResult
	}{
		{"started", http.StatusOK, `{"status":"started"}`, Started},
		{"empty body", http.StatusOK, ``, Started},
		{"already running body", http.StatusOK, `{"status":"already_running"}`, AlreadyRunning},
		{"conflict", http.StatusConflict, `{"error":"busy"}`, AlreadyRunning},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			c, _ := newClient(t, respond(tc.status, tc.body))
			got, err := c.RequestStart(context.Background())
			if err != nil {
				t.Fatalf("RequestStart: %v", err)
			}
			if got != tc.want {
				t.Errorf("got %q, want %q", got, tc.want)
			}
		})
	}
}

func TestRequestStart_Rejected(t *testing.T) {
	c, _ := newClient(t, respond(http.StatusForbidden, `{"error":"camera offline"}`))
	_, err := c.RequestStart(context.Background())
	if !errors.Is(err, ErrRejected) {
		t.Fatalf("got %v, want ErrRejected", err)
	}
	if !strings.Contains(err.Error(), "camera offline") {
		t.Errorf("error should carry the backend message: %v", err)
	}
}

func TestRequestStop(t *testing.T) {
	mux := http.NewServeMux()
	mux.Handle("/stop", respond(http.StatusOK, `{"status":"stopped"}`))
	c, m := newClient(t, mux)

	if err := c.RequestStop(context.Background()); err != nil {
		t.Fatalf("RequestStop: %v", err)
	}
	if got := testutil.ToFloat64(m.ControlRequests.WithLabelValues("stop", "ok")); got != 1 {
		t.Errorf("stop ok metric: got %v, want 1", got)
	}
}

func TestBreakerOpensOnServerErrors(t *testing.T) {
	var hits atomic.Int32
	c, m := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))

	for i := 0; i < breakerFailures; i++ {
		err := c.RequestStop(context.Background())
		if !errors.Is(err, ErrFailed) || errors.Is(err, ErrUnavailable) {
			t.Fatalf("call %d: got %v, want ErrFailed", i, err)
		}
	}

	err := c.RequestStop(context.Background())
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("after %d failures: got %v, want ErrUnavailable", breakerFailures, err)
	}
	if got := hits.Load(); got != breakerFailures {
		t.Errorf("server hits: got %d, want %d (open breaker must not call out)", got, breakerFailures)
	}
	if got := testutil.ToFloat64(m.BreakerState.WithLabelValues(breakerName)); got != 2 {
		t.Errorf("breaker gauge: got %v, want 2 (open)", got)
	}
}

func TestRejectionsDoNotTripBreaker(t *testing.T) {
	c, _ := newClient(t, respond(http.StatusBadRequest, `{"error":"No file"}`))
	for i := 0; i < breakerFailures*2; i++ {
		if err := c.RequestStop(context.Background()); !errors.Is(err, ErrRejected) {
			t.Fatalf("call %d: got %v, want ErrRejected", i, err)
		}
	}
}

func TestAnalyze(t *testing.T) {
	c, _ := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f, hdr, err := r.FormFile("image")
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = io.WriteString(w, `{"error":"No file"}`)
			return
		}
		defer f.Close()
		data, _ := io.ReadAll(f)
		if string(data) != "JPEGDATA" || hdr.Filename != "plaza.jpg" {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = io.WriteString(w, `{"error":"Invalid image"}`)
			return
		}
		_, _ = io.WriteString(w, `{"status":"switched_to_image","count":42}`)
	}))

	got, err := c.Analyze(context.Background(), strings.NewReader("JPEGDATA"), "plaza.jpg")
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if got.Count != 42 || got.Label != "plaza.jpg" {
		t.Errorf("got %+v, want count 42 labelled plaza.jpg", got)
	}

	_, err = c.Analyze(context.Background(), strings.NewReader("xx"), "plaza.jpg")
	if !errors.Is(err, ErrRejected) {
		t.Errorf("bad image: got %v, want ErrRejected", err)
	}
}

func TestDecodeAnalysis(t *testing.T) {
	tests := []struct {
		body    string
		want    Analysis
		wantErr bool
	}{
		{`{"count":3}`, Analysis{Count: 3, Label: "f.png"}, false},
		{`{"detected_count":9,"label":"gate B"}`, Analysis{Count: 9, Label: "gate B"}, false},
		{`{"count":0}`, Analysis{Count: 0, Label: "f.png"}, false},
		{`{"status":"ok"}`, Analysis{}, true},
		{`{"count":-2}`, Analysis{}, true},
		{`not json`, Analysis{}, true},
	}
	for _, tc := range tests {
		got, err := decodeAnalysis([]byte(tc.body), "f.png")
		if (err != nil) != tc.wantErr {
			t.Errorf("%s: err = %v, wantErr %v", tc.body, err, tc.wantErr)
			continue
		}
		if got != tc.want {
			t.Errorf("%s: got %+v, want %+v", tc.body, got, tc.want)
		}
	}
}

func TestDisabled(t *testing.T) {
	c, err := New(config.ControlConfig{Timeout: time.Second}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if c.Enabled() {
		t.Fatal("client without endpoint should be disabled")
	}
	if got, err := c.RequestStart(context.Background()); err != nil || got != Started {
		t.Errorf("RequestStart: got %q, %v", got, err)
	}
	if err := c.RequestStop(context.Background()); err != nil {
		t.Errorf("RequestStop: %v", err)
	}
	if _, err := c.Analyze(context.Background(), strings.NewReader("x"), "a.jpg"); !errors.Is(err, ErrDisabled) {
		t.Errorf("Analyze: got %v, want ErrDisabled", err)
	}
}
