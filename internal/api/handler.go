package api

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/crowdwatch/crowdwatch/internal/config"
	"github.com/crowdwatch/crowdwatch/internal/control"
	"github.com/crowdwatch/crowdwatch/internal/monitor"
	"github.com/crowdwatch/crowdwatch/internal/pipeline"
	"github.com/crowdwatch/crowdwatch/pkg/types"
)

// maxUploadBytes caps the multipart body accepted by POST /api/v1/analyze.
const maxUploadBytes = 16 << 20

// Service is the monitor surface the handlers drive. *monitor.Monitor
// satisfies it.
type Service interface {
	Start(ctx context.Context) (control.StartResult, error)
	Stop(ctx context.Context) error
	Analyze(ctx context.Context, image io.Reader, filename string) (types.Frame, error)
	Ingest(ctx context.Context, count int, label string) (types.Frame, error)
	Acknowledge(ctx context.Context) (bool, error)
	Session(ctx context.Context) (types.SessionSnapshot, error)
	Latest() (types.Frame, bool)
	History() ([]types.Sample, float64, int)
	Alert() types.AlertSnapshot
	Threshold() int
}

// Options configures the router.
type Options struct {
	Server config.ServerConfig

	// CheckCert reports the feed endpoint's TLS certificate; nil means the
	// endpoint does not use TLS.
	CheckCert func(ctx context.Context) *types.CertStatus

	// Stream, when set, is mounted at /ws/stream.
	Stream http.Handler

	// Gatherer, when set, is exposed at /metrics.
	Gatherer prometheus.Gatherer
}

// Handler serves the REST API.
type Handler struct {
	svc     Service
	opts    Options
	started time.Time
}

// New builds the router for svc.
func New(svc Service, opts Options) http.Handler {
	h := &Handler{svc: svc, opts: opts, started: time.Now()}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		jsonErr(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	auth := APIKey(opts.Server.Auth.Mode, opts.Server.Auth.EffectiveHeader(), opts.Server.Auth.Key())

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", h.health)
		r.Get("/session", h.session)
		r.Get("/frame", h.frame)
		r.Get("/history", h.history)
		r.Get("/diagnostics", h.diagnostics)
		r.Get("/feed/tls", h.feedTLS)

		r.Group(func(r chi.Router) {
			r.Use(auth)
			r.Post("/session/start", h.start)
			r.Post("/session/stop", h.stop)
			r.Post("/alerts/ack", h.ack)
			r.Post("/observations", h.observe)
			r.With(httprate.LimitByIP(uploadLimit(opts.Server), time.Minute)).
				Post("/analyze", h.analyze)
		})
	})

	if opts.Stream != nil {
		r.Handle("/ws/stream", opts.Stream)
	}
	if opts.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))
	}
	return r
}

// --- route handlers ---------------------------------------------------------

// health returns GET /api/v1/health.
func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:     "ok",
		Threshold:  h.svc.Threshold(),
		AlertCount: h.svc.Alert().Count,
		UptimeSec:  int64(time.Since(h.started).Seconds()),
	}
	snap, err := h.svc.Session(r.Context())
	if err != nil {
		resp.Status = "degraded"
		resp.SessionState = "unknown"
	} else {
		resp.SessionState = snap.State
	}
	if f, ok := h.svc.Latest(); ok {
		resp.Category = f.Category.String()
	}
	jsonResp(w, http.StatusOK, resp)
}

// session returns GET /api/v1/session.
func (h *Handler) session(w http.ResponseWriter, r *http.Request) {
	snap, err := h.svc.Session(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	jsonResp(w, http.StatusOK, snap)
}

// start handles POST /api/v1/session/start.
func (h *Handler) start(w http.ResponseWriter, r *http.Request) {
	res, err := h.svc.Start(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	snap, err := h.svc.Session(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	jsonResp(w, http.StatusOK, StartResponse{Backend: string(res), Session: snap})
}

// stop handles POST /api/v1/session/stop.
func (h *Handler) stop(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Stop(r.Context()); err != nil {
		writeErr(w, err)
		return
	}
	snap, err := h.svc.Session(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	jsonResp(w, http.StatusOK, snap)
}

// frame returns GET /api/v1/frame.
func (h *Handler) frame(w http.ResponseWriter, _ *http.Request) {
	f, ok := h.svc.Latest()
	if !ok {
		jsonErr(w, http.StatusNotFound, "no observation yet")
		return
	}
	jsonResp(w, http.StatusOK, f)
}

// history returns GET /api/v1/history.
func (h *Handler) history(w http.ResponseWriter, _ *http.Request) {
	samples, avg, peak := h.svc.History()
	if samples == nil {
		samples = []types.Sample{}
	}
	jsonResp(w, http.StatusOK, HistoryResponse{Samples: samples, Average: avg, Peak: peak})
}

// ack handles POST /api/v1/alerts/ack. Acknowledging outside a critical
// state is not an error; Acknowledged reports whether anything changed.
func (h *Handler) ack(w http.ResponseWriter, r *http.Request) {
	ok, err := h.svc.Acknowledge(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	jsonResp(w, http.StatusOK, AckResponse{Acknowledged: ok, Alert: h.svc.Alert()})
}

// analyze handles POST /api/v1/analyze with a multipart "image" field.
func (h *Handler) analyze(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		jsonErr(w, http.StatusBadRequest, "invalid multipart body")
		return
	}
	file, hdr, err := r.FormFile("image")
	if err != nil {
		jsonErr(w, http.StatusBadRequest, "missing image field")
		return
	}
	defer file.Close()

	f, err := h.svc.Analyze(r.Context(), file, hdr.Filename)
	if err != nil {
		writeErr(w, err)
		return
	}
	jsonResp(w, http.StatusOK, f)
}

// observe handles POST /api/v1/observations.
func (h *Handler) observe(w http.ResponseWriter, r *http.Request) {
	var req ObservationRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&req); err != nil {
		jsonErr(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Count == nil {
		jsonErr(w, http.StatusBadRequest, "count is required")
		return
	}
	f, err := h.svc.Ingest(r.Context(), *req.Count, req.Label)
	if err != nil {
		writeErr(w, err)
		return
	}
	jsonResp(w, http.StatusOK, f)
}

// diagnostics returns GET /api/v1/diagnostics.
func (h *Handler) diagnostics(w http.ResponseWriter, r *http.Request) {
	snap, err := h.svc.Session(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	latest, ok := h.svc.Latest()
	var lp *types.Frame
	if ok {
		lp = &latest
	}
	var cert *types.CertStatus
	if h.opts.CheckCert != nil {
		cert = h.opts.CheckCert(r.Context())
	}
	jsonResp(w, http.StatusOK, DiagnosticsResponse{
		Session:     snap,
		Diagnostics: computeDiagnostics(snap, lp, cert),
		GeneratedAt: time.Now().UTC().Format(time.RFC3339),
	})
}

// feedTLS returns GET /api/v1/feed/tls.
func (h *Handler) feedTLS(w http.ResponseWriter, r *http.Request) {
	var cs *types.CertStatus
	if h.opts.CheckCert != nil {
		cs = h.opts.CheckCert(r.Context())
	}
	if cs == nil {
		jsonErr(w, http.StatusNotFound, "feed endpoint does not use TLS")
		return
	}
	jsonResp(w, http.StatusOK, cs)
}

// --- helpers ----------------------------------------------------------------

func jsonResp(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func jsonErr(w http.ResponseWriter, code int, msg string) {
	jsonResp(w, code, errorResponse{Error: msg})
}

// writeErr maps domain errors to HTTP status codes.
func writeErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, pipeline.ErrNegativeCount):
		jsonErr(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, control.ErrDisabled):
		jsonErr(w, http.StatusNotImplemented, err.Error())
	case errors.Is(err, control.ErrUnavailable), errors.Is(err, monitor.ErrStopped):
		jsonErr(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		jsonErr(w, http.StatusGatewayTimeout, "request cancelled")
	case errors.Is(err, control.ErrRejected), errors.Is(err, control.ErrFailed):
		jsonErr(w, http.StatusBadGateway, err.Error())
	default:
		slog.Error("api: unexpected error", "err", err)
		jsonErr(w, http.StatusInternalServerError, "internal error")
	}
}

func uploadLimit(cfg config.ServerConfig) int {
	if cfg.UploadLimitPerMinute > 0 {
		return cfg.UploadLimitPerMinute
	}
	return config.DefaultUploadLimit
}
