package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/crowdwatch/crowdwatch/internal/alert"
	"github.com/crowdwatch/crowdwatch/internal/api"
	"github.com/crowdwatch/crowdwatch/internal/config"
	"github.com/crowdwatch/crowdwatch/internal/control"
	"github.com/crowdwatch/crowdwatch/internal/feed"
	"github.com/crowdwatch/crowdwatch/internal/hub"
	"github.com/crowdwatch/crowdwatch/internal/metrics"
	"github.com/crowdwatch/crowdwatch/internal/monitor"
	"github.com/crowdwatch/crowdwatch/internal/session"
	"github.com/crowdwatch/crowdwatch/internal/supervisor"
	"github.com/crowdwatch/crowdwatch/pkg/types"
)

func main() {
	configPath := flag.String("config", "config/crowdwatch.yaml", "path to config file")
	uiDir := flag.String("ui-dir", "", "serve the UI static files from this directory; leave empty to disable")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)

	slog.Info("crowdwatch starting",
		"config", *configPath,
		"feed_type", cfg.Feed.Type,
		"feed_endpoint", cfg.Feed.Endpoint,
		"threshold", cfg.Risk.Threshold,
		"http_port", cfg.Server.HTTPPort,
		"auth_mode", cfg.Server.Auth.Mode,
	)

	if err := run(cfg, *configPath, *uiDir, logger); err != nil {
		slog.Error("crowdwatch stopped", "err", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, configPath, uiDir string, logger *slog.Logger) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	met := metrics.New(reg)

	countFeed, err := feed.New(cfg.Feed)
	if err != nil {
		return fmt.Errorf("feed: %w", err)
	}
	ctrl, err := control.New(cfg.Control, met)
	if err != nil {
		return fmt.Errorf("control: %w", err)
	}

	webhooks := alert.NewWebhooks(cfg.Alerts)
	webhooks.Observe = met.ObserveWebhook

	// The hub reads from the monitor and the monitor publishes to the hub.
	stream := hub.New(nil, cfg.Server.BroadcastInterval, met)
	mon, err := monitor.New(monitor.Options{
		Feed:        countFeed,
		Controller:  ctrl,
		Threshold:   cfg.Risk.Threshold,
		HistorySize: cfg.Risk.HistorySize,
		Retry:       session.PolicyFor(cfg.Feed.Retry),
		Clock:       session.SystemClock(),
		Publisher:   stream,
		Notifier:    webhooks,
		Metrics:     met,
	})
	if err != nil {
		return fmt.Errorf("monitor: %w", err)
	}
	stream.SetSource(mon)

	feedCfg := cfg.Feed
	router := api.New(mon, api.Options{
		Server: cfg.Server,
		CheckCert: func(ctx context.Context) *types.CertStatus {
			return feed.CheckCert(ctx, feedCfg)
		},
		Stream:   stream,
		Gatherer: reg,
	})

	var handler http.Handler = router
	if uiDir != "" {
		handler = withUI(router, uiDir)
		slog.Info("serving UI static files", "dir", uiDir)
	}

	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	tree := supervisor.New(logger, supervisor.Config{})
	tree.AddCore(supervisor.Once("monitor", mon.Serve))
	tree.AddCore(supervisor.Func("config-watch", func(ctx context.Context) error {
		return config.Watch(ctx, configPath, func(next *config.Config) {
			applyReload(mon, cfg, next)
		})
	}))
	tree.AddSurface(supervisor.Func("ws-hub", stream.Run))
	tree.AddSurface(supervisor.HTTPServer(httpSrv, 10*time.Second))

	slog.Info("HTTP server listening", "port", cfg.Server.HTTPPort)
	err = tree.Serve(ctx)
	slog.Info("crowdwatch shutting down")
	if report, rerr := tree.UnstoppedServiceReport(); rerr == nil && len(report) > 0 {
		slog.Warn("services did not stop in time", "count", len(report))
	}
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// applyReload applies the threshold from a reloaded config. Every other
// setting takes effect on restart.
func applyReload(mon *monitor.Monitor, current, next *config.Config) {
	if next.Risk.Threshold != mon.Threshold() {
		if err := mon.SetThreshold(next.Risk.Threshold); err != nil {
			slog.Warn("config: threshold not applied", "err", err)
		}
	}
	if next.Feed != current.Feed || next.Control.Endpoint != current.Control.Endpoint ||
		next.Server.HTTPPort != current.Server.HTTPPort || next.Risk.HistorySize != current.Risk.HistorySize {
		slog.Warn("config: changes other than risk.threshold need a restart")
	}
}

// withUI serves static files from dir and falls back to index.html for
// unknown paths, so client-side routes resolve.
func withUI(router http.Handler, dir string) http.Handler {
	files := http.FileServer(http.Dir(dir))
	mux := http.NewServeMux()
	mux.Handle("/api/", router)
	mux.Handle("/ws/", router)
	mux.Handle("/metrics", router)
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		path := filepath.Join(dir, filepath.Clean("/"+r.URL.Path))
		if _, err := os.Stat(path); os.IsNotExist(err) {
			http.ServeFile(w, r, filepath.Join(dir, "index.html"))
			return
		}
		files.ServeHTTP(w, r)
	})
	return mux
}
