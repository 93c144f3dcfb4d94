package feed

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/crowdwatch/crowdwatch/internal/config"
	"github.com/crowdwatch/crowdwatch/internal/session"
)

// New returns the session.Feed for cfg.Type.
func New(cfg config.FeedConfig) (session.Feed, error) {
	switch cfg.Type {
	case config.FeedSSE, "":
		// Streaming responses must not be cut off by a client timeout.
		client, err := NewHTTPClient(cfg.Auth, cfg.TLS, 0)
		if err != nil {
			return nil, fmt.Errorf("feed: build http client: %w", err)
		}
		return &sseFeed{url: cfg.Endpoint, client: client}, nil
	case config.FeedWebSocket:
		tlsCfg, err := buildTLSConfig(cfg.Auth, cfg.TLS)
		if err != nil {
			return nil, fmt.Errorf("feed: build tls config: %w", err)
		}
		return &wsFeed{url: cfg.Endpoint, tls: tlsCfg, header: authHeader(cfg.Auth)}, nil
	case config.FeedPrometheus:
		if cfg.PollInterval <= 0 {
			cfg.PollInterval = config.DefaultPollInterval
		}
		timeout := cfg.PollInterval
		if timeout < time.Second {
			timeout = time.Second
		}
		client, err := NewHTTPClient(cfg.Auth, cfg.TLS, timeout)
		if err != nil {
			return nil, fmt.Errorf("feed: build http client: %w", err)
		}
		return &promFeed{url: cfg.Endpoint, metric: cfg.Metric, interval: cfg.PollInterval, client: client}, nil
	default:
		return nil, fmt.Errorf("feed: unsupported type %q", cfg.Type)
	}
}

// authRoundTripper injects authentication headers into every outgoing request.
type authRoundTripper struct {
	base http.RoundTripper
	auth config.AuthConfig
}

func (t *authRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	h := authHeader(t.auth)
	if len(h) == 0 {
		return t.base.RoundTrip(req)
	}
	req = req.Clone(req.Context())
	for k, v := range h {
		req.Header[k] = v
	}
	return t.base.RoundTrip(req)
}

// authHeader returns the request headers auth adds. mtls and none add nothing.
func authHeader(auth config.AuthConfig) http.Header {
	h := http.Header{}
	switch auth.Mode {
	case "apikey":
		h.Set(auth.Header, auth.Key())
	case "bearer":
		h.Set("Authorization", "Bearer "+auth.Token())
	case "basic":
		r := &http.Request{Header: h}
		r.SetBasicAuth(auth.Username, auth.Password())
	}
	return h
}

// NewHTTPClient builds an http.Client for the given upstream auth and TLS
// settings. A zero timeout means no overall request deadline.
func NewHTTPClient(auth config.AuthConfig, tlsSettings config.TLSConfig, timeout time.Duration) (*http.Client, error) {
	tlsCfg, err := buildTLSConfig(auth, tlsSettings)
	if err != nil {
		return nil, err
	}
	transport := &authRoundTripper{
		base: &http.Transport{TLSClientConfig: tlsCfg, Proxy: http.ProxyFromEnvironment},
		auth: auth,
	}
	return &http.Client{Transport: transport, Timeout: timeout}, nil
}

func buildTLSConfig(auth config.AuthConfig, tlsSettings config.TLSConfig) (*tls.Config, error) {
	tlsCfg := &tls.Config{
		InsecureSkipVerify: tlsSettings.InsecureSkipVerify, //nolint:gosec // user-configured
	}
	if auth.Mode != "mtls" {
		return tlsCfg, nil
	}

	cert, err := tls.LoadX509KeyPair(auth.CertFile, auth.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("load client cert: %w", err)
	}
	tlsCfg.Certificates = []tls.Certificate{cert}

	if auth.CAFile != "" {
		caPEM, err := os.ReadFile(auth.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read ca file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caPEM) {
			return nil, fmt.Errorf("no valid certs found in ca file %q", auth.CAFile)
		}
		tlsCfg.RootCAs = pool
	}
	return tlsCfg, nil
}
