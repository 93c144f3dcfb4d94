package feed

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"

	"github.com/crowdwatch/crowdwatch/internal/session"
)

// promFeed polls a detector that exposes its count as a Prometheus gauge.
type promFeed struct {
	url      string
	metric   string
	interval time.Duration
	client   *http.Client
}

// Open performs the first scrape so a bad endpoint fails the connect attempt
// rather than the first read.
func (f *promFeed) Open(ctx context.Context) (session.Stream, error) {
	v, err := f.scrape(ctx)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(ctx)
	return &promStream{
		feed:   f,
		ctx:    ctx,
		cancel: cancel,
		first:  &v,
		ticker: time.NewTicker(f.interval),
	}, nil
}

func (f *promFeed) scrape(ctx context.Context) (float64, error) {
	mfs, err := fetchMetrics(ctx, f.client, f.url)
	if err != nil {
		return 0, fmt.Errorf("feed: prometheus scrape: %w", err)
	}
	mf, ok := mfs[f.metric]
	if !ok {
		return 0, fmt.Errorf("feed: prometheus scrape: metric %q not exposed", f.metric)
	}
	return sumFamily(mf), nil
}

type promStream struct {
	feed   *promFeed
	ctx    context.Context
	cancel context.CancelFunc
	first  *float64
	ticker *time.Ticker
}

// Recv yields the first scrape immediately, then one scrape per interval.
func (s *promStream) Recv() (string, error) {
	if s.first != nil {
		v := *s.first
		s.first = nil
		return formatCount(v), nil
	}
	select {
	case <-s.ctx.Done():
		return "", session.ErrEndOfStream
	case <-s.ticker.C:
	}
	v, err := s.feed.scrape(s.ctx)
	if err != nil {
		return "", err
	}
	return formatCount(v), nil
}

func (s *promStream) Close() error {
	s.cancel()
	s.ticker.Stop()
	return nil
}

func formatCount(v float64) string {
	return strconv.FormatInt(int64(math.Round(v)), 10)
}

// fetchMetrics performs an HTTP GET to url and returns parsed metric families.
func fetchMetrics(ctx context.Context, client *http.Client, url string) (map[string]*dto.MetricFamily, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", string(expfmt.NewFormat(expfmt.TypeTextPlain)))

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http get: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return decodeMetrics(resp.Body, expfmt.ResponseFormat(resp.Header))
}

// decodeMetrics reads every metric family in r. The format comes from the
// response Content-Type; an unknown type is read as text.
func decodeMetrics(r io.Reader, format expfmt.Format) (map[string]*dto.MetricFamily, error) {
	dec := expfmt.NewDecoder(r, format)
	out := make(map[string]*dto.MetricFamily)
	for {
		mf := &dto.MetricFamily{}
		if err := dec.Decode(mf); err != nil {
			if errors.Is(err, io.EOF) {
				return out, nil
			}
			if len(out) > 0 {
				// Keep what parsed before a trailing bad line.
				return out, nil
			}
			return nil, fmt.Errorf("parse prometheus text: %w", err)
		}
		out[mf.GetName()] = mf
	}
}

// sumFamily adds up all counter, gauge, or untyped values in a MetricFamily.
func sumFamily(mf *dto.MetricFamily) float64 {
	if mf == nil {
		return 0
	}
	var total float64
	for _, m := range mf.GetMetric() {
		switch {
		case m.Gauge != nil:
			total += m.Gauge.GetValue()
		case m.Counter != nil:
			total += m.Counter.GetValue()
		case m.Untyped != nil:
			total += m.Untyped.GetValue()
		}
	}
	return total
}
