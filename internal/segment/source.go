// Package segment fetches the fixed-length encoded chunks tracks are stored as.
package segment

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/satindergrewal/tunequiz/internal/metrics"
)

// maxSegmentBytes bounds a single segment download.
const maxSegmentBytes = 4 << 20

// Source returns the encoded bytes of segment index of the track key.
type Source interface {
	Fetch(ctx context.Context, key uuid.UUID, index int) ([]byte, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context, key uuid.UUID, index int) ([]byte, error)

// Fetch calls f.
func (f SourceFunc) Fetch(ctx context.Context, key uuid.UUID, index int) ([]byte, error) {
	return f(ctx, key, index)
}

// HTTPOptions tunes an HTTPSource.
type HTTPOptions struct {
	RequestsPerSecond float64 // 0 disables rate limiting
	Burst             int
	MaxConcurrent     int64         // 0 means unlimited
	Timeout           time.Duration // 0 means no client timeout
	Client            *http.Client  // overrides Timeout when set
}

// HTTPSource fetches segments from a static file host laid out as
// <prefix><first uuid char>/<uuid>/<index>.ogg.
type HTTPSource struct {
	prefix  string
	http    *http.Client
	limiter *rate.Limiter
	sem     *semaphore.Weighted
}

// NewHTTPSource creates a segment source rooted at prefix.
func NewHTTPSource(prefix string, opts HTTPOptions) *HTTPSource {
	client := opts.Client
	if client == nil {
		client = &http.Client{
			Timeout:   opts.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}
	s := &HTTPSource{prefix: prefix, http: client}
	if opts.RequestsPerSecond > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), burst)
	}
	if opts.MaxConcurrent > 0 {
		s.sem = semaphore.NewWeighted(opts.MaxConcurrent)
	}
	return s
}

// URL returns the address of a segment.
func (s *HTTPSource) URL(key uuid.UUID, index int) string {
	id := key.String()
	return fmt.Sprintf("%s%c/%s/%d.ogg", s.prefix, id[0], id, index)
}

// Fetch downloads one segment. Any non-2xx response is an error.
func (s *HTTPSource) Fetch(ctx context.Context, key uuid.UUID, index int) ([]byte, error) {
	if s.sem != nil {
		if err := s.sem.Acquire(ctx, 1); err != nil {
			return nil, err
		}
		defer s.sem.Release(1)
	}
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	start := time.Now()
	defer func() { metrics.SegmentFetchDuration.Observe(time.Since(start).Seconds()) }()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.URL(key, index), nil)
	if err != nil {
		return nil, fmt.Errorf("create segment request: %w", err)
	}
	req.Header.Set("Accept", "audio/ogg")

	resp, err := s.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%d %s", resp.StatusCode, strings.TrimSpace(http.StatusText(resp.StatusCode)))
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxSegmentBytes))
	if err != nil {
		return nil, fmt.Errorf("read segment body: %w", err)
	}
	return data, nil
}
