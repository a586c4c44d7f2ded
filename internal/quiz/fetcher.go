package quiz

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/satindergrewal/tunequiz/internal/audio"
	"github.com/satindergrewal/tunequiz/internal/catalog"
	"github.com/satindergrewal/tunequiz/internal/metrics"
	"github.com/satindergrewal/tunequiz/internal/segment"
)

// DefaultSlack pads the requested duration before rounding up to whole
// segments. Decoded one-second Ogg Opus segments come out a few
// milliseconds short, and clips are trimmed at playback anyway.
const DefaultSlack = 0.099

var tracer = otel.Tracer("github.com/satindergrewal/tunequiz/internal/quiz")

// Producer turns a track into a playable clip of the requested length.
type Producer interface {
	Produce(ctx context.Context, track catalog.Track, seconds float64) (*audio.Buffer, error)
}

// FetcherConfig wires a Fetcher.
type FetcherConfig struct {
	Source segment.Source

	// Native decodes segments concurrently. Nil means the host has no
	// native decode path and every request goes through Fallback.
	Native audio.Decoder

	// Fallback creates the stateful decoder on first use.
	Fallback func() audio.StatefulDecoder

	// Slack is added to the requested seconds before rounding up to whole
	// segments. Zero is honoured; negative means DefaultSlack.
	Slack float64

	// IntN picks the first segment. Produce runs concurrently, so it must
	// be safe for concurrent use.
	IntN   func(int) int
	Logger *slog.Logger
}

// Fetcher downloads the segments of a random window of a track, decodes
// them and joins them into one buffer.
type Fetcher struct {
	source      segment.Source
	native      audio.Decoder
	newFallback func() audio.StatefulDecoder
	slack       float64
	intN        func(int) int
	logger      *slog.Logger

	// fallbackMu serializes whole requests through the shared fallback decoder.
	fallbackMu sync.Mutex
	fallback   audio.StatefulDecoder
}

// NewFetcher creates a Fetcher.
func NewFetcher(cfg FetcherConfig) *Fetcher {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.IntN == nil {
		cfg.IntN = rand.IntN
	}
	if cfg.Slack < 0 {
		cfg.Slack = DefaultSlack
	}
	return &Fetcher{
		source:      cfg.Source,
		native:      cfg.Native,
		newFallback: cfg.Fallback,
		slack:       cfg.Slack,
		intN:        cfg.IntN,
		logger:      cfg.Logger,
	}
}

// SegmentsNeeded returns how many whole segments cover seconds plus slack.
func SegmentsNeeded(seconds, slack float64) int {
	return int(math.Ceil(seconds + slack))
}

// SegmentsNeeded applies the fetcher's slack.
func (f *Fetcher) SegmentsNeeded(seconds float64) int {
	return SegmentsNeeded(seconds, f.slack)
}

// Produce fetches and decodes a random window of track covering seconds.
func (f *Fetcher) Produce(ctx context.Context, track catalog.Track, seconds float64) (buf *audio.Buffer, err error) {
	need := f.SegmentsNeeded(seconds)
	ctx, span := tracer.Start(ctx, "quiz.produce")
	span.SetAttributes(
		attribute.Int("track.sid", track.SID),
		attribute.Int("segments", need),
	)
	start := time.Now()
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			metrics.ProduceFailures.WithLabelValues(Kind(err)).Inc()
		} else {
			metrics.QuizzesProduced.Inc()
			metrics.ProduceDuration.Observe(time.Since(start).Seconds())
		}
		span.End()
	}()

	if track.Amount < need {
		return nil, fmt.Errorf("%w: track %d has %d segments, need %d", ErrUnknown, track.SID, track.Amount, need)
	}
	first := f.intN(track.Amount - need + 1)

	raw, err := f.fetchAll(ctx, track, first, need)
	if err != nil {
		return nil, err
	}

	parts, err := f.decode(ctx, raw)
	if err != nil {
		return nil, err
	}
	if len(parts) != need {
		return nil, fmt.Errorf("%w: decoded %d segments, want %d", ErrUnknown, len(parts), need)
	}

	buf, err = audio.Concat(parts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecode, err)
	}

	f.logger.Debug("quiz clip produced",
		slog.Int("sid", track.SID),
		slog.Int("first_segment", first),
		slog.Int("segments", need),
		slog.Duration("elapsed", time.Since(start)),
	)
	return buf, nil
}

// fetchAll downloads segments [first, first+n) concurrently. The first
// failure cancels the rest.
func (f *Fetcher) fetchAll(ctx context.Context, track catalog.Track, first, n int) ([][]byte, error) {
	raw := make([][]byte, n)
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		g.Go(func() error {
			data, err := f.source.Fetch(gctx, track.UUID, first+i)
			if err != nil {
				return fmt.Errorf("segment %d: %w", first+i, err)
			}
			raw[i] = data
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("%w: fetch track %s: %w", ErrNetwork, track.UUID, err)
	}
	return raw, nil
}

func (f *Fetcher) decode(ctx context.Context, raw [][]byte) ([]*audio.Buffer, error) {
	if f.native == nil {
		return f.decodeFallback(ctx, raw)
	}

	parts, err := f.decodeNative(ctx, raw)
	if err == nil {
		return parts, nil
	}
	if ctx.Err() != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecode, ctx.Err())
	}
	metrics.DecoderFallbacks.Inc()
	f.logger.Warn("native decode failed, using fallback decoder", slog.String("error", err.Error()))
	return f.decodeFallback(ctx, raw)
}

func (f *Fetcher) decodeNative(ctx context.Context, raw [][]byte) ([]*audio.Buffer, error) {
	parts := make([]*audio.Buffer, len(raw))
	g, gctx := errgroup.WithContext(ctx)
	for i, data := range raw {
		g.Go(func() error {
			b, err := f.native.Decode(gctx, data)
			if err != nil {
				return fmt.Errorf("segment %d: %w", i, err)
			}
			parts[i] = b
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return parts, nil
}

// decodeFallback feeds the segments one by one through the shared stateful
// decoder, resetting it after each.
func (f *Fetcher) decodeFallback(ctx context.Context, raw [][]byte) ([]*audio.Buffer, error) {
	if f.newFallback == nil {
		return nil, fmt.Errorf("%w: no decoder available", ErrDecode)
	}

	f.fallbackMu.Lock()
	defer f.fallbackMu.Unlock()

	if f.fallback == nil {
		f.fallback = f.newFallback()
	}
	dec := f.fallback
	if err := dec.Ready(ctx); err != nil {
		return nil, fmt.Errorf("%w: fallback decoder not ready: %w", ErrDecode, err)
	}

	parts := make([]*audio.Buffer, 0, len(raw))
	for i, data := range raw {
		b, err := dec.Decode(ctx, data)
		resetErr := dec.Reset()
		if err != nil {
			return nil, fmt.Errorf("%w: segment %d: %w", ErrDecode, i, err)
		}
		if resetErr != nil {
			return nil, fmt.Errorf("%w: reset after segment %d: %w", ErrDecode, i, resetErr)
		}
		parts = append(parts, b)
	}
	return parts, nil
}

// Close releases the fallback decoder if one was created.
func (f *Fetcher) Close() error {
	f.fallbackMu.Lock()
	defer f.fallbackMu.Unlock()
	if f.fallback == nil {
		return nil
	}
	err := f.fallback.Close()
	f.fallback = nil
	return err
}
