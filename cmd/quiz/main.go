package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/satindergrewal/tunequiz/internal/audio"
	"github.com/satindergrewal/tunequiz/internal/catalog"
	"github.com/satindergrewal/tunequiz/internal/config"
	"github.com/satindergrewal/tunequiz/internal/metrics"
	"github.com/satindergrewal/tunequiz/internal/quiz"
	"github.com/satindergrewal/tunequiz/internal/segment"
	"github.com/satindergrewal/tunequiz/internal/stream"
	"github.com/satindergrewal/tunequiz/internal/telemetry"
)

const serviceName = "tunequiz"

func main() {
	if err := config.LoadDotEnv(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	cfg := config.Load()
	logger := newLogger(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("tunequiz stopped", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	metrics.Register(prometheus.DefaultRegisterer)

	shutdownTracing, err := telemetry.Init(ctx, telemetry.Options{
		ServiceName: serviceName,
		Endpoint:    cfg.OTelEndpoint,
		SampleRate:  cfg.OTelSampleRate,
	})
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer scancel()
		_ = shutdownTracing(sctx)
	}()

	httpClient := &http.Client{
		Transport: otelhttp.NewTransport(http.DefaultTransport),
		Timeout:   cfg.HTTPTimeout,
	}

	loadCtx, loadCancel := context.WithTimeout(ctx, 30*time.Second)
	coll, err := catalog.Load(loadCtx, httpClient, cfg.Catalog)
	loadCancel()
	if err != nil {
		return fmt.Errorf("load catalog: %w", err)
	}
	logger.Info("catalog loaded", slog.String("location", cfg.Catalog), slog.Int("tracks", len(coll.Tracks())))

	source := buildSource(ctx, cfg, httpClient, logger)

	native, err := nativeDecoder(cfg, audio.DetectCapabilities(cfg.FFmpegPath), logger)
	if err != nil {
		return err
	}
	fetcher := quiz.NewFetcher(quiz.FetcherConfig{
		Source:   source,
		Native:   native,
		Fallback: func() audio.StatefulDecoder { return audio.NewOpusWorker(audio.Channels) },
		Slack:    cfg.DurationSlack,
		Logger:   logger.With(slog.String("component", "fetcher")),
	})
	defer fetcher.Close()

	events := stream.NewEventHub(logger.With(slog.String("component", "events")))
	go events.Run()
	defer events.Close()

	controller := quiz.NewController(quiz.ControllerConfig{
		Producer:       fetcher,
		SegmentsNeeded: fetcher.SegmentsNeeded,
		RecentWindow:   recentWindow(cfg.RecentWindow),
		Sink:           events,
		Logger:         logger.With(slog.String("component", "controller")),
	})
	defer controller.Teardown()

	player := audio.NewPlayer(cfg.Fade, logger.With(slog.String("component", "player")))
	go player.Run(ctx)

	broadcaster := stream.NewBroadcaster(stream.DefaultListenerBuffer, logger.With(slog.String("component", "broadcaster")))
	go broadcaster.Run(ctx, player.Frames())
	webrtcHandler := stream.NewWebRTCHandler(broadcaster, cfg.ICEServers, logger.With(slog.String("component", "webrtc")))

	a := &api{
		catalog:    coll,
		controller: controller,
		player:     player,
		events:     events,
		audio:      broadcaster,
		peers:      webrtcHandler,
		slack:      cfg.DurationSlack,
		logger:     logger,
	}
	if _, err := a.configure(settings{Duration: cfg.Duration, Rank: cfg.Rank, BufferSize: cfg.BufferSize}); err != nil {
		logger.Warn("initial game not started, waiting for /api/config", slog.String("error", err.Error()))
	}

	mux := a.routes()
	mux.Handle("/stream", stream.NewMP3Handler(broadcaster, cfg.FFmpegPath, logger.With(slog.String("component", "mp3"))))
	mux.Handle("/offer", webrtcHandler)
	mux.Handle("/events", events)
	mux.Handle("/metrics", promhttp.Handler())

	handler := recoveryMiddleware(logger, otelhttp.NewHandler(loggingMiddleware(logger, mux), serviceName,
		otelhttp.WithFilter(traced),
	))
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("tunequiz listening", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		server.Close()
	}
	return nil
}

func buildSource(ctx context.Context, cfg config.Config, client *http.Client, logger *slog.Logger) segment.Source {
	var source segment.Source = segment.NewHTTPSource(cfg.SegmentURLPrefix, segment.HTTPOptions{
		RequestsPerSecond: cfg.FetchRPS,
		Burst:             cfg.FetchBurst,
		MaxConcurrent:     int64(cfg.FetchConcurrency),
		Client:            client,
	})

	redisURL := strings.TrimSpace(cfg.RedisURL)
	if redisURL == "" {
		return source
	}
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		logger.Warn("invalid redis url, segment cache disabled", slog.String("error", err.Error()))
		return source
	}
	cache := segment.NewRedisCache(source, redis.NewClient(opts), cfg.SegmentCacheTTL, logger.With(slog.String("component", "segment-cache")))

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := cache.Ping(pingCtx); err != nil {
		logger.Warn("redis not reachable, segment cache disabled", slog.String("error", err.Error()))
		return source
	}
	logger.Info("segment cache enabled", slog.String("addr", opts.Addr), slog.Duration("ttl", cfg.SegmentCacheTTL))
	return cache
}

// nativeDecoder picks the concurrent decode path from the decoder mode and
// what the host offers. A nil decoder routes everything through the
// fallback worker.
func nativeDecoder(cfg config.Config, caps audio.Capabilities, logger *slog.Logger) (audio.Decoder, error) {
	switch cfg.Decoder {
	case config.DecoderFallback:
		logger.Info("decoder: fallback only")
		return nil, nil
	case config.DecoderNative:
		if !caps.FFmpeg {
			return nil, fmt.Errorf("QUIZ_DECODER=native but %q was not found", cfg.FFmpegPath)
		}
	default:
		if !caps.FFmpeg {
			logger.Info("decoder: ffmpeg not found, using fallback", slog.String("ffmpeg", cfg.FFmpegPath))
			return nil, nil
		}
	}
	logger.Info("decoder: native", slog.String("ffmpeg", caps.FFmpegPath))
	return audio.NewFFmpegDecoder(caps.FFmpegPath), nil
}

// recentWindow maps the configured size onto ControllerConfig, where zero
// means the default.
func recentWindow(n int) int {
	if n == 0 {
		return -1
	}
	return n
}

func newLogger(levelRaw, formatRaw string) *slog.Logger {
	options := &slog.HandlerOptions{Level: parseLogLevel(levelRaw)}
	if strings.ToLower(strings.TrimSpace(formatRaw)) == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, options))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, options))
}

func parseLogLevel(raw string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
