package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Decoder modes.
const (
	DecoderAuto     = "auto"
	DecoderNative   = "native"
	DecoderFallback = "fallback"
)

// Config holds all runtime configuration, loaded from environment variables.
type Config struct {
	// Server
	Port int

	// Sources
	Catalog          string // YAML collection, URL or path
	SegmentURLPrefix string

	// Quiz defaults, changeable at runtime through the API
	Duration      float64 // clip seconds
	Rank          string
	BufferSize    int // look-ahead override; 0 derives it from Rank
	RecentWindow  int
	DurationSlack float64
	Fade          time.Duration

	// Decoding
	Decoder    string // auto, native or fallback
	FFmpegPath string

	// Fetching
	FetchRPS         float64 // 0 = unlimited
	FetchBurst       int
	FetchConcurrency int
	HTTPTimeout      time.Duration // 0 = none

	// Segment cache
	RedisURL        string
	SegmentCacheTTL time.Duration

	// Streaming
	ICEServers []string

	// Observability
	LogLevel       string
	LogFormat      string
	OTelEndpoint   string
	OTelSampleRate float64
}

// LoadDotEnv loads variables from the given files (".env" when none are
// given) without overriding the environment. Missing files are ignored.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

// Load reads configuration from environment variables with sane defaults.
func Load() Config {
	return Config{
		Port: envInt("QUIZ_PORT", 8080),

		Catalog:          envStr("QUIZ_CATALOG", ""),
		SegmentURLPrefix: envStr("QUIZ_SEGMENT_URL_PREFIX", ""),

		Duration:      envFloat("QUIZ_DURATION", 5),
		Rank:          envStr("QUIZ_RANK", "normal"),
		BufferSize:    envInt("QUIZ_BUFFER_SIZE", 0),
		RecentWindow:  envInt("QUIZ_RECENT_WINDOW", 10),
		DurationSlack: envFloat("QUIZ_DURATION_SLACK", 0.099),
		Fade:          envDuration("QUIZ_FADE", 200*time.Millisecond),

		Decoder:    strings.ToLower(envStr("QUIZ_DECODER", DecoderAuto)),
		FFmpegPath: envStr("QUIZ_FFMPEG_PATH", "ffmpeg"),

		FetchRPS:         envFloat("QUIZ_FETCH_RPS", 0),
		FetchBurst:       envInt("QUIZ_FETCH_BURST", 8),
		FetchConcurrency: envInt("QUIZ_FETCH_CONCURRENCY", 8),
		HTTPTimeout:      envDuration("QUIZ_HTTP_TIMEOUT", 0),

		RedisURL:        envStr("REDIS_URL", ""),
		SegmentCacheTTL: envDuration("QUIZ_SEGMENT_CACHE_TTL", 24*time.Hour),

		ICEServers: envList("QUIZ_ICE_SERVERS"),

		LogLevel:       envStr("LOG_LEVEL", "info"),
		LogFormat:      envStr("LOG_FORMAT", "text"),
		OTelEndpoint:   envStr("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		OTelSampleRate: envFloat("OTEL_TRACE_SAMPLE_RATE", 0.1),
	}
}

// Validate reports every missing or out-of-range setting.
func (c Config) Validate() error {
	var errs []error
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("QUIZ_PORT %d out of range", c.Port))
	}
	if c.Catalog == "" {
		errs = append(errs, errors.New("QUIZ_CATALOG is required"))
	}
	if c.SegmentURLPrefix == "" {
		errs = append(errs, errors.New("QUIZ_SEGMENT_URL_PREFIX is required"))
	}
	if c.Duration <= 0 {
		errs = append(errs, fmt.Errorf("QUIZ_DURATION must be positive, got %v", c.Duration))
	}
	if c.BufferSize < 0 {
		errs = append(errs, fmt.Errorf("QUIZ_BUFFER_SIZE must not be negative, got %d", c.BufferSize))
	}
	if c.RecentWindow < 0 {
		errs = append(errs, fmt.Errorf("QUIZ_RECENT_WINDOW must not be negative, got %d", c.RecentWindow))
	}
	if c.DurationSlack < 0 || c.DurationSlack >= 1 {
		errs = append(errs, fmt.Errorf("QUIZ_DURATION_SLACK must be in [0,1), got %v", c.DurationSlack))
	}
	switch c.Decoder {
	case DecoderAuto, DecoderNative, DecoderFallback:
	default:
		errs = append(errs, fmt.Errorf("QUIZ_DECODER %q is not auto, native or fallback", c.Decoder))
	}
	if c.FetchRPS < 0 {
		errs = append(errs, fmt.Errorf("QUIZ_FETCH_RPS must not be negative, got %v", c.FetchRPS))
	}
	if c.FetchConcurrency < 1 {
		errs = append(errs, fmt.Errorf("QUIZ_FETCH_CONCURRENCY must be at least 1, got %d", c.FetchConcurrency))
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		errs = append(errs, fmt.Errorf("LOG_FORMAT %q is not text or json", c.LogFormat))
	}
	return errors.Join(errs...)
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func envList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
