package quiz

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/satindergrewal/tunequiz/internal/catalog"
	"github.com/satindergrewal/tunequiz/internal/metrics"
)

// ControllerConfig wires a Controller.
type ControllerConfig struct {
	Producer Producer

	// SegmentsNeeded maps a clip duration to the segment count a track must
	// have to be eligible. Nil uses DefaultSlack.
	SegmentsNeeded func(seconds float64) int

	RecentWindow int // 0 means DefaultRecentWindow; negative disables it
	IntN         func(int) int
	Sink         Sink
	Logger       *slog.Logger
}

// Controller owns the active pipeline and drives the UI through a Sink.
type Controller struct {
	producer       Producer
	segmentsNeeded func(float64) int
	recentWindow   int
	intN           func(int) int
	sink           Sink
	logger         *slog.Logger

	// consumer is a one-slot lock so NextQuiz can give up waiting on ctx.
	consumer chan struct{}

	mu       sync.Mutex
	pipeline *Pipeline
	seconds  float64
	status   Status
}

// NewController creates a Controller with no active pipeline.
func NewController(cfg ControllerConfig) *Controller {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Sink == nil {
		cfg.Sink = discardSink{}
	}
	if cfg.SegmentsNeeded == nil {
		cfg.SegmentsNeeded = func(seconds float64) int { return SegmentsNeeded(seconds, DefaultSlack) }
	}
	switch {
	case cfg.RecentWindow == 0:
		cfg.RecentWindow = DefaultRecentWindow
	case cfg.RecentWindow < 0:
		cfg.RecentWindow = 0
	}
	return &Controller{
		producer:       cfg.Producer,
		segmentsNeeded: cfg.SegmentsNeeded,
		recentWindow:   cfg.RecentWindow,
		intN:           cfg.IntN,
		sink:           cfg.Sink,
		logger:         cfg.Logger,
		consumer:       make(chan struct{}, 1),
		status:         Status{State: StateIdle},
	}
}

// Configure replaces the active pipeline with one producing clips of
// seconds from pool, keeping budget quizzes ready. The previous pipeline is
// fully stopped first. On error no pipeline is active.
func (c *Controller) Configure(pool []catalog.Track, seconds float64, budget int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.teardownLocked()

	need := c.segmentsNeeded(seconds)
	p, err := StartPipeline(context.Background(), PipelineConfig{
		Pool:         pool,
		Seconds:      seconds,
		Budget:       budget,
		MinSegments:  need,
		RecentWindow: c.recentWindow,
		Producer:     c.producer,
		IntN:         c.intN,
		Logger:       c.logger.With(slog.String("component", "pipeline")),
	})
	if err != nil {
		return err
	}
	c.pipeline = p
	c.seconds = seconds

	c.logger.Info("quiz pipeline configured",
		slog.Int("pool", len(pool)),
		slog.Int("eligible", Eligible(pool, need)),
		slog.Float64("seconds", seconds),
		slog.Int("budget", budget),
		slog.Int("segments", need),
	)
	return nil
}

// NextQuiz delivers the next quiz from the active pipeline. ctx bounds only
// the wait for another NextQuiz call to finish; once this call owns the
// pipeline it returns when a result is available or the pipeline is torn
// down, in which case the error is ErrCancelled and the sink hears nothing.
func (c *Controller) NextQuiz(ctx context.Context) (*Quiz, error) {
	select {
	case c.consumer <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-c.consumer }()

	c.mu.Lock()
	p := c.pipeline
	c.mu.Unlock()
	if p == nil {
		return nil, ErrNotConfigured
	}

	c.publish(p, Status{State: StateLoading})

	q, err := p.Next()
	switch {
	case errors.Is(err, ErrCancelled):
		metrics.Deliveries.WithLabelValues("cancelled").Inc()
		return nil, err
	case err != nil:
		if !c.publish(p, Status{
			State:   StateError,
			Kind:    Kind(err),
			Message: err.Error(),
			Retry:   c.NextQuiz,
		}) {
			metrics.Deliveries.WithLabelValues("cancelled").Inc()
			return nil, ErrCancelled
		}
		metrics.Deliveries.WithLabelValues("error").Inc()
		return nil, err
	}

	if !c.publish(p, Status{State: StateReady, Quiz: q}) {
		metrics.Deliveries.WithLabelValues("cancelled").Inc()
		return nil, ErrCancelled
	}
	metrics.Deliveries.WithLabelValues("ready").Inc()
	return q, nil
}

// publish forwards s to the sink unless p has been replaced or stopped, and
// reports whether it did.
func (c *Controller) publish(p *Pipeline, s Status) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pipeline != p {
		return false
	}
	select {
	case <-p.Done():
		return false
	default:
	}
	c.status = s
	c.sink.Publish(s)
	return true
}

// Teardown stops the active pipeline, if any.
func (c *Controller) Teardown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.teardownLocked()
}

func (c *Controller) teardownLocked() {
	if c.pipeline == nil {
		return
	}
	c.pipeline.Stop()
	c.pipeline = nil
	c.status = Status{State: StateIdle}
}

// Status returns the last status published.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Seconds returns the clip duration of the active pipeline.
func (c *Controller) Seconds() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seconds
}

// Stats reports the active pipeline's accounting.
func (c *Controller) Stats() (Stats, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pipeline == nil {
		return Stats{}, false
	}
	return c.pipeline.Stats(), true
}
