package quiz

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/satindergrewal/tunequiz/internal/audio"
	"github.com/satindergrewal/tunequiz/internal/catalog"
	"github.com/satindergrewal/tunequiz/internal/metrics"
)

// Quiz is one playable round: the answer and the clip to listen to.
type Quiz struct {
	Track catalog.Track
	Audio *audio.Buffer
}

// PipelineConfig parameterizes one pipeline lifetime.
type PipelineConfig struct {
	Pool         []catalog.Track
	Seconds      float64
	Budget       int
	MinSegments  int // segments a track needs to be eligible
	RecentWindow int
	Producer     Producer
	IntN         func(int) int
	Logger       *slog.Logger
}

// Pipeline keeps up to Budget quizzes in production ahead of the consumer.
//
// Two bounded channels of capacity Budget+1 couple producer and consumer:
// permits is the backpressure signal (starts with Budget tokens) and slots
// carries futures in publish order (starts empty). At every quiescent point
// len(permits)+len(slots) equals maxSize, which is Budget except right after
// a failed drain cascade.
type Pipeline struct {
	budget   int
	seconds  float64
	producer Producer
	selector *Selector
	logger   *slog.Logger

	permits chan struct{}
	slots   chan *future

	ctx      context.Context
	cancel   context.CancelFunc
	loopDone chan struct{}

	// mu serializes consumers; maxSize is only written with it held.
	mu      sync.Mutex
	maxSize atomic.Int64

	acquired  atomic.Int64
	published atomic.Int64
	consumed  atomic.Int64
}

// Stats is a snapshot of the pipeline accounting.
type Stats struct {
	Budget    int
	MaxSize   int
	Available int // permits not yet taken by the producer
	Queued    int // published futures not yet taken by the consumer
	Acquired  int64
	Published int64
	Consumed  int64
}

// StartPipeline validates cfg and starts the producer loop. The pipeline
// runs until parent is cancelled or Stop is called.
func StartPipeline(parent context.Context, cfg PipelineConfig) (*Pipeline, error) {
	if cfg.Budget < 1 {
		return nil, fmt.Errorf("quiz budget must be at least 1, got %d", cfg.Budget)
	}
	if cfg.Producer == nil {
		return nil, errors.New("quiz pipeline needs a producer")
	}
	if cfg.Seconds <= 0 {
		return nil, fmt.Errorf("clip duration must be positive, got %v", cfg.Seconds)
	}
	if Eligible(cfg.Pool, cfg.MinSegments) == 0 {
		return nil, ErrNoEligibleTracks
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(parent)
	p := &Pipeline{
		budget:   cfg.Budget,
		seconds:  cfg.Seconds,
		producer: cfg.Producer,
		selector: NewSelector(cfg.Pool, cfg.MinSegments, cfg.RecentWindow, cfg.IntN),
		logger:   cfg.Logger,
		permits:  make(chan struct{}, cfg.Budget+1),
		slots:    make(chan *future, cfg.Budget+1),
		ctx:      ctx,
		cancel:   cancel,
		loopDone: make(chan struct{}),
	}
	p.maxSize.Store(int64(cfg.Budget))
	for i := 0; i < cfg.Budget; i++ {
		p.permits <- struct{}{}
	}

	go p.run()
	return p, nil
}

// Done is closed once the pipeline is cancelled.
func (p *Pipeline) Done() <-chan struct{} {
	return p.ctx.Done()
}

// Stop cancels the pipeline, waits for the producer loop to exit and drops
// every queued result. Productions already running finish in the background
// without publishing.
func (p *Pipeline) Stop() {
	p.cancel()
	<-p.loopDone

	dropped := 0
	for {
		select {
		case <-p.slots:
			dropped++
			continue
		default:
		}
		break
	}
	p.logger.Debug("quiz pipeline stopped", slog.Int("dropped", dropped))
}

func (p *Pipeline) run() {
	defer close(p.loopDone)

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-p.permits:
		}
		if p.ctx.Err() != nil {
			p.release(1)
			return
		}
		p.acquired.Add(1)

		track := p.selector.Next()
		f := newFuture()
		// Outstanding permits plus queued slots never exceed budget+1, so
		// this send has room.
		select {
		case p.slots <- f:
		case <-p.ctx.Done():
			return
		}
		p.published.Add(1)
		p.updateGauges()

		go p.produce(track, f)
	}
}

func (p *Pipeline) produce(track catalog.Track, f *future) {
	buf, err := p.producer.Produce(p.ctx, track, p.seconds)
	if p.ctx.Err() != nil {
		f.reject(ErrCancelled)
		return
	}
	if err != nil {
		p.logger.Warn("quiz production failed",
			slog.Int("sid", track.SID),
			slog.String("kind", Kind(err)),
			slog.String("error", err.Error()),
		)
		f.reject(err)
		return
	}
	f.resolve(&Quiz{Track: track, Audio: buf})
}

// Next hands out the oldest published quiz. If it failed, results that are
// already queued behind it are tried in order; the first success is
// delivered and the budget restored. When all of them fail the look-ahead
// shrinks by the number drained and the last error is returned.
func (p *Pipeline) Next() (*Quiz, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.ctx.Err() != nil {
		return nil, ErrCancelled
	}
	p.release(1)

	var f *future
	select {
	case f = <-p.slots:
	case <-p.ctx.Done():
		return nil, ErrCancelled
	}
	p.consumed.Add(1)

	q, err := f.wait(p.ctx)
	if err == nil {
		p.settle()
		return q, nil
	}
	if errors.Is(err, ErrCancelled) {
		return nil, err
	}

	drained := 0
	for {
		select {
		case f = <-p.slots:
		default:
			p.maxSize.Add(int64(-drained))
			p.updateGauges()
			p.logger.Info("quiz unavailable after drain cascade",
				slog.Int("drained", drained),
				slog.Int64("max_size", p.maxSize.Load()),
				slog.String("error", err.Error()),
			)
			return nil, err
		}
		drained++
		p.consumed.Add(1)
		metrics.CascadeDrains.Inc()

		q, ferr := f.wait(p.ctx)
		if ferr == nil {
			metrics.CascadeRecoveries.Inc()
			p.release(drained)
			p.settle()
			return q, nil
		}
		if errors.Is(ferr, ErrCancelled) {
			return nil, ferr
		}
		err = ferr
	}
}

// settle replays permits withheld by earlier cascades. Caller holds mu.
func (p *Pipeline) settle() {
	p.release(p.budget - int(p.maxSize.Load()))
	p.maxSize.Store(int64(p.budget))
	p.updateGauges()
}

func (p *Pipeline) release(n int) {
	for i := 0; i < n; i++ {
		select {
		case p.permits <- struct{}{}:
		default:
			p.logger.Error("produce permit over capacity, dropping", slog.Int("budget", p.budget))
		}
	}
}

func (p *Pipeline) updateGauges() {
	metrics.PermitsAvailable.Set(float64(len(p.permits)))
	metrics.SlotsQueued.Set(float64(len(p.slots)))
}

// Stats returns the current accounting snapshot.
func (p *Pipeline) Stats() Stats {
	return Stats{
		Budget:    p.budget,
		MaxSize:   int(p.maxSize.Load()),
		Available: len(p.permits),
		Queued:    len(p.slots),
		Acquired:  p.acquired.Load(),
		Published: p.published.Load(),
		Consumed:  p.consumed.Load(),
	}
}
