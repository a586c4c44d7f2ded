package quiz

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/satindergrewal/tunequiz/internal/audio"
	"github.com/satindergrewal/tunequiz/internal/catalog"
)

var quietLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// produceFunc adapts a function to Producer.
type produceFunc func(ctx context.Context, track catalog.Track, seconds float64) (*audio.Buffer, error)

func (f produceFunc) Produce(ctx context.Context, track catalog.Track, seconds float64) (*audio.Buffer, error) {
	return f(ctx, track, seconds)
}

func instantProducer() Producer {
	return produceFunc(func(ctx context.Context, track catalog.Track, seconds float64) (*audio.Buffer, error) {
		return audio.NewBuffer(audio.SampleRate, audio.Channels, make([]int16, audio.Channels)), nil
	})
}

// blockingProducer never finishes until the pipeline is cancelled.
func blockingProducer() Producer {
	return produceFunc(func(ctx context.Context, track catalog.Track, seconds float64) (*audio.Buffer, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
}

// gates holds one release channel per sid.
type gates struct {
	mu sync.Mutex
	ch map[int]chan struct{}
}

func newGates() *gates {
	return &gates{ch: make(map[int]chan struct{})}
}

func (g *gates) get(sid int) chan struct{} {
	g.mu.Lock()
	defer g.mu.Unlock()
	c, ok := g.ch[sid]
	if !ok {
		c = make(chan struct{})
		g.ch[sid] = c
	}
	return c
}

func (g *gates) open(sid int) { close(g.get(sid)) }

func (g *gates) producer() Producer {
	return produceFunc(func(ctx context.Context, track catalog.Track, seconds float64) (*audio.Buffer, error) {
		select {
		case <-g.get(track.SID):
			return audio.NewBuffer(audio.SampleRate, audio.Channels, nil), nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
}

// sequence returns an IntN that yields 0, 1, 2, ... modulo n.
func sequence() func(int) int {
	var next atomic.Int64
	return func(n int) int {
		return int(next.Add(1)-1) % n
	}
}

func makePool(first, n, amount int) []catalog.Track {
	pool := make([]catalog.Track, n)
	for i := range pool {
		sid := first + i
		pool[i] = catalog.Track{
			UUID:   uuid.New(),
			SID:    sid,
			Amount: amount,
			Name:   fmt.Sprintf("Game//%d. Track %d", i+1, sid),
		}
	}
	return pool
}

func startPipeline(t *testing.T, cfg PipelineConfig) *Pipeline {
	t.Helper()
	if cfg.Logger == nil {
		cfg.Logger = quietLogger
	}
	if cfg.Seconds == 0 {
		cfg.Seconds = 5
	}
	if cfg.MinSegments == 0 {
		cfg.MinSegments = SegmentsNeeded(cfg.Seconds, DefaultSlack)
	}
	p, err := StartPipeline(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(p.Stop)
	return p
}

// waitSettled waits until the producer has used every free permit.
func waitSettled(t *testing.T, p *Pipeline) Stats {
	t.Helper()
	var s Stats
	require.Eventually(t, func() bool {
		s = p.Stats()
		return s.Available == 0 && s.Acquired == s.Published && s.Queued == s.MaxSize
	}, 2*time.Second, 5*time.Millisecond)
	return s
}

func TestStartPipelineValidation(t *testing.T) {
	pool := makePool(0, 5, 20)

	_, err := StartPipeline(context.Background(), PipelineConfig{
		Pool: pool, Seconds: 5, Budget: 0, MinSegments: 6, Producer: instantProducer(),
	})
	assert.Error(t, err)

	_, err = StartPipeline(context.Background(), PipelineConfig{
		Pool: pool, Seconds: 5, Budget: 2, MinSegments: 6,
	})
	assert.Error(t, err)

	_, err = StartPipeline(context.Background(), PipelineConfig{
		Pool: makePool(0, 5, 3), Seconds: 5, Budget: 2, MinSegments: 6, Producer: instantProducer(),
	})
	assert.ErrorIs(t, err, ErrNoEligibleTracks)

	_, err = StartPipeline(context.Background(), PipelineConfig{
		Pool: nil, Seconds: 5, Budget: 2, MinSegments: 6, Producer: instantProducer(),
	})
	assert.ErrorIs(t, err, ErrNoEligibleTracks)
}

func TestPipelineConservation(t *testing.T) {
	for _, budget := range []int{1, 2, 3} {
		t.Run(fmt.Sprintf("budget=%d", budget), func(t *testing.T) {
			p := startPipeline(t, PipelineConfig{
				Pool:     makePool(0, 12, 20),
				Budget:   budget,
				Producer: instantProducer(),
			})

			s := waitSettled(t, p)
			assert.Equal(t, budget, s.MaxSize)
			assert.Equal(t, budget, s.Queued)

			for i := 0; i < 10; i++ {
				q, err := p.Next()
				require.NoError(t, err)
				require.NotNil(t, q)

				s := waitSettled(t, p)
				assert.Equal(t, budget, s.MaxSize)
				assert.LessOrEqual(t, s.Available+s.Queued, budget+1)
				assert.Equal(t, s.Published, s.Consumed+int64(s.Queued))
			}
		})
	}
}

func TestPipelineBackpressure(t *testing.T) {
	var calls atomic.Int64
	p := startPipeline(t, PipelineConfig{
		Pool:   makePool(0, 10, 20),
		Budget: 2,
		Producer: produceFunc(func(ctx context.Context, track catalog.Track, seconds float64) (*audio.Buffer, error) {
			calls.Add(1)
			return audio.NewBuffer(audio.SampleRate, audio.Channels, nil), nil
		}),
	})

	waitSettled(t, p)
	time.Sleep(30 * time.Millisecond)
	assert.EqualValues(t, 2, calls.Load(), "producer must stop at the budget")

	_, err := p.Next()
	require.NoError(t, err)
	waitSettled(t, p)
	assert.EqualValues(t, 3, calls.Load())
}

func TestPipelineFIFODelivery(t *testing.T) {
	g := newGates()
	p := startPipeline(t, PipelineConfig{
		Pool:     makePool(0, 10, 20),
		Budget:   2,
		Producer: g.producer(),
		IntN:     sequence(),
	})
	require.Eventually(t, func() bool { return p.Stats().Published == 2 }, time.Second, 5*time.Millisecond)

	results := make(chan *Quiz, 2)
	go func() {
		for i := 0; i < 2; i++ {
			q, err := p.Next()
			if err != nil {
				close(results)
				return
			}
			results <- q
		}
	}()

	// The second quiz finishes first but must wait its turn.
	g.open(1)
	select {
	case q := <-results:
		t.Fatalf("delivered sid %d before sid 0 finished", q.Track.SID)
	case <-time.After(50 * time.Millisecond):
	}

	g.open(0)
	first := <-results
	second := <-results
	require.NotNil(t, first)
	require.NotNil(t, second)
	assert.Equal(t, 0, first.Track.SID)
	assert.Equal(t, 1, second.Track.SID)

	for sid := 2; sid < 10; sid++ {
		g.open(sid)
	}
}

func TestPipelineCascadeRecovers(t *testing.T) {
	p := startPipeline(t, PipelineConfig{
		Pool:   makePool(0, 10, 20),
		Budget: 2,
		IntN:   sequence(),
		Producer: produceFunc(func(ctx context.Context, track catalog.Track, seconds float64) (*audio.Buffer, error) {
			if track.SID == 0 {
				return nil, fmt.Errorf("%w: segment 3: 503 Service Unavailable", ErrNetwork)
			}
			return audio.NewBuffer(audio.SampleRate, audio.Channels, nil), nil
		}),
	})
	waitSettled(t, p)

	q, err := p.Next()
	require.NoError(t, err)
	assert.Equal(t, 1, q.Track.SID, "the queued quiz behind the failure is delivered")

	s := waitSettled(t, p)
	assert.Equal(t, 2, s.MaxSize, "permits end up as if nothing failed")
	assert.Equal(t, 2, s.Queued)

	q, err = p.Next()
	require.NoError(t, err)
	assert.Equal(t, 2, q.Track.SID, "next delivery is a fresh production")
}

func TestPipelineCascadeSkipsSeveralFailures(t *testing.T) {
	p := startPipeline(t, PipelineConfig{
		Pool:   makePool(0, 10, 20),
		Budget: 3,
		IntN:   sequence(),
		Producer: produceFunc(func(ctx context.Context, track catalog.Track, seconds float64) (*audio.Buffer, error) {
			if track.SID < 2 {
				return nil, fmt.Errorf("%w: segment %d: connection reset", ErrNetwork, track.SID)
			}
			return audio.NewBuffer(audio.SampleRate, audio.Channels, nil), nil
		}),
	})
	s := waitSettled(t, p)
	require.Equal(t, 3, s.Queued)

	q, err := p.Next()
	require.NoError(t, err)
	assert.Equal(t, 2, q.Track.SID, "the first success behind two failures is delivered")

	s = waitSettled(t, p)
	assert.Equal(t, 3, s.MaxSize)
	assert.Equal(t, 3, s.Queued)
	assert.Equal(t, s.Published, s.Consumed+int64(s.Queued))

	q, err = p.Next()
	require.NoError(t, err)
	assert.Equal(t, 3, q.Track.SID)
}

func TestPipelineCascadeAllFailShrinksThenRecovers(t *testing.T) {
	var failing atomic.Bool
	failing.Store(true)
	p := startPipeline(t, PipelineConfig{
		Pool:   makePool(0, 10, 20),
		Budget: 2,
		Producer: produceFunc(func(ctx context.Context, track catalog.Track, seconds float64) (*audio.Buffer, error) {
			if failing.Load() {
				return nil, fmt.Errorf("%w: segment 0: connection reset", ErrNetwork)
			}
			return audio.NewBuffer(audio.SampleRate, audio.Channels, nil), nil
		}),
	})
	waitSettled(t, p)

	_, err := p.Next()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNetwork)
	assert.Equal(t, "NetworkError", Kind(err))

	s := waitSettled(t, p)
	assert.Less(t, s.MaxSize, 2, "a failed cascade lowers the ceiling")
	assert.GreaterOrEqual(t, s.MaxSize, 0)

	failing.Store(false)
	var q *Quiz
	for i := 0; i < 5 && q == nil; i++ {
		q, _ = p.Next()
	}
	require.NotNil(t, q, "pipeline recovers once productions succeed")

	s = waitSettled(t, p)
	assert.Equal(t, 2, s.MaxSize)
	assert.Equal(t, 2, s.Queued)
}

func TestPipelineStopCancelsNext(t *testing.T) {
	p, err := StartPipeline(context.Background(), PipelineConfig{
		Pool:        makePool(0, 10, 20),
		Seconds:     5,
		Budget:      2,
		MinSegments: 6,
		Producer:    blockingProducer(),
		Logger:      quietLogger,
	})
	require.NoError(t, err)

	errs := make(chan error, 1)
	go func() {
		_, err := p.Next()
		errs <- err
	}()

	time.Sleep(20 * time.Millisecond)
	p.Stop()

	select {
	case err := <-errs:
		assert.ErrorIs(t, err, ErrCancelled)
		assert.True(t, errors.Is(err, context.Canceled))
	case <-time.After(time.Second):
		t.Fatal("Next did not return after Stop")
	}

	_, err = p.Next()
	assert.ErrorIs(t, err, ErrCancelled)
	assert.Zero(t, p.Stats().Queued)

	// Stop is idempotent.
	p.Stop()
}

func TestPipelineCancelledProductionPublishesNothing(t *testing.T) {
	g := newGates()
	p, err := StartPipeline(context.Background(), PipelineConfig{
		Pool:        makePool(0, 10, 20),
		Seconds:     5,
		Budget:      1,
		MinSegments: 6,
		Producer: produceFunc(func(ctx context.Context, track catalog.Track, seconds float64) (*audio.Buffer, error) {
			<-g.get(track.SID)
			return audio.NewBuffer(audio.SampleRate, audio.Channels, nil), nil
		}),
		IntN:   sequence(),
		Logger: quietLogger,
	})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return p.Stats().Published == 1 }, time.Second, 5*time.Millisecond)

	p.Stop()
	g.open(0)
	time.Sleep(20 * time.Millisecond)

	_, err = p.Next()
	assert.ErrorIs(t, err, ErrCancelled)
}

func TestProduceAfterStopRejectsResult(t *testing.T) {
	p := startPipeline(t, PipelineConfig{
		Pool:     makePool(0, 10, 20),
		Budget:   1,
		Producer: instantProducer(),
	})
	p.Stop()

	f := newFuture()
	p.produce(makePool(0, 1, 20)[0], f)

	select {
	case <-f.done:
	default:
		t.Fatal("future left unsettled after a cancelled production")
	}
	assert.Nil(t, f.quiz, "a finished clip is not kept once the pipeline is stopped")
	assert.ErrorIs(t, f.err, ErrCancelled)
}

func TestPipelineNoRepeatWithinWindow(t *testing.T) {
	const poolSize = 8
	p := startPipeline(t, PipelineConfig{
		Pool:         makePool(0, poolSize, 20),
		Budget:       2,
		RecentWindow: DefaultRecentWindow,
		Producer:     instantProducer(),
	})
	w := WindowCapacity(DefaultRecentWindow, poolSize)
	require.Equal(t, 5, w)

	var sids []int
	for i := 0; i < 60; i++ {
		q, err := p.Next()
		require.NoError(t, err)
		sids = append(sids, q.Track.SID)
	}

	for i := 0; i+w+1 <= len(sids); i++ {
		seen := make(map[int]bool)
		for _, sid := range sids[i : i+w+1] {
			require.False(t, seen[sid], "sid %d repeated within %v", sid, sids[i:i+w+1])
			seen[sid] = true
		}
	}
}

func TestPipelineSkipsShortTracks(t *testing.T) {
	pool := append(makePool(0, 4, 20), makePool(100, 4, 3)...)
	p := startPipeline(t, PipelineConfig{
		Pool:     pool,
		Budget:   2,
		Producer: instantProducer(),
	})

	for i := 0; i < 20; i++ {
		q, err := p.Next()
		require.NoError(t, err)
		assert.Less(t, q.Track.SID, 100)
	}
}
