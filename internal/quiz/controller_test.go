package quiz

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/satindergrewal/tunequiz/internal/audio"
	"github.com/satindergrewal/tunequiz/internal/catalog"
)

// recorder is a Sink that keeps every status.
type recorder struct {
	mu       sync.Mutex
	statuses []Status
}

func (r *recorder) Publish(s Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, s)
}

func (r *recorder) states() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]State, len(r.statuses))
	for i, s := range r.statuses {
		out[i] = s.State
	}
	return out
}

func (r *recorder) last() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.statuses) == 0 {
		return Status{}
	}
	return r.statuses[len(r.statuses)-1]
}

func newTestController(p Producer, sink Sink) *Controller {
	return NewController(ControllerConfig{
		Producer: p,
		Sink:     sink,
		Logger:   quietLogger,
	})
}

func TestControllerNotConfigured(t *testing.T) {
	c := newTestController(instantProducer(), nil)
	_, err := c.NextQuiz(context.Background())
	assert.ErrorIs(t, err, ErrNotConfigured)
	assert.Equal(t, StateIdle, c.Status().State)

	_, ok := c.Stats()
	assert.False(t, ok)
}

func TestControllerConfigureRejectsIneligiblePool(t *testing.T) {
	c := newTestController(instantProducer(), nil)
	err := c.Configure(makePool(0, 5, 4), 5, 2)
	assert.ErrorIs(t, err, ErrNoEligibleTracks)

	_, err = c.NextQuiz(context.Background())
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestControllerPublishesLoadingThenReady(t *testing.T) {
	rec := &recorder{}
	c := newTestController(instantProducer(), rec)
	require.NoError(t, c.Configure(makePool(0, 10, 20), 5, 2))
	t.Cleanup(c.Teardown)

	q, err := c.NextQuiz(context.Background())
	require.NoError(t, err)
	require.NotNil(t, q)

	assert.Equal(t, []State{StateLoading, StateReady}, rec.states())
	assert.Same(t, q, rec.last().Quiz)
	assert.Equal(t, StateReady, c.Status().State)
	assert.Equal(t, 5.0, c.Seconds())
}

// Pool of 5 tracks with 20 segments each, 5 second clips and two quizzes of
// look-ahead: the first three deliveries are all different tracks.
func TestControllerFirstDeliveriesDistinct(t *testing.T) {
	for run := 0; run < 20; run++ {
		c := newTestController(instantProducer(), nil)
		require.NoError(t, c.Configure(makePool(0, 5, 20), 5, 2))

		seen := make(map[int]bool)
		for i := 0; i < 3; i++ {
			q, err := c.NextQuiz(context.Background())
			require.NoError(t, err)
			require.False(t, seen[q.Track.SID], "sid %d delivered twice", q.Track.SID)
			seen[q.Track.SID] = true
		}
		c.Teardown()
	}
}

func TestControllerErrorStatusAndRetry(t *testing.T) {
	var failing atomic.Bool
	failing.Store(true)
	producer := produceFunc(func(ctx context.Context, track catalog.Track, seconds float64) (*audio.Buffer, error) {
		if failing.Load() {
			return nil, fmt.Errorf("%w: segment 2: 404 Not Found", ErrNetwork)
		}
		return audio.NewBuffer(audio.SampleRate, audio.Channels, nil), nil
	})

	rec := &recorder{}
	c := newTestController(producer, rec)
	require.NoError(t, c.Configure(makePool(0, 10, 20), 5, 1))
	t.Cleanup(c.Teardown)

	require.Eventually(t, func() bool {
		s, _ := c.Stats()
		return s.Published == 1
	}, time.Second, 5*time.Millisecond)

	_, err := c.NextQuiz(context.Background())
	require.ErrorIs(t, err, ErrNetwork)

	status := rec.last()
	assert.Equal(t, StateError, status.State)
	assert.Equal(t, "NetworkError", status.Kind)
	assert.Contains(t, status.Message, "404 Not Found")
	require.NotNil(t, status.Retry)

	failing.Store(false)
	var q *Quiz
	for i := 0; i < 5 && q == nil; i++ {
		q, _ = rec.last().Retry(context.Background())
	}
	require.NotNil(t, q)
	assert.Equal(t, StateReady, c.Status().State)
}

func TestControllerTeardownSilencesPendingRequest(t *testing.T) {
	rec := &recorder{}
	c := newTestController(blockingProducer(), rec)
	require.NoError(t, c.Configure(makePool(0, 10, 20), 5, 2))

	errs := make(chan error, 1)
	go func() {
		_, err := c.NextQuiz(context.Background())
		errs <- err
	}()
	require.Eventually(t, func() bool {
		return len(rec.states()) == 1
	}, time.Second, 5*time.Millisecond)

	c.Teardown()

	select {
	case err := <-errs:
		assert.ErrorIs(t, err, ErrCancelled)
	case <-time.After(time.Second):
		t.Fatal("NextQuiz did not return after Teardown")
	}
	assert.Equal(t, []State{StateLoading}, rec.states(), "nothing published after teardown")
	assert.Equal(t, StateIdle, c.Status().State)

	// Teardown twice is harmless.
	c.Teardown()
}

func TestControllerReconfigureSwitchesPool(t *testing.T) {
	c := newTestController(instantProducer(), nil)
	require.NoError(t, c.Configure(makePool(0, 6, 20), 5, 2))
	_, err := c.NextQuiz(context.Background())
	require.NoError(t, err)

	require.NoError(t, c.Configure(makePool(100, 6, 20), 3, 1))
	t.Cleanup(c.Teardown)

	for i := 0; i < 8; i++ {
		q, err := c.NextQuiz(context.Background())
		require.NoError(t, err)
		assert.GreaterOrEqual(t, q.Track.SID, 100)
	}
	assert.Equal(t, 3.0, c.Seconds())

	s, ok := c.Stats()
	require.True(t, ok)
	assert.Equal(t, 1, s.Budget)
}

func TestControllerSerializesConsumers(t *testing.T) {
	g := newGates()
	c := NewController(ControllerConfig{
		Producer: g.producer(),
		IntN:     sequence(),
		Logger:   quietLogger,
	})
	require.NoError(t, c.Configure(makePool(0, 10, 20), 5, 2))
	t.Cleanup(c.Teardown)

	first := make(chan *Quiz, 1)
	go func() {
		q, _ := c.NextQuiz(context.Background())
		first <- q
	}()
	time.Sleep(20 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := c.NextQuiz(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded, "second consumer waits for the first")

	g.open(0)
	q := <-first
	require.NotNil(t, q)
	assert.Equal(t, 0, q.Track.SID)

	g.open(1)
	q, err = c.NextQuiz(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, q.Track.SID)
}

func TestMultiSink(t *testing.T) {
	a, b := &recorder{}, &recorder{}
	var calls int
	sink := MultiSink{a, nil, b, SinkFunc(func(Status) { calls++ })}
	sink.Publish(Status{State: StateLoading})

	assert.Equal(t, []State{StateLoading}, a.states())
	assert.Equal(t, []State{StateLoading}, b.states())
	assert.Equal(t, 1, calls)
}
