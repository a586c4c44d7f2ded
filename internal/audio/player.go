package audio

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Player paces the current quiz clip out as 20ms PCM frames at real-time
// rate. A clip only plays when asked to; loading a new clip stops the old one.
type Player struct {
	frameCh    chan []int16
	playCh     chan struct{}
	stopCh     chan struct{}
	fadeFrames int
	logger     *slog.Logger

	mu       sync.RWMutex
	clip     []int16
	playing  bool
	position time.Duration
	duration time.Duration
}

// NewPlayer creates a player that fades clip edges over fade.
func NewPlayer(fade time.Duration, logger *slog.Logger) *Player {
	if logger == nil {
		logger = slog.Default()
	}
	return &Player{
		frameCh:    make(chan []int16, 100),
		playCh:     make(chan struct{}, 1),
		stopCh:     make(chan struct{}, 1),
		fadeFrames: int(fade.Seconds() * SampleRate),
		logger:     logger,
	}
}

// Frames returns the channel of outgoing PCM frames (20ms each).
func (p *Player) Frames() <-chan []int16 {
	return p.frameCh
}

// Load replaces the current clip with the first limit of buf.
// A zero limit keeps the whole buffer.
func (p *Player) Load(buf *Buffer, limit time.Duration) error {
	if buf == nil {
		return fmt.Errorf("load clip: nil buffer")
	}
	if buf.SampleRate != SampleRate || buf.Channels != Channels {
		return fmt.Errorf("load clip: %dHz/%dch not playable, want %dHz/%dch",
			buf.SampleRate, buf.Channels, SampleRate, Channels)
	}
	if limit > 0 {
		buf = buf.Trim(limit)
	}
	clip := FadeEdges(buf.Samples, Channels, p.fadeFrames)

	p.Stop()
	p.mu.Lock()
	p.clip = clip
	p.position = 0
	p.duration = buf.Duration()
	p.mu.Unlock()
	return nil
}

// Clear drops the current clip.
func (p *Player) Clear() {
	p.Stop()
	p.mu.Lock()
	p.clip = nil
	p.position = 0
	p.duration = 0
	p.mu.Unlock()
}

// Play starts the current clip from the beginning.
func (p *Player) Play() {
	select {
	case p.playCh <- struct{}{}:
	default:
	}
}

// Stop interrupts the clip being played.
func (p *Player) Stop() {
	select {
	case p.stopCh <- struct{}{}:
	default:
	}
}

// Status returns current playback info.
func (p *Player) Status() (playing bool, position, duration time.Duration) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.playing, p.position, p.duration
}

// Run serves play requests. Blocks until ctx is cancelled.
func (p *Player) Run(ctx context.Context) {
	defer close(p.frameCh)

	ticker := time.NewTicker(FrameDuration)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.playCh:
		}

		// A stop queued before this play belongs to an earlier clip.
		select {
		case <-p.stopCh:
		default:
		}

		p.mu.RLock()
		clip := p.clip
		p.mu.RUnlock()
		if len(clip) == 0 {
			continue
		}
		p.playClip(ctx, ticker, clip)
	}
}

func (p *Player) playClip(ctx context.Context, ticker *time.Ticker, clip []int16) {
	p.setPlaying(true)
	defer p.setPlaying(false)

	totalFrames := (len(clip) + FrameSamples - 1) / FrameSamples
	p.logger.Debug("clip playback started", slog.Int("frames", totalFrames))

	for i := 0; i < totalFrames; i++ {
		frame := make([]int16, FrameSamples)
		copy(frame, clip[i*FrameSamples:min((i+1)*FrameSamples, len(clip))])
		if !p.sendFrame(ctx, ticker, frame) {
			return
		}
		p.mu.Lock()
		p.position = time.Duration(i+1) * FrameDuration
		p.mu.Unlock()
	}
}

// sendFrame waits for the ticker then sends a frame. Returns false on stop or cancel.
func (p *Player) sendFrame(ctx context.Context, ticker *time.Ticker, frame []int16) bool {
	select {
	case <-ctx.Done():
		return false
	case <-p.stopCh:
		p.logger.Debug("clip playback stopped")
		return false
	case <-ticker.C:
	}

	select {
	case p.frameCh <- frame:
		return true
	case <-ctx.Done():
		return false
	}
}

func (p *Player) setPlaying(v bool) {
	p.mu.Lock()
	p.playing = v
	if v {
		p.position = 0
	}
	p.mu.Unlock()
}
