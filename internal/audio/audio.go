package audio

import (
	"fmt"
	"time"
)

const (
	SampleRate    = 48000
	Channels      = 2
	BitDepth      = 16
	FrameDuration = 20 * time.Millisecond
	FrameSize     = 960                  // samples per channel per 20ms frame
	FrameSamples  = FrameSize * Channels // total interleaved samples per frame
	FrameBytes    = FrameSamples * 2     // bytes per frame (int16 = 2 bytes)
)

// Buffer is decoded interleaved int16 PCM.
type Buffer struct {
	SampleRate int
	Channels   int
	Samples    []int16
}

// NewBuffer wraps interleaved samples.
func NewBuffer(sampleRate, channels int, samples []int16) *Buffer {
	return &Buffer{SampleRate: sampleRate, Channels: channels, Samples: samples}
}

// Frames returns the number of samples per channel.
func (b *Buffer) Frames() int {
	if b == nil || b.Channels == 0 {
		return 0
	}
	return len(b.Samples) / b.Channels
}

// Duration returns the playback length of the buffer.
func (b *Buffer) Duration() time.Duration {
	if b == nil || b.SampleRate == 0 {
		return 0
	}
	return time.Duration(b.Frames()) * time.Second / time.Duration(b.SampleRate)
}

// Trim returns a copy holding at most d of audio from the start.
func (b *Buffer) Trim(d time.Duration) *Buffer {
	frames := int(d * time.Duration(b.SampleRate) / time.Second)
	if frames > b.Frames() {
		frames = b.Frames()
	}
	if frames < 0 {
		frames = 0
	}
	out := make([]int16, frames*b.Channels)
	copy(out, b.Samples)
	return NewBuffer(b.SampleRate, b.Channels, out)
}

// Concat joins buffers in order into one continuous buffer. Every part must
// share sample rate and channel count.
func Concat(parts ...*Buffer) (*Buffer, error) {
	if len(parts) == 0 {
		return nil, fmt.Errorf("concat: no buffers")
	}
	first := parts[0]
	total := 0
	for i, p := range parts {
		if p == nil {
			return nil, fmt.Errorf("concat: buffer %d is nil", i)
		}
		if p.SampleRate != first.SampleRate || p.Channels != first.Channels {
			return nil, fmt.Errorf("concat: buffer %d is %dHz/%dch, want %dHz/%dch",
				i, p.SampleRate, p.Channels, first.SampleRate, first.Channels)
		}
		total += len(p.Samples)
	}

	samples := make([]int16, 0, total)
	for _, p := range parts {
		samples = append(samples, p.Samples...)
	}
	return NewBuffer(first.SampleRate, first.Channels, samples), nil
}
