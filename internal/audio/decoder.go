package audio

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"os/exec"
	"strings"
)

// Decoder turns one encoded segment into PCM. Implementations must be safe
// for concurrent use.
type Decoder interface {
	Decode(ctx context.Context, data []byte) (*Buffer, error)
}

// StatefulDecoder carries state across calls, so segments go through it one
// at a time with a Reset in between.
type StatefulDecoder interface {
	Ready(ctx context.Context) error
	Decode(ctx context.Context, data []byte) (*Buffer, error)
	Reset() error
	Close() error
}

// Capabilities records which decode paths the host supports.
// It is computed once at startup and handed to whoever builds decoders.
type Capabilities struct {
	FFmpeg     bool
	FFmpegPath string
}

// DetectCapabilities probes the host for an ffmpeg binary.
func DetectCapabilities(ffmpegPath string) Capabilities {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	path, err := exec.LookPath(ffmpegPath)
	if err != nil {
		return Capabilities{}
	}
	return Capabilities{FFmpeg: true, FFmpegPath: path}
}

// FFmpegDecoder decodes segments by piping them through an ffmpeg process.
// Output is always interleaved stereo at 48kHz.
type FFmpegDecoder struct {
	path string
}

// NewFFmpegDecoder creates a decoder that runs the given ffmpeg binary.
func NewFFmpegDecoder(path string) *FFmpegDecoder {
	if path == "" {
		path = "ffmpeg"
	}
	return &FFmpegDecoder{path: path}
}

// Decode runs ffmpeg on data and returns the decoded PCM.
func (d *FFmpegDecoder) Decode(ctx context.Context, data []byte) (*Buffer, error) {
	cmd := exec.CommandContext(ctx, d.path,
		"-i", "pipe:0",
		"-f", "s16le",
		"-acodec", "pcm_s16le",
		"-ar", "48000",
		"-ac", "2",
		"-loglevel", "error",
		"pipe:1",
	)
	cmd.Stdin = bytes.NewReader(data)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	out, err := cmd.Output()
	if err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return nil, fmt.Errorf("ffmpeg decode: %w: %s", err, msg)
		}
		return nil, fmt.Errorf("ffmpeg decode: %w", err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("ffmpeg decode: no samples")
	}

	return NewBuffer(SampleRate, Channels, BytesToSamples(out)), nil
}

// BytesToSamples converts little-endian bytes to int16 samples. A trailing odd
// byte is dropped.
func BytesToSamples(buf []byte) []int16 {
	samples := make([]int16, len(buf)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(buf[i*2 : i*2+2]))
	}
	return samples
}

// SamplesToBytes converts int16 samples to little-endian bytes.
func SamplesToBytes(samples []int16) []byte {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	return buf
}
