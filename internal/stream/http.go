package stream

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os/exec"
	"strconv"

	"github.com/satindergrewal/tunequiz/internal/audio"
)

// MP3Handler serves the player output as a chunked MP3 stream, encoding
// with one ffmpeg process per connection.
type MP3Handler struct {
	broadcaster *Broadcaster
	ffmpegPath  string
	bitrate     string
	logger      *slog.Logger
}

// NewMP3Handler creates the MP3 stream handler.
func NewMP3Handler(b *Broadcaster, ffmpegPath string, logger *slog.Logger) *MP3Handler {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &MP3Handler{
		broadcaster: b,
		ffmpegPath:  ffmpegPath,
		bitrate:     "192k",
		logger:      logger,
	}
}

func (h *MP3Handler) encoderArgs() []string {
	return []string{
		"-f", "s16le",
		"-ar", strconv.Itoa(audio.SampleRate),
		"-ac", strconv.Itoa(audio.Channels),
		"-i", "pipe:0",
		"-codec:a", "libmp3lame",
		"-b:a", h.bitrate,
		"-f", "mp3",
		"-fflags", "nobuffer",
		"-flush_packets", "1",
		"-loglevel", "error",
		"pipe:1",
	}
}

func (h *MP3Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	cmd := exec.CommandContext(ctx, h.ffmpegPath, h.encoderArgs()...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		h.logger.Error("mp3 stream: stdin pipe", slog.String("error", err.Error()))
		http.Error(w, "encoder unavailable", http.StatusInternalServerError)
		return
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		h.logger.Error("mp3 stream: stdout pipe", slog.String("error", err.Error()))
		http.Error(w, "encoder unavailable", http.StatusInternalServerError)
		return
	}
	if err := cmd.Start(); err != nil {
		h.logger.Error("mp3 stream: start encoder", slog.String("error", err.Error()))
		http.Error(w, "encoder unavailable", http.StatusServiceUnavailable)
		return
	}
	defer cmd.Wait()

	w.Header().Set("Content-Type", "audio/mpeg")
	w.Header().Set("Cache-Control", "no-cache, no-store")
	w.Header().Set("Connection", "close")
	w.Header().Set("Access-Control-Allow-Origin", "*")

	listener := h.broadcaster.Subscribe("http")
	defer h.broadcaster.Unsubscribe(listener)

	go func() {
		defer stdin.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case <-listener.Done():
				return
			case frame := <-listener.C:
				if _, err := stdin.Write(audio.SamplesToBytes(frame)); err != nil {
					return
				}
			}
		}
	}()

	buf := make([]byte, 4096)
	for {
		n, err := stdout.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return
			}
			flusher.Flush()
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				h.logger.Warn("mp3 stream: encoder read", slog.String("error", err.Error()))
			}
			return
		}
	}
}
