package audio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"gopkg.in/hraban/opus.v2"
)

// ErrWorkerClosed is returned by calls made after Close.
var ErrWorkerClosed = errors.New("opus worker closed")

// maxOpusFrame is the largest Opus packet duration (120ms) in samples per channel.
const maxOpusFrame = 5760

type workerOp int

const (
	opDecode workerOp = iota
	opReset
)

type workerRequest struct {
	op    workerOp
	data  []byte
	reply chan workerReply
}

type workerReply struct {
	buf *Buffer
	err error
}

// OpusWorker decodes Ogg Opus segments with libopusfile on a dedicated
// goroutine. Callers talk to it by message passing; each Decode must be
// followed by a Reset before the next segment.
type OpusWorker struct {
	channels int
	requests chan workerRequest
	ready    chan struct{}
	readyErr error
	done     chan struct{}
	once     sync.Once
}

// NewOpusWorker starts a worker producing interleaved PCM with the given
// channel count at 48kHz.
func NewOpusWorker(channels int) *OpusWorker {
	if channels <= 0 {
		channels = Channels
	}
	w := &OpusWorker{
		channels: channels,
		requests: make(chan workerRequest),
		ready:    make(chan struct{}),
		done:     make(chan struct{}),
	}
	go w.run()
	return w
}

// Ready blocks until the worker finished its startup handshake.
func (w *OpusWorker) Ready(ctx context.Context) error {
	select {
	case <-w.ready:
		return w.readyErr
	case <-w.done:
		return ErrWorkerClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Decode decodes one complete Ogg Opus segment.
func (w *OpusWorker) Decode(ctx context.Context, data []byte) (*Buffer, error) {
	return w.call(ctx, workerRequest{op: opDecode, data: data})
}

// Reset drops the stream state left by the previous Decode.
func (w *OpusWorker) Reset() error {
	_, err := w.call(context.Background(), workerRequest{op: opReset})
	return err
}

// Close stops the worker goroutine. It is safe to call more than once.
func (w *OpusWorker) Close() error {
	w.once.Do(func() { close(w.done) })
	return nil
}

func (w *OpusWorker) call(ctx context.Context, req workerRequest) (*Buffer, error) {
	req.reply = make(chan workerReply, 1)
	select {
	case w.requests <- req:
	case <-w.done:
		return nil, ErrWorkerClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case rep := <-req.reply:
		return rep.buf, rep.err
	case <-w.done:
		return nil, ErrWorkerClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (w *OpusWorker) run() {
	// Creating a raw decoder proves libopus is linked and accepts our format.
	if _, err := opus.NewDecoder(SampleRate, w.channels); err != nil {
		w.readyErr = fmt.Errorf("opus worker init: %w", err)
	}
	close(w.ready)

	var stream *opus.Stream
	defer func() {
		if stream != nil {
			stream.Close()
		}
	}()

	for {
		select {
		case <-w.done:
			return
		case req := <-w.requests:
			switch req.op {
			case opReset:
				var err error
				if stream != nil {
					err = stream.Close()
					stream = nil
				}
				req.reply <- workerReply{err: err}
			case opDecode:
				if w.readyErr != nil {
					req.reply <- workerReply{err: w.readyErr}
					continue
				}
				if stream != nil {
					req.reply <- workerReply{err: errors.New("opus worker: decode without reset")}
					continue
				}
				s, err := opus.NewStream(bytes.NewReader(req.data))
				if err != nil {
					req.reply <- workerReply{err: fmt.Errorf("open ogg opus stream: %w", err)}
					continue
				}
				stream = s
				buf, err := w.readAll(stream)
				req.reply <- workerReply{buf: buf, err: err}
			}
		}
	}
}

func (w *OpusWorker) readAll(stream *opus.Stream) (*Buffer, error) {
	pcm := make([]int16, maxOpusFrame*w.channels)
	var samples []int16
	for {
		n, err := stream.Read(pcm)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read opus stream: %w", err)
		}
		samples = append(samples, pcm[:n*w.channels]...)
	}
	if len(samples) == 0 {
		return nil, errors.New("opus stream contained no audio")
	}
	return NewBuffer(SampleRate, w.channels, samples), nil
}
