package stream

import (
	"context"
	"log/slog"
	"sync"

	"github.com/satindergrewal/tunequiz/internal/metrics"
)

// DefaultListenerBuffer holds about three seconds of 20ms frames.
const DefaultListenerBuffer = 150

// Broadcaster fans the player's PCM frames out to every connected listener.
type Broadcaster struct {
	bufSize int
	logger  *slog.Logger

	mu        sync.RWMutex
	listeners map[*Listener]struct{}
}

// Listener receives frames from a Broadcaster until it is unsubscribed.
type Listener struct {
	C         chan []int16
	transport string
	done      chan struct{}
	once      sync.Once
}

// Done is closed when the listener is unsubscribed.
func (l *Listener) Done() <-chan struct{} {
	return l.done
}

// NewBroadcaster creates a broadcaster whose listeners buffer bufSize
// frames. Non-positive sizes use DefaultListenerBuffer.
func NewBroadcaster(bufSize int, logger *slog.Logger) *Broadcaster {
	if bufSize <= 0 {
		bufSize = DefaultListenerBuffer
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		bufSize:   bufSize,
		logger:    logger,
		listeners: make(map[*Listener]struct{}),
	}
}

// Subscribe registers a listener for the named transport.
func (b *Broadcaster) Subscribe(transport string) *Listener {
	l := &Listener{
		C:         make(chan []int16, b.bufSize),
		transport: transport,
		done:      make(chan struct{}),
	}
	b.mu.Lock()
	b.listeners[l] = struct{}{}
	n := len(b.listeners)
	b.mu.Unlock()

	metrics.StreamListeners.WithLabelValues(transport).Inc()
	b.logger.Info("listener connected", slog.String("transport", transport), slog.Int("total", n))
	return l
}

// Unsubscribe removes l. Calling it more than once is harmless.
func (b *Broadcaster) Unsubscribe(l *Listener) {
	l.once.Do(func() {
		b.mu.Lock()
		delete(b.listeners, l)
		n := len(b.listeners)
		b.mu.Unlock()
		close(l.done)

		metrics.StreamListeners.WithLabelValues(l.transport).Dec()
		b.logger.Info("listener disconnected", slog.String("transport", l.transport), slog.Int("total", n))
	})
}

// ListenerCount returns the number of active listeners.
func (b *Broadcaster) ListenerCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.listeners)
}

// Run forwards frames from source until ctx ends or source closes. A
// listener whose buffer is full misses the frame.
func (b *Broadcaster) Run(ctx context.Context, source <-chan []int16) {
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-source:
			if !ok {
				return
			}
			b.mu.RLock()
			for l := range b.listeners {
				select {
				case l.C <- frame:
				default:
					metrics.FramesDropped.Inc()
				}
			}
			b.mu.RUnlock()
		}
	}
}
