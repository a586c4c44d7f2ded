package quiz

import (
	"math/rand/v2"

	"github.com/satindergrewal/tunequiz/internal/catalog"
)

// DefaultRecentWindow is how many recent tracks are kept out of rotation.
const DefaultRecentWindow = 10

// RecentWindow is a FIFO set of recently used sids.
type RecentWindow struct {
	capacity int
	order    []int
	set      map[int]struct{}
}

// NewRecentWindow creates a window holding up to capacity sids.
func NewRecentWindow(capacity int) *RecentWindow {
	if capacity < 0 {
		capacity = 0
	}
	return &RecentWindow{capacity: capacity, set: make(map[int]struct{})}
}

// WindowCapacity shrinks the configured capacity so that at least three
// candidates always remain outside the window.
func WindowCapacity(configured, candidates int) int {
	return min(configured, max(0, candidates-3))
}

// Contains reports whether sid is in the window.
func (w *RecentWindow) Contains(sid int) bool {
	_, ok := w.set[sid]
	return ok
}

// Push records sid, evicting the oldest entry once full.
func (w *RecentWindow) Push(sid int) {
	if w.capacity == 0 {
		return
	}
	w.order = append(w.order, sid)
	w.set[sid] = struct{}{}
	if len(w.order) > w.capacity {
		delete(w.set, w.order[0])
		w.order = w.order[1:]
	}
}

// Len returns the number of sids held.
func (w *RecentWindow) Len() int {
	return len(w.order)
}

// Cap returns the window capacity.
func (w *RecentWindow) Cap() int {
	return w.capacity
}

// Selector draws quiz candidates from a pool. It is not safe for concurrent
// use; the producer loop owns it.
type Selector struct {
	pool        []catalog.Track
	minSegments int
	window      *RecentWindow
	intN        func(int) int
}

// NewSelector builds a selector over pool for clips needing minSegments
// segments. intN draws uniformly from [0,n); nil uses math/rand/v2.
func NewSelector(pool []catalog.Track, minSegments, windowCap int, intN func(int) int) *Selector {
	if intN == nil {
		intN = rand.IntN
	}
	return &Selector{
		pool:        pool,
		minSegments: minSegments,
		window:      NewRecentWindow(WindowCapacity(windowCap, Eligible(pool, minSegments))),
		intN:        intN,
	}
}

// Eligible counts tracks with at least minSegments segments.
func Eligible(pool []catalog.Track, minSegments int) int {
	n := 0
	for _, t := range pool {
		if t.Amount >= minSegments {
			n++
		}
	}
	return n
}

// Next returns a long-enough track that is not in the recent window and
// records it there. The pool must contain an eligible track.
func (s *Selector) Next() catalog.Track {
	for {
		t := s.pool[s.intN(len(s.pool))]
		if t.Amount < s.minSegments || s.window.Contains(t.SID) {
			continue
		}
		s.window.Push(t.SID)
		return t
	}
}

// Window exposes the recent window.
func (s *Selector) Window() *RecentWindow {
	return s.window
}
