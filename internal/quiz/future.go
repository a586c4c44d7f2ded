package quiz

import (
	"context"
	"sync"
)

// future is a quiz result published before the work behind it is done.
type future struct {
	done chan struct{}
	once sync.Once
	quiz *Quiz
	err  error
}

func newFuture() *future {
	return &future{done: make(chan struct{})}
}

func (f *future) resolve(q *Quiz) {
	f.once.Do(func() {
		f.quiz = q
		close(f.done)
	})
}

func (f *future) reject(err error) {
	f.once.Do(func() {
		f.err = err
		close(f.done)
	})
}

// wait blocks until the future settles or ctx ends. Cancellation wins over
// a result that settled at the same time.
func (f *future) wait(ctx context.Context) (*Quiz, error) {
	select {
	case <-f.done:
	case <-ctx.Done():
	}
	if ctx.Err() != nil {
		return nil, ErrCancelled
	}
	return f.quiz, f.err
}
