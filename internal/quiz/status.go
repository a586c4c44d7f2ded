package quiz

import "context"

// State is the phase the UI shows for the current round.
type State string

const (
	StateIdle    State = "idle"
	StateLoading State = "loading"
	StateReady   State = "ready"
	StateError   State = "error"
)

// Status is what the controller reports to the UI. Quiz is set for
// StateReady; Kind, Message and Retry for StateError.
type Status struct {
	State   State  `json:"state"`
	Quiz    *Quiz  `json:"-"`
	Kind    string `json:"kind,omitempty"`
	Message string `json:"error,omitempty"`

	Retry func(ctx context.Context) (*Quiz, error) `json:"-"`
}

// Sink receives status updates. Publish is called with the controller lock
// held and must not block.
type Sink interface {
	Publish(Status)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Status)

func (f SinkFunc) Publish(s Status) { f(s) }

// MultiSink fans a status out to several sinks in order.
type MultiSink []Sink

func (m MultiSink) Publish(s Status) {
	for _, sink := range m {
		if sink != nil {
			sink.Publish(s)
		}
	}
}

type discardSink struct{}

func (discardSink) Publish(Status) {}
