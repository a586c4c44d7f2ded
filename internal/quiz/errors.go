package quiz

import (
	"context"
	"errors"
	"fmt"
)

// Failure kinds. Produce errors wrap exactly one of these together with the
// underlying cause, so errors.Is identifies the kind.
var (
	ErrNetwork = errors.New("network error")
	ErrDecode  = errors.New("decode error")
	ErrUnknown = errors.New("unknown error")
)

var (
	// ErrCancelled reports that the pipeline serving a request was torn down.
	ErrCancelled = fmt.Errorf("quiz pipeline cancelled: %w", context.Canceled)

	// ErrNoEligibleTracks is returned when no pool track is long enough for
	// the requested clip.
	ErrNoEligibleTracks = errors.New("no track in the pool is long enough")

	// ErrNotConfigured is returned by NextQuiz before Configure.
	ErrNotConfigured = errors.New("quiz pipeline not configured")
)

// Kind names the failure class of err for display.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNetwork):
		return "NetworkError"
	case errors.Is(err, ErrDecode):
		return "DecodeError"
	default:
		return "UnknownError"
	}
}
