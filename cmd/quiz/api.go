package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/satindergrewal/tunequiz/internal/audio"
	"github.com/satindergrewal/tunequiz/internal/catalog"
	"github.com/satindergrewal/tunequiz/internal/quiz"
	"github.com/satindergrewal/tunequiz/internal/stream"
)

// settings are the player's choices for the running game.
type settings struct {
	Duration   float64 `json:"duration"`
	Rank       string  `json:"rank"`
	BufferSize int     `json:"buffer_size"`
	Selection  []int   `json:"selection"`
}

type eventBroadcaster interface {
	Broadcast(eventType string, data any)
	ClientCount() int
}

type listenerCounter interface {
	ListenerCount() int
}

type peerCounter interface {
	PeerCount() int
}

// api exposes the quiz over HTTP. Rounds are driven by the UI: configure,
// next, play, answer.
type api struct {
	catalog    *catalog.Collection
	controller *quiz.Controller
	player     *audio.Player
	events     eventBroadcaster
	audio      listenerCounter
	peers      peerCounter
	slack      float64
	logger     *slog.Logger

	mu       sync.Mutex
	settings settings
	current  *quiz.Quiz
	answered bool
	rounds   int

	// generation changes on every successful configure. A quiz requested
	// under an older generation is never loaded.
	generation uint64
}

// configure validates s and restarts the pipeline with it.
func (a *api) configure(s settings) (eligible int, err error) {
	rank, err := quiz.ParseRank(s.Rank)
	if err != nil {
		return 0, err
	}
	if s.Duration <= 0 {
		return 0, fmt.Errorf("duration must be positive, got %v", s.Duration)
	}
	if s.BufferSize < 0 {
		return 0, fmt.Errorf("buffer_size must not be negative, got %d", s.BufferSize)
	}

	pool := a.catalog.Pool(s.Selection)
	if err := a.controller.Configure(pool, s.Duration, quiz.Budget(rank, s.BufferSize)); err != nil {
		return 0, err
	}

	a.mu.Lock()
	a.settings = s
	a.generation++
	a.current = nil
	a.answered = false
	a.player.Clear()
	a.mu.Unlock()

	return quiz.Eligible(pool, quiz.SegmentsNeeded(s.Duration, a.slack)), nil
}

func (a *api) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/catalog", a.handleCatalog)
	mux.HandleFunc("POST /api/config", a.handleConfig)
	mux.HandleFunc("POST /api/next", a.handleNext)
	mux.HandleFunc("POST /api/retry", a.handleRetry)
	mux.HandleFunc("POST /api/play", a.handlePlay)
	mux.HandleFunc("POST /api/answer", a.handleAnswer)
	mux.HandleFunc("GET /api/status", a.handleStatus)
	return mux
}

func (a *api) handleCatalog(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"separator": catalog.Separator,
		"tracks":    a.catalog.Tracks(),
	})
}

func (a *api) handleConfig(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Duration   *float64 `json:"duration"`
		Rank       *string  `json:"rank"`
		BufferSize *int     `json:"buffer_size"`
		Selection  []int    `json:"selection"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request")
		return
	}

	a.mu.Lock()
	s := a.settings
	a.mu.Unlock()
	if req.Duration != nil {
		s.Duration = *req.Duration
	}
	if req.Rank != nil {
		s.Rank = *req.Rank
	}
	if req.BufferSize != nil {
		s.BufferSize = *req.BufferSize
	}
	if req.Selection != nil {
		s.Selection = req.Selection
	}

	eligible, err := a.configure(s)
	switch {
	case errors.Is(err, quiz.ErrNoEligibleTracks):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	case err != nil:
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	a.logger.Info("game configured",
		slog.Float64("duration", s.Duration),
		slog.String("rank", s.Rank),
		slog.Int("selection", len(s.Selection)),
		slog.Int("eligible", eligible),
	)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "settings": s, "eligible": eligible})
}

func (a *api) handleNext(w http.ResponseWriter, r *http.Request) {
	a.deliver(w, r, a.controller.NextQuiz)
}

func (a *api) handleRetry(w http.ResponseWriter, r *http.Request) {
	next := a.controller.NextQuiz
	if st := a.controller.Status(); st.State == quiz.StateError && st.Retry != nil {
		next = st.Retry
	}
	a.deliver(w, r, next)
}

// deliver clears the round on screen, waits for the next quiz and loads it
// into the player.
func (a *api) deliver(w http.ResponseWriter, r *http.Request, next func(context.Context) (*quiz.Quiz, error)) {
	a.mu.Lock()
	gen := a.generation
	a.current = nil
	a.answered = false
	a.player.Clear()
	a.mu.Unlock()

	q, err := next(r.Context())
	switch {
	case errors.Is(err, quiz.ErrNotConfigured), errors.Is(err, quiz.ErrCancelled):
		writeError(w, http.StatusConflict, err.Error())
		return
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusServiceUnavailable, "request abandoned")
		return
	case err != nil:
		writeJSON(w, http.StatusBadGateway, stream.NewStatusEvent(a.controller.Status()))
		return
	}

	a.mu.Lock()
	if a.generation != gen {
		a.mu.Unlock()
		writeError(w, http.StatusConflict, quiz.ErrCancelled.Error())
		return
	}
	limit := time.Duration(a.settings.Duration * float64(time.Second))
	if err := a.player.Load(q.Audio, limit); err != nil {
		a.mu.Unlock()
		a.logger.Error("load clip", slog.Int("sid", q.Track.SID), slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "clip could not be loaded")
		return
	}
	a.current = q
	a.answered = false
	a.rounds++
	round := a.rounds
	a.mu.Unlock()

	_, _, dur := a.player.Status()
	writeJSON(w, http.StatusOK, map[string]any{
		"state":    quiz.StateReady,
		"round":    round,
		"duration": dur.Seconds(),
	})
}

func (a *api) handlePlay(w http.ResponseWriter, r *http.Request) {
	a.mu.Lock()
	loaded := a.current != nil
	a.mu.Unlock()
	if !loaded {
		writeError(w, http.StatusConflict, "no quiz loaded")
		return
	}
	a.player.Play()
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (a *api) handleAnswer(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SID *int `json:"sid"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SID == nil {
		writeError(w, http.StatusBadRequest, "sid required")
		return
	}

	a.mu.Lock()
	q := a.current
	first := q != nil && !a.answered
	if q != nil {
		a.answered = true
	}
	a.mu.Unlock()
	if q == nil {
		writeError(w, http.StatusConflict, "no quiz loaded")
		return
	}

	result := map[string]any{
		"correct": *req.SID == q.Track.SID,
		"answer":  q.Track,
	}
	if guess, ok := a.catalog.Lookup(*req.SID); ok {
		result["guess"] = guess
	}
	if first {
		a.events.Broadcast("answer", result)
	}
	writeJSON(w, http.StatusOK, result)
}

func (a *api) handleStatus(w http.ResponseWriter, r *http.Request) {
	a.mu.Lock()
	s := a.settings
	round := a.rounds
	loaded := a.current != nil
	a.mu.Unlock()

	playing, pos, dur := a.player.Status()
	body := map[string]any{
		"status":   stream.NewStatusEvent(a.controller.Status()),
		"settings": s,
		"round":    round,
		"player": map[string]any{
			"loaded":   loaded,
			"playing":  playing,
			"position": pos.Seconds(),
			"duration": dur.Seconds(),
		},
		"listeners": map[string]int{
			"audio":  a.audio.ListenerCount(),
			"webrtc": a.peers.PeerCount(),
			"events": a.events.ClientCount(),
		},
	}
	if stats, ok := a.controller.Stats(); ok {
		body["pipeline"] = map[string]any{
			"budget":    stats.Budget,
			"max_size":  stats.MaxSize,
			"available": stats.Available,
			"queued":    stats.Queued,
		}
	}
	writeJSON(w, http.StatusOK, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
