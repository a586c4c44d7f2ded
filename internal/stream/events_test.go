package stream

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/satindergrewal/tunequiz/internal/audio"
	"github.com/satindergrewal/tunequiz/internal/catalog"
	"github.com/satindergrewal/tunequiz/internal/quiz"
)

func dialEvents(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	resp.Body.Close()
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) (Event, StatusEvent, string) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var env struct {
		Type string          `json:"type"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		t.Fatalf("decode envelope: %v (%s)", err, raw)
	}
	var st StatusEvent
	if env.Type == "status" {
		if err := json.Unmarshal(env.Data, &st); err != nil {
			t.Fatalf("decode status: %v", err)
		}
	}
	return Event{Type: env.Type}, st, string(raw)
}

func TestEventHubStatusFeed(t *testing.T) {
	hub := NewEventHub(quietLogger)
	go hub.Run()
	t.Cleanup(hub.Close)

	srv := httptest.NewServer(hub)
	t.Cleanup(srv.Close)

	// Published before anyone listens: replayed on connect.
	hub.Publish(quiz.Status{State: quiz.StateLoading})

	conn := dialEvents(t, srv)
	ev, st, _ := readEvent(t, conn)
	if ev.Type != "status" || st.State != quiz.StateLoading {
		t.Fatalf("first event = %s/%s, want status/loading", ev.Type, st.State)
	}
	if hub.ClientCount() != 1 {
		t.Errorf("ClientCount = %d, want 1", hub.ClientCount())
	}

	q := &quiz.Quiz{
		Track: catalog.Track{SID: 12, Name: "Secret//1. Answer"},
		Audio: audio.NewBuffer(audio.SampleRate, audio.Channels, make([]int16, audio.SampleRate*audio.Channels)),
	}
	hub.Publish(quiz.Status{State: quiz.StateReady, Quiz: q})
	_, st, raw := readEvent(t, conn)
	if st.State != quiz.StateReady {
		t.Fatalf("state = %s, want ready", st.State)
	}
	if st.Duration != 1 {
		t.Errorf("duration = %v, want 1", st.Duration)
	}
	if strings.Contains(raw, "Answer") || strings.Contains(raw, "12") {
		t.Errorf("ready event leaks the answer: %s", raw)
	}

	retry := func(context.Context) (*quiz.Quiz, error) { return nil, nil }
	hub.Publish(quiz.Status{State: quiz.StateError, Kind: "NetworkError", Message: "fetch failed", Retry: retry})
	_, st, _ = readEvent(t, conn)
	if st.State != quiz.StateError || st.Kind != "NetworkError" || !st.CanRetry {
		t.Errorf("error event = %+v", st)
	}

	hub.Broadcast("answer", map[string]bool{"correct": true})
	ev, _, raw = readEvent(t, conn)
	if ev.Type != "answer" || !strings.Contains(raw, `"correct":true`) {
		t.Errorf("answer event = %s", raw)
	}
}

func TestEventHubPublishWithoutClients(t *testing.T) {
	hub := NewEventHub(quietLogger)
	// Run is not started: Publish must still return immediately.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 200; i++ {
			hub.Publish(quiz.Status{State: quiz.StateLoading})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked")
	}
}
