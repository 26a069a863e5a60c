package status

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/discord-voice-lab/companion/internal/voice"
)

func TestHealthAndMetrics(t *testing.T) {
	s := NewServer()
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	s.PhaseChanged("c1", voice.PhaseIdle, voice.PhaseListening)
	s.StageFinished("stt", 120*time.Millisecond, nil)
	s.StageFinished("llm", time.Second, errors.New("boom"))
	s.UtteranceDropped("c1", "audio_too_short")
	s.LoopStopped("c1", voice.StopMultiMember)

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz status %d", resp.StatusCode)
	}

	resp, err = http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	text := string(body)
	for _, want := range []string{
		`companion_phase_transitions_total{from="idle",to="listening"} 1`,
		`companion_channels_in_phase{phase="listening"} 1`,
		`companion_stage_errors_total{stage="llm"} 1`,
		`companion_utterances_dropped_total{reason="audio_too_short"} 1`,
		`companion_loop_stops_total{reason="multi_member"} 1`,
	} {
		if !strings.Contains(text, want) {
			t.Fatalf("metrics missing %q", want)
		}
	}
}

func TestEventsStream(t *testing.T) {
	s := NewServer()
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for s.Hub.Clients() != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("client never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	s.PhaseChanged("c1", voice.PhaseListening, voice.PhaseTranscribing)
	s.UtteranceDropped("c1", "no_audio")

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got []Event
	for len(got) < 2 {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		var ev Event
		if err := json.Unmarshal(msg, &ev); err != nil {
			t.Fatalf("decode %s: %v", msg, err)
		}
		got = append(got, ev)
	}
	if got[0].Type != "phase" || got[0].From != "listening" || got[0].To != "transcribing" || got[0].ChannelID != "c1" {
		t.Fatalf("phase event: %+v", got[0])
	}
	if got[1].Type != "drop" || got[1].Reason != "no_audio" {
		t.Fatalf("drop event: %+v", got[1])
	}

	conn.Close()
	deadline = time.Now().Add(2 * time.Second)
	for s.Hub.Clients() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("client not removed after disconnect")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
