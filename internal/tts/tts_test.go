package tts

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/discord-voice-lab/companion/internal/audio"
)

func TestHTTPSynthesizeWritesArtifactAndSidecar(t *testing.T) {
	wav := audio.BuildWAV(make([]byte, 400), audio.Format{SampleRate: 24000, Channels: 1, BitsPerSample: 16})
	var gotVoice string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		gotVoice = body["voice"]
		if body["text"] != "hello." {
			t.Errorf("text %q", body["text"])
		}
		w.Header().Set("Content-Type", "audio/wav")
		_, _ = w.Write(wav)
	}))
	defer ts.Close()

	dir := t.TempDir()
	h := &HTTP{URL: ts.URL, Client: ts.Client()}
	if err := h.Synthesize(context.Background(), "hello.", dir, "Auto"); err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	if gotVoice != "" {
		t.Fatalf("auto preset should use provider default, sent %q", gotVoice)
	}
	wavs, _ := filepath.Glob(filepath.Join(dir, "*.wav"))
	if len(wavs) != 1 {
		t.Fatalf("want one artifact, got %v", wavs)
	}
	side, err := os.ReadFile(strings.TrimSuffix(wavs[0], ".wav") + ".txt")
	if err != nil || string(side) != "hello." {
		t.Fatalf("sidecar: %q %v", side, err)
	}
	if tmp, _ := filepath.Glob(filepath.Join(dir, "*.tmp")); len(tmp) != 0 {
		t.Fatalf("temp files left behind: %v", tmp)
	}
	f, _, err := audio.ReadWAVFile(wavs[0])
	if err != nil || f.SampleRate != 24000 {
		t.Fatalf("artifact unreadable: %+v %v", f, err)
	}
}

func TestHTTPSynthesizeServerError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "engine offline", http.StatusServiceUnavailable)
	}))
	defer ts.Close()
	dir := t.TempDir()
	h := &HTTP{URL: ts.URL, Client: ts.Client(), Attempts: 1}
	if err := h.Synthesize(context.Background(), "hi", dir, "mio"); err == nil {
		t.Fatalf("expected error")
	}
	if files, _ := os.ReadDir(dir); len(files) != 0 {
		t.Fatalf("failed synthesis must not leave files: %v", files)
	}
}

func TestMP3ToWAVRejectsGarbage(t *testing.T) {
	if _, err := MP3ToWAV(nil); !errors.Is(err, ErrEmptyAudio) {
		t.Fatalf("expected ErrEmptyAudio, got %v", err)
	}
	if _, err := MP3ToWAV([]byte("definitely not an mp3 stream")); err == nil {
		t.Fatalf("expected decode error")
	}
}
