package stt

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// TestHelperProcess is not a real test. It stands in for the external
// transcription commands when re-executed with GO_WANT_HELPER_PROCESS=1.
func TestHelperProcess(t *testing.T) {
	mode := os.Getenv("GO_WANT_HELPER_PROCESS")
	if mode == "" {
		return
	}
	defer os.Exit(0)
	args := os.Args
	for i, a := range args {
		if a == "--" {
			args = args[i+1:]
			break
		}
	}
	switch mode {
	case "cli":
		wav := args[len(args)-1]
		if strings.Contains(wav, "fail") {
			fmt.Fprintln(os.Stderr, "model exploded")
			os.Exit(2)
		}
		fmt.Printf("  heard %s\n", filepath.Base(wav))
	case "worker":
		fmt.Println(`{"type":"ready"}`)
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			var req poolRequest
			if err := json.Unmarshal(sc.Bytes(), &req); err != nil {
				continue
			}
			switch {
			case strings.Contains(req.WAVPath, "hang"):
				time.Sleep(time.Hour)
			case strings.Contains(req.WAVPath, "crash"):
				os.Exit(3)
			case strings.Contains(req.WAVPath, "bad"):
				b, _ := json.Marshal(poolResponse{ID: req.ID, OK: false, Error: "unreadable audio"})
				fmt.Println(string(b))
			default:
				fmt.Println("progress: loading")
				b, _ := json.Marshal(poolResponse{ID: req.ID, OK: true, Text: "text for " + filepath.Base(req.WAVPath)})
				fmt.Println(string(b))
			}
		}
	}
}

func helperEnv(mode string) []string {
	return []string{"GO_WANT_HELPER_PROCESS=" + mode}
}

func TestCommandTranscribe(t *testing.T) {
	c := &Command{Bin: os.Args[0], Args: []string{"-test.run=TestHelperProcess", "--"}, Env: helperEnv("cli")}
	got, err := c.Transcribe(context.Background(), "/tmp/utt-1.wav")
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if got != "heard utt-1.wav" {
		t.Fatalf("unexpected transcript %q", got)
	}
	if _, err := c.Transcribe(context.Background(), "/tmp/fail.wav"); err == nil || !strings.Contains(err.Error(), "model exploded") {
		t.Fatalf("expected failure with stderr, got %v", err)
	}
}

func newTestPool(t *testing.T, timeout time.Duration) *Pool {
	t.Helper()
	p := NewPool(PoolConfig{
		Bin:          os.Args[0],
		Args:         []string{"-test.run=TestHelperProcess", "--"},
		Env:          helperEnv("worker"),
		Workers:      1,
		Timeout:      timeout,
		StartTimeout: 10 * time.Second,
		RestartDelay: 10 * time.Millisecond,
	})
	t.Cleanup(p.Close)
	return p
}

func TestPoolRoundTrip(t *testing.T) {
	p := newTestPool(t, 10*time.Second)
	for _, name := range []string{"a.wav", "b.wav"} {
		got, err := p.Transcribe(context.Background(), "/rec/"+name)
		if err != nil {
			t.Fatalf("transcribe %s: %v", name, err)
		}
		if got != "text for "+name {
			t.Fatalf("unexpected transcript %q", got)
		}
	}
	if _, err := p.Transcribe(context.Background(), "/rec/bad.wav"); err == nil || !strings.Contains(err.Error(), "unreadable audio") {
		t.Fatalf("expected worker error, got %v", err)
	}
}

func TestPoolRestartsAfterCrash(t *testing.T) {
	p := newTestPool(t, 10*time.Second)
	if _, err := p.Transcribe(context.Background(), "/rec/crash.wav"); !errors.Is(err, ErrWorkerExited) {
		t.Fatalf("expected ErrWorkerExited, got %v", err)
	}
	got, err := p.Transcribe(context.Background(), "/rec/after.wav")
	if err != nil {
		t.Fatalf("transcribe after restart: %v", err)
	}
	if got != "text for after.wav" {
		t.Fatalf("unexpected transcript %q", got)
	}
}

func TestPoolTimeoutKillsWorker(t *testing.T) {
	p := newTestPool(t, 3*time.Second)
	// Let the worker come up so the timeout only covers the request.
	if _, err := p.Transcribe(context.Background(), "/rec/warm.wav"); err != nil {
		t.Fatalf("warm-up: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	if _, err := p.Transcribe(ctx, "/rec/hang.wav"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	got, err := p.Transcribe(context.Background(), "/rec/next.wav")
	if err != nil || got != "text for next.wav" {
		t.Fatalf("pool did not recover: %q %v", got, err)
	}
}

func TestHTTPTranscribe(t *testing.T) {
	dir := t.TempDir()
	wav := filepath.Join(dir, "u.wav")
	if err := os.WriteFile(wav, []byte("RIFF....WAVE"), 0o644); err != nil {
		t.Fatal(err)
	}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Type") != "audio/wav" {
			t.Errorf("content type %q", r.Header.Get("Content-Type"))
		}
		if r.URL.Query().Get("language") != "en" || r.URL.Query().Get("task") != "translate" {
			t.Errorf("query %q", r.URL.RawQuery)
		}
		_, _ = w.Write([]byte(`{"text":"  hello there "}`))
	}))
	defer ts.Close()

	h := &HTTP{URL: ts.URL + "/asr", Language: "en", Translate: true, Client: ts.Client()}
	got, err := h.Transcribe(context.Background(), wav)
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if got != "hello there" {
		t.Fatalf("unexpected transcript %q", got)
	}
}
