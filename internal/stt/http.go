package stt

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/discord-voice-lab/companion/internal/httpclient"
	"github.com/discord-voice-lab/companion/internal/logging"
)

// HTTP posts the WAV file to a whisper-style endpoint that answers
// {"text": "..."}.
type HTTP struct {
	URL       string
	AuthToken string
	Language  string
	Translate bool
	BeamSize  int
	Attempts  int
	Client    *http.Client
}

func (h *HTTP) endpoint() string {
	u, err := url.Parse(h.URL)
	if err != nil {
		return h.URL
	}
	q := u.Query()
	if h.Translate {
		q.Set("task", "translate")
	}
	if h.BeamSize > 0 {
		q.Set("beam_size", strconv.Itoa(h.BeamSize))
	}
	if h.Language != "" {
		q.Set("language", h.Language)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func (h *HTTP) Transcribe(ctx context.Context, wavPath string) (string, error) {
	wav, err := os.ReadFile(wavPath)
	if err != nil {
		return "", err
	}
	attempts := h.Attempts
	if attempts <= 0 {
		attempts = 2
	}
	cid := uuid.NewString()
	start := time.Now()
	body, err := httpclient.PostWithRetries(ctx, h.Client, httpclient.Request{
		URL:           h.endpoint(),
		ContentType:   "audio/wav",
		Body:          wav,
		AuthToken:     h.AuthToken,
		CorrelationID: cid,
		Attempts:      attempts,
	})
	if err != nil {
		return "", fmt.Errorf("stt http: %w", err)
	}
	var out struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("stt http: decode response: %w", err)
	}
	logging.Debugw("stt: http response", "correlation_id", cid, "bytes", len(wav), "latency_ms", time.Since(start).Milliseconds())
	return strings.TrimSpace(out.Text), nil
}
