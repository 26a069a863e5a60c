// Package tts writes synthesized speech into an output directory as WAV
// artifacts with a text sidecar.
package tts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/discord-voice-lab/companion/internal/audio"
	"github.com/discord-voice-lab/companion/internal/httpclient"
	"github.com/discord-voice-lab/companion/internal/logging"
)

var ErrEmptyAudio = errors.New("synthesizer returned no audio")

// ArtifactPath names a new artifact in dir: <utc timestamp>_<id>.wav.
func ArtifactPath(dir, id string) string {
	ts := time.Now().UTC().Format("20060102T150405.000Z")
	return filepath.Join(dir, fmt.Sprintf("%s_%s.wav", ts, id))
}

// writeArtifact saves wav atomically and writes the spoken text next to it.
func writeArtifact(dir, text string, wav []byte) (string, error) {
	id := uuid.NewString()
	path := ArtifactPath(dir, id)
	if err := audio.SaveFileAtomic(path, wav, 0o644); err != nil {
		return "", err
	}
	sidecar := strings.TrimSuffix(path, ".wav") + ".txt"
	if err := os.WriteFile(sidecar, []byte(text), 0o644); err != nil {
		logging.Debugw("tts: failed to write sidecar", "path", sidecar, "err", err)
	}
	return path, nil
}

// HTTP posts {"text","voice"} to a synthesis service that answers with WAV
// bytes.
type HTTP struct {
	URL       string
	AuthToken string
	Attempts  int
	Client    *http.Client
}

func (h *HTTP) Synthesize(ctx context.Context, text, outDir, voice string) error {
	if h.URL == "" {
		return fmt.Errorf("tts: no URL configured")
	}
	payload := map[string]string{"text": text}
	if v := normalizeVoice(voice); v != "" {
		payload["voice"] = v
	}
	b, _ := json.Marshal(payload)
	cid := uuid.NewString()
	wav, err := httpclient.PostWithRetries(ctx, h.Client, httpclient.Request{
		URL:           h.URL,
		Body:          b,
		AuthToken:     h.AuthToken,
		CorrelationID: cid,
		Attempts:      h.Attempts,
	})
	if err != nil {
		logging.Debugw("tts: POST failed", "err", err, "correlation_id", cid)
		return err
	}
	if len(wav) == 0 {
		return ErrEmptyAudio
	}
	path, err := writeArtifact(outDir, text, wav)
	if err != nil {
		return err
	}
	logging.Infow("tts: saved audio to disk", "path", path, "bytes", len(wav), "correlation_id", cid)
	return nil
}

// normalizeVoice maps the "auto" preset and blanks to the provider default.
func normalizeVoice(v string) string {
	v = strings.TrimSpace(v)
	if strings.EqualFold(v, "auto") {
		return ""
	}
	return v
}
