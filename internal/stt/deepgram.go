package stt

import (
	"context"
	"fmt"
	"strings"

	api "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/rest"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	client "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"

	"github.com/discord-voice-lab/companion/internal/logging"
)

// Deepgram transcribes files with Deepgram's prerecorded REST API.
type Deepgram struct {
	APIKey   string
	Model    string
	Language string

	dg *api.Client
}

func NewDeepgram(apiKey, model, language string) *Deepgram {
	if model == "" {
		model = "nova-2"
	}
	c := client.NewREST(apiKey, &interfaces.ClientOptions{})
	return &Deepgram{APIKey: apiKey, Model: model, Language: language, dg: api.New(c)}
}

func (d *Deepgram) Transcribe(ctx context.Context, wavPath string) (text string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("deepgram: malformed response: %v", r)
		}
	}()
	opts := &interfaces.PreRecordedTranscriptionOptions{
		Model:       d.Model,
		Language:    d.Language,
		SmartFormat: true,
		Punctuate:   true,
	}
	res, err := d.dg.FromFile(ctx, wavPath, opts)
	if err != nil {
		return "", fmt.Errorf("deepgram: %w", err)
	}
	if res == nil || len(res.Results.Channels) == 0 || len(res.Results.Channels[0].Alternatives) == 0 {
		logging.Debugw("stt: deepgram returned no alternatives", "path", wavPath)
		return "", nil
	}
	return strings.TrimSpace(res.Results.Channels[0].Alternatives[0].Transcript), nil
}
