package tts

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	elevenlabs "github.com/haguro/elevenlabs-go"
	"github.com/hajimehoshi/go-mp3"

	"github.com/discord-voice-lab/companion/internal/audio"
	"github.com/discord-voice-lab/companion/internal/logging"
)

// ElevenLabs synthesizes with the ElevenLabs API and converts the returned
// MP3 to a WAV artifact.
type ElevenLabs struct {
	APIKey       string
	DefaultVoice string
	ModelID      string
	Timeout      time.Duration
}

func (e *ElevenLabs) Synthesize(ctx context.Context, text, outDir, voice string) error {
	voiceID := normalizeVoice(voice)
	if voiceID == "" {
		voiceID = e.DefaultVoice
	}
	if voiceID == "" {
		return fmt.Errorf("tts: no ElevenLabs voice configured")
	}
	model := e.ModelID
	if model == "" {
		model = "eleven_turbo_v2_5"
	}
	timeout := e.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	client := elevenlabs.NewClient(ctx, e.APIKey, timeout)
	mp3Bytes, err := client.TextToSpeech(voiceID, elevenlabs.TextToSpeechRequest{Text: text, ModelID: model})
	if err != nil {
		return fmt.Errorf("elevenlabs: %w", err)
	}
	wav, err := MP3ToWAV(mp3Bytes)
	if err != nil {
		return err
	}
	path, err := writeArtifact(outDir, text, wav)
	if err != nil {
		return err
	}
	logging.Infow("tts: saved elevenlabs audio", "path", path, "voice", voiceID)
	return nil
}

// MP3ToWAV decodes MP3 into a 16-bit stereo WAV at the stream's rate.
func MP3ToWAV(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, ErrEmptyAudio
	}
	dec, err := mp3.NewDecoder(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("mp3 decode: %w", err)
	}
	pcm, err := io.ReadAll(dec)
	if err != nil {
		return nil, fmt.Errorf("mp3 decode: %w", err)
	}
	if len(pcm) == 0 {
		return nil, ErrEmptyAudio
	}
	return audio.BuildWAV(pcm, audio.Format{SampleRate: dec.SampleRate(), Channels: 2, BitsPerSample: 16}), nil
}
