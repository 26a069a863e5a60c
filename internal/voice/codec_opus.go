//go:build opus
// +build opus

package voice

import (
	"github.com/discord-voice-lab/companion/internal/audio"
	"github.com/hraban/opus"
)

// NewOpusDecoder returns a libopus decoder for the capture format.
func NewOpusDecoder() (Decoder, error) {
	dec, err := opus.NewDecoder(audio.SampleRate, audio.Channels)
	if err != nil {
		return nil, err
	}
	return dec, nil
}

// NewOpusEncoder returns a libopus VoIP encoder for playback.
func NewOpusEncoder() (Encoder, error) {
	enc, err := opus.NewEncoder(audio.SampleRate, audio.Channels, opus.AppVoIP)
	if err != nil {
		return nil, err
	}
	_ = enc.SetBitrate(64000)
	return enc, nil
}
