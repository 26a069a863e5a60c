//go:build !opus
// +build !opus

package voice

// Builds without libopus still compile and run the controller; capture and
// playback fail with ErrCodecUnavailable.

func NewOpusDecoder() (Decoder, error) { return nil, ErrCodecUnavailable }

func NewOpusEncoder() (Encoder, error) { return nil, ErrCodecUnavailable }
