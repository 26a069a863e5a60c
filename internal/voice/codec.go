package voice

import "errors"

// ErrCodecUnavailable is returned by the codec constructors in builds
// without libopus.
var ErrCodecUnavailable = errors.New("opus codec not compiled in (build with -tags opus)")

// Decoder turns one Opus packet into interleaved PCM. n is samples per
// channel, matching the libopus convention.
type Decoder interface {
	Decode(data []byte, pcm []int16) (n int, err error)
}

// Encoder turns one frame of interleaved PCM into an Opus packet.
type Encoder interface {
	Encode(pcm []int16, data []byte) (n int, err error)
}

// DecoderFactory creates one decoder per capture session so decoder state
// never leaks between utterances.
type DecoderFactory func() (Decoder, error)
