package voice

import (
	"context"
	"time"

	"github.com/discord-voice-lab/companion/llm"
)

// Transcriber turns a WAV file into text.
type Transcriber interface {
	Transcribe(ctx context.Context, wavPath string) (string, error)
}

// Generator produces the agent's reply.
type Generator interface {
	Generate(ctx context.Context, req llm.Request) (string, error)
}

// Synthesizer writes an audio artifact for text into outDir. The pipeline
// finds the artifact by modification time.
type Synthesizer interface {
	Synthesize(ctx context.Context, text, outDir, voice string) error
}

// Player plays a file on the channel's voice connection and returns when
// playback completes or fails. Stop interrupts the current playback.
type Player interface {
	Play(ctx context.Context, channelID, path string) error
	Stop(channelID string)
}

// Profile is the read-only configuration resolved for a channel.
type Profile struct {
	GuildID        string
	Character      llm.Character
	VoicePreset    string
	LLMSpec        string
	DebugLevel     int
	DebugChannelID string
}

// ProfileSource resolves channel configuration. Implementations must be
// deterministic for a given channel.
type ProfileSource interface {
	Profile(channelID string) Profile
}

// MemberDirectory answers questions about channel participants.
type MemberDirectory interface {
	IsBot(ctx context.Context, userID string) (bool, error)
	CountHumans(guildID, channelID string) int
}

// NameResolver is implemented by directories that can name a user. The
// coordinator uses it for logs and debug lines when available.
type NameResolver interface {
	UserName(userID string) string
}

// DebugSink mirrors state changes to an operator-visible channel when the
// profile's debug level is at least level.
type DebugSink interface {
	Debug(p Profile, level int, msg string)
}

// Observer receives lifecycle events for metrics and live status.
type Observer interface {
	PhaseChanged(channelID string, from, to Phase)
	StageFinished(stage string, took time.Duration, err error)
	UtteranceDropped(channelID, reason string)
	LoopStopped(channelID string, reason StopReason)
}

type NopObserver struct{}

func (NopObserver) PhaseChanged(string, Phase, Phase)          {}
func (NopObserver) StageFinished(string, time.Duration, error) {}
func (NopObserver) UtteranceDropped(string, string)            {}
func (NopObserver) LoopStopped(string, StopReason)             {}

type nopDebug struct{}

func (nopDebug) Debug(Profile, int, string) {}
