package voice

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/bwmarrin/discordgo"

	"github.com/discord-voice-lab/companion/internal/audio"
	"github.com/discord-voice-lab/companion/internal/logging"
)

var ErrNoConnection = errors.New("no voice connection for channel")

// EncoderFactory creates one encoder per playback.
type EncoderFactory func() (Encoder, error)

// OpusSink is where encoded frames go; a discordgo voice connection in
// production.
type OpusSink interface {
	Speaking(bool) error
	Send() chan<- []byte
}

type connSink struct{ vc *discordgo.VoiceConnection }

func (c connSink) Speaking(b bool) error { return c.vc.Speaking(b) }
func (c connSink) Send() chan<- []byte   { return c.vc.OpusSend }

type playback struct {
	cancel  context.CancelFunc
	stopped bool
}

// DiscordPlayer plays WAV artifacts on registered voice connections. At
// most one playback runs per channel; a new one interrupts the old.
type DiscordPlayer struct {
	newEncoder EncoderFactory

	mu      sync.Mutex
	sinks   map[string]OpusSink
	playing map[string]*playback
}

func NewDiscordPlayer(newEncoder EncoderFactory) *DiscordPlayer {
	if newEncoder == nil {
		newEncoder = func() (Encoder, error) { return NewOpusEncoder() }
	}
	return &DiscordPlayer{
		newEncoder: newEncoder,
		sinks:      make(map[string]OpusSink),
		playing:    make(map[string]*playback),
	}
}

// Register attaches a voice connection for channelID.
func (p *DiscordPlayer) Register(channelID string, vc *discordgo.VoiceConnection) {
	p.RegisterSink(channelID, connSink{vc: vc})
}

func (p *DiscordPlayer) RegisterSink(channelID string, sink OpusSink) {
	p.mu.Lock()
	p.sinks[channelID] = sink
	p.mu.Unlock()
}

func (p *DiscordPlayer) Unregister(channelID string) {
	p.Stop(channelID)
	p.mu.Lock()
	delete(p.sinks, channelID)
	p.mu.Unlock()
}

// Play encodes the WAV at path as 20 ms Opus frames and sends them. It
// returns nil when the audio finished or Stop interrupted it.
func (p *DiscordPlayer) Play(ctx context.Context, channelID, path string) error {
	p.mu.Lock()
	sink, ok := p.sinks[channelID]
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoConnection, channelID)
	}

	f, samples, err := audio.ReadWAVFile(path)
	if err != nil {
		return err
	}
	frames := audio.Chunk(audio.ToStereo48k(f, samples))
	enc, err := p.newEncoder()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	pb := &playback{cancel: cancel}
	p.mu.Lock()
	if prev := p.playing[channelID]; prev != nil {
		prev.stopped = true
		prev.cancel()
	}
	p.playing[channelID] = pb
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		if p.playing[channelID] == pb {
			delete(p.playing, channelID)
		}
		p.mu.Unlock()
	}()

	if err := sink.Speaking(true); err != nil {
		logging.Debugw("player: speaking(true) failed", "channel.id", channelID, "err", err)
	}
	defer func() { _ = sink.Speaking(false) }()

	out := sink.Send()
	buf := make([]byte, 4000)
	for i, fr := range frames {
		n, err := enc.Encode(fr, buf)
		if err != nil {
			return fmt.Errorf("encode frame %d: %w", i, err)
		}
		pkt := make([]byte, n)
		copy(pkt, buf[:n])
		select {
		case out <- pkt:
		case <-ctx.Done():
			p.mu.Lock()
			stopped := pb.stopped
			p.mu.Unlock()
			if stopped {
				logging.Debugw("player: playback interrupted", "channel.id", channelID, "sent_frames", i)
				return nil
			}
			return ctx.Err()
		}
	}
	return nil
}

// Stop interrupts the channel's current playback, if any.
func (p *DiscordPlayer) Stop(channelID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if pb := p.playing[channelID]; pb != nil {
		pb.stopped = true
		pb.cancel()
	}
}
