package voice

import (
	"sync"

	"github.com/bwmarrin/discordgo"

	"github.com/discord-voice-lab/companion/internal/logging"
)

// MessageSender is the slice of *discordgo.Session the debug sink needs.
type MessageSender interface {
	ChannelMessageSend(channelID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

type debugMessage struct {
	channelID string
	text      string
}

// DiscordDebugSink posts debug lines to the profile's debug text channel in
// order, off the caller's goroutine. Lines are dropped when the queue is
// full.
type DiscordDebugSink struct {
	s     MessageSender
	queue chan debugMessage
	done  chan struct{}

	mu     sync.RWMutex
	closed bool
}

func NewDiscordDebugSink(s MessageSender) *DiscordDebugSink {
	d := &DiscordDebugSink{s: s, queue: make(chan debugMessage, 64), done: make(chan struct{})}
	go d.run()
	return d
}

func (d *DiscordDebugSink) Debug(p Profile, level int, msg string) {
	if p.DebugLevel < level || p.DebugChannelID == "" {
		return
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return
	}
	select {
	case d.queue <- debugMessage{channelID: p.DebugChannelID, text: msg}:
	default:
		logging.Debugw("debug sink: queue full, dropping line", "channel.id", p.DebugChannelID)
	}
}

func (d *DiscordDebugSink) run() {
	defer close(d.done)
	for m := range d.queue {
		if _, err := d.s.ChannelMessageSend(m.channelID, m.text); err != nil {
			logging.Warnw("debug sink: send failed", "channel.id", m.channelID, "err", err)
		}
	}
}

// Close drains pending lines and stops the sender.
func (d *DiscordDebugSink) Close() {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()
	<-d.done
}
