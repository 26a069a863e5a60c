package voice

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/discord-voice-lab/companion/internal/logging"
)

// IndicatorSink receives speaking-indicator flips for a channel.
type IndicatorSink interface {
	IndicatorOn(channelID, userID string, at time.Time)
	IndicatorOff(channelID, userID string, at time.Time)
}

var ErrReceiverClosed = errors.New("receiver closed")

// Discord sends this three-byte frame when a client stops transmitting.
var opusSilence = []byte{0xF8, 0xFF, 0xFE}

// Receiver demultiplexes a voice connection's Opus stream by speaker. It
// maps SSRCs to users from speaking updates, derives an on/off speaking
// indicator from packet flow, and fans packets out to subscribers.
type Receiver struct {
	channelID string
	release   time.Duration
	sink      IndicatorSink
	now       func() time.Time

	mu       sync.Mutex
	ssrcMap  map[uint32]string
	subs     map[string]*subscription
	speaking map[string]*time.Timer
	allow    map[string]struct{}
	closed   bool

	// pending holds the packet that turned a speaker's indicator on while
	// nobody was subscribed; the next Subscribe for that user receives it.
	pending map[string][]byte

	dropCount    atomic.Int64
	unknownCount atomic.Int64
}

// NewReceiver returns a receiver for one voice channel. release is how long
// a speaker may go without packets before the indicator turns off.
func NewReceiver(channelID string, release time.Duration, sink IndicatorSink) *Receiver {
	if release <= 0 {
		release = 100 * time.Millisecond
	}
	return &Receiver{
		channelID: channelID,
		release:   release,
		sink:      sink,
		now:       time.Now,
		ssrcMap:   make(map[uint32]string),
		subs:      make(map[string]*subscription),
		speaking:  make(map[string]*time.Timer),
		pending:   make(map[string][]byte),
	}
}

// HandleSpeakingUpdate records the SSRC for a user. Discord only guarantees
// this event before a user's first packet, so the mapping is sticky.
func (r *Receiver) HandleSpeakingUpdate(_ *discordgo.VoiceConnection, su *discordgo.VoiceSpeakingUpdate) {
	if su == nil || su.UserID == "" {
		return
	}
	r.mu.Lock()
	r.ssrcMap[uint32(su.SSRC)] = su.UserID
	r.mu.Unlock()
	logging.Debugw("receiver: mapped ssrc", "ssrc", su.SSRC, "user.id", su.UserID, "channel.id", r.channelID)
}

// SetAllowedUsers restricts the receiver to the given user IDs. An empty
// list admits everyone.
func (r *Receiver) SetAllowedUsers(ids []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.allow = make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if id != "" {
			r.allow[id] = struct{}{}
		}
	}
	logging.Infow("receiver: allowlist set", "channel.id", r.channelID, "count", len(r.allow))
}

// UserForSSRC returns the user mapped to ssrc.
func (r *Receiver) UserForSSRC(ssrc uint32) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	uid, ok := r.ssrcMap[ssrc]
	return uid, ok
}

// Run drains packets until ctx ends or the channel closes.
func (r *Receiver) Run(ctx context.Context, packets <-chan *discordgo.Packet) {
	for {
		select {
		case <-ctx.Done():
			return
		case pkt, ok := <-packets:
			if !ok {
				return
			}
			if pkt == nil {
				continue
			}
			r.ProcessOpusFrame(pkt.SSRC, pkt.Opus)
		}
	}
}

// ProcessOpusFrame routes one packet. Packets from unmapped SSRCs are
// dropped. Delivery never blocks; a full subscriber buffer drops the packet.
func (r *Receiver) ProcessOpusFrame(ssrc uint32, data []byte) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	uid, ok := r.ssrcMap[ssrc]
	if !ok {
		r.mu.Unlock()
		r.unknownCount.Add(1)
		return
	}
	if _, allowed := r.allow[uid]; len(r.allow) > 0 && !allowed {
		r.mu.Unlock()
		return
	}
	silent := bytes.Equal(data, opusSilence)
	turnedOn := false
	if !silent {
		if t, speaking := r.speaking[uid]; speaking {
			t.Reset(r.release)
		} else {
			r.speaking[uid] = time.AfterFunc(r.release, func() { r.releaseSpeaker(uid) })
			turnedOn = true
		}
	}
	sub := r.subs[uid]
	switch {
	case sub != nil:
		select {
		case sub.ch <- clonePacket(data):
		default:
			r.dropCount.Add(1)
		}
	case turnedOn:
		r.pending[uid] = clonePacket(data)
	}
	r.mu.Unlock()

	if turnedOn && r.sink != nil {
		r.sink.IndicatorOn(r.channelID, uid, r.now())
	}
}

func (r *Receiver) releaseSpeaker(uid string) {
	r.mu.Lock()
	if _, ok := r.speaking[uid]; !ok || r.closed {
		r.mu.Unlock()
		return
	}
	delete(r.speaking, uid)
	delete(r.pending, uid)
	r.mu.Unlock()
	if r.sink != nil {
		r.sink.IndicatorOff(r.channelID, uid, r.now())
	}
}

// Subscribe opens a packet stream for userID, replacing any previous one.
func (r *Receiver) Subscribe(userID string) (Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrReceiverClosed
	}
	if old := r.subs[userID]; old != nil {
		old.closeLocked()
	}
	s := &subscription{r: r, userID: userID, ch: make(chan []byte, 3*1000/20)}
	if first, ok := r.pending[userID]; ok {
		s.ch <- first
		delete(r.pending, userID)
	}
	r.subs[userID] = s
	return s, nil
}

func clonePacket(data []byte) []byte {
	buf := make([]byte, len(data))
	copy(buf, data)
	return buf
}

// Close ends every subscription and stops indicator timers.
func (r *Receiver) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	for _, t := range r.speaking {
		t.Stop()
	}
	for _, s := range r.subs {
		s.closeLocked()
	}
	if d := r.dropCount.Load(); d > 0 {
		logging.Infow("receiver: closed with dropped packets", "channel.id", r.channelID, "dropped", d)
	}
}

type subscription struct {
	r      *Receiver
	userID string
	ch     chan []byte
	done   bool
}

func (s *subscription) Packets() <-chan []byte { return s.ch }

func (s *subscription) Close() {
	s.r.mu.Lock()
	defer s.r.mu.Unlock()
	s.closeLocked()
}

func (s *subscription) closeLocked() {
	if s.done {
		return
	}
	s.done = true
	close(s.ch)
	if s.r.subs[s.userID] == s {
		delete(s.r.subs, s.userID)
	}
}
