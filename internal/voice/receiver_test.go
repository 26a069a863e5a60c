package voice

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
)

type indicatorEvent struct {
	on     bool
	userID string
}

type recordingSink struct {
	mu     sync.Mutex
	events []indicatorEvent
}

func (s *recordingSink) IndicatorOn(channelID, userID string, at time.Time) {
	s.mu.Lock()
	s.events = append(s.events, indicatorEvent{on: true, userID: userID})
	s.mu.Unlock()
}

func (s *recordingSink) IndicatorOff(channelID, userID string, at time.Time) {
	s.mu.Lock()
	s.events = append(s.events, indicatorEvent{on: false, userID: userID})
	s.mu.Unlock()
}

func (s *recordingSink) snapshot() []indicatorEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]indicatorEvent(nil), s.events...)
}

// TestHandleSpeakingUpdateMapsSSRC verifies that HandleSpeakingUpdate records
// the mapping from SSRC to user ID.
func TestHandleSpeakingUpdateMapsSSRC(t *testing.T) {
	r := NewReceiver("c1", 0, nil)
	defer r.Close()

	su := &discordgo.VoiceSpeakingUpdate{UserID: "test-user-1", SSRC: 12345, Speaking: true}
	r.HandleSpeakingUpdate(nil, su)

	got, ok := r.UserForSSRC(uint32(su.SSRC))
	if !ok || got != su.UserID {
		t.Fatalf("ssrc mapping mismatch: want=%s got=%s", su.UserID, got)
	}
}

func TestReceiverDerivesIndicatorFromPacketFlow(t *testing.T) {
	sink := &recordingSink{}
	r := NewReceiver("c1", 30*time.Millisecond, sink)
	defer r.Close()
	r.HandleSpeakingUpdate(nil, &discordgo.VoiceSpeakingUpdate{UserID: "u1", SSRC: 7})

	for i := 0; i < 3; i++ {
		r.ProcessOpusFrame(7, []byte{0x01, 0x02})
		time.Sleep(5 * time.Millisecond)
	}
	// Silence frames do not keep the indicator on.
	r.ProcessOpusFrame(7, []byte{0xF8, 0xFF, 0xFE})
	waitFor(t, "indicator off", func() bool { return len(sink.snapshot()) == 2 })

	ev := sink.snapshot()
	if !ev[0].on || ev[1].on || ev[0].userID != "u1" {
		t.Fatalf("want on then off for u1, got %+v", ev)
	}
}

func TestReceiverFansOutToSubscriber(t *testing.T) {
	r := NewReceiver("c1", time.Second, nil)
	r.HandleSpeakingUpdate(nil, &discordgo.VoiceSpeakingUpdate{UserID: "u1", SSRC: 7})
	r.HandleSpeakingUpdate(nil, &discordgo.VoiceSpeakingUpdate{UserID: "u2", SSRC: 8})

	sub, err := r.Subscribe("u1")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	packets := make(chan *discordgo.Packet, 4)
	go r.Run(ctx, packets)
	packets <- &discordgo.Packet{SSRC: 8, Opus: []byte{9}}
	packets <- &discordgo.Packet{SSRC: 99, Opus: []byte{9}}
	packets <- &discordgo.Packet{SSRC: 7, Opus: []byte{1, 2, 3}}

	select {
	case got := <-sub.Packets():
		if len(got) != 3 {
			t.Fatalf("unexpected packet %v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("packet not delivered")
	}

	r.Close()
	if _, ok := <-sub.Packets(); ok {
		t.Fatalf("close must end subscriptions")
	}
	if _, err := r.Subscribe("u1"); err != ErrReceiverClosed {
		t.Fatalf("want ErrReceiverClosed, got %v", err)
	}
}

func TestReceiverAllowlist(t *testing.T) {
	sink := &recordingSink{}
	r := NewReceiver("c1", time.Second, sink)
	defer r.Close()
	r.SetAllowedUsers([]string{"u1"})
	r.HandleSpeakingUpdate(nil, &discordgo.VoiceSpeakingUpdate{UserID: "u2", SSRC: 8})
	r.ProcessOpusFrame(8, []byte{1})
	if ev := sink.snapshot(); len(ev) != 0 {
		t.Fatalf("blocked user produced events: %+v", ev)
	}
}

// subscribingSink subscribes on indicator-on, the way the coordinator does.
type subscribingSink struct {
	r    *Receiver
	subs chan Subscription
}

func (s *subscribingSink) IndicatorOn(channelID, userID string, at time.Time) {
	sub, err := s.r.Subscribe(userID)
	if err == nil {
		s.subs <- sub
	}
}

func (s *subscribingSink) IndicatorOff(channelID, userID string, at time.Time) {}

func TestReceiverDeliversIndicatorTriggeringPacket(t *testing.T) {
	sink := &subscribingSink{subs: make(chan Subscription, 1)}
	r := NewReceiver("c1", time.Second, sink)
	defer r.Close()
	sink.r = r
	r.HandleSpeakingUpdate(nil, &discordgo.VoiceSpeakingUpdate{UserID: "u1", SSRC: 7})

	for i := byte(1); i <= 3; i++ {
		r.ProcessOpusFrame(7, []byte{i})
	}
	sub := <-sink.subs
	for want := byte(1); want <= 3; want++ {
		select {
		case got := <-sub.Packets():
			if len(got) != 1 || got[0] != want {
				t.Fatalf("packet %d: got %v", want, got)
			}
		case <-time.After(time.Second):
			t.Fatalf("packet %d not delivered", want)
		}
	}
}

func TestReceiverDropsPendingPacketOnRelease(t *testing.T) {
	sink := &recordingSink{}
	r := NewReceiver("c1", 20*time.Millisecond, sink)
	defer r.Close()
	r.HandleSpeakingUpdate(nil, &discordgo.VoiceSpeakingUpdate{UserID: "u1", SSRC: 7})

	r.ProcessOpusFrame(7, []byte{1})
	waitFor(t, "indicator off", func() bool { return len(sink.snapshot()) == 2 })

	sub, err := r.Subscribe("u1")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	select {
	case got := <-sub.Packets():
		t.Fatalf("stale packet delivered after release: %v", got)
	default:
	}
}
