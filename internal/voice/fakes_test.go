package voice

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/discord-voice-lab/companion/internal/audio"
	"github.com/discord-voice-lab/companion/llm"
)

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

type fakeDecoder struct{ calls *atomic.Int32 }

// Decode yields one 20 ms stereo frame per packet; a leading 0xEE byte is a
// corrupt packet.
func (d fakeDecoder) Decode(data []byte, pcm []int16) (int, error) {
	if d.calls != nil {
		defer d.calls.Add(1)
	}
	if len(data) > 0 && data[0] == 0xEE {
		return 0, errors.New("corrupt packet")
	}
	n := audio.FrameSize
	for i := 0; i < n*2; i++ {
		pcm[i] = int16(len(data))
	}
	return n, nil
}

func fakeDecoderFactory(calls *atomic.Int32) DecoderFactory {
	return func() (Decoder, error) { return fakeDecoder{calls: calls}, nil }
}

type fakeSub struct {
	ch     chan []byte
	closed atomic.Bool
}

func (s *fakeSub) Packets() <-chan []byte { return s.ch }
func (s *fakeSub) Close()                 { s.closed.Store(true) }

type fakeSource struct {
	mu   sync.Mutex
	subs []*fakeSub
	err  error
}

func (f *fakeSource) Subscribe(userID string) (Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	s := &fakeSub{ch: make(chan []byte, 64)}
	f.subs = append(f.subs, s)
	return s, nil
}

func (f *fakeSource) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

func (f *fakeSource) last() *fakeSub {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.subs) == 0 {
		return nil
	}
	return f.subs[len(f.subs)-1]
}

type fakeProfiles struct{ p Profile }

func (f fakeProfiles) Profile(string) Profile { return f.p }

type fakeMembers struct {
	humans atomic.Int32
	bots   map[string]bool
	names  map[string]string
}

func (m *fakeMembers) UserName(userID string) string { return m.names[userID] }

func (m *fakeMembers) IsBot(ctx context.Context, userID string) (bool, error) {
	return m.bots[userID], nil
}

func (m *fakeMembers) CountHumans(guildID, channelID string) int { return int(m.humans.Load()) }

type recordingObserver struct {
	mu      sync.Mutex
	drops   []string
	stops   []StopReason
	stages  []string
	changes []string
}

func (o *recordingObserver) PhaseChanged(ch string, from, to Phase) {
	o.mu.Lock()
	o.changes = append(o.changes, from.String()+">"+to.String())
	o.mu.Unlock()
}

func (o *recordingObserver) StageFinished(stage string, _ time.Duration, err error) {
	o.mu.Lock()
	o.stages = append(o.stages, fmt.Sprintf("%s:%v", stage, err == nil))
	o.mu.Unlock()
}

func (o *recordingObserver) UtteranceDropped(ch, reason string) {
	o.mu.Lock()
	o.drops = append(o.drops, reason)
	o.mu.Unlock()
}

func (o *recordingObserver) LoopStopped(ch string, reason StopReason) {
	o.mu.Lock()
	o.stops = append(o.stops, reason)
	o.mu.Unlock()
}

func (o *recordingObserver) dropped() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.drops...)
}

type recordingDebug struct {
	mu    sync.Mutex
	lines []string
}

func (d *recordingDebug) Debug(p Profile, level int, msg string) {
	if p.DebugLevel < level {
		return
	}
	d.mu.Lock()
	d.lines = append(d.lines, msg)
	d.mu.Unlock()
}

func (d *recordingDebug) has(msg string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, l := range d.lines {
		if l == msg {
			return true
		}
	}
	return false
}

type fakeRunner struct {
	got       chan Utterance
	announced chan string
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{got: make(chan Utterance, 4), announced: make(chan string, 4)}
}

func (r *fakeRunner) Run(ctx context.Context, u Utterance) { r.got <- u }

func (r *fakeRunner) Announce(ctx context.Context, channelID, text string) error {
	r.announced <- text
	return nil
}

type fakeSTT struct {
	fn    func(ctx context.Context, path string) (string, error)
	calls atomic.Int32
}

func (f *fakeSTT) Transcribe(ctx context.Context, path string) (string, error) {
	f.calls.Add(1)
	return f.fn(ctx, path)
}

type fakeGen struct {
	fn   func(ctx context.Context, req llm.Request) (string, error)
	mu   sync.Mutex
	reqs []llm.Request
}

func (f *fakeGen) Generate(ctx context.Context, req llm.Request) (string, error) {
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	f.mu.Unlock()
	return f.fn(ctx, req)
}

// fakeTTS writes a tiny WAV plus a sidecar carrying the text.
type fakeTTS struct {
	fail  func(text string) error
	after func()
	n     atomic.Int32
	calls atomic.Int32
}

func (f *fakeTTS) Synthesize(ctx context.Context, text, outDir, voice string) error {
	f.calls.Add(1)
	if f.fail != nil {
		if err := f.fail(text); err != nil {
			return err
		}
	}
	path := fmt.Sprintf("%s/%03d.wav", outDir, f.n.Add(1))
	if err := audio.SaveWAVAtomic(path, audio.CaptureFormat, make([]int16, 1920)); err != nil {
		return err
	}
	if err := os.WriteFile(SidecarPath(path), []byte(text), 0o644); err != nil {
		return err
	}
	if f.after != nil {
		f.after()
	}
	return nil
}

type fakePlayer struct {
	mu     sync.Mutex
	played []string
	stops  atomic.Int32
	err    error
}

func (p *fakePlayer) Play(ctx context.Context, channelID, path string) error {
	text, _ := os.ReadFile(SidecarPath(path))
	p.mu.Lock()
	p.played = append(p.played, string(text))
	p.mu.Unlock()
	return p.err
}

func (p *fakePlayer) Stop(string) { p.stops.Add(1) }

func (p *fakePlayer) texts() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.played...)
}
