package voice

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/discord-voice-lab/companion/internal/audio"
	"github.com/discord-voice-lab/companion/internal/logging"
	"github.com/discord-voice-lab/companion/llm"
)

// Notices are the canned lines the agent speaks outside a normal reply.
type Notices struct {
	PleaseWait      string
	STTFallback     string
	GeneralFallback string
	MultiMember     string
}

type PipelineConfig struct {
	RecordingDir string
	VoiceDir     string
	STTTimeout   time.Duration
	LLMTimeout   time.Duration
	TTSTimeout   time.Duration
	RetryDelay   time.Duration
	// ContextTurns is how many prior history turns go to the generator.
	ContextTurns int
	Limits       ReplyLimits
	Notices      Notices
}

// Utterance is a captured, validated turn handed to the pipeline.
type Utterance struct {
	ChannelID string
	ID        string
	SpeakerID string
	Frames    [][]int16
	Duration  time.Duration
}

// Pipeline runs transcribe → generate → synthesize+play for one utterance.
// Every state mutation is fenced on the utterance id.
type Pipeline struct {
	cfg      PipelineConfig
	store    *SessionStore
	profiles ProfileSource
	stt      Transcriber
	gen      Generator
	tts      Synthesizer
	player   Player
	debug    DebugSink
	obs      Observer
	now      func() time.Time
}

type PipelineDeps struct {
	Store       *SessionStore
	Profiles    ProfileSource
	Transcriber Transcriber
	Generator   Generator
	Synthesizer Synthesizer
	Player      Player
	Debug       DebugSink
	Observer    Observer
}

func NewPipeline(cfg PipelineConfig, deps PipelineDeps) *Pipeline {
	p := &Pipeline{
		cfg:      cfg,
		store:    deps.Store,
		profiles: deps.Profiles,
		stt:      deps.Transcriber,
		gen:      deps.Generator,
		tts:      deps.Synthesizer,
		player:   deps.Player,
		debug:    deps.Debug,
		obs:      deps.Observer,
		now:      time.Now,
	}
	if p.debug == nil {
		p.debug = nopDebug{}
	}
	if p.obs == nil {
		p.obs = NopObserver{}
	}
	if p.cfg.ContextTurns <= 0 {
		p.cfg.ContextTurns = 20
	}
	return p
}

func (p *Pipeline) live(u Utterance) bool {
	return p.store.Get(u.ChannelID).Live(u.ID)
}

// turnDir is where a turn's synthesizer output lands. Every speaker of
// audio on a channel gets its own directory so concurrent notices never
// see each other's artifacts.
func (p *Pipeline) turnDir(u Utterance) string {
	return filepath.Join(p.cfg.VoiceDir, u.ChannelID, u.ID)
}

// Run processes u to completion. It always leaves the session Idle with no
// utterance in flight, unless the session has already moved on.
func (p *Pipeline) Run(ctx context.Context, u Utterance) {
	ctx = logging.WithFields(ctx, logging.UtteranceFields(u.ChannelID, u.ID, u.SpeakerID)...)
	prof := p.profiles.Profile(u.ChannelID)
	wavPath := filepath.Join(p.cfg.RecordingDir, u.ID+".wav")

	defer p.reset(ctx, u, prof)
	defer func() {
		if err := os.Remove(wavPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			logging.WarnwCtx(ctx, "pipeline: failed to remove recording", "path", wavPath, "err", err)
		}
	}()
	defer func() {
		if r := recover(); r != nil {
			logging.ErrorwCtx(ctx, "pipeline: panic during turn", "panic", r)
		}
	}()

	if err := os.MkdirAll(p.cfg.RecordingDir, 0o755); err != nil {
		logging.ErrorwCtx(ctx, "pipeline: recording dir unavailable", "err", err)
		return
	}
	if err := audio.WriteWAVFile(wavPath, u.Frames); err != nil {
		logging.ErrorwCtx(ctx, "pipeline: failed to write recording", "err", stageErr(ErrCapture, ReasonTransport, err))
		return
	}
	logging.InfowCtx(ctx, "pipeline: utterance accepted", "duration_ms", u.Duration.Milliseconds(), "frames", len(u.Frames))

	p.maybePleaseWait(ctx, u, prof)

	text, ok := p.transcribe(ctx, u, prof, wavPath)
	if !ok {
		return
	}
	reply, ok := p.generate(ctx, u, prof, text)
	if !ok {
		return
	}
	if _, ok := p.store.UpdateIf(u.ChannelID, u.ID, func(s *Session) {
		s.History = append(s.History, Turn{Role: RoleAssistant, Text: reply, At: p.now()})
		s.Phase = PhaseSpeaking
	}); !ok {
		return
	}
	p.debug.Debug(prof, 1, "[STATE] THINKING -> SPEAKING")

	alive := func() bool { return p.live(u) }
	if err := p.speak(ctx, u.ChannelID, p.turnDir(u), prof, reply, alive); err != nil {
		logging.WarnwCtx(ctx, "pipeline: reply not spoken", "err", err, "reason", ReasonOf(err))
		if errors.Is(err, ErrSynthesis) && alive() {
			p.sayFallback(ctx, u, prof, p.cfg.Notices.GeneralFallback)
		}
	}
}

func (p *Pipeline) maybePleaseWait(ctx context.Context, u Utterance, prof Profile) {
	if prof.DebugLevel == 0 || p.cfg.Notices.PleaseWait == "" {
		return
	}
	owed := false
	p.store.UpdateIf(u.ChannelID, u.ID, func(s *Session) {
		if s.NoticePending {
			s.NoticePending = false
			owed = true
		}
	})
	if owed {
		if err := p.speak(ctx, u.ChannelID, p.turnDir(u), prof, p.cfg.Notices.PleaseWait, func() bool { return p.live(u) }); err != nil {
			logging.DebugwCtx(ctx, "pipeline: please-wait notice failed", "err", err)
		}
	}
}

func (p *Pipeline) transcribe(ctx context.Context, u Utterance, prof Profile, wavPath string) (string, bool) {
	if !p.live(u) {
		return "", false
	}
	start := p.now()
	raw, err := callStage(ctx, p.cfg.STTTimeout, 1, p.cfg.RetryDelay, func(c context.Context) (string, error) {
		return p.stt.Transcribe(c, wavPath)
	})
	took := p.now().Sub(start)
	p.obs.StageFinished("stt", took, err)
	if !p.live(u) {
		logging.InfowCtx(ctx, "pipeline: transcription result discarded, turn superseded")
		return "", false
	}
	if err != nil {
		err = stageErr(ErrTranscription, reasonFor(err), err)
		logging.WarnwCtx(ctx, "pipeline: transcription failed", "err", err)
		p.debug.Debug(prof, 1, fmt.Sprintf("[STT] error: %v", err))
		p.sayFallback(ctx, u, prof, p.cfg.Notices.STTFallback)
		return "", false
	}
	text := NormalizeTranscript(raw)
	if text == "" {
		logging.InfowCtx(ctx, "pipeline: no speech in transcript", "raw", raw)
		p.obs.UtteranceDropped(u.ChannelID, "empty_transcript")
		return "", false
	}
	logging.InfowCtx(ctx, "pipeline: transcribed", "text", text, "took_ms", took.Milliseconds())
	p.debug.Debug(prof, 1, fmt.Sprintf("[STT] text=%q", text))
	p.debug.Debug(prof, 2, fmt.Sprintf("[STT] time=%dms", took.Milliseconds()))
	return text, true
}

func (p *Pipeline) generate(ctx context.Context, u Utterance, prof Profile, text string) (string, bool) {
	var history []llm.Turn
	if _, ok := p.store.UpdateIf(u.ChannelID, u.ID, func(s *Session) {
		history = toLLMHistory(s.History, p.cfg.ContextTurns)
		s.History = append(s.History, Turn{Role: RoleUser, Text: text, At: p.now()})
		s.Phase = PhaseThinking
	}); !ok {
		return "", false
	}
	p.debug.Debug(prof, 1, "[STATE] TRANSCRIBING -> THINKING")

	req := llm.Request{Character: prof.Character, History: history, UserText: text, ModelSpec: prof.LLMSpec}
	start := p.now()
	reply, err := callStage(ctx, p.cfg.LLMTimeout, 0, 0, func(c context.Context) (string, error) {
		return p.gen.Generate(c, req)
	})
	took := p.now().Sub(start)
	p.obs.StageFinished("llm", took, err)
	if !p.live(u) {
		logging.InfowCtx(ctx, "pipeline: reply discarded, turn superseded")
		return "", false
	}
	if err == nil {
		if reply = SanitizeReply(reply, p.cfg.Limits); reply == "" {
			err = stageErr(ErrGeneration, ReasonEmpty, llm.ErrEmptyReply)
		}
	} else {
		err = stageErr(ErrGeneration, reasonFor(err), err)
	}
	if err != nil {
		logging.WarnwCtx(ctx, "pipeline: generation failed", "err", err)
		p.debug.Debug(prof, 1, fmt.Sprintf("[LLM] error: %v", err))
		p.sayFallback(ctx, u, prof, p.cfg.Notices.GeneralFallback)
		return "", false
	}
	logging.InfowCtx(ctx, "pipeline: reply generated", "reply", reply, "took_ms", took.Milliseconds())
	p.debug.Debug(prof, 2, fmt.Sprintf("[LLM] time=%dms", took.Milliseconds()))
	return reply, true
}

// sayFallback speaks a canned line if the turn is still live.
func (p *Pipeline) sayFallback(ctx context.Context, u Utterance, prof Profile, text string) {
	if text == "" || !p.live(u) {
		return
	}
	if err := p.speak(ctx, u.ChannelID, p.turnDir(u), prof, text, func() bool { return p.live(u) }); err != nil {
		logging.WarnwCtx(ctx, "pipeline: fallback notice failed", "err", err)
	}
}

// Announce speaks text on channelID outside any turn, e.g. the notice after
// a guard trip.
func (p *Pipeline) Announce(ctx context.Context, channelID, text string) error {
	if text == "" {
		return nil
	}
	outDir := filepath.Join(p.cfg.VoiceDir, channelID, "notice-"+uuid.NewString())
	return p.speak(ctx, channelID, outDir, p.profiles.Profile(channelID), text, func() bool { return true })
}

// speak synthesizes text into outDir, plays the newest artifact while
// alive() holds and deletes every artifact the call produced whatever
// happens.
func (p *Pipeline) speak(ctx context.Context, channelID, outDir string, prof Profile, text string, alive func() bool) error {
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return stageErr(ErrSynthesis, ReasonUnreachable, err)
	}
	// Coarse filesystem timestamps can round an mtime down to the second.
	since := p.now().Truncate(time.Second)
	formatted := FormatSpeechText(text)

	p.debug.Debug(prof, 1, "[TTS] start")
	start := p.now()
	_, err := callStage(ctx, p.cfg.TTSTimeout, 1, p.cfg.RetryDelay, func(c context.Context) (struct{}, error) {
		return struct{}{}, p.tts.Synthesize(c, formatted, outDir, prof.VoicePreset)
	})
	p.obs.StageFinished("tts", p.now().Sub(start), err)

	artifacts, ferr := FindArtifacts(outDir, since)
	defer func() {
		for _, a := range artifacts {
			if derr := DeleteArtifact(a); derr != nil {
				logging.WarnwCtx(ctx, "pipeline: failed to delete artifact", "path", a, "err", derr)
			}
		}
		// Fails harmlessly if a late synthesizer write left something behind.
		_ = os.Remove(outDir)
	}()
	if err != nil {
		return stageErr(ErrSynthesis, reasonFor(err), err)
	}
	if ferr != nil || len(artifacts) == 0 {
		return stageErr(ErrSynthesis, ReasonNoArtifact, ferr)
	}
	if !alive() {
		logging.InfowCtx(ctx, "pipeline: playback skipped, turn superseded")
		return nil
	}

	path := artifacts[len(artifacts)-1]
	p.debug.Debug(prof, 1, "[PLAY] start")
	playStart := p.now()
	err = p.player.Play(ctx, channelID, path)
	p.obs.StageFinished("play", p.now().Sub(playStart), err)
	p.debug.Debug(prof, 1, "[PLAY] end")
	p.debug.Debug(prof, 2, fmt.Sprintf("[TTS] time=%dms", p.now().Sub(start).Milliseconds()))
	if err != nil {
		return stageErr(ErrPlayback, ReasonTransport, err)
	}
	return nil
}

func (p *Pipeline) reset(ctx context.Context, u Utterance, prof Profile) {
	if _, ok := p.store.UpdateIf(u.ChannelID, u.ID, ResetTurn); ok {
		logging.DebugwCtx(ctx, "pipeline: turn reset to idle")
		p.debug.Debug(prof, 1, "[STATE] -> IDLE")
	}
}

func toLLMHistory(h []Turn, limit int) []llm.Turn {
	if len(h) > limit {
		h = h[len(h)-limit:]
	}
	out := make([]llm.Turn, len(h))
	for i, t := range h {
		out[i] = llm.Turn{Role: string(t.Role), Text: t.Text}
	}
	return out
}

func reasonFor(err error) Reason {
	if errors.Is(err, ErrTimeoutExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return ReasonTimeout
	}
	return ReasonProvider
}

type stageResult[T any] struct {
	v   T
	err error
}

// callStage runs fn under its own timeout, retrying up to retries times
// after delay. A collaborator that ignores its context still times out; its
// late result is dropped.
func callStage[T any](ctx context.Context, timeout time.Duration, retries int, delay time.Duration, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	var err error
	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return zero, err
			case <-time.After(delay):
			}
		}
		var v T
		v, err = callOnce(ctx, timeout, fn)
		if err == nil {
			return v, nil
		}
		if ctx.Err() != nil {
			return zero, err
		}
	}
	return zero, err
}

func callOnce[T any](ctx context.Context, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	cctx := ctx
	cancel := func() {}
	if timeout > 0 {
		cctx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()
	done := make(chan stageResult[T], 1)
	go func() {
		v, err := fn(cctx)
		done <- stageResult[T]{v: v, err: err}
	}()
	select {
	case r := <-done:
		if r.err != nil && errors.Is(cctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return zero, fmt.Errorf("%w after %s: %w", ErrTimeoutExceeded, timeout, r.err)
		}
		return r.v, r.err
	case <-cctx.Done():
		if ctx.Err() == nil {
			return zero, fmt.Errorf("%w after %s", ErrTimeoutExceeded, timeout)
		}
		return zero, ctx.Err()
	}
}
