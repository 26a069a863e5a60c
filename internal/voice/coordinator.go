package voice

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/discord-voice-lab/companion/internal/logging"
)

var ErrNotAttached = errors.New("channel not attached")

// TurnRunner executes accepted utterances and speaks out-of-turn notices.
type TurnRunner interface {
	Run(ctx context.Context, u Utterance)
	Announce(ctx context.Context, channelID, text string) error
}

type CoordinatorConfig struct {
	MinIndicatorOn time.Duration
	SpeechGap      time.Duration
	MaxUtterance   time.Duration
	MinUtterance   time.Duration
	// SelfUserID is the agent's own account; its indicator events are echo.
	SelfUserID string
	// MultiMemberNotice is spoken after a guard trip when debugging.
	MultiMemberNotice string
}

// DefaultCoordinatorConfig holds the production thresholds.
func DefaultCoordinatorConfig() CoordinatorConfig {
	return CoordinatorConfig{
		MinIndicatorOn: 800 * time.Millisecond,
		SpeechGap:      500 * time.Millisecond,
		MaxUtterance:   12 * time.Second,
		MinUtterance:   800 * time.Millisecond,
	}
}

type CoordinatorDeps struct {
	Store      *SessionStore
	Runner     TurnRunner
	Members    MemberDirectory
	Player     Player
	Profiles   ProfileSource
	Debug      DebugSink
	Observer   Observer
	NewDecoder DecoderFactory
}

// Coordinator is the per-channel utterance state machine. It owns every
// channel's live utterance, its timers and the in-flight turn context.
// Lock order: Coordinator.mu before the store's lock.
type Coordinator struct {
	cfg        CoordinatorConfig
	store      *SessionStore
	runner     TurnRunner
	members    MemberDirectory
	player     Player
	profiles   ProfileSource
	debug      DebugSink
	obs        Observer
	newDecoder DecoderFactory
	now        func() time.Time
	base       context.Context
	cancelBase context.CancelFunc

	mu       sync.Mutex
	channels map[string]*channelState
	turns    sync.WaitGroup
}

type channelState struct {
	guildID    string
	source     AudioSource
	active     *utterance
	turnID     string
	turnCancel context.CancelFunc
}

type utterance struct {
	id      string
	userID  string
	tracker *SpeechIndicatorTracker
	capture *CaptureSession
	silence *time.Timer
	ending  bool
	result  IndicatorResult
}

func NewCoordinator(cfg CoordinatorConfig, deps CoordinatorDeps) *Coordinator {
	base, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		cfg:        cfg,
		store:      deps.Store,
		runner:     deps.Runner,
		members:    deps.Members,
		player:     deps.Player,
		profiles:   deps.Profiles,
		debug:      deps.Debug,
		obs:        deps.Observer,
		newDecoder: deps.NewDecoder,
		now:        time.Now,
		base:       base,
		cancelBase: cancel,
		channels:   make(map[string]*channelState),
	}
	if c.debug == nil {
		c.debug = nopDebug{}
	}
	if c.obs == nil {
		c.obs = NopObserver{}
	}
	return c
}

// Attach binds a voice channel to its guild and audio source. Re-attaching
// replaces the source and aborts any capture on the old one.
func (c *Coordinator) Attach(channelID, guildID string, src AudioSource) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cs, ok := c.channels[channelID]
	if !ok {
		cs = &channelState{}
		c.channels[channelID] = cs
	}
	if cs.active != nil && cs.source != src {
		c.abortUtteranceLocked(cs)
	}
	cs.guildID = guildID
	cs.source = src
	logging.Infow("coordinator: channel attached", append(logging.ChannelFields(channelID, ""), logging.GuildFields(guildID, "")...)...)
}

// Attached reports whether channelID has an audio source.
func (c *Coordinator) Attached(channelID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.channels[channelID]
	return ok
}

// StartLoop activates the conversation loop and immediately applies the
// multi-member guard.
func (c *Coordinator) StartLoop(channelID string) error {
	c.mu.Lock()
	if _, ok := c.channels[channelID]; !ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotAttached, channelID)
	}
	c.store.Update(channelID, func(s *Session) {
		s.Active = true
		s.StopReason = ""
	})
	c.mu.Unlock()

	logging.Infow("coordinator: loop started", logging.ChannelFields(channelID, "")...)
	c.debug.Debug(c.profiles.Profile(channelID), 1, "[LOOP] started")
	if c.CheckMembers(channelID) {
		return fmt.Errorf("%w: %s", ErrGuardTripped, channelID)
	}
	return nil
}

// StopLoop halts the loop: the session goes inactive and Idle, the fencing
// token is cleared, capture is aborted, the turn context is cancelled and
// playback is stopped. In-flight continuations see the cleared token.
func (c *Coordinator) StopLoop(channelID string, reason StopReason) {
	c.mu.Lock()
	prev := c.store.Get(channelID)
	c.store.Update(channelID, func(s *Session) {
		s.Active = false
		ResetTurn(s)
		s.NoticePending = false
		s.StopReason = reason
	})
	if cs, ok := c.channels[channelID]; ok {
		c.abortUtteranceLocked(cs)
		c.cancelTurnLocked(cs)
	}
	c.mu.Unlock()

	if c.player != nil {
		c.player.Stop(channelID)
	}
	c.obs.LoopStopped(channelID, reason)
	logging.Infow("coordinator: loop stopped",
		append(logging.ChannelFields(channelID, ""), "reason", string(reason), "was_active", prev.Active, "phase", prev.Phase.String())...)
	c.debug.Debug(c.profiles.Profile(channelID), 1, fmt.Sprintf("[LOOP] stopped (%s)", reason))
}

// SkipPlayback interrupts the current reply without stopping the loop.
func (c *Coordinator) SkipPlayback(channelID string) {
	if c.player != nil {
		c.player.Stop(channelID)
	}
}

// ResetHistory clears the rolling conversation history.
func (c *Coordinator) ResetHistory(channelID string) {
	c.store.Update(channelID, func(s *Session) { s.History = nil })
	logging.Infow("coordinator: history reset", logging.ChannelFields(channelID, "")...)
}

// Leave stops the loop, forgets the session and detaches the channel.
func (c *Coordinator) Leave(channelID string) {
	c.StopLoop(channelID, StopManual)
	c.mu.Lock()
	delete(c.channels, channelID)
	c.mu.Unlock()
	c.store.Clear(channelID)
}

// CheckMembers trips the multi-member guard when two or more humans share
// the channel with the agent. It returns true when the loop was stopped. A
// loop halted by the guard resumes once fewer than two humans remain.
func (c *Coordinator) CheckMembers(channelID string) bool {
	c.mu.Lock()
	cs, ok := c.channels[channelID]
	guildID := ""
	if ok {
		guildID = cs.guildID
	}
	c.mu.Unlock()
	if !ok || c.members == nil {
		return false
	}
	sess := c.store.Get(channelID)
	if !sess.Active && sess.StopReason != StopMultiMember {
		return false
	}
	humans := c.members.CountHumans(guildID, channelID)
	if !sess.Active {
		if humans < 2 {
			c.resumeAfterGuard(channelID, humans)
		}
		return false
	}
	if humans < 2 {
		return false
	}
	logging.Warnw("coordinator: multi-member guard tripped",
		append(logging.ChannelFields(channelID, ""), "humans", humans, "err", ErrGuardTripped)...)
	c.StopLoop(channelID, StopMultiMember)

	prof := c.profiles.Profile(channelID)
	c.debug.Debug(prof, 1, fmt.Sprintf("[GUARD] %d members present, loop halted", humans))
	if prof.DebugLevel > 0 && c.cfg.MultiMemberNotice != "" && c.runner != nil {
		c.turns.Add(1)
		go func() {
			defer c.turns.Done()
			if err := c.runner.Announce(c.base, channelID, c.cfg.MultiMemberNotice); err != nil {
				logging.Warnw("coordinator: multi-member notice failed", append(logging.ChannelFields(channelID, ""), "err", err)...)
			}
		}()
	}
	return true
}

// resumeAfterGuard reactivates a loop that only the multi-member guard
// stopped. A manual stop or Leave in the meantime wins.
func (c *Coordinator) resumeAfterGuard(channelID string, humans int) {
	c.mu.Lock()
	resumed := false
	if _, ok := c.channels[channelID]; ok {
		c.store.Update(channelID, func(s *Session) {
			if !s.Active && s.StopReason == StopMultiMember {
				s.Active = true
				s.StopReason = ""
				resumed = true
			}
		})
	}
	c.mu.Unlock()
	if !resumed {
		return
	}
	logging.Infow("coordinator: loop resumed after guard", append(logging.ChannelFields(channelID, ""), "humans", humans)...)
	c.debug.Debug(c.profiles.Profile(channelID), 1, "[LOOP] resumed")
}

// IndicatorOn handles a speaker's indicator turning on.
func (c *Coordinator) IndicatorOn(channelID, userID string, at time.Time) {
	if userID == "" || userID == c.cfg.SelfUserID {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	cs, ok := c.channels[channelID]
	if !ok {
		return
	}
	if u := cs.active; u != nil {
		// Single-speaker policy: only the current speaker can extend.
		if u.userID == userID && !u.ending {
			u.tracker.OnIndicatorOn(at)
			if u.silence != nil {
				u.silence.Stop()
				u.silence = nil
			}
		}
		return
	}
	if cs.source == nil {
		return
	}

	id := uuid.NewString()
	claimed := false
	c.store.Update(channelID, func(s *Session) {
		if !s.Active || s.Phase != PhaseIdle || s.UtteranceID != "" {
			return
		}
		claimed = true
		s.Phase = PhaseListening
		s.UtteranceID = id
		s.SpeakerID = userID
		s.NoticePending = true
	})
	if !claimed {
		return
	}

	u := &utterance{
		id:      id,
		userID:  userID,
		tracker: NewSpeechIndicatorTracker(c.cfg.MinIndicatorOn, c.cfg.SpeechGap),
	}
	u.tracker.Start(at)
	capture, err := StartCapture(cs.source, CaptureConfig{
		UserID:      userID,
		MaxDuration: c.cfg.MaxUtterance,
		NewDecoder:  c.newDecoder,
		Now:         c.now,
	}, func(res CaptureResult) { c.onCaptureComplete(channelID, id, res) })
	if err != nil {
		c.store.UpdateIf(channelID, id, ResetTurn)
		logging.Errorw("coordinator: capture failed to start", append(logging.UtteranceFields(channelID, id, userID), "err", err)...)
		c.obs.UtteranceDropped(channelID, "capture_error")
		return
	}
	u.capture = capture
	cs.active = u
	logging.Debugw("coordinator: listening", logging.UtteranceFields(channelID, id, userID)...)
	c.debug.Debug(c.profiles.Profile(channelID), 1, "[STATE] IDLE -> LISTENING")

	if c.members != nil {
		go c.verifyHuman(channelID, id, userID)
	}
}

// verifyHuman aborts the capture if the speaker turns out to be a bot.
func (c *Coordinator) verifyHuman(channelID, id, userID string) {
	ctx, cancel := context.WithTimeout(c.base, 5*time.Second)
	defer cancel()
	bot, err := c.members.IsBot(ctx, userID)
	if err != nil {
		logging.Debugw("coordinator: bot lookup failed", append(logging.UtteranceFields(channelID, id, userID), "err", err)...)
		return
	}
	if !bot {
		c.announceSpeaker(channelID, id, userID)
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	cs, ok := c.channels[channelID]
	if !ok || cs.active == nil || cs.active.id != id {
		return
	}
	logging.Infow("coordinator: ignoring bot speaker", logging.UtteranceFields(channelID, id, userID)...)
	c.abortUtteranceLocked(cs)
	c.store.UpdateIf(channelID, id, ResetTurn)
	c.obs.UtteranceDropped(channelID, "bot_speaker")
}

func (c *Coordinator) announceSpeaker(channelID, id, userID string) {
	nr, ok := c.members.(NameResolver)
	if !ok {
		return
	}
	name := nr.UserName(userID)
	if name == "" {
		return
	}
	logging.Infow("coordinator: speaker identified", append(logging.UtteranceFields(channelID, id, userID), "user.name", name)...)
	c.debug.Debug(c.profiles.Profile(channelID), 2, fmt.Sprintf("[SPEAKER] %s", name))
}

// IndicatorOff handles a speaker's indicator turning off.
func (c *Coordinator) IndicatorOff(channelID, userID string, at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cs, ok := c.channels[channelID]
	if !ok || cs.active == nil {
		return
	}
	u := cs.active
	if u.userID != userID || u.ending {
		return
	}
	deadline, ok := u.tracker.OnIndicatorOff(at)
	if !ok {
		return
	}
	c.armSilenceLocked(channelID, u, deadline)
}

func (c *Coordinator) armSilenceLocked(channelID string, u *utterance, deadline time.Time) {
	if u.silence != nil {
		u.silence.Stop()
	}
	delay := deadline.Sub(c.now())
	if delay < 0 {
		delay = 0
	}
	id := u.id
	u.silence = time.AfterFunc(delay, func() { c.onSilenceDeadline(channelID, id, deadline) })
}

func (c *Coordinator) onSilenceDeadline(channelID, id string, deadline time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cs, ok := c.channels[channelID]
	if !ok || cs.active == nil || cs.active.id != id {
		return
	}
	u := cs.active
	if u.ending {
		return
	}
	now := c.now()
	if !u.tracker.ShouldEnd(now) {
		// Clocks disagree slightly; try again at the deadline.
		if now.Before(deadline) {
			c.armSilenceLocked(channelID, u, deadline)
		}
		return
	}
	u.silence = nil
	u.ending = true
	u.result = u.tracker.Complete(now)
	u.capture.Stop()
}

func (c *Coordinator) onCaptureComplete(channelID, id string, res CaptureResult) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var u *utterance
	cs := c.channels[channelID]
	if cs != nil && cs.active != nil && cs.active.id == id {
		u = cs.active
		cs.active = nil
		if u.silence != nil {
			u.silence.Stop()
			u.silence = nil
		}
	}
	speaker := ""
	if u != nil {
		speaker = u.userID
	}
	fields := logging.UtteranceFields(channelID, id, speaker)

	switch {
	case res.Err != nil:
		c.store.UpdateIf(channelID, id, ResetTurn)
		logging.Warnw("coordinator: capture failed", append(fields, "err", res.Err)...)
		c.obs.UtteranceDropped(channelID, "capture_error")
		return
	case res.Aborted || u == nil:
		c.store.UpdateIf(channelID, id, ResetTurn)
		return
	}

	ir := u.result
	if !u.ending {
		ir = u.tracker.Complete(c.now())
	}
	if res.HitMaxDuration {
		logging.Infow("coordinator: utterance hit max duration", append(fields, "max_ms", c.cfg.MaxUtterance.Milliseconds())...)
	}
	if reason := c.rejectReason(ir, res); reason != "" {
		c.store.UpdateIf(channelID, id, ResetTurn)
		logging.Infow("coordinator: utterance dropped", append(fields,
			"reason", reason, "indicator_on_ms", ir.TotalOn.Milliseconds(),
			"duration_ms", res.Duration.Milliseconds(), "frames", len(res.Frames))...)
		c.obs.UtteranceDropped(channelID, reason)
		c.debug.Debug(c.profiles.Profile(channelID), 2, fmt.Sprintf("[DROP] %s", reason))
		return
	}

	if _, ok := c.store.UpdateIf(channelID, id, func(s *Session) { s.Phase = PhaseTranscribing }); !ok {
		return
	}
	c.debug.Debug(c.profiles.Profile(channelID), 1, "[STATE] LISTENING -> TRANSCRIBING")

	c.cancelTurnLocked(cs)
	ctx, cancel := context.WithCancel(c.base)
	cs.turnID = id
	cs.turnCancel = cancel
	utt := Utterance{ChannelID: channelID, ID: id, SpeakerID: speaker, Frames: res.Frames, Duration: res.Duration}
	c.turns.Add(1)
	go func() {
		defer c.turns.Done()
		defer c.turnDone(channelID, id)
		c.runner.Run(ctx, utt)
	}()
}

func (c *Coordinator) rejectReason(ir IndicatorResult, res CaptureResult) string {
	switch {
	case !ir.Valid:
		return "indicator_too_short"
	case res.Duration < c.cfg.MinUtterance:
		return "audio_too_short"
	case len(res.Frames) == 0:
		return "no_audio"
	}
	return ""
}

func (c *Coordinator) turnDone(channelID, id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cs, ok := c.channels[channelID]; ok && cs.turnID == id {
		cs.turnCancel()
		cs.turnID = ""
		cs.turnCancel = nil
	}
}

func (c *Coordinator) abortUtteranceLocked(cs *channelState) {
	u := cs.active
	if u == nil {
		return
	}
	cs.active = nil
	if u.silence != nil {
		u.silence.Stop()
		u.silence = nil
	}
	if u.capture != nil {
		u.capture.Abort()
	}
}

func (c *Coordinator) cancelTurnLocked(cs *channelState) {
	if cs.turnCancel != nil {
		cs.turnCancel()
		cs.turnCancel = nil
		cs.turnID = ""
	}
}

// Close stops every loop and waits for in-flight turns to unwind.
func (c *Coordinator) Close() {
	c.mu.Lock()
	ids := make([]string, 0, len(c.channels))
	for id := range c.channels {
		ids = append(ids, id)
	}
	c.mu.Unlock()
	for _, id := range ids {
		if c.store.Get(id).Active {
			c.StopLoop(id, StopManual)
		}
	}
	c.cancelBase()
	c.turns.Wait()
}
