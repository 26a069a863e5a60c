package voice

import (
	"sync"
	"time"
)

// Phase is the lifecycle phase of a conversation channel.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseListening
	PhaseTranscribing
	PhaseThinking
	PhaseSpeaking
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseListening:
		return "listening"
	case PhaseTranscribing:
		return "transcribing"
	case PhaseThinking:
		return "thinking"
	case PhaseSpeaking:
		return "speaking"
	}
	return "unknown"
}

// StopReason says why the conversation loop was halted. Empty means running
// or never stopped.
type StopReason string

const (
	StopMultiMember StopReason = "multi_member"
	StopManual      StopReason = "manual"
	StopError       StopReason = "error"
	StopTimeout     StopReason = "timeout"
)

// Role identifies who spoke a history turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one immutable history entry.
type Turn struct {
	Role Role
	Text string
	At   time.Time
}

// Session is the per-channel conversation state. Values returned by the
// store are snapshots; mutate only through Update or UpdateIf.
type Session struct {
	ChannelID     string
	Phase         Phase
	Active        bool
	UtteranceID   string
	SpeakerID     string
	History       []Turn
	NoticePending bool
	StopReason    StopReason
}

func (s Session) clone() Session {
	if s.History != nil {
		h := make([]Turn, len(s.History))
		copy(h, s.History)
		s.History = h
	}
	return s
}

// Live reports whether a continuation holding utteranceID may still act.
func (s Session) Live(utteranceID string) bool {
	return s.Active && utteranceID != "" && s.UtteranceID == utteranceID
}

// SessionStore owns every Session. Each Update runs under one lock, so a
// read-modify-write is atomic with respect to every other mutation.
type SessionStore struct {
	mu           sync.Mutex
	sessions     map[string]*Session
	historyLimit int
	obs          Observer
}

func NewSessionStore(historyLimit int, obs Observer) *SessionStore {
	if obs == nil {
		obs = NopObserver{}
	}
	if historyLimit <= 0 {
		historyLimit = 20
	}
	return &SessionStore{
		sessions:     make(map[string]*Session),
		historyLimit: historyLimit,
		obs:          obs,
	}
}

func (st *SessionStore) getLocked(channelID string) *Session {
	s, ok := st.sessions[channelID]
	if !ok {
		s = &Session{ChannelID: channelID, Phase: PhaseIdle}
		st.sessions[channelID] = s
	}
	return s
}

// Get returns a snapshot of the session for channelID. An unknown channel
// reads as a fresh idle session without being created.
func (st *SessionStore) Get(channelID string) Session {
	st.mu.Lock()
	defer st.mu.Unlock()
	if s, ok := st.sessions[channelID]; ok {
		return s.clone()
	}
	return Session{ChannelID: channelID, Phase: PhaseIdle}
}

// Update applies fn to the session and returns the result.
func (st *SessionStore) Update(channelID string, fn func(*Session)) Session {
	out, _ := st.update(channelID, nil, fn)
	return out
}

// UpdateIf applies fn only while utteranceID is still the active utterance.
// ok is false, and nothing changes, when the session has moved on or been
// cleared.
func (st *SessionStore) UpdateIf(channelID, utteranceID string, fn func(*Session)) (Session, bool) {
	return st.update(channelID, func(s *Session) bool {
		return utteranceID != "" && s.UtteranceID == utteranceID
	}, fn)
}

func (st *SessionStore) update(channelID string, guard func(*Session) bool, fn func(*Session)) (Session, bool) {
	st.mu.Lock()
	var s *Session
	if guard != nil {
		// A fenced update never resurrects a cleared channel.
		cur, ok := st.sessions[channelID]
		if !ok {
			st.mu.Unlock()
			return Session{ChannelID: channelID, Phase: PhaseIdle}, false
		}
		s = cur
	} else {
		s = st.getLocked(channelID)
	}
	if guard != nil && !guard(s) {
		out := s.clone()
		st.mu.Unlock()
		return out, false
	}
	before := s.Phase
	fn(s)
	if over := len(s.History) - st.historyLimit; over > 0 {
		s.History = append([]Turn(nil), s.History[over:]...)
	}
	out := s.clone()
	st.mu.Unlock()

	if before != out.Phase {
		st.obs.PhaseChanged(channelID, before, out.Phase)
	}
	return out, true
}

// Clear forgets the channel entirely.
func (st *SessionStore) Clear(channelID string) {
	st.mu.Lock()
	s, ok := st.sessions[channelID]
	delete(st.sessions, channelID)
	st.mu.Unlock()
	if ok && s.Phase != PhaseIdle {
		st.obs.PhaseChanged(channelID, s.Phase, PhaseIdle)
	}
}

// ResetTurn returns a session to Idle with no utterance in flight.
func ResetTurn(s *Session) {
	s.Phase = PhaseIdle
	s.UtteranceID = ""
	s.SpeakerID = ""
}
