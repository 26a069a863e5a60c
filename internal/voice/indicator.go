package voice

import "time"

// IndicatorResult is the frozen outcome of one tracked utterance.
type IndicatorResult struct {
	TotalOn time.Duration
	Valid   bool
}

// SpeechIndicatorTracker folds speaking-indicator flips for one utterance
// into a total on-time and an end-of-utterance deadline. Gaps shorter than
// Gap merge into the same utterance. It is not safe for concurrent use; the
// coordinator serialises access.
type SpeechIndicatorTracker struct {
	MinOn time.Duration
	Gap   time.Duration

	totalOn  time.Duration
	onSince  time.Time
	open     bool
	deadline time.Time
	pending  bool
	result   *IndicatorResult
}

func NewSpeechIndicatorTracker(minOn, gap time.Duration) *SpeechIndicatorTracker {
	return &SpeechIndicatorTracker{MinOn: minOn, Gap: gap}
}

// Start opens the first on-period at now.
func (t *SpeechIndicatorTracker) Start(now time.Time) {
	if t.result != nil {
		return
	}
	t.onSince = now
	t.open = true
	t.pending = false
}

func (t *SpeechIndicatorTracker) OnIndicatorOn(now time.Time) {
	if t.result != nil {
		return
	}
	if !t.open {
		t.onSince = now
		t.open = true
	}
	t.pending = false
}

// OnIndicatorOff closes the open period and arms the silence deadline. A
// second off without an intervening on keeps the earlier deadline. ok is
// false once the tracker is completed.
func (t *SpeechIndicatorTracker) OnIndicatorOff(now time.Time) (deadline time.Time, ok bool) {
	if t.result != nil {
		return time.Time{}, false
	}
	if t.open {
		t.totalOn += nonNegative(now.Sub(t.onSince))
		t.open = false
		t.deadline = now.Add(t.Gap)
		t.pending = true
	} else if !t.pending {
		t.deadline = now.Add(t.Gap)
		t.pending = true
	}
	return t.deadline, true
}

func (t *SpeechIndicatorTracker) ShouldEnd(now time.Time) bool {
	return t.result == nil && t.pending && !now.Before(t.deadline)
}

// Complete freezes the result. Later calls return the same value.
func (t *SpeechIndicatorTracker) Complete(now time.Time) IndicatorResult {
	if t.result != nil {
		return *t.result
	}
	if t.open {
		t.totalOn += nonNegative(now.Sub(t.onSince))
		t.open = false
	}
	t.pending = false
	t.result = &IndicatorResult{TotalOn: t.totalOn, Valid: t.totalOn > t.MinOn}
	return *t.result
}

func (t *SpeechIndicatorTracker) Completed() bool { return t.result != nil }

func nonNegative(d time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	return d
}
