package voice

import (
	"testing"
	"time"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func at(ms int) time.Time { return epoch.Add(time.Duration(ms) * time.Millisecond) }

func newTracker() *SpeechIndicatorTracker {
	return NewSpeechIndicatorTracker(300*time.Millisecond, 300*time.Millisecond)
}

func TestTrackerShortBlipIsInvalid(t *testing.T) {
	tr := newTracker()
	tr.Start(at(0))
	tr.OnIndicatorOff(at(200))
	if tr.ShouldEnd(at(499)) {
		t.Fatalf("should not end before deadline")
	}
	if !tr.ShouldEnd(at(500)) {
		t.Fatalf("should end at deadline")
	}
	got := tr.Complete(at(500))
	if got.TotalOn != 200*time.Millisecond || got.Valid {
		t.Fatalf("unexpected result %+v", got)
	}
}

func TestTrackerExactThresholdIsInvalid(t *testing.T) {
	tr := newTracker()
	tr.Start(at(0))
	tr.OnIndicatorOff(at(300))
	got := tr.Complete(at(600))
	if got.TotalOn != 300*time.Millisecond || got.Valid {
		t.Fatalf("boundary must be invalid, got %+v", got)
	}
}

func TestTrackerValidUtterance(t *testing.T) {
	tr := newTracker()
	tr.Start(at(0))
	dl, ok := tr.OnIndicatorOff(at(500))
	if !ok || !dl.Equal(at(800)) {
		t.Fatalf("deadline: want %v got %v ok=%v", at(800), dl, ok)
	}
	if tr.ShouldEnd(at(799)) {
		t.Fatalf("ended early")
	}
	if !tr.ShouldEnd(at(800)) {
		t.Fatalf("did not end at deadline")
	}
	got := tr.Complete(at(800))
	if got.TotalOn != 500*time.Millisecond || !got.Valid {
		t.Fatalf("unexpected result %+v", got)
	}
}

func TestTrackerReactivationMerges(t *testing.T) {
	tr := newTracker()
	tr.Start(at(0))
	tr.OnIndicatorOff(at(500))
	tr.OnIndicatorOn(at(700))
	if tr.ShouldEnd(at(800)) {
		t.Fatalf("reactivation should cancel the pending deadline")
	}
	tr.OnIndicatorOff(at(900))
	if tr.ShouldEnd(at(1199)) {
		t.Fatalf("ended before the new deadline")
	}
	if !tr.ShouldEnd(at(1200)) {
		t.Fatalf("did not end at the new deadline")
	}
	got := tr.Complete(at(1200))
	if got.TotalOn != 700*time.Millisecond || !got.Valid {
		t.Fatalf("unexpected result %+v", got)
	}
}

func TestTrackerRepeatedOffKeepsDeadline(t *testing.T) {
	tr := newTracker()
	tr.Start(at(0))
	first, _ := tr.OnIndicatorOff(at(400))
	second, ok := tr.OnIndicatorOff(at(600))
	if !ok || !second.Equal(first) {
		t.Fatalf("deadline moved: first=%v second=%v", first, second)
	}
}

func TestTrackerCompleteIsIdempotent(t *testing.T) {
	tr := newTracker()
	tr.Start(at(0))
	first := tr.Complete(at(450))
	tr.OnIndicatorOn(at(500))
	if _, ok := tr.OnIndicatorOff(at(900)); ok {
		t.Fatalf("off after completion should report not ok")
	}
	second := tr.Complete(at(2000))
	if first != second {
		t.Fatalf("complete not idempotent: %+v vs %+v", first, second)
	}
	if !first.Valid || first.TotalOn != 450*time.Millisecond {
		t.Fatalf("open period should be closed on complete: %+v", first)
	}
	if tr.ShouldEnd(at(5000)) {
		t.Fatalf("completed tracker must never report end")
	}
}

func TestTrackerSumsManyPeriods(t *testing.T) {
	tr := newTracker()
	tr.Start(at(0))
	var want time.Duration
	on := 0
	for i := 0; i < 10; i++ {
		off := on + 40 + i
		tr.OnIndicatorOff(at(off))
		want += time.Duration(off-on) * time.Millisecond
		on = off + 100
		tr.OnIndicatorOn(at(on))
	}
	tr.OnIndicatorOff(at(on + 10))
	want += 10 * time.Millisecond
	if got := tr.Complete(at(on + 1000)); got.TotalOn != want {
		t.Fatalf("total: want=%v got=%v", want, got.TotalOn)
	}
}
