package voice

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func startTestCapture(t *testing.T, src *fakeSource, max time.Duration, calls *atomic.Int32) (*CaptureSession, chan CaptureResult) {
	t.Helper()
	done := make(chan CaptureResult, 2)
	c, err := StartCapture(src, CaptureConfig{UserID: "u1", MaxDuration: max, NewDecoder: fakeDecoderFactory(calls)},
		func(r CaptureResult) { done <- r })
	if err != nil {
		t.Fatalf("start capture: %v", err)
	}
	return c, done
}

func awaitResult(t *testing.T, done chan CaptureResult) CaptureResult {
	t.Helper()
	select {
	case r := <-done:
		return r
	case <-time.After(3 * time.Second):
		t.Fatalf("capture never completed")
	}
	return CaptureResult{}
}

func TestCaptureStopDeliversFramesOnce(t *testing.T) {
	src := &fakeSource{}
	var calls atomic.Int32
	c, done := startTestCapture(t, src, time.Minute, &calls)
	sub := src.last()
	sub.ch <- []byte{1, 2, 3}
	sub.ch <- []byte{0xEE}
	sub.ch <- []byte{4, 5}
	waitFor(t, "packets decoded", func() bool { return calls.Load() == 3 })

	c.Stop()
	c.Abort()
	r := awaitResult(t, done)
	if r.Err != nil || r.Aborted || r.HitMaxDuration {
		t.Fatalf("unexpected result flags: %+v", r)
	}
	if len(r.Frames) != 2 || len(r.Frames[0]) != 1920 {
		t.Fatalf("want 2 decoded stereo frames, got %d", len(r.Frames))
	}
	if !sub.closed.Load() || !c.Finished() {
		t.Fatalf("subscription must be closed on finish")
	}
	select {
	case extra := <-done:
		t.Fatalf("completion delivered twice: %+v", extra)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestCaptureAbortIsMarked(t *testing.T) {
	src := &fakeSource{}
	c, done := startTestCapture(t, src, time.Minute, nil)
	c.Abort()
	if r := awaitResult(t, done); !r.Aborted {
		t.Fatalf("abort not reported: %+v", r)
	}
}

func TestCaptureMaxDurationEndsNaturally(t *testing.T) {
	src := &fakeSource{}
	_, done := startTestCapture(t, src, 30*time.Millisecond, nil)
	r := awaitResult(t, done)
	if !r.HitMaxDuration || r.Aborted || r.Err != nil {
		t.Fatalf("unexpected result: %+v", r)
	}
	if r.Duration < 30*time.Millisecond {
		t.Fatalf("duration %s shorter than cap", r.Duration)
	}
}

func TestCaptureTransportCloseIsCaptureError(t *testing.T) {
	src := &fakeSource{}
	_, done := startTestCapture(t, src, time.Minute, nil)
	close(src.last().ch)
	r := awaitResult(t, done)
	if !errors.Is(r.Err, ErrCapture) || ReasonOf(r.Err) != ReasonTransport {
		t.Fatalf("want transport capture error, got %v", r.Err)
	}
}

func TestCaptureSubscribeFailure(t *testing.T) {
	src := &fakeSource{err: errors.New("gone")}
	_, err := StartCapture(src, CaptureConfig{UserID: "u1", NewDecoder: fakeDecoderFactory(nil)}, nil)
	if !errors.Is(err, ErrCapture) {
		t.Fatalf("want ErrCapture, got %v", err)
	}
}
