package voice

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/discord-voice-lab/companion/internal/audio"
	"github.com/discord-voice-lab/companion/internal/logging"
)

// maxOpusFrame is the largest Opus frame (120 ms) in samples per channel.
const maxOpusFrame = 5760

var errStreamClosed = errors.New("audio stream closed by transport")

// Subscription is one speaker's raw Opus packet stream.
type Subscription interface {
	Packets() <-chan []byte
	Close()
}

// AudioSource hands out per-speaker subscriptions.
type AudioSource interface {
	Subscribe(userID string) (Subscription, error)
}

// CaptureResult is delivered exactly once per capture session.
type CaptureResult struct {
	Duration time.Duration
	Frames   [][]int16
	// Err is set on decode or transport failure; it wraps ErrCapture.
	Err error
	// Aborted is set when the capture was torn down by an external stop.
	Aborted bool
	// HitMaxDuration is set when the hard cap ended the capture.
	HitMaxDuration bool
}

type CaptureConfig struct {
	UserID      string
	MaxDuration time.Duration
	NewDecoder  DecoderFactory
	Now         func() time.Time
}

type stopKind int32

const (
	stopNone stopKind = iota
	stopNatural
	stopMax
	stopAbort
)

// CaptureSession buffers one speaker's decoded audio for a single
// utterance.
type CaptureSession struct {
	cfg        CaptureConfig
	sub        Subscription
	dec        Decoder
	onComplete func(CaptureResult)

	started  time.Time
	stopOnce sync.Once
	stopCh   chan struct{}
	kind     atomic.Int32
	finished atomic.Bool
	maxTimer *time.Timer

	decodeErrs atomic.Int64
}

// StartCapture subscribes to cfg.UserID and begins buffering. onComplete
// runs once on the capture goroutine.
func StartCapture(src AudioSource, cfg CaptureConfig, onComplete func(CaptureResult)) (*CaptureSession, error) {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	newDec := cfg.NewDecoder
	if newDec == nil {
		newDec = NewOpusDecoder
	}
	dec, err := newDec()
	if err != nil {
		return nil, stageErr(ErrCapture, ReasonDecode, err)
	}
	sub, err := src.Subscribe(cfg.UserID)
	if err != nil {
		return nil, stageErr(ErrCapture, ReasonTransport, err)
	}
	c := &CaptureSession{
		cfg:        cfg,
		sub:        sub,
		dec:        dec,
		onComplete: onComplete,
		started:    cfg.Now(),
		stopCh:     make(chan struct{}),
	}
	if cfg.MaxDuration > 0 {
		c.maxTimer = time.AfterFunc(cfg.MaxDuration, func() { c.requestStop(stopMax) })
	}
	go c.run()
	return c, nil
}

// Stop ends the capture as a natural end of speech.
func (c *CaptureSession) Stop() { c.requestStop(stopNatural) }

// Abort tears the capture down; the result is marked Aborted.
func (c *CaptureSession) Abort() { c.requestStop(stopAbort) }

// Finished reports whether the completion callback has run or is running.
func (c *CaptureSession) Finished() bool { return c.finished.Load() }

func (c *CaptureSession) requestStop(k stopKind) {
	c.kind.CompareAndSwap(int32(stopNone), int32(k))
	c.stopOnce.Do(func() { close(c.stopCh) })
}

func (c *CaptureSession) run() {
	var frames [][]int16
	pcm := make([]int16, maxOpusFrame*audio.Channels)
	packets := c.sub.Packets()
	for {
		select {
		case <-c.stopCh:
			c.finish(frames, nil)
			return
		case data, ok := <-packets:
			if !ok {
				c.finish(frames, stageErr(ErrCapture, ReasonTransport, errStreamClosed))
				return
			}
			n, err := c.dec.Decode(data, pcm)
			if err != nil {
				c.decodeErrs.Add(1)
				logging.Debugw("capture: opus decode error", "user.id", c.cfg.UserID, "err", err)
				continue
			}
			if n <= 0 {
				continue
			}
			fr := make([]int16, n*audio.Channels)
			copy(fr, pcm[:n*audio.Channels])
			frames = append(frames, fr)
		}
	}
}

func (c *CaptureSession) finish(frames [][]int16, err error) {
	if !c.finished.CompareAndSwap(false, true) {
		return
	}
	if c.maxTimer != nil {
		c.maxTimer.Stop()
	}
	c.sub.Close()
	res := CaptureResult{
		Duration: c.cfg.Now().Sub(c.started),
		Frames:   frames,
		Err:      err,
	}
	switch stopKind(c.kind.Load()) {
	case stopAbort:
		res.Aborted = true
	case stopMax:
		res.HitMaxDuration = true
	}
	if errs := c.decodeErrs.Load(); errs > 0 {
		logging.Debugw("capture: finished with decode errors", "user.id", c.cfg.UserID, "decode_errors", errs, "frames", len(frames))
	}
	if c.onComplete != nil {
		c.onComplete(res)
	}
}
