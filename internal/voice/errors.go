package voice

import (
	"errors"
	"fmt"
)

// Failure taxonomy for a conversation turn. Stage failures are wrapped in a
// StageError so callers can match either the sentinel or the reason.
var (
	ErrTranscription   = errors.New("transcription failed")
	ErrGeneration      = errors.New("reply generation failed")
	ErrSynthesis       = errors.New("speech synthesis failed")
	ErrPlayback        = errors.New("playback failed")
	ErrCapture         = errors.New("audio capture failed")
	ErrGuardTripped    = errors.New("multi-member guard tripped")
	ErrManualStop      = errors.New("stopped manually")
	ErrTimeoutExceeded = errors.New("timeout exceeded")
)

// Reason is a short machine-readable code attached to stage failures.
type Reason string

const (
	ReasonTimeout     Reason = "timeout"
	ReasonProvider    Reason = "provider"
	ReasonEmpty       Reason = "empty"
	ReasonUnreachable Reason = "unreachable"
	ReasonNoArtifact  Reason = "no_artifact"
	ReasonDecode      Reason = "decode"
	ReasonTransport   Reason = "transport"
)

// StageError records which stage failed and why.
type StageError struct {
	Stage  error
	Reason Reason
	Err    error
}

func (e *StageError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%v (%s)", e.Stage, e.Reason)
	}
	return fmt.Sprintf("%v (%s): %v", e.Stage, e.Reason, e.Err)
}

// Unwrap exposes both the stage sentinel and the underlying cause.
func (e *StageError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Stage}
	}
	return []error{e.Stage, e.Err}
}

func stageErr(stage error, reason Reason, err error) error {
	return &StageError{Stage: stage, Reason: reason, Err: err}
}

// ReasonOf returns the reason attached to err, or "" if none.
func ReasonOf(err error) Reason {
	var se *StageError
	if errors.As(err, &se) {
		return se.Reason
	}
	return ""
}
