// Package stt provides speech-to-text backends for captured WAV files.
package stt

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/discord-voice-lab/companion/internal/logging"
)

var (
	ErrWorkerExited = errors.New("stt worker exited")
	ErrPoolClosed   = errors.New("stt pool closed")
	ErrNotReady     = errors.New("stt worker did not become ready")
)

// Command runs a one-shot CLI per request: Bin Args... <wav>. The trimmed
// stdout is the transcript; a non-zero exit is a failure.
type Command struct {
	Bin  string
	Args []string
	Env  []string
}

func (c *Command) Transcribe(ctx context.Context, wavPath string) (string, error) {
	args := append(append([]string(nil), c.Args...), wavPath)
	cmd := exec.CommandContext(ctx, c.Bin, args...)
	if len(c.Env) > 0 {
		cmd.Env = append(cmd.Environ(), c.Env...)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		logging.Debugw("stt: command failed", "bin", c.Bin, "err", err, "stderr", msg)
		if msg != "" {
			return "", fmt.Errorf("stt command %s: %w: %s", c.Bin, err, msg)
		}
		return "", fmt.Errorf("stt command %s: %w", c.Bin, err)
	}
	return strings.TrimSpace(stdout.String()), nil
}
