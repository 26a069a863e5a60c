// Package llm generates conversational replies through pluggable chat
// providers selected by a "provider:model" spec string.
package llm

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrPermanent marks failures a retry cannot fix (bad key, bad model).
	ErrPermanent = errors.New("permanent error")
	// ErrTransient marks failures worth retrying (5xx, 429, network).
	ErrTransient = errors.New("transient error")
	// ErrEmptyReply is returned when a provider answers with no text.
	ErrEmptyReply = errors.New("empty reply")
	// ErrUnknownProvider is returned for a spec naming no registered provider.
	ErrUnknownProvider = errors.New("unknown llm provider")
)

// Params are per-character sampling overrides. Zero values fall back to the
// provider defaults.
type Params struct {
	Temperature *float64 `mapstructure:"temperature" json:"temperature,omitempty"`
	MaxTokens   int      `mapstructure:"max_tokens" json:"max_tokens,omitempty"`
	TopP        *float64 `mapstructure:"top_p" json:"top_p,omitempty"`
}

// Character is the persona the agent speaks as.
type Character struct {
	ID            string
	DisplayName   string
	SystemPrompt  string
	SpeakingStyle string
	VoicePreset   string
	Params        Params
}

// Turn is one prior exchange in the conversation.
type Turn struct {
	Role string // "user" or "assistant"
	Text string
}

// Request carries everything a provider needs for one reply.
type Request struct {
	Character Character
	History   []Turn
	UserText  string
	ModelSpec string
}

// Message is a provider-neutral chat message.
type Message struct {
	Role    string
	Content string
}

// Provider completes a chat for a concrete model.
type Provider interface {
	Name() string
	Complete(ctx context.Context, model string, req Request) (string, error)
}

func transient(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrTransient, fmt.Sprintf(format, args...))
}

func permanent(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrPermanent, fmt.Sprintf(format, args...))
}

// IsPermanent reports whether err should not be retried.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrPermanent) || errors.Is(err, ErrUnknownProvider)
}
