package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/discord-voice-lab/companion/internal/config"
	"github.com/discord-voice-lab/companion/internal/stt"
	"github.com/discord-voice-lab/companion/internal/tts"
	"github.com/discord-voice-lab/companion/internal/voice"
	"github.com/discord-voice-lab/companion/llm"
)

// buildTranscriber returns the configured speech-to-text provider and a
// release func for providers that hold processes.
func buildTranscriber(s config.STTSettings, timeout time.Duration) (voice.Transcriber, func(), error) {
	noop := func() {}
	switch s.Provider {
	case "pool":
		p := stt.NewPool(stt.PoolConfig{
			Bin:     s.Bin,
			Args:    s.Args,
			Workers: s.Workers,
			Timeout: timeout,
		})
		return p, p.Close, nil
	case "cli":
		return &stt.Command{Bin: s.Bin, Args: s.Args}, noop, nil
	case "http":
		return &stt.HTTP{URL: s.URL, AuthToken: s.AuthToken, Language: s.Language}, noop, nil
	case "deepgram":
		return stt.NewDeepgram(s.DeepgramKey, s.DeepgramModel, s.Language), noop, nil
	}
	return nil, noop, fmt.Errorf("unknown stt provider %q", s.Provider)
}

func buildSynthesizer(s config.TTSSettings, timeout time.Duration) (voice.Synthesizer, error) {
	switch s.Provider {
	case "http":
		return &tts.HTTP{URL: s.URL, AuthToken: s.AuthToken}, nil
	case "elevenlabs":
		return &tts.ElevenLabs{APIKey: s.ElevenLabsKey, DefaultVoice: s.Voice, ModelID: s.Model, Timeout: timeout}, nil
	}
	return nil, fmt.Errorf("unknown tts provider %q", s.Provider)
}

// buildRouter registers Ollama always and the hosted providers whose keys
// are present.
func buildRouter(s config.LLMSettings) *llm.Router {
	providers := []llm.Provider{
		llm.NewClient(llm.ClientConfig{
			Name:        "ollama",
			BaseURL:     strings.TrimRight(s.OllamaHost, "/") + "/v1",
			APIKey:      "ollama",
			Temperature: s.Temperature,
			MaxTokens:   s.MaxTokens,
			Timeout:     s.Timeout,
		}),
	}
	if s.OpenRouterKey != "" {
		providers = append(providers, llm.NewClient(llm.ClientConfig{
			Name:         "openrouter",
			BaseURL:      s.OpenRouterURL,
			APIKey:       s.OpenRouterKey,
			InlineSystem: true,
			Temperature:  s.Temperature,
			MaxTokens:    s.MaxTokens,
			Timeout:      s.Timeout,
			Headers:      map[string]string{"X-Title": "discord-voice-companion"},
		}))
	}
	if s.GeminiKey != "" {
		providers = append(providers, &llm.Gemini{
			APIKey:      s.GeminiKey,
			Temperature: float32(s.Temperature),
			MaxTokens:   int32(s.MaxTokens),
		})
	}
	def := s.Provider
	r := llm.NewRouter("ollama", providers...)
	if _, ok := r.Providers[def]; ok {
		r.Default = def
	}
	r.Fallback = s.FallbackModel
	return r
}
