package config

import (
	"strings"
	"sync"

	"github.com/discord-voice-lab/companion/internal/voice"
	"github.com/discord-voice-lab/companion/llm"
)

// Default models per LLM provider.
var defaultModels = map[string]string{
	"gemini":     "gemini-2.5-flash-lite",
	"ollama":     "qwen2.5:3b-instruct",
	"openrouter": "google/gemma-3-27b-it:free",
}

type ProviderConfig struct {
	STT string
	LLM string
	TTS string
}

type GuildConfig struct {
	GuildID            string
	DefaultCharacterID string
	DebugChannelID     string
	DebugLevel         int
	Providers          ProviderConfig
}

// DefaultLLMSpec builds the "provider:model" spec from the settings. An
// unknown provider falls back to ollama.
func DefaultLLMSpec(s LLMSettings) string {
	provider := strings.ToLower(strings.TrimSpace(s.Provider))
	var model string
	switch provider {
	case "gemini":
		model = s.GeminiModel
	case "openrouter":
		model = s.OpenRouterModel
	case "ollama":
		model = s.OllamaModel
	default:
		provider, model = "ollama", s.OllamaModel
	}
	if model = strings.TrimSpace(model); model == "" {
		model = defaultModels[provider]
	}
	return provider + ":" + model
}

// Guilds holds per-guild configuration, created on first use from the
// settings, and maps voice channels to their guild. It is the profile
// source the voice pipeline reads.
type Guilds struct {
	settings   Settings
	characters *Characters

	mu       sync.Mutex
	guilds   map[string]*GuildConfig
	channels map[string]string
}

func NewGuilds(s Settings, characters *Characters) *Guilds {
	return &Guilds{
		settings:   s,
		characters: characters,
		guilds:     make(map[string]*GuildConfig),
		channels:   make(map[string]string),
	}
}

// Get returns the guild's configuration, creating it from defaults.
func (g *Guilds) Get(guildID string) GuildConfig {
	g.mu.Lock()
	defer g.mu.Unlock()
	return *g.getLocked(guildID)
}

func (g *Guilds) getLocked(guildID string) *GuildConfig {
	if c, ok := g.guilds[guildID]; ok {
		return c
	}
	c := &GuildConfig{
		GuildID:            guildID,
		DefaultCharacterID: g.characters.DefaultID(),
		DebugChannelID:     g.settings.Guild.DebugChannelID,
		DebugLevel:         g.settings.Guild.DebugLevel,
		Providers: ProviderConfig{
			STT: g.settings.STT.Provider,
			LLM: DefaultLLMSpec(g.settings.LLM),
			TTS: g.settings.TTS.Provider,
		},
	}
	g.guilds[guildID] = c
	return c
}

// Update applies fn to the guild's configuration and returns the result.
func (g *Guilds) Update(guildID string, fn func(*GuildConfig)) GuildConfig {
	g.mu.Lock()
	defer g.mu.Unlock()
	c := g.getLocked(guildID)
	fn(c)
	if c.DebugLevel < 0 {
		c.DebugLevel = 0
	}
	if c.DebugLevel > 2 {
		c.DebugLevel = 2
	}
	return *c
}

// Bind records which guild a voice channel belongs to.
func (g *Guilds) Bind(channelID, guildID string) {
	g.mu.Lock()
	g.channels[channelID] = guildID
	g.mu.Unlock()
}

// Profile resolves the channel's guild configuration and character. A
// channel that was never bound gets the process defaults.
func (g *Guilds) Profile(channelID string) voice.Profile {
	g.mu.Lock()
	guildID := g.channels[channelID]
	c := *g.getLocked(guildID)
	g.mu.Unlock()

	ch, ok := g.characters.Find(c.DefaultCharacterID)
	if !ok {
		ch = llm.Character{ID: c.DefaultCharacterID, DisplayName: c.DefaultCharacterID}
	}
	return voice.Profile{
		GuildID:        guildID,
		Character:      ch,
		VoicePreset:    ch.VoicePreset,
		LLMSpec:        c.Providers.LLM,
		DebugLevel:     c.DebugLevel,
		DebugChannelID: c.DebugChannelID,
	}
}
