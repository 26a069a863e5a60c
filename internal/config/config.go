// Package config loads process settings from an optional YAML file and the
// environment, and holds the character and per-guild registries.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"github.com/discord-voice-lab/companion/internal/voice"
)

type DiscordSettings struct {
	Token          string   `mapstructure:"token"`
	GuildID        string   `mapstructure:"guild_id"`
	VoiceChannelID string   `mapstructure:"voice_channel_id"`
	AllowedUsers   []string `mapstructure:"allowed_users"`
}

type PathSettings struct {
	RecordingDir string `mapstructure:"recording_dir"`
	VoiceDir     string `mapstructure:"voice_dir"`
	Characters   string `mapstructure:"characters"`

	// Artifacts older than ArtifactRetention are swept every SweepInterval.
	ArtifactRetention time.Duration `mapstructure:"artifact_retention"`
	SweepInterval     time.Duration `mapstructure:"sweep_interval"`
}

// TimingSettings are the turn-taking thresholds and stage timeouts.
type TimingSettings struct {
	MinIndicatorOn time.Duration `mapstructure:"min_indicator_on"`
	SpeechGap      time.Duration `mapstructure:"speech_gap"`
	MaxUtterance   time.Duration `mapstructure:"max_utterance"`
	MinUtterance   time.Duration `mapstructure:"min_utterance"`
	STTTimeout     time.Duration `mapstructure:"stt_timeout"`
	LLMTimeout     time.Duration `mapstructure:"llm_timeout"`
	TTSTimeout     time.Duration `mapstructure:"tts_timeout"`
	RetryDelay     time.Duration `mapstructure:"retry_delay"`
}

type ReplySettings struct {
	MaxChars     int `mapstructure:"max_chars"`
	MaxSentences int `mapstructure:"max_sentences"`
	ContextTurns int `mapstructure:"context_turns"`
}

type NoticeSettings struct {
	PleaseWait      string `mapstructure:"please_wait"`
	STTFallback     string `mapstructure:"stt_fallback"`
	GeneralFallback string `mapstructure:"general_fallback"`
	MultiMember     string `mapstructure:"multi_member"`
}

type LLMSettings struct {
	Provider        string        `mapstructure:"provider"`
	FallbackModel   string        `mapstructure:"fallback_model"`
	Temperature     float64       `mapstructure:"temperature"`
	MaxTokens       int           `mapstructure:"max_tokens"`
	Timeout         time.Duration `mapstructure:"timeout"`
	OllamaHost      string        `mapstructure:"ollama_host"`
	OllamaModel     string        `mapstructure:"ollama_model"`
	OpenRouterKey   string        `mapstructure:"openrouter_api_key"`
	OpenRouterURL   string        `mapstructure:"openrouter_url"`
	OpenRouterModel string        `mapstructure:"openrouter_model"`
	GeminiKey       string        `mapstructure:"gemini_api_key"`
	GeminiModel     string        `mapstructure:"gemini_model"`
}

type STTSettings struct {
	// Provider is one of pool, cli, http or deepgram.
	Provider      string   `mapstructure:"provider"`
	Bin           string   `mapstructure:"bin"`
	Args          []string `mapstructure:"args"`
	Workers       int      `mapstructure:"workers"`
	URL           string   `mapstructure:"url"`
	AuthToken     string   `mapstructure:"auth_token"`
	Language      string   `mapstructure:"language"`
	DeepgramKey   string   `mapstructure:"deepgram_api_key"`
	DeepgramModel string   `mapstructure:"deepgram_model"`
}

type TTSSettings struct {
	// Provider is http or elevenlabs.
	Provider      string `mapstructure:"provider"`
	URL           string `mapstructure:"url"`
	AuthToken     string `mapstructure:"auth_token"`
	ElevenLabsKey string `mapstructure:"elevenlabs_api_key"`
	Voice         string `mapstructure:"voice"`
	Model         string `mapstructure:"model"`
}

type GuildSettings struct {
	DebugLevel     int    `mapstructure:"debug_level"`
	DebugChannelID string `mapstructure:"debug_channel_id"`
}

type Settings struct {
	Discord  DiscordSettings `mapstructure:"discord"`
	LogLevel string          `mapstructure:"log_level"`
	Paths    PathSettings    `mapstructure:"paths"`
	Timing   TimingSettings  `mapstructure:"timing"`
	Reply    ReplySettings   `mapstructure:"reply"`
	Notices  NoticeSettings  `mapstructure:"notices"`
	LLM      LLMSettings     `mapstructure:"llm"`
	STT      STTSettings     `mapstructure:"stt"`
	TTS      TTSSettings     `mapstructure:"tts"`
	Guild    GuildSettings   `mapstructure:"guild"`
	// StatusAddr is the listen address of the status server; empty disables it.
	StatusAddr string `mapstructure:"status_addr"`
}

// legacyEnv maps keys to the unprefixed variable names older deployments use.
var legacyEnv = map[string][]string{
	"discord.token":            {"DISCORD_BOT_TOKEN", "DISCORD_TOKEN"},
	"discord.guild_id":         {"GUILD_ID"},
	"discord.voice_channel_id": {"VOICE_CHANNEL_ID"},
	"discord.allowed_users":    {"ALLOWED_USER_IDS"},
	"log_level":                {"LOG_LEVEL"},
	"llm.provider":             {"LLM_PROVIDER"},
	"llm.fallback_model":       {"LLM_FALLBACK_MODEL"},
	"llm.ollama_host":          {"OLLAMA_HOST"},
	"llm.ollama_model":         {"OLLAMA_LLM_MODEL"},
	"llm.openrouter_api_key":   {"OPENROUTER_API_KEY"},
	"llm.openrouter_model":     {"OPENROUTER_LLM_MODEL"},
	"llm.gemini_api_key":       {"GEMINI_API_KEY"},
	"llm.gemini_model":         {"GEMINI_LLM_MODEL"},
	"stt.deepgram_api_key":     {"DEEPGRAM_API_KEY"},
	"tts.elevenlabs_api_key":   {"ELEVENLABS_API_KEY"},
	"status_addr":              {"STATUS_ADDR"},
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("discord.token", "")
	v.SetDefault("discord.guild_id", "")
	v.SetDefault("discord.voice_channel_id", "")
	v.SetDefault("discord.allowed_users", []string{})
	v.SetDefault("log_level", "info")
	v.SetDefault("paths.recording_dir", "recordings")
	v.SetDefault("paths.voice_dir", "voice")
	v.SetDefault("paths.characters", "data/characters.json")
	v.SetDefault("paths.artifact_retention", 10*time.Minute)
	v.SetDefault("paths.sweep_interval", time.Minute)
	v.SetDefault("timing.min_indicator_on", 800*time.Millisecond)
	v.SetDefault("timing.speech_gap", 500*time.Millisecond)
	v.SetDefault("timing.max_utterance", 12*time.Second)
	v.SetDefault("timing.min_utterance", 800*time.Millisecond)
	v.SetDefault("timing.stt_timeout", 8*time.Second)
	v.SetDefault("timing.llm_timeout", 10*time.Second)
	v.SetDefault("timing.tts_timeout", 12*time.Second)
	v.SetDefault("timing.retry_delay", 300*time.Millisecond)
	v.SetDefault("reply.max_chars", 300)
	v.SetDefault("reply.max_sentences", 4)
	v.SetDefault("reply.context_turns", 20)
	v.SetDefault("notices.please_wait", "One moment, please.")
	v.SetDefault("notices.stt_fallback", "Sorry, I didn't catch that. Could you say it again?")
	v.SetDefault("notices.general_fallback", "Sorry, something went wrong. Please try again.")
	v.SetDefault("notices.multi_member", "Someone else joined, so I'll stop talking for now.")
	v.SetDefault("llm.provider", "ollama")
	v.SetDefault("llm.fallback_model", "")
	v.SetDefault("llm.temperature", 0.7)
	v.SetDefault("llm.max_tokens", 220)
	v.SetDefault("llm.timeout", 20*time.Second)
	v.SetDefault("llm.ollama_host", "http://127.0.0.1:11434")
	v.SetDefault("llm.ollama_model", "")
	v.SetDefault("llm.openrouter_api_key", "")
	v.SetDefault("llm.openrouter_url", "https://openrouter.ai/api/v1")
	v.SetDefault("llm.openrouter_model", "")
	v.SetDefault("llm.gemini_api_key", "")
	v.SetDefault("llm.gemini_model", "")
	v.SetDefault("stt.provider", "pool")
	v.SetDefault("stt.bin", "python")
	v.SetDefault("stt.args", []string{"tools/openai-whisper/whisper_server.py"})
	v.SetDefault("stt.workers", 1)
	v.SetDefault("stt.url", "")
	v.SetDefault("stt.auth_token", "")
	v.SetDefault("stt.language", "ja")
	v.SetDefault("stt.deepgram_api_key", "")
	v.SetDefault("stt.deepgram_model", "nova-2")
	v.SetDefault("tts.provider", "http")
	v.SetDefault("tts.url", "http://127.0.0.1:5002/synthesize")
	v.SetDefault("tts.auth_token", "")
	v.SetDefault("tts.elevenlabs_api_key", "")
	v.SetDefault("tts.voice", "")
	v.SetDefault("tts.model", "")
	v.SetDefault("guild.debug_level", 0)
	v.SetDefault("guild.debug_channel_id", "")
	v.SetDefault("status_addr", ":9090")
}

// LoadDotEnv loads a .env file into the process environment. Variables
// already set win, and a missing file is not an error.
func LoadDotEnv(path string) error {
	if path == "" {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// Load reads settings from path (optional; falls back to COMPANION_CONFIG)
// and the environment. COMPANION_<SECTION>_<KEY> variables override the
// file, and the legacy unprefixed names are accepted too.
func Load(path string) (Settings, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("COMPANION")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, names := range legacyEnv {
		prefixed := "COMPANION_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(append([]string{key, prefixed}, names...)...); err != nil {
			return Settings{}, fmt.Errorf("bind %s: %w", key, err)
		}
	}

	if path == "" {
		path = os.Getenv("COMPANION_CONFIG")
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Settings{}, fmt.Errorf("read config: %w", err)
		}
	}

	var s Settings
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&s, hook); err != nil {
		return Settings{}, fmt.Errorf("unmarshal: %w", err)
	}
	s.Discord.AllowedUsers = compact(s.Discord.AllowedUsers)
	s.LLM.Provider = strings.ToLower(strings.TrimSpace(s.LLM.Provider))
	if err := s.Validate(); err != nil {
		return Settings{}, fmt.Errorf("validate config: %w", err)
	}
	return s, nil
}

func compact(in []string) []string {
	out := in[:0]
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func (s *Settings) Validate() error {
	if strings.TrimSpace(s.Discord.Token) == "" {
		return fmt.Errorf("discord.token is required (DISCORD_BOT_TOKEN)")
	}
	t := s.Timing
	for name, d := range map[string]time.Duration{
		"timing.min_indicator_on": t.MinIndicatorOn,
		"timing.speech_gap":       t.SpeechGap,
		"timing.max_utterance":    t.MaxUtterance,
		"timing.stt_timeout":      t.STTTimeout,
		"timing.llm_timeout":      t.LLMTimeout,
		"timing.tts_timeout":      t.TTSTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, d)
		}
	}
	if t.MinUtterance < 0 || t.RetryDelay < 0 {
		return fmt.Errorf("timing.min_utterance and timing.retry_delay must not be negative")
	}
	if t.MinUtterance >= t.MaxUtterance {
		return fmt.Errorf("timing.min_utterance (%s) must be below timing.max_utterance (%s)", t.MinUtterance, t.MaxUtterance)
	}
	if s.Reply.ContextTurns < 0 || s.Reply.MaxChars < 0 || s.Reply.MaxSentences < 0 {
		return fmt.Errorf("reply limits must not be negative")
	}
	if s.Guild.DebugLevel < 0 || s.Guild.DebugLevel > 2 {
		return fmt.Errorf("guild.debug_level must be 0..2, got %d", s.Guild.DebugLevel)
	}
	switch s.STT.Provider {
	case "pool", "cli":
		if s.STT.Bin == "" {
			return fmt.Errorf("stt.bin is required for provider %q", s.STT.Provider)
		}
	case "http":
		if s.STT.URL == "" {
			return fmt.Errorf("stt.url is required for provider http")
		}
	case "deepgram":
		if s.STT.DeepgramKey == "" {
			return fmt.Errorf("stt.deepgram_api_key is required for provider deepgram")
		}
	default:
		return fmt.Errorf("unknown stt.provider %q", s.STT.Provider)
	}
	switch s.TTS.Provider {
	case "http":
		if s.TTS.URL == "" {
			return fmt.Errorf("tts.url is required for provider http")
		}
	case "elevenlabs":
		if s.TTS.ElevenLabsKey == "" {
			return fmt.Errorf("tts.elevenlabs_api_key is required for provider elevenlabs")
		}
	default:
		return fmt.Errorf("unknown tts.provider %q", s.TTS.Provider)
	}
	return nil
}

// CoordinatorConfig maps the timing settings onto the coordinator.
func (s Settings) CoordinatorConfig(selfUserID string) voice.CoordinatorConfig {
	c := voice.DefaultCoordinatorConfig()
	c.MinIndicatorOn = s.Timing.MinIndicatorOn
	c.SpeechGap = s.Timing.SpeechGap
	c.MaxUtterance = s.Timing.MaxUtterance
	c.MinUtterance = s.Timing.MinUtterance
	c.SelfUserID = selfUserID
	c.MultiMemberNotice = s.Notices.MultiMember
	return c
}

func (s Settings) PipelineConfig() voice.PipelineConfig {
	return voice.PipelineConfig{
		RecordingDir: s.Paths.RecordingDir,
		VoiceDir:     s.Paths.VoiceDir,
		STTTimeout:   s.Timing.STTTimeout,
		LLMTimeout:   s.Timing.LLMTimeout,
		TTSTimeout:   s.Timing.TTSTimeout,
		RetryDelay:   s.Timing.RetryDelay,
		ContextTurns: s.Reply.ContextTurns,
		Limits:       voice.ReplyLimits{MaxChars: s.Reply.MaxChars, MaxSentences: s.Reply.MaxSentences},
		Notices: voice.Notices{
			PleaseWait:      s.Notices.PleaseWait,
			STTFallback:     s.Notices.STTFallback,
			GeneralFallback: s.Notices.GeneralFallback,
			MultiMember:     s.Notices.MultiMember,
		},
	}
}
