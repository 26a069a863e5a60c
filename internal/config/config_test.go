package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaultsAndLegacyEnv(t *testing.T) {
	t.Setenv("COMPANION_CONFIG", "")
	t.Setenv("DISCORD_BOT_TOKEN", "tok")
	t.Setenv("LLM_PROVIDER", " Gemini ")
	t.Setenv("ALLOWED_USER_IDS", "u1, u2,")

	s, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if s.Discord.Token != "tok" || s.LLM.Provider != "gemini" {
		t.Fatalf("legacy env not applied: %+v", s.Discord)
	}
	if len(s.Discord.AllowedUsers) != 2 || s.Discord.AllowedUsers[1] != "u2" {
		t.Fatalf("allowed users: %q", s.Discord.AllowedUsers)
	}
	if s.Timing.MinIndicatorOn != 800*time.Millisecond || s.Timing.STTTimeout != 8*time.Second {
		t.Fatalf("timing defaults: %+v", s.Timing)
	}
	if s.Reply.ContextTurns != 20 || s.Reply.MaxChars != 300 {
		t.Fatalf("reply defaults: %+v", s.Reply)
	}
}

func TestLoadFileThenPrefixedEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := "discord:\n  token: file-token\ntiming:\n  speech_gap: 700ms\n  stt_timeout: 5s\nguild:\n  debug_level: 2\n"
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv("COMPANION_CONFIG", path)
	t.Setenv("COMPANION_TIMING_STT_TIMEOUT", "3s")

	s, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if s.Discord.Token != "file-token" || s.Guild.DebugLevel != 2 {
		t.Fatalf("file values not applied: %+v", s)
	}
	if s.Timing.SpeechGap != 700*time.Millisecond || s.Timing.STTTimeout != 3*time.Second {
		t.Fatalf("timing: gap=%s stt=%s", s.Timing.SpeechGap, s.Timing.STTTimeout)
	}
	pc := s.PipelineConfig()
	if pc.STTTimeout != 3*time.Second || pc.Notices.GeneralFallback == "" {
		t.Fatalf("pipeline config: %+v", pc)
	}
	if cc := s.CoordinatorConfig("self"); cc.SpeechGap != 700*time.Millisecond || cc.SelfUserID != "self" {
		t.Fatalf("coordinator config: %+v", cc)
	}
}

func TestValidateRejects(t *testing.T) {
	base := func() Settings {
		t.Setenv("COMPANION_CONFIG", "")
		t.Setenv("DISCORD_BOT_TOKEN", "tok")
		s, err := Load("")
		if err != nil {
			t.Fatalf("load: %v", err)
		}
		return s
	}
	cases := map[string]func(*Settings){
		"token":       func(s *Settings) { s.Discord.Token = " " },
		"timeout":     func(s *Settings) { s.Timing.LLMTimeout = 0 },
		"min>=max":    func(s *Settings) { s.Timing.MinUtterance = s.Timing.MaxUtterance },
		"debug level": func(s *Settings) { s.Guild.DebugLevel = 3 },
		"stt":         func(s *Settings) { s.STT.Provider = "mystery" },
		"deepgram":    func(s *Settings) { s.STT.Provider = "deepgram" },
		"tts":         func(s *Settings) { s.TTS.Provider = "elevenlabs" },
	}
	for name, mutate := range cases {
		s := base()
		mutate(&s)
		if err := s.Validate(); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}

func TestLoadMissingTokenFails(t *testing.T) {
	t.Setenv("COMPANION_CONFIG", "")
	t.Setenv("DISCORD_BOT_TOKEN", "")
	t.Setenv("DISCORD_TOKEN", "")
	t.Setenv("COMPANION_DISCORD_TOKEN", "")
	if _, err := Load(""); err == nil || !strings.Contains(err.Error(), "discord.token") {
		t.Fatalf("expected token error, got %v", err)
	}
}

func TestLoadDotEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(path, []byte("COMPANION_DOTENV_PROBE=from-file\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Cleanup(func() { os.Unsetenv("COMPANION_DOTENV_PROBE") })
	if err := LoadDotEnv(path); err != nil {
		t.Fatalf("load: %v", err)
	}
	if got := os.Getenv("COMPANION_DOTENV_PROBE"); got != "from-file" {
		t.Fatalf("dotenv value: %q", got)
	}
	if err := LoadDotEnv(filepath.Join(t.TempDir(), "missing.env")); err != nil {
		t.Fatalf("missing file should be ignored: %v", err)
	}
}
