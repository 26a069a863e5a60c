package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"sync"

	"github.com/mitchellh/mapstructure"

	"github.com/discord-voice-lab/companion/internal/logging"
	"github.com/discord-voice-lab/companion/llm"
)

// DefaultCharacterID is used when no characters file is present.
const DefaultCharacterID = "default"

type characterFile struct {
	ID            string                 `json:"id"`
	DisplayName   string                 `json:"displayName"`
	SystemPrompt  string                 `json:"systemPrompt"`
	SpeakingStyle string                 `json:"speakingStyle"`
	VoicePreset   string                 `json:"voicePreset"`
	LLMParams     map[string]interface{} `json:"llmParams"`
}

// Characters is the persona catalogue loaded from a JSON array file.
type Characters struct {
	path string

	mu    sync.RWMutex
	items []llm.Character
}

// LoadCharacters reads path. A missing file yields an empty catalogue.
func LoadCharacters(path string) (*Characters, error) {
	c := &Characters{path: path}
	if err := c.Reload(); err != nil {
		return nil, err
	}
	return c, nil
}

// Reload re-reads the file. On error the previous catalogue is kept.
func (c *Characters) Reload() error {
	items, err := readCharacters(c.path)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.items = items
	c.mu.Unlock()
	logging.Infow("characters loaded", "path", c.path, "count", len(items))
	return nil
}

func readCharacters(path string) ([]llm.Character, error) {
	raw, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read characters: %w", err)
	}
	var defs []characterFile
	if err := json.Unmarshal(raw, &defs); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	out := make([]llm.Character, 0, len(defs))
	for i, d := range defs {
		if strings.TrimSpace(d.ID) == "" {
			return nil, fmt.Errorf("parse %s: character %d has no id", path, i)
		}
		var params llm.Params
		if err := decodeParams(d.LLMParams, &params); err != nil {
			return nil, fmt.Errorf("character %s: llmParams: %w", d.ID, err)
		}
		out = append(out, llm.Character{
			ID:            d.ID,
			DisplayName:   d.DisplayName,
			SystemPrompt:  d.SystemPrompt,
			SpeakingStyle: d.SpeakingStyle,
			VoicePreset:   d.VoicePreset,
			Params:        params,
		})
	}
	return out, nil
}

// decodeParams accepts loosely typed values ("0.7", 200.0) and camelCase or
// snake_case keys.
func decodeParams(in map[string]interface{}, out *llm.Params) error {
	if len(in) == 0 {
		return nil
	}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "mapstructure",
		Result:           out,
		WeaklyTypedInput: true,
		MatchName: func(mapKey, fieldName string) bool {
			return normalizeKey(mapKey) == normalizeKey(fieldName)
		},
	})
	if err != nil {
		return err
	}
	return dec.Decode(in)
}

func normalizeKey(s string) string {
	s = strings.ToLower(s)
	s = strings.ReplaceAll(s, "_", "")
	return strings.ReplaceAll(s, "-", "")
}

func (c *Characters) All() []llm.Character {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]llm.Character(nil), c.items...)
}

// Find matches value against ids and display names, ignoring case.
func (c *Characters) Find(value string) (llm.Character, bool) {
	v := strings.ToLower(strings.TrimSpace(value))
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, ch := range c.items {
		if strings.ToLower(ch.ID) == v || strings.ToLower(ch.DisplayName) == v {
			return ch, true
		}
	}
	return llm.Character{}, false
}

// DefaultID is the first character's id, or DefaultCharacterID.
func (c *Characters) DefaultID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.items) == 0 {
		return DefaultCharacterID
	}
	return c.items[0].ID
}
