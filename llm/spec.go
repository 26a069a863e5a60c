package llm

import "strings"

// Spec is a parsed "provider:model" string.
type Spec struct {
	Provider string
	Model    string
}

func (s Spec) String() string { return s.Provider + ":" + s.Model }

// ParseSpec splits spec at the first colon. Model names may contain colons
// ("ollama:qwen2.5:3b-instruct"). When the prefix is not in known, or there
// is no usable model after it, the whole string is a model for
// defaultProvider.
func ParseSpec(spec, defaultProvider string, known []string) Spec {
	trimmed := strings.TrimSpace(spec)
	if i := strings.Index(trimmed, ":"); i > 0 {
		prefix := strings.ToLower(trimmed[:i])
		model := strings.TrimSpace(trimmed[i+1:])
		if model != "" {
			for _, k := range known {
				if k == prefix {
					return Spec{Provider: prefix, Model: model}
				}
			}
		}
	}
	return Spec{Provider: defaultProvider, Model: trimmed}
}
