package voice

import (
	"regexp"
	"strings"
	"unicode"
)

const ellipsis = "…"

var (
	broadcastMention = regexp.MustCompile(`@everyone|@here`)
	whitespaceRun    = regexp.MustCompile(`\s+`)
	repeatedStop     = regexp.MustCompile(`。{2,}`)
)

// ReplyLimits bounds a generated reply before it is spoken.
type ReplyLimits struct {
	MaxChars     int
	MaxSentences int
}

// SanitizeReply makes a model reply safe and short enough to speak: no
// broadcast mentions, single-spaced, at most one question, at most
// MaxSentences sentences and MaxChars characters (plus an ellipsis).
func SanitizeReply(reply string, lim ReplyLimits) string {
	text := broadcastMention.ReplaceAllString(reply, "")
	text = strings.TrimSpace(whitespaceRun.ReplaceAllString(text, " "))
	text = limitQuestionMarks(text)
	if lim.MaxSentences > 0 {
		text = limitSentences(text, lim.MaxSentences)
	}
	if lim.MaxChars > 0 {
		if r := []rune(text); len(r) > lim.MaxChars {
			text = string(r[:lim.MaxChars]) + ellipsis
		}
	}
	return text
}

// limitQuestionMarks keeps the first question mark; later ones become a
// full stop of the same script.
func limitQuestionMarks(text string) string {
	seen := false
	var b strings.Builder
	b.Grow(len(text))
	for _, r := range text {
		switch r {
		case '?', '？':
			if !seen {
				seen = true
				b.WriteRune(r)
			} else if r == '？' {
				b.WriteRune('。')
			} else {
				b.WriteRune('.')
			}
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

func limitSentences(text string, max int) string {
	sentences := splitSentences(text)
	if len(sentences) <= max {
		return text
	}
	return strings.TrimSpace(strings.Join(sentences[:max], ""))
}

func isSentenceStop(r rune) bool {
	switch r {
	case '。', '！', '？', '.', '!', '?':
		return true
	}
	return false
}

// splitSentences cuts text after each run of terminators. Japanese
// terminators always end a sentence; ASCII ones only before whitespace or
// the end of text, so "2.5" and "example.com" stay whole.
func splitSentences(text string) []string {
	rs := []rune(text)
	var out []string
	start := 0
	for i := 0; i < len(rs); i++ {
		if !isSentenceStop(rs[i]) {
			continue
		}
		end := i
		wide := false
		for end < len(rs) && isSentenceStop(rs[end]) {
			if rs[end] > unicode.MaxASCII {
				wide = true
			}
			end++
		}
		if wide || end == len(rs) || unicode.IsSpace(rs[end]) {
			out = append(out, string(rs[start:end]))
			start = end
		}
		i = end - 1
	}
	if rest := string(rs[start:]); strings.TrimSpace(rest) != "" {
		out = append(out, rest)
	}
	return out
}

// NormalizeTranscript trims STT output. Results shorter than two characters
// are treated as no speech and returned empty.
func NormalizeTranscript(text string) string {
	text = strings.TrimSpace(text)
	if len([]rune(text)) <= 1 {
		return ""
	}
	return text
}

// FormatSpeechText prepares text for synthesis: single spaces and no
// repeated Japanese full stops.
func FormatSpeechText(text string) string {
	text = strings.TrimSpace(whitespaceRun.ReplaceAllString(text, " "))
	return repeatedStop.ReplaceAllString(text, "。")
}
