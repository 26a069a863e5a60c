package llm

import (
	"strings"
)

// outputRules are appended to every persona prompt. Replies are spoken, so
// they must read like speech.
var outputRules = []string{
	"Always take every part of this prompt into account.",
	"You are speaking out loud. Produce only sentences a person would say, with a natural amount of filler.",
	"Never offer generic help such as asking whether there is anything else you can do.",
	"Output rules:",
	"- One or two short remarks, under 200 characters",
	"- At most one question",
	"- No emoji, symbols, bold or italics",
	"What follows is what the other person said.",
}

// BuildSystemPrompt joins the persona prompt, speaking style and output
// rules, skipping blank lines.
func BuildSystemPrompt(c Character) string {
	lines := append([]string{c.SystemPrompt, c.SpeakingStyle}, outputRules...)
	kept := lines[:0]
	for _, l := range lines {
		if strings.TrimSpace(l) != "" {
			kept = append(kept, l)
		}
	}
	return strings.Join(kept, "\n")
}

// BuildChatMessages renders a request as system + history + user messages.
func BuildChatMessages(req Request) []Message {
	msgs := []Message{{Role: "system", Content: BuildSystemPrompt(req.Character)}}
	return appendConversation(msgs, req)
}

// BuildInlineSystemMessages is BuildChatMessages for models that reject the
// system role: the system prompt travels as the first user message.
func BuildInlineSystemMessages(req Request) []Message {
	var msgs []Message
	if sp := BuildSystemPrompt(req.Character); strings.TrimSpace(sp) != "" {
		msgs = append(msgs, Message{Role: "user", Content: sp})
	}
	return appendConversation(msgs, req)
}

func appendConversation(msgs []Message, req Request) []Message {
	for _, t := range req.History {
		role := "user"
		if t.Role == "assistant" {
			role = "assistant"
		}
		msgs = append(msgs, Message{Role: role, Content: t.Text})
	}
	return append(msgs, Message{Role: "user", Content: req.UserText})
}
