package llm

import (
	"context"
	"net/http"
	"strings"
	"sync"

	"google.golang.org/genai"
)

// Gemini calls the Gemini API through the genai SDK.
type Gemini struct {
	APIKey      string
	Temperature float32
	MaxTokens   int32
	HTTP        *http.Client

	once    sync.Once
	client  *genai.Client
	initErr error
}

func (g *Gemini) Name() string { return "gemini" }

func (g *Gemini) init(ctx context.Context) error {
	g.once.Do(func() {
		if g.APIKey == "" {
			g.initErr = permanent("gemini: api key not configured")
			return
		}
		g.client, g.initErr = genai.NewClient(ctx, &genai.ClientConfig{
			APIKey:     g.APIKey,
			Backend:    genai.BackendGeminiAPI,
			HTTPClient: g.HTTP,
		})
		if g.initErr != nil {
			g.initErr = permanent("gemini: %v", g.initErr)
		}
	})
	return g.initErr
}

func (g *Gemini) Complete(ctx context.Context, model string, req Request) (string, error) {
	if err := g.init(context.WithoutCancel(ctx)); err != nil {
		return "", err
	}
	var contents []*genai.Content
	for _, t := range req.History {
		role := genai.RoleUser
		if t.Role == "assistant" {
			role = genai.RoleModel
		}
		contents = append(contents, genai.NewContentFromText(t.Text, role))
	}
	contents = append(contents, genai.NewContentFromText(req.UserText, genai.RoleUser))

	temp := g.Temperature
	if req.Character.Params.Temperature != nil {
		temp = float32(*req.Character.Params.Temperature)
	}
	maxTokens := g.MaxTokens
	if req.Character.Params.MaxTokens > 0 {
		maxTokens = int32(req.Character.Params.MaxTokens)
	}
	cfg := &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(BuildSystemPrompt(req.Character), genai.RoleUser),
		Temperature:       genai.Ptr(temp),
		MaxOutputTokens:   maxTokens,
	}
	resp, err := g.client.Models.GenerateContent(ctx, model, contents, cfg)
	if err != nil {
		if ctx.Err() != nil {
			return "", transient("gemini: %v", ctx.Err())
		}
		return "", transient("gemini: %v", err)
	}
	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return "", transient("gemini: %v", ErrEmptyReply)
	}
	return text, nil
}
