package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/discord-voice-lab/companion/internal/logging"
	openai "github.com/sashabaranov/go-openai"
)

// Client talks to any OpenAI-compatible chat endpoint. OpenRouter, Ollama's
// /v1 surface and OpenAI itself all go through it.
type Client struct {
	name          string
	BaseURL       string
	APIKey        string
	HTTP          *http.Client
	FallbackModel string
	// InlineSystem sends the system prompt as a user message.
	InlineSystem bool
	Temperature  float64
	MaxTokens    int

	api *openai.Client
}

// ClientConfig configures NewClient.
type ClientConfig struct {
	Name          string
	BaseURL       string
	APIKey        string
	FallbackModel string
	InlineSystem  bool
	Temperature   float64
	MaxTokens     int
	Timeout       time.Duration
	Headers       map[string]string
}

type headerTransport struct {
	base    http.RoundTripper
	headers map[string]string
}

func (h headerTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	r = r.Clone(r.Context())
	for k, v := range h.headers {
		r.Header.Set(k, v)
	}
	return h.base.RoundTrip(r)
}

func NewClient(cfg ClientConfig) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	hc := &http.Client{Timeout: timeout}
	if len(cfg.Headers) > 0 {
		hc.Transport = headerTransport{base: http.DefaultTransport, headers: cfg.Headers}
	}
	base := strings.TrimRight(cfg.BaseURL, "/")
	oc := openai.DefaultConfig(cfg.APIKey)
	oc.BaseURL = base
	oc.HTTPClient = hc
	name := cfg.Name
	if name == "" {
		name = "openai"
	}
	return &Client{
		name:          name,
		BaseURL:       base,
		APIKey:        cfg.APIKey,
		HTTP:          hc,
		FallbackModel: cfg.FallbackModel,
		InlineSystem:  cfg.InlineSystem,
		Temperature:   cfg.Temperature,
		MaxTokens:     cfg.MaxTokens,
		api:           openai.NewClientWithConfig(oc),
	}
}

func (c *Client) Name() string { return c.name }

// Complete sends one chat completion. A transient failure on the primary
// model is retried once on FallbackModel when one is configured.
func (c *Client) Complete(ctx context.Context, model string, req Request) (string, error) {
	if model == "" {
		model = c.FallbackModel
	}
	if model == "" {
		return "", permanent("%s: no model configured", c.name)
	}
	out, err := c.complete(ctx, model, req)
	if err == nil || !errors.Is(err, ErrTransient) {
		return out, err
	}
	if c.FallbackModel == "" || c.FallbackModel == model {
		return "", err
	}
	logging.Warnw("llm: primary model failed, trying fallback", "provider", c.name, "model", model, "fallback", c.FallbackModel, "err", err)
	select {
	case <-ctx.Done():
		return "", transient("%s: %v", c.name, ctx.Err())
	case <-time.After(250 * time.Millisecond):
	}
	return c.complete(ctx, c.FallbackModel, req)
}

func (c *Client) complete(ctx context.Context, model string, req Request) (string, error) {
	var msgs []Message
	if c.InlineSystem {
		msgs = BuildInlineSystemMessages(req)
	} else {
		msgs = BuildChatMessages(req)
	}
	creq := openai.ChatCompletionRequest{
		Model:       model,
		Messages:    make([]openai.ChatCompletionMessage, 0, len(msgs)),
		Temperature: float32(c.Temperature),
		MaxTokens:   c.MaxTokens,
	}
	if p := req.Character.Params; p.Temperature != nil {
		creq.Temperature = float32(*p.Temperature)
	}
	if p := req.Character.Params; p.MaxTokens > 0 {
		creq.MaxTokens = p.MaxTokens
	}
	if p := req.Character.Params; p.TopP != nil {
		creq.TopP = float32(*p.TopP)
	}
	for _, m := range msgs {
		creq.Messages = append(creq.Messages, openai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
	}

	resp, err := c.api.CreateChatCompletion(ctx, creq)
	if err != nil {
		return "", classify(c.name, err)
	}
	content := ""
	if len(resp.Choices) > 0 {
		content = strings.TrimSpace(resp.Choices[0].Message.Content)
	}
	if content == "" {
		logging.Warnw("llm: empty response", "provider", c.name, "model", model, "history", len(req.History), "user_text_len", len(req.UserText))
		return "", fmt.Errorf("%w: %w from %s", ErrTransient, ErrEmptyReply, c.name)
	}
	return content, nil
}

var statusInMessage = regexp.MustCompile(`status code: (\d{3})`)

// classify maps go-openai errors onto ErrTransient / ErrPermanent: 5xx and
// 429 are transient, other 4xx permanent, anything without a status
// (network, timeout) transient.
func classify(name string, err error) error {
	status := 0
	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	switch {
	case errors.As(err, &apiErr):
		status = apiErr.HTTPStatusCode
	case errors.As(err, &reqErr):
		status = reqErr.HTTPStatusCode
	default:
		// Non-JSON error bodies only carry the status in the message.
		if m := statusInMessage.FindStringSubmatch(err.Error()); m != nil {
			status, _ = strconv.Atoi(m[1])
		}
	}
	if status == 0 || status >= 500 || status == http.StatusTooManyRequests {
		return transient("%s: %v", name, err)
	}
	return permanent("%s: status %d: %v", name, status, err)
}
