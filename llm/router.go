package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/discord-voice-lab/companion/internal/logging"
)

// RetryPolicy retries transient failures with exponential backoff.
type RetryPolicy struct {
	Attempts  int
	BaseDelay time.Duration
}

// DefaultRetry is three attempts at 500 ms, 1 s.
var DefaultRetry = RetryPolicy{Attempts: 3, BaseDelay: 500 * time.Millisecond}

// Do runs fn until it succeeds, returns a permanent error, the context ends
// or attempts run out.
func (p RetryPolicy) Do(ctx context.Context, fn func(context.Context) (string, error)) (string, error) {
	attempts := p.Attempts
	if attempts <= 0 {
		attempts = 1
	}
	var lastErr error
	for i := 0; i < attempts; i++ {
		out, err := fn(ctx)
		if err == nil {
			return out, nil
		}
		lastErr = err
		if IsPermanent(err) || i == attempts-1 {
			break
		}
		delay := p.BaseDelay * time.Duration(1<<i)
		select {
		case <-ctx.Done():
			return "", fmt.Errorf("%w (after %d attempts)", lastErr, i+1)
		case <-time.After(delay):
		}
	}
	return "", lastErr
}

// Router picks a provider from the request's model spec and applies the
// retry policy. When the primary spec fails, Fallback (if set) is tried.
type Router struct {
	Default   string
	Providers map[string]Provider
	Retry     RetryPolicy
	Fallback  string
}

func NewRouter(defaultProvider string, providers ...Provider) *Router {
	r := &Router{Default: defaultProvider, Providers: map[string]Provider{}, Retry: DefaultRetry}
	for _, p := range providers {
		r.Providers[p.Name()] = p
	}
	return r
}

func (r *Router) known() []string {
	out := make([]string, 0, len(r.Providers))
	for k := range r.Providers {
		out = append(out, k)
	}
	return out
}

// Resolve parses spec against the registered providers.
func (r *Router) Resolve(spec string) Spec {
	return ParseSpec(spec, r.Default, r.known())
}

// Generate returns the reply for req.
func (r *Router) Generate(ctx context.Context, req Request) (string, error) {
	primary := r.Resolve(req.ModelSpec)
	out, err := r.generate(ctx, primary, req)
	if err == nil || r.Fallback == "" || ctx.Err() != nil {
		return out, err
	}
	fb := r.Resolve(r.Fallback)
	if fb == primary {
		return "", err
	}
	logging.Warnw("llm: falling back to secondary provider", "primary", primary.String(), "fallback", fb.String(), "err", err)
	out, fbErr := r.generate(ctx, fb, req)
	if fbErr != nil {
		return "", errors.Join(err, fbErr)
	}
	return out, nil
}

func (r *Router) generate(ctx context.Context, spec Spec, req Request) (string, error) {
	p, ok := r.Providers[spec.Provider]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownProvider, spec.Provider)
	}
	start := time.Now()
	out, err := r.Retry.Do(ctx, func(ctx context.Context) (string, error) {
		return p.Complete(ctx, spec.Model, req)
	})
	logging.Debugw("llm: generate finished", "provider", spec.Provider, "model", spec.Model, "took_ms", time.Since(start).Milliseconds(), "err", err)
	return out, err
}

// CheckOllama verifies an Ollama server answers on /api/tags.
func CheckOllama(ctx context.Context, host string, client *http.Client) error {
	if client == nil {
		client = &http.Client{Timeout: 3 * time.Second}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(host, "/")+"/api/tags", nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("ollama unreachable at %s: %w", host, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("ollama health check returned status %d", resp.StatusCode)
	}
	return nil
}
