// Package httpclient posts to collaborator services with retry and backoff.
package httpclient

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/discord-voice-lab/companion/internal/logging"
)

// StatusError is returned for a non-2xx response after retries.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.Status, e.Body)
}

// Request describes one POST.
type Request struct {
	URL           string
	ContentType   string
	Body          []byte
	AuthToken     string
	CorrelationID string
	// Attempts is the total number of tries; 5xx responses and transport
	// errors are retried, 4xx are not.
	Attempts int
	// Backoff is the first retry delay, doubled per attempt.
	Backoff time.Duration
}

// PostWithRetries sends r and returns the response body. The body is fully
// read before returning so the caller's context can end right away.
func PostWithRetries(ctx context.Context, client *http.Client, r Request) ([]byte, error) {
	if client == nil {
		client = http.DefaultClient
	}
	attempts := r.Attempts
	if attempts <= 0 {
		attempts = 1
	}
	backoff := r.Backoff
	if backoff <= 0 {
		backoff = 200 * time.Millisecond
	}
	ct := r.ContentType
	if ct == "" {
		ct = "application/json"
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("%w (last error: %v)", ctx.Err(), lastErr)
			case <-time.After(backoff * time.Duration(1<<(i-1))):
			}
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.URL, bytes.NewReader(r.Body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", ct)
		if r.AuthToken != "" {
			req.Header.Set("Authorization", "Bearer "+r.AuthToken)
		}
		if r.CorrelationID != "" {
			req.Header.Set("X-Correlation-ID", r.CorrelationID)
		}

		resp, err := client.Do(req)
		if err != nil {
			lastErr = err
			logging.Debugw("httpclient: POST attempt failed", "url", r.URL, "attempt", i+1, "err", err, "correlation_id", r.CorrelationID)
			if ctx.Err() != nil {
				return nil, err
			}
			continue
		}
		body, rerr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if rerr != nil {
			lastErr = rerr
			continue
		}
		if resp.StatusCode >= 500 {
			lastErr = &StatusError{Status: resp.StatusCode, Body: truncate(body)}
			logging.Warnw("httpclient: server error", "url", r.URL, "status", resp.StatusCode, "attempt", i+1, "correlation_id", r.CorrelationID)
			continue
		}
		if resp.StatusCode >= 300 {
			return nil, &StatusError{Status: resp.StatusCode, Body: truncate(body)}
		}
		return body, nil
	}
	return nil, lastErr
}

func truncate(b []byte) string {
	const max = 256
	if len(b) > max {
		return string(b[:max]) + "..."
	}
	return string(b)
}
