package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/planloom/extraction-backend/internal/pkg/apperr"
	"github.com/planloom/extraction-backend/internal/pkg/logger"
	"github.com/planloom/extraction-backend/internal/platform/config"
)

// Attachment is an image handed to the model alongside the prompt,
// typically a rendered document page.
type Attachment struct {
	MimeType string
	DataURL  string
}

// LLMClient is the opaque model capability. Retry policy lives here and
// only here; callers must not add their own retries on top or a paid
// external service gets double-called.
type LLMClient interface {
	Ask(ctx context.Context, systemPrompt, userPrompt string, attachments []Attachment, responseSchema map[string]any) (string, error)
}

type httpLLMClient struct {
	log        *logger.Logger
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client
	maxRetries int
}

func NewHTTPLLMClient(cfg *config.Config, log *logger.Logger) (LLMClient, error) {
	if cfg.LLM.APIKey == "" {
		return nil, fmt.Errorf("missing LLM API key")
	}
	timeout := cfg.ExternalTimeout()
	if cfg.LLM.TimeoutSeconds > 0 {
		timeout = time.Duration(cfg.LLM.TimeoutSeconds) * time.Second
		if timeout < config.MinExternalTimeout {
			timeout = config.MinExternalTimeout
		}
		if timeout > config.MaxExternalTimeout {
			timeout = config.MaxExternalTimeout
		}
	}
	return &httpLLMClient{
		log:        log.With("service", "LLMClient"),
		baseURL:    strings.TrimRight(cfg.LLM.BaseURL, "/"),
		apiKey:     cfg.LLM.APIKey,
		model:      cfg.LLM.Model,
		httpClient: &http.Client{Timeout: timeout},
		maxRetries: cfg.LLM.MaxRetries,
	}, nil
}

type llmHTTPError struct {
	StatusCode int
	Body       string
}

func (e *llmHTTPError) Error() string {
	return fmt.Sprintf("llm http %d: %s", e.StatusCode, e.Body)
}

func isRetryableHTTP(code int) bool {
	if code == 408 || code == 429 {
		return true
	}
	return code >= 500 && code <= 599
}

func isRetryableErr(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var httpErr *llmHTTPError
	if errors.As(err, &httpErr) {
		return isRetryableHTTP(httpErr.StatusCode)
	}
	return false
}

func (c *httpLLMClient) Ask(ctx context.Context, systemPrompt, userPrompt string, attachments []Attachment, responseSchema map[string]any) (string, error) {
	userContent := []map[string]any{{"type": "text", "text": userPrompt}}
	for _, att := range attachments {
		userContent = append(userContent, map[string]any{
			"type":      "image_url",
			"image_url": map[string]any{"url": att.DataURL},
		})
	}
	body := map[string]any{
		"model": c.model,
		"messages": []map[string]any{
			{"role": "system", "content": systemPrompt},
			{"role": "user", "content": userContent},
		},
	}
	if responseSchema != nil {
		body["response_format"] = map[string]any{
			"type": "json_schema",
			"json_schema": map[string]any{
				"name":   "extraction",
				"schema": responseSchema,
				"strict": false,
			},
		}
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			if ctx.Err() != nil {
				break
			}
			backoff := time.Duration(1<<uint(attempt-1)) * time.Second
			if backoff > 20*time.Second {
				backoff = 20 * time.Second
			}
			jitter := time.Duration(rand.Int63n(int64(backoff) / 4))
			select {
			case <-ctx.Done():
				return "", apperr.New(apperr.KindTransientExternal, "llm_cancelled", ctx.Err())
			case <-time.After(backoff + jitter):
			}
		}
		text, err := c.call(ctx, body)
		if err == nil {
			return text, nil
		}
		lastErr = err
		if !isRetryableErr(err) {
			break
		}
		c.log.Warn("llm call retryable failure", "attempt", attempt, "error", err.Error())
	}
	return "", apperr.New(apperr.KindTransientExternal, "llm_unavailable", lastErr)
}

func (c *httpLLMClient) call(ctx context.Context, body map[string]any) (string, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/chat/completions", bytes.NewReader(raw))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 10*1024*1024))
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", &llmHTTPError{StatusCode: resp.StatusCode, Body: truncate(string(payload), 512)}
	}

	var parsed struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(payload, &parsed); err != nil {
		return "", fmt.Errorf("decode llm response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("llm response has no choices")
	}
	return parsed.Choices[0].Message.Content, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// textInvoker narrows the client to prompt-only calls for the agent chain.
type textInvoker struct {
	client LLMClient
}

func NewTextInvoker(client LLMClient) *textInvoker {
	return &textInvoker{client: client}
}

func (t *textInvoker) Ask(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	return t.client.Ask(ctx, systemPrompt, userPrompt, nil, nil)
}
