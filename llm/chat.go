package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
)

const (
	// Per-attempt request timeout. Reasoning models are slow; the enclosing
	// cycle tolerates up to three attempts.
	attemptTimeout = 120 * time.Second

	maxRetries  = 3
	temperature = 0.5
	maxTokens   = 2000
)

// chatClient speaks the OpenAI-compatible chat completion wire format used by
// all supported providers.
type chatClient struct {
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client
	log        zerolog.Logger
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []message `json:"messages"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature float64   `json:"temperature,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Message string      `json:"message"`
		Type    string      `json:"type"`
		Code    interface{} `json:"code"`
	} `json:"error,omitempty"`
}

func newChatClient(baseURL, apiKey, model, proxy string) *chatClient {
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	if proxy != "" {
		if proxyURL, err := url.Parse(proxy); err == nil {
			transport.Proxy = http.ProxyURL(proxyURL)
		}
	}

	return &chatClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		model:   model,
		httpClient: &http.Client{
			Timeout:   attemptTimeout,
			Transport: transport,
		},
		log: zlog.With().Str("component", "llm").Str("model", model).Logger(),
	}
}

func (c *chatClient) Model() string {
	return c.model
}

// Chat sends the prompt pair and returns the raw model output. Transient
// failures are retried up to maxRetries with exponential backoff; 4xx-class
// rejections are surfaced immediately.
func (c *chatClient) Chat(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	messages := []message{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: userPrompt},
	}

	var lastErr error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		content, err := c.doChat(ctx, messages, attempt)
		if err == nil {
			return content, nil
		}
		lastErr = err

		if !isRetryable(err) {
			return "", err
		}
		if attempt < maxRetries {
			backoff := time.Duration(1<<uint(attempt-1)) * time.Second
			c.log.Warn().Err(err).Int("attempt", attempt).Dur("backoff", backoff).Msg("chat attempt failed, retrying")
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}
	}

	return "", fmt.Errorf("max retries exceeded: %w", lastErr)
}

func (c *chatClient) doChat(ctx context.Context, messages []message, attempt int) (string, error) {
	start := time.Now()

	req := chatRequest{
		Model:       c.model,
		Messages:    messages,
		MaxTokens:   maxTokens,
		Temperature: temperature,
	}
	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, attemptTimeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	elapsed := time.Since(start)
	if err != nil {
		return "", fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}

	c.log.Debug().Int("status", resp.StatusCode).Dur("elapsed", elapsed).Int("attempt", attempt).Msg("chat response")

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("chat request failed with status %d: %s", resp.StatusCode, truncate(string(respBody), 300))
	}

	var chatResp chatResponse
	if err := json.Unmarshal(respBody, &chatResp); err != nil {
		return "", fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if chatResp.Error != nil {
		return "", fmt.Errorf("provider error: %s", chatResp.Error.Message)
	}
	if len(chatResp.Choices) == 0 {
		return "", fmt.Errorf("no response choices returned")
	}

	content := chatResp.Choices[0].Message.Content
	if strings.TrimSpace(content) == "" {
		return "", fmt.Errorf("empty response content")
	}
	return content, nil
}

// isRetryable reports whether the error belongs to a transient class. Vendor
// rejections (4xx, auth) are deliberately absent: retrying those only burns
// quota.
func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	errStr := strings.ToLower(err.Error())
	retryablePatterns := []string{
		"timeout",
		"deadline exceeded",
		"connection reset",
		"connection refused",
		"temporary failure",
		"no such host",
		"eof",
		"stream error",
		"status 429",
		"status 500",
		"status 502",
		"status 503",
		"status 504",
	}
	for _, pattern := range retryablePatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}
	return false
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
