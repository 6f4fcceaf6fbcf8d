package llm

import (
	"context"
	"fmt"
	"strings"
)

// Client is the chat capability the decision engine depends on: two prompts
// in, raw model text out. Implementations handle transport, retry and timeout.
type Client interface {
	Chat(ctx context.Context, systemPrompt, userPrompt string) (string, error)
	Model() string
}

// Config selects a provider and credentials for one trader's model row.
type Config struct {
	Provider  string // "openrouter", "deepseek", "qwen", "custom"
	APIKey    string
	BaseURL   string // required for "custom", optional override otherwise
	ModelName string // optional override of the provider default
	Proxy     string // optional outbound proxy URL
}

// New builds a chat client for the given provider configuration.
func New(cfg Config) (Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("llm: api key is required")
	}

	baseURL := cfg.BaseURL
	model := cfg.ModelName

	switch strings.ToLower(cfg.Provider) {
	case "openrouter":
		if baseURL == "" {
			baseURL = "https://openrouter.ai/api/v1"
		}
		if model == "" {
			model = "deepseek/deepseek-chat"
		}
	case "deepseek":
		if baseURL == "" {
			baseURL = "https://api.deepseek.com/v1"
		}
		if model == "" {
			model = "deepseek-chat"
		}
	case "qwen":
		if baseURL == "" {
			baseURL = "https://dashscope.aliyuncs.com/compatible-mode/v1"
		}
		if model == "" {
			model = "qwen-plus"
		}
	case "custom":
		if baseURL == "" {
			return nil, fmt.Errorf("llm: custom provider requires a base URL")
		}
		if model == "" {
			return nil, fmt.Errorf("llm: custom provider requires a model name")
		}
	default:
		return nil, fmt.Errorf("llm: unknown provider %q", cfg.Provider)
	}

	return newChatClient(baseURL, cfg.APIKey, model, cfg.Proxy), nil
}
