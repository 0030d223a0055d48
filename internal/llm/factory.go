package llm

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/agenthands/cardforge/internal/config"
)

// NewClient builds the configured provider. An empty provider or "none"
// disables model assistance and returns nil clients. The embedder is nil
// for providers without an embeddings API.
func NewClient(ctx context.Context, cfg config.LLMConfig, log *slog.Logger) (LLMClient, EmbedderClient, error) {
	if log == nil {
		log = slog.Default()
	}
	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))

	switch provider {
	case "", "none":
		return nil, nil, nil

	case "openai":
		c := NewOpenAIClient(cfg.APIKey, cfg.Model, cfg.EmbeddingModel, cfg.BaseURL)
		return c, c, nil

	case "gemini":
		c, err := NewGeminiClient(ctx, cfg.APIKey, cfg.Model, cfg.EmbeddingModel)
		if err != nil {
			return nil, nil, err
		}
		return c, c, nil

	case "claude":
		c := NewClaudeClient(cfg.APIKey, cfg.Model, cfg.BaseURL, cfg.MaxTokens)
		return c, nil, nil

	case "ollama":
		baseURL := OllamaBaseURL(cfg.BaseURL)
		log.Info("using ollama through its OpenAI-compatible API", "base_url", baseURL, "model", cfg.Model)
		// Ollama ignores the key but the client requires one.
		apiKey := cfg.APIKey
		if apiKey == "" {
			apiKey = "ollama"
		}
		c := NewOpenAIClient(apiKey, cfg.Model, cfg.EmbeddingModel, baseURL)
		return c, c, nil

	default:
		return nil, nil, fmt.Errorf("unsupported llm provider: %s", provider)
	}
}

// OllamaBaseURL points a plain Ollama address at its /v1 API.
func OllamaBaseURL(base string) string {
	if base == "" {
		base = "http://localhost:11434"
	}
	if strings.HasSuffix(base, "/v1") {
		return base
	}
	return strings.TrimRight(base, "/") + "/v1"
}
