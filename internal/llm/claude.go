package llm

import (
	"context"
	"fmt"

	"github.com/liushuangls/go-anthropic/v2"
)

const defaultClaudeMaxTokens = 1000

// ClaudeClient only generates text; Anthropic has no embeddings endpoint.
type ClaudeClient struct {
	client    *anthropic.Client
	model     string
	maxTokens int
}

func NewClaudeClient(apiKey, model, baseURL string, maxTokens int) *ClaudeClient {
	var opts []anthropic.ClientOption
	if baseURL != "" {
		opts = append(opts, anthropic.WithBaseURL(baseURL))
	}
	if maxTokens <= 0 {
		maxTokens = defaultClaudeMaxTokens
	}
	return &ClaudeClient{
		client:    anthropic.NewClient(apiKey, opts...),
		model:     model,
		maxTokens: maxTokens,
	}
}

func (c *ClaudeClient) Generate(ctx context.Context, prompt string) (string, error) {
	var temperature float32
	resp, err := c.client.CreateMessages(ctx, anthropic.MessagesRequest{
		Model:  anthropic.Model(c.model),
		System: systemPrompt,
		Messages: []anthropic.Message{
			anthropic.NewUserTextMessage(prompt),
		},
		MaxTokens:   c.maxTokens,
		Temperature: &temperature,
	})
	if err != nil {
		return "", err
	}
	for _, part := range resp.Content {
		if part.Text != nil {
			return *part.Text, nil
		}
	}
	return "", fmt.Errorf("no text in %s response", c.model)
}
