// Package llm holds the optional model clients: text generation for the
// contradiction judge, embeddings for requirement matching and a reranker.
package llm

import (
	"context"
	"fmt"
)

// systemPrompt frames every generation request. Callers put the task and
// the expected answer format in the user prompt.
const systemPrompt = "You review answers kept in a proposal knowledge base. " +
	"Answer only in the format the request asks for, without commentary."

type LLMClient interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

type EmbedderClient interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// BatchEmbedder embeds several texts in one request. The result lines up
// with texts.
type BatchEmbedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// RerankerClient returns document indices, most relevant first.
type RerankerClient interface {
	Rank(ctx context.Context, query string, documents []string) ([]int, error)
}

// EmbedAll embeds texts with one batch request when e supports it, one
// request per text otherwise.
func EmbedAll(ctx context.Context, e EmbedderClient, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	if b, ok := e.(BatchEmbedder); ok {
		out, err := b.EmbedBatch(ctx, texts)
		if err != nil {
			return nil, err
		}
		if len(out) != len(texts) {
			return nil, fmt.Errorf("embedding batch returned %d vectors for %d texts", len(out), len(texts))
		}
		return out, nil
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		vec, err := e.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = vec
	}
	return out, nil
}
