package llm

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agenthands/cardforge/internal/config"
)

type mockLLM struct {
	Response string
	Err      error
	Prompts  []string
}

func (m *mockLLM) Generate(ctx context.Context, prompt string) (string, error) {
	m.Prompts = append(m.Prompts, prompt)
	return m.Response, m.Err
}

func TestReranker(t *testing.T) {
	ctx := context.Background()
	docs := []string{"uptime", "encryption", "backups"}

	m := &mockLLM{Response: "2, 0, 2, 7, 1"}
	got, err := NewSimpleLLMReranker(m).Rank(ctx, "how are backups kept", docs)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 0, 1}, got)
	require.Len(t, m.Prompts, 1)
	assert.Contains(t, m.Prompts[0], "[1] encryption")

	got, err = NewSimpleLLMReranker(&mockLLM{Err: errors.New("rate limited")}).Rank(ctx, "q", docs)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2}, got)

	got, err = NewSimpleLLMReranker(&mockLLM{Response: "no idea"}).Rank(ctx, "q", docs)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2}, got)

	m = &mockLLM{}
	got, err = NewSimpleLLMReranker(m).Rank(ctx, "q", docs[:1])
	require.NoError(t, err)
	assert.Equal(t, []int{0}, got)
	assert.Empty(t, m.Prompts)
}

func TestNewClient(t *testing.T) {
	ctx := context.Background()

	gen, emb, err := NewClient(ctx, config.LLMConfig{}, nil)
	require.NoError(t, err)
	assert.Nil(t, gen)
	assert.Nil(t, emb)

	gen, emb, err = NewClient(ctx, config.LLMConfig{Provider: "OpenAI", APIKey: "k", Model: "gpt-4o-mini"}, nil)
	require.NoError(t, err)
	assert.IsType(t, &OpenAIClient{}, gen)
	assert.Same(t, gen, emb)

	gen, emb, err = NewClient(ctx, config.LLMConfig{Provider: "claude", APIKey: "k"}, nil)
	require.NoError(t, err)
	assert.IsType(t, &ClaudeClient{}, gen)
	assert.Nil(t, emb)

	gen, _, err = NewClient(ctx, config.LLMConfig{Provider: "ollama", Model: "llama3"}, nil)
	require.NoError(t, err)
	assert.IsType(t, &OpenAIClient{}, gen)

	_, _, err = NewClient(ctx, config.LLMConfig{Provider: "watson"}, nil)
	assert.EqualError(t, err, "unsupported llm provider: watson")
}

func TestOllamaBaseURL(t *testing.T) {
	assert.Equal(t, "http://localhost:11434/v1", OllamaBaseURL(""))
	assert.Equal(t, "http://gpu:11434/v1", OllamaBaseURL("http://gpu:11434/"))
	assert.Equal(t, "http://gpu:11434/v1", OllamaBaseURL("http://gpu:11434/v1"))
}

type singleEmbedder struct{ calls int }

func (e *singleEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	e.calls++
	return []float32{float32(len(text))}, nil
}

type batchEmbedder struct {
	singleEmbedder
	batches int
	short   bool
}

func (e *batchEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	e.batches++
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = []float32{float32(len(t))}
	}
	if e.short {
		out = out[1:]
	}
	return out, nil
}

func TestEmbedAll(t *testing.T) {
	ctx := context.Background()
	texts := []string{"a", "bb", "ccc"}

	single := &singleEmbedder{}
	got, err := EmbedAll(ctx, single, texts)
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{1}, {2}, {3}}, got)
	assert.Equal(t, 3, single.calls)

	batch := &batchEmbedder{}
	got, err = EmbedAll(ctx, batch, texts)
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{1}, {2}, {3}}, got)
	assert.Equal(t, 1, batch.batches)
	assert.Zero(t, batch.calls)

	_, err = EmbedAll(ctx, &batchEmbedder{short: true}, texts)
	assert.EqualError(t, err, "embedding batch returned 2 vectors for 3 texts")

	got, err = EmbedAll(ctx, batch, nil)
	require.NoError(t, err)
	assert.Nil(t, got)
}
