package conflict

import (
	"context"
	"fmt"

	"github.com/agenthands/cardforge/internal/core/common"
	"github.com/agenthands/cardforge/internal/llm"
)

const defaultJudgePrompt = `Do these two answers to the same RFP question contradict each other?
Be conservative. Only report a contradiction when both cannot be true at the same time (e.g. "data is kept for 30 days" vs "data is kept for 90 days"). Differences in tone, length or detail are not contradictions.

Answer A:
%s

Answer B:
%s

Return a JSON object.
Example: { "contradicts": true, "explanation": "A says 30 days, B says 90 days" }`

// LLMJudge asks a language model whether two answers contradict.
type LLMJudge struct {
	LLM llm.LLMClient
	// Prompt is a format string taking answer A and answer B.
	Prompt string
}

func NewLLMJudge(client llm.LLMClient) *LLMJudge {
	return &LLMJudge{LLM: client, Prompt: defaultJudgePrompt}
}

func (j *LLMJudge) Compare(ctx context.Context, a, b string) (Judgement, error) {
	prompt := j.Prompt
	if prompt == "" {
		prompt = defaultJudgePrompt
	}
	resp, err := j.LLM.Generate(ctx, fmt.Sprintf(prompt, a, b))
	if err != nil {
		return Judgement{}, fmt.Errorf("failed to generate contradiction check: %w", err)
	}
	out, err := common.ParseJSON[Judgement](resp)
	if err != nil {
		return Judgement{}, fmt.Errorf("failed to parse contradiction result: %w", err)
	}
	return out, nil
}
