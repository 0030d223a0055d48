package llm

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

const rerankSnippetLen = 200

// SimpleLLMReranker asks a generation model to order candidate answers
// for a requirement. Unusable answers keep the input order.
type SimpleLLMReranker struct {
	LLM LLMClient
}

func NewSimpleLLMReranker(client LLMClient) *SimpleLLMReranker {
	return &SimpleLLMReranker{LLM: client}
}

func (r *SimpleLLMReranker) Rank(ctx context.Context, query string, docs []string) ([]int, error) {
	if len(docs) == 0 {
		return nil, nil
	}
	if len(docs) == 1 {
		return []int{0}, nil
	}

	var docList strings.Builder
	for i, d := range docs {
		content := d
		if len(content) > rerankSnippetLen {
			content = content[:rerankSnippetLen] + "..."
		}
		fmt.Fprintf(&docList, "[%d] %s\n", i, content)
	}

	prompt := fmt.Sprintf(`A bid response must answer this requirement:
%s

Candidate answer cards:
%s
Order the cards by how directly each one answers the requirement.
Output ONLY the card indices, best first, separated by commas.
Example: 0, 2, 1`, query, docList.String())

	resp, err := r.LLM.Generate(ctx, prompt)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return identity(len(docs)), nil
	}
	indices := parseIndices(resp, len(docs))
	if len(indices) == 0 {
		return identity(len(docs)), nil
	}
	return indices, nil
}

var indexPattern = regexp.MustCompile(`\d+`)

// parseIndices keeps the first mention of each index below n.
func parseIndices(s string, n int) []int {
	seen := make(map[int]bool)
	var indices []int
	for _, m := range indexPattern.FindAllString(s, -1) {
		i, err := strconv.Atoi(m)
		if err != nil || i >= n || seen[i] {
			continue
		}
		seen[i] = true
		indices = append(indices, i)
	}
	return indices
}

func identity(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}
