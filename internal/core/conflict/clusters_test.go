package conflict

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agenthands/cardforge/internal/core/model"
)

func conflictBetween(id string, refs ...string) *model.Conflict {
	c := &model.Conflict{ID: id, Status: model.ConflictPending}
	for _, r := range refs {
		c.Entities = append(c.Entities, model.EntityRef{Type: model.EntityCard, ID: r})
	}
	return c
}

func TestClusters(t *testing.T) {
	got := Clusters([]*model.Conflict{
		conflictBetween("c1", "a", "b"),
		conflictBetween("c2", "x", "y"),
		conflictBetween("c3", "b", "c"),
	})
	require.Len(t, got, 2)
	assert.Equal(t, []string{"c1", "c3"}, got[0].ConflictIDs)
	require.Len(t, got[0].Entities, 3)
	assert.Equal(t, "a", got[0].Entities[0].ID)
	assert.Equal(t, "c", got[0].Entities[2].ID)
	assert.Equal(t, []string{"c2"}, got[1].ConflictIDs)
}

func TestClusters_EntityTypesAreDistinct(t *testing.T) {
	c := &model.Conflict{ID: "c1", Entities: []model.EntityRef{
		{Type: model.EntityCard, ID: "1"},
		{Type: model.EntityDocument, ID: "1"},
	}}
	got := Clusters([]*model.Conflict{c})
	require.Len(t, got, 1)
	assert.Len(t, got[0].Entities, 2)
}

func TestClusters_Empty(t *testing.T) {
	assert.Empty(t, Clusters(nil))
}

type mockLLM struct {
	response string
	err      error
	prompt   string
}

func (m *mockLLM) Generate(ctx context.Context, prompt string) (string, error) {
	m.prompt = prompt
	return m.response, m.err
}

func TestLLMJudge(t *testing.T) {
	m := &mockLLM{response: "```json\n{\"contradicts\": true, \"explanation\": \"30 vs 90 days\"}\n```"}
	j := NewLLMJudge(m)

	got, err := j.Compare(context.Background(), "kept 30 days", "kept 90 days")
	require.NoError(t, err)
	assert.True(t, got.Contradicts)
	assert.Equal(t, "30 vs 90 days", got.Explanation)
	assert.Contains(t, m.prompt, "kept 30 days")
	assert.Contains(t, m.prompt, "kept 90 days")
}

func TestLLMJudge_Errors(t *testing.T) {
	_, err := NewLLMJudge(&mockLLM{err: errors.New("boom")}).Compare(context.Background(), "a", "b")
	assert.Error(t, err)

	_, err = NewLLMJudge(&mockLLM{response: "no idea"}).Compare(context.Background(), "a", "b")
	assert.Error(t, err)
}

func TestSimilarity(t *testing.T) {
	d := BigramDice{}
	assert.Equal(t, 1.0, d.Score("ISO 27001", "iso27001"))
	assert.InDelta(t, 0.465, d.Score("ISO 27001 Certification", "ISO27001 Compliance Status"), 0.001)
	assert.Equal(t, 1.0, d.Score("", ""))
	assert.Equal(t, 0.0, d.Score("a", "b"))

	j := TokenJaccard{}
	assert.Equal(t, 0.5, j.Score("data retention", "data encryption retention policy"))

	_, err := SimilarityByName("levenshtein")
	assert.Error(t, err)
	s, err := SimilarityByName("token_jaccard")
	require.NoError(t, err)
	assert.Equal(t, "token_jaccard", s.Name())
}

func TestFactAgreement(t *testing.T) {
	a := map[string]string{"certification": "ISO27001", "scope": "cloud platform"}
	b := map[string]string{"certification": "ISO 27001", "scope": "Cloud Platform", "renewal": "2025"}
	assert.Equal(t, 1.0, FactAgreement(a, b))
	assert.Equal(t, 0.5, FactAgreement(a, map[string]string{"certification": "iso27001", "scope": "on-prem"}))
	assert.Equal(t, 0.0, FactAgreement(nil, b))
}

func TestAgeSeverity(t *testing.T) {
	assert.Equal(t, model.SeverityHigh, ageSeverity(400*day))
	assert.Equal(t, model.SeverityMedium, ageSeverity(-100*day))
	assert.Equal(t, model.SeverityLow, ageSeverity(10*day))
}
