package graphsync

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agenthands/cardforge/internal/core/model"
	"github.com/agenthands/cardforge/internal/driver"
	"github.com/agenthands/cardforge/internal/store"
)

type executed struct {
	Query  string
	Params map[string]interface{}
}

type MockDriver struct {
	mu       sync.Mutex
	Executed []executed
	Indexed  bool
	Err      error
}

func (m *MockDriver) ExecuteQuery(ctx context.Context, query string, params map[string]interface{}) (neo4j.EagerResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Executed = append(m.Executed, executed{query, params})
	if m.Err != nil {
		return neo4j.EagerResult{}, m.Err
	}
	return neo4j.EagerResult{}, nil
}

func (m *MockDriver) BuildIndices(ctx context.Context) error {
	m.Indexed = true
	return nil
}

func (m *MockDriver) Close(ctx context.Context) error {
	return nil
}

func (m *MockDriver) queries(q string) []executed {
	var out []executed
	for _, e := range m.Executed {
		if e.Query == q {
			out = append(out, e)
		}
	}
	return out
}

func sampleCard() *model.KnowledgeCard {
	return &model.KnowledgeCard{
		ID:    "card-1",
		Topic: "Uptime SLA",
		Anchors: []model.SourceAnchor{
			{DocID: "doc-1", AnchorConfidence: 0.8},
			{DocID: "doc-1", AnchorConfidence: 0.6},
			{DocID: "doc-2", AnchorConfidence: 0.9},
		},
		Variants: []model.AnswerVariant{
			{ID: "v-1", Context: "default", Status: model.StatusApproved, RiskLevel: model.RiskSafe},
		},
		OverallConfidence: 0.7667,
	}
}

func TestProjectCard(t *testing.T) {
	m := &MockDriver{}
	p := NewProjector(m, store.NewMemoryStore(), nil)
	p.ProjectCard(context.Background(), sampleCard())

	require.Len(t, m.queries(driver.SaveCardQuery), 1)
	assert.Equal(t, "Uptime SLA", m.queries(driver.SaveCardQuery)[0].Params["topic"])

	edges := m.queries(driver.SaveAnchoredInQuery)
	require.Len(t, edges, 2)
	assert.Equal(t, "doc-1", edges[0].Params["doc_id"])
	assert.Equal(t, 2, edges[0].Params["anchors"])
	assert.InDelta(t, 0.7, edges[0].Params["confidence"], 1e-9)

	variants := m.queries(driver.SaveVariantQuery)
	require.Len(t, variants, 1)
	assert.Equal(t, "APPROVED", variants[0].Params["status"])
}

func TestProjectCard_StopsWhenCardFails(t *testing.T) {
	m := &MockDriver{Err: errors.New("connection refused")}
	p := NewProjector(m, store.NewMemoryStore(), nil)
	p.ProjectCard(context.Background(), sampleCard())
	assert.Len(t, m.Executed, 1)
}

func TestProjectConflict(t *testing.T) {
	m := &MockDriver{}
	p := NewProjector(m, store.NewMemoryStore(), nil)
	c := &model.Conflict{
		ID:     "c-1",
		Type:   model.ConflictDuplicate,
		Status: model.ConflictPending,
		Entities: []model.EntityRef{
			{Type: model.EntityCard, ID: "a"},
			{Type: model.EntityCard, ID: "b"},
			{Type: model.EntityCard, ID: "c"},
		},
	}
	p.ProjectConflict(context.Background(), c)
	assert.Len(t, m.queries(driver.SaveConflictEdgeQuery), 2)

	c.Status = model.ConflictResolved
	p.ProjectConflict(context.Background(), c)
	require.Len(t, m.queries(driver.DeleteConflictEdgeQuery), 1)
	assert.Equal(t, "c-1", m.queries(driver.DeleteConflictEdgeQuery)[0].Params["conflict_id"])
}

func TestSync(t *testing.T) {
	ctx := context.Background()
	db := store.NewMemoryStore()
	when := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, db.Update(ctx, func(tx store.Tx) error {
		if err := tx.PutDocument(ctx, &model.Document{ID: "doc-1", Title: "SLA", Date: &when, Revision: 1}); err != nil {
			return err
		}
		return tx.PutCard(ctx, sampleCard())
	}))

	m := &MockDriver{}
	p := NewProjector(m, db, nil)
	rep, err := p.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, SyncReport{Documents: 1, Cards: 1}, rep)
	assert.True(t, m.Indexed)
	require.NotEmpty(t, m.Executed)
	assert.Equal(t, driver.SaveDocumentQuery, m.Executed[0].Query)
	assert.Equal(t, when, m.Executed[0].Params["date"])

	p.CardChanged(ctx, "card-1")
	assert.Len(t, m.queries(driver.SaveCardQuery), 2)

	before := len(m.Executed)
	p.CardChanged(ctx, "missing")
	assert.Len(t, m.Executed, before)
}
