package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agenthands/cardforge/internal/core/errs"
	"github.com/agenthands/cardforge/internal/core/model"
)

func backends(t *testing.T) map[string]Store {
	t.Helper()
	sq, err := OpenSQLite(filepath.Join(t.TempDir(), "cards.db"))
	require.NoError(t, err)
	t.Cleanup(func() { sq.Close() })
	return map[string]Store{
		"memory": NewMemoryStore(),
		"sqlite": sq,
	}
}

func sampleCard(id string, created time.Time) *model.KnowledgeCard {
	return &model.KnowledgeCard{
		ID:    id,
		Topic: "Topic " + id,
		Anchors: []model.SourceAnchor{
			{ContentHash: "h1", TextSnippet: "snippet", DocID: "doc-1", AnchorConfidence: 0.9, AnchorType: model.AnchorSemantic},
		},
		Facts: map[string]string{"sla": "99.9%"},
		Variants: []model.AnswerVariant{
			{ID: id + "-v1", CardID: id, Content: "content", Context: "default", Status: model.StatusDraft, RiskLevel: model.RiskSafe, CreatedAt: created},
		},
		OverallConfidence: 0.9,
		CreatedAt:         created,
		UpdatedAt:         created,
	}
}

func TestStore_CardRoundTrip(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			err := s.Update(ctx, func(tx Tx) error {
				if err := tx.PutCard(ctx, sampleCard("b", now.Add(time.Minute))); err != nil {
					return err
				}
				return tx.PutCard(ctx, sampleCard("a", now))
			})
			require.NoError(t, err)

			err = s.View(ctx, func(r Reader) error {
				c, err := r.GetCard(ctx, "a")
				require.NoError(t, err)
				assert.Equal(t, "Topic a", c.Topic)
				assert.Equal(t, "99.9%", c.Facts["sla"])

				cardID, err := r.CardIDForVariant(ctx, "b-v1")
				require.NoError(t, err)
				assert.Equal(t, "b", cardID)

				cards, err := r.ListCards(ctx)
				require.NoError(t, err)
				require.Len(t, cards, 2)
				assert.Equal(t, "a", cards[0].ID)
				assert.Equal(t, "b", cards[1].ID)

				_, err = r.GetCard(ctx, "missing")
				assert.True(t, errors.Is(err, errs.ErrNotFound))
				return nil
			})
			require.NoError(t, err)
		})
	}
}

func TestStore_UpdateRollsBackOnError(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("boom")

	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			err := s.Update(ctx, func(tx Tx) error {
				require.NoError(t, tx.PutCard(ctx, sampleCard("a", time.Now())))
				require.NoError(t, tx.AppendAudit(ctx, &model.AuditEntry{ID: "e1", EntityType: "card", EntityID: "a", Action: "create", UserID: "u", Timestamp: time.Now()}))
				return boom
			})
			assert.ErrorIs(t, err, boom)

			err = s.View(ctx, func(r Reader) error {
				_, err := r.GetCard(ctx, "a")
				assert.True(t, errors.Is(err, errs.ErrNotFound))
				entries, err := r.ListAudit(ctx, AuditQuery{})
				require.NoError(t, err)
				assert.Empty(t, entries)
				return nil
			})
			require.NoError(t, err)
		})
	}
}

func TestStore_TxReadsOwnWrites(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			err := s.Update(ctx, func(tx Tx) error {
				require.NoError(t, tx.PutCard(ctx, sampleCard("a", time.Now())))
				c, err := tx.GetCard(ctx, "a")
				require.NoError(t, err)
				assert.Equal(t, "a", c.ID)
				return nil
			})
			require.NoError(t, err)
		})
	}
}

func TestStore_AuditOrdering(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			err := s.Update(ctx, func(tx Tx) error {
				require.NoError(t, tx.AppendAudit(ctx, &model.AuditEntry{ID: "e1", EntityType: "card", EntityID: "a", Action: "create", UserID: "u", Timestamp: base}))
				// Earlier wall clock than the previous entry gets clamped.
				e2 := &model.AuditEntry{ID: "e2", EntityType: "card", EntityID: "a", Action: "recompute", UserID: "u", Timestamp: base.Add(-time.Second)}
				require.NoError(t, tx.AppendAudit(ctx, e2))
				assert.Equal(t, int64(2), e2.Seq)
				assert.True(t, e2.Timestamp.Equal(base))
				return tx.AppendAudit(ctx, &model.AuditEntry{ID: "e3", EntityType: "variant", EntityID: "v", Action: "submit", UserID: "u", Timestamp: base.Add(time.Second),
					Metadata: map[string]any{"reason": "not_draft"}})
			})
			require.NoError(t, err)

			err = s.View(ctx, func(r Reader) error {
				all, err := r.ListAudit(ctx, AuditQuery{})
				require.NoError(t, err)
				require.Len(t, all, 3)
				for i, e := range all {
					assert.Equal(t, int64(i+1), e.Seq)
				}
				assert.Equal(t, "not_draft", all[2].Metadata["reason"])

				page, err := r.ListAudit(ctx, AuditQuery{EntityType: "card", AfterSeq: 1, Limit: 10})
				require.NoError(t, err)
				require.Len(t, page, 1)
				assert.Equal(t, "e2", page[0].ID)
				return nil
			})
			require.NoError(t, err)
		})
	}
}

func TestStore_PolicyVersioning(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			err := s.View(ctx, func(r Reader) error {
				_, err := r.CurrentPolicy(ctx)
				assert.True(t, errors.Is(err, errs.ErrNotFound))
				return nil
			})
			require.NoError(t, err)

			require.NoError(t, s.Update(ctx, func(tx Tx) error {
				return tx.PutPolicy(ctx, &model.GuardrailPolicy{Version: 1, ConfidenceThreshold: 70, MinSourceCount: 2})
			}))
			err = s.Update(ctx, func(tx Tx) error {
				return tx.PutPolicy(ctx, &model.GuardrailPolicy{Version: 3})
			})
			assert.True(t, errors.Is(err, errs.ErrInvalidState))

			require.NoError(t, s.Update(ctx, func(tx Tx) error {
				return tx.PutPolicy(ctx, &model.GuardrailPolicy{Version: 2, ConfidenceThreshold: 80, MinSourceCount: 1})
			}))
			require.NoError(t, s.View(ctx, func(r Reader) error {
				p, err := r.CurrentPolicy(ctx)
				require.NoError(t, err)
				assert.Equal(t, 2, p.Version)
				assert.Equal(t, 80.0, p.ConfidenceThreshold)
				return nil
			}))
		})
	}
}

func TestStore_AnchorsAreImmutable(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			a := model.SourceAnchor{ContentHash: "h", TextSnippet: "first", DocID: "d", AnchorConfidence: 0.5, AnchorType: model.AnchorStructure, Revision: 1}
			require.NoError(t, s.Update(ctx, func(tx Tx) error { return tx.AppendAnchors(ctx, []model.SourceAnchor{a}) }))

			changed := a
			changed.TextSnippet = "second"
			require.NoError(t, s.Update(ctx, func(tx Tx) error { return tx.AppendAnchors(ctx, []model.SourceAnchor{changed}) }))

			require.NoError(t, s.View(ctx, func(r Reader) error {
				anchors, err := r.ListAnchors(ctx, "d")
				require.NoError(t, err)
				require.Len(t, anchors, 1)
				assert.Equal(t, "first", anchors[0].TextSnippet)
				return nil
			}))
		})
	}
}

func TestStore_ConflictStatusFilter(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.Update(ctx, func(tx Tx) error {
				require.NoError(t, tx.PutConflict(ctx, &model.Conflict{ID: "c1", Status: model.ConflictPending, DetectedAt: now}))
				return tx.PutConflict(ctx, &model.Conflict{ID: "c2", Status: model.ConflictResolved, DetectedAt: now.Add(time.Second)})
			}))
			require.NoError(t, s.View(ctx, func(r Reader) error {
				pending, err := r.ListConflicts(ctx, model.ConflictPending)
				require.NoError(t, err)
				require.Len(t, pending, 1)
				assert.Equal(t, "c1", pending[0].ID)

				all, err := r.ListConflicts(ctx, "")
				require.NoError(t, err)
				assert.Len(t, all, 2)
				return nil
			}))
		})
	}
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.Update(ctx, func(tx Tx) error { return tx.PutCard(ctx, sampleCard("a", time.Now())) }))

	require.NoError(t, s.View(ctx, func(r Reader) error {
		c, err := r.GetCard(ctx, "a")
		require.NoError(t, err)
		c.Topic = "mutated"
		c.Facts["sla"] = "0%"
		return nil
	}))
	require.NoError(t, s.View(ctx, func(r Reader) error {
		c, err := r.GetCard(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, "Topic a", c.Topic)
		assert.Equal(t, "99.9%", c.Facts["sla"])
		return nil
	}))
}
