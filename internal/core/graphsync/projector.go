// Package graphsync mirrors cards, documents, variants and conflicts into a
// property graph for exploration. The store stays authoritative; projection
// is best-effort and never fails the operation that triggered it.
package graphsync

import (
	"context"
	"log/slog"
	"time"

	"github.com/agenthands/cardforge/internal/core/model"
	"github.com/agenthands/cardforge/internal/driver"
	"github.com/agenthands/cardforge/internal/store"
)

type Projector struct {
	Driver driver.GraphDriver
	DB     store.Store
	Log    *slog.Logger
}

func NewProjector(d driver.GraphDriver, db store.Store, log *slog.Logger) *Projector {
	if log == nil {
		log = slog.Default()
	}
	return &Projector{Driver: d, DB: db, Log: log}
}

func (p *Projector) exec(ctx context.Context, what, id, query string, params map[string]interface{}) bool {
	if _, err := p.Driver.ExecuteQuery(ctx, query, params); err != nil {
		p.Log.Warn("graph projection failed", "entity", what, "id", id, "error", err)
		return false
	}
	return true
}

func optionalTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return *t
}

// ProjectCard merges the card, its variants and one ANCHORED_IN edge per
// cited document.
func (p *Projector) ProjectCard(ctx context.Context, c *model.KnowledgeCard) {
	if !p.exec(ctx, "card", c.ID, driver.SaveCardQuery, map[string]interface{}{
		"id":                 c.ID,
		"topic":              c.Topic,
		"category":           c.Category,
		"tags":               c.Tags,
		"overall_confidence": c.OverallConfidence,
		"superseded_by":      c.SupersededBy,
		"updated_at":         c.UpdatedAt,
	}) {
		return
	}

	type agg struct {
		n   int
		sum float64
	}
	byDoc := make(map[string]*agg)
	var order []string
	for _, a := range c.Anchors {
		g, ok := byDoc[a.DocID]
		if !ok {
			g = &agg{}
			byDoc[a.DocID] = g
			order = append(order, a.DocID)
		}
		g.n++
		g.sum += a.AnchorConfidence
	}
	for _, docID := range order {
		g := byDoc[docID]
		p.exec(ctx, "anchored_in", c.ID+"->"+docID, driver.SaveAnchoredInQuery, map[string]interface{}{
			"card_id":    c.ID,
			"doc_id":     docID,
			"anchors":    g.n,
			"confidence": g.sum / float64(g.n),
		})
	}

	for _, v := range c.Variants {
		p.exec(ctx, "variant", v.ID, driver.SaveVariantQuery, map[string]interface{}{
			"card_id":     c.ID,
			"id":          v.ID,
			"context":     v.Context,
			"status":      string(v.Status),
			"risk_level":  string(v.RiskLevel),
			"usage_count": v.UsageCount,
		})
	}
}

func (p *Projector) ProjectDocument(ctx context.Context, d *model.Document) {
	p.exec(ctx, "document", d.ID, driver.SaveDocumentQuery, map[string]interface{}{
		"id":            d.ID,
		"title":         d.Title,
		"revision":      d.Revision,
		"date":          optionalTime(d.Date),
		"superseded_by": d.SupersededBy,
		"removed":       d.Removed,
	})
}

// ProjectConflict links the first entity of a pending conflict to each of
// the others. Resolved conflicts lose their edges.
func (p *Projector) ProjectConflict(ctx context.Context, c *model.Conflict) {
	if c.Status == model.ConflictResolved {
		p.exec(ctx, "conflict", c.ID, driver.DeleteConflictEdgeQuery, map[string]interface{}{"conflict_id": c.ID})
		return
	}
	if len(c.Entities) < 2 {
		return
	}
	src := c.Entities[0]
	for _, dst := range c.Entities[1:] {
		p.exec(ctx, "conflict", c.ID, driver.SaveConflictEdgeQuery, map[string]interface{}{
			"source_id":   src.ID,
			"target_id":   dst.ID,
			"conflict_id": c.ID,
			"type":        string(c.Type),
			"severity":    string(c.Severity),
			"status":      string(c.Status),
		})
	}
}

// CardChanged projects the current state of a card.
func (p *Projector) CardChanged(ctx context.Context, cardID string) {
	var card *model.KnowledgeCard
	err := p.DB.View(ctx, func(r store.Reader) error {
		var err error
		card, err = r.GetCard(ctx, cardID)
		return err
	})
	if err != nil {
		p.Log.Warn("graph projection read failed", "card_id", cardID, "error", err)
		return
	}
	p.ProjectCard(ctx, card)
}

// SyncReport counts what a full sync projected.
type SyncReport struct {
	Documents int `json:"documents"`
	Cards     int `json:"cards"`
	Conflicts int `json:"conflicts"`
}

// Sync projects the whole store: documents first so that card edges attach
// to existing nodes, then cards, then conflicts.
func (p *Projector) Sync(ctx context.Context) (SyncReport, error) {
	var (
		docs      []*model.Document
		cards     []*model.KnowledgeCard
		conflicts []*model.Conflict
	)
	err := p.DB.View(ctx, func(r store.Reader) error {
		var err error
		if docs, err = r.ListDocuments(ctx); err != nil {
			return err
		}
		if cards, err = r.ListCards(ctx); err != nil {
			return err
		}
		conflicts, err = r.ListConflicts(ctx, "")
		return err
	})
	if err != nil {
		return SyncReport{}, err
	}
	if err := p.Driver.BuildIndices(ctx); err != nil {
		p.Log.Warn("building graph indices failed", "error", err)
	}
	for _, d := range docs {
		p.ProjectDocument(ctx, d)
	}
	for _, c := range cards {
		p.ProjectCard(ctx, c)
	}
	for _, c := range conflicts {
		p.ProjectConflict(ctx, c)
	}
	rep := SyncReport{Documents: len(docs), Cards: len(cards), Conflicts: len(conflicts)}
	p.Log.Info("graph projection synced", "documents", rep.Documents, "cards", rep.Cards, "conflicts", rep.Conflicts)
	return rep, nil
}
