package conflict

import (
	"context"

	"github.com/agenthands/cardforge/internal/core/errs"
	"github.com/agenthands/cardforge/internal/core/model"
	"github.com/agenthands/cardforge/internal/store"
)

// Orphan is a conflict with at least one entity that no longer exists.
// Keeping or merging a pending orphan fails with entity_missing; ignoring
// it resolves it.
type Orphan struct {
	Conflict *model.Conflict   `json:"conflict"`
	Missing  []model.EntityRef `json:"missing"`
}

// Orphaned lists conflicts, pending or resolved, whose entities have
// vanished. Removed documents count as vanished.
func (d *Detector) Orphaned(ctx context.Context) ([]Orphan, error) {
	var out []Orphan
	err := d.DB.View(ctx, func(r store.Reader) error {
		all, err := r.ListConflicts(ctx, "")
		if err != nil {
			return err
		}
		for _, c := range all {
			var gone []model.EntityRef
			for _, e := range c.Entities {
				ok, err := exists(ctx, r, e)
				if err != nil {
					return err
				}
				if !ok {
					gone = append(gone, e)
				}
			}
			if len(gone) > 0 {
				out = append(out, Orphan{Conflict: c, Missing: gone})
			}
		}
		return nil
	})
	return out, err
}

func exists(ctx context.Context, r store.Reader, e model.EntityRef) (bool, error) {
	var err error
	switch e.Type {
	case model.EntityCard:
		_, err = r.GetCard(ctx, e.ID)
	case model.EntityVariant:
		var cardID string
		cardID, err = r.CardIDForVariant(ctx, e.ID)
		if err == nil {
			var card *model.KnowledgeCard
			card, err = r.GetCard(ctx, cardID)
			if err == nil && card.Variant(e.ID) == nil {
				return false, nil
			}
		}
	case model.EntityDocument:
		var doc *model.Document
		doc, err = r.GetDocument(ctx, e.ID)
		if err == nil && doc.Removed {
			return false, nil
		}
	default:
		return false, nil
	}
	if errs.KindOf(err) == errs.KindNotFound {
		return false, nil
	}
	return err == nil, err
}
