package conflict

import (
	"context"
	"sort"

	"github.com/agenthands/cardforge/internal/core/common"
	"github.com/agenthands/cardforge/internal/core/errs"
	"github.com/agenthands/cardforge/internal/core/model"
	"github.com/agenthands/cardforge/internal/core/registry"
	"github.com/agenthands/cardforge/internal/store"
)

type ResolveResult struct {
	Conflict      *model.Conflict      `json:"conflict"`
	MergedCard    *model.KnowledgeCard `json:"merged_card,omitempty"`
	AffectedCards []string             `json:"affected_cards,omitempty"`
}

// loaded is a conflict entity resolved against the store. Variant entities
// point into their owning card, which is shared between entities of the same
// card.
type loaded struct {
	ref     model.EntityRef
	card    *model.KnowledgeCard
	variant *model.AnswerVariant
	doc     *model.Document
}

type resolution struct {
	cards    map[string]*model.KnowledgeCard
	dirty    map[string]bool
	docsLost []string
	result   *ResolveResult
}

func (r *resolution) touch(c *model.KnowledgeCard) {
	r.dirty[c.ID] = true
}

// lockKeys lists the locks a resolution needs: every card involved, the
// owning card of every variant, and every document. Unknown variants are
// skipped here and reported by the entity check inside the transaction.
func (d *Detector) lockKeys(ctx context.Context, c *model.Conflict) ([]string, error) {
	var keys []string
	err := d.DB.View(ctx, func(r store.Reader) error {
		for _, e := range c.Entities {
			switch e.Type {
			case model.EntityCard:
				keys = append(keys, store.CardKey(e.ID))
			case model.EntityVariant:
				cardID, err := r.CardIDForVariant(ctx, e.ID)
				if errs.KindOf(err) == errs.KindNotFound {
					continue
				}
				if err != nil {
					return err
				}
				keys = append(keys, store.CardKey(cardID))
			case model.EntityDocument:
				keys = append(keys, store.DocumentKey(e.ID))
			default:
				return errs.Validation("conflict.Resolve", errs.ReasonInvalidEnum, "entity type %q", e.Type)
			}
		}
		return nil
	})
	return keys, err
}

func missing(op string, e model.EntityRef) error {
	return errs.NotFound(op, errs.ReasonEntityMissing, "%s %s no longer exists", e.Type, e.ID)
}

// load resolves every entity of c. Any vanished entity fails the whole
// resolution so the conflict stays pending. Ignore never loads.
func (d *Detector) load(ctx context.Context, tx store.Tx, c *model.Conflict, res *resolution) ([]loaded, error) {
	const op = "conflict.Resolve"
	getCard := func(id string) (*model.KnowledgeCard, error) {
		if card, ok := res.cards[id]; ok {
			return card, nil
		}
		card, err := tx.GetCard(ctx, id)
		if err != nil {
			return nil, err
		}
		res.cards[id] = card
		return card, nil
	}

	out := make([]loaded, 0, len(c.Entities))
	for _, e := range c.Entities {
		l := loaded{ref: e}
		switch e.Type {
		case model.EntityCard:
			card, err := getCard(e.ID)
			if errs.KindOf(err) == errs.KindNotFound {
				return nil, missing(op, e)
			}
			if err != nil {
				return nil, err
			}
			l.card = card
		case model.EntityVariant:
			cardID, err := tx.CardIDForVariant(ctx, e.ID)
			if errs.KindOf(err) == errs.KindNotFound {
				return nil, missing(op, e)
			}
			if err != nil {
				return nil, err
			}
			card, err := getCard(cardID)
			if errs.KindOf(err) == errs.KindNotFound {
				return nil, missing(op, e)
			}
			if err != nil {
				return nil, err
			}
			l.card = card
			l.variant = card.Variant(e.ID)
			if l.variant == nil {
				return nil, missing(op, e)
			}
		case model.EntityDocument:
			doc, err := tx.GetDocument(ctx, e.ID)
			if errs.KindOf(err) == errs.KindNotFound {
				return nil, missing(op, e)
			}
			if err != nil {
				return nil, err
			}
			if doc.Removed {
				return nil, missing(op, e)
			}
			l.doc = doc
		default:
			return nil, errs.Validation(op, errs.ReasonInvalidEnum, "entity type %q", e.Type)
		}
		out = append(out, l)
	}
	return out, nil
}

// Resolve applies decision to a pending conflict. All involved cards are
// locked in a fixed order; the entity changes, the conflict update, the
// audit entries and the recomputation commit together.
func (d *Detector) Resolve(ctx context.Context, conflictID string, decision model.Decision, resolver string) (*ResolveResult, error) {
	const op = "conflict.Resolve"
	if !decision.Valid() {
		return nil, errs.Validation(op, errs.ReasonInvalidEnum, "decision %q", decision)
	}
	c, err := d.Get(ctx, conflictID)
	if err != nil {
		return nil, err
	}
	if c.Status == model.ConflictResolved {
		return nil, errs.InvalidState(op, errs.ReasonAlreadyResolved, "conflict %s resolved by %s", c.ID, c.ResolvedBy)
	}
	keys, err := d.lockKeys(ctx, c)
	if err != nil {
		return nil, err
	}
	release, err := d.Locks.Acquire(ctx, keys...)
	if err != nil {
		return nil, err
	}

	res := &resolution{
		cards:  make(map[string]*model.KnowledgeCard),
		dirty:  make(map[string]bool),
		result: &ResolveResult{},
	}
	err = d.DB.Update(ctx, func(tx store.Tx) error {
		c, err := tx.GetConflict(ctx, conflictID)
		if err != nil {
			return err
		}
		if c.Status == model.ConflictResolved {
			return errs.InvalidState(op, errs.ReasonAlreadyResolved, "conflict %s resolved by %s", c.ID, c.ResolvedBy)
		}
		// Ignoring changes no entity, so it also clears conflicts whose
		// entities are gone.
		var ents []loaded
		if decision != model.DecisionIgnore {
			if ents, err = d.load(ctx, tx, c, res); err != nil {
				return err
			}
		}

		meta := map[string]any{"decision": string(decision), "type": string(c.Type)}
		switch decision {
		case model.DecisionIgnore:
		case model.DecisionKeepA, model.DecisionKeepB:
			if len(ents) < 2 {
				return errs.Validation(op, errs.ReasonUnsupportedDecision, "conflict %s has fewer than two entities", c.ID)
			}
			winner, loser := ents[0], ents[1]
			if decision == model.DecisionKeepB {
				winner, loser = loser, winner
			}
			if err := d.keep(ctx, tx, c, winner, loser, resolver, res); err != nil {
				return err
			}
			meta["winner"] = winner.ref.ID
			meta["loser"] = loser.ref.ID
		case model.DecisionMerge:
			merged, err := d.merge(ctx, tx, c, ents, resolver, res)
			if err != nil {
				return err
			}
			c.ResultCardID = merged.ID
			meta["merged_card"] = merged.ID
		default:
			return errs.Validation(op, errs.ReasonInvalidEnum, "decision %q", decision)
		}

		ids := make([]string, 0, len(res.dirty))
		for id := range res.dirty {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			card := res.cards[id]
			if _, err := d.Registry.RecomputeTx(ctx, tx, card, resolver); err != nil {
				return err
			}
			if err := tx.PutCard(ctx, card); err != nil {
				return err
			}
		}

		now := d.Now()
		c.Status = model.ConflictResolved
		c.Resolution = decision
		c.ResolvedBy = resolver
		c.ResolvedAt = &now
		if err := tx.PutConflict(ctx, c); err != nil {
			return err
		}
		if _, err := d.Audit.Record(ctx, tx, model.AuditConflict, c.ID, model.ActionResolve, resolver, meta); err != nil {
			return err
		}
		res.result.Conflict = c
		res.result.AffectedCards = ids
		if res.result.MergedCard != nil {
			res.result.AffectedCards = append(res.result.AffectedCards, res.result.MergedCard.ID)
		}
		return nil
	})
	release()
	if err != nil {
		return nil, err
	}

	d.recomputeCiting(ctx, res.docsLost, resolver)
	if d.Observer != nil {
		for _, id := range res.result.AffectedCards {
			d.Observer.CardChanged(ctx, id)
		}
	}
	d.Log.Info("conflict resolved", "conflict_id", conflictID, "decision", decision, "affected", len(res.result.AffectedCards))
	return res.result, nil
}

// keep retires the loser: a card or variant loses its approved wording, a
// duplicate card is superseded by the winner, and a document is superseded.
func (d *Detector) keep(ctx context.Context, tx store.Tx, c *model.Conflict, winner, loser loaded, resolver string, res *resolution) error {
	meta := map[string]any{"conflict_id": c.ID, "winner": winner.ref.ID}
	reason := string(errs.ReasonConflictResolution)
	switch loser.ref.Type {
	case model.EntityCard:
		ids, err := d.Lifecycle.DeprecateApproved(ctx, tx, loser.card, resolver, reason, meta)
		if err != nil {
			return err
		}
		res.touch(loser.card)
		if c.Type == model.ConflictDuplicate && winner.ref.Type == model.EntityCard && !loser.card.Superseded() {
			if err := d.Registry.MarkSuperseded(ctx, tx, loser.card, winner.card.ID, resolver, meta); err != nil {
				return err
			}
		}
		d.Log.Debug("conflict loser card retired", "card_id", loser.card.ID, "deprecated", len(ids))
	case model.EntityVariant:
		if _, err := d.Lifecycle.DeprecateVariantTx(ctx, tx, loser.card, loser.variant, resolver, reason, meta); err != nil {
			return err
		}
		// The card's fact follows the winning variant so the winner can pass
		// review.
		if winner.variant != nil && c.FactKey != "" {
			if v, ok := winner.variant.Facts[common.NormalizeKey(c.FactKey)]; ok {
				if err := d.Registry.SetFactTx(ctx, tx, loser.card, c.FactKey, v, resolver, meta); err != nil {
					return err
				}
			}
		}
		res.touch(loser.card)
	case model.EntityDocument:
		by := ""
		if winner.doc != nil {
			by = winner.doc.ID
		}
		if err := d.Anchors.MarkSuperseded(ctx, tx, loser.doc.ID, by, resolver, meta); err != nil {
			return err
		}
		res.docsLost = append(res.docsLost, loser.doc.ID)
	default:
		return errs.Validation("conflict.Resolve", errs.ReasonInvalidEnum, "entity type %q", loser.ref.Type)
	}
	return nil
}

// merge folds two cards into a new one. The stronger card wins colliding
// facts and provides the new card's draft wording; both originals are
// retired and superseded by the new card.
func (d *Detector) merge(ctx context.Context, tx store.Tx, c *model.Conflict, ents []loaded, resolver string, res *resolution) (*model.KnowledgeCard, error) {
	const op = "conflict.Resolve"
	var cards []*model.KnowledgeCard
	seen := make(map[string]bool)
	for _, e := range ents {
		if e.ref.Type != model.EntityCard {
			return nil, errs.Validation(op, errs.ReasonUnsupportedDecision, "merge needs card entities, got %s", e.ref.Type)
		}
		if !seen[e.card.ID] {
			seen[e.card.ID] = true
			cards = append(cards, e.card)
		}
	}
	if len(cards) < 2 {
		return nil, errs.Validation(op, errs.ReasonUnsupportedDecision, "merge needs two distinct cards")
	}
	for _, card := range cards {
		if card.Superseded() {
			return nil, errs.InvalidState(op, errs.ReasonCardSuperseded, "card %s superseded by %s", card.ID, card.SupersededBy)
		}
	}

	// Weakest first so stronger cards override colliding facts.
	ordered := append([]*model.KnowledgeCard(nil), cards...)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].OverallConfidence < ordered[j].OverallConfidence })
	stronger := ordered[len(ordered)-1]

	in := registry.CreateCardInput{
		Topic:       stronger.Topic,
		Description: stronger.Description,
		Category:    stronger.Category,
		Facts:       map[string]string{},
	}
	for _, card := range ordered {
		in.Anchors = append(in.Anchors, card.Anchors...)
		in.Tags = append(in.Tags, card.Tags...)
		for k, v := range card.Facts {
			in.Facts[k] = v
		}
		if in.Description == "" {
			in.Description = card.Description
		}
		if in.Category == "" {
			in.Category = card.Category
		}
	}
	if pv := stronger.PrimaryVariant(); pv != nil {
		in.InitialVariant = registry.VariantInput{Content: pv.Content, Context: pv.Context, Facts: pv.Facts}
	}
	if err := registry.ValidateCreate(in); err != nil {
		return nil, err
	}
	merged, err := d.Registry.CreateCardTx(ctx, tx, in, resolver)
	if err != nil {
		return nil, err
	}
	sources := make([]string, len(cards))
	for i, card := range cards {
		sources[i] = card.ID
	}
	if _, err := d.Audit.Record(ctx, tx, model.AuditCard, merged.ID, model.ActionMerge, resolver, map[string]any{
		"conflict_id": c.ID,
		"sources":     sources,
	}); err != nil {
		return nil, err
	}

	meta := map[string]any{"conflict_id": c.ID, "merged_into": merged.ID}
	for _, card := range cards {
		if _, err := d.Lifecycle.DeprecateApproved(ctx, tx, card, resolver, string(errs.ReasonConflictResolution), meta); err != nil {
			return nil, err
		}
		if err := d.Registry.MarkSuperseded(ctx, tx, card, merged.ID, resolver, meta); err != nil {
			return nil, err
		}
		res.touch(card)
	}
	res.result.MergedCard = merged
	return merged, nil
}

// recomputeCiting refreshes the confidence of live cards citing documents
// that were just superseded. Registry.Recompute notifies the observer of
// every card whose confidence moved.
func (d *Detector) recomputeCiting(ctx context.Context, docIDs []string, actor string) {
	if len(docIDs) == 0 {
		return
	}
	lost := make(map[string]bool, len(docIDs))
	for _, id := range docIDs {
		lost[id] = true
	}
	cards, err := d.Registry.List(ctx, registry.Filter{})
	if err != nil {
		d.Log.Warn("listing cards after document supersession failed", "error", err)
		return
	}
	for _, card := range cards {
		for _, a := range card.Anchors {
			if !lost[a.DocID] {
				continue
			}
			if _, _, err := d.Registry.Recompute(ctx, card.ID, actor); err != nil {
				d.Log.Warn("recompute after document supersession failed", "card_id", card.ID, "error", err)
			}
			break
		}
	}
}

type BatchItem struct {
	ConflictID string          `json:"conflict_id"`
	Decision   model.Decision  `json:"decision,omitempty"`
	Conflict   *model.Conflict `json:"conflict,omitempty"`
	Err        error           `json:"-"`
}

// BatchResult reports every item separately; a failure never undoes the
// items that succeeded.
type BatchResult struct {
	Items     []BatchItem `json:"items"`
	Succeeded int         `json:"succeeded"`
	Failed    int         `json:"failed"`
}

type BatchDecision struct {
	ConflictID string         `json:"conflict_id"`
	Decision   model.Decision `json:"decision"`
}

// SuggestedDecision maps a conflict's suggested resolution to a decision.
func SuggestedDecision(c *model.Conflict) (model.Decision, error) {
	const op = "conflict.SuggestedDecision"
	switch c.SuggestedResolution {
	case model.ResolveKeepNewest, model.ResolveKeepHighestConfidence:
		switch {
		case len(c.Entities) >= 1 && c.SuggestedWinner == c.Entities[0].ID:
			return model.DecisionKeepA, nil
		case len(c.Entities) >= 2 && c.SuggestedWinner == c.Entities[1].ID:
			return model.DecisionKeepB, nil
		default:
			return "", errs.InvalidState(op, errs.ReasonManualResolution, "conflict %s has no suggested winner", c.ID)
		}
	case model.ResolveMerge:
		return model.DecisionMerge, nil
	case model.ResolveManual:
		return "", errs.InvalidState(op, errs.ReasonManualResolution, "conflict %s needs a manual decision", c.ID)
	default:
		return "", errs.InvalidState(op, errs.ReasonUnsupportedDecision, "conflict %s suggests %q", c.ID, c.SuggestedResolution)
	}
}

// BatchAccept applies each conflict's suggested resolution independently.
func (d *Detector) BatchAccept(ctx context.Context, ids []string, resolver string) *BatchResult {
	decisions := make([]BatchDecision, len(ids))
	for i, id := range ids {
		decisions[i] = BatchDecision{ConflictID: id}
	}
	return d.ResolveBatch(ctx, decisions, resolver)
}

// ResolveBatch resolves each item in order, each in its own transaction. An
// item without a decision uses the conflict's suggestion.
func (d *Detector) ResolveBatch(ctx context.Context, items []BatchDecision, resolver string) *BatchResult {
	out := &BatchResult{Items: make([]BatchItem, 0, len(items))}
	for _, it := range items {
		item := BatchItem{ConflictID: it.ConflictID, Decision: it.Decision}
		item.Conflict, item.Err = d.resolveOne(ctx, it, resolver)
		if item.Err == nil && item.Conflict != nil {
			item.Decision = item.Conflict.Resolution
		}
		if item.Err != nil {
			out.Failed++
			d.Log.Warn("batch resolution item failed", "conflict_id", it.ConflictID, "error", item.Err)
		} else {
			out.Succeeded++
		}
		out.Items = append(out.Items, item)
	}
	d.Log.Info("batch resolution finished", "succeeded", out.Succeeded, "failed", out.Failed)
	return out
}

func (d *Detector) resolveOne(ctx context.Context, it BatchDecision, resolver string) (*model.Conflict, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	decision := it.Decision
	if decision == "" {
		c, err := d.Get(ctx, it.ConflictID)
		if err != nil {
			return nil, err
		}
		if c.Status == model.ConflictResolved {
			return nil, errs.InvalidState("conflict.Resolve", errs.ReasonAlreadyResolved, "conflict %s resolved by %s", c.ID, c.ResolvedBy)
		}
		decision, err = SuggestedDecision(c)
		if err != nil {
			return c, err
		}
	}
	res, err := d.Resolve(ctx, it.ConflictID, decision, resolver)
	if err != nil {
		// Report the conflict as it still stands.
		c, gerr := d.Get(ctx, it.ConflictID)
		if gerr == nil {
			return c, err
		}
		return nil, err
	}
	return res.Conflict, nil
}
