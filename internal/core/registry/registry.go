// Package registry owns knowledge cards: their anchors, verified facts,
// variants and derived overall confidence.
package registry

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/agenthands/cardforge/internal/core/anchor"
	"github.com/agenthands/cardforge/internal/core/audit"
	"github.com/agenthands/cardforge/internal/core/common"
	"github.com/agenthands/cardforge/internal/core/errs"
	"github.com/agenthands/cardforge/internal/core/model"
	"github.com/agenthands/cardforge/internal/store"
)

const DefaultContext = "default"

// CardObserver is told about cards whose confidence or approved variants
// changed. It is called after the change committed and all locks are free.
type CardObserver interface {
	CardChanged(ctx context.Context, cardID string)
}

type VariantInput struct {
	Content string            `json:"content"`
	Context string            `json:"context,omitempty"`
	Facts   map[string]string `json:"facts,omitempty"`
}

type CreateCardInput struct {
	Topic          string               `json:"topic"`
	Description    string               `json:"description,omitempty"`
	Anchors        []model.SourceAnchor `json:"anchors"`
	Facts          map[string]string    `json:"facts,omitempty"`
	Tags           []string             `json:"tags,omitempty"`
	Category       string               `json:"category,omitempty"`
	InitialVariant VariantInput         `json:"initial_variant"`
	// FactsFrom is the document Facts were read from, if any.
	FactsFrom string `json:"facts_from,omitempty"`
}

type Filter struct {
	Tag               string
	Category          string
	IncludeSuperseded bool
}

type Registry struct {
	DB         store.Store
	Locks      *store.Locker
	Audit      *audit.Logger
	Aggregator ConfidenceAggregator
	Observer   CardObserver
	Log        *slog.Logger
	NewID      func() string
	Now        func() time.Time
}

func New(db store.Store, locks *store.Locker, a *audit.Logger, log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		DB:         db,
		Locks:      locks,
		Audit:      a,
		Aggregator: WeightedMean{},
		Log:        log,
		NewID:      func() string { return uuid.New().String() },
		Now:        func() time.Time { return time.Now().UTC() },
	}
}

func (r *Registry) notify(ctx context.Context, cardIDs ...string) {
	if r.Observer == nil {
		return
	}
	for _, id := range cardIDs {
		r.Observer.CardChanged(ctx, id)
	}
}

// ValidateCreate checks a create request before anything is written.
func ValidateCreate(in CreateCardInput) error {
	const op = "registry.CreateCard"
	if strings.TrimSpace(in.Topic) == "" {
		return errs.Validation(op, errs.ReasonMissingField, "topic is required")
	}
	if len(in.Anchors) == 0 {
		return errs.Validation(op, errs.ReasonEmptyAnchors, "a card needs at least one anchor")
	}
	for i, a := range in.Anchors {
		if err := validateAnchor(a); err != nil {
			return errs.Validation(op, errs.ReasonOf(err), "anchor %d: %v", i, err)
		}
	}
	if strings.TrimSpace(in.InitialVariant.Content) == "" {
		return errs.Validation(op, errs.ReasonEmptyVariants, "initial variant content is required")
	}
	return nil
}

func validateAnchor(a model.SourceAnchor) error {
	if strings.TrimSpace(a.DocID) == "" {
		return errs.Validation("registry.Anchor", errs.ReasonMissingField, "doc_id is required")
	}
	return anchor.ValidateAnchor(a.TextSnippet, a.AnchorConfidence, a.AnchorType)
}

func normalizeAnchor(a model.SourceAnchor) model.SourceAnchor {
	if a.ContentHash == "" {
		a.ContentHash = common.SemanticHash(a.TextSnippet)
	}
	if a.AnchorType == "" {
		a.AnchorType = model.AnchorSemantic
	}
	return a
}

func normalizeFacts(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[common.NormalizeKey(k)] = strings.TrimSpace(v)
	}
	return out
}

func normalizeTags(in []string) []string {
	seen := make(map[string]bool, len(in))
	var out []string
	for _, t := range in {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func (r *Registry) newVariant(cardID string, in VariantInput, actor string, now time.Time) model.AnswerVariant {
	ctxName := strings.TrimSpace(in.Context)
	if ctxName == "" {
		ctxName = DefaultContext
	}
	return model.AnswerVariant{
		ID:        r.NewID(),
		CardID:    cardID,
		Content:   in.Content,
		Context:   ctxName,
		Status:    model.StatusDraft,
		RiskLevel: model.RiskSafe,
		Facts:     normalizeFacts(in.Facts),
		CreatedAt: now,
		CreatedBy: actor,
	}
}

func (r *Registry) CreateCard(ctx context.Context, in CreateCardInput, actor string) (*model.KnowledgeCard, error) {
	if err := ValidateCreate(in); err != nil {
		return nil, err
	}
	var card *model.KnowledgeCard
	err := r.DB.Update(ctx, func(tx store.Tx) error {
		var err error
		card, err = r.CreateCardTx(ctx, tx, in, actor)
		return err
	})
	if err != nil {
		return nil, err
	}
	r.Log.Debug("card created", "card_id", card.ID, "topic", card.Topic, "confidence", card.OverallConfidence)
	return card, nil
}

// CreateCardTx creates a card inside tx. Callers must have run
// ValidateCreate.
func (r *Registry) CreateCardTx(ctx context.Context, tx store.Tx, in CreateCardInput, actor string) (*model.KnowledgeCard, error) {
	now := r.Now()
	card := &model.KnowledgeCard{
		ID:          r.NewID(),
		Topic:       strings.TrimSpace(in.Topic),
		Description: in.Description,
		Facts:       normalizeFacts(in.Facts),
		Tags:        normalizeTags(in.Tags),
		Category:    in.Category,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	seen := make(map[string]bool, len(in.Anchors))
	for _, a := range in.Anchors {
		a = normalizeAnchor(a)
		if seen[a.Key()] {
			continue
		}
		seen[a.Key()] = true
		card.Anchors = append(card.Anchors, a)
	}
	if in.FactsFrom != "" && len(card.Facts) > 0 {
		card.FactSources = make(map[string]string, len(card.Facts))
		for k := range card.Facts {
			card.FactSources[k] = in.FactsFrom
		}
	}
	card.Variants = []model.AnswerVariant{r.newVariant(card.ID, in.InitialVariant, actor, now)}

	conf, err := r.aggregate(ctx, tx, card)
	if err != nil {
		return nil, err
	}
	card.OverallConfidence = conf

	if err := tx.PutCard(ctx, card); err != nil {
		return nil, err
	}
	if _, err := r.Audit.Record(ctx, tx, model.AuditCard, card.ID, model.ActionCreate, actor, map[string]any{
		"topic":              card.Topic,
		"anchors":            len(card.Anchors),
		"variant_id":         card.Variants[0].ID,
		"overall_confidence": card.OverallConfidence,
		"aggregation":        r.Aggregator.Name(),
	}); err != nil {
		return nil, err
	}
	return card, nil
}

// AddAnchor appends an anchor to a live card and recomputes its confidence.
// An anchor the card already holds is a no-op.
func (r *Registry) AddAnchor(ctx context.Context, cardID string, a model.SourceAnchor, actor string) (*model.KnowledgeCard, error) {
	if err := validateAnchor(a); err != nil {
		return nil, err
	}
	a = normalizeAnchor(a)
	return r.mutate(ctx, cardID, func(tx store.Tx, card *model.KnowledgeCard) (bool, error) {
		for _, existing := range card.Anchors {
			if existing.Key() == a.Key() {
				return false, nil
			}
		}
		card.Anchors = append(card.Anchors, a)
		card.UpdatedAt = r.Now()
		_, err := r.Audit.Record(ctx, tx, model.AuditCard, card.ID, model.ActionAddAnchor, actor, map[string]any{
			"doc_id":       a.DocID,
			"content_hash": a.ContentHash,
			"revision":     a.Revision,
		})
		return true, err
	})
}

// AddAnchorsTx is AddAnchor for several anchors inside an existing
// transaction; the caller holds the card lock.
func (r *Registry) AddAnchorsTx(ctx context.Context, tx store.Tx, card *model.KnowledgeCard, anchors []model.SourceAnchor, actor string) (bool, error) {
	have := make(map[string]bool, len(card.Anchors))
	for _, a := range card.Anchors {
		have[a.Key()] = true
	}
	added := 0
	for _, a := range anchors {
		a = normalizeAnchor(a)
		if have[a.Key()] {
			continue
		}
		have[a.Key()] = true
		card.Anchors = append(card.Anchors, a)
		added++
		if _, err := r.Audit.Record(ctx, tx, model.AuditCard, card.ID, model.ActionAddAnchor, actor, map[string]any{
			"doc_id":       a.DocID,
			"content_hash": a.ContentHash,
			"revision":     a.Revision,
		}); err != nil {
			return false, err
		}
	}
	if added == 0 {
		return false, nil
	}
	card.UpdatedAt = r.Now()
	if _, err := r.RecomputeTx(ctx, tx, card, actor); err != nil {
		return false, err
	}
	return true, tx.PutCard(ctx, card)
}

// MergeFactsTx folds facts read from doc into the card. A key whose value
// came from a document dated after doc keeps that value; facts of unknown
// origin always give way. It returns the keys whose value changed and
// writes the card when anything changed. The caller holds the card lock.
func (r *Registry) MergeFactsTx(ctx context.Context, tx store.Tx, card *model.KnowledgeCard, facts map[string]string, doc *model.Document, actor string) ([]string, error) {
	facts = normalizeFacts(facts)
	keys := make([]string, 0, len(facts))
	for k := range facts {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var changed []string
	previous := make(map[string]string)
	touched := false
	for _, k := range keys {
		v := facts[k]
		if v == "" {
			continue
		}
		wins, err := r.factWins(ctx, tx, card, k, doc)
		if err != nil {
			return nil, err
		}
		if !wins {
			continue
		}
		old, had := card.Facts[k]
		if !had || !common.FactValuesEqual(old, v) {
			if card.Facts == nil {
				card.Facts = make(map[string]string)
			}
			card.Facts[k] = v
			if had {
				previous[k] = old
			}
			changed = append(changed, k)
		}
		if card.FactSources[k] != doc.ID {
			if card.FactSources == nil {
				card.FactSources = make(map[string]string)
			}
			card.FactSources[k] = doc.ID
			touched = true
		}
	}
	if len(changed) == 0 && !touched {
		return nil, nil
	}
	card.UpdatedAt = r.Now()
	if len(changed) > 0 {
		if _, err := r.Audit.Record(ctx, tx, model.AuditCard, card.ID, model.ActionUpdateFacts, actor, map[string]any{
			"doc_id":   doc.ID,
			"keys":     changed,
			"previous": previous,
		}); err != nil {
			return nil, err
		}
	}
	return changed, tx.PutCard(ctx, card)
}

// factWins reports whether doc may set key on card: the current value has
// no live dated source, comes from doc itself, or from a document not newer
// than doc. An undated doc only replaces values of unknown date.
func (r *Registry) factWins(ctx context.Context, tx store.Tx, card *model.KnowledgeCard, key string, doc *model.Document) (bool, error) {
	src := card.FactSources[key]
	if src == "" || src == doc.ID {
		return true, nil
	}
	prev, err := tx.GetDocument(ctx, src)
	if errs.KindOf(err) == errs.KindNotFound {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	if prev.Removed || prev.Date == nil {
		return true, nil
	}
	return doc.Date != nil && !doc.Date.Before(*prev.Date), nil
}

// SetFactTx overrides one verified fact, dropping its document origin. The
// caller holds the card lock and writes the card.
func (r *Registry) SetFactTx(ctx context.Context, tx store.Tx, card *model.KnowledgeCard, key, value, actor string, metadata map[string]any) error {
	key = common.NormalizeKey(key)
	old := card.Facts[key]
	if old == value {
		return nil
	}
	if card.Facts == nil {
		card.Facts = make(map[string]string)
	}
	card.Facts[key] = value
	delete(card.FactSources, key)
	card.UpdatedAt = r.Now()
	meta := map[string]any{"keys": []string{key}, "previous": map[string]string{key: old}}
	for k, v := range metadata {
		meta[k] = v
	}
	_, err := r.Audit.Record(ctx, tx, model.AuditCard, card.ID, model.ActionUpdateFacts, actor, meta)
	return err
}

// AddVariant appends a new DRAFT variant.
func (r *Registry) AddVariant(ctx context.Context, cardID string, in VariantInput, actor string) (*model.AnswerVariant, error) {
	if strings.TrimSpace(in.Content) == "" {
		return nil, errs.Validation("registry.AddVariant", errs.ReasonMissingField, "content is required")
	}
	var variantID string
	card, err := r.mutate(ctx, cardID, func(tx store.Tx, card *model.KnowledgeCard) (bool, error) {
		v := r.newVariant(card.ID, in, actor, r.Now())
		variantID = v.ID
		card.Variants = append(card.Variants, v)
		card.UpdatedAt = v.CreatedAt
		_, err := r.Audit.Record(ctx, tx, model.AuditVariant, v.ID, model.ActionAddVariant, actor, map[string]any{
			"card_id": card.ID,
			"context": v.Context,
			"status":  string(v.Status),
		})
		return true, err
	})
	if err != nil {
		return nil, err
	}
	return card.Variant(variantID), nil
}

// mutate runs fn on a locked, live card. When fn reports a change the card
// is recomputed and stored in the same transaction.
func (r *Registry) mutate(ctx context.Context, cardID string, fn func(tx store.Tx, card *model.KnowledgeCard) (bool, error)) (*model.KnowledgeCard, error) {
	release, err := r.Locks.Acquire(ctx, store.CardKey(cardID))
	if err != nil {
		return nil, err
	}
	var (
		out         *model.KnowledgeCard
		confChanged bool
	)
	err = r.DB.Update(ctx, func(tx store.Tx) error {
		card, err := tx.GetCard(ctx, cardID)
		if err != nil {
			return err
		}
		if card.Superseded() {
			return errs.InvalidState("registry.mutate", errs.ReasonCardSuperseded, "card %s superseded by %s", card.ID, card.SupersededBy)
		}
		changed, err := fn(tx, card)
		if err != nil {
			return err
		}
		out = card
		if !changed {
			return nil
		}
		confChanged, err = r.RecomputeTx(ctx, tx, card, "system")
		if err != nil {
			return err
		}
		return tx.PutCard(ctx, card)
	})
	release()
	if err != nil {
		return nil, err
	}
	if confChanged {
		r.notify(ctx, cardID)
	}
	return out, nil
}

// Recompute re-derives the overall confidence. It only writes, and only
// audits, when the value changes, so calling it twice is a no-op the second
// time.
func (r *Registry) Recompute(ctx context.Context, cardID, actor string) (*model.KnowledgeCard, bool, error) {
	release, err := r.Locks.Acquire(ctx, store.CardKey(cardID))
	if err != nil {
		return nil, false, err
	}
	var (
		out     *model.KnowledgeCard
		changed bool
	)
	err = r.DB.Update(ctx, func(tx store.Tx) error {
		card, err := tx.GetCard(ctx, cardID)
		if err != nil {
			return err
		}
		changed, err = r.RecomputeTx(ctx, tx, card, actor)
		if err != nil {
			return err
		}
		out = card
		if !changed {
			return nil
		}
		return tx.PutCard(ctx, card)
	})
	release()
	if err != nil {
		return nil, false, err
	}
	if changed {
		r.notify(ctx, cardID)
	}
	return out, changed, nil
}

// RecomputeTx updates card.OverallConfidence in place and records an audit
// entry when it changed. Storing the card is left to the caller.
func (r *Registry) RecomputeTx(ctx context.Context, tx store.Tx, card *model.KnowledgeCard, actor string) (bool, error) {
	conf, err := r.aggregate(ctx, tx, card)
	if err != nil {
		return false, err
	}
	if conf == card.OverallConfidence {
		return false, nil
	}
	prev := card.OverallConfidence
	card.OverallConfidence = conf
	card.UpdatedAt = r.Now()
	_, err = r.Audit.Record(ctx, tx, model.AuditCard, card.ID, model.ActionRecompute, actor, map[string]any{
		"previous":    prev,
		"current":     conf,
		"aggregation": r.Aggregator.Name(),
	})
	return true, err
}

func (r *Registry) aggregate(ctx context.Context, rd store.Reader, card *model.KnowledgeCard) (float64, error) {
	docs, err := documentsOf(ctx, rd, card.Anchors)
	if err != nil {
		return 0, err
	}
	return r.Aggregator.Aggregate(card.Anchors, func(a model.SourceAnchor) bool {
		return anchor.Current(docs[a.DocID], a)
	}), nil
}

func documentsOf(ctx context.Context, rd store.Reader, anchors []model.SourceAnchor) (map[string]*model.Document, error) {
	docs := make(map[string]*model.Document)
	for _, a := range anchors {
		if _, done := docs[a.DocID]; done {
			continue
		}
		d, err := rd.GetDocument(ctx, a.DocID)
		switch {
		case err == nil:
			docs[a.DocID] = d
		case errs.KindOf(err) == errs.KindNotFound:
			docs[a.DocID] = nil
		default:
			return nil, err
		}
	}
	return docs, nil
}

// SourceCount counts the distinct documents backing a card. Documents that
// were removed or superseded do not count; documents the store has never
// seen do, since anchors may cite sources registered elsewhere.
func SourceCount(ctx context.Context, rd store.Reader, card *model.KnowledgeCard) (int, error) {
	docs, err := documentsOf(ctx, rd, card.Anchors)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, d := range docs {
		if d == nil || (!d.Removed && d.SupersededBy == "") {
			n++
		}
	}
	return n, nil
}

// MarkSuperseded retires a card in favour of byCardID inside tx.
func (r *Registry) MarkSuperseded(ctx context.Context, tx store.Tx, card *model.KnowledgeCard, byCardID, actor string, metadata map[string]any) error {
	card.SupersededBy = byCardID
	card.UpdatedAt = r.Now()
	if err := tx.PutCard(ctx, card); err != nil {
		return err
	}
	meta := map[string]any{"superseded_by": byCardID}
	for k, v := range metadata {
		meta[k] = v
	}
	_, err := r.Audit.Record(ctx, tx, model.AuditCard, card.ID, model.ActionSupersede, actor, meta)
	return err
}

func (r *Registry) Get(ctx context.Context, cardID string) (*model.KnowledgeCard, error) {
	var out *model.KnowledgeCard
	err := r.DB.View(ctx, func(rd store.Reader) error {
		var err error
		out, err = rd.GetCard(ctx, cardID)
		return err
	})
	return out, err
}

func (r *Registry) List(ctx context.Context, f Filter) ([]*model.KnowledgeCard, error) {
	var all []*model.KnowledgeCard
	err := r.DB.View(ctx, func(rd store.Reader) error {
		var err error
		all, err = rd.ListCards(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}
	tag := strings.ToLower(strings.TrimSpace(f.Tag))
	out := make([]*model.KnowledgeCard, 0, len(all))
	for _, c := range all {
		if c.Superseded() && !f.IncludeSuperseded {
			continue
		}
		if f.Category != "" && !strings.EqualFold(c.Category, f.Category) {
			continue
		}
		if tag != "" && !hasTag(c, tag) {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

func hasTag(c *model.KnowledgeCard, tag string) bool {
	for _, t := range c.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// FindLiveByTopic returns the live card whose normalized topic equals topic.
func FindLiveByTopic(ctx context.Context, rd store.Reader, topic string) (*model.KnowledgeCard, error) {
	want := common.Compact(topic)
	cards, err := rd.ListCards(ctx)
	if err != nil {
		return nil, err
	}
	for _, c := range cards {
		if !c.Superseded() && common.Compact(c.Topic) == want {
			return c, nil
		}
	}
	return nil, nil
}
