package store

import (
	"context"
	"sort"
	"sync"

	"github.com/agenthands/cardforge/internal/core/errs"
	"github.com/agenthands/cardforge/internal/core/model"
)

type memState struct {
	cards        map[string]*model.KnowledgeCard
	variants     map[string]string // variant id -> card id
	documents    map[string]*model.Document
	anchors      map[string][]model.SourceAnchor // doc id -> anchors in insertion order
	anchorKeys   map[string]bool
	conflicts    map[string]*model.Conflict
	requirements map[string]*model.RFPRequirement
	policies     []*model.GuardrailPolicy
	audit        []model.AuditEntry
}

func newMemState() *memState {
	return &memState{
		cards:        make(map[string]*model.KnowledgeCard),
		variants:     make(map[string]string),
		documents:    make(map[string]*model.Document),
		anchors:      make(map[string][]model.SourceAnchor),
		anchorKeys:   make(map[string]bool),
		conflicts:    make(map[string]*model.Conflict),
		requirements: make(map[string]*model.RFPRequirement),
	}
}

// MemoryStore keeps everything in process memory. Update stages writes in an
// overlay that is merged only when the callback succeeds.
type MemoryStore struct {
	mu    sync.RWMutex
	state *memState
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{state: newMemState()}
}

func (s *MemoryStore) View(ctx context.Context, fn func(r Reader) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fn(&memTx{base: s.state})
}

func (s *MemoryStore) Update(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memTx{base: s.state, staged: newMemState()}
	if err := fn(tx); err != nil {
		return err
	}
	tx.commit()
	return nil
}

func (s *MemoryStore) Close() error { return nil }

type memTx struct {
	base   *memState
	staged *memState // nil for read-only views
}

func (t *memTx) commit() {
	b, st := t.base, t.staged
	for id, c := range st.cards {
		b.cards[id] = c
	}
	for vid, cid := range st.variants {
		b.variants[vid] = cid
	}
	for id, d := range st.documents {
		b.documents[id] = d
	}
	for docID, as := range st.anchors {
		b.anchors[docID] = append(b.anchors[docID], as...)
	}
	for k := range st.anchorKeys {
		b.anchorKeys[k] = true
	}
	for id, c := range st.conflicts {
		b.conflicts[id] = c
	}
	for id, r := range st.requirements {
		b.requirements[id] = r
	}
	b.policies = append(b.policies, st.policies...)
	b.audit = append(b.audit, st.audit...)
}

func (t *memTx) GetCard(ctx context.Context, id string) (*model.KnowledgeCard, error) {
	if t.staged != nil {
		if c, ok := t.staged.cards[id]; ok {
			return c.Clone(), nil
		}
	}
	if c, ok := t.base.cards[id]; ok {
		return c.Clone(), nil
	}
	return nil, errs.NotFound("store.GetCard", errs.ReasonNotFound, "card %s", id)
}

func (t *memTx) ListCards(ctx context.Context) ([]*model.KnowledgeCard, error) {
	ids := make(map[string]bool, len(t.base.cards))
	for id := range t.base.cards {
		ids[id] = true
	}
	if t.staged != nil {
		for id := range t.staged.cards {
			ids[id] = true
		}
	}
	out := make([]*model.KnowledgeCard, 0, len(ids))
	for id := range ids {
		c, _ := t.GetCard(ctx, id)
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (t *memTx) CardIDForVariant(ctx context.Context, variantID string) (string, error) {
	if t.staged != nil {
		if id, ok := t.staged.variants[variantID]; ok {
			return id, nil
		}
	}
	if id, ok := t.base.variants[variantID]; ok {
		return id, nil
	}
	return "", errs.NotFound("store.CardIDForVariant", errs.ReasonNotFound, "variant %s", variantID)
}

func (t *memTx) GetDocument(ctx context.Context, id string) (*model.Document, error) {
	if t.staged != nil {
		if d, ok := t.staged.documents[id]; ok {
			return d.Clone(), nil
		}
	}
	if d, ok := t.base.documents[id]; ok {
		return d.Clone(), nil
	}
	return nil, errs.NotFound("store.GetDocument", errs.ReasonNotFound, "document %s", id)
}

func (t *memTx) ListDocuments(ctx context.Context) ([]*model.Document, error) {
	ids := make(map[string]bool, len(t.base.documents))
	for id := range t.base.documents {
		ids[id] = true
	}
	if t.staged != nil {
		for id := range t.staged.documents {
			ids[id] = true
		}
	}
	out := make([]*model.Document, 0, len(ids))
	for id := range ids {
		d, _ := t.GetDocument(ctx, id)
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (t *memTx) ListAnchors(ctx context.Context, docID string) ([]model.SourceAnchor, error) {
	out := model.CloneAnchors(t.base.anchors[docID])
	if t.staged != nil {
		out = append(out, model.CloneAnchors(t.staged.anchors[docID])...)
	}
	return out, nil
}

func (t *memTx) GetConflict(ctx context.Context, id string) (*model.Conflict, error) {
	if t.staged != nil {
		if c, ok := t.staged.conflicts[id]; ok {
			return c.Clone(), nil
		}
	}
	if c, ok := t.base.conflicts[id]; ok {
		return c.Clone(), nil
	}
	return nil, errs.NotFound("store.GetConflict", errs.ReasonNotFound, "conflict %s", id)
}

func (t *memTx) ListConflicts(ctx context.Context, status model.ConflictStatus) ([]*model.Conflict, error) {
	ids := make(map[string]bool, len(t.base.conflicts))
	for id := range t.base.conflicts {
		ids[id] = true
	}
	if t.staged != nil {
		for id := range t.staged.conflicts {
			ids[id] = true
		}
	}
	var out []*model.Conflict
	for id := range ids {
		c, _ := t.GetConflict(ctx, id)
		if status != "" && c.Status != status {
			continue
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].DetectedAt.Equal(out[j].DetectedAt) {
			return out[i].DetectedAt.Before(out[j].DetectedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (t *memTx) GetRequirement(ctx context.Context, id string) (*model.RFPRequirement, error) {
	if t.staged != nil {
		if r, ok := t.staged.requirements[id]; ok {
			return r.Clone(), nil
		}
	}
	if r, ok := t.base.requirements[id]; ok {
		return r.Clone(), nil
	}
	return nil, errs.NotFound("store.GetRequirement", errs.ReasonNotFound, "requirement %s", id)
}

func (t *memTx) ListRequirements(ctx context.Context) ([]*model.RFPRequirement, error) {
	ids := make(map[string]bool, len(t.base.requirements))
	for id := range t.base.requirements {
		ids[id] = true
	}
	if t.staged != nil {
		for id := range t.staged.requirements {
			ids[id] = true
		}
	}
	out := make([]*model.RFPRequirement, 0, len(ids))
	for id := range ids {
		r, _ := t.GetRequirement(ctx, id)
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (t *memTx) CurrentPolicy(ctx context.Context) (*model.GuardrailPolicy, error) {
	if t.staged != nil && len(t.staged.policies) > 0 {
		return t.staged.policies[len(t.staged.policies)-1].Clone(), nil
	}
	if n := len(t.base.policies); n > 0 {
		return t.base.policies[n-1].Clone(), nil
	}
	return nil, errs.NotFound("store.CurrentPolicy", errs.ReasonNotFound, "no guardrail policy stored")
}

func (t *memTx) ListAudit(ctx context.Context, q AuditQuery) ([]model.AuditEntry, error) {
	limit := auditLimit(q.Limit)
	var out []model.AuditEntry
	collect := func(entries []model.AuditEntry) {
		for i := range entries {
			if len(out) >= limit {
				return
			}
			if q.matches(&entries[i]) {
				out = append(out, cloneEntry(entries[i]))
			}
		}
	}
	collect(t.base.audit)
	if t.staged != nil {
		collect(t.staged.audit)
	}
	return out, nil
}

func (t *memTx) PutCard(ctx context.Context, card *model.KnowledgeCard) error {
	c := card.Clone()
	t.staged.cards[c.ID] = c
	for _, v := range c.Variants {
		t.staged.variants[v.ID] = c.ID
	}
	return nil
}

func (t *memTx) PutDocument(ctx context.Context, doc *model.Document) error {
	t.staged.documents[doc.ID] = doc.Clone()
	return nil
}

func (t *memTx) AppendAnchors(ctx context.Context, anchors []model.SourceAnchor) error {
	for _, a := range model.CloneAnchors(anchors) {
		k := a.Key()
		if t.base.anchorKeys[k] || t.staged.anchorKeys[k] {
			continue
		}
		t.staged.anchorKeys[k] = true
		t.staged.anchors[a.DocID] = append(t.staged.anchors[a.DocID], a)
	}
	return nil
}

func (t *memTx) PutConflict(ctx context.Context, c *model.Conflict) error {
	t.staged.conflicts[c.ID] = c.Clone()
	return nil
}

func (t *memTx) PutRequirement(ctx context.Context, r *model.RFPRequirement) error {
	t.staged.requirements[r.ID] = r.Clone()
	return nil
}

func (t *memTx) PutPolicy(ctx context.Context, p *model.GuardrailPolicy) error {
	current := 0
	if cur, err := t.CurrentPolicy(ctx); err == nil {
		current = cur.Version
	}
	if p.Version != current+1 {
		return errs.InvalidState("store.PutPolicy", errs.ReasonInvalidPolicy, "version %d does not follow %d", p.Version, current)
	}
	t.staged.policies = append(t.staged.policies, p.Clone())
	return nil
}

func (t *memTx) AppendAudit(ctx context.Context, entry *model.AuditEntry) error {
	var last *model.AuditEntry
	if n := len(t.staged.audit); n > 0 {
		last = &t.staged.audit[n-1]
	} else if n := len(t.base.audit); n > 0 {
		last = &t.base.audit[n-1]
	}
	entry.Seq = 1
	if last != nil {
		entry.Seq = last.Seq + 1
		if entry.Timestamp.Before(last.Timestamp) {
			entry.Timestamp = last.Timestamp
		}
	}
	t.staged.audit = append(t.staged.audit, cloneEntry(*entry))
	return nil
}

func cloneEntry(e model.AuditEntry) model.AuditEntry {
	if e.Metadata != nil {
		m := make(map[string]any, len(e.Metadata))
		for k, v := range e.Metadata {
			m[k] = v
		}
		e.Metadata = m
	}
	return e
}
