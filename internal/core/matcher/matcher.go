// Package matcher links RFP requirements to knowledge cards and derives
// their compliance level.
package matcher

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/agenthands/cardforge/internal/core/audit"
	"github.com/agenthands/cardforge/internal/core/common"
	"github.com/agenthands/cardforge/internal/core/errs"
	"github.com/agenthands/cardforge/internal/core/guardrail"
	"github.com/agenthands/cardforge/internal/core/model"
	"github.com/agenthands/cardforge/internal/llm"
	"github.com/agenthands/cardforge/internal/store"
)

const (
	DefaultMinScore    = 0.3
	DefaultMaxLinks    = 3
	DefaultConcurrency = 4
)

// PolicySource returns the guardrail policy in force.
type PolicySource interface {
	Policy(ctx context.Context, r store.Reader) (model.GuardrailPolicy, error)
}

type Matcher struct {
	DB       store.Store
	Locks    *store.Locker
	Audit    *audit.Logger
	Policies PolicySource
	Scorer   Scorer
	// Reranker, when set, reorders the cards that passed MinScore.
	Reranker llm.RerankerClient

	MinScore    float64
	MaxLinks    int
	Concurrency int

	Log   *slog.Logger
	NewID func() string
	Now   func() time.Time
}

func New(db store.Store, locks *store.Locker, a *audit.Logger, policies PolicySource, log *slog.Logger) *Matcher {
	if log == nil {
		log = slog.Default()
	}
	return &Matcher{
		DB:          db,
		Locks:       locks,
		Audit:       a,
		Policies:    policies,
		Scorer:      LexicalScorer{TagBonus: DefaultTagBonus},
		MinScore:    DefaultMinScore,
		MaxLinks:    DefaultMaxLinks,
		Concurrency: DefaultConcurrency,
		Log:         log,
		NewID:       func() string { return uuid.New().String() },
		Now:         func() time.Time { return time.Now().UTC() },
	}
}

// Link is one card selected for a requirement.
type Link struct {
	CardID string  `json:"card_id"`
	Score  float64 `json:"score"`
}

// Result is the outcome of matching one requirement.
type Result struct {
	Links            []Link                `json:"links"`
	ComplianceLevel  model.ComplianceLevel `json:"compliance_level"`
	AnchorConfidence float64               `json:"anchor_confidence"`
	MatchScore       float64               `json:"match_score"`
}

// Match scores candidates against req and derives compliance under p. It
// reads nothing from the store.
func (m *Matcher) Match(ctx context.Context, req *model.RFPRequirement, candidates []*model.KnowledgeCard, p model.GuardrailPolicy) (*Result, error) {
	live := make([]*model.KnowledgeCard, 0, len(candidates))
	for _, c := range candidates {
		if !c.Superseded() {
			live = append(live, c)
		}
	}
	scores, err := m.Scorer.Score(ctx, req, live)
	if err != nil {
		return nil, err
	}

	type scored struct {
		card  *model.KnowledgeCard
		score float64
	}
	var hits []scored
	for i, c := range live {
		if scores[i] >= m.MinScore && scores[i] > 0 {
			hits = append(hits, scored{c, scores[i]})
		}
	}
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].score != hits[j].score {
			return hits[i].score > hits[j].score
		}
		return hits[i].card.ID < hits[j].card.ID
	})

	if m.Reranker != nil && len(hits) > 1 {
		docs := make([]string, len(hits))
		for i, h := range hits {
			docs[i] = cardText(h.card)
		}
		order, err := m.Reranker.Rank(ctx, req.RequirementText, docs)
		if err != nil {
			m.Log.Warn("rerank failed, keeping score order", "requirement_id", req.ID, "error", err)
		} else {
			hits = reorder(hits, order)
		}
	}
	if m.MaxLinks > 0 && len(hits) > m.MaxLinks {
		hits = hits[:m.MaxLinks]
	}

	res := &Result{Links: []Link{}}
	cards := make([]*model.KnowledgeCard, len(hits))
	for i, h := range hits {
		res.Links = append(res.Links, Link{CardID: h.card.ID, Score: h.score})
		cards[i] = h.card
	}
	if len(hits) > 0 {
		res.MatchScore = hits[0].score
		res.AnchorConfidence = hits[0].card.OverallConfidence
	}
	res.ComplianceLevel = Compliance(req, cards, p)
	return res, nil
}

// reorder applies a reranker's index order. Indices out of range or
// repeated are ignored and cards the reranker left out keep their relative
// order at the end.
func reorder[T any](in []T, order []int) []T {
	out := make([]T, 0, len(in))
	used := make([]bool, len(in))
	for _, i := range order {
		if i < 0 || i >= len(in) || used[i] {
			continue
		}
		used[i] = true
		out = append(out, in[i])
	}
	for i, v := range in {
		if !used[i] {
			out = append(out, v)
		}
	}
	return out
}

// Compliance derives the compliance level of req from its linked cards:
//
//	NO       a linked card's facts contradict the requirement's expected facts
//	YES      a linked card has an APPROVED SAFE variant and passes the threshold
//	PARTIAL  linked, but no card qualifies for YES
//	UNKNOWN  nothing linked
func Compliance(req *model.RFPRequirement, linked []*model.KnowledgeCard, p model.GuardrailPolicy) model.ComplianceLevel {
	if len(linked) == 0 {
		return model.ComplianceUnknown
	}
	for _, c := range linked {
		if contradicts(req.ExpectedFacts, c.Facts) {
			return model.ComplianceNo
		}
	}
	for _, c := range linked {
		if !guardrail.MeetsThreshold(c.OverallConfidence, p) {
			continue
		}
		for _, v := range c.Approved() {
			if v.RiskLevel == model.RiskSafe {
				return model.ComplianceYes
			}
		}
	}
	return model.CompliancePartial
}

func contradicts(expected, facts map[string]string) bool {
	for k, want := range expected {
		if got, ok := facts[common.NormalizeKey(k)]; ok && !common.FactValuesEqual(want, got) {
			return true
		}
	}
	return false
}

// RequirementInput is one record of the requirement feed.
type RequirementInput struct {
	ID              string            `json:"id"`
	RequirementText string            `json:"requirement_text"`
	RequirementType string            `json:"requirement_type,omitempty"`
	Priority        model.Priority    `json:"priority,omitempty"`
	ExpectedFacts   map[string]string `json:"expected_facts,omitempty"`
}

func ValidateRequirement(in RequirementInput) error {
	const op = "matcher.Upsert"
	if strings.TrimSpace(in.RequirementText) == "" {
		return errs.Validation(op, errs.ReasonMissingField, "requirement_text is required")
	}
	if in.Priority != "" && !in.Priority.Valid() {
		return errs.Validation(op, errs.ReasonInvalidEnum, "priority %q", in.Priority)
	}
	return nil
}

// Upsert stores a requirement from the feed and evaluates it. Derived
// fields of an existing requirement are recomputed, never taken from the
// input.
func (m *Matcher) Upsert(ctx context.Context, in RequirementInput, actor string) (*model.RFPRequirement, error) {
	if err := ValidateRequirement(in); err != nil {
		return nil, err
	}
	if in.ID == "" {
		in.ID = m.NewID()
	}
	if in.Priority == "" {
		in.Priority = model.PriorityMedium
	}
	expected := make(map[string]string, len(in.ExpectedFacts))
	for k, v := range in.ExpectedFacts {
		expected[common.NormalizeKey(k)] = strings.TrimSpace(v)
	}
	if len(expected) == 0 {
		expected = nil
	}

	release, err := m.Locks.Acquire(ctx, store.RequirementKey(in.ID))
	if err != nil {
		return nil, err
	}
	err = m.DB.Update(ctx, func(tx store.Tx) error {
		req, err := tx.GetRequirement(ctx, in.ID)
		created := false
		switch {
		case errs.KindOf(err) == errs.KindNotFound:
			req = &model.RFPRequirement{ID: in.ID, ComplianceLevel: model.ComplianceUnknown, LinkedAnswerCards: []string{}}
			created = true
		case err != nil:
			return err
		}
		req.RequirementText = in.RequirementText
		req.RequirementType = in.RequirementType
		req.Priority = in.Priority
		req.ExpectedFacts = expected
		if err := tx.PutRequirement(ctx, req); err != nil {
			return err
		}
		_, err = m.Audit.Record(ctx, tx, model.AuditRequirement, req.ID, model.ActionUpsert, actor, map[string]any{
			"created":  created,
			"priority": string(req.Priority),
		})
		return err
	})
	release()
	if err != nil {
		return nil, err
	}
	return m.Evaluate(ctx, in.ID, actor)
}

// Evaluate matches a requirement against every live card and stores the
// links and compliance level.
func (m *Matcher) Evaluate(ctx context.Context, requirementID, actor string) (*model.RFPRequirement, error) {
	var (
		req   *model.RFPRequirement
		cards []*model.KnowledgeCard
		pol   model.GuardrailPolicy
	)
	err := m.DB.View(ctx, func(r store.Reader) error {
		var err error
		if req, err = r.GetRequirement(ctx, requirementID); err != nil {
			return err
		}
		if cards, err = r.ListCards(ctx); err != nil {
			return err
		}
		pol, err = m.Policies.Policy(ctx, r)
		return err
	})
	if err != nil {
		return nil, err
	}
	res, err := m.Match(ctx, req, cards, pol)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(res.Links))
	for i, l := range res.Links {
		ids[i] = l.CardID
	}
	return m.store(ctx, requirementID, actor, func(req *model.RFPRequirement) {
		req.LinkedAnswerCards = ids
		req.MatchScore = res.MatchScore
		req.AnchorConfidence = res.AnchorConfidence
		req.ComplianceLevel = res.ComplianceLevel
	}, map[string]any{"scorer": m.Scorer.Name(), "policy_version": pol.Version})
}

// store applies set to the stored requirement under its lock and audits the
// change.
func (m *Matcher) store(ctx context.Context, requirementID, actor string, set func(*model.RFPRequirement), meta map[string]any) (*model.RFPRequirement, error) {
	release, err := m.Locks.Acquire(ctx, store.RequirementKey(requirementID))
	if err != nil {
		return nil, err
	}
	defer release()

	var out *model.RFPRequirement
	err = m.DB.Update(ctx, func(tx store.Tx) error {
		req, err := tx.GetRequirement(ctx, requirementID)
		if err != nil {
			return err
		}
		from := req.ComplianceLevel
		set(req)
		now := m.Now()
		req.EvaluatedAt = &now
		if err := tx.PutRequirement(ctx, req); err != nil {
			return err
		}
		md := map[string]any{
			"from":              string(from),
			"to":                string(req.ComplianceLevel),
			"linked_cards":      req.LinkedAnswerCards,
			"anchor_confidence": req.AnchorConfidence,
		}
		for k, v := range meta {
			md[k] = v
		}
		if _, err := m.Audit.Record(ctx, tx, model.AuditRequirement, req.ID, model.ActionEvaluate, actor, md); err != nil {
			return err
		}
		out = req
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.Log.Debug("requirement evaluated", "requirement_id", out.ID, "compliance", out.ComplianceLevel, "links", len(out.LinkedAnswerCards))
	return out, nil
}

// EvaluateAll evaluates every requirement with bounded concurrency and
// returns the number evaluated. The first error cancels the rest.
func (m *Matcher) EvaluateAll(ctx context.Context, actor string) (int, error) {
	reqs, err := m.List(ctx)
	if err != nil {
		return 0, err
	}
	g, gctx := errgroup.WithContext(ctx)
	limit := m.Concurrency
	if limit <= 0 {
		limit = DefaultConcurrency
	}
	g.SetLimit(limit)
	for _, r := range reqs {
		id := r.ID
		g.Go(func() error {
			_, err := m.Evaluate(gctx, id, actor)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}
	return len(reqs), nil
}

// CardChanged refreshes every requirement linked to cardID: links to
// superseded cards follow to their successor, and compliance and anchor
// confidence are recomputed from the current cards. Errors are logged.
func (m *Matcher) CardChanged(ctx context.Context, cardID string) {
	reqs, err := m.List(ctx)
	if err != nil {
		m.Log.Error("listing requirements for card change failed", "card_id", cardID, "error", err)
		return
	}
	for _, r := range reqs {
		if !r.Links(cardID) {
			continue
		}
		if _, err := m.Refresh(ctx, r.ID, "system"); err != nil {
			m.Log.Error("requirement refresh failed", "requirement_id", r.ID, "card_id", cardID, "error", err)
		}
	}
}

// Refresh recomputes a requirement's compliance from its existing links
// without re-matching.
func (m *Matcher) Refresh(ctx context.Context, requirementID, actor string) (*model.RFPRequirement, error) {
	var (
		req *model.RFPRequirement
		pol model.GuardrailPolicy
	)
	byID := make(map[string]*model.KnowledgeCard)
	err := m.DB.View(ctx, func(r store.Reader) error {
		var err error
		if req, err = r.GetRequirement(ctx, requirementID); err != nil {
			return err
		}
		cards, err := r.ListCards(ctx)
		if err != nil {
			return err
		}
		for _, c := range cards {
			byID[c.ID] = c
		}
		pol, err = m.Policies.Policy(ctx, r)
		return err
	})
	if err != nil {
		return nil, err
	}

	var (
		ids    []string
		linked []*model.KnowledgeCard
	)
	seen := make(map[string]bool)
	for _, id := range req.LinkedAnswerCards {
		c := successor(byID, id)
		if c == nil || seen[c.ID] {
			continue
		}
		seen[c.ID] = true
		ids = append(ids, c.ID)
		linked = append(linked, c)
	}
	if ids == nil {
		ids = []string{}
	}
	level := Compliance(req, linked, pol)
	conf := 0.0
	if len(linked) > 0 {
		conf = linked[0].OverallConfidence
	}
	return m.store(ctx, requirementID, actor, func(req *model.RFPRequirement) {
		req.LinkedAnswerCards = ids
		req.AnchorConfidence = conf
		req.ComplianceLevel = level
	}, map[string]any{"refresh": true, "policy_version": pol.Version})
}

// successor follows SupersededBy to the live card replacing id.
func successor(cards map[string]*model.KnowledgeCard, id string) *model.KnowledgeCard {
	for hops := 0; hops <= len(cards); hops++ {
		c := cards[id]
		if c == nil {
			return nil
		}
		if !c.Superseded() {
			return c
		}
		id = c.SupersededBy
	}
	return nil
}

func (m *Matcher) Get(ctx context.Context, id string) (*model.RFPRequirement, error) {
	var out *model.RFPRequirement
	err := m.DB.View(ctx, func(r store.Reader) error {
		var err error
		out, err = r.GetRequirement(ctx, id)
		return err
	})
	return out, err
}

func (m *Matcher) List(ctx context.Context) ([]*model.RFPRequirement, error) {
	var out []*model.RFPRequirement
	err := m.DB.View(ctx, func(r store.Reader) error {
		var err error
		out, err = r.ListRequirements(ctx)
		return err
	})
	return out, err
}
