package core

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/agenthands/cardforge/internal/core/anchor"
	"github.com/agenthands/cardforge/internal/core/audit"
	"github.com/agenthands/cardforge/internal/core/conflict"
	"github.com/agenthands/cardforge/internal/core/errs"
	"github.com/agenthands/cardforge/internal/core/graphsync"
	"github.com/agenthands/cardforge/internal/core/guardrail"
	"github.com/agenthands/cardforge/internal/core/lifecycle"
	"github.com/agenthands/cardforge/internal/core/matcher"
	"github.com/agenthands/cardforge/internal/core/model"
	"github.com/agenthands/cardforge/internal/core/registry"
	"github.com/agenthands/cardforge/internal/driver"
	"github.com/agenthands/cardforge/internal/llm"
	"github.com/agenthands/cardforge/internal/store"
)

// PolicyEntityID is the audit entity id of the process-wide guardrail policy.
const PolicyEntityID = "guardrail"

// Options tunes the services an Engine wires. Zero values keep each
// service's default.
type Options struct {
	LockTimeout time.Duration

	Aggregator         registry.ConfidenceAggregator
	Similarity         conflict.Similarity
	DuplicateThreshold float64
	OverlapThreshold   float64
	Judge              conflict.Judge

	Scorer      matcher.Scorer
	Reranker    llm.RerankerClient
	MinScore    float64
	MaxLinks    int
	Concurrency int

	// Fallback is the policy evaluated before one has been stored.
	Fallback *model.GuardrailPolicy
	// Graph enables the best-effort graph projection.
	Graph driver.GraphDriver
}

// Engine wires every service over one store and one locker.
type Engine struct {
	DB        store.Store
	Locks     *store.Locker
	Audit     *audit.Logger
	Anchors   *anchor.Store
	Registry  *registry.Registry
	Lifecycle *lifecycle.Manager
	Detector  *conflict.Detector
	Matcher   *matcher.Matcher
	Projector *graphsync.Projector
	// Observer receives every card change; the matcher first, then the
	// projector when one is configured.
	Observer registry.CardObserver
	Log      *slog.Logger
	Now      func() time.Time
}

// Observers fans a card change out to several observers in order.
type Observers []registry.CardObserver

func (o Observers) CardChanged(ctx context.Context, cardID string) {
	for _, obs := range o {
		obs.CardChanged(ctx, cardID)
	}
}

func NewEngine(db store.Store, opts Options, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	locks := store.NewLocker(opts.LockTimeout)
	al := audit.NewLogger(db, log)
	anchors := anchor.New(db, al, log)
	reg := registry.New(db, locks, al, log)
	if opts.Aggregator != nil {
		reg.Aggregator = opts.Aggregator
	}
	lc := lifecycle.New(db, locks, al, log)
	if opts.Fallback != nil {
		lc.Fallback = *opts.Fallback
	}
	det := conflict.New(db, locks, al, reg, lc, anchors, log)
	if opts.Similarity != nil {
		det.Sim = opts.Similarity
	}
	if opts.DuplicateThreshold > 0 {
		det.DuplicateThreshold = opts.DuplicateThreshold
	}
	if opts.OverlapThreshold > 0 {
		det.OverlapThreshold = opts.OverlapThreshold
	}
	det.Judge = opts.Judge

	m := matcher.New(db, locks, al, lc, log)
	if opts.Scorer != nil {
		m.Scorer = opts.Scorer
	}
	m.Reranker = opts.Reranker
	if opts.MinScore > 0 {
		m.MinScore = opts.MinScore
	}
	if opts.MaxLinks > 0 {
		m.MaxLinks = opts.MaxLinks
	}
	if opts.Concurrency > 0 {
		m.Concurrency = opts.Concurrency
	}

	e := &Engine{
		DB:        db,
		Locks:     locks,
		Audit:     al,
		Anchors:   anchors,
		Registry:  reg,
		Lifecycle: lc,
		Detector:  det,
		Matcher:   m,
		Log:       log,
		Now:       func() time.Time { return time.Now().UTC() },
	}
	observers := Observers{m}
	if opts.Graph != nil {
		e.Projector = graphsync.NewProjector(opts.Graph, db, log)
		observers = append(observers, e.Projector)
	}
	e.Observer = observers
	reg.Observer = observers
	lc.Observer = observers
	det.Observer = observers
	return e
}

// TopicLink attaches some of a document's anchors to the card for Topic,
// creating the card when no live card has that topic.
type TopicLink struct {
	Topic       string            `json:"topic"`
	Description string            `json:"description,omitempty"`
	Category    string            `json:"category,omitempty"`
	Tags        []string          `json:"tags,omitempty"`
	Facts       map[string]string `json:"facts,omitempty"`
	// Content is the initial variant wording for a new card.
	Content string `json:"content,omitempty"`
	// AnchorHashes selects anchors by content hash; empty means all.
	AnchorHashes []string `json:"anchor_hashes,omitempty"`
}

type IngestInput struct {
	Document anchor.IngestDocument `json:"document"`
	Topics   []TopicLink           `json:"topics,omitempty"`
	Scan     bool                  `json:"scan,omitempty"`
}

type IngestReport struct {
	Document   *model.Document      `json:"document"`
	Anchors    []model.SourceAnchor `json:"anchors"`
	Reparsed   bool                 `json:"reparsed"`
	Created    []string             `json:"created_cards,omitempty"`
	Updated    []string             `json:"updated_cards,omitempty"`
	Recomputed []string             `json:"recomputed_cards,omitempty"`
	Scan       *conflict.ScanReport `json:"scan,omitempty"`
}

func validateIngest(in IngestInput) error {
	if err := anchor.Validate(in.Document); err != nil {
		return err
	}
	for i, t := range in.Topics {
		if strings.TrimSpace(t.Topic) == "" {
			return errs.Validation("core.Ingest", errs.ReasonMissingField, "topic %d: topic is required", i)
		}
	}
	return nil
}

func contains(ids []string, id string) bool {
	for _, x := range ids {
		if x == id {
			return true
		}
	}
	return false
}

func selectAnchors(all []model.SourceAnchor, hashes []string) []model.SourceAnchor {
	if len(hashes) == 0 {
		return all
	}
	want := make(map[string]bool, len(hashes))
	for _, h := range hashes {
		want[h] = true
	}
	var out []model.SourceAnchor
	for _, a := range all {
		if want[a.ContentHash] {
			out = append(out, a)
		}
	}
	return out
}

// Ingest stores one document from the ingestion feed and links its anchors
// to cards by topic, all in one transaction. Cards citing an older revision
// of the document are recomputed afterwards.
func (e *Engine) Ingest(ctx context.Context, in IngestInput, actor string) (*IngestReport, error) {
	if err := validateIngest(in); err != nil {
		return nil, err
	}

	keys := []string{store.DocumentKey(in.Document.DocID)}
	locked := make(map[string]bool)
	err := e.DB.View(ctx, func(r store.Reader) error {
		for _, t := range in.Topics {
			card, err := registry.FindLiveByTopic(ctx, r, t.Topic)
			if err != nil {
				return err
			}
			if card != nil && !locked[card.ID] {
				locked[card.ID] = true
				keys = append(keys, store.CardKey(card.ID))
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	release, err := e.Locks.Acquire(ctx, keys...)
	if err != nil {
		return nil, err
	}

	rep := &IngestReport{}
	created := make(map[string]bool)
	err = e.DB.Update(ctx, func(tx store.Tx) error {
		res, err := e.Anchors.IngestTx(ctx, tx, in.Document, actor)
		if err != nil {
			return err
		}
		rep.Document, rep.Anchors, rep.Reparsed = res.Document, res.Anchors, res.Reparsed

		for i, t := range in.Topics {
			anchors := selectAnchors(res.Anchors, t.AnchorHashes)
			if len(anchors) == 0 {
				continue
			}
			card, err := registry.FindLiveByTopic(ctx, tx, t.Topic)
			if err != nil {
				return err
			}
			if card != nil {
				// Only cards locked above or created by this ingest may change.
				if !locked[card.ID] && !created[card.ID] {
					return errs.Busy("core.Ingest", "card %s for topic %q appeared during ingest", card.ID, t.Topic)
				}
				anchored, err := e.Registry.AddAnchorsTx(ctx, tx, card, anchors, actor)
				if err != nil {
					return err
				}
				facts, err := e.Registry.MergeFactsTx(ctx, tx, card, t.Facts, res.Document, actor)
				if err != nil {
					return err
				}
				if (anchored || len(facts) > 0) && !created[card.ID] && !contains(rep.Updated, card.ID) {
					rep.Updated = append(rep.Updated, card.ID)
				}
				continue
			}
			create := registry.CreateCardInput{
				Topic:          t.Topic,
				Description:    t.Description,
				Anchors:        anchors,
				Facts:          t.Facts,
				Tags:           t.Tags,
				Category:       t.Category,
				InitialVariant: registry.VariantInput{Content: t.Content, Facts: t.Facts},
				FactsFrom:      res.Document.ID,
			}
			if err := registry.ValidateCreate(create); err != nil {
				return errs.Validation("core.Ingest", errs.ReasonOf(err), "topic %d: %v", i, err)
			}
			card, err = e.Registry.CreateCardTx(ctx, tx, create, actor)
			if err != nil {
				return err
			}
			created[card.ID] = true
			rep.Created = append(rep.Created, card.ID)
		}
		return nil
	})
	release()
	if err != nil {
		return nil, err
	}

	if rep.Reparsed {
		rep.Recomputed = e.recomputeCiting(ctx, in.Document.DocID, actor)
	}
	for _, id := range append(append([]string(nil), rep.Created...), rep.Updated...) {
		e.Observer.CardChanged(ctx, id)
	}
	if e.Projector != nil {
		e.Projector.ProjectDocument(ctx, rep.Document)
	}
	e.Log.Info("document ingested", "doc_id", rep.Document.ID, "revision", rep.Document.Revision,
		"created", len(rep.Created), "updated", len(rep.Updated), "recomputed", len(rep.Recomputed))

	if in.Scan {
		scan, err := e.Scan(ctx, conflict.ScanOptions{Actor: actor})
		if err != nil {
			return rep, err
		}
		rep.Scan = scan
	}
	return rep, nil
}

func (e *Engine) recomputeCiting(ctx context.Context, docID, actor string) []string {
	cards, err := e.Registry.List(ctx, registry.Filter{})
	if err != nil {
		e.Log.Warn("listing cards after re-parse failed", "doc_id", docID, "error", err)
		return nil
	}
	var changed []string
	for _, c := range cards {
		cites := false
		for _, a := range c.Anchors {
			if a.DocID == docID {
				cites = true
				break
			}
		}
		if !cites {
			continue
		}
		_, ok, err := e.Registry.Recompute(ctx, c.ID, actor)
		if err != nil {
			e.Log.Warn("recompute after re-parse failed", "card_id", c.ID, "error", err)
			continue
		}
		if ok {
			changed = append(changed, c.ID)
		}
	}
	return changed
}

// RemoveDocument tombstones a document and recomputes the cards citing it.
func (e *Engine) RemoveDocument(ctx context.Context, docID, actor string) (*model.Document, []string, error) {
	release, err := e.Locks.Acquire(ctx, store.DocumentKey(docID))
	if err != nil {
		return nil, nil, err
	}
	doc, err := e.Anchors.RemoveDocument(ctx, docID, actor)
	release()
	if err != nil {
		return nil, nil, err
	}
	changed := e.recomputeCiting(ctx, docID, actor)
	if e.Projector != nil {
		e.Projector.ProjectDocument(ctx, doc)
	}
	return doc, changed, nil
}

// Scan runs a conflict scan and projects the conflicts it created.
func (e *Engine) Scan(ctx context.Context, opts conflict.ScanOptions) (*conflict.ScanReport, error) {
	rep, err := e.Detector.Scan(ctx, opts)
	if rep != nil && e.Projector != nil {
		for _, c := range rep.Created {
			e.Projector.ProjectConflict(ctx, c)
		}
	}
	return rep, err
}

// Resolve resolves a conflict and projects the outcome.
func (e *Engine) Resolve(ctx context.Context, conflictID string, decision model.Decision, resolver string) (*conflict.ResolveResult, error) {
	res, err := e.Detector.Resolve(ctx, conflictID, decision, resolver)
	if err != nil {
		return nil, err
	}
	if e.Projector != nil {
		e.Projector.ProjectConflict(ctx, res.Conflict)
	}
	return res, nil
}

// Policy returns the guardrail policy in force, the fallback when none was
// stored yet.
func (e *Engine) Policy(ctx context.Context) (model.GuardrailPolicy, error) {
	var p model.GuardrailPolicy
	err := e.DB.View(ctx, func(r store.Reader) error {
		var err error
		p, err = e.Lifecycle.Policy(ctx, r)
		return err
	})
	return p, err
}

// UpdatePolicy stores p as the next policy version. Variants already
// evaluated keep the version they were evaluated under.
func (e *Engine) UpdatePolicy(ctx context.Context, p model.GuardrailPolicy, actor string) (*model.GuardrailPolicy, error) {
	if err := guardrail.ValidatePolicy(p); err != nil {
		return nil, err
	}
	var out *model.GuardrailPolicy
	err := e.DB.Update(ctx, func(tx store.Tx) error {
		prev := 0
		cur, err := tx.CurrentPolicy(ctx)
		switch {
		case err == nil:
			prev = cur.Version
		case errs.KindOf(err) != errs.KindNotFound:
			return err
		}
		next := p.Clone()
		next.Version = prev + 1
		next.UpdatedBy = actor
		next.UpdatedAt = e.Now()
		if err := tx.PutPolicy(ctx, next); err != nil {
			return err
		}
		words := make([]string, len(next.ProhibitedWords))
		for i, w := range next.ProhibitedWords {
			words[i] = w.Word
		}
		if _, err := e.Audit.Record(ctx, tx, model.AuditPolicy, PolicyEntityID, model.ActionPolicyWrite, actor, map[string]any{
			"version":          next.Version,
			"previous_version": prev,
			"prohibited_words": words,
			"threshold":        next.ConfidenceThreshold,
			"min_sources":      next.MinSourceCount,
		}); err != nil {
			return err
		}
		out = next
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.Log.Info("guardrail policy updated", "version", out.Version, "by", actor)
	return out, nil
}

// SeedPolicy stores p as version 1 when no policy exists yet. It reports
// whether it wrote anything.
func (e *Engine) SeedPolicy(ctx context.Context, p model.GuardrailPolicy, actor string) (bool, error) {
	var exists bool
	err := e.DB.View(ctx, func(r store.Reader) error {
		_, err := r.CurrentPolicy(ctx)
		if errs.KindOf(err) == errs.KindNotFound {
			return nil
		}
		exists = err == nil
		return err
	})
	if err != nil || exists {
		return false, err
	}
	if _, err := e.UpdatePolicy(ctx, p, actor); err != nil {
		return false, err
	}
	return true, nil
}

// ExportRow is one approved answer for one requirement. Requirements
// without approved content get a single row with no card.
type ExportRow struct {
	RequirementID   string                `json:"requirement_id" yaml:"requirement_id"`
	RequirementText string                `json:"requirement_text" yaml:"requirement_text"`
	ComplianceLevel model.ComplianceLevel `json:"compliance_level" yaml:"compliance_level"`
	CardID          string                `json:"card_id,omitempty" yaml:"card_id,omitempty"`
	Topic           string                `json:"topic,omitempty" yaml:"topic,omitempty"`
	VariantID       string                `json:"variant_id,omitempty" yaml:"variant_id,omitempty"`
	Context         string                `json:"context,omitempty" yaml:"context,omitempty"`
	Content         string                `json:"content,omitempty" yaml:"content,omitempty"`
	ApprovedBy      string                `json:"approved_by,omitempty" yaml:"approved_by,omitempty"`
	ApprovedAt      *time.Time            `json:"approved_at,omitempty" yaml:"approved_at,omitempty"`
}

// ApprovedContent is the authoritative approved content per requirement,
// ordered by requirement id, link order and variant context.
func (e *Engine) ApprovedContent(ctx context.Context) ([]ExportRow, error) {
	var (
		reqs  []*model.RFPRequirement
		cards []*model.KnowledgeCard
	)
	err := e.DB.View(ctx, func(r store.Reader) error {
		var err error
		if reqs, err = r.ListRequirements(ctx); err != nil {
			return err
		}
		cards, err = r.ListCards(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}
	byID := make(map[string]*model.KnowledgeCard, len(cards))
	for _, c := range cards {
		byID[c.ID] = c
	}
	sort.Slice(reqs, func(i, j int) bool { return reqs[i].ID < reqs[j].ID })

	rows := []ExportRow{}
	for _, req := range reqs {
		base := ExportRow{RequirementID: req.ID, RequirementText: req.RequirementText, ComplianceLevel: req.ComplianceLevel}
		n := 0
		for _, id := range req.LinkedAnswerCards {
			card := byID[id]
			if card == nil || card.Superseded() {
				continue
			}
			approved := card.Approved()
			sort.Slice(approved, func(i, j int) bool { return approved[i].Context < approved[j].Context })
			for _, v := range approved {
				row := base
				row.CardID, row.Topic = card.ID, card.Topic
				row.VariantID, row.Context, row.Content = v.ID, v.Context, v.Content
				row.ApprovedBy, row.ApprovedAt = v.ApprovedBy, v.ApprovedAt
				rows = append(rows, row)
				n++
			}
		}
		if n == 0 {
			rows = append(rows, base)
		}
	}
	return rows, nil
}

func (e *Engine) Close() error {
	var gerr error
	if e.Projector != nil {
		gerr = e.Projector.Driver.Close(context.Background())
	}
	if err := e.DB.Close(); err != nil {
		return err
	}
	return gerr
}
