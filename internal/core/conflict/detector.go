// Package conflict detects contradictions, duplicates, staleness and overlap
// among cards, variants and documents, and applies resolutions.
package conflict

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agenthands/cardforge/internal/core/anchor"
	"github.com/agenthands/cardforge/internal/core/audit"
	"github.com/agenthands/cardforge/internal/core/common"
	"github.com/agenthands/cardforge/internal/core/lifecycle"
	"github.com/agenthands/cardforge/internal/core/model"
	"github.com/agenthands/cardforge/internal/core/registry"
	"github.com/agenthands/cardforge/internal/store"
)

const (
	DefaultDuplicateThreshold = 0.6
	DefaultOverlapThreshold   = 0.3
	highDuplicateScore        = 0.9

	day = 24 * time.Hour
)

// Judgement is a second opinion on whether two answers contradict.
type Judgement struct {
	Contradicts bool   `json:"contradicts"`
	Explanation string `json:"explanation"`
}

// Judge compares two answer texts. It is consulted only for related cards
// that show no fact-level contradiction.
type Judge interface {
	Compare(ctx context.Context, a, b string) (Judgement, error)
}

type Detector struct {
	DB        store.Store
	Locks     *store.Locker
	Audit     *audit.Logger
	Registry  *registry.Registry
	Lifecycle *lifecycle.Manager
	Anchors   *anchor.Store
	Observer  registry.CardObserver
	Judge     Judge

	Sim                Similarity
	DuplicateThreshold float64
	OverlapThreshold   float64

	Log   *slog.Logger
	NewID func() string
	Now   func() time.Time

	scanMu sync.Mutex
}

func New(db store.Store, locks *store.Locker, a *audit.Logger, reg *registry.Registry, lc *lifecycle.Manager, anchors *anchor.Store, log *slog.Logger) *Detector {
	if log == nil {
		log = slog.Default()
	}
	return &Detector{
		DB:                 db,
		Locks:              locks,
		Audit:              a,
		Registry:           reg,
		Lifecycle:          lc,
		Anchors:            anchors,
		Sim:                BigramDice{},
		DuplicateThreshold: DefaultDuplicateThreshold,
		OverlapThreshold:   DefaultOverlapThreshold,
		Log:                log,
		NewID:              func() string { return uuid.New().String() },
		Now:                func() time.Time { return time.Now().UTC() },
	}
}

type ScanOptions struct {
	// ResumeFrom is the Checkpoint of a previously cancelled scan.
	ResumeFrom int
	Actor      string
}

// ScanReport describes one scan. Checkpoint is the unit to resume from when
// Cancelled; units are the live cards in creation order followed by the
// document pass and the variant pass.
type ScanReport struct {
	Created    []*model.Conflict `json:"created"`
	Checkpoint int               `json:"checkpoint"`
	Total      int               `json:"total"`
	Cancelled  bool              `json:"cancelled"`
}

type snapshot struct {
	cards    []*model.KnowledgeCard
	docs     []*model.Document          // live documents sorted by id
	allDocs  map[string]*model.Document // including removed and superseded
	docConf  map[string]float64
	known    map[string]bool // fingerprints already recorded
	cardDate map[string]*time.Time
}

func (d *Detector) snapshot(ctx context.Context) (*snapshot, error) {
	s := &snapshot{
		allDocs:  make(map[string]*model.Document),
		docConf:  make(map[string]float64),
		known:    make(map[string]bool),
		cardDate: make(map[string]*time.Time),
	}
	err := d.DB.View(ctx, func(r store.Reader) error {
		cards, err := r.ListCards(ctx)
		if err != nil {
			return err
		}
		for _, c := range cards {
			if !c.Superseded() {
				s.cards = append(s.cards, c)
			}
		}
		docs, err := r.ListDocuments(ctx)
		if err != nil {
			return err
		}
		for _, doc := range docs {
			s.allDocs[doc.ID] = doc
			if doc.Removed || doc.SupersededBy != "" {
				continue
			}
			s.docs = append(s.docs, doc)
			anchors, err := r.ListAnchors(ctx, doc.ID)
			if err != nil {
				return err
			}
			var sum float64
			n := 0
			for _, a := range anchors {
				if anchor.Current(doc, a) {
					sum += a.AnchorConfidence
					n++
				}
			}
			if n > 0 {
				s.docConf[doc.ID] = sum / float64(n)
			}
		}
		existing, err := r.ListConflicts(ctx, "")
		if err != nil {
			return err
		}
		for _, c := range existing {
			s.known[c.Fingerprint] = true
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for _, c := range s.cards {
		s.cardDate[c.ID] = latestSourceDate(c, s.allDocs)
	}
	return s, nil
}

// latestSourceDate is the newest date among the documents a card cites.
func latestSourceDate(c *model.KnowledgeCard, docs map[string]*model.Document) *time.Time {
	var best *time.Time
	for _, a := range c.Anchors {
		doc := docs[a.DocID]
		if doc == nil || doc.Date == nil {
			continue
		}
		if best == nil || doc.Date.After(*best) {
			t := *doc.Date
			best = &t
		}
	}
	return best
}

// Scan runs every detection rule over a consistent snapshot and stores new
// conflicts as they are found. Cancellation is honoured between pairs; a
// cancelled scan reports the checkpoint to resume from, and conflicts that
// were already stored are not duplicated on resume.
func (d *Detector) Scan(ctx context.Context, opts ScanOptions) (*ScanReport, error) {
	d.scanMu.Lock()
	defer d.scanMu.Unlock()

	actor := opts.Actor
	if actor == "" {
		actor = "system"
	}
	snap, err := d.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	n := len(snap.cards)
	report := &ScanReport{Total: n + 2, Created: []*model.Conflict{}}

	emit := func(c *model.Conflict) error {
		if snap.known[c.Fingerprint] {
			return nil
		}
		stored, err := d.record(ctx, c, actor)
		if err != nil {
			return err
		}
		snap.known[c.Fingerprint] = true
		report.Created = append(report.Created, stored)
		return nil
	}

	start := opts.ResumeFrom
	if start < 0 || start > report.Total {
		start = 0
	}
	for i := start; i < report.Total; i++ {
		report.Checkpoint = i
		if ctx.Err() != nil {
			report.Cancelled = true
			return report, nil
		}
		switch {
		case i < n:
			for j := i + 1; j < n; j++ {
				if ctx.Err() != nil {
					report.Cancelled = true
					return report, nil
				}
				for _, c := range d.comparePair(ctx, snap, snap.cards[i], snap.cards[j]) {
					if err := emit(c); err != nil {
						return interrupted(ctx, report, err)
					}
				}
			}
		case i == n:
			for _, c := range d.compareDocuments(snap) {
				if err := emit(c); err != nil {
					return interrupted(ctx, report, err)
				}
			}
		default:
			for _, card := range snap.cards {
				for _, c := range d.compareVariants(card) {
					if err := emit(c); err != nil {
						return interrupted(ctx, report, err)
					}
				}
			}
		}
	}
	report.Checkpoint = report.Total
	d.Log.Info("conflict scan finished", "cards", n, "documents", len(snap.docs), "created", len(report.Created))
	return report, nil
}

// interrupted turns a failure caused by cancellation into a resumable
// report.
func interrupted(ctx context.Context, report *ScanReport, err error) (*ScanReport, error) {
	if ctx.Err() != nil {
		report.Cancelled = true
		return report, nil
	}
	return report, err
}

func (d *Detector) record(ctx context.Context, c *model.Conflict, actor string) (*model.Conflict, error) {
	c.ID = d.NewID()
	c.Status = model.ConflictPending
	c.DetectedAt = d.Now()
	ids := make([]string, len(c.Entities))
	for i, e := range c.Entities {
		ids[i] = string(e.Type) + ":" + e.ID
	}
	err := d.DB.Update(ctx, func(tx store.Tx) error {
		if err := tx.PutConflict(ctx, c); err != nil {
			return err
		}
		_, err := d.Audit.Record(ctx, tx, model.AuditConflict, c.ID, model.ActionDetect, actor, map[string]any{
			"type":       string(c.Type),
			"severity":   string(c.Severity),
			"entities":   ids,
			"suggestion": string(c.SuggestedResolution),
			"fact_key":   c.FactKey,
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	d.Log.Debug("conflict detected", "conflict_id", c.ID, "type", c.Type, "entities", ids)
	return c, nil
}

func fingerprint(t model.ConflictType, key string, values []string, refs ...model.EntityRef) string {
	ids := make([]string, len(refs))
	for i, r := range refs {
		ids[i] = string(r.Type) + ":" + r.ID
	}
	sort.Strings(ids)
	vals := make([]string, len(values))
	for i, v := range values {
		vals[i] = common.Compact(v)
	}
	sort.Strings(vals)
	return fmt.Sprintf("%s|%s|%s|%s", t, key, strings.Join(ids, ","), strings.Join(vals, ","))
}

func cardRef(c *model.KnowledgeCard, date *time.Time) model.EntityRef {
	return model.EntityRef{Type: model.EntityCard, ID: c.ID, Label: c.Topic, Confidence: c.OverallConfidence, Date: date}
}

func docRef(doc *model.Document, conf float64) model.EntityRef {
	label := doc.Title
	if label == "" {
		label = doc.ID
	}
	return model.EntityRef{Type: model.EntityDocument, ID: doc.ID, Label: label, Confidence: conf, Date: doc.Date}
}

func variantRef(v *model.AnswerVariant, conf float64) model.EntityRef {
	created := v.CreatedAt
	return model.EntityRef{Type: model.EntityVariant, ID: v.ID, Label: truncate(v.Content, 80), Confidence: conf, Date: &created}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}

// keepNewest picks the entity with the later date, breaking equal dates by
// confidence. A missing date or a full tie leaves the choice to a human.
func keepNewest(a, b model.EntityRef) (model.Resolution, string) {
	if a.Date == nil || b.Date == nil {
		return model.ResolveManual, ""
	}
	switch {
	case a.Date.After(*b.Date):
		return model.ResolveKeepNewest, a.ID
	case b.Date.After(*a.Date):
		return model.ResolveKeepNewest, b.ID
	case a.Confidence > b.Confidence:
		return model.ResolveKeepNewest, a.ID
	case b.Confidence > a.Confidence:
		return model.ResolveKeepNewest, b.ID
	default:
		return model.ResolveManual, ""
	}
}

func keepHighestConfidence(a, b model.EntityRef) (model.Resolution, string) {
	switch {
	case a.Confidence > b.Confidence:
		return model.ResolveKeepHighestConfidence, a.ID
	case b.Confidence > a.Confidence:
		return model.ResolveKeepHighestConfidence, b.ID
	default:
		return model.ResolveManual, ""
	}
}

// ageSeverity scales an outdated conflict by how far apart the two
// versions are.
func ageSeverity(delta time.Duration) model.Severity {
	if delta < 0 {
		delta = -delta
	}
	switch {
	case delta >= 365*day:
		return model.SeverityHigh
	case delta >= 90*day:
		return model.SeverityMedium
	default:
		return model.SeverityLow
	}
}

func (d *Detector) comparePair(ctx context.Context, snap *snapshot, a, b *model.KnowledgeCard) []*model.Conflict {
	var out []*model.Conflict
	ra, rb := cardRef(a, snap.cardDate[a.ID]), cardRef(b, snap.cardDate[b.ID])
	ps := ScoreCards(d.Sim, a, b)

	switch {
	case ps.Score >= d.DuplicateThreshold:
		sev := model.SeverityMedium
		if ps.Score >= highDuplicateScore {
			sev = model.SeverityHigh
		}
		res, winner := keepHighestConfidence(ra, rb)
		out = append(out, &model.Conflict{
			Type:                model.ConflictDuplicate,
			Severity:            sev,
			Entities:            []model.EntityRef{ra, rb},
			SuggestedResolution: res,
			SuggestedWinner:     winner,
			Detail:              fmt.Sprintf("similarity %.3f (topic %.3f, facts %.3f, content %.3f)", ps.Score, ps.Topic, ps.Facts, ps.Content),
			Fingerprint:         fingerprint(model.ConflictDuplicate, "", nil, ra, rb),
		})
	case ps.Score >= d.OverlapThreshold:
		out = append(out, &model.Conflict{
			Type:                model.ConflictOverlap,
			Severity:            model.SeverityLow,
			Entities:            []model.EntityRef{ra, rb},
			SuggestedResolution: model.ResolveMerge,
			Detail:              fmt.Sprintf("similarity %.3f", ps.Score),
			Fingerprint:         fingerprint(model.ConflictOverlap, "", nil, ra, rb),
		})
	}

	contradictions := factContradictions(a.Facts, b.Facts)
	for _, key := range contradictions {
		res, winner := keepNewest(ra, rb)
		out = append(out, &model.Conflict{
			Type:                model.ConflictContradiction,
			Severity:            model.SeverityHigh,
			Entities:            []model.EntityRef{ra, rb},
			SuggestedResolution: res,
			SuggestedWinner:     winner,
			FactKey:             key,
			Detail:              fmt.Sprintf("%s: %q vs %q", key, a.Facts[key], b.Facts[key]),
			Fingerprint:         fingerprint(model.ConflictContradiction, key, []string{a.Facts[key], b.Facts[key]}, ra, rb),
		})
	}

	if d.Judge != nil && len(contradictions) == 0 && ps.Score >= d.OverlapThreshold && ps.Score < d.DuplicateThreshold {
		va, vb := a.PrimaryVariant(), b.PrimaryVariant()
		if va != nil && vb != nil {
			j, err := d.Judge.Compare(ctx, va.Content, vb.Content)
			if err != nil {
				d.Log.Warn("contradiction judge failed", "card_a", a.ID, "card_b", b.ID, "error", err)
			} else if j.Contradicts {
				res, winner := keepNewest(ra, rb)
				out = append(out, &model.Conflict{
					Type:                model.ConflictContradiction,
					Severity:            model.SeverityHigh,
					Entities:            []model.EntityRef{ra, rb},
					SuggestedResolution: res,
					SuggestedWinner:     winner,
					Detail:              j.Explanation,
					Fingerprint:         fingerprint(model.ConflictContradiction, "", []string{va.Content, vb.Content}, ra, rb),
				})
			}
		}
	}
	return out
}

// factContradictions lists shared keys whose values disagree, sorted.
func factContradictions(a, b map[string]string) []string {
	var out []string
	for k, v := range a {
		if w, ok := b[k]; ok && !common.FactValuesEqual(v, w) {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

func (d *Detector) compareDocuments(snap *snapshot) []*model.Conflict {
	var out []*model.Conflict
	docs := snap.docs

	for i := 0; i < len(docs); i++ {
		for j := i + 1; j < len(docs); j++ {
			a, b := docs[i], docs[j]
			ra, rb := docRef(a, snap.docConf[a.ID]), docRef(b, snap.docConf[b.ID])
			for _, key := range factContradictions(a.Facts, b.Facts) {
				res, winner := keepNewest(ra, rb)
				out = append(out, &model.Conflict{
					Type:                model.ConflictContradiction,
					Severity:            model.SeverityHigh,
					Entities:            []model.EntityRef{ra, rb},
					SuggestedResolution: res,
					SuggestedWinner:     winner,
					FactKey:             key,
					Detail:              fmt.Sprintf("%s: %q vs %q", key, a.Facts[key], b.Facts[key]),
					Fingerprint:         fingerprint(model.ConflictContradiction, key, []string{a.Facts[key], b.Facts[key]}, ra, rb),
				})
			}
		}
	}

	// For every fact key, older dated documents are outdated by the newest
	// one covering the key.
	byKey := make(map[string][]*model.Document)
	for _, doc := range docs {
		for k := range doc.Facts {
			byKey[k] = append(byKey[k], doc)
		}
	}
	type pair struct{ older, newer string }
	keys := make(map[pair][]string)
	docByID := make(map[string]*model.Document, len(docs))
	for _, doc := range docs {
		docByID[doc.ID] = doc
	}
	for key, covering := range byKey {
		var newest *model.Document
		for _, doc := range covering {
			if doc.Date != nil && (newest == nil || doc.Date.After(*newest.Date)) {
				newest = doc
			}
		}
		if newest == nil {
			continue
		}
		for _, doc := range covering {
			if doc.ID == newest.ID || doc.Date == nil || !doc.Date.Before(*newest.Date) {
				continue
			}
			p := pair{doc.ID, newest.ID}
			keys[p] = append(keys[p], key)
		}
	}
	pairs := make([]pair, 0, len(keys))
	for p := range keys {
		pairs = append(pairs, p)
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].older != pairs[j].older {
			return pairs[i].older < pairs[j].older
		}
		return pairs[i].newer < pairs[j].newer
	})
	for _, p := range pairs {
		older, newer := docByID[p.older], docByID[p.newer]
		ks := keys[p]
		sort.Strings(ks)
		ro, rn := docRef(older, snap.docConf[older.ID]), docRef(newer, snap.docConf[newer.ID])
		out = append(out, &model.Conflict{
			Type:                model.ConflictOutdated,
			Severity:            ageSeverity(newer.Date.Sub(*older.Date)),
			Entities:            []model.EntityRef{ro, rn},
			SuggestedResolution: model.ResolveKeepNewest,
			SuggestedWinner:     newer.ID,
			FactKey:             ks[0],
			Detail:              fmt.Sprintf("newer document covers %s", strings.Join(ks, ", ")),
			Fingerprint:         fingerprint(model.ConflictOutdated, strings.Join(ks, ","), nil, ro, rn),
		})
	}
	return out
}

// compareVariants flags approved variants that a newer live variant of the
// same card contradicts on a fact key.
func (d *Detector) compareVariants(card *model.KnowledgeCard) []*model.Conflict {
	var out []*model.Conflict
	for _, old := range card.Approved() {
		for i := range card.Variants {
			nv := &card.Variants[i]
			if nv.ID == old.ID || nv.Status.Terminal() || !nv.CreatedAt.After(old.CreatedAt) {
				continue
			}
			for _, key := range factContradictions(old.Facts, nv.Facts) {
				ro, rn := variantRef(old, card.OverallConfidence), variantRef(nv, card.OverallConfidence)
				out = append(out, &model.Conflict{
					Type:                model.ConflictOutdated,
					Severity:            ageSeverity(nv.CreatedAt.Sub(old.CreatedAt)),
					Entities:            []model.EntityRef{ro, rn},
					SuggestedResolution: model.ResolveKeepNewest,
					SuggestedWinner:     nv.ID,
					FactKey:             key,
					Detail:              fmt.Sprintf("card %s: %s %q superseded by %q", card.ID, key, old.Facts[key], nv.Facts[key]),
					Fingerprint:         fingerprint(model.ConflictOutdated, key, []string{old.Facts[key], nv.Facts[key]}, ro, rn),
				})
			}
		}
	}
	return out
}

// List returns stored conflicts, optionally filtered by status.
func (d *Detector) List(ctx context.Context, status model.ConflictStatus) ([]*model.Conflict, error) {
	var out []*model.Conflict
	err := d.DB.View(ctx, func(r store.Reader) error {
		var err error
		out, err = r.ListConflicts(ctx, status)
		return err
	})
	return out, err
}

func (d *Detector) Get(ctx context.Context, id string) (*model.Conflict, error) {
	var out *model.Conflict
	err := d.DB.View(ctx, func(r store.Reader) error {
		var err error
		out, err = r.GetConflict(ctx, id)
		return err
	})
	return out, err
}
