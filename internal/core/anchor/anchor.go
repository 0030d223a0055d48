// Package anchor holds source anchors and the documents that own them.
// Anchors are never edited: re-ingesting a document produces a new revision
// and older anchors stay readable as superseded.
package anchor

import (
	"context"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/agenthands/cardforge/internal/core/audit"
	"github.com/agenthands/cardforge/internal/core/common"
	"github.com/agenthands/cardforge/internal/core/errs"
	"github.com/agenthands/cardforge/internal/core/model"
	"github.com/agenthands/cardforge/internal/store"
)

// AnchorInput is one extracted anchor as delivered by the ingestion feed.
type AnchorInput struct {
	ContentHash      string           `json:"content_hash,omitempty"`
	TextSnippet      string           `json:"text_snippet"`
	SectionPath      string           `json:"section_path,omitempty"`
	Page             *int             `json:"page,omitempty"`
	AnchorConfidence float64          `json:"anchor_confidence"`
	AnchorType       model.AnchorType `json:"anchor_type,omitempty"`
	FailReasons      []string         `json:"fail_reasons,omitempty"`
}

// IngestDocument is one processed document from the ingestion feed.
type IngestDocument struct {
	DocID   string            `json:"doc_id"`
	Title   string            `json:"title"`
	Date    *time.Time        `json:"date,omitempty"`
	Facts   map[string]string `json:"facts,omitempty"`
	Anchors []AnchorInput     `json:"anchors"`
}

type IngestResult struct {
	Document *model.Document     `json:"document"`
	Anchors  []model.SourceAnchor `json:"anchors"`
	Reparsed bool                `json:"reparsed"`
}

type Store struct {
	DB    store.Store
	Audit *audit.Logger
	Log   *slog.Logger
	Now   func() time.Time
}

func New(db store.Store, a *audit.Logger, log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}
	return &Store{
		DB:    db,
		Audit: a,
		Log:   log,
		Now:   func() time.Time { return time.Now().UTC() },
	}
}

// Validate checks a document before anything is written.
func Validate(doc IngestDocument) error {
	const op = "anchor.Ingest"
	if strings.TrimSpace(doc.DocID) == "" {
		return errs.Validation(op, errs.ReasonMissingField, "doc_id is required")
	}
	for i, a := range doc.Anchors {
		if err := ValidateAnchor(a.TextSnippet, a.AnchorConfidence, a.AnchorType); err != nil {
			return errs.Validation(op, errs.ReasonOf(err), "anchor %d: %v", i, err)
		}
	}
	return nil
}

// ValidateAnchor checks the fields shared by every anchor source. An empty
// anchor type is accepted and defaults to semantic.
func ValidateAnchor(snippet string, confidence float64, typ model.AnchorType) error {
	const op = "anchor.Validate"
	if strings.TrimSpace(snippet) == "" {
		return errs.Validation(op, errs.ReasonMissingField, "text_snippet is required")
	}
	if math.IsNaN(confidence) || confidence < 0 || confidence > 1 {
		return errs.Validation(op, errs.ReasonConfidenceRange, "anchor_confidence %v outside [0,1]", confidence)
	}
	if typ != "" && !typ.Valid() {
		return errs.Validation(op, errs.ReasonInvalidEnum, "anchor_type %q", typ)
	}
	return nil
}

// Build turns input into an immutable anchor of docID at revision rev.
func Build(in AnchorInput, docID string, rev int) model.SourceAnchor {
	hash := in.ContentHash
	if hash == "" {
		hash = common.SemanticHash(in.TextSnippet)
	}
	typ := in.AnchorType
	if typ == "" {
		typ = model.AnchorSemantic
	}
	var page *int
	if in.Page != nil {
		p := *in.Page
		page = &p
	}
	return model.SourceAnchor{
		ContentHash:      hash,
		TextSnippet:      in.TextSnippet,
		DocID:            docID,
		SectionPath:      in.SectionPath,
		Page:             page,
		AnchorConfidence: in.AnchorConfidence,
		AnchorType:       typ,
		FailReasons:      append([]string(nil), in.FailReasons...),
		Revision:         rev,
	}
}

func (s *Store) Ingest(ctx context.Context, doc IngestDocument, actor string) (*IngestResult, error) {
	if err := Validate(doc); err != nil {
		return nil, err
	}
	var res *IngestResult
	err := s.DB.Update(ctx, func(tx store.Tx) error {
		var err error
		res, err = s.IngestTx(ctx, tx, doc, actor)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.Log.Info("document ingested", "doc_id", doc.DocID, "revision", res.Document.Revision, "anchors", len(res.Anchors))
	return res, nil
}

// IngestTx stores doc inside tx. Callers must have run Validate.
func (s *Store) IngestTx(ctx context.Context, tx store.Tx, doc IngestDocument, actor string) (*IngestResult, error) {
	now := s.Now()
	stored, err := tx.GetDocument(ctx, doc.DocID)
	reparsed := err == nil
	switch {
	case reparsed:
		stored.Revision++
		stored.Removed = false
		stored.UpdatedAt = now
	case errs.KindOf(err) == errs.KindNotFound:
		stored = &model.Document{ID: doc.DocID, Revision: 1, CreatedAt: now, UpdatedAt: now}
	default:
		return nil, errs.AsStorage("anchor.Ingest", err)
	}
	if doc.Title != "" {
		stored.Title = doc.Title
	}
	if doc.Date != nil {
		d := *doc.Date
		stored.Date = &d
	}
	if doc.Facts != nil {
		stored.Facts = make(map[string]string, len(doc.Facts))
		for k, v := range doc.Facts {
			stored.Facts[common.NormalizeKey(k)] = v
		}
	}

	anchors := make([]model.SourceAnchor, 0, len(doc.Anchors))
	seen := make(map[string]bool, len(doc.Anchors))
	for _, in := range doc.Anchors {
		a := Build(in, doc.DocID, stored.Revision)
		if seen[a.ContentHash] {
			continue
		}
		seen[a.ContentHash] = true
		anchors = append(anchors, a)
	}

	if err := tx.PutDocument(ctx, stored); err != nil {
		return nil, err
	}
	if err := tx.AppendAnchors(ctx, anchors); err != nil {
		return nil, err
	}
	if _, err := s.Audit.Record(ctx, tx, model.AuditDocument, doc.DocID, model.ActionIngest, actor, map[string]any{
		"revision": stored.Revision,
		"anchors":  len(anchors),
		"facts":    len(stored.Facts),
		"reparsed": reparsed,
	}); err != nil {
		return nil, err
	}
	return &IngestResult{Document: stored, Anchors: anchors, Reparsed: reparsed}, nil
}

// Anchors returns every stored anchor of docID across revisions.
func (s *Store) Anchors(ctx context.Context, docID string) ([]model.SourceAnchor, error) {
	var out []model.SourceAnchor
	err := s.DB.View(ctx, func(r store.Reader) error {
		if _, err := r.GetDocument(ctx, docID); err != nil {
			return err
		}
		var err error
		out, err = r.ListAnchors(ctx, docID)
		return err
	})
	return out, err
}

func (s *Store) Document(ctx context.Context, docID string) (*model.Document, error) {
	var out *model.Document
	err := s.DB.View(ctx, func(r store.Reader) error {
		var err error
		out, err = r.GetDocument(ctx, docID)
		return err
	})
	return out, err
}

func (s *Store) Documents(ctx context.Context) ([]*model.Document, error) {
	var out []*model.Document
	err := s.DB.View(ctx, func(r store.Reader) error {
		var err error
		out, err = r.ListDocuments(ctx)
		return err
	})
	return out, err
}

// IsCurrent reports whether a belongs to the latest revision of a live
// document.
func (s *Store) IsCurrent(ctx context.Context, a model.SourceAnchor) (bool, error) {
	var cur bool
	err := s.DB.View(ctx, func(r store.Reader) error {
		var err error
		cur, err = IsCurrentIn(ctx, r, a)
		return err
	})
	return cur, err
}

// IsCurrentIn is IsCurrent against an open reader. A missing document makes
// the anchor not current rather than an error.
func IsCurrentIn(ctx context.Context, r store.Reader, a model.SourceAnchor) (bool, error) {
	doc, err := r.GetDocument(ctx, a.DocID)
	if errs.KindOf(err) == errs.KindNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return Current(doc, a), nil
}

// Current is the pure form of IsCurrent.
func Current(doc *model.Document, a model.SourceAnchor) bool {
	if doc == nil || doc.Removed || doc.SupersededBy != "" {
		return false
	}
	// Revision 0 marks an anchor attached directly to a card rather than
	// produced by ingestion; it follows whatever revision is current.
	return a.Revision == 0 || a.Revision == doc.Revision
}

// RemoveDocument tombstones a document whose source file went away. Its
// anchors and any conflicts referencing it are kept.
func (s *Store) RemoveDocument(ctx context.Context, docID, actor string) (*model.Document, error) {
	var out *model.Document
	err := s.DB.Update(ctx, func(tx store.Tx) error {
		doc, err := tx.GetDocument(ctx, docID)
		if err != nil {
			return err
		}
		if doc.Removed {
			out = doc
			return nil
		}
		doc.Removed = true
		doc.UpdatedAt = s.Now()
		if err := tx.PutDocument(ctx, doc); err != nil {
			return err
		}
		if _, err := s.Audit.Record(ctx, tx, model.AuditDocument, docID, model.ActionRemove, actor, nil); err != nil {
			return err
		}
		out = doc
		return nil
	})
	return out, err
}

// MarkSuperseded records that byDocID replaces docID.
func (s *Store) MarkSuperseded(ctx context.Context, tx store.Tx, docID, byDocID, actor string, metadata map[string]any) error {
	doc, err := tx.GetDocument(ctx, docID)
	if err != nil {
		return err
	}
	doc.SupersededBy = byDocID
	doc.UpdatedAt = s.Now()
	if err := tx.PutDocument(ctx, doc); err != nil {
		return err
	}
	meta := map[string]any{"superseded_by": byDocID}
	for k, v := range metadata {
		meta[k] = v
	}
	_, err = s.Audit.Record(ctx, tx, model.AuditDocument, docID, model.ActionSupersede, actor, meta)
	return err
}
