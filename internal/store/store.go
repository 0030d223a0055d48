// Package store persists cards, documents, anchors, conflicts, requirements,
// policies and the audit trail behind explicit transactions.
package store

import (
	"context"

	"github.com/agenthands/cardforge/internal/core/model"
)

// AuditQuery filters and pages audit entries. Entries are returned in Seq
// order starting after AfterSeq.
type AuditQuery struct {
	EntityType string
	EntityID   string
	UserID     string
	AfterSeq   int64
	Limit      int
}

// Reader is the read side of the store. Every returned value is a copy the
// caller may modify freely. Missing entities yield an errs.NotFound error.
type Reader interface {
	GetCard(ctx context.Context, id string) (*model.KnowledgeCard, error)
	ListCards(ctx context.Context) ([]*model.KnowledgeCard, error)
	CardIDForVariant(ctx context.Context, variantID string) (string, error)

	GetDocument(ctx context.Context, id string) (*model.Document, error)
	ListDocuments(ctx context.Context) ([]*model.Document, error)
	ListAnchors(ctx context.Context, docID string) ([]model.SourceAnchor, error)

	GetConflict(ctx context.Context, id string) (*model.Conflict, error)
	ListConflicts(ctx context.Context, status model.ConflictStatus) ([]*model.Conflict, error)

	GetRequirement(ctx context.Context, id string) (*model.RFPRequirement, error)
	ListRequirements(ctx context.Context) ([]*model.RFPRequirement, error)

	CurrentPolicy(ctx context.Context) (*model.GuardrailPolicy, error)
	ListAudit(ctx context.Context, q AuditQuery) ([]model.AuditEntry, error)
}

// Tx is a unit of work. Writes become visible to other callers only when the
// enclosing Update returns nil.
type Tx interface {
	Reader

	PutCard(ctx context.Context, card *model.KnowledgeCard) error
	PutDocument(ctx context.Context, doc *model.Document) error
	// AppendAnchors stores anchors; anchors are immutable so an existing key
	// is left untouched.
	AppendAnchors(ctx context.Context, anchors []model.SourceAnchor) error
	PutConflict(ctx context.Context, c *model.Conflict) error
	PutRequirement(ctx context.Context, r *model.RFPRequirement) error
	// PutPolicy stores a new policy version; Version must be current+1.
	PutPolicy(ctx context.Context, p *model.GuardrailPolicy) error
	// AppendAudit assigns entry.Seq and clamps entry.Timestamp so that it is
	// never earlier than the previous entry.
	AppendAudit(ctx context.Context, entry *model.AuditEntry) error
}

type Store interface {
	View(ctx context.Context, fn func(r Reader) error) error
	Update(ctx context.Context, fn func(tx Tx) error) error
	Close() error
}

const defaultAuditLimit = 100

func auditLimit(n int) int {
	if n <= 0 {
		return defaultAuditLimit
	}
	return n
}

func (q AuditQuery) matches(e *model.AuditEntry) bool {
	if e.Seq <= q.AfterSeq {
		return false
	}
	if q.EntityType != "" && e.EntityType != q.EntityType {
		return false
	}
	if q.EntityID != "" && e.EntityID != q.EntityID {
		return false
	}
	if q.UserID != "" && e.UserID != q.UserID {
		return false
	}
	return true
}
