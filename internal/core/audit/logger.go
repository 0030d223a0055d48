// Package audit appends immutable entries for every engine mutation and
// pages through them.
package audit

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/agenthands/cardforge/internal/core/errs"
	"github.com/agenthands/cardforge/internal/core/model"
	"github.com/agenthands/cardforge/internal/store"
)

type Logger struct {
	Store store.Store
	Log   *slog.Logger
	NewID func() string
	Now   func() time.Time
}

func NewLogger(s store.Store, log *slog.Logger) *Logger {
	if log == nil {
		log = slog.Default()
	}
	return &Logger{
		Store: s,
		Log:   log,
		NewID: func() string { return uuid.New().String() },
		Now:   func() time.Time { return time.Now().UTC() },
	}
}

// Record appends an entry inside the caller's transaction, so the entry
// commits or rolls back together with the mutation it describes.
func (l *Logger) Record(ctx context.Context, tx store.Tx, entityType, entityID, action, userID string, metadata map[string]any) (model.AuditEntry, error) {
	e := model.AuditEntry{
		ID:         l.NewID(),
		EntityType: entityType,
		EntityID:   entityID,
		Action:     action,
		UserID:     userID,
		Timestamp:  l.Now(),
		Metadata:   metadata,
	}
	if err := tx.AppendAudit(ctx, &e); err != nil {
		return model.AuditEntry{}, errs.AsStorage("audit.Record", err)
	}
	return e, nil
}

// Append writes a single entry in its own transaction. It fails only when
// the store is unavailable.
func (l *Logger) Append(ctx context.Context, entityType, entityID, action, userID string, metadata map[string]any) (model.AuditEntry, error) {
	var out model.AuditEntry
	err := l.Store.Update(ctx, func(tx store.Tx) error {
		var err error
		out, err = l.Record(ctx, tx, entityType, entityID, action, userID, metadata)
		return err
	})
	if err != nil {
		l.Log.Error("audit append failed", "entity_type", entityType, "entity_id", entityID, "action", action, "error", err)
		return model.AuditEntry{}, errs.AsStorage("audit.Append", err)
	}
	return out, nil
}

type Filter struct {
	EntityType string
	EntityID   string
	UserID     string
	Cursor     string
	Limit      int
}

// Page is one page of entries. NextCursor is empty on the last page.
type Page struct {
	Entries    []model.AuditEntry `json:"entries"`
	NextCursor string             `json:"next_cursor,omitempty"`
}

const MaxPageSize = 500

func (l *Logger) List(ctx context.Context, f Filter) (Page, error) {
	var after int64
	if f.Cursor != "" {
		n, err := strconv.ParseInt(f.Cursor, 10, 64)
		if err != nil || n < 0 {
			return Page{}, errs.Validation("audit.List", errs.ReasonInvalidEnum, "bad cursor %q", f.Cursor)
		}
		after = n
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}

	var entries []model.AuditEntry
	err := l.Store.View(ctx, func(r store.Reader) error {
		var err error
		// One extra row tells us whether another page exists.
		entries, err = r.ListAudit(ctx, store.AuditQuery{
			EntityType: f.EntityType,
			EntityID:   f.EntityID,
			UserID:     f.UserID,
			AfterSeq:   after,
			Limit:      limit + 1,
		})
		return err
	})
	if err != nil {
		return Page{}, errs.AsStorage("audit.List", err)
	}

	page := Page{Entries: entries}
	if len(entries) > limit {
		page.Entries = entries[:limit]
		page.NextCursor = strconv.FormatInt(page.Entries[limit-1].Seq, 10)
	}
	if page.Entries == nil {
		page.Entries = []model.AuditEntry{}
	}
	return page, nil
}

// Reason builds the metadata map used by rejected or explained transitions.
func Reason(r errs.Reason, extra map[string]any) map[string]any {
	m := map[string]any{"reason": string(r)}
	for k, v := range extra {
		m[k] = v
	}
	return m
}
