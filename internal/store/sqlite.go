package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/agenthands/cardforge/internal/core/errs"
	"github.com/agenthands/cardforge/internal/core/model"
)

// SQLiteStore persists entities as JSON payloads keyed by id, with the few
// columns the engine filters on broken out and indexed.
type SQLiteStore struct {
	db   *sql.DB
	Path string
}

const schema = `
CREATE TABLE IF NOT EXISTS cards (
	id         TEXT PRIMARY KEY,
	created_at INTEGER NOT NULL,
	payload    TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS variants (
	id      TEXT PRIMARY KEY,
	card_id TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS documents (
	id      TEXT PRIMARY KEY,
	payload TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS anchors (
	key      TEXT PRIMARY KEY,
	doc_id   TEXT NOT NULL,
	seq      INTEGER NOT NULL,
	payload  TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_anchors_doc ON anchors(doc_id, seq);
CREATE TABLE IF NOT EXISTS conflicts (
	id          TEXT PRIMARY KEY,
	status      TEXT NOT NULL,
	detected_at INTEGER NOT NULL,
	payload     TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_conflicts_status ON conflicts(status);
CREATE TABLE IF NOT EXISTS requirements (
	id      TEXT PRIMARY KEY,
	payload TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS policies (
	version INTEGER PRIMARY KEY,
	payload TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS audit_log (
	seq         INTEGER PRIMARY KEY,
	id          TEXT NOT NULL UNIQUE,
	entity_type TEXT NOT NULL,
	entity_id   TEXT NOT NULL,
	user_id     TEXT NOT NULL,
	action      TEXT NOT NULL,
	ts          INTEGER NOT NULL,
	metadata    TEXT
);
CREATE INDEX IF NOT EXISTS idx_audit_entity ON audit_log(entity_type, entity_id, seq);
`

// OpenSQLite opens (creating if needed) a SQLite database with WAL enabled.
func OpenSQLite(path string) (*SQLiteStore, error) {
	p := filepath.Clean(strings.TrimSpace(path))
	if p == "" || p == "." {
		return nil, errors.New("missing db path")
	}
	if p != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
			return nil, fmt.Errorf("creating db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// A single connection serializes writers and keeps :memory: databases alive.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting WAL mode: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing schema: %w", err)
	}
	return &SQLiteStore{db: db, Path: p}, nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) View(ctx context.Context, fn func(r Reader) error) error {
	return fn(&sqlTx{q: s.db})
}

func (s *SQLiteStore) Update(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errs.Storage("store.Update", err)
	}
	if err := fn(&sqlTx{q: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return errs.Storage("store.Update", err)
	}
	return nil
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type sqlTx struct {
	q querier
}

func getPayload[T any](ctx context.Context, q querier, op, kind, query, id string) (*T, error) {
	var raw string
	err := q.QueryRowContext(ctx, query, id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.NotFound(op, errs.ReasonNotFound, "%s %s", kind, id)
	}
	if err != nil {
		return nil, errs.Storage(op, err)
	}
	var out T
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, errs.Storage(op, fmt.Errorf("decoding %s %s: %w", kind, id, err))
	}
	return &out, nil
}

func listPayloads[T any](ctx context.Context, q querier, op, query string, args ...any) ([]*T, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errs.Storage(op, err)
	}
	defer rows.Close()

	var out []*T
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, errs.Storage(op, err)
		}
		var v T
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			return nil, errs.Storage(op, err)
		}
		out = append(out, &v)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Storage(op, err)
	}
	return out, nil
}

func (t *sqlTx) GetCard(ctx context.Context, id string) (*model.KnowledgeCard, error) {
	return getPayload[model.KnowledgeCard](ctx, t.q, "store.GetCard", "card", `SELECT payload FROM cards WHERE id = ?`, id)
}

func (t *sqlTx) ListCards(ctx context.Context) ([]*model.KnowledgeCard, error) {
	return listPayloads[model.KnowledgeCard](ctx, t.q, "store.ListCards", `SELECT payload FROM cards ORDER BY created_at, id`)
}

func (t *sqlTx) CardIDForVariant(ctx context.Context, variantID string) (string, error) {
	var cardID string
	err := t.q.QueryRowContext(ctx, `SELECT card_id FROM variants WHERE id = ?`, variantID).Scan(&cardID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", errs.NotFound("store.CardIDForVariant", errs.ReasonNotFound, "variant %s", variantID)
	}
	if err != nil {
		return "", errs.Storage("store.CardIDForVariant", err)
	}
	return cardID, nil
}

func (t *sqlTx) GetDocument(ctx context.Context, id string) (*model.Document, error) {
	return getPayload[model.Document](ctx, t.q, "store.GetDocument", "document", `SELECT payload FROM documents WHERE id = ?`, id)
}

func (t *sqlTx) ListDocuments(ctx context.Context) ([]*model.Document, error) {
	return listPayloads[model.Document](ctx, t.q, "store.ListDocuments", `SELECT payload FROM documents ORDER BY id`)
}

func (t *sqlTx) ListAnchors(ctx context.Context, docID string) ([]model.SourceAnchor, error) {
	ptrs, err := listPayloads[model.SourceAnchor](ctx, t.q, "store.ListAnchors", `SELECT payload FROM anchors WHERE doc_id = ? ORDER BY seq`, docID)
	if err != nil {
		return nil, err
	}
	out := make([]model.SourceAnchor, len(ptrs))
	for i, a := range ptrs {
		out[i] = *a
	}
	return out, nil
}

func (t *sqlTx) GetConflict(ctx context.Context, id string) (*model.Conflict, error) {
	return getPayload[model.Conflict](ctx, t.q, "store.GetConflict", "conflict", `SELECT payload FROM conflicts WHERE id = ?`, id)
}

func (t *sqlTx) ListConflicts(ctx context.Context, status model.ConflictStatus) ([]*model.Conflict, error) {
	if status == "" {
		return listPayloads[model.Conflict](ctx, t.q, "store.ListConflicts", `SELECT payload FROM conflicts ORDER BY detected_at, id`)
	}
	return listPayloads[model.Conflict](ctx, t.q, "store.ListConflicts", `SELECT payload FROM conflicts WHERE status = ? ORDER BY detected_at, id`, string(status))
}

func (t *sqlTx) GetRequirement(ctx context.Context, id string) (*model.RFPRequirement, error) {
	return getPayload[model.RFPRequirement](ctx, t.q, "store.GetRequirement", "requirement", `SELECT payload FROM requirements WHERE id = ?`, id)
}

func (t *sqlTx) ListRequirements(ctx context.Context) ([]*model.RFPRequirement, error) {
	return listPayloads[model.RFPRequirement](ctx, t.q, "store.ListRequirements", `SELECT payload FROM requirements ORDER BY id`)
}

func (t *sqlTx) CurrentPolicy(ctx context.Context) (*model.GuardrailPolicy, error) {
	var raw string
	err := t.q.QueryRowContext(ctx, `SELECT payload FROM policies ORDER BY version DESC LIMIT 1`).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.NotFound("store.CurrentPolicy", errs.ReasonNotFound, "no guardrail policy stored")
	}
	if err != nil {
		return nil, errs.Storage("store.CurrentPolicy", err)
	}
	var p model.GuardrailPolicy
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil, errs.Storage("store.CurrentPolicy", err)
	}
	return &p, nil
}

func (t *sqlTx) ListAudit(ctx context.Context, q AuditQuery) ([]model.AuditEntry, error) {
	query := `SELECT seq, id, entity_type, entity_id, user_id, action, ts, metadata FROM audit_log WHERE seq > ?`
	args := []any{q.AfterSeq}
	if q.EntityType != "" {
		query += ` AND entity_type = ?`
		args = append(args, q.EntityType)
	}
	if q.EntityID != "" {
		query += ` AND entity_id = ?`
		args = append(args, q.EntityID)
	}
	if q.UserID != "" {
		query += ` AND user_id = ?`
		args = append(args, q.UserID)
	}
	query += ` ORDER BY seq LIMIT ?`
	args = append(args, auditLimit(q.Limit))

	rows, err := t.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errs.Storage("store.ListAudit", err)
	}
	defer rows.Close()

	var out []model.AuditEntry
	for rows.Next() {
		var (
			e    model.AuditEntry
			ts   int64
			meta sql.NullString
		)
		if err := rows.Scan(&e.Seq, &e.ID, &e.EntityType, &e.EntityID, &e.UserID, &e.Action, &ts, &meta); err != nil {
			return nil, errs.Storage("store.ListAudit", err)
		}
		e.Timestamp = time.Unix(0, ts).UTC()
		if meta.Valid && meta.String != "" {
			if err := json.Unmarshal([]byte(meta.String), &e.Metadata); err != nil {
				return nil, errs.Storage("store.ListAudit", err)
			}
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Storage("store.ListAudit", err)
	}
	return out, nil
}

func (t *sqlTx) exec(ctx context.Context, op, query string, args ...any) error {
	if _, err := t.q.ExecContext(ctx, query, args...); err != nil {
		return errs.Storage(op, err)
	}
	return nil
}

func (t *sqlTx) PutCard(ctx context.Context, card *model.KnowledgeCard) error {
	raw, err := json.Marshal(card)
	if err != nil {
		return errs.Storage("store.PutCard", err)
	}
	if err := t.exec(ctx, "store.PutCard",
		`INSERT INTO cards (id, created_at, payload) VALUES (?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET payload = excluded.payload`,
		card.ID, card.CreatedAt.UnixNano(), string(raw)); err != nil {
		return err
	}
	for _, v := range card.Variants {
		if err := t.exec(ctx, "store.PutCard",
			`INSERT OR IGNORE INTO variants (id, card_id) VALUES (?, ?)`, v.ID, card.ID); err != nil {
			return err
		}
	}
	return nil
}

func (t *sqlTx) PutDocument(ctx context.Context, doc *model.Document) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return errs.Storage("store.PutDocument", err)
	}
	return t.exec(ctx, "store.PutDocument",
		`INSERT INTO documents (id, payload) VALUES (?, ?)
		 ON CONFLICT(id) DO UPDATE SET payload = excluded.payload`, doc.ID, string(raw))
}

func (t *sqlTx) AppendAnchors(ctx context.Context, anchors []model.SourceAnchor) error {
	for _, a := range anchors {
		raw, err := json.Marshal(a)
		if err != nil {
			return errs.Storage("store.AppendAnchors", err)
		}
		if err := t.exec(ctx, "store.AppendAnchors",
			`INSERT OR IGNORE INTO anchors (key, doc_id, seq, payload)
			 VALUES (?, ?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM anchors), ?)`,
			a.Key(), a.DocID, string(raw)); err != nil {
			return err
		}
	}
	return nil
}

func (t *sqlTx) PutConflict(ctx context.Context, c *model.Conflict) error {
	raw, err := json.Marshal(c)
	if err != nil {
		return errs.Storage("store.PutConflict", err)
	}
	return t.exec(ctx, "store.PutConflict",
		`INSERT INTO conflicts (id, status, detected_at, payload) VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET status = excluded.status, payload = excluded.payload`,
		c.ID, string(c.Status), c.DetectedAt.UnixNano(), string(raw))
}

func (t *sqlTx) PutRequirement(ctx context.Context, r *model.RFPRequirement) error {
	raw, err := json.Marshal(r)
	if err != nil {
		return errs.Storage("store.PutRequirement", err)
	}
	return t.exec(ctx, "store.PutRequirement",
		`INSERT INTO requirements (id, payload) VALUES (?, ?)
		 ON CONFLICT(id) DO UPDATE SET payload = excluded.payload`, r.ID, string(raw))
}

func (t *sqlTx) PutPolicy(ctx context.Context, p *model.GuardrailPolicy) error {
	var current int
	if err := t.q.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM policies`).Scan(&current); err != nil {
		return errs.Storage("store.PutPolicy", err)
	}
	if p.Version != current+1 {
		return errs.InvalidState("store.PutPolicy", errs.ReasonInvalidPolicy, "version %d does not follow %d", p.Version, current)
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return errs.Storage("store.PutPolicy", err)
	}
	return t.exec(ctx, "store.PutPolicy", `INSERT INTO policies (version, payload) VALUES (?, ?)`, p.Version, string(raw))
}

func (t *sqlTx) AppendAudit(ctx context.Context, entry *model.AuditEntry) error {
	var (
		lastSeq int64
		lastTS  int64
	)
	err := t.q.QueryRowContext(ctx, `SELECT seq, ts FROM audit_log ORDER BY seq DESC LIMIT 1`).Scan(&lastSeq, &lastTS)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return errs.Storage("store.AppendAudit", err)
	}
	entry.Seq = lastSeq + 1
	if ts := entry.Timestamp.UnixNano(); ts < lastTS {
		entry.Timestamp = time.Unix(0, lastTS).UTC()
	}

	var meta any
	if len(entry.Metadata) > 0 {
		raw, err := json.Marshal(entry.Metadata)
		if err != nil {
			return errs.Storage("store.AppendAudit", err)
		}
		meta = string(raw)
	}
	return t.exec(ctx, "store.AppendAudit",
		`INSERT INTO audit_log (seq, id, entity_type, entity_id, user_id, action, ts, metadata)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.Seq, entry.ID, entry.EntityType, entry.EntityID, entry.UserID, entry.Action, entry.Timestamp.UnixNano(), meta)
}
