package model

import (
	"fmt"
	"time"
)

type AnchorType string

const (
	AnchorSemantic  AnchorType = "semantic"
	AnchorStructure AnchorType = "structure"
)

func (t AnchorType) Valid() bool {
	switch t {
	case AnchorSemantic, AnchorStructure:
		return true
	default:
		return false
	}
}

// SourceAnchor binds a claim fragment to a location in a source document.
// Anchors are immutable; a re-parse of the owning document produces a new
// revision instead of editing existing anchors.
type SourceAnchor struct {
	ContentHash      string     `json:"content_hash"`
	TextSnippet      string     `json:"text_snippet"`
	DocID            string     `json:"doc_id"`
	SectionPath      string     `json:"section_path,omitempty"`
	Page             *int       `json:"page,omitempty"`
	AnchorConfidence float64    `json:"anchor_confidence"`
	AnchorType       AnchorType `json:"anchor_type"`
	FailReasons      []string   `json:"fail_reasons,omitempty"`
	Revision         int        `json:"revision"`
}

// Key identifies an anchor across document revisions.
func (a SourceAnchor) Key() string {
	return fmt.Sprintf("%s#%d#%s", a.DocID, a.Revision, a.ContentHash)
}

// Document is the ingestion metadata of the document that owns a set of anchors.
type Document struct {
	ID           string            `json:"id"`
	Title        string            `json:"title"`
	Date         *time.Time        `json:"date,omitempty"` // authoring/effective date of the source
	Revision     int               `json:"revision"`
	Facts        map[string]string `json:"facts,omitempty"`
	SupersededBy string            `json:"superseded_by,omitempty"`
	Removed      bool              `json:"removed"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

func (d *Document) Clone() *Document {
	if d == nil {
		return nil
	}
	out := *d
	out.Facts = cloneFacts(d.Facts)
	out.Date = cloneTime(d.Date)
	return &out
}

// CloneAnchors deep-copies a slice of anchors.
func CloneAnchors(in []SourceAnchor) []SourceAnchor {
	if in == nil {
		return nil
	}
	out := make([]SourceAnchor, len(in))
	for i, a := range in {
		out[i] = a.clone()
	}
	return out
}
