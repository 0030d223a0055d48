package model

import "time"

type ConflictType string

const (
	ConflictContradiction ConflictType = "contradiction"
	ConflictDuplicate     ConflictType = "duplicate"
	ConflictOutdated      ConflictType = "outdated"
	ConflictOverlap       ConflictType = "overlap"
)

func (t ConflictType) Valid() bool {
	switch t {
	case ConflictContradiction, ConflictDuplicate, ConflictOutdated, ConflictOverlap:
		return true
	default:
		return false
	}
}

type Severity string

const (
	SeverityHigh   Severity = "high"
	SeverityMedium Severity = "medium"
	SeverityLow    Severity = "low"
)

type Resolution string

const (
	ResolveKeepNewest            Resolution = "keep-newest"
	ResolveKeepHighestConfidence Resolution = "keep-highest-confidence"
	ResolveMerge                 Resolution = "merge"
	ResolveManual                Resolution = "manual"
)

type ConflictStatus string

const (
	ConflictPending  ConflictStatus = "pending"
	ConflictResolved ConflictStatus = "resolved"
)

// Decision is what a resolver chose for a conflict.
type Decision string

const (
	DecisionKeepA  Decision = "keep-A"
	DecisionKeepB  Decision = "keep-B"
	DecisionMerge  Decision = "merge"
	DecisionIgnore Decision = "ignore"
)

func (d Decision) Valid() bool {
	switch d {
	case DecisionKeepA, DecisionKeepB, DecisionMerge, DecisionIgnore:
		return true
	default:
		return false
	}
}

type EntityType string

const (
	EntityCard     EntityType = "card"
	EntityVariant  EntityType = "variant"
	EntityDocument EntityType = "document"
)

// EntityRef is a weak reference to a card, variant or document. The
// referenced entity may disappear; the conflict then becomes orphaned.
type EntityRef struct {
	Type       EntityType `json:"type"`
	ID         string     `json:"id"`
	Label      string     `json:"label"`
	Confidence float64    `json:"confidence,omitempty"`
	Date       *time.Time `json:"date,omitempty"`
}

type Conflict struct {
	ID                  string         `json:"id"`
	Type                ConflictType   `json:"type"`
	Severity            Severity       `json:"severity"`
	Entities            []EntityRef    `json:"entities"`
	SuggestedResolution Resolution     `json:"suggested_resolution"`
	SuggestedWinner     string         `json:"suggested_winner,omitempty"`
	FactKey             string         `json:"fact_key,omitempty"`
	Detail              string         `json:"detail,omitempty"`
	Status              ConflictStatus `json:"status"`
	Resolution          Decision       `json:"resolution,omitempty"`
	ResolvedBy          string         `json:"resolved_by,omitempty"`
	ResolvedAt          *time.Time     `json:"resolved_at,omitempty"`
	ResultCardID        string         `json:"result_card_id,omitempty"` // card created by a merge
	Fingerprint         string         `json:"fingerprint"`
	DetectedAt          time.Time      `json:"detected_at"`
}

func (c *Conflict) Clone() *Conflict {
	if c == nil {
		return nil
	}
	out := *c
	out.Entities = make([]EntityRef, len(c.Entities))
	for i, e := range c.Entities {
		e.Date = cloneTime(e.Date)
		out.Entities[i] = e
	}
	out.ResolvedAt = cloneTime(c.ResolvedAt)
	return &out
}
