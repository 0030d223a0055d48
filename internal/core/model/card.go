package model

import "time"

type VariantStatus string

const (
	StatusDraft      VariantStatus = "DRAFT"
	StatusPending    VariantStatus = "PENDING"
	StatusApproved   VariantStatus = "APPROVED"
	StatusRejected   VariantStatus = "REJECTED"
	StatusDeprecated VariantStatus = "DEPRECATED"
)

func (s VariantStatus) Valid() bool {
	switch s {
	case StatusDraft, StatusPending, StatusApproved, StatusRejected, StatusDeprecated:
		return true
	default:
		return false
	}
}

// Terminal reports whether no transition leaves the status.
func (s VariantStatus) Terminal() bool {
	switch s {
	case StatusRejected, StatusDeprecated:
		return true
	case StatusDraft, StatusPending, StatusApproved:
		return false
	default:
		return false
	}
}

type RiskLevel string

const (
	RiskSafe   RiskLevel = "SAFE"
	RiskMedium RiskLevel = "MEDIUM"
	RiskHigh   RiskLevel = "HIGH"
)

func (r RiskLevel) Valid() bool {
	switch r {
	case RiskSafe, RiskMedium, RiskHigh:
		return true
	default:
		return false
	}
}

func (r RiskLevel) rank() int {
	switch r {
	case RiskSafe:
		return 0
	case RiskMedium:
		return 1
	case RiskHigh:
		return 2
	default:
		return -1
	}
}

// AtLeast returns the higher of r and floor.
func (r RiskLevel) AtLeast(floor RiskLevel) RiskLevel {
	if floor.rank() > r.rank() {
		return floor
	}
	return r
}

// AnswerVariant is one candidate wording of a card's answer.
type AnswerVariant struct {
	ID              string            `json:"id"`
	CardID          string            `json:"card_id"`
	Content         string            `json:"content"`
	Context         string            `json:"context"`
	Status          VariantStatus     `json:"status"`
	RiskLevel       RiskLevel         `json:"risk_level"`
	RiskReasons     []string          `json:"risk_reasons,omitempty"`
	Facts           map[string]string `json:"facts,omitempty"` // facts the wording asserts
	UsageCount      int               `json:"usage_count"`
	ApprovedBy      string            `json:"approved_by,omitempty"`
	ApprovedAt      *time.Time        `json:"approved_at,omitempty"`
	RejectedBy      string            `json:"rejected_by,omitempty"`
	RejectedAt      *time.Time        `json:"rejected_at,omitempty"`
	RejectReason    string            `json:"reject_reason,omitempty"`
	DeprecatedAt    *time.Time        `json:"deprecated_at,omitempty"`
	DeprecateReason string            `json:"deprecate_reason,omitempty"`
	PolicyVersion   int               `json:"policy_version,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	CreatedBy       string            `json:"created_by"`
}

// KnowledgeCard bundles anchors, verified facts and variants for one topic.
type KnowledgeCard struct {
	ID                string            `json:"id"`
	Topic             string            `json:"topic"`
	Description       string            `json:"description,omitempty"`
	Anchors           []SourceAnchor    `json:"anchors"`
	Facts             map[string]string `json:"facts,omitempty"`
	FactSources       map[string]string `json:"fact_sources,omitempty"` // fact key to the document it was read from
	Variants          []AnswerVariant   `json:"variants"`
	Tags              []string          `json:"tags,omitempty"`
	Category          string            `json:"category,omitempty"`
	OverallConfidence float64           `json:"overall_confidence"`
	SupersededBy      string            `json:"superseded_by,omitempty"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
}

func (c *KnowledgeCard) Superseded() bool {
	return c.SupersededBy != ""
}

// Variant returns a pointer into c.Variants, or nil.
func (c *KnowledgeCard) Variant(id string) *AnswerVariant {
	for i := range c.Variants {
		if c.Variants[i].ID == id {
			return &c.Variants[i]
		}
	}
	return nil
}

// Approved returns the approved variants of the card, one per context at most.
func (c *KnowledgeCard) Approved() []*AnswerVariant {
	var out []*AnswerVariant
	for i := range c.Variants {
		if c.Variants[i].Status == StatusApproved {
			out = append(out, &c.Variants[i])
		}
	}
	return out
}

// PrimaryVariant is the variant that speaks for the card in comparisons:
// the most recently approved one, else the newest variant that is still live,
// else the first variant.
func (c *KnowledgeCard) PrimaryVariant() *AnswerVariant {
	if len(c.Variants) == 0 {
		return nil
	}
	var best *AnswerVariant
	for _, v := range c.Approved() {
		if best == nil || (v.ApprovedAt != nil && best.ApprovedAt != nil && v.ApprovedAt.After(*best.ApprovedAt)) {
			best = v
		}
	}
	if best != nil {
		return best
	}
	for i := len(c.Variants) - 1; i >= 0; i-- {
		if !c.Variants[i].Status.Terminal() {
			return &c.Variants[i]
		}
	}
	return &c.Variants[0]
}

// Clone returns a deep copy.
func (c *KnowledgeCard) Clone() *KnowledgeCard {
	if c == nil {
		return nil
	}
	out := *c
	out.Anchors = make([]SourceAnchor, len(c.Anchors))
	for i, a := range c.Anchors {
		out.Anchors[i] = a.clone()
	}
	out.Facts = cloneFacts(c.Facts)
	out.FactSources = cloneFacts(c.FactSources)
	out.Tags = append([]string(nil), c.Tags...)
	out.Variants = make([]AnswerVariant, len(c.Variants))
	for i, v := range c.Variants {
		out.Variants[i] = v.clone()
	}
	return &out
}

func (v AnswerVariant) clone() AnswerVariant {
	v.RiskReasons = append([]string(nil), v.RiskReasons...)
	v.Facts = cloneFacts(v.Facts)
	v.ApprovedAt = cloneTime(v.ApprovedAt)
	v.RejectedAt = cloneTime(v.RejectedAt)
	v.DeprecatedAt = cloneTime(v.DeprecatedAt)
	return v
}

func (a SourceAnchor) clone() SourceAnchor {
	if a.Page != nil {
		p := *a.Page
		a.Page = &p
	}
	a.FailReasons = append([]string(nil), a.FailReasons...)
	return a
}

func cloneFacts(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
