package model

import "time"

type ComplianceLevel string

const (
	ComplianceYes     ComplianceLevel = "YES"
	CompliancePartial ComplianceLevel = "PARTIAL"
	ComplianceNo      ComplianceLevel = "NO"
	ComplianceUnknown ComplianceLevel = "UNKNOWN"
)

type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

func (p Priority) Valid() bool {
	switch p {
	case PriorityHigh, PriorityMedium, PriorityLow:
		return true
	default:
		return false
	}
}

// RFPRequirement is one requirement of an RFP. ComplianceLevel,
// AnchorConfidence and MatchScore are derived by the matcher.
type RFPRequirement struct {
	ID                string            `json:"id"`
	RequirementText   string            `json:"requirement_text"`
	RequirementType   string            `json:"requirement_type,omitempty"`
	ComplianceLevel   ComplianceLevel   `json:"compliance_level"`
	LinkedAnswerCards []string          `json:"linked_answer_cards"`
	AnchorConfidence  float64           `json:"anchor_confidence"`
	MatchScore        float64           `json:"match_score"`
	Priority          Priority          `json:"priority"`
	ExpectedFacts     map[string]string `json:"expected_facts,omitempty"`
	EvaluatedAt       *time.Time        `json:"evaluated_at,omitempty"`
}

func (r *RFPRequirement) Clone() *RFPRequirement {
	if r == nil {
		return nil
	}
	out := *r
	out.LinkedAnswerCards = append([]string(nil), r.LinkedAnswerCards...)
	out.ExpectedFacts = cloneFacts(r.ExpectedFacts)
	out.EvaluatedAt = cloneTime(r.EvaluatedAt)
	return &out
}

// Links reports whether the requirement is linked to cardID.
func (r *RFPRequirement) Links(cardID string) bool {
	for _, id := range r.LinkedAnswerCards {
		if id == cardID {
			return true
		}
	}
	return false
}
