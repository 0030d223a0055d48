package model

import "time"

type WordSeverity string

const (
	WordError   WordSeverity = "error"
	WordWarning WordSeverity = "warning"
)

func (s WordSeverity) Valid() bool {
	switch s {
	case WordError, WordWarning:
		return true
	default:
		return false
	}
}

type ProhibitedWord struct {
	Word     string       `json:"word" yaml:"word"`
	Category string       `json:"category" yaml:"category"`
	Severity WordSeverity `json:"severity" yaml:"severity"`
}

// GuardrailPolicy is the process-wide content policy. Every save produces a
// new Version; evaluations record the version they ran under.
type GuardrailPolicy struct {
	Version                 int              `json:"version" yaml:"version"`
	ProhibitedWords         []ProhibitedWord `json:"prohibited_words" yaml:"prohibited_words"`
	ConfidenceThreshold     float64          `json:"confidence_threshold" yaml:"confidence_threshold"` // 0-100
	MinSourceCount          int              `json:"min_source_count" yaml:"min_source_count"`
	AutoRejectFactMismatch  bool             `json:"auto_reject_fact_mismatch" yaml:"auto_reject_fact_mismatch"`
	RequireApprovalHighRisk bool             `json:"require_approval_high_risk" yaml:"require_approval_high_risk"`
	UpdatedBy               string           `json:"updated_by,omitempty" yaml:"updated_by,omitempty"`
	UpdatedAt               time.Time        `json:"updated_at" yaml:"updated_at,omitempty"`
}

func (p *GuardrailPolicy) Clone() *GuardrailPolicy {
	if p == nil {
		return nil
	}
	out := *p
	out.ProhibitedWords = append([]ProhibitedWord(nil), p.ProhibitedWords...)
	return &out
}
