// Package guardrail evaluates variant content against the guardrail policy.
// Evaluation is pure: the same input and policy always produce the same
// verdict.
package guardrail

import (
	"fmt"
	"math"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/agenthands/cardforge/internal/core/errs"
	"github.com/agenthands/cardforge/internal/core/model"
)

// Input carries everything a verdict depends on besides the policy.
type Input struct {
	Content          string
	SourceCount      int
	AnchorConfidence float64
	// FactMismatches lists fact keys the content asserts with a value that
	// contradicts a verified fact.
	FactMismatches []string
}

// Reason explains one rule that raised the risk level.
type Reason struct {
	Code     errs.Reason        `json:"code"`
	Subject  string             `json:"subject,omitempty"` // prohibited word or fact key
	Category string             `json:"category,omitempty"`
	Severity model.WordSeverity `json:"severity,omitempty"`
	Count    int                `json:"count,omitempty"`
	Detail   string             `json:"detail,omitempty"`
}

func (r Reason) String() string {
	if r.Subject == "" {
		return string(r.Code)
	}
	return string(r.Code) + ":" + r.Subject
}

type Verdict struct {
	RiskLevel     model.RiskLevel `json:"risk_level"`
	Reasons       []Reason        `json:"reasons"`
	AutoReject    bool            `json:"auto_reject"`
	PolicyVersion int             `json:"policy_version"`
}

// ReasonStrings renders the reasons in the form stored on variants.
func (v Verdict) ReasonStrings() []string {
	out := make([]string, len(v.Reasons))
	for i, r := range v.Reasons {
		out[i] = r.String()
	}
	return out
}

// Evaluate runs every rule of p against in. Reasons are ordered by policy
// word order, then confidence, source count and fact mismatch.
func Evaluate(in Input, p model.GuardrailPolicy) Verdict {
	v := Verdict{RiskLevel: model.RiskSafe, Reasons: []Reason{}, PolicyVersion: p.Version}
	content := strings.ToLower(in.Content)

	for _, w := range p.ProhibitedWords {
		n := countWholeWord(content, strings.ToLower(strings.TrimSpace(w.Word)))
		if n == 0 {
			continue
		}
		v.Reasons = append(v.Reasons, Reason{
			Code:     errs.ReasonProhibitedWord,
			Subject:  w.Word,
			Category: w.Category,
			Severity: w.Severity,
			Count:    n,
		})
		switch w.Severity {
		case model.WordError:
			v.RiskLevel = model.RiskHigh
		case model.WordWarning:
			v.RiskLevel = v.RiskLevel.AtLeast(model.RiskMedium)
		default:
			// ValidatePolicy rejects unknown severities; treat one that slipped
			// through as the stricter kind.
			v.RiskLevel = model.RiskHigh
		}
	}

	if pct := confidencePercent(in.AnchorConfidence); pct < p.ConfidenceThreshold {
		v.Reasons = append(v.Reasons, Reason{
			Code:   errs.ReasonBelowConfidence,
			Detail: fmt.Sprintf("confidence %.2f below threshold %.2f", pct, p.ConfidenceThreshold),
		})
		v.RiskLevel = v.RiskLevel.AtLeast(model.RiskMedium)
	}

	if in.SourceCount < p.MinSourceCount {
		v.Reasons = append(v.Reasons, Reason{
			Code:   errs.ReasonInsufficientSources,
			Count:  in.SourceCount,
			Detail: fmt.Sprintf("%d sources, %d required", in.SourceCount, p.MinSourceCount),
		})
		v.RiskLevel = v.RiskLevel.AtLeast(model.RiskMedium)
	}

	for _, key := range in.FactMismatches {
		v.Reasons = append(v.Reasons, Reason{Code: errs.ReasonFactMismatch, Subject: key})
	}
	if len(in.FactMismatches) > 0 {
		if p.AutoRejectFactMismatch {
			v.RiskLevel = model.RiskHigh
			v.AutoReject = true
		} else {
			v.RiskLevel = v.RiskLevel.AtLeast(model.RiskMedium)
		}
	}
	return v
}

// MeetsThreshold reports whether confidence (0-1) passes the policy's
// confidence threshold. Equality passes.
func MeetsThreshold(confidence float64, p model.GuardrailPolicy) bool {
	return confidencePercent(confidence) >= p.ConfidenceThreshold
}

// confidencePercent scales to 0-100 and rounds to two decimals, so 0.7
// compares as exactly 70.
func confidencePercent(c float64) float64 {
	return math.Round(c*100*100) / 100
}

func isWordRune(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r)
}

// countWholeWord counts non-overlapping occurrences of word in content. A
// boundary is only required on an edge of word that is itself a word
// character, so terms like "100%" match before punctuation or spaces.
func countWholeWord(content, word string) int {
	if word == "" {
		return 0
	}
	first, _ := utf8.DecodeRuneInString(word)
	last, _ := utf8.DecodeLastRuneInString(word)
	needLeft, needRight := isWordRune(first), isWordRune(last)

	n := 0
	for i := 0; i <= len(content)-len(word); {
		j := strings.Index(content[i:], word)
		if j < 0 {
			break
		}
		start := i + j
		end := start + len(word)
		ok := true
		if needLeft && start > 0 {
			prev, _ := utf8.DecodeLastRuneInString(content[:start])
			ok = !isWordRune(prev)
		}
		if ok && needRight && end < len(content) {
			next, _ := utf8.DecodeRuneInString(content[end:])
			ok = !isWordRune(next)
		}
		if ok {
			n++
			i = end
		} else {
			_, size := utf8.DecodeRuneInString(content[start:])
			i = start + size
		}
	}
	return n
}

// ValidatePolicy checks ranges, severities and duplicate words.
func ValidatePolicy(p model.GuardrailPolicy) error {
	const op = "guardrail.ValidatePolicy"
	if p.ConfidenceThreshold < 0 || p.ConfidenceThreshold > 100 || math.IsNaN(p.ConfidenceThreshold) {
		return errs.Validation(op, errs.ReasonInvalidPolicy, "confidence threshold %v outside [0,100]", p.ConfidenceThreshold)
	}
	if p.MinSourceCount < 1 {
		return errs.Validation(op, errs.ReasonInvalidPolicy, "min source count %d below 1", p.MinSourceCount)
	}
	seen := make(map[string]bool, len(p.ProhibitedWords))
	for i, w := range p.ProhibitedWords {
		word := strings.ToLower(strings.TrimSpace(w.Word))
		if word == "" {
			return errs.Validation(op, errs.ReasonInvalidPolicy, "prohibited word %d is empty", i)
		}
		if !w.Severity.Valid() {
			return errs.Validation(op, errs.ReasonInvalidPolicy, "prohibited word %q has severity %q", w.Word, w.Severity)
		}
		if seen[word] {
			return errs.Validation(op, errs.ReasonInvalidPolicy, "prohibited word %q listed twice", w.Word)
		}
		seen[word] = true
	}
	return nil
}

// DefaultPolicy is the seed used when neither the store nor the
// configuration provides one.
func DefaultPolicy() model.GuardrailPolicy {
	return model.GuardrailPolicy{
		ProhibitedWords: []model.ProhibitedWord{
			{Word: "guarantee", Category: "legal", Severity: model.WordError},
			{Word: "guaranteed", Category: "legal", Severity: model.WordError},
			{Word: "100%", Category: "marketing", Severity: model.WordError},
			{Word: "unlimited", Category: "legal", Severity: model.WordWarning},
			{Word: "always", Category: "marketing", Severity: model.WordWarning},
			{Word: "never", Category: "marketing", Severity: model.WordWarning},
			{Word: "best-in-class", Category: "marketing", Severity: model.WordWarning},
		},
		ConfidenceThreshold:     70,
		MinSourceCount:          1,
		AutoRejectFactMismatch:  true,
		RequireApprovalHighRisk: true,
	}
}
