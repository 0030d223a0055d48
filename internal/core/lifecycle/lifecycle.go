// Package lifecycle moves answer variants through their approval states:
// DRAFT -> PENDING -> APPROVED | REJECTED, and APPROVED -> DEPRECATED.
package lifecycle

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/agenthands/cardforge/internal/core/audit"
	"github.com/agenthands/cardforge/internal/core/common"
	"github.com/agenthands/cardforge/internal/core/errs"
	"github.com/agenthands/cardforge/internal/core/guardrail"
	"github.com/agenthands/cardforge/internal/core/model"
	"github.com/agenthands/cardforge/internal/core/registry"
	"github.com/agenthands/cardforge/internal/store"
)

// Approver identifies who approves or rejects. Elevated is asserted by the
// caller's authorization layer.
type Approver struct {
	UserID   string
	Elevated bool
}

type SubmitInput struct {
	// FactMismatches are fact keys the caller already knows to contradict a
	// verified fact. Mismatches between the variant's facts and the card's
	// facts are added automatically.
	FactMismatches []string `json:"fact_mismatches,omitempty"`
}

type Manager struct {
	DB       store.Store
	Locks    *store.Locker
	Audit    *audit.Logger
	Observer registry.CardObserver
	// Fallback is evaluated when the store holds no policy yet.
	Fallback model.GuardrailPolicy
	Log      *slog.Logger
	Now      func() time.Time
}

func New(db store.Store, locks *store.Locker, a *audit.Logger, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		DB:       db,
		Locks:    locks,
		Audit:    a,
		Fallback: guardrail.DefaultPolicy(),
		Log:      log,
		Now:      func() time.Time { return time.Now().UTC() },
	}
}

// Policy returns the policy currently in force.
func (m *Manager) Policy(ctx context.Context, r store.Reader) (model.GuardrailPolicy, error) {
	p, err := r.CurrentPolicy(ctx)
	if errs.KindOf(err) == errs.KindNotFound {
		return m.Fallback, nil
	}
	if err != nil {
		return model.GuardrailPolicy{}, err
	}
	return *p, nil
}

// FactMismatches lists the keys where a variant asserts a different value
// than the card's verified facts, sorted.
func FactMismatches(verified, asserted map[string]string) []string {
	var out []string
	for k, v := range asserted {
		want, ok := verified[k]
		if ok && !common.FactValuesEqual(want, v) {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

func mergeKeys(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	var out []string
	for _, k := range append(append([]string(nil), a...), b...) {
		k = common.NormalizeKey(k)
		if k == "" || seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// withVariant locks the variant's card and runs fn inside one transaction.
// fn reports whether the card's approved set changed.
func (m *Manager) withVariant(ctx context.Context, op, variantID string, fn func(tx store.Tx, card *model.KnowledgeCard, v *model.AnswerVariant) (bool, error)) (*model.AnswerVariant, error) {
	var cardID string
	if err := m.DB.View(ctx, func(r store.Reader) error {
		var err error
		cardID, err = r.CardIDForVariant(ctx, variantID)
		return err
	}); err != nil {
		return nil, err
	}

	release, err := m.Locks.Acquire(ctx, store.CardKey(cardID))
	if err != nil {
		return nil, err
	}
	var (
		out     *model.AnswerVariant
		changed bool
	)
	err = m.DB.Update(ctx, func(tx store.Tx) error {
		card, err := tx.GetCard(ctx, cardID)
		if err != nil {
			return err
		}
		v := card.Variant(variantID)
		if v == nil {
			return errs.NotFound(op, errs.ReasonNotFound, "variant %s", variantID)
		}
		changed, err = fn(tx, card, v)
		if err != nil {
			return err
		}
		if err := tx.PutCard(ctx, card); err != nil {
			return err
		}
		cp := *card.Clone().Variant(variantID)
		out = &cp
		return nil
	})
	release()
	if err != nil {
		return nil, err
	}
	if changed && m.Observer != nil {
		m.Observer.CardChanged(ctx, cardID)
	}
	return out, nil
}

// Submit evaluates a DRAFT variant under the current policy. A verdict that
// demands auto-rejection commits the variant as REJECTED and returns it
// without error; otherwise the variant becomes PENDING.
func (m *Manager) Submit(ctx context.Context, variantID, actor string, in SubmitInput) (*model.AnswerVariant, error) {
	const op = "lifecycle.Submit"
	return m.withVariant(ctx, op, variantID, func(tx store.Tx, card *model.KnowledgeCard, v *model.AnswerVariant) (bool, error) {
		if card.Superseded() {
			return false, errs.InvalidState(op, errs.ReasonCardSuperseded, "card %s superseded by %s", card.ID, card.SupersededBy)
		}
		if v.Status != model.StatusDraft {
			return false, errs.InvalidState(op, errs.ReasonNotDraft, "variant %s is %s", v.ID, v.Status)
		}
		policy, err := m.Policy(ctx, tx)
		if err != nil {
			return false, err
		}
		sources, err := registry.SourceCount(ctx, tx, card)
		if err != nil {
			return false, err
		}
		mismatches := mergeKeys(in.FactMismatches, FactMismatches(card.Facts, v.Facts))
		verdict := guardrail.Evaluate(guardrail.Input{
			Content:          v.Content,
			SourceCount:      sources,
			AnchorConfidence: card.OverallConfidence,
			FactMismatches:   mismatches,
		}, policy)

		now := m.Now()
		v.RiskLevel = verdict.RiskLevel
		v.RiskReasons = verdict.ReasonStrings()
		v.PolicyVersion = verdict.PolicyVersion
		meta := map[string]any{
			"from":           string(model.StatusDraft),
			"risk_level":     string(verdict.RiskLevel),
			"reasons":        v.RiskReasons,
			"policy_version": verdict.PolicyVersion,
			"source_count":   sources,
			"card_id":        card.ID,
		}
		if verdict.AutoReject {
			v.Status = model.StatusRejected
			v.RejectedBy = actor
			v.RejectedAt = &now
			v.RejectReason = string(errs.ReasonFactMismatch)
			meta["to"] = string(model.StatusRejected)
			meta["reason"] = string(errs.ReasonFactMismatch)
			meta["fact_mismatches"] = mismatches
			m.Log.Info("variant auto-rejected", "variant_id", v.ID, "card_id", card.ID, "mismatches", mismatches)
		} else {
			v.Status = model.StatusPending
			meta["to"] = string(model.StatusPending)
		}
		_, err = m.Audit.Record(ctx, tx, model.AuditVariant, v.ID, model.ActionSubmit, actor, meta)
		return false, err
	})
}

// Approve moves a PENDING variant to APPROVED. A HIGH risk variant needs an
// elevated approver when the policy says so. The previously approved variant
// of the same card and context is deprecated in the same transaction.
func (m *Manager) Approve(ctx context.Context, variantID string, approver Approver) (*model.AnswerVariant, error) {
	const op = "lifecycle.Approve"
	return m.withVariant(ctx, op, variantID, func(tx store.Tx, card *model.KnowledgeCard, v *model.AnswerVariant) (bool, error) {
		if card.Superseded() {
			return false, errs.InvalidState(op, errs.ReasonCardSuperseded, "card %s superseded by %s", card.ID, card.SupersededBy)
		}
		if v.Status != model.StatusPending {
			return false, errs.InvalidState(op, errs.ReasonNotPending, "variant %s is %s", v.ID, v.Status)
		}
		policy, err := m.Policy(ctx, tx)
		if err != nil {
			return false, err
		}
		if v.RiskLevel == model.RiskHigh && policy.RequireApprovalHighRisk && !approver.Elevated {
			return false, errs.Unauthorized(op, errs.ReasonHighRiskNeedsElevate, "variant %s is HIGH risk", v.ID)
		}

		now := m.Now()
		for i := range card.Variants {
			prior := &card.Variants[i]
			if prior.ID == v.ID || prior.Context != v.Context || prior.Status != model.StatusApproved {
				continue
			}
			if err := m.deprecate(ctx, tx, prior, approver.UserID, string(errs.ReasonSuperseded), now, map[string]any{"superseded_by": v.ID}); err != nil {
				return false, err
			}
		}

		v.Status = model.StatusApproved
		v.ApprovedBy = approver.UserID
		v.ApprovedAt = &now
		_, err = m.Audit.Record(ctx, tx, model.AuditVariant, v.ID, model.ActionApprove, approver.UserID, map[string]any{
			"from":       string(model.StatusPending),
			"to":         string(model.StatusApproved),
			"approver":   approver.UserID,
			"elevated":   approver.Elevated,
			"risk_level": string(v.RiskLevel),
			"card_id":    card.ID,
			"context":    v.Context,
		})
		return true, err
	})
}

func (m *Manager) Reject(ctx context.Context, variantID string, approver Approver, reason string) (*model.AnswerVariant, error) {
	const op = "lifecycle.Reject"
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, errs.Validation(op, errs.ReasonMissingField, "a rejection reason is required")
	}
	return m.withVariant(ctx, op, variantID, func(tx store.Tx, card *model.KnowledgeCard, v *model.AnswerVariant) (bool, error) {
		if v.Status != model.StatusPending {
			return false, errs.InvalidState(op, errs.ReasonNotPending, "variant %s is %s", v.ID, v.Status)
		}
		now := m.Now()
		v.Status = model.StatusRejected
		v.RejectedBy = approver.UserID
		v.RejectedAt = &now
		v.RejectReason = reason
		_, err := m.Audit.Record(ctx, tx, model.AuditVariant, v.ID, model.ActionReject, approver.UserID, map[string]any{
			"from":    string(model.StatusPending),
			"to":      string(model.StatusRejected),
			"reason":  reason,
			"card_id": card.ID,
		})
		return false, err
	})
}

// Deprecate retires an APPROVED variant by hand.
func (m *Manager) Deprecate(ctx context.Context, variantID, actor, reason string) (*model.AnswerVariant, error) {
	const op = "lifecycle.Deprecate"
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "manual"
	}
	return m.withVariant(ctx, op, variantID, func(tx store.Tx, card *model.KnowledgeCard, v *model.AnswerVariant) (bool, error) {
		if v.Status != model.StatusApproved {
			return false, errs.InvalidState(op, errs.ReasonNotApproved, "variant %s is %s", v.ID, v.Status)
		}
		return true, m.deprecate(ctx, tx, v, actor, reason, m.Now(), map[string]any{"card_id": card.ID})
	})
}

// RecordUsage counts one use of an APPROVED variant.
func (m *Manager) RecordUsage(ctx context.Context, variantID, actor string) (*model.AnswerVariant, error) {
	const op = "lifecycle.RecordUsage"
	return m.withVariant(ctx, op, variantID, func(tx store.Tx, card *model.KnowledgeCard, v *model.AnswerVariant) (bool, error) {
		if v.Status != model.StatusApproved {
			return false, errs.InvalidState(op, errs.ReasonNotApproved, "variant %s is %s", v.ID, v.Status)
		}
		v.UsageCount++
		_, err := m.Audit.Record(ctx, tx, model.AuditVariant, v.ID, model.ActionUse, actor, map[string]any{
			"usage_count": v.UsageCount,
			"card_id":     card.ID,
		})
		return false, err
	})
}

// DeprecateApproved deprecates every APPROVED variant of card inside tx and
// returns their ids. The caller holds the card lock and stores the card.
func (m *Manager) DeprecateApproved(ctx context.Context, tx store.Tx, card *model.KnowledgeCard, actor, reason string, metadata map[string]any) ([]string, error) {
	now := m.Now()
	var ids []string
	for i := range card.Variants {
		v := &card.Variants[i]
		if v.Status != model.StatusApproved {
			continue
		}
		meta := map[string]any{"card_id": card.ID}
		for k, val := range metadata {
			meta[k] = val
		}
		if err := m.deprecate(ctx, tx, v, actor, reason, now, meta); err != nil {
			return nil, err
		}
		ids = append(ids, v.ID)
	}
	if len(ids) > 0 {
		card.UpdatedAt = now
	}
	return ids, nil
}

// DeprecateVariantTx deprecates one APPROVED variant of card inside tx. It
// reports false, writing nothing, when the variant is not approved.
func (m *Manager) DeprecateVariantTx(ctx context.Context, tx store.Tx, card *model.KnowledgeCard, v *model.AnswerVariant, actor, reason string, metadata map[string]any) (bool, error) {
	if v.Status != model.StatusApproved {
		return false, nil
	}
	meta := map[string]any{"card_id": card.ID}
	for k, val := range metadata {
		meta[k] = val
	}
	now := m.Now()
	card.UpdatedAt = now
	return true, m.deprecate(ctx, tx, v, actor, reason, now, meta)
}

func (m *Manager) deprecate(ctx context.Context, tx store.Tx, v *model.AnswerVariant, actor, reason string, now time.Time, metadata map[string]any) error {
	v.Status = model.StatusDeprecated
	v.DeprecatedAt = &now
	v.DeprecateReason = reason
	meta := map[string]any{
		"from":   string(model.StatusApproved),
		"to":     string(model.StatusDeprecated),
		"reason": reason,
	}
	for k, val := range metadata {
		meta[k] = val
	}
	_, err := m.Audit.Record(ctx, tx, model.AuditVariant, v.ID, model.ActionDeprecate, actor, meta)
	return err
}
