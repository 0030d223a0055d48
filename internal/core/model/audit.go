package model

import "time"

// AuditEntry is an immutable record of one state change. Seq is assigned by
// the store and totally orders entries.
type AuditEntry struct {
	ID         string         `json:"id"`
	Seq        int64          `json:"seq"`
	EntityType string         `json:"entity_type"`
	EntityID   string         `json:"entity_id"`
	Action     string         `json:"action"`
	UserID     string         `json:"user_id"`
	Timestamp  time.Time      `json:"timestamp"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// Audit entity types beyond the conflict entity types.
const (
	AuditCard        = "card"
	AuditVariant     = "variant"
	AuditDocument    = "document"
	AuditConflict    = "conflict"
	AuditRequirement = "requirement"
	AuditPolicy      = "policy"
)

// Audit actions.
const (
	ActionCreate      = "create"
	ActionAddAnchor   = "add_anchor"
	ActionAddVariant  = "add_variant"
	ActionUpdateFacts = "update_facts"
	ActionRecompute   = "recompute"
	ActionSupersede   = "supersede"
	ActionSubmit      = "submit"
	ActionApprove     = "approve"
	ActionReject      = "reject"
	ActionDeprecate   = "deprecate"
	ActionUse         = "use"
	ActionIngest      = "ingest"
	ActionRemove      = "remove"
	ActionDetect      = "detect"
	ActionResolve     = "resolve"
	ActionMerge       = "merge"
	ActionEvaluate    = "evaluate"
	ActionUpsert      = "upsert"
	ActionPolicyWrite = "update"
)
