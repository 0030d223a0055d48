package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agenthands/cardforge/internal/core"
	"github.com/agenthands/cardforge/internal/core/errs"
	"github.com/agenthands/cardforge/internal/core/model"
	"github.com/agenthands/cardforge/internal/store"
)

func setupRouter() (*gin.Engine, *core.Engine) {
	gin.SetMode(gin.TestMode)
	e := core.NewEngine(store.NewMemoryStore(), core.Options{LockTimeout: 100 * time.Millisecond}, nil)
	return NewServer(e, nil).SetupRouter(), e
}

func do(t *testing.T, r http.Handler, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

var (
	reviewer = map[string]string{HeaderUserID: "reviewer"}
	admin    = map[string]string{HeaderUserID: "admin", HeaderElevated: "true"}
)

type anchorBody struct {
	ContentHash      string  `json:"content_hash"`
	TextSnippet      string  `json:"text_snippet"`
	AnchorConfidence float64 `json:"anchor_confidence"`
}

func ingestBody(docID string, topics []map[string]any, scan bool, anchors ...anchorBody) map[string]any {
	return map[string]any{
		"document": map[string]any{"doc_id": docID, "title": docID, "anchors": anchors},
		"topics":   topics,
		"scan":     scan,
	}
}

func TestVariantApprovalFlow(t *testing.T) {
	r, _ := setupRouter()

	w := do(t, r, http.MethodPost, "/ingest", ingestBody("doc-1", []map[string]any{
		{"topic": "Uptime SLA", "content": "We guarantee 99.9% uptime."},
	}, false, anchorBody{TextSnippet: "Uptime is 99.9%.", AnchorConfidence: 0.9}), reviewer)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	rep := decode[core.IngestReport](t, w)
	require.Len(t, rep.Created, 1)

	w = do(t, r, http.MethodGet, "/cards/"+rep.Created[0], nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	card := decode[model.KnowledgeCard](t, w)
	assert.Equal(t, "reviewer", card.Variants[0].CreatedBy)
	vid := card.Variants[0].ID

	w = do(t, r, http.MethodPost, "/variants/"+vid+"/submit", nil, reviewer)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	v := decode[model.AnswerVariant](t, w)
	assert.Equal(t, model.StatusPending, v.Status)
	assert.Equal(t, model.RiskHigh, v.RiskLevel)

	w = do(t, r, http.MethodPost, "/variants/"+vid+"/approve", nil, reviewer)
	assert.Equal(t, http.StatusForbidden, w.Code)
	body := decode[ErrorResponse](t, w)
	assert.Equal(t, string(errs.ReasonHighRiskNeedsElevate), body.Error)
	assert.Equal(t, "Unauthorized", body.Kind)

	w = do(t, r, http.MethodPost, "/variants/"+vid+"/approve", nil, admin)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	v = decode[model.AnswerVariant](t, w)
	assert.Equal(t, model.StatusApproved, v.Status)
	assert.Equal(t, "admin", v.ApprovedBy)

	w = do(t, r, http.MethodPost, "/variants/"+vid+"/approve", nil, admin)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, string(errs.ReasonNotPending), decode[ErrorResponse](t, w).Error)

	w = do(t, r, http.MethodPost, "/variants/"+vid+"/usage", nil, reviewer)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, decode[model.AnswerVariant](t, w).UsageCount)

	w = do(t, r, http.MethodGet, "/audit?entity_type=variant&entity_id="+vid, nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	page := decode[struct {
		Entries []model.AuditEntry `json:"entries"`
	}](t, w)
	actions := make([]string, len(page.Entries))
	for i, e := range page.Entries {
		actions[i] = e.Action
	}
	assert.Equal(t, []string{model.ActionSubmit, model.ActionApprove, model.ActionUse}, actions)
}

func TestErrorResponses(t *testing.T) {
	r, _ := setupRouter()

	w := do(t, r, http.MethodGet, "/cards/missing", nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "NotFound", decode[ErrorResponse](t, w).Kind)

	w = do(t, r, http.MethodPost, "/cards", map[string]any{
		"topic":           "Uptime",
		"initial_variant": map[string]any{"content": "99.9%"},
	}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, string(errs.ReasonEmptyAnchors), decode[ErrorResponse](t, w).Error)

	w = do(t, r, http.MethodPost, "/ingest", "not an object", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, r, http.MethodGet, "/conflicts?status=open", nil, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, r, http.MethodGet, "/audit?limit=many", nil, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestStatusOf(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{errs.Validation("op", errs.ReasonMissingField, "x"), http.StatusBadRequest},
		{errs.NotFound("op", errs.ReasonNotFound, "x"), http.StatusNotFound},
		{errs.InvalidState("op", errs.ReasonNotDraft, "x"), http.StatusConflict},
		{errs.Unauthorized("op", errs.ReasonHighRiskNeedsElevate, "x"), http.StatusForbidden},
		{errs.Busy("op", "x"), http.StatusLocked},
		{errs.Storage("op", errors.New("disk full")), http.StatusInternalServerError},
		{context.Canceled, http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, StatusOf(tt.err), tt.err.Error())
	}
	assert.True(t, errorBody(errs.Busy("op", "x")).Retryable)
	assert.Equal(t, "internal", errorBody(errors.New("boom")).Error)
}

func TestConflictEndpoints(t *testing.T) {
	r, _ := setupRouter()

	const content = "Customer data is retained for 90 days after termination."
	w := do(t, r, http.MethodPost, "/ingest", ingestBody("doc-1", []map[string]any{
		{"topic": "Data retention", "content": content, "anchor_hashes": []string{"h-1"}},
		{"topic": "Retention of customer data", "content": content, "anchor_hashes": []string{"h-2"}},
	}, true,
		anchorBody{ContentHash: "h-1", TextSnippet: "Data is kept 90 days.", AnchorConfidence: 0.9},
		anchorBody{ContentHash: "h-2", TextSnippet: "Retention is 90 days.", AnchorConfidence: 0.6},
	), reviewer)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	rep := decode[core.IngestReport](t, w)
	require.NotNil(t, rep.Scan)
	require.Len(t, rep.Scan.Created, 1)
	id := rep.Scan.Created[0].ID

	w = do(t, r, http.MethodGet, "/conflicts?status=pending", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	list := decode[struct {
		Conflicts []model.Conflict `json:"conflicts"`
	}](t, w)
	require.Len(t, list.Conflicts, 1)
	assert.Equal(t, model.ConflictDuplicate, list.Conflicts[0].Type)

	w = do(t, r, http.MethodGet, "/conflicts/clusters", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	clusters := decode[struct {
		Clusters []struct {
			ConflictIDs []string `json:"conflict_ids"`
		} `json:"clusters"`
	}](t, w)
	require.Len(t, clusters.Clusters, 1)
	assert.Equal(t, []string{id}, clusters.Clusters[0].ConflictIDs)

	w = do(t, r, http.MethodPost, "/conflicts/batch-accept", map[string]any{"conflict_ids": []string{id, "ghost"}}, reviewer)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	batch := decode[batchResponse](t, w)
	assert.Equal(t, 1, batch.Succeeded)
	assert.Equal(t, 1, batch.Failed)
	assert.Nil(t, batch.Items[0].Error)
	assert.Equal(t, model.DecisionKeepA, batch.Items[0].Decision)
	require.NotNil(t, batch.Items[1].Error)
	assert.Equal(t, "NotFound", batch.Items[1].Error.Kind)

	w = do(t, r, http.MethodGet, "/conflicts/"+id, nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	c := decode[model.Conflict](t, w)
	assert.Equal(t, model.ConflictResolved, c.Status)
	assert.Equal(t, "reviewer", c.ResolvedBy)

	w = do(t, r, http.MethodPost, "/conflicts/"+id+"/resolve", map[string]any{"decision": "ignore"}, reviewer)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, string(errs.ReasonAlreadyResolved), decode[ErrorResponse](t, w).Error)

	w = do(t, r, http.MethodGet, "/cards?include_superseded=true", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	cards := decode[struct {
		Cards []model.KnowledgeCard `json:"cards"`
	}](t, w)
	assert.Len(t, cards.Cards, 2)
	w = do(t, r, http.MethodGet, "/cards", nil, nil)
	cards = decode[struct {
		Cards []model.KnowledgeCard `json:"cards"`
	}](t, w)
	require.Len(t, cards.Cards, 1)
	assert.Equal(t, "Data retention", cards.Cards[0].Topic)
}

func TestGuardrailAdmin(t *testing.T) {
	r, _ := setupRouter()

	w := do(t, r, http.MethodGet, "/admin/guardrails", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	got := decode[GuardrailSettings](t, w)
	assert.Equal(t, 0, got.Version)
	assert.Equal(t, 70.0, got.RiskPolicy.ConfidenceThreshold)
	assert.NotEmpty(t, got.ProhibitedWords)

	update := GuardrailSettings{
		Version:         42,
		ProhibitedWords: []model.ProhibitedWord{{Word: "forever", Category: "legal", Severity: model.WordError}},
		RiskPolicy:      RiskPolicy{ConfidenceThreshold: 85, MinSourceCount: 2, RequireApprovalHighRisk: true},
	}
	w = do(t, r, http.MethodPost, "/admin/guardrails", update, reviewer)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, string(errs.ReasonElevationRequired), decode[ErrorResponse](t, w).Error)

	w = do(t, r, http.MethodPost, "/admin/guardrails", update, admin)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	got = decode[GuardrailSettings](t, w)
	assert.Equal(t, 1, got.Version)
	assert.Equal(t, 85.0, got.RiskPolicy.ConfidenceThreshold)
	assert.Equal(t, 2, got.RiskPolicy.MinSourceCount)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &raw))
	assert.Contains(t, raw["risk_policy"], "confidenceThreshold")

	update.RiskPolicy.MinSourceCount = 0
	w = do(t, r, http.MethodPost, "/admin/guardrails", update, admin)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, string(errs.ReasonInvalidPolicy), decode[ErrorResponse](t, w).Error)
}

func TestRequirementsAndExport(t *testing.T) {
	r, _ := setupRouter()

	w := do(t, r, http.MethodPost, "/ingest", ingestBody("doc-1", []map[string]any{{
		"topic":       "Encryption at rest",
		"description": "Customer data is encrypted at rest",
		"content":     "All customer data is encrypted at rest with AES-256.",
	}}, false, anchorBody{TextSnippet: "AES-256 at rest.", AnchorConfidence: 0.9}), reviewer)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	cardID := decode[core.IngestReport](t, w).Created[0]

	w = do(t, r, http.MethodPost, "/requirements", map[string]any{
		"id":               "req-1",
		"requirement_text": "Describe how customer data is encrypted at rest.",
	}, reviewer)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	req := decode[model.RFPRequirement](t, w)
	assert.Equal(t, []string{cardID}, req.LinkedAnswerCards)
	assert.Equal(t, model.CompliancePartial, req.ComplianceLevel)

	w = do(t, r, http.MethodPost, "/requirements", map[string]any{"id": "req-2"}, reviewer)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, r, http.MethodPost, "/requirements/match", nil, reviewer)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), decode[map[string]any](t, w)["evaluated"])

	w = do(t, r, http.MethodPost, "/requirements/req-9/match", nil, reviewer)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(t, r, http.MethodGet, "/export/approved", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	rows := decode[struct {
		Rows []core.ExportRow `json:"rows"`
	}](t, w)
	require.Len(t, rows.Rows, 1)
	assert.Equal(t, "req-1", rows.Rows[0].RequirementID)
	assert.Empty(t, rows.Rows[0].CardID)

	w = do(t, r, http.MethodDelete, "/documents/doc-1", nil, reviewer)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, decode[map[string]any](t, w)["document"].(map[string]any)["removed"])
}
