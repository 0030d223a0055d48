// Package server exposes the engine over HTTP with gin.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/agenthands/cardforge/internal/core"
	"github.com/agenthands/cardforge/internal/core/errs"
)

const (
	HeaderUserID   = "X-User-ID"
	HeaderElevated = "X-Elevated-Role"

	anonymous = "anonymous"
)

type Server struct {
	Engine *core.Engine
	// ScanOnIngest runs a conflict scan after every ingested document.
	ScanOnIngest bool
	Log          *slog.Logger
}

func NewServer(e *core.Engine, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{Engine: e, Log: log}
}

func (s *Server) SetupRouter() *gin.Engine {
	r := gin.Default()

	r.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })

	r.POST("/ingest", s.Ingest)
	r.GET("/documents", s.ListDocuments)
	r.GET("/documents/:id", s.GetDocument)
	r.DELETE("/documents/:id", s.RemoveDocument)

	r.GET("/cards", s.ListCards)
	r.POST("/cards", s.CreateCard)
	r.GET("/cards/:id", s.GetCard)
	r.POST("/cards/:id/anchors", s.AddAnchor)
	r.POST("/cards/:id/variants", s.AddVariant)
	r.POST("/cards/:id/recompute", s.Recompute)

	r.POST("/variants/:id/submit", s.Submit)
	r.POST("/variants/:id/approve", s.Approve)
	r.POST("/variants/:id/reject", s.Reject)
	r.POST("/variants/:id/deprecate", s.Deprecate)
	r.POST("/variants/:id/usage", s.RecordUsage)

	r.GET("/conflicts", s.ListConflicts)
	r.GET("/conflicts/orphaned", s.Orphaned)
	r.GET("/conflicts/clusters", s.Clusters)
	r.GET("/conflicts/:id", s.GetConflict)
	r.POST("/conflicts/scan", s.Scan)
	r.POST("/conflicts/batch-accept", s.BatchAccept)
	r.POST("/conflicts/:id/resolve", s.Resolve)

	r.GET("/requirements", s.ListRequirements)
	r.POST("/requirements", s.UpsertRequirement)
	r.POST("/requirements/match", s.MatchAll)
	r.GET("/requirements/:id", s.GetRequirement)
	r.POST("/requirements/:id/match", s.MatchRequirement)

	r.GET("/audit", s.Audit)
	r.GET("/admin/guardrails", s.GetGuardrails)
	r.POST("/admin/guardrails", s.UpdateGuardrails)
	r.GET("/export/approved", s.ExportApproved)

	return r
}

func userID(c *gin.Context) string {
	if u := strings.TrimSpace(c.GetHeader(HeaderUserID)); u != "" {
		return u
	}
	return anonymous
}

func elevated(c *gin.Context) bool {
	return strings.EqualFold(strings.TrimSpace(c.GetHeader(HeaderElevated)), "true")
}

// ErrorResponse carries the same reason strings the audit trail records.
type ErrorResponse struct {
	Error     string `json:"error"`
	Kind      string `json:"kind"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable,omitempty"`
}

func StatusOf(err error) int {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return http.StatusServiceUnavailable
	}
	switch errs.KindOf(err) {
	case errs.KindValidation:
		return http.StatusBadRequest
	case errs.KindNotFound:
		return http.StatusNotFound
	case errs.KindInvalidState:
		return http.StatusConflict
	case errs.KindPolicyViolation:
		return http.StatusUnprocessableEntity
	case errs.KindUnauthorized:
		return http.StatusForbidden
	case errs.KindBusy:
		return http.StatusLocked
	default:
		return http.StatusInternalServerError
	}
}

func errorBody(err error) ErrorResponse {
	kind := errs.KindOf(err)
	reason := string(errs.ReasonOf(err))
	if reason == "" {
		reason = "internal"
	}
	return ErrorResponse{
		Error:     reason,
		Kind:      kind.String(),
		Message:   err.Error(),
		Retryable: kind.Retryable(),
	}
}

func (s *Server) fail(c *gin.Context, err error) {
	status := StatusOf(err)
	if status >= http.StatusInternalServerError {
		s.Log.Error("request failed", "method", c.Request.Method, "path", c.FullPath(), "error", err)
	}
	c.JSON(status, errorBody(err))
}

// bind decodes an optional JSON body. An empty body leaves dst untouched.
func bind(c *gin.Context, dst any, required bool) error {
	if !required && c.Request.ContentLength == 0 {
		return nil
	}
	if err := c.ShouldBindJSON(dst); err != nil {
		return errs.Validation("server.bind", errs.ReasonInvalidEnum, "invalid request body: %v", err)
	}
	return nil
}
