package server

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/agenthands/cardforge/internal/core/audit"
	"github.com/agenthands/cardforge/internal/core/errs"
	"github.com/agenthands/cardforge/internal/core/model"
)

type RiskPolicy struct {
	ConfidenceThreshold     float64 `json:"confidenceThreshold"`
	MinSourceCount          int     `json:"minSourceCount"`
	AutoRejectFactMismatch  bool    `json:"autoRejectFactMismatch"`
	RequireApprovalHighRisk bool    `json:"requireApprovalHighRisk"`
}

// GuardrailSettings is the admin wire shape of a guardrail policy.
type GuardrailSettings struct {
	Version         int                    `json:"version"`
	ProhibitedWords []model.ProhibitedWord `json:"prohibited_words"`
	RiskPolicy      RiskPolicy             `json:"risk_policy"`
}

func settingsOf(p model.GuardrailPolicy) GuardrailSettings {
	words := p.ProhibitedWords
	if words == nil {
		words = []model.ProhibitedWord{}
	}
	return GuardrailSettings{
		Version:         p.Version,
		ProhibitedWords: words,
		RiskPolicy: RiskPolicy{
			ConfidenceThreshold:     p.ConfidenceThreshold,
			MinSourceCount:          p.MinSourceCount,
			AutoRejectFactMismatch:  p.AutoRejectFactMismatch,
			RequireApprovalHighRisk: p.RequireApprovalHighRisk,
		},
	}
}

func (g GuardrailSettings) policy() model.GuardrailPolicy {
	return model.GuardrailPolicy{
		ProhibitedWords:         g.ProhibitedWords,
		ConfidenceThreshold:     g.RiskPolicy.ConfidenceThreshold,
		MinSourceCount:          g.RiskPolicy.MinSourceCount,
		AutoRejectFactMismatch:  g.RiskPolicy.AutoRejectFactMismatch,
		RequireApprovalHighRisk: g.RiskPolicy.RequireApprovalHighRisk,
	}
}

func (s *Server) GetGuardrails(c *gin.Context) {
	p, err := s.Engine.Policy(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, settingsOf(p))
}

// UpdateGuardrails stores a new policy version. The posted version is
// ignored; the store assigns the next one.
func (s *Server) UpdateGuardrails(c *gin.Context) {
	if !elevated(c) {
		s.fail(c, errs.Unauthorized("server.UpdateGuardrails", errs.ReasonElevationRequired, "policy changes need %s", HeaderElevated))
		return
	}
	var req GuardrailSettings
	if err := bind(c, &req, true); err != nil {
		s.fail(c, err)
		return
	}
	p, err := s.Engine.UpdatePolicy(c.Request.Context(), req.policy(), userID(c))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, settingsOf(*p))
}

func (s *Server) Audit(c *gin.Context) {
	f := audit.Filter{
		EntityType: c.Query("entity_type"),
		EntityID:   c.Query("entity_id"),
		UserID:     c.Query("user_id"),
		Cursor:     c.Query("cursor"),
	}
	if l := c.Query("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n < 0 {
			s.fail(c, errs.Validation("server.Audit", errs.ReasonInvalidEnum, "limit %q", l))
			return
		}
		f.Limit = n
	}
	page, err := s.Engine.Audit.List(c.Request.Context(), f)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

func (s *Server) ExportApproved(c *gin.Context) {
	rows, err := s.Engine.ApprovedContent(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"rows": rows})
}
