package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/agenthands/cardforge/internal/core/matcher"
)

func (s *Server) ListRequirements(c *gin.Context) {
	out, err := s.Engine.Matcher.List(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"requirements": out})
}

func (s *Server) GetRequirement(c *gin.Context) {
	out, err := s.Engine.Matcher.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) UpsertRequirement(c *gin.Context) {
	var in matcher.RequirementInput
	if err := bind(c, &in, true); err != nil {
		s.fail(c, err)
		return
	}
	out, err := s.Engine.Matcher.Upsert(c.Request.Context(), in, userID(c))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) MatchRequirement(c *gin.Context) {
	out, err := s.Engine.Matcher.Evaluate(c.Request.Context(), c.Param("id"), userID(c))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) MatchAll(c *gin.Context) {
	n, err := s.Engine.Matcher.EvaluateAll(c.Request.Context(), userID(c))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"evaluated": n})
}
