package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/agenthands/cardforge/internal/core"
	"github.com/agenthands/cardforge/internal/core/lifecycle"
	"github.com/agenthands/cardforge/internal/core/model"
	"github.com/agenthands/cardforge/internal/core/registry"
)

func (s *Server) Ingest(c *gin.Context) {
	var in core.IngestInput
	if err := bind(c, &in, true); err != nil {
		s.fail(c, err)
		return
	}
	in.Scan = in.Scan || s.ScanOnIngest
	rep, err := s.Engine.Ingest(c.Request.Context(), in, userID(c))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, rep)
}

func (s *Server) ListDocuments(c *gin.Context) {
	docs, err := s.Engine.Anchors.Documents(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"documents": docs})
}

func (s *Server) GetDocument(c *gin.Context) {
	ctx := c.Request.Context()
	doc, err := s.Engine.Anchors.Document(ctx, c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	anchors, err := s.Engine.Anchors.Anchors(ctx, doc.ID)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"document": doc, "anchors": anchors})
}

func (s *Server) RemoveDocument(c *gin.Context) {
	doc, changed, err := s.Engine.RemoveDocument(c.Request.Context(), c.Param("id"), userID(c))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"document": doc, "recomputed_cards": changed})
}

func (s *Server) ListCards(c *gin.Context) {
	f := registry.Filter{
		Tag:               c.Query("tag"),
		Category:          c.Query("category"),
		IncludeSuperseded: c.Query("include_superseded") == "true",
	}
	cards, err := s.Engine.Registry.List(c.Request.Context(), f)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"cards": cards})
}

func (s *Server) CreateCard(c *gin.Context) {
	var in registry.CreateCardInput
	if err := bind(c, &in, true); err != nil {
		s.fail(c, err)
		return
	}
	card, err := s.Engine.Registry.CreateCard(c.Request.Context(), in, userID(c))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, card)
}

func (s *Server) GetCard(c *gin.Context) {
	card, err := s.Engine.Registry.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, card)
}

func (s *Server) AddAnchor(c *gin.Context) {
	var a model.SourceAnchor
	if err := bind(c, &a, true); err != nil {
		s.fail(c, err)
		return
	}
	card, err := s.Engine.Registry.AddAnchor(c.Request.Context(), c.Param("id"), a, userID(c))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, card)
}

func (s *Server) AddVariant(c *gin.Context) {
	var in registry.VariantInput
	if err := bind(c, &in, true); err != nil {
		s.fail(c, err)
		return
	}
	v, err := s.Engine.Registry.AddVariant(c.Request.Context(), c.Param("id"), in, userID(c))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, v)
}

func (s *Server) Recompute(c *gin.Context) {
	card, changed, err := s.Engine.Registry.Recompute(c.Request.Context(), c.Param("id"), userID(c))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"card": card, "changed": changed})
}

func (s *Server) Submit(c *gin.Context) {
	var in lifecycle.SubmitInput
	if err := bind(c, &in, false); err != nil {
		s.fail(c, err)
		return
	}
	v, err := s.Engine.Lifecycle.Submit(c.Request.Context(), c.Param("id"), userID(c), in)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, v)
}

func (s *Server) Approve(c *gin.Context) {
	approver := lifecycle.Approver{UserID: userID(c), Elevated: elevated(c)}
	v, err := s.Engine.Lifecycle.Approve(c.Request.Context(), c.Param("id"), approver)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, v)
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) Reject(c *gin.Context) {
	var req reasonRequest
	if err := bind(c, &req, false); err != nil {
		s.fail(c, err)
		return
	}
	approver := lifecycle.Approver{UserID: userID(c), Elevated: elevated(c)}
	v, err := s.Engine.Lifecycle.Reject(c.Request.Context(), c.Param("id"), approver, req.Reason)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, v)
}

func (s *Server) Deprecate(c *gin.Context) {
	var req reasonRequest
	if err := bind(c, &req, false); err != nil {
		s.fail(c, err)
		return
	}
	v, err := s.Engine.Lifecycle.Deprecate(c.Request.Context(), c.Param("id"), userID(c), req.Reason)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, v)
}

func (s *Server) RecordUsage(c *gin.Context) {
	v, err := s.Engine.Lifecycle.RecordUsage(c.Request.Context(), c.Param("id"), userID(c))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, v)
}
