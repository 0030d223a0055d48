package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/agenthands/cardforge/internal/core/conflict"
	"github.com/agenthands/cardforge/internal/core/errs"
	"github.com/agenthands/cardforge/internal/core/model"
)

func (s *Server) ListConflicts(c *gin.Context) {
	status := model.ConflictStatus(c.Query("status"))
	switch status {
	case "", model.ConflictPending, model.ConflictResolved:
	default:
		s.fail(c, errs.Validation("server.ListConflicts", errs.ReasonInvalidEnum, "status %q", status))
		return
	}
	out, err := s.Engine.Detector.List(c.Request.Context(), status)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"conflicts": out})
}

func (s *Server) GetConflict(c *gin.Context) {
	out, err := s.Engine.Detector.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) Orphaned(c *gin.Context) {
	out, err := s.Engine.Detector.Orphaned(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"orphaned": out})
}

func (s *Server) Clusters(c *gin.Context) {
	out, err := s.Engine.Detector.PendingClusters(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"clusters": out})
}

type scanRequest struct {
	ResumeFrom int `json:"resume_from"`
}

func (s *Server) Scan(c *gin.Context) {
	var req scanRequest
	if err := bind(c, &req, false); err != nil {
		s.fail(c, err)
		return
	}
	rep, err := s.Engine.Scan(c.Request.Context(), conflict.ScanOptions{ResumeFrom: req.ResumeFrom, Actor: userID(c)})
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, rep)
}

type resolveRequest struct {
	Decision model.Decision `json:"decision"`
}

func (s *Server) Resolve(c *gin.Context) {
	var req resolveRequest
	if err := bind(c, &req, true); err != nil {
		s.fail(c, err)
		return
	}
	res, err := s.Engine.Resolve(c.Request.Context(), c.Param("id"), req.Decision, userID(c))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

type batchRequest struct {
	ConflictIDs []string                 `json:"conflict_ids"`
	Items       []conflict.BatchDecision `json:"items"`
}

type batchItemResponse struct {
	conflict.BatchItem
	Error *ErrorResponse `json:"error,omitempty"`
}

type batchResponse struct {
	Items     []batchItemResponse `json:"items"`
	Succeeded int                 `json:"succeeded"`
	Failed    int                 `json:"failed"`
}

// BatchAccept resolves each listed conflict with its suggestion, or with
// the decision given per item. Item failures are reported, not returned.
func (s *Server) BatchAccept(c *gin.Context) {
	var req batchRequest
	if err := bind(c, &req, true); err != nil {
		s.fail(c, err)
		return
	}
	items := req.Items
	for _, id := range req.ConflictIDs {
		items = append(items, conflict.BatchDecision{ConflictID: id})
	}
	if len(items) == 0 {
		s.fail(c, errs.Validation("server.BatchAccept", errs.ReasonMissingField, "conflict_ids or items is required"))
		return
	}
	res := s.Engine.Detector.ResolveBatch(c.Request.Context(), items, userID(c))
	out := batchResponse{Items: make([]batchItemResponse, len(res.Items)), Succeeded: res.Succeeded, Failed: res.Failed}
	for i, it := range res.Items {
		out.Items[i] = batchItemResponse{BatchItem: it}
		if it.Err != nil {
			body := errorBody(it.Err)
			out.Items[i].Error = &body
		} else if s.Engine.Projector != nil {
			s.Engine.Projector.ProjectConflict(c.Request.Context(), it.Conflict)
		}
	}
	c.JSON(http.StatusOK, out)
}
