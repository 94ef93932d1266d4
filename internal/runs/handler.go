package runs

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"contract-backend/internal/documents"
	"contract-backend/internal/shared/server/middleware"
	"contract-backend/internal/shared/server/respond"
	"contract-backend/internal/usage"
)

// Handler wires HTTP handlers to the runs service.
type Handler struct {
	Svc *Service
}

// NewHandler constructs a Handler.
func NewHandler(svc *Service) *Handler {
	return &Handler{Svc: svc}
}

// RegisterRoutes attaches run routes to the router group.
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/documents/:id/analyze", h.submit)
	rg.GET("/runs", h.list)
	rg.GET("/runs/:id", h.get)
	rg.GET("/runs/:id/result", h.result)
	rg.POST("/runs/:id/cancel", h.cancel)
	rg.POST("/runs/:id/resume", h.resume)
}

type submitRequest struct {
	Jurisdiction string `json:"jurisdiction"`
}

func (h *Handler) submit(c *gin.Context) {
	ownerID := middleware.OwnerIDFromContext(c)
	documentID := c.Param("id")
	if documentID == "" {
		respond.Error(c, http.StatusBadRequest, "validation_error", "document id is required", nil)
		return
	}

	var req submitRequest
	if c.Request.Body != nil && c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			respond.Error(c, http.StatusBadRequest, "validation_error", "invalid request body", nil)
			return
		}
	}

	ctx := WithRequestID(c.Request.Context(), c.GetString("requestId"))
	res, err := h.Svc.Submit(ctx, ownerID, documentID, req.Jurisdiction)
	if err != nil {
		switch {
		case errors.Is(err, documents.ErrNotFound):
			respond.Error(c, http.StatusNotFound, "not_found", "document not found", nil)
		case errors.Is(err, ErrValidation):
			respond.Error(c, http.StatusBadRequest, "validation_error", err.Error(), nil)
		case errors.Is(err, usage.ErrLimitReached):
			respond.Error(c, http.StatusTooManyRequests, "limit_reached", "You've reached your analysis limit for this period.", []map[string]string{
				{"field": "usage", "issue": "limit_reached"},
			})
		default:
			respond.Error(c, http.StatusInternalServerError, "internal_error", "failed to start analysis", nil)
		}
		return
	}

	status := http.StatusAccepted
	if res.Attached {
		status = http.StatusOK
	}
	respond.JSON(c, status, gin.H{
		"runId":    res.Run.ID,
		"status":   res.Run.Status,
		"attached": res.Attached,
	})
}

func (h *Handler) get(c *gin.Context) {
	ownerID := middleware.OwnerIDFromContext(c)
	runID := c.Param("id")

	run, err := h.Svc.Get(c.Request.Context(), ownerID, runID)
	if err != nil {
		h.respondError(c, err, "failed to fetch run")
		return
	}

	resp := gin.H{
		"runId":          run.ID,
		"documentId":     run.DocumentID,
		"status":         run.Status,
		"currentStep":    run.CurrentStep,
		"progress":       run.Progress,
		"completedSteps": run.CompletedSteps,
		"resumeCount":    run.ResumeCount,
		"createdAt":      run.CreatedAt,
	}
	if run.ErrorCode != "" {
		errBody := gin.H{
			"code":      run.ErrorCode,
			"retryable": run.ErrorRetryable,
		}
		if run.ErrorMessage != nil {
			errBody["message"] = *run.ErrorMessage
		}
		resp["error"] = errBody
	}
	respond.JSON(c, http.StatusOK, resp)
}

func (h *Handler) result(c *gin.Context) {
	ownerID := middleware.OwnerIDFromContext(c)
	runID := c.Param("id")

	run, st, err := h.Svc.Result(c.Request.Context(), ownerID, runID)
	if err != nil {
		if errors.Is(err, ErrNotReady) {
			respond.Error(c, http.StatusConflict, "not_ready", "run has not reached a terminal status", nil)
			return
		}
		h.respondError(c, err, "failed to fetch result")
		return
	}

	resp := gin.H{
		"runId":          run.ID,
		"status":         run.Status,
		"completedSteps": run.CompletedSteps,
		"report":         st.Fields,
	}
	if run.CompletedAt != nil {
		resp["completedAt"] = run.CompletedAt
	}
	if run.ErrorCode != "" {
		resp["errorCode"] = run.ErrorCode
	}
	respond.JSON(c, http.StatusOK, resp)
}

func (h *Handler) cancel(c *gin.Context) {
	ownerID := middleware.OwnerIDFromContext(c)
	runID := c.Param("id")

	run, err := h.Svc.Cancel(c.Request.Context(), ownerID, runID)
	if err != nil {
		h.respondError(c, err, "failed to cancel run")
		return
	}
	respond.JSON(c, http.StatusAccepted, gin.H{
		"runId":  run.ID,
		"status": run.Status,
	})
}

func (h *Handler) resume(c *gin.Context) {
	ownerID := middleware.OwnerIDFromContext(c)
	runID := c.Param("id")

	ctx := WithRequestID(c.Request.Context(), c.GetString("requestId"))
	run, err := h.Svc.Resume(ctx, ownerID, runID)
	if err != nil {
		switch {
		case errors.Is(err, ErrNotResumable):
			respond.Error(c, http.StatusConflict, "not_resumable", "only step_failed runs can be resumed", nil)
		case errors.Is(err, ErrResumeLimit):
			respond.Error(c, http.StatusConflict, "resume_limit", "resume limit reached for this run", nil)
		default:
			h.respondError(c, err, "failed to resume run")
		}
		return
	}
	respond.JSON(c, http.StatusAccepted, gin.H{
		"runId":       run.ID,
		"status":      run.Status,
		"currentStep": run.CurrentStep,
		"resumeCount": run.ResumeCount,
	})
}

func (h *Handler) list(c *gin.Context) {
	ownerID := middleware.OwnerIDFromContext(c)

	limit := 20
	offset := 0
	if v := c.Query("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			limit = parsed
		}
	}
	if v := c.Query("offset"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			offset = parsed
		}
	}

	out, err := h.Svc.List(c.Request.Context(), ownerID, limit, offset)
	if err != nil {
		respond.Error(c, http.StatusInternalServerError, "internal_error", "failed to list runs", nil)
		return
	}

	resp := make([]gin.H, 0, len(out))
	for _, run := range out {
		resp = append(resp, gin.H{
			"runId":      run.ID,
			"documentId": run.DocumentID,
			"status":     run.Status,
			"progress":   run.Progress,
			"createdAt":  run.CreatedAt,
		})
	}
	respond.JSON(c, http.StatusOK, resp)
}

func (h *Handler) respondError(c *gin.Context, err error, fallback string) {
	switch {
	case errors.Is(err, ErrNotFound):
		respond.Error(c, http.StatusNotFound, "not_found", "run not found", nil)
	case errors.Is(err, ErrValidation):
		respond.Error(c, http.StatusBadRequest, "validation_error", err.Error(), nil)
	default:
		respond.Error(c, http.StatusInternalServerError, "internal_error", fallback, nil)
	}
}
