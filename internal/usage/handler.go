package usage

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"contract-backend/internal/shared/server/middleware"
	"contract-backend/internal/shared/server/respond"
)

// Handler exposes the owner's quota snapshot.
type Handler struct {
	Svc *Service
}

// NewHandler constructs a Handler.
func NewHandler(svc *Service) *Handler {
	return &Handler{Svc: svc}
}

// RegisterRoutes attaches usage routes to the router group.
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/usage", h.get)
	rg.POST("/usage/reset", h.reset)
}

func (h *Handler) get(c *gin.Context) {
	ownerID := middleware.OwnerIDFromContext(c)
	u, err := h.Svc.Get(c.Request.Context(), ownerID)
	if err != nil {
		respond.Error(c, http.StatusInternalServerError, "internal_error", "failed to load usage", nil)
		return
	}
	c.JSON(http.StatusOK, u)
}

func (h *Handler) reset(c *gin.Context) {
	ownerID := middleware.OwnerIDFromContext(c)
	u, err := h.Svc.Reset(c.Request.Context(), ownerID)
	if err != nil {
		respond.Error(c, http.StatusInternalServerError, "internal_error", "failed to reset usage", nil)
		return
	}
	c.JSON(http.StatusOK, u)
}
