package readiness

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/tradeflow/internal/apperr"
	"github.com/mbd888/tradeflow/internal/auth"
)

// Handler serves readiness snapshots.
type Handler struct {
	svc *Service
}

// NewHandler creates a readiness handler.
func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes sets up readiness routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/trades/:id/readiness", h.GetReadiness)
}

// GetReadiness handles GET /v1/trades/:id/readiness
func (h *Handler) GetReadiness(c *gin.Context) {
	ctx := c.Request.Context()
	t, err := h.svc.store.GetTrade(ctx, c.Param("id"))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	if !auth.IsAdmin(c) && !t.IsParty(auth.GetActor(c)) {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "forbidden",
			"message": "Only trade parties can view readiness",
		})
		return
	}

	snap, err := h.svc.EvaluateTrade(ctx, t)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}
