package escrow

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/tradeflow/internal/apperr"
	"github.com/mbd888/tradeflow/internal/auth"
	"github.com/mbd888/tradeflow/internal/ledger"
	"github.com/mbd888/tradeflow/internal/pagination"
	"github.com/mbd888/tradeflow/internal/validation"
)

// Handler provides HTTP endpoints for escrow accounts.
type Handler struct {
	engine *Engine
	store  ledger.Store
}

// NewHandler creates a new escrow handler.
func NewHandler(engine *Engine, store ledger.Store) *Handler {
	return &Handler{engine: engine, store: store}
}

// RegisterRoutes sets up party-facing escrow routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/trades/:id/escrow", h.GetTradeEscrow)
}

// RegisterAdminRoutes sets up admin escrow routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/escrows", h.ListEscrows)
	r.GET("/escrows/:id", h.GetEscrow)
	r.POST("/escrows/:id/override", h.Override)
}

// GetTradeEscrow handles GET /v1/trades/:id/escrow
func (h *Handler) GetTradeEscrow(c *gin.Context) {
	ctx := c.Request.Context()
	t, err := h.store.GetTrade(ctx, c.Param("id"))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	if !auth.IsAdmin(c) && !t.IsParty(auth.GetActor(c)) {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "forbidden",
			"message": "Only trade parties can view the escrow",
		})
		return
	}

	acct, err := h.engine.GetByTrade(ctx, t.ID)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	events, err := h.engine.Events(ctx, acct.ID)
	if err != nil {
		apperr.Respond(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"escrow": acct, "events": events})
}

// ListEscrows handles GET /v1/admin/escrows?cursor=&limit=
func (h *Handler) ListEscrows(c *gin.Context) {
	after, limit, err := pagination.Params(c)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	accts, err := h.store.ListEscrows(c.Request.Context(), after, limit+1)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, pagination.ComputePage(accts, limit, func(a *ledger.EscrowAccount) string {
		return a.ID
	}))
}

// GetEscrow handles GET /v1/admin/escrows/:id
func (h *Handler) GetEscrow(c *gin.Context) {
	ctx := c.Request.Context()
	acct, err := h.engine.Get(ctx, c.Param("id"))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	events, err := h.engine.Events(ctx, acct.ID)
	if err != nil {
		apperr.Respond(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"escrow": acct,
		"events": events,
		"drift":  Verify(acct, events),
	})
}

// OverrideRequest is the body of an admin money movement.
type OverrideRequest struct {
	Op     string `json:"op" binding:"required"`
	Amount string `json:"amount" binding:"required"`
	Reason string `json:"reason" binding:"required"`
}

// Override handles POST /v1/admin/escrows/:id/override
func (h *Handler) Override(c *gin.Context) {
	var req OverrideRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.BadRequest(c, "invalid_request", "op, amount and reason are required")
		return
	}
	if errs := validation.Validate(
		validation.ValidAmount("amount", req.Amount),
		validation.MaxLength("reason", req.Reason, 1000),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}
	amount, _ := validation.ParseAmount(req.Amount)

	res, err := h.engine.ManualOverride(c.Request.Context(), c.Param("id"), Op(req.Op), amount, auth.GetActor(c), req.Reason)
	if err != nil {
		apperr.Respond(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"escrow": res.Account, "event": res.Event})
}
