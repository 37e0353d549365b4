package dispute

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/mbd888/tradeflow/internal/apperr"
	"github.com/mbd888/tradeflow/internal/auth"
	"github.com/mbd888/tradeflow/internal/ledger"
	"github.com/mbd888/tradeflow/internal/validation"
)

// Handler provides HTTP endpoints for disputes.
type Handler struct {
	service *Service
	store   ledger.Store
}

// NewHandler creates a new dispute handler.
func NewHandler(service *Service, store ledger.Store) *Handler {
	return &Handler{service: service, store: store}
}

// RegisterRoutes sets up party-facing dispute routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/trades/:id/disputes", h.OpenDispute)
	r.GET("/trades/:id/disputes", h.ListTradeDisputes)
	r.GET("/disputes/:id", h.GetDispute)
}

// RegisterAdminRoutes sets up arbitration routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/disputes/:id/escalate", h.Escalate)
	r.POST("/disputes/:id/resolve", h.Resolve)
}

// OpenDisputeRequest is the body of POST /v1/trades/:id/disputes.
type OpenDisputeRequest struct {
	Reason  string `json:"reason" binding:"required"`
	Against string `json:"against"`
}

// OpenDispute handles POST /v1/trades/:id/disputes
func (h *Handler) OpenDispute(c *gin.Context) {
	var req OpenDisputeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.BadRequest(c, "invalid_request", "reason is required")
		return
	}
	if errs := validation.Validate(
		validation.MaxLength("reason", req.Reason, 2000),
		validation.ValidID("against", req.Against),
	); len(errs) > 0 {
		apperr.BadRequest(c, "validation_error", errs.Error())
		return
	}

	d, err := h.service.Open(c.Request.Context(), OpenRequest{
		TradeID:  c.Param("id"),
		RaisedBy: auth.GetActor(c),
		Against:  req.Against,
		Reason:   validation.SanitizeString(req.Reason, 2000),
	})
	if err != nil {
		apperr.Respond(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"dispute": d})
}

// ListTradeDisputes handles GET /v1/trades/:id/disputes
func (h *Handler) ListTradeDisputes(c *gin.Context) {
	ctx := c.Request.Context()
	t, err := h.store.GetTrade(ctx, c.Param("id"))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	if !h.canView(c, t) {
		return
	}

	disputes, err := h.service.ListByTrade(ctx, t.ID)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"disputes": disputes, "count": len(disputes)})
}

// GetDispute handles GET /v1/disputes/:id
func (h *Handler) GetDispute(c *gin.Context) {
	ctx := c.Request.Context()
	d, err := h.service.Get(ctx, c.Param("id"))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	t, err := h.store.GetTrade(ctx, d.TradeID)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	if !h.canView(c, t) {
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

func (h *Handler) canView(c *gin.Context, t *ledger.Trade) bool {
	if auth.IsAdmin(c) || t.IsParty(auth.GetActor(c)) {
		return true
	}
	c.JSON(http.StatusForbidden, gin.H{
		"error":   "forbidden",
		"message": "Only trade parties can view disputes",
	})
	return false
}

// Escalate handles POST /v1/admin/disputes/:id/escalate
func (h *Handler) Escalate(c *gin.Context) {
	d, err := h.service.Escalate(c.Request.Context(), c.Param("id"), auth.GetActor(c))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

// ResolveDisputeRequest is the body of POST /v1/admin/disputes/:id/resolve.
type ResolveDisputeRequest struct {
	Outcome       string `json:"outcome" binding:"required"`
	Note          string `json:"note"`
	ReleaseAmount string `json:"releaseAmount"`
	RefundAmount  string `json:"refundAmount"`
	Resume        bool   `json:"resume"`
}

// Resolve handles POST /v1/admin/disputes/:id/resolve
func (h *Handler) Resolve(c *gin.Context) {
	var req ResolveDisputeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.BadRequest(c, "invalid_request", "outcome is required")
		return
	}
	if errs := validation.Validate(
		validation.ValidAmount("releaseAmount", req.ReleaseAmount),
		validation.ValidAmount("refundAmount", req.RefundAmount),
		validation.MaxLength("note", req.Note, 2000),
	); len(errs) > 0 {
		apperr.BadRequest(c, "validation_error", errs.Error())
		return
	}

	d, err := h.service.Resolve(c.Request.Context(), ResolveRequest{
		DisputeID:     c.Param("id"),
		Outcome:       ledger.Outcome(req.Outcome),
		Note:          validation.SanitizeString(req.Note, 2000),
		ReleaseAmount: optionalAmount(req.ReleaseAmount),
		RefundAmount:  optionalAmount(req.RefundAmount),
		Resume:        req.Resume,
		Actor:         auth.GetActor(c),
	})
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

func optionalAmount(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	amount, _ := validation.ParseAmount(s)
	return amount
}
