package trade

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/tradeflow/internal/apperr"
	"github.com/mbd888/tradeflow/internal/auth"
	"github.com/mbd888/tradeflow/internal/ledger"
	"github.com/mbd888/tradeflow/internal/validation"
)

// Handler provides HTTP endpoints for trades.
type Handler struct {
	service *Service
}

// NewHandler creates a new trade handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up trade routes. All of them require an actor.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/trades", h.CreateTrade)
	r.GET("/trades/:id", h.GetTrade)
	r.POST("/trades/:id/transitions", h.Transition)
	r.GET("/companies/:id/trades", h.ListCompanyTrades)
}

// CreateTradeRequest is the body of POST /v1/trades.
type CreateTradeRequest struct {
	BuyerID      string            `json:"buyerId" binding:"required"`
	SellerID     string            `json:"sellerId" binding:"required"`
	RFQID        string            `json:"rfqId"`
	Currency     string            `json:"currency" binding:"required"`
	AgreedAmount string            `json:"agreedAmount" binding:"required"`
	Metadata     map[string]string `json:"metadata"`
	Checkout     bool              `json:"checkout"`
}

// CreateTrade handles POST /v1/trades
func (h *Handler) CreateTrade(c *gin.Context) {
	var req CreateTradeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.BadRequest(c, "invalid_request", "buyerId, sellerId, currency and agreedAmount are required")
		return
	}

	if errs := validation.Validate(
		validation.ValidID("buyerId", req.BuyerID),
		validation.ValidID("sellerId", req.SellerID),
		validation.Different("sellerId", req.BuyerID, req.SellerID),
		validation.ValidID("rfqId", req.RFQID),
		validation.ValidCurrency("currency", req.Currency),
		validation.ValidAmount("agreedAmount", req.AgreedAmount),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	actor := auth.GetActor(c)
	if !auth.IsAdmin(c) && actor != req.BuyerID && actor != req.SellerID {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "forbidden",
			"message": "Caller must be the buyer or the seller",
		})
		return
	}

	amount, _ := validation.ParseAmount(req.AgreedAmount)
	t, err := h.service.Create(c.Request.Context(), CreateRequest{
		BuyerID:      req.BuyerID,
		SellerID:     req.SellerID,
		RFQID:        req.RFQID,
		Currency:     req.Currency,
		AgreedAmount: amount,
		Metadata:     req.Metadata,
		Checkout:     req.Checkout,
		Actor:        actor,
	})
	if err != nil {
		apperr.Respond(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"trade": t})
}

// GetTrade handles GET /v1/trades/:id
func (h *Handler) GetTrade(c *gin.Context) {
	t, ok := h.loadForParty(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"trade": t})
}

// TransitionBody is the body of POST /v1/trades/:id/transitions.
type TransitionBody struct {
	Event           string `json:"event" binding:"required"`
	ExpectedVersion int64  `json:"expectedVersion"`
	Reason          string `json:"reason"`
}

// Transition handles POST /v1/trades/:id/transitions
func (h *Handler) Transition(c *gin.Context) {
	var body TransitionBody
	if err := c.ShouldBindJSON(&body); err != nil {
		apperr.BadRequest(c, "invalid_request", "event is required")
		return
	}
	ev := Event(body.Event)
	if !ev.Valid() {
		apperr.BadRequest(c, "invalid_event", "unknown trade event")
		return
	}
	if !ev.PartyIssuable() {
		apperr.BadRequest(c, "event_not_allowed", "dispute events are issued through the dispute endpoints")
		return
	}
	if errs := validation.Validate(validation.MaxLength("reason", body.Reason, 1000)); len(errs) > 0 {
		apperr.BadRequest(c, "validation_error", errs.Error())
		return
	}

	t, ok := h.loadForParty(c)
	if !ok {
		return
	}

	updated, err := h.service.Transition(c.Request.Context(), TransitionRequest{
		TradeID:         t.ID,
		Event:           ev,
		ExpectedVersion: body.ExpectedVersion,
		Actor:           auth.GetActor(c),
		Reason:          validation.SanitizeString(body.Reason, 1000),
	})
	if err != nil {
		apperr.Respond(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"trade": updated})
}

// ListCompanyTrades handles GET /v1/companies/:id/trades
func (h *Handler) ListCompanyTrades(c *gin.Context) {
	companyID := c.Param("id")
	if !auth.IsAdmin(c) && auth.GetActor(c) != companyID {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "forbidden",
			"message": "Companies can only list their own trades",
		})
		return
	}

	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > 200 {
				limit = 200
			}
		}
	}

	trades, err := h.service.ListByCompany(c.Request.Context(), companyID, limit)
	if err != nil {
		apperr.Respond(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"trades": trades,
		"count":  len(trades),
	})
}

func (h *Handler) loadForParty(c *gin.Context) (*ledger.Trade, bool) {
	t, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		apperr.Respond(c, err)
		return nil, false
	}
	if !auth.IsAdmin(c) && !t.IsParty(auth.GetActor(c)) {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "forbidden",
			"message": "Only trade parties can access this trade",
		})
		return nil, false
	}
	return t, true
}
