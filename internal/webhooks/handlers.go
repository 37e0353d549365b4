package webhooks

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/tradeflow/internal/apperr"
	"github.com/mbd888/tradeflow/internal/auth"
	"github.com/mbd888/tradeflow/internal/idgen"
	"github.com/mbd888/tradeflow/internal/validation"
)

// maxEventsPerSubscription bounds the events list of one subscription.
const maxEventsPerSubscription = 32

// Handler manages a company's webhook subscriptions.
type Handler struct {
	store       Store
	validateURL func(string) error
}

// NewHandler creates a webhook handler.
func NewHandler(store Store) *Handler {
	return &Handler{store: store, validateURL: ValidateURL}
}

// RegisterRoutes sets up webhook routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/companies/:id/webhooks", h.CreateWebhook)
	r.GET("/companies/:id/webhooks", h.ListWebhooks)
	r.DELETE("/companies/:id/webhooks/:webhookId", h.DeleteWebhook)
}

// CreateWebhookRequest is the body of POST /companies/:id/webhooks.
type CreateWebhookRequest struct {
	URL    string   `json:"url" binding:"required"`
	Events []string `json:"events" binding:"required"`
}

func (h *Handler) owner(c *gin.Context) (string, bool) {
	company := c.Param("id")
	if !auth.IsAdmin(c) && auth.GetActor(c) != company {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "forbidden",
			"message": "Companies can only manage their own webhooks",
		})
		return "", false
	}
	return company, true
}

// CreateWebhook handles POST /v1/companies/:id/webhooks
func (h *Handler) CreateWebhook(c *gin.Context) {
	company, ok := h.owner(c)
	if !ok {
		return
	}

	var req CreateWebhookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.BadRequest(c, "invalid_request", "Invalid request body")
		return
	}
	if len(req.Events) == 0 || len(req.Events) > maxEventsPerSubscription {
		apperr.BadRequest(c, "invalid_events", "Provide between 1 and 32 event types")
		return
	}
	if err := h.validateURL(req.URL); err != nil {
		apperr.Respond(c, err)
		return
	}

	secret := idgen.Hex()
	sub := &Subscription{
		ID:        idgen.WithPrefix("wh_"),
		CompanyID: company,
		URL:       req.URL,
		Secret:    secret,
		Events:    sanitize(req.Events),
		Active:    true,
		CreatedAt: time.Now(),
	}
	if err := h.store.Create(c.Request.Context(), sub); err != nil {
		apperr.Respond(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"webhook": sub,
		"secret":  secret, // shown once
		"usage": gin.H{
			"signature": "hex HMAC-SHA256(body, secret)",
			"header":    HeaderSignature,
		},
	})
}

// ListWebhooks handles GET /v1/companies/:id/webhooks
func (h *Handler) ListWebhooks(c *gin.Context) {
	company, ok := h.owner(c)
	if !ok {
		return
	}
	subs, err := h.store.ListByCompany(c.Request.Context(), company)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	if subs == nil {
		subs = []*Subscription{}
	}
	c.JSON(http.StatusOK, gin.H{"webhooks": subs})
}

// DeleteWebhook handles DELETE /v1/companies/:id/webhooks/:webhookId
func (h *Handler) DeleteWebhook(c *gin.Context) {
	company, ok := h.owner(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	sub, err := h.store.Get(ctx, c.Param("webhookId"))
	if err == nil && sub.CompanyID != company {
		err = ErrSubscriptionNotFound
	}
	if err == nil {
		err = h.store.Delete(ctx, sub.ID)
	}
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}

func sanitize(events []string) []string {
	out := make([]string, 0, len(events))
	for _, e := range events {
		if e = validation.SanitizeString(e, 64); e != "" {
			out = append(out, e)
		}
	}
	return out
}
