package payments

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/tradeflow/internal/apperr"
	"github.com/mbd888/tradeflow/internal/ledger"
)

// MaxWebhookBody bounds the size of a provider delivery.
const MaxWebhookBody = 64 << 10

// Handler exposes the provider webhook and the processed-event audit.
type Handler struct {
	verifier   *Verifier
	reconciler *Reconciler
	store      ledger.Store
}

// NewHandler creates a new payments handler.
func NewHandler(verifier *Verifier, reconciler *Reconciler, store ledger.Store) *Handler {
	return &Handler{verifier: verifier, reconciler: reconciler, store: store}
}

// RegisterRoutes sets up the provider-facing webhook route.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/payments/webhook", h.Webhook)
}

// RegisterAdminRoutes sets up the processed-event audit route.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/payment-events", h.ListEvents)
	r.GET("/payment-events/:id", h.GetEvent)
}

// Webhook handles POST /v1/payments/webhook
func (h *Handler) Webhook(c *gin.Context) {
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, MaxWebhookBody+1))
	if err != nil || len(payload) > MaxWebhookBody {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{
			"error":   "payload_too_large",
			"message": "Webhook payload exceeds the size limit",
		})
		return
	}

	env, err := h.verifier.Verify(payload, c.GetHeader(SignatureHeader))
	if err != nil {
		if errors.Is(err, ErrInvalidSignature) {
			signatureFailures.Inc()
			c.JSON(http.StatusUnauthorized, gin.H{
				"error":   "invalid_signature",
				"message": "Webhook signature verification failed",
			})
			return
		}
		apperr.Respond(c, err)
		return
	}

	res, err := h.reconciler.Handle(c.Request.Context(), env)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, res)
	case isDeferred(err):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "event_deferred",
			"message": err.Error(),
		})
	default:
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "temporarily_unavailable",
			"message": "Event could not be processed; retry later",
		})
	}
}

func isDeferred(err error) bool {
	return errors.Is(err, ErrDeferred)
}

// ListEvents handles GET /v1/admin/payment-events
func (h *Handler) ListEvents(c *gin.Context) {
	status := ledger.ProcessedStatus(c.Query("status"))
	switch status {
	case "", ledger.ProcessedProcessing, ledger.ProcessedCompleted, ledger.ProcessedFailed:
	default:
		apperr.BadRequest(c, "invalid_status", "status must be processing, completed or failed")
		return
	}

	limit := 100
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > 500 {
				limit = 500
			}
		}
	}

	events, err := h.store.ListExternalEvents(c.Request.Context(), status, limit)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events, "count": len(events)})
}

// GetEvent handles GET /v1/admin/payment-events/:id
func (h *Handler) GetEvent(c *gin.Context) {
	ev, err := h.store.GetExternalEvent(c.Request.Context(), c.Param("id"))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"event": ev})
}
