package reconciliation

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/tradeflow/internal/apperr"
)

// Handler exposes reconciliation reports to administrators.
type Handler struct {
	runner *Runner
}

// NewHandler creates a reconciliation handler.
func NewHandler(runner *Runner) *Handler {
	return &Handler{runner: runner}
}

// RegisterAdminRoutes sets up admin reconciliation routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/reconciliation", h.GetReport)
}

// GetReport handles GET /v1/admin/reconciliation. The latest report is
// returned; ?run=true or the absence of a report triggers a fresh run.
func (h *Handler) GetReport(c *gin.Context) {
	rep := h.runner.Last()
	if rep == nil || c.Query("run") == "true" {
		var err error
		rep, err = h.runner.RunAll(c.Request.Context())
		if err != nil {
			apperr.Respond(c, err)
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"healthy": rep.Healthy(), "report": rep})
}
