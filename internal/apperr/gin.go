package apperr

import (
	"github.com/gin-gonic/gin"

	"github.com/mbd888/tradeflow/internal/logging"
)

// Respond writes err as a JSON error body with its mapped status.
// Unclassified errors are logged and reported without their message.
func Respond(c *gin.Context, err error) {
	status := HTTPStatus(err)
	code := CodeOf(err)
	msg := err.Error()
	if KindOf(err) == KindFatal {
		logging.L(c.Request.Context()).Error("request failed",
			"path", c.FullPath(), "error", err)
		msg = "internal error"
	}
	c.JSON(status, gin.H{
		"error":   code,
		"message": msg,
	})
}

// BadRequest writes a 400 with the given code.
func BadRequest(c *gin.Context, code, message string) {
	c.JSON(400, gin.H{
		"error":   code,
		"message": message,
	})
}
