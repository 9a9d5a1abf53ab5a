package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/misakimiku2/aurora-gallery/internal/encoder"
)

// HealthHandler reports liveness plus the encoder state, so the shell
// can tell an idle server from one still warming up a model.
type HealthHandler struct {
	engine *encoder.Engine
}

// NewHealthHandler creates a new health handler.
// Parameters:
//   - engine: encoder engine whose state is reported.
// Returns:
//   - *HealthHandler: initialized handler.
func NewHealthHandler(engine *encoder.Engine) *HealthHandler {
	return &HealthHandler{engine: engine}
}

// Health handles GET /health.
// Parameters:
//   - c: Gin request context.
// Returns: none (writes JSON response).
func (h *HealthHandler) Health(c *gin.Context) {
	status := h.engine.Status()
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"encoder": status.State,
		"model":   status.Model,
	})
}
