package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/misakimiku2/aurora-gallery/internal/repository"
	"github.com/misakimiku2/aurora-gallery/internal/scheduler"
	"github.com/misakimiku2/aurora-gallery/internal/service"
)

// PaletteHandler handles palette extraction lifecycle endpoints.
type PaletteHandler struct {
	palettes    *repository.PaletteRepository
	maintenance *service.MaintenanceService
	sched       *scheduler.Scheduler
	runState    *scheduler.RunState
}

// NewPaletteHandler creates a new palette handler.
// Parameters:
//   - palettes: palette repository for registration and lookups.
//   - maintenance: maintenance service for error-row operations.
//   - sched: extraction scheduler.
//   - runState: scheduler pause/cancel state.
// Returns:
//   - *PaletteHandler: initialized handler.
func NewPaletteHandler(
	palettes *repository.PaletteRepository,
	maintenance *service.MaintenanceService,
	sched *scheduler.Scheduler,
	runState *scheduler.RunState,
) *PaletteHandler {
	return &PaletteHandler{
		palettes:    palettes,
		maintenance: maintenance,
		sched:       sched,
		runState:    runState,
	}
}

// RegisterRequest is the body of POST /api/v1/palette/register.
type RegisterRequest struct {
	Paths []string `json:"paths" binding:"required,min=1"`
}

// Register handles POST /api/v1/palette/register, queueing files for
// extraction and nudging the scheduler.
// Parameters:
//   - c: Gin request context.
// Returns: none (writes JSON response).
func (h *PaletteHandler) Register(c *gin.Context) {
	var req RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request: " + err.Error(),
		})
		return
	}

	added, err := h.palettes.AddPendingFiles(c.Request.Context(), req.Paths)
	if err != nil {
		writeError(c, err)
		return
	}
	h.sched.Kick()

	c.JSON(http.StatusOK, gin.H{"added": added})
}

// Status handles GET /api/v1/palette/status.
// Parameters:
//   - c: Gin request context.
// Returns: none (writes JSON response).
func (h *PaletteHandler) Status(c *gin.Context) {
	counts, err := h.maintenance.PaletteCounts(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"counts":    counts,
		"paused":    h.runState.Paused(),
		"cancelled": h.runState.Cancelled(),
	})
}

// GetColors handles GET /api/v1/palette/colors?path=...
// Parameters:
//   - c: Gin request context.
// Returns: none (writes JSON response).
func (h *PaletteHandler) GetColors(c *gin.Context) {
	path := c.Query("path")
	if path == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Query parameter 'path' is required",
		})
		return
	}
	rec, err := h.palettes.GetColorsByFilePath(c.Request.Context(), path)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

// Pause handles POST /api/v1/palette/pause.
func (h *PaletteHandler) Pause(c *gin.Context) {
	h.runState.Pause()
	c.JSON(http.StatusOK, gin.H{"paused": true})
}

// Resume handles POST /api/v1/palette/resume.
func (h *PaletteHandler) Resume(c *gin.Context) {
	h.runState.Resume()
	c.JSON(http.StatusOK, gin.H{"paused": false})
}

// Cancel handles POST /api/v1/palette/cancel.
func (h *PaletteHandler) Cancel(c *gin.Context) {
	h.runState.Cancel()
	c.JSON(http.StatusOK, gin.H{"cancelled": true})
}

// ListErrors handles GET /api/v1/palette/errors.
// Parameters:
//   - c: Gin request context.
// Returns: none (writes JSON response).
func (h *PaletteHandler) ListErrors(c *gin.Context) {
	files, err := h.maintenance.ListErrorFiles(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"files": files,
		"total": len(files),
	})
}

// RetryErrors handles POST /api/v1/palette/errors/retry.
// Parameters:
//   - c: Gin request context.
// Returns: none (writes JSON response).
func (h *PaletteHandler) RetryErrors(c *gin.Context) {
	n, err := h.maintenance.RetryErrors(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	h.sched.Kick()
	c.JSON(http.StatusOK, gin.H{"requeued": n})
}

// DeleteErrors handles DELETE /api/v1/palette/errors.
// Parameters:
//   - c: Gin request context.
// Returns: none (writes JSON response).
func (h *PaletteHandler) DeleteErrors(c *gin.Context) {
	n, err := h.maintenance.DeleteErrors(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": n})
}

// Cleanup handles POST /api/v1/palette/cleanup, removing rows whose
// files no longer exist on disk.
// Parameters:
//   - c: Gin request context.
// Returns: none (writes JSON response).
func (h *PaletteHandler) Cleanup(c *gin.Context) {
	n, err := h.maintenance.CleanupNonexistent(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": n})
}

// MoveRequest is the body of POST /api/v1/palette/move and /copy.
type MoveRequest struct {
	From string `json:"from" binding:"required"`
	To   string `json:"to" binding:"required"`
}

// Move handles POST /api/v1/palette/move, carrying extracted colors to
// a file's new path in the background.
// Parameters:
//   - c: Gin request context.
// Returns: none (writes JSON response).
func (h *PaletteHandler) Move(c *gin.Context) {
	var req MoveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request: " + err.Error(),
		})
		return
	}
	if err := h.maintenance.OnFileMoved(req.From, req.To); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"queued": true})
}

// Copy handles POST /api/v1/palette/copy.
// Parameters:
//   - c: Gin request context.
// Returns: none (writes JSON response).
func (h *PaletteHandler) Copy(c *gin.Context) {
	var req MoveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request: " + err.Error(),
		})
		return
	}
	if err := h.maintenance.OnFileCopied(req.From, req.To); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"queued": true})
}

// DeleteFilesRequest is the body of POST /api/v1/palette/files/delete.
type DeleteFilesRequest struct {
	Paths []string `json:"paths" binding:"required,min=1"`
}

// DeleteFiles handles POST /api/v1/palette/files/delete, removing all
// derived data for files deleted from the library.
// Parameters:
//   - c: Gin request context.
// Returns: none (writes JSON response).
func (h *PaletteHandler) DeleteFiles(c *gin.Context) {
	var req DeleteFilesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request: " + err.Error(),
		})
		return
	}
	if err := h.maintenance.OnFilesDeleted(c.Request.Context(), req.Paths); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": len(req.Paths)})
}
