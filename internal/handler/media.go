package handler

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	appctx "github.com/taskmgr818/magic-points/internal/context"
	"github.com/taskmgr818/magic-points/internal/model"
	"github.com/taskmgr818/magic-points/internal/task"
)

// MediaLister reads a user's generation history.
type MediaLister interface {
	ListMedia(ctx context.Context, userID string, limit int) ([]task.MediaRecord, error)
}

// MediaHandler exposes the caller's finished generations.
type MediaHandler struct {
	media MediaLister
}

// NewMediaHandler creates a new MediaHandler.
func NewMediaHandler(media MediaLister) *MediaHandler {
	return &MediaHandler{media: media}
}

// RegisterRoutes registers media routes on the api group.
func (h *MediaHandler) RegisterRoutes(api *gin.RouterGroup) {
	api.GET("/media", h.List)
}

// ─────────────────────────────────────────────
// GET /api/v1/media?limit=
// ─────────────────────────────────────────────

// List returns the caller's most recent media records, newest first.
func (h *MediaHandler) List(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			badRequest(c, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	items, err := h.media.ListMedia(c.Request.Context(), appctx.GetUserID(c), limit)
	if err != nil {
		writeError(c, err)
		return
	}
	if items == nil {
		items = []task.MediaRecord{}
	}
	c.JSON(http.StatusOK, model.MediaResponse{Items: items})
}
