package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	appctx "github.com/taskmgr818/magic-points/internal/context"
	"github.com/taskmgr818/magic-points/internal/model"
	"github.com/taskmgr818/magic-points/internal/task"
)

// VideoHandler exposes charged video generation.
type VideoHandler struct {
	hook *task.Hook
}

// NewVideoHandler creates a new VideoHandler.
func NewVideoHandler(hook *task.Hook) *VideoHandler {
	return &VideoHandler{hook: hook}
}

// RegisterRoutes registers video routes on the api group.
func (h *VideoHandler) RegisterRoutes(api *gin.RouterGroup) {
	api.POST("/video/tasks", h.Create)
	api.GET("/video/tasks/:id", h.Status)
}

// ─────────────────────────────────────────────
// POST /api/v1/video/tasks
// ─────────────────────────────────────────────

// Create charges the caller the generate_video price and starts a provider
// job.
func (h *VideoHandler) Create(c *gin.Context) {
	var req model.CreateVideoTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, task.ErrInvalidRequest.WithContext("detail", err.Error()))
		return
	}

	result, err := h.hook.Create(c.Request.Context(), task.CreateRequest{
		UserID:      appctx.GetUserID(c),
		ImageRef:    req.ImageURL,
		Prompt:      req.Prompt,
		CameraFixed: req.CameraFixed,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, result)
}

// ─────────────────────────────────────────────
// GET /api/v1/video/tasks/:id
// ─────────────────────────────────────────────

// Status polls the provider. Tasks charged to another user are hidden.
func (h *VideoHandler) Status(c *gin.Context) {
	taskID := c.Param("id")
	ctx := c.Request.Context()

	vt, err := h.hook.Find(ctx, taskID)
	if err != nil {
		writeError(c, err)
		return
	}
	if vt != nil && vt.UserID != appctx.GetUserID(c) {
		c.AbortWithStatusJSON(http.StatusNotFound, model.ErrorResponse{Error: "task not found"})
		return
	}

	result, err := h.hook.Status(ctx, taskID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}
