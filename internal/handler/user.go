package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/taskmgr818/magic-points/internal/auth"
	appctx "github.com/taskmgr818/magic-points/internal/context"
	"github.com/taskmgr818/magic-points/internal/ledger"
	"github.com/taskmgr818/magic-points/internal/model"
	"github.com/taskmgr818/magic-points/internal/subscription"
)

// UserHandler handles user-related endpoints.
type UserHandler struct {
	userSvc auth.UserService
	ledger  ledger.Service
	subs    subscription.Service
}

// NewUserHandler creates a new UserHandler.
func NewUserHandler(userSvc auth.UserService, l ledger.Service, subs subscription.Service) *UserHandler {
	return &UserHandler{
		userSvc: userSvc,
		ledger:  l,
		subs:    subs,
	}
}

// RegisterRoutes registers user routes on the api group.
func (h *UserHandler) RegisterRoutes(api *gin.RouterGroup) {
	api.GET("/me", h.Me)
	api.POST("/me/reset-key", h.ResetAPIKey)
	api.POST("/me/checkin", h.Checkin)
	api.GET("/subscriptions/plans", h.Plans)
}

// ─────────────────────────────────────────────
// GET /api/v1/me
// ─────────────────────────────────────────────

// Me returns the authenticated user's profile with balance.
func (h *UserHandler) Me(c *gin.Context) {
	user := appctx.MustGetUser(c)
	c.JSON(http.StatusOK, profile(c, h.ledger, user))
}

// profile joins a user with its account; a missing account reads as zero.
func profile(c *gin.Context, l ledger.Service, user *auth.User) model.UserProfile {
	p := model.UserProfile{User: user}
	if acc, err := l.GetAccount(c.Request.Context(), user.ID); err == nil {
		p.Balance = acc.Balance
		p.TotalSpent = acc.TotalSpent
	}
	return p
}

// ─────────────────────────────────────────────
// POST /api/v1/me/reset-key
// ─────────────────────────────────────────────

type ResetKeyResponse struct {
	APIKey string `json:"api_key"`
}

// ResetAPIKey regenerates the user's API key.
func (h *UserHandler) ResetAPIKey(c *gin.Context) {
	user := appctx.MustGetUser(c)

	updatedUser, err := h.userSvc.ResetAPIKey(c.Request.Context(), user.ID)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, ResetKeyResponse{
		APIKey: updatedUser.APIKey,
	})
}

// ─────────────────────────────────────────────
// POST /api/v1/me/checkin
// ─────────────────────────────────────────────

// Checkin grants the daily reward; a second call on the same UTC day
// answers 409.
func (h *UserHandler) Checkin(c *gin.Context) {
	result, err := h.subs.Checkin(c.Request.Context(), appctx.GetUserID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// ─────────────────────────────────────────────
// GET /api/v1/subscriptions/plans
// ─────────────────────────────────────────────

// Plans lists purchasable plans and top-up packs. Purchases are fulfilled
// by the billing backend through the admin API.
func (h *UserHandler) Plans(c *gin.Context) {
	c.JSON(http.StatusOK, model.PlansResponse{Plans: h.subs.Plans(), TopUps: h.subs.TopUps()})
}
