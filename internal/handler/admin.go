package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/taskmgr818/magic-points/internal/auth"
	"github.com/taskmgr818/magic-points/internal/catalog"
	"github.com/taskmgr818/magic-points/internal/ledger"
	"github.com/taskmgr818/magic-points/internal/model"
	"github.com/taskmgr818/magic-points/internal/redeem"
	"github.com/taskmgr818/magic-points/internal/subscription"
)

// adminActor is recorded as the creator of admin-minted codes.
const adminActor = "admin"

// AdminHandler handles admin-only endpoints.
type AdminHandler struct {
	userSvc auth.UserService
	ledger  ledger.Service
	redeem  redeem.Service
	subs    subscription.Service
}

// NewAdminHandler creates a new AdminHandler.
func NewAdminHandler(userSvc auth.UserService, l ledger.Service, r redeem.Service, subs subscription.Service) *AdminHandler {
	return &AdminHandler{
		userSvc: userSvc,
		ledger:  l,
		redeem:  r,
		subs:    subs,
	}
}

// RegisterRoutes registers admin routes on the admin group.
func (h *AdminHandler) RegisterRoutes(admin *gin.RouterGroup) {
	admin.GET("/users/:id", h.GetUser)
	admin.PUT("/users/:id/status", h.SetUserStatus)
	admin.POST("/users/:id/credits", h.AddCredits)
	admin.POST("/users/:id/refund", h.Refund)
	admin.POST("/users/:id/subscriptions", h.FulfilPurchase)
	admin.POST("/codes", h.GenerateCodes)
}

// ─────────────────────────────────────────────
// GET /api/v1/admin/users/:id
// ─────────────────────────────────────────────

// GetUser retrieves a user's information by ID (admin-only).
// Returns the same format as /api/v1/me.
func (h *AdminHandler) GetUser(c *gin.Context) {
	user, err := h.userSvc.GetByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, profile(c, h.ledger, user))
}

// ─────────────────────────────────────────────
// PUT /api/v1/admin/users/:id/status
// ─────────────────────────────────────────────

type SetUserStatusResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// SetUserStatus updates a user's account status (admin-only).
// Valid statuses: active, banned, suspended.
func (h *AdminHandler) SetUserStatus(c *gin.Context) {
	var req model.SetUserStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	if err := h.userSvc.SetStatus(c.Request.Context(), c.Param("id"), req.Status); err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, SetUserStatusResponse{
		Success: true,
		Message: "status updated to " + req.Status,
	})
}

// ─────────────────────────────────────────────
// POST /api/v1/admin/users/:id/credits
// ─────────────────────────────────────────────

// AddCredits grants points to a user (admin-only).
func (h *AdminHandler) AddCredits(c *gin.Context) {
	var req model.AddCreditsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	remark := req.Remark
	if remark == "" {
		remark = "admin grant"
	}
	receipt, err := h.ledger.Grant(c.Request.Context(), c.Param("id"), req.Amount, ledger.GrantAdmin, remark, "")
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, receipt)
}

// ─────────────────────────────────────────────
// POST /api/v1/admin/users/:id/refund
// ─────────────────────────────────────────────

// Refund credits back a consumed action (admin-only).
func (h *AdminHandler) Refund(c *gin.Context) {
	var req model.AdminRefundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	action, err := catalog.ParseAction(req.Action)
	if err != nil {
		writeError(c, ledger.ErrInvalidAction.WithContext("action", req.Action))
		return
	}

	reason := req.Reason
	if reason == "" {
		reason = "manual refund"
	}
	receipt, err := h.ledger.Refund(c.Request.Context(), ledger.RefundRequest{
		UserID: c.Param("id"),
		Action: action,
		Amount: req.Amount,
		Reason: reason,
		RefID:  req.RefID,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, receipt)
}

// ─────────────────────────────────────────────
// POST /api/v1/admin/users/:id/subscriptions
// ─────────────────────────────────────────────

// FulfilPurchase credits a plan or top-up pack once the billing backend
// has captured the payment (admin-only). A replayed payment id answers 409.
func (h *AdminHandler) FulfilPurchase(c *gin.Context) {
	var req model.FulfilRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	result, err := h.subs.Subscribe(c.Request.Context(), subscription.Purchase{
		UserID:    c.Param("id"),
		PlanID:    req.PlanID,
		Platform:  req.Platform,
		PaymentID: req.PaymentID,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// ─────────────────────────────────────────────
// POST /api/v1/admin/codes
// ─────────────────────────────────────────────

// GenerateCodes mints a batch of referral codes (admin-only).
func (h *AdminHandler) GenerateCodes(c *gin.Context) {
	var req model.GenerateCodesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	codes, err := h.redeem.GenerateCodes(c.Request.Context(), req.Value, req.Quantity, adminActor)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"codes": codes})
}
