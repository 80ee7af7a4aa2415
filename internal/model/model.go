package model

import (
	"github.com/taskmgr818/magic-points/internal/ledger"
	"github.com/taskmgr818/magic-points/internal/subscription"
	"github.com/taskmgr818/magic-points/internal/task"
)

// ─────────────────────────────────────────────
// HTTP Request / Response
//
// UserID is never part of a request body – it is extracted from the
// API key in the middleware.
// ─────────────────────────────────────────────

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Error   string         `json:"error"`
	Code    string         `json:"code,omitempty"`
	Context map[string]any `json:"context,omitempty"`
}

// UserProfile represents user profile with balance information.
// Used by both /api/v1/me and /api/v1/admin/users/:id endpoints.
type UserProfile struct {
	User       any   `json:"user"` // *auth.User
	Balance    int64 `json:"balance"`
	TotalSpent int64 `json:"total_spent"`
}

// ── Points ──

type BalanceResponse struct {
	Balance int64 `json:"balance"`
}

type LogsResponse struct {
	Logs []ledger.Entry `json:"logs"`
}

type CostsResponse struct {
	Costs map[string]int64 `json:"costs"`
}

// ConsumeRequest charges an action at the server's price. Pages and
// ImageCount select the tier of sized actions.
type ConsumeRequest struct {
	Action     string `json:"action" binding:"required"`
	Pages      int    `json:"pages"`
	ImageCount int    `json:"image_count"`
}

type RedeemRequest struct {
	Code string `json:"code" binding:"required"`
}

// ── Subscriptions ──

// FulfilRequest is sent by the billing backend once a payment for PlanID
// has been captured.
type FulfilRequest struct {
	PlanID    string `json:"plan_id" binding:"required"`
	Platform  string `json:"platform"`
	PaymentID string `json:"payment_id" binding:"required"`
}

type PlansResponse struct {
	Plans  []subscription.Plan `json:"plans"`
	TopUps []subscription.Plan `json:"top_ups"`
}

// ── Media ──

type MediaResponse struct {
	Items []task.MediaRecord `json:"items"`
}

// ── Video tasks ──

type CreateVideoTaskRequest struct {
	ImageURL    string `json:"image_url" binding:"required"`
	Prompt      string `json:"prompt" binding:"required"`
	CameraFixed bool   `json:"camera_fixed"`
}

// ── Admin ──

type SetUserStatusRequest struct {
	Status string `json:"status" binding:"required,oneof=active banned suspended"`
}

type AddCreditsRequest struct {
	Amount int64  `json:"amount" binding:"required,min=1"`
	Remark string `json:"remark"` // optional
}

// AdminRefundRequest credits back a consumed action. Amount zero falls
// back to the catalog price.
type AdminRefundRequest struct {
	Action string `json:"action" binding:"required"`
	Amount int64  `json:"amount" binding:"min=0"`
	Reason string `json:"reason"`
	RefID  string `json:"ref_id"`
}

type GenerateCodesRequest struct {
	Value    int64 `json:"value" binding:"required"`
	Quantity int   `json:"quantity" binding:"required,min=1"`
}
