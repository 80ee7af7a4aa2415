package handler

import (
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/taskmgr818/magic-points/internal/catalog"
	appctx "github.com/taskmgr818/magic-points/internal/context"
	"github.com/taskmgr818/magic-points/internal/ledger"
	"github.com/taskmgr818/magic-points/internal/model"
	"github.com/taskmgr818/magic-points/internal/ratelimit"
	"github.com/taskmgr818/magic-points/internal/redeem"
)

const redeemScope = "redeem"

// PointsHandler exposes the ledger and code redemption to API key holders.
type PointsHandler struct {
	ledger      ledger.Service
	redeem      redeem.Service
	limiter     *ratelimit.Limiter
	redeemLimit int
	log         *zap.Logger
}

// NewPointsHandler creates a new PointsHandler. A nil limiter disables
// redemption throttling.
func NewPointsHandler(l ledger.Service, r redeem.Service, limiter *ratelimit.Limiter, redeemPerMinute int, log *zap.Logger) *PointsHandler {
	if log == nil {
		log = zap.NewNop()
	}
	return &PointsHandler{
		ledger:      l,
		redeem:      r,
		limiter:     limiter,
		redeemLimit: redeemPerMinute,
		log:         log.Named("points"),
	}
}

// RegisterRoutes registers points routes on the api group.
func (h *PointsHandler) RegisterRoutes(api *gin.RouterGroup) {
	points := api.Group("/points")
	points.GET("/balance", h.Balance)
	points.GET("/logs", h.Logs)
	points.GET("/costs", h.Costs)
	points.POST("/consume", h.Consume)
	points.POST("/redeem", h.Redeem)
	points.POST("/redeem/check", h.CheckCode)
}

// ─────────────────────────────────────────────
// GET /api/v1/points/balance
// ─────────────────────────────────────────────

// Balance returns the caller's balance; a missing account reads as zero.
func (h *PointsHandler) Balance(c *gin.Context) {
	balance, err := h.ledger.GetBalance(c.Request.Context(), appctx.GetUserID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, model.BalanceResponse{Balance: balance})
}

// ─────────────────────────────────────────────
// GET /api/v1/points/logs?limit=
// ─────────────────────────────────────────────

// Logs returns the caller's most recent ledger entries, newest first.
func (h *PointsHandler) Logs(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			badRequest(c, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	logs, err := h.ledger.GetLogs(c.Request.Context(), appctx.GetUserID(c), limit)
	if err != nil {
		writeError(c, err)
		return
	}
	if logs == nil {
		logs = []ledger.Entry{}
	}
	c.JSON(http.StatusOK, model.LogsResponse{Logs: logs})
}

// ─────────────────────────────────────────────
// GET /api/v1/points/costs
// ─────────────────────────────────────────────

// Costs returns the active price list.
func (h *PointsHandler) Costs(c *gin.Context) {
	c.JSON(http.StatusOK, model.CostsResponse{Costs: h.ledger.Catalog().All()})
}

// ─────────────────────────────────────────────
// POST /api/v1/points/consume
// ─────────────────────────────────────────────

// Consume charges the caller for an action. The price always comes from
// the catalog, tiered by the declared usage.
func (h *PointsHandler) Consume(c *gin.Context) {
	var req model.ConsumeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	action, override, err := quote(req)
	if err != nil {
		writeError(c, err)
		return
	}

	receipt, err := h.ledger.Consume(c.Request.Context(), appctx.GetUserID(c), action, override)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, receipt)
}

func quote(req model.ConsumeRequest) (catalog.Action, *int64, error) {
	action, err := catalog.ParseAction(req.Action)
	if err != nil {
		return "", nil, ledger.ErrInvalidAction.WithContext("action", req.Action)
	}
	priced, override, err := catalog.Quote(action, catalog.Usage{Pages: req.Pages, ImageCount: req.ImageCount})
	switch {
	case errors.Is(err, catalog.ErrInvalidCost):
		return "", nil, ledger.ErrInvalidAmount.WithContext("detail", err.Error())
	case err != nil:
		return "", nil, ledger.ErrInvalidAction.WithContext("action", req.Action, "pages", req.Pages)
	}
	return priced, override, nil
}

// ─────────────────────────────────────────────
// POST /api/v1/points/redeem
// ─────────────────────────────────────────────

// Redeem claims a referral code for the caller.
func (h *PointsHandler) Redeem(c *gin.Context) {
	var req model.RedeemRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	ctx := c.Request.Context()
	userID := appctx.GetUserID(c)

	decision, err := h.limiter.Allow(ctx, redeemScope, userID, h.redeemLimit, time.Minute)
	if err != nil {
		// Fail open: Redis trouble must not block redemptions.
		h.log.Warn("redeem rate limiter unavailable", zap.String("user_id", userID), zap.Error(err))
	} else if !decision.Allowed {
		c.Header("Retry-After", strconv.Itoa(int(math.Ceil(decision.RetryAfter.Seconds()))))
		c.AbortWithStatusJSON(http.StatusTooManyRequests, model.ErrorResponse{Error: "too many redemption attempts"})
		return
	}

	result, err := h.redeem.RedeemCode(ctx, req.Code, userID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// ─────────────────────────────────────────────
// POST /api/v1/points/redeem/check
// ─────────────────────────────────────────────

// CheckCode reports whether a code is currently redeemable without
// claiming it.
func (h *PointsHandler) CheckCode(c *gin.Context) {
	var req model.RedeemRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	result, err := h.redeem.CheckCode(c.Request.Context(), req.Code)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}
