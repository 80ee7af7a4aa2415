package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/taskmgr818/magic-points/internal/auth"
	"github.com/taskmgr818/magic-points/internal/ledger"
	"github.com/taskmgr818/magic-points/internal/model"
	"github.com/taskmgr818/magic-points/internal/subscription"
	"github.com/taskmgr818/magic-points/internal/task"
)

// statusOf maps domain error codes onto HTTP statuses. Logical failures
// never answer 200.
var statusOf = map[ledger.ErrorCode]int{
	ledger.CodeInvalidAction:          http.StatusBadRequest,
	ledger.CodeInvalidAmount:          http.StatusBadRequest,
	ledger.CodeInvalidRequest:         http.StatusBadRequest,
	ledger.CodeUserNotFound:           http.StatusNotFound,
	ledger.CodeNotEnoughPoints:        http.StatusPaymentRequired,
	ledger.CodeRedemptionInvalid:      http.StatusConflict,
	subscription.CodeAlreadyCheckedIn: http.StatusConflict,
	subscription.CodePaymentReplayed:  http.StatusConflict,
	ledger.CodeTransactionFailed:      http.StatusServiceUnavailable,
}

// writeError renders err as an ErrorResponse and records it on the gin
// context for the request logger.
func writeError(c *gin.Context, err error) {
	_ = c.Error(err)

	var de *ledger.DomainError
	if errors.As(err, &de) {
		status, ok := statusOf[de.Code]
		if !ok {
			status = http.StatusInternalServerError
		}
		resp := model.ErrorResponse{Error: de.Message, Code: string(de.Code)}
		// Retry counts and similar internals stay in the logs.
		if status < http.StatusInternalServerError {
			resp.Context = de.Context
		}
		c.AbortWithStatusJSON(status, resp)
		return
	}

	switch {
	case errors.Is(err, task.ErrProvider):
		c.AbortWithStatusJSON(http.StatusBadGateway, model.ErrorResponse{Error: "video provider unavailable"})
	case errors.Is(err, auth.ErrInvalidStatus):
		c.AbortWithStatusJSON(http.StatusBadRequest, model.ErrorResponse{Error: err.Error()})
	case errors.Is(err, auth.ErrUserNotFound):
		c.AbortWithStatusJSON(http.StatusNotFound, model.ErrorResponse{Error: "user not found", Code: string(ledger.CodeUserNotFound)})
	default:
		c.AbortWithStatusJSON(http.StatusInternalServerError, model.ErrorResponse{Error: "internal error"})
	}
}

// badRequest rejects malformed input before any service call.
func badRequest(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, model.ErrorResponse{Error: msg})
}
