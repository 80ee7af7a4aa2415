package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/taskmgr818/magic-points/internal/auth"
	appctx "github.com/taskmgr818/magic-points/internal/context"
	"github.com/taskmgr818/magic-points/internal/model"
)

// Codes of authentication failures, alongside the ledger error codes.
const (
	CodeUnauthorized    = "UNAUTHORIZED"
	CodeAccountDisabled = "ACCOUNT_DISABLED"
	CodeAdminDisabled   = "ADMIN_DISABLED"
)

func deny(c *gin.Context, status int, code, msg string) {
	c.AbortWithStatusJSON(status, model.ErrorResponse{Error: msg, Code: code})
}

// APIKeyAuth resolves "Authorization: Bearer sk-..." to an active user and
// stores it for appctx.MustGetUser. Unknown keys answer 401, banned or
// suspended accounts 403.
func APIKeyAuth(userSvc auth.UserService) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := bearerToken(c)
		if key == "" {
			deny(c, http.StatusUnauthorized, CodeUnauthorized, "missing api key")
			return
		}

		user, err := userSvc.GetByAPIKey(c.Request.Context(), key)
		if err != nil {
			deny(c, http.StatusUnauthorized, CodeUnauthorized, "invalid api key")
			return
		}
		if user.Status != auth.StatusActive {
			deny(c, http.StatusForbidden, CodeAccountDisabled, "account is "+user.Status)
			return
		}

		appctx.SetUser(c, user)
		c.Next()
	}
}

// AdminTokenAuth guards the admin group with a static bearer token. An
// empty token disables the group entirely.
func AdminTokenAuth(adminToken string) gin.HandlerFunc {
	want := []byte(adminToken)
	return func(c *gin.Context) {
		if len(want) == 0 {
			deny(c, http.StatusServiceUnavailable, CodeAdminDisabled, "admin api disabled")
			return
		}
		if subtle.ConstantTimeCompare([]byte(bearerToken(c)), want) != 1 {
			deny(c, http.StatusUnauthorized, CodeUnauthorized, "invalid admin token")
			return
		}
		c.Next()
	}
}

// bearerToken returns the credential of "Authorization: Bearer <token>",
// or "" for any other shape.
func bearerToken(c *gin.Context) string {
	scheme, token, ok := strings.Cut(c.GetHeader("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}
