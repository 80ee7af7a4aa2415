package context

import (
	"github.com/gin-gonic/gin"

	"github.com/taskmgr818/magic-points/internal/auth"
)

// Context key for the authenticated user.
const CtxKeyUser = "auth_user"

// MustGetUser extracts the authenticated user from the Gin context.
// Panics if not present (should only be called after APIKeyAuth middleware).
func MustGetUser(c *gin.Context) *auth.User {
	v, exists := c.Get(CtxKeyUser)
	if !exists {
		panic("MustGetUser called without APIKeyAuth middleware")
	}
	return v.(*auth.User)
}

// GetUserID is a shorthand that returns the user ID string.
func GetUserID(c *gin.Context) string {
	return MustGetUser(c).ID
}

// SetUser stores the authenticated user for downstream handlers.
func SetUser(c *gin.Context, u *auth.User) {
	c.Set(CtxKeyUser, u)
}
