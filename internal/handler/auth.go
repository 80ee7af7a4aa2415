package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/taskmgr818/magic-points/internal/auth"
	"github.com/taskmgr818/magic-points/internal/model"
)

// AuthHandler handles authentication endpoints.
type AuthHandler struct {
	userSvc auth.UserService
}

// NewAuthHandler creates a new AuthHandler.
func NewAuthHandler(userSvc auth.UserService) *AuthHandler {
	return &AuthHandler{userSvc: userSvc}
}

// RegisterRoutes registers auth routes on the Gin engine.
func (h *AuthHandler) RegisterRoutes(r *gin.Engine) {
	authGroup := r.Group("/auth")
	{
		authGroup.POST("/register", h.Register)
		authGroup.POST("/login", h.Login)
	}
}

// ─────────────────────────────────────────────
// POST /auth/register
// ─────────────────────────────────────────────

type RegisterRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required,min=6"`
	Nickname string `json:"nickname"`
}

type AuthResponse struct {
	User   *auth.User `json:"user"`
	APIKey string     `json:"api_key"`
}

// Register handles user registration via email. The points account is
// opened in the same transaction.
func (h *AuthHandler) Register(c *gin.Context) {
	var req RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	user, err := h.userSvc.Register(c.Request.Context(), req.Email, req.Password, req.Nickname)
	if err != nil {
		if errors.Is(err, auth.ErrEmailExists) {
			c.AbortWithStatusJSON(http.StatusConflict, model.ErrorResponse{Error: "email already registered"})
			return
		}
		writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, AuthResponse{
		User:   user,
		APIKey: user.APIKey,
	})
}

// ─────────────────────────────────────────────
// POST /auth/login
// ─────────────────────────────────────────────

type LoginRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required"`
}

// Login handles user login via email + password.
func (h *AuthHandler) Login(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	user, err := h.userSvc.LoginEmail(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredential) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, model.ErrorResponse{Error: "invalid email or password"})
			return
		}
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, AuthResponse{
		User:   user,
		APIKey: user.APIKey,
	})
}
