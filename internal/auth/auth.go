package auth

import (
	"context"
	"time"
)

// ─────────────────────────────────────────────
// User represents a registered platform user.
// ─────────────────────────────────────────────

type User struct {
	ID            string     `json:"id" gorm:"primaryKey;size:64"`
	Email         string     `json:"email" gorm:"uniqueIndex"`
	Password      string     `json:"-"` // bcrypt hash, never serialised
	Nickname      string     `json:"nickname"`
	APIKey        string     `json:"api_key" gorm:"uniqueIndex"`      // non-expiring key, issued on register
	Status        string     `json:"status" gorm:"default:active"`    // active | banned | suspended
	Plan          string     `json:"plan" gorm:"default:explorer"`    // explorer | basic | pro
	PlanID        string     `json:"plan_id,omitempty"`               // basic | pro | yearly_pro
	Platform      string     `json:"subscription_platform,omitempty"` // web | ios | android
	SubscribedAt  *time.Time `json:"subscribed_at,omitempty"`
	CheckinStreak int        `json:"checkin_streak" gorm:"not null;default:0"`
	LastUsedAt    *time.Time `json:"last_used_at,omitempty"`
	LastCheckinAt *time.Time `json:"last_checkin_at,omitempty"` // last daily checkin time
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// User statuses.
const (
	StatusActive    = "active"
	StatusBanned    = "banned"
	StatusSuspended = "suspended"
)

// PlanExplorer is the tier of users without a subscription.
const PlanExplorer = "explorer"

// ─────────────────────────────────────────────
// UserService – the identity collaborator of the ledger.
//
// Supports:
//   - Email registration (provisions the points account)
//   - API key lookup (used by middleware)
// ─────────────────────────────────────────────

type UserService interface {
	// Register creates a new user via email + password together with an
	// empty points account. A unique API key is generated and returned.
	Register(ctx context.Context, email, password, nickname string) (*User, error)

	// LoginEmail authenticates via email + password, returns the user (incl. API key).
	LoginEmail(ctx context.Context, email, password string) (*User, error)

	// GetByAPIKey looks up a user by their API key.
	// This is the main method used by the auth middleware on every request.
	GetByAPIKey(ctx context.Context, apiKey string) (*User, error)

	// GetByID retrieves a user by their internal ID.
	GetByID(ctx context.Context, userID string) (*User, error)

	// ResetAPIKey regenerates the user's API key (invalidates old one).
	ResetAPIKey(ctx context.Context, userID string) (*User, error)

	// SetStatus sets user account status (active / banned / suspended).
	SetStatus(ctx context.Context, userID string, status string) error
}
