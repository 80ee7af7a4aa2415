package redeem

import (
	"context"
	"strings"
	"time"
)

// ─────────────────────────────────────────────
// Referral codes
//
// Admins mint codes in bulk; a user redeems a code once for its face
// value. The active → used transition happens exactly once.
// ─────────────────────────────────────────────

// Status of a referral code.
type Status string

const (
	StatusActive Status = "active"
	StatusUsed   Status = "used"
)

const (
	CodePrefix  = "MAGIC-"
	codeLength  = 8
	MaxQuantity = 100

	// Visually unambiguous: no I, O, 0 or 1.
	codeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
)

// AllowedValues are the face values an admin may mint.
var AllowedValues = []int64{500, 1000, 2000}

// Code is a redeemable referral code.
type Code struct {
	Code      string     `json:"code" gorm:"primaryKey;size:32"`
	Value     int64      `json:"value" gorm:"not null"`
	Status    Status     `json:"status" gorm:"size:16;not null;default:active;index"`
	CreatedBy string     `json:"created_by,omitempty" gorm:"size:64"`
	UsedBy    string     `json:"used_by,omitempty" gorm:"size:64"`
	UsedAt    *time.Time `json:"used_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

func (Code) TableName() string { return "referral_codes" }

// Result is returned on a successful redemption.
type Result struct {
	Code        string `json:"code"`
	PointsAdded int64  `json:"points_added"`
	Balance     int64  `json:"balance"`
	Message     string `json:"message"`
}

// CheckResult reports whether a code could be redeemed right now.
type CheckResult struct {
	Valid   bool   `json:"valid"`
	Value   int64  `json:"value,omitempty"`
	Message string `json:"message"`
}

// Normalize trims and upper-cases user input.
func Normalize(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// Service defines the redemption subsystem.
type Service interface {
	// GenerateCodes mints quantity active codes worth value each.
	GenerateCodes(ctx context.Context, value int64, quantity int, createdBy string) ([]Code, error)

	// RedeemCode claims the code and credits its value to userID in a
	// single transaction.
	RedeemCode(ctx context.Context, code, userID string) (*Result, error)

	// CheckCode validates a code without claiming it.
	CheckCode(ctx context.Context, code string) (*CheckResult, error)
}
