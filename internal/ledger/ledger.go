package ledger

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/taskmgr818/magic-points/internal/catalog"
)

// ─────────────────────────────────────────────
// Points Ledger
//
// One Account row per user holds the spendable balance. Every mutation
// writes exactly one immutable Entry in the same SQL transaction, so the
// log always explains the balance.
// ─────────────────────────────────────────────

// Account is a user's point balance.
type Account struct {
	UserID     string    `json:"user_id" gorm:"primaryKey;size:64"`
	Balance    int64     `json:"balance" gorm:"not null;default:0;check:chk_accounts_balance,balance >= 0"`
	TotalSpent int64     `json:"total_spent" gorm:"not null;default:0"`
	Version    int64     `json:"-" gorm:"not null;default:0"` // optimistic concurrency token
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Entry is an immutable ledger record.
type Entry struct {
	ID            string    `json:"id" gorm:"primaryKey;size:26"` // ULID
	UserID        string    `json:"user_id" gorm:"size:64;not null;index:idx_ledger_user_created,priority:1"`
	Action        string    `json:"action" gorm:"size:64;not null"`
	Delta         int64     `json:"delta"`
	BeforeBalance int64     `json:"before_balance"`
	AfterBalance  int64     `json:"after_balance"`
	Reason        string    `json:"reason,omitempty"`
	RefID         string    `json:"ref_id,omitempty" gorm:"size:128;index"`
	CreatedAt     time.Time `json:"created_at" gorm:"index:idx_ledger_user_created,priority:2"`
}

func (Entry) TableName() string { return "ledger_entries" }

// GrantSource categorises point credits that are not refunds.
type GrantSource string

const (
	GrantRedeemCode   GrantSource = "redeem_code"
	GrantSubscription GrantSource = "subscription_grant"
	GrantTopUp        GrantSource = "topup_purchase"
	GrantCheckin      GrantSource = "daily_checkin"
	GrantAdmin        GrantSource = "admin_grant"
)

// Valid reports whether s is a known grant source.
func (s GrantSource) Valid() bool {
	switch s {
	case GrantRedeemCode, GrantSubscription, GrantTopUp, GrantCheckin, GrantAdmin:
		return true
	}
	return false
}

// Receipt describes one committed mutation.
type Receipt struct {
	EntryID string `json:"entry_id"`
	UserID  string `json:"user_id"`
	Action  string `json:"action"`
	Amount  int64  `json:"amount"` // cost for consume, credit for refund/grant
	Before  int64  `json:"before_balance"`
	After   int64  `json:"after_balance"`
}

// RefundRequest credits points back for a previously consumed action.
// Amount is the captured cost; zero means "look it up in the catalog",
// which is only meant for manual admin refunds.
type RefundRequest struct {
	UserID string
	Action catalog.Action
	Amount int64
	Reason string
	RefID  string
}

// RefundAction is the entry action recorded for a refund of a.
func RefundAction(a catalog.Action) string { return "refund_" + string(a) }

// ─────────────────────────────────────────────
// Service defines the transaction engine.
// ─────────────────────────────────────────────

type Service interface {
	// GetBalance returns the spendable balance, or 0 when the user has no
	// account yet. Writes against a missing account fail instead.
	GetBalance(ctx context.Context, userID string) (int64, error)

	// GetAccount returns the account row or ErrUserNotFound.
	GetAccount(ctx context.Context, userID string) (*Account, error)

	// Consume debits the cost of action (override wins when non-nil).
	Consume(ctx context.Context, userID string, action catalog.Action, override *int64) (*Receipt, error)

	// Refund credits the captured amount back.
	Refund(ctx context.Context, req RefundRequest) (*Receipt, error)

	// Grant credits amount points from a non-refund source.
	Grant(ctx context.Context, userID string, amount int64, source GrantSource, reason, refID string) (*Receipt, error)

	// GetLogs returns the user's most recent entries, newest first.
	GetLogs(ctx context.Context, userID string, limit int) ([]Entry, error)

	// RunInTx runs fn in one SQL transaction together with any ledger
	// mutations it performs through l, retrying the whole unit on
	// write conflicts.
	RunInTx(ctx context.Context, fn TxFunc) error

	// Catalog exposes the price list the service resolves costs with.
	Catalog() *catalog.Catalog
}

// TxFunc is the unit of work passed to RunInTx. It must only use tx for
// its own writes; fn may be called more than once.
type TxFunc func(tx *gorm.DB, l TxLedger) error

// TxLedger performs ledger mutations inside a RunInTx transaction.
type TxLedger interface {
	Consume(userID string, action catalog.Action, override *int64) (*Receipt, error)
	Refund(req RefundRequest) (*Receipt, error)
	Grant(userID string, amount int64, source GrantSource, reason, refID string) (*Receipt, error)
}

// OpenAccount provisions a zero balance account inside the caller's
// transaction. It is used by user registration.
func OpenAccount(tx *gorm.DB, userID string) error {
	now := time.Now()
	return tx.Create(&Account{UserID: userID, CreatedAt: now, UpdatedAt: now}).Error
}
