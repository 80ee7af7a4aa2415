package ledger

import (
	"errors"

	"gorm.io/gorm"

	"github.com/taskmgr818/magic-points/internal/catalog"
)

type opRecord struct {
	name   string
	points int64
}

// txLedger applies mutations on one open transaction and remembers what it
// wrote so the service can publish after commit.
type txLedger struct {
	s       *ledgerService
	tx      *gorm.DB
	entries []Entry
	ops     []opRecord
}

func (l *txLedger) Consume(userID string, action catalog.Action, override *int64) (*Receipt, error) {
	cost, err := l.s.resolve(action, override)
	if err != nil {
		return nil, err
	}
	r, err := l.apply(userID, string(action), -cost, cost, "", "")
	if err != nil {
		return nil, err
	}
	l.ops = append(l.ops, opRecord{name: "consume", points: cost})
	return r, nil
}

func (l *txLedger) Refund(req RefundRequest) (*Receipt, error) {
	if !req.Action.Valid() {
		return nil, ErrInvalidAction.WithContext("action", string(req.Action))
	}
	if req.Amount < 0 {
		return nil, ErrInvalidAmount.WithContext("amount", req.Amount)
	}

	amount := req.Amount
	if amount == 0 {
		cost, err := l.s.catalog.Lookup(req.Action)
		if err != nil {
			return nil, ErrInvalidAction.WithContext("action", string(req.Action)).Wrap(err)
		}
		amount = cost
	}
	if amount == 0 {
		// Nothing was charged for a free action, so there is nothing to return.
		return nil, ErrInvalidAmount.WithContext("action", string(req.Action))
	}

	r, err := l.apply(req.UserID, RefundAction(req.Action), amount, 0, req.Reason, req.RefID)
	if err != nil {
		return nil, err
	}
	l.ops = append(l.ops, opRecord{name: "refund", points: amount})
	return r, nil
}

func (l *txLedger) Grant(userID string, amount int64, source GrantSource, reason, refID string) (*Receipt, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount.WithContext("amount", amount)
	}
	if !source.Valid() {
		return nil, ErrInvalidAction.WithContext("source", string(source))
	}

	r, err := l.apply(userID, string(source), amount, 0, reason, refID)
	if err != nil {
		return nil, err
	}
	l.ops = append(l.ops, opRecord{name: "grant", points: amount})
	return r, nil
}

// apply performs the versioned account update plus its ledger entry.
// spent is added to total_spent; it is non-zero only for debits.
func (l *txLedger) apply(userID, action string, delta, spent int64, reason, refID string) (*Receipt, error) {
	var acc Account
	err := l.tx.Where("user_id = ?", userID).Take(&acc).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrUserNotFound.WithContext("user_id", userID)
	}
	if err != nil {
		return nil, err
	}

	after := acc.Balance + delta
	if after < 0 {
		return nil, ErrNotEnoughPoints.WithContext(
			"user_id", userID, "balance", acc.Balance, "cost", -delta)
	}

	now := l.s.now()
	res := l.tx.Model(&Account{}).
		Where("user_id = ? AND version = ?", userID, acc.Version).
		Updates(map[string]any{
			"balance":     after,
			"total_spent": acc.TotalSpent + spent,
			"version":     acc.Version + 1,
			"updated_at":  now,
		})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, errWriteConflict
	}

	entry := Entry{
		ID:            l.s.newID(now),
		UserID:        userID,
		Action:        action,
		Delta:         delta,
		BeforeBalance: acc.Balance,
		AfterBalance:  after,
		Reason:        reason,
		RefID:         refID,
		CreatedAt:     now,
	}
	if err := l.tx.Create(&entry).Error; err != nil {
		return nil, err
	}
	l.entries = append(l.entries, entry)

	amount := delta
	if amount < 0 {
		amount = -amount
	}
	return &Receipt{
		EntryID: entry.ID,
		UserID:  userID,
		Action:  action,
		Amount:  amount,
		Before:  acc.Balance,
		After:   after,
	}, nil
}
