package subscription

import (
	"context"
	"errors"
	"math/rand/v2"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/taskmgr818/magic-points/internal/auth"
	"github.com/taskmgr818/magic-points/internal/ledger"
)

// CheckinRange is the random reward range for explorer users.
type CheckinRange struct {
	Min int64
	Max int64
}

type subscriptionService struct {
	ledger  ledger.Service
	checkin CheckinRange
	log     *zap.Logger
	now     func() time.Time
	randN   func(n int64) int64
}

// NewService creates a subscription Service.
func NewService(l ledger.Service, checkin CheckinRange, log *zap.Logger) Service {
	if log == nil {
		log = zap.NewNop()
	}
	if checkin.Min > checkin.Max {
		checkin.Min, checkin.Max = checkin.Max, checkin.Min
	}
	return &subscriptionService{
		ledger:  l,
		checkin: checkin,
		log:     log.Named("subscription"),
		now:     func() time.Time { return time.Now().UTC() },
		randN:   rand.Int64N,
	}
}

func (s *subscriptionService) Plans() []Plan { return sortedByPrice(plans) }

func (s *subscriptionService) TopUps() []Plan { return sortedByPrice(topUps) }

func (s *subscriptionService) Subscribe(ctx context.Context, p Purchase) (*Result, error) {
	if strings.TrimSpace(p.PaymentID) == "" {
		return nil, ledger.ErrInvalidRequest.WithMessage("Missing payment id")
	}
	if p.Platform == "" {
		p.Platform = "web"
	}

	plan, isPlan := LookupPlan(p.PlanID)
	pack, isTopUp := LookupTopUp(p.PlanID)
	if !isPlan && !isTopUp {
		return nil, ledger.ErrInvalidAction.WithMessage("Invalid plan id").WithContext("plan_id", p.PlanID)
	}

	var result *Result
	err := s.ledger.RunInTx(ctx, func(tx *gorm.DB, l ledger.TxLedger) error {
		result = nil
		// Every fulfilment touches the account row, so a concurrent replay
		// conflicts on its version and sees this entry on retry.
		var seen int64
		if err := tx.Model(&ledger.Entry{}).
			Where("ref_id = ? AND action IN ?", p.PaymentID,
				[]string{string(ledger.GrantSubscription), string(ledger.GrantTopUp)}).
			Count(&seen).Error; err != nil {
			return err
		}
		if seen > 0 {
			return ErrPaymentReplayed.WithContext("payment_id", p.PaymentID)
		}

		if isTopUp {
			receipt, err := l.Grant(p.UserID, pack.Points, ledger.GrantTopUp, "Top-Up Pack", p.PaymentID)
			if err != nil {
				return err
			}
			result = &Result{PlanID: pack.ID, TopUp: pack.Points, PointsAdded: pack.Points, Balance: receipt.After}
			return nil
		}

		receipt, err := l.Grant(p.UserID, plan.Points, ledger.GrantSubscription, "Subscribed to "+plan.Name, p.PaymentID)
		if err != nil {
			return err
		}

		now := s.now()
		res := tx.Model(&auth.User{}).Where("id = ?", p.UserID).Updates(map[string]any{
			"plan":          plan.Tier,
			"plan_id":       plan.ID,
			"platform":      p.Platform,
			"subscribed_at": now,
			"updated_at":    now,
		})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ledger.ErrUserNotFound.WithContext("user_id", p.UserID)
		}

		pl := plan
		result = &Result{PlanID: plan.ID, Plan: &pl, PointsAdded: plan.Points, Balance: receipt.After}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("purchase fulfilled",
		zap.String("user_id", p.UserID), zap.String("plan_id", p.PlanID),
		zap.String("payment_id", p.PaymentID), zap.String("platform", p.Platform),
		zap.Int64("points", result.PointsAdded))
	return result, nil
}

// Checkin claims today's reward. The users row is updated conditionally on
// the previously observed checkin time, so concurrent claims grant once.
func (s *subscriptionService) Checkin(ctx context.Context, userID string) (*CheckinResult, error) {
	var result *CheckinResult
	err := s.ledger.RunInTx(ctx, func(tx *gorm.DB, l ledger.TxLedger) error {
		result = nil
		var user auth.User
		if err := tx.Where("id = ?", userID).Take(&user).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ledger.ErrUserNotFound.WithContext("user_id", userID)
			}
			return err
		}

		now := s.now()
		today := startOfDay(now)
		streak := 1
		if user.LastCheckinAt != nil {
			last := startOfDay(*user.LastCheckinAt)
			switch {
			case !last.Before(today):
				return ErrAlreadyCheckedIn
			case last.Equal(today.AddDate(0, 0, -1)):
				streak = user.CheckinStreak + 1
			}
		}

		q := tx.Model(&auth.User{}).Where("id = ?", userID)
		if user.LastCheckinAt == nil {
			q = q.Where("last_checkin_at IS NULL")
		} else {
			q = q.Where("last_checkin_at = ?", *user.LastCheckinAt)
		}
		res := q.Updates(map[string]any{
			"last_checkin_at": now,
			"checkin_streak":  streak,
			"updated_at":      now,
		})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrAlreadyCheckedIn
		}

		reward := s.rewardFor(user.Plan)
		receipt, err := l.Grant(userID, reward, ledger.GrantCheckin, "Daily checkin", today.Format(time.DateOnly))
		if err != nil {
			return err
		}

		result = &CheckinResult{
			Reward:   reward,
			Balance:  receipt.After,
			Streak:   streak,
			DayCycle: (streak-1)%7 + 1,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *subscriptionService) rewardFor(tier string) int64 {
	if r, ok := tierCheckinReward[tier]; ok {
		return r
	}
	lo, hi := s.checkin.Min, s.checkin.Max
	if lo < 1 {
		lo = 1
	}
	if hi <= lo {
		return lo
	}
	return lo + s.randN(hi-lo+1)
}
