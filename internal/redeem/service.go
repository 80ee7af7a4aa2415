package redeem

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"slices"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/taskmgr818/magic-points/internal/ledger"
	"github.com/taskmgr818/magic-points/internal/metrics"
)

var errCodeUsed = ledger.ErrRedemptionInvalid.WithMessage("Code already used")

// ─────────────────────────────────────────────
// redeemService implements Service
// ─────────────────────────────────────────────

type redeemService struct {
	db      *gorm.DB
	ledger  ledger.Service
	metrics *metrics.Metrics
	log     *zap.Logger
}

// NewService creates a redemption Service. m and log may be nil.
func NewService(db *gorm.DB, l ledger.Service, m *metrics.Metrics, log *zap.Logger) Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &redeemService{db: db, ledger: l, metrics: m, log: log.Named("redeem")}
}

func (s *redeemService) GenerateCodes(ctx context.Context, value int64, quantity int, createdBy string) ([]Code, error) {
	if !slices.Contains(AllowedValues, value) {
		return nil, ledger.ErrInvalidAmount.
			WithMessage("Invalid value. Must be 500, 1000, or 2000.").
			WithContext("value", value)
	}
	if quantity < 1 || quantity > MaxQuantity {
		return nil, ledger.ErrInvalidAmount.
			WithMessage(fmt.Sprintf("Quantity must be between 1 and %d.", MaxQuantity)).
			WithContext("quantity", quantity)
	}
	if createdBy == "" {
		createdBy = "admin"
	}

	now := time.Now().UTC()
	seen := make(map[string]struct{}, quantity)
	codes := make([]Code, 0, quantity)
	for len(codes) < quantity {
		str, err := generateCodeString()
		if err != nil {
			return nil, err
		}
		if _, dup := seen[str]; dup {
			continue
		}
		seen[str] = struct{}{}
		codes = append(codes, Code{
			Code:      str,
			Value:     value,
			Status:    StatusActive,
			CreatedBy: createdBy,
			CreatedAt: now,
		})
	}

	if err := s.db.WithContext(ctx).CreateInBatches(&codes, MaxQuantity).Error; err != nil {
		return nil, fmt.Errorf("insert referral codes: %w", err)
	}

	s.log.Info("referral codes generated",
		zap.Int64("value", value), zap.Int("quantity", quantity), zap.String("created_by", createdBy))
	return codes, nil
}

func (s *redeemService) RedeemCode(ctx context.Context, code, userID string) (*Result, error) {
	code = Normalize(code)
	if code == "" || userID == "" {
		s.metrics.Redemption(metrics.OutcomeRejected)
		return nil, ledger.ErrRedemptionInvalid.WithMessage("Code and User ID required")
	}

	var result *Result
	err := s.ledger.RunInTx(ctx, func(tx *gorm.DB, l ledger.TxLedger) error {
		result = nil
		now := time.Now().UTC()

		claim := tx.Model(&Code{}).
			Where("code = ? AND status = ?", code, StatusActive).
			Updates(map[string]any{
				"status":  StatusUsed,
				"used_by": userID,
				"used_at": now,
			})
		if claim.Error != nil {
			return claim.Error
		}
		if claim.RowsAffected == 0 {
			return lostClaim(tx, code)
		}

		var claimed Code
		if err := tx.Where("code = ?", code).Take(&claimed).Error; err != nil {
			return err
		}

		receipt, err := l.Grant(userID, claimed.Value, ledger.GrantRedeemCode, "referral code", code)
		if err != nil {
			return err
		}

		result = &Result{
			Code:        code,
			PointsAdded: claimed.Value,
			Balance:     receipt.After,
			Message:     fmt.Sprintf("Redeemed %d Points!", claimed.Value),
		}
		return nil
	})
	if err != nil {
		if _, ok := ledger.CodeOf(err); ok {
			s.metrics.Redemption(metrics.OutcomeRejected)
		} else {
			s.metrics.Redemption(metrics.OutcomeError)
		}
		s.log.Info("redemption rejected",
			zap.String("code", code), zap.String("user_id", userID), zap.Error(err))
		return nil, err
	}

	s.metrics.Redemption(metrics.OutcomeSuccess)
	return result, nil
}

func (s *redeemService) CheckCode(ctx context.Context, code string) (*CheckResult, error) {
	code = Normalize(code)
	if code == "" {
		return &CheckResult{Valid: false, Message: "Code required"}, nil
	}

	var c Code
	err := s.db.WithContext(ctx).Where("code = ?", code).Take(&c).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &CheckResult{Valid: false, Message: "Invalid Code"}, nil
	}
	if err != nil {
		return nil, err
	}
	if c.Status != StatusActive {
		return &CheckResult{Valid: false, Message: "Code already used"}, nil
	}
	return &CheckResult{
		Valid:   true,
		Value:   c.Value,
		Message: fmt.Sprintf("Valid code worth %d Points", c.Value),
	}, nil
}

// ─────────────────────────────────────────────
// Helpers
// ─────────────────────────────────────────────

// lostClaim explains why the conditional claim matched no row.
func lostClaim(tx *gorm.DB, code string) error {
	var existing Code
	err := tx.Where("code = ?", code).Take(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ledger.ErrRedemptionInvalid.WithContext("code", code)
	}
	if err != nil {
		return err
	}
	return errCodeUsed.WithContext("code", code)
}

func generateCodeString() (string, error) {
	buf := make([]byte, codeLength)
	max := big.NewInt(int64(len(codeAlphabet)))
	for i := range buf {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		buf[i] = codeAlphabet[n.Int64()]
	}
	return CodePrefix + string(buf), nil
}
