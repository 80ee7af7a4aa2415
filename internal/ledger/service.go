package ledger

import (
	"context"
	"errors"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/taskmgr818/magic-points/internal/catalog"
	"github.com/taskmgr818/magic-points/internal/events"
	"github.com/taskmgr818/magic-points/internal/metrics"
)

const (
	DefaultLogLimit = 20
	MaxLogLimit     = 100

	defaultMaxAttempts = 5
	baseBackoff        = 5 * time.Millisecond
	publishTimeout     = 5 * time.Second
)

// errWriteConflict signals that the account version moved under us.
var errWriteConflict = errors.New("ledger: account version conflict")

// Params wires the ledger service.
type Params struct {
	DB          *gorm.DB
	Catalog     *catalog.Catalog
	Publisher   events.Publisher // optional
	Metrics     *metrics.Metrics // optional
	Logger      *zap.Logger      // optional
	MaxAttempts int
}

// ─────────────────────────────────────────────
// ledgerService implements Service
// ─────────────────────────────────────────────

type ledgerService struct {
	db          *gorm.DB
	catalog     *catalog.Catalog
	publisher   events.Publisher
	metrics     *metrics.Metrics
	log         *zap.Logger
	maxAttempts int
	now         func() time.Time
}

// NewService creates a ledger Service backed by the given DB.
func NewService(p Params) Service {
	s := &ledgerService{
		db:          p.DB,
		catalog:     p.Catalog,
		publisher:   p.Publisher,
		metrics:     p.Metrics,
		log:         p.Logger,
		maxAttempts: p.MaxAttempts,
		now:         func() time.Time { return time.Now().UTC() },
	}
	if s.catalog == nil {
		s.catalog = catalog.Default()
	}
	if s.log == nil {
		s.log = zap.NewNop()
	}
	if s.publisher == nil {
		s.publisher = events.NewFallback(s.log)
	}
	if s.maxAttempts < 1 {
		s.maxAttempts = defaultMaxAttempts
	}
	s.log = s.log.Named("ledger")
	return s
}

func (s *ledgerService) Catalog() *catalog.Catalog { return s.catalog }

// GetBalance returns 0 for users without an account.
func (s *ledgerService) GetBalance(ctx context.Context, userID string) (int64, error) {
	var acc Account
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).Take(&acc).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return acc.Balance, nil
}

func (s *ledgerService) GetAccount(ctx context.Context, userID string) (*Account, error) {
	var acc Account
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).Take(&acc).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrUserNotFound.WithContext("user_id", userID)
	}
	if err != nil {
		return nil, err
	}
	return &acc, nil
}

func (s *ledgerService) GetLogs(ctx context.Context, userID string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = DefaultLogLimit
	}
	if limit > MaxLogLimit {
		limit = MaxLogLimit
	}

	var entries []Entry
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Order("id DESC").
		Limit(limit).
		Find(&entries).Error
	return entries, err
}

// Consume debits the resolved cost. Cost resolution happens before any
// database access so an unknown action never touches the store.
func (s *ledgerService) Consume(ctx context.Context, userID string, action catalog.Action, override *int64) (*Receipt, error) {
	if _, err := s.resolve(action, override); err != nil {
		s.metrics.LedgerOp("consume", metrics.OutcomeRejected, 0)
		return nil, err
	}
	return s.single(ctx, "consume", func(l TxLedger) (*Receipt, error) {
		return l.Consume(userID, action, override)
	})
}

func (s *ledgerService) Refund(ctx context.Context, req RefundRequest) (*Receipt, error) {
	return s.single(ctx, "refund", func(l TxLedger) (*Receipt, error) {
		return l.Refund(req)
	})
}

func (s *ledgerService) Grant(ctx context.Context, userID string, amount int64, source GrantSource, reason, refID string) (*Receipt, error) {
	return s.single(ctx, "grant", func(l TxLedger) (*Receipt, error) {
		return l.Grant(userID, amount, source, reason, refID)
	})
}

// RunInTx retries fn as a whole on optimistic conflicts and retryable
// database errors. Domain errors returned by fn abort immediately.
func (s *ledgerService) RunInTx(ctx context.Context, fn TxFunc) error {
	var lastErr error
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		l := &txLedger{s: s}
		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			l.tx = tx
			return fn(tx, l)
		})
		if err == nil {
			s.afterCommit(ctx, l)
			return nil
		}

		var de *DomainError
		if errors.As(err, &de) {
			return err
		}
		if !isRetryable(err) {
			s.log.Error("ledger transaction failed", zap.Error(err))
			return ErrTransactionFailed.Wrap(err)
		}

		lastErr = err
		s.metrics.TxRetry()
		if attempt < s.maxAttempts {
			if werr := sleepBackoff(ctx, attempt); werr != nil {
				return ErrTransactionFailed.Wrap(werr)
			}
		}
	}

	s.log.Warn("ledger transaction retries exhausted",
		zap.Int("attempts", s.maxAttempts), zap.Error(lastErr))
	return ErrTransactionFailed.WithContext("attempts", s.maxAttempts).Wrap(lastErr)
}

// ─────────────────────────────────────────────
// Helpers
// ─────────────────────────────────────────────

func (s *ledgerService) single(ctx context.Context, op string, fn func(TxLedger) (*Receipt, error)) (*Receipt, error) {
	var receipt *Receipt
	err := s.RunInTx(ctx, func(_ *gorm.DB, l TxLedger) error {
		r, err := fn(l)
		if err != nil {
			return err
		}
		receipt = r
		return nil
	})
	if err != nil {
		s.metrics.LedgerOp(op, outcomeOf(err), 0)
		return nil, err
	}
	return receipt, nil
}

func (s *ledgerService) resolve(action catalog.Action, override *int64) (int64, error) {
	cost, err := s.catalog.Resolve(action, override)
	if err == nil {
		return cost, nil
	}
	if errors.Is(err, catalog.ErrInvalidCost) {
		return 0, ErrInvalidAmount.WithContext("action", string(action)).Wrap(err)
	}
	return 0, ErrInvalidAction.WithContext("action", string(action)).Wrap(err)
}

func (s *ledgerService) afterCommit(ctx context.Context, l *txLedger) {
	if len(l.entries) == 0 {
		return
	}
	for _, op := range l.ops {
		s.metrics.LedgerOp(op.name, metrics.OutcomeSuccess, op.points)
	}

	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()
	for _, entry := range l.entries {
		if err := s.publisher.Publish(pubCtx, events.RoutingLedgerEntry, entry); err != nil {
			s.log.Warn("publish ledger entry failed",
				zap.String("entry_id", entry.ID), zap.Error(err))
		}
	}
}

func (s *ledgerService) newID(t time.Time) string {
	return ulid.MustNew(ulid.Timestamp(t), ulid.DefaultEntropy()).String()
}

func outcomeOf(err error) string {
	code, ok := CodeOf(err)
	if ok && code != CodeTransactionFailed {
		return metrics.OutcomeRejected
	}
	return metrics.OutcomeError
}

// isRetryable reports whether the transaction may succeed when rerun.
func isRetryable(err error) bool {
	if errors.Is(err, errWriteConflict) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01": // serialization_failure, deadlock_detected
			return true
		}
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

func sleepBackoff(ctx context.Context, attempt int) error {
	d := baseBackoff << (attempt - 1)
	d += rand.N(d)
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
