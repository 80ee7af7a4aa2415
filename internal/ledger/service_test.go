package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/taskmgr818/magic-points/internal/catalog"
	"github.com/taskmgr818/magic-points/internal/metrics"
)

type recordingPublisher struct {
	mu   sync.Mutex
	keys []string
}

func (p *recordingPublisher) Publish(_ context.Context, key string, _ any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.keys = append(p.keys, key)
	return nil
}

func (p *recordingPublisher) Close() {}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.keys)
}

func setupDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, db.AutoMigrate(&Account{}, &Entry{}))
	return db
}

func seedAccount(t *testing.T, db *gorm.DB, userID string, balance int64) {
	t.Helper()
	require.NoError(t, OpenAccount(db, userID))
	if balance > 0 {
		require.NoError(t, db.Model(&Account{}).Where("user_id = ?", userID).Update("balance", balance).Error)
	}
}

func newTestService(t *testing.T, db *gorm.DB, costs map[catalog.Action]int64) (Service, *recordingPublisher) {
	t.Helper()
	cat, err := catalog.New(costs)
	require.NoError(t, err)
	pub := &recordingPublisher{}
	return NewService(Params{DB: db, Catalog: cat, Publisher: pub}), pub
}

func ptr(v int64) *int64 { return &v }

func TestConsume_SequentialScenario(t *testing.T) {
	db := setupDB(t)
	seedAccount(t, db, "u1", 20)
	svc, _ := newTestService(t, db, map[catalog.Action]int64{catalog.GenerateImage: 10})
	ctx := context.Background()

	r, err := svc.Consume(ctx, "u1", catalog.GenerateImage, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(20), r.Before)
	assert.Equal(t, int64(10), r.After)
	assert.Equal(t, int64(10), r.Amount)

	r, err = svc.Consume(ctx, "u1", catalog.GenerateImage, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(0), r.After)

	_, err = svc.Consume(ctx, "u1", catalog.GenerateImage, nil)
	assert.ErrorIs(t, err, ErrNotEnoughPoints)

	bal, err := svc.GetBalance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), bal)

	acc, err := svc.GetAccount(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(20), acc.TotalSpent)
}

func TestConsume_RejectionLeavesNoTrace(t *testing.T) {
	db := setupDB(t)
	seedAccount(t, db, "u1", 5)
	svc, pub := newTestService(t, db, nil)
	ctx := context.Background()

	_, err := svc.Consume(ctx, "u1", catalog.GenerateImage, nil)
	assert.ErrorIs(t, err, ErrNotEnoughPoints)

	_, err = svc.Consume(ctx, "u1", catalog.Action("teleport"), nil)
	assert.ErrorIs(t, err, ErrInvalidAction)

	_, err = svc.Consume(ctx, "u1", catalog.CustomDeduction, ptr(-3))
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, err = svc.Consume(ctx, "ghost", catalog.GenerateImage, nil)
	assert.ErrorIs(t, err, ErrUserNotFound)

	acc, err := svc.GetAccount(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(5), acc.Balance)
	assert.Equal(t, int64(0), acc.TotalSpent)
	assert.Equal(t, int64(0), acc.Version)

	logs, err := svc.GetLogs(ctx, "u1", 0)
	require.NoError(t, err)
	assert.Empty(t, logs)
	assert.Zero(t, pub.count())
}

func TestConsume_OverrideWins(t *testing.T) {
	db := setupDB(t)
	seedAccount(t, db, "u1", 100)
	svc, _ := newTestService(t, db, nil)

	r, err := svc.Consume(context.Background(), "u1", catalog.PortfolioScanner, ptr(0))
	require.NoError(t, err)
	assert.Equal(t, int64(0), r.Amount)
	assert.Equal(t, int64(100), r.After)
}

func TestConsume_ConcurrentOnlyOneFits(t *testing.T) {
	db := setupDB(t)
	seedAccount(t, db, "u1", 20)
	svc, _ := newTestService(t, db, nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	var successes, rejected atomic.Int32
	afters := make(chan int64, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, err := svc.Consume(ctx, "u1", catalog.CustomDeduction, ptr(15))
			switch {
			case err == nil:
				successes.Add(1)
				afters <- r.After
			case errors.Is(err, ErrNotEnoughPoints):
				rejected.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	close(afters)

	assert.Equal(t, int32(1), successes.Load())
	assert.Equal(t, int32(1), rejected.Load())
	assert.Equal(t, int64(5), <-afters)

	bal, err := svc.GetBalance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(5), bal)
}

func TestConsume_ConcurrentNoLostUpdates(t *testing.T) {
	db := setupDB(t)
	seedAccount(t, db, "u1", 10)
	svc, _ := newTestService(t, db, nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	var successes atomic.Int32
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := svc.Consume(ctx, "u1", catalog.CustomDeduction, ptr(1)); err == nil {
				successes.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(10), successes.Load())
	bal, err := svc.GetBalance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), bal)

	logs, err := svc.GetLogs(ctx, "u1", MaxLogLimit)
	require.NoError(t, err)
	assert.Len(t, logs, 10)
}

func TestRefund_RoundTrip(t *testing.T) {
	db := setupDB(t)
	seedAccount(t, db, "u1", 100)
	svc, _ := newTestService(t, db, nil)
	ctx := context.Background()

	r, err := svc.Consume(ctx, "u1", catalog.GenerateVideo, nil)
	require.NoError(t, err)

	refund, err := svc.Refund(ctx, RefundRequest{
		UserID: "u1", Action: catalog.GenerateVideo, Amount: r.Amount, Reason: "provider failed", RefID: "task-1",
	})
	require.NoError(t, err)
	assert.Equal(t, "refund_generate_video", refund.Action)
	assert.Equal(t, int64(100), refund.After)

	acc, err := svc.GetAccount(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(100), acc.Balance)
	assert.Equal(t, int64(80), acc.TotalSpent, "refund keeps historical spend")
}

func TestRefund_UsesCapturedAmountNotCurrentPrice(t *testing.T) {
	db := setupDB(t)
	seedAccount(t, db, "u1", 0)
	svc, _ := newTestService(t, db, map[catalog.Action]int64{catalog.GenerateVideo: 999})

	r, err := svc.Refund(context.Background(), RefundRequest{UserID: "u1", Action: catalog.GenerateVideo, Amount: 60})
	require.NoError(t, err)
	assert.Equal(t, int64(60), r.After)
}

func TestRefund_CatalogFallbackAndValidation(t *testing.T) {
	db := setupDB(t)
	seedAccount(t, db, "u1", 0)
	svc, _ := newTestService(t, db, nil)
	ctx := context.Background()

	r, err := svc.Refund(ctx, RefundRequest{UserID: "u1", Action: catalog.GenerateImage})
	require.NoError(t, err)
	assert.Equal(t, int64(40), r.Amount)

	_, err = svc.Refund(ctx, RefundRequest{UserID: "u1", Action: catalog.AnalyzeImage})
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, err = svc.Refund(ctx, RefundRequest{UserID: "u1", Action: "nope", Amount: 5})
	assert.ErrorIs(t, err, ErrInvalidAction)

	_, err = svc.Refund(ctx, RefundRequest{UserID: "ghost", Action: catalog.GenerateImage, Amount: 5})
	assert.ErrorIs(t, err, ErrUserNotFound)
}

func TestGrant(t *testing.T) {
	db := setupDB(t)
	seedAccount(t, db, "u1", 0)
	svc, pub := newTestService(t, db, nil)
	ctx := context.Background()

	r, err := svc.Grant(ctx, "u1", 500, GrantRedeemCode, "", "MAGIC-ABCDEFGH")
	require.NoError(t, err)
	assert.Equal(t, "redeem_code", r.Action)
	assert.Equal(t, int64(500), r.After)
	assert.Equal(t, 1, pub.count())

	_, err = svc.Grant(ctx, "u1", 0, GrantAdmin, "", "")
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, err = svc.Grant(ctx, "u1", 10, GrantSource("lottery"), "", "")
	assert.ErrorIs(t, err, ErrInvalidAction)

	_, err = svc.Grant(ctx, "ghost", 10, GrantAdmin, "", "")
	assert.ErrorIs(t, err, ErrUserNotFound)
}

func TestGetBalance_MissingAccountIsZero(t *testing.T) {
	db := setupDB(t)
	svc, _ := newTestService(t, db, nil)

	bal, err := svc.GetBalance(context.Background(), "ghost")
	require.NoError(t, err)
	assert.Equal(t, int64(0), bal)

	_, err = svc.GetAccount(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrUserNotFound)
}

func TestGetLogs_CompletenessAndOrder(t *testing.T) {
	db := setupDB(t)
	seedAccount(t, db, "u1", 0)
	svc, pub := newTestService(t, db, nil)
	ctx := context.Background()

	_, err := svc.Grant(ctx, "u1", 200, GrantSubscription, "basic", "")
	require.NoError(t, err)
	_, err = svc.Consume(ctx, "u1", catalog.GenerateImage, nil)
	require.NoError(t, err)
	_, err = svc.Consume(ctx, "u1", catalog.GenerateVideo, nil)
	require.NoError(t, err)
	_, err = svc.Refund(ctx, RefundRequest{UserID: "u1", Action: catalog.GenerateVideo, Amount: 80})
	require.NoError(t, err)
	_, err = svc.Consume(ctx, "u1", catalog.GenerateComic, nil)
	require.NoError(t, err)

	logs, err := svc.GetLogs(ctx, "u1", 0)
	require.NoError(t, err)
	require.Len(t, logs, 5)
	assert.Equal(t, 5, pub.count())

	for _, e := range logs {
		assert.Equal(t, e.BeforeBalance+e.Delta, e.AfterBalance, e.Action)
	}
	assert.Equal(t, "generate_comic", logs[0].Action)
	assert.Equal(t, "subscription_grant", logs[4].Action)

	bal, err := svc.GetBalance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, bal, logs[0].AfterBalance)

	limited, err := svc.GetLogs(ctx, "u1", 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)
	assert.Equal(t, logs[0].ID, limited[0].ID)
}

func TestRunInTx_RollsBackEverythingOnError(t *testing.T) {
	db := setupDB(t)
	seedAccount(t, db, "u1", 50)
	svc, pub := newTestService(t, db, nil)
	ctx := context.Background()

	boom := errors.New("boom")
	err := svc.RunInTx(ctx, func(tx *gorm.DB, l TxLedger) error {
		if _, err := l.Grant("u1", 100, GrantAdmin, "", ""); err != nil {
			return err
		}
		return ErrRedemptionInvalid.Wrap(boom)
	})
	assert.ErrorIs(t, err, ErrRedemptionInvalid)

	bal, err := svc.GetBalance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(50), bal)
	assert.Zero(t, pub.count())
}

func TestRunInTx_RetriesConflictsThenFails(t *testing.T) {
	db := setupDB(t)
	seedAccount(t, db, "u1", 50)
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	svc := NewService(Params{DB: db, Metrics: m, MaxAttempts: 3})

	var calls int
	err := svc.RunInTx(context.Background(), func(tx *gorm.DB, l TxLedger) error {
		calls++
		return errWriteConflict
	})
	assert.ErrorIs(t, err, ErrTransactionFailed)
	assert.ErrorIs(t, err, errWriteConflict)
	assert.Equal(t, 3, calls)

	assert.Equal(t, 3.0, counterValue(t, reg, "points_ledger_tx_retries_total", nil))
}

func TestRunInTx_RecoversAfterTransientConflict(t *testing.T) {
	db := setupDB(t)
	seedAccount(t, db, "u1", 50)
	svc, _ := newTestService(t, db, nil)

	var calls int
	err := svc.RunInTx(context.Background(), func(tx *gorm.DB, l TxLedger) error {
		calls++
		if calls == 1 {
			return &pgconn.PgError{Code: "40001"}
		}
		_, err := l.Consume("u1", catalog.GenerateImage, nil)
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)

	bal, err := svc.GetBalance(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(10), bal)
}

// interleaveAccountWrite runs write once, right before the next versioned
// UPDATE of the accounts table, after that update's read has happened.
func interleaveAccountWrite(t *testing.T, db *gorm.DB, write func(tx *gorm.DB)) {
	t.Helper()
	var armed atomic.Bool
	armed.Store(true)
	require.NoError(t, db.Callback().Update().Before("gorm:update").Register("test:interleave", func(tx *gorm.DB) {
		if tx.Statement.Table == "accounts" && armed.CompareAndSwap(true, false) {
			write(tx)
		}
	}))
}

func TestApply_StaleVersionIsAConflict(t *testing.T) {
	db := setupDB(t)
	seedAccount(t, db, "u1", 100)
	svc, _ := newTestService(t, db, nil)

	// Another writer commits a debit between our read and our update.
	interleaveAccountWrite(t, db, func(*gorm.DB) {
		require.NoError(t, db.Exec(
			"UPDATE accounts SET balance = balance - 30, version = version + 1 WHERE user_id = ?", "u1").Error)
	})

	l := &txLedger{s: svc.(*ledgerService), tx: db}
	_, err := l.Consume("u1", catalog.GenerateImage, nil)
	assert.ErrorIs(t, err, errWriteConflict)
	assert.Empty(t, l.entries)

	var acc Account
	require.NoError(t, db.Where("user_id = ?", "u1").Take(&acc).Error)
	assert.Equal(t, int64(70), acc.Balance, "the committed write survives")
	assert.Equal(t, int64(0), acc.TotalSpent)

	var entries int64
	require.NoError(t, db.Model(&Entry{}).Count(&entries).Error)
	assert.Zero(t, entries)
}

func TestConsume_RetriesRealVersionConflict(t *testing.T) {
	db := setupDB(t)
	seedAccount(t, db, "u1", 100)
	reg := prometheus.NewRegistry()
	cat, err := catalog.New(nil)
	require.NoError(t, err)
	svc := NewService(Params{DB: db, Catalog: cat, Metrics: metrics.New(reg)})

	// Bumping the version inside the first attempt makes its versioned
	// UPDATE match no row; the rerun reads fresh state and succeeds.
	interleaveAccountWrite(t, db, func(tx *gorm.DB) {
		require.NoError(t, tx.Session(&gorm.Session{NewDB: true}).Exec(
			"UPDATE accounts SET version = version + 1 WHERE user_id = ?", "u1").Error)
	})

	r, err := svc.Consume(context.Background(), "u1", catalog.GenerateImage, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(100), r.Before)
	assert.Equal(t, int64(60), r.After)
	assert.Equal(t, 1.0, counterValue(t, reg, "points_ledger_tx_retries_total", nil))

	logs, err := svc.GetLogs(context.Background(), "u1", 0)
	require.NoError(t, err)
	assert.Len(t, logs, 1)
}

func counterValue(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	mfs, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range mfs {
		if mf.GetName() != name {
			continue
		}
	metricLoop:
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if want, ok := labels[lp.GetName()]; ok && want != lp.GetValue() {
					continue metricLoop
				}
			}
			return m.GetCounter().GetValue()
		}
	}
	return 0
}

func TestMetricsCountOutcomes(t *testing.T) {
	db := setupDB(t)
	seedAccount(t, db, "u1", 40)
	reg := prometheus.NewRegistry()
	svc := NewService(Params{DB: db, Metrics: metrics.New(reg)})
	ctx := context.Background()

	_, err := svc.Consume(ctx, "u1", catalog.GenerateImage, nil)
	require.NoError(t, err)
	_, err = svc.Consume(ctx, "u1", catalog.GenerateImage, nil)
	require.Error(t, err)

	ops := "points_ledger_operations_total"
	assert.Equal(t, 1.0, counterValue(t, reg, ops, map[string]string{"op": "consume", "outcome": "success"}))
	assert.Equal(t, 1.0, counterValue(t, reg, ops, map[string]string{"op": "consume", "outcome": "rejected"}))
	assert.Equal(t, 40.0, counterValue(t, reg, "points_ledger_points_total", map[string]string{"op": "consume"}))
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, isRetryable(errWriteConflict))
	assert.True(t, isRetryable(fmt.Errorf("wrap: %w", &pgconn.PgError{Code: "40P01"})))
	assert.False(t, isRetryable(&pgconn.PgError{Code: "23505"}))
	assert.True(t, isRetryable(errors.New("database is locked (5) (SQLITE_BUSY)")))
	assert.False(t, isRetryable(errors.New("connection refused")))
}

func TestDomainError(t *testing.T) {
	err := ErrNotEnoughPoints.WithContext("balance", 5)
	assert.ErrorIs(t, err, ErrNotEnoughPoints)
	assert.NotErrorIs(t, err, ErrUserNotFound)
	assert.Contains(t, err.Error(), "NOT_ENOUGH_POINTS")
	assert.Empty(t, ErrNotEnoughPoints.Context, "base error must not be mutated")

	msg := ErrRedemptionInvalid.WithMessage("Code already used")
	assert.Equal(t, "Code already used", msg.Message)
	assert.Equal(t, "Invalid Code", ErrRedemptionInvalid.Message)

	code, ok := CodeOf(fmt.Errorf("outer: %w", msg))
	assert.True(t, ok)
	assert.Equal(t, CodeRedemptionInvalid, code)
}
