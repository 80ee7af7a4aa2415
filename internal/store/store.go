package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/taskmgr818/magic-points/internal/auth"
	"github.com/taskmgr818/magic-points/internal/config"
	"github.com/taskmgr818/magic-points/internal/ledger"
	"github.com/taskmgr818/magic-points/internal/redeem"
	"github.com/taskmgr818/magic-points/internal/task"
)

// Store provides SQL persistence via GORM plus a background writer for
// records that are not on the ledger path.
type Store struct {
	db    *gorm.DB
	log   *zap.Logger
	logCh chan func() // buffered channel for async writes
	done  chan struct{}

	mu     sync.RWMutex // guards closed against late AppendMedia calls
	closed bool
}

// Models lists every persisted type, in migration order.
func Models() []any {
	return []any{
		&auth.User{},
		&ledger.Account{},
		&ledger.Entry{},
		&redeem.Code{},
		&task.VideoTask{},
		&task.MediaRecord{},
	}
}

// Open connects using the configured driver, auto-migrates schemas and
// starts the background write worker.
func Open(cfg *config.Config, log *zap.Logger) (*Store, error) {
	gcfg := &gorm.Config{Logger: logger.Default.LogMode(logger.Warn)}

	var (
		db  *gorm.DB
		err error
	)
	switch cfg.DBDriver {
	case "postgres":
		db, err = gorm.Open(postgres.Open(cfg.PostgresDSN()), gcfg)
	case "sqlite":
		if dir := filepath.Dir(cfg.SQLitePath); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create sqlite dir: %w", err)
			}
		}
		db, err = gorm.Open(sqlite.Open(cfg.SQLitePath+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"), gcfg)
	default:
		return nil, fmt.Errorf("unsupported DB_DRIVER %q", cfg.DBDriver)
	}
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	if cfg.DBDriver == "postgres" {
		// PostgreSQL works well with multiple connections
		sqlDB.SetMaxOpenConns(25)
		sqlDB.SetMaxIdleConns(5)
		sqlDB.SetConnMaxLifetime(time.Hour)
	} else {
		// SQLite serialises writers anyway
		sqlDB.SetMaxOpenConns(1)
	}

	return New(db, log)
}

// New wraps an open database, migrates it and starts the write worker.
func New(db *gorm.DB, log *zap.Logger) (*Store, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if err := db.AutoMigrate(Models()...); err != nil {
		return nil, fmt.Errorf("auto-migrate: %w", err)
	}

	s := &Store{
		db:    db,
		log:   log.Named("store"),
		logCh: make(chan func(), 1024),
		done:  make(chan struct{}),
	}
	go s.writeWorker()
	return s, nil
}

func (s *Store) writeWorker() {
	defer close(s.done)
	for fn := range s.logCh {
		fn()
	}
}

// DB returns the underlying GORM database instance.
func (s *Store) DB() *gorm.DB {
	return s.db
}

// Ping checks database connectivity.
func (s *Store) Ping() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Ping()
}

// Close drains pending async writes and closes the connection pool.
func (s *Store) Close() error {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.logCh)
	}
	s.mu.Unlock()
	<-s.done
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// ─────────────────────────────────────────────
// Async write helpers
// ─────────────────────────────────────────────

// AppendMedia records a finished generation in the user's history. Records
// arriving after Close are logged and dropped.
func (s *Store) AppendMedia(rec task.MediaRecord) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		s.log.Warn("store closed; media record dropped",
			zap.String("task_id", rec.TaskID), zap.String("user_id", rec.UserID))
		return
	}
	s.logCh <- func() {
		if err := s.db.Create(&rec).Error; err != nil {
			s.log.Error("append media record failed",
				zap.String("task_id", rec.TaskID), zap.String("user_id", rec.UserID), zap.Error(err))
		}
	}
}

// Media history page sizes.
const (
	DefaultMediaLimit = 20
	MaxMediaLimit     = 100
)

// ListMedia returns a user's most recent media records.
func (s *Store) ListMedia(ctx context.Context, userID string, limit int) ([]task.MediaRecord, error) {
	if limit <= 0 || limit > MaxMediaLimit {
		limit = DefaultMediaLimit
	}
	var recs []task.MediaRecord
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).Order("created_at DESC").Limit(limit).Find(&recs).Error
	return recs, err
}
