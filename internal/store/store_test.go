package store

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/taskmgr818/magic-points/internal/config"
	"github.com/taskmgr818/magic-points/internal/task"
)

func openMemory(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	return db
}

func TestNew_MigratesAllModels(t *testing.T) {
	s, err := New(openMemory(t), nil)
	require.NoError(t, err)
	defer s.Close()

	for _, table := range []string{"users", "accounts", "ledger_entries", "referral_codes", "video_tasks", "media_records"} {
		assert.True(t, s.DB().Migrator().HasTable(table), table)
	}
	assert.NoError(t, s.Ping())
}

func TestAppendMedia_FlushedOnClose(t *testing.T) {
	s, err := New(openMemory(t), nil)
	require.NoError(t, err)

	s.AppendMedia(task.MediaRecord{
		ID: "m1", UserID: "u1", Kind: task.KindAnimation, URL: "https://cdn/v.mp4", TaskID: "t1", CreatedAt: time.Now(),
	})

	// Close drains the queue before closing the pool, so read through a
	// fresh handle on the same shared-cache database.
	reader := openMemory(t)
	defer func() {
		sqlDB, _ := reader.DB()
		_ = sqlDB.Close()
	}()
	require.NoError(t, s.Close())

	var recs []task.MediaRecord
	require.NoError(t, reader.Where("user_id = ?", "u1").Find(&recs).Error)
	require.Len(t, recs, 1)
	assert.Equal(t, "t1", recs[0].TaskID)
}

func TestListMedia(t *testing.T) {
	s, err := New(openMemory(t), nil)
	require.NoError(t, err)
	defer s.Close()

	now := time.Now()
	for i := 0; i < 3; i++ {
		require.NoError(t, s.DB().Create(&task.MediaRecord{
			ID: fmt.Sprintf("m%d", i), UserID: "u1", Kind: task.KindAnimation, CreatedAt: now.Add(time.Duration(i) * time.Second),
		}).Error)
	}

	recs, err := s.ListMedia(context.Background(), "u1", 2)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "m2", recs[0].ID)
}

func TestAppendMedia_AfterCloseIsDropped(t *testing.T) {
	s, err := New(openMemory(t), nil)
	require.NoError(t, err)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	assert.NotPanics(t, func() {
		s.AppendMedia(task.MediaRecord{ID: "late", UserID: "u1", TaskID: "t9"})
	})
}

func TestOpen_RejectsUnknownDriver(t *testing.T) {
	_, err := Open(&config.Config{DBDriver: "mysql"}, nil)
	assert.ErrorContains(t, err, "unsupported DB_DRIVER")
}

func TestOpen_SQLiteFile(t *testing.T) {
	path := t.TempDir() + "/nested/points.db"
	s, err := Open(&config.Config{DBDriver: "sqlite", SQLitePath: path}, nil)
	require.NoError(t, err)
	defer s.Close()
	assert.True(t, s.DB().Migrator().HasTable("accounts"))
}
