package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// InflightKey is the sorted set of tasks still awaiting a terminal status.
const InflightKey = "tasks:inflight"

const defaultBatch = 100

// PollFunc checks one task; terminal results untrack it.
type PollFunc func(ctx context.Context, taskID string) error

// Scheduler keeps charged tasks polled until they reach a terminal state,
// even if the client that created them never polls again.
type Scheduler struct {
	rdb      redis.UniversalClient
	interval time.Duration
	lease    time.Duration
	batch    int
	log      *zap.Logger
	now      func() time.Time

	// Pre-loaded Lua scripts
	claimScript *redis.Script
	trackScript *redis.Script
}

// NewScheduler initialises the scheduler and loads Lua scripts.
// interval is the sweep cadence; lease is the minimum gap between two
// polls of the same task across all instances.
func NewScheduler(rdb redis.UniversalClient, interval, lease time.Duration, log *zap.Logger) *Scheduler {
	if log == nil {
		log = zap.NewNop()
	}
	if interval <= 0 {
		interval = 15 * time.Second
	}
	if lease <= 0 {
		lease = 2 * interval
	}
	return &Scheduler{
		rdb:         rdb,
		interval:    interval,
		lease:       lease,
		batch:       defaultBatch,
		log:         log.Named("scheduler"),
		now:         time.Now,
		claimScript: redis.NewScript(LuaClaimDue),
		trackScript: redis.NewScript(LuaTrack),
	}
}

// ─────────────────────────────────────────────
// Public API
// ─────────────────────────────────────────────

// Track registers a task; its first background poll is one interval away.
func (s *Scheduler) Track(ctx context.Context, taskID string) error {
	first := s.now().Add(s.interval).UnixMilli()
	if err := s.trackScript.Run(ctx, s.rdb, []string{InflightKey}, first, taskID).Err(); err != nil {
		return fmt.Errorf("track task: %w", err)
	}
	return nil
}

// Untrack removes a task from background polling.
func (s *Scheduler) Untrack(ctx context.Context, taskID string) error {
	return s.rdb.ZRem(ctx, InflightKey, taskID).Err()
}

// ClaimDue returns up to one batch of task ids due for polling and leases
// them to this instance.
func (s *Scheduler) ClaimDue(ctx context.Context) ([]string, error) {
	now := s.now().UnixMilli()
	return s.claimScript.Run(ctx, s.rdb, []string{InflightKey}, now, s.lease.Milliseconds(), s.batch).StringSlice()
}

// Pending returns the number of tracked tasks.
func (s *Scheduler) Pending(ctx context.Context) (int64, error) {
	return s.rdb.ZCard(ctx, InflightKey).Result()
}

// ─────────────────────────────────────────────
// Sweeper (background goroutine)
// ─────────────────────────────────────────────

// StartSweeper periodically claims due tasks and polls them.
// It runs until ctx is cancelled.
func (s *Scheduler) StartSweeper(ctx context.Context, poll PollFunc) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.log.Info("task sweeper started", zap.Duration("interval", s.interval), zap.Duration("lease", s.lease))
	for {
		select {
		case <-ctx.Done():
			s.log.Info("task sweeper stopped")
			return
		case <-ticker.C:
			s.Sweep(ctx, poll)
		}
	}
}

// Sweep runs one claim-and-poll round and returns how many tasks it polled.
func (s *Scheduler) Sweep(ctx context.Context, poll PollFunc) int {
	ids, err := s.ClaimDue(ctx)
	if err != nil {
		s.log.Warn("claim due tasks failed", zap.Error(err))
		return 0
	}
	for _, id := range ids {
		if err := poll(ctx, id); err != nil {
			s.log.Warn("poll task failed", zap.String("task_id", id), zap.Error(err))
		}
	}
	return len(ids)
}
