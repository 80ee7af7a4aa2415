package task

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/taskmgr818/magic-points/internal/catalog"
	"github.com/taskmgr818/magic-points/internal/events"
	"github.com/taskmgr818/magic-points/internal/ledger"
	"github.com/taskmgr818/magic-points/internal/metrics"
)

// Hook ties the ledger to the lifecycle of provider jobs:
//
//	consume → provider create → persist → track
//	poll → SUCCEEDED: migrate result | FAILED: refund once
type Hook struct {
	db        *gorm.DB
	ledger    ledger.Service
	provider  Provider
	migrator  Migrator
	tracker   Tracker
	history   HistoryWriter
	publisher events.Publisher
	metrics   *metrics.Metrics
	log       *zap.Logger
	now       func() time.Time

	maxRefundAttempts int
}

const defaultMaxRefundAttempts = 5

// HookParams wires a Hook. Tracker, History, Publisher, Metrics and Logger
// are optional.
type HookParams struct {
	DB        *gorm.DB
	Ledger    ledger.Service
	Provider  Provider
	Migrator  Migrator
	Tracker   Tracker
	History   HistoryWriter
	Publisher events.Publisher
	Metrics   *metrics.Metrics
	Logger    *zap.Logger

	// MaxRefundAttempts bounds refund retries of a FAILED task before it
	// is left for manual reconciliation. Zero means 5.
	MaxRefundAttempts int
}

// NewHook creates the task lifecycle hook.
func NewHook(p HookParams) *Hook {
	h := &Hook{
		db:        p.DB,
		ledger:    p.Ledger,
		provider:  p.Provider,
		migrator:  p.Migrator,
		tracker:   p.Tracker,
		history:   p.History,
		publisher: p.Publisher,
		metrics:   p.Metrics,
		log:       p.Logger,
		now:       func() time.Time { return time.Now().UTC() },

		maxRefundAttempts: p.MaxRefundAttempts,
	}
	if h.maxRefundAttempts < 1 {
		h.maxRefundAttempts = defaultMaxRefundAttempts
	}
	if h.log == nil {
		h.log = zap.NewNop()
	}
	h.log = h.log.Named("task")
	if h.publisher == nil {
		h.publisher = events.NewFallback(h.log)
	}
	if h.migrator == nil {
		h.migrator = PassthroughMigrator{}
	}
	return h
}

// ─────────────────────────────────────────────
// Create
// ─────────────────────────────────────────────

// Create charges the user and starts a provider job. If the provider call
// fails the captured cost is refunded before the error is returned; a
// rejected charge never reaches the provider.
func (h *Hook) Create(ctx context.Context, req CreateRequest) (*CreateResult, error) {
	if strings.TrimSpace(req.ImageRef) == "" || strings.TrimSpace(req.Prompt) == "" {
		return nil, ErrInvalidRequest
	}

	receipt, err := h.ledger.Consume(ctx, req.UserID, catalog.GenerateVideo, nil)
	if err != nil {
		return nil, err
	}
	h.log.Info("charged for task", zap.String("user_id", req.UserID), zap.Int64("cost", receipt.Amount))

	created, err := h.provider.CreateTask(ctx, Params{
		UserID:      req.UserID,
		ImageRef:    req.ImageRef,
		Prompt:      req.Prompt,
		CameraFixed: req.CameraFixed,
	})
	if err != nil {
		h.compensate(ctx, req, receipt, "", "provider create failed")
		return nil, fmt.Errorf("%w: create task: %w", ErrProvider, err)
	}

	now := h.now()
	vt := VideoTask{
		TaskID:   created.TaskID,
		UserID:   req.UserID,
		Action:   string(catalog.GenerateVideo),
		Cost:     receipt.Amount,
		Status:   StatusPending,
		Provider: created.Provider,
		Prompt:   req.Prompt,
		Meta: datatypes.JSONMap{
			"original_image_ref": truncateRef(req.ImageRef),
			"camera_fixed":       req.CameraFixed,
			"charge_entry_id":    receipt.EntryID,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := h.db.WithContext(ctx).Create(&vt).Error; err != nil {
		// Without a local row a later FAILED could never be refunded.
		h.compensate(ctx, req, receipt, created.TaskID, "task persist failed")
		return nil, fmt.Errorf("persist video task: %w", err)
	}

	if h.tracker != nil {
		if err := h.tracker.Track(ctx, vt.TaskID); err != nil {
			h.log.Warn("track task failed", zap.String("task_id", vt.TaskID), zap.Error(err))
		}
	}

	return &CreateResult{
		TaskID:   vt.TaskID,
		Provider: vt.Provider,
		Cost:     receipt.Amount,
		Balance:  receipt.After,
	}, nil
}

func (h *Hook) compensate(ctx context.Context, req CreateRequest, receipt *ledger.Receipt, taskID, reason string) {
	if receipt.Amount == 0 {
		return
	}
	_, err := h.ledger.Refund(context.WithoutCancel(ctx), ledger.RefundRequest{
		UserID: req.UserID,
		Action: catalog.GenerateVideo,
		Amount: receipt.Amount,
		Reason: reason,
		RefID:  taskID,
	})
	if err != nil {
		h.metrics.TaskRefund(metrics.OutcomeError)
		h.log.Error("compensating refund failed",
			zap.String("user_id", req.UserID), zap.Int64("amount", receipt.Amount), zap.Error(err))
		return
	}
	h.metrics.TaskRefund(metrics.OutcomeSuccess)
	h.log.Info("compensating refund issued",
		zap.String("user_id", req.UserID), zap.Int64("amount", receipt.Amount), zap.String("reason", reason))
}

// ─────────────────────────────────────────────
// Status
// ─────────────────────────────────────────────

// Status polls the provider and applies the local effects of the reported
// state. Repeated polls of a terminal state are no-ops for the ledger.
func (h *Hook) Status(ctx context.Context, taskID string) (*StatusResult, error) {
	ps, err := h.provider.GetTaskStatus(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("%w: get status: %w", ErrProvider, err)
	}
	h.metrics.TaskPoll(string(ps.Status))

	result := &StatusResult{
		TaskID:   taskID,
		Status:   ps.Status,
		VideoURL: ps.VideoURL,
		Error:    ps.Error,
	}

	var vt VideoTask
	err = h.db.WithContext(ctx).Where("task_id = ?", taskID).Take(&vt).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		// Not charged through us; relay only.
		return result, nil
	}
	if err != nil {
		return nil, err
	}
	result.Refunded = vt.Refunded

	switch ps.Status {
	case StatusSucceeded:
		h.onSucceeded(ctx, &vt, ps, result)
	case StatusFailed:
		h.onFailed(ctx, &vt, ps, result)
	default:
		h.mirror(ctx, &vt, ps.Status)
	}
	return result, nil
}

func (h *Hook) onSucceeded(ctx context.Context, vt *VideoTask, ps *ProviderStatus, result *StatusResult) {
	if vt.ResultURL != "" {
		result.VideoURL = vt.ResultURL
		h.untrack(ctx, vt.TaskID)
		return
	}
	if ps.VideoURL == "" {
		h.mirror(ctx, vt, StatusRunning)
		return
	}

	permanent, err := h.migrator.Migrate(ctx, vt.UserID, ps.VideoURL)
	if err != nil {
		// Keep tracking: the next poll retries the migration.
		h.log.Warn("result migration failed; returning transient url",
			zap.String("task_id", vt.TaskID), zap.Error(err))
		h.mirror(ctx, vt, StatusSucceeded)
		return
	}

	now := h.now()
	res := h.db.WithContext(ctx).Model(&VideoTask{}).
		Where("task_id = ? AND (result_url = '' OR result_url IS NULL)", vt.TaskID).
		Updates(map[string]any{
			"status":      StatusSucceeded,
			"result_url":  permanent,
			"finished_at": now,
			"updated_at":  now,
		})
	if res.Error != nil {
		h.log.Error("store result url failed", zap.String("task_id", vt.TaskID), zap.Error(res.Error))
		return
	}
	result.VideoURL = permanent

	if res.RowsAffected == 1 {
		if h.history != nil {
			h.history.AppendMedia(MediaRecord{
				ID:     uuid.NewString(),
				UserID: vt.UserID,
				Kind:   KindAnimation,
				URL:    permanent,
				Prompt: vt.Prompt,
				TaskID: vt.TaskID,
				Meta: datatypes.JSONMap{
					"original_image_ref": vt.Meta["original_image_ref"],
					"video_url":          permanent,
				},
				CreatedAt: now,
			})
		}
		h.publish(ctx, events.RoutingTaskSucceeded, vt.TaskID, vt.UserID, 0)
	}
	h.untrack(ctx, vt.TaskID)
}

func (h *Hook) onFailed(ctx context.Context, vt *VideoTask, ps *ProviderStatus, result *StatusResult) {
	var refunded int64
	var flipped bool
	err := h.ledger.RunInTx(ctx, func(tx *gorm.DB, l ledger.TxLedger) error {
		refunded, flipped = 0, false
		now := h.now()
		res := tx.Model(&VideoTask{}).
			Where("task_id = ? AND refunded = ?", vt.TaskID, false).
			Updates(map[string]any{
				"refunded":    true,
				"status":      StatusFailed,
				"error":       ps.Error,
				"finished_at": now,
				"updated_at":  now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil // already refunded by an earlier poll
		}
		flipped = true

		if vt.Cost == 0 {
			return nil
		}
		if _, err := l.Refund(ledger.RefundRequest{
			UserID: vt.UserID,
			Action: catalog.Action(vt.Action),
			Amount: vt.Cost,
			Reason: "task failed",
			RefID:  vt.TaskID,
		}); err != nil {
			return err
		}
		refunded = vt.Cost
		return nil
	})
	if err != nil {
		h.refundFailed(ctx, vt, ps, err)
		return
	}

	result.Refunded = true
	if !flipped {
		h.metrics.TaskRefund(metrics.OutcomeSkipped)
		h.untrack(ctx, vt.TaskID)
		return
	}

	h.metrics.TaskRefund(metrics.OutcomeSuccess)
	result.RefundedAmount = refunded
	h.log.Info("refunded failed task",
		zap.String("task_id", vt.TaskID), zap.String("user_id", vt.UserID), zap.Int64("amount", refunded))
	h.publish(ctx, events.RoutingTaskFailed, vt.TaskID, vt.UserID, refunded)
	h.untrack(ctx, vt.TaskID)
}

// refundFailed counts a failed refund. Domain rejections such as a deleted
// account cannot succeed on retry, so they stop tracking at once; other
// errors stop after maxRefundAttempts. The task stays unrefunded either
// way, so a later user poll or an admin refund can still settle it.
func (h *Hook) refundFailed(ctx context.Context, vt *VideoTask, ps *ProviderStatus, cause error) {
	attempts := vt.RefundAttempts + 1
	var de *ledger.DomainError
	permanent := errors.As(cause, &de) && de.Code != ledger.CodeTransactionFailed
	abandon := permanent || attempts >= h.maxRefundAttempts

	now := h.now()
	updates := map[string]any{"refund_attempts": attempts, "updated_at": now}
	if abandon {
		updates["status"] = StatusFailed
		updates["error"] = ps.Error
		updates["finished_at"] = now
	}
	err := h.db.WithContext(context.WithoutCancel(ctx)).Model(&VideoTask{}).
		Where("task_id = ? AND refunded = ?", vt.TaskID, false).
		Updates(updates).Error
	if err != nil {
		h.log.Warn("record refund attempt failed", zap.String("task_id", vt.TaskID), zap.Error(err))
	}

	fields := []zap.Field{
		zap.String("task_id", vt.TaskID), zap.String("user_id", vt.UserID),
		zap.Int64("amount", vt.Cost), zap.Int("attempts", attempts), zap.Error(cause),
	}
	if !abandon {
		h.metrics.TaskRefund(metrics.OutcomeError)
		h.log.Error("task refund failed; will retry", fields...)
		return
	}
	h.metrics.TaskRefund(metrics.OutcomeAbandon)
	h.log.Error("task refund abandoned; needs manual refund", fields...)
	h.untrack(ctx, vt.TaskID)
}

// Find returns the locally recorded task, or nil when the task was not
// created through this service.
func (h *Hook) Find(ctx context.Context, taskID string) (*VideoTask, error) {
	var vt VideoTask
	err := h.db.WithContext(ctx).Where("task_id = ?", taskID).Take(&vt).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &vt, nil
}

// mirror records a non-terminal provider status locally.
func (h *Hook) mirror(ctx context.Context, vt *VideoTask, status Status) {
	if vt.Status == status || vt.Status.Terminal() {
		return
	}
	err := h.db.WithContext(ctx).Model(&VideoTask{}).
		Where("task_id = ? AND status = ?", vt.TaskID, vt.Status).
		Updates(map[string]any{"status": status, "updated_at": h.now()}).Error
	if err != nil {
		h.log.Warn("mirror task status failed", zap.String("task_id", vt.TaskID), zap.Error(err))
	}
}

func (h *Hook) untrack(ctx context.Context, taskID string) {
	if h.tracker == nil {
		return
	}
	if err := h.tracker.Untrack(ctx, taskID); err != nil {
		h.log.Warn("untrack task failed", zap.String("task_id", taskID), zap.Error(err))
	}
}

type taskEvent struct {
	TaskID   string `json:"task_id"`
	UserID   string `json:"user_id"`
	Refunded int64  `json:"refunded,omitempty"`
}

func (h *Hook) publish(ctx context.Context, key, taskID, userID string, refunded int64) {
	if err := h.publisher.Publish(ctx, key, taskEvent{TaskID: taskID, UserID: userID, Refunded: refunded}); err != nil {
		h.log.Warn("publish task event failed", zap.String("task_id", taskID), zap.Error(err))
	}
}

// truncateRef keeps data URLs out of the meta column.
func truncateRef(ref string) string {
	if strings.HasPrefix(ref, "data:") {
		if i := strings.Index(ref, ","); i > 0 {
			return ref[:i] + ",…"
		}
	}
	return ref
}

// ─────────────────────────────────────────────
// PassthroughMigrator
// ─────────────────────────────────────────────

// PassthroughMigrator keeps the provider URL as the permanent one. It is
// used when no object storage is configured.
type PassthroughMigrator struct{}

func (PassthroughMigrator) Migrate(_ context.Context, _ string, transientURL string) (string, error) {
	return transientURL, nil
}
