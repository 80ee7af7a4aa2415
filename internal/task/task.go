package task

import (
	"context"
	"errors"
	"time"

	"gorm.io/datatypes"

	"github.com/taskmgr818/magic-points/internal/ledger"
)

// ─────────────────────────────────────────────
// Video generation tasks
//
// A task is charged up front. If the provider later reports FAILED the
// captured cost is refunded exactly once; SUCCEEDED has no ledger effect.
// ─────────────────────────────────────────────

// Status mirrors the provider-reported job state.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusRunning   Status = "RUNNING"
	StatusSucceeded Status = "SUCCEEDED"
	StatusFailed    Status = "FAILED"
)

// Terminal reports whether no further transitions are expected.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// VideoTask is the local record of a charged provider job.
type VideoTask struct {
	TaskID         string            `json:"task_id" gorm:"primaryKey;size:128"`
	UserID         string            `json:"user_id" gorm:"size:64;not null;index"`
	Action         string            `json:"action" gorm:"size:64;not null"`
	Cost           int64             `json:"cost"` // captured at creation
	Status         Status            `json:"status" gorm:"size:16;not null;index"`
	Refunded       bool              `json:"refunded" gorm:"not null;default:false"`
	RefundAttempts int               `json:"refund_attempts" gorm:"not null;default:0"` // failed refunds so far
	Provider       string            `json:"provider" gorm:"size:32"`
	Prompt         string            `json:"prompt"`
	Meta           datatypes.JSONMap `json:"meta,omitempty"`
	ResultURL      string            `json:"result_url,omitempty"`
	Error          string            `json:"error,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
	FinishedAt     *time.Time        `json:"finished_at,omitempty"`
}

func (VideoTask) TableName() string { return "video_tasks" }

// MediaRecord is a user's history item for a finished generation.
type MediaRecord struct {
	ID        string            `json:"id" gorm:"primaryKey;size:36"`
	UserID    string            `json:"user_id" gorm:"size:64;not null;index"`
	Kind      string            `json:"kind" gorm:"size:32"`
	URL       string            `json:"url"`
	Prompt    string            `json:"prompt"`
	TaskID    string            `json:"task_id,omitempty" gorm:"size:128;index"`
	Meta      datatypes.JSONMap `json:"meta,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

func (MediaRecord) TableName() string { return "media_records" }

// KindAnimation is the media kind of finished video tasks.
const KindAnimation = "animation"

// ─────────────────────────────────────────────
// Collaborators
// ─────────────────────────────────────────────

// Params is what a provider needs to start a job.
type Params struct {
	UserID      string
	ImageRef    string
	Prompt      string
	CameraFixed bool
}

// Created identifies a started provider job.
type Created struct {
	TaskID   string
	Provider string
}

// ProviderStatus is a provider's view of a job.
type ProviderStatus struct {
	Status   Status
	VideoURL string // transient, expires
	Error    string
}

// Provider starts and polls external generation jobs.
type Provider interface {
	CreateTask(ctx context.Context, p Params) (*Created, error)
	GetTaskStatus(ctx context.Context, taskID string) (*ProviderStatus, error)
}

// Migrator copies a transient result into permanent storage.
type Migrator interface {
	Migrate(ctx context.Context, userID, transientURL string) (string, error)
}

// Tracker keeps the set of tasks that still need polling.
type Tracker interface {
	Track(ctx context.Context, taskID string) error
	Untrack(ctx context.Context, taskID string) error
}

// HistoryWriter appends media records, possibly asynchronously.
type HistoryWriter interface {
	AppendMedia(rec MediaRecord)
}

// ─────────────────────────────────────────────
// Requests & results
// ─────────────────────────────────────────────

// CreateRequest starts a charged video task.
type CreateRequest struct {
	UserID      string
	ImageRef    string
	Prompt      string
	CameraFixed bool
}

// CreateResult is returned once the job is started and persisted.
type CreateResult struct {
	TaskID   string `json:"id"`
	Provider string `json:"provider"`
	Cost     int64  `json:"cost"`
	Balance  int64  `json:"balance"`
}

// StatusResult is the relayed status plus any local side effects.
type StatusResult struct {
	TaskID         string `json:"id"`
	Status         Status `json:"status"`
	VideoURL       string `json:"video_url,omitempty"`
	Error          string `json:"error,omitempty"`
	Refunded       bool   `json:"refunded"`
	RefundedAmount int64  `json:"refunded_amount,omitempty"`
}

// ErrInvalidRequest rejects malformed create requests.
var ErrInvalidRequest = &ledger.DomainError{Code: CodeInvalidRequest, Message: "Missing imageUrl or prompt"}

// ErrProvider wraps failures of the upstream generation service.
var ErrProvider = errors.New("video provider")

// CodeInvalidRequest is the code of malformed task input.
const CodeInvalidRequest = ledger.CodeInvalidRequest
