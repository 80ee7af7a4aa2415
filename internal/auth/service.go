package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"

	"github.com/taskmgr818/magic-points/internal/ledger"
)

// ─────────────────────────────────────────────
// Errors
// ─────────────────────────────────────────────

var (
	ErrUserNotFound      = errors.New("user not found")
	ErrEmailExists       = errors.New("email already registered")
	ErrInvalidCredential = errors.New("invalid email or password")
	ErrInvalidAPIKey     = errors.New("invalid api key")
	ErrInvalidStatus     = errors.New("invalid status")
)

// ─────────────────────────────────────────────
// userService implements UserService
// ─────────────────────────────────────────────

type userService struct {
	db *gorm.DB
}

// NewUserService creates a new UserService backed by the given DB.
func NewUserService(db *gorm.DB) UserService {
	return &userService{db: db}
}

// Register creates a new user with email + password and opens the user's
// points account in the same transaction.
func (s *userService) Register(ctx context.Context, email, password, nickname string) (*User, error) {
	email = strings.ToLower(strings.TrimSpace(email))

	// Check if email exists
	var existing User
	if err := s.db.WithContext(ctx).Where("email = ?", email).First(&existing).Error; err == nil {
		return nil, ErrEmailExists
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}

	apiKey, err := generateAPIKey()
	if err != nil {
		return nil, err
	}

	now := time.Now()
	user := &User{
		ID:        uuid.NewString(),
		Email:     email,
		Password:  string(hash),
		Nickname:  nickname,
		APIKey:    apiKey,
		Status:    StatusActive,
		Plan:      PlanExplorer,
		CreatedAt: now,
		UpdatedAt: now,
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(user).Error; err != nil {
			return err
		}
		return ledger.OpenAccount(tx, user.ID)
	})
	if err != nil {
		return nil, err
	}

	return user, nil
}

// LoginEmail authenticates via email + password.
func (s *userService) LoginEmail(ctx context.Context, email, password string) (*User, error) {
	email = strings.ToLower(strings.TrimSpace(email))

	var user User
	if err := s.db.WithContext(ctx).Where("email = ?", email).First(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrInvalidCredential
		}
		return nil, err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.Password), []byte(password)); err != nil {
		return nil, ErrInvalidCredential
	}

	// Update last used
	now := time.Now()
	user.LastUsedAt = &now
	s.db.WithContext(ctx).Model(&user).Update("last_used_at", now)

	return &user, nil
}

// GetByAPIKey looks up a user by API key.
func (s *userService) GetByAPIKey(ctx context.Context, apiKey string) (*User, error) {
	var user User
	if err := s.db.WithContext(ctx).Where("api_key = ?", apiKey).First(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrInvalidAPIKey
		}
		return nil, err
	}
	return &user, nil
}

// GetByID retrieves a user by ID.
func (s *userService) GetByID(ctx context.Context, userID string) (*User, error) {
	var user User
	if err := s.db.WithContext(ctx).Where("id = ?", userID).First(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return &user, nil
}

// ResetAPIKey regenerates the user's API key.
func (s *userService) ResetAPIKey(ctx context.Context, userID string) (*User, error) {
	user, err := s.GetByID(ctx, userID)
	if err != nil {
		return nil, err
	}

	newKey, err := generateAPIKey()
	if err != nil {
		return nil, err
	}

	user.APIKey = newKey
	user.UpdatedAt = time.Now()

	if err := s.db.WithContext(ctx).Save(user).Error; err != nil {
		return nil, err
	}

	return user, nil
}

// SetStatus sets user account status.
func (s *userService) SetStatus(ctx context.Context, userID string, status string) error {
	switch status {
	case StatusActive, StatusBanned, StatusSuspended:
	default:
		return ErrInvalidStatus
	}

	result := s.db.WithContext(ctx).Model(&User{}).
		Where("id = ?", userID).
		Updates(map[string]interface{}{
			"status":     status,
			"updated_at": time.Now(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrUserNotFound
	}
	return nil
}

// ─────────────────────────────────────────────
// Helpers
// ─────────────────────────────────────────────

// generateAPIKey creates a new API key with "sk-" prefix.
func generateAPIKey() (string, error) {
	bytes := make([]byte, 24)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return "sk-" + hex.EncodeToString(bytes), nil
}
