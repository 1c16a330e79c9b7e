package repo

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/voiceops-backend/internal/domain"
)

// CreatePending inserts a new pending-action token.
func CreatePending(ctx context.Context, db *gorm.DB, p *domain.PendingAction) error {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	if p.Status == "" {
		p.Status = domain.PendingStatusPending
	}
	err := db.WithContext(ctx).Create(p).Error
	if isDuplicate(err) {
		return ErrDuplicate
	}
	return err
}

// GetPending fetches a token by value regardless of owner or status.
func GetPending(ctx context.Context, db *gorm.DB, token string) (*domain.PendingAction, error) {
	var p domain.PendingAction
	if err := db.WithContext(ctx).Where("token = ?", token).First(&p).Error; err != nil {
		return nil, err
	}
	return &p, nil
}

// LatestPending returns the newest still-pending token for userID (expired
// ones included; callers decide how to report expiry).
func LatestPending(ctx context.Context, db *gorm.DB, userID string) (*domain.PendingAction, error) {
	var p domain.PendingAction
	err := db.WithContext(ctx).
		Where("user_id = ? AND status = ?", userID, domain.PendingStatusPending).
		Order("created_at desc").
		First(&p).Error
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// ListPending returns the live tokens owned by userID, newest first.
func ListPending(ctx context.Context, db *gorm.DB, userID string, now time.Time) ([]domain.PendingAction, error) {
	var out []domain.PendingAction
	err := db.WithContext(ctx).
		Where("user_id = ? AND status = ? AND expires_at > ?", userID, domain.PendingStatusPending, now).
		Order("created_at desc").
		Find(&out).Error
	return out, err
}

// TransitionPending moves a live token owned by userID from pending to
// status in a single conditional UPDATE. Exactly one concurrent caller can
// succeed; the rest observe ErrNotFound.
func TransitionPending(ctx context.Context, db *gorm.DB, token, userID, status string, now time.Time) error {
	if status != domain.PendingStatusConfirmed && status != domain.PendingStatusCancelled {
		return errors.New("invalid pending transition")
	}
	res := db.WithContext(ctx).
		Model(&domain.PendingAction{}).
		Where("token = ? AND user_id = ? AND status = ? AND expires_at > ?", token, userID, domain.PendingStatusPending, now).
		Updates(map[string]any{"status": status, "consumed_at": now})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteExpiredPending removes still-pending tokens whose deadline passed
// before cutoff and returns how many rows were deleted. Consumed rows are
// kept as part of the audit trail.
func DeleteExpiredPending(ctx context.Context, db *gorm.DB, cutoff time.Time) (int64, error) {
	res := db.WithContext(ctx).
		Where("status = ? AND expires_at <= ?", domain.PendingStatusPending, cutoff).
		Delete(&domain.PendingAction{})
	return res.RowsAffected, res.Error
}
