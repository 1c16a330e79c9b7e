package repo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/tbourn/voiceops-backend/internal/domain"
)

// CreateActionLog inserts an "attempted" row for (l.UserID, l.IdempotencyKey).
// It returns ErrDuplicate when that user already has a row with the key; the
// unique index is the arbiter between racing executors.
func CreateActionLog(ctx context.Context, db *gorm.DB, l *domain.ActionLog) error {
	now := time.Now().UTC()
	if l.ID == "" {
		l.ID = uuid.NewString()
	}
	l.Status = domain.ActionAttempted
	l.OK = false
	if l.Attempts == 0 {
		l.Attempts = 1
	}
	l.CreatedAt, l.UpdatedAt = now, now
	err := db.WithContext(ctx).Create(l).Error
	if isDuplicate(err) {
		return ErrDuplicate
	}
	return err
}

// GetActionLogByKey returns userID's row for an idempotency key or ErrNotFound.
func GetActionLogByKey(ctx context.Context, db *gorm.DB, userID, key string) (*domain.ActionLog, error) {
	var l domain.ActionLog
	if err := db.WithContext(ctx).Where("user_id = ? AND idempotency_key = ?", userID, key).First(&l).Error; err != nil {
		return nil, err
	}
	return &l, nil
}

// GetActionLog returns a row by id scoped to its owner.
func GetActionLog(ctx context.Context, db *gorm.DB, id, userID string) (*domain.ActionLog, error) {
	var l domain.ActionLog
	if err := db.WithContext(ctx).Where("id = ? AND user_id = ?", id, userID).First(&l).Error; err != nil {
		return nil, err
	}
	return &l, nil
}

// CompleteActionLog records the terminal outcome of an attempted row. Only
// rows still in "attempted" are updated, so a terminal outcome is written
// at most once per attempt.
func CompleteActionLog(ctx context.Context, db *gorm.DB, id, status string, result datatypes.JSON, errMsg string) error {
	now := time.Now().UTC()
	res := db.WithContext(ctx).
		Model(&domain.ActionLog{}).
		Where("id = ? AND status = ?", id, domain.ActionAttempted).
		Updates(map[string]any{
			"status":       status,
			"ok":           status == domain.ActionSucceeded,
			"result":       result,
			"error":        errMsg,
			"completed_at": now,
			"updated_at":   now,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ReclaimTimedOut moves a timed_out row back to attempted so the caller may
// retry the provider call. Only one concurrent caller wins.
func ReclaimTimedOut(ctx context.Context, db *gorm.DB, userID, key string) (*domain.ActionLog, error) {
	res := db.WithContext(ctx).
		Model(&domain.ActionLog{}).
		Where("user_id = ? AND idempotency_key = ? AND status = ?", userID, key, domain.ActionTimedOut).
		Updates(map[string]any{
			"status":       domain.ActionAttempted,
			"attempts":     gorm.Expr("attempts + 1"),
			"completed_at": nil,
			"error":        "",
			"updated_at":   time.Now().UTC(),
		})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, ErrNotFound
	}
	return GetActionLogByKey(ctx, db, userID, key)
}

// CountActionLogs returns the number of audit rows for userID.
func CountActionLogs(ctx context.Context, db *gorm.DB, userID string) (int64, error) {
	var total int64
	err := db.WithContext(ctx).Model(&domain.ActionLog{}).Where("user_id = ?", userID).Count(&total).Error
	return total, err
}

// ListActionLogsPage returns a page of audit rows for userID, newest first.
func ListActionLogsPage(ctx context.Context, db *gorm.DB, userID string, offset, limit int) ([]domain.ActionLog, error) {
	var out []domain.ActionLog
	err := db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at desc").
		Offset(offset).
		Limit(limit).
		Find(&out).Error
	return out, err
}

// ListStaleAttempted returns rows stuck in "attempted" since before cutoff.
func ListStaleAttempted(ctx context.Context, db *gorm.DB, cutoff time.Time, limit int) ([]domain.ActionLog, error) {
	var out []domain.ActionLog
	err := db.WithContext(ctx).
		Where("status = ? AND updated_at < ?", domain.ActionAttempted, cutoff).
		Order("updated_at asc").
		Limit(limit).
		Find(&out).Error
	return out, err
}
