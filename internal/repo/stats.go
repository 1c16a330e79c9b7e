package repo

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/voiceops-backend/internal/domain"
)

// Count + latest-update pairs feed the weak ETags on the audit and agent
// task listings.

// ActionLogsStats returns the number of audit rows for userID and the greatest
// UpdatedAt among them. When the user has no rows, the count is 0 and
// maxUpdatedAt is nil.
func ActionLogsStats(ctx context.Context, db *gorm.DB, userID string) (count int64, maxUpdatedAt *time.Time, err error) {
	return latest(ctx, db.WithContext(ctx).Model(&domain.ActionLog{}).Where("user_id = ?", userID))
}

// AgentTasksStats is ActionLogsStats for delegated tasks.
func AgentTasksStats(ctx context.Context, db *gorm.DB, userID string) (count int64, maxUpdatedAt *time.Time, err error) {
	return latest(ctx, db.WithContext(ctx).Model(&domain.AgentTask{}).Where("user_id = ?", userID))
}

func latest(_ context.Context, q *gorm.DB) (count int64, maxUpdatedAt *time.Time, err error) {
	if err = q.Session(&gorm.Session{}).Count(&count).Error; err != nil {
		return 0, nil, err
	}
	if count == 0 {
		return 0, nil, nil
	}

	// Get latest updated_at (avoid MAX() -> TEXT in SQLite)
	var row struct {
		UpdatedAt time.Time
	}
	if err = q.Session(&gorm.Session{}).Select("updated_at").Order("updated_at DESC").Limit(1).Scan(&row).Error; err != nil {
		return 0, nil, err
	}
	return count, &row.UpdatedAt, nil
}
