package repo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/voiceops-backend/internal/domain"
)

// CreateCommand inserts an immutable command row. ID and CreatedAt are
// assigned when empty.
func CreateCommand(ctx context.Context, db *gorm.DB, c *domain.Command) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	return db.WithContext(ctx).Create(c).Error
}

// CountCommands returns the number of commands owned by userID.
func CountCommands(ctx context.Context, db *gorm.DB, userID string) (int64, error) {
	var total int64
	err := db.WithContext(ctx).Model(&domain.Command{}).Where("user_id = ?", userID).Count(&total).Error
	return total, err
}

// ListCommandsPage returns a page of commands for userID, newest first.
func ListCommandsPage(ctx context.Context, db *gorm.DB, userID string, offset, limit int) ([]domain.Command, error) {
	var out []domain.Command
	err := db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at desc").
		Offset(offset).
		Limit(limit).
		Find(&out).Error
	return out, err
}

// RecentRepos returns the distinct repositories referenced by userID's
// successful commands since the given instant, most recent first.
func RecentRepos(ctx context.Context, db *gorm.DB, userID string, since time.Time) ([]string, error) {
	var repos []string
	err := db.WithContext(ctx).
		Model(&domain.Command{}).
		Where("user_id = ? AND status = ? AND repo_full_name <> '' AND created_at >= ?", userID, domain.CommandOK, since).
		Order("created_at desc").
		Pluck("repo_full_name", &repos).Error
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{}, len(repos))
	out := make([]string, 0, len(repos))
	for _, r := range repos {
		if _, ok := seen[r]; ok {
			continue
		}
		seen[r] = struct{}{}
		out = append(out, r)
	}
	return out, nil
}
