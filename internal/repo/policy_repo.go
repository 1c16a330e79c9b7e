package repo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tbourn/voiceops-backend/internal/domain"
)

// GetPolicy returns the policy row for (userID, repo) or ErrNotFound. Repo
// names are matched case-insensitively via normalization on write.
func GetPolicy(ctx context.Context, db *gorm.DB, userID, repo string) (*domain.RepoPolicy, error) {
	var p domain.RepoPolicy
	err := db.WithContext(ctx).
		Where("user_id = ? AND repo_full_name = ?", userID, domain.NormalizeRepo(repo)).
		First(&p).Error
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// ListPolicies returns every policy owned by userID ordered by repository.
func ListPolicies(ctx context.Context, db *gorm.DB, userID string) ([]domain.RepoPolicy, error) {
	var out []domain.RepoPolicy
	err := db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("repo_full_name asc").
		Find(&out).Error
	return out, err
}

// UpsertPolicy inserts p or overwrites every flag of the existing row for the
// same (user, repo). The stored row is returned.
func UpsertPolicy(ctx context.Context, db *gorm.DB, p domain.RepoPolicy) (*domain.RepoPolicy, error) {
	now := time.Now().UTC()
	p.RepoFullName = domain.NormalizeRepo(p.RepoFullName)
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	p.CreatedAt, p.UpdatedAt = now, now
	err := db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "user_id"}, {Name: "repo_full_name"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"allow_merge", "allow_rerun", "allow_request_review", "require_confirmation",
			"require_checks_green", "required_approvals", "auto_merge_when_green",
			"blocking_labels", "updated_at",
		}),
	}).Create(&p).Error
	if err != nil {
		return nil, err
	}
	return GetPolicy(ctx, db, p.UserID, p.RepoFullName)
}

// DeletePolicy removes the row for (userID, repo). Missing rows yield ErrNotFound.
func DeletePolicy(ctx context.Context, db *gorm.DB, userID, repo string) error {
	res := db.WithContext(ctx).
		Where("user_id = ? AND repo_full_name = ?", userID, domain.NormalizeRepo(repo)).
		Delete(&domain.RepoPolicy{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
