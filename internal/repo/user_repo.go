package repo

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tbourn/voiceops-backend/internal/domain"
)

// EnsureUser returns the user row for id, creating it on first sight with the
// given defaults. An existing row is never modified.
func EnsureUser(ctx context.Context, db *gorm.DB, id, login string, storeTranscripts bool) (*domain.User, error) {
	now := time.Now().UTC()
	u := &domain.User{ID: id, GitHubLogin: login, StoreTranscripts: storeTranscripts, CreatedAt: now, UpdatedAt: now}
	if err := db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(u).Error; err != nil {
		return nil, err
	}
	return GetUser(ctx, db, id)
}

// GetUser fetches a user by id or returns ErrNotFound.
func GetUser(ctx context.Context, db *gorm.DB, id string) (*domain.User, error) {
	var u domain.User
	if err := db.WithContext(ctx).Where("id = ?", id).First(&u).Error; err != nil {
		return nil, err
	}
	return &u, nil
}

// SetStoreTranscripts updates the privacy switch for a user.
func SetStoreTranscripts(ctx context.Context, db *gorm.DB, id string, store bool) error {
	res := db.WithContext(ctx).Model(&domain.User{}).Where("id = ?", id).
		Updates(map[string]any{"store_transcripts": store, "updated_at": time.Now().UTC()})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteUser removes a user and every row it owns in one transaction. The
// foreign keys cascade too, but SQLite only enforces them on connections
// where the pragma is set, so owned tables are cleared explicitly.
func DeleteUser(ctx context.Context, db *gorm.DB, id string) error {
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, m := range []any{
			&domain.RepoPolicy{}, &domain.Command{}, &domain.PendingAction{},
			&domain.ActionLog{}, &domain.AgentTask{},
		} {
			if err := tx.Where("user_id = ?", id).Delete(m).Error; err != nil {
				return err
			}
		}
		res := tx.Where("id = ?", id).Delete(&domain.User{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
}
