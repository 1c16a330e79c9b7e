package repo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/voiceops-backend/internal/domain"
)

// InsertWebhookEvent stores a delivery verbatim. A second verified delivery
// with the same (source, delivery_id) yields ErrDuplicate and leaves the first
// intact. Unverified deliveries are always stored.
func InsertWebhookEvent(ctx context.Context, db *gorm.DB, e *domain.WebhookEvent) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.ReceivedAt.IsZero() {
		e.ReceivedAt = time.Now().UTC()
	}
	err := db.WithContext(ctx).Create(e).Error
	if isDuplicate(err) {
		return ErrDuplicate
	}
	return err
}

// CountWebhookEvents returns the number of stored events, optionally for one source.
func CountWebhookEvents(ctx context.Context, db *gorm.DB, source string) (int64, error) {
	var total int64
	q := db.WithContext(ctx).Model(&domain.WebhookEvent{})
	if source != "" {
		q = q.Where("source = ?", source)
	}
	err := q.Count(&total).Error
	return total, err
}

// ListWebhookEventsPage returns stored events newest first, optionally for one source.
func ListWebhookEventsPage(ctx context.Context, db *gorm.DB, source string, offset, limit int) ([]domain.WebhookEvent, error) {
	var out []domain.WebhookEvent
	q := db.WithContext(ctx)
	if source != "" {
		q = q.Where("source = ?", source)
	}
	err := q.Order("received_at desc").Offset(offset).Limit(limit).Find(&out).Error
	return out, err
}
