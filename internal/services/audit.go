package services

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/tbourn/voiceops-backend/internal/domain"
	"github.com/tbourn/voiceops-backend/internal/repo"
	"github.com/tbourn/voiceops-backend/internal/utils"
)

// ErrActionNotFound is returned for unknown or foreign audit rows.
var ErrActionNotFound = errors.New("action not found")

// AuditService exposes the action log read side.
type AuditService struct {
	DB *gorm.DB
}

// ListPage returns a page of userID's audit rows and the total count.
func (s *AuditService) ListPage(ctx context.Context, userID string, page, pageSize int) ([]domain.ActionLog, int64, error) {
	tr := otel.Tracer("services/AuditService")
	ctx, span := tr.Start(ctx, "ListPage",
		trace.WithAttributes(
			attribute.String("user.id", userID),
			attribute.Int("page", page),
			attribute.Int("page_size", pageSize),
		),
	)
	defer span.End()

	pg := utils.NewPage(page, pageSize)
	total, err := repo.CountActionLogs(ctx, s.DB, userID)
	if err != nil {
		return nil, 0, err
	}
	if total == 0 {
		return []domain.ActionLog{}, 0, nil
	}
	items, err := repo.ListActionLogsPage(ctx, s.DB, userID, pg.Offset(), pg.Size)
	return items, total, err
}

// Get returns one audit row owned by userID.
func (s *AuditService) Get(ctx context.Context, userID, id string) (*domain.ActionLog, error) {
	l, err := repo.GetActionLog(ctx, s.DB, id, userID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, ErrActionNotFound
	}
	return l, err
}

// Stats returns the row count and newest update time, for ETags.
func (s *AuditService) Stats(ctx context.Context, userID string) (int64, *time.Time, error) {
	return repo.ActionLogsStats(ctx, s.DB, userID)
}

// TaskStats is Stats for agent tasks.
func (s *AuditService) TaskStats(ctx context.Context, userID string) (int64, *time.Time, error) {
	return repo.AgentTasksStats(ctx, s.DB, userID)
}
