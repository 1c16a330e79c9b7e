package repo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/voiceops-backend/internal/domain"
)

// CreateAgentTask inserts a task in the created state. A second insert by the
// same user with the same idempotency key yields ErrDuplicate.
func CreateAgentTask(ctx context.Context, db *gorm.DB, t *domain.AgentTask) error {
	now := time.Now().UTC()
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.Status == "" {
		t.Status = domain.TaskCreated
	}
	t.CreatedAt, t.UpdatedAt, t.LastUpdate = now, now, now
	err := db.WithContext(ctx).Create(t).Error
	if isDuplicate(err) {
		return ErrDuplicate
	}
	return err
}

// GetAgentTask fetches a task by id. An empty userID skips the owner check.
func GetAgentTask(ctx context.Context, db *gorm.DB, id, userID string) (*domain.AgentTask, error) {
	var t domain.AgentTask
	q := db.WithContext(ctx).Where("id = ?", id)
	if userID != "" {
		q = q.Where("user_id = ?", userID)
	}
	if err := q.First(&t).Error; err != nil {
		return nil, err
	}
	return &t, nil
}

// GetAgentTaskByKey fetches userID's task for a delegation idempotency key.
func GetAgentTaskByKey(ctx context.Context, db *gorm.DB, userID, key string) (*domain.AgentTask, error) {
	var t domain.AgentTask
	if err := db.WithContext(ctx).Where("user_id = ? AND idempotency_key = ?", userID, key).First(&t).Error; err != nil {
		return nil, err
	}
	return &t, nil
}

// FindAgentTasksByTarget returns the tasks tracking issue or PR number n in repo.
func FindAgentTasksByTarget(ctx context.Context, db *gorm.DB, repo string, n int) ([]domain.AgentTask, error) {
	var out []domain.AgentTask
	err := db.WithContext(ctx).
		Where("repo_full_name = ? AND (issue_number = ? OR pr_number = ?)", domain.NormalizeRepo(repo), n, n).
		Order("created_at desc").
		Find(&out).Error
	return out, err
}

// ListAgentTasks returns tasks owned by userID, optionally filtered to a
// single status, newest first.
func ListAgentTasks(ctx context.Context, db *gorm.DB, userID string, status domain.AgentTaskStatus, offset, limit int) ([]domain.AgentTask, error) {
	var out []domain.AgentTask
	q := db.WithContext(ctx).Where("user_id = ?", userID)
	if status != "" {
		q = q.Where("status = ?", status)
	}
	err := q.Order("created_at desc").Offset(offset).Limit(limit).Find(&out).Error
	return out, err
}

// CountAgentTasks counts tasks owned by userID, optionally for one status.
func CountAgentTasks(ctx context.Context, db *gorm.DB, userID string, status domain.AgentTaskStatus) (int64, error) {
	var total int64
	q := db.WithContext(ctx).Model(&domain.AgentTask{}).Where("user_id = ?", userID)
	if status != "" {
		q = q.Where("status = ?", status)
	}
	err := q.Count(&total).Error
	return total, err
}

// ListNonTerminalAgentTasks returns up to limit tasks that have not finished,
// least recently updated first.
func ListNonTerminalAgentTasks(ctx context.Context, db *gorm.DB, limit int) ([]domain.AgentTask, error) {
	var out []domain.AgentTask
	err := db.WithContext(ctx).
		Where("status NOT IN ?", []domain.AgentTaskStatus{domain.TaskCompleted, domain.TaskFailed}).
		Order("last_update asc").
		Limit(limit).
		Find(&out).Error
	return out, err
}

// AgentTaskUpdate is one conditional state change.
type AgentTaskUpdate struct {
	Status     domain.AgentTaskStatus
	Seq        int64
	Detail     string
	ExternalID string
	At         time.Time
}

// ApplyAgentTaskUpdate writes u only if the task's sequence is lower than
// u.Seq and its current status is one from which u.Status is reachable. It
// reports whether the row changed. The check and write are one statement, so
// concurrent updates can never regress the state.
func ApplyAgentTaskUpdate(ctx context.Context, db *gorm.DB, id string, u AgentTaskUpdate) (bool, error) {
	from := domain.SourcesFor(u.Status)
	if len(from) == 0 {
		return false, nil
	}
	at := u.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	fields := map[string]any{
		"status":      u.Status,
		"seq":         u.Seq,
		"last_update": at,
		"updated_at":  time.Now().UTC(),
	}
	if u.Detail != "" {
		fields["detail"] = u.Detail
	}
	if u.ExternalID != "" {
		fields["external_id"] = u.ExternalID
	}
	res := db.WithContext(ctx).
		Model(&domain.AgentTask{}).
		Where("id = ? AND seq < ? AND status IN ?", id, u.Seq, from).
		Updates(fields)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}
