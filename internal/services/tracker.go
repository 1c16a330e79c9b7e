// Package services – AgentTracker
//
// AgentTracker owns the lifecycle of work delegated to external agents. A
// task is created in "created", moves to "running" when the provider
// acknowledges the delegation, and then follows webhook deliveries and status
// polls through needs_input/completed/failed. Every write is a conditional
// update keyed by task id and a monotonic provider sequence, so duplicate or
// out-of-order updates are ignored and terminal tasks never move again.

package services

import (
	"context"
	"errors"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/tbourn/voiceops-backend/internal/domain"
	"github.com/tbourn/voiceops-backend/internal/observability"
	"github.com/tbourn/voiceops-backend/internal/provider"
	"github.com/tbourn/voiceops-backend/internal/repo"
	"github.com/tbourn/voiceops-backend/internal/utils"
)

// ackSeq is the sequence of the delegation acknowledgment; provider updates
// carry millisecond timestamps and therefore always sort after it.
const ackSeq = 1

// AgentTracker creates agent tasks and applies their status updates.
type AgentTracker struct {
	DB       *gorm.DB
	Provider provider.Client
	Executor *ActionExecutor
}

// Delegate records a task for p and hands it to the provider through the
// executor. Repeating a delegation with the same key returns the same task
// and never delegates twice.
func (t *AgentTracker) Delegate(ctx context.Context, userID string, p *domain.DelegatePayload, key string) (*domain.AgentTask, *Result, error) {
	domain.Normalize(p)
	if key == "" {
		key = domain.DeriveIdempotencyKey(p)
	}

	tr := otel.Tracer("services/AgentTracker")
	ctx, span := tr.Start(ctx, "Delegate",
		trace.WithAttributes(
			attribute.String("user.id", userID),
			attribute.String("target", p.Target()),
		),
	)
	defer span.End()

	task := &domain.AgentTask{
		UserID:         userID,
		Provider:       p.Provider,
		RepoFullName:   p.Repo,
		IssueNumber:    p.IssueNumber,
		PRNumber:       p.PRNumber,
		Instruction:    p.Instruction,
		Status:         domain.TaskCreated,
		IdempotencyKey: key,
	}
	err := repo.CreateAgentTask(ctx, t.DB, task)
	if errors.Is(err, repo.ErrDuplicate) {
		task, err = repo.GetAgentTaskByKey(ctx, t.DB, userID, key)
	}
	if err != nil {
		return nil, nil, err
	}

	res, execErr := t.Executor.Execute(ctx, userID, p, key)
	switch {
	case execErr == nil:
		var ack provider.DelegateAck
		if res != nil && len(res.Data) > 0 {
			_ = res.Decode(&ack)
		}
		if _, err := t.ApplyUpdate(ctx, task.ID, repo.AgentTaskUpdate{
			Status:     domain.TaskRunning,
			Seq:        ackSeq,
			ExternalID: ack.ExternalID,
		}); err != nil {
			return nil, res, err
		}
	case errors.Is(execErr, provider.ErrRejected):
		if _, err := t.ApplyUpdate(ctx, task.ID, repo.AgentTaskUpdate{
			Status: domain.TaskFailed,
			Seq:    ackSeq,
			Detail: execErr.Error(),
		}); err != nil {
			return nil, res, err
		}
	}

	fresh, err := repo.GetAgentTask(ctx, t.DB, task.ID, "")
	if err != nil {
		return nil, res, err
	}
	return fresh, res, execErr
}

// ApplyUpdate applies u to task id if it advances the task. Updates that are
// stale, duplicated or target a terminal task are logged and ignored.
func (t *AgentTracker) ApplyUpdate(ctx context.Context, id string, u repo.AgentTaskUpdate) (bool, error) {
	if !u.Status.Valid() {
		return false, ErrInvalidInput
	}
	applied, err := repo.ApplyAgentTaskUpdate(ctx, t.DB, id, u)
	if err != nil {
		return false, err
	}
	observability.AgentTransition(string(u.Status), applied)
	if !applied {
		ev := zerolog.Ctx(ctx).Info().Str("task_id", id).Str("status", string(u.Status)).Int64("seq", u.Seq)
		if cur, gerr := repo.GetAgentTask(ctx, t.DB, id, ""); gerr == nil {
			ev = ev.Str("current", string(cur.Status)).Int64("current_seq", cur.Seq)
		}
		ev.Msg("agent task update ignored")
	}
	return applied, nil
}

// HandleProviderUpdate applies a provider-reported state to every task that
// tracks repo#n and returns how many tasks changed.
func (t *AgentTracker) HandleProviderUpdate(ctx context.Context, repoName string, n int, st provider.AgentState) (int, error) {
	tr := otel.Tracer("services/AgentTracker")
	ctx, span := tr.Start(ctx, "HandleProviderUpdate",
		trace.WithAttributes(
			attribute.String("repo", repoName),
			attribute.Int("number", n),
			attribute.String("status", string(st.Status)),
		),
	)
	defer span.End()

	tasks, err := repo.FindAgentTasksByTarget(ctx, t.DB, repoName, n)
	if err != nil {
		return 0, err
	}
	changed := 0
	for _, task := range tasks {
		ok, err := t.ApplyUpdate(ctx, task.ID, repo.AgentTaskUpdate{Status: st.Status, Seq: st.Seq, Detail: st.Detail})
		if err != nil {
			return changed, err
		}
		if ok {
			changed++
		}
	}
	return changed, nil
}

// Poll asks the provider for task's current status and applies it.
func (t *AgentTracker) Poll(ctx context.Context, task *domain.AgentTask) (bool, error) {
	if task.Status.Terminal() || t.Provider == nil {
		return false, nil
	}
	st, err := t.Provider.AgentStatus(ctx, task.RepoFullName, task.Number())
	if err != nil {
		return false, provider.Classify("agent_status", err)
	}
	if st == nil {
		return false, nil
	}
	return t.ApplyUpdate(ctx, task.ID, repo.AgentTaskUpdate{Status: st.Status, Seq: st.Seq, Detail: st.Detail})
}

// Refresh polls one task owned by userID and returns its latest state.
func (t *AgentTracker) Refresh(ctx context.Context, userID, id string) (*domain.AgentTask, error) {
	task, err := t.Get(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	if _, err := t.Poll(ctx, task); err != nil {
		return nil, err
	}
	return t.Get(ctx, userID, id)
}

// PollActive polls up to limit non-terminal tasks and returns how many changed.
// A failing poll is logged and does not stop the batch.
func (t *AgentTracker) PollActive(ctx context.Context, limit int) (int, error) {
	tasks, err := repo.ListNonTerminalAgentTasks(ctx, t.DB, limit)
	if err != nil {
		return 0, err
	}
	changed := 0
	for i := range tasks {
		ok, err := t.Poll(ctx, &tasks[i])
		if err != nil {
			zerolog.Ctx(ctx).Warn().Err(err).Str("task_id", tasks[i].ID).Msg("agent status poll failed")
			continue
		}
		if ok {
			changed++
		}
	}
	return changed, nil
}

// Get returns task id owned by userID.
func (t *AgentTracker) Get(ctx context.Context, userID, id string) (*domain.AgentTask, error) {
	task, err := repo.GetAgentTask(ctx, t.DB, id, userID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, ErrTaskNotFound
	}
	return task, err
}

// List returns a page of userID's tasks, optionally filtered by status, and
// the total count.
func (t *AgentTracker) List(ctx context.Context, userID string, status domain.AgentTaskStatus, page, pageSize int) ([]domain.AgentTask, int64, error) {
	if status != "" && !status.Valid() {
		return nil, 0, ErrInvalidInput
	}
	pg := utils.NewPage(page, pageSize)
	total, err := repo.CountAgentTasks(ctx, t.DB, userID, status)
	if err != nil {
		return nil, 0, err
	}
	if total == 0 {
		return []domain.AgentTask{}, 0, nil
	}
	items, err := repo.ListAgentTasks(ctx, t.DB, userID, status, pg.Offset(), pg.Size)
	return items, total, err
}
