package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/tbourn/voiceops-backend/internal/domain"
	"github.com/tbourn/voiceops-backend/internal/observability"
	"github.com/tbourn/voiceops-backend/internal/provider"
	"github.com/tbourn/voiceops-backend/internal/repo"
)

// Result is the outcome of one executed (or replayed) side effect. Calls
// sharing an idempotency key observe equal Results.
type Result struct {
	ActionLogID    string            `json:"action_log_id"`
	Action         domain.ActionType `json:"action"`
	Target         string            `json:"target"`
	IdempotencyKey string            `json:"idempotency_key"`
	Status         string            `json:"status"`
	Data           datatypes.JSON    `json:"data,omitempty"`
}

// Decode unmarshals Data into v.
func (r *Result) Decode(v any) error { return json.Unmarshal(r.Data, v) }

// ActionExecutor performs side effects exactly once per idempotency key.
// The action log row is written before the provider is called; a failure to
// write it aborts the action.
type ActionExecutor struct {
	DB       *gorm.DB
	Provider provider.Client
	// Timeout bounds one provider call. Zero means no extra deadline.
	Timeout time.Duration

	group singleflight.Group
}

type execOutcome struct {
	res *Result
	err error
}

// Execute runs payload on behalf of userID. An empty key is derived from the
// payload. Keys are scoped per user. Concurrent calls with the same key and
// request inside this process share one provider call; a duplicate still in
// flight elsewhere yields ErrDuplicateInProgress, and a key already used for a
// different request yields ErrIdempotencyKeyConflict.
func (e *ActionExecutor) Execute(ctx context.Context, userID string, payload domain.Payload, key string) (*Result, error) {
	domain.Normalize(payload)
	if key == "" {
		key = domain.DeriveIdempotencyKey(payload)
	}
	raw, err := domain.EncodePayload(payload)
	if err != nil {
		return nil, err
	}
	hash := domain.RequestFingerprint(payload.Action(), payload.Target(), raw)

	tr := otel.Tracer("services/ActionExecutor")
	ctx, span := tr.Start(ctx, "Execute",
		trace.WithAttributes(
			attribute.String("user.id", userID),
			attribute.String("action", string(payload.Action())),
			attribute.String("target", payload.Target()),
		),
	)
	defer span.End()

	// The shared call must outlive the first caller's cancellation.
	flight := userID + "\x00" + key + "\x00" + hash
	v, _, _ := e.group.Do(flight, func() (any, error) {
		res, err := e.execute(context.WithoutCancel(ctx), userID, payload, raw, hash, key)
		return execOutcome{res, err}, nil
	})
	out := v.(execOutcome)
	if out.res != nil {
		cp := *out.res
		return &cp, out.err
	}
	return nil, out.err
}

func (e *ActionExecutor) execute(ctx context.Context, userID string, payload domain.Payload, raw datatypes.JSON, hash, key string) (*Result, error) {
	log := zerolog.Ctx(ctx)
	action := payload.Action()

	row := &domain.ActionLog{
		UserID:         userID,
		ActionType:     action,
		Target:         payload.Target(),
		Request:        raw,
		RequestHash:    hash,
		IdempotencyKey: key,
	}

	err := repo.CreateActionLog(ctx, e.DB, row)
	if errors.Is(err, repo.ErrDuplicate) {
		row, err = e.claimExisting(ctx, userID, key, hash)
		if err != nil || row.Status != domain.ActionAttempted {
			return e.replay(row, err)
		}
	} else if err != nil {
		log.Error().Err(err).Str("action", string(action)).Msg("action log write failed; action aborted")
		return nil, fmt.Errorf("record action attempt: %w", err)
	}

	data, callErr := e.dispatch(ctx, payload)

	status := domain.ActionSucceeded
	var errMsg string
	switch {
	case callErr == nil:
	case errors.Is(callErr, provider.ErrTimeout):
		status, errMsg = domain.ActionTimedOut, callErr.Error()
	default:
		status, errMsg = domain.ActionRejected, callErr.Error()
	}

	var result datatypes.JSON
	if data != nil {
		b, mErr := json.Marshal(data)
		if mErr == nil {
			result = datatypes.JSON(b)
		}
	}
	if err := repo.CompleteActionLog(ctx, e.DB, row.ID, status, result, errMsg); err != nil {
		// The side effect may have happened; the row stays "attempted" and is
		// reported by the sweeper.
		log.Error().Err(err).Str("action_log_id", row.ID).Str("status", status).Msg("action log completion failed")
	}
	row.Status, row.Result, row.Error = status, result, errMsg

	observability.ActionExecution(string(action), status)
	ev := log.Info()
	if callErr != nil {
		ev = log.Warn().Err(callErr)
	}
	ev.Str("action", string(action)).
		Str("target", row.Target).
		Str("action_log_id", row.ID).
		Int("attempt", row.Attempts).
		Str("status", status).
		Msg("action executed")

	if callErr != nil {
		return resultFrom(row), callErr
	}
	return resultFrom(row), nil
}

// claimExisting loads userID's row for key and, when its last attempt timed
// out, re-claims it for another attempt. A row recorded for a different
// request is never replayed or re-claimed.
func (e *ActionExecutor) claimExisting(ctx context.Context, userID, key, hash string) (*domain.ActionLog, error) {
	row, err := repo.GetActionLogByKey(ctx, e.DB, userID, key)
	if err != nil {
		return nil, err
	}
	// Rows written before fingerprints were recorded carry an empty hash.
	if row.RequestHash != "" && row.RequestHash != hash {
		observability.ActionExecution(string(row.ActionType), "key_conflict")
		return row, ErrIdempotencyKeyConflict
	}
	switch row.Status {
	case domain.ActionAttempted:
		return row, ErrDuplicateInProgress
	case domain.ActionTimedOut:
	default:
		return row, nil
	}
	reclaimed, err := repo.ReclaimTimedOut(ctx, e.DB, userID, key)
	if errors.Is(err, repo.ErrNotFound) {
		// Another retry won the re-claim; report its state.
		row, err = repo.GetActionLogByKey(ctx, e.DB, userID, key)
		if err != nil {
			return nil, err
		}
		if row.Status == domain.ActionAttempted {
			return row, ErrDuplicateInProgress
		}
		return row, nil
	}
	return reclaimed, err
}

// replay turns a terminal or in-flight row into the caller's answer without
// calling the provider.
func (e *ActionExecutor) replay(row *domain.ActionLog, err error) (*Result, error) {
	if err != nil {
		if errors.Is(err, ErrDuplicateInProgress) {
			observability.ActionExecution(string(row.ActionType), "in_progress")
		}
		return nil, err
	}
	switch row.Status {
	case domain.ActionSucceeded:
		observability.ActionExecution(string(row.ActionType), "cached")
		return resultFrom(row), nil
	case domain.ActionRejected:
		observability.ActionExecution(string(row.ActionType), "cached")
		return resultFrom(row), provider.Rejected(string(row.ActionType), 0, row.Error)
	default:
		observability.ActionExecution(string(row.ActionType), "in_progress")
		return nil, ErrDuplicateInProgress
	}
}

func resultFrom(row *domain.ActionLog) *Result {
	return &Result{
		ActionLogID:    row.ID,
		Action:         row.ActionType,
		Target:         row.Target,
		IdempotencyKey: row.IdempotencyKey,
		Status:         row.Status,
		Data:           row.Result,
	}
}

func (e *ActionExecutor) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.Timeout > 0 {
		return context.WithTimeout(ctx, e.Timeout)
	}
	return context.WithCancel(ctx)
}

// dispatch performs the provider call for a side-effecting payload.
func (e *ActionExecutor) dispatch(ctx context.Context, payload domain.Payload) (any, error) {
	ctx, cancel := e.callCtx(ctx)
	defer cancel()

	switch p := payload.(type) {
	case *domain.RequestReviewPayload:
		if err := e.Provider.RequestReviewers(ctx, p.Repo, p.PRNumber, p.Reviewers); err != nil {
			return nil, provider.Classify("request_reviewers", err)
		}
		return map[string]any{"repo": p.Repo, "pr_number": p.PRNumber, "reviewers": p.Reviewers}, nil
	case *domain.MergePayload:
		res, err := e.Provider.MergePR(ctx, p.Repo, p.PRNumber, p.Method)
		if err != nil {
			return nil, provider.Classify("merge_pr", err)
		}
		return res, nil
	case *domain.RerunChecksPayload:
		n, err := e.Provider.RerunChecks(ctx, p.Repo, p.PRNumber)
		if err != nil {
			return nil, provider.Classify("rerun_checks", err)
		}
		return map[string]any{"rerun_suites": n}, nil
	case *domain.DelegatePayload:
		ack, err := e.Provider.DelegateToAgent(ctx, provider.DelegateRequest{
			Provider:    p.Provider,
			Repo:        p.Repo,
			IssueNumber: p.IssueNumber,
			PRNumber:    p.PRNumber,
			Instruction: p.Instruction,
		})
		if err != nil {
			return nil, provider.Classify("delegate", err)
		}
		return ack, nil
	}
	return nil, provider.Rejected(string(payload.Action()), 0, "action has no side effect to execute")
}
