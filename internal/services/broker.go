package services

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/tbourn/voiceops-backend/internal/domain"
	"github.com/tbourn/voiceops-backend/internal/observability"
	"github.com/tbourn/voiceops-backend/internal/repo"
)

// LatestToken selects the caller's newest pending token.
const LatestToken = "latest"

// TokenPrefix marks capability tokens issued by the broker.
const TokenPrefix = "pa_"

// ConfirmationBroker issues and consumes single-use pending-action tokens.
type ConfirmationBroker struct {
	DB  *gorm.DB
	TTL time.Duration
	// Now is the clock; nil means time.Now.
	Now func() time.Time
}

func (b *ConfirmationBroker) now() time.Time {
	if b.Now != nil {
		return b.Now().UTC()
	}
	return time.Now().UTC()
}

// ConfirmationRequest describes the side effect a token will authorize.
type ConfirmationRequest struct {
	CommandID      string
	Summary        string
	Payload        domain.Payload
	IdempotencyKey string
}

// NewToken returns an unguessable capability token (122 random bits).
func NewToken() string {
	return TokenPrefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Request persists a pending action for userID and returns it. The payload is
// normalized and encoded so the confirmed side effect is exactly the one
// summarized.
func (b *ConfirmationBroker) Request(ctx context.Context, userID string, req ConfirmationRequest) (*domain.PendingAction, error) {
	tr := otel.Tracer("services/ConfirmationBroker")
	ctx, span := tr.Start(ctx, "Request",
		trace.WithAttributes(
			attribute.String("user.id", userID),
			attribute.String("action", string(req.Payload.Action())),
		),
	)
	defer span.End()

	raw, err := domain.EncodePayload(req.Payload)
	if err != nil {
		return nil, err
	}
	key := req.IdempotencyKey
	if key == "" {
		key = domain.DeriveIdempotencyKey(req.Payload)
	}
	now := b.now()
	pa := &domain.PendingAction{
		Token:          NewToken(),
		UserID:         userID,
		CommandID:      req.CommandID,
		Summary:        req.Summary,
		ActionType:     req.Payload.Action(),
		ActionPayload:  raw,
		IdempotencyKey: key,
		Status:         domain.PendingStatusPending,
		ExpiresAt:      now.Add(b.TTL),
		CreatedAt:      now,
	}
	if err := repo.CreatePending(ctx, b.DB, pa); err != nil {
		return nil, err
	}
	observability.Confirmation("requested")
	return pa, nil
}

// Confirm consumes token (or LatestToken) for userID and returns the pending
// action with its decoded payload. Exactly one of several concurrent calls
// for the same token succeeds.
func (b *ConfirmationBroker) Confirm(ctx context.Context, userID, token string) (*domain.PendingAction, domain.Payload, error) {
	return b.ConfirmChecked(ctx, userID, token, nil)
}

// ConfirmChecked is Confirm with a precondition. check runs against the
// decoded payload after the token is validated and before it is consumed;
// when check fails the token stays pending and its error is returned.
func (b *ConfirmationBroker) ConfirmChecked(ctx context.Context, userID, token string, check func(context.Context, domain.Payload) error) (*domain.PendingAction, domain.Payload, error) {
	tr := otel.Tracer("services/ConfirmationBroker")
	ctx, span := tr.Start(ctx, "Confirm", trace.WithAttributes(attribute.String("user.id", userID)))
	defer span.End()

	pa, err := b.lookup(ctx, userID, token)
	if err != nil {
		return nil, nil, err
	}
	p, err := domain.DecodePayload(pa.ActionType, pa.ActionPayload)
	if err != nil {
		return nil, nil, err
	}
	if check != nil {
		if err := check(ctx, p); err != nil {
			return nil, p, err
		}
	}
	if err := b.transition(ctx, pa, userID, domain.PendingStatusConfirmed); err != nil {
		return nil, nil, err
	}
	observability.Confirmation("confirmed")
	return pa, p, nil
}

// Cancel discards token (or LatestToken) without executing it.
func (b *ConfirmationBroker) Cancel(ctx context.Context, userID, token string) (*domain.PendingAction, error) {
	pa, err := b.consume(ctx, "Cancel", userID, token, domain.PendingStatusCancelled)
	if err != nil {
		return nil, err
	}
	observability.Confirmation("cancelled")
	return pa, nil
}

func (b *ConfirmationBroker) consume(ctx context.Context, op, userID, token, status string) (*domain.PendingAction, error) {
	tr := otel.Tracer("services/ConfirmationBroker")
	ctx, span := tr.Start(ctx, op, trace.WithAttributes(attribute.String("user.id", userID)))
	defer span.End()

	pa, err := b.lookup(ctx, userID, token)
	if err != nil {
		return nil, err
	}
	if err := b.transition(ctx, pa, userID, status); err != nil {
		return nil, err
	}
	return pa, nil
}

// lookup resolves token (or LatestToken) to a live pending action owned by
// userID without changing it.
func (b *ConfirmationBroker) lookup(ctx context.Context, userID, token string) (*domain.PendingAction, error) {
	token = strings.TrimSpace(token)
	now := b.now()

	var (
		pa  *domain.PendingAction
		err error
	)
	if token == "" || strings.EqualFold(token, LatestToken) {
		pa, err = repo.LatestPending(ctx, b.DB, userID)
	} else {
		pa, err = repo.GetPending(ctx, b.DB, token)
	}
	if errors.Is(err, repo.ErrNotFound) {
		observability.Confirmation("not_found")
		return nil, ErrConfirmationNotFound
	}
	if err != nil {
		return nil, err
	}
	if pa.UserID != userID {
		observability.Confirmation("forbidden")
		return nil, ErrConfirmationForbidden
	}
	if pa.Status != domain.PendingStatusPending {
		observability.Confirmation("not_found")
		return nil, ErrConfirmationNotFound
	}
	if pa.Expired(now) {
		observability.Confirmation("expired")
		return nil, ErrConfirmationExpired
	}
	return pa, nil
}

// transition atomically moves pa from pending to status.
func (b *ConfirmationBroker) transition(ctx context.Context, pa *domain.PendingAction, userID, status string) error {
	now := b.now()
	if err := repo.TransitionPending(ctx, b.DB, pa.Token, userID, status, now); err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			return err
		}
		// Lost the race, or the deadline passed between read and update.
		if !now.Before(pa.ExpiresAt) {
			observability.Confirmation("expired")
			return ErrConfirmationExpired
		}
		observability.Confirmation("not_found")
		return ErrConfirmationNotFound
	}
	pa.Status = status
	pa.ConsumedAt = &now
	return nil
}

// ListPending returns userID's live tokens.
func (b *ConfirmationBroker) ListPending(ctx context.Context, userID string) ([]domain.PendingAction, error) {
	return repo.ListPending(ctx, b.DB, userID, b.now())
}

// Sweep deletes tokens that expired and were never consumed.
func (b *ConfirmationBroker) Sweep(ctx context.Context) (int64, error) {
	return repo.DeleteExpiredPending(ctx, b.DB, b.now())
}
