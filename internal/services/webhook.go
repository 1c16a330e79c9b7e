package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
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

// SourceGitHub is the webhook source name of GitHub deliveries.
const SourceGitHub = "github"

// IngestInput is one inbound delivery as received.
type IngestInput struct {
	Source     string
	EventType  string
	DeliveryID string
	Signature  string
	Payload    []byte
}

// IngestResult reports what happened to a delivery.
type IngestResult struct {
	EventID     string `json:"event_id,omitempty"`
	DeliveryID  string `json:"delivery_id"`
	SignatureOK bool   `json:"signature_ok"`
	Duplicate   bool   `json:"duplicate"`
	Updated     int    `json:"tasks_updated"`
}

// WebhookIngestor stores provider deliveries verbatim and dispatches the
// verified ones to the agent tracker. Deliveries are deduplicated by
// (source, delivery id); a re-delivery never dispatches again.
type WebhookIngestor struct {
	DB *gorm.DB
	// Secrets maps a source name to its shared signing secret.
	Secrets    map[string]string
	AgentLabel string
	Tracker    *AgentTracker
	Now        func() time.Time
}

type ghHookLabel struct {
	Name string `json:"name"`
}

type ghHookItem struct {
	Number    int           `json:"number"`
	State     string        `json:"state"`
	Labels    []ghHookLabel `json:"labels"`
	UpdatedAt time.Time     `json:"updated_at"`
}

type ghHookPayload struct {
	Action     string `json:"action"`
	Repository struct {
		FullName string `json:"full_name"`
	} `json:"repository"`
	Issue       *ghHookItem `json:"issue"`
	PullRequest *ghHookItem `json:"pull_request"`
}

// Ingest verifies, stores and (when verified and new) dispatches a delivery.
// Invalid signatures are stored with signature_ok=false and never processed;
// that outcome is not an error for the caller.
func (w *WebhookIngestor) Ingest(ctx context.Context, in IngestInput) (*IngestResult, error) {
	source := strings.ToLower(strings.TrimSpace(in.Source))
	if source == "" {
		return nil, ErrInvalidInput
	}

	tr := otel.Tracer("services/WebhookIngestor")
	ctx, span := tr.Start(ctx, "Ingest",
		trace.WithAttributes(
			attribute.String("webhook.source", source),
			attribute.String("webhook.event", in.EventType),
		),
	)
	defer span.End()
	log := zerolog.Ctx(ctx)

	deliveryID := strings.TrimSpace(in.DeliveryID)
	if deliveryID == "" {
		sum := sha256.Sum256(in.Payload)
		deliveryID = "sha256:" + hex.EncodeToString(sum[:])
	}
	eventType := strings.TrimSpace(in.EventType)
	if eventType == "" {
		eventType = "unknown"
	}

	var body ghHookPayload
	parsed := json.Unmarshal(in.Payload, &body) == nil

	now := time.Now().UTC()
	if w.Now != nil {
		now = w.Now().UTC()
	}
	sigOK := provider.VerifySignature(in.Payload, in.Signature, w.Secrets[source])
	ev := &domain.WebhookEvent{
		ID:           uuid.NewString(),
		Source:       source,
		DeliveryID:   deliveryID,
		EventType:    eventType,
		Action:       body.Action,
		RepoFullName: domain.NormalizeRepo(body.Repository.FullName),
		SignatureOK:  sigOK,
		Payload:      string(in.Payload),
		ReceivedAt:   now,
	}
	res := &IngestResult{DeliveryID: deliveryID, SignatureOK: sigOK}

	if err := repo.InsertWebhookEvent(ctx, w.DB, ev); err != nil {
		if errors.Is(err, repo.ErrDuplicate) {
			res.Duplicate = true
			observability.WebhookIngest(source, "duplicate")
			log.Info().Str("source", source).Str("delivery_id", deliveryID).Msg("duplicate webhook delivery ignored")
			return res, nil
		}
		return nil, err
	}
	res.EventID = ev.ID
	span.SetAttributes(attribute.Bool("webhook.signature_ok", sigOK))

	if !sigOK {
		observability.WebhookIngest(source, "invalid_signature")
		log.Warn().Str("source", source).Str("delivery_id", deliveryID).Str("event", eventType).Msg("webhook signature invalid; stored without processing")
		return res, nil
	}
	observability.WebhookIngest(source, "stored")

	if !parsed || w.Tracker == nil {
		return res, nil
	}
	n, err := w.dispatch(ctx, eventType, body)
	if err != nil {
		// The event is stored; the agent poller will catch up.
		log.Error().Err(err).Str("delivery_id", deliveryID).Msg("webhook dispatch failed")
		return res, nil
	}
	res.Updated = n
	if n > 0 {
		observability.WebhookIngest(source, "dispatched")
	}
	return res, nil
}

// dispatch maps issue and pull request events onto agent task updates.
func (w *WebhookIngestor) dispatch(ctx context.Context, eventType string, body ghHookPayload) (int, error) {
	var item *ghHookItem
	switch eventType {
	case "issues":
		item = body.Issue
	case "pull_request":
		item = body.PullRequest
	}
	if item == nil || item.Number <= 0 || body.Repository.FullName == "" {
		return 0, nil
	}
	labels := make([]string, 0, len(item.Labels))
	for _, l := range item.Labels {
		labels = append(labels, l.Name)
	}
	status, ok := provider.AgentStatusFromIssue(w.AgentLabel, labels, item.State)
	if !ok {
		return 0, nil
	}
	seq := item.UpdatedAt.UnixMilli()
	if item.UpdatedAt.IsZero() {
		seq = time.Now().UnixMilli()
	}
	return w.Tracker.HandleProviderUpdate(ctx, body.Repository.FullName, item.Number, provider.AgentState{
		Status: status,
		Seq:    seq,
		Detail: eventType + "." + body.Action,
	})
}

// WebhookEvents lists stored deliveries for one source (or all when empty).
func (w *WebhookIngestor) WebhookEvents(ctx context.Context, source string, page, pageSize int) ([]domain.WebhookEvent, int64, error) {
	pg := utils.NewPage(page, pageSize)
	source = strings.ToLower(strings.TrimSpace(source))
	total, err := repo.CountWebhookEvents(ctx, w.DB, source)
	if err != nil {
		return nil, 0, err
	}
	if total == 0 {
		return []domain.WebhookEvent{}, 0, nil
	}
	items, err := repo.ListWebhookEventsPage(ctx, w.DB, source, pg.Offset(), pg.Size)
	return items, total, err
}
