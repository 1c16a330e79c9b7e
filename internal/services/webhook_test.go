package services

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/tbourn/voiceops-backend/internal/domain"
	"github.com/tbourn/voiceops-backend/internal/provider"
	"github.com/tbourn/voiceops-backend/internal/repo"
)

const hookSecret = "s3cret"

func issueEvent(labels string, updated time.Time) []byte {
	return []byte(fmt.Sprintf(`{"action":"labeled","repository":{"full_name":"Acme/API"},`+
		`"issue":{"number":42,"state":"open","labels":[%s],"updated_at":%q}}`,
		labels, updated.Format(time.RFC3339)))
}

func newIngestor(t *testing.T) (*WebhookIngestor, *AgentTracker) {
	t.Helper()
	tr, _ := newTracker(t)
	return &WebhookIngestor{
		DB:         tr.DB,
		Secrets:    map[string]string{"github": hookSecret},
		AgentLabel: "voiceops-agent",
		Tracker:    tr,
	}, tr
}

func TestWebhook_InvalidSignatureStoredNotDispatched(t *testing.T) {
	w, tr := newIngestor(t)
	ctx := context.Background()
	task, _, err := tr.Delegate(ctx, "u1", delegatePayload(), "")
	if err != nil {
		t.Fatalf("Delegate: %v", err)
	}

	body := issueEvent(`{"name":"voiceops-agent-done"}`, time.Now())
	res, err := w.Ingest(ctx, IngestInput{
		Source: "github", EventType: "issues", DeliveryID: "d-1",
		Signature: provider.Sign(body, "wrong"), Payload: body,
	})
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if res.SignatureOK || res.Updated != 0 || res.EventID == "" {
		t.Fatalf("result = %+v", res)
	}

	events, total, err := w.WebhookEvents(ctx, "github", 1, 10)
	if err != nil || total != 1 || events[0].SignatureOK || events[0].Payload != string(body) {
		t.Fatalf("stored = %+v total=%d err=%v", events, total, err)
	}
	got, _ := tr.Get(ctx, "u1", task.ID)
	if got.Status != domain.TaskRunning {
		t.Fatalf("unverified delivery changed the task: %s", got.Status)
	}
}

func TestWebhook_UnverifiedDeliveryDoesNotBlockRetry(t *testing.T) {
	w, tr := newIngestor(t)
	ctx := context.Background()
	task, _, err := tr.Delegate(ctx, "u1", delegatePayload(), "")
	if err != nil {
		t.Fatalf("Delegate: %v", err)
	}
	body := issueEvent(`{"name":"voiceops-agent-done"}`, time.Now().Add(time.Minute))

	bad, err := w.Ingest(ctx, IngestInput{
		Source: "github", EventType: "issues", DeliveryID: "d-1",
		Signature: provider.Sign(body, "wrong"), Payload: body,
	})
	if err != nil || bad.SignatureOK {
		t.Fatalf("bad delivery = %+v, %v", bad, err)
	}

	good, err := w.Ingest(ctx, IngestInput{
		Source: "github", EventType: "issues", DeliveryID: "d-1",
		Signature: provider.Sign(body, hookSecret), Payload: body,
	})
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if !good.SignatureOK || good.Duplicate || good.Updated == 0 {
		t.Fatalf("signed retry = %+v", good)
	}
	got, _ := tr.Get(ctx, "u1", task.ID)
	if got.Status != domain.TaskCompleted {
		t.Fatalf("status = %s", got.Status)
	}

	// a second signed copy is the duplicate
	dup, err := w.Ingest(ctx, IngestInput{
		Source: "github", EventType: "issues", DeliveryID: "d-1",
		Signature: provider.Sign(body, hookSecret), Payload: body,
	})
	if err != nil || !dup.Duplicate || dup.Updated != 0 {
		t.Fatalf("signed duplicate = %+v, %v", dup, err)
	}
	if _, total, _ := w.WebhookEvents(ctx, "github", 1, 10); total != 2 {
		t.Fatalf("stored events = %d", total)
	}
}

func TestWebhook_ValidEventUpdatesTaskOnce(t *testing.T) {
	w, tr := newIngestor(t)
	ctx := context.Background()
	task, _, err := tr.Delegate(ctx, "u1", delegatePayload(), "")
	if err != nil {
		t.Fatalf("Delegate: %v", err)
	}

	body := issueEvent(`{"name":"voiceops-agent-needs-input"}`, time.Now())
	in := IngestInput{
		Source: "GitHub", EventType: "issues", DeliveryID: "d-2",
		Signature: provider.Sign(body, hookSecret), Payload: body,
	}
	res, err := w.Ingest(ctx, in)
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if !res.SignatureOK || res.Duplicate || res.Updated != 1 {
		t.Fatalf("result = %+v", res)
	}
	got, _ := tr.Get(ctx, "u1", task.ID)
	if got.Status != domain.TaskNeedsInput {
		t.Fatalf("status = %s", got.Status)
	}

	// Move the task on, then re-deliver the old event.
	if _, err := tr.ApplyUpdate(ctx, task.ID, repo.AgentTaskUpdate{Status: domain.TaskRunning, Seq: time.Now().Add(time.Hour).UnixMilli()}); err != nil {
		t.Fatalf("ApplyUpdate: %v", err)
	}
	again, err := w.Ingest(ctx, in)
	if err != nil {
		t.Fatalf("re-Ingest: %v", err)
	}
	if !again.Duplicate || again.Updated != 0 {
		t.Fatalf("re-delivery = %+v", again)
	}
	got, _ = tr.Get(ctx, "u1", task.ID)
	if got.Status != domain.TaskRunning {
		t.Fatalf("re-delivery changed status to %s", got.Status)
	}
	if n, _ := repo.CountWebhookEvents(ctx, w.DB, "github"); n != 1 {
		t.Fatalf("stored %d events, want 1", n)
	}
}

func TestWebhook_StaleEventIgnored(t *testing.T) {
	w, tr := newIngestor(t)
	ctx := context.Background()
	task, _, _ := tr.Delegate(ctx, "u1", delegatePayload(), "")

	now := time.Now()
	newer := issueEvent(`{"name":"voiceops-agent-done"}`, now)
	older := issueEvent(`{"name":"voiceops-agent-in-progress"}`, now.Add(-time.Minute))
	for i, body := range [][]byte{newer, older} {
		if _, err := w.Ingest(ctx, IngestInput{
			Source: "github", EventType: "issues", DeliveryID: fmt.Sprintf("d-%d", i),
			Signature: provider.Sign(body, hookSecret), Payload: body,
		}); err != nil {
			t.Fatalf("Ingest %d: %v", i, err)
		}
	}
	got, _ := tr.Get(ctx, "u1", task.ID)
	if got.Status != domain.TaskCompleted {
		t.Fatalf("status = %s", got.Status)
	}
}

func TestWebhook_MissingDeliveryIDDedupesByBody(t *testing.T) {
	w, _ := newIngestor(t)
	ctx := context.Background()
	body := []byte(`{"zen":"Keep it logically awesome."}`)
	sig := provider.Sign(body, hookSecret)

	first, err := w.Ingest(ctx, IngestInput{Source: "github", EventType: "ping", Signature: sig, Payload: body})
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	second, err := w.Ingest(ctx, IngestInput{Source: "github", EventType: "ping", Signature: sig, Payload: body})
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if first.Duplicate || !second.Duplicate || first.DeliveryID != second.DeliveryID {
		t.Fatalf("first=%+v second=%+v", first, second)
	}
	if _, err := w.Ingest(ctx, IngestInput{Payload: body}); err != ErrInvalidInput {
		t.Fatalf("missing source: %v", err)
	}
}
