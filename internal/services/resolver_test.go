package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tbourn/voiceops-backend/internal/domain"
	"github.com/tbourn/voiceops-backend/internal/provider"
	"github.com/tbourn/voiceops-backend/internal/repo"
)

func newResolver(t *testing.T) (*IntentResolver, *provider.Fake, *clock) {
	t.Helper()
	clk := newClock()
	fake := provider.NewFake()
	return &IntentResolver{
		DB:           newSvcDB(t),
		Provider:     fake,
		Threshold:    0.6,
		TTL:          2 * time.Minute,
		ActiveWindow: 30 * time.Minute,
		Now:          clk.Now,
	}, fake, clk
}

func seedActiveRepo(t *testing.T, r *IntentResolver, userID, repoName string) {
	t.Helper()
	if err := repo.CreateCommand(context.Background(), r.DB, &domain.Command{
		UserID: userID, InputType: "voice", IntentName: "pr.list",
		RepoFullName: repoName, Status: domain.CommandOK, Outcome: OutcomeRead,
	}); err != nil {
		t.Fatalf("seed command: %v", err)
	}
}

func TestResolver_LowConfidenceAndUnknown(t *testing.T) {
	r, _, _ := newResolver(t)
	ctx := context.Background()

	_, err := r.Resolve(ctx, ResolveInput{UserID: "u1", Intent: "pr.merge", Confidence: 0.3})
	if !errors.Is(err, ErrLowConfidence) {
		t.Fatalf("low confidence: %v", err)
	}
	_, err = r.Resolve(ctx, ResolveInput{UserID: "u1", Intent: "pr.explode", Confidence: 0.9})
	if !errors.Is(err, ErrUnknownIntent) {
		t.Fatalf("unknown: %v", err)
	}
}

func TestResolver_ExplicitSlots(t *testing.T) {
	r, _, _ := newResolver(t)
	res, err := r.Resolve(context.Background(), ResolveInput{
		UserID: "u1", Intent: "pr.request_review", Confidence: 0.9,
		Entities: map[string]string{"repo": "Acme/API", "pr_number": "#12", "reviewers": "carol, @bob and alice"},
	})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	p, ok := res.Payload.(*domain.RequestReviewPayload)
	if !ok {
		t.Fatalf("payload = %#v", res.Payload)
	}
	if p.Repo != "acme/api" || p.PRNumber != 12 || len(p.Reviewers) != 3 || p.Reviewers[0] != "alice" || p.Reviewers[1] != "bob" {
		t.Fatalf("payload = %+v", p)
	}
}

func TestResolver_InvalidNumber(t *testing.T) {
	r, _, _ := newResolver(t)
	_, err := r.Resolve(context.Background(), ResolveInput{
		UserID: "u1", Intent: "pr.status", Confidence: 0.9,
		Entities: map[string]string{"repo": "acme/api", "number": "twelve"},
	})
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestResolver_FillsSingleActiveRepo(t *testing.T) {
	r, _, _ := newResolver(t)
	seedActiveRepo(t, r, "u1", "acme/api")
	seedActiveRepo(t, r, "u2", "other/repo")

	res, err := r.Resolve(context.Background(), ResolveInput{
		UserID: "u1", Intent: "pr.summarize", Confidence: 0.8,
		Entities: map[string]string{"number": "5"},
	})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.Clarification != nil {
		t.Fatalf("unexpected clarification %+v", res.Clarification)
	}
	if res.Payload.Target() != "acme/api#5" {
		t.Fatalf("target = %s", res.Payload.Target())
	}
}

func TestResolver_TiedReposAskThenSelect(t *testing.T) {
	r, _, _ := newResolver(t)
	ctx := context.Background()
	seedActiveRepo(t, r, "u1", "acme/backend-api")
	seedActiveRepo(t, r, "u1", "acme/web-frontend")

	res, err := r.Resolve(ctx, ResolveInput{
		UserID: "u1", Intent: "pr.summarize", Confidence: 0.8,
		Entities: map[string]string{"number": "412"},
	})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	c := res.Clarification
	if c == nil || c.Slot != SlotRepo || len(c.Candidates) != 2 || res.Payload != nil {
		t.Fatalf("expected repo clarification, got %+v", res)
	}
	if !r.HasPending("u1") {
		t.Fatalf("clarification not kept")
	}

	sel, err := r.Resolve(ctx, ResolveInput{
		UserID: "u1", Intent: "context.select", Confidence: 0.9,
		Transcript: "the backend one",
	})
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if sel.Payload == nil || sel.Payload.Target() != "acme/backend-api#412" {
		t.Fatalf("selected = %+v", sel)
	}
	if r.HasPending("u1") {
		t.Fatalf("clarification should be consumed")
	}
}

func TestResolver_NarrowsByPRNumber(t *testing.T) {
	r, fake, _ := newResolver(t)
	seedActiveRepo(t, r, "u1", "acme/api")
	seedActiveRepo(t, r, "u1", "acme/web")
	fake.AddPR("acme/web", 9, "Button", 0)

	res, err := r.Resolve(context.Background(), ResolveInput{
		UserID: "u1", Intent: "pr.status", Confidence: 0.8,
		Entities: map[string]string{"number": "9"},
	})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.Payload == nil || res.Payload.Target() != "acme/web#9" {
		t.Fatalf("resolution = %+v", res)
	}
}

func TestResolver_SelectByChoice(t *testing.T) {
	r, _, _ := newResolver(t)
	ctx := context.Background()
	seedActiveRepo(t, r, "u1", "acme/a")
	seedActiveRepo(t, r, "u1", "acme/b")

	res, _ := r.Resolve(ctx, ResolveInput{UserID: "u1", Intent: "pr.rerun_checks", Confidence: 0.9, Entities: map[string]string{"number": "1"}})
	if res.Clarification == nil {
		t.Fatalf("expected clarification")
	}
	// candidates are newest first
	sel, err := r.Resolve(ctx, ResolveInput{UserID: "u1", Intent: "context.select", Confidence: 0.9, Entities: map[string]string{"choice": "2"}})
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	want := res.Clarification.Candidates[1] + "#1"
	if sel.Payload.Target() != want {
		t.Fatalf("target = %s; want %s", sel.Payload.Target(), want)
	}
}

func TestResolver_UnrelatedUtteranceDiscards(t *testing.T) {
	r, _, _ := newResolver(t)
	ctx := context.Background()
	seedActiveRepo(t, r, "u1", "acme/a")
	seedActiveRepo(t, r, "u1", "acme/b")

	if res, _ := r.Resolve(ctx, ResolveInput{UserID: "u1", Intent: "pr.status", Confidence: 0.9, Entities: map[string]string{"number": "1"}}); res.Clarification == nil {
		t.Fatalf("expected clarification")
	}
	if _, err := r.Resolve(ctx, ResolveInput{UserID: "u1", Intent: "pr.list", Confidence: 0.9}); err != nil {
		t.Fatalf("pr.list: %v", err)
	}
	if _, err := r.Resolve(ctx, ResolveInput{UserID: "u1", Intent: "context.select", Confidence: 0.9, Entities: map[string]string{"choice": "1"}}); !errors.Is(err, ErrNoPendingClarification) {
		t.Fatalf("expected ErrNoPendingClarification, got %v", err)
	}
}

func TestResolver_ClarificationExpires(t *testing.T) {
	r, _, clk := newResolver(t)
	ctx := context.Background()
	seedActiveRepo(t, r, "u1", "acme/a")
	seedActiveRepo(t, r, "u1", "acme/b")

	if res, _ := r.Resolve(ctx, ResolveInput{UserID: "u1", Intent: "pr.status", Confidence: 0.9, Entities: map[string]string{"number": "1"}}); res.Clarification == nil {
		t.Fatalf("expected clarification")
	}
	clk.Advance(3 * time.Minute)
	if r.HasPending("u1") {
		t.Fatalf("clarification should have expired")
	}
	if n := r.Prune(); n != 1 {
		t.Fatalf("Prune = %d", n)
	}
	if _, err := r.Resolve(ctx, ResolveInput{UserID: "u1", Intent: "context.select", Confidence: 0.9, Entities: map[string]string{"choice": "1"}}); !errors.Is(err, ErrNoPendingClarification) {
		t.Fatalf("expected ErrNoPendingClarification, got %v", err)
	}
}

func TestResolver_AsksForPRNumber(t *testing.T) {
	r, fake, _ := newResolver(t)
	ctx := context.Background()
	fake.AddPR("acme/api", 3, "Fix flaky login test", 0)
	fake.AddPR("acme/api", 8, "Bump dependencies", 0)

	res, err := r.Resolve(ctx, ResolveInput{UserID: "u1", Login: "octo", Intent: "pr.merge", Confidence: 0.9, Entities: map[string]string{"repo": "acme/api"}})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.Clarification == nil || res.Clarification.Slot != SlotNumber || len(res.Clarification.Candidates) != 2 {
		t.Fatalf("expected number clarification, got %+v", res)
	}

	sel, err := r.Resolve(ctx, ResolveInput{UserID: "u1", Intent: "context.select", Confidence: 0.9, Transcript: "the dependencies one"})
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if sel.Payload.Target() != "acme/api#8" {
		t.Fatalf("target = %s", sel.Payload.Target())
	}
}
