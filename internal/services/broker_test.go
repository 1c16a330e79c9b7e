package services

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tbourn/voiceops-backend/internal/domain"
	"github.com/tbourn/voiceops-backend/internal/repo"
)

func newBroker(t *testing.T) (*ConfirmationBroker, *clock) {
	t.Helper()
	clk := newClock()
	return &ConfirmationBroker{DB: newSvcDB(t), TTL: 2 * time.Minute, Now: clk.Now}, clk
}

func reviewRequest() ConfirmationRequest {
	return ConfirmationRequest{
		Summary: "request review from bob on acme/api#12",
		Payload: &domain.RequestReviewPayload{Repo: "Acme/API", PRNumber: 12, Reviewers: []string{"@Bob"}},
	}
}

func TestNewToken_Unique(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		tok := NewToken()
		if !strings.HasPrefix(tok, TokenPrefix) || len(tok) != len(TokenPrefix)+32 {
			t.Fatalf("bad token %q", tok)
		}
		if seen[tok] {
			t.Fatalf("duplicate token %q", tok)
		}
		seen[tok] = true
	}
}

func TestBroker_RequestThenConfirmTwice(t *testing.T) {
	ctx := context.Background()
	b, _ := newBroker(t)

	pa, err := b.Request(ctx, "u1", reviewRequest())
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if pa.Status != domain.PendingStatusPending || pa.IdempotencyKey == "" {
		t.Fatalf("pending = %+v", pa)
	}

	got, payload, err := b.Confirm(ctx, "u1", pa.Token)
	if err != nil {
		t.Fatalf("Confirm: %v", err)
	}
	if got.Status != domain.PendingStatusConfirmed || got.ConsumedAt == nil {
		t.Fatalf("confirmed = %+v", got)
	}
	rr, ok := payload.(*domain.RequestReviewPayload)
	if !ok || rr.Repo != "acme/api" || rr.PRNumber != 12 || len(rr.Reviewers) != 1 || rr.Reviewers[0] != "bob" {
		t.Fatalf("payload = %#v", payload)
	}

	if _, _, err := b.Confirm(ctx, "u1", pa.Token); !errors.Is(err, ErrConfirmationNotFound) {
		t.Fatalf("second confirm: expected ErrConfirmationNotFound, got %v", err)
	}
}

func TestBroker_ConcurrentConfirmSingleWinner(t *testing.T) {
	ctx := context.Background()
	b, _ := newBroker(t)
	pa, err := b.Request(ctx, "u1", reviewRequest())
	if err != nil {
		t.Fatalf("Request: %v", err)
	}

	const n = 16
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		wins     int
		notFound int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := b.Confirm(ctx, "u1", pa.Token)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, ErrConfirmationNotFound):
				notFound++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	if wins != 1 || notFound != n-1 {
		t.Fatalf("wins=%d notFound=%d", wins, notFound)
	}
}

func TestBroker_ErrorKinds(t *testing.T) {
	ctx := context.Background()
	b, clk := newBroker(t)

	pa, err := b.Request(ctx, "u1", reviewRequest())
	if err != nil {
		t.Fatalf("Request: %v", err)
	}

	if _, _, err := b.Confirm(ctx, "u2", pa.Token); !errors.Is(err, ErrConfirmationForbidden) {
		t.Fatalf("wrong user: %v", err)
	}
	if _, _, err := b.Confirm(ctx, "u1", "pa_doesnotexist"); !errors.Is(err, ErrConfirmationNotFound) {
		t.Fatalf("unknown token: %v", err)
	}

	clk.Advance(2*time.Minute + time.Second)
	if _, _, err := b.Confirm(ctx, "u1", pa.Token); !errors.Is(err, ErrConfirmationExpired) {
		t.Fatalf("expired: %v", err)
	}
	if _, err := b.Cancel(ctx, "u1", pa.Token); !errors.Is(err, ErrConfirmationExpired) {
		t.Fatalf("cancel expired: %v", err)
	}
}

func TestBroker_LatestAndCancel(t *testing.T) {
	ctx := context.Background()
	b, clk := newBroker(t)

	if _, _, err := b.Confirm(ctx, "u1", LatestToken); !errors.Is(err, ErrConfirmationNotFound) {
		t.Fatalf("no pending: %v", err)
	}

	first, _ := b.Request(ctx, "u1", reviewRequest())
	clk.Advance(time.Second)
	second, err := b.Request(ctx, "u1", ConfirmationRequest{
		Summary: "merge acme/api#12",
		Payload: &domain.MergePayload{Repo: "acme/api", PRNumber: 12},
	})
	if err != nil {
		t.Fatalf("Request: %v", err)
	}

	cancelled, err := b.Cancel(ctx, "u1", LatestToken)
	if err != nil {
		t.Fatalf("Cancel latest: %v", err)
	}
	if cancelled.Token != second.Token || cancelled.Status != domain.PendingStatusCancelled {
		t.Fatalf("cancelled = %+v", cancelled)
	}
	if _, _, err := b.Confirm(ctx, "u1", second.Token); !errors.Is(err, ErrConfirmationNotFound) {
		t.Fatalf("confirm after cancel: %v", err)
	}

	live, err := b.ListPending(ctx, "u1")
	if err != nil || len(live) != 1 || live[0].Token != first.Token {
		t.Fatalf("ListPending = %v, %v", live, err)
	}
}

func TestBroker_Sweep(t *testing.T) {
	ctx := context.Background()
	b, clk := newBroker(t)

	old, _ := b.Request(ctx, "u1", reviewRequest())
	used, _ := b.Request(ctx, "u1", ConfirmationRequest{Summary: "merge", Payload: &domain.MergePayload{Repo: "acme/api", PRNumber: 1}})
	if _, _, err := b.Confirm(ctx, "u1", used.Token); err != nil {
		t.Fatalf("Confirm: %v", err)
	}
	clk.Advance(3 * time.Minute)
	fresh, _ := b.Request(ctx, "u1", ConfirmationRequest{Summary: "rerun", Payload: &domain.RerunChecksPayload{Repo: "acme/api", PRNumber: 1}})

	n, err := b.Sweep(ctx)
	if err != nil || n != 1 {
		t.Fatalf("Sweep = %d, %v", n, err)
	}
	if _, err := repo.GetPending(ctx, b.DB, old.Token); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expired token still present: %v", err)
	}
	for _, tok := range []string{used.Token, fresh.Token} {
		if _, err := repo.GetPending(ctx, b.DB, tok); err != nil {
			t.Fatalf("token %s removed: %v", tok, err)
		}
	}
}
