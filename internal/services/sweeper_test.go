package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/datatypes"

	"github.com/tbourn/voiceops-backend/internal/domain"
	"github.com/tbourn/voiceops-backend/internal/provider"
	"github.com/tbourn/voiceops-backend/internal/repo"
)

func TestSweeper_Sweep(t *testing.T) {
	f := newEngine(t)
	ctx := context.Background()

	req := ConfirmationRequest{Summary: "rerun checks", Payload: &domain.RerunChecksPayload{Repo: "acme/api", PRNumber: 1}}
	if _, err := f.svc.Broker.Request(ctx, "u1", req); err != nil {
		t.Fatalf("Request: %v", err)
	}
	if _, err := f.svc.Resolver.Resolve(ctx, ResolveInput{UserID: "u1", Intent: "pr.merge", Confidence: 0.9}); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	stuck := &domain.ActionLog{UserID: "u1", ActionType: domain.ActionMerge, Target: "acme/api#1", Request: datatypes.JSON(`{}`), IdempotencyKey: "stuck"}
	if err := repo.CreateActionLog(ctx, f.db, stuck); err != nil {
		t.Fatalf("CreateActionLog: %v", err)
	}
	time.Sleep(5 * time.Millisecond)

	f.clock.Advance(5 * time.Minute)
	sw := &Sweeper{
		DB:         f.db,
		Broker:     f.svc.Broker,
		Resolver:   f.svc.Resolver,
		StaleAfter: time.Millisecond,
		Logger:     zerolog.Nop(),
	}
	rep, err := sw.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if rep.ExpiredTokens != 1 || rep.Clarifications != 1 || rep.StaleAttempts != 1 {
		t.Fatalf("report = %+v", rep)
	}

	// the stuck row is reported, never resolved
	row, err := repo.GetActionLogByKey(ctx, f.db, "u1", "stuck")
	if err != nil || row.Status != domain.ActionAttempted {
		t.Fatalf("stuck row = %+v, %v", row, err)
	}

	again, err := sw.Sweep(ctx)
	if err != nil || again.ExpiredTokens != 0 || again.Clarifications != 0 {
		t.Fatalf("second sweep = %+v, %v", again, err)
	}
}

func TestSweeper_PollAgentsAndLifecycle(t *testing.T) {
	tr, fake := newTracker(t)
	ctx := context.Background()
	task, _, err := tr.Delegate(ctx, "u1", delegatePayload(), "")
	if err != nil {
		t.Fatalf("Delegate: %v", err)
	}
	fake.SetAgent("acme/api", 42, &provider.AgentState{Status: domain.TaskCompleted, Seq: 50})

	sw := &Sweeper{
		DB:            tr.DB,
		Tracker:       tr,
		SweepSchedule: "@every 1h",
		PollSchedule:  "@every 1h",
		Logger:        zerolog.Nop(),
	}
	if n, err := sw.PollAgents(ctx); err != nil || n != 1 {
		t.Fatalf("PollAgents = %d, %v", n, err)
	}
	got, _ := tr.Get(ctx, "u1", task.ID)
	if got.Status != domain.TaskCompleted {
		t.Fatalf("status = %s", got.Status)
	}

	if err := sw.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := sw.Start(ctx); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	sw.Stop()
	sw.Stop()

	bad := &Sweeper{DB: tr.DB, SweepSchedule: "not a schedule", Logger: zerolog.Nop()}
	if err := bad.Start(ctx); err == nil {
		t.Fatalf("expected invalid schedule error")
	}
}

func TestSweeper_OverlappingRunsAreSkipped(t *testing.T) {
	sw := &Sweeper{Logger: zerolog.Nop()}
	c := sw.newCron()

	release := make(chan struct{})
	started := make(chan struct{}, 4)
	var mu sync.Mutex
	runs := 0
	id, err := c.AddFunc("@every 1h", func() {
		mu.Lock()
		runs++
		mu.Unlock()
		started <- struct{}{}
		<-release
	})
	if err != nil {
		t.Fatalf("AddFunc: %v", err)
	}
	job := c.Entry(id).WrappedJob

	done := make(chan struct{})
	go func() {
		job.Run()
		close(done)
	}()
	<-started
	job.Run() // first run still holds release
	close(release)
	<-done

	mu.Lock()
	defer mu.Unlock()
	if runs != 1 {
		t.Fatalf("runs = %d; want 1", runs)
	}
}
