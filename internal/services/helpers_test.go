package services

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/voiceops-backend/internal/domain"
	"github.com/tbourn/voiceops-backend/internal/provider"
	"github.com/tbourn/voiceops-backend/internal/repo"
)

// ---------- test helpers ----------

func newSvcDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:svc_%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.SetMaxOpenConns(1)
	}
	if err := repo.AutoMigrate(db); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

// clock is a settable time source.
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock { return &clock{now: time.Now().UTC().Truncate(time.Second)} }

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type engineFixture struct {
	db    *gorm.DB
	fake  *provider.Fake
	clock *clock
	svc   *CommandService
}

func newEngine(t *testing.T) *engineFixture {
	t.Helper()
	db := newSvcDB(t)
	fake := provider.NewFake()
	clk := newClock()

	exec := &ActionExecutor{DB: db, Provider: fake, Timeout: 2 * time.Second}
	svc := &CommandService{
		DB:       db,
		Provider: fake,
		Resolver: &IntentResolver{
			DB:           db,
			Provider:     fake,
			Threshold:    0.6,
			TTL:          2 * time.Minute,
			ActiveWindow: 30 * time.Minute,
			Now:          clk.Now,
		},
		Gate:     &PolicyGate{DB: db, Provider: fake},
		Broker:   &ConfirmationBroker{DB: db, TTL: 2 * time.Minute, Now: clk.Now},
		Executor: exec,
		Tracker:  &AgentTracker{DB: db, Provider: fake, Executor: exec},
	}
	return &engineFixture{db: db, fake: fake, clock: clk, svc: svc}
}

func ptr[T any](v T) *T { return &v }

func mustPolicy(t *testing.T, db *gorm.DB, p domain.RepoPolicy) {
	t.Helper()
	if _, err := repo.UpsertPolicy(context.Background(), db, p); err != nil {
		t.Fatalf("upsert policy: %v", err)
	}
}
