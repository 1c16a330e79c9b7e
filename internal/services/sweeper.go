package services

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/tbourn/voiceops-backend/internal/repo"
)

// SweepReport summarizes one maintenance run.
type SweepReport struct {
	ExpiredTokens  int64 `json:"expired_tokens"`
	Clarifications int   `json:"clarifications"`
	StaleAttempts  int   `json:"stale_attempts"`
}

// Sweeper runs the periodic maintenance jobs: deleting expired pending
// actions, pruning stale clarifications, reporting audit rows stuck in
// "attempted", and polling non-terminal agent tasks.
type Sweeper struct {
	DB       *gorm.DB
	Broker   *ConfirmationBroker
	Resolver *IntentResolver
	Tracker  *AgentTracker

	SweepSchedule string
	PollSchedule  string
	// StaleAfter is how long an attempted row may stay open before it is reported.
	StaleAfter time.Duration
	PollBatch  int

	Logger zerolog.Logger

	mu      sync.Mutex
	cron    *cron.Cron
	running bool
}

// Start registers the jobs and starts the scheduler. Jobs run with ctx.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}

	c := s.newCron()
	sweepID, err := c.AddFunc(s.SweepSchedule, func() {
		if _, err := s.Sweep(ctx); err != nil {
			s.Logger.Error().Err(err).Msg("sweep failed")
		}
	})
	if err != nil {
		return err
	}
	var pollID cron.EntryID
	if s.Tracker != nil && s.PollSchedule != "" {
		pollID, err = c.AddFunc(s.PollSchedule, func() {
			if _, err := s.PollAgents(ctx); err != nil {
				s.Logger.Error().Err(err).Msg("agent poll failed")
			}
		})
		if err != nil {
			return err
		}
	}

	c.Start()
	s.cron, s.running = c, true

	ev := s.Logger.Info().Str("sweep_schedule", s.SweepSchedule).Time("next_sweep", c.Entry(sweepID).Next)
	if pollID != 0 {
		ev = ev.Str("poll_schedule", s.PollSchedule).Time("next_poll", c.Entry(pollID).Next)
	}
	ev.Msg("sweeper started")
	return nil
}

// newCron builds a scheduler whose jobs never overlap: a tick that fires
// while the previous run of the same job is still going is skipped.
func (s *Sweeper) newCron() *cron.Cron {
	logger := s.Logger.With().Str("component", "sweeper").Logger()
	clog := cron.PrintfLogger(&logger)
	return cron.New(
		cron.WithLogger(clog),
		cron.WithChain(cron.Recover(clog), cron.SkipIfStillRunning(clog)),
	)
}

// Stop stops the scheduler and waits for running jobs.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	done := s.cron.Stop()
	<-done.Done()
	s.running = false
	s.Logger.Info().Msg("sweeper stopped")
}

// Sweep performs one maintenance pass.
func (s *Sweeper) Sweep(ctx context.Context) (SweepReport, error) {
	var rep SweepReport
	if s.Broker != nil {
		n, err := s.Broker.Sweep(ctx)
		if err != nil {
			return rep, err
		}
		rep.ExpiredTokens = n
	}
	if s.Resolver != nil {
		rep.Clarifications = s.Resolver.Prune()
	}

	staleAfter := s.StaleAfter
	if staleAfter <= 0 {
		staleAfter = 10 * time.Minute
	}
	stale, err := repo.ListStaleAttempted(ctx, s.DB, time.Now().UTC().Add(-staleAfter), 100)
	if err != nil {
		return rep, err
	}
	rep.StaleAttempts = len(stale)
	for _, l := range stale {
		s.Logger.Warn().
			Str("action_log_id", l.ID).
			Str("action", string(l.ActionType)).
			Str("target", l.Target).
			Time("since", l.UpdatedAt).
			Msg("action attempt has no recorded outcome")
	}

	s.Logger.Info().
		Int64("expired_tokens", rep.ExpiredTokens).
		Int("clarifications", rep.Clarifications).
		Int("stale_attempts", rep.StaleAttempts).
		Msg("sweep completed")
	return rep, nil
}

// PollAgents polls one batch of non-terminal agent tasks.
func (s *Sweeper) PollAgents(ctx context.Context) (int, error) {
	batch := s.PollBatch
	if batch <= 0 {
		batch = 50
	}
	n, err := s.Tracker.PollActive(s.Logger.WithContext(ctx), batch)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.Logger.Info().Int("updated", n).Msg("agent tasks updated by poll")
	}
	return n, nil
}
