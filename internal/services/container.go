package services

import (
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/text/language"
	"gorm.io/gorm"

	"github.com/tbourn/voiceops-backend/internal/config"
	"github.com/tbourn/voiceops-backend/internal/provider"
)

// Container holds one wired instance of every engine component. The HTTP
// layer and the CLI both build from it so they share state such as open
// clarifications and in-flight executions.
type Container struct {
	DB       *gorm.DB
	Provider provider.Client

	Resolver *IntentResolver
	Gate     *PolicyGate
	Broker   *ConfirmationBroker
	Executor *ActionExecutor
	Tracker  *AgentTracker
	Engine   *CommandService
	Audit    *AuditService
	Policies *PolicyService
	Webhooks *WebhookIngestor
	Sweeper  *Sweeper
}

// NewContainer wires the components against db and client using cfg.
func NewContainer(db *gorm.DB, client provider.Client, cfg config.Config, logger zerolog.Logger) *Container {
	eng := cfg.Engine

	exec := &ActionExecutor{DB: db, Provider: client, Timeout: eng.ProviderTimeout}
	tracker := &AgentTracker{DB: db, Provider: client, Executor: exec}
	resolver := &IntentResolver{
		DB:           db,
		Provider:     client,
		Threshold:    eng.ConfidenceThreshold,
		TTL:          eng.DisambiguationTTL,
		ActiveWindow: eng.ActiveRepoWindow,
	}
	broker := &ConfirmationBroker{DB: db, TTL: eng.ConfirmationTTL}
	gate := &PolicyGate{DB: db, Provider: client}

	secrets := map[string]string{}
	if s := strings.TrimSpace(cfg.GitHub.WebhookSecret); s != "" {
		secrets[SourceGitHub] = s
	}

	return &Container{
		DB:       db,
		Provider: client,
		Resolver: resolver,
		Gate:     gate,
		Broker:   broker,
		Executor: exec,
		Tracker:  tracker,
		Engine: &CommandService{
			DB:               db,
			Provider:         client,
			Resolver:         resolver,
			Gate:             gate,
			Broker:           broker,
			Executor:         exec,
			Tracker:          tracker,
			StoreTranscripts: eng.StoreTranscripts,
			Locale:           language.English,
		},
		Audit:    &AuditService{DB: db},
		Policies: &PolicyService{DB: db},
		Webhooks: &WebhookIngestor{
			DB:         db,
			Secrets:    secrets,
			AgentLabel: cfg.GitHub.AgentLabel,
			Tracker:    tracker,
		},
		Sweeper: &Sweeper{
			DB:            db,
			Broker:        broker,
			Resolver:      resolver,
			Tracker:       tracker,
			SweepSchedule: cfg.Schedule.Sweep,
			PollSchedule:  cfg.Schedule.AgentPoll,
			// an attempted row older than a few provider deadlines is stuck
			StaleAfter: 5*eng.ProviderTimeout + time.Minute,
			PollBatch:  50,
			Logger:     logger.With().Str("component", "sweeper").Logger(),
		},
	}
}
