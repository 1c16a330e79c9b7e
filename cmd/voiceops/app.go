package main

import (
	"errors"
	"fmt"
	"io/fs"
	"net/http"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/tbourn/voiceops-backend/internal/config"
	"github.com/tbourn/voiceops-backend/internal/provider"
	"github.com/tbourn/voiceops-backend/internal/repo"
	"github.com/tbourn/voiceops-backend/internal/services"
	"github.com/tbourn/voiceops-backend/internal/sysutil"
)

// app is the process wiring shared by the subcommands.
type app struct {
	cfg    config.Config
	logger zerolog.Logger
	db     *gorm.DB
	svc    *services.Container
}

// loadConfig reads the dotenv file when present, then the environment, and
// sets up logging.
func loadConfig(flags *rootFlags) (config.Config, zerolog.Logger, error) {
	if flags.envFile != "" {
		if err := godotenv.Load(flags.envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return config.Config{}, zerolog.Nop(), fmt.Errorf("load %s: %w", flags.envFile, err)
		}
	}
	cfg, err := config.Load()
	if err != nil {
		return cfg, zerolog.Nop(), fmt.Errorf("config: %w", err)
	}
	cfg.DBPath = sysutil.FirstNonEmpty(flags.dbPath, cfg.DBPath)
	logger := sysutil.SetupLogger(nil, cfg.LogLevel, cfg.LogPretty)
	return cfg, logger, nil
}

// openApp loads configuration, opens and migrates the database, and wires
// the services.
func openApp(flags *rootFlags) (*app, error) {
	cfg, logger, err := loadConfig(flags)
	if err != nil {
		return nil, err
	}
	db, err := repo.OpenSQLite(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", cfg.DBPath, err)
	}
	if err := repo.AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	gh := provider.NewGitHub(cfg.GitHub.Token, cfg.GitHub.APIURL, cfg.GitHub.AgentLabel,
		provider.WithHTTPClient(&http.Client{Timeout: cfg.Engine.ProviderTimeout}),
	)
	if cfg.GitHub.Token == "" {
		logger.Warn().Msg("GITHUB_TOKEN not set; provider calls are unauthenticated")
	}
	if cfg.GitHub.WebhookSecret == "" {
		logger.Warn().Msg("GITHUB_WEBHOOK_SECRET not set; every webhook delivery will be stored unverified")
	}

	return &app{
		cfg:    cfg,
		logger: logger,
		db:     db,
		svc:    services.NewContainer(db, gh, cfg, logger),
	}, nil
}

func (a *app) close() {
	if sqlDB, err := a.db.DB(); err == nil {
		_ = sqlDB.Close()
	}
}
