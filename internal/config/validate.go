package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/robfig/cron/v3"
)

// Validate reports every invalid setting at once, joined into one error.
func (c Config) Validate() error {
	var errs []error
	check := func(ok bool, msg string) {
		if !ok {
			errs = append(errs, errors.New(msg))
		}
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error", "fatal", "panic":
	default:
		errs = append(errs, errors.New("LOG_LEVEL must be one of: debug, info, warn, error, fatal, panic"))
	}
	check(strings.TrimSpace(c.Port) != "", "PORT must not be empty")
	check(c.ReadTimeout > 0 && c.ReadHeaderTimeout > 0 && c.WriteTimeout > 0 && c.IdleTimeout > 0,
		"timeouts must be positive durations")
	check(c.MaxHeaderBytes > 0, "MAX_HEADER_BYTES must be > 0")
	check(strings.TrimSpace(c.DBPath) != "", "DB_PATH must not be empty")
	check(c.RateRPS >= 0, "RATE_RPS must be >= 0")
	check(c.RateBurst >= 1, "RATE_BURST must be >= 1")
	check(c.Security.HSTSMaxAge >= 0, "HSTS_MAX_AGE must be >= 0")
	check(c.IdempotencyKeyMaxLen > 0, "IDEMPOTENCY_KEY_MAX_LEN must be > 0")

	e := c.Engine
	check(e.ConfidenceThreshold >= 0 && e.ConfidenceThreshold <= 1, "CONFIDENCE_THRESHOLD must be between 0 and 1")
	check(e.ConfirmationTTL > 0, "CONFIRMATION_TTL must be > 0")
	check(e.DisambiguationTTL > 0, "DISAMBIGUATION_TTL must be > 0")
	check(e.ActiveRepoWindow > 0, "ACTIVE_REPO_WINDOW must be > 0")
	check(e.ProviderTimeout > 0, "PROVIDER_TIMEOUT must be > 0")

	check(strings.HasPrefix(c.GitHub.APIURL, "http://") || strings.HasPrefix(c.GitHub.APIURL, "https://"),
		"GITHUB_API_URL must be an http(s) URL")
	check(strings.TrimSpace(c.GitHub.AgentLabel) != "", "AGENT_LABEL must not be empty")

	if _, err := cron.ParseStandard(c.Schedule.Sweep); err != nil {
		errs = append(errs, fmt.Errorf("SWEEP_SCHEDULE %q: %w", c.Schedule.Sweep, err))
	}
	if c.Schedule.AgentPoll != "" {
		if _, err := cron.ParseStandard(c.Schedule.AgentPoll); err != nil {
			errs = append(errs, fmt.Errorf("AGENT_POLL_SCHEDULE %q: %w", c.Schedule.AgentPoll, err))
		}
	}

	check(c.OTEL.SampleRatio >= 0 && c.OTEL.SampleRatio <= 1, "OTEL_TRACES_SAMPLER_ARG must be in [0,1]")
	return errors.Join(errs...)
}
