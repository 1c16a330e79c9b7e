// Package config provides application configuration loaded from environment
// variables with defaults and validation. It centralizes server timeouts,
// logging, storage, the command engine knobs (confidence threshold, token
// TTLs), provider credentials, background schedules, and observability.
package config

import (
	"strings"
	"time"
)

// CORSConfig defines Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string
}

// SecurityConfig defines security-related settings such as HSTS.
type SecurityConfig struct {
	EnableHSTS bool
	HSTSMaxAge time.Duration
}

// OTELConfig defines OpenTelemetry observability settings.
type OTELConfig struct {
	Enabled     bool    // OTEL_ENABLED
	Endpoint    string  // OTEL_EXPORTER_OTLP_ENDPOINT (e.g. "otel:4317")
	Insecure    bool    // OTEL_EXPORTER_OTLP_INSECURE (true if no TLS)
	ServiceName string  // OTEL_SERVICE_NAME (e.g. "voiceops-backend")
	SampleRatio float64 // OTEL_TRACES_SAMPLER_ARG in [0..1]
}

// EngineConfig holds the knobs of the intent → policy → confirm → execute pipeline.
type EngineConfig struct {
	ConfidenceThreshold float64       // below this the engine answers "didn't catch that"
	ConfirmationTTL     time.Duration // lifetime of a pending-action token
	DisambiguationTTL   time.Duration // lifetime of a pending clarification
	ActiveRepoWindow    time.Duration // how far back "recently active repos" reach
	ProviderTimeout     time.Duration // deadline for a single provider call
	StoreTranscripts    bool          // default privacy setting for new users
}

// GitHubConfig holds provider credentials and conventions.
type GitHubConfig struct {
	Token         string // GITHUB_TOKEN
	APIURL        string // GITHUB_API_URL
	WebhookSecret string // GITHUB_WEBHOOK_SECRET
	AgentLabel    string // AGENT_LABEL
}

// ScheduleConfig holds cron specs for background jobs.
type ScheduleConfig struct {
	Sweep     string // SWEEP_SCHEDULE
	AgentPoll string // AGENT_POLL_SCHEDULE
}

// Config is the full process configuration. Field comments name the
// environment variable each value comes from.
type Config struct {
	Port              string        // PORT
	ReadTimeout       time.Duration // READ_TIMEOUT
	ReadHeaderTimeout time.Duration // READ_HEADER_TIMEOUT
	WriteTimeout      time.Duration // WRITE_TIMEOUT
	IdleTimeout       time.Duration // IDLE_TIMEOUT
	MaxHeaderBytes    int           // MAX_HEADER_BYTES
	GinMode           string        // GIN_MODE: debug, release or test

	LogLevel       string // LOG_LEVEL
	LogPretty      bool   // LOG_PRETTY
	SwaggerEnabled bool   // SWAGGER_ENABLED
	APIBasePath    string // API_BASE_PATH

	DBPath         string // DB_PATH
	PolicySeedPath string // POLICY_SEED_PATH, optional YAML of administrator policies

	RateRPS   float64 // RATE_RPS
	RateBurst int     // RATE_BURST

	CORS     CORSConfig
	Security SecurityConfig

	IdempotencyKeyMaxLen int // IDEMPOTENCY_KEY_MAX_LEN

	Engine   EngineConfig
	GitHub   GitHubConfig
	Schedule ScheduleConfig
	OTEL     OTELConfig
}

// MustLoad loads the configuration and panics if validation fails.
func MustLoad() Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// Load reads the environment, applies defaults and normalizes values. The
// returned Config is populated even when validation fails.
func Load() (Config, error) {
	cfg := Config{
		Port:              getenv("PORT", "8080"),
		ReadTimeout:       getdur("READ_TIMEOUT", 15*time.Second),
		ReadHeaderTimeout: getdur("READ_HEADER_TIMEOUT", 10*time.Second),
		WriteTimeout:      getdur("WRITE_TIMEOUT", 20*time.Second),
		IdleTimeout:       getdur("IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes:    getint("MAX_HEADER_BYTES", 1<<20),
		GinMode:           strings.ToLower(getenv("GIN_MODE", "release")),

		LogLevel:       strings.ToLower(getenv("LOG_LEVEL", "info")),
		LogPretty:      getbool("LOG_PRETTY", false),
		SwaggerEnabled: getbool("SWAGGER_ENABLED", false),
		APIBasePath:    normalizeBasePath(getenv("API_BASE_PATH", "/api/v1")),

		DBPath:         getenv("DB_PATH", "voiceops.db"),
		PolicySeedPath: getenv("POLICY_SEED_PATH", ""),

		RateRPS:   getfloat("RATE_RPS", 5.0),
		RateBurst: getint("RATE_BURST", 10),

		CORS: CORSConfig{
			AllowedOrigins: splitCSV(getenv("CORS_ALLOWED_ORIGINS", "")),
		},
		Security: SecurityConfig{
			EnableHSTS: getbool("ENABLE_HSTS", false),
			HSTSMaxAge: getdur("HSTS_MAX_AGE", 180*24*time.Hour),
		},

		IdempotencyKeyMaxLen: getint("IDEMPOTENCY_KEY_MAX_LEN", 200),

		Engine: EngineConfig{
			ConfidenceThreshold: getfloat("CONFIDENCE_THRESHOLD", 0.6),
			ConfirmationTTL:     getdur("CONFIRMATION_TTL", 2*time.Minute),
			DisambiguationTTL:   getdur("DISAMBIGUATION_TTL", 2*time.Minute),
			ActiveRepoWindow:    getdur("ACTIVE_REPO_WINDOW", 30*time.Minute),
			ProviderTimeout:     getdur("PROVIDER_TIMEOUT", 10*time.Second),
			StoreTranscripts:    getbool("STORE_TRANSCRIPTS", false),
		},
		GitHub: GitHubConfig{
			Token:         getenv("GITHUB_TOKEN", ""),
			APIURL:        strings.TrimRight(getenv("GITHUB_API_URL", "https://api.github.com"), "/"),
			WebhookSecret: getenv("GITHUB_WEBHOOK_SECRET", ""),
			AgentLabel:    getenv("AGENT_LABEL", "agent"),
		},
		Schedule: ScheduleConfig{
			Sweep:     getenv("SWEEP_SCHEDULE", "@every 1m"),
			AgentPoll: getenv("AGENT_POLL_SCHEDULE", "@every 2m"),
		},

		OTEL: OTELConfig{
			Enabled:     getbool("OTEL_ENABLED", false),
			Endpoint:    getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			Insecure:    getbool("OTEL_EXPORTER_OTLP_INSECURE", true),
			ServiceName: getenv("OTEL_SERVICE_NAME", "voiceops-backend"),
			SampleRatio: getfloat("OTEL_TRACES_SAMPLER_ARG", 1.0),
		},
	}

	if cfg.LogLevel == "warning" {
		cfg.LogLevel = "warn"
	}
	switch cfg.GinMode {
	case "debug", "release", "test":
	default:
		cfg.GinMode = "release"
	}
	return cfg, cfg.Validate()
}
