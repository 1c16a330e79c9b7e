package config

import (
	"errors"
	"os"
	"reflect"
	"strings"
	"testing"
	"time"
)

func TestMain(m *testing.M) {
	for _, k := range []string{"PORT", "LOG_LEVEL", "DB_PATH", "GITHUB_API_URL", "SWEEP_SCHEDULE", "AGENT_POLL_SCHEDULE"} {
		os.Unsetenv(k)
	}
	os.Exit(m.Run())
}

func validConfig(t *testing.T) Config {
	t.Helper()
	cfg, err := Load()
	if err != nil {
		t.Fatalf("defaults must be valid: %v", err)
	}
	return cfg
}

func TestLoad_Defaults(t *testing.T) {
	cfg := validConfig(t)

	if cfg.Port != "8080" || cfg.GinMode != "release" || cfg.APIBasePath != "/api/v1" || cfg.DBPath != "voiceops.db" {
		t.Fatalf("server defaults unexpected: %+v", cfg)
	}
	want := EngineConfig{
		ConfidenceThreshold: 0.6,
		ConfirmationTTL:     2 * time.Minute,
		DisambiguationTTL:   2 * time.Minute,
		ActiveRepoWindow:    30 * time.Minute,
		ProviderTimeout:     10 * time.Second,
	}
	if cfg.Engine != want {
		t.Fatalf("engine defaults = %+v, want %+v", cfg.Engine, want)
	}
	if cfg.GitHub.APIURL != "https://api.github.com" || cfg.GitHub.AgentLabel != "agent" || cfg.GitHub.WebhookSecret != "" {
		t.Fatalf("github defaults unexpected: %+v", cfg.GitHub)
	}
	if cfg.Schedule != (ScheduleConfig{Sweep: "@every 1m", AgentPoll: "@every 2m"}) {
		t.Fatalf("schedule defaults unexpected: %+v", cfg.Schedule)
	}
	if cfg.CORS.AllowedOrigins != nil || cfg.Security.EnableHSTS || cfg.OTEL.Enabled {
		t.Fatalf("edge defaults must be off: %+v %+v %+v", cfg.CORS, cfg.Security, cfg.OTEL)
	}
}

func TestLoad_Overrides(t *testing.T) {
	env := map[string]string{
		"PORT":                        "8088",
		"READ_TIMEOUT":                "2s",
		"GIN_MODE":                    "weird",
		"LOG_LEVEL":                   "warning",
		"LOG_PRETTY":                  "yes",
		"SWAGGER_ENABLED":             "on",
		"API_BASE_PATH":               "voice/v2/",
		"DB_PATH":                     "db.sqlite",
		"POLICY_SEED_PATH":            "policies.yaml",
		"CONFIDENCE_THRESHOLD":        "0.5",
		"CONFIRMATION_TTL":            "90s",
		"PROVIDER_TIMEOUT":            "3s",
		"STORE_TRANSCRIPTS":           "true",
		"GITHUB_TOKEN":                "ghp_x",
		"GITHUB_API_URL":              "https://ghe.example.com/api/v3/",
		"GITHUB_WEBHOOK_SECRET":       "s3cret",
		"AGENT_LABEL":                 "copilot",
		"SWEEP_SCHEDULE":              "*/5 * * * *",
		"AGENT_POLL_SCHEDULE":         "@every 30s",
		"RATE_RPS":                    "x",
		"RATE_BURST":                  "25",
		"CORS_ALLOWED_ORIGINS":        " https://a.com , , http://b ",
		"ENABLE_HSTS":                 "TRUE",
		"HSTS_MAX_AGE":                "24h",
		"IDEMPOTENCY_KEY_MAX_LEN":     "64",
		"OTEL_ENABLED":                "1",
		"OTEL_EXPORTER_OTLP_ENDPOINT": "otel:4317",
		"OTEL_EXPORTER_OTLP_INSECURE": "0",
		"OTEL_SERVICE_NAME":           "svc",
		"OTEL_TRACES_SAMPLER_ARG":     "0.75",
	}
	for k, v := range env {
		t.Setenv(k, v)
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	checks := []struct {
		name string
		ok   bool
	}{
		{"port", cfg.Port == "8088"},
		{"read timeout", cfg.ReadTimeout == 2*time.Second},
		{"gin mode normalized", cfg.GinMode == "release"},
		{"log level normalized", cfg.LogLevel == "warn"},
		{"pretty", cfg.LogPretty},
		{"swagger", cfg.SwaggerEnabled},
		{"base path", cfg.APIBasePath == "/voice/v2"},
		{"db", cfg.DBPath == "db.sqlite" && cfg.PolicySeedPath == "policies.yaml"},
		{"threshold", cfg.Engine.ConfidenceThreshold == 0.5},
		{"confirmation ttl", cfg.Engine.ConfirmationTTL == 90*time.Second},
		{"provider timeout", cfg.Engine.ProviderTimeout == 3*time.Second},
		{"transcripts", cfg.Engine.StoreTranscripts},
		{"api url trimmed", cfg.GitHub.APIURL == "https://ghe.example.com/api/v3"},
		{"github", cfg.GitHub.Token == "ghp_x" && cfg.GitHub.WebhookSecret == "s3cret" && cfg.GitHub.AgentLabel == "copilot"},
		{"schedules", cfg.Schedule.Sweep == "*/5 * * * *" && cfg.Schedule.AgentPoll == "@every 30s"},
		{"rate rps falls back", cfg.RateRPS == 5.0},
		{"rate burst", cfg.RateBurst == 25},
		{"cors", reflect.DeepEqual(cfg.CORS.AllowedOrigins, []string{"https://a.com", "http://b"})},
		{"hsts", cfg.Security.EnableHSTS && cfg.Security.HSTSMaxAge == 24*time.Hour},
		{"idempotency", cfg.IdempotencyKeyMaxLen == 64},
		{"otel", cfg.OTEL == OTELConfig{Enabled: true, Endpoint: "otel:4317", ServiceName: "svc", SampleRatio: 0.75}},
	}
	for _, c := range checks {
		if !c.ok {
			t.Errorf("%s: unexpected config %+v", c.name, cfg)
		}
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"log level", func(c *Config) { c.LogLevel = "verbose" }, "LOG_LEVEL"},
		{"port", func(c *Config) { c.Port = "  " }, "PORT must not be empty"},
		{"timeouts", func(c *Config) { c.IdleTimeout = 0 }, "timeouts must be positive"},
		{"header bytes", func(c *Config) { c.MaxHeaderBytes = 0 }, "MAX_HEADER_BYTES"},
		{"db path", func(c *Config) { c.DBPath = "" }, "DB_PATH must not be empty"},
		{"rate rps", func(c *Config) { c.RateRPS = -1 }, "RATE_RPS"},
		{"rate burst", func(c *Config) { c.RateBurst = 0 }, "RATE_BURST"},
		{"hsts", func(c *Config) { c.Security.HSTSMaxAge = -time.Second }, "HSTS_MAX_AGE"},
		{"idempotency", func(c *Config) { c.IdempotencyKeyMaxLen = 0 }, "IDEMPOTENCY_KEY_MAX_LEN"},
		{"threshold", func(c *Config) { c.Engine.ConfidenceThreshold = 1.2 }, "CONFIDENCE_THRESHOLD"},
		{"confirmation ttl", func(c *Config) { c.Engine.ConfirmationTTL = 0 }, "CONFIRMATION_TTL"},
		{"disambiguation ttl", func(c *Config) { c.Engine.DisambiguationTTL = -1 }, "DISAMBIGUATION_TTL"},
		{"repo window", func(c *Config) { c.Engine.ActiveRepoWindow = 0 }, "ACTIVE_REPO_WINDOW"},
		{"provider timeout", func(c *Config) { c.Engine.ProviderTimeout = 0 }, "PROVIDER_TIMEOUT"},
		{"api url", func(c *Config) { c.GitHub.APIURL = "ftp://x" }, "GITHUB_API_URL"},
		{"agent label", func(c *Config) { c.GitHub.AgentLabel = " " }, "AGENT_LABEL"},
		{"sweep schedule", func(c *Config) { c.Schedule.Sweep = "every minute" }, "SWEEP_SCHEDULE"},
		{"poll schedule", func(c *Config) { c.Schedule.AgentPoll = "@sometimes" }, "AGENT_POLL_SCHEDULE"},
		{"sample ratio", func(c *Config) { c.OTEL.SampleRatio = 2 }, "OTEL_TRACES_SAMPLER_ARG"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig(t)
			tc.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("Validate() = %v, want mention of %q", err, tc.want)
			}
		})
	}
}

func TestValidate_DisabledAgentPollIsFine(t *testing.T) {
	cfg := validConfig(t)
	cfg.Schedule.AgentPoll = ""
	if err := cfg.Validate(); err != nil {
		t.Fatalf("empty poll schedule should be allowed: %v", err)
	}
}

func TestValidate_ReportsEveryProblem(t *testing.T) {
	cfg := validConfig(t)
	cfg.RateBurst = 0
	cfg.Engine.ConfirmationTTL = 0
	cfg.GitHub.AgentLabel = ""

	err := cfg.Validate()
	for _, want := range []string{"RATE_BURST", "CONFIRMATION_TTL", "AGENT_LABEL"} {
		if err == nil || !strings.Contains(err.Error(), want) {
			t.Fatalf("joined error %v missing %s", err, want)
		}
	}
	var joined interface{ Unwrap() []error }
	if !errors.As(err, &joined) || len(joined.Unwrap()) != 3 {
		t.Fatalf("expected 3 joined errors, got %v", err)
	}
}

func TestMustLoad(t *testing.T) {
	t.Run("valid defaults", func(t *testing.T) {
		if cfg := MustLoad(); cfg.APIBasePath == "" {
			t.Fatalf("unexpected empty config")
		}
	})
	t.Run("invalid panics", func(t *testing.T) {
		t.Setenv("LOG_LEVEL", "verbose")
		defer func() {
			if recover() == nil {
				t.Fatalf("MustLoad should panic on invalid config")
			}
		}()
		_ = MustLoad()
	})
}

func TestEnvHelpers(t *testing.T) {
	t.Setenv("X_EMPTY", "")
	t.Setenv("X_SET", "val")
	t.Setenv("F", " 3.14 ")
	t.Setenv("I", "42")
	t.Setenv("D", "150ms")
	t.Setenv("BAD", "zzz")

	if getenv("X_EMPTY", "d") != "d" || getenv("X_SET", "d") != "val" || getenv("X_UNSET_VOICEOPS", "d") != "d" {
		t.Fatalf("getenv fallbacks wrong")
	}
	if getfloat("F", 0) != 3.14 || getfloat("BAD", 1.5) != 1.5 {
		t.Fatalf("getfloat wrong")
	}
	if getint("I", 0) != 42 || getint("BAD", 7) != 7 {
		t.Fatalf("getint wrong")
	}
	if getdur("D", time.Second) != 150*time.Millisecond || getdur("BAD", 2*time.Second) != 2*time.Second {
		t.Fatalf("getdur wrong")
	}
}

func TestGetbool(t *testing.T) {
	cases := map[string]bool{
		"1": true, "true": true, "TRUE": true, " yes ": true, "Y": true, "on": true,
		"0": false, "false": false, "FALSE": false, " no ": false, "N": false, "Off": false,
	}
	for v, want := range cases {
		t.Setenv("VOICEOPS_BOOL", v)
		if got := getbool("VOICEOPS_BOOL", !want); got != want {
			t.Fatalf("getbool(%q) = %v; want %v", v, got, want)
		}
	}
	t.Setenv("VOICEOPS_BOOL", "maybe")
	if !getbool("VOICEOPS_BOOL", true) || getbool("VOICEOPS_BOOL", false) {
		t.Fatalf("unrecognized values must fall back to the default")
	}
}

func TestSplitCSVAndBasePath(t *testing.T) {
	if out := splitCSV(""); out != nil {
		t.Fatalf("splitCSV empty should return nil, got %#v", out)
	}
	if got := splitCSV(" a, ,b ,  c  ,"); !reflect.DeepEqual(got, []string{"a", "b", "c"}) {
		t.Fatalf("splitCSV = %#v", got)
	}
	for in, want := range map[string]string{"": "/", " / ": "/", "v1": "/v1", "/v1/": "/v1", "api/v1//": "/api/v1"} {
		if got := normalizeBasePath(in); got != want {
			t.Fatalf("normalizeBasePath(%q) = %q; want %q", in, got, want)
		}
	}
}
