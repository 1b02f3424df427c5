// Package config loads the process configuration from the environment once
// at startup, following the reference implementation's env-var-with-default
// idiom plus .env support for local development.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/CREVIOS/agentloop/pkg/models"
)

// Load reads configuration from environment variables (and a local .env
// file, if present) and validates that security-relevant variables are set.
func Load() (*models.Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Debug().Msg("No .env file found, using environment variables")
	}

	cfg := &models.Config{
		DatabasePath: getEnvOrDefault("DATABASE_PATH", "./data/agent.db"),
		ArtifactsDir: getEnvOrDefault("ARTIFACTS_DIR", "./artifacts"),
		WorkdirRoot:  getEnvOrDefault("WORKDIR_ROOT", "./workdir"),

		CodeAppPrivateKeyPath: os.Getenv("CODE_APP_PRIVATE_KEY_PATH"),
		CodeWebhookSecret:     os.Getenv("CODE_WEBHOOK_SECRET"),

		ReviewerAppPrivateKeyPath: os.Getenv("REVIEWER_APP_PRIVATE_KEY_PATH"),
		ReviewerWebhookSecret:     os.Getenv("REVIEWER_WEBHOOK_SECRET"),

		OpenRouterAPIKey: os.Getenv("OPENROUTER_API_KEY"),
		OpenRouterModel:  getEnvOrDefault("OPENROUTER_MODEL", "google/gemini-3-flash-preview"),

		GitHubAPIBase:    getEnvOrDefault("GITHUB_API_BASE", "https://api.github.com"),
		GitHubAPIVersion: getEnvOrDefault("GITHUB_API_VERSION", "2022-11-28"),
		GitUserName:      getEnvOrDefault("GIT_USER_NAME", "code-agent[bot]"),
		GitUserEmail:     getEnvOrDefault("GIT_USER_EMAIL", "code-agent@example.com"),

		AgentCLIPath:            getEnvOrDefault("AGENT_CLI_PATH", "agent"),
		AgentMaxSteps:           getEnvIntOrDefault("agent_max_steps", 12),
		AgentMaxIters:           getEnvIntOrDefault("agent_max_iters", 3),
		AgentRetryLabels:        getEnvListOrDefault("agent_retry_labels", []string{"retry-fix"}),
		AgentAllowShell:         getEnvBoolOrDefault("agent_allow_shell", false),
		AgentToolTimeoutSec:     getEnvIntOrDefault("agent_tool_timeout_sec", 30),
		AgentMaxToolOutputChars: getEnvIntOrDefault("agent_max_tool_output_chars", 8000),

		RateLimitMaxTokens:  getEnvIntOrDefault("RATE_LIMIT_MAX_TOKENS", 2),
		RateLimitRefillSec:  getEnvIntOrDefault("RATE_LIMIT_REFILL_SEC", 30),
		RetryMaxAttempts:    getEnvIntOrDefault("RETRY_MAX_ATTEMPTS", 5),
		RetryInitialDelayMS: getEnvIntOrDefault("RETRY_INITIAL_DELAY_MS", 1000),
		RetryMaxDelayMS:     getEnvIntOrDefault("RETRY_MAX_DELAY_MS", 60000),

		CacheEnabled: getEnvBoolOrDefault("CACHE_ENABLED", true),
		CacheMaxSize: getEnvIntOrDefault("CACHE_MAX_SIZE", 1000),
		CacheTTLMin:  getEnvIntOrDefault("CACHE_TTL_MIN", 30),

		CircuitBreakerThreshold:   getEnvIntOrDefault("CIRCUIT_BREAKER_THRESHOLD", 5),
		CircuitBreakerCooldownSec: getEnvIntOrDefault("CIRCUIT_BREAKER_COOLDOWN_SEC", 30),

		MirrorRetentionDays:   getEnvIntOrDefault("MIRROR_RETENTION_DAYS", 30),
		WorkdirRetentionHours: getEnvIntOrDefault("WORKDIR_RETENTION_HOURS", 24),

		Port:      getEnvOrDefault("PORT", "8080"),
		LogLevel:  getEnvOrDefault("LOG_LEVEL", "info"),
		LogFormat: os.Getenv("LOG_FORMAT"),
	}

	codeAppID, err := parseAppID("CODE_APP_ID")
	if err != nil {
		return nil, err
	}
	cfg.CodeAppID = codeAppID

	reviewerAppID, err := parseAppID("REVIEWER_APP_ID")
	if err != nil {
		return nil, err
	}
	cfg.ReviewerAppID = reviewerAppID

	if cfg.CodeAppPrivateKeyPath == "" {
		return nil, fmt.Errorf("CODE_APP_PRIVATE_KEY_PATH is required")
	}
	if cfg.ReviewerAppPrivateKeyPath == "" {
		return nil, fmt.Errorf("REVIEWER_APP_PRIVATE_KEY_PATH is required")
	}
	if _, err := os.Stat(cfg.CodeAppPrivateKeyPath); err != nil {
		return nil, fmt.Errorf("CODE_APP_PRIVATE_KEY_PATH %q: %w", cfg.CodeAppPrivateKeyPath, err)
	}
	if _, err := os.Stat(cfg.ReviewerAppPrivateKeyPath); err != nil {
		return nil, fmt.Errorf("REVIEWER_APP_PRIVATE_KEY_PATH %q: %w", cfg.ReviewerAppPrivateKeyPath, err)
	}

	if cfg.CodeWebhookSecret == "" {
		log.Warn().Msg("CODE_WEBHOOK_SECRET is empty, signature verification disabled for the code app role")
	}
	if cfg.ReviewerWebhookSecret == "" {
		log.Warn().Msg("REVIEWER_WEBHOOK_SECRET is empty, signature verification disabled for the reviewer app role")
	}

	return cfg, nil
}

func parseAppID(envVar string) (int64, error) {
	raw := os.Getenv(envVar)
	if raw == "" {
		return 0, fmt.Errorf("%s is required", envVar)
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", envVar, err)
	}
	return id, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvListOrDefault(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
