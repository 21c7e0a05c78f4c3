// Package config loads medgate configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	defaultListenAddr    = ":27780"
	defaultEHRTimeout    = 30 * time.Second
	defaultCredentialTTL = 5 * time.Minute
	defaultModelName     = "gpt-4o-mini"
	defaultMaxPromptLen  = 4000
	defaultAuditQueue    = 256
)

// Config holds service runtime configuration.
type Config struct {
	ListenAddr string
	LogLevel   string

	EHRBaseURL string
	EHRTimeout time.Duration

	SigningSecret string
	SessionSecret string
	CredentialTTL time.Duration

	ModelBaseURL string
	ModelAPIKey  string
	ModelName    string

	CatalogPath    string
	AuditDBPath    string
	AuditQueueSize int
	MaxPromptLen   int
	DevMode        bool
}

// Load returns configuration parsed from environment variables. Secrets are
// intentionally not validated here: a missing signing secret must surface as
// a configuration fault at mint time, and a missing session secret as a
// closed authenticator, so the service can still start for diagnostics.
func Load() (Config, error) {
	cfg := Config{
		ListenAddr:     envOrDefault("MEDGATE_LISTEN_ADDR", defaultListenAddr),
		LogLevel:       strings.ToLower(strings.TrimSpace(envOrDefault("MEDGATE_LOG_LEVEL", "info"))),
		EHRBaseURL:     strings.TrimSpace(os.Getenv("MEDGATE_EHR_URL")),
		EHRTimeout:     envDuration("MEDGATE_EHR_TIMEOUT", defaultEHRTimeout),
		SigningSecret:  strings.TrimSpace(os.Getenv("MEDGATE_SIGNING_SECRET")),
		SessionSecret:  strings.TrimSpace(os.Getenv("MEDGATE_SESSION_SECRET")),
		CredentialTTL:  envDuration("MEDGATE_CREDENTIAL_TTL", defaultCredentialTTL),
		ModelBaseURL:   strings.TrimSpace(os.Getenv("MEDGATE_MODEL_URL")),
		ModelAPIKey:    strings.TrimSpace(os.Getenv("MEDGATE_MODEL_API_KEY")),
		ModelName:      envOrDefault("MEDGATE_MODEL_NAME", defaultModelName),
		CatalogPath:    strings.TrimSpace(os.Getenv("MEDGATE_CATALOG_PATH")),
		AuditDBPath:    strings.TrimSpace(os.Getenv("MEDGATE_AUDIT_DB_PATH")),
		AuditQueueSize: envInt("MEDGATE_AUDIT_QUEUE_SIZE", defaultAuditQueue),
		MaxPromptLen:   envInt("MEDGATE_MAX_PROMPT_LEN", defaultMaxPromptLen),
		DevMode:        envBool("MEDGATE_DEV_MODE", false),
	}

	if cfg.EHRBaseURL == "" {
		return Config{}, fmt.Errorf("MEDGATE_EHR_URL is required")
	}
	if cfg.ModelBaseURL == "" {
		return Config{}, fmt.Errorf("MEDGATE_MODEL_URL is required")
	}
	if cfg.EHRTimeout <= 0 {
		cfg.EHRTimeout = defaultEHRTimeout
	}
	if strings.TrimSpace(cfg.ListenAddr) == "" {
		cfg.ListenAddr = defaultListenAddr
	}
	if strings.TrimSpace(cfg.LogLevel) == "" {
		cfg.LogLevel = "info"
	}

	return cfg, nil
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envBool(key string, defaultVal bool) bool {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultVal
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		switch strings.ToLower(value) {
		case "yes", "on":
			return true
		case "no", "off":
			return false
		default:
			return defaultVal
		}
	}
	return parsed
}

func envInt(key string, defaultVal int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultVal
	}
	parsed, err := strconv.Atoi(value)
	if err != nil || parsed <= 0 {
		return defaultVal
	}
	return parsed
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultVal
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return defaultVal
	}
	return parsed
}
