package config

import (
	"errors"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	defaultAuthorityHost = "https://login.microsoftonline.com"
	defaultGraphEndpoint = "https://graph.microsoft.com/v1.0"
)

type Config struct {
	HTTPPort      int
	DBPath        string
	AuthSecret    string
	ClientID      string
	ClientSecret  string
	TenantID      string
	AuthorityHost string
	GraphEndpoint string
	RedirectPath  string
	PublicURL     string
	DomainHint    string
	SessionMaxAge time.Duration
	MessageLimit  int
	LogLevel      slog.Level
}

func Load() Config {
	return Config{
		HTTPPort:      getEnvInt("HTTP_PORT", 5000),
		DBPath:        getEnvString("DB_PATH", ""),
		AuthSecret:    getEnvString("AUTH_SECRET", ""),
		ClientID:      getEnvString("CLIENT_ID", ""),
		ClientSecret:  getEnvString("CLIENT_SECRET", ""),
		TenantID:      getEnvString("TENANT_ID", ""),
		AuthorityHost: strings.TrimRight(getEnvString("AUTHORITY_HOST", defaultAuthorityHost), "/"),
		GraphEndpoint: strings.TrimRight(getEnvString("GRAPH_ENDPOINT", defaultGraphEndpoint), "/"),
		RedirectPath:  getEnvString("REDIRECT_PATH", "/getAToken"),
		PublicURL:     strings.TrimRight(getEnvString("PUBLIC_URL", ""), "/"),
		DomainHint:    getEnvString("DOMAIN_HINT", ""),
		SessionMaxAge: time.Duration(getEnvInt("SESSION_MAX_AGE_HOURS", 24)) * time.Hour,
		MessageLimit:  getEnvInt("MESSAGE_LIMIT", 10),
		LogLevel:      getEnvLevel("LOG_LEVEL", slog.LevelInfo),
	}
}

// Authority is the tenant-scoped identity provider URL.
func (c Config) Authority() string {
	return c.AuthorityHost + "/" + c.TenantID
}

func (c Config) Scopes() []string {
	return []string{"User.Read", "People.Read", "Mail.Read", "Mail.Read.Shared", "Group.Read.All"}
}

func (c Config) Validate() error {
	var missing []string
	if c.ClientID == "" {
		missing = append(missing, "CLIENT_ID")
	}
	if c.ClientSecret == "" {
		missing = append(missing, "CLIENT_SECRET")
	}
	if c.TenantID == "" {
		missing = append(missing, "TENANT_ID")
	}
	if len(missing) > 0 {
		return errors.New("missing required settings: " + strings.Join(missing, ", "))
	}
	if c.MessageLimit <= 0 {
		return errors.New("MESSAGE_LIMIT must be positive")
	}
	return nil
}

func getEnvString(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok {
		parsed, err := strconv.Atoi(strings.TrimSpace(value))
		if err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvLevel(key string, fallback slog.Level) slog.Level {
	if value, ok := os.LookupEnv(key); ok && strings.TrimSpace(value) != "" {
		var level slog.Level
		if err := level.UnmarshalText([]byte(strings.TrimSpace(value))); err == nil {
			return level
		}
	}
	return fallback
}
