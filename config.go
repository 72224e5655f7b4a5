package main

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Defaults for the scheduling knobs. The contract between them:
// ActivationLookahead must comfortably exceed RefreshInterval + ScanInterval,
// so a timer created just before its execute_at is in the hot set before it
// is due. MinCreationDelay is the user-facing edge of that budget.
const (
	DefaultRefreshInterval     = 30 * time.Second
	DefaultScanInterval        = time.Second
	DefaultActivationLookahead = time.Minute
	DefaultRecoveryLookback    = 5 * time.Minute
	DefaultDispatchDeadline    = 30 * time.Second
	DefaultMinCreationDelay    = 5 * time.Second
)

type Config struct {
	DatabaseDSN string
	APIKey      string
	Port        uint16
	LogLevel    string

	// At most one of these is set; both empty means publish callbacks are
	// disabled and rejected at creation.
	NatsURL  string
	NatsUser string
	NatsPass string
	AmqpURL  string

	RefreshInterval     time.Duration
	ScanInterval        time.Duration
	ActivationLookahead time.Duration
	RecoveryLookback    time.Duration
	DispatchDeadline    time.Duration
	MinCreationDelay    time.Duration
}

func (c Config) PublishEnabled() bool {
	return c.NatsURL != "" || c.AmqpURL != ""
}

func NewConfigFromEnv() (Config, error) {
	// Best-effort; a missing .env file is fine.
	_ = godotenv.Load()

	c := Config{
		Port:                8080,
		LogLevel:            "info",
		RefreshInterval:     DefaultRefreshInterval,
		ScanInterval:        DefaultScanInterval,
		ActivationLookahead: DefaultActivationLookahead,
		RecoveryLookback:    DefaultRecoveryLookback,
		DispatchDeadline:    DefaultDispatchDeadline,
		MinCreationDelay:    DefaultMinCreationDelay,
	}

	dsn, err := buildDatabaseDSN()
	if err != nil {
		return c, err
	}
	c.DatabaseDSN = dsn

	c.APIKey = os.Getenv("API_KEY")
	if c.APIKey == "" {
		return c, errors.New("API_KEY config variable is required")
	}
	if len(c.APIKey) < 32 {
		return c, fmt.Errorf("API_KEY must be at least 32 characters long (got %d)", len(c.APIKey))
	}

	if raw := os.Getenv("PORT"); raw != "" {
		port, err := strconv.ParseUint(raw, 10, 16)
		if err != nil {
			return c, fmt.Errorf("PORT config variable is malformed: %w", err)
		}
		c.Port = uint16(port)
	}
	if raw := os.Getenv("LOG_LEVEL"); raw != "" {
		c.LogLevel = raw
	}

	if host := os.Getenv("NATS_HOST"); host != "" {
		natsPort := uint64(4222)
		if raw := os.Getenv("NATS_PORT"); raw != "" {
			natsPort, err = strconv.ParseUint(raw, 10, 16)
			if err != nil {
				return c, fmt.Errorf("NATS_PORT config variable is malformed: %w", err)
			}
		}
		c.NatsURL = fmt.Sprintf("nats://%s:%d", host, natsPort)
		c.NatsUser = os.Getenv("NATS_USER")
		c.NatsPass = os.Getenv("NATS_PASSWORD")
	}
	c.AmqpURL = os.Getenv("AMQP_URL")
	if c.NatsURL != "" && c.AmqpURL != "" {
		return c, errors.New("at most one publish broker may be configured (NATS_HOST or AMQP_URL)")
	}

	durations := []struct {
		name string
		dest *time.Duration
	}{
		{"REFRESH_INTERVAL", &c.RefreshInterval},
		{"SCAN_INTERVAL", &c.ScanInterval},
		{"ACTIVATION_LOOKAHEAD", &c.ActivationLookahead},
		{"RECOVERY_LOOKBACK", &c.RecoveryLookback},
		{"DISPATCH_DEADLINE", &c.DispatchDeadline},
		{"MIN_CREATION_DELAY", &c.MinCreationDelay},
	}
	for _, d := range durations {
		raw := os.Getenv(d.name)
		if raw == "" {
			continue
		}
		parsed, err := time.ParseDuration(raw)
		if err != nil {
			return c, fmt.Errorf("%s config variable is malformed: %w", d.name, err)
		}
		if parsed <= 0 {
			return c, fmt.Errorf("%s must be positive", d.name)
		}
		*d.dest = parsed
	}
	if c.ActivationLookahead <= c.RefreshInterval+c.ScanInterval {
		return c, errors.New("ACTIVATION_LOOKAHEAD must exceed REFRESH_INTERVAL + SCAN_INTERVAL")
	}

	return c, nil
}

// buildDatabaseDSN assembles the Postgres URL from component variables,
// escaping credentials so special characters survive.
func buildDatabaseDSN() (string, error) {
	host := os.Getenv("PG_HOST")
	if host == "" {
		return "", errors.New("PG_HOST config variable is required")
	}
	port := uint64(5432)
	if raw := os.Getenv("PG_PORT"); raw != "" {
		parsed, err := strconv.ParseUint(raw, 10, 16)
		if err != nil {
			return "", fmt.Errorf("PG_PORT config variable is malformed: %w", err)
		}
		port = parsed
	}
	user := os.Getenv("PG_USER")
	if user == "" {
		return "", errors.New("PG_USER config variable is required")
	}
	password := os.Getenv("PG_PASSWORD")
	if password == "" {
		return "", errors.New("PG_PASSWORD config variable is required")
	}
	dbName := os.Getenv("PG_DB_NAME")
	if dbName == "" {
		return "", errors.New("PG_DB_NAME config variable is required")
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s",
		url.QueryEscape(user), url.QueryEscape(password), host, port, dbName,
	), nil
}

// maskDSN hides the password portion of a connection URL for logging.
func maskDSN(dsn string) string {
	parsed, err := url.Parse(dsn)
	if err != nil || parsed.User == nil {
		return dsn
	}
	if _, has := parsed.User.Password(); has {
		parsed.User = url.UserPassword(parsed.User.Username(), "****")
	}
	return parsed.String()
}
