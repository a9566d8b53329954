package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/aicredits/pkg/credits"
)

// Store drivers.
const (
	StoreDriverGORM = "gorm"
	StoreDriverPGX  = "pgx"
)

const (
	defaultListenAddr         = ":8080"
	defaultDatabaseURL        = "sqlite:///tmp/aicredits.db"
	defaultAllowedOrigin      = "http://localhost:8000"
	defaultSessionIssuer      = "tauth"
	defaultSessionCookie      = "app_session"
	defaultRequestTimeout     = 3 * time.Second
	defaultExpiryInterval     = time.Minute
	defaultResetInterval      = time.Hour
	defaultLockTTL            = 10 * time.Minute
	defaultLowBalanceDebounce = 24 * time.Hour
	defaultNodeID             = 1
	maxNodeID                 = 1023
)

// Config aggregates runtime settings for creditd.
type Config struct {
	ListenAddr         string
	DatabaseURL        string
	StoreDriver        string
	AllowedOrigins     []string
	SessionSigningKey  string
	SessionIssuer      string
	SessionCookieName  string
	JobToken           string
	RequestTimeout     time.Duration
	RedisAddr          string
	RedisPassword      string
	RedisDB            int
	ExpiryInterval     time.Duration
	ResetInterval      time.Duration
	ExpiryBatchSize    int
	ResetBatchSize     int
	LockTTL            time.Duration
	LowBalanceDebounce time.Duration
	ReservationTTL     time.Duration
	NodeID             int64
}

// Validate fills defaults and reports settings the HTTP server cannot run without.
func (cfg *Config) Validate() error {
	if err := cfg.ValidateWorker(); err != nil {
		return err
	}
	if len(cfg.SessionSigningKey) == 0 {
		return fmt.Errorf("jwt signing key is required")
	}
	return nil
}

// ValidateWorker fills defaults and checks the settings shared by one-shot jobs and migrations.
func (cfg *Config) ValidateWorker() error {
	cfg.ListenAddr = defaultIfEmpty(cfg.ListenAddr, defaultListenAddr)
	cfg.DatabaseURL = defaultIfEmpty(cfg.DatabaseURL, defaultDatabaseURL)
	cfg.StoreDriver = strings.ToLower(defaultIfEmpty(cfg.StoreDriver, StoreDriverGORM))
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{defaultAllowedOrigin}
	}
	cfg.SessionIssuer = defaultIfEmpty(cfg.SessionIssuer, defaultSessionIssuer)
	cfg.SessionCookieName = defaultIfEmpty(cfg.SessionCookieName, defaultSessionCookie)
	cfg.RequestTimeout = defaultDuration(cfg.RequestTimeout, defaultRequestTimeout)
	cfg.ExpiryInterval = defaultDuration(cfg.ExpiryInterval, defaultExpiryInterval)
	cfg.ResetInterval = defaultDuration(cfg.ResetInterval, defaultResetInterval)
	cfg.LockTTL = defaultDuration(cfg.LockTTL, defaultLockTTL)
	cfg.LowBalanceDebounce = defaultDuration(cfg.LowBalanceDebounce, defaultLowBalanceDebounce)
	cfg.ReservationTTL = defaultDuration(cfg.ReservationTTL, credits.DefaultReservationTTL)
	if cfg.ExpiryBatchSize <= 0 {
		cfg.ExpiryBatchSize = credits.DefaultExpiryBatchSize
	}
	if cfg.ResetBatchSize <= 0 {
		cfg.ResetBatchSize = credits.DefaultResetBatchSize
	}
	if cfg.NodeID == 0 {
		cfg.NodeID = defaultNodeID
	}

	if cfg.StoreDriver != StoreDriverGORM && cfg.StoreDriver != StoreDriverPGX {
		return fmt.Errorf("store driver must be %q or %q", StoreDriverGORM, StoreDriverPGX)
	}
	if cfg.StoreDriver == StoreDriverPGX && !IsPostgresURL(cfg.DatabaseURL) {
		return fmt.Errorf("store driver %q requires a postgres database url", StoreDriverPGX)
	}
	if cfg.RedisDB < 0 {
		return fmt.Errorf("redis db must not be negative")
	}
	if cfg.NodeID < 0 || cfg.NodeID > maxNodeID {
		return fmt.Errorf("node id must be between 0 and %d", maxNodeID)
	}
	return nil
}

// IsPostgresURL reports whether dsn addresses a PostgreSQL server.
func IsPostgresURL(dsn string) bool {
	return strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://")
}

// ParseAllowedOrigins splits comma-delimited origins into a slice.
func ParseAllowedOrigins(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return []string{}
	}
	parts := strings.Split(raw, ",")
	normalized := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			normalized = append(normalized, trimmed)
		}
	}
	return normalized
}

func defaultIfEmpty(value string, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}

func defaultDuration(value time.Duration, fallback time.Duration) time.Duration {
	if value <= 0 {
		return fallback
	}
	return value
}
