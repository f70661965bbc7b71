// Package config loads service configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Server     ServerConfig
	Database   DatabaseConfig
	Redis      RedisConfig
	JWT        JWTConfig
	Ledger     LedgerConfig
	Reconciler ReconcilerConfig
	SMTP       SMTPConfig
	Alerts     AlertsConfig
}

type ServerConfig struct {
	Host         string
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type RedisConfig struct {
	URL      string
	Password string
	DB       int
}

type JWTConfig struct {
	Secret     string
	Expiration time.Duration
}

// LedgerConfig points the ledger adapter at the device supply-chain contract.
type LedgerConfig struct {
	RPCURL          string
	ContractAddress string
	PrivateKey      string
	ChainID         int64
	SubmitTimeout   time.Duration
	Confirmations   uint64
}

type ReconcilerConfig struct {
	Interval    time.Duration
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	UseTLS   bool
}

// AlertsConfig routes operator alerts. Alerting is disabled when Email is
// empty.
type AlertsConfig struct {
	Email string
}

func Load() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         getEnv("SERVER_HOST", "0.0.0.0"),
			Port:         getEnv("SERVER_PORT", "8080"),
			ReadTimeout:  getDurationEnv("SERVER_READ_TIMEOUT", 10*time.Second),
			WriteTimeout: getDurationEnv("SERVER_WRITE_TIMEOUT", 90*time.Second),
			IdleTimeout:  getDurationEnv("SERVER_IDLE_TIMEOUT", 120*time.Second),
		},
		Database: DatabaseConfig{
			URL:             getEnv("DATABASE_URL", ""),
			MaxOpenConns:    getIntEnv("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    getIntEnv("DB_MAX_IDLE_CONNS", 25),
			ConnMaxLifetime: getDurationEnv("DB_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			URL:      normalizeRedisURL(getEnv("REDIS_URL", "localhost:6379")),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getIntEnv("REDIS_DB", 0),
		},
		JWT: JWTConfig{
			Secret:     getEnv("JWT_SECRET", "change-this-secret"),
			Expiration: getDurationEnv("JWT_EXPIRATION", 15*time.Minute),
		},
		Ledger: LedgerConfig{
			RPCURL:          getEnv("LEDGER_RPC_URL", "http://localhost:8545"),
			ContractAddress: getEnv("LEDGER_CONTRACT_ADDRESS", ""),
			PrivateKey:      getEnv("LEDGER_PRIVATE_KEY", ""),
			ChainID:         int64(getIntEnv("LEDGER_CHAIN_ID", 11155111)),
			SubmitTimeout:   getDurationEnv("LEDGER_SUBMIT_TIMEOUT", 60*time.Second),
			Confirmations:   uint64(getIntEnv("LEDGER_CONFIRMATIONS", 1)),
		},
		Reconciler: ReconcilerConfig{
			Interval:    getDurationEnv("RECONCILER_INTERVAL", 30*time.Second),
			MaxAttempts: getIntEnv("RECONCILER_MAX_ATTEMPTS", 8),
			BaseBackoff: getDurationEnv("RECONCILER_BASE_BACKOFF", 2*time.Second),
			MaxBackoff:  getDurationEnv("RECONCILER_MAX_BACKOFF", 5*time.Minute),
		},
		SMTP: SMTPConfig{
			Host:     getEnv("SMTP_HOST", ""),
			Port:     getIntEnv("SMTP_PORT", 587),
			Username: getEnv("SMTP_USERNAME", ""),
			Password: getEnv("SMTP_PASSWORD", ""),
			From:     getEnv("SMTP_FROM", ""),
			UseTLS:   getBoolEnv("SMTP_USE_TLS", true),
		},
		Alerts: AlertsConfig{
			Email: getEnv("ALERTS_EMAIL", ""),
		},
	}
}

// ValidateCore rejects configurations the server cannot start with.
func (c *Config) ValidateCore() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.Ledger.ContractAddress == "" {
		return fmt.Errorf("LEDGER_CONTRACT_ADDRESS is required")
	}
	if c.Ledger.PrivateKey == "" {
		return fmt.Errorf("LEDGER_PRIVATE_KEY is required")
	}
	if c.JWT.Secret == "" || c.JWT.Secret == "change-this-secret" {
		return fmt.Errorf("JWT_SECRET must be set to a non-default value")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func normalizeRedisURL(url string) string {
	// Strip redis:// or redis+tls:// scheme if present
	if strings.HasPrefix(url, "redis+tls://") {
		return url[len("redis+tls://"):]
	}
	if strings.HasPrefix(url, "redis://") {
		return url[len("redis://"):]
	}
	return url
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
