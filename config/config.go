// Package config loads process settings from the environment and an
// optional .env file.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
)

// Config holds every process setting
type Config struct {
	AdminPort            string
	ProxyPort            string
	DBPath               string
	JWTSecret            string
	LogLevel             string
	LogFormat            string
	HealthCheckInterval  time.Duration
	HealthCheckTimeout   time.Duration
	AttemptRetentionDays int
	RuleCacheTTL         time.Duration
	WriteBatchSize       int
	WriteFlushTime       time.Duration
	BootstrapFile        string
	MaxBodyBytes         int64
}

const defaultJWTSecret = "change-me-in-production"

// Load reads .env when present and then the environment
func Load() *Config {
	if err := godotenv.Load(); err != nil {
		log.Warn(".env file not found, using environment and default values")
	}

	cfg := &Config{
		AdminPort:            getEnv("ADMIN_PORT", "8089"),
		ProxyPort:            getEnv("PROXY_PORT", "89"),
		DBPath:               getEnv("DB_PATH", "./strong-forward.db"),
		JWTSecret:            getEnv("JWT_SECRET", defaultJWTSecret),
		LogLevel:             getEnv("LOG_LEVEL", "info"),
		LogFormat:            getEnv("LOG_FORMAT", "text"),
		HealthCheckInterval:  getEnvDuration("HEALTH_CHECK_INTERVAL", 30*time.Second),
		HealthCheckTimeout:   getEnvDuration("HEALTH_CHECK_TIMEOUT", 5*time.Second),
		AttemptRetentionDays: getEnvInt("ATTEMPT_RETENTION_DAYS", 30),
		RuleCacheTTL:         getEnvDuration("RULE_CACHE_TTL", 10*time.Second),
		WriteBatchSize:       getEnvInt("WRITE_BATCH_SIZE", 50),
		WriteFlushTime:       getEnvDuration("WRITE_FLUSH_TIME", 5*time.Second),
		BootstrapFile:        getEnv("BOOTSTRAP_FILE", ""),
		MaxBodyBytes:         int64(getEnvInt("MAX_BODY_BYTES", 10<<20)),
	}
	if cfg.JWTSecret == defaultJWTSecret {
		log.Warn("JWT_SECRET is not set, using the built-in development secret")
	}
	return cfg
}

// SetupLogging applies the log level and format
func (c *Config) SetupLogging() {
	if strings.EqualFold(c.LogFormat, "json") {
		log.SetFormatter(&log.JSONFormatter{})
	} else {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}
	level, err := log.ParseLevel(c.LogLevel)
	if err != nil {
		log.Warnf("Invalid LOG_LEVEL %q, using info", c.LogLevel)
		level = log.InfoLevel
	}
	log.SetLevel(level)
}

// getEnv gets an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// getEnvInt gets an environment variable as an integer or returns a default value
func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	intValue, err := strconv.Atoi(value)
	if err != nil {
		log.Warnf("Invalid value for %s: %s, using default %d", key, value, defaultValue)
		return defaultValue
	}
	return intValue
}

// getEnvDuration gets an environment variable as a duration or returns a default value
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	duration, err := time.ParseDuration(value)
	if err != nil {
		log.Warnf("Invalid duration for %s: %s, using default %v", key, value, defaultValue)
		return defaultValue
	}
	return duration
}
