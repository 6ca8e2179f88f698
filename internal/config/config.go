package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

type Config struct {
	AppName string
	Env     string
	Host    string
	Port    int

	// StoreBackend selects the persistence engine: "sqlite" or "pebble".
	StoreBackend string
	SQLitePath   string
	PebblePath   string

	CORSOrigins []string

	LogLevel  string
	LogFormat string

	// KafkaBrokers being empty disables the change feed mirror.
	KafkaBrokers []string
	KafkaTopic   string

	MaxContentRunes int
	MaxPageSize     int
}

func Load() (*Config, error) {
	cfg := &Config{
		AppName: getEnv("APP_NAME", "chatsync feedd"),
		Env:     getEnv("APP_ENV", "development"),
		Host:    getEnv("HTTP_HOST", "0.0.0.0"),
		Port:    getEnvAsInt("HTTP_PORT", 8000),

		StoreBackend: getEnv("STORE_BACKEND", "sqlite"),
		SQLitePath:   getEnv("SQLITE_PATH", "feedd.db"),
		PebblePath:   getEnv("PEBBLE_PATH", "feedd.pebble"),

		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "console"),

		KafkaTopic: getEnv("KAFKA_TOPIC", "room-changes"),

		MaxContentRunes: getEnvAsInt("MAX_CONTENT_RUNES", 5000),
		MaxPageSize:     getEnvAsInt("MAX_PAGE_SIZE", 200),
	}

	switch cfg.StoreBackend {
	case "sqlite", "pebble":
	default:
		return nil, fmt.Errorf("STORE_BACKEND must be sqlite or pebble, got %q", cfg.StoreBackend)
	}

	cors := getEnv("CORS_ORIGINS", "")
	if cors != "" {
		cfg.CORSOrigins = splitList(cors)
	} else {
		cfg.CORSOrigins = []string{"http://localhost:3000", "http://localhost:5173"}
	}

	if brokers := getEnv("KAFKA_BROKERS", ""); brokers != "" {
		cfg.KafkaBrokers = splitList(brokers)
	}

	return cfg, nil
}

func (c *Config) HTTPAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvAsInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}
