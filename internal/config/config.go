package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config is the server configuration. Values come from the YAML file first,
// then environment variables override field by field.
type Config struct {
	Server struct {
		Port         string `yaml:"port"`
		CountdownSec int    `yaml:"countdown_seconds"`
	} `yaml:"server"`

	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	} `yaml:"redis"`

	Database struct {
		Host     string `yaml:"host"`
		Port     int    `yaml:"port"`
		User     string `yaml:"user"`
		Password string `yaml:"password"`
		Database string `yaml:"database"`
		SSLMode  string `yaml:"sslmode"`
	} `yaml:"database"`

	NATS struct {
		URL           string `yaml:"url"`
		Stream        string `yaml:"stream"`
		Consumer      string `yaml:"consumer"`
		SubjectPrefix string `yaml:"subject_prefix"`
		Enabled       bool   `yaml:"enabled"`
	} `yaml:"nats"`

	Log struct {
		Level string `yaml:"level"`
	} `yaml:"log"`
}

// Load reads the YAML config at path (missing file is fine) and applies
// environment overrides.
func Load(path string) (*Config, error) {
	var cfg Config

	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config: %w", err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg.Server.Port = getEnv("PORT", defaultStr(cfg.Server.Port, "8080"))
	cfg.Server.CountdownSec = getEnvAsInt("GAME_COUNTDOWN_SECONDS", defaultInt(cfg.Server.CountdownSec, 5))

	cfg.Redis.Addr = getEnv("REDIS_ADDR", defaultStr(cfg.Redis.Addr, "localhost:6379"))
	cfg.Redis.Password = getEnv("REDIS_PASSWORD", cfg.Redis.Password)
	cfg.Redis.DB = getEnvAsInt("REDIS_DB", cfg.Redis.DB)

	cfg.Database.Host = getEnv("DB_HOST", defaultStr(cfg.Database.Host, "localhost"))
	cfg.Database.Port = getEnvAsInt("DB_PORT", defaultInt(cfg.Database.Port, 5432))
	cfg.Database.User = getEnv("DB_USER", defaultStr(cfg.Database.User, "postgres"))
	cfg.Database.Password = getEnv("DB_PASSWORD", defaultStr(cfg.Database.Password, "postgres"))
	cfg.Database.Database = getEnv("DB_NAME", defaultStr(cfg.Database.Database, "mathquest"))
	cfg.Database.SSLMode = getEnv("DB_SSLMODE", defaultStr(cfg.Database.SSLMode, "disable"))

	cfg.NATS.URL = getEnv("NATS_URL", defaultStr(cfg.NATS.URL, "nats://localhost:4222"))
	cfg.NATS.Stream = getEnv("NATS_STREAM", defaultStr(cfg.NATS.Stream, "GAME_EVENTS"))
	cfg.NATS.Consumer = getEnv("NATS_CONSUMER", defaultStr(cfg.NATS.Consumer, "game-gateway"))
	cfg.NATS.SubjectPrefix = getEnv("NATS_SUBJECT_PREFIX", defaultStr(cfg.NATS.SubjectPrefix, "game.events"))
	if v := os.Getenv("NATS_ENABLED"); v != "" {
		cfg.NATS.Enabled = v == "true" || v == "1"
	}

	cfg.Log.Level = getEnv("LOG_LEVEL", defaultStr(cfg.Log.Level, "info"))

	return &cfg, nil
}

// DSN builds the Postgres connection string.
func (c *Config) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.Database.User, c.Database.Password, c.Database.Host, c.Database.Port,
		c.Database.Database, c.Database.SSLMode)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func defaultStr(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

func defaultInt(v, fallback int) int {
	if v == 0 {
		return fallback
	}
	return v
}
