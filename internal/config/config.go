package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Auth     AuthConfig     `yaml:"auth"`
	Realtime RealtimeConfig `yaml:"realtime"`
	App      AppConfig      `yaml:"app"`
}

type ServerConfig struct {
	Port     int    `yaml:"port"`
	BasePath string `yaml:"base_path"`
	Env      string `yaml:"env"`
	LogLevel string `yaml:"log_level"`
	// AllowedOrigins is a comma separated list; empty allows any origin
	AllowedOrigins string `yaml:"allowed_origins"`
}

type DatabaseConfig struct {
	URL string `yaml:"url"`
	// RetryInterval is how long the async connect loop waits between attempts (seconds)
	RetryInterval int `yaml:"retry_interval"`
}

type RedisConfig struct {
	URL      string `yaml:"url"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// Addr returns host:port of the redis server
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

type AuthConfig struct {
	InternalAPIKey string `yaml:"internal_api_key"`
	SecretKey      string `yaml:"secret_key"`
}

type RealtimeConfig struct {
	NodeID    string `yaml:"node_id"`
	QueueSize int    `yaml:"queue_size"`
	// Relay turns on cross-node fan-out through redis pub/sub
	Relay bool `yaml:"relay"`
}

type AppConfig struct {
	CacheUnreadTTL       int    `yaml:"cache_unread_ttl"` // seconds
	CleanupDays          int    `yaml:"cleanup_days"`
	MessageRetentionDays int    `yaml:"message_retention_days"`
	CleanupSchedule      string `yaml:"cleanup_schedule"`
	PageSize             int    `yaml:"page_size"`
}

func (a AppConfig) UnreadTTL() time.Duration {
	return time.Duration(a.CacheUnreadTTL) * time.Second
}

func Load(path string) (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:     8003,
			BasePath: "/api/realtime",
			Env:      "dev",
			LogLevel: "debug",
		},
		Database: DatabaseConfig{
			RetryInterval: 5,
		},
		Redis: RedisConfig{
			Host: "localhost",
			Port: 6379,
			DB:   0,
		},
		Realtime: RealtimeConfig{
			QueueSize: 256,
		},
		App: AppConfig{
			CacheUnreadTTL:       300, // 5 minutes
			CleanupDays:          30,
			MessageRetentionDays: 90,
			CleanupSchedule:      "0 3 * * *",
			PageSize:             50,
		},
	}

	// Load from yaml file if exists
	if data, err := os.ReadFile(path); err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	// Override with environment variables
	if port := os.Getenv("PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.Server.Port = p
		}
	}
	if basePath := os.Getenv("SERVER_BASE_PATH"); basePath != "" {
		cfg.Server.BasePath = basePath
	}
	if env := os.Getenv("ENV"); env != "" {
		cfg.Server.Env = env
	}
	if logLevel := os.Getenv("LOG_LEVEL"); logLevel != "" {
		cfg.Server.LogLevel = logLevel
	}
	if origins := os.Getenv("CORS_ORIGINS"); origins != "" {
		cfg.Server.AllowedOrigins = origins
	}
	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		cfg.Database.URL = dbURL
	}
	if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
		cfg.Redis.URL = redisURL
	}
	if redisHost := os.Getenv("REDIS_HOST"); redisHost != "" {
		cfg.Redis.Host = redisHost
	}
	if redisPort := os.Getenv("REDIS_PORT"); redisPort != "" {
		if p, err := strconv.Atoi(redisPort); err == nil {
			cfg.Redis.Port = p
		}
	}
	if redisPassword := os.Getenv("REDIS_PASSWORD"); redisPassword != "" {
		cfg.Redis.Password = redisPassword
	}
	if apiKey := os.Getenv("INTERNAL_API_KEY"); apiKey != "" {
		cfg.Auth.InternalAPIKey = apiKey
	}
	if secretKey := os.Getenv("SECRET_KEY"); secretKey != "" {
		cfg.Auth.SecretKey = secretKey
	}
	if nodeID := os.Getenv("NODE_ID"); nodeID != "" {
		cfg.Realtime.NodeID = nodeID
	}
	if relay := os.Getenv("REALTIME_RELAY"); relay != "" {
		if b, err := strconv.ParseBool(relay); err == nil {
			cfg.Realtime.Relay = b
		}
	}

	return cfg, nil
}
