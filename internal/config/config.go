package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Store backends
const (
	StoreRedis  = "redis"
	StoreMemory = "memory"
)

// Config is the server configuration. Every field can be set by the
// environment variable of the same name in upper case, or by a config file.
type Config struct {
	Port          string
	MongoURI      string
	MongoDatabase string
	RedisAddr     string
	StoreBackend  string

	JWTSecret string
	DevAuth   bool

	Env                string
	LogLevel           string
	CORSAllowedOrigins string

	SessionTTL      time.Duration
	PersistInterval time.Duration
	GracePeriod     time.Duration
	SweepInterval   time.Duration
	RulesTimeout    time.Duration
	PersistTimeout  time.Duration
	RequestTimeout  time.Duration
}

const devSecret = "studysync-dev-secret"

// SetDefaults registers the default for every key
func SetDefaults(v *viper.Viper) {
	v.SetDefault("port", "8080")
	v.SetDefault("mongo_uri", "mongodb://localhost:27017")
	v.SetDefault("mongo_database", "studysync")
	v.SetDefault("redis_uri", "localhost:6379")
	v.SetDefault("store_backend", StoreRedis)
	v.SetDefault("jwt_secret", "")
	v.SetDefault("dev_auth", false)
	v.SetDefault("env", "production")
	v.SetDefault("log_level", "info")
	v.SetDefault("cors_allowed_origins", "*")

	v.SetDefault("session_ttl", 24*time.Hour)
	v.SetDefault("doc_persist_interval", 30*time.Second)
	v.SetDefault("room_grace_period", 30*time.Second)
	v.SetDefault("sweep_interval", time.Minute)
	v.SetDefault("rules_timeout", 2*time.Second)
	v.SetDefault("persist_timeout", 10*time.Second)
	v.SetDefault("request_timeout", 10*time.Second)
}

// Load reads the configuration from v, falling back to defaults
func Load(v *viper.Viper) (*Config, error) {
	SetDefaults(v)
	v.AutomaticEnv()

	cfg := &Config{
		Port:               v.GetString("port"),
		MongoURI:           v.GetString("mongo_uri"),
		MongoDatabase:      v.GetString("mongo_database"),
		RedisAddr:          redisAddr(v.GetString("redis_uri")),
		StoreBackend:       strings.ToLower(v.GetString("store_backend")),
		JWTSecret:          v.GetString("jwt_secret"),
		DevAuth:            v.GetBool("dev_auth"),
		Env:                v.GetString("env"),
		LogLevel:           strings.ToLower(v.GetString("log_level")),
		CORSAllowedOrigins: v.GetString("cors_allowed_origins"),
		SessionTTL:         v.GetDuration("session_ttl"),
		PersistInterval:    v.GetDuration("doc_persist_interval"),
		GracePeriod:        v.GetDuration("room_grace_period"),
		SweepInterval:      v.GetDuration("sweep_interval"),
		RulesTimeout:       v.GetDuration("rules_timeout"),
		PersistTimeout:     v.GetDuration("persist_timeout"),
		RequestTimeout:     v.GetDuration("request_timeout"),
	}

	if cfg.JWTSecret == "" {
		if !cfg.DevAuth {
			return nil, errors.New("JWT_SECRET is required unless DEV_AUTH is enabled")
		}
		cfg.JWTSecret = devSecret
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.StoreBackend {
	case StoreRedis, StoreMemory:
	default:
		return fmt.Errorf("STORE_BACKEND must be %q or %q, got %q", StoreRedis, StoreMemory, c.StoreBackend)
	}

	durations := map[string]time.Duration{
		"SESSION_TTL":          c.SessionTTL,
		"DOC_PERSIST_INTERVAL": c.PersistInterval,
		"ROOM_GRACE_PERIOD":    c.GracePeriod,
		"SWEEP_INTERVAL":       c.SweepInterval,
		"RULES_TIMEOUT":        c.RulesTimeout,
		"PERSIST_TIMEOUT":      c.PersistTimeout,
		"REQUEST_TIMEOUT":      c.RequestTimeout,
	}
	for name, d := range durations {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, d)
		}
	}
	return nil
}

// Development reports whether logs should use the development encoder
func (c *Config) Development() bool {
	return c.LogLevel == "debug" || c.Env == "development"
}

// redisAddr removes a redis:// prefix if present
func redisAddr(uri string) string {
	return strings.TrimPrefix(uri, "redis://")
}
