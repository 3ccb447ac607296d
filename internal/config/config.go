package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds runtime configuration values for the API service.
type Config struct {
	AppName         string
	AppEnv          string
	AppPort         string
	DatabaseURL     string
	RedisURL        string
	NATSURL         string
	RealtimeChannel string
	JWTSecret       string
	CORSOrigins     string

	EntityCacheTTL     time.Duration
	AuditRecentTTL     time.Duration
	AuditRecentLimit   int
	ActivityCounterTTL time.Duration

	ConflictWindow          time.Duration
	ConflictStaleComparison string

	RetentionDays     int
	RetentionInterval time.Duration

	RateLimitMax    int
	RateLimitWindow time.Duration
}

// HTTPAddress returns the address the HTTP server should listen on.
func (c Config) HTTPAddress() string {
	if strings.HasPrefix(c.AppPort, ":") {
		return c.AppPort
	}

	return fmt.Sprintf(":%s", c.AppPort)
}

// Load reads configuration values from environment variables and optional .env file.
func Load() (Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("CHANGESET")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("app.name", "Changeset API")
	v.SetDefault("app.env", "development")
	v.SetDefault("app.port", "8080")
	v.SetDefault("realtime.channel", "changeset")
	v.SetDefault("cors.allow_origins", "*")
	v.SetDefault("cache.entity_ttl", "10m")
	v.SetDefault("audit.recent_ttl", "1h")
	v.SetDefault("audit.recent_limit", 10)
	v.SetDefault("activity.counter_ttl", "168h")
	v.SetDefault("conflict.window", "5m")
	v.SetDefault("conflict.stale_comparison", "strict")
	v.SetDefault("retention.days", 90)
	v.SetDefault("retention.interval", "24h")
	v.SetDefault("rate_limit.max", 120)
	v.SetDefault("rate_limit.window", "1m")

	durations := map[string]*time.Duration{}
	cfg := Config{
		AppName:                 v.GetString("app.name"),
		AppEnv:                  v.GetString("app.env"),
		AppPort:                 v.GetString("app.port"),
		DatabaseURL:             v.GetString("database.url"),
		RedisURL:                v.GetString("redis.url"),
		NATSURL:                 v.GetString("nats.url"),
		RealtimeChannel:         v.GetString("realtime.channel"),
		JWTSecret:               v.GetString("jwt.secret"),
		CORSOrigins:             strings.TrimSpace(v.GetString("cors.allow_origins")),
		AuditRecentLimit:        v.GetInt("audit.recent_limit"),
		ConflictStaleComparison: strings.ToLower(strings.TrimSpace(v.GetString("conflict.stale_comparison"))),
		RetentionDays:           v.GetInt("retention.days"),
		RateLimitMax:            v.GetInt("rate_limit.max"),
	}
	durations["cache.entity_ttl"] = &cfg.EntityCacheTTL
	durations["audit.recent_ttl"] = &cfg.AuditRecentTTL
	durations["activity.counter_ttl"] = &cfg.ActivityCounterTTL
	durations["conflict.window"] = &cfg.ConflictWindow
	durations["retention.interval"] = &cfg.RetentionInterval
	durations["rate_limit.window"] = &cfg.RateLimitWindow

	for key, target := range durations {
		parsed, err := time.ParseDuration(v.GetString(key))
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", key, err)
		}
		if parsed <= 0 {
			return Config{}, fmt.Errorf("invalid %s: must be positive", key)
		}
		*target = parsed
	}

	if cfg.JWTSecret == "" {
		return Config{}, fmt.Errorf("jwt secret must be provided")
	}

	switch cfg.ConflictStaleComparison {
	case "strict", "inclusive":
	default:
		return Config{}, fmt.Errorf("invalid conflict.stale_comparison %q", cfg.ConflictStaleComparison)
	}

	if cfg.AuditRecentLimit <= 0 {
		cfg.AuditRecentLimit = 10
	}

	if cfg.RateLimitMax <= 0 {
		cfg.RateLimitMax = 120
	}

	return cfg, nil
}
