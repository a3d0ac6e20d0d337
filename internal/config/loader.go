package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix is the prefix for environment variable overrides
const EnvPrefix = "MATCHMAKER"

// Load loads configuration from file and environment variables.
// An empty path searches ./config.yaml and /etc/matchmaker/config.yaml.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/matchmaker/")
	}

	// Environment variables take precedence, e.g. MATCHMAKER_REDIS_HOST
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8081)
	v.SetDefault("server.read_timeout", "10s")
	v.SetDefault("server.write_timeout", "10s")
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("server.requests_per_second", 50.0)
	v.SetDefault("server.burst_size", 20)

	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.database", "matchmaking")
	v.SetDefault("database.user", "matchmaker")
	v.SetDefault("database.password", "")
	v.SetDefault("database.max_connections", 50)
	v.SetDefault("database.min_connections", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")

	// Redis defaults
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.max_retries", 3)
	v.SetDefault("redis.pool_size", 100)
	v.SetDefault("redis.min_idle_conns", 10)
	v.SetDefault("redis.key_prefix", "mm")
	v.SetDefault("redis.connect_backoff_initial", "100ms")
	v.SetDefault("redis.connect_backoff_max", "10s")

	// Matchmaking defaults
	mm := DefaultMatchmakingConfig()
	v.SetDefault("matchmaking.sweep_interval", mm.SweepInterval)
	v.SetDefault("matchmaking.sweep_removals_per_second", mm.SweepRemovalsPerSecond)
	v.SetDefault("matchmaking.relaxation_interval", mm.RelaxationInterval)
	v.SetDefault("matchmaking.skill_tiers", mm.SkillTiers)
	v.SetDefault("matchmaking.default_request_ttl", mm.DefaultRequestTTL)
	v.SetDefault("matchmaking.min_compatibility", mm.MinCompatibility)
	v.SetDefault("matchmaking.default_group_min", mm.DefaultGroupMin)
	v.SetDefault("matchmaking.default_group_max", mm.DefaultGroupMax)
	v.SetDefault("matchmaking.cycle_interval", mm.CycleInterval)
	v.SetDefault("matchmaking.cycle_concurrency", mm.CycleConcurrency)
	v.SetDefault("matchmaking.admitted_buffer", mm.AdmittedBuffer)
	v.SetDefault("matchmaking.eviction_workers", mm.EvictionWorkers)
	v.SetDefault("matchmaking.eviction_queue_size", mm.EvictionQueueSize)
	v.SetDefault("matchmaking.profile_cache_ttl", mm.ProfileCacheTTL)
	v.SetDefault("matchmaking.profile_cache_size", mm.ProfileCacheSize)

	// Metrics defaults
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.port", 9090)
	v.SetDefault("metrics.path", "/metrics")

	// Health defaults
	v.SetDefault("health.port", 8080)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}
