package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Config represents the matchmaker service configuration
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Matchmaking MatchmakingConfig `mapstructure:"matchmaking"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
	Health      HealthConfig      `mapstructure:"health"`
	Logging     LoggingConfig     `mapstructure:"logging"`
}

// ServerConfig represents the admin HTTP server configuration
type ServerConfig struct {
	Host              string        `mapstructure:"host"`
	Port              int           `mapstructure:"port"`
	ReadTimeout       time.Duration `mapstructure:"read_timeout"`
	WriteTimeout      time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	BurstSize         int           `mapstructure:"burst_size"`
}

// DatabaseConfig represents the PostgreSQL request store configuration
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Database        string        `mapstructure:"database"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	MaxConnections  int           `mapstructure:"max_connections"`
	MinConnections  int           `mapstructure:"min_connections"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// RedisConfig represents the Redis queue store configuration
type RedisConfig struct {
	Host                  string        `mapstructure:"host"`
	Port                  int           `mapstructure:"port"`
	Password              string        `mapstructure:"password"`
	DB                    int           `mapstructure:"db"`
	MaxRetries            int           `mapstructure:"max_retries"`
	PoolSize              int           `mapstructure:"pool_size"`
	MinIdleConns          int           `mapstructure:"min_idle_conns"`
	KeyPrefix             string        `mapstructure:"key_prefix"`
	ConnectBackoffInitial time.Duration `mapstructure:"connect_backoff_initial"`
	ConnectBackoffMax     time.Duration `mapstructure:"connect_backoff_max"`
}

// Addr returns host:port
func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// MatchmakingConfig represents queue and scoring configuration
type MatchmakingConfig struct {
	SweepInterval          time.Duration `mapstructure:"sweep_interval"`
	SweepRemovalsPerSecond float64       `mapstructure:"sweep_removals_per_second"`
	RelaxationInterval     time.Duration `mapstructure:"relaxation_interval"`
	SkillTiers             []float64     `mapstructure:"skill_tiers"`
	DefaultRequestTTL      time.Duration `mapstructure:"default_request_ttl"`
	MinCompatibility       float64       `mapstructure:"min_compatibility"`
	DefaultGroupMin        int           `mapstructure:"default_group_min"`
	DefaultGroupMax        int           `mapstructure:"default_group_max"`
	CycleInterval          time.Duration `mapstructure:"cycle_interval"`
	CycleConcurrency       int           `mapstructure:"cycle_concurrency"`
	AdmittedBuffer         int           `mapstructure:"admitted_buffer"`
	EvictionWorkers        int           `mapstructure:"eviction_workers"`
	EvictionQueueSize      int           `mapstructure:"eviction_queue_size"`
	// ProfileCacheTTL of zero disables the skill profile cache
	ProfileCacheTTL        time.Duration `mapstructure:"profile_cache_ttl"`
	ProfileCacheSize       int           `mapstructure:"profile_cache_size"`
}

// MetricsConfig represents Prometheus metrics configuration
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Port    int    `mapstructure:"port"`
	Path    string `mapstructure:"path"`
}

// HealthConfig represents health check server configuration
type HealthConfig struct {
	Port int `mapstructure:"port"`
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return errors.New("server.port must be between 1 and 65535")
	}
	if c.Database.Host == "" {
		return errors.New("database.host is required")
	}
	if c.Database.Database == "" {
		return errors.New("database.database is required")
	}
	if c.Database.User == "" {
		return errors.New("database.user is required")
	}
	if c.Redis.Host == "" {
		return errors.New("redis.host is required")
	}
	if strings.Contains(c.Redis.KeyPrefix, ":") {
		return errors.New("redis.key_prefix must not contain ':'")
	}
	if c.Redis.ConnectBackoffInitial <= 0 || c.Redis.ConnectBackoffMax < c.Redis.ConnectBackoffInitial {
		return errors.New("redis.connect_backoff_max must be >= connect_backoff_initial > 0")
	}
	if err := c.Matchmaking.Validate(); err != nil {
		return err
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	return nil
}

// Validate validates the matchmaking section
func (m *MatchmakingConfig) Validate() error {
	if m.SweepInterval <= 0 {
		return errors.New("matchmaking.sweep_interval must be positive")
	}
	if m.RelaxationInterval <= 0 {
		return errors.New("matchmaking.relaxation_interval must be positive")
	}
	if len(m.SkillTiers) == 0 {
		return errors.New("matchmaking.skill_tiers must not be empty")
	}
	for i, tier := range m.SkillTiers {
		if tier <= 0 {
			return fmt.Errorf("matchmaking.skill_tiers[%d] must be positive", i)
		}
		if i > 0 && tier < m.SkillTiers[i-1] {
			return errors.New("matchmaking.skill_tiers must be non-decreasing")
		}
	}
	if m.MinCompatibility < 0 || m.MinCompatibility > 1 {
		return errors.New("matchmaking.min_compatibility must be between 0 and 1")
	}
	if m.DefaultGroupMin < 2 || m.DefaultGroupMax < m.DefaultGroupMin {
		return errors.New("matchmaking.default_group_min must be >= 2 and <= default_group_max")
	}
	if m.DefaultRequestTTL <= 0 {
		return errors.New("matchmaking.default_request_ttl must be positive")
	}
	if m.ProfileCacheTTL > 0 && m.ProfileCacheSize <= 0 {
		return errors.New("matchmaking.profile_cache_size must be positive when the cache is enabled")
	}
	return nil
}

// DefaultMatchmakingConfig returns the matchmaking defaults
func DefaultMatchmakingConfig() MatchmakingConfig {
	return MatchmakingConfig{
		SweepInterval:          30 * time.Second,
		SweepRemovalsPerSecond: 500,
		RelaxationInterval:     30 * time.Second,
		SkillTiers:             []float64{2, 4, 6, 10, 15},
		DefaultRequestTTL:      10 * time.Minute,
		MinCompatibility:       0.6,
		DefaultGroupMin:        2,
		DefaultGroupMax:        2,
		CycleInterval:          2 * time.Second,
		CycleConcurrency:       4,
		AdmittedBuffer:         1024,
		EvictionWorkers:        4,
		EvictionQueueSize:      1024,
		ProfileCacheTTL:        time.Minute,
		ProfileCacheSize:       10000,
	}
}
