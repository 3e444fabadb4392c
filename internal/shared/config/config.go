package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. REFERRAL_SERVER_PORT.
const EnvPrefix = "REFERRAL"

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Log       LogConfig       `mapstructure:"log"`
	Store     string          `mapstructure:"store"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Referral  ReferralConfig  `mapstructure:"referral"`
	Directory DirectoryConfig `mapstructure:"directory"`
	Redis     RedisConfig     `mapstructure:"redis"`
	MQTT      MQTTConfig      `mapstructure:"mqtt"`
	KurrentDB KurrentDBConfig `mapstructure:"kurrentdb"`
	Auth      AuthConfig      `mapstructure:"auth"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
}

type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	Env             string        `mapstructure:"env"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"name"`
	SSLMode  string `mapstructure:"sslmode"`
	MaxConns int32  `mapstructure:"max_conns"`
	MinConns int32  `mapstructure:"min_conns"`
}

func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Database, d.SSLMode,
	)
}

// ReferralConfig tunes the referral lifecycle.
type ReferralConfig struct {
	// DefaultTimeout applies when neither the request nor the requesting
	// hospital sets a notification duration.
	DefaultTimeout time.Duration `mapstructure:"default_timeout"`
	// SweepInterval is how often overdue pending referrals without a local timer are checked.
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	// ReconcileGrace keeps the sweep away from escalations still in flight.
	ReconcileGrace time.Duration `mapstructure:"reconcile_grace"`
	// SubscriberBuffer is the per-subscriber notification queue length.
	SubscriberBuffer int `mapstructure:"subscriber_buffer"`
}

// DirectoryConfig selects where hospitals and patients are resolved.
type DirectoryConfig struct {
	// Source is "static" or "heliant".
	Source    string           `mapstructure:"source"`
	Hospitals []HospitalConfig `mapstructure:"hospitals"`
	Heliant   HeliantConfig    `mapstructure:"heliant"`
}

// HospitalConfig is one statically configured hospital.
type HospitalConfig struct {
	ID                   string        `mapstructure:"id"`
	Name                 string        `mapstructure:"name"`
	Level                string        `mapstructure:"level"`
	Role                 string        `mapstructure:"role"`
	AvailableBeds        int           `mapstructure:"available_beds"`
	NotificationDuration time.Duration `mapstructure:"notification_duration"`
	AutoEscalate         *bool         `mapstructure:"auto_escalate"`
	Inactive             bool          `mapstructure:"inactive"`
	Latitude             float64       `mapstructure:"latitude"`
	Longitude            float64       `mapstructure:"longitude"`
}

// HeliantConfig points at the Heliant HIS SQL Server database.
type HeliantConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
}

type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

type MQTTConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Broker      string `mapstructure:"broker"`
	ClientID    string `mapstructure:"client_id"`
	Username    string `mapstructure:"username"`
	Password    string `mapstructure:"password"`
	TopicPrefix string `mapstructure:"topic_prefix"`
}

// KurrentDBConfig holds configuration for the lifecycle journal.
type KurrentDBConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	Insecure     bool   `mapstructure:"insecure"`
	Username     string `mapstructure:"username"`
	Password     string `mapstructure:"password"`
	StreamPrefix string `mapstructure:"stream_prefix"`
}

// ConnectionString builds an esdb:// URL from the settings.
func (k KurrentDBConfig) ConnectionString() string {
	auth := ""
	if k.Username != "" {
		auth = k.Username + ":" + k.Password + "@"
	}
	return fmt.Sprintf("esdb://%s%s:%d?tls=%t", auth, k.Host, k.Port, !k.Insecure)
}

type AuthConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	JWTSecret string `mapstructure:"jwt_secret"`
}

type RateLimitConfig struct {
	Enabled bool    `mapstructure:"enabled"`
	RPS     float64 `mapstructure:"rps"`
	Burst   int     `mapstructure:"burst"`
}

// Load reads defaults, an optional config file and REFERRAL_* environment overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.env", "development")
	v.SetDefault("server.shutdown_timeout", 30*time.Second)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("store", "memory")

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "referrals")
	v.SetDefault("database.password", "referrals")
	v.SetDefault("database.name", "referrals")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_conns", 25)
	v.SetDefault("database.min_conns", 5)

	v.SetDefault("referral.default_timeout", 120*time.Second)
	v.SetDefault("referral.sweep_interval", time.Second)
	v.SetDefault("referral.reconcile_grace", 5*time.Second)
	v.SetDefault("referral.subscriber_buffer", 64)

	v.SetDefault("directory.source", "static")
	// Empty defaults register the keys so environment overrides reach Unmarshal.
	v.SetDefault("directory.heliant.host", "")
	v.SetDefault("directory.heliant.port", 1433)
	v.SetDefault("directory.heliant.user", "")
	v.SetDefault("directory.heliant.password", "")
	v.SetDefault("directory.heliant.database", "heliant")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.prefix", "referrals")

	v.SetDefault("mqtt.enabled", false)
	v.SetDefault("mqtt.broker", "tcp://localhost:1883")
	v.SetDefault("mqtt.client_id", "referrald")
	v.SetDefault("mqtt.username", "")
	v.SetDefault("mqtt.password", "")
	v.SetDefault("mqtt.topic_prefix", "referrals")

	v.SetDefault("kurrentdb.enabled", false)
	v.SetDefault("kurrentdb.host", "localhost")
	v.SetDefault("kurrentdb.port", 2113)
	v.SetDefault("kurrentdb.insecure", true)
	v.SetDefault("kurrentdb.username", "")
	v.SetDefault("kurrentdb.password", "")
	v.SetDefault("kurrentdb.stream_prefix", "referrals")

	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.jwt_secret", "dev-secret-change-in-prod")

	v.SetDefault("rate_limit.enabled", true)
	v.SetDefault("rate_limit.rps", 50)
	v.SetDefault("rate_limit.burst", 100)
}

// Validate rejects settings the service cannot start with.
func (c *Config) Validate() error {
	switch c.Store {
	case "memory", "postgres":
	default:
		return fmt.Errorf("store must be memory or postgres, got %q", c.Store)
	}
	switch c.Directory.Source {
	case "static":
		seen := make(map[string]bool, len(c.Directory.Hospitals))
		for _, h := range c.Directory.Hospitals {
			if h.ID == "" {
				return fmt.Errorf("directory hospital without id")
			}
			if seen[h.ID] {
				return fmt.Errorf("duplicate directory hospital %q", h.ID)
			}
			seen[h.ID] = true
		}
	case "heliant":
		if c.Directory.Heliant.Host == "" {
			return fmt.Errorf("directory.heliant.host is required for the heliant source")
		}
	default:
		return fmt.Errorf("directory.source must be static or heliant, got %q", c.Directory.Source)
	}
	if c.Referral.DefaultTimeout <= 0 {
		return fmt.Errorf("referral.default_timeout must be positive")
	}
	if c.Referral.SweepInterval <= 0 {
		return fmt.Errorf("referral.sweep_interval must be positive")
	}
	if c.Referral.SubscriberBuffer <= 0 {
		return fmt.Errorf("referral.subscriber_buffer must be positive")
	}
	if c.Auth.Enabled && c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required when auth is enabled")
	}
	return nil
}

// IsProduction reports whether the service runs in production mode.
func (c *Config) IsProduction() bool {
	return c.Server.Env == "production"
}
