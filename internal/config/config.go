package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the control plane server configuration.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Presence   PresenceConfig   `mapstructure:"presence"`
	Dispatcher DispatcherConfig `mapstructure:"dispatcher"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Bridge     BridgeConfig     `mapstructure:"bridge"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Notify     NotifyConfig     `mapstructure:"notify"`
	Logger     LoggerConfig     `mapstructure:"logger"`
}

type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// Addr returns host:port for net/http.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// PresenceConfig controls heartbeat expectations. An agent is considered
// offline after HeartbeatInterval * MissedHeartbeats without a heartbeat.
type PresenceConfig struct {
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	MissedHeartbeats  int           `mapstructure:"missed_heartbeats"`
	SweepInterval     time.Duration `mapstructure:"sweep_interval"`
	HandshakeTimeout  time.Duration `mapstructure:"handshake_timeout"`
}

type DispatcherConfig struct {
	DefaultTimeout time.Duration `mapstructure:"default_timeout"`
	MaxTimeout     time.Duration `mapstructure:"max_timeout"`
	WakeTimeout    time.Duration `mapstructure:"wake_timeout"`
}

// AuthConfig describes bearer validation for external callers. Either
// HMACSecret or PublicKeyPath must be set when Enabled.
type AuthConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	HMACSecret    string `mapstructure:"hmac_secret"`
	PublicKeyPath string `mapstructure:"public_key_path"`
	Audience      string `mapstructure:"audience"`
	RequiredScope string `mapstructure:"required_scope"`
	PublicKey     []byte `mapstructure:"-"`
}

type BridgeConfig struct {
	RateLimitRPS   float64 `mapstructure:"rate_limit_rps"`
	RateLimitBurst int     `mapstructure:"rate_limit_burst"`
}

// RedisConfig enables the license revocation listener when Addr is set.
type RedisConfig struct {
	Addr              string `mapstructure:"addr"`
	Password          string `mapstructure:"password"`
	DB                int    `mapstructure:"db"`
	RevocationChannel string `mapstructure:"revocation_channel"`
}

type NotifyConfig struct {
	URLs     []string      `mapstructure:"urls"`
	Cooldown time.Duration `mapstructure:"cooldown"`
}

type LoggerConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, console
}

// Load reads fleetgate.yaml (if present) from path or the default search
// locations, then applies FLEETGATE_* environment overrides and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("fleetgate")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
	}

	// FLEETGATE_SERVER_PORT=9000 overrides server.port
	v.SetEnvPrefix("FLEETGATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) || path != "" {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	cfg.Auth.PublicKey = loadKeyResource(cfg.Auth.PublicKeyPath, "FLEETGATE_AUTH_PUBLIC_KEY_DATA")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "")
	v.SetDefault("server.port", 9080)
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 0)
	v.SetDefault("database.path", "fleetgate.db")
	v.SetDefault("presence.heartbeat_interval", 5*time.Second)
	v.SetDefault("presence.missed_heartbeats", 3)
	v.SetDefault("presence.sweep_interval", 5*time.Second)
	v.SetDefault("presence.handshake_timeout", 10*time.Second)
	v.SetDefault("dispatcher.default_timeout", 30*time.Second)
	v.SetDefault("dispatcher.max_timeout", 5*time.Minute)
	v.SetDefault("dispatcher.wake_timeout", 5*time.Second)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.audience", "fleetgate")
	v.SetDefault("auth.required_scope", "mcp:tools")
	v.SetDefault("bridge.rate_limit_rps", 20.0)
	v.SetDefault("bridge.rate_limit_burst", 40)
	v.SetDefault("redis.revocation_channel", "fleetgate:licenses:revoked")
	v.SetDefault("notify.cooldown", 5*time.Minute)
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "json")
}

// Validate checks values that would otherwise make the server misbehave.
func (c *Config) Validate() error {
	if c.Presence.HeartbeatInterval <= 0 {
		return errors.New("presence.heartbeat_interval must be positive")
	}
	if c.Presence.MissedHeartbeats <= 0 {
		return errors.New("presence.missed_heartbeats must be positive")
	}
	if c.Dispatcher.DefaultTimeout <= 0 || c.Dispatcher.MaxTimeout <= 0 {
		return errors.New("dispatcher timeouts must be positive")
	}
	if c.Dispatcher.DefaultTimeout > c.Dispatcher.MaxTimeout {
		return errors.New("dispatcher.default_timeout exceeds dispatcher.max_timeout")
	}
	if c.Auth.Enabled && c.Auth.HMACSecret == "" && len(c.Auth.PublicKey) == 0 {
		return errors.New("auth enabled but neither auth.hmac_secret nor auth.public_key_path is set")
	}
	return nil
}

// loadKeyResource prefers PEM data passed directly through the environment,
// falling back to the file at path.
func loadKeyResource(path string, envDataKey string) []byte {
	if data := os.Getenv(envDataKey); data != "" {
		return []byte(data)
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			return data
		}
	}
	return nil
}
