// Package config loads chatline settings: built-in defaults, then an optional
// TOML file, then CHATLINE_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"chatline/internal/logging"
)

// EnvPrefix marks environment overrides. CHATLINE_HTTP_PORT sets http.port and
// CHATLINE_DELIVERY_RATE_PER_MINUTE sets delivery.rate_per_minute.
const EnvPrefix = "CHATLINE_"

type Config struct {
	Database  *DatabaseConfig  `koanf:"database"`
	HTTP      *HTTPConfig      `koanf:"http"`
	WebSocket *WebSocketConfig `koanf:"websocket"`
	Delivery  *DeliveryConfig  `koanf:"delivery"`
	Presence  *PresenceConfig  `koanf:"presence"`
	Auth      *AuthConfig      `koanf:"auth"`
	Log       logging.Config   `koanf:"log"`
}

type DatabaseConfig struct {
	Path           string        `koanf:"path"`
	Timeout        time.Duration `koanf:"timeout"`
	MaxConnections int           `koanf:"max_connections"`
}

type HTTPConfig struct {
	Host         string        `koanf:"host"`
	Port         int           `koanf:"port"`
	ReadTimeout  time.Duration `koanf:"read_timeout"`
	WriteTimeout time.Duration `koanf:"write_timeout"`
}

// Addr is the listen address.
func (c *HTTPConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

type WebSocketConfig struct {
	PingInterval   time.Duration `koanf:"ping_interval"`
	ReadTimeout    time.Duration `koanf:"read_timeout"`
	WriteTimeout   time.Duration `koanf:"write_timeout"`
	BufferSize     int           `koanf:"buffer_size"`
	MaxMessageSize int64         `koanf:"max_message_size"`
	AllowedOrigins []string      `koanf:"allowed_origins"`
}

// DeliveryConfig bounds senders and controls catch-up delivery.
type DeliveryConfig struct {
	MaxBodyLength       int  `koanf:"max_body_length"`
	RatePerMinute       int  `koanf:"rate_per_minute"`
	Burst               int  `koanf:"burst"`
	QueueSize           int  `koanf:"queue_size"`
	RedeliverOnRegister bool `koanf:"redeliver_on_register"`
}

// PresenceConfig enables the Redis mirror when RedisAddr is set.
type PresenceConfig struct {
	RedisAddr     string        `koanf:"redis_addr"`
	RedisPassword string        `koanf:"redis_password"`
	RedisDB       int           `koanf:"redis_db"`
	RedisPrefix   string        `koanf:"redis_prefix"`
	RedisTTL      time.Duration `koanf:"redis_ttl"`
}

// AuthConfig holds the HS256 secret shared with the service that issues tokens.
// An empty secret leaves the upgrade endpoint open.
type AuthConfig struct {
	JWTSecret string `koanf:"jwt_secret"`
}

func defaults() map[string]interface{} {
	return map[string]interface{}{
		"database.path":            "./data/chatline.db",
		"database.timeout":         "30s",
		"database.max_connections": 10,

		"http.host":          "0.0.0.0",
		"http.port":          8080,
		"http.read_timeout":  "30s",
		"http.write_timeout": "30s",

		"websocket.ping_interval":    "30s",
		"websocket.read_timeout":     "60s",
		"websocket.write_timeout":    "10s",
		"websocket.buffer_size":      100,
		"websocket.max_message_size": 64 * 1024,
		"websocket.allowed_origins":  []string{"*"},

		"delivery.max_body_length":       4096,
		"delivery.rate_per_minute":       120,
		"delivery.burst":                 20,
		"delivery.queue_size":            1024,
		"delivery.redeliver_on_register": true,

		"presence.redis_prefix": "chatline",
		"presence.redis_ttl":    "2m",

		"auth.jwt_secret": "",

		"log.level":       "info",
		"log.development": false,
	}
}

// DefaultConfig returns the built-in configuration.
func DefaultConfig() *Config {
	cfg, err := load(koanf.New("."), "", false)
	if err != nil {
		// defaults are static
		panic(err)
	}
	return cfg
}

// Load builds the configuration from defaults, the TOML file at path (skipped
// when path is empty) and the environment, then validates it.
func Load(path string) (*Config, error) {
	k := koanf.New(".")
	cfg, err := load(k, path, true)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func load(k *koanf.Koanf, path string, withEnv bool) (*Config, error) {
	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("error loading defaults: %w", err)
	}

	if path != "" {
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("config file %s: %w", path, err)
		}
		if err := k.Load(file.Provider(path), toml.Parser()); err != nil {
			return nil, fmt.Errorf("error loading config %s: %w", path, err)
		}
	}

	if withEnv {
		if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
			return nil, fmt.Errorf("error loading environment: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("error unmarshalling config: %w", err)
	}
	return &cfg, nil
}

// envKey maps CHATLINE_WEBSOCKET_PING_INTERVAL to websocket.ping_interval.
// Only the first underscore separates the section from the key.
func envKey(s string) string {
	return strings.Replace(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "_", ".", 1)
}

// Validate rejects settings the server cannot run with.
func (c *Config) Validate() error {
	if c.Database == nil {
		return fmt.Errorf("database configuration is required")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database path cannot be empty")
	}
	if c.Database.Timeout <= 0 {
		return fmt.Errorf("database timeout must be positive")
	}
	if c.Database.MaxConnections <= 0 {
		return fmt.Errorf("database max connections must be positive")
	}

	if c.HTTP == nil {
		return fmt.Errorf("HTTP configuration is required")
	}
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("HTTP port must be between 1 and 65535")
	}
	if c.HTTP.ReadTimeout <= 0 {
		return fmt.Errorf("HTTP read timeout must be positive")
	}
	if c.HTTP.WriteTimeout <= 0 {
		return fmt.Errorf("HTTP write timeout must be positive")
	}
	if c.HTTP.Host == "" {
		return fmt.Errorf("HTTP host cannot be empty")
	}

	if c.WebSocket == nil {
		return fmt.Errorf("WebSocket configuration is required")
	}
	if c.WebSocket.PingInterval <= 0 {
		return fmt.Errorf("WebSocket ping interval must be positive")
	}
	if c.WebSocket.ReadTimeout <= c.WebSocket.PingInterval {
		return fmt.Errorf("WebSocket read timeout must exceed the ping interval")
	}
	if c.WebSocket.WriteTimeout <= 0 {
		return fmt.Errorf("WebSocket write timeout must be positive")
	}
	if c.WebSocket.BufferSize <= 0 {
		return fmt.Errorf("WebSocket buffer size must be positive")
	}
	if c.WebSocket.MaxMessageSize <= 0 {
		return fmt.Errorf("WebSocket max message size must be positive")
	}

	if c.Delivery == nil {
		return fmt.Errorf("delivery configuration is required")
	}
	if c.Delivery.MaxBodyLength <= 0 {
		return fmt.Errorf("max body length must be positive")
	}
	if c.Delivery.RatePerMinute < 0 {
		return fmt.Errorf("rate per minute cannot be negative")
	}
	if c.Delivery.RatePerMinute > 0 && c.Delivery.Burst <= 0 {
		return fmt.Errorf("burst must be positive when rate limiting is enabled")
	}
	if c.Delivery.QueueSize <= 0 {
		return fmt.Errorf("delivery queue size must be positive")
	}

	if c.Presence == nil {
		return fmt.Errorf("presence configuration is required")
	}
	if c.Presence.RedisAddr != "" && c.Presence.RedisTTL <= 0 {
		return fmt.Errorf("presence redis ttl must be positive")
	}

	if c.Auth == nil {
		return fmt.Errorf("auth configuration is required")
	}
	return nil
}
