// Package server provides configuration helpers that define runtime defaults,
// validation, and rate-limiting parameters for the chat gateway.
package server

import (
	"fmt"
	"strings"
	"time"

	env "github.com/Netflix/go-env"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"

	"github.com/Tyrowin/lanchat/internal/identity"
)

// RateLimitConfig defines the parameters for per-connection message rate limiting.
type RateLimitConfig struct {
	Burst          int           `env:"CHAT_RATE_LIMIT_BURST,default=5" validate:"gte=1"`
	RefillInterval time.Duration `env:"CHAT_RATE_LIMIT_REFILL,default=1s" validate:"gt=0"`
}

// Config holds the gateway configuration. It is loaded once at startup and
// treated as read-only afterwards.
type Config struct {
	Addr            string `env:"CHAT_ADDR,default=:5000" validate:"required"`
	StoreDSN        string `env:"CHAT_STORE,default=pebble://chat.db" validate:"required"`
	Retention       int    `env:"CHAT_RETENTION,default=0" validate:"gte=0"`
	AuthorizedUsers string `env:"CHAT_AUTHORIZED_USERS"`
	AllowLoopback   bool   `env:"CHAT_ALLOW_LOOPBACK,default=true"`
	AllowedOrigins  string `env:"CHAT_ALLOWED_ORIGINS"`
	TrustProxy      bool   `env:"CHAT_TRUST_PROXY,default=false"`
	TimeZone        string `env:"CHAT_TIMEZONE,default=Local"`

	HistoryLimit   int   `env:"CHAT_HISTORY_LIMIT,default=50" validate:"gte=0,lte=1000"`
	MaxTextLength  int   `env:"CHAT_MAX_TEXT_LENGTH,default=500" validate:"gte=1"`
	MaxMessageSize int64 `env:"CHAT_MAX_MESSAGE_SIZE,default=4096" validate:"gte=64"`
	SendQueueSize  int   `env:"CHAT_SEND_QUEUE,default=256" validate:"gte=1"`
	RateLimit      RateLimitConfig

	LogLevel  string `env:"CHAT_LOG_LEVEL,default=info" validate:"oneof=trace debug info warn error"`
	LogFormat string `env:"CHAT_LOG_FORMAT,default=console" validate:"oneof=console json"`
}

var validate = validator.New()

// MaxHistoryLimit bounds CHAT_HISTORY_LIMIT; the send queue is sized from it.
const MaxHistoryLimit = 1000

func defaultConfig() Config {
	return Config{
		Addr:          ":5000",
		StoreDSN:      "pebble://chat.db",
		AllowLoopback: true,
		TimeZone:      "Local",
		HistoryLimit:  50,
		MaxTextLength: 500,
		// A 500 rune message is at most 2000 bytes of UTF-8 plus the envelope.
		MaxMessageSize: 4096,
		SendQueueSize:  256,
		RateLimit: RateLimitConfig{
			Burst:          5,
			RefillInterval: time.Second,
		},
		LogLevel:  "info",
		LogFormat: "console",
	}
}

func sanitizeConfig(cfg Config) Config {
	def := defaultConfig()

	cfg.Addr = normalizeAddr(cfg.Addr)
	if cfg.Addr == "" {
		cfg.Addr = def.Addr
	}
	if strings.TrimSpace(cfg.StoreDSN) == "" {
		cfg.StoreDSN = def.StoreDSN
	}
	if cfg.HistoryLimit < 0 {
		cfg.HistoryLimit = def.HistoryLimit
	}
	if cfg.MaxTextLength <= 0 {
		cfg.MaxTextLength = def.MaxTextLength
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = def.MaxMessageSize
	}
	if cfg.SendQueueSize <= 0 {
		cfg.SendQueueSize = def.SendQueueSize
	}
	// History replay and the join notice are queued before the write pump
	// starts draining, so the queue must hold all of them.
	if cfg.HistoryLimit <= MaxHistoryLimit && cfg.SendQueueSize < cfg.HistoryLimit+1 {
		cfg.SendQueueSize = cfg.HistoryLimit + 1
	}
	if cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = def.RateLimit.Burst
	}
	if cfg.RateLimit.RefillInterval <= 0 {
		cfg.RateLimit.RefillInterval = def.RateLimit.RefillInterval
	}
	if strings.TrimSpace(cfg.TimeZone) == "" {
		cfg.TimeZone = def.TimeZone
	}
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	if cfg.LogLevel == "" {
		cfg.LogLevel = def.LogLevel
	}
	cfg.LogFormat = strings.ToLower(strings.TrimSpace(cfg.LogFormat))
	if cfg.LogFormat == "" {
		cfg.LogFormat = def.LogFormat
	}
	return cfg
}

// normalizeAddr accepts "5000", ":5000" or "host:5000".
func normalizeAddr(addr string) string {
	addr = strings.TrimSpace(addr)
	if addr == "" || strings.Contains(addr, ":") {
		return addr
	}
	return ":" + addr
}

// NewConfig creates a Config instance populated with default values for all settings.
func NewConfig() *Config {
	cfg := defaultConfig()
	return &cfg
}

// NewConfigFromEnv loads the configuration from the environment. When
// envFile is not empty it is read first with godotenv; variables already set
// in the environment win over the file.
func NewConfigFromEnv(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return nil, fmt.Errorf("load %s: %w", envFile, err)
		}
	}
	var cfg Config
	if _, err := env.UnmarshalFromEnviron(&cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	cfg = sanitizeConfig(cfg)
	return &cfg, nil
}

// Validate checks field constraints and the authorization table.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	if _, err := c.Resolver(); err != nil {
		return err
	}
	return nil
}

// Resolver builds the identity resolver described by AuthorizedUsers and
// AllowLoopback.
func (c *Config) Resolver() (*identity.Resolver, error) {
	table, err := identity.ParseTable(c.AuthorizedUsers)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	r, err := identity.NewResolver(table, c.AllowLoopback)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return r, nil
}

// Location resolves TimeZone for time labels.
func (c *Config) Location() (*time.Location, error) {
	switch strings.TrimSpace(c.TimeZone) {
	case "", "Local", "local":
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.TimeZone)
	if err != nil {
		return nil, fmt.Errorf("config: timezone %q: %w", c.TimeZone, err)
	}
	return loc, nil
}

// Origins returns the normalized origin allow-list and whether "*" was given.
func (c *Config) Origins() ([]string, bool) {
	return normalizeOrigins(parseOrigins(c.AllowedOrigins))
}

func parseOrigins(origins string) []string {
	if strings.TrimSpace(origins) == "" {
		return nil
	}
	parts := strings.Split(origins, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}
