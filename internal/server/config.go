// Package server provides configuration helpers that define runtime defaults,
// validation, and tuning parameters for the Pairwire service.
package server

import (
	"strings"
	"sync"
	"time"

	"github.com/spf13/viper"
)

// RateLimitConfig defines the parameters for per-connection message rate limiting.
type RateLimitConfig struct {
	Burst          int
	RefillInterval time.Duration
}

// Config holds the server configuration settings, including security controls
// and the matchmaking sweep tunables.
type Config struct {
	Port           string
	AllowedOrigins []string
	MaxMessageSize int64
	RateLimit      RateLimitConfig
	SweepInterval  time.Duration
	RoomTTL        time.Duration
}

var (
	configMu        sync.RWMutex
	activeConfig    Config
	allowedOrigins  map[string]struct{}
	allowAllOrigins bool
)

func init() {
	SetConfig(nil)
}

func defaultConfig() Config {
	return Config{
		Port: ":8080",
		AllowedOrigins: []string{
			"http://localhost:5173",
		},
		// 64 KB leaves room for SDP offers, which dwarf every other event.
		MaxMessageSize: 64 * 1024,
		RateLimit: RateLimitConfig{
			Burst:          20,
			RefillInterval: time.Second,
		},
		SweepInterval: 10 * time.Second,
		RoomTTL:       time.Hour,
	}
}

func sanitizeConfig(cfg Config) Config {
	def := defaultConfig()

	if cfg.Port == "" {
		cfg.Port = def.Port
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = def.MaxMessageSize
	}
	if cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = def.RateLimit.Burst
	}
	if cfg.RateLimit.RefillInterval <= 0 {
		cfg.RateLimit.RefillInterval = def.RateLimit.RefillInterval
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	if cfg.RoomTTL <= 0 {
		cfg.RoomTTL = def.RoomTTL
	}

	normalizedOrigins, allowAll := normalizeOrigins(cfg.AllowedOrigins)
	cfg.AllowedOrigins = normalizedOrigins

	configMu.Lock()
	defer configMu.Unlock()

	activeConfig = cfg
	allowAllOrigins = allowAll
	allowedOrigins = make(map[string]struct{}, len(normalizedOrigins))
	for _, origin := range normalizedOrigins {
		allowedOrigins[origin] = struct{}{}
	}

	return cfg
}

// SetConfig applies the provided configuration. Passing nil resets to defaults.
func SetConfig(cfg *Config) {
	if cfg == nil {
		defaultCfg := defaultConfig()
		sanitizeConfig(defaultCfg)
		return
	}

	sanitized := Config{
		Port:           cfg.Port,
		AllowedOrigins: append([]string(nil), cfg.AllowedOrigins...),
		MaxMessageSize: cfg.MaxMessageSize,
		RateLimit:      cfg.RateLimit,
		SweepInterval:  cfg.SweepInterval,
		RoomTTL:        cfg.RoomTTL,
	}
	sanitizeConfig(sanitized)
}

func currentConfig() Config {
	configMu.RLock()
	defer configMu.RUnlock()

	cfg := activeConfig
	cfg.AllowedOrigins = append([]string(nil), cfg.AllowedOrigins...)
	return cfg
}

// NewConfig creates a Config instance populated with default values for all settings.
func NewConfig() *Config {
	cfg := defaultConfig()
	return &cfg
}

// NewConfigFromEnv creates a Config instance from environment variables,
// falling back to defaults for anything unset. Recognized variables:
// SERVER_PORT, ALLOWED_ORIGINS (comma separated), MAX_MESSAGE_SIZE,
// RATE_LIMIT_BURST, RATE_LIMIT_REFILL_INTERVAL, SWEEP_INTERVAL, ROOM_TTL.
// Durations use Go syntax ("10s", "1h").
func NewConfigFromEnv() *Config {
	def := defaultConfig()

	v := viper.New()
	v.AutomaticEnv()
	v.SetDefault("server_port", def.Port)
	v.SetDefault("allowed_origins", strings.Join(def.AllowedOrigins, ","))
	v.SetDefault("max_message_size", def.MaxMessageSize)
	v.SetDefault("rate_limit_burst", def.RateLimit.Burst)
	v.SetDefault("rate_limit_refill_interval", def.RateLimit.RefillInterval)
	v.SetDefault("sweep_interval", def.SweepInterval)
	v.SetDefault("room_ttl", def.RoomTTL)

	return &Config{
		Port:           v.GetString("server_port"),
		AllowedOrigins: parseOrigins(v.GetString("allowed_origins")),
		MaxMessageSize: v.GetInt64("max_message_size"),
		RateLimit: RateLimitConfig{
			Burst:          v.GetInt("rate_limit_burst"),
			RefillInterval: v.GetDuration("rate_limit_refill_interval"),
		},
		SweepInterval: v.GetDuration("sweep_interval"),
		RoomTTL:       v.GetDuration("room_ttl"),
	}
}

func parseOrigins(origins string) []string {
	parts := strings.Split(origins, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}
