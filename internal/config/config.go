// Package config provides configuration helpers that define runtime defaults,
// validation, and rate-limiting parameters for the chat hub service.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nyaruka/ezconf"
)

// DefaultJWTSecret is the development-only signing secret shared with the auth service.
const DefaultJWTSecret = "dev-secret-change-me"

// Config holds the server configuration settings including security controls.
type Config struct {
	Address string `help:"the network interface address the hub will bind to"`
	Port    int    `help:"the port the hub will listen on"`
	Env     string `help:"the deployment environment (dev or prod)"`

	DB        string `help:"the SQLite DSN used for rooms, users and messages"`
	JWTSecret string `help:"the HS256 secret shared with the auth service"`

	AllowedOrigins string `help:"comma separated list of allowed browser origins, * allows all"`
	MaxFrameBytes  int64  `help:"the maximum size in bytes of an inbound WebSocket frame"`
	QueueSize      int    `help:"the number of outbound frames buffered per session"`

	PingInterval int `help:"milliseconds between server heartbeat pings"`
	PongGrace    int `help:"milliseconds a client has to answer a ping"`
	TypingTTL    int `help:"milliseconds before a typing indicator expires"`

	RateLimitBurst    int `help:"inbound frames a session may send in a burst"`
	RateLimitInterval int `help:"milliseconds over which the inbound burst refills"`
	HTTPRateLimit     int `help:"REST requests per second allowed per client address and route"`
	HTTPRateBurst     int `help:"REST request burst allowed per client address and route"`

	SentryDSN string `help:"the DSN used for logging errors to Sentry"`
	LogLevel  string `help:"the logging level the hub should use"`
}

// NewConfig creates a Config instance populated with default values for all settings.
func NewConfig() *Config {
	return &Config{
		Address:           "",
		Port:              8080,
		Env:               "dev",
		DB:                "chathub.db",
		JWTSecret:         DefaultJWTSecret,
		AllowedOrigins:    "http://localhost:8080,http://localhost:5173",
		MaxFrameBytes:     16 * 1024,
		QueueSize:         256,
		PingInterval:      30000,
		PongGrace:         10000,
		TypingTTL:         3000,
		RateLimitBurst:    20,
		RateLimitInterval: 1000,
		HTTPRateLimit:     20,
		HTTPRateBurst:     40,
		LogLevel:          "info",
	}
}

// LoadConfig loads our configuration from the passed in filename, then the
// environment (CHATHUB_*) and finally command line flags.
func LoadConfig(filename string) *Config {
	cfg := NewConfig()
	loader := ezconf.NewLoader(
		cfg,
		"chathub", "Chathub - realtime chat rooms over WebSocket",
		[]string{filename},
	)
	loader.MustLoad()

	cfg.Sanitize()
	return cfg
}

// Sanitize replaces unset or non-positive values with their defaults.
func (c *Config) Sanitize() {
	def := NewConfig()

	if c.Port <= 0 {
		c.Port = def.Port
	}
	if c.Env == "" {
		c.Env = def.Env
	}
	if c.DB == "" {
		c.DB = def.DB
	}
	if c.MaxFrameBytes <= 0 {
		c.MaxFrameBytes = def.MaxFrameBytes
	}
	if c.QueueSize <= 0 {
		c.QueueSize = def.QueueSize
	}
	if c.PingInterval <= 0 {
		c.PingInterval = def.PingInterval
	}
	if c.PongGrace <= 0 {
		c.PongGrace = def.PongGrace
	}
	if c.TypingTTL <= 0 {
		c.TypingTTL = def.TypingTTL
	}
	if c.RateLimitBurst <= 0 {
		c.RateLimitBurst = def.RateLimitBurst
	}
	if c.RateLimitInterval <= 0 {
		c.RateLimitInterval = def.RateLimitInterval
	}
	if c.HTTPRateLimit <= 0 {
		c.HTTPRateLimit = def.HTTPRateLimit
	}
	if c.HTTPRateBurst <= 0 {
		c.HTTPRateBurst = def.HTTPRateBurst
	}
	if c.LogLevel == "" {
		c.LogLevel = def.LogLevel
	}
}

// Validate reports configuration that is unsafe to run with.
func (c *Config) Validate() error {
	if c.JWTSecret == "" {
		return errors.New("jwt secret must be set")
	}
	if c.Env != "dev" && c.JWTSecret == DefaultJWTSecret {
		return fmt.Errorf("default jwt secret is not allowed in %q environment", c.Env)
	}
	if c.PongGrace >= c.PingInterval {
		return fmt.Errorf("pong grace (%dms) must be shorter than the ping interval (%dms)", c.PongGrace, c.PingInterval)
	}
	return nil
}

// ListenAddr returns the host:port the HTTP server binds to.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Address, c.Port)
}

// Origins splits AllowedOrigins into trimmed, non-empty entries.
func (c *Config) Origins() []string {
	parts := strings.Split(c.AllowedOrigins, ",")
	origins := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	return origins
}

func (c *Config) PingIntervalDuration() time.Duration { return millis(c.PingInterval) }
func (c *Config) PongGraceDuration() time.Duration    { return millis(c.PongGrace) }
func (c *Config) TypingTTLDuration() time.Duration    { return millis(c.TypingTTL) }
func (c *Config) RateLimitWindow() time.Duration      { return millis(c.RateLimitInterval) }

func millis(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
