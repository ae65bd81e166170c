package config

import (
	"fmt"
	"net/url"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

type Config struct {
	Port                   int     `env:"PORT" envDefault:"8085"`
	DatabaseURL            string  `env:"DATABASE_URL,required"`
	RedisURL               string  `env:"REDIS_URL,required"`
	AnalysisURL            string  `env:"ANALYSIS_URL" envDefault:"ws://127.0.0.1:8000/ws/analyze"`
	SnapshotURL            string  `env:"SNAPSHOT_URL" envDefault:""`
	CaptureFramesDir       string  `env:"CAPTURE_FRAMES_DIR" envDefault:""`
	IdentityToken          string  `env:"IDENTITY_TOKEN,required"`
	IdentitySecret         string  `env:"IDENTITY_SECRET,required"`
	AnalysisRateHz         float64 `env:"ANALYSIS_RATE_HZ" envDefault:"15"`
	RelayRateHz            float64 `env:"RELAY_RATE_HZ" envDefault:"10"`
	SubscribeGraceMs       int     `env:"SUBSCRIBE_GRACE_MS" envDefault:"250"`
	AnalysisTimeoutMs      int     `env:"ANALYSIS_TIMEOUT_MS" envDefault:"2000"`
	StoreTimeoutMs         int     `env:"STORE_TIMEOUT_MS" envDefault:"5000"`
	InviteTTLSeconds       int     `env:"INVITE_TTL_SECONDS" envDefault:"600"`
	JoinRequestLimitPerMin int     `env:"JOIN_REQUEST_LIMIT_PER_MIN" envDefault:"10"`
	LogLevel               string  `env:"LOG_LEVEL" envDefault:"info"`
}

func (c *Config) Addr() string {
	return fmt.Sprintf("127.0.0.1:%d", c.Port)
}

func (c *Config) SubscribeGrace() time.Duration {
	return time.Duration(c.SubscribeGraceMs) * time.Millisecond
}

func (c *Config) AnalysisTimeout() time.Duration {
	return time.Duration(c.AnalysisTimeoutMs) * time.Millisecond
}

func (c *Config) StoreTimeout() time.Duration {
	return time.Duration(c.StoreTimeoutMs) * time.Millisecond
}

func (c *Config) InviteTTL() time.Duration {
	return time.Duration(c.InviteTTLSeconds) * time.Second
}

// Validate enforces the rate relationship between the analysis loop and the
// relay loop: the relay can never outpace what it republishes.
func (c *Config) Validate() error {
	if c.AnalysisRateHz <= 0 {
		return fmt.Errorf("ANALYSIS_RATE_HZ must be positive, got %v", c.AnalysisRateHz)
	}
	if c.RelayRateHz <= 0 {
		return fmt.Errorf("RELAY_RATE_HZ must be positive, got %v", c.RelayRateHz)
	}
	if c.RelayRateHz > c.AnalysisRateHz {
		return fmt.Errorf("RELAY_RATE_HZ (%v) must not exceed ANALYSIS_RATE_HZ (%v)", c.RelayRateHz, c.AnalysisRateHz)
	}
	if c.SubscribeGraceMs < 0 {
		return fmt.Errorf("SUBSCRIBE_GRACE_MS must not be negative")
	}
	if c.AnalysisTimeoutMs <= 0 {
		return fmt.Errorf("ANALYSIS_TIMEOUT_MS must be positive")
	}
	if c.JoinRequestLimitPerMin <= 0 {
		return fmt.Errorf("JOIN_REQUEST_LIMIT_PER_MIN must be positive")
	}

	u, err := url.Parse(c.AnalysisURL)
	if err != nil {
		return fmt.Errorf("invalid ANALYSIS_URL: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("ANALYSIS_URL must use ws:// or wss://, got %q", u.Scheme)
	}

	if u.Scheme == "ws" && u.Hostname() != "127.0.0.1" && u.Hostname() != "localhost" {
		log.Warn().Str("host", u.Hostname()).Msg("ANALYSIS_URL is a remote plaintext websocket: frames leave this machine unencrypted")
	}
	if len(c.IdentitySecret) < 32 {
		log.Warn().Msg("IDENTITY_SECRET is shorter than 32 characters")
	}

	return nil
}

// Load reads an optional .env file and then the process environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err == nil {
		log.Debug().Msg("loaded .env file")
	}

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
