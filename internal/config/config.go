// Package config loads gateway settings from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	JWTSecret string

	// State store for rate windows, dedup claims, risk profiles and challenges.
	StateBackend string // "memory" or "redis"
	RedisURL     string
	RedisPass    string
	RedisDB      int
	RedisPrefix  string

	// Durable commitment store; in-memory when empty.
	DatabaseURL  string
	StoreTimeout time.Duration

	KafkaBrokers string
	KafkaTopic   string

	Replay ReplayConfig
	Risk   RiskConfig

	CommitmentTTL  time.Duration
	ExpireInterval time.Duration
	SweepInterval  time.Duration

	Captcha CaptchaConfig

	IPRateLimitRPS   float64
	IPRateLimitBurst int

	// Proxies allowed to set X-Forwarded-For. Empty trusts none and keys every
	// per-IP control on the TCP peer address.
	TrustedProxies []string
}

type ReplayConfig struct {
	RateLimit     time.Duration // 0 disables the rate-limit step
	RateWindowTTL time.Duration
	DedupTTL      time.Duration
	MaxClockSkew  time.Duration
	StrictNonce   bool
}

type RiskConfig struct {
	Weights RiskWeights

	LowThreshold      int
	MediumThreshold   int
	HighThreshold     int
	CriticalThreshold int

	Cooldown      time.Duration
	CaptchaRelief int
	ProfileTTL    time.Duration
	SignalWindow  time.Duration
}

type RiskWeights struct {
	BurstBetting       int
	RateViolations     int
	FailedAuth         int
	IdenticalBets      int
	RoundNumbers       int
	SharedIP           int
	NewAccountHighBets int
}

type CaptchaConfig struct {
	VerifyURL   string
	Secret      string
	MinScore    float64
	Timeout     time.Duration
	TTL         time.Duration
	MaxAttempts int
	DevBypass   bool
}

const (
	DefaultPort         = "8080"
	DefaultEnv          = "development"
	DefaultLogLevel     = "info"
	DefaultStateBackend = "memory"
	DefaultKafkaTopic   = "fairbet.commitments"
)

func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:     getEnv("PORT", DefaultPort),
		Env:      getEnv("ENV", DefaultEnv),
		LogLevel: getEnv("LOG_LEVEL", DefaultLogLevel),

		JWTSecret: os.Getenv("JWT_SECRET"),

		StateBackend: strings.ToLower(getEnv("STATE_BACKEND", DefaultStateBackend)),
		RedisURL:     getEnv("REDIS_URL", "localhost:6379"),
		RedisPass:    os.Getenv("REDIS_PASSWORD"),
		RedisDB:      int(getEnvInt64("REDIS_DB", 0)),
		RedisPrefix:  getEnv("REDIS_PREFIX", "fairbet:"),

		DatabaseURL:  os.Getenv("DATABASE_URL"),
		StoreTimeout: getEnvDuration("STORE_TIMEOUT", 2*time.Second),

		KafkaBrokers: os.Getenv("KAFKA_BROKERS"),
		KafkaTopic:   getEnv("KAFKA_TOPIC", DefaultKafkaTopic),

		Replay: ReplayConfig{
			RateLimit:     time.Duration(getEnvInt64("RATE_LIMIT_SECONDS", 1)) * time.Second,
			RateWindowTTL: getEnvDuration("RATE_WINDOW_TTL", 5*time.Minute),
			DedupTTL:      getEnvDuration("DEDUP_TTL", 2*time.Minute),
			MaxClockSkew:  getEnvDuration("MAX_CLOCK_SKEW", 30*time.Second),
			StrictNonce:   getEnvBool("STRICT_NONCE", false),
		},

		Risk: RiskConfig{
			Weights: RiskWeights{
				BurstBetting:       int(getEnvInt64("RISK_WEIGHT_BURST", 15)),
				RateViolations:     int(getEnvInt64("RISK_WEIGHT_RATE_VIOLATIONS", 20)),
				FailedAuth:         int(getEnvInt64("RISK_WEIGHT_FAILED_AUTH", 25)),
				IdenticalBets:      int(getEnvInt64("RISK_WEIGHT_IDENTICAL", 15)),
				RoundNumbers:       int(getEnvInt64("RISK_WEIGHT_ROUND_NUMBERS", 10)),
				SharedIP:           int(getEnvInt64("RISK_WEIGHT_SHARED_IP", 20)),
				NewAccountHighBets: int(getEnvInt64("RISK_WEIGHT_NEW_ACCOUNT", 15)),
			},
			LowThreshold:      int(getEnvInt64("RISK_LOW_THRESHOLD", 20)),
			MediumThreshold:   int(getEnvInt64("RISK_MEDIUM_THRESHOLD", 40)),
			HighThreshold:     int(getEnvInt64("RISK_HIGH_THRESHOLD", 60)),
			CriticalThreshold: int(getEnvInt64("RISK_CRITICAL_THRESHOLD", 80)),
			Cooldown:          getEnvDuration("RISK_COOLDOWN", 300*time.Second),
			CaptchaRelief:     int(getEnvInt64("CAPTCHA_RELIEF", 30)),
			ProfileTTL:        getEnvDuration("RISK_PROFILE_TTL", time.Hour),
			SignalWindow:      getEnvDuration("RISK_SIGNAL_WINDOW", 10*time.Minute),
		},

		CommitmentTTL:  getEnvDuration("COMMITMENT_TTL", 60*time.Second),
		ExpireInterval: getEnvDuration("EXPIRE_INTERVAL", 15*time.Second),
		SweepInterval:  getEnvDuration("SWEEP_INTERVAL", 30*time.Second),

		Captcha: CaptchaConfig{
			VerifyURL:   os.Getenv("CAPTCHA_VERIFY_URL"),
			Secret:      os.Getenv("CAPTCHA_SECRET"),
			MinScore:    getEnvFloat("CAPTCHA_MIN_SCORE", 0.5),
			Timeout:     getEnvDuration("CAPTCHA_TIMEOUT", 3*time.Second),
			TTL:         getEnvDuration("CAPTCHA_TTL", 5*time.Minute),
			MaxAttempts: int(getEnvInt64("CAPTCHA_MAX_ATTEMPTS", 3)),
			DevBypass:   getEnvBool("CAPTCHA_DEV_BYPASS", false),
		},

		IPRateLimitRPS:   getEnvFloat("IP_RATE_LIMIT_RPS", 20),
		IPRateLimitBurst: int(getEnvInt64("IP_RATE_LIMIT_BURST", 40)),

		TrustedProxies: getEnvList("TRUSTED_PROXIES"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate rejects settings that would let the gateway fail open.
func (c *Config) Validate() error {
	if c.JWTSecret == "" {
		if c.IsProduction() {
			return fmt.Errorf("JWT_SECRET is required in production")
		}
	}

	switch c.StateBackend {
	case "memory", "redis":
	default:
		return fmt.Errorf("STATE_BACKEND must be memory or redis, got %q", c.StateBackend)
	}

	if c.Replay.RateLimit < 0 {
		return fmt.Errorf("RATE_LIMIT_SECONDS must not be negative")
	}
	if c.CommitmentTTL <= 0 {
		return fmt.Errorf("COMMITMENT_TTL must be positive")
	}

	r := c.Risk
	if !(r.LowThreshold <= r.MediumThreshold && r.MediumThreshold <= r.HighThreshold && r.HighThreshold <= r.CriticalThreshold) {
		return fmt.Errorf("risk thresholds must be ascending: %d/%d/%d/%d",
			r.LowThreshold, r.MediumThreshold, r.HighThreshold, r.CriticalThreshold)
	}

	if c.Captcha.MaxAttempts < 1 {
		return fmt.Errorf("CAPTCHA_MAX_ATTEMPTS must be at least 1")
	}

	if c.IsProduction() {
		if c.Captcha.DevBypass {
			return fmt.Errorf("CAPTCHA_DEV_BYPASS cannot be enabled in production")
		}
		if c.Captcha.VerifyURL == "" {
			return fmt.Errorf("CAPTCHA_VERIFY_URL is required in production")
		}
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required in production")
		}
	}

	return nil
}

func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// CaptchaBypassAllowed is true only for an explicit bypass outside production.
func (c *Config) CaptchaBypassAllowed() bool {
	return c.Captcha.DevBypass && !c.IsProduction()
}

func (c *Config) KafkaEnabled() bool {
	return c.KafkaBrokers != ""
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvList splits a comma-separated value, dropping blanks.
func getEnvList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

// getEnvDuration accepts Go durations ("90s") or bare seconds ("90").
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}
