// Package config loads and validates app config from the environment and an
// optional .env file using Viper.
package config

import (
	"crypto/rand"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Environment names. Anything other than DEV is treated as a deployed environment.
const (
	EnvDev  = "DEV"
	EnvProd = "PROD"
)

// Store backends.
const (
	StoreMemory   = "memory"
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
	StoreRedis    = "redis"
)

// Dispatch modes.
const (
	DispatchOutbox = "outbox" // Codes are kept in memory; DEV only
	DispatchLive   = "live"   // Email over SMTP, SMS over the HTTP gateway
)

// Config holds application configuration loaded from the environment.
type Config struct {
	Port     string `mapstructure:"PORT"`
	AppName  string `mapstructure:"APP_NAME"`
	Env      string `mapstructure:"ENV"`
	LogLevel string `mapstructure:"LOG_LEVEL"`

	// Store holds accounts, and challenges and sessions unless EphemeralStore is set.
	Store          string `mapstructure:"STORE"`
	EphemeralStore string `mapstructure:"EPHEMERAL_STORE"` // "" or "redis"
	DatabaseURL    string `mapstructure:"DATABASE_URL"`
	SQLitePath     string `mapstructure:"SQLITE_PATH"`
	RedisAddr      string `mapstructure:"REDIS_ADDR"`
	RedisPassword  string `mapstructure:"REDIS_PASSWORD"`
	RedisDB        int    `mapstructure:"REDIS_DB"`

	Dispatch     string `mapstructure:"MFA_DISPATCH"`
	SmtpHost     string `mapstructure:"SMTP_HOST"`
	SmtpPort     string `mapstructure:"SMTP_PORT"`
	SmtpAccount  string `mapstructure:"SMTP_ACCOUNT"`
	SmtpPassword string `mapstructure:"SMTP_PASSWORD"`
	SmtpFrom     string `mapstructure:"SMTP_FROM"`
	SMSAPIKey    string `mapstructure:"SMS_API_KEY"`
	SMSBaseURL   string `mapstructure:"SMS_BASE_URL"`
	SMSSender    string `mapstructure:"SMS_SENDER"`

	// Secrets. Generated per process in DEV when unset.
	CodePepper         string `mapstructure:"MFA_CODE_PEPPER"`
	ChallengeRefSecret string `mapstructure:"CHALLENGE_REF_SECRET"`

	LockoutThreshold int           `mapstructure:"LOCKOUT_THRESHOLD"`
	LockoutBase      time.Duration `mapstructure:"LOCKOUT_BASE"`
	LockoutMax       time.Duration `mapstructure:"LOCKOUT_MAX"`

	CodeLength      int           `mapstructure:"MFA_CODE_LENGTH"`
	ChallengeTTL    time.Duration `mapstructure:"MFA_CHALLENGE_TTL"`
	MaxAttempts     int           `mapstructure:"MFA_MAX_ATTEMPTS"`
	MinInterval     time.Duration `mapstructure:"MFA_MIN_INTERVAL"`
	DispatchTimeout time.Duration `mapstructure:"MFA_DISPATCH_TIMEOUT"`
	TOTPSkew        uint          `mapstructure:"TOTP_SKEW"`

	SessionTTL time.Duration `mapstructure:"SESSION_TTL"`

	StoreTimeout time.Duration `mapstructure:"STORE_TIMEOUT"`
	StoreBackoff time.Duration `mapstructure:"STORE_RETRY_BACKOFF"`

	Argon2Time      uint32 `mapstructure:"ARGON2_TIME"`
	Argon2MemoryKiB uint32 `mapstructure:"ARGON2_MEMORY_KIB"`
	Argon2Threads   uint8  `mapstructure:"ARGON2_THREADS"`

	AllowedOriginList string  `mapstructure:"CORS_ALLOWED_ORIGINS"` // Comma separated
	RateLimitRPS      float64 `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst    int     `mapstructure:"RATE_LIMIT_BURST"`
	MaxBodyBytes      int64   `mapstructure:"MAX_BODY_BYTES"`

	SweepInterval time.Duration `mapstructure:"SWEEP_INTERVAL"` // 0 disables the sweeper

	OTLPEndpoint    string        `mapstructure:"OTEL_EXPORTER_OTLP_ENDPOINT"` // Empty disables metric export
	OTLPInsecure    bool          `mapstructure:"OTEL_EXPORTER_OTLP_INSECURE"`
	MetricsInterval time.Duration `mapstructure:"METRICS_INTERVAL"`

	DevSeedUsername string `mapstructure:"DEV_SEED_USERNAME"` // Account created at startup in DEV with the memory store; empty disables

	// GeneratedSecrets names the secrets generated because they were unset in DEV.
	GeneratedSecrets []string `mapstructure:"-"`
}

var defaults = map[string]any{
	"PORT":                        "8080",
	"APP_NAME":                    "Go MFA Server",
	"ENV":                         EnvDev,
	"LOG_LEVEL":                   "info",
	"STORE":                       StoreMemory,
	"EPHEMERAL_STORE":             "",
	"DATABASE_URL":                "",
	"SQLITE_PATH":                 "./data/mfa.db",
	"REDIS_ADDR":                  "",
	"REDIS_PASSWORD":              "",
	"REDIS_DB":                    0,
	"MFA_DISPATCH":                DispatchOutbox,
	"SMTP_HOST":                   "",
	"SMTP_PORT":                   "587",
	"SMTP_ACCOUNT":                "",
	"SMTP_PASSWORD":               "",
	"SMTP_FROM":                   "",
	"SMS_API_KEY":                 "",
	"SMS_BASE_URL":                "https://app.smslocal.in/api/smsapi",
	"SMS_SENDER":                  "",
	"MFA_CODE_PEPPER":             "",
	"CHALLENGE_REF_SECRET":        "",
	"LOCKOUT_THRESHOLD":           5,
	"LOCKOUT_BASE":                "1m",
	"LOCKOUT_MAX":                 "1h",
	"MFA_CODE_LENGTH":             6,
	"MFA_CHALLENGE_TTL":           "5m",
	"MFA_MAX_ATTEMPTS":            5,
	"MFA_MIN_INTERVAL":            "30s",
	"MFA_DISPATCH_TIMEOUT":        "10s",
	"TOTP_SKEW":                   1,
	"SESSION_TTL":                 "8h",
	"STORE_TIMEOUT":               "2s",
	"STORE_RETRY_BACKOFF":         "50ms",
	"ARGON2_TIME":                 3,
	"ARGON2_MEMORY_KIB":           64 * 1024,
	"ARGON2_THREADS":              2,
	"CORS_ALLOWED_ORIGINS":        "",
	"RATE_LIMIT_RPS":              5.0,
	"RATE_LIMIT_BURST":            10,
	"MAX_BODY_BYTES":              8 << 10,
	"SWEEP_INTERVAL":              "0s",
	"OTEL_EXPORTER_OTLP_ENDPOINT": "",
	"OTEL_EXPORTER_OTLP_INSECURE": false,
	"METRICS_INTERVAL":            "10s",
	"DEV_SEED_USERNAME":           "admin",
}

// Load reads .env (if present), then builds and validates Config from the environment.
func Load() (*Config, error) {
	return LoadFile(".env")
}

// LoadFile is Load with an explicit env file. A missing file is ignored; env
// vars override it.
func LoadFile(path string) (*Config, error) {
	v := viper.New()

	v.SetConfigFile(path)
	v.SetConfigType("env")
	_ = v.ReadInConfig() // ignore a missing file

	v.AutomaticEnv()
	for k, d := range defaults {
		v.SetDefault(k, d)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	c.Env = strings.ToUpper(strings.TrimSpace(c.Env))
	if c.Env == "" {
		c.Env = EnvDev
	}

	switch c.Store {
	case StoreMemory, StoreSQLite:
	case StorePostgres:
		if c.DatabaseURL == "" {
			return errors.New("config: DATABASE_URL must be set when STORE=postgres")
		}
	default:
		return fmt.Errorf("config: unknown STORE %q", c.Store)
	}
	switch c.EphemeralStore {
	case "":
	case StoreRedis:
		if c.RedisAddr == "" {
			return errors.New("config: REDIS_ADDR must be set when EPHEMERAL_STORE=redis")
		}
	default:
		return fmt.Errorf("config: unknown EPHEMERAL_STORE %q", c.EphemeralStore)
	}

	switch c.Dispatch {
	case DispatchOutbox:
		if !c.IsDev() {
			return fmt.Errorf("config: MFA_DISPATCH=outbox must not be used when ENV=%s", c.Env)
		}
	case DispatchLive:
	default:
		return fmt.Errorf("config: unknown MFA_DISPATCH %q", c.Dispatch)
	}

	if err := c.resolveSecret(&c.CodePepper, "MFA_CODE_PEPPER", 16); err != nil {
		return err
	}
	if err := c.resolveSecret(&c.ChallengeRefSecret, "CHALLENGE_REF_SECRET", 32); err != nil {
		return err
	}

	if c.LockoutThreshold < 1 {
		return errors.New("config: LOCKOUT_THRESHOLD must be at least 1")
	}
	if c.LockoutBase <= 0 || c.LockoutMax < c.LockoutBase {
		return errors.New("config: LOCKOUT_BASE must be positive and not exceed LOCKOUT_MAX")
	}
	if c.CodeLength < 4 || c.CodeLength > 10 {
		return errors.New("config: MFA_CODE_LENGTH must be between 4 and 10")
	}
	if c.MaxAttempts < 1 {
		return errors.New("config: MFA_MAX_ATTEMPTS must be at least 1")
	}
	if c.ChallengeTTL <= 0 || c.SessionTTL <= 0 {
		return errors.New("config: MFA_CHALLENGE_TTL and SESSION_TTL must be positive")
	}
	if c.Argon2Time < 1 || c.Argon2Threads < 1 || c.Argon2MemoryKiB < 8*uint32(c.Argon2Threads) {
		return errors.New("config: invalid ARGON2 parameters")
	}
	if c.SweepInterval < 0 {
		return errors.New("config: SWEEP_INTERVAL must not be negative")
	}
	return nil
}

// resolveSecret checks a secret's length, generating one in DEV when it is unset.
func (c *Config) resolveSecret(secret *string, name string, minLen int) error {
	if *secret == "" && c.IsDev() {
		b := make([]byte, minLen*2)
		if _, err := rand.Read(b); err != nil {
			return fmt.Errorf("config: generate %s: %w", name, err)
		}
		*secret = string(b)
		c.GeneratedSecrets = append(c.GeneratedSecrets, name)
		return nil
	}
	if len(*secret) < minLen {
		return fmt.Errorf("config: %s must be at least %d bytes", name, minLen)
	}
	return nil
}

func (c *Config) IsDev() bool {
	return c.Env == EnvDev
}
