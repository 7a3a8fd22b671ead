package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/jrsteele09/go-mfa-server/credentials"
	"github.com/jrsteele09/go-mfa-server/internal/retry"
	"github.com/jrsteele09/go-mfa-server/mfa"
	"github.com/jrsteele09/go-mfa-server/mfa/dispatch"
	"github.com/jrsteele09/go-mfa-server/sessions"
	"github.com/jrsteele09/go-mfa-server/users"
	"github.com/pquerna/otp"
)

// The getters below turn the flat environment into the configuration structs
// each component takes at construction.

func (c *Config) GetPort() string {
	port := c.Port
	if port != "" && port[0] != ':' {
		port = fmt.Sprintf(":%s", port)
	}
	return port
}

func (c *Config) CredentialsConfig() credentials.Config {
	return credentials.Config{
		LockoutThreshold: c.LockoutThreshold,
		LockoutBase:      c.LockoutBase,
		LockoutMax:       c.LockoutMax,
	}
}

func (c *Config) IssuerConfig() mfa.IssuerConfig {
	return mfa.IssuerConfig{
		ChallengeTTL:    c.ChallengeTTL,
		MaxAttempts:     c.MaxAttempts,
		MinInterval:     c.MinInterval,
		DispatchTimeout: c.DispatchTimeout,
	}
}

func (c *Config) TOTPConfig() mfa.TOTPConfig {
	return mfa.TOTPConfig{Period: 30, Skew: c.TOTPSkew, Digits: otp.DigitsSix}
}

func (c *Config) SessionConfig() sessions.Config {
	return sessions.Config{TTL: c.SessionTTL, TokenBytes: 32}
}

func (c *Config) StoreConfig() retry.Config {
	return retry.Config{Timeout: c.StoreTimeout, Backoff: c.StoreBackoff, Tries: 2}
}

func (c *Config) Argon2Params() users.Argon2Params {
	p := users.DefaultArgon2Params()
	p.Time = c.Argon2Time
	p.MemoryKiB = c.Argon2MemoryKiB
	p.Threads = c.Argon2Threads
	return p
}

func (c *Config) SMTPConfig() dispatch.SMTPConfig {
	return dispatch.SMTPConfig{
		Host:     c.SmtpHost,
		Port:     c.SmtpPort,
		Account:  c.SmtpAccount,
		Password: c.SmtpPassword,
		From:     c.SmtpFrom,
		AppName:  c.AppName,
	}
}

// DevSeedEnabled returns the username to bootstrap at startup. Only a DEV
// server on the memory store seeds an account; anything else starts empty.
func (c *Config) DevSeedEnabled() (string, bool) {
	username := strings.TrimSpace(c.DevSeedUsername)
	return username, username != "" && c.IsDev() && c.Store == StoreMemory
}

// SweepEnabled reports whether expired records are swept in the background.
func (c *Config) SweepEnabled() (time.Duration, bool) {
	return c.SweepInterval, c.SweepInterval > 0
}

type AllowedOrigins map[string]struct{}
type nullValue = struct{}

func (a AllowedOrigins) IsAllowedOrigin(origin string) bool {
	_, ok := a[origin]
	return ok
}

func (a AllowedOrigins) String() string {
	var origins []string
	for k := range a {
		origins = append(origins, k)
	}
	return strings.Join(origins, ", ")
}

func (c *Config) GetAllowedOrigins() AllowedOrigins {
	origins := AllowedOrigins{}
	for _, o := range strings.Split(c.AllowedOriginList, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins[o] = nullValue{}
		}
	}
	return origins
}

func (c *Config) GetAllowedMethods() string {
	return "GET, POST"
}

func (c *Config) GetAllowedHeaders() string {
	return "Content-Type, Authorization"
}
