package gmpauth

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/gmpsuite/gmpauth/password"
)

// Config is the complete engine configuration. Start from DefaultConfig and
// override what the deployment needs; Build validates the result.
type Config struct {
	JWT            JWTConfig
	Session        SessionConfig
	Password       PasswordConfig
	Policy         PolicyConfig
	Revocation     RevocationConfig
	Security       SecurityConfig
	Audit          AuditConfig
	Metrics        MetricsConfig
	Notify         NotifyConfig
	ValidationMode ValidationMode
}

/*
====================================
JWT CONFIG
====================================
*/

// JWTConfig controls access-token signing and the claims checked on parse.
type JWTConfig struct {
	AccessTTL     time.Duration
	RefreshTTL    time.Duration
	SigningMethod string // "ed25519" (default) or "hs256"
	PrivateKey    []byte
	PublicKey     []byte
	Issuer        string
	Audience      string
	Leeway        time.Duration
	RequireIAT    bool
	MaxFutureIAT  time.Duration
	// KeyID is stamped into the kid header. VerifyKeys maps kid to public
	// key (or HMAC secret) and allows verifying tokens from retired keys.
	KeyID      string
	VerifyKeys map[string][]byte
}

/*
====================================
SESSION CONFIG
====================================
*/

// SessionConfig controls refresh-session storage in Redis.
type SessionConfig struct {
	RedisPrefix             string
	SlidingExpiration       bool
	AbsoluteSessionLifetime time.Duration
	JitterEnabled           bool
	JitterRange             time.Duration
}

/*
====================================
PASSWORD CONFIG
====================================
*/

// PasswordConfig holds argon2id cost parameters.
type PasswordConfig struct {
	Memory           uint32 // in KB
	Time             uint32
	Parallelism      uint8
	SaltLength       uint32
	KeyLength        uint32
	MaxPasswordBytes int
	UpgradeOnLogin   bool
	// MaxAge expires passwords older than this at login. Zero disables it.
	MaxAge time.Duration
}

// PolicyConfig mirrors password.Policy so it can be set from service config.
type PolicyConfig struct {
	MinLength        int
	MaxLength        int
	RequireUpper     bool
	RequireLower     bool
	RequireDigit     bool
	RequireSymbol    bool
	BannedSubstrings []string
	ForbidIdentifier bool
	Patterns         []password.PatternRule
}

func (p PolicyConfig) policy() password.Policy {
	return password.Policy{
		MinLength:        p.MinLength,
		MaxLength:        p.MaxLength,
		RequireUpper:     p.RequireUpper,
		RequireLower:     p.RequireLower,
		RequireDigit:     p.RequireDigit,
		RequireSymbol:    p.RequireSymbol,
		BannedSubstrings: p.BannedSubstrings,
		ForbidIdentifier: p.ForbidIdentifier,
		Patterns:         p.Patterns,
	}
}

/*
====================================
REVOCATION CONFIG
====================================
*/

const (
	RevocationBackendRedis  = "redis"
	RevocationBackendMemory = "memory"
)

// RevocationConfig selects the revocation list backend. A store passed to
// Builder.WithRevocationStore takes precedence.
type RevocationConfig struct {
	Backend     string
	RedisPrefix string
}

/*
====================================
SECURITY CONFIG
====================================
*/

// SecurityConfig groups throttling, lockout and validation hardening.
type SecurityConfig struct {
	RateLimitPrefix         string
	EnableIPThrottle        bool
	EnableRefreshThrottle   bool
	MaxLoginAttempts        int
	LoginCooldownDuration   time.Duration
	MaxRefreshAttempts      int
	RefreshCooldownDuration time.Duration

	AutoLockoutEnabled   bool
	AutoLockoutThreshold int
	AutoLockoutWindow    time.Duration

	EnableAccountVersionCheck bool
	EnableReplayTracking      bool
	MaxClockSkew              time.Duration
}

/*
====================================
AUDIT / METRICS / NOTIFY
====================================
*/

// AuditConfig controls the asynchronous audit dispatcher.
type AuditConfig struct {
	Enabled    bool
	BufferSize int
	DropIfFull bool
}

// MetricsConfig toggles in-process counters and the validate latency histogram.
type MetricsConfig struct {
	Enabled                 bool
	EnableLatencyHistograms bool
}

// NotifyConfig controls MCP notifications emitted by the engine.
type NotifyConfig struct {
	Enabled bool
	// Source is stamped on every notification, e.g. "auth-service".
	Source string
}

/*
====================================
VALIDATION MODE
====================================
*/

// ValidationMode selects how much state Validate consults.
type ValidationMode int

const (
	// ModeInherit on a route defers to Config.ValidationMode.
	ModeInherit ValidationMode = -1

	// ModeJWTOnly checks the signature and registered claims only.
	ModeJWTOnly ValidationMode = iota
	// ModeHybrid adds the revocation list.
	ModeHybrid
	// ModeStrict adds the backing session.
	ModeStrict
)

// RouteMode is the per-route override mode for Engine.Validate.
type RouteMode = ValidationMode

func (m ValidationMode) String() string {
	switch m {
	case ModeInherit:
		return "inherit"
	case ModeJWTOnly:
		return "jwt_only"
	case ModeHybrid:
		return "hybrid"
	case ModeStrict:
		return "strict"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// ParseValidationMode accepts the names produced by String.
func ParseValidationMode(s string) (ValidationMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "jwt_only", "jwt-only", "jwtonly":
		return ModeJWTOnly, nil
	case "hybrid", "":
		return ModeHybrid, nil
	case "strict":
		return ModeStrict, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrInvalidRouteMode, s)
	}
}

/*
====================================
DEFAULT CONFIG
====================================
*/

// DefaultConfig returns the production defaults without key material.
func DefaultConfig() Config {
	return defaultConfig()
}

func defaultConfig() Config {
	policy := password.DefaultPolicy()
	return Config{
		JWT: JWTConfig{
			AccessTTL:     5 * time.Minute,
			RefreshTTL:    7 * 24 * time.Hour,
			SigningMethod: "ed25519",
			Issuer:        "gmp-auth",
			MaxFutureIAT:  10 * time.Minute,
		},
		Session: SessionConfig{
			RedisPrefix:             "as",
			SlidingExpiration:       true,
			AbsoluteSessionLifetime: 7 * 24 * time.Hour,
			JitterEnabled:           true,
			JitterRange:             30 * time.Second,
		},
		Password: PasswordConfig{
			Memory:           65536,
			Time:             3,
			Parallelism:      2,
			SaltLength:       16,
			KeyLength:        32,
			MaxPasswordBytes: password.DefaultMaxPasswordBytes,
			UpgradeOnLogin:   true,
		},
		Policy: PolicyConfig{
			MinLength:        policy.MinLength,
			MaxLength:        policy.MaxLength,
			RequireUpper:     policy.RequireUpper,
			RequireLower:     policy.RequireLower,
			RequireDigit:     policy.RequireDigit,
			RequireSymbol:    policy.RequireSymbol,
			BannedSubstrings: policy.BannedSubstrings,
			ForbidIdentifier: policy.ForbidIdentifier,
		},
		Revocation: RevocationConfig{
			Backend:     RevocationBackendRedis,
			RedisPrefix: "arv",
		},
		Security: SecurityConfig{
			RateLimitPrefix:           "arl",
			EnableIPThrottle:          false,
			EnableRefreshThrottle:     true,
			MaxLoginAttempts:          5,
			LoginCooldownDuration:     15 * time.Minute,
			MaxRefreshAttempts:        20,
			RefreshCooldownDuration:   1 * time.Minute,
			AutoLockoutEnabled:        false,
			AutoLockoutThreshold:      10,
			AutoLockoutWindow:         24 * time.Hour,
			EnableAccountVersionCheck: true,
			EnableReplayTracking:      true,
			MaxClockSkew:              30 * time.Second,
		},
		Audit: AuditConfig{
			Enabled:    false,
			BufferSize: 1024,
			DropIfFull: true,
		},
		Metrics: MetricsConfig{
			Enabled:                 false,
			EnableLatencyHistograms: false,
		},
		Notify: NotifyConfig{
			Enabled: true,
			Source:  "auth-service",
		},
		ValidationMode: ModeHybrid,
	}
}

func cloneConfig(cfg Config) Config {
	out := cfg
	out.JWT.PrivateKey = cloneBytes(cfg.JWT.PrivateKey)
	out.JWT.PublicKey = cloneBytes(cfg.JWT.PublicKey)
	if cfg.JWT.VerifyKeys != nil {
		out.JWT.VerifyKeys = make(map[string][]byte, len(cfg.JWT.VerifyKeys))
		for kid, key := range cfg.JWT.VerifyKeys {
			out.JWT.VerifyKeys[kid] = cloneBytes(key)
		}
	}
	out.Policy.BannedSubstrings = append([]string(nil), cfg.Policy.BannedSubstrings...)
	out.Policy.Patterns = append([]password.PatternRule(nil), cfg.Policy.Patterns...)
	return out
}

func cloneBytes(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

/*
====================================
VALIDATION
====================================
*/

// Validate checks the configuration for values the engine cannot run with.
func (c *Config) Validate() error {
	// JWT
	if c.JWT.AccessTTL <= 0 {
		return errors.New("JWT AccessTTL must be > 0")
	}
	if c.JWT.RefreshTTL <= 0 {
		return errors.New("JWT RefreshTTL must be > 0")
	}
	if c.JWT.AccessTTL >= c.JWT.RefreshTTL {
		return errors.New("JWT AccessTTL must be shorter than RefreshTTL")
	}
	switch c.JWT.SigningMethod {
	case "ed25519":
		if len(c.JWT.PrivateKey) == 0 {
			return errors.New("ed25519 requires PrivateKey")
		}
		if len(c.JWT.PublicKey) == 0 && len(c.JWT.VerifyKeys) == 0 {
			return errors.New("ed25519 requires PublicKey or VerifyKeys")
		}
	case "hs256":
		if len(c.JWT.PrivateKey) < 32 {
			return errors.New("hs256 requires a PrivateKey of at least 32 bytes")
		}
	default:
		return errors.New("unsupported JWT signing method")
	}
	if c.JWT.Leeway < 0 || c.JWT.Leeway > 2*time.Minute {
		return errors.New("JWT Leeway must be between 0 and 2m")
	}

	// Session
	if c.Session.AbsoluteSessionLifetime <= 0 {
		return errors.New("Session AbsoluteSessionLifetime must be > 0")
	}
	if c.Session.JitterRange < 0 {
		return errors.New("Session JitterRange must be >= 0")
	}
	if c.Session.JitterRange > time.Duration((math.MaxInt64-1)/2) {
		return errors.New("Session JitterRange is too large")
	}
	if c.Session.JitterEnabled && c.Session.JitterRange <= 0 {
		return errors.New("Session JitterRange must be > 0 when JitterEnabled is true")
	}

	// Password
	if c.Password.Memory < 8*1024 {
		return errors.New("Password Memory must be >= 8192 KB")
	}
	if c.Password.Time < 1 {
		return errors.New("Password Time must be >= 1")
	}
	if c.Password.Parallelism < 1 {
		return errors.New("Password Parallelism must be >= 1")
	}
	if c.Password.SaltLength < 16 {
		return errors.New("Password SaltLength must be >= 16")
	}
	if c.Password.KeyLength < 16 {
		return errors.New("Password KeyLength must be >= 16")
	}
	if c.Password.MaxAge < 0 {
		return errors.New("Password MaxAge must be >= 0")
	}
	if err := c.Policy.policy().Check(); err != nil {
		return fmt.Errorf("Policy: %w", err)
	}

	// Revocation
	switch c.Revocation.Backend {
	case RevocationBackendRedis, RevocationBackendMemory:
	default:
		return errors.New("Revocation Backend must be 'redis' or 'memory'")
	}

	// Security
	if c.Security.MaxLoginAttempts <= 0 {
		return errors.New("Security MaxLoginAttempts must be > 0")
	}
	if c.Security.LoginCooldownDuration <= 0 {
		return errors.New("Security LoginCooldownDuration must be > 0")
	}
	if c.Security.EnableRefreshThrottle {
		if c.Security.MaxRefreshAttempts <= 0 {
			return errors.New("Security MaxRefreshAttempts must be > 0")
		}
		if c.Security.RefreshCooldownDuration <= 0 {
			return errors.New("Security RefreshCooldownDuration must be > 0")
		}
	}
	if c.Security.AutoLockoutEnabled {
		if c.Security.AutoLockoutThreshold <= 0 {
			return errors.New("Security AutoLockoutThreshold must be > 0")
		}
		if c.Security.AutoLockoutWindow < 0 {
			return errors.New("Security AutoLockoutWindow must be >= 0")
		}
	}
	if c.Security.MaxClockSkew < 0 {
		return errors.New("Security MaxClockSkew must be >= 0")
	}

	// Audit
	if c.Audit.Enabled && c.Audit.BufferSize <= 0 {
		return errors.New("Audit BufferSize must be > 0")
	}

	// Notify
	if c.Notify.Enabled && strings.TrimSpace(c.Notify.Source) == "" {
		return errors.New("Notify Source must be set when notifications are enabled")
	}

	switch c.ValidationMode {
	case ModeJWTOnly, ModeHybrid, ModeStrict:
	default:
		return ErrInvalidRouteMode
	}

	return nil
}
