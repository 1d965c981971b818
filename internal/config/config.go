// Package config resolves the gmp-auth service configuration from defaults,
// an optional YAML file and GMPAUTH_* environment variables, in that order.
package config

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gmpsuite/gmpauth"
	"gopkg.in/yaml.v3"
)

const envPrefix = "GMPAUTH_"

// ErrConfig marks every validation failure returned by Load.
var ErrConfig = errors.New("invalid configuration")

// Config is the resolved runtime configuration of the gmp-auth service.
type Config struct {
	ServiceID       string
	HTTPAddr        string
	GRPCAddr        string
	ShutdownTimeout time.Duration
	// TrustedProxies may set X-Forwarded-For. Requests from anywhere else
	// are attributed to their socket address.
	TrustedProxies []netip.Prefix

	DatabaseURL string
	RedisURL    string
	MaxDBConns  int

	SigningMethod     string
	PrivateKey        []byte
	PublicKey         []byte
	KeyID             string
	Issuer            string
	Audience          string
	AllowEphemeralJWT bool
	// Ephemeral is set when Load generated the signing key itself.
	Ephemeral bool

	AccessTTL      time.Duration
	RefreshTTL     time.Duration
	ValidationMode gmpauth.ValidationMode

	MaxLoginAttempts     int
	LoginCooldown        time.Duration
	IPThrottle           bool
	AutoLockoutThreshold int
	AutoLockoutWindow    time.Duration
	PasswordMaxAge       time.Duration
	ArgonMemoryKB        uint32
	ArgonTime            uint32

	AuditEnabled      bool
	MetricsEnabled    bool
	LatencyHistograms bool

	OutboxPollInterval time.Duration
	OutboxBatchSize    int
	OutboxClaimTTL     time.Duration
	OutboxMaxRetries   int

	AdminUsername string
	AdminPassword string
	AdminSite     string
}

// fileConfig mirrors the YAML schema. Durations are written as "5m", "168h".
type fileConfig struct {
	Service struct {
		ID              string        `yaml:"id"`
		HTTPAddr        string        `yaml:"http_addr"`
		GRPCAddr        string        `yaml:"grpc_addr"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
		TrustedProxies  []string      `yaml:"trusted_proxies"`
	} `yaml:"service"`
	Dependencies struct {
		PostgresURL string `yaml:"postgres_url"`
		RedisURL    string `yaml:"redis_url"`
		MaxDBConns  int    `yaml:"max_db_conns"`
	} `yaml:"dependencies"`
	JWT struct {
		SigningMethod  string        `yaml:"signing_method"`
		PrivateKeyFile string        `yaml:"private_key_file"`
		PublicKeyFile  string        `yaml:"public_key_file"`
		KeyID          string        `yaml:"key_id"`
		Issuer         string        `yaml:"issuer"`
		Audience       string        `yaml:"audience"`
		AllowEphemeral *bool         `yaml:"allow_ephemeral"`
		AccessTTL      time.Duration `yaml:"access_ttl"`
		RefreshTTL     time.Duration `yaml:"refresh_ttl"`
	} `yaml:"jwt"`
	Security struct {
		ValidationMode       string        `yaml:"validation_mode"`
		MaxLoginAttempts     int           `yaml:"max_login_attempts"`
		LoginCooldown        time.Duration `yaml:"login_cooldown"`
		IPThrottle           *bool         `yaml:"ip_throttle"`
		AutoLockoutThreshold int           `yaml:"auto_lockout_threshold"`
		AutoLockoutWindow    time.Duration `yaml:"auto_lockout_window"`
		PasswordMaxAge       time.Duration `yaml:"password_max_age"`
		ArgonMemoryKB        uint32        `yaml:"argon_memory_kb"`
		ArgonTime            uint32        `yaml:"argon_time"`
	} `yaml:"security"`
	Observability struct {
		Audit             *bool `yaml:"audit"`
		Metrics           *bool `yaml:"metrics"`
		LatencyHistograms *bool `yaml:"latency_histograms"`
	} `yaml:"observability"`
	Outbox struct {
		PollInterval time.Duration `yaml:"poll_interval"`
		BatchSize    int           `yaml:"batch_size"`
		ClaimTTL     time.Duration `yaml:"claim_ttl"`
		MaxRetries   int           `yaml:"max_retries"`
	} `yaml:"outbox"`
	Bootstrap struct {
		AdminUsername string `yaml:"admin_username"`
		AdminSite     string `yaml:"admin_site"`
	} `yaml:"bootstrap"`
}

// Defaults returns the configuration used before any file or env override.
func Defaults() Config {
	engine := gmpauth.DefaultConfig()
	return Config{
		ServiceID:            "auth-service",
		HTTPAddr:             ":8080",
		GRPCAddr:             ":9090",
		ShutdownTimeout:      15 * time.Second,
		MaxDBConns:           20,
		SigningMethod:        engine.JWT.SigningMethod,
		KeyID:                "gmp-auth-1",
		Issuer:               engine.JWT.Issuer,
		AccessTTL:            engine.JWT.AccessTTL,
		RefreshTTL:           engine.JWT.RefreshTTL,
		ValidationMode:       engine.ValidationMode,
		MaxLoginAttempts:     engine.Security.MaxLoginAttempts,
		LoginCooldown:        engine.Security.LoginCooldownDuration,
		AutoLockoutThreshold: 0,
		AutoLockoutWindow:    engine.Security.AutoLockoutWindow,
		ArgonMemoryKB:        engine.Password.Memory,
		ArgonTime:            engine.Password.Time,
		AuditEnabled:         true,
		MetricsEnabled:       true,
		OutboxPollInterval:   2 * time.Second,
		OutboxBatchSize:      100,
		OutboxClaimTTL:       30 * time.Second,
		OutboxMaxRetries:     5,
		AdminSite:            "global",
	}
}

// Load resolves the configuration. A missing file at path is not an error;
// an unreadable or malformed one is.
func Load(path string) (Config, error) {
	cfg := Defaults()

	var privateKeyFile, publicKeyFile string
	if path != "" {
		raw, err := os.ReadFile(path)
		switch {
		case err == nil:
			var f fileConfig
			if err := yaml.Unmarshal(raw, &f); err != nil {
				return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
			}
			if err := cfg.applyFile(f); err != nil {
				return Config{}, err
			}
			privateKeyFile, publicKeyFile = f.JWT.PrivateKeyFile, f.JWT.PublicKeyFile
		case errors.Is(err, os.ErrNotExist):
		default:
			return Config{}, fmt.Errorf("read config file %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}

	privateKeyFile = envString("JWT_PRIVATE_KEY_FILE", privateKeyFile)
	publicKeyFile = envString("JWT_PUBLIC_KEY_FILE", publicKeyFile)
	if err := cfg.loadKeys(privateKeyFile, publicKeyFile); err != nil {
		return Config{}, err
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyFile(f fileConfig) error {
	setString(&c.ServiceID, f.Service.ID)
	setString(&c.HTTPAddr, f.Service.HTTPAddr)
	setString(&c.GRPCAddr, f.Service.GRPCAddr)
	setDuration(&c.ShutdownTimeout, f.Service.ShutdownTimeout)
	if len(f.Service.TrustedProxies) > 0 {
		proxies, err := parseProxies(f.Service.TrustedProxies)
		if err != nil {
			return fmt.Errorf("%w: service.trusted_proxies: %v", ErrConfig, err)
		}
		c.TrustedProxies = proxies
	}

	setString(&c.DatabaseURL, f.Dependencies.PostgresURL)
	setString(&c.RedisURL, f.Dependencies.RedisURL)
	setInt(&c.MaxDBConns, f.Dependencies.MaxDBConns)

	setString(&c.SigningMethod, f.JWT.SigningMethod)
	setString(&c.KeyID, f.JWT.KeyID)
	setString(&c.Issuer, f.JWT.Issuer)
	setString(&c.Audience, f.JWT.Audience)
	setBool(&c.AllowEphemeralJWT, f.JWT.AllowEphemeral)
	setDuration(&c.AccessTTL, f.JWT.AccessTTL)
	setDuration(&c.RefreshTTL, f.JWT.RefreshTTL)

	if f.Security.ValidationMode != "" {
		mode, err := gmpauth.ParseValidationMode(f.Security.ValidationMode)
		if err != nil {
			return fmt.Errorf("%w: security.validation_mode: %v", ErrConfig, err)
		}
		c.ValidationMode = mode
	}
	setInt(&c.MaxLoginAttempts, f.Security.MaxLoginAttempts)
	setDuration(&c.LoginCooldown, f.Security.LoginCooldown)
	setBool(&c.IPThrottle, f.Security.IPThrottle)
	setInt(&c.AutoLockoutThreshold, f.Security.AutoLockoutThreshold)
	setDuration(&c.AutoLockoutWindow, f.Security.AutoLockoutWindow)
	setDuration(&c.PasswordMaxAge, f.Security.PasswordMaxAge)
	if f.Security.ArgonMemoryKB > 0 {
		c.ArgonMemoryKB = f.Security.ArgonMemoryKB
	}
	if f.Security.ArgonTime > 0 {
		c.ArgonTime = f.Security.ArgonTime
	}

	setBool(&c.AuditEnabled, f.Observability.Audit)
	setBool(&c.MetricsEnabled, f.Observability.Metrics)
	setBool(&c.LatencyHistograms, f.Observability.LatencyHistograms)

	setDuration(&c.OutboxPollInterval, f.Outbox.PollInterval)
	setInt(&c.OutboxBatchSize, f.Outbox.BatchSize)
	setDuration(&c.OutboxClaimTTL, f.Outbox.ClaimTTL)
	setInt(&c.OutboxMaxRetries, f.Outbox.MaxRetries)

	setString(&c.AdminUsername, f.Bootstrap.AdminUsername)
	setString(&c.AdminSite, f.Bootstrap.AdminSite)
	return nil
}

func (c *Config) applyEnv() error {
	c.ServiceID = envString("SERVICE_ID", c.ServiceID)
	c.HTTPAddr = envString("HTTP_ADDR", c.HTTPAddr)
	c.GRPCAddr = envString("GRPC_ADDR", c.GRPCAddr)
	c.DatabaseURL = envString("DB_URL", c.DatabaseURL)
	c.RedisURL = envString("REDIS_URL", c.RedisURL)

	c.SigningMethod = strings.ToLower(envString("JWT_SIGNING_METHOD", c.SigningMethod))
	c.KeyID = envString("JWT_KEY_ID", c.KeyID)
	c.Issuer = envString("JWT_ISSUER", c.Issuer)
	c.Audience = envString("JWT_AUDIENCE", c.Audience)
	if pem := envString("JWT_PRIVATE_KEY_PEM", ""); pem != "" {
		c.PrivateKey = []byte(pem)
	}
	if pem := envString("JWT_PUBLIC_KEY_PEM", ""); pem != "" {
		c.PublicKey = []byte(pem)
	}
	if secret := envString("JWT_HMAC_SECRET", ""); secret != "" {
		c.PrivateKey = []byte(secret)
	}
	c.AdminUsername = envString("ADMIN_USERNAME", c.AdminUsername)
	c.AdminPassword = envString("ADMIN_PASSWORD", c.AdminPassword)
	c.AdminSite = envString("ADMIN_SITE", c.AdminSite)

	if raw := envString("TRUSTED_PROXIES", ""); raw != "" {
		proxies, err := parseProxies(strings.Split(raw, ","))
		if err != nil {
			return fmt.Errorf("%w: %sTRUSTED_PROXIES: %v", ErrConfig, envPrefix, err)
		}
		c.TrustedProxies = proxies
	}

	if raw := envString("VALIDATION_MODE", ""); raw != "" {
		mode, err := gmpauth.ParseValidationMode(raw)
		if err != nil {
			return fmt.Errorf("%w: %sVALIDATION_MODE: %v", ErrConfig, envPrefix, err)
		}
		c.ValidationMode = mode
	}

	var err error
	parse := func(fn func() error) {
		if err == nil {
			err = fn()
		}
	}
	parse(func() error { return envBool("JWT_ALLOW_EPHEMERAL", &c.AllowEphemeralJWT) })
	parse(func() error { return envBool("IP_THROTTLE", &c.IPThrottle) })
	parse(func() error { return envBool("AUDIT_ENABLED", &c.AuditEnabled) })
	parse(func() error { return envBool("METRICS_ENABLED", &c.MetricsEnabled) })
	parse(func() error { return envInt("DB_MAX_CONNS", &c.MaxDBConns) })
	parse(func() error { return envInt("MAX_LOGIN_ATTEMPTS", &c.MaxLoginAttempts) })
	parse(func() error { return envInt("AUTO_LOCKOUT_THRESHOLD", &c.AutoLockoutThreshold) })
	parse(func() error { return envInt("OUTBOX_BATCH_SIZE", &c.OutboxBatchSize) })
	parse(func() error { return envInt("OUTBOX_MAX_RETRIES", &c.OutboxMaxRetries) })
	parse(func() error { return envDuration("ACCESS_TTL", &c.AccessTTL) })
	parse(func() error { return envDuration("REFRESH_TTL", &c.RefreshTTL) })
	parse(func() error { return envDuration("LOGIN_COOLDOWN", &c.LoginCooldown) })
	parse(func() error { return envDuration("PASSWORD_MAX_AGE", &c.PasswordMaxAge) })
	parse(func() error { return envDuration("SHUTDOWN_TIMEOUT", &c.ShutdownTimeout) })
	parse(func() error { return envDuration("OUTBOX_POLL_INTERVAL", &c.OutboxPollInterval) })
	return err
}

func (c *Config) loadKeys(privateKeyFile, publicKeyFile string) error {
	if privateKeyFile != "" {
		raw, err := os.ReadFile(privateKeyFile)
		if err != nil {
			return fmt.Errorf("%w: read private key: %v", ErrConfig, err)
		}
		c.PrivateKey = raw
	}
	if publicKeyFile != "" {
		raw, err := os.ReadFile(publicKeyFile)
		if err != nil {
			return fmt.Errorf("%w: read public key: %v", ErrConfig, err)
		}
		c.PublicKey = raw
	}

	if c.SigningMethod != "ed25519" || len(c.PrivateKey) > 0 || !c.AllowEphemeralJWT {
		return nil
	}
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("generate ephemeral key: %w", err)
	}
	c.PrivateKey, c.PublicKey = priv, pub
	c.Ephemeral = true
	return nil
}

func (c *Config) validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("%w: missing %sDB_URL", ErrConfig, envPrefix)
	}
	if c.RedisURL == "" {
		return fmt.Errorf("%w: missing %sREDIS_URL", ErrConfig, envPrefix)
	}
	switch c.SigningMethod {
	case "ed25519":
		if len(c.PrivateKey) == 0 || len(c.PublicKey) == 0 {
			return fmt.Errorf("%w: missing %sJWT_PRIVATE_KEY_PEM or %sJWT_PUBLIC_KEY_PEM", ErrConfig, envPrefix, envPrefix)
		}
	case "hs256":
		if len(c.PrivateKey) == 0 {
			return fmt.Errorf("%w: missing %sJWT_HMAC_SECRET", ErrConfig, envPrefix)
		}
	default:
		return fmt.Errorf("%w: unsupported signing method %q", ErrConfig, c.SigningMethod)
	}
	if c.AdminUsername != "" && c.AdminPassword == "" {
		return fmt.Errorf("%w: %sADMIN_PASSWORD required with an admin username", ErrConfig, envPrefix)
	}
	return nil
}

// EngineConfig converts the service configuration into a validated
// gmpauth.Config.
func (c Config) EngineConfig() (gmpauth.Config, error) {
	ec := gmpauth.DefaultConfig()

	ec.JWT.SigningMethod = c.SigningMethod
	ec.JWT.PrivateKey = c.PrivateKey
	ec.JWT.PublicKey = c.PublicKey
	ec.JWT.KeyID = c.KeyID
	ec.JWT.Issuer = c.Issuer
	ec.JWT.Audience = c.Audience
	ec.JWT.AccessTTL = c.AccessTTL
	ec.JWT.RefreshTTL = c.RefreshTTL
	ec.Session.AbsoluteSessionLifetime = c.RefreshTTL
	ec.ValidationMode = c.ValidationMode

	ec.Security.MaxLoginAttempts = c.MaxLoginAttempts
	ec.Security.LoginCooldownDuration = c.LoginCooldown
	ec.Security.EnableIPThrottle = c.IPThrottle
	if c.AutoLockoutThreshold > 0 {
		ec.Security.AutoLockoutEnabled = true
		ec.Security.AutoLockoutThreshold = c.AutoLockoutThreshold
		ec.Security.AutoLockoutWindow = c.AutoLockoutWindow
	}
	ec.Password.MaxAge = c.PasswordMaxAge
	ec.Password.Memory = c.ArgonMemoryKB
	ec.Password.Time = c.ArgonTime

	ec.Audit.Enabled = c.AuditEnabled
	ec.Metrics.Enabled = c.MetricsEnabled
	ec.Metrics.EnableLatencyHistograms = c.LatencyHistograms
	ec.Notify.Source = c.ServiceID

	if err := ec.Validate(); err != nil {
		return gmpauth.Config{}, fmt.Errorf("%w: %v", ErrConfig, err)
	}
	return ec, nil
}

// parseProxies accepts CIDR prefixes and bare addresses.
func parseProxies(raw []string) ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(raw))
	for _, item := range raw {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		if prefix, err := netip.ParsePrefix(item); err == nil {
			out = append(out, prefix.Masked())
			continue
		}
		addr, err := netip.ParseAddr(item)
		if err != nil {
			return nil, fmt.Errorf("bad proxy %q", item)
		}
		addr = addr.Unmap()
		out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return out, nil
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setInt(dst *int, v int) {
	if v > 0 {
		*dst = v
	}
}

func setDuration(dst *time.Duration, v time.Duration) {
	if v > 0 {
		*dst = v
	}
}

func setBool(dst *bool, v *bool) {
	if v != nil {
		*dst = *v
	}
}

func envString(name, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(envPrefix + name)); v != "" {
		return v
	}
	return fallback
}

func envInt(name string, dst *int) error {
	raw := envString(name, "")
	if raw == "" {
		return nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fmt.Errorf("%w: %s%s: %v", ErrConfig, envPrefix, name, err)
	}
	*dst = v
	return nil
}

func envBool(name string, dst *bool) error {
	raw := envString(name, "")
	if raw == "" {
		return nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return fmt.Errorf("%w: %s%s: %v", ErrConfig, envPrefix, name, err)
	}
	*dst = v
	return nil
}

func envDuration(name string, dst *time.Duration) error {
	raw := envString(name, "")
	if raw == "" {
		return nil
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("%w: %s%s: %v", ErrConfig, envPrefix, name, err)
	}
	*dst = v
	return nil
}
