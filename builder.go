package gmpauth

import (
	"errors"

	internalaudit "github.com/gmpsuite/gmpauth/internal/audit"
	"github.com/gmpsuite/gmpauth/internal/flows"
	"github.com/gmpsuite/gmpauth/internal/rate"
	"github.com/gmpsuite/gmpauth/jwt"
	"github.com/gmpsuite/gmpauth/mcp"
	"github.com/gmpsuite/gmpauth/password"
	"github.com/gmpsuite/gmpauth/permission"
	"github.com/gmpsuite/gmpauth/revocation"
	"github.com/gmpsuite/gmpauth/session"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Builder assembles an Engine. It is single-use: Build may succeed once.
type Builder struct {
	config Config
	redis  redis.UniversalClient

	permissions []string
	roles       []permission.RoleDef

	userProvider UserProvider
	revocations  revocation.Store
	auditSink    AuditSink
	notifier     mcp.Publisher
	logger       *zap.Logger

	built bool
}

// New returns a Builder seeded with DefaultConfig and the GMP role catalogue.
func New() *Builder {
	return &Builder{
		config: defaultConfig(),
	}
}

func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cloneConfig(cfg)
	return b
}

func (b *Builder) WithRedis(client redis.UniversalClient) *Builder {
	b.redis = client
	return b
}

// WithPermissions replaces the default permission catalogue.
func (b *Builder) WithPermissions(perms []string) *Builder {
	b.permissions = append([]string(nil), perms...)
	return b
}

// WithRoles replaces the default role catalogue.
func (b *Builder) WithRoles(roles []permission.RoleDef) *Builder {
	b.roles = append([]permission.RoleDef(nil), roles...)
	return b
}

func (b *Builder) WithUserProvider(up UserProvider) *Builder {
	b.userProvider = up
	return b
}

// WithRevocationStore overrides the backend chosen by Config.Revocation.
func (b *Builder) WithRevocationStore(store revocation.Store) *Builder {
	b.revocations = store
	return b
}

func (b *Builder) WithAuditSink(sink AuditSink) *Builder {
	b.auditSink = sink
	return b
}

// WithNotifier sets the MCP publisher for engine notifications.
func (b *Builder) WithNotifier(p mcp.Publisher) *Builder {
	b.notifier = p
	return b
}

func (b *Builder) WithLogger(logger *zap.Logger) *Builder {
	b.logger = logger
	return b
}

func (b *Builder) WithMetricsEnabled(enabled bool) *Builder {
	b.config.Metrics.Enabled = enabled
	return b
}

func (b *Builder) WithLatencyHistograms(enabled bool) *Builder {
	b.config.Metrics.EnableLatencyHistograms = enabled
	return b
}

// Build validates the configuration and wires every component.
func (b *Builder) Build() (*Engine, error) {
	if b.built {
		return nil, errors.New("builder already used")
	}

	cfg := cloneConfig(b.config)

	if b.redis == nil {
		return nil, errors.New("redis client required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if b.userProvider == nil {
		return nil, errors.New("user provider required")
	}

	perms, roles := b.permissions, b.roles
	if len(perms) == 0 {
		perms = permission.DefaultPermissions()
	}
	if len(roles) == 0 {
		roles = permission.DefaultRoles()
	}

	// -------- PERMISSIONS --------
	registry, roleManager, err := permission.Setup(perms, roles)
	if err != nil {
		return nil, err
	}

	// -------- SESSION STORE --------
	store := session.NewStore(
		b.redis,
		cfg.Session.RedisPrefix,
		cfg.Session.SlidingExpiration,
		cfg.Session.JitterEnabled,
		cfg.Session.JitterRange,
	)

	// -------- REVOCATION LIST --------
	revocations := b.revocations
	if revocations == nil {
		switch cfg.Revocation.Backend {
		case RevocationBackendMemory:
			revocations = revocation.NewMemoryStore()
		default:
			revocations = revocation.NewRedisStore(b.redis, cfg.Revocation.RedisPrefix)
		}
	}

	ph, err := password.NewArgon2(password.Config{
		Memory:           cfg.Password.Memory,
		Time:             cfg.Password.Time,
		Parallelism:      cfg.Password.Parallelism,
		SaltLength:       cfg.Password.SaltLength,
		KeyLength:        cfg.Password.KeyLength,
		MaxPasswordBytes: cfg.Password.MaxPasswordBytes,
	})
	if err != nil {
		return nil, err
	}

	jm, err := jwt.NewManager(jwt.Config{
		AccessTTL:     cfg.JWT.AccessTTL,
		SigningMethod: jwt.SigningMethod(cfg.JWT.SigningMethod),
		PrivateKey:    cloneBytes(cfg.JWT.PrivateKey),
		PublicKey:     cloneBytes(cfg.JWT.PublicKey),
		Issuer:        cfg.JWT.Issuer,
		Audience:      cfg.JWT.Audience,
		Leeway:        cfg.JWT.Leeway,
		RequireIAT:    cfg.JWT.RequireIAT,
		MaxFutureIAT:  cfg.JWT.MaxFutureIAT,
		KeyID:         cfg.JWT.KeyID,
		VerifyKeys:    cfg.JWT.VerifyKeys,
	})
	if err != nil {
		return nil, err
	}

	logger := b.logger
	if logger == nil {
		logger = zap.NewNop()
	}

	engine := &Engine{
		config:       cfg,
		registry:     registry,
		roleManager:  roleManager,
		sessionStore: store,
		revocations:  revocations,
		passwordHash: ph,
		policy:       cfg.Policy.policy(),
		jwtManager:   jm,
		userProvider: b.userProvider,
		notifier:     b.notifier,
		logger:       logger,
		metrics:      NewMetrics(cfg.Metrics),
	}
	engine.rateLimiter = rate.New(b.redis, rate.Config{
		Prefix:                  cfg.Security.RateLimitPrefix,
		EnableIPThrottle:        cfg.Security.EnableIPThrottle,
		EnableRefreshThrottle:   cfg.Security.EnableRefreshThrottle,
		MaxLoginAttempts:        cfg.Security.MaxLoginAttempts,
		LoginCooldownDuration:   cfg.Security.LoginCooldownDuration,
		MaxRefreshAttempts:      cfg.Security.MaxRefreshAttempts,
		RefreshCooldownDuration: cfg.Security.RefreshCooldownDuration,
	})
	if cfg.Security.AutoLockoutEnabled {
		engine.lockout = rate.NewLockout(b.redis, cfg.Security.RateLimitPrefix, rate.LockoutConfig{
			Enabled:   true,
			Threshold: cfg.Security.AutoLockoutThreshold,
			Window:    cfg.Security.AutoLockoutWindow,
		})
	}
	engine.audit = internalaudit.NewDispatcher(internalaudit.Config{
		Enabled:    cfg.Audit.Enabled,
		BufferSize: cfg.Audit.BufferSize,
		DropIfFull: cfg.Audit.DropIfFull,
	}, b.auditSink)
	engine.flow = flows.New(engine.flowDeps())

	b.built = true

	return engine, nil
}
