package gmpauth

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gmpsuite/gmpauth/jwt"
	"github.com/gmpsuite/gmpauth/mcp"
	"github.com/gmpsuite/gmpauth/password"
	"github.com/gmpsuite/gmpauth/permission"
	gojwt "github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"
)

const (
	testPassword    = "Correct-Horse-9!"
	testNewPassword = "Batch-Release-42#"
)

type memoryUsers struct {
	mu    sync.Mutex
	users map[string]*UserRecord
}

func newMemoryUsers() *memoryUsers {
	return &memoryUsers{users: map[string]*UserRecord{}}
}

func (m *memoryUsers) add(u UserRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := u
	m.users[u.UserID] = &cp
}

func (m *memoryUsers) get(userID string) UserRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.users[userID]
}

func (m *memoryUsers) GetUserByUsername(_ context.Context, username string) (UserRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Username == username {
			return *u, nil
		}
	}
	return UserRecord{}, ErrUserNotFound
}

func (m *memoryUsers) GetUserByID(_ context.Context, userID string) (UserRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return UserRecord{}, ErrUserNotFound
	}
	return *u, nil
}

func (m *memoryUsers) UpdatePasswordHash(_ context.Context, userID, hash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return ErrUserNotFound
	}
	u.PasswordHash = hash
	return nil
}

func (m *memoryUsers) ReplacePassword(_ context.Context, userID, hash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return ErrUserNotFound
	}
	u.PasswordHash = hash
	u.PasswordChangedAt = time.Now()
	u.AccountVersion++
	return nil
}

func (m *memoryUsers) UpdateAccountStatus(_ context.Context, userID string, status AccountStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return ErrUserNotFound
	}
	u.Status = status
	return nil
}

type recordedNotifications struct {
	mu   sync.Mutex
	list []mcp.Notification
}

func (r *recordedNotifications) Publish(_ context.Context, n mcp.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.list = append(r.list, n)
	return nil
}

func (r *recordedNotifications) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.list))
	for i, n := range r.list {
		out[i] = n.Type
	}
	return out
}

func (r *recordedNotifications) has(typ string) bool {
	for _, t := range r.types() {
		if t == typ {
			return true
		}
	}
	return false
}

type testEnv struct {
	engine  *Engine
	users   *memoryUsers
	notes   *recordedNotifications
	redis   *miniredis.Miniredis
	privKey ed25519.PrivateKey
}

func testConfig(t *testing.T) (Config, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	cfg := DefaultConfig()
	cfg.JWT.PrivateKey = priv
	cfg.JWT.PublicKey = pub
	cfg.Password.Memory = 8 * 1024
	cfg.Password.Time = 1
	cfg.Password.Parallelism = 1
	return cfg, priv
}

func newTestEnv(t *testing.T, mutate func(*Config)) *testEnv {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	cfg, priv := testConfig(t)
	if mutate != nil {
		mutate(&cfg)
	}

	users := newMemoryUsers()
	notes := &recordedNotifications{}
	engine, err := New().
		WithConfig(cfg).
		WithRedis(rdb).
		WithUserProvider(users).
		WithNotifier(notes).
		Build()
	if err != nil {
		t.Fatalf("build engine: %v", err)
	}
	t.Cleanup(engine.Close)

	hash, err := engine.HashPassword(testPassword)
	if err != nil {
		t.Fatalf("hash password: %v", err)
	}
	users.add(UserRecord{
		UserID:         "u-100",
		Username:       "qa.lead",
		Site:           "basel",
		PasswordHash:   hash,
		Roles:          []string{permission.RoleQAManager},
		Status:         AccountActive,
		AccountVersion: 1,
	})
	users.add(UserRecord{
		UserID:         "u-001",
		Username:       "root.admin",
		Site:           "basel",
		PasswordHash:   hash,
		Roles:          []string{permission.RoleAdmin},
		Status:         AccountActive,
		AccountVersion: 1,
	})

	return &testEnv{engine: engine, users: users, notes: notes, redis: mr, privKey: priv}
}

func TestLoginAndValidate(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	pair, err := env.engine.Login(ctx, "qa.lead", testPassword)
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if pair.TokenType != "Bearer" || pair.AccessToken == "" || pair.RefreshToken == "" {
		t.Fatalf("unexpected pair: %+v", pair)
	}
	if pair.SessionID == "" || pair.TokenID == "" {
		t.Fatalf("pair missing identifiers: %+v", pair)
	}

	claims, err := env.engine.ValidateAccess(ctx, pair.AccessToken)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if claims.UserID != "u-100" || claims.Username != "qa.lead" || claims.Site != "basel" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
	if !claims.HasRole(permission.RoleQAManager) {
		t.Fatalf("expected QA_MANAGER role, got %v", claims.Roles)
	}
	if !env.engine.HasPermission(claims, "capa:approve") {
		t.Fatal("QA_MANAGER should hold capa:approve")
	}
	if env.engine.HasPermission(claims, "user:manage") {
		t.Fatal("QA_MANAGER must not hold user:manage")
	}
	if !env.notes.has(NotifyUserLogin) {
		t.Fatalf("expected login notification, got %v", env.notes.types())
	}
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	if _, err := env.engine.Login(ctx, "qa.lead", "wrong-password"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("wrong password: expected ErrInvalidCredentials, got %v", err)
	}
	if _, err := env.engine.Login(ctx, "nobody", testPassword); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("unknown user: expected ErrInvalidCredentials, got %v", err)
	}
	if _, err := env.engine.Login(ctx, "qa.lead", ""); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("empty password: expected ErrInvalidCredentials, got %v", err)
	}
}

func TestLoginRateLimited(t *testing.T) {
	env := newTestEnv(t, func(c *Config) {
		c.Security.MaxLoginAttempts = 3
	})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := env.engine.Login(ctx, "qa.lead", "wrong-password"); !errors.Is(err, ErrInvalidCredentials) {
			t.Fatalf("attempt %d: expected ErrInvalidCredentials, got %v", i+1, err)
		}
	}
	if _, err := env.engine.Login(ctx, "qa.lead", testPassword); !errors.Is(err, ErrLoginRateLimited) {
		t.Fatalf("expected ErrLoginRateLimited, got %v", err)
	}
}

func TestLoginAutoLockout(t *testing.T) {
	env := newTestEnv(t, func(c *Config) {
		c.Security.AutoLockoutEnabled = true
		c.Security.AutoLockoutThreshold = 2
	})
	ctx := context.Background()

	pair, err := env.engine.Login(ctx, "qa.lead", testPassword)
	if err != nil {
		t.Fatalf("login: %v", err)
	}

	for i := 0; i < 2; i++ {
		if _, err := env.engine.Login(ctx, "qa.lead", "wrong-password"); !errors.Is(err, ErrInvalidCredentials) {
			t.Fatalf("attempt %d: expected ErrInvalidCredentials, got %v", i+1, err)
		}
	}

	if got := env.users.get("u-100").Status; got != AccountLocked {
		t.Fatalf("expected account locked, got %s", got)
	}
	if _, err := env.engine.Login(ctx, "qa.lead", testPassword); !errors.Is(err, ErrAccountLocked) {
		t.Fatalf("expected ErrAccountLocked, got %v", err)
	}
	if _, err := env.engine.ValidateAccess(ctx, pair.AccessToken); !errors.Is(err, ErrTokenRevoked) {
		t.Fatalf("sessions of a locked account should be revoked, got %v", err)
	}
	if !env.notes.has(NotifyUserLocked) {
		t.Fatalf("expected lock notification, got %v", env.notes.types())
	}
}

func TestLoginRejectsInactiveAccounts(t *testing.T) {
	env := newTestEnv(t, func(c *Config) {
		c.Password.MaxAge = 90 * 24 * time.Hour
	})
	ctx := context.Background()

	if err := env.users.UpdateAccountStatus(ctx, "u-100", AccountDisabled); err != nil {
		t.Fatal(err)
	}
	if _, err := env.engine.Login(ctx, "qa.lead", testPassword); !errors.Is(err, ErrAccountDisabled) {
		t.Fatalf("expected ErrAccountDisabled, got %v", err)
	}

	u := env.users.get("u-001")
	u.PasswordChangedAt = time.Now().Add(-100 * 24 * time.Hour)
	env.users.add(u)
	if _, err := env.engine.Login(ctx, "root.admin", testPassword); !errors.Is(err, ErrPasswordExpired) {
		t.Fatalf("expected ErrPasswordExpired, got %v", err)
	}
}

func TestPrivilegedTokensAreShortLived(t *testing.T) {
	env := newTestEnv(t, nil)

	pair, err := env.engine.Login(context.Background(), "root.admin", testPassword)
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if left := time.Until(pair.ExpiresAt); left > 2*time.Minute+time.Second {
		t.Fatalf("admin token lives %s, want at most 2m", left)
	}

	claims, err := env.engine.ValidateAccess(context.Background(), pair.AccessToken)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !env.engine.HasPermission(claims, "user:manage") || !env.engine.HasPermission(claims, "batch:release") {
		t.Fatal("ADMIN should hold every permission")
	}
}

func TestPrivilegedRefreshRevocationMatchesTokenLifetime(t *testing.T) {
	env := newTestEnv(t, func(c *Config) { c.Security.EnableRefreshThrottle = false })
	ctx := context.Background()

	first, err := env.engine.Login(ctx, "root.admin", testPassword)
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	second, err := env.engine.Refresh(ctx, first.RefreshToken)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if _, err := env.engine.Refresh(ctx, second.RefreshToken); err != nil {
		t.Fatalf("second refresh: %v", err)
	}

	if _, err := env.engine.ValidateAccess(ctx, second.AccessToken); !errors.Is(err, ErrTokenRevoked) {
		t.Fatalf("expected ErrTokenRevoked, got %v", err)
	}
	ttl := env.redis.TTL("arv:" + second.TokenID)
	if ttl <= 0 || ttl > 2*time.Minute+time.Second {
		t.Fatalf("revocation entry ttl %v, want at most the 2m token lifetime", ttl)
	}
}

func TestRefreshRotatesAndRevokesPreviousAccess(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	first, err := env.engine.Login(ctx, "qa.lead", testPassword)
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	second, err := env.engine.Refresh(ctx, first.RefreshToken)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if second.SessionID != first.SessionID {
		t.Fatalf("rotation changed session: %s -> %s", first.SessionID, second.SessionID)
	}
	if second.RefreshToken == first.RefreshToken || second.TokenID == first.TokenID {
		t.Fatal("rotation must produce new tokens")
	}

	if _, err := env.engine.ValidateAccess(ctx, first.AccessToken); !errors.Is(err, ErrTokenRevoked) {
		t.Fatalf("superseded access token: expected ErrTokenRevoked, got %v", err)
	}
	if _, err := env.engine.Validate(ctx, second.AccessToken, ModeStrict); err != nil {
		t.Fatalf("rotated access token should pass strict validation: %v", err)
	}
}

func TestRefreshReuseDestroysSession(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	first, err := env.engine.Login(ctx, "qa.lead", testPassword)
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	second, err := env.engine.Refresh(ctx, first.RefreshToken)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}

	if _, err := env.engine.Refresh(ctx, first.RefreshToken); !errors.Is(err, ErrRefreshReuse) {
		t.Fatalf("expected ErrRefreshReuse, got %v", err)
	}
	if _, err := env.engine.Refresh(ctx, second.RefreshToken); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("session should be gone after reuse, got %v", err)
	}
	if _, err := env.engine.ValidateAccess(ctx, second.AccessToken); !errors.Is(err, ErrTokenRevoked) {
		t.Fatalf("current access token should be revoked after reuse, got %v", err)
	}
	if !env.notes.has(NotifySessionReuseDetect) {
		t.Fatalf("expected reuse notification, got %v", env.notes.types())
	}
}

func TestConcurrentRefreshSingleWinner(t *testing.T) {
	env := newTestEnv(t, func(c *Config) { c.Security.EnableRefreshThrottle = false })
	ctx := context.Background()

	pair, err := env.engine.Login(ctx, "qa.lead", testPassword)
	if err != nil {
		t.Fatalf("login: %v", err)
	}

	const workers = 16
	start := make(chan struct{})
	results := make(chan error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := env.engine.Refresh(ctx, pair.RefreshToken)
			results <- err
		}()
	}
	close(start)
	wg.Wait()
	close(results)

	winners := 0
	for err := range results {
		switch {
		case err == nil:
			winners++
		case errors.Is(err, ErrRefreshReuse), errors.Is(err, ErrSessionNotFound), errors.Is(err, ErrRefreshInvalid):
		default:
			t.Fatalf("unexpected refresh error: %v", err)
		}
	}
	if winners != 1 {
		t.Fatalf("expected exactly one winner, got %d", winners)
	}
}

func TestRefreshRejectsGarbage(t *testing.T) {
	env := newTestEnv(t, nil)
	if _, err := env.engine.Refresh(context.Background(), "not-a-refresh-token"); !errors.Is(err, ErrRefreshInvalid) {
		t.Fatalf("expected ErrRefreshInvalid, got %v", err)
	}
}

func TestValidateModes(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	pair, err := env.engine.Login(ctx, "qa.lead", testPassword)
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if _, err := env.engine.sessionStore.Delete(ctx, pair.SessionID); err != nil {
		t.Fatalf("delete session: %v", err)
	}

	if _, err := env.engine.Validate(ctx, pair.AccessToken, ModeJWTOnly); err != nil {
		t.Fatalf("jwt-only: %v", err)
	}
	if _, err := env.engine.Validate(ctx, pair.AccessToken, ModeHybrid); err != nil {
		t.Fatalf("hybrid ignores the session: %v", err)
	}
	if _, err := env.engine.Validate(ctx, pair.AccessToken, ModeStrict); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("strict: expected ErrSessionNotFound, got %v", err)
	}
	if _, err := env.engine.Validate(ctx, pair.AccessToken, RouteMode(42)); !errors.Is(err, ErrInvalidRouteMode) {
		t.Fatalf("expected ErrInvalidRouteMode, got %v", err)
	}

	if err := env.engine.Revoke(ctx, pair.AccessToken); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if _, err := env.engine.Validate(ctx, pair.AccessToken, ModeJWTOnly); err != nil {
		t.Fatalf("jwt-only does not consult the revocation list: %v", err)
	}
	if _, err := env.engine.Validate(ctx, pair.AccessToken, ModeHybrid); !errors.Is(err, ErrTokenRevoked) {
		t.Fatalf("hybrid: expected ErrTokenRevoked, got %v", err)
	}
}

func TestValidateFailsClosedWhenRedisIsDown(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	pair, err := env.engine.Login(ctx, "qa.lead", testPassword)
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	env.redis.Close()

	_, err = env.engine.ValidateAccess(ctx, pair.AccessToken)
	if !errors.Is(err, ErrUnauthorized) || !errors.Is(err, ErrRevocationUnavailable) {
		t.Fatalf("expected fail-closed error, got %v", err)
	}
	if _, err := env.engine.Validate(ctx, pair.AccessToken, ModeJWTOnly); err != nil {
		t.Fatalf("jwt-only needs no backend: %v", err)
	}
	if h := env.engine.Health(ctx); h.RedisAvailable {
		t.Fatal("health should report redis unavailable")
	}
}

func TestValidateRejectsTamperedToken(t *testing.T) {
	env := newTestEnv(t, nil)
	pair, err := env.engine.Login(context.Background(), "qa.lead", testPassword)
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	tampered := pair.AccessToken[:len(pair.AccessToken)-4] + "AAAA"
	if _, err := env.engine.ValidateAccess(context.Background(), tampered); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("expected ErrTokenInvalid, got %v", err)
	}
}

func (env *testEnv) signExpired(t *testing.T) string {
	t.Helper()
	past := time.Now().Add(-time.Hour)
	claims := &jwt.AccessClaims{
		UID: "u-100",
		SID: "s-expired",
		RegisteredClaims: gojwt.RegisteredClaims{
			ID:        "expired-jti",
			Subject:   "u-100",
			Issuer:    "gmp-auth",
			IssuedAt:  gojwt.NewNumericDate(past.Add(-5 * time.Minute)),
			ExpiresAt: gojwt.NewNumericDate(past),
		},
	}
	signed, err := gojwt.NewWithClaims(gojwt.SigningMethodEdDSA, claims).SignedString(env.privKey)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return signed
}

func TestRevoke(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	expired := env.signExpired(t)
	if _, err := env.engine.ValidateAccess(ctx, expired); !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("expected ErrTokenExpired, got %v", err)
	}
	if err := env.engine.Revoke(ctx, expired); err != nil {
		t.Fatalf("revoking an expired token should be a no-op, got %v", err)
	}
	if err := env.engine.RevokeTokenID(ctx, "expired-jti", time.Now().Add(-time.Minute)); err != nil {
		t.Fatalf("revoking a past expiry should be a no-op, got %v", err)
	}
	if env.notes.has(NotifyTokenRevoked) {
		t.Fatal("no-op revocations must not notify")
	}

	if err := env.engine.Revoke(ctx, "garbage"); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("expected ErrTokenInvalid, got %v", err)
	}
	if err := env.engine.RevokeTokenID(ctx, "", time.Now().Add(time.Minute)); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("empty jti: expected ErrTokenInvalid, got %v", err)
	}

	pair, err := env.engine.Login(ctx, "qa.lead", testPassword)
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := env.engine.Revoke(ctx, pair.AccessToken); err != nil {
			t.Fatalf("revoke %d: %v", i+1, err)
		}
	}
	if _, err := env.engine.ValidateAccess(ctx, pair.AccessToken); !errors.Is(err, ErrTokenRevoked) {
		t.Fatalf("expected ErrTokenRevoked, got %v", err)
	}
	if !env.notes.has(NotifyTokenRevoked) {
		t.Fatalf("expected revocation notification, got %v", env.notes.types())
	}
}

func TestLogout(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	pair, err := env.engine.Login(ctx, "qa.lead", testPassword)
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if err := env.engine.Logout(ctx, pair.AccessToken); err != nil {
		t.Fatalf("logout: %v", err)
	}
	if _, err := env.engine.ValidateAccess(ctx, pair.AccessToken); !errors.Is(err, ErrTokenRevoked) {
		t.Fatalf("expected ErrTokenRevoked, got %v", err)
	}
	if _, err := env.engine.Refresh(ctx, pair.RefreshToken); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
	if !env.notes.has(NotifyUserLogout) {
		t.Fatalf("expected logout notification, got %v", env.notes.types())
	}
	if err := env.engine.Logout(ctx, "garbage"); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("expected ErrTokenInvalid, got %v", err)
	}
}

func TestLogoutSession(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	kept, err := env.engine.Login(ctx, "qa.lead", testPassword)
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	ended, err := env.engine.Login(ctx, "qa.lead", testPassword)
	if err != nil {
		t.Fatalf("login: %v", err)
	}

	if err := env.engine.LogoutSession(ctx, ended.SessionID); err != nil {
		t.Fatalf("logout session: %v", err)
	}
	if _, err := env.engine.ValidateAccess(ctx, ended.AccessToken); !errors.Is(err, ErrTokenRevoked) {
		t.Fatalf("expected ErrTokenRevoked, got %v", err)
	}
	if _, err := env.engine.ValidateAccess(ctx, kept.AccessToken); err != nil {
		t.Fatalf("other session should survive: %v", err)
	}
	if err := env.engine.LogoutSession(ctx, ended.SessionID); err != nil {
		t.Fatalf("second logout of the same session: %v", err)
	}
}

func TestCheckPassword(t *testing.T) {
	env := newTestEnv(t, nil)

	if err := env.engine.CheckPassword(testNewPassword, "qa.lead"); err != nil {
		t.Fatalf("expected policy pass, got %v", err)
	}

	err := env.engine.CheckPassword("short", "qa.lead")
	if !errors.Is(err, ErrPasswordPolicy) {
		t.Fatalf("expected ErrPasswordPolicy, got %v", err)
	}
	var pe *password.PolicyError
	if !errors.As(err, &pe) || len(pe.Violations) == 0 {
		t.Fatalf("expected policy violations, got %v", err)
	}
}

func TestLogoutAll(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	pairs := make([]*TokenPair, 3)
	for i := range pairs {
		p, err := env.engine.Login(ctx, "qa.lead", testPassword)
		if err != nil {
			t.Fatalf("login %d: %v", i, err)
		}
		pairs[i] = p
	}

	if err := env.engine.LogoutAll(ctx, "u-100"); err != nil {
		t.Fatalf("logout all: %v", err)
	}
	for i, p := range pairs {
		if _, err := env.engine.ValidateAccess(ctx, p.AccessToken); !errors.Is(err, ErrTokenRevoked) {
			t.Fatalf("pair %d: expected ErrTokenRevoked, got %v", i, err)
		}
		if _, err := env.engine.Refresh(ctx, p.RefreshToken); !errors.Is(err, ErrSessionNotFound) {
			t.Fatalf("pair %d: expected ErrSessionNotFound, got %v", i, err)
		}
	}
}

func TestChangePassword(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	pair, err := env.engine.Login(ctx, "qa.lead", testPassword)
	if err != nil {
		t.Fatalf("login: %v", err)
	}

	if err := env.engine.ChangePassword(ctx, "u-100", "not-my-password", testNewPassword); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("wrong old password: expected ErrInvalidCredentials, got %v", err)
	}
	if err := env.engine.ChangePassword(ctx, "u-100", testPassword, testPassword); !errors.Is(err, ErrPasswordReuse) {
		t.Fatalf("same password: expected ErrPasswordReuse, got %v", err)
	}
	err = env.engine.ChangePassword(ctx, "u-100", testPassword, "short")
	if !errors.Is(err, ErrPasswordPolicy) || !errors.Is(err, password.ErrPolicyViolation) {
		t.Fatalf("weak password: expected policy error, got %v", err)
	}
	var pe *password.PolicyError
	if !errors.As(err, &pe) || len(pe.Rules()) == 0 {
		t.Fatalf("expected *password.PolicyError with rules, got %v", err)
	}
	if err := env.engine.ChangePassword(ctx, "missing", testPassword, testNewPassword); !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound, got %v", err)
	}

	if err := env.engine.ChangePassword(ctx, "u-100", testPassword, testNewPassword); err != nil {
		t.Fatalf("change password: %v", err)
	}
	if got := env.users.get("u-100").AccountVersion; got != 2 {
		t.Fatalf("account version = %d, want 2", got)
	}
	if _, err := env.engine.ValidateAccess(ctx, pair.AccessToken); !errors.Is(err, ErrTokenRevoked) {
		t.Fatalf("old access token: expected ErrTokenRevoked, got %v", err)
	}
	if _, err := env.engine.Login(ctx, "qa.lead", testPassword); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("old password: expected ErrInvalidCredentials, got %v", err)
	}
	next, err := env.engine.Login(ctx, "qa.lead", testNewPassword)
	if err != nil {
		t.Fatalf("login with new password: %v", err)
	}
	claims, err := env.engine.Validate(ctx, next.AccessToken, ModeStrict)
	if err != nil {
		t.Fatalf("strict validate: %v", err)
	}
	if claims.AccountVersion != 2 {
		t.Fatalf("claims account version = %d, want 2", claims.AccountVersion)
	}
	if !env.notes.has(NotifyPasswordChanged) {
		t.Fatalf("expected password notification, got %v", env.notes.types())
	}
}

func TestIssueTokens(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	user := env.users.get("u-100")
	pair, err := env.engine.IssueTokens(ctx, user)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := env.engine.Validate(ctx, pair.AccessToken, ModeStrict); err != nil {
		t.Fatalf("strict validate: %v", err)
	}

	user.Status = AccountLocked
	if _, err := env.engine.IssueTokens(ctx, user); !errors.Is(err, ErrAccountLocked) {
		t.Fatalf("expected ErrAccountLocked, got %v", err)
	}
}

func TestAuditTrail(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	cfg, _ := testConfig(t)
	cfg.Audit.Enabled = true
	cfg.Audit.DropIfFull = false
	sink := NewChannelAuditSink(64)
	users := newMemoryUsers()

	engine, err := New().WithConfig(cfg).WithRedis(rdb).WithUserProvider(users).WithAuditSink(sink).Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	hash, err := engine.HashPassword(testPassword)
	if err != nil {
		t.Fatal(err)
	}
	users.add(UserRecord{UserID: "u-7", Username: "auditor", PasswordHash: hash, Roles: []string{permission.RoleAuditor}})

	ctx := WithCorrelationID(WithClientIP(context.Background(), "10.1.2.3"), "req-42")
	if _, err := engine.Login(ctx, "auditor", "wrong-password"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
	if _, err := engine.Login(ctx, "auditor", testPassword); err != nil {
		t.Fatalf("login: %v", err)
	}
	engine.Close()

	var got []AuditEvent
	for len(got) < 2 {
		select {
		case ev := <-sink.Events():
			got = append(got, ev)
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for audit events, have %d", len(got))
		}
	}

	if got[0].EventType != auditEventLoginFailure || got[0].Success || got[0].Error == "" {
		t.Fatalf("unexpected failure event: %+v", got[0])
	}
	if got[1].EventType != auditEventLoginSuccess || !got[1].Success {
		t.Fatalf("unexpected success event: %+v", got[1])
	}
	if got[1].IP != "10.1.2.3" || got[1].Metadata["correlation_id"] != "req-42" {
		t.Fatalf("missing request context on audit event: %+v", got[1])
	}
	if engine.AuditDropped() != 0 {
		t.Fatalf("dropped = %d, want 0", engine.AuditDropped())
	}
}

func TestMetricsCounting(t *testing.T) {
	env := newTestEnv(t, func(c *Config) {
		c.Metrics.Enabled = true
		c.Metrics.EnableLatencyHistograms = true
	})
	ctx := context.Background()

	pair, err := env.engine.Login(ctx, "qa.lead", testPassword)
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	_, _ = env.engine.Login(ctx, "qa.lead", "wrong-password")
	if _, err := env.engine.ValidateAccess(ctx, pair.AccessToken); err != nil {
		t.Fatalf("validate: %v", err)
	}

	snap := env.engine.MetricsSnapshot()
	for id, want := range map[MetricID]uint64{
		MetricLoginSuccess:    1,
		MetricLoginFailure:    1,
		MetricSessionCreated:  1,
		MetricTokenIssued:     1,
		MetricValidateSuccess: 1,
		MetricNotifyPublished: 1,
	} {
		if got := snap.Counters[id]; got != want {
			t.Errorf("metric %d = %d, want %d", id, got, want)
		}
	}

	var observed uint64
	for _, n := range snap.Histograms[MetricValidateLatency] {
		observed += n
	}
	if observed != 1 {
		t.Fatalf("latency observations = %d, want 1", observed)
	}
}

func TestNotifyFailureDoesNotFailLogin(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	cfg, _ := testConfig(t)
	cfg.Metrics.Enabled = true
	users := newMemoryUsers()
	failing := mcp.PublisherFunc(func(context.Context, mcp.Notification) error {
		return fmt.Errorf("broker down")
	})

	engine, err := New().WithConfig(cfg).WithRedis(rdb).WithUserProvider(users).WithNotifier(failing).Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	defer engine.Close()
	hash, _ := engine.HashPassword(testPassword)
	users.add(UserRecord{UserID: "u-9", Username: "clerk", PasswordHash: hash, Roles: []string{permission.RoleWarehouseClerk}})

	if _, err := engine.Login(context.Background(), "clerk", testPassword); err != nil {
		t.Fatalf("login should succeed when notifications fail: %v", err)
	}
	if got := engine.MetricsSnapshot().Counters[MetricNotifyFailed]; got != 1 {
		t.Fatalf("notify failures = %d, want 1", got)
	}
}

func TestBuilderRequirements(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	cfg, _ := testConfig(t)

	if _, err := New().WithConfig(cfg).WithUserProvider(newMemoryUsers()).Build(); err == nil {
		t.Fatal("expected error without redis")
	}
	if _, err := New().WithConfig(cfg).WithRedis(rdb).Build(); err == nil {
		t.Fatal("expected error without user provider")
	}

	b := New().WithConfig(cfg).WithRedis(rdb).WithUserProvider(newMemoryUsers())
	e, err := b.Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	defer e.Close()
	if _, err := b.Build(); err == nil {
		t.Fatal("builder must be single-use")
	}
}

func TestNilEngine(t *testing.T) {
	var e *Engine
	if _, err := e.Login(context.Background(), "a", "b"); !errors.Is(err, ErrEngineNotReady) {
		t.Fatalf("expected ErrEngineNotReady, got %v", err)
	}
	if _, err := e.ValidateAccess(context.Background(), "x"); !errors.Is(err, ErrEngineNotReady) {
		t.Fatalf("expected ErrEngineNotReady, got %v", err)
	}
	if e.HasPermission(&Claims{}, "document:read") {
		t.Fatal("nil engine grants nothing")
	}
}
