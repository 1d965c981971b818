package gmpauth

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	internalaudit "github.com/gmpsuite/gmpauth/internal/audit"
	"github.com/gmpsuite/gmpauth/internal/flows"
	"github.com/gmpsuite/gmpauth/internal/rate"
	"github.com/gmpsuite/gmpauth/jwt"
	"github.com/gmpsuite/gmpauth/mcp"
	"github.com/gmpsuite/gmpauth/password"
	"github.com/gmpsuite/gmpauth/permission"
	"github.com/gmpsuite/gmpauth/revocation"
	"github.com/gmpsuite/gmpauth/session"
	"go.uber.org/zap"
)

// Engine issues, validates, refreshes and revokes tokens for the suite.
// It is safe for concurrent use once built.
type Engine struct {
	config       Config
	registry     *permission.Registry
	roleManager  *permission.RoleManager
	sessionStore *session.Store
	revocations  revocation.Store
	rateLimiter  *rate.Limiter
	lockout      *rate.Lockout
	audit        *internalaudit.Dispatcher
	metrics      *Metrics
	passwordHash *password.Argon2
	policy       password.Policy
	jwtManager   *jwt.Manager
	userProvider UserProvider
	notifier     mcp.Publisher
	logger       *zap.Logger
	flow         flows.Service
}

// Close drains the audit dispatcher.
func (e *Engine) Close() {
	if e == nil {
		return
	}
	e.audit.Close()
}

// AuditDropped reports audit events lost to a full buffer.
func (e *Engine) AuditDropped() uint64 {
	if e == nil {
		return 0
	}
	return e.audit.Dropped()
}

func (e *Engine) MetricsSnapshot() MetricsSnapshot {
	if e == nil || e.metrics == nil {
		return MetricsSnapshot{
			Counters:   map[MetricID]uint64{},
			Histograms: map[MetricID][]uint64{},
		}
	}
	return e.metrics.Snapshot()
}

func (e *Engine) metricInc(id MetricID) {
	if e == nil || e.metrics == nil {
		return
	}
	e.metrics.Inc(id)
}

func (e *Engine) recordRevocations(tokenIDs []string) {
	for range tokenIDs {
		e.metricInc(MetricTokenRevoked)
	}
}

// Health pings Redis through the session store.
func (e *Engine) Health(ctx context.Context) HealthStatus {
	if e == nil || e.sessionStore == nil {
		return HealthStatus{}
	}
	latency, err := e.sessionStore.Ping(ctx)
	return HealthStatus{RedisAvailable: err == nil, RedisLatency: latency}
}

/*
====================================
LOGIN / ISSUE
====================================
*/

// Login verifies username and password and opens a session.
func (e *Engine) Login(ctx context.Context, username, pw string) (*TokenPair, error) {
	if e == nil || !e.flow.Initialized() {
		return nil, ErrEngineNotReady
	}

	res := e.flow.Login(ctx, username, pw)
	who := auditFields{UserID: res.User.UserID, Username: username, Site: res.User.Site}

	if res.Locked {
		e.metricInc(MetricAccountLocked)
		e.emitAudit(ctx, auditEventAccountLocked, true, who, nil, nil)
		e.notify(ctx, NotifyUserLocked, res.User.UserID, AccountNotice{
			UserID:   res.User.UserID,
			Username: res.User.Username,
			Site:     res.User.Site,
			Reason:   "too many failed logins",
		})
	}

	switch res.Failure {
	case flows.LoginFailureNone:
	case flows.LoginFailureNotReady:
		return nil, ErrEngineNotReady
	case flows.LoginFailureRateLimited:
		if !errors.Is(res.Err, rate.ErrRateLimited) {
			e.warn("gmpauth: login limiter unavailable", "error", res.Err)
		}
		e.metricInc(MetricLoginRateLimited)
		e.emitAudit(ctx, auditEventLoginRateLimited, false, who, ErrLoginRateLimited, nil)
		return nil, ErrLoginRateLimited
	case flows.LoginFailureEmptyPassword, flows.LoginFailurePasswordMismatch:
		e.metricInc(MetricLoginFailure)
		e.emitAudit(ctx, auditEventLoginFailure, false, who, ErrInvalidCredentials, nil)
		return nil, ErrInvalidCredentials
	case flows.LoginFailureUserNotFound:
		e.metricInc(MetricLoginFailure)
		if res.Err != nil && !errors.Is(res.Err, ErrUserNotFound) {
			err := fmt.Errorf("%w: user lookup: %v", ErrUnauthorized, res.Err)
			e.emitAudit(ctx, auditEventLoginFailure, false, who, err, nil)
			return nil, err
		}
		e.emitAudit(ctx, auditEventLoginFailure, false, who, ErrUserNotFound, nil)
		return nil, ErrInvalidCredentials
	case flows.LoginFailureAccountStatus:
		e.metricInc(MetricLoginFailure)
		e.emitAudit(ctx, auditEventLoginFailure, false, who, res.Err, nil)
		return nil, res.Err
	default:
		e.metricInc(MetricLoginFailure)
		err := fmt.Errorf("gmpauth: issue tokens: %w", res.Err)
		e.emitAudit(ctx, auditEventLoginFailure, false, who, err, nil)
		return nil, err
	}

	pair := tokenPair(res.Issue.AccessToken, res.Issue.RefreshToken, res.Issue.Claims, res.Issue.Session)
	who.SessionID = pair.SessionID
	who.TokenID = pair.TokenID

	e.metricInc(MetricLoginSuccess)
	e.metricInc(MetricSessionCreated)
	e.metricInc(MetricTokenIssued)
	e.emitAudit(ctx, auditEventLoginSuccess, true, who, nil, func() map[string]string {
		return map[string]string{"hash_upgraded": strconv.FormatBool(res.Upgraded)}
	})
	e.notify(ctx, NotifyUserLogin, res.User.UserID, LoginNotice{
		UserID:    res.User.UserID,
		Username:  res.User.Username,
		Site:      res.User.Site,
		SessionID: pair.SessionID,
		IP:        clientIPFromContext(ctx),
	})
	return pair, nil
}

// IssueTokens opens a session for an already-authenticated user.
func (e *Engine) IssueTokens(ctx context.Context, user UserRecord) (*TokenPair, error) {
	if e == nil || !e.flow.Initialized() {
		return nil, ErrEngineNotReady
	}
	if err := accountStatusError(user.Status); err != nil {
		return nil, err
	}

	res := e.flow.Issue(ctx, toFlowUser(user))
	if res.Failure != flows.IssueFailureNone {
		return nil, fmt.Errorf("gmpauth: issue tokens: %w", res.Err)
	}

	pair := tokenPair(res.AccessToken, res.RefreshToken, res.Claims, res.Session)
	e.metricInc(MetricSessionCreated)
	e.metricInc(MetricTokenIssued)
	e.emitAudit(ctx, auditEventTokenIssued, true, auditFields{
		UserID:    user.UserID,
		Username:  user.Username,
		Site:      user.Site,
		SessionID: pair.SessionID,
		TokenID:   pair.TokenID,
	}, nil, nil)
	return pair, nil
}

func tokenPair(access, refresh string, claims *jwt.AccessClaims, sess *session.Session) *TokenPair {
	pair := &TokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    "Bearer",
	}
	if claims != nil {
		pair.ExpiresAt = claims.ExpiresAtTime()
		pair.TokenID = claims.ID
		pair.SessionID = claims.SID
	}
	if sess != nil {
		pair.SessionID = sess.SessionID
		if sess.ExpiresAt > 0 {
			pair.RefreshExpiresAt = time.Unix(sess.ExpiresAt, 0).UTC()
		}
	}
	return pair
}

/*
====================================
VALIDATE
====================================
*/

// ValidateAccess validates with the engine's default mode.
func (e *Engine) ValidateAccess(ctx context.Context, token string) (*Claims, error) {
	return e.Validate(ctx, token, ModeInherit)
}

// Validate verifies token and, depending on mode, checks the revocation
// list and the backing session. Revocation or session backend failures
// reject the token.
func (e *Engine) Validate(ctx context.Context, token string, mode RouteMode) (*Claims, error) {
	if e == nil || !e.flow.Initialized() {
		return nil, ErrEngineNotReady
	}

	start := time.Now()
	res := e.flow.Validate(ctx, token, int(mode))
	if e.metrics.LatencyEnabled() {
		e.metrics.Observe(MetricValidateLatency, time.Since(start))
	}

	if res.Failure == flows.ValidateFailureNone {
		e.metricInc(MetricValidateSuccess)
		return e.claimsFrom(res.Claims), nil
	}

	e.metricInc(MetricValidateFailure)
	switch res.Failure {
	case flows.ValidateFailureTokenExpired:
		return nil, ErrTokenExpired
	case flows.ValidateFailureTokenClockSkew:
		return nil, ErrTokenClockSkew
	case flows.ValidateFailureInvalidRouteMode:
		return nil, ErrInvalidRouteMode
	case flows.ValidateFailureRevoked:
		return nil, ErrTokenRevoked
	case flows.ValidateFailureRevocationUnavailable:
		e.metricInc(MetricRevocationUnavailable)
		e.warn("gmpauth: revocation list unavailable", "error", res.Err)
		return nil, errors.Join(ErrUnauthorized, ErrRevocationUnavailable)
	case flows.ValidateFailureSessionNotFound, flows.ValidateFailureSessionMismatch:
		return nil, ErrSessionNotFound
	case flows.ValidateFailureSessionUnavailable:
		return nil, fmt.Errorf("%w: session store: %v", ErrUnauthorized, res.Err)
	case flows.ValidateFailureStatus:
		return nil, res.Err
	default:
		return nil, ErrTokenInvalid
	}
}

func (e *Engine) claimsFrom(c *jwt.AccessClaims) *Claims {
	mask, err := permission.DecodeMask(c.Mask)
	if err != nil {
		mask = 0
	}
	perms := append([]string(nil), c.Perms...)
	if len(perms) == 0 && mask != 0 {
		perms = e.registry.Names(mask)
	}
	return &Claims{
		UserID:         c.UID,
		Username:       c.Username,
		Site:           c.Site,
		Roles:          append([]string(nil), c.Roles...),
		Permissions:    perms,
		Mask:           mask,
		TokenID:        c.ID,
		SessionID:      c.SID,
		AccountVersion: c.AccountVersion,
		IssuedAt:       c.IssuedAtTime(),
		ExpiresAt:      c.ExpiresAtTime(),
	}
}

/*
====================================
REFRESH
====================================
*/

// Refresh rotates a refresh token. The access token it supersedes is put
// on the revocation list. Presenting a rotated-out token destroys the
// session and returns ErrRefreshReuse.
func (e *Engine) Refresh(ctx context.Context, refreshToken string) (*TokenPair, error) {
	if e == nil || !e.flow.Initialized() {
		return nil, ErrEngineNotReady
	}

	res := e.flow.Refresh(ctx, refreshToken)
	who := auditFields{UserID: res.UserID, SessionID: res.SessionID}
	if res.Session != nil {
		who.Username = res.Session.Username
		who.Site = res.Session.Site
	}

	if res.RevokedTokenID != "" {
		if res.RevokeErr != nil {
			e.warn("gmpauth: superseded access token revocation failed",
				"token_id", res.RevokedTokenID, "error", res.RevokeErr)
		} else {
			e.recordRevocations([]string{res.RevokedTokenID})
		}
	}

	switch res.Failure {
	case flows.RefreshFailureNone:
	case flows.RefreshFailureDecode:
		e.metricInc(MetricRefreshFailure)
		e.emitAudit(ctx, auditEventRefreshInvalid, false, who, ErrRefreshInvalid, nil)
		return nil, ErrRefreshInvalid
	case flows.RefreshFailureRateLimited:
		e.metricInc(MetricRefreshRateLimited)
		e.emitAudit(ctx, auditEventRefreshRateLimited, false, who, ErrRefreshRateLimited, nil)
		return nil, ErrRefreshRateLimited
	case flows.RefreshFailureReuse:
		e.metricInc(MetricRefreshFailure)
		e.metricInc(MetricRefreshReuseDetected)
		if e.config.Security.EnableReplayTracking {
			e.metricInc(MetricReplayDetected)
		}
		if res.Session != nil {
			e.metricInc(MetricSessionInvalidated)
		}
		e.emitAudit(ctx, auditEventRefreshReuseDetected, false, who, ErrRefreshReuse, func() map[string]string {
			return map[string]string{"revoked_token_id": res.RevokedTokenID}
		})
		notice := SessionNotice{UserID: res.UserID, SessionID: res.SessionID, Reason: "refresh token reuse"}
		if res.RevokedTokenID != "" && res.RevokeErr == nil {
			notice.RevokedTokens = []string{res.RevokedTokenID}
		}
		e.notify(ctx, NotifySessionReuseDetect, res.UserID, notice)
		return nil, ErrRefreshReuse
	case flows.RefreshFailureSessionNotFound:
		e.metricInc(MetricRefreshFailure)
		e.emitAudit(ctx, auditEventRefreshInvalid, false, who, ErrSessionNotFound, nil)
		return nil, ErrSessionNotFound
	case flows.RefreshFailureAccountStatus:
		e.metricInc(MetricRefreshFailure)
		e.metricInc(MetricSessionInvalidated)
		e.emitAudit(ctx, auditEventRefreshInvalid, false, who, res.Err, nil)
		return nil, res.Err
	case flows.RefreshFailureRotate:
		e.metricInc(MetricRefreshFailure)
		if errors.Is(res.Err, session.ErrSessionCorrupt) {
			e.emitAudit(ctx, auditEventRefreshInvalid, false, who, ErrRefreshInvalid, nil)
			return nil, ErrRefreshInvalid
		}
		err := fmt.Errorf("%w: session store: %v", ErrUnauthorized, res.Err)
		e.emitAudit(ctx, auditEventRefreshInvalid, false, who, err, nil)
		return nil, err
	default:
		e.metricInc(MetricRefreshFailure)
		err := fmt.Errorf("gmpauth: refresh: %w", res.Err)
		e.emitAudit(ctx, auditEventRefreshInvalid, false, who, err, nil)
		return nil, err
	}

	pair := tokenPair(res.AccessToken, res.RefreshToken, res.Claims, res.Session)
	who.TokenID = pair.TokenID
	e.metricInc(MetricRefreshSuccess)
	e.metricInc(MetricTokenIssued)
	e.emitAudit(ctx, auditEventRefreshSuccess, true, who, nil, nil)
	return pair, nil
}

/*
====================================
REVOKE / LOGOUT
====================================
*/

// Revoke puts the access token on the revocation list until it expires.
// Revocation state is ignored when parsing, so revoking twice is harmless.
// An already expired token is accepted without writing anything.
func (e *Engine) Revoke(ctx context.Context, accessToken string) error {
	if e == nil || !e.flow.Initialized() {
		return ErrEngineNotReady
	}
	claims, err := e.jwtManager.ParseAccess(accessToken)
	if err != nil {
		if jwt.IsExpired(err) {
			return nil
		}
		return ErrTokenInvalid
	}
	return e.revokeTokenID(ctx, claims.ID, claims.ExpiresAtTime(), claims.UID)
}

// RevokeTokenID revokes by jti when the token itself is not at hand.
func (e *Engine) RevokeTokenID(ctx context.Context, tokenID string, expiresAt time.Time) error {
	if e == nil || !e.flow.Initialized() {
		return ErrEngineNotReady
	}
	return e.revokeTokenID(ctx, tokenID, expiresAt, "")
}

func (e *Engine) revokeTokenID(ctx context.Context, tokenID string, expiresAt time.Time, userID string) error {
	if err := e.revocations.Revoke(ctx, tokenID, expiresAt); err != nil {
		return mapRevocationError(err)
	}
	if !expiresAt.After(time.Now()) {
		return nil
	}

	e.recordRevocations([]string{tokenID})
	e.emitAudit(ctx, auditEventTokenRevoked, true, auditFields{UserID: userID, TokenID: tokenID}, nil, nil)
	e.notify(ctx, NotifyTokenRevoked, userID, TokenNotice{TokenID: tokenID, UserID: userID, ExpiresAt: expiresAt.UTC()})
	return nil
}

func mapRevocationError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, revocation.ErrInvalidTokenID):
		return ErrTokenInvalid
	case errors.Is(err, revocation.ErrUnavailable):
		return errors.Join(ErrRevocationUnavailable, err)
	default:
		return err
	}
}

// Logout revokes accessToken and deletes the session it belongs to.
func (e *Engine) Logout(ctx context.Context, accessToken string) error {
	if e == nil || !e.flow.Initialized() {
		return ErrEngineNotReady
	}

	res := e.flow.LogoutByAccessToken(ctx, accessToken)
	if res.ParseErr != nil {
		if jwt.IsExpired(res.ParseErr) {
			return ErrTokenExpired
		}
		return ErrTokenInvalid
	}
	return e.finishLogout(ctx, auditEventLogoutSession, MetricLogout, res)
}

// LogoutSession ends one session by ID, e.g. from an admin console.
func (e *Engine) LogoutSession(ctx context.Context, sessionID string) error {
	if e == nil || !e.flow.Initialized() {
		return ErrEngineNotReady
	}
	return e.finishLogout(ctx, auditEventLogoutSession, MetricLogout, e.flow.LogoutSession(ctx, sessionID))
}

// LogoutAll ends every session of userID and revokes their access tokens.
func (e *Engine) LogoutAll(ctx context.Context, userID string) error {
	if e == nil || !e.flow.Initialized() {
		return ErrEngineNotReady
	}
	return e.finishLogout(ctx, auditEventLogoutAll, MetricLogoutAll, e.flow.LogoutAll(ctx, userID))
}

func (e *Engine) finishLogout(ctx context.Context, event string, metric MetricID, res flows.LogoutResult) error {
	e.recordRevocations(res.RevokedTokens)
	for i := 0; i < res.Sessions; i++ {
		e.metricInc(MetricSessionInvalidated)
	}

	who := auditFields{UserID: res.UserID, SessionID: res.SessionID}
	if res.Claims != nil {
		who.Username = res.Claims.Username
		who.Site = res.Claims.Site
		who.TokenID = res.Claims.ID
	}

	if res.Err != nil {
		err := mapRevocationError(res.Err)
		e.emitAudit(ctx, event, false, who, err, nil)
		return fmt.Errorf("gmpauth: logout: %w", err)
	}

	e.metricInc(metric)
	e.emitAudit(ctx, event, true, who, nil, func() map[string]string {
		return map[string]string{"sessions": strconv.Itoa(res.Sessions)}
	})
	e.notify(ctx, NotifyUserLogout, res.UserID, SessionNotice{
		UserID:        res.UserID,
		SessionID:     res.SessionID,
		Sessions:      res.Sessions,
		RevokedTokens: res.RevokedTokens,
	})
	return nil
}

/*
====================================
PASSWORDS
====================================
*/

// ChangePassword replaces the user's password and ends all of their
// sessions. The account version advances so tokens issued before the
// change fail strict validation.
func (e *Engine) ChangePassword(ctx context.Context, userID, oldPassword, newPassword string) error {
	if e == nil || !e.flow.Initialized() {
		return ErrEngineNotReady
	}

	res := e.flow.ChangePassword(ctx, userID, oldPassword, newPassword)
	who := auditFields{UserID: userID, Username: res.User.Username, Site: res.User.Site}
	e.recordRevocations(res.Logout.RevokedTokens)

	switch res.Failure {
	case flows.ChangePasswordFailureNone, flows.ChangePasswordFailureLogout:
	case flows.ChangePasswordFailureNotReady:
		return ErrEngineNotReady
	case flows.ChangePasswordFailureUserNotFound:
		err := ErrUserNotFound
		if !errors.Is(res.Err, ErrUserNotFound) {
			err = fmt.Errorf("%w: user lookup: %v", ErrUnauthorized, res.Err)
		}
		e.emitAudit(ctx, auditEventPasswordChangeFailure, false, who, err, nil)
		return err
	case flows.ChangePasswordFailureInvalidOld:
		e.metricInc(MetricPasswordChangeInvalidOld)
		e.emitAudit(ctx, auditEventPasswordChangeInvalidOld, false, who, ErrInvalidCredentials, nil)
		return ErrInvalidCredentials
	case flows.ChangePasswordFailureReuse:
		e.metricInc(MetricPasswordChangeReuseRejected)
		e.emitAudit(ctx, auditEventPasswordChangeReuse, false, who, ErrPasswordReuse, nil)
		return ErrPasswordReuse
	case flows.ChangePasswordFailurePolicy:
		e.metricInc(MetricPasswordPolicyRejected)
		err := fmt.Errorf("%w: %w", ErrPasswordPolicy, res.Err)
		e.emitAudit(ctx, auditEventPasswordChangeFailure, false, who, err, nil)
		return err
	default:
		err := fmt.Errorf("gmpauth: change password: %w", res.Err)
		e.emitAudit(ctx, auditEventPasswordChangeFailure, false, who, err, nil)
		return err
	}

	for i := 0; i < res.Logout.Sessions; i++ {
		e.metricInc(MetricSessionInvalidated)
	}
	e.metricInc(MetricPasswordChangeSuccess)
	e.emitAudit(ctx, auditEventPasswordChangeSuccess, true, who, nil, func() map[string]string {
		return map[string]string{"sessions_ended": strconv.Itoa(res.Logout.Sessions)}
	})
	e.notify(ctx, NotifyPasswordChanged, userID, AccountNotice{
		UserID:   userID,
		Username: res.User.Username,
		Site:     res.User.Site,
	})

	if res.Failure == flows.ChangePasswordFailureLogout {
		return fmt.Errorf("gmpauth: password changed but session cleanup failed: %w", mapRevocationError(res.Err))
	}
	return nil
}

// CheckPassword applies the password policy without changing anything. The
// returned error wraps a *password.PolicyError listing every failed rule.
func (e *Engine) CheckPassword(pw, identifier string) error {
	if e == nil {
		return ErrEngineNotReady
	}
	if err := e.policy.Validate(pw, identifier); err != nil {
		return fmt.Errorf("%w: %w", ErrPasswordPolicy, err)
	}
	return nil
}

// HashPassword hashes pw with the engine's argon2id parameters.
func (e *Engine) HashPassword(pw string) (string, error) {
	if e == nil || e.passwordHash == nil {
		return "", ErrEngineNotReady
	}
	return e.passwordHash.Hash(pw)
}

/*
====================================
PERMISSIONS
====================================
*/

// HasPermission reports whether claims grant perm.
func (e *Engine) HasPermission(claims *Claims, perm string) bool {
	if e == nil || claims == nil {
		return false
	}
	return e.registry.Has(claims.Mask, perm)
}

// PermissionsFor lists the permissions granted by roles. Unknown roles are
// ignored.
func (e *Engine) PermissionsFor(roles []string) []string {
	if e == nil {
		return nil
	}
	mask, _ := e.roleManager.MaskForRoles(roles)
	return e.registry.Names(mask)
}

// HasRole reports whether the token was issued with role.
func (c *Claims) HasRole(role string) bool {
	if c == nil {
		return false
	}
	for _, r := range c.Roles {
		if r == role {
			return true
		}
	}
	return false
}
