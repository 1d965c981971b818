package gmpauth

import (
	"context"
	"errors"
	"time"

	"github.com/gmpsuite/gmpauth/internal"
	"github.com/gmpsuite/gmpauth/internal/flows"
	"github.com/gmpsuite/gmpauth/jwt"
	"github.com/gmpsuite/gmpauth/permission"
	"github.com/gmpsuite/gmpauth/session"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

func (e *Engine) flowDeps() flows.Deps {
	issue := e.issueFlowDeps()
	logout := e.logoutFlowDeps()
	return flows.Deps{
		Issue:          issue,
		Login:          e.loginFlowDeps(issue),
		Refresh:        e.refreshFlowDeps(),
		Validate:       e.validateFlowDeps(),
		Logout:         logout,
		ChangePassword: e.changePasswordFlowDeps(logout),
	}
}

func (e *Engine) issueFlowDeps() flows.IssueDeps {
	return flows.IssueDeps{
		Now:             time.Now,
		SessionLifetime: e.config.JWT.RefreshTTL,
		NewSessionID: func() (string, error) {
			sid, err := internal.NewSessionID()
			if err != nil {
				return "", err
			}
			return sid.String(), nil
		},
		NewRefreshSecret:   internal.NewRefreshSecret,
		HashRefreshSecret:  internal.HashRefreshSecret,
		EncodeRefreshToken: internal.EncodeRefreshToken,
		ResolveRoles:       e.resolveRoles,
		SignAccess:         e.jwtManager.CreateAccess,
		SessionStore:       e.sessionStore,
	}
}

func (e *Engine) loginFlowDeps(issue flows.IssueDeps) flows.LoginDeps {
	deps := flows.LoginDeps{
		UpgradeOnLogin: e.config.Password.UpgradeOnLogin,
		ClientIP:       clientIPFromContext,
		GetUserByUsername: func(ctx context.Context, username string) (flows.UserRecord, error) {
			user, err := e.userProvider.GetUserByUsername(ctx, username)
			if err != nil {
				return flows.UserRecord{}, err
			}
			return toFlowUser(user), nil
		},
		VerifyPassword:     e.passwordHash.Verify,
		NeedsUpgrade:       e.passwordHash.NeedsUpgrade,
		HashPassword:       e.passwordHash.Hash,
		UpdatePasswordHash: e.userProvider.UpdatePasswordHash,
		LockAccount:        e.lockAccount,
		AccountStatusError: func(u flows.UserRecord) error {
			return e.loginStatusError(AccountStatus(u.Status), u.PasswordChangedAt)
		},
		Warn:        e.warn,
		RateLimiter: e.rateLimiter,
		Issue:       issue,
	}
	if e.lockout != nil {
		deps.Lockout = e.lockout
	}
	return deps
}

func (e *Engine) refreshFlowDeps() flows.RefreshDeps {
	deps := flows.RefreshDeps{
		Now:                  time.Now,
		DecodeRefreshToken:   internal.DecodeRefreshToken,
		NewRefreshSecret:     internal.NewRefreshSecret,
		HashRefreshSecret:    internal.HashRefreshSecret,
		EncodeRefreshToken:   internal.EncodeRefreshToken,
		NewTokenID:           uuid.NewString,
		AccessTTL:            e.jwtManager.AccessTTL(),
		SignAccess:           e.jwtManager.CreateAccess,
		ResolveRoles:         e.resolveRoles,
		RevokeToken:          e.revocations.Revoke,
		AccountStatusError:   func(s uint8) error { return accountStatusError(AccountStatus(s)) },
		SessionLifetime:      e.config.JWT.RefreshTTL,
		EnableReplayTracking: e.config.Security.EnableReplayTracking,
		Warn:                 e.warn,
		SessionStore:         e.sessionStore,
		RefreshHashMismatch:  session.ErrRefreshHashMismatch,
		RedisNil:             redis.Nil,
	}
	if e.config.Security.EnableRefreshThrottle {
		deps.RateLimiter = e.rateLimiter
	}
	return deps
}

func (e *Engine) validateFlowDeps() flows.ValidateDeps {
	return flows.ValidateDeps{
		ParseAccess: e.jwtManager.ParseAccess,
		IsExpired:   jwt.IsExpired,
		ResolveRouteMode: func(routeMode int) (int, error) {
			mode, ok := flows.ResolveRouteMode(routeMode, int(e.config.ValidationMode), modeResolver)
			if !ok {
				return 0, ErrInvalidRouteMode
			}
			return mode, nil
		},
		Now:                time.Now,
		MaxClockSkew:       e.config.Security.MaxClockSkew,
		ModeJWTOnly:        int(ModeJWTOnly),
		ModeHybrid:         int(ModeHybrid),
		EnableAccountCheck: e.config.Security.EnableAccountVersionCheck,
		AccountStatusError: func(s uint8) error { return accountStatusError(AccountStatus(s)) },
		SessionLifetime:    e.config.Session.AbsoluteSessionLifetime,
		Revocations:        e.revocations,
		SessionStore:       e.sessionStore,
		RedisNil:           redis.Nil,
	}
}

func (e *Engine) logoutFlowDeps() flows.LogoutDeps {
	return flows.LogoutDeps{
		ParseAccess:  e.jwtManager.ParseAccess,
		RevokeToken:  e.revocations.Revoke,
		SessionStore: e.sessionStore,
	}
}

func (e *Engine) changePasswordFlowDeps(logout flows.LogoutDeps) flows.ChangePasswordDeps {
	return flows.ChangePasswordDeps{
		GetUserByID: func(ctx context.Context, userID string) (flows.UserRecord, error) {
			user, err := e.userProvider.GetUserByID(ctx, userID)
			if err != nil {
				return flows.UserRecord{}, err
			}
			return toFlowUser(user), nil
		},
		VerifyPassword: e.passwordHash.Verify,
		CheckPolicy:    e.policy.Validate,
		HashPassword:   e.passwordHash.Hash,
		UpdatePassword: e.userProvider.ReplacePassword,
		Logout:         logout,
	}
}

var modeResolver = flows.ModeResolverConfig{
	ModeInherit: int(ModeInherit),
	ModeJWTOnly: int(ModeJWTOnly),
	ModeHybrid:  int(ModeHybrid),
	ModeStrict:  int(ModeStrict),
}

// resolveRoles maps role names to the mask and permission names embedded in
// access tokens. Unknown roles grant nothing.
func (e *Engine) resolveRoles(roles []string) flows.RoleGrant {
	mask, _ := e.roleManager.MaskForRoles(roles)
	return flows.RoleGrant{
		Mask:        permission.EncodeMask(mask),
		Permissions: e.registry.Names(mask),
		Privileged:  e.roleManager.IsPrivileged(roles),
	}
}

// lockAccount marks the account locked and ends its sessions.
func (e *Engine) lockAccount(ctx context.Context, userID string) error {
	if err := e.userProvider.UpdateAccountStatus(ctx, userID, AccountLocked); err != nil {
		return err
	}
	res := e.flow.LogoutAll(ctx, userID)
	e.recordRevocations(res.RevokedTokens)
	return res.Err
}

func (e *Engine) loginStatusError(status AccountStatus, passwordChangedAt time.Time) error {
	if err := accountStatusError(status); err != nil {
		return err
	}
	if maxAge := e.config.Password.MaxAge; maxAge > 0 && !passwordChangedAt.IsZero() {
		if time.Since(passwordChangedAt) > maxAge {
			return ErrPasswordExpired
		}
	}
	return nil
}

func accountStatusError(status AccountStatus) error {
	switch status {
	case AccountActive:
		return nil
	case AccountDisabled:
		return ErrAccountDisabled
	case AccountLocked:
		return ErrAccountLocked
	case AccountPasswordExpired:
		return ErrPasswordExpired
	default:
		return errors.Join(ErrUnauthorized, errors.New("unknown account status"))
	}
}

func toFlowUser(u UserRecord) flows.UserRecord {
	return flows.UserRecord{
		UserID:            u.UserID,
		Username:          u.Username,
		Site:              u.Site,
		PasswordHash:      u.PasswordHash,
		Roles:             append([]string(nil), u.Roles...),
		Status:            uint8(u.Status),
		AccountVersion:    u.AccountVersion,
		PasswordChangedAt: u.PasswordChangedAt,
	}
}

func (e *Engine) warn(msg string, keysAndValues ...any) {
	e.logger.Sugar().Warnw(msg, keysAndValues...)
}
