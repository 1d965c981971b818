package flows

import (
	"context"
	"errors"
	"time"

	"github.com/gmpsuite/gmpauth/jwt"
	"github.com/gmpsuite/gmpauth/session"
)

// ModeResolverConfig allows host packages to resolve route/engine validation modes
// without importing host package-specific enums (avoids import cycles).
type ModeResolverConfig struct {
	ModeInherit int
	ModeJWTOnly int
	ModeHybrid  int
	ModeStrict  int
}

// ResolveRouteMode resolves a route mode override against engine default mode.
func ResolveRouteMode(routeMode, engineMode int, cfg ModeResolverConfig) (int, bool) {
	switch routeMode {
	case cfg.ModeInherit:
		switch engineMode {
		case cfg.ModeJWTOnly, cfg.ModeHybrid, cfg.ModeStrict:
			return engineMode, true
		default:
			return 0, false
		}
	case cfg.ModeJWTOnly, cfg.ModeHybrid, cfg.ModeStrict:
		return routeMode, true
	default:
		return 0, false
	}
}

// ValidateFailureKind classifies validation failures for root-level mapping.
type ValidateFailureKind int

const (
	ValidateFailureNone ValidateFailureKind = iota
	ValidateFailureTokenInvalid
	ValidateFailureTokenExpired
	ValidateFailureTokenClockSkew
	ValidateFailureInvalidRouteMode
	ValidateFailureRevoked
	ValidateFailureRevocationUnavailable
	ValidateFailureSessionNotFound
	ValidateFailureSessionUnavailable
	ValidateFailureSessionMismatch
	ValidateFailureStatus
)

// ValidateResult returns either claims/session success payload or classified failure.
type ValidateResult struct {
	Failure ValidateFailureKind
	Err     error
	Mode    int
	Claims  *jwt.AccessClaims
	Session *session.Session
}

type ValidateSessionStore interface {
	Get(ctx context.Context, sessionID string, absoluteLifetime time.Duration) (*session.Session, error)
}

type ValidateRevocationList interface {
	IsRevoked(ctx context.Context, tokenID string) (bool, error)
}

// ValidateDeps captures strict/hybrid/jwt-only validation dependencies.
type ValidateDeps struct {
	ParseAccess        func(string) (*jwt.AccessClaims, error)
	IsExpired          func(error) bool
	ResolveRouteMode   func(int) (int, error)
	Now                func() time.Time
	MaxClockSkew       time.Duration
	ModeJWTOnly        int
	ModeHybrid         int
	EnableAccountCheck bool
	AccountStatusError func(uint8) error
	SessionLifetime    time.Duration
	Revocations        ValidateRevocationList
	SessionStore       ValidateSessionStore
	RedisNil           error
}

// RunValidate verifies an access token and, depending on the effective
// mode, consults the revocation list and the backing session. Backend
// errors on either lookup fail closed.
func RunValidate(ctx context.Context, tokenStr string, routeMode int, deps ValidateDeps) ValidateResult {
	if deps.Now == nil {
		deps.Now = time.Now
	}

	claims, err := deps.ParseAccess(tokenStr)
	if err != nil {
		if deps.IsExpired != nil && deps.IsExpired(err) {
			return ValidateResult{Failure: ValidateFailureTokenExpired, Err: err}
		}
		return ValidateResult{Failure: ValidateFailureTokenInvalid, Err: err}
	}
	if deps.MaxClockSkew >= 0 && claims.IssuedAt != nil {
		if claims.IssuedAt.Time.After(deps.Now().Add(deps.MaxClockSkew)) {
			return ValidateResult{Failure: ValidateFailureTokenClockSkew, Claims: claims}
		}
	}

	mode, err := deps.ResolveRouteMode(routeMode)
	if err != nil {
		return ValidateResult{Failure: ValidateFailureInvalidRouteMode, Err: err}
	}

	if mode == deps.ModeJWTOnly {
		return ValidateResult{Mode: mode, Claims: claims}
	}

	if deps.Revocations == nil {
		return ValidateResult{Failure: ValidateFailureRevocationUnavailable, Err: errors.New("revocation list not configured"), Mode: mode, Claims: claims}
	}
	revoked, err := deps.Revocations.IsRevoked(ctx, claims.ID)
	if err != nil {
		return ValidateResult{Failure: ValidateFailureRevocationUnavailable, Err: err, Mode: mode, Claims: claims}
	}
	if revoked {
		return ValidateResult{Failure: ValidateFailureRevoked, Mode: mode, Claims: claims}
	}

	if mode == deps.ModeHybrid {
		return ValidateResult{Mode: mode, Claims: claims}
	}

	sess, err := deps.SessionStore.Get(ctx, claims.SID, deps.SessionLifetime)
	if err != nil {
		if deps.RedisNil != nil && errors.Is(err, deps.RedisNil) {
			return ValidateResult{Failure: ValidateFailureSessionNotFound, Err: err, Mode: mode, Claims: claims}
		}
		return ValidateResult{Failure: ValidateFailureSessionUnavailable, Err: err, Mode: mode, Claims: claims}
	}

	if sess.UserID != claims.UID || sess.AccessJTI != claims.ID {
		return ValidateResult{Failure: ValidateFailureSessionMismatch, Mode: mode, Claims: claims, Session: sess}
	}
	if deps.EnableAccountCheck && claims.AccountVersion != sess.AccountVersion {
		return ValidateResult{Failure: ValidateFailureSessionMismatch, Mode: mode, Claims: claims, Session: sess}
	}
	if deps.AccountStatusError != nil {
		if statusErr := deps.AccountStatusError(sess.Status); statusErr != nil {
			return ValidateResult{Failure: ValidateFailureStatus, Err: statusErr, Mode: mode, Claims: claims, Session: sess}
		}
	}

	return ValidateResult{Mode: mode, Claims: claims, Session: sess}
}
