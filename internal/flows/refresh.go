package flows

import (
	"context"
	"errors"
	"time"

	"github.com/gmpsuite/gmpauth/jwt"
	"github.com/gmpsuite/gmpauth/session"
)

// RefreshFailureKind classifies refresh flow failures for root-level mapping.
type RefreshFailureKind int

const (
	RefreshFailureNone RefreshFailureKind = iota
	RefreshFailureDecode
	RefreshFailureRateLimited
	RefreshFailureNextSecret
	RefreshFailureReuse
	RefreshFailureSessionNotFound
	RefreshFailureRotate
	RefreshFailureAccountStatus
	RefreshFailureIssueAccess
	RefreshFailureEncode
)

// RefreshResult carries either the issued token pair or failure metadata.
type RefreshResult struct {
	Failure      RefreshFailureKind
	Err          error
	SessionID    string
	UserID       string
	Session      *session.Session
	Claims       *jwt.AccessClaims
	AccessToken  string
	RefreshToken string
	// RevokedTokenID is the access jti put on the revocation list by this
	// run: the superseded token on success, the killed session's token on
	// reuse.
	RevokedTokenID string
	// RevokeErr is set when that revocation could not be recorded.
	RevokeErr error
}

type RefreshRateLimiter interface {
	CheckRefresh(ctx context.Context, sessionID string) error
}

type RefreshSessionStore interface {
	Rotate(
		ctx context.Context,
		sessionID string,
		providedHash [32]byte,
		nextHash [32]byte,
		nextAccessJTI string,
		nextAccessExpiresAt time.Time,
	) (*session.Session, error)
	TrackReplayAnomaly(ctx context.Context, sessionID string, ttl time.Duration) (int64, error)
	TrimAccessExpiry(ctx context.Context, sessionID, accessJTI string, expiresAt time.Time) error
	Delete(ctx context.Context, sessionID string) (*session.Session, error)
}

// RefreshDeps captures refresh flow dependencies.
type RefreshDeps struct {
	Now                  func() time.Time
	DecodeRefreshToken   func(string) (string, [32]byte, error)
	NewRefreshSecret     func() ([32]byte, error)
	HashRefreshSecret    func([32]byte) [32]byte
	EncodeRefreshToken   func(string, [32]byte) (string, error)
	NewTokenID           func() string
	AccessTTL            time.Duration
	SignAccess           func(jwt.AccessInput) (string, *jwt.AccessClaims, error)
	ResolveRoles         func([]string) RoleGrant
	RevokeToken          func(ctx context.Context, tokenID string, expiresAt time.Time) error
	AccountStatusError   func(uint8) error
	SessionLifetime      time.Duration
	EnableReplayTracking bool
	Warn                 func(string, ...any)
	RateLimiter          RefreshRateLimiter
	SessionStore         RefreshSessionStore
	RefreshHashMismatch  error
	RedisNil             error
}

// RunRefresh rotates the refresh secret of a session, revokes the access
// token it replaces and signs a new one.
//
// The next access jti is chosen before rotation so the session records it
// atomically with the new secret. Rotation records now+AccessTTL; when the
// signed token expires earlier (privileged subjects are capped) the session
// is trimmed to the token's real expiry.
func RunRefresh(ctx context.Context, refreshToken string, deps RefreshDeps) RefreshResult {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Warn == nil {
		deps.Warn = func(string, ...any) {}
	}

	sessionID, providedSecret, err := deps.DecodeRefreshToken(refreshToken)
	if err != nil {
		return RefreshResult{Failure: RefreshFailureDecode, Err: err}
	}

	if deps.RateLimiter != nil {
		if err := deps.RateLimiter.CheckRefresh(ctx, sessionID); err != nil {
			return RefreshResult{Failure: RefreshFailureRateLimited, Err: err, SessionID: sessionID}
		}
	}

	nextSecret, err := deps.NewRefreshSecret()
	if err != nil {
		return RefreshResult{Failure: RefreshFailureNextSecret, Err: err, SessionID: sessionID}
	}

	nextJTI := deps.NewTokenID()
	nextExp := deps.Now().Add(deps.AccessTTL)

	sess, err := deps.SessionStore.Rotate(
		ctx,
		sessionID,
		deps.HashRefreshSecret(providedSecret),
		deps.HashRefreshSecret(nextSecret),
		nextJTI,
		nextExp,
	)
	if err != nil {
		switch {
		case deps.RefreshHashMismatch != nil && errors.Is(err, deps.RefreshHashMismatch):
			res := RefreshResult{Failure: RefreshFailureReuse, Err: err, SessionID: sessionID, Session: sess}
			if sess != nil {
				res.UserID = sess.UserID
				if sess.AccessJTI != "" && deps.RevokeToken != nil {
					res.RevokedTokenID = sess.AccessJTI
					res.RevokeErr = deps.RevokeToken(ctx, sess.AccessJTI, sess.AccessExpiry())
				}
			}
			if deps.EnableReplayTracking {
				if _, trackErr := deps.SessionStore.TrackReplayAnomaly(ctx, sessionID, deps.SessionLifetime); trackErr != nil {
					deps.Warn("gmpauth: replay anomaly tracking failed", "error", trackErr)
				}
			}
			return res
		case deps.RedisNil != nil && errors.Is(err, deps.RedisNil):
			return RefreshResult{Failure: RefreshFailureSessionNotFound, Err: err, SessionID: sessionID}
		default:
			return RefreshResult{Failure: RefreshFailureRotate, Err: err, SessionID: sessionID}
		}
	}

	res := RefreshResult{SessionID: sess.SessionID, UserID: sess.UserID, Session: sess}

	if sess.ReplacedAccessJTI != "" && deps.RevokeToken != nil {
		res.RevokedTokenID = sess.ReplacedAccessJTI
		res.RevokeErr = deps.RevokeToken(ctx, sess.ReplacedAccessJTI, sess.ReplacedAccessExpiry())
	}

	if deps.AccountStatusError != nil {
		if statusErr := deps.AccountStatusError(sess.Status); statusErr != nil {
			_, _ = deps.SessionStore.Delete(ctx, sess.SessionID)
			res.Failure = RefreshFailureAccountStatus
			res.Err = statusErr
			return res
		}
	}

	var grant RoleGrant
	if deps.ResolveRoles != nil {
		grant = deps.ResolveRoles(sess.Roles)
	}
	access, claims, err := deps.SignAccess(jwt.AccessInput{
		TokenID:        nextJTI,
		UserID:         sess.UserID,
		Username:       sess.Username,
		Site:           sess.Site,
		SessionID:      sess.SessionID,
		Roles:          sess.Roles,
		Permissions:    grant.Permissions,
		Mask:           grant.Mask,
		AccountVersion: sess.AccountVersion,
		Privileged:     grant.Privileged,
	})
	if err != nil {
		res.Failure = RefreshFailureIssueAccess
		res.Err = err
		return res
	}

	if exp := claims.ExpiresAtTime(); !exp.IsZero() && exp.Unix() < nextExp.Unix() {
		if err := deps.SessionStore.TrimAccessExpiry(ctx, sess.SessionID, nextJTI, exp); err != nil {
			deps.Warn("gmpauth: access expiry trim failed", "session_id", sess.SessionID, "error", err)
		}
		sess.AccessExpiresAt = exp.Unix()
	}

	refresh, err := deps.EncodeRefreshToken(sess.SessionID, nextSecret)
	if err != nil {
		res.Failure = RefreshFailureEncode
		res.Err = err
		return res
	}

	res.Claims = claims
	res.AccessToken = access
	res.RefreshToken = refresh
	return res
}
