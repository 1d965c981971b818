package flows

import (
	"context"
	"errors"
	"time"

	"github.com/gmpsuite/gmpauth/jwt"
	"github.com/gmpsuite/gmpauth/session"
)

type LogoutSessionStore interface {
	Delete(ctx context.Context, sessionID string) (*session.Session, error)
	DeleteAllForUser(ctx context.Context, userID string) ([]*session.Session, error)
}

// LogoutDeps captures logout flow dependencies.
type LogoutDeps struct {
	ParseAccess  func(string) (*jwt.AccessClaims, error)
	RevokeToken  func(ctx context.Context, tokenID string, expiresAt time.Time) error
	SessionStore LogoutSessionStore
}

// LogoutResult reports what a logout touched.
type LogoutResult struct {
	Claims        *jwt.AccessClaims
	SessionID     string
	UserID        string
	RevokedTokens []string
	Sessions      int
	// ParseErr is set when the access token could not be verified.
	ParseErr error
	Err      error
}

// RunLogoutByAccessToken revokes the presented token and deletes its session.
// The session's recorded jti is revoked too when it differs, which covers a
// stale token being used after a refresh.
func RunLogoutByAccessToken(ctx context.Context, tokenStr string, deps LogoutDeps) LogoutResult {
	claims, err := deps.ParseAccess(tokenStr)
	if err != nil {
		return LogoutResult{ParseErr: err}
	}

	res := LogoutResult{Claims: claims, SessionID: claims.SID, UserID: claims.UID}
	var errs []error

	if err := deps.RevokeToken(ctx, claims.ID, claims.ExpiresAtTime()); err != nil {
		errs = append(errs, err)
	} else {
		res.RevokedTokens = append(res.RevokedTokens, claims.ID)
	}

	if claims.SID != "" {
		sess, err := deps.SessionStore.Delete(ctx, claims.SID)
		if err != nil {
			errs = append(errs, err)
		} else if sess != nil {
			res.Sessions = 1
			if sess.AccessJTI != "" && sess.AccessJTI != claims.ID {
				if err := deps.RevokeToken(ctx, sess.AccessJTI, sess.AccessExpiry()); err != nil {
					errs = append(errs, err)
				} else {
					res.RevokedTokens = append(res.RevokedTokens, sess.AccessJTI)
				}
			}
		}
	}

	res.Err = errors.Join(errs...)
	return res
}

// RunLogoutSession deletes one session by ID and revokes its outstanding token.
func RunLogoutSession(ctx context.Context, sessionID string, deps LogoutDeps) LogoutResult {
	res := LogoutResult{SessionID: sessionID}
	sess, err := deps.SessionStore.Delete(ctx, sessionID)
	if err != nil {
		res.Err = err
		return res
	}
	if sess == nil {
		return res
	}
	res.UserID = sess.UserID
	res.Sessions = 1
	if sess.AccessJTI != "" {
		if err := deps.RevokeToken(ctx, sess.AccessJTI, sess.AccessExpiry()); err != nil {
			res.Err = err
			return res
		}
		res.RevokedTokens = append(res.RevokedTokens, sess.AccessJTI)
	}
	return res
}

// RunLogoutAll deletes every session of userID and revokes each outstanding
// access token. Revocation errors are collected; the sessions are gone
// either way.
func RunLogoutAll(ctx context.Context, userID string, deps LogoutDeps) LogoutResult {
	res := LogoutResult{UserID: userID}
	sessions, err := deps.SessionStore.DeleteAllForUser(ctx, userID)
	if err != nil {
		res.Err = err
		return res
	}
	res.Sessions = len(sessions)

	var errs []error
	for _, sess := range sessions {
		if sess == nil || sess.AccessJTI == "" {
			continue
		}
		if err := deps.RevokeToken(ctx, sess.AccessJTI, sess.AccessExpiry()); err != nil {
			errs = append(errs, err)
			continue
		}
		res.RevokedTokens = append(res.RevokedTokens, sess.AccessJTI)
	}
	res.Err = errors.Join(errs...)
	return res
}
