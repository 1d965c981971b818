package gmpauth

import "errors"

var (
	// ErrUnauthorized is returned when a request cannot be authenticated and
	// no more specific reason applies, including fail-closed backend outages.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrInvalidCredentials hides which of username or password was wrong.
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrUserNotFound       = errors.New("user not found")

	ErrAccountDisabled = errors.New("account disabled")
	ErrAccountLocked   = errors.New("account locked")
	ErrPasswordExpired = errors.New("password expired")

	ErrLoginRateLimited   = errors.New("login rate limited")
	ErrRefreshRateLimited = errors.New("refresh rate limited")

	ErrRefreshInvalid = errors.New("invalid refresh token")
	// ErrRefreshReuse means a rotated-out refresh token was presented. The
	// session it belonged to has been destroyed.
	ErrRefreshReuse    = errors.New("refresh token reuse detected")
	ErrSessionNotFound = errors.New("session not found")

	ErrTokenInvalid   = errors.New("invalid token")
	ErrTokenExpired   = errors.New("token expired")
	ErrTokenRevoked   = errors.New("token revoked")
	ErrTokenClockSkew = errors.New("token clock skew exceeded")

	ErrInvalidRouteMode = errors.New("invalid route validation mode")
	ErrPasswordPolicy   = errors.New("password policy violation")
	ErrPasswordReuse    = errors.New("new password must be different from current password")

	ErrPermissionDenied      = errors.New("permission denied")
	ErrRevocationUnavailable = errors.New("revocation list unavailable")
	ErrEngineNotReady        = errors.New("engine not initialized")
)
