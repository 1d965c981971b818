package flows

import (
	"context"
)

// LoginFailureKind classifies login flow failures for root-level mapping.
type LoginFailureKind int

const (
	LoginFailureNone LoginFailureKind = iota
	LoginFailureNotReady
	LoginFailureRateLimited
	LoginFailureEmptyPassword
	LoginFailureUserNotFound
	LoginFailurePasswordMismatch
	LoginFailureAccountStatus
	LoginFailureIssue
)

// LoginResult carries either the issued pair or failure metadata.
type LoginResult struct {
	Failure LoginFailureKind
	Err     error
	User    UserRecord
	// Locked is set when this failure pushed the account over the lockout
	// threshold and the account was locked.
	Locked bool
	// Upgraded is set when the stored hash was rewritten with current params.
	Upgraded bool
	Issue    IssueResult
}

type LoginRateLimiter interface {
	CheckLogin(ctx context.Context, username, ip string) error
	IncrementLogin(ctx context.Context, username, ip string) error
	ResetLogin(ctx context.Context, username, ip string) error
}

type LoginLockout interface {
	RecordFailure(ctx context.Context, userID string) (bool, error)
	Reset(ctx context.Context, userID string) error
}

// LoginDeps captures login dependencies.
type LoginDeps struct {
	UpgradeOnLogin bool

	ClientIP           func(context.Context) string
	GetUserByUsername  func(context.Context, string) (UserRecord, error)
	VerifyPassword     func(password, encodedHash string) (bool, error)
	NeedsUpgrade       func(encodedHash string) (bool, error)
	HashPassword       func(string) (string, error)
	UpdatePasswordHash func(ctx context.Context, userID, hash string) error
	LockAccount        func(ctx context.Context, userID string) error
	AccountStatusError func(UserRecord) error
	Warn               func(string, ...any)

	RateLimiter LoginRateLimiter
	Lockout     LoginLockout
	Issue       IssueDeps
}

// RunLogin verifies credentials and issues a token pair. Every failed
// credential check counts against the rate limiter; the limiter error wins
// when the budget runs out on this attempt.
func RunLogin(ctx context.Context, username, password string, deps LoginDeps) LoginResult {
	if deps.Warn == nil {
		deps.Warn = func(string, ...any) {}
	}
	if deps.ClientIP == nil {
		deps.ClientIP = func(context.Context) string { return "" }
	}
	if deps.GetUserByUsername == nil || deps.VerifyPassword == nil || deps.AccountStatusError == nil {
		return LoginResult{Failure: LoginFailureNotReady}
	}

	ip := deps.ClientIP(ctx)

	if deps.RateLimiter != nil {
		if err := deps.RateLimiter.CheckLogin(ctx, username, ip); err != nil {
			return LoginResult{Failure: LoginFailureRateLimited, Err: err}
		}
	}

	fail := func(kind LoginFailureKind, user UserRecord, err error) LoginResult {
		if deps.RateLimiter != nil {
			if rlErr := deps.RateLimiter.IncrementLogin(ctx, username, ip); rlErr != nil {
				return LoginResult{Failure: LoginFailureRateLimited, Err: rlErr, User: user}
			}
		}
		return LoginResult{Failure: kind, Err: err, User: user}
	}

	if password == "" {
		return fail(LoginFailureEmptyPassword, UserRecord{}, nil)
	}

	user, err := deps.GetUserByUsername(ctx, username)
	if err != nil {
		return fail(LoginFailureUserNotFound, UserRecord{}, err)
	}

	ok, err := deps.VerifyPassword(password, user.PasswordHash)
	if err != nil || !ok {
		res := fail(LoginFailurePasswordMismatch, user, err)
		if deps.Lockout != nil {
			locked, lockErr := deps.Lockout.RecordFailure(ctx, user.UserID)
			if lockErr != nil {
				deps.Warn("gmpauth: lockout tracking failed", "error", lockErr)
			}
			if locked && deps.LockAccount != nil {
				if err := deps.LockAccount(ctx, user.UserID); err != nil {
					deps.Warn("gmpauth: account lock failed", "error", err)
				} else {
					res.Locked = true
				}
			}
		}
		return res
	}

	if statusErr := deps.AccountStatusError(user); statusErr != nil {
		return LoginResult{Failure: LoginFailureAccountStatus, Err: statusErr, User: user}
	}

	issued := RunIssue(ctx, user, deps.Issue)
	if issued.Failure != IssueFailureNone {
		return LoginResult{Failure: LoginFailureIssue, Err: issued.Err, User: user, Issue: issued}
	}

	if deps.RateLimiter != nil {
		if err := deps.RateLimiter.ResetLogin(ctx, username, ip); err != nil {
			deps.Warn("gmpauth: login limiter reset failed", "error", err)
		}
	}
	if deps.Lockout != nil {
		if err := deps.Lockout.Reset(ctx, user.UserID); err != nil {
			deps.Warn("gmpauth: lockout reset failed", "error", err)
		}
	}

	res := LoginResult{User: user, Issue: issued}
	if deps.UpgradeOnLogin && deps.NeedsUpgrade != nil && deps.HashPassword != nil && deps.UpdatePasswordHash != nil {
		if needs, err := deps.NeedsUpgrade(user.PasswordHash); err == nil && needs {
			if upgraded, err := deps.HashPassword(password); err == nil {
				// Best effort: the login already succeeded.
				if err := deps.UpdatePasswordHash(ctx, user.UserID, upgraded); err != nil {
					deps.Warn("gmpauth: password hash upgrade update failed", "error", err)
				} else {
					res.Upgraded = true
				}
			} else {
				deps.Warn("gmpauth: password hash upgrade generation failed", "error", err)
			}
		}
	}
	return res
}
