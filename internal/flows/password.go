package flows

import (
	"context"
)

// ChangePasswordFailureKind classifies password-change failures.
type ChangePasswordFailureKind int

const (
	ChangePasswordFailureNone ChangePasswordFailureKind = iota
	ChangePasswordFailureNotReady
	ChangePasswordFailureUserNotFound
	ChangePasswordFailureInvalidOld
	ChangePasswordFailureReuse
	ChangePasswordFailurePolicy
	ChangePasswordFailureHash
	ChangePasswordFailureUpdate
	ChangePasswordFailureLogout
)

// ChangePasswordResult carries the outcome of a password change.
type ChangePasswordResult struct {
	Failure ChangePasswordFailureKind
	Err     error
	User    UserRecord
	Logout  LogoutResult
}

// ChangePasswordDeps captures password-change dependencies.
type ChangePasswordDeps struct {
	GetUserByID    func(context.Context, string) (UserRecord, error)
	VerifyPassword func(password, encodedHash string) (bool, error)
	CheckPolicy    func(password, identifier string) error
	HashPassword   func(string) (string, error)
	// UpdatePassword stores the new hash and advances the account version.
	UpdatePassword func(ctx context.Context, userID, hash string) error
	Logout         LogoutDeps
}

// RunChangePassword verifies the current password, applies the policy to the
// new one, persists it and ends every session of the user.
func RunChangePassword(ctx context.Context, userID, oldPassword, newPassword string, deps ChangePasswordDeps) ChangePasswordResult {
	if deps.GetUserByID == nil || deps.VerifyPassword == nil || deps.HashPassword == nil || deps.UpdatePassword == nil {
		return ChangePasswordResult{Failure: ChangePasswordFailureNotReady}
	}

	user, err := deps.GetUserByID(ctx, userID)
	if err != nil {
		return ChangePasswordResult{Failure: ChangePasswordFailureUserNotFound, Err: err}
	}

	ok, err := deps.VerifyPassword(oldPassword, user.PasswordHash)
	if err != nil || !ok {
		return ChangePasswordResult{Failure: ChangePasswordFailureInvalidOld, Err: err, User: user}
	}

	if oldPassword == newPassword {
		return ChangePasswordResult{Failure: ChangePasswordFailureReuse, User: user}
	}
	if same, err := deps.VerifyPassword(newPassword, user.PasswordHash); err == nil && same {
		return ChangePasswordResult{Failure: ChangePasswordFailureReuse, User: user}
	}

	if deps.CheckPolicy != nil {
		if err := deps.CheckPolicy(newPassword, user.Username); err != nil {
			return ChangePasswordResult{Failure: ChangePasswordFailurePolicy, Err: err, User: user}
		}
	}

	hash, err := deps.HashPassword(newPassword)
	if err != nil {
		return ChangePasswordResult{Failure: ChangePasswordFailureHash, Err: err, User: user}
	}
	if err := deps.UpdatePassword(ctx, user.UserID, hash); err != nil {
		return ChangePasswordResult{Failure: ChangePasswordFailureUpdate, Err: err, User: user}
	}

	logout := RunLogoutAll(ctx, user.UserID, deps.Logout)
	if logout.Err != nil {
		return ChangePasswordResult{Failure: ChangePasswordFailureLogout, Err: logout.Err, User: user, Logout: logout}
	}
	return ChangePasswordResult{User: user, Logout: logout}
}
