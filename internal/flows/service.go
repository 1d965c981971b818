package flows

import (
	"context"
)

// Service is the centralized flow runner built once by the root engine.
type Service struct {
	deps Deps
}

// New returns a flow service with immutable dependency wiring.
func New(deps Deps) Service {
	return Service{deps: deps}
}

// Initialized reports whether the service has been wired with flow deps.
func (s Service) Initialized() bool {
	return s.deps.Validate.ParseAccess != nil && s.deps.Issue.SignAccess != nil
}

func (s Service) Issue(ctx context.Context, user UserRecord) IssueResult {
	return RunIssue(ctx, user, s.deps.Issue)
}

func (s Service) Login(ctx context.Context, username, password string) LoginResult {
	return RunLogin(ctx, username, password, s.deps.Login)
}

func (s Service) Refresh(ctx context.Context, refreshToken string) RefreshResult {
	return RunRefresh(ctx, refreshToken, s.deps.Refresh)
}

func (s Service) Validate(ctx context.Context, tokenStr string, routeMode int) ValidateResult {
	return RunValidate(ctx, tokenStr, routeMode, s.deps.Validate)
}

func (s Service) LogoutByAccessToken(ctx context.Context, tokenStr string) LogoutResult {
	return RunLogoutByAccessToken(ctx, tokenStr, s.deps.Logout)
}

func (s Service) LogoutSession(ctx context.Context, sessionID string) LogoutResult {
	return RunLogoutSession(ctx, sessionID, s.deps.Logout)
}

func (s Service) LogoutAll(ctx context.Context, userID string) LogoutResult {
	return RunLogoutAll(ctx, userID, s.deps.Logout)
}

func (s Service) ChangePassword(ctx context.Context, userID, oldPassword, newPassword string) ChangePasswordResult {
	return RunChangePassword(ctx, userID, oldPassword, newPassword, s.deps.ChangePassword)
}
