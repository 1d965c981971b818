package flows

import (
	"context"
	"errors"
	"time"

	"github.com/gmpsuite/gmpauth/jwt"
	"github.com/gmpsuite/gmpauth/session"
)

// UserRecord is the flow-local user model shared by login, issue and
// password-change flows.
type UserRecord struct {
	UserID            string
	Username          string
	Site              string
	PasswordHash      string
	Roles             []string
	Status            uint8
	AccountVersion    uint32
	PasswordChangedAt time.Time
}

// RoleGrant is what a set of role names resolves to at issue time.
type RoleGrant struct {
	Mask        []byte
	Permissions []string
	Privileged  bool
}

// IssueFailureKind classifies issue flow failures for root-level mapping.
type IssueFailureKind int

const (
	IssueFailureNone IssueFailureKind = iota
	IssueFailureSessionID
	IssueFailureSecret
	IssueFailureSign
	IssueFailureSave
	IssueFailureEncode
)

// IssueResult carries the issued pair and the session backing it.
type IssueResult struct {
	Failure      IssueFailureKind
	Err          error
	Session      *session.Session
	Claims       *jwt.AccessClaims
	AccessToken  string
	RefreshToken string
}

type IssueSessionStore interface {
	Save(ctx context.Context, sess *session.Session, ttl time.Duration) error
}

// IssueDeps captures token issuance dependencies.
type IssueDeps struct {
	Now                func() time.Time
	SessionLifetime    time.Duration
	NewSessionID       func() (string, error)
	NewRefreshSecret   func() ([32]byte, error)
	HashRefreshSecret  func([32]byte) [32]byte
	EncodeRefreshToken func(string, [32]byte) (string, error)
	ResolveRoles       func([]string) RoleGrant
	SignAccess         func(jwt.AccessInput) (string, *jwt.AccessClaims, error)
	SessionStore       IssueSessionStore
}

// RunIssue creates a session for user, signs an access token bound to it and
// returns both halves of the pair. The session records the access token's
// jti so a later rotation or logout can revoke it.
func RunIssue(ctx context.Context, user UserRecord, deps IssueDeps) IssueResult {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.SessionStore == nil || deps.SignAccess == nil {
		return IssueResult{Failure: IssueFailureSign, Err: errors.New("issue dependencies missing")}
	}

	sid, err := deps.NewSessionID()
	if err != nil {
		return IssueResult{Failure: IssueFailureSessionID, Err: err}
	}
	secret, err := deps.NewRefreshSecret()
	if err != nil {
		return IssueResult{Failure: IssueFailureSecret, Err: err}
	}

	var grant RoleGrant
	if deps.ResolveRoles != nil {
		grant = deps.ResolveRoles(user.Roles)
	}

	accountVersion := user.AccountVersion
	if accountVersion == 0 {
		accountVersion = 1
	}

	access, claims, err := deps.SignAccess(jwt.AccessInput{
		UserID:         user.UserID,
		Username:       user.Username,
		Site:           user.Site,
		SessionID:      sid,
		Roles:          user.Roles,
		Permissions:    grant.Permissions,
		Mask:           grant.Mask,
		AccountVersion: accountVersion,
		Privileged:     grant.Privileged,
	})
	if err != nil {
		return IssueResult{Failure: IssueFailureSign, Err: err}
	}

	now := deps.Now()
	sess := &session.Session{
		SessionID:       sid,
		UserID:          user.UserID,
		Username:        user.Username,
		Site:            user.Site,
		Roles:           user.Roles,
		Mask:            grant.Mask,
		AccountVersion:  accountVersion,
		Status:          user.Status,
		RefreshHash:     deps.HashRefreshSecret(secret),
		AccessJTI:       claims.ID,
		AccessExpiresAt: claims.ExpiresAtTime().Unix(),
		CreatedAt:       now.Unix(),
		ExpiresAt:       now.Add(deps.SessionLifetime).Unix(),
	}
	if err := deps.SessionStore.Save(ctx, sess, deps.SessionLifetime); err != nil {
		return IssueResult{Failure: IssueFailureSave, Err: err, Session: sess, Claims: claims}
	}

	refresh, err := deps.EncodeRefreshToken(sid, secret)
	if err != nil {
		return IssueResult{Failure: IssueFailureEncode, Err: err, Session: sess, Claims: claims}
	}

	return IssueResult{
		Session:      sess,
		Claims:       claims,
		AccessToken:  access,
		RefreshToken: refresh,
	}
}
