package gmpauth

import (
	"context"
	"time"

	internalaudit "github.com/gmpsuite/gmpauth/internal/audit"
	"github.com/gmpsuite/gmpauth/permission"
	"github.com/gmpsuite/gmpauth/session"
)

// AccountStatus represents the lifecycle state of a user account. The values
// are shared with the session record so strict validation can read them.
type AccountStatus uint8

const (
	AccountActive          AccountStatus = AccountStatus(session.StatusActive)
	AccountDisabled        AccountStatus = AccountStatus(session.StatusDisabled)
	AccountLocked          AccountStatus = AccountStatus(session.StatusLocked)
	AccountPasswordExpired AccountStatus = AccountStatus(session.StatusPasswordExpired)
)

func (s AccountStatus) String() string {
	switch s {
	case AccountActive:
		return "active"
	case AccountDisabled:
		return "disabled"
	case AccountLocked:
		return "locked"
	case AccountPasswordExpired:
		return "password_expired"
	default:
		return "unknown"
	}
}

// UserRecord is the account record returned by a UserProvider.
type UserRecord struct {
	UserID            string
	Username          string
	Site              string
	PasswordHash      string
	Roles             []string
	Status            AccountStatus
	AccountVersion    uint32
	PasswordChangedAt time.Time
}

// UserProvider is implemented by the user directory the engine authenticates
// against. Lookups return an error matching ErrUserNotFound for unknown users.
type UserProvider interface {
	GetUserByUsername(ctx context.Context, username string) (UserRecord, error)
	GetUserByID(ctx context.Context, userID string) (UserRecord, error)
	// UpdatePasswordHash rewrites the stored hash without touching the
	// account version. Used for parameter upgrades on login.
	UpdatePasswordHash(ctx context.Context, userID, hash string) error
	// ReplacePassword stores a new hash, stamps PasswordChangedAt and
	// advances AccountVersion.
	ReplacePassword(ctx context.Context, userID, hash string) error
	UpdateAccountStatus(ctx context.Context, userID string, status AccountStatus) error
}

// TokenPair is returned by Login, IssueTokens and Refresh.
type TokenPair struct {
	AccessToken      string    `json:"access_token"`
	RefreshToken     string    `json:"refresh_token"`
	TokenType        string    `json:"token_type"`
	ExpiresAt        time.Time `json:"expires_at"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
	SessionID        string    `json:"session_id"`
	TokenID          string    `json:"token_id"`
}

// Claims is the validated view of an access token.
type Claims struct {
	UserID         string            `json:"user_id"`
	Username       string            `json:"username,omitempty"`
	Site           string            `json:"site,omitempty"`
	Roles          []string          `json:"roles,omitempty"`
	Permissions    []string          `json:"permissions,omitempty"`
	Mask           permission.Mask64 `json:"-"`
	TokenID        string            `json:"token_id"`
	SessionID      string            `json:"session_id"`
	AccountVersion uint32            `json:"account_version,omitempty"`
	IssuedAt       time.Time         `json:"issued_at"`
	ExpiresAt      time.Time         `json:"expires_at"`
}

// HealthStatus reports backend reachability.
type HealthStatus struct {
	RedisAvailable bool
	RedisLatency   time.Duration
}

type (
	// AuditEvent is one security-relevant record handed to the audit sink.
	AuditEvent = internalaudit.Event
	// AuditSink receives audit events from the dispatcher goroutine.
	AuditSink = internalaudit.Sink
	// AuditSinkFunc adapts a function to AuditSink.
	AuditSinkFunc = internalaudit.SinkFunc
)

// NewZapAuditSink writes audit events as structured zap entries.
var NewZapAuditSink = internalaudit.NewZapSink

// NewJSONAuditSink writes one JSON document per event to w.
var NewJSONAuditSink = internalaudit.NewJSONWriterSink

// NewChannelAuditSink exposes events on a buffered channel.
var NewChannelAuditSink = internalaudit.NewChannelSink
