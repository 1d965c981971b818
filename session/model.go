package session

import "time"

// Session status values.
const (
	StatusActive uint8 = iota
	StatusDisabled
	StatusLocked
	StatusPasswordExpired
)

// Session is the server-side half of a refresh token.
type Session struct {
	SessionID string
	UserID    string
	Username  string
	Site      string

	Roles []string
	// Mask is the encoded permission mask at issue time.
	Mask []byte

	AccountVersion uint32
	Status         uint8
	RefreshHash    [32]byte

	// AccessJTI and AccessExpiresAt identify the access token currently
	// outstanding for this session.
	AccessJTI       string
	AccessExpiresAt int64

	CreatedAt int64
	ExpiresAt int64

	// Set by Rotate only, never persisted.
	ReplacedAccessJTI       string
	ReplacedAccessExpiresAt int64
}

// AccessExpiry returns AccessExpiresAt as a time.Time.
func (s *Session) AccessExpiry() time.Time {
	if s == nil || s.AccessExpiresAt == 0 {
		return time.Time{}
	}
	return time.Unix(s.AccessExpiresAt, 0)
}

// ReplacedAccessExpiry returns ReplacedAccessExpiresAt as a time.Time.
func (s *Session) ReplacedAccessExpiry() time.Time {
	if s == nil || s.ReplacedAccessExpiresAt == 0 {
		return time.Time{}
	}
	return time.Unix(s.ReplacedAccessExpiresAt, 0)
}
