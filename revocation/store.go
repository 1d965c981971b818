package revocation

import (
	"context"
	"errors"
	"strings"
	"time"
)

var (
	// ErrInvalidTokenID is returned when a revocation targets an empty token ID.
	ErrInvalidTokenID = errors.New("revocation: invalid token id")
	// ErrUnavailable wraps backend failures. Callers treat it as "cannot prove
	// the token is live" and reject the request.
	ErrUnavailable = errors.New("revocation: store unavailable")
)

// Store is the revocation list.
type Store interface {
	// Revoke records tokenID as revoked until expiresAt. A token that has
	// already expired needs no entry and Revoke returns nil.
	Revoke(ctx context.Context, tokenID string, expiresAt time.Time) error
	// IsRevoked reports whether tokenID is on the list.
	IsRevoked(ctx context.Context, tokenID string) (bool, error)
}

func normalizeID(tokenID string) (string, error) {
	id := strings.TrimSpace(tokenID)
	if id == "" {
		return "", ErrInvalidTokenID
	}
	return id, nil
}
