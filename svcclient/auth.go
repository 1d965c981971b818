package svcclient

import (
	"context"
	"net/http"
	"net/url"
	"time"
)

// TokenValidation is the auth-service verdict on an access token.
type TokenValidation struct {
	Valid       bool      `json:"valid"`
	UserID      string    `json:"user_id,omitempty"`
	Username    string    `json:"username,omitempty"`
	Site        string    `json:"site,omitempty"`
	Roles       []string  `json:"roles,omitempty"`
	Permissions []string  `json:"permissions,omitempty"`
	TokenID     string    `json:"token_id,omitempty"`
	ExpiresAt   time.Time `json:"expires_at,omitempty"`
	Reason      string    `json:"reason,omitempty"`
	Degraded    bool      `json:"degraded,omitempty"`
}

// HasPermission reports whether the validated token grants perm.
func (v TokenValidation) HasPermission(perm string) bool {
	if !v.Valid {
		return false
	}
	for _, p := range v.Permissions {
		if p == perm {
			return true
		}
	}
	return false
}

// UserSummary is the display view of a user.
type UserSummary struct {
	UserID      string   `json:"user_id"`
	Username    string   `json:"username,omitempty"`
	DisplayName string   `json:"display_name"`
	Site        string   `json:"site,omitempty"`
	Roles       []string `json:"roles,omitempty"`
	Status      string   `json:"status,omitempty"`
	Degraded    bool     `json:"degraded,omitempty"`
}

// AuthClient is how QMS, LIMS and EDMS talk to the auth-service.
type AuthClient struct {
	c *Client
}

func NewAuthClient(c *Client) *AuthClient {
	return &AuthClient{c: c}
}

type validateRequest struct {
	Token string `json:"token"`
}

type validateResponse struct {
	Valid  bool   `json:"valid"`
	Reason string `json:"reason,omitempty"`
	Claims *struct {
		UserID      string    `json:"user_id"`
		Username    string    `json:"username"`
		Site        string    `json:"site"`
		Roles       []string  `json:"roles"`
		Permissions []string  `json:"permissions"`
		TokenID     string    `json:"token_id"`
		ExpiresAt   time.Time `json:"expires_at"`
	} `json:"claims,omitempty"`
}

// ValidateToken asks the auth-service whether token is valid. When the
// service cannot answer the token is treated as invalid.
func (a *AuthClient) ValidateToken(ctx context.Context, token string) (TokenValidation, error) {
	return WithFallback(a.c.breaker, func() (TokenValidation, error) {
		var resp validateResponse
		if err := a.c.roundTrip(ctx, http.MethodPost, "/api/v1/auth/validate", validateRequest{Token: token}, &resp); err != nil {
			return TokenValidation{}, err
		}
		out := TokenValidation{Valid: resp.Valid, Reason: resp.Reason}
		if c := resp.Claims; c != nil && resp.Valid {
			out.UserID = c.UserID
			out.Username = c.Username
			out.Site = c.Site
			out.Roles = c.Roles
			out.Permissions = c.Permissions
			out.TokenID = c.TokenID
			out.ExpiresAt = c.ExpiresAt
		}
		return out, nil
	}, func(error) TokenValidation {
		return TokenValidation{Valid: false, Degraded: true, Reason: "auth-service unavailable"}
	})
}

// UserSummary fetches the display view of userID.
func (a *AuthClient) UserSummary(ctx context.Context, userID string) (UserSummary, error) {
	return WithFallback(a.c.breaker, func() (UserSummary, error) {
		var out UserSummary
		err := a.c.roundTrip(ctx, http.MethodGet, "/api/v1/users/"+url.PathEscape(userID)+"/summary", nil, &out)
		return out, err
	}, func(error) UserSummary {
		return UserSummary{UserID: userID, DisplayName: "Unknown user", Degraded: true}
	})
}
