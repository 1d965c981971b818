package gmpauth

import (
	"context"
	"time"

	"github.com/gmpsuite/gmpauth/mcp"
	"go.uber.org/zap"
)

// Notification types published by the engine. All sit under "auth." so the
// default topology routes them to auth.events and audit.trail.
const (
	NotifyUserLogin          = "auth.user.login"
	NotifyUserLogout         = "auth.user.logout"
	NotifyUserLocked         = "auth.user.locked"
	NotifyPasswordChanged    = "auth.user.password_changed"
	NotifySessionReuseDetect = "auth.session.reuse_detected"
	NotifyTokenRevoked       = "auth.token.revoked"
	notifyPublishTimeout     = 3 * time.Second
)

// LoginNotice is the payload of auth.user.login.
type LoginNotice struct {
	UserID    string `json:"user_id"`
	Username  string `json:"username"`
	Site      string `json:"site,omitempty"`
	SessionID string `json:"session_id"`
	IP        string `json:"ip,omitempty"`
}

// SessionNotice is the payload of logout and reuse notifications.
type SessionNotice struct {
	UserID        string   `json:"user_id"`
	SessionID     string   `json:"session_id,omitempty"`
	Sessions      int      `json:"sessions,omitempty"`
	RevokedTokens []string `json:"revoked_tokens,omitempty"`
	Reason        string   `json:"reason,omitempty"`
}

// AccountNotice is the payload of lock and password-change notifications.
type AccountNotice struct {
	UserID   string `json:"user_id"`
	Username string `json:"username,omitempty"`
	Site     string `json:"site,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// TokenNotice is the payload of auth.token.revoked.
type TokenNotice struct {
	TokenID   string    `json:"token_id"`
	UserID    string    `json:"user_id,omitempty"`
	ExpiresAt time.Time `json:"expires_at"`
}

// notify publishes best effort. The request has already succeeded or failed
// on its own terms, so publish errors are only logged and counted.
func (e *Engine) notify(ctx context.Context, typ, subject string, payload any) {
	if e == nil || e.notifier == nil || !e.config.Notify.Enabled {
		return
	}

	n, err := mcp.NewNotification(typ, e.config.Notify.Source, subject, payload)
	if err != nil {
		e.metricInc(MetricNotifyFailed)
		e.logger.Warn("gmpauth: notification build failed", zap.String("type", typ), zap.Error(err))
		return
	}
	n.CorrelationID = correlationIDFromContext(ctx)

	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), notifyPublishTimeout)
	defer cancel()
	if err := e.notifier.Publish(pubCtx, n); err != nil {
		e.metricInc(MetricNotifyFailed)
		e.logger.Warn("gmpauth: notification publish failed",
			zap.String("type", typ),
			zap.String("notification_id", n.ID),
			zap.Error(err),
		)
		return
	}
	e.metricInc(MetricNotifyPublished)
}
