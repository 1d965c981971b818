package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/netip"
	"strings"

	"github.com/gmpsuite/gmpauth"
	"go.uber.org/zap"
)

type apiError struct {
	Status  string `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeSuccess(w http.ResponseWriter, statusCode int, data any) {
	writeJSON(w, statusCode, map[string]any{
		"status": "success",
		"data":   data,
	})
}

func writeMessage(w http.ResponseWriter, statusCode int, message string) {
	writeJSON(w, statusCode, map[string]any{
		"status":  "success",
		"message": message,
	})
}

func writeError(w http.ResponseWriter, statusCode int, code, message string) {
	writeJSON(w, statusCode, apiError{
		Status:  "error",
		Code:    code,
		Message: message,
	})
}

// mapError turns engine errors into a status, a stable code and a message
// safe to show callers.
func mapError(err error) (int, string, string) {
	switch {
	case errors.Is(err, gmpauth.ErrRevocationUnavailable), errors.Is(err, gmpauth.ErrEngineNotReady):
		return http.StatusServiceUnavailable, "SERVICE_UNAVAILABLE", "authentication backend unavailable"
	case errors.Is(err, gmpauth.ErrInvalidCredentials), errors.Is(err, gmpauth.ErrUserNotFound):
		return http.StatusUnauthorized, "INVALID_CREDENTIALS", "invalid username or password"
	case errors.Is(err, gmpauth.ErrAccountLocked):
		return http.StatusLocked, "ACCOUNT_LOCKED", "account locked"
	case errors.Is(err, gmpauth.ErrAccountDisabled):
		return http.StatusForbidden, "ACCOUNT_DISABLED", "account disabled"
	case errors.Is(err, gmpauth.ErrPasswordExpired):
		return http.StatusForbidden, "PASSWORD_EXPIRED", "password expired"
	case errors.Is(err, gmpauth.ErrLoginRateLimited), errors.Is(err, gmpauth.ErrRefreshRateLimited):
		return http.StatusTooManyRequests, "RATE_LIMITED", "too many requests"
	case errors.Is(err, gmpauth.ErrRefreshReuse):
		return http.StatusUnauthorized, "REFRESH_REUSE", "refresh token reuse detected; session ended"
	case errors.Is(err, gmpauth.ErrRefreshInvalid), errors.Is(err, gmpauth.ErrSessionNotFound):
		return http.StatusUnauthorized, "INVALID_REFRESH_TOKEN", "invalid or expired session"
	case errors.Is(err, gmpauth.ErrTokenExpired):
		return http.StatusUnauthorized, "TOKEN_EXPIRED", "token expired"
	case errors.Is(err, gmpauth.ErrTokenRevoked):
		return http.StatusUnauthorized, "TOKEN_REVOKED", "token revoked"
	case errors.Is(err, gmpauth.ErrTokenInvalid), errors.Is(err, gmpauth.ErrTokenClockSkew), errors.Is(err, gmpauth.ErrUnauthorized):
		return http.StatusUnauthorized, "UNAUTHORIZED", "invalid or missing credentials"
	case errors.Is(err, gmpauth.ErrPasswordPolicy):
		return http.StatusUnprocessableEntity, "PASSWORD_POLICY", strings.TrimPrefix(err.Error(), gmpauth.ErrPasswordPolicy.Error()+": ")
	case errors.Is(err, gmpauth.ErrPasswordReuse):
		return http.StatusUnprocessableEntity, "PASSWORD_REUSE", err.Error()
	case errors.Is(err, gmpauth.ErrPermissionDenied):
		return http.StatusForbidden, "FORBIDDEN", "permission denied"
	default:
		return http.StatusInternalServerError, "INTERNAL_ERROR", "internal server error"
	}
}

func decodeBody(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, 64<<10))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return errors.New("request body must contain a single JSON value")
	}
	return nil
}

// clientIP returns the socket peer unless it is a trusted proxy. Behind
// trusted proxies X-Forwarded-For is walked from the right and the first hop
// that is not itself a trusted proxy is the client.
func (h *Handler) clientIP(r *http.Request) string {
	client := remoteHost(r.RemoteAddr)
	if !h.trustedProxy(client) {
		return client
	}
	hops := strings.Split(r.Header.Get("X-Forwarded-For"), ",")
	for i := len(hops) - 1; i >= 0; i-- {
		hop := strings.TrimSpace(hops[i])
		if hop == "" {
			continue
		}
		if _, err := netip.ParseAddr(hop); err != nil {
			return client
		}
		client = hop
		if !h.trustedProxy(hop) {
			return client
		}
	}
	return client
}

func (h *Handler) trustedProxy(ip string) bool {
	if len(h.proxies) == 0 {
		return false
	}
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, p := range h.proxies {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

func remoteHost(remoteAddr string) string {
	host, _, err := net.SplitHostPort(strings.TrimSpace(remoteAddr))
	if err != nil {
		return strings.TrimSpace(remoteAddr)
	}
	return host
}

func (h *Handler) logOperationError(ctx context.Context, operation string, statusCode int, code string, err error) {
	fields := []zap.Field{
		zap.String("operation", operation),
		zap.String("outcome", "failure"),
		zap.Int("status_code", statusCode),
		zap.String("error_code", code),
		zap.String("request_id", requestIDFromContext(ctx)),
	}
	if err != nil {
		fields = append(fields, zap.Error(err))
	}
	if statusCode >= 500 {
		h.log.Error("http operation failed", fields...)
		return
	}
	h.log.Warn("http operation failed", fields...)
}

func (h *Handler) writeMappedError(ctx context.Context, w http.ResponseWriter, operation string, err error) {
	status, code, msg := mapError(err)
	h.logOperationError(ctx, operation, status, code, err)
	writeError(w, status, code, msg)
}

func (h *Handler) writeValidationError(ctx context.Context, w http.ResponseWriter, operation string, err error) {
	h.logOperationError(ctx, operation, http.StatusBadRequest, "VALIDATION_ERROR", err)
	writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
}
