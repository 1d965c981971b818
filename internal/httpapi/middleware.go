package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gmpsuite/gmpauth"
	"github.com/gmpsuite/gmpauth/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type ctxKey string

const (
	ctxKeyRequestID ctxKey = "request_id"
	ctxKeyTokenRaw  ctxKey = "token_raw"
)

func (h *Handler) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-Id")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", reqID)
		ctx := context.WithValue(r.Context(), ctxKeyRequestID, reqID)
		ctx = gmpauth.WithCorrelationID(ctx, reqID)
		ctx = gmpauth.WithClientIP(ctx, h.clientIP(r))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (h *Handler) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				h.log.Error("panic recovered",
					zap.String("operation", "http_panic_recovery"),
					zap.String("outcome", "failure"),
					zap.String("request_id", requestIDFromContext(r.Context())),
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.Any("panic", rec),
				)
				writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
	bytes      int
}

func (r *statusRecorder) WriteHeader(statusCode int) {
	r.statusCode = statusCode
	r.ResponseWriter.WriteHeader(statusCode)
}

func (r *statusRecorder) Write(payload []byte) (int, error) {
	if r.statusCode == 0 {
		r.statusCode = http.StatusOK
	}
	n, err := r.ResponseWriter.Write(payload)
	r.bytes += n
	return n, err
}

func (h *Handler) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(recorder, r)

		statusCode := recorder.statusCode
		if statusCode == 0 {
			statusCode = http.StatusOK
		}
		outcome := "success"
		if statusCode >= 400 {
			outcome = "failure"
		}

		fields := []zap.Field{
			zap.String("operation", "http_request"),
			zap.String("outcome", outcome),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status_code", statusCode),
			zap.Int("bytes", recorder.bytes),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			zap.String("request_id", requestIDFromContext(r.Context())),
		}
		switch {
		case statusCode >= 500:
			h.log.Error("http request completed", fields...)
		case statusCode >= 400:
			h.log.Warn("http request completed", fields...)
		default:
			h.log.Info("http request completed", fields...)
		}
	})
}

// authMiddleware validates the bearer token in the engine's default mode and
// stores the claims for handlers.
func (h *Handler) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, ok := middleware.BearerToken(r.Header.Get("Authorization"))
		if !ok {
			h.logOperationError(r.Context(), "authenticate", http.StatusUnauthorized, "UNAUTHORIZED", nil)
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing bearer token")
			return
		}

		claims, err := h.engine.ValidateAccess(r.Context(), raw)
		if err != nil {
			h.writeMappedError(r.Context(), w, "authenticate", err)
			return
		}

		ctx := middleware.WithClaims(r.Context(), claims)
		ctx = context.WithValue(ctx, ctxKeyTokenRaw, raw)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (h *Handler) requirePermission(perm string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, _ := middleware.ClaimsFromContext(r.Context())
			if !h.engine.HasPermission(claims, perm) {
				h.writeMappedError(r.Context(), w, "authorize", gmpauth.ErrPermissionDenied)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func requestIDFromContext(ctx context.Context) string {
	v, _ := ctx.Value(ctxKeyRequestID).(string)
	return v
}

func rawTokenFromContext(ctx context.Context) string {
	v, _ := ctx.Value(ctxKeyTokenRaw).(string)
	return v
}
