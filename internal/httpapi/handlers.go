package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gmpsuite/gmpauth"
	"github.com/gmpsuite/gmpauth/middleware"
	"github.com/gmpsuite/gmpauth/password"
	"github.com/go-chi/chi/v5"
)

const readyProbeTimeout = 2 * time.Second

func (h *Handler) healthz(w http.ResponseWriter, _ *http.Request) {
	writeMessage(w, http.StatusOK, "ok")
}

func (h *Handler) readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readyProbeTimeout)
	defer cancel()
	health := h.engine.Health(ctx)
	if !health.RedisAvailable {
		h.logOperationError(r.Context(), "readyz", http.StatusServiceUnavailable, "NOT_READY", nil)
		writeError(w, http.StatusServiceUnavailable, "NOT_READY", "redis unavailable")
		return
	}
	writeMessage(w, http.StatusOK, "ready")
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (h *Handler) login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeValidationError(r.Context(), w, "login", err)
		return
	}
	if strings.TrimSpace(req.Username) == "" || req.Password == "" {
		h.writeValidationError(r.Context(), w, "login", errors.New("username and password are required"))
		return
	}

	pair, err := h.engine.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		h.writeMappedError(r.Context(), w, "login", err)
		return
	}
	writeSuccess(w, http.StatusOK, pair)
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

func (h *Handler) refresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeValidationError(r.Context(), w, "refresh", err)
		return
	}
	if req.RefreshToken == "" {
		h.writeValidationError(r.Context(), w, "refresh", errors.New("refresh_token is required"))
		return
	}

	pair, err := h.engine.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		h.writeMappedError(r.Context(), w, "refresh", err)
		return
	}
	writeSuccess(w, http.StatusOK, pair)
}

type validateRequest struct {
	Token string `json:"token"`
}

type validateResponse struct {
	Valid  bool            `json:"valid"`
	Claims *gmpauth.Claims `json:"claims,omitempty"`
	Reason string          `json:"reason,omitempty"`
}

// validate answers 200 for any well-formed request. A rejected token is
// reported as valid=false with the reason code.
func (h *Handler) validate(w http.ResponseWriter, r *http.Request) {
	var req validateRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeValidationError(r.Context(), w, "validate", err)
		return
	}

	claims, err := h.engine.ValidateAccess(r.Context(), req.Token)
	if err != nil {
		status, code, _ := mapError(err)
		if status >= 500 {
			h.logOperationError(r.Context(), "validate", status, code, err)
		}
		writeSuccess(w, http.StatusOK, validateResponse{Valid: false, Reason: code})
		return
	}
	writeSuccess(w, http.StatusOK, validateResponse{Valid: true, Claims: claims})
}

type checkPasswordRequest struct {
	Password string `json:"password"`
	Username string `json:"username"`
}

type checkPasswordResponse struct {
	Valid      bool                 `json:"valid"`
	Violations []password.Violation `json:"violations"`
}

func (h *Handler) checkPassword(w http.ResponseWriter, r *http.Request) {
	var req checkPasswordRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeValidationError(r.Context(), w, "check_password", err)
		return
	}

	resp := checkPasswordResponse{Valid: true, Violations: []password.Violation{}}
	if err := h.engine.CheckPassword(req.Password, req.Username); err != nil {
		var pe *password.PolicyError
		if !errors.As(err, &pe) {
			h.writeMappedError(r.Context(), w, "check_password", err)
			return
		}
		resp.Valid = false
		resp.Violations = pe.Violations
	}
	writeSuccess(w, http.StatusOK, resp)
}

func (h *Handler) logout(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.Logout(r.Context(), rawTokenFromContext(r.Context())); err != nil {
		h.writeMappedError(r.Context(), w, "logout", err)
		return
	}
	writeMessage(w, http.StatusOK, "logged out")
}

func (h *Handler) logoutAll(w http.ResponseWriter, r *http.Request) {
	claims, _ := middleware.ClaimsFromContext(r.Context())
	if err := h.engine.LogoutAll(r.Context(), claims.UserID); err != nil {
		h.writeMappedError(r.Context(), w, "logout_all", err)
		return
	}
	writeMessage(w, http.StatusOK, "all sessions ended")
}

func (h *Handler) me(w http.ResponseWriter, r *http.Request) {
	claims, _ := middleware.ClaimsFromContext(r.Context())
	writeSuccess(w, http.StatusOK, claims)
}

type changePasswordRequest struct {
	OldPassword string `json:"old_password"`
	NewPassword string `json:"new_password"`
}

func (h *Handler) changePassword(w http.ResponseWriter, r *http.Request) {
	var req changePasswordRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeValidationError(r.Context(), w, "change_password", err)
		return
	}
	if req.OldPassword == "" || req.NewPassword == "" {
		h.writeValidationError(r.Context(), w, "change_password", errors.New("old_password and new_password are required"))
		return
	}

	claims, _ := middleware.ClaimsFromContext(r.Context())
	if err := h.engine.ChangePassword(r.Context(), claims.UserID, req.OldPassword, req.NewPassword); err != nil {
		h.writeMappedError(r.Context(), w, "change_password", err)
		return
	}
	writeMessage(w, http.StatusOK, "password changed; sign in again")
}

type revokeRequest struct {
	TokenID   string    `json:"token_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (h *Handler) revoke(w http.ResponseWriter, r *http.Request) {
	var req revokeRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeValidationError(r.Context(), w, "revoke", err)
		return
	}
	if strings.TrimSpace(req.TokenID) == "" || req.ExpiresAt.IsZero() {
		h.writeValidationError(r.Context(), w, "revoke", errors.New("token_id and expires_at are required"))
		return
	}

	if err := h.engine.RevokeTokenID(r.Context(), req.TokenID, req.ExpiresAt); err != nil {
		h.writeMappedError(r.Context(), w, "revoke", err)
		return
	}
	writeMessage(w, http.StatusOK, "token revoked")
}

func (h *Handler) userSummary(w http.ResponseWriter, r *http.Request) {
	if h.users == nil {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "resource not found")
		return
	}
	summary, err := h.users.Summary(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, gmpauth.ErrUserNotFound) {
			h.logOperationError(r.Context(), "user_summary", http.StatusNotFound, "NOT_FOUND", err)
			writeError(w, http.StatusNotFound, "NOT_FOUND", "user not found")
			return
		}
		h.writeMappedError(r.Context(), w, "user_summary", err)
		return
	}
	writeSuccess(w, http.StatusOK, summary)
}
