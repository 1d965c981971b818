package svcclient

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuthClientValidateToken(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/v1/auth/validate", r.URL.Path)
		var body struct {
			Token string `json:"token"`
		}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		if body.Token != "good" {
			writeEnvelope(w, http.StatusOK, map[string]any{"valid": false, "reason": "token revoked"})
			return
		}
		writeEnvelope(w, http.StatusOK, map[string]any{
			"valid": true,
			"claims": map[string]any{
				"user_id":     "u-100",
				"username":    "qa.lead",
				"site":        "basel",
				"roles":       []string{"QA_MANAGER"},
				"permissions": []string{"capa.approve"},
				"token_id":    "jti-1",
				"expires_at":  time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
			},
		})
	}), BreakerConfig{})
	auth := NewAuthClient(c)

	v, err := auth.ValidateToken(context.Background(), "good")
	require.NoError(t, err)
	assert.True(t, v.Valid)
	assert.False(t, v.Degraded)
	assert.Equal(t, "u-100", v.UserID)
	assert.Equal(t, "basel", v.Site)
	assert.True(t, v.HasPermission("capa.approve"))
	assert.False(t, v.HasPermission("user.manage"))

	v, err = auth.ValidateToken(context.Background(), "bad")
	require.NoError(t, err)
	assert.False(t, v.Valid)
	assert.Equal(t, "token revoked", v.Reason)
	assert.Empty(t, v.UserID)
}

func TestAuthClientDegradesWhenUnavailable(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, http.StatusInternalServerError, nil)
	}), BreakerConfig{})
	auth := NewAuthClient(c)

	v, err := auth.ValidateToken(context.Background(), "good")
	require.NoError(t, err)
	assert.False(t, v.Valid)
	assert.True(t, v.Degraded)
	assert.False(t, v.HasPermission("capa.approve"))

	s, err := auth.UserSummary(context.Background(), "u-100")
	require.NoError(t, err)
	assert.Equal(t, "u-100", s.UserID)
	assert.Equal(t, "Unknown user", s.DisplayName)
	assert.True(t, s.Degraded)
}

func TestAuthClientUserSummary(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/users/u-100/summary" {
			writeEnvelope(w, http.StatusNotFound, nil)
			return
		}
		writeEnvelope(w, http.StatusOK, map[string]any{"user_id": "u-100", "display_name": "qa.lead", "status": "active"})
	}), BreakerConfig{})
	auth := NewAuthClient(c)

	s, err := auth.UserSummary(context.Background(), "u-100")
	require.NoError(t, err)
	assert.Equal(t, "qa.lead", s.DisplayName)
	assert.False(t, s.Degraded)

	_, err = auth.UserSummary(context.Background(), "u-999")
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusNotFound, se.StatusCode)
}

func TestDocumentClient(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/documents/SOP-QA-001/status", r.URL.Path)
		writeEnvelope(w, http.StatusOK, map[string]any{"document_id": "SOP-QA-001", "version": "3.0", "status": DocumentEffective})
	}), BreakerConfig{})

	d, err := NewDocumentClient(c).DocumentStatus(context.Background(), "SOP-QA-001")
	require.NoError(t, err)
	assert.True(t, d.Effective())
	assert.Equal(t, "3.0", d.Version)
}

func TestDocumentClientDegrades(t *testing.T) {
	c, err := NewClient(Config{Service: "edms", BaseURL: "http://127.0.0.1:1", Timeout: 200 * time.Millisecond})
	require.NoError(t, err)

	d, err := NewDocumentClient(c).DocumentStatus(context.Background(), "SOP-QA-001")
	require.NoError(t, err)
	assert.Equal(t, DocumentUnknown, d.Status)
	assert.True(t, d.Degraded)
	assert.False(t, d.Effective())
}

func TestTrainingClient(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/training/qualifications", r.URL.Path)
		q := r.URL.Query()
		writeEnvelope(w, http.StatusOK, map[string]any{
			"user_id":   q.Get("user_id"),
			"sop_code":  q.Get("sop"),
			"qualified": q.Get("sop") == "SOP-QA-001",
		})
	}), BreakerConfig{})
	hr := NewTrainingClient(c)

	q, err := hr.IsQualified(context.Background(), "u-100", "SOP-QA-001")
	require.NoError(t, err)
	assert.True(t, q.Qualified)
	assert.Equal(t, "u-100", q.UserID)

	q, err = hr.IsQualified(context.Background(), "u-100", "SOP-LAB-7")
	require.NoError(t, err)
	assert.False(t, q.Qualified)
	assert.False(t, q.Degraded)
}

func TestTrainingClientDegradesWhenBreakerOpen(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, http.StatusBadGateway, nil)
	}), BreakerConfig{ConsecutiveFailures: 1, OpenTimeout: time.Minute})
	hr := NewTrainingClient(c)

	_, _ = hr.IsQualified(context.Background(), "u-100", "SOP-QA-001")
	require.Equal(t, "open", c.Breaker().State())

	q, err := hr.IsQualified(context.Background(), "u-100", "SOP-QA-001")
	require.NoError(t, err)
	assert.False(t, q.Qualified)
	assert.True(t, q.Degraded)
}
