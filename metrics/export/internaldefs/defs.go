package internaldefs

import (
	"github.com/gmpsuite/gmpauth"
)

// CounterDef names one engine counter for export.
type CounterDef struct {
	ID   gmpauth.MetricID
	Name string
	Help string
}

// HistogramDef names one engine histogram for export.
type HistogramDef struct {
	ID   gmpauth.MetricID
	Name string
	Help string
}

// CounterDefs lists every counter the engine keeps, in MetricID order.
var CounterDefs = []CounterDef{
	{ID: gmpauth.MetricLoginSuccess, Name: "gmpauth_login_success_total", Help: "Successful logins."},
	{ID: gmpauth.MetricLoginFailure, Name: "gmpauth_login_failure_total", Help: "Failed logins."},
	{ID: gmpauth.MetricLoginRateLimited, Name: "gmpauth_login_rate_limited_total", Help: "Logins rejected by the rate limiter."},
	{ID: gmpauth.MetricAccountLocked, Name: "gmpauth_account_locked_total", Help: "Accounts locked after repeated failures."},
	{ID: gmpauth.MetricRefreshSuccess, Name: "gmpauth_refresh_success_total", Help: "Successful refresh rotations."},
	{ID: gmpauth.MetricRefreshFailure, Name: "gmpauth_refresh_failure_total", Help: "Failed refresh attempts."},
	{ID: gmpauth.MetricRefreshReuseDetected, Name: "gmpauth_refresh_reuse_detected_total", Help: "Rotated-out refresh tokens presented again."},
	{ID: gmpauth.MetricReplayDetected, Name: "gmpauth_replay_detected_total", Help: "Replay anomalies recorded on sessions."},
	{ID: gmpauth.MetricRefreshRateLimited, Name: "gmpauth_refresh_rate_limited_total", Help: "Refreshes rejected by the rate limiter."},
	{ID: gmpauth.MetricTokenIssued, Name: "gmpauth_token_issued_total", Help: "Access tokens issued."},
	{ID: gmpauth.MetricValidateSuccess, Name: "gmpauth_validate_success_total", Help: "Access tokens accepted."},
	{ID: gmpauth.MetricValidateFailure, Name: "gmpauth_validate_failure_total", Help: "Access tokens rejected."},
	{ID: gmpauth.MetricTokenRevoked, Name: "gmpauth_token_revoked_total", Help: "Token IDs added to the revocation list."},
	{ID: gmpauth.MetricRevocationUnavailable, Name: "gmpauth_revocation_unavailable_total", Help: "Validations failed closed because the revocation list was unreachable."},
	{ID: gmpauth.MetricSessionCreated, Name: "gmpauth_session_created_total", Help: "Sessions created."},
	{ID: gmpauth.MetricSessionInvalidated, Name: "gmpauth_session_invalidated_total", Help: "Sessions ended."},
	{ID: gmpauth.MetricLogout, Name: "gmpauth_logout_total", Help: "Single-session logouts."},
	{ID: gmpauth.MetricLogoutAll, Name: "gmpauth_logout_all_total", Help: "Logout-all operations."},
	{ID: gmpauth.MetricPasswordChangeSuccess, Name: "gmpauth_password_change_success_total", Help: "Successful password changes."},
	{ID: gmpauth.MetricPasswordChangeInvalidOld, Name: "gmpauth_password_change_invalid_old_total", Help: "Password changes with a wrong current password."},
	{ID: gmpauth.MetricPasswordChangeReuseRejected, Name: "gmpauth_password_change_reuse_rejected_total", Help: "Password changes rejected for reuse."},
	{ID: gmpauth.MetricPasswordPolicyRejected, Name: "gmpauth_password_policy_rejected_total", Help: "Password changes rejected by the policy."},
	{ID: gmpauth.MetricNotifyPublished, Name: "gmpauth_notify_published_total", Help: "MCP notifications published."},
	{ID: gmpauth.MetricNotifyFailed, Name: "gmpauth_notify_failed_total", Help: "MCP notifications that could not be published."},
}

// HistogramDefs lists the histogram-backed metrics.
var HistogramDefs = []HistogramDef{
	{ID: gmpauth.MetricValidateLatency, Name: "gmpauth_validate_latency_seconds", Help: "Access-token validation latency."},
}

// HistogramBounds are the bucket upper bounds in seconds, as rendered in
// the le label.
var HistogramBounds = []string{
	"0.005",
	"0.01",
	"0.025",
	"0.05",
	"0.1",
	"0.25",
	"0.5",
	"+Inf",
}

// HistogramBoundSuffix is HistogramBounds made safe for metric names.
var HistogramBoundSuffix = []string{
	"0_005",
	"0_01",
	"0_025",
	"0_05",
	"0_1",
	"0_25",
	"0_5",
	"inf",
}

// NormalizeBuckets pads or truncates raw to the fixed bucket count.
func NormalizeBuckets(raw []uint64) [gmpauth.HistogramBucketCount]uint64 {
	var out [gmpauth.HistogramBucketCount]uint64
	for i := 0; i < len(out) && i < len(raw); i++ {
		out[i] = raw[i]
	}
	return out
}

// CumulativeBuckets turns per-bucket counts into running totals.
func CumulativeBuckets(raw [gmpauth.HistogramBucketCount]uint64) [gmpauth.HistogramBucketCount]uint64 {
	var out [gmpauth.HistogramBucketCount]uint64
	var running uint64
	for i := 0; i < len(raw); i++ {
		running += raw[i]
		out[i] = running
	}
	return out
}
