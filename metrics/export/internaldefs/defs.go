package internaldefs

import (
	"github.com/MrEthical07/courseauth"
)

type CounterDef struct {
	ID   courseauth.MetricID
	Name string
	Help string
}

type HistogramDef struct {
	ID   courseauth.MetricID
	Name string
	Help string
}

// AuditDroppedName is exported alongside the engine counters.
const AuditDroppedName = "courseauth_audit_dropped_total"

var CounterDefs = []CounterDef{
	{ID: courseauth.MetricLoginSuccess, Name: "courseauth_login_success_total", Help: "Successful logins."},
	{ID: courseauth.MetricLoginFailure, Name: "courseauth_login_failure_total", Help: "Failed logins."},
	{ID: courseauth.MetricLoginRateLimited, Name: "courseauth_login_rate_limited_total", Help: "Logins rejected by the rate limiter."},
	{ID: courseauth.MetricRefreshSuccess, Name: "courseauth_refresh_success_total", Help: "Successful token refreshes."},
	{ID: courseauth.MetricRefreshFailure, Name: "courseauth_refresh_failure_total", Help: "Failed token refreshes."},
	{ID: courseauth.MetricRefreshReuseDetected, Name: "courseauth_refresh_reuse_detected_total", Help: "Refresh tokens presented after rotation."},
	{ID: courseauth.MetricRefreshRateLimited, Name: "courseauth_refresh_rate_limited_total", Help: "Refreshes rejected by the rate limiter."},
	{ID: courseauth.MetricSessionCreated, Name: "courseauth_session_created_total", Help: "Sessions created."},
	{ID: courseauth.MetricSessionInvalidated, Name: "courseauth_session_invalidated_total", Help: "Sessions invalidated."},
	{ID: courseauth.MetricLogout, Name: "courseauth_logout_total", Help: "Single-session logouts."},
	{ID: courseauth.MetricLogoutAll, Name: "courseauth_logout_all_total", Help: "Logout-all operations."},
	{ID: courseauth.MetricAuthSuccess, Name: "courseauth_auth_success_total", Help: "Requests authenticated."},
	{ID: courseauth.MetricAuthCredentialRejected, Name: "courseauth_auth_credential_rejected_total", Help: "Requests with a missing, invalid or expired credential."},
	{ID: courseauth.MetricAuthSessionNotFound, Name: "courseauth_auth_session_not_found_total", Help: "Requests whose session was revoked or expired."},
	{ID: courseauth.MetricAuthStoreUnavailable, Name: "courseauth_auth_store_unavailable_total", Help: "Authentications failed because the session store was unreachable."},
	{ID: courseauth.MetricRoleDenied, Name: "courseauth_role_denied_total", Help: "Requests denied by a role gate."},
	{ID: courseauth.MetricCourseAllowed, Name: "courseauth_course_allowed_total", Help: "Course permission checks that allowed the action."},
	{ID: courseauth.MetricCourseDenied, Name: "courseauth_course_denied_total", Help: "Course permission checks that denied the action."},
	{ID: courseauth.MetricCourseStoreUnavailable, Name: "courseauth_course_store_unavailable_total", Help: "Course permission checks failed on the permission store."},
	{ID: courseauth.MetricGrantChanged, Name: "courseauth_grant_changed_total", Help: "Teacher grants written or revoked."},
	{ID: courseauth.MetricPasswordChangeSuccess, Name: "courseauth_password_change_success_total", Help: "Successful password changes."},
	{ID: courseauth.MetricPasswordChangeFailure, Name: "courseauth_password_change_failure_total", Help: "Failed password changes."},
}

var HistogramDefs = []HistogramDef{
	{ID: courseauth.MetricAuthenticateLatency, Name: "courseauth_authenticate_latency_seconds", Help: "Request authentication latency."},
	{ID: courseauth.MetricAuthorizeLatency, Name: "courseauth_authorize_latency_seconds", Help: "Course permission check latency."},
}

// HistogramBounds are the bucket upper bounds in seconds. The last bucket is +Inf.
var HistogramBounds = [courseauth.HistogramBucketCount - 1]float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5}

// HistogramBoundSuffix names each bucket for exporters that need one instrument per bucket.
var HistogramBoundSuffix = [courseauth.HistogramBucketCount]string{
	"0_005", "0_01", "0_025", "0_05", "0_1", "0_25", "0_5", "inf",
}

// NormalizeBuckets copies raw into a fixed-size array, padding with zeros.
func NormalizeBuckets(raw []uint64) [courseauth.HistogramBucketCount]uint64 {
	var out [courseauth.HistogramBucketCount]uint64
	copy(out[:], raw)
	return out
}

func CumulativeBuckets(raw [courseauth.HistogramBucketCount]uint64) [courseauth.HistogramBucketCount]uint64 {
	var out [courseauth.HistogramBucketCount]uint64
	var running uint64
	for i, v := range raw {
		running += v
		out[i] = running
	}
	return out
}
