package internaldefs

import (
	"github.com/emileswarts/hmppsauth"
)

// Def names one exported metric.
type Def struct {
	ID   hmppsauth.MetricID
	Name string
	Help string
}

// Counters lists every engine counter in export order.
var Counters = []Def{
	{hmppsauth.MetricAuthSuccess, "hmppsauth_authenticate_success_total", "Authentication attempts that ended Authenticated."},
	{hmppsauth.MetricAuthFailure, "hmppsauth_authenticate_failure_total", "Authentication attempts that ended AuthenticationFailed."},
	{hmppsauth.MetricAuthMissingCredentials, "hmppsauth_authenticate_missing_credentials_total", "Authentication attempts without a username or password."},
	{hmppsauth.MetricAuthBackendUnavailable, "hmppsauth_authenticate_backend_unavailable_total", "Authentication attempts aborted by a backend or ledger error."},
	{hmppsauth.MetricAccountLocked, "hmppsauth_account_locked_total", "Attempts refused because the account was locked or disabled."},
	{hmppsauth.MetricAccountLockout, "hmppsauth_account_lockout_total", "Accounts locked by reaching the failure threshold."},
	{hmppsauth.MetricAccountUnlocked, "hmppsauth_account_unlocked_total", "Accounts unlocked by an administrator."},
	{hmppsauth.MetricMFARequired, "hmppsauth_mfa_required_total", "Attempts that need a second factor."},
	{hmppsauth.MetricMFAUnavailable, "hmppsauth_mfa_unavailable_total", "Attempts that need a second factor the user cannot receive."},
	{hmppsauth.MetricMFAChallengeIssued, "hmppsauth_mfa_challenge_issued_total", "MFA challenges issued."},
	{hmppsauth.MetricMFACodeVerified, "hmppsauth_mfa_code_verified_total", "MFA codes accepted."},
	{hmppsauth.MetricMFACodeRejected, "hmppsauth_mfa_code_rejected_total", "MFA codes rejected."},
	{hmppsauth.MetricTokenCreated, "hmppsauth_token_created_total", "Verification tokens issued."},
	{hmppsauth.MetricTokenReused, "hmppsauth_token_reused_total", "Token requests answered with an existing live token."},
	{hmppsauth.MetricTokenConsumed, "hmppsauth_token_consumed_total", "Verification tokens consumed."},
	{hmppsauth.MetricTokenInvalid, "hmppsauth_token_invalid_total", "Token checks against unknown tokens."},
	{hmppsauth.MetricTokenExpired, "hmppsauth_token_expired_total", "Token checks against expired tokens."},
	{hmppsauth.MetricTokenWrongUser, "hmppsauth_token_wrong_user_total", "Token checks by someone other than the owner."},
	{hmppsauth.MetricPasswordResetRequest, "hmppsauth_password_reset_request_total", "Password reset requests."},
	{hmppsauth.MetricPasswordResetConfirm, "hmppsauth_password_reset_confirm_total", "Password resets completed."},
	{hmppsauth.MetricEmailVerificationRequest, "hmppsauth_email_verification_request_total", "Email verification links sent."},
	{hmppsauth.MetricEmailVerificationConfirm, "hmppsauth_email_verification_confirm_total", "Email addresses verified."},
	{hmppsauth.MetricAccountChangeRequest, "hmppsauth_account_change_request_total", "Account change links sent."},
	{hmppsauth.MetricAccountChangeConfirm, "hmppsauth_account_change_confirm_total", "Account changes confirmed."},
	{hmppsauth.MetricNotificationFailure, "hmppsauth_notification_failure_total", "Notifications the notifier failed to deliver."},
	{hmppsauth.MetricDiscoveryRequest, "hmppsauth_discovery_request_total", "Account discovery requests."},
	{hmppsauth.MetricDiscoveryBackendFailure, "hmppsauth_discovery_backend_failure_total", "Backends skipped during discovery."},
}

// Histograms lists every engine histogram.
var Histograms = []Def{
	{hmppsauth.MetricAuthenticateLatency, "hmppsauth_authenticate_latency_seconds", "Authenticate latency."},
}

// AuditDropped is exported alongside the engine metrics.
var AuditDropped = Def{Name: "hmppsauth_audit_dropped_total", Help: "Audit events dropped on a full buffer."}

// Bucket upper bounds, in seconds, matching the engine's millisecond buckets.
var (
	BucketBounds   = [BucketCount]string{"0.005", "0.01", "0.025", "0.05", "0.1", "0.25", "0.5", "+Inf"}
	BucketSuffixes = [BucketCount]string{"0_005", "0_01", "0_025", "0_05", "0_1", "0_25", "0_5", "inf"}
)

const BucketCount = 8

// Cumulative turns raw per-bucket counts into the running totals both
// exporters publish. Missing buckets count as zero and extra ones are ignored.
func Cumulative(raw []uint64) [BucketCount]uint64 {
	var out [BucketCount]uint64
	var running uint64
	for i := range out {
		if i < len(raw) {
			running += raw[i]
		}
		out[i] = running
	}
	return out
}
