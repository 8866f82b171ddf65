package secplane

// Event type constants for security audit logging.
// These constants ensure consistency across the codebase and prevent typos
// when logging security-relevant events.
const (
	// Token lifecycle events

	// EventTokenIssued is logged when a new token pair is issued
	EventTokenIssued = "token_issued"

	// EventTokenRefreshed is logged when a refresh token is rotated into a new pair
	EventTokenRefreshed = "token_refreshed"

	// EventTokenRevoked is logged when a token is revoked
	EventTokenRevoked = "token_revoked"

	// Security violation events

	// EventAuthFailure is logged when token verification fails
	EventAuthFailure = "auth_failure"

	// EventRateLimitExceeded is logged when a rate limit denies a request
	EventRateLimitExceeded = "rate_limit_exceeded"

	// EventCsrfRejected is logged when CSRF verification fails
	EventCsrfRejected = "csrf_rejected"

	// EventFingerprintMismatch is logged when a token's client fingerprint
	// does not match the presenting client (soft failure)
	EventFingerprintMismatch = "fingerprint_mismatch"

	// EventSlowRampDetected is logged when the anomaly detector observes a
	// sustained gradual increase in request volume
	EventSlowRampDetected = "slow_ramp_detected"

	// Operational events

	// EventStoreUnavailable is logged when a shared backend call fails and
	// the component degrades to local-only behavior
	EventStoreUnavailable = "store_unavailable"
)
