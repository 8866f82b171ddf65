package secplane

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/perimeterlabs/secplane/anomaly"
	"github.com/perimeterlabs/secplane/instrumentation"
	"github.com/perimeterlabs/secplane/ratelimit"
	"github.com/perimeterlabs/secplane/storage"
)

const (
	// minSecretLength is the minimum master secret size. Component keys
	// are derived from this secret, so it must carry real entropy.
	minSecretLength = 32

	// DefaultSharedTimeout bounds every call to a shared backend so a
	// request never hangs on the security plane.
	DefaultSharedTimeout = 250 * time.Millisecond
)

// Config holds security plane configuration. Secret, Issuer and Audience
// are required; everything else has production defaults.
type Config struct {
	// Secret is the master secret. Distinct access-token, refresh-token
	// and CSRF keys are derived from it, so compromising one derived key
	// does not expose the others. Sourced from a secret manager, never
	// hardcoded.
	Secret []byte

	// Issuer and Audience are embedded in and required of every token.
	Issuer   string
	Audience string

	// Token lifetimes. Zero selects the defaults (15m access, 7d refresh).
	AccessTTL  time.Duration
	RefreshTTL time.Duration

	// RevocationMaxSize caps the local revocation store; RevocationSweepInterval
	// is how often expired entries are removed.
	RevocationMaxSize       int
	RevocationSweepInterval time.Duration

	// Policies are the named rate limit policies. Empty selects
	// ratelimit.DefaultPolicies().
	Policies []ratelimit.Policy

	// RateLimitMaxEntries caps the limiter's local fallback map.
	RateLimitMaxEntries int

	// CsrfExemptPaths are path prefixes exempt from CSRF verification.
	CsrfExemptPaths []string

	// AnomalyWindows overrides the detection windows; AnomalyLearningSamples
	// overrides how many samples are collected before detection activates.
	AnomalyWindows         []anomaly.Window
	AnomalyLearningSamples int

	// OnAnomalyAlert is invoked for every slow-ramp alert, after the audit
	// log entry is written. Optional; used to forward alerts to an external
	// alerting or SIEM pipeline.
	OnAnomalyAlert func(anomaly.Alert)

	// TrustProxy enables client IP extraction from X-Forwarded-For /
	// X-Real-IP; TrustedProxyCount is how many proxies to trust from the
	// right of the chain.
	TrustProxy        bool
	TrustedProxyCount int

	// Insecure drops Secure cookie attributes and HSTS for plain-HTTP
	// development setups.
	Insecure bool

	// SharedCounters and SharedRevocations attach external backends so
	// that replicas enforce combined limits and see each other's
	// revocations. Both optional; the plane is fully functional
	// process-local.
	SharedCounters    storage.Counters
	SharedRevocations storage.Revocations

	// SharedTimeout bounds each shared backend call.
	SharedTimeout time.Duration

	// AuditEnabled turns on structured security event logging.
	AuditEnabled bool

	Logger *slog.Logger

	// Instrumentation configures OpenTelemetry metrics and traces.
	Instrumentation instrumentation.Config
}

// Validate checks required fields and fills defaults.
func (c *Config) Validate() error {
	if len(c.Secret) < minSecretLength {
		return fmt.Errorf("secplane: secret must be at least %d bytes", minSecretLength)
	}
	if c.Issuer == "" {
		return fmt.Errorf("secplane: issuer is required")
	}
	if c.Audience == "" {
		return fmt.Errorf("secplane: audience is required")
	}
	if len(c.Policies) == 0 {
		c.Policies = ratelimit.DefaultPolicies()
	}
	if c.SharedTimeout <= 0 {
		c.SharedTimeout = DefaultSharedTimeout
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return nil
}
