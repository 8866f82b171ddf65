package instrumentation

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds all metric instruments for the security plane.
type Metrics struct {
	// HTTP layer
	HTTPRequestsTotal   metric.Int64Counter
	HTTPRequestDuration metric.Float64Histogram

	// Token lifecycle
	TokensIssued        metric.Int64Counter
	TokenVerifications  metric.Int64Counter
	TokensRefreshed     metric.Int64Counter
	TokensRevoked       metric.Int64Counter
	FingerprintMismatch metric.Int64Counter

	// Rate limiting
	RateLimitDecisions metric.Int64Counter
	RateLimitFailOpen  metric.Int64Counter

	// Shared store health
	StoreFallbacks metric.Int64Counter

	// CSRF
	CsrfRejected metric.Int64Counter

	// Anomaly detection
	AnomalySamples metric.Int64Counter
	AnomalyAlerts  metric.Int64Counter

	// Capacity gauges (observed via RegisterSizeCallbacks)
	RevocationEntries   metric.Int64ObservableGauge
	LocalCounterEntries metric.Int64ObservableGauge

	// Audit
	AuditEventsTotal metric.Int64Counter
}

// newMetrics creates and registers all metric instruments.
func newMetrics(inst *Instrumentation) (*Metrics, error) {
	m := &Metrics{}
	httpMeter := inst.Meter("http")
	tokenMeter := inst.Meter("token")
	limiterMeter := inst.Meter("ratelimit")
	securityMeter := inst.Meter("security")
	anomalyMeter := inst.Meter("anomaly")
	storageMeter := inst.Meter("storage")

	var err error
	m.HTTPRequestsTotal, err = httpMeter.Int64Counter(
		"secplane.http.requests.total",
		metric.WithDescription("Total number of requests processed by the security plane"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create http.requests.total counter: %w", err)
	}

	m.HTTPRequestDuration, err = httpMeter.Float64Histogram(
		"secplane.http.request.duration",
		metric.WithDescription("Security-plane decision latency in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create http.request.duration histogram: %w", err)
	}

	m.TokensIssued, err = tokenMeter.Int64Counter(
		"secplane.token.issued",
		metric.WithDescription("Number of token pairs issued"),
		metric.WithUnit("{pair}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create token.issued counter: %w", err)
	}

	m.TokenVerifications, err = tokenMeter.Int64Counter(
		"secplane.token.verifications",
		metric.WithDescription("Number of token verifications by result"),
		metric.WithUnit("{verification}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create token.verifications counter: %w", err)
	}

	m.TokensRefreshed, err = tokenMeter.Int64Counter(
		"secplane.token.refreshed",
		metric.WithDescription("Number of refresh rotations completed"),
		metric.WithUnit("{rotation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create token.refreshed counter: %w", err)
	}

	m.TokensRevoked, err = tokenMeter.Int64Counter(
		"secplane.token.revoked",
		metric.WithDescription("Number of tokens revoked"),
		metric.WithUnit("{revocation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create token.revoked counter: %w", err)
	}

	m.FingerprintMismatch, err = tokenMeter.Int64Counter(
		"secplane.token.fingerprint_mismatch",
		metric.WithDescription("Number of verifications where the client fingerprint drifted"),
		metric.WithUnit("{mismatch}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create token.fingerprint_mismatch counter: %w", err)
	}

	m.RateLimitDecisions, err = limiterMeter.Int64Counter(
		"secplane.ratelimit.decisions",
		metric.WithDescription("Number of rate limit decisions by policy and outcome"),
		metric.WithUnit("{decision}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create ratelimit.decisions counter: %w", err)
	}

	m.RateLimitFailOpen, err = limiterMeter.Int64Counter(
		"secplane.ratelimit.fail_open",
		metric.WithDescription("Number of requests admitted uncounted because the local counter map was full"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create ratelimit.fail_open counter: %w", err)
	}

	m.StoreFallbacks, err = storageMeter.Int64Counter(
		"secplane.store.fallbacks",
		metric.WithDescription("Number of shared-store failures that degraded to local-only behavior"),
		metric.WithUnit("{fallback}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create store.fallbacks counter: %w", err)
	}

	m.CsrfRejected, err = securityMeter.Int64Counter(
		"secplane.csrf.rejected",
		metric.WithDescription("Number of requests rejected by the CSRF guard"),
		metric.WithUnit("{rejection}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create csrf.rejected counter: %w", err)
	}

	m.AnomalySamples, err = anomalyMeter.Int64Counter(
		"secplane.anomaly.samples",
		metric.WithDescription("Number of per-minute traffic samples recorded"),
		metric.WithUnit("{sample}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create anomaly.samples counter: %w", err)
	}

	m.AnomalyAlerts, err = anomalyMeter.Int64Counter(
		"secplane.anomaly.alerts",
		metric.WithDescription("Number of slow-ramp alerts emitted by window"),
		metric.WithUnit("{alert}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create anomaly.alerts counter: %w", err)
	}

	m.RevocationEntries, err = storageMeter.Int64ObservableGauge(
		"secplane.revocation.entries",
		metric.WithDescription("Current number of entries in the revocation store"),
		metric.WithUnit("{entry}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create revocation.entries gauge: %w", err)
	}

	m.LocalCounterEntries, err = storageMeter.Int64ObservableGauge(
		"secplane.ratelimit.local_entries",
		metric.WithDescription("Current number of entries in the local rate counter map"),
		metric.WithUnit("{entry}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create ratelimit.local_entries gauge: %w", err)
	}

	m.AuditEventsTotal, err = securityMeter.Int64Counter(
		"secplane.audit.events.total",
		metric.WithDescription("Total number of audit events"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create audit.events.total counter: %w", err)
	}

	return m, nil
}

// Helper methods for common recording patterns. All are nil-safe so call
// sites can record unconditionally.

// RecordHTTPRequest records a processed request and its decision latency.
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, outcome string, durationMs float64) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("outcome", outcome),
	)
	m.HTTPRequestsTotal.Add(ctx, 1, attrs)
	m.HTTPRequestDuration.Record(ctx, durationMs, attrs)
}

// RecordTokenVerification records a verification outcome
// (ok, expired, bad_signature, type_mismatch, revoked).
func (m *Metrics) RecordTokenVerification(ctx context.Context, result string) {
	if m == nil {
		return
	}
	m.TokenVerifications.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

// RecordRateLimitDecision records a rate limit decision for a policy.
func (m *Metrics) RecordRateLimitDecision(ctx context.Context, policy string, allowed bool) {
	if m == nil {
		return
	}
	m.RateLimitDecisions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("policy", policy),
		attribute.Bool("allowed", allowed),
	))
}

// RecordStoreFallback records a shared-store failure for a component
// (ratelimit, revocation).
func (m *Metrics) RecordStoreFallback(ctx context.Context, component string) {
	if m == nil {
		return
	}
	m.StoreFallbacks.Add(ctx, 1, metric.WithAttributes(attribute.String("component", component)))
}

// RecordAnomalyAlert records a slow-ramp alert for a window.
func (m *Metrics) RecordAnomalyAlert(ctx context.Context, window string) {
	if m == nil {
		return
	}
	m.AnomalyAlerts.Add(ctx, 1, metric.WithAttributes(attribute.String("window", window)))
}

// RecordAuditEvent records an audit event by type.
func (m *Metrics) RecordAuditEvent(ctx context.Context, eventType string) {
	if m == nil {
		return
	}
	m.AuditEventsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("event_type", eventType)))
}
