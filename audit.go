package secplane

import (
	"context"
	"log/slog"
	"time"

	"github.com/perimeterlabs/secplane/instrumentation"
	"github.com/perimeterlabs/secplane/internal/util"
)

// Auditor handles security event logging with PII protection.
type Auditor struct {
	logger  *slog.Logger
	enabled bool
	inst    *instrumentation.Instrumentation
}

// NewAuditor creates a new security auditor
func NewAuditor(logger *slog.Logger, enabled bool) *Auditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Auditor{
		logger:  logger,
		enabled: enabled,
	}
}

// SetInstrumentation attaches OpenTelemetry instrumentation.
func (a *Auditor) SetInstrumentation(inst *instrumentation.Instrumentation) {
	a.inst = inst
}

// AuditEvent represents a security audit event
type AuditEvent struct {
	Type      string
	Subject   string
	Tenant    string
	IPAddress string
	Details   map[string]any
	Timestamp time.Time
}

// LogEvent logs a security event with hashed PII
func (a *Auditor) LogEvent(event AuditEvent) {
	if !a.enabled {
		return
	}

	event.Timestamp = time.Now()

	a.logger.Info("security_audit",
		"event_type", event.Type,
		"subject_hash", util.HashPrefix(event.Subject),
		"tenant", event.Tenant,
		"ip_address", event.IPAddress,
		"details", event.Details,
		"timestamp", event.Timestamp,
	)
	if a.inst != nil {
		a.inst.Metrics().RecordAuditEvent(context.Background(), event.Type)
	}
}

// LogTokenIssued logs when a token pair is issued
func (a *Auditor) LogTokenIssued(subject, tenant, ipAddress string) {
	a.LogEvent(AuditEvent{
		Type:      EventTokenIssued,
		Subject:   subject,
		Tenant:    tenant,
		IPAddress: ipAddress,
	})
}

// LogTokenRefreshed logs when a refresh token is rotated
func (a *Auditor) LogTokenRefreshed(subject, tenant, ipAddress string) {
	a.LogEvent(AuditEvent{
		Type:      EventTokenRefreshed,
		Subject:   subject,
		Tenant:    tenant,
		IPAddress: ipAddress,
		Details: map[string]any{
			"rotated": true,
		},
	})
}

// LogTokenRevoked logs when a token is revoked
func (a *Auditor) LogTokenRevoked(subject, ipAddress, tokenType string) {
	a.LogEvent(AuditEvent{
		Type:      EventTokenRevoked,
		Subject:   subject,
		IPAddress: ipAddress,
		Details: map[string]any{
			"token_type": tokenType,
		},
	})
}

// LogAuthFailure logs a token verification failure
func (a *Auditor) LogAuthFailure(subject, ipAddress, code string) {
	a.LogEvent(AuditEvent{
		Type:      EventAuthFailure,
		Subject:   subject,
		IPAddress: ipAddress,
		Details: map[string]any{
			"code": code,
		},
	})
}

// LogRateLimitExceeded logs a rate limit denial
func (a *Auditor) LogRateLimitExceeded(subject, ipAddress, policy string) {
	a.LogEvent(AuditEvent{
		Type:      EventRateLimitExceeded,
		Subject:   subject,
		IPAddress: ipAddress,
		Details: map[string]any{
			"policy": policy,
		},
	})
}

// LogCsrfRejected logs a CSRF rejection
func (a *Auditor) LogCsrfRejected(ipAddress, method, path string) {
	a.LogEvent(AuditEvent{
		Type:      EventCsrfRejected,
		IPAddress: ipAddress,
		Details: map[string]any{
			"method": method,
			"path":   path,
		},
	})
}

// LogFingerprintMismatch logs a soft fingerprint failure
func (a *Auditor) LogFingerprintMismatch(subject, tenant string) {
	a.LogEvent(AuditEvent{
		Type:    EventFingerprintMismatch,
		Subject: subject,
		Tenant:  tenant,
	})
}

// LogSlowRampDetected logs a detected traffic ramp
func (a *Auditor) LogSlowRampDetected(window string, slope float64, consecutiveIncreases int, startValue, currentValue, percentIncrease float64) {
	a.LogEvent(AuditEvent{
		Type: EventSlowRampDetected,
		Details: map[string]any{
			"window":                window,
			"slope":                 slope,
			"consecutive_increases": consecutiveIncreases,
			"start_value":           startValue,
			"current_value":         currentValue,
			"percent_increase":      percentIncrease,
		},
	})
}
