package instrumentation

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Common span attribute keys.
//
// Never record actual credential values (tokens, cookies, MACs) in traces.
// Only metadata such as token types, policy names, and decision results.
const (
	AttrSubject     = "secplane.subject"      // Subject identifier hash (non-secret)
	AttrTenant      = "secplane.tenant"       // Tenant identifier
	AttrTokenType   = "secplane.token.type"   //nolint:gosec // token type name, not a credential
	AttrTokenID     = "secplane.token.jti"    //nolint:gosec // truncated token identifier
	AttrPolicy      = "secplane.policy"       // Rate limit policy name
	AttrLimitKey    = "secplane.limit_key"    // Rate limit key (hashed by callers)
	AttrWindow      = "secplane.window"       // Anomaly window name
	AttrClientIP    = "secplane.client_ip"    // Client IP address
	AttrDecision    = "secplane.decision"     // allow / deny
	AttrRejectCode  = "secplane.reject_code"  // Machine-readable rejection code
	AttrStoreResult = "secplane.store.result" // Shared store call result
)

// RecordError records an error on a span with proper status codes (nil-safe).
func RecordError(span trace.Span, err error) {
	if span != nil && err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// SetSpanSuccess marks a span as successful (nil-safe).
func SetSpanSuccess(span trace.Span) {
	if span != nil {
		span.SetStatus(codes.Ok, "")
	}
}

// SetSpanError sets an error status on a span (nil-safe).
func SetSpanError(span trace.Span, message string) {
	if span != nil {
		span.SetStatus(codes.Error, message)
	}
}

// SetSpanAttributes sets attributes on a span (nil-safe).
func SetSpanAttributes(span trace.Span, attrs ...attribute.KeyValue) {
	if span != nil {
		span.SetAttributes(attrs...)
	}
}
