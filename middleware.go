package secplane

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/perimeterlabs/secplane/instrumentation"
	"github.com/perimeterlabs/secplane/internal/util"
	"github.com/perimeterlabs/secplane/token"
)

// claimsContextKey is the context key for verified token claims.
type claimsContextKey struct{}

// ClaimsFromContext retrieves the verified claims placed by Protect.
func ClaimsFromContext(ctx context.Context) (*token.Claims, bool) {
	claims, ok := ctx.Value(claimsContextKey{}).(*token.Claims)
	return claims, ok
}

// errorResponse is the JSON body of a classified rejection.
type errorResponse struct {
	Error       string `json:"error"`
	Description string `json:"error_description"`
}

// Protect wraps next with the full request-time security chain: security
// headers, request ID propagation, CSRF verification on mutating methods,
// bearer token verification, and rate limiting under the named policy. The
// anomaly detector observes every request as a fire-and-forget side channel
// regardless of outcome. Verified claims are available to next through
// ClaimsFromContext.
func (p *Plane) Protect(next http.Handler, policyName string) http.Handler {
	return RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx, span := p.inst.Tracer("http").Start(r.Context(), "secplane.protect",
			trace.WithAttributes(
				attribute.String(instrumentation.AttrPolicy, policyName),
				attribute.String(instrumentation.AttrClientIP, ClientIP(r, p.cfg.TrustProxy, p.cfg.TrustedProxyCount)),
			))
		defer span.End()
		r = r.WithContext(ctx)
		ip := ClientIP(r, p.cfg.TrustProxy, p.cfg.TrustedProxyCount)

		SetSecurityHeaders(w, !p.cfg.Insecure)

		if !p.guard.Verify(r) {
			p.auditor.LogCsrfRejected(ip, r.Method, r.URL.Path)
			p.detector.RecordRequest(ip, true)
			if p.inst != nil {
				p.inst.Metrics().CsrfRejected.Add(ctx, 1)
			}
			p.reject(w, r, span, start, ErrCsrfRejected)
			return
		}

		claims, err := p.tokens.Verify(ctx, bearerToken(r), token.TypeAccess, p.Fingerprint(r))
		if err != nil {
			secErr := Classify(err)
			p.auditor.LogAuthFailure("", ip, secErr.Code)
			p.detector.RecordRequest(ip, true)
			p.reject(w, r, span, start, secErr)
			return
		}
		instrumentation.SetSpanAttributes(span,
			attribute.String(instrumentation.AttrSubject, util.HashPrefix(claims.Subject)),
			attribute.String(instrumentation.AttrTenant, claims.Tenant),
		)

		// Rate limit keyed by subject when authenticated, falling back to
		// the client address.
		key := claims.Subject
		if key == "" {
			key = ip
		}

		decision, err := p.limiter.Check(ctx, key, policyName)
		if err != nil {
			p.logger.Error("Rate limit check failed", "policy", policyName, "error", err)
			p.detector.RecordRequest(key, true)
			p.reject(w, r, span, start, ErrServer)
			return
		}
		w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(decision.Remaining, 10))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(decision.ResetAt.Unix(), 10))
		if !decision.Allowed {
			p.auditor.LogRateLimitExceeded(claims.Subject, ip, policyName)
			p.detector.RecordRequest(key, true)
			retryAfter := int(time.Until(decision.ResetAt).Seconds()) + 1
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			p.reject(w, r, span, start, ErrRateLimited)
			return
		}

		p.detector.RecordRequest(key, false)
		instrumentation.SetSpanAttributes(span,
			attribute.String(instrumentation.AttrDecision, "allow"))
		instrumentation.SetSpanSuccess(span)

		r = r.WithContext(context.WithValue(ctx, claimsContextKey{}, claims))
		next.ServeHTTP(w, r)

		if p.inst != nil {
			p.inst.Metrics().RecordHTTPRequest(ctx, r.Method, "allowed",
				float64(time.Since(start).Milliseconds()))
		}
	}))
}

// reject writes a classified rejection as JSON and records the outcome.
func (p *Plane) reject(w http.ResponseWriter, r *http.Request, span trace.Span, start time.Time, secErr *SecurityError) {
	instrumentation.SetSpanAttributes(span,
		attribute.String(instrumentation.AttrDecision, "deny"),
		attribute.String(instrumentation.AttrRejectCode, secErr.Code))
	instrumentation.SetSpanError(span, secErr.Code)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(secErr.Status)
	if err := json.NewEncoder(w).Encode(errorResponse{
		Error:       secErr.Code,
		Description: secErr.Description,
	}); err != nil {
		p.logger.Error("Failed to write error response", "error", err)
	}

	if p.inst != nil {
		p.inst.Metrics().RecordHTTPRequest(r.Context(), r.Method, secErr.Code,
			float64(time.Since(start).Milliseconds()))
	}
}

// bearerToken extracts the token from the Authorization header.
func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(auth) > len(prefix) && strings.EqualFold(auth[:len(prefix)], prefix) {
		return auth[len(prefix):]
	}
	return ""
}
