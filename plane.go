// Package secplane is a security control plane for HTTP services: signed
// access/refresh token pairs with revocation, named fixed-window rate limit
// policies, a double-submit CSRF guard, and slow-ramp anomaly detection.
// One Plane is constructed at startup, owns all mutable security state, and
// is stopped at shutdown; nothing here is a package-level singleton.
package secplane

import (
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"golang.org/x/crypto/hkdf"

	"github.com/perimeterlabs/secplane/anomaly"
	"github.com/perimeterlabs/secplane/csrf"
	"github.com/perimeterlabs/secplane/instrumentation"
	"github.com/perimeterlabs/secplane/ratelimit"
	"github.com/perimeterlabs/secplane/token"
)

// derivedKeyLength is the size of each component key derived from the
// master secret.
const derivedKeyLength = 32

// Plane wires the security components together behind one facade.
type Plane struct {
	cfg      Config
	tokens   *token.Service
	limiter  *ratelimit.Limiter
	guard    *csrf.Guard
	detector *anomaly.Detector
	auditor  *Auditor
	inst     *instrumentation.Instrumentation
	logger   *slog.Logger
}

// New constructs a plane from cfg. The returned plane owns background
// goroutines (revocation sweep, limiter cleanup, anomaly ticks); call Stop
// during graceful shutdown.
func New(cfg Config) (*Plane, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	inst, err := instrumentation.New(cfg.Instrumentation)
	if err != nil {
		return nil, fmt.Errorf("secplane: initializing instrumentation: %w", err)
	}

	accessKey, err := deriveKey(cfg.Secret, "access-token")
	if err != nil {
		return nil, err
	}
	refreshKey, err := deriveKey(cfg.Secret, "refresh-token")
	if err != nil {
		return nil, err
	}
	csrfKey, err := deriveKey(cfg.Secret, "csrf-guard")
	if err != nil {
		return nil, err
	}

	auditor := NewAuditor(cfg.Logger, cfg.AuditEnabled)
	auditor.SetInstrumentation(inst)

	revocations := token.NewRevocationStore(cfg.RevocationMaxSize, cfg.RevocationSweepInterval, cfg.Logger)
	if cfg.SharedRevocations != nil {
		revocations.SetShared(cfg.SharedRevocations, cfg.SharedTimeout)
	}
	revocations.SetInstrumentation(inst)

	tokens, err := token.NewService(token.Config{
		AccessKey:  accessKey,
		RefreshKey: refreshKey,
		Issuer:     cfg.Issuer,
		Audience:   cfg.Audience,
		AccessTTL:  cfg.AccessTTL,
		RefreshTTL: cfg.RefreshTTL,
		Logger:     cfg.Logger,
	}, revocations)
	if err != nil {
		revocations.Stop()
		return nil, err
	}
	tokens.SetInstrumentation(inst)
	tokens.OnFingerprintMismatch = auditor.LogFingerprintMismatch

	limiter, err := ratelimit.New(ratelimit.Config{
		Policies:   cfg.Policies,
		MaxEntries: cfg.RateLimitMaxEntries,
		Logger:     cfg.Logger,
	})
	if err != nil {
		revocations.Stop()
		return nil, err
	}
	if cfg.SharedCounters != nil {
		limiter.SetShared(cfg.SharedCounters, cfg.SharedTimeout)
	}
	limiter.SetInstrumentation(inst)

	guard, err := csrf.New(csrf.Config{
		Secret:      csrfKey,
		ExemptPaths: cfg.CsrfExemptPaths,
		Insecure:    cfg.Insecure,
		Logger:      cfg.Logger,
	})
	if err != nil {
		revocations.Stop()
		limiter.Stop()
		return nil, err
	}

	p := &Plane{
		cfg:     cfg,
		tokens:  tokens,
		limiter: limiter,
		guard:   guard,
		auditor: auditor,
		inst:    inst,
		logger:  cfg.Logger,
	}

	p.detector = anomaly.New(anomaly.Config{
		Windows:         cfg.AnomalyWindows,
		LearningSamples: cfg.AnomalyLearningSamples,
		OnAlert:         p.onAnomalyAlert,
		Logger:          cfg.Logger,
	})
	p.detector.SetInstrumentation(inst)

	return p, nil
}

// onAnomalyAlert audits a detected slow ramp, then forwards it to the
// configured external subscriber.
func (p *Plane) onAnomalyAlert(a anomaly.Alert) {
	p.auditor.LogSlowRampDetected(a.Window, a.Slope, a.ConsecutiveIncreases,
		a.StartValue, a.CurrentValue, a.PercentIncrease)
	if p.cfg.OnAnomalyAlert != nil {
		p.cfg.OnAnomalyAlert(a)
	}
}

// deriveKey expands the master secret into an independent component key.
// Distinct info strings guarantee the access, refresh and CSRF keys never
// coincide even though they share one master secret.
func deriveKey(secret []byte, info string) ([]byte, error) {
	key := make([]byte, derivedKeyLength)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte(info)), key); err != nil {
		return nil, fmt.Errorf("secplane: deriving %s key: %w", info, err)
	}
	return key, nil
}

// Tokens returns the token service.
func (p *Plane) Tokens() *token.Service { return p.tokens }

// RateLimiter returns the rate limiter.
func (p *Plane) RateLimiter() *ratelimit.Limiter { return p.limiter }

// Csrf returns the CSRF guard.
func (p *Plane) Csrf() *csrf.Guard { return p.guard }

// Anomaly returns the anomaly detector.
func (p *Plane) Anomaly() *anomaly.Detector { return p.detector }

// Auditor returns the security event auditor.
func (p *Plane) Auditor() *Auditor { return p.auditor }

// Fingerprint builds the client fingerprint inputs for a request, using the
// proxy-aware client IP.
func (p *Plane) Fingerprint(r *http.Request) token.FingerprintInputs {
	return token.FingerprintInputs{
		UserAgent:      r.Header.Get("User-Agent"),
		AcceptLanguage: r.Header.Get("Accept-Language"),
		AcceptEncoding: r.Header.Get("Accept-Encoding"),
		ClientAddr:     ClientIP(r, p.cfg.TrustProxy, p.cfg.TrustedProxyCount),
	}
}

// Issue creates a token pair for subject bound to the requesting client,
// and audits the issuance.
func (p *Plane) Issue(r *http.Request, subject, tenant string) (*token.Pair, error) {
	pair, err := p.tokens.Issue(subject, tenant, p.Fingerprint(r))
	if err != nil {
		return nil, err
	}
	p.auditor.LogTokenIssued(subject, tenant, ClientIP(r, p.cfg.TrustProxy, p.cfg.TrustedProxyCount))
	return pair, nil
}

// Refresh rotates a refresh token presented on r into a new pair.
func (p *Plane) Refresh(r *http.Request, refreshToken string, load token.SubjectLoader) (*token.Pair, error) {
	var subject, tenant string
	capture := func(ctx context.Context, id string) (*token.Subject, error) {
		s, err := load(ctx, id)
		if s != nil {
			subject, tenant = s.ID, s.Tenant
		}
		return s, err
	}

	pair, err := p.tokens.Refresh(r.Context(), refreshToken, p.Fingerprint(r), capture)
	if err != nil {
		return nil, err
	}
	p.auditor.LogTokenRefreshed(subject, tenant, ClientIP(r, p.cfg.TrustProxy, p.cfg.TrustedProxyCount))
	return pair, nil
}

// Stop terminates background goroutines and flushes instrumentation. Safe
// to call more than once.
func (p *Plane) Stop(ctx context.Context) error {
	p.detector.Stop()
	p.limiter.Stop()
	p.tokens.Revocations().Stop()
	return p.inst.Shutdown(ctx)
}
