// Package token implements the token lifecycle of the security plane: issuing
// signed access/refresh pairs, verifying them against a bounded revocation
// store, and one-time-use refresh rotation.
package token

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/oklog/ulid/v2"

	"github.com/perimeterlabs/secplane/instrumentation"
	"github.com/perimeterlabs/secplane/internal/util"
)

// Type discriminates access from refresh tokens inside claims.
type Type string

const (
	TypeAccess  Type = "access"
	TypeRefresh Type = "refresh"
)

var (
	// ErrExpired indicates the token is past its expiry.
	ErrExpired = errors.New("token expired")

	// ErrBadSignature indicates the token signature does not verify, the
	// token is malformed, or issuer/audience claims do not match.
	ErrBadSignature = errors.New("token signature invalid")

	// ErrTypeMismatch indicates a valid token of the wrong type was
	// presented (e.g. an access token at the refresh endpoint).
	ErrTypeMismatch = errors.New("token type mismatch")

	// ErrRevoked indicates the token identifier is in the revocation store.
	ErrRevoked = errors.New("token revoked")

	// ErrSubjectNotFound indicates the subject behind a refresh token no
	// longer resolves.
	ErrSubjectNotFound = errors.New("subject not found")
)

const (
	// DefaultAccessTTL keeps access tokens short-lived so that revocation
	// entries age out quickly.
	DefaultAccessTTL = 15 * time.Minute

	// DefaultRefreshTTL bounds how long a session can be silently renewed.
	DefaultRefreshTTL = 7 * 24 * time.Hour

	// DefaultLeeway absorbs clock drift between systems when validating
	// expiry. Tokens remain usable this long past true expiry, a deliberate
	// reliability/security trade.
	DefaultLeeway = 5 * time.Second
)

// Claims is the JWT payload of both token types. The signature binds all
// fields; a token is immutable once issued.
type Claims struct {
	jwt.RegisteredClaims
	Tenant      string `json:"tenant,omitempty"`
	Fingerprint string `json:"fingerprint,omitempty"`
	TokenType   Type   `json:"type"`
	LinkedID    string `json:"linked_jti,omitempty"`
}

// Pair is an issued access/refresh token pair.
type Pair struct {
	AccessToken  string
	RefreshToken string
	ExpiresIn    time.Duration // access token lifetime
}

// Subject is the state loaded for a refresh rotation.
type Subject struct {
	ID     string
	Tenant string
}

// SubjectLoader resolves fresh subject state during refresh. Returning
// (nil, nil) means the subject no longer exists.
type SubjectLoader func(ctx context.Context, id string) (*Subject, error)

// Config holds token service configuration. AccessKey and RefreshKey must be
// distinct secrets; the plane derives both from one master secret.
type Config struct {
	AccessKey  []byte
	RefreshKey []byte
	Issuer     string
	Audience   string
	AccessTTL  time.Duration
	RefreshTTL time.Duration
	Leeway     time.Duration
	Logger     *slog.Logger
}

// Service issues and verifies signed token pairs. A token moves
// Issued -> Active -> {Expired | Revoked}; both end states are terminal.
type Service struct {
	cfg         Config
	revocations *RevocationStore
	logger      *slog.Logger
	inst        *instrumentation.Instrumentation

	// OnFingerprintMismatch is invoked when a presented token's fingerprint
	// does not match the requesting client. Mismatches do not fail
	// verification (headers legitimately drift behind mobile networks and
	// proxies); the hook lets the embedding plane audit them.
	OnFingerprintMismatch func(subject, tenant string)
}

// NewService creates a token service backed by the given revocation store.
func NewService(cfg Config, revocations *RevocationStore) (*Service, error) {
	if len(cfg.AccessKey) == 0 || len(cfg.RefreshKey) == 0 {
		return nil, fmt.Errorf("token: access and refresh keys are required")
	}
	if string(cfg.AccessKey) == string(cfg.RefreshKey) {
		return nil, fmt.Errorf("token: access and refresh keys must be distinct")
	}
	if revocations == nil {
		return nil, fmt.Errorf("token: revocation store is required")
	}
	if cfg.AccessTTL == 0 {
		cfg.AccessTTL = DefaultAccessTTL
	}
	if cfg.RefreshTTL == 0 {
		cfg.RefreshTTL = DefaultRefreshTTL
	}
	if cfg.Leeway <= 0 {
		cfg.Leeway = DefaultLeeway
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Service{
		cfg:         cfg,
		revocations: revocations,
		logger:      cfg.Logger,
	}, nil
}

// SetInstrumentation attaches OpenTelemetry instrumentation.
func (s *Service) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.inst = inst
}

// Revocations returns the backing revocation store.
func (s *Service) Revocations() *RevocationStore {
	return s.revocations
}

// Issue creates a new signed token pair for a subject. The refresh token
// carries a back-reference to the access token's jti so that a rotation can
// retire the whole pair.
func (s *Service) Issue(subject, tenant string, fp FingerprintInputs) (*Pair, error) {
	now := time.Now()
	accessID := newTokenID()
	refreshID := newTokenID()
	fingerprint := fp.Hash()

	accessToken, err := s.sign(s.cfg.AccessKey, Claims{
		RegisteredClaims: s.registered(accessID, subject, now, s.cfg.AccessTTL),
		Tenant:           tenant,
		Fingerprint:      fingerprint,
		TokenType:        TypeAccess,
	})
	if err != nil {
		return nil, fmt.Errorf("token: signing access token: %w", err)
	}

	refreshToken, err := s.sign(s.cfg.RefreshKey, Claims{
		RegisteredClaims: s.registered(refreshID, subject, now, s.cfg.RefreshTTL),
		Tenant:           tenant,
		Fingerprint:      fingerprint,
		TokenType:        TypeRefresh,
		LinkedID:         accessID,
	})
	if err != nil {
		return nil, fmt.Errorf("token: signing refresh token: %w", err)
	}

	if s.inst != nil {
		s.inst.Metrics().TokensIssued.Add(context.Background(), 1)
	}
	s.logger.Debug("Issued token pair",
		"subject_hash", util.HashPrefix(subject),
		"tenant", tenant,
		"access_jti", util.SafeTruncate(accessID, tokenIDLogLength))

	return &Pair{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		ExpiresIn:    s.cfg.AccessTTL,
	}, nil
}

// Verify validates a token of the expected type against the requesting
// client. Revocation is checked first (O(1) against the local store), then
// signature, expiry, issuer and audience. A fingerprint mismatch is logged
// and reported through OnFingerprintMismatch but does not fail verification.
func (s *Service) Verify(ctx context.Context, tokenString string, typ Type, fp FingerprintInputs) (*Claims, error) {
	if id := unverifiedTokenID(tokenString); id != "" && s.revocations.Contains(ctx, id) {
		s.recordVerification(ctx, "revoked")
		return nil, ErrRevoked
	}

	claims, err := s.parse(tokenString, typ)
	if err != nil {
		return nil, err
	}

	if claims.TokenType != typ {
		s.recordVerification(ctx, "type_mismatch")
		return nil, ErrTypeMismatch
	}

	if claims.Fingerprint != "" && claims.Fingerprint != fp.Hash() {
		s.logger.Warn("Token fingerprint mismatch (soft-fail)",
			"subject_hash", util.HashPrefix(claims.Subject),
			"jti", util.SafeTruncate(claims.ID, tokenIDLogLength))
		if s.inst != nil {
			s.inst.Metrics().FingerprintMismatch.Add(ctx, 1)
		}
		if s.OnFingerprintMismatch != nil {
			s.OnFingerprintMismatch(claims.Subject, claims.Tenant)
		}
	}

	s.recordVerification(ctx, "ok")
	return claims, nil
}

// Refresh rotates a refresh token: the presented token (and the access token
// it is linked to) is revoked before a new pair is issued, making refresh
// tokens strictly one-time-use. Fresh subject state is loaded through load.
func (s *Service) Refresh(ctx context.Context, refreshToken string, fp FingerprintInputs, load SubjectLoader) (*Pair, error) {
	claims, err := s.Verify(ctx, refreshToken, TypeRefresh, fp)
	if err != nil {
		return nil, err
	}

	// Revoke before issuing: a concurrent replay of the same refresh token
	// must observe the revocation.
	s.revocations.Add(claims.ID, claims.ExpiresAt.Time, "rotated")
	if claims.LinkedID != "" {
		// The paired access token's exact expiry is not in the refresh
		// claims; its issue time plus the access TTL is a safe upper bound.
		issued := time.Now()
		if claims.IssuedAt != nil {
			issued = claims.IssuedAt.Time
		}
		s.revocations.Add(claims.LinkedID, issued.Add(s.cfg.AccessTTL+s.cfg.Leeway), "rotated")
	}

	subject, err := load(ctx, claims.Subject)
	if err != nil {
		return nil, fmt.Errorf("token: loading subject: %w", err)
	}
	if subject == nil {
		return nil, ErrSubjectNotFound
	}

	if s.inst != nil {
		s.inst.Metrics().TokensRefreshed.Add(ctx, 1)
	}

	return s.Issue(subject.ID, subject.Tenant, fp)
}

// Revoke inserts a verified token into the revocation store. ttl is bounded
// by the token's remaining natural lifetime; ttl <= 0 means "for the rest of
// the token's life". Revoking an already-expired token is a no-op.
func (s *Service) Revoke(ctx context.Context, tokenString string, ttl time.Duration) error {
	claims, err := s.parseAnyType(tokenString)
	if err != nil {
		// An authentic but expired token no longer needs a revocation
		// entry.
		if errors.Is(err, ErrExpired) && claims != nil {
			return nil
		}
		return err
	}

	remaining := time.Until(claims.ExpiresAt.Time)
	if remaining <= 0 {
		return nil
	}
	if ttl <= 0 || ttl > remaining {
		ttl = remaining
	}

	s.revocations.Add(claims.ID, time.Now().Add(ttl), "revoked")
	if s.inst != nil {
		s.inst.Metrics().TokensRevoked.Add(ctx, 1)
	}
	return nil
}

func (s *Service) registered(id, subject string, now time.Time, ttl time.Duration) jwt.RegisteredClaims {
	return jwt.RegisteredClaims{
		ID:        id,
		Subject:   subject,
		Issuer:    s.cfg.Issuer,
		Audience:  jwt.ClaimStrings{s.cfg.Audience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
}

func (s *Service) sign(key []byte, claims Claims) (string, error) {
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(key)
}

// parse verifies signature and registered claims under the key for typ.
// When the signature fails but the token verifies under the other type's
// key, the failure is classified as a type mismatch rather than a forgery.
func (s *Service) parse(tokenString string, typ Type) (*Claims, error) {
	claims, err := s.parseWithKey(tokenString, s.keyFor(typ))
	if err == nil {
		return claims, nil
	}

	if errors.Is(err, ErrBadSignature) {
		if _, otherErr := s.parseWithKey(tokenString, s.keyFor(otherType(typ))); otherErr == nil || errors.Is(otherErr, ErrExpired) {
			s.recordVerification(context.Background(), "type_mismatch")
			return nil, ErrTypeMismatch
		}
	}

	switch {
	case errors.Is(err, ErrExpired):
		s.recordVerification(context.Background(), "expired")
	default:
		s.recordVerification(context.Background(), "bad_signature")
	}
	return nil, err
}

// parseAnyType accepts either token type, for revocation by value.
func (s *Service) parseAnyType(tokenString string) (*Claims, error) {
	claims, err := s.parseWithKey(tokenString, s.cfg.AccessKey)
	if err == nil || errors.Is(err, ErrExpired) {
		return claims, err
	}
	return s.parseWithKey(tokenString, s.cfg.RefreshKey)
}

func (s *Service) parseWithKey(tokenString string, key []byte) (*Claims, error) {
	parsed, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (any, error) {
		return key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(s.cfg.Leeway),
		jwt.WithIssuer(s.cfg.Issuer),
		jwt.WithAudience(s.cfg.Audience),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			// Expired claims are still returned so revocation-by-value can
			// inspect them.
			if parsed != nil {
				if c, ok := parsed.Claims.(*Claims); ok {
					return c, ErrExpired
				}
			}
			return nil, ErrExpired
		}
		return nil, ErrBadSignature
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok {
		return nil, ErrBadSignature
	}
	return claims, nil
}

func (s *Service) keyFor(typ Type) []byte {
	if typ == TypeRefresh {
		return s.cfg.RefreshKey
	}
	return s.cfg.AccessKey
}

func otherType(typ Type) Type {
	if typ == TypeRefresh {
		return TypeAccess
	}
	return TypeRefresh
}

func (s *Service) recordVerification(ctx context.Context, result string) {
	if s.inst != nil {
		s.inst.Metrics().RecordTokenVerification(ctx, result)
	}
}

// unverifiedTokenID extracts the jti without validating the signature, so
// the revocation check can run first. The signature is always validated
// afterwards; this never admits a token on its own.
func unverifiedTokenID(tokenString string) string {
	claims := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tokenString, claims); err != nil {
		return ""
	}
	return claims.ID
}

func newTokenID() string {
	return ulid.Make().String()
}
