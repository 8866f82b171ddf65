package token

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testService(t *testing.T, cfg Config) *Service {
	t.Helper()

	if cfg.AccessKey == nil {
		cfg.AccessKey = []byte("test-access-key-0123456789abcdef")
	}
	if cfg.RefreshKey == nil {
		cfg.RefreshKey = []byte("test-refresh-key-0123456789abcde")
	}
	if cfg.Issuer == "" {
		cfg.Issuer = "https://auth.test"
	}
	if cfg.Audience == "" {
		cfg.Audience = "https://api.test"
	}
	cfg.Logger = testLogger()

	store := NewRevocationStore(100, time.Hour, cfg.Logger)
	t.Cleanup(store.Stop)

	svc, err := NewService(cfg, store)
	if err != nil {
		t.Fatalf("NewService failed: %v", err)
	}
	return svc
}

func testFingerprint() FingerprintInputs {
	return FingerprintInputs{
		UserAgent:      "test-agent/1.0",
		AcceptLanguage: "en-US",
		AcceptEncoding: "gzip",
		ClientAddr:     "203.0.113.10",
	}
}

func staticLoader(subjects map[string]*Subject) SubjectLoader {
	return func(_ context.Context, id string) (*Subject, error) {
		return subjects[id], nil
	}
}

func TestNewServiceValidation(t *testing.T) {
	store := NewRevocationStore(10, time.Hour, testLogger())
	defer store.Stop()

	key := []byte("same-key-for-both-0123456789abcd")

	if _, err := NewService(Config{AccessKey: nil, RefreshKey: key}, store); err == nil {
		t.Error("Expected error for missing access key")
	}
	if _, err := NewService(Config{AccessKey: key, RefreshKey: key}, store); err == nil {
		t.Error("Expected error for identical keys")
	}
	if _, err := NewService(Config{AccessKey: key, RefreshKey: []byte("other-key-0123456789abcdefghijkl")}, nil); err == nil {
		t.Error("Expected error for nil revocation store")
	}
}

func TestIssueAndVerify(t *testing.T) {
	svc := testService(t, Config{})
	fp := testFingerprint()

	pair, err := svc.Issue("user-1", "tenant-a", fp)
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}
	if pair.AccessToken == "" || pair.RefreshToken == "" {
		t.Fatal("Expected non-empty token pair")
	}
	if pair.AccessToken == pair.RefreshToken {
		t.Error("Access and refresh tokens should differ")
	}
	if pair.ExpiresIn != DefaultAccessTTL {
		t.Errorf("Expected ExpiresIn %v, got %v", DefaultAccessTTL, pair.ExpiresIn)
	}

	claims, err := svc.Verify(context.Background(), pair.AccessToken, TypeAccess, fp)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if claims.Subject != "user-1" {
		t.Errorf("Expected subject user-1, got %s", claims.Subject)
	}
	if claims.Tenant != "tenant-a" {
		t.Errorf("Expected tenant tenant-a, got %s", claims.Tenant)
	}
	if claims.TokenType != TypeAccess {
		t.Errorf("Expected type access, got %s", claims.TokenType)
	}

	rc, err := svc.Verify(context.Background(), pair.RefreshToken, TypeRefresh, fp)
	if err != nil {
		t.Fatalf("Verify refresh failed: %v", err)
	}
	if rc.LinkedID != claims.ID {
		t.Errorf("Refresh LinkedID %s does not match access jti %s", rc.LinkedID, claims.ID)
	}
}

func TestVerifyExpired(t *testing.T) {
	svc := testService(t, Config{
		AccessTTL: time.Millisecond,
		Leeway:    time.Nanosecond,
	})
	fp := testFingerprint()

	pair, err := svc.Issue("user-1", "", fp)
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}

	time.Sleep(20 * time.Millisecond)

	_, err = svc.Verify(context.Background(), pair.AccessToken, TypeAccess, fp)
	if !errors.Is(err, ErrExpired) {
		t.Errorf("Expected ErrExpired, got %v", err)
	}
}

func TestVerifyBadSignature(t *testing.T) {
	svc := testService(t, Config{})
	other := testService(t, Config{
		AccessKey:  []byte("a-completely-different-access-key"),
		RefreshKey: []byte("a-completely-different-refreshkey"),
	})
	fp := testFingerprint()

	pair, err := other.Issue("user-1", "", fp)
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}

	if _, err := svc.Verify(context.Background(), pair.AccessToken, TypeAccess, fp); !errors.Is(err, ErrBadSignature) {
		t.Errorf("Expected ErrBadSignature, got %v", err)
	}

	if _, err := svc.Verify(context.Background(), "not-a-token", TypeAccess, fp); !errors.Is(err, ErrBadSignature) {
		t.Errorf("Expected ErrBadSignature for garbage, got %v", err)
	}
}

func TestVerifyRejectsMissingExpiry(t *testing.T) {
	svc := testService(t, Config{})
	fp := testFingerprint()

	// Correctly signed but missing the required exp claim.
	noExpiry, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:       newTokenID(),
			Subject:  "user-1",
			Issuer:   "https://auth.test",
			Audience: jwt.ClaimStrings{"https://api.test"},
			IssuedAt: jwt.NewNumericDate(time.Now()),
		},
		TokenType: TypeRefresh,
	}).SignedString([]byte("test-refresh-key-0123456789abcde"))
	if err != nil {
		t.Fatalf("Signing failed: %v", err)
	}

	if _, err := svc.Verify(context.Background(), noExpiry, TypeRefresh, fp); !errors.Is(err, ErrBadSignature) {
		t.Errorf("Expected ErrBadSignature for missing exp, got %v", err)
	}
	if _, err := svc.Refresh(context.Background(), noExpiry, fp, staticLoader(nil)); !errors.Is(err, ErrBadSignature) {
		t.Errorf("Expected ErrBadSignature from Refresh for missing exp, got %v", err)
	}
	if err := svc.Revoke(context.Background(), noExpiry, 0); !errors.Is(err, ErrBadSignature) {
		t.Errorf("Expected ErrBadSignature from Revoke for missing exp, got %v", err)
	}
}

func TestVerifyTypeMismatch(t *testing.T) {
	svc := testService(t, Config{})
	fp := testFingerprint()

	pair, err := svc.Issue("user-1", "", fp)
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}

	// Access token presented where a refresh token is expected, and the
	// reverse. Both must be distinguishable from a forgery.
	if _, err := svc.Verify(context.Background(), pair.AccessToken, TypeRefresh, fp); !errors.Is(err, ErrTypeMismatch) {
		t.Errorf("Expected ErrTypeMismatch for access-as-refresh, got %v", err)
	}
	if _, err := svc.Verify(context.Background(), pair.RefreshToken, TypeAccess, fp); !errors.Is(err, ErrTypeMismatch) {
		t.Errorf("Expected ErrTypeMismatch for refresh-as-access, got %v", err)
	}
}

func TestVerifyFingerprintMismatchSoftFails(t *testing.T) {
	svc := testService(t, Config{})
	fp := testFingerprint()

	var mismatchSubject string
	svc.OnFingerprintMismatch = func(subject, _ string) {
		mismatchSubject = subject
	}

	pair, err := svc.Issue("user-1", "tenant-a", fp)
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}

	changed := fp
	changed.UserAgent = "different-agent/2.0"

	claims, err := svc.Verify(context.Background(), pair.AccessToken, TypeAccess, changed)
	if err != nil {
		t.Fatalf("Verify should soft-fail on fingerprint mismatch, got: %v", err)
	}
	if claims.Subject != "user-1" {
		t.Errorf("Expected subject user-1, got %s", claims.Subject)
	}
	if mismatchSubject != "user-1" {
		t.Errorf("Expected mismatch hook for user-1, got %q", mismatchSubject)
	}
}

func TestRevokeThenVerify(t *testing.T) {
	svc := testService(t, Config{})
	fp := testFingerprint()

	pair, err := svc.Issue("user-1", "", fp)
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}

	if err := svc.Revoke(context.Background(), pair.AccessToken, 0); err != nil {
		t.Fatalf("Revoke failed: %v", err)
	}

	if _, err := svc.Verify(context.Background(), pair.AccessToken, TypeAccess, fp); !errors.Is(err, ErrRevoked) {
		t.Errorf("Expected ErrRevoked after revoke, got %v", err)
	}

	// Revocation is per-token: the refresh token stays valid.
	if _, err := svc.Verify(context.Background(), pair.RefreshToken, TypeRefresh, fp); err != nil {
		t.Errorf("Refresh token should remain valid, got %v", err)
	}
}

func TestRevokeExpiredTokenNoop(t *testing.T) {
	svc := testService(t, Config{
		AccessTTL: time.Millisecond,
		Leeway:    time.Nanosecond,
	})
	fp := testFingerprint()

	pair, err := svc.Issue("user-1", "", fp)
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}

	time.Sleep(20 * time.Millisecond)

	if err := svc.Revoke(context.Background(), pair.AccessToken, 0); err != nil {
		t.Errorf("Revoking an expired token should be a no-op, got %v", err)
	}
	if stats := svc.Revocations().Stats(); stats.CurrentEntries != 0 {
		t.Errorf("Expected no revocation entries, got %d", stats.CurrentEntries)
	}
}

func TestRefreshRotation(t *testing.T) {
	svc := testService(t, Config{})
	fp := testFingerprint()
	loader := staticLoader(map[string]*Subject{
		"user-1": {ID: "user-1", Tenant: "tenant-a"},
	})

	pair, err := svc.Issue("user-1", "tenant-a", fp)
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}

	newPair, err := svc.Refresh(context.Background(), pair.RefreshToken, fp, loader)
	if err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}

	// The used refresh token and its linked access token are retired.
	if _, err := svc.Verify(context.Background(), pair.RefreshToken, TypeRefresh, fp); !errors.Is(err, ErrRevoked) {
		t.Errorf("Old refresh token should be revoked, got %v", err)
	}
	if _, err := svc.Verify(context.Background(), pair.AccessToken, TypeAccess, fp); !errors.Is(err, ErrRevoked) {
		t.Errorf("Linked access token should be revoked, got %v", err)
	}

	// A replay of the old refresh token cannot mint another pair.
	if _, err := svc.Refresh(context.Background(), pair.RefreshToken, fp, loader); !errors.Is(err, ErrRevoked) {
		t.Errorf("Replayed refresh should fail with ErrRevoked, got %v", err)
	}

	claims, err := svc.Verify(context.Background(), newPair.AccessToken, TypeAccess, fp)
	if err != nil {
		t.Fatalf("New access token should verify: %v", err)
	}
	if claims.Subject != "user-1" || claims.Tenant != "tenant-a" {
		t.Errorf("Unexpected claims after rotation: subject=%s tenant=%s", claims.Subject, claims.Tenant)
	}
}

func TestRefreshSubjectNotFound(t *testing.T) {
	svc := testService(t, Config{})
	fp := testFingerprint()

	pair, err := svc.Issue("deleted-user", "", fp)
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}

	_, err = svc.Refresh(context.Background(), pair.RefreshToken, fp, staticLoader(nil))
	if !errors.Is(err, ErrSubjectNotFound) {
		t.Errorf("Expected ErrSubjectNotFound, got %v", err)
	}
}

func TestRefreshLoaderError(t *testing.T) {
	svc := testService(t, Config{})
	fp := testFingerprint()

	pair, err := svc.Issue("user-1", "", fp)
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}

	loaderErr := errors.New("directory unavailable")
	_, err = svc.Refresh(context.Background(), pair.RefreshToken, fp, func(context.Context, string) (*Subject, error) {
		return nil, loaderErr
	})
	if !errors.Is(err, loaderErr) {
		t.Errorf("Expected loader error to propagate, got %v", err)
	}
}
