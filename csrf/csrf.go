// Package csrf implements a stateless double-submit cookie guard. The
// server sets a cookie holding `token.mac` where mac is an HMAC-SHA256 of
// the token under a server secret; the client echoes the bare token in a
// request header. Verification recomputes the HMAC and requires the header
// token to match the cookie's token component, so a cross-site attacker who
// can send requests but cannot read the cookie cannot forge a valid pair.
package csrf

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const (
	// DefaultCookieName is the cookie carrying token.mac.
	DefaultCookieName = "__Host-csrf"

	// DefaultHeaderName is the header the client echoes the token in.
	DefaultHeaderName = "X-CSRF-Token"

	// DefaultCookieTTL bounds how long an issued token remains usable.
	DefaultCookieTTL = 12 * time.Hour

	// tokenBytes is the entropy of an issued token.
	tokenBytes = 32

	// compareBufferLen is the fixed length operands are zero-padded to
	// before comparison, so that neither content nor length differences
	// leak through timing. Both hex tokens (64 chars) and hex HMACs
	// (64 chars) fit.
	compareBufferLen = 128
)

// safeMethods never mutate state and are exempt from the guard.
var safeMethods = map[string]bool{
	http.MethodGet:     true,
	http.MethodHead:    true,
	http.MethodOptions: true,
	http.MethodTrace:   true,
}

// Config holds guard configuration.
type Config struct {
	// Secret keys the HMAC. Required, at least 32 bytes.
	Secret []byte

	// CookieName and HeaderName override the defaults.
	CookieName string
	HeaderName string

	// CookieTTL bounds the cookie's lifetime.
	CookieTTL time.Duration

	// ExemptPaths are request path prefixes that skip verification
	// (e.g. a public webhook endpoint with its own authentication).
	ExemptPaths []string

	// Insecure drops the Secure cookie attribute and the __Host- prefix
	// for plain-HTTP development setups.
	Insecure bool

	Logger *slog.Logger
}

// Guard issues and verifies double-submit CSRF tokens.
type Guard struct {
	cfg Config
}

// New creates a CSRF guard.
func New(cfg Config) (*Guard, error) {
	if len(cfg.Secret) < 32 {
		return nil, fmt.Errorf("csrf: secret must be at least 32 bytes")
	}
	if cfg.CookieName == "" {
		cfg.CookieName = DefaultCookieName
		if cfg.Insecure {
			// The __Host- prefix requires the Secure attribute.
			cfg.CookieName = "csrf"
		}
	}
	if cfg.HeaderName == "" {
		cfg.HeaderName = DefaultHeaderName
	}
	if cfg.CookieTTL <= 0 {
		cfg.CookieTTL = DefaultCookieTTL
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Guard{cfg: cfg}, nil
}

// HeaderName returns the header clients must echo the token in.
func (g *Guard) HeaderName() string {
	return g.cfg.HeaderName
}

// Issue generates a fresh token, sets the signed cookie on w, and returns
// the bare token for the client to echo in the request header.
func (g *Guard) Issue(w http.ResponseWriter) (string, error) {
	raw := make([]byte, tokenBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("csrf: generating token: %w", err)
	}
	token := hex.EncodeToString(raw)

	http.SetCookie(w, &http.Cookie{
		Name:     g.cfg.CookieName,
		Value:    token + "." + g.mac(token),
		Path:     "/",
		MaxAge:   int(g.cfg.CookieTTL.Seconds()),
		HttpOnly: true,
		Secure:   !g.cfg.Insecure,
		SameSite: http.SameSiteStrictMode,
	})
	return token, nil
}

// Verify checks the double-submit pair on a request. Safe methods and
// exempt path prefixes pass unconditionally. Everything else requires a
// cookie whose HMAC recomputes and a header token equal to the cookie's
// token component; any missing or mismatched piece fails, with no
// indication of which check rejected.
func (g *Guard) Verify(r *http.Request) bool {
	if safeMethods[r.Method] {
		return true
	}
	for _, prefix := range g.cfg.ExemptPaths {
		if strings.HasPrefix(r.URL.Path, prefix) {
			return true
		}
	}

	cookie, err := r.Cookie(g.cfg.CookieName)
	if err != nil {
		return g.reject(r, "missing cookie")
	}
	token, mac, found := strings.Cut(cookie.Value, ".")
	if !found || token == "" || mac == "" {
		return g.reject(r, "malformed cookie")
	}

	// Both comparisons run whether or not the first fails, and both are
	// constant-time over fixed-length buffers.
	macOK := constantTimeEqual(g.mac(token), mac)
	headerOK := constantTimeEqual(r.Header.Get(g.cfg.HeaderName), token)
	if !macOK || !headerOK {
		return g.reject(r, "token mismatch")
	}
	return true
}

// reject logs the internal reason at debug level and fails closed. The
// reason is never exposed to the client.
func (g *Guard) reject(r *http.Request, reason string) bool {
	g.cfg.Logger.Debug("CSRF verification failed",
		"method", r.Method,
		"path", r.URL.Path,
		"reason", reason)
	return false
}

func (g *Guard) mac(token string) string {
	h := hmac.New(sha256.New, g.cfg.Secret)
	h.Write([]byte(token))
	return hex.EncodeToString(h.Sum(nil))
}

// constantTimeEqual compares two strings in time independent of both their
// content and their lengths, by zero-padding each into a fixed-size buffer
// and folding the length check into the same constant-time accumulator.
func constantTimeEqual(a, b string) bool {
	if len(a) > compareBufferLen || len(b) > compareBufferLen {
		return false
	}

	var bufA, bufB [compareBufferLen]byte
	copy(bufA[:], a)
	copy(bufB[:], b)

	contentEq := subtle.ConstantTimeCompare(bufA[:], bufB[:])
	lengthEq := subtle.ConstantTimeEq(int32(len(a)), int32(len(b)))
	return contentEq&lengthEq == 1
}
