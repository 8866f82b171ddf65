package token

import (
	"crypto/sha256"
	"encoding/hex"
)

// FingerprintInputs is the fixed, ordered tuple of client-presented request
// attributes hashed into every issued token. The hash weakly binds a token to
// the client that obtained it; it never includes secrets.
type FingerprintInputs struct {
	UserAgent      string
	AcceptLanguage string
	AcceptEncoding string
	ClientAddr     string
}

// Hash returns the deterministic fingerprint hash of the attribute tuple.
// Attributes are fed in a fixed order with a separator byte so that
// ("ab","c") and ("a","bc") cannot collide.
func (f FingerprintInputs) Hash() string {
	h := sha256.New()
	for _, part := range []string{f.UserAgent, f.AcceptLanguage, f.AcceptEncoding, f.ClientAddr} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
