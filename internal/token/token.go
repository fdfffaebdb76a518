// Package token mints the opaque credential strings used for cookie and API
// tokens. Tokens are random, URL-safe, and compared in constant time.
package token

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
)

// Size is the number of random bytes per token (128 bits of entropy).
const Size = 16

// New returns a fresh opaque token string.
func New() string {
	buf := make([]byte, Size)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Errorf("mint token: %w", err))
	}
	return base64.RawURLEncoding.EncodeToString(buf)
}

// Equal reports whether two token strings match, in constant time with
// respect to their contents.
func Equal(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
