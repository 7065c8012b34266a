// Package auth checks the shared API bearer token and signs stream tickets.
package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"strings"
)

const bearerPrefix = "Bearer "

// BearerVerifier accepts exactly "Bearer <token>". With no token configured
// every credential is rejected.
type BearerVerifier struct {
	digest [sha256.Size]byte
	empty  bool
}

func NewBearerVerifier(token string) *BearerVerifier {
	token = strings.TrimSpace(token)
	return &BearerVerifier{digest: sha256.Sum256([]byte(token)), empty: token == ""}
}

// Verify takes the raw Authorization header value and compares fixed-size
// digests in constant time.
func (v *BearerVerifier) Verify(header string) bool {
	if v.empty {
		return false
	}
	token, ok := strings.CutPrefix(header, bearerPrefix)
	if !ok {
		return false
	}
	got := sha256.Sum256([]byte(token))
	return subtle.ConstantTimeCompare(got[:], v.digest[:]) == 1
}
