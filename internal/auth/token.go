// ABOUTME: Shared-secret token holder with constant-time verification
// ABOUTME: The token is swapped atomically so config reloads need no lock

package auth

import (
	"crypto/subtle"
	"sync/atomic"

	"github.com/2389/coven-dispatch/internal/errdefs"
)

// Token errors
var (
	ErrMissingToken = errdefs.Unauthorized("missing token")
	ErrInvalidToken = errdefs.Unauthorized("invalid token")
)

// SharedSecret holds the expected token.
type SharedSecret struct {
	token atomic.Pointer[string]
}

// NewSharedSecret creates a holder for token. An empty token disables auth.
func NewSharedSecret(token string) *SharedSecret {
	s := &SharedSecret{}
	s.SetToken(token)
	return s
}

// SetToken replaces the expected token.
func (s *SharedSecret) SetToken(token string) {
	s.token.Store(&token)
}

// Enabled reports whether a token is configured.
func (s *SharedSecret) Enabled() bool {
	return *s.token.Load() != ""
}

// Verify checks presented against the configured token.
func (s *SharedSecret) Verify(presented string) error {
	want := *s.token.Load()
	if want == "" {
		return nil
	}
	if presented == "" {
		return ErrMissingToken
	}
	if subtle.ConstantTimeCompare([]byte(presented), []byte(want)) != 1 {
		return ErrInvalidToken
	}
	return nil
}
