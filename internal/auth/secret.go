// ABOUTME: Shared-secret verification for peers authenticating to the relay
// ABOUTME: Accepts the literal secret and, optionally, tokens signed with it

package auth

import (
	"crypto/subtle"
	"fmt"

	"github.com/2389/coven-relay/internal/protocol"
)

// Verifier decides whether a peer may authenticate as role with token.
type Verifier interface {
	Verify(token string, role protocol.Role) error
}

// SecretVerifier checks tokens against a single shared secret.
type SecretVerifier struct {
	secret   []byte
	issuer   *Issuer
	allowJWT bool
}

// NewSecretVerifier creates a verifier for secret. With allowJWT, tokens
// minted by NewIssuer(secret) are accepted too.
func NewSecretVerifier(secret string, allowJWT bool) *SecretVerifier {
	return &SecretVerifier{
		secret:   []byte(secret),
		issuer:   NewIssuer([]byte(secret)),
		allowJWT: allowJWT,
	}
}

// Verify returns nil when token grants role, or an error wrapping
// ErrInvalidToken, ErrExpiredToken or ErrRoleMismatch.
func (v *SecretVerifier) Verify(token string, role protocol.Role) error {
	if len(v.secret) == 0 || token == "" {
		return ErrInvalidToken
	}
	if subtle.ConstantTimeCompare([]byte(token), v.secret) == 1 {
		return nil
	}
	if !v.allowJWT {
		return ErrInvalidToken
	}

	claims, err := v.issuer.Parse(token)
	if err != nil {
		return err
	}
	if claims.Role != "" && claims.Role != role {
		return fmt.Errorf("%w: token is for %s", ErrRoleMismatch, claims.Role)
	}
	return nil
}
