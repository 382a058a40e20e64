// Package auth verifies the credentials peers present to the relay.
//
// The relay has a single shared secret. A peer authenticates by sending it
// as the token of its auth envelope. When JWT support is enabled, an HS256
// token signed with the secret is accepted as well; its optional "role"
// claim restricts which role the bearer may take.
//
// Errors:
//
//   - ErrInvalidToken: wrong secret or bad signature
//   - ErrExpiredToken: token past its exp claim
//   - ErrRoleMismatch: token role claim differs from the declared role
package auth
