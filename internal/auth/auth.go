// Package auth defines the token authenticator the collaboration core
// consumes. The credential store minting these tokens is an external
// collaborator; the core only verifies and reads them.
package auth

import (
	"context"
	"errors"
)

var ErrUnauthorized = errors.New("unauthorized")

// User is the identity an accepted token resolves to.
type User struct {
	ID            int64
	Name          string
	IsServerAdmin bool
}

// Authenticator validates an opaque bearer token.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (User, error)
}
