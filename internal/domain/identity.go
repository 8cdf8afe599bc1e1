package domain

import "context"

// IdentityProvider supplies the caller identity for every operation. The core
// never authenticates; it only consumes an opaque identity string for
// ownership and recipient checks.
type IdentityProvider interface {
	CurrentIdentity(ctx context.Context) (string, bool)
	IsSignedIn(ctx context.Context) bool
}
