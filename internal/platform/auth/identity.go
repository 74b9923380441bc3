package auth

import (
	"context"

	firebaseauth "firebase.google.com/go/v4/auth"
)

// Identity is the signed-in customer extracted from a Firebase ID token. Admin privileges are not
// carried here; they are resolved from the admin directory per request.
type Identity struct {
	UID           string
	Email         string
	EmailVerified bool
	Name          string
	Locale        string

	token *firebaseauth.Token
}

// Token exposes the decoded Firebase ID token associated with this identity.
func (i *Identity) Token() *firebaseauth.Token {
	if i == nil {
		return nil
	}
	return i.token
}

// DisplayName falls back to the email local part when the token carries no name.
func (i *Identity) DisplayName() string {
	if i == nil {
		return ""
	}
	if i.Name != "" {
		return i.Name
	}
	for idx := 0; idx < len(i.Email); idx++ {
		if i.Email[idx] == '@' {
			return i.Email[:idx]
		}
	}
	return i.Email
}

type contextKey string

const identityContextKey contextKey = "github.com/carawoo/mereal/internal/platform/auth/identity"

// WithIdentity stores the identity within the context for downstream handlers.
func WithIdentity(ctx context.Context, identity *Identity) context.Context {
	return context.WithValue(ctx, identityContextKey, identity)
}

// IdentityFromContext retrieves the identity previously stored in context.
func IdentityFromContext(ctx context.Context) (*Identity, bool) {
	if ctx == nil {
		return nil, false
	}
	identity, ok := ctx.Value(identityContextKey).(*Identity)
	if !ok || identity == nil {
		return nil, false
	}
	return identity, true
}
