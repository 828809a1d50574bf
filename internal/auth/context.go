// Package auth carries the browser identity through request contexts.
package auth

import "context"

type contextKey struct{}

// Identity is the browser session behind a request. Email is empty until
// the browser signs in with a magic link.
type Identity struct {
	SessionRowID int64
	SessionID    string
	Email        string
}

func (i Identity) Authenticated() bool {
	return i.Email != ""
}

func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, contextKey{}, id)
}

func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(contextKey{}).(Identity)
	return id, ok
}

// Email returns the signed-in email, or "" for anonymous requests.
func Email(ctx context.Context) string {
	id, ok := FromContext(ctx)
	if !ok {
		return ""
	}
	return id.Email
}

func SessionID(ctx context.Context) string {
	id, ok := FromContext(ctx)
	if !ok {
		return ""
	}
	return id.SessionID
}
