package edgeauth

import "context"

type contextKey string

const claimsContextKey contextKey = "edgeauth.claims"

// ContextWithClaims returns a context carrying verified Claims, for
// handlers downstream of JWT verification to read back via
// ClaimsFromContext.
func ContextWithClaims(ctx context.Context, claims Claims) context.Context {
	return context.WithValue(ctx, claimsContextKey, claims)
}

// ClaimsFromContext retrieves Claims stashed by ContextWithClaims.
func ClaimsFromContext(ctx context.Context) (Claims, bool) {
	c, ok := ctx.Value(claimsContextKey).(Claims)
	return c, ok
}
