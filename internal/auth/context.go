// ABOUTME: Context helpers carrying the authenticated agent through a request
// ABOUTME: Unexported key type keeps other packages from forging the value

package auth

import "context"

type contextKey struct{}

// WithAgent returns a context carrying the authenticated agent ID
func WithAgent(ctx context.Context, agentID string) context.Context {
	return context.WithValue(ctx, contextKey{}, agentID)
}

// AgentFromContext extracts the authenticated agent ID, if any
func AgentFromContext(ctx context.Context) (string, bool) {
	agentID, ok := ctx.Value(contextKey{}).(string)
	return agentID, ok && agentID != ""
}
