// Package auth verifies agent JWTs on the HTTP API and websocket endpoints.
// Token issuance is handled by an external identity service; this package
// only validates and extracts the agent identity.
package auth
