// ABOUTME: HTTP route table for the gateway
// ABOUTME: Agent-facing routes sit behind JWT auth; webhook and health do not

package gateway

import (
	"net/http"

	"github.com/sable-systems/chatrelay/internal/auth"
)

// routes builds the HTTP handler. The provider webhook and health check are
// unauthenticated; everything agent-facing requires a bearer token when a
// jwt_secret is configured.
func (g *Gateway) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", g.handleHealth)
	mux.HandleFunc("/api/webhook/whatsapp", g.handleWebhook)

	if g.verifier != nil {
		mw := auth.Middleware(g.verifier)
		mux.Handle("/api/messages", mw(http.HandlerFunc(g.handleMessages)))
		mux.Handle("/api/messages/", mw(http.HandlerFunc(g.handleMessageRoutes)))
		mux.Handle("/api/conversations", mw(http.HandlerFunc(g.handleListConversations)))
		mux.Handle("/api/conversations/", mw(http.HandlerFunc(g.handleConversationRoutes)))
		mux.Handle("/ws", mw(http.HandlerFunc(g.handleWebsocket)))
		g.logger.Info("agent API auth enabled")
	} else {
		mux.HandleFunc("/api/messages", g.handleMessages)
		mux.HandleFunc("/api/messages/", g.handleMessageRoutes)
		mux.HandleFunc("/api/conversations", g.handleListConversations)
		mux.HandleFunc("/api/conversations/", g.handleConversationRoutes)
		mux.HandleFunc("/ws", g.handleWebsocket)
		g.logger.Warn("agent API auth disabled - no jwt_secret configured")
	}

	return mux
}
