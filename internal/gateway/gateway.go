// ABOUTME: Gateway orchestrator wiring the store, ingest pipeline, relay hub, and HTTP API
// ABOUTME: Owns component lifecycle: startup wiring, serving, and graceful shutdown

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/sable-systems/chatrelay/internal/auth"
	"github.com/sable-systems/chatrelay/internal/config"
	"github.com/sable-systems/chatrelay/internal/contact"
	"github.com/sable-systems/chatrelay/internal/conversation"
	"github.com/sable-systems/chatrelay/internal/dedupe"
	"github.com/sable-systems/chatrelay/internal/ingest"
	"github.com/sable-systems/chatrelay/internal/relay"
	"github.com/sable-systems/chatrelay/internal/responder"
	"github.com/sable-systems/chatrelay/internal/store"
	"github.com/sable-systems/chatrelay/internal/whatsapp"
)

const shutdownTimeout = 15 * time.Second

// Gateway coordinates the chatrelay server components: the SQLite-backed
// ledger, the webhook ingest pool, the websocket hub for agent consoles, and
// the HTTP API.
type Gateway struct {
	config        *config.Config
	store         store.Store
	contacts      *contact.Registry
	conversations *conversation.Service
	provider      *whatsapp.Client
	hub           *relay.Hub
	events        *hubNotifier
	processor     *ingest.Processor
	pool          *ingest.Pool
	seen          *dedupe.Cache
	verifier      *auth.JWTVerifier
	httpServer    *http.Server
	logger        *slog.Logger
}

// hubNotifier fans an event out to the conversation's room and to every
// connected console. Both deliveries happen for each event so consoles
// without the conversation open still learn of activity.
type hubNotifier struct {
	hub *relay.Hub
}

func (n *hubNotifier) Notify(event *relay.Event) {
	if event.ConversationID != "" {
		n.hub.Broadcast(event.ConversationID, event, "")
	}
	n.hub.BroadcastAll(event)
}

// New creates a Gateway from the given configuration. The returned Gateway
// owns the store and must be shut down via Run's context or Shutdown.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}

	s, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	provider := whatsapp.NewClient(whatsapp.Config{
		APIURL:             cfg.WhatsApp.APIURL,
		AccessToken:        cfg.WhatsApp.AccessToken,
		AppSecret:          cfg.WhatsApp.AppSecret,
		VerifyToken:        cfg.WhatsApp.VerifyToken,
		BotPhoneNumberID:   cfg.WhatsApp.BotPhoneNumberID,
		HumanPhoneNumberID: cfg.WhatsApp.HumanPhoneNumberID,
	}, logger.With("component", "whatsapp"))

	bot := responder.New(responder.Config{
		WebhookURL:   cfg.Bot.WebhookURL,
		Timeout:      cfg.Bot.Timeout,
		FallbackText: cfg.Bot.FallbackMessage,
	}, logger.With("component", "responder"))

	hub := relay.NewHub(logger.With("component", "hub"))
	events := &hubNotifier{hub: hub}

	registry := contact.New(s, logger.With("component", "contacts"))
	convs := conversation.New(s, nil, cfg.Conversations.ExpiryWindow, logger.With("component", "conversation"))

	ttl := cfg.Ingest.DedupeTTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	seen := dedupe.New(ttl, 100_000)

	proc := ingest.New(s, registry, convs, provider, bot, events, seen, ingest.Config{
		WelcomeText:        cfg.Bot.WelcomeMessage,
		ClosureText:        cfg.Conversations.ClosureNotice,
		EscalationKeywords: cfg.Bot.EscalationKeywords,
	}, logger)
	// The processor sends the closure notice when the service expires an idle
	// conversation, so it is wired in after construction.
	convs.SetNotifier(proc)

	pool := ingest.NewPool(proc, cfg.Ingest.Workers, cfg.Ingest.QueueSize, logger)

	g := &Gateway{
		config:        cfg,
		store:         s,
		contacts:      registry,
		conversations: convs,
		provider:      provider,
		hub:           hub,
		events:        events,
		processor:     proc,
		pool:          pool,
		seen:          seen,
		logger:        logger.With("component", "gateway"),
	}
	if cfg.Auth.JWTSecret != "" {
		g.verifier = auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	}
	g.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           g.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return g, nil
}

// Run serves HTTP until the context is canceled or the listener fails, then
// performs a graceful shutdown.
func (g *Gateway) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("http server listening", "addr", g.httpServer.Addr)
		if err := g.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
		g.logger.Info("shutdown signal received")
		return g.Shutdown()
	}
}

// Shutdown stops accepting requests, drains queued webhook work, and closes
// the hub and store.
func (g *Gateway) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var errs []error
	if err := g.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http server: %w", err))
	}
	if err := g.pool.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("ingest pool: %w", err))
	}
	g.hub.Close()
	g.seen.Close()
	if err := g.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("store: %w", err))
	}
	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	g.logger.Info("shutdown complete")
	return nil
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}
