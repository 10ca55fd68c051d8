// ABOUTME: HTTP API handlers for webhook ingestion, agent messaging, and conversation management
// ABOUTME: JSON request/response types plus the websocket upgrade endpoint for agent consoles

package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/sable-systems/chatrelay/internal/auth"
	"github.com/sable-systems/chatrelay/internal/relay"
	"github.com/sable-systems/chatrelay/internal/store"
	"github.com/sable-systems/chatrelay/internal/whatsapp"
)

// maxWebhookBody bounds how much of a webhook delivery is read.
const maxWebhookBody = 1 << 20

// SendMessageRequest is the JSON body for POST /api/messages.
type SendMessageRequest struct {
	ConversationID string `json:"conversation_id"`
	Content        string `json:"content"`
	ContentKind    string `json:"content_kind,omitempty"` // defaults to "text"
	MediaURL       string `json:"media_url,omitempty"`
}

// UpdateConversationRequest is the JSON body for PATCH /api/conversations/{id}.
// A present but empty assigned_agent clears the assignment.
type UpdateConversationRequest struct {
	AssignedAgent *string           `json:"assigned_agent,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// TransferRequest is the JSON body for POST /api/conversations/{id}/transfer.
type TransferRequest struct {
	Target  string `json:"target"` // "human" or "bot"
	AgentID string `json:"agent_id,omitempty"`
}

// MessageResponse is the JSON representation of a ledger message.
type MessageResponse struct {
	ID                string    `json:"id"`
	ConversationID    string    `json:"conversation_id"`
	ProviderMessageID string    `json:"provider_message_id,omitempty"`
	SenderKind        string    `json:"sender_kind"`
	SenderID          string    `json:"sender_id,omitempty"`
	Content           string    `json:"content"`
	ContentKind       string    `json:"content_kind"`
	MediaURL          string    `json:"media_url,omitempty"`
	Status            string    `json:"status"`
	CreatedAt         time.Time `json:"created_at"`
}

// ConversationResponse is the JSON representation of a conversation.
type ConversationResponse struct {
	ID              string            `json:"id"`
	ContactID       string            `json:"contact_id"`
	AssignedAgent   string            `json:"assigned_agent,omitempty"`
	Status          string            `json:"status"`
	Owner           string            `json:"owner"`
	Channel         string            `json:"channel"`
	StartedAt       time.Time         `json:"started_at"`
	EndedAt         *time.Time        `json:"ended_at,omitempty"`
	FirstResponseAt *time.Time        `json:"first_response_at,omitempty"`
	LastMessageAt   *time.Time        `json:"last_message_at,omitempty"`
	MessageCount    int               `json:"message_count"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

// ConversationSummaryResponse is one row of GET /api/conversations.
type ConversationSummaryResponse struct {
	ConversationResponse
	ContactPhone string `json:"contact_phone"`
	ContactName  string `json:"contact_name,omitempty"`
	UnreadCount  int    `json:"unread_count"`
	LastMessage  string `json:"last_message,omitempty"`
}

// ConversationDetailResponse is the JSON body of GET /api/conversations/{id}.
type ConversationDetailResponse struct {
	Conversation ConversationResponse `json:"conversation"`
	Messages     []MessageResponse    `json:"messages"`
}

// handleWebhook handles the provider webhook endpoint. GET answers the
// subscription handshake; POST accepts event deliveries. Deliveries are
// acknowledged before processing so provider retry timers never couple to
// internal latency.
func (g *Gateway) handleWebhook(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		q := r.URL.Query()
		challenge, ok := g.provider.VerifyChallenge(q.Get("hub.mode"), q.Get("hub.verify_token"), q.Get("hub.challenge"))
		if !ok {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(challenge))
	case http.MethodPost:
		body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
		if err != nil {
			g.sendJSONError(w, http.StatusBadRequest, "unreadable body")
			return
		}
		if !g.provider.VerifySignature(body, r.Header.Get("X-Hub-Signature-256")) {
			g.logger.Warn("webhook signature verification failed")
			w.WriteHeader(http.StatusForbidden)
			return
		}

		events, err := whatsapp.ParseWebhook(body)
		if err != nil {
			// Malformed payloads are acknowledged and dropped; a retry would
			// deliver the same bytes.
			g.logger.Warn("ignoring malformed webhook payload", "error", err)
		}
		for _, event := range events {
			g.pool.Submit(event)
		}

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("EVENT_RECEIVED"))
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// handleMessages handles POST /api/messages: an agent sending an outbound
// message. The provider send happens first; the ledger is only written once
// the provider accepted the message.
func (g *Gateway) handleMessages(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req SendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.ConversationID == "" {
		g.sendJSONError(w, http.StatusBadRequest, "conversation_id is required")
		return
	}
	kind, err := resolveContentKind(req.ContentKind)
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if kind == store.ContentText && strings.TrimSpace(req.Content) == "" {
		g.sendJSONError(w, http.StatusBadRequest, "content is required")
		return
	}
	if kind != store.ContentText && req.MediaURL == "" {
		g.sendJSONError(w, http.StatusBadRequest, "media_url is required for media messages")
		return
	}

	ctx := r.Context()
	conv, err := g.conversations.Get(ctx, req.ConversationID)
	if errors.Is(err, store.ErrNotFound) {
		g.sendJSONError(w, http.StatusNotFound, "conversation not found")
		return
	}
	if err != nil {
		g.logger.Error("failed to load conversation", "conversation_id", req.ConversationID, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if conv.Status != store.StatusActive {
		g.sendJSONError(w, http.StatusConflict, "conversation is not active")
		return
	}

	contactRec, err := g.store.GetContact(ctx, conv.ContactID)
	if err != nil {
		g.logger.Error("failed to load contact", "contact_id", conv.ContactID, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	line := whatsapp.LineBot
	if conv.Channel == store.ChannelHuman {
		line = whatsapp.LineHuman
	}

	var providerID string
	if kind == store.ContentText {
		providerID, err = g.provider.SendText(ctx, contactRec.PhoneNumber, req.Content, line)
	} else {
		providerID, err = g.provider.SendMedia(ctx, contactRec.PhoneNumber, string(kind), req.MediaURL, req.Content, line)
	}
	if err != nil {
		g.logger.Error("provider send failed", "conversation_id", conv.ID, "error", err)
		g.sendJSONError(w, http.StatusBadGateway, "provider send failed")
		return
	}

	msg := &store.Message{
		ID:                uuid.NewString(),
		ConversationID:    conv.ID,
		ProviderMessageID: &providerID,
		SenderKind:        store.SenderAgent,
		Content:           req.Content,
		ContentKind:       kind,
		Status:            store.DeliverySent,
		CreatedAt:         time.Now().UTC(),
	}
	if agentID, ok := auth.AgentFromContext(ctx); ok {
		msg.SenderID = &agentID
	}
	if req.MediaURL != "" {
		msg.MediaURL = &req.MediaURL
	}

	if err := g.store.AppendMessage(ctx, msg); err != nil {
		// The contact already received the message; the ledger gap is the
		// lesser failure and is surfaced to the agent.
		g.logger.Error("failed to record sent message", "conversation_id", conv.ID, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "message sent but not recorded")
		return
	}
	g.events.Notify(relay.NewMessageEvent(msg))

	g.writeJSON(w, http.StatusCreated, messageResponse(msg))
}

// handleMessageRoutes dispatches paths under /api/messages/:
// GET /api/messages/{id} and POST /api/messages/{conversation}/read.
func (g *Gateway) handleMessageRoutes(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/messages/")
	parts := strings.Split(strings.Trim(path, "/"), "/")

	switch {
	case len(parts) == 1 && parts[0] != "" && r.Method == http.MethodGet:
		g.handleGetMessage(w, r, parts[0])
	case len(parts) == 2 && parts[1] == "read" && r.Method == http.MethodPost:
		g.handleMarkRead(w, r, parts[0])
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (g *Gateway) handleGetMessage(w http.ResponseWriter, r *http.Request, id string) {
	msg, err := g.store.GetMessage(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		g.sendJSONError(w, http.StatusNotFound, "message not found")
		return
	}
	if err != nil {
		g.logger.Error("failed to load message", "message_id", id, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	g.writeJSON(w, http.StatusOK, messageResponse(msg))
}

// handleMarkRead marks all contact-authored messages in a conversation as
// read and pushes the refreshed conversation so consoles drop their unread
// badges.
func (g *Gateway) handleMarkRead(w http.ResponseWriter, r *http.Request, conversationID string) {
	ctx := r.Context()
	conv, err := g.conversations.Get(ctx, conversationID)
	if errors.Is(err, store.ErrNotFound) {
		g.sendJSONError(w, http.StatusNotFound, "conversation not found")
		return
	}
	if err != nil {
		g.logger.Error("failed to load conversation", "conversation_id", conversationID, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	if err := g.store.MarkContactMessagesRead(ctx, conversationID); err != nil {
		g.logger.Error("failed to mark messages read", "conversation_id", conversationID, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	g.events.Notify(relay.NewConversationEvent(relay.EventConversationUpdated, conv))

	g.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleListConversations handles GET /api/conversations with optional
// status, owner, assigned_agent, limit, and offset query parameters.
func (g *Gateway) handleListConversations(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	q := r.URL.Query()
	var filter store.ConversationFilter
	if v := q.Get("status"); v != "" {
		status := store.ConversationStatus(v)
		filter.Status = &status
	}
	if v := q.Get("owner"); v != "" {
		owner := store.Owner(v)
		filter.Owner = &owner
	}
	if v := q.Get("assigned_agent"); v != "" {
		filter.AssignedAgent = &v
	}
	filter.Limit = parseIntParam(q.Get("limit"), 0)
	filter.Offset = parseIntParam(q.Get("offset"), 0)

	summaries, err := g.conversations.List(r.Context(), filter)
	if err != nil {
		g.logger.Error("failed to list conversations", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	response := make([]ConversationSummaryResponse, 0, len(summaries))
	for _, s := range summaries {
		response = append(response, summaryResponse(s))
	}
	g.writeJSON(w, http.StatusOK, response)
}

// handleConversationRoutes dispatches paths under /api/conversations/:
// GET/PATCH {id}, GET {id}/messages, POST {id}/transfer, POST {id}/close.
func (g *Gateway) handleConversationRoutes(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/conversations/")
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) == 0 || parts[0] == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	id := parts[0]

	switch {
	case len(parts) == 1 && r.Method == http.MethodGet:
		g.handleGetConversation(w, r, id)
	case len(parts) == 1 && r.Method == http.MethodPatch:
		g.handleUpdateConversation(w, r, id)
	case len(parts) == 2 && parts[1] == "messages" && r.Method == http.MethodGet:
		g.handleConversationMessages(w, r, id)
	case len(parts) == 2 && parts[1] == "transfer" && r.Method == http.MethodPost:
		g.handleTransfer(w, r, id)
	case len(parts) == 2 && parts[1] == "close" && r.Method == http.MethodPost:
		g.handleClose(w, r, id)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (g *Gateway) handleGetConversation(w http.ResponseWriter, r *http.Request, id string) {
	ctx := r.Context()
	conv, err := g.conversations.Get(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		g.sendJSONError(w, http.StatusNotFound, "conversation not found")
		return
	}
	if err != nil {
		g.logger.Error("failed to load conversation", "conversation_id", id, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	limit := parseIntParam(r.URL.Query().Get("limit"), 50)
	msgs, err := g.store.ListMessages(ctx, id, limit)
	if err != nil {
		g.logger.Error("failed to list messages", "conversation_id", id, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	detail := ConversationDetailResponse{
		Conversation: conversationResponse(conv),
		Messages:     make([]MessageResponse, 0, len(msgs)),
	}
	for _, m := range msgs {
		detail.Messages = append(detail.Messages, messageResponse(m))
	}
	g.writeJSON(w, http.StatusOK, detail)
}

func (g *Gateway) handleConversationMessages(w http.ResponseWriter, r *http.Request, id string) {
	if _, err := g.conversations.Get(r.Context(), id); errors.Is(err, store.ErrNotFound) {
		g.sendJSONError(w, http.StatusNotFound, "conversation not found")
		return
	} else if err != nil {
		g.logger.Error("failed to load conversation", "conversation_id", id, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	limit := parseIntParam(r.URL.Query().Get("limit"), 0)
	msgs, err := g.store.ListMessages(r.Context(), id, limit)
	if err != nil {
		g.logger.Error("failed to list messages", "conversation_id", id, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	response := make([]MessageResponse, 0, len(msgs))
	for _, m := range msgs {
		response = append(response, messageResponse(m))
	}
	g.writeJSON(w, http.StatusOK, response)
}

func (g *Gateway) handleUpdateConversation(w http.ResponseWriter, r *http.Request, id string) {
	var req UpdateConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	var patch store.ConversationPatch
	if req.AssignedAgent != nil {
		if *req.AssignedAgent == "" {
			var noAgent *string
			patch.AssignedAgent = &noAgent
		} else {
			patch.AssignedAgent = &req.AssignedAgent
		}
	}
	if req.Metadata != nil {
		patch.Metadata = req.Metadata
	}

	conv, err := g.conversations.Update(r.Context(), id, patch)
	if errors.Is(err, store.ErrNotFound) {
		g.sendJSONError(w, http.StatusNotFound, "conversation not found")
		return
	}
	if err != nil {
		g.logger.Error("failed to update conversation", "conversation_id", id, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	g.events.Notify(relay.NewConversationEvent(relay.EventConversationUpdated, conv))

	g.writeJSON(w, http.StatusOK, conversationResponse(conv))
}

// handleTransfer hands a conversation to a human agent or back to the bot.
// The routing channel follows the owner so replies go out on the matching
// line. An omitted agent_id on a human transfer assigns the caller.
func (g *Gateway) handleTransfer(w http.ResponseWriter, r *http.Request, id string) {
	var req TransferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	ctx := r.Context()
	var conv *store.Conversation
	var err error
	switch req.Target {
	case "human":
		agentID := req.AgentID
		if agentID == "" {
			agentID, _ = auth.AgentFromContext(ctx)
		}
		conv, err = g.conversations.TransferToHuman(ctx, id, agentID)
	case "bot":
		conv, err = g.conversations.TransferToBot(ctx, id)
	default:
		g.sendJSONError(w, http.StatusBadRequest, "target must be \"human\" or \"bot\"")
		return
	}
	if errors.Is(err, store.ErrNotFound) {
		g.sendJSONError(w, http.StatusNotFound, "conversation not found")
		return
	}
	if err != nil {
		g.sendJSONError(w, http.StatusConflict, err.Error())
		return
	}
	g.events.Notify(relay.NewConversationEvent(relay.EventConversationUpdated, conv))

	g.writeJSON(w, http.StatusOK, conversationResponse(conv))
}

func (g *Gateway) handleClose(w http.ResponseWriter, r *http.Request, id string) {
	conv, err := g.conversations.Close(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		g.sendJSONError(w, http.StatusNotFound, "conversation not found")
		return
	}
	if err != nil {
		g.logger.Error("failed to close conversation", "conversation_id", id, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	g.events.Notify(relay.NewConversationEvent(relay.EventConversationClosed, conv))

	g.writeJSON(w, http.StatusOK, conversationResponse(conv))
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Consoles connect from their own origins; auth happens via bearer token.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleWebsocket upgrades an agent console connection and attaches it to the
// hub. Blocks on the read loop until the console disconnects.
func (g *Gateway) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	agentID, _ := auth.AgentFromContext(r.Context())

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	// Attach starts the write pump; starting it here as well would put two
	// writers on one socket.
	conn := relay.NewConnection(agentID, ws)
	g.hub.Attach(conn)
	g.hub.ReadLoop(conn)
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}

func (g *Gateway) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Error("failed to encode response", "error", err)
	}
}

func resolveContentKind(kind string) (store.ContentKind, error) {
	switch store.ContentKind(kind) {
	case "", store.ContentText:
		return store.ContentText, nil
	case store.ContentImage, store.ContentDocument, store.ContentAudio, store.ContentVideo:
		return store.ContentKind(kind), nil
	default:
		return "", errors.New("unsupported content_kind")
	}
}

func parseIntParam(s string, fallback int) int {
	if s == "" {
		return fallback
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}

func messageResponse(msg *store.Message) MessageResponse {
	resp := MessageResponse{
		ID:             msg.ID,
		ConversationID: msg.ConversationID,
		SenderKind:     string(msg.SenderKind),
		Content:        msg.Content,
		ContentKind:    string(msg.ContentKind),
		Status:         string(msg.Status),
		CreatedAt:      msg.CreatedAt,
	}
	if msg.ProviderMessageID != nil {
		resp.ProviderMessageID = *msg.ProviderMessageID
	}
	if msg.SenderID != nil {
		resp.SenderID = *msg.SenderID
	}
	if msg.MediaURL != nil {
		resp.MediaURL = *msg.MediaURL
	}
	return resp
}

func conversationResponse(conv *store.Conversation) ConversationResponse {
	resp := ConversationResponse{
		ID:              conv.ID,
		ContactID:       conv.ContactID,
		Status:          string(conv.Status),
		Owner:           string(conv.Owner),
		Channel:         string(conv.Channel),
		StartedAt:       conv.StartedAt,
		EndedAt:         conv.EndedAt,
		FirstResponseAt: conv.FirstResponseAt,
		LastMessageAt:   conv.LastMessageAt,
		MessageCount:    conv.MessageCount,
		Metadata:        conv.Metadata,
	}
	if conv.AssignedAgent != nil {
		resp.AssignedAgent = *conv.AssignedAgent
	}
	return resp
}

func summaryResponse(s *store.ConversationSummary) ConversationSummaryResponse {
	return ConversationSummaryResponse{
		ConversationResponse: conversationResponse(&s.Conversation),
		ContactPhone:         s.ContactPhone,
		ContactName:          s.ContactName,
		UnreadCount:          s.UnreadCount,
		LastMessage:          s.LastMessage,
	}
}
