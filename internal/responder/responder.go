// ABOUTME: HTTP client for the external bot backend that drafts automated replies
// ABOUTME: Any failure degrades to a fallback reply asking for a human, never silence

package responder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// DefaultTimeout bounds how long a contact waits on the bot backend
const DefaultTimeout = 30 * time.Second

// DefaultFallbackText is sent when the bot backend is unreachable or broken
const DefaultFallbackText = "I'm having technical difficulties right now. Let me connect you with one of our team members."

// Request carries an inbound message to the bot backend
type Request struct {
	ConversationID string        `json:"conversation_id"`
	ContactPhone   string        `json:"contact_phone"`
	ContactName    string        `json:"contact_name,omitempty"`
	MessageID      string        `json:"message_id"`
	Message        string        `json:"message"`
	History        []HistoryItem `json:"history,omitempty"`
}

// HistoryItem is one prior message given to the bot as context
type HistoryItem struct {
	Sender  string `json:"sender"`
	Content string `json:"content"`
}

// Reply is the bot backend's answer. An empty Response with NeedsHuman unset
// means the bot chose to stay silent.
type Reply struct {
	Response   string `json:"response"`
	NeedsHuman bool   `json:"needsHuman"`
}

// Client calls the bot backend over HTTP
type Client struct {
	httpClient   *http.Client
	webhookURL   string
	fallbackText string
	logger       *slog.Logger
}

// Config for the bot backend client
type Config struct {
	WebhookURL   string
	Timeout      time.Duration
	FallbackText string
}

// New creates a responder client. An empty WebhookURL is allowed; every
// invocation then takes the fallback path.
func New(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	fallback := cfg.FallbackText
	if fallback == "" {
		fallback = DefaultFallbackText
	}
	return &Client{
		httpClient:   &http.Client{Timeout: timeout},
		webhookURL:   cfg.WebhookURL,
		fallbackText: fallback,
		logger:       logger.With("component", "responder"),
	}
}

// Invoke sends the message to the bot backend and returns its reply. The bot
// failing, timing out, or being unconfigured yields the fallback reply with
// NeedsHuman set, so the contact always hears something and lands with a
// person.
func (c *Client) Invoke(ctx context.Context, req *Request) *Reply {
	if c.webhookURL == "" {
		c.logger.Warn("bot backend not configured, escalating",
			"conversation_id", req.ConversationID)
		return c.fallback()
	}

	reply, err := c.call(ctx, req)
	if err != nil {
		c.logger.Error("bot backend invocation failed",
			"conversation_id", req.ConversationID,
			"error", err)
		return c.fallback()
	}
	reply.Response = strings.TrimSpace(reply.Response)
	return reply
}

func (c *Client) call(ctx context.Context, req *Request) (*Reply, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.webhookURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("calling bot backend: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("bot backend returned %d: %s", resp.StatusCode, respBody)
	}

	var reply Reply
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		return nil, fmt.Errorf("decoding bot reply: %w", err)
	}
	return &reply, nil
}

func (c *Client) fallback() *Reply {
	return &Reply{Response: c.fallbackText, NeedsHuman: true}
}
