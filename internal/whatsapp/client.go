// ABOUTME: WhatsApp Cloud API client for sending messages and resolving media
// ABOUTME: Routes outbound sends through the bot or human phone number line

package whatsapp

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"
)

// DefaultAPIURL is the Graph API base used when no override is configured
const DefaultAPIURL = "https://graph.facebook.com/v21.0"

// Line selects which registered phone number an outbound message is sent
// from. The bot and human agents speak to contacts from separate numbers.
type Line string

const (
	LineBot   Line = "bot"
	LineHuman Line = "human"
)

// Config holds Cloud API credentials and phone number routing
type Config struct {
	APIURL             string
	AccessToken        string
	AppSecret          string
	VerifyToken        string
	BotPhoneNumberID   string
	HumanPhoneNumberID string
}

// Client is a WhatsApp Cloud API client
type Client struct {
	httpClient *http.Client
	cfg        Config
	logger     *slog.Logger
}

// NewClient creates a Cloud API client from the given config
func NewClient(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.APIURL == "" {
		cfg.APIURL = DefaultAPIURL
	}
	return &Client{
		httpClient: &http.Client{Timeout: 15 * time.Second},
		cfg:        cfg,
		logger:     logger.With("component", "whatsapp"),
	}
}

func (c *Client) phoneID(line Line) (string, error) {
	switch line {
	case LineHuman:
		if c.cfg.HumanPhoneNumberID == "" {
			return "", fmt.Errorf("human line has no phone number configured")
		}
		return c.cfg.HumanPhoneNumberID, nil
	default:
		if c.cfg.BotPhoneNumberID == "" {
			return "", fmt.Errorf("bot line has no phone number configured")
		}
		return c.cfg.BotPhoneNumberID, nil
	}
}

type sendResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
}

// SendText sends a text message to the given phone number and returns the
// provider message ID.
func (c *Client) SendText(ctx context.Context, to, body string, line Line) (string, error) {
	payload := map[string]any{
		"messaging_product": "whatsapp",
		"to":                to,
		"type":              "text",
		"text":              map[string]any{"body": body},
	}
	return c.sendMessage(ctx, line, payload)
}

// SendMedia sends a media message by link. kind is one of image, document,
// audio, or video. caption is ignored for kinds that don't support one.
func (c *Client) SendMedia(ctx context.Context, to, kind, link, caption string, line Line) (string, error) {
	media := map[string]any{"link": link}
	if caption != "" && (kind == "image" || kind == "document" || kind == "video") {
		media["caption"] = caption
	}
	payload := map[string]any{
		"messaging_product": "whatsapp",
		"to":                to,
		"type":              kind,
		kind:                media,
	}
	return c.sendMessage(ctx, line, payload)
}

func (c *Client) sendMessage(ctx context.Context, line Line, payload map[string]any) (string, error) {
	phoneID, err := c.phoneID(line)
	if err != nil {
		return "", err
	}

	var resp sendResponse
	if err := c.post(ctx, phoneID+"/messages", payload, &resp); err != nil {
		return "", err
	}
	if len(resp.Messages) == 0 {
		return "", fmt.Errorf("provider accepted message but returned no ID")
	}

	c.logger.Debug("message sent",
		"provider_message_id", resp.Messages[0].ID,
		"line", line)
	return resp.Messages[0].ID, nil
}

// MarkRead reports a contact's message as read so the contact sees read
// receipts.
func (c *Client) MarkRead(ctx context.Context, providerMessageID string, line Line) error {
	phoneID, err := c.phoneID(line)
	if err != nil {
		return err
	}
	payload := map[string]any{
		"messaging_product": "whatsapp",
		"status":            "read",
		"message_id":        providerMessageID,
	}
	return c.post(ctx, phoneID+"/messages", payload, nil)
}

type mediaResponse struct {
	URL string `json:"url"`
}

// ResolveMediaURL exchanges a media ID from an inbound message for a
// downloadable URL. The URL is short-lived.
func (c *Client) ResolveMediaURL(ctx context.Context, mediaID string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint(mediaID), nil)
	if err != nil {
		return "", fmt.Errorf("building media request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.AccessToken)

	httpResp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("resolving media: %w", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(httpResp.Body, 4096))
		return "", fmt.Errorf("media lookup returned %d: %s", httpResp.StatusCode, body)
	}

	var resp mediaResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return "", fmt.Errorf("decoding media response: %w", err)
	}
	return resp.URL, nil
}

func (c *Client) post(ctx context.Context, path string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(path), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.AccessToken)
	req.Header.Set("Content-Type", "application/json")

	httpResp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("calling provider: %w", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(httpResp.Body, 4096))
		return fmt.Errorf("provider returned %d: %s", httpResp.StatusCode, respBody)
	}

	if out != nil {
		if err := json.NewDecoder(httpResp.Body).Decode(out); err != nil {
			return fmt.Errorf("decoding provider response: %w", err)
		}
	}
	return nil
}

// endpoint builds a full API URL with the appsecret_proof query parameter
// when an app secret is configured.
func (c *Client) endpoint(path string) string {
	u := c.cfg.APIURL + "/" + path
	if c.cfg.AppSecret != "" {
		u += "?appsecret_proof=" + url.QueryEscape(c.appSecretProof())
	}
	return u
}

// appSecretProof is the HMAC-SHA256 of the access token keyed by the app
// secret, required by the Graph API when app secret proofs are enforced.
func (c *Client) appSecretProof() string {
	mac := hmac.New(sha256.New, []byte(c.cfg.AppSecret))
	mac.Write([]byte(c.cfg.AccessToken))
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks the X-Hub-Signature-256 header against the raw
// webhook body. An empty configured app secret disables verification.
func (c *Client) VerifySignature(body []byte, header string) bool {
	if c.cfg.AppSecret == "" {
		return true
	}
	const prefix = "sha256="
	if len(header) <= len(prefix) || header[:len(prefix)] != prefix {
		return false
	}
	want, err := hex.DecodeString(header[len(prefix):])
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(c.cfg.AppSecret))
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), want)
}

// VerifyChallenge answers the webhook subscription handshake. It returns the
// challenge to echo back and whether the request should be accepted.
func (c *Client) VerifyChallenge(mode, token, challenge string) (string, bool) {
	if mode != "subscribe" || token != c.cfg.VerifyToken {
		return "", false
	}
	return challenge, true
}
