// ABOUTME: Webhook payload parsing for the Cloud API change notification format
// ABOUTME: Flattens entry/changes/value nesting into message and status events

package whatsapp

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// MessageEvent is an inbound message from a contact
type MessageEvent struct {
	ProviderMessageID string
	From              string // contact phone number
	ContactName       string // profile name, may be empty
	Kind              string // text, image, document, audio, video
	Text              string // body for text, caption for media
	MediaID           string // set for media kinds
	Timestamp         time.Time
}

// StatusEvent is a delivery status report for an outbound message
type StatusEvent struct {
	ProviderMessageID string
	Status            string // sent, delivered, read, failed
	RecipientID       string
	Timestamp         time.Time
}

// Event is one notification from a webhook delivery. Exactly one field is
// set.
type Event struct {
	Message *MessageEvent
	Status  *StatusEvent
}

type webhookPayload struct {
	Object string `json:"object"`
	Entry  []struct {
		Changes []struct {
			Field string       `json:"field"`
			Value webhookValue `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

type webhookValue struct {
	Contacts []struct {
		WaID    string `json:"wa_id"`
		Profile struct {
			Name string `json:"name"`
		} `json:"profile"`
	} `json:"contacts"`
	Messages []webhookMessage `json:"messages"`
	Statuses []struct {
		ID        string `json:"id"`
		Status    string `json:"status"`
		Timestamp string `json:"timestamp"`
		Recipient string `json:"recipient_id"`
	} `json:"statuses"`
}

type webhookMessage struct {
	ID        string `json:"id"`
	From      string `json:"from"`
	Type      string `json:"type"`
	Timestamp string `json:"timestamp"`
	Text      *struct {
		Body string `json:"body"`
	} `json:"text"`
	Image    *webhookMedia `json:"image"`
	Document *webhookMedia `json:"document"`
	Audio    *webhookMedia `json:"audio"`
	Video    *webhookMedia `json:"video"`
}

type webhookMedia struct {
	ID      string `json:"id"`
	Caption string `json:"caption"`
}

// ParseWebhook extracts message and status events from a raw webhook body.
// Notification types this relay doesn't handle (reactions, stickers,
// template updates) are skipped, not errors; the provider retries on
// anything but a 200.
func ParseWebhook(body []byte) ([]Event, error) {
	var payload webhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("parsing webhook body: %w", err)
	}
	if payload.Object != "whatsapp_business_account" {
		return nil, nil
	}

	var events []Event
	for _, entry := range payload.Entry {
		for _, change := range entry.Changes {
			if change.Field != "messages" {
				continue
			}
			names := make(map[string]string, len(change.Value.Contacts))
			for _, contact := range change.Value.Contacts {
				names[contact.WaID] = contact.Profile.Name
			}

			for _, msg := range change.Value.Messages {
				event := parseMessage(msg, names[msg.From])
				if event != nil {
					events = append(events, Event{Message: event})
				}
			}
			for _, status := range change.Value.Statuses {
				events = append(events, Event{Status: &StatusEvent{
					ProviderMessageID: status.ID,
					Status:            status.Status,
					RecipientID:       status.Recipient,
					Timestamp:         parseEpoch(status.Timestamp),
				}})
			}
		}
	}
	return events, nil
}

func parseMessage(msg webhookMessage, contactName string) *MessageEvent {
	event := &MessageEvent{
		ProviderMessageID: msg.ID,
		From:              msg.From,
		ContactName:       contactName,
		Kind:              msg.Type,
		Timestamp:         parseEpoch(msg.Timestamp),
	}

	switch msg.Type {
	case "text":
		if msg.Text == nil {
			return nil
		}
		event.Text = msg.Text.Body
	case "image":
		fillMedia(event, msg.Image)
	case "document":
		fillMedia(event, msg.Document)
	case "audio":
		fillMedia(event, msg.Audio)
	case "video":
		fillMedia(event, msg.Video)
	default:
		return nil
	}
	if event.Kind != "text" && event.MediaID == "" {
		return nil
	}
	return event
}

func fillMedia(event *MessageEvent, media *webhookMedia) {
	if media == nil {
		return
	}
	event.MediaID = media.ID
	event.Text = media.Caption
}

// parseEpoch converts the provider's unix-seconds string timestamp. A bad or
// missing timestamp falls back to the current time.
func parseEpoch(s string) time.Time {
	secs, err := strconv.ParseInt(s, 10, 64)
	if err != nil || secs <= 0 {
		return time.Now()
	}
	return time.Unix(secs, 0)
}
