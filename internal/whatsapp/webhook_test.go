// ABOUTME: Tests for webhook payload parsing
// ABOUTME: Uses real Cloud API notification shapes for messages, media, and statuses

package whatsapp

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const textNotification = `{
	"object": "whatsapp_business_account",
	"entry": [{
		"id": "1234567890",
		"changes": [{
			"field": "messages",
			"value": {
				"messaging_product": "whatsapp",
				"metadata": {"display_phone_number": "15550001111", "phone_number_id": "111"},
				"contacts": [{"profile": {"name": "Maria Lopez"}, "wa_id": "15551234567"}],
				"messages": [{
					"from": "15551234567",
					"id": "wamid.text1",
					"timestamp": "1756640000",
					"type": "text",
					"text": {"body": "hola, necesito ayuda"}
				}]
			}
		}]
	}]
}`

func TestParseTextMessage(t *testing.T) {
	events, err := ParseWebhook([]byte(textNotification))
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.NotNil(t, events[0].Message)

	msg := events[0].Message
	assert.Equal(t, "wamid.text1", msg.ProviderMessageID)
	assert.Equal(t, "15551234567", msg.From)
	assert.Equal(t, "Maria Lopez", msg.ContactName)
	assert.Equal(t, "text", msg.Kind)
	assert.Equal(t, "hola, necesito ayuda", msg.Text)
	assert.Equal(t, time.Unix(1756640000, 0), msg.Timestamp)
}

func TestParseImageMessage(t *testing.T) {
	payload := `{
		"object": "whatsapp_business_account",
		"entry": [{"changes": [{"field": "messages", "value": {
			"contacts": [{"profile": {"name": "Maria"}, "wa_id": "15551234567"}],
			"messages": [{
				"from": "15551234567",
				"id": "wamid.img1",
				"timestamp": "1756640001",
				"type": "image",
				"image": {"id": "media789", "caption": "my receipt", "mime_type": "image/jpeg"}
			}]
		}}]}]
	}`

	events, err := ParseWebhook([]byte(payload))
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.NotNil(t, events[0].Message)

	msg := events[0].Message
	assert.Equal(t, "image", msg.Kind)
	assert.Equal(t, "media789", msg.MediaID)
	assert.Equal(t, "my receipt", msg.Text)
}

func TestParseStatusReport(t *testing.T) {
	payload := `{
		"object": "whatsapp_business_account",
		"entry": [{"changes": [{"field": "messages", "value": {
			"statuses": [{
				"id": "wamid.out1",
				"status": "delivered",
				"timestamp": "1756640002",
				"recipient_id": "15551234567"
			}]
		}}]}]
	}`

	events, err := ParseWebhook([]byte(payload))
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.NotNil(t, events[0].Status)

	status := events[0].Status
	assert.Equal(t, "wamid.out1", status.ProviderMessageID)
	assert.Equal(t, "delivered", status.Status)
	assert.Equal(t, "15551234567", status.RecipientID)
}

func TestParseMixedDelivery(t *testing.T) {
	payload := `{
		"object": "whatsapp_business_account",
		"entry": [{"changes": [{"field": "messages", "value": {
			"contacts": [{"profile": {"name": "Maria"}, "wa_id": "15551234567"}],
			"messages": [{
				"from": "15551234567",
				"id": "wamid.m1",
				"timestamp": "1756640003",
				"type": "text",
				"text": {"body": "first"}
			}],
			"statuses": [{"id": "wamid.out2", "status": "read", "timestamp": "1756640004"}]
		}}]}]
	}`

	events, err := ParseWebhook([]byte(payload))
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.NotNil(t, events[0].Message)
	assert.NotNil(t, events[1].Status)
}

func TestParseSkipsUnhandledTypes(t *testing.T) {
	payload := `{
		"object": "whatsapp_business_account",
		"entry": [{"changes": [{"field": "messages", "value": {
			"messages": [{
				"from": "15551234567",
				"id": "wamid.sticker1",
				"timestamp": "1756640005",
				"type": "sticker"
			}]
		}}]}]
	}`

	events, err := ParseWebhook([]byte(payload))
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestParseIgnoresOtherObjects(t *testing.T) {
	events, err := ParseWebhook([]byte(`{"object": "page", "entry": []}`))
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestParseMalformedBody(t *testing.T) {
	_, err := ParseWebhook([]byte(`{not json`))
	assert.Error(t, err)
}
