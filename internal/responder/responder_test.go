// ABOUTME: Tests for the bot backend client
// ABOUTME: Covers normal replies, escalation flags, and the failure fallback path

package responder

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInvokeReturnsBotReply(t *testing.T) {
	var gotReq Request
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		json.NewEncoder(w).Encode(Reply{Response: "Our hours are 9 to 5."})
	}))
	defer server.Close()

	c := New(Config{WebhookURL: server.URL}, nil)
	reply := c.Invoke(context.Background(), &Request{
		ConversationID: "conv-1",
		ContactPhone:   "15551234567",
		Message:        "what are your hours?",
	})

	assert.Equal(t, "Our hours are 9 to 5.", reply.Response)
	assert.False(t, reply.NeedsHuman)
	assert.Equal(t, "what are your hours?", gotReq.Message)
	assert.Equal(t, "conv-1", gotReq.ConversationID)
}

func TestInvokePropagatesNeedsHuman(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(Reply{Response: "Connecting you with a person.", NeedsHuman: true})
	}))
	defer server.Close()

	c := New(Config{WebhookURL: server.URL}, nil)
	reply := c.Invoke(context.Background(), &Request{Message: "I want a refund"})

	assert.True(t, reply.NeedsHuman)
	assert.Equal(t, "Connecting you with a person.", reply.Response)
}

func TestInvokeFallbackOnServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	c := New(Config{WebhookURL: server.URL, FallbackText: "one moment please"}, nil)
	reply := c.Invoke(context.Background(), &Request{Message: "hello"})

	assert.True(t, reply.NeedsHuman)
	assert.Equal(t, "one moment please", reply.Response)
}

func TestInvokeFallbackOnTimeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		json.NewEncoder(w).Encode(Reply{Response: "too late"})
	}))
	defer server.Close()

	c := New(Config{WebhookURL: server.URL, Timeout: 50 * time.Millisecond}, nil)
	reply := c.Invoke(context.Background(), &Request{Message: "hello"})

	assert.True(t, reply.NeedsHuman)
	assert.Equal(t, DefaultFallbackText, reply.Response)
}

func TestInvokeFallbackWhenUnconfigured(t *testing.T) {
	c := New(Config{}, nil)
	reply := c.Invoke(context.Background(), &Request{Message: "hello"})

	assert.True(t, reply.NeedsHuman)
	assert.Equal(t, DefaultFallbackText, reply.Response)
}

func TestInvokeTrimsWhitespaceReply(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(Reply{Response: "  \n  "})
	}))
	defer server.Close()

	c := New(Config{WebhookURL: server.URL}, nil)
	reply := c.Invoke(context.Background(), &Request{Message: "hello"})

	assert.Empty(t, reply.Response)
	assert.False(t, reply.NeedsHuman)
}
