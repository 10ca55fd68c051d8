// ABOUTME: Tests for the inbound event processor state machine
// ABOUTME: Real SQLite store underneath, scripted provider/responder/notifier doubles on the edges

package ingest

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sable-systems/chatrelay/internal/contact"
	"github.com/sable-systems/chatrelay/internal/conversation"
	"github.com/sable-systems/chatrelay/internal/dedupe"
	"github.com/sable-systems/chatrelay/internal/relay"
	"github.com/sable-systems/chatrelay/internal/responder"
	"github.com/sable-systems/chatrelay/internal/store"
	"github.com/sable-systems/chatrelay/internal/whatsapp"
)

type sentText struct {
	to   string
	body string
	line whatsapp.Line
}

type fakeProvider struct {
	mu        sync.Mutex
	sent      []sentText
	marked    []string
	sendErr   error
	nextID    int
	mediaURLs map[string]string
}

func (f *fakeProvider) SendText(_ context.Context, to, body string, line whatsapp.Line) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return "", f.sendErr
	}
	f.nextID++
	f.sent = append(f.sent, sentText{to: to, body: body, line: line})
	return fmt.Sprintf("wamid.out%d", f.nextID), nil
}

func (f *fakeProvider) SendMedia(ctx context.Context, to, _, _, caption string, line whatsapp.Line) (string, error) {
	return f.SendText(ctx, to, caption, line)
}

func (f *fakeProvider) MarkRead(_ context.Context, providerMessageID string, _ whatsapp.Line) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.marked = append(f.marked, providerMessageID)
	return nil
}

func (f *fakeProvider) ResolveMediaURL(_ context.Context, mediaID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if url, ok := f.mediaURLs[mediaID]; ok {
		return url, nil
	}
	return "", fmt.Errorf("unknown media %s", mediaID)
}

func (f *fakeProvider) sentBodies() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	bodies := make([]string, len(f.sent))
	for i, s := range f.sent {
		bodies[i] = s.body
	}
	return bodies
}

type fakeResponder struct {
	mu      sync.Mutex
	reply   responder.Reply
	invoked []*responder.Request
}

func (f *fakeResponder) Invoke(_ context.Context, req *responder.Request) *responder.Reply {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invoked = append(f.invoked, req)
	reply := f.reply
	return &reply
}

func (f *fakeResponder) invocations() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.invoked)
}

type fakeNotifier struct {
	mu     sync.Mutex
	events []*relay.Event
}

func (f *fakeNotifier) Notify(event *relay.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
}

func (f *fakeNotifier) byType(eventType string) []*relay.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	var matched []*relay.Event
	for _, e := range f.events {
		if e.Type == eventType {
			matched = append(matched, e)
		}
	}
	return matched
}

type fixture struct {
	processor *Processor
	store     *store.SQLiteStore
	convs     *conversation.Service
	provider  *fakeProvider
	responder *fakeResponder
	notifier  *fakeNotifier
}

func newFixture(t *testing.T) *fixture {
	return newFixtureWithExpiry(t, 30*time.Minute)
}

func newFixtureWithExpiry(t *testing.T, expiry time.Duration) *fixture {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	provider := &fakeProvider{mediaURLs: map[string]string{}}
	botResponder := &fakeResponder{reply: responder.Reply{Response: "bot answer"}}
	notifier := &fakeNotifier{}

	registry := contact.New(s, nil)
	convs := conversation.New(s, nil, expiry, nil)

	processor := New(s, registry, convs, provider, botResponder, notifier, nil, Config{
		WelcomeText:        "Welcome! How can we help?",
		EscalationKeywords: []string{"speak to a human", "agent", "supervisor"},
	}, nil)
	convs.SetNotifier(processor)

	return &fixture{
		processor: processor,
		store:     s,
		convs:     convs,
		provider:  provider,
		responder: botResponder,
		notifier:  notifier,
	}
}

func inboundText(providerID, from, body string) whatsapp.Event {
	return whatsapp.Event{Message: &whatsapp.MessageEvent{
		ProviderMessageID: providerID,
		From:              from,
		ContactName:       "Maria",
		Kind:              "text",
		Text:              body,
		Timestamp:         time.Now(),
	}}
}

func (f *fixture) activeConversation(t *testing.T, phone string) *store.Conversation {
	t.Helper()
	person, err := f.store.GetContactByPhone(context.Background(), phone)
	require.NoError(t, err)
	conv, err := f.store.GetActiveConversation(context.Background(), person.ID)
	require.NoError(t, err)
	return conv
}

func TestFirstMessageGetsWelcomeNotResponder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.processor.Process(ctx, inboundText("wamid.in1", "15551234567", "hello"))

	conv := f.activeConversation(t, "15551234567")
	messages, err := f.store.ListMessages(ctx, conv.ID, 0)
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, store.SenderContact, messages[0].SenderKind)
	assert.Equal(t, "hello", messages[0].Content)
	assert.Equal(t, store.SenderBot, messages[1].SenderKind)
	assert.Equal(t, "Welcome! How can we help?", messages[1].Content)

	// The fixed welcome bypasses the bot backend entirely.
	assert.Equal(t, 0, f.responder.invocations())
	assert.Equal(t, []string{"Welcome! How can we help?"}, f.provider.sentBodies())
	assert.Equal(t, []string{"wamid.in1"}, f.provider.marked)

	assert.Len(t, f.notifier.byType(relay.EventConversationStarted), 1)
	assert.Len(t, f.notifier.byType(relay.EventMessageNew), 2)
}

func TestDuplicateDeliveryIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.processor.Process(ctx, inboundText("wamid.in1", "15551234567", "hello"))
	f.processor.Process(ctx, inboundText("wamid.in1", "15551234567", "hello"))

	conv := f.activeConversation(t, "15551234567")
	messages, err := f.store.ListMessages(ctx, conv.ID, 0)
	require.NoError(t, err)
	assert.Len(t, messages, 2) // inbound + welcome, exactly once
	assert.Len(t, f.provider.sentBodies(), 1)
}

func TestDedupeCacheShortCircuits(t *testing.T) {
	f := newFixture(t)
	seen := dedupe.New(time.Minute, 100)
	defer seen.Close()
	f.processor.seen = seen
	ctx := context.Background()

	f.processor.Process(ctx, inboundText("wamid.in1", "15551234567", "hello"))
	f.processor.Process(ctx, inboundText("wamid.in1", "15551234567", "hello"))

	conv := f.activeConversation(t, "15551234567")
	messages, err := f.store.ListMessages(ctx, conv.ID, 0)
	require.NoError(t, err)
	assert.Len(t, messages, 2)
}

// flakyContactStore fails contact lookups a set number of times before
// delegating, standing in for a transient database error.
type flakyContactStore struct {
	store.Store
	failures int
}

func (f *flakyContactStore) GetContactByPhone(ctx context.Context, phoneNumber string) (*store.Contact, error) {
	if f.failures > 0 {
		f.failures--
		return nil, errors.New("database is locked")
	}
	return f.Store.GetContactByPhone(ctx, phoneNumber)
}

func TestRedeliveryRetriesAfterTransientFailure(t *testing.T) {
	f := newFixture(t)
	seen := dedupe.New(time.Minute, 100)
	defer seen.Close()
	f.processor.seen = seen
	f.processor.contacts = contact.New(&flakyContactStore{Store: f.store, failures: 1}, nil)
	ctx := context.Background()

	// First delivery dies before anything is persisted.
	f.processor.Process(ctx, inboundText("wamid.in1", "15551234567", "hello"))
	assert.Equal(t, 0, seen.Len())

	// The provider redelivers; the cache must not have recorded the failure.
	f.processor.Process(ctx, inboundText("wamid.in1", "15551234567", "hello"))

	conv := f.activeConversation(t, "15551234567")
	messages, err := f.store.ListMessages(ctx, conv.ID, 0)
	require.NoError(t, err)
	assert.Len(t, messages, 2) // inbound + welcome
	assert.True(t, seen.Contains("wamid.in1"))
}

func TestEscalationKeywordTransfersWithoutReply(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.processor.Process(ctx, inboundText("wamid.in1", "15551234567", "hello"))
	f.processor.Process(ctx, inboundText("wamid.in2", "15551234567", "I want to talk to a SUPERVISOR please"))

	conv := f.activeConversation(t, "15551234567")
	assert.Equal(t, store.OwnerHuman, conv.Owner)
	assert.Equal(t, store.ChannelHuman, conv.Channel)

	messages, err := f.store.ListMessages(ctx, conv.ID, 0)
	require.NoError(t, err)
	require.Len(t, messages, 3) // hello, welcome, escalation request; no bot reply
	assert.Equal(t, store.SenderContact, messages[2].SenderKind)
	assert.Equal(t, 0, f.responder.invocations())
	assert.Len(t, f.notifier.byType(relay.EventConversationUpdated), 1)
}

func TestHumanOwnedConversationSkipsBot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.processor.Process(ctx, inboundText("wamid.in1", "15551234567", "hello"))
	conv := f.activeConversation(t, "15551234567")
	_, err := f.convs.TransferToHuman(ctx, conv.ID, "agent-7")
	require.NoError(t, err)

	f.processor.Process(ctx, inboundText("wamid.in2", "15551234567", "are you there?"))

	messages, err := f.store.ListMessages(ctx, conv.ID, 0)
	require.NoError(t, err)
	assert.Len(t, messages, 3)
	assert.Equal(t, 0, f.responder.invocations())

	// Already human owned, no second transfer event.
	assert.Empty(t, f.notifier.byType(relay.EventConversationUpdated))
}

func TestBotReplyPath(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.processor.Process(ctx, inboundText("wamid.in1", "15551234567", "hello"))
	f.processor.Process(ctx, inboundText("wamid.in2", "15551234567", "what are your hours?"))

	conv := f.activeConversation(t, "15551234567")
	messages, err := f.store.ListMessages(ctx, conv.ID, 0)
	require.NoError(t, err)
	require.Len(t, messages, 4)
	assert.Equal(t, "bot answer", messages[3].Content)
	assert.Equal(t, store.SenderBot, messages[3].SenderKind)
	assert.Equal(t, store.DeliverySent, messages[3].Status)

	require.Equal(t, 1, f.responder.invocations())
	req := f.responder.invoked[0]
	assert.Equal(t, conv.ID, req.ConversationID)
	assert.Equal(t, "what are your hours?", req.Message)
	// History carries prior context but not the message being answered.
	require.Len(t, req.History, 2)
	assert.Equal(t, "hello", req.History[0].Content)
}

func TestResponderNeedsHumanEscalates(t *testing.T) {
	f := newFixture(t)
	f.responder.reply = responder.Reply{Response: "Let me get someone for you.", NeedsHuman: true}
	ctx := context.Background()

	f.processor.Process(ctx, inboundText("wamid.in1", "15551234567", "hello"))
	f.processor.Process(ctx, inboundText("wamid.in2", "15551234567", "something complicated"))

	conv := f.activeConversation(t, "15551234567")
	assert.Equal(t, store.OwnerHuman, conv.Owner)

	// The handoff text still goes out so the contact is not left hanging.
	bodies := f.provider.sentBodies()
	require.Len(t, bodies, 2)
	assert.Equal(t, "Let me get someone for you.", bodies[1])
}

func TestResponderBlankReplyDiscarded(t *testing.T) {
	f := newFixture(t)
	f.responder.reply = responder.Reply{Response: ""}
	ctx := context.Background()

	f.processor.Process(ctx, inboundText("wamid.in1", "15551234567", "hello"))
	f.processor.Process(ctx, inboundText("wamid.in2", "15551234567", "hmm"))

	conv := f.activeConversation(t, "15551234567")
	messages, err := f.store.ListMessages(ctx, conv.ID, 0)
	require.NoError(t, err)
	assert.Len(t, messages, 3) // no bot reply appended
	assert.Equal(t, store.OwnerBot, conv.Owner)
}

func TestSendFailureRecordedAsFailed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.processor.Process(ctx, inboundText("wamid.in1", "15551234567", "hello"))
	f.provider.sendErr = fmt.Errorf("provider down")
	f.processor.Process(ctx, inboundText("wamid.in2", "15551234567", "what are your hours?"))

	conv := f.activeConversation(t, "15551234567")
	messages, err := f.store.ListMessages(ctx, conv.ID, 0)
	require.NoError(t, err)
	require.Len(t, messages, 4)
	assert.Equal(t, store.DeliveryFailed, messages[3].Status)
	assert.Nil(t, messages[3].ProviderMessageID)
}

func TestMediaMessageResolvesURL(t *testing.T) {
	f := newFixture(t)
	f.provider.mediaURLs["media123"] = "https://cdn.example.com/blob"
	ctx := context.Background()

	f.processor.Process(ctx, whatsapp.Event{Message: &whatsapp.MessageEvent{
		ProviderMessageID: "wamid.img1",
		From:              "15551234567",
		Kind:              "image",
		Text:              "my receipt",
		MediaID:           "media123",
		Timestamp:         time.Now(),
	}})

	conv := f.activeConversation(t, "15551234567")
	messages, err := f.store.ListMessages(ctx, conv.ID, 0)
	require.NoError(t, err)
	require.NotEmpty(t, messages)
	assert.Equal(t, store.ContentImage, messages[0].ContentKind)
	require.NotNil(t, messages[0].MediaURL)
	assert.Equal(t, "https://cdn.example.com/blob", *messages[0].MediaURL)
	assert.Equal(t, "my receipt", messages[0].Content)
}

func TestStatusEventUpdatesLedger(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.processor.Process(ctx, inboundText("wamid.in1", "15551234567", "hello"))
	// The welcome went out as wamid.out1.
	f.processor.Process(ctx, whatsapp.Event{Status: &whatsapp.StatusEvent{
		ProviderMessageID: "wamid.out1",
		Status:            "delivered",
		Timestamp:         time.Now(),
	}})

	msg, err := f.store.GetMessageByProviderID(ctx, "wamid.out1")
	require.NoError(t, err)
	assert.Equal(t, store.DeliveryDelivered, msg.Status)
	assert.Len(t, f.notifier.byType(relay.EventMessageStatus), 1)
}

func TestStatusEventForUnknownMessageDropped(t *testing.T) {
	f := newFixture(t)

	f.processor.Process(context.Background(), whatsapp.Event{Status: &whatsapp.StatusEvent{
		ProviderMessageID: "wamid.ghost",
		Status:            "read",
	}})
	assert.Empty(t, f.notifier.byType(relay.EventMessageStatus))
}

func TestIdleExpiryStartsFreshConversation(t *testing.T) {
	f := newFixtureWithExpiry(t, 50*time.Millisecond)
	ctx := context.Background()

	f.processor.Process(ctx, inboundText("wamid.in1", "15551234567", "hello"))
	first := f.activeConversation(t, "15551234567")

	// Let the conversation sit idle past the window, then the contact returns.
	time.Sleep(120 * time.Millisecond)
	f.processor.Process(ctx, inboundText("wamid.in2", "15551234567", "hello again"))

	second := f.activeConversation(t, "15551234567")
	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, store.OwnerBot, second.Owner)

	closed, err := f.store.GetConversation(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusClosed, closed.Status)
	assert.NotNil(t, closed.EndedAt)

	// Closure notice landed in the old conversation's transcript.
	oldMessages, err := f.store.ListMessages(ctx, first.ID, 0)
	require.NoError(t, err)
	last := oldMessages[len(oldMessages)-1]
	assert.Equal(t, store.SenderBot, last.SenderKind)
	assert.Equal(t, DefaultClosureText, last.Content)

	assert.Len(t, f.notifier.byType(relay.EventConversationClosed), 1)
}

func TestConcurrentInboundSingleActiveConversation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	const goroutines = 8
	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			f.processor.Process(ctx, inboundText(fmt.Sprintf("wamid.c%d", idx), "15551234567", "hi"))
		}(i)
	}
	wg.Wait()

	summaries, err := f.store.ListConversations(ctx, store.ConversationFilter{})
	require.NoError(t, err)

	active := 0
	for _, s := range summaries {
		if s.Status == store.StatusActive {
			active++
		}
	}
	assert.Equal(t, 1, active)
}

func TestHelloThenSupervisorScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.processor.Process(ctx, inboundText("wamid.s1", "15559998888", "hello"))

	conv := f.activeConversation(t, "15559998888")
	assert.Equal(t, store.OwnerBot, conv.Owner)

	messages, err := f.store.ListMessages(ctx, conv.ID, 0)
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, "hello", messages[0].Content)
	assert.Equal(t, store.SenderBot, messages[1].SenderKind)

	f.processor.Process(ctx, inboundText("wamid.s2", "15559998888", "talk to a supervisor"))

	conv = f.activeConversation(t, "15559998888")
	assert.Equal(t, store.OwnerHuman, conv.Owner)

	messages, err = f.store.ListMessages(ctx, conv.ID, 0)
	require.NoError(t, err)
	require.Len(t, messages, 3)
	assert.Equal(t, store.SenderContact, messages[2].SenderKind)
}
