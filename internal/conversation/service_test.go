// ABOUTME: Tests for the conversation lifecycle service
// ABOUTME: Covers resolution, idle expiry with notification, transfers, and concurrent resolution

package conversation

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sable-systems/chatrelay/internal/store"
)

type recordingNotifier struct {
	mu      sync.Mutex
	expired []*store.Conversation
}

func (n *recordingNotifier) ConversationExpired(_ context.Context, conv *store.Conversation, _ *store.Contact) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.expired = append(n.expired, conv)
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.expired)
}

func newTestService(t *testing.T) (*Service, *store.SQLiteStore, *recordingNotifier) {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	notifier := &recordingNotifier{}
	svc := New(s, notifier, 30*time.Minute, nil)
	return svc, s, notifier
}

func makeContact(t *testing.T, s *store.SQLiteStore) *store.Contact {
	t.Helper()
	now := time.Now()
	contact := &store.Contact{
		ID:          uuid.New().String(),
		PhoneNumber: "15551234567",
		DisplayName: "Maria",
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	require.NoError(t, s.CreateContact(context.Background(), contact))
	return contact
}

func TestResolveCreatesFreshConversation(t *testing.T) {
	svc, s, _ := newTestService(t)
	ctx := context.Background()
	contact := makeContact(t, s)

	conv, err := svc.ResolveActiveOrCreate(ctx, contact)
	require.NoError(t, err)
	assert.Equal(t, store.StatusActive, conv.Status)
	assert.Equal(t, store.OwnerBot, conv.Owner)
	assert.Equal(t, store.ChannelBot, conv.Channel)
	assert.Nil(t, conv.AssignedAgent)
}

func TestResolveReusesActiveConversation(t *testing.T) {
	svc, s, notifier := newTestService(t)
	ctx := context.Background()
	contact := makeContact(t, s)

	first, err := svc.ResolveActiveOrCreate(ctx, contact)
	require.NoError(t, err)

	second, err := svc.ResolveActiveOrCreate(ctx, contact)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 0, notifier.count())
}

func TestResolveExpiresIdleConversation(t *testing.T) {
	svc, s, notifier := newTestService(t)
	ctx := context.Background()
	contact := makeContact(t, s)

	stale, err := svc.ResolveActiveOrCreate(ctx, contact)
	require.NoError(t, err)

	// Jump the clock past the idle window.
	svc.now = func() time.Time { return time.Now().Add(31 * time.Minute) }

	fresh, err := svc.ResolveActiveOrCreate(ctx, contact)
	require.NoError(t, err)
	assert.NotEqual(t, stale.ID, fresh.ID)
	assert.Equal(t, store.OwnerBot, fresh.Owner)

	closedConv, err := s.GetConversation(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusClosed, closedConv.Status)
	assert.NotNil(t, closedConv.EndedAt)

	require.Equal(t, 1, notifier.count())
	assert.Equal(t, stale.ID, notifier.expired[0].ID)
}

func TestResolveIdleWindowRunsFromLastMessage(t *testing.T) {
	svc, s, notifier := newTestService(t)
	ctx := context.Background()
	contact := makeContact(t, s)

	conv, err := svc.ResolveActiveOrCreate(ctx, contact)
	require.NoError(t, err)

	// A recent message keeps the conversation alive even though it started
	// outside the window.
	msg := &store.Message{
		ID:             uuid.New().String(),
		ConversationID: conv.ID,
		SenderKind:     store.SenderContact,
		Content:        "still here",
		ContentKind:    store.ContentText,
		Status:         store.DeliveryPending,
		CreatedAt:      time.Now().Add(25 * time.Minute),
	}
	require.NoError(t, s.AppendMessage(ctx, msg))

	svc.now = func() time.Time { return time.Now().Add(40 * time.Minute) }

	same, err := svc.ResolveActiveOrCreate(ctx, contact)
	require.NoError(t, err)
	assert.Equal(t, conv.ID, same.ID)
	assert.Equal(t, 0, notifier.count())
}

func TestResolveConcurrentSameContact(t *testing.T) {
	svc, s, _ := newTestService(t)
	ctx := context.Background()
	contact := makeContact(t, s)

	const goroutines = 10
	ids := make([]string, goroutines)
	var wg sync.WaitGroup

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			conv, err := svc.ResolveActiveOrCreate(ctx, contact)
			require.NoError(t, err)
			ids[idx] = conv.ID
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
}

func TestTransferToHuman(t *testing.T) {
	svc, s, _ := newTestService(t)
	ctx := context.Background()
	contact := makeContact(t, s)

	conv, err := svc.ResolveActiveOrCreate(ctx, contact)
	require.NoError(t, err)

	updated, err := svc.TransferToHuman(ctx, conv.ID, "agent-7")
	require.NoError(t, err)
	assert.Equal(t, store.OwnerHuman, updated.Owner)
	assert.Equal(t, store.ChannelHuman, updated.Channel)
	require.NotNil(t, updated.AssignedAgent)
	assert.Equal(t, "agent-7", *updated.AssignedAgent)
}

func TestTransferToHumanUnassigned(t *testing.T) {
	svc, s, _ := newTestService(t)
	ctx := context.Background()
	contact := makeContact(t, s)

	conv, err := svc.ResolveActiveOrCreate(ctx, contact)
	require.NoError(t, err)

	updated, err := svc.TransferToHuman(ctx, conv.ID, "")
	require.NoError(t, err)
	assert.Equal(t, store.OwnerHuman, updated.Owner)
	assert.Nil(t, updated.AssignedAgent)
}

func TestTransferToBotClearsAssignment(t *testing.T) {
	svc, s, _ := newTestService(t)
	ctx := context.Background()
	contact := makeContact(t, s)

	conv, err := svc.ResolveActiveOrCreate(ctx, contact)
	require.NoError(t, err)

	_, err = svc.TransferToHuman(ctx, conv.ID, "agent-7")
	require.NoError(t, err)

	updated, err := svc.TransferToBot(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, store.OwnerBot, updated.Owner)
	assert.Equal(t, store.ChannelBot, updated.Channel)
	assert.Nil(t, updated.AssignedAgent)
}

func TestTransferRejectsClosedConversation(t *testing.T) {
	svc, s, _ := newTestService(t)
	ctx := context.Background()
	contact := makeContact(t, s)

	conv, err := svc.ResolveActiveOrCreate(ctx, contact)
	require.NoError(t, err)

	_, err = svc.Close(ctx, conv.ID)
	require.NoError(t, err)

	_, err = svc.TransferToHuman(ctx, conv.ID, "agent-7")
	assert.Error(t, err)
}

func TestCloseIsIdempotent(t *testing.T) {
	svc, s, _ := newTestService(t)
	ctx := context.Background()
	contact := makeContact(t, s)

	conv, err := svc.ResolveActiveOrCreate(ctx, contact)
	require.NoError(t, err)

	first, err := svc.Close(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusClosed, first.Status)

	second, err := svc.Close(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusClosed, second.Status)
	assert.Equal(t, first.EndedAt.Unix(), second.EndedAt.Unix())
}
