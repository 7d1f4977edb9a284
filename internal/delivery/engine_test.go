package delivery

import (
	"context"
	"sync"
	"testing"
	"time"

	"chat-realtime/internal/apperr"
	"chat-realtime/internal/event"
	"chat-realtime/internal/storage/database/conversation"
	"chat-realtime/internal/storage/database/user"
	"chat-realtime/internal/storage/memory"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	store  *memory.Store
	rec    *event.Recorder
	engine *Engine
	conv   conversation.Conversation
}

func newFixture(t *testing.T, delay time.Duration) *fixture {
	t.Helper()
	store := memory.New()
	for _, id := range []string{"alice", "bob", "carol"} {
		store.PutUser(&user.User{ID: id, Username: id, DisplayName: id, IsActive: true})
	}
	conv := conversation.NewConversation(conversation.TypePrivate, "alice", "bob")
	store.PutConversation(&conv)

	rec := event.NewRecorder()
	engine := NewEngine(Deps{
		Conversations: store.Conversations(),
		Messages:      store.Messages(),
		Files:         store.Files(),
		Users:         store.Users(),
		Broadcaster:   rec,
	}, WithPromoteDelay(delay))
	t.Cleanup(engine.Stop)

	return &fixture{store: store, rec: rec, engine: engine, conv: conv}
}

func (f *fixture) send(t *testing.T, sender, clientID, content string) *SendResult {
	t.Helper()
	res, err := f.engine.Send(context.Background(), SendRequest{
		ConversationID:  f.conv.ID,
		SenderID:        sender,
		SessionID:       sender + "-s1",
		ClientMessageID: clientID,
		Payload:         Text{Content: content},
	})
	require.NoError(t, err)
	return res
}

func TestSendFanOutAndDelivery(t *testing.T) {
	f := newFixture(t, 20*time.Millisecond)

	res := f.send(t, "alice", "m1", "hi")
	assert.Equal(t, "m1", res.Ack.MessageID)
	assert.Equal(t, conversation.StatusSent, res.Ack.DeliveryStatus)
	assert.True(t, res.Ack.Success)
	assert.False(t, res.Duplicate)

	received := f.rec.Named(event.MessageReceived)
	require.Len(t, received, 1)
	assert.Equal(t, f.conv.ID, received[0].Room)
	payload := received[0].Data.(event.MessageReceivedPayload)
	assert.Equal(t, "hi", payload.Message.Content)
	assert.Equal(t, res.Message.ID, payload.Conversation.LastMessageID)
	require.NotNil(t, payload.Message.Sender)
	assert.Equal(t, "alice", payload.Message.Sender.Username)

	require.Eventually(t, func() bool {
		return len(f.rec.Named(event.MessageDelivered)) == 1
	}, time.Second, 5*time.Millisecond)

	delivered := f.rec.Named(event.MessageDelivered)[0]
	assert.Equal(t, "user:alice", delivered.Room)
	assert.Equal(t, "m1", delivered.Data.(event.MessageDeliveredPayload).ClientMessageID)

	require.Eventually(t, func() bool {
		return len(f.rec.Named(event.UnreadCountUpdated)) == 1
	}, time.Second, 5*time.Millisecond)
	unread := f.rec.Named(event.UnreadCountUpdated)[0]
	assert.Equal(t, "user:bob", unread.Room)
	count := unread.Data.(event.UnreadCountPayload)
	assert.Equal(t, "alice", count.SenderID)
	assert.EqualValues(t, 1, count.UnreadCount)
	require.NotNil(t, count.SenderInfo)

	stored, err := f.store.Messages().GetByID(context.Background(), res.Message.ID)
	require.NoError(t, err)
	assert.Equal(t, conversation.StatusDelivered, stored.Metadata.DeliveryStatus)
	assert.NotNil(t, stored.Metadata.DeliveredAt)
}

func TestSendIsIdempotent(t *testing.T) {
	f := newFixture(t, time.Hour)

	first := f.send(t, "alice", "m1", "hi")
	second := f.send(t, "alice", "m1", "hi")

	assert.True(t, second.Duplicate)
	assert.True(t, second.Ack.Duplicate)
	assert.Equal(t, first.Message.ID, second.Ack.ServerID)
	assert.Equal(t, 1, f.store.MessageCount())
	assert.Equal(t, 1, f.store.Touches[f.conv.ID])
	assert.Len(t, f.rec.Named(event.MessageReceived), 1)
	assert.Equal(t, 1, f.engine.PendingDeliveries())
}

func TestSendConcurrentRetries(t *testing.T) {
	f := newFixture(t, time.Hour)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.engine.Send(context.Background(), SendRequest{
				ConversationID:  f.conv.ID,
				SenderID:        "alice",
				ClientMessageID: "retry",
				Payload:         Text{Content: "hi"},
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, f.store.MessageCount())
}

func TestSendClientIDOwnedByOtherSender(t *testing.T) {
	f := newFixture(t, time.Hour)
	f.send(t, "alice", "m1", "hi")

	_, err := f.engine.Send(context.Background(), SendRequest{
		ConversationID:  f.conv.ID,
		SenderID:        "bob",
		ClientMessageID: "m1",
		Payload:         Text{Content: "hijack"},
	})
	require.Error(t, err)
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
}

func TestSendRejectsNonParticipant(t *testing.T) {
	f := newFixture(t, time.Hour)

	_, err := f.engine.Send(context.Background(), SendRequest{
		ConversationID: f.conv.ID,
		SenderID:       "carol",
		Payload:        Text{Content: "hi"},
	})
	assert.ErrorIs(t, err, apperr.ErrConversationNotFound)
	assert.Equal(t, 0, f.store.MessageCount())
	assert.Empty(t, f.rec.All())
}

func TestSendMedia(t *testing.T) {
	f := newFixture(t, time.Hour)

	payload, err := ParsePayload("look", &FileInput{Name: "a.png", Type: "image/png", Data: encoded(32)}, f.engine.Limits())
	require.NoError(t, err)

	res, err := f.engine.Send(context.Background(), SendRequest{
		ConversationID: f.conv.ID,
		SenderID:       "alice",
		Payload:        payload,
	})
	require.NoError(t, err)
	assert.Equal(t, conversation.MessageTypeImage, res.Message.Type)
	require.NotNil(t, res.Message.File)
	assert.EqualValues(t, 32, res.Message.File.Size)
	assert.Equal(t, res.Message.ID, res.Ack.MessageID)

	data, err := f.store.Files().Load(context.Background(), res.Message.File.FileID)
	require.NoError(t, err)
	assert.Len(t, data, 32)
}

func TestSendConcurrentMediaRetriesKeepOneFile(t *testing.T) {
	f := newFixture(t, time.Hour)

	payload, err := ParsePayload("", &FileInput{Name: "a.png", Type: "image/png", Data: encoded(16)}, f.engine.Limits())
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.engine.Send(context.Background(), SendRequest{
				ConversationID:  f.conv.ID,
				SenderID:        "alice",
				ClientMessageID: "media-retry",
				Payload:         payload,
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, f.store.MessageCount())
	assert.Equal(t, 1, f.store.FileCount())
}

func TestMarkRead(t *testing.T) {
	f := newFixture(t, time.Hour)
	ctx := context.Background()

	m1 := f.send(t, "alice", "m1", "one").Message
	m2 := f.send(t, "alice", "m2", "two").Message
	own := f.send(t, "bob", "m3", "mine").Message
	f.rec.Reset()

	res, err := f.engine.MarkRead(ctx, MarkReadRequest{
		ConversationID: f.conv.ID,
		ReaderID:       "bob",
		SessionID:      "bob-s1",
		MessageIDs:     []string{m1.ID, m2.ID, own.ID},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Updated)
	assert.ElementsMatch(t, []string{m1.ID, m2.ID}, res.MessageIDs)

	read := f.rec.Named(event.MessagesRead)
	require.Len(t, read, 1)
	assert.Equal(t, f.conv.ID, read[0].Room)
	assert.Equal(t, "bob-s1", read[0].Except)

	receipts := f.rec.Named(event.MessageReadReceipt)
	require.Len(t, receipts, 2)
	for _, r := range receipts {
		assert.Equal(t, "user:alice", r.Room)
	}

	counts := f.rec.Named(event.UnreadCountUpdated)
	require.Len(t, counts, 2)
	for _, c := range counts {
		assert.EqualValues(t, 0, c.Data.(event.UnreadCountPayload).UnreadCount)
	}

	stored, err := f.store.Messages().GetByID(ctx, m1.ID)
	require.NoError(t, err)
	assert.Equal(t, conversation.StatusRead, stored.Metadata.DeliveryStatus)
	assert.NotNil(t, stored.Metadata.DeliveredAt)
	assert.Len(t, stored.ReadBy, 1)

	// 自己的訊息不會被標記
	ownStored, err := f.store.Messages().GetByID(ctx, own.ID)
	require.NoError(t, err)
	assert.Empty(t, ownStored.ReadBy)

	// 重複標記不產生任何事件
	f.rec.Reset()
	res, err = f.engine.MarkRead(ctx, MarkReadRequest{
		ConversationID: f.conv.ID,
		ReaderID:       "bob",
		SessionID:      "bob-s2",
		MessageIDs:     []string{m1.ID, m2.ID},
	})
	require.NoError(t, err)
	assert.Zero(t, res.Updated)
	assert.Empty(t, f.rec.All())
}

func TestMarkReadRejectsNonParticipant(t *testing.T) {
	f := newFixture(t, time.Hour)
	m1 := f.send(t, "alice", "m1", "one").Message
	f.rec.Reset()

	_, err := f.engine.MarkRead(context.Background(), MarkReadRequest{
		ConversationID: f.conv.ID,
		ReaderID:       "carol",
		SessionID:      "carol-s1",
		MessageIDs:     []string{m1.ID},
	})
	assert.ErrorIs(t, err, apperr.ErrConversationNotFound)

	stored, err := f.store.Messages().GetByID(context.Background(), m1.ID)
	require.NoError(t, err)
	assert.Empty(t, stored.ReadBy)
	assert.Empty(t, f.rec.All())
}

func TestMarkReadSkipsDeletedForViewer(t *testing.T) {
	f := newFixture(t, time.Hour)
	ctx := context.Background()
	m1 := f.send(t, "alice", "m1", "one").Message

	_, err := f.store.Messages().DeleteForUser(ctx, f.conv.ID, m1.ID, conversation.DeletionMark{UserID: "bob", DeletedAt: time.Now()})
	require.NoError(t, err)

	res, err := f.engine.MarkAllRead(ctx, f.conv.ID, "bob", "bob-s1")
	require.NoError(t, err)
	assert.Zero(t, res.Updated)
}

func TestMarkReadConcurrentDuplicates(t *testing.T) {
	f := newFixture(t, time.Hour)
	m1 := f.send(t, "alice", "m1", "one").Message

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.engine.MarkRead(context.Background(), MarkReadRequest{
				ConversationID: f.conv.ID,
				ReaderID:       "bob",
				SessionID:      "bob-s1",
				MessageIDs:     []string{m1.ID},
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	stored, err := f.store.Messages().GetByID(context.Background(), m1.ID)
	require.NoError(t, err)
	assert.Len(t, stored.ReadBy, 1)
	assert.Len(t, f.rec.Named(event.MessagesRead), 1)
}

func TestDeliveryNeverDowngradesRead(t *testing.T) {
	f := newFixture(t, 30*time.Millisecond)
	ctx := context.Background()
	m1 := f.send(t, "alice", "m1", "one").Message

	_, err := f.engine.MarkAllRead(ctx, f.conv.ID, "bob", "bob-s1")
	require.NoError(t, err)

	require.Eventually(t, func() bool { return f.engine.PendingDeliveries() == 0 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	stored, err := f.store.Messages().GetByID(ctx, m1.ID)
	require.NoError(t, err)
	assert.Equal(t, conversation.StatusRead, stored.Metadata.DeliveryStatus)
	assert.Empty(t, f.rec.Named(event.MessageDelivered))
}

func TestCancelDelivery(t *testing.T) {
	f := newFixture(t, time.Hour)
	m1 := f.send(t, "alice", "m1", "one").Message

	assert.Equal(t, 1, f.engine.PendingDeliveries())
	assert.True(t, f.engine.CancelDelivery(m1.ID))
	assert.Equal(t, 0, f.engine.PendingDeliveries())
}

func TestUnreadCount(t *testing.T) {
	f := newFixture(t, time.Hour)
	f.send(t, "alice", "m1", "one")
	f.send(t, "alice", "m2", "two")

	n, err := f.engine.UnreadCount(context.Background(), f.conv.ID, "alice", "bob")
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	_, err = f.engine.UnreadCount(context.Background(), f.conv.ID, "alice", "carol")
	assert.ErrorIs(t, err, apperr.ErrConversationNotFound)
}
