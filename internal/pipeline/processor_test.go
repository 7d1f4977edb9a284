package pipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"chat-realtime/internal/event"
	"chat-realtime/internal/storage/database/conversation"
	"chat-realtime/internal/storage/database/automessage"
	"chat-realtime/internal/storage/database/user"
	"chat-realtime/internal/storage/memory"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingRooms struct {
	mu    sync.Mutex
	joins map[string][]string
}

func (r *recordingRooms) JoinUsers(room string, userIDs ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.joins == nil {
		r.joins = make(map[string][]string)
	}
	r.joins[room] = append(r.joins[room], userIDs...)
}

type processorFixture struct {
	store     *memory.Store
	rec       *event.Recorder
	rooms     *recordingRooms
	processor *Processor
}

func newProcessorFixture(t *testing.T, state automessage.State) *processorFixture {
	t.Helper()
	store := memory.New()
	store.PutUser(&user.User{ID: "alice", Username: "alice", DisplayName: "Alice", IsActive: true})
	store.PutUser(&user.User{ID: "bob", Username: "bob", IsActive: true})
	require.NoError(t, store.AutoMessages().CreateMany(context.Background(), []*automessage.AutoMessage{{
		ID:          "am1",
		SenderID:    "alice",
		RecipientID: "bob",
		Content:     "Hey! How is your day going?",
		SendDate:    time.Now().Add(-time.Minute),
		State:       state,
	}}))

	rec := event.NewRecorder()
	rooms := &recordingRooms{}
	processor := NewProcessor(ProcessorDeps{
		AutoMessages:  store.AutoMessages(),
		Conversations: store.Conversations(),
		Messages:      store.Messages(),
		Users:         store.Users(),
		Broadcaster:   rec,
		Rooms:         rooms,
	})
	return &processorFixture{store: store, rec: rec, rooms: rooms, processor: processor}
}

func TestProcessDeliversAutoMessage(t *testing.T) {
	for _, state := range []automessage.State{automessage.StateQueued, automessage.StatePlanned} {
		t.Run(string(state), func(t *testing.T) {
			f := newProcessorFixture(t, state)
			ctx := context.Background()

			outcome, err := f.processor.Process(ctx, "am1")
			require.NoError(t, err)
			assert.Equal(t, OutcomeSent, outcome)

			am, err := f.store.AutoMessages().GetByID(ctx, "am1")
			require.NoError(t, err)
			assert.Equal(t, automessage.StateSent, am.State)
			require.NotNil(t, am.SentAt)
			require.NotEmpty(t, am.ConversationID)

			conv, err := f.store.Conversations().FindForParticipant(ctx, am.ConversationID, "bob")
			require.NoError(t, err)
			assert.NotEmpty(t, conv.LastMessage)

			msg, err := f.store.Messages().GetByClientMessageID(ctx, "auto:am1")
			require.NoError(t, err)
			assert.Equal(t, conv.LastMessage, msg.ID)
			assert.Equal(t, "alice", msg.SenderID)

			received := f.rec.Named(event.MessageReceived)
			require.Len(t, received, 1)
			assert.Equal(t, event.UserRoom("bob"), received[0].Room)
			payload := received[0].Data.(event.MessageReceivedPayload)
			assert.Equal(t, "Hey! How is your day going?", payload.Message.Content)
			require.NotNil(t, payload.Message.Sender)
			assert.Equal(t, "Alice", payload.Message.Sender.DisplayName)

			assert.ElementsMatch(t, []string{"alice", "bob"}, f.rooms.joins[conv.ID])
		})
	}
}

func TestProcessSkips(t *testing.T) {
	f := newProcessorFixture(t, automessage.StateQueued)
	ctx := context.Background()

	outcome, err := f.processor.Process(ctx, "missing")
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkippedMissing, outcome)

	_, err = f.processor.Process(ctx, "am1")
	require.NoError(t, err)
	f.rec.Reset()

	// 已送出的項目再次投遞：不建立第二則訊息，也不再推送
	outcome, err = f.processor.Process(ctx, "am1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkippedSent, outcome)
	assert.Equal(t, 1, f.store.MessageCount())
	assert.Empty(t, f.rec.Named(event.MessageReceived))
}

func TestProcessConcurrentDuplicatesDeliverOnce(t *testing.T) {
	f := newProcessorFixture(t, automessage.StateQueued)

	var wg sync.WaitGroup
	outcomes := make([]Outcome, 6)
	for i := range outcomes {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outcome, err := f.processor.Process(context.Background(), "am1")
			assert.NoError(t, err)
			outcomes[i] = outcome
		}(i)
	}
	wg.Wait()

	sent := 0
	for _, o := range outcomes {
		if o == OutcomeSent {
			sent++
		}
	}
	assert.Equal(t, 1, sent)
	assert.Equal(t, 1, f.store.MessageCount())
	assert.Len(t, f.rec.Named(event.MessageReceived), 1)
}

func TestProcessReusesExistingConversation(t *testing.T) {
	f := newProcessorFixture(t, automessage.StateQueued)
	ctx := context.Background()
	existing, _, err := f.store.Conversations().FindOrCreatePrivate(ctx, "bob", "alice")
	require.NoError(t, err)

	_, err = f.processor.Process(ctx, "am1")
	require.NoError(t, err)

	am, _ := f.store.AutoMessages().GetByID(ctx, "am1")
	assert.Equal(t, existing.ID, am.ConversationID)
	// 既有對話的房間由連線時加入，不需要額外 join
	assert.Empty(t, f.rooms.joins)
}

func TestProcessRetryKeepsNewerLastMessage(t *testing.T) {
	f := newProcessorFixture(t, automessage.StateQueued)
	ctx := context.Background()
	conv, _, err := f.store.Conversations().FindOrCreatePrivate(ctx, "alice", "bob")
	require.NoError(t, err)

	// 上一次處理已寫入訊息但未完成狀態轉換
	earlier := conversation.NewMessage(conv.ID, "alice")
	earlier.ClientMessageID = AutoClientMessagePrefix + "am1"
	earlier.Content = "Hey! How is your day going?"
	earlier.CreatedAt = time.Now().Add(-time.Hour)
	f.store.PutMessage(&earlier)

	require.NoError(t, f.store.Conversations().TouchLastMessage(ctx, conv.ID, "newer", time.Now()))

	outcome, err := f.processor.Process(ctx, "am1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeSent, outcome)
	assert.Equal(t, 1, f.store.MessageCount())

	got, err := f.store.Conversations().FindForParticipant(ctx, conv.ID, "bob")
	require.NoError(t, err)
	assert.Equal(t, "newer", got.LastMessage)

	received := f.rec.Named(event.MessageReceived)
	require.Len(t, received, 1)
	assert.Equal(t, "newer", received[0].Data.(event.MessageReceivedPayload).Conversation.LastMessageID)
}
