package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"chat-realtime/internal/storage/database/automessage"
	"chat-realtime/internal/storage/memory"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakePublisher 記錄發布內容，failFor 中的 id 會發布失敗
type fakePublisher struct {
	mu        sync.Mutex
	published []WorkItem
	failFor   map[string]bool
}

func (p *fakePublisher) Publish(_ context.Context, item WorkItem) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failFor[item.AutoMessageID] {
		return errors.New("broker unavailable")
	}
	p.published = append(p.published, item)
	return nil
}

func seedAutoMessages(t *testing.T, store *memory.Store, now time.Time) {
	t.Helper()
	require.NoError(t, store.AutoMessages().CreateMany(context.Background(), []*automessage.AutoMessage{
		{ID: "due-1", SenderID: "alice", RecipientID: "bob", Content: "hi", SendDate: now.Add(-time.Minute)},
		{ID: "due-2", SenderID: "carol", RecipientID: "dave", Content: "yo", SendDate: now.Add(-time.Second)},
		{ID: "future", SenderID: "erin", RecipientID: "frank", Content: "later", SendDate: now.Add(time.Hour)},
	}))
}

func TestQueuerPublishesThenFlips(t *testing.T) {
	now := time.Now().UTC()
	store := memory.New()
	seedAutoMessages(t, store, now)

	publisher := &fakePublisher{}
	queuer := NewQueuer(store.AutoMessages(), publisher, 10)

	result, err := queuer.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, QueueResult{Due: 2, Published: 2}, result)
	assert.ElementsMatch(t, []WorkItem{{AutoMessageID: "due-1"}, {AutoMessageID: "due-2"}}, publisher.published)

	for _, id := range []string{"due-1", "due-2"} {
		am, err := store.AutoMessages().GetByID(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, automessage.StateQueued, am.State)
		assert.NotNil(t, am.QueuedAt)
	}

	// 第二輪沒有到期的 planned 項目
	result, err = queuer.Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, result.Due)
	assert.Len(t, publisher.published, 2)
}

func TestQueuerPublishFailureSkipsOnlyThatItem(t *testing.T) {
	now := time.Now().UTC()
	store := memory.New()
	seedAutoMessages(t, store, now)

	publisher := &fakePublisher{failFor: map[string]bool{"due-1": true}}
	queuer := NewQueuer(store.AutoMessages(), publisher, 10)

	result, err := queuer.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, QueueResult{Due: 2, Published: 1, Failed: 1}, result)

	failed, _ := store.AutoMessages().GetByID(context.Background(), "due-1")
	assert.Equal(t, automessage.StatePlanned, failed.State)
	ok, _ := store.AutoMessages().GetByID(context.Background(), "due-2")
	assert.Equal(t, automessage.StateQueued, ok.State)

	// broker 恢復後下一輪補發
	publisher.failFor = nil
	result, err = queuer.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Published)
}
