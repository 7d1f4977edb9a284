package pipeline

import (
	"context"
	"errors"
	"math/rand"
	"testing"
	"time"

	"chat-realtime/internal/storage/database/automessage"
	"chat-realtime/internal/storage/database/user"
	"chat-realtime/internal/storage/memory"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingUsers struct{}

func (failingUsers) ListActiveIDs(context.Context) ([]string, error) {
	return nil, errors.New("mongo down")
}

func TestPlannerPairsActiveUsers(t *testing.T) {
	testCases := []struct {
		name   string
		users  int
		wanted int
	}{
		{name: "no users", users: 0, wanted: 0},
		{name: "single user", users: 1, wanted: 0},
		{name: "pair", users: 2, wanted: 1},
		{name: "odd drops one", users: 5, wanted: 2},
		{name: "even", users: 6, wanted: 3},
	}

	now := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			store := memory.New()
			for i := 0; i < tc.users; i++ {
				id := string(rune('a' + i))
				store.PutUser(&user.User{ID: id, Username: id, IsActive: true})
			}
			store.PutUser(&user.User{ID: "zz-inactive", IsActive: false})

			planner := NewPlanner(store.Users(), store.AutoMessages(),
				WithRand(rand.New(rand.NewSource(42))),
				WithPlannerClock(func() time.Time { return now }),
				WithTemplates([]string{"t1", "t2"}),
			)
			n, err := planner.Plan(context.Background())
			require.NoError(t, err)
			assert.Equal(t, tc.wanted, n)

			planned := store.AllAutoMessages()
			require.Len(t, planned, tc.wanted)

			seen := map[string]bool{}
			for _, am := range planned {
				assert.Equal(t, automessage.StatePlanned, am.State)
				assert.NotEqual(t, am.SenderID, am.RecipientID)
				assert.Contains(t, []string{"t1", "t2"}, am.Content)
				assert.False(t, am.SendDate.Before(now))
				assert.True(t, am.SendDate.Before(now.Add(24*time.Hour)))
				// 每個用戶最多出現在一組配對
				for _, id := range []string{am.SenderID, am.RecipientID} {
					assert.False(t, seen[id], id)
					assert.NotEqual(t, "zz-inactive", id)
					seen[id] = true
				}
			}
		})
	}
}

func TestPlannerUserSourceError(t *testing.T) {
	store := memory.New()
	planner := NewPlanner(failingUsers{}, store.AutoMessages())

	_, err := planner.Plan(context.Background())
	require.Error(t, err)
	assert.Empty(t, store.AllAutoMessages())
}
