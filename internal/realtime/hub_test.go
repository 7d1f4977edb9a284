package realtime

import (
	"encoding/json"
	"testing"

	"chat-realtime/internal/event"
	"chat-realtime/internal/storage/database/user"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testClient(userID, sessionID string, buffer int) *Client {
	opts := DefaultOptions()
	opts.SendBuffer = buffer
	return newClient(nil, &user.User{ID: userID, Username: userID}, sessionID, opts)
}

func drain(c *Client) []event.Envelope {
	var out []event.Envelope
	for {
		select {
		case frame, ok := <-c.send:
			if !ok {
				return out
			}
			var env event.Envelope
			if err := json.Unmarshal(frame, &env); err == nil {
				out = append(out, env)
			}
		default:
			return out
		}
	}
}

func TestHubUnregisterReportsLastConnection(t *testing.T) {
	hub := NewHub()
	a1 := testClient("alice", "s1", 8)
	a2 := testClient("alice", "s2", 8)
	hub.Register(a1)
	hub.Register(a2)
	hub.Join(a1, "c1")

	assert.Equal(t, 2, hub.UserConnections("alice"))
	assert.Equal(t, 1, hub.UserCount())

	assert.False(t, hub.Unregister(a1))
	assert.Zero(t, hub.RoomSize("c1"))
	assert.True(t, hub.Unregister(a2))
	// 重複解除註冊不再回報
	assert.False(t, hub.Unregister(a2))
	assert.Zero(t, hub.Len())
}

func TestHubEmitTargets(t *testing.T) {
	hub := NewHub()
	alice := testClient("alice", "a-s1", 8)
	aliceTab := testClient("alice", "a-s2", 8)
	bob := testClient("bob", "b-s1", 8)
	for _, c := range []*Client{alice, aliceTab, bob} {
		hub.Register(c)
		hub.Join(c, event.UserRoom(c.userID))
		hub.Join(c, "c1")
	}

	testCases := []struct {
		name string
		emit func()
		want map[*Client]int
	}{
		{
			name: "room",
			emit: func() { hub.EmitToRoom("c1", "x", nil) },
			want: map[*Client]int{alice: 1, aliceTab: 1, bob: 1},
		},
		{
			name: "room except session",
			emit: func() { hub.EmitToRoomExcept("c1", "a-s1", "x", nil) },
			want: map[*Client]int{alice: 0, aliceTab: 1, bob: 1},
		},
		{
			name: "user room",
			emit: func() { hub.EmitToUser("alice", "x", nil) },
			want: map[*Client]int{alice: 1, aliceTab: 1, bob: 0},
		},
		{
			name: "all except user",
			emit: func() { hub.EmitToAllExcept("alice", "x", nil) },
			want: map[*Client]int{alice: 0, aliceTab: 0, bob: 1},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			tc.emit()
			for c, n := range tc.want {
				assert.Len(t, drain(c), n, c.sessionID)
			}
		})
	}
}

func TestHubJoinUsers(t *testing.T) {
	hub := NewHub()
	alice := testClient("alice", "s1", 8)
	bob := testClient("bob", "s2", 8)
	hub.Register(alice)
	hub.Register(bob)

	hub.JoinUsers("c9", "alice", "bob", "carol")
	assert.True(t, hub.InRoom(alice, "c9"))
	assert.True(t, hub.InRoom(bob, "c9"))
	assert.Equal(t, 2, hub.RoomSize("c9"))

	// 未註冊的連線不能加入房間
	ghost := testClient("ghost", "s3", 8)
	hub.Join(ghost, "c9")
	assert.False(t, hub.InRoom(ghost, "c9"))
}

func TestSlowConsumerIsClosed(t *testing.T) {
	hub := NewHub()
	c := testClient("alice", "s1", 1)
	hub.Register(c)
	hub.Join(c, "c1")

	hub.EmitToRoom("c1", "first", nil)
	hub.EmitToRoom("c1", "second", nil)

	envs := drain(c)
	require.Len(t, envs, 1)
	assert.Equal(t, "first", envs[0].Event)
	assert.False(t, c.enqueue([]byte("{}")))

	// close 之後再次關閉不會 panic
	c.close()
}

func TestHubCloseAll(t *testing.T) {
	hub := NewHub()
	a := testClient("alice", "s1", 4)
	b := testClient("bob", "s2", 4)
	hub.Register(a)
	hub.Register(b)

	assert.Equal(t, 2, hub.CloseAll())
	for _, c := range []*Client{a, b} {
		_, ok := <-c.send
		assert.False(t, ok, "send queue closed")
		assert.False(t, c.enqueue([]byte("{}")))
	}
	// 解除註冊由連線 handler 負責
	assert.Equal(t, 2, hub.Len())
}
