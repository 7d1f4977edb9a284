package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"chat-realtime/internal/apperr"
	"chat-realtime/internal/auth"
	"chat-realtime/internal/deletion"
	"chat-realtime/internal/delivery"
	"chat-realtime/internal/event"
	"chat-realtime/internal/storage/database/conversation"
	"chat-realtime/internal/storage/database/user"
	"chat-realtime/internal/storage/memory"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakePresence 記憶體在線集合，fail 為 true 時模擬 Redis 不可用
type fakePresence struct {
	mu     sync.Mutex
	online map[string]bool
	fail   bool
}

func newFakePresence() *fakePresence {
	return &fakePresence{online: make(map[string]bool)}
}

var errPresenceDown = apperr.Transient("presence store unavailable", errors.New("connection refused"))

func (p *fakePresence) MarkOnline(_ context.Context, userID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail {
		return errPresenceDown
	}
	p.online[userID] = true
	return nil
}

func (p *fakePresence) MarkOffline(_ context.Context, userID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail {
		return errPresenceDown
	}
	delete(p.online, userID)
	return nil
}

func (p *fakePresence) Count(_ context.Context) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail {
		return 0, errPresenceDown
	}
	return int64(len(p.online)), nil
}

func (p *fakePresence) IsOnline(_ context.Context, userID string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.online[userID], nil
}

func (p *fakePresence) OnlineUsers(_ context.Context) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var ids []string
	for id := range p.online {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

type gatewayFixture struct {
	store    *memory.Store
	presence *fakePresence
	auth     *auth.Authenticator
	gateway  *Gateway
	server   *httptest.Server
	conv     conversation.Conversation
}

func newGatewayFixture(t *testing.T, mutate func(*Options)) *gatewayFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store := memory.New()
	for _, id := range []string{"alice", "bob", "carol"} {
		store.PutUser(&user.User{ID: id, Username: id, DisplayName: strings.ToUpper(id), IsActive: true})
	}
	store.PutUser(&user.User{ID: "mallory", Username: "mallory", IsActive: false})
	conv := conversation.NewConversation(conversation.TypePrivate, "alice", "bob")
	store.PutConversation(&conv)

	hub := NewHub()
	engine := delivery.NewEngine(delivery.Deps{
		Conversations: store.Conversations(),
		Messages:      store.Messages(),
		Files:         store.Files(),
		Users:         store.Users(),
		Broadcaster:   hub,
	}, delivery.WithPromoteDelay(10*time.Millisecond))
	t.Cleanup(engine.Stop)

	coordinator := deletion.NewCoordinator(deletion.Deps{
		Conversations: store.Conversations(),
		Messages:      store.Messages(),
		Delivery:      engine,
		Broadcaster:   hub,
	})

	opts := DefaultOptions()
	opts.OperationTimeout = 5 * time.Second
	if mutate != nil {
		mutate(&opts)
	}

	authenticator := auth.NewAuthenticator("test-secret", "", store.Users())
	presence := newFakePresence()
	gw := NewGateway(Deps{
		Hub:           hub,
		Auth:          authenticator,
		Conversations: store.Conversations(),
		Users:         store.Users(),
		Presence:      presence,
		Messages:      engine,
		Deletion:      coordinator,
	}, opts)

	router := gin.New()
	router.GET("/ws", gw.HandleWS)
	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	return &gatewayFixture{
		store:    store,
		presence: presence,
		auth:     authenticator,
		gateway:  gw,
		server:   server,
		conv:     conv,
	}
}

func (f *gatewayFixture) url() string {
	return "ws" + strings.TrimPrefix(f.server.URL, "http") + "/ws"
}

func (f *gatewayFixture) token(t *testing.T, userID string) string {
	t.Helper()
	token, err := f.auth.IssueToken(userID, time.Hour)
	require.NoError(t, err)
	return token
}

type testConn struct {
	conn    *websocket.Conn
	session string
}

// dial 以 header 帶憑證連線，並等待伺服器完成註冊
func (f *gatewayFixture) dial(t *testing.T, userID, session string) *testConn {
	t.Helper()
	before := f.gateway.Hub().UserConnections(userID)

	header := http.Header{}
	header.Set("Authorization", "Bearer "+f.token(t, userID))
	header.Set(SessionHeader, session)
	conn, _, err := websocket.DefaultDialer.Dial(f.url(), header)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	require.Eventually(t, func() bool {
		return f.gateway.Hub().UserConnections(userID) == before+1
	}, 2*time.Second, 5*time.Millisecond)
	return &testConn{conn: conn, session: session}
}

func (tc *testConn) emit(t *testing.T, name string, data map[string]interface{}) {
	t.Helper()
	if _, ok := data["sessionId"]; !ok {
		data["sessionId"] = tc.session
	}
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	require.NoError(t, tc.conn.WriteJSON(event.Envelope{Event: name, Data: raw}))
}

// expect 讀到指定事件為止，略過其他事件
func (tc *testConn) expect(t *testing.T, name string, out interface{}) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		require.NoError(t, tc.conn.SetReadDeadline(deadline))
		var env event.Envelope
		require.NoError(t, tc.conn.ReadJSON(&env), "waiting for %s", name)
		if env.Event != name {
			continue
		}
		if out != nil {
			require.NoError(t, json.Unmarshal(env.Data, out))
		}
		return
	}
}

func TestHandshakeRejected(t *testing.T) {
	f := newGatewayFixture(t, nil)

	testCases := []struct {
		name    string
		token   string
		session string
	}{
		{name: "missing token", token: "", session: "s1"},
		{name: "garbage token", token: "not-a-jwt", session: "s1"},
		{name: "unknown user", token: f.token(t, "nobody"), session: "s1"},
		{name: "inactive user", token: f.token(t, "mallory"), session: "s1"},
		{name: "missing session", token: f.token(t, "alice"), session: ""},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			header := http.Header{}
			if tc.token != "" {
				header.Set("Authorization", "Bearer "+tc.token)
			}
			if tc.session != "" {
				header.Set(SessionHeader, tc.session)
			}
			_, resp, err := websocket.DefaultDialer.Dial(f.url(), header)
			require.ErrorIs(t, err, websocket.ErrBadHandshake)
			require.NotNil(t, resp)
			assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		})
	}
	assert.Zero(t, f.gateway.Hub().Len())
}

func TestHandshakeAcceptsQueryCredentials(t *testing.T) {
	f := newGatewayFixture(t, nil)

	url := f.url() + "?token=" + f.token(t, "alice") + "&sessionId=q1"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool {
		return f.gateway.Hub().UserConnections("alice") == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestConnectJoinsRoomsAndBroadcastsPresence(t *testing.T) {
	f := newGatewayFixture(t, nil)
	bob := f.dial(t, "bob", "b1")
	f.dial(t, "alice", "a1")

	var online event.PresencePayload
	bob.expect(t, event.UserOnline, &online)
	assert.Equal(t, "alice", online.UserID)
	assert.EqualValues(t, 2, online.OnlineCount)

	var joined user.PublicProfile
	bob.expect(t, event.NewUserJoined, &joined)
	assert.Equal(t, "alice", joined.ID)
	assert.Equal(t, "ALICE", joined.DisplayName)

	// 個人房間加上唯一的對話
	assert.Equal(t, 2, f.gateway.Hub().RoomSize(f.conv.ID))
	assert.Equal(t, 1, f.gateway.Hub().RoomSize(event.UserRoom("alice")))
}

func TestPresenceFailureIsSwallowed(t *testing.T) {
	f := newGatewayFixture(t, nil)
	f.presence.fail = true

	bob := f.dial(t, "bob", "b1")
	f.dial(t, "alice", "a1")

	var online event.PresencePayload
	bob.expect(t, event.UserOnline, &online)
	// Redis 不可用時退回本實例的人數
	assert.EqualValues(t, 2, online.OnlineCount)
}

func TestDisconnectOnlyMarksOfflineAfterLastConnection(t *testing.T) {
	f := newGatewayFixture(t, nil)
	bob := f.dial(t, "bob", "b1")
	tab1 := f.dial(t, "alice", "a1")
	tab2 := f.dial(t, "alice", "a2")

	require.NoError(t, tab1.conn.Close())
	require.Eventually(t, func() bool {
		return f.gateway.Hub().UserConnections("alice") == 1
	}, 2*time.Second, 5*time.Millisecond)
	online, _ := f.presence.IsOnline(context.Background(), "alice")
	assert.True(t, online)

	require.NoError(t, tab2.conn.Close())

	var offline event.PresencePayload
	bob.expect(t, event.UserOffline, &offline)
	assert.Equal(t, "alice", offline.UserID)
	assert.EqualValues(t, 1, offline.OnlineCount)
	require.NotNil(t, offline.LastSeen)

	online, _ = f.presence.IsOnline(context.Background(), "alice")
	assert.False(t, online)
	u, err := f.store.Users().GetByID(context.Background(), "alice")
	require.NoError(t, err)
	assert.NotNil(t, u.LastSeen)
}

func TestEventsRequireMatchingSession(t *testing.T) {
	f := newGatewayFixture(t, nil)
	alice := f.dial(t, "alice", "a1")

	testCases := []struct {
		name string
		data map[string]interface{}
	}{
		{name: "missing", data: map[string]interface{}{"sessionId": "", "conversationId": f.conv.ID}},
		{name: "foreign", data: map[string]interface{}{"sessionId": "someone-else", "conversationId": f.conv.ID}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			alice.emit(t, event.JoinRoom, tc.data)
			var payload event.ErrorPayload
			alice.expect(t, event.Error, &payload)
			assert.Equal(t, "invalid session id", payload.Message)
			assert.Equal(t, event.JoinRoom, payload.Event)
		})
	}
}

func TestJoinRoom(t *testing.T) {
	f := newGatewayFixture(t, nil)
	other := conversation.NewConversation(conversation.TypePrivate, "bob", "carol")
	f.store.PutConversation(&other)
	alice := f.dial(t, "alice", "a1")

	alice.emit(t, event.JoinRoom, map[string]interface{}{"conversationId": f.conv.ID})
	var joined event.JoinedRoomPayload
	alice.expect(t, event.JoinedRoom, &joined)
	assert.Equal(t, f.conv.ID, joined.ConversationID)

	// 非參與者收到錯誤事件，不會靜默失敗
	alice.emit(t, event.JoinRoom, map[string]interface{}{"conversationId": other.ID})
	var payload event.ErrorPayload
	alice.expect(t, event.Error, &payload)
	assert.Equal(t, apperr.ErrConversationNotFound.Message, payload.Message)
	assert.Zero(t, f.gateway.Hub().RoomSize(other.ID))
}

func TestSendMessageRoundTrip(t *testing.T) {
	f := newGatewayFixture(t, nil)
	alice := f.dial(t, "alice", "a1")
	bob := f.dial(t, "bob", "b1")

	alice.emit(t, event.SendMessage, map[string]interface{}{
		"conversationId":  f.conv.ID,
		"content":         "hello bob",
		"type":            "text",
		"clientMessageId": "cm-1",
	})

	var ack event.MessageSentPayload
	alice.expect(t, event.MessageSent, &ack)
	assert.True(t, ack.Success)
	assert.Equal(t, "cm-1", ack.MessageID)
	assert.Equal(t, conversation.StatusSent, ack.DeliveryStatus)

	var received struct {
		Message event.MessageView `json:"message"`
	}
	bob.expect(t, event.MessageReceived, &received)
	assert.Equal(t, "hello bob", received.Message.Content)
	assert.Equal(t, "alice", received.Message.SenderID)

	var delivered event.MessageDeliveredPayload
	alice.expect(t, event.MessageDelivered, &delivered)
	assert.Equal(t, ack.ServerID, delivered.MessageID)
	assert.Equal(t, conversation.StatusDelivered, delivered.DeliveryStatus)

	// 同一個 clientMessageId 重送只會確認，不會建立新訊息
	alice.emit(t, event.SendMessage, map[string]interface{}{
		"conversationId":  f.conv.ID,
		"content":         "hello bob",
		"clientMessageId": "cm-1",
	})
	var dup event.MessageSentPayload
	alice.expect(t, event.MessageSent, &dup)
	assert.True(t, dup.Duplicate)
	assert.Equal(t, 1, f.store.MessageCount())
}

func TestSendMessageFailureAcksUnsuccessfully(t *testing.T) {
	f := newGatewayFixture(t, nil)
	alice := f.dial(t, "alice", "a1")

	testCases := []struct {
		name    string
		data    map[string]interface{}
		message string
	}{
		{
			name:    "empty",
			data:    map[string]interface{}{"conversationId": f.conv.ID, "content": "", "clientMessageId": "e1"},
			message: apperr.ErrEmptyMessage.Message,
		},
		{
			name:    "unknown conversation",
			data:    map[string]interface{}{"conversationId": "missing", "content": "hi", "clientMessageId": "e2"},
			message: apperr.ErrConversationNotFound.Message,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			alice.emit(t, event.SendMessage, tc.data)

			var payload event.ErrorPayload
			alice.expect(t, event.Error, &payload)
			assert.Equal(t, tc.message, payload.Message)

			var ack event.MessageSentPayload
			alice.expect(t, event.MessageSent, &ack)
			assert.False(t, ack.Success)
			assert.Equal(t, conversation.StatusFailed, ack.DeliveryStatus)
		})
	}
	assert.Zero(t, f.store.MessageCount())
}

func TestSendMessageNonParticipantRejectedBeforeValidation(t *testing.T) {
	f := newGatewayFixture(t, nil)
	carol := f.dial(t, "carol", "c1")

	for i, content := range []string{"", strings.Repeat("x", 5000)} {
		carol.emit(t, event.SendMessage, map[string]interface{}{
			"conversationId":  f.conv.ID,
			"content":         content,
			"clientMessageId": fmt.Sprintf("c-%d", i),
		})

		var payload event.ErrorPayload
		carol.expect(t, event.Error, &payload)
		assert.Equal(t, apperr.ErrConversationNotFound.Message, payload.Message)

		var ack event.MessageSentPayload
		carol.expect(t, event.MessageSent, &ack)
		assert.False(t, ack.Success)
	}
	assert.Zero(t, f.store.MessageCount())
}

func TestShutdownClosesLiveConnections(t *testing.T) {
	f := newGatewayFixture(t, nil)
	alice := f.dial(t, "alice", "a1")
	f.dial(t, "bob", "b1")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, f.gateway.Shutdown(ctx))

	// Shutdown 返回時所有 handler 都已完成斷線處理
	assert.Zero(t, f.gateway.Hub().Len())
	count, err := f.presence.Count(context.Background())
	require.NoError(t, err)
	assert.Zero(t, count)

	require.NoError(t, alice.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		if _, _, err := alice.conn.ReadMessage(); err != nil {
			assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
			break
		}
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+f.token(t, "carol"))
	header.Set(SessionHeader, "c1")
	_, resp, err := websocket.DefaultDialer.Dial(f.url(), header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestTypingRelayedToOthers(t *testing.T) {
	f := newGatewayFixture(t, nil)
	alice := f.dial(t, "alice", "a1")
	bob := f.dial(t, "bob", "b1")

	alice.emit(t, event.TypingStart, map[string]interface{}{"conversationId": f.conv.ID})
	var typing event.TypingPayload
	bob.expect(t, event.UserTyping, &typing)
	assert.Equal(t, "alice", typing.UserID)
	assert.Equal(t, f.conv.ID, typing.ConversationID)

	alice.emit(t, event.TypingStop, map[string]interface{}{"conversationId": f.conv.ID})
	bob.expect(t, event.UserStopTyping, &typing)
}

func TestMarkReadAndDeleteOverSocket(t *testing.T) {
	f := newGatewayFixture(t, nil)
	alice := f.dial(t, "alice", "a1")
	bob := f.dial(t, "bob", "b1")

	alice.emit(t, event.SendMessage, map[string]interface{}{
		"conversationId":  f.conv.ID,
		"content":         "read me",
		"clientMessageId": "cm-r",
	})
	var ack event.MessageSentPayload
	alice.expect(t, event.MessageSent, &ack)

	bob.emit(t, event.MarkMessagesRead, map[string]interface{}{
		"conversationId": f.conv.ID,
		"messageIds":     []string{ack.ServerID},
	})
	var receipt event.MessageReadReceiptPayload
	alice.expect(t, event.MessageReadReceipt, &receipt)

	alice.emit(t, event.DeleteMessage, map[string]interface{}{
		"conversationId": f.conv.ID,
		"messageId":      ack.ServerID,
		"deleteType":     conversation.DeleteForEveryone,
	})
	var deleted event.MessageDeletedForEveryonePayload
	bob.expect(t, event.MessageDeletedForEveryone, &deleted)
	assert.Equal(t, ack.ServerID, deleted.MessageID)
	assert.Equal(t, event.TombstoneContent, deleted.Content)

	// bob 不是發送者
	bob.emit(t, event.DeleteMessage, map[string]interface{}{
		"conversationId": f.conv.ID,
		"messageId":      ack.ServerID,
		"deleteType":     conversation.DeleteForEveryone,
	})
	var denied event.ErrorPayload
	bob.expect(t, event.Error, &denied)
	assert.Equal(t, apperr.ErrNotSender.Message, denied.Message)

	bob.emit(t, event.DeleteMultipleMessages, map[string]interface{}{
		"conversationId": f.conv.ID,
		"messageIds":     []string{ack.ServerID, "missing"},
	})
	var bulk event.MultipleMessagesDeletedPayload
	bob.expect(t, event.MultipleMessagesDeleted, &bulk)
	assert.Equal(t, 2, bulk.Requested)
	assert.Equal(t, 1, bulk.Deleted)
}

func TestRateLimitedEvents(t *testing.T) {
	f := newGatewayFixture(t, func(o *Options) {
		o.EventsPerSecond = 0.001
		o.EventBurst = 1
	})
	alice := f.dial(t, "alice", "a1")

	alice.emit(t, event.JoinRoom, map[string]interface{}{"conversationId": f.conv.ID})
	alice.expect(t, event.JoinedRoom, nil)

	alice.emit(t, event.JoinRoom, map[string]interface{}{"conversationId": f.conv.ID})
	var payload event.ErrorPayload
	alice.expect(t, event.Error, &payload)
	assert.Equal(t, "rate limit exceeded", payload.Message)
}

func TestMalformedAndUnknownEvents(t *testing.T) {
	f := newGatewayFixture(t, nil)
	alice := f.dial(t, "alice", "a1")

	require.NoError(t, alice.conn.WriteMessage(websocket.TextMessage, []byte("{nope")))
	var payload event.ErrorPayload
	alice.expect(t, event.Error, &payload)
	assert.Equal(t, "invalid event format", payload.Message)

	alice.emit(t, "launch_rockets", map[string]interface{}{})
	alice.expect(t, event.Error, &payload)
	assert.Equal(t, "unknown event", payload.Message)
}
