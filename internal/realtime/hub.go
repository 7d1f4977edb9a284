// Package realtime 是 websocket 連線閘道.
//
// Hub 維護本實例的連線與房間，並實作 event.Broadcaster；
// Gateway 負責握手認證、在線狀態與客戶端事件分派.
package realtime

import (
	"context"
	"encoding/json"
	"sync"

	"chat-realtime/internal/event"
	"chat-realtime/internal/platform/logger"
)

// Hub 本實例的連線註冊表
type Hub struct {
	mu      sync.RWMutex
	clients map[*Client]struct{}
	rooms   map[string]map[*Client]struct{}
	users   map[string]map[*Client]struct{}
}

// NewHub 創建連線註冊表
func NewHub() *Hub {
	return &Hub{
		clients: make(map[*Client]struct{}),
		rooms:   make(map[string]map[*Client]struct{}),
		users:   make(map[string]map[*Client]struct{}),
	}
}

// Register 註冊連線
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.clients[c] = struct{}{}
	set, ok := h.users[c.userID]
	if !ok {
		set = make(map[*Client]struct{})
		h.users[c.userID] = set
	}
	set[c] = struct{}{}
}

// Unregister 移除連線並離開所有房間
// 回傳 true 表示這是該用戶在本實例的最後一條連線
func (h *Hub) Unregister(c *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[c]; !ok {
		return false
	}
	delete(h.clients, c)

	for room, members := range h.rooms {
		if _, ok := members[c]; ok {
			delete(members, c)
			if len(members) == 0 {
				delete(h.rooms, room)
			}
		}
	}

	set := h.users[c.userID]
	delete(set, c)
	if len(set) == 0 {
		delete(h.users, c.userID)
		return true
	}
	return false
}

// Join 將連線加入房間；未註冊的連線會被忽略
func (h *Hub) Join(c *Client, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[c]; !ok {
		return
	}
	members, ok := h.rooms[room]
	if !ok {
		members = make(map[*Client]struct{})
		h.rooms[room] = members
	}
	members[c] = struct{}{}
}

// JoinUsers 將用戶在本實例的所有連線加入房間（新建對話時使用）
func (h *Hub) JoinUsers(room string, userIDs ...string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, id := range userIDs {
		for c := range h.users[id] {
			members, ok := h.rooms[room]
			if !ok {
				members = make(map[*Client]struct{})
				h.rooms[room] = members
			}
			members[c] = struct{}{}
		}
	}
}

// InRoom 連線是否在房間內
func (h *Hub) InRoom(c *Client, room string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.rooms[room][c]
	return ok
}

// Len 目前連線數
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// UserCount 本實例的在線用戶數
func (h *Hub) UserCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.users)
}

// UserConnections 用戶在本實例的連線數
func (h *Hub) UserConnections(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.users[userID])
}

// RoomSize 房間內連線數
func (h *Hub) RoomSize(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}

// CloseAll 關閉本實例所有連線，回傳關閉的連線數
// 連線由各自的 handler 解除註冊
func (h *Hub) CloseAll() int {
	h.mu.RLock()
	list := collect(h.clients, nil)
	h.mu.RUnlock()

	for _, c := range list {
		c.close()
	}
	return len(list)
}

func encodeFrame(name string, payload interface{}) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(event.Envelope{Event: name, Data: data})
}

// broadcast 編碼一次後推送給符合條件的連線
func (h *Hub) broadcast(name string, payload interface{}, targets func() []*Client) {
	frame, err := encodeFrame(name, payload)
	if err != nil {
		logger.Error(context.Background(), "事件編碼失敗", logger.WithEvent(name), logger.WithError(err))
		return
	}

	h.mu.RLock()
	list := targets()
	h.mu.RUnlock()

	for _, c := range list {
		c.enqueue(frame)
	}
}

func collect(set map[*Client]struct{}, keep func(*Client) bool) []*Client {
	out := make([]*Client, 0, len(set))
	for c := range set {
		if keep == nil || keep(c) {
			out = append(out, c)
		}
	}
	return out
}

// EmitToRoom implements event.Broadcaster.
func (h *Hub) EmitToRoom(room, name string, payload interface{}) {
	h.broadcast(name, payload, func() []*Client {
		return collect(h.rooms[room], nil)
	})
}

// EmitToRoomExcept implements event.Broadcaster.
func (h *Hub) EmitToRoomExcept(room, exceptSessionID, name string, payload interface{}) {
	h.broadcast(name, payload, func() []*Client {
		return collect(h.rooms[room], func(c *Client) bool {
			return c.sessionID != exceptSessionID
		})
	})
}

// EmitToUser implements event.Broadcaster.
func (h *Hub) EmitToUser(userID, name string, payload interface{}) {
	h.EmitToRoom(event.UserRoom(userID), name, payload)
}

// EmitToAllExcept implements event.Broadcaster.
func (h *Hub) EmitToAllExcept(userID, name string, payload interface{}) {
	h.broadcast(name, payload, func() []*Client {
		return collect(h.clients, func(c *Client) bool {
			return c.userID != userID
		})
	})
}
