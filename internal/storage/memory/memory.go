// Package memory 提供與 Mongo 存儲相同條件更新語意的記憶體實作，
// 用於單元測試與不連資料庫的本地執行.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"chat-realtime/internal/apperr"
	"chat-realtime/internal/storage/database/automessage"
	"chat-realtime/internal/storage/database/conversation"
	"chat-realtime/internal/storage/database/user"

	"go.mongodb.org/mongo-driver/v2/bson"
)

// Store 單一鎖保護所有集合，每個方法等同一次單文件原子更新
type Store struct {
	mu            sync.Mutex
	conversations map[string]*conversation.Conversation
	messages      map[string]*conversation.Message
	files         map[string][]byte
	users         map[string]*user.User
	autoMessages  map[string]*automessage.AutoMessage

	// Touches 記錄 TouchLastMessage 呼叫次數（冪等測試用）
	Touches map[string]int
}

// New 創建空的記憶體存儲
func New() *Store {
	return &Store{
		conversations: make(map[string]*conversation.Conversation),
		messages:      make(map[string]*conversation.Message),
		files:         make(map[string][]byte),
		users:         make(map[string]*user.User),
		autoMessages:  make(map[string]*automessage.AutoMessage),
		Touches:       make(map[string]int),
	}
}

// Conversations 對話存儲視圖
func (s *Store) Conversations() *Conversations { return &Conversations{s} }

// Messages 訊息存儲視圖
func (s *Store) Messages() *Messages { return &Messages{s} }

// Files 附件存儲視圖
func (s *Store) Files() *Files { return &Files{s} }

// Users 用戶存儲視圖
func (s *Store) Users() *Users { return &Users{s} }

// AutoMessages 自動訊息存儲視圖
func (s *Store) AutoMessages() *AutoMessages { return &AutoMessages{s} }

// PutUser 新增或覆寫用戶
func (s *Store) PutUser(u *user.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *u
	s.users[u.ID] = &cp
}

// PutConversation 新增或覆寫對話
func (s *Store) PutConversation(c *conversation.Conversation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *c
	s.conversations[c.ID] = &cp
}

// PutMessage 新增或覆寫訊息
func (s *Store) PutMessage(m *conversation.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[m.ID] = cloneMessage(m)
}

// MessageCount 訊息總數
func (s *Store) MessageCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

// FileCount 附件總數
func (s *Store) FileCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.files)
}

// AllAutoMessages 依建立順序列出自動訊息
func (s *Store) AllAutoMessages() []*automessage.AutoMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*automessage.AutoMessage, 0, len(s.autoMessages))
	for _, m := range s.autoMessages {
		cp := *m
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func cloneMessage(m *conversation.Message) *conversation.Message {
	cp := *m
	cp.ReadBy = append([]conversation.ReadReceipt{}, m.ReadBy...)
	cp.DeletedFor = append([]conversation.DeletionMark{}, m.DeletedFor...)
	if m.File != nil {
		f := *m.File
		cp.File = &f
	}
	return &cp
}

// Conversations implements the conversation store.
type Conversations struct{ s *Store }

// Create 創建對話
func (c *Conversations) Create(_ context.Context, conv *conversation.Conversation) error {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	if conv.ID == "" {
		conv.ID = bson.NewObjectID().Hex()
	}
	cp := *conv
	c.s.conversations[conv.ID] = &cp
	return nil
}

// GetByID 根據 ID 獲取對話
func (c *Conversations) GetByID(_ context.Context, id string) (*conversation.Conversation, error) {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	conv, ok := c.s.conversations[id]
	if !ok {
		return nil, apperr.ErrConversationNotFound
	}
	cp := *conv
	return &cp, nil
}

// FindForParticipant 參與者且有效才回傳
func (c *Conversations) FindForParticipant(_ context.Context, id, userID string) (*conversation.Conversation, error) {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	conv, ok := c.s.conversations[id]
	if !ok || !conv.IsActive || !conv.HasParticipant(userID) {
		return nil, apperr.ErrConversationNotFound
	}
	cp := *conv
	return &cp, nil
}

// FindOrCreatePrivate 以 pair key 查找或建立
func (c *Conversations) FindOrCreatePrivate(_ context.Context, userA, userB string) (*conversation.Conversation, bool, error) {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	key := conversation.PairKey(userA, userB)
	for _, conv := range c.s.conversations {
		if conv.Type == conversation.TypePrivate && conv.IsActive && conv.PairKey == key {
			cp := *conv
			return &cp, false, nil
		}
	}
	conv := conversation.NewConversation(conversation.TypePrivate, userA, userB)
	stored := conv
	c.s.conversations[conv.ID] = &stored
	return &conv, true, nil
}

// ListIDsForUser 用戶參與中的對話
func (c *Conversations) ListIDsForUser(_ context.Context, userID string) ([]string, error) {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	ids := []string{}
	for id, conv := range c.s.conversations {
		if conv.IsActive && conv.HasParticipant(userID) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// TouchLastMessage 連結最後一則訊息
func (c *Conversations) TouchLastMessage(_ context.Context, id, messageID string, at time.Time) error {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	conv, ok := c.s.conversations[id]
	if !ok {
		return nil
	}
	c.s.Touches[id]++
	if at.Before(conv.LastActivity) {
		return nil
	}
	conv.LastMessage = messageID
	conv.LastActivity = at
	conv.UpdatedAt = at
	return nil
}

// Messages implements the message store.
type Messages struct{ s *Store }

// Create 創建訊息，冪等鍵重複時回傳 ErrDuplicateClientMessage
func (m *Messages) Create(_ context.Context, msg *conversation.Message) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	if msg.ClientMessageID != "" {
		for _, existing := range m.s.messages {
			if existing.ClientMessageID == msg.ClientMessageID {
				return conversation.ErrDuplicateClientMessage
			}
		}
	}
	if msg.ID == "" {
		msg.ID = bson.NewObjectID().Hex()
	}
	if msg.Metadata.DeliveryStatus == "" {
		msg.Metadata.DeliveryStatus = conversation.StatusSent
	}
	m.s.messages[msg.ID] = cloneMessage(msg)
	return nil
}

// GetByID 根據 ID 獲取訊息
func (m *Messages) GetByID(_ context.Context, id string) (*conversation.Message, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	msg, ok := m.s.messages[id]
	if !ok {
		return nil, apperr.ErrMessageNotFound
	}
	return cloneMessage(msg), nil
}

// GetByClientMessageID 根據冪等鍵獲取訊息
func (m *Messages) GetByClientMessageID(_ context.Context, clientMessageID string) (*conversation.Message, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	for _, msg := range m.s.messages {
		if msg.ClientMessageID == clientMessageID {
			return cloneMessage(msg), nil
		}
	}
	return nil, apperr.ErrMessageNotFound
}

// AdvanceStatus 只從前一階段推進
func (m *Messages) AdvanceStatus(_ context.Context, id, to string, at time.Time) (bool, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	msg, ok := m.s.messages[id]
	if !ok {
		return false, nil
	}
	from := conversation.StatusRank(msg.Metadata.DeliveryStatus)
	if from == 0 || conversation.StatusRank(to) <= from {
		return false, nil
	}
	msg.Metadata.DeliveryStatus = to
	switch to {
	case conversation.StatusDelivered:
		msg.Metadata.DeliveredAt = &at
	case conversation.StatusRead:
		msg.Metadata.ReadAt = &at
	}
	msg.UpdatedAt = at
	return true, nil
}

func visibleUnread(msg *conversation.Message, viewerID string) bool {
	return !msg.IsDeleted && !msg.IsReadBy(viewerID) && !msg.IsDeletedFor(viewerID)
}

// MarkRead 追加已讀記錄
func (m *Messages) MarkRead(_ context.Context, conversationID, messageID string, receipt conversation.ReadReceipt) (bool, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	msg, ok := m.s.messages[messageID]
	if !ok || msg.ConversationID != conversationID || !visibleUnread(msg, receipt.UserID) {
		return false, nil
	}
	msg.ReadBy = append(msg.ReadBy, receipt)
	msg.Metadata.DeliveryStatus = conversation.StatusRead
	at := receipt.ReadAt
	if msg.Metadata.DeliveredAt == nil {
		msg.Metadata.DeliveredAt = &at
	}
	if msg.Metadata.ReadAt == nil {
		msg.Metadata.ReadAt = &at
	}
	msg.UpdatedAt = at
	return true, nil
}

// UnreadForViewer 他人發送且 viewer 未讀的訊息
func (m *Messages) UnreadForViewer(_ context.Context, conversationID, viewerID string, ids []string) ([]*conversation.Message, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	var want map[string]bool
	if ids != nil {
		want = make(map[string]bool, len(ids))
		for _, id := range ids {
			want[id] = true
		}
	}
	var out []*conversation.Message
	for _, msg := range m.s.messages {
		if msg.ConversationID != conversationID || msg.SenderID == viewerID || !visibleUnread(msg, viewerID) {
			continue
		}
		if want != nil && !want[msg.ID] {
			continue
		}
		cp := cloneMessage(msg)
		cp.File = nil
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// CountUnread sender 的訊息中 viewer 未讀的數量
func (m *Messages) CountUnread(_ context.Context, conversationID, senderID, viewerID string) (int64, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	var n int64
	for _, msg := range m.s.messages {
		if msg.ConversationID == conversationID && msg.SenderID == senderID && visibleUnread(msg, viewerID) {
			n++
		}
	}
	return n, nil
}

// DeleteForUser 對單一用戶隱藏
func (m *Messages) DeleteForUser(_ context.Context, conversationID, messageID string, mark conversation.DeletionMark) (bool, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	msg, ok := m.s.messages[messageID]
	if !ok || msg.ConversationID != conversationID || msg.IsDeletedFor(mark.UserID) {
		return false, nil
	}
	msg.DeletedFor = append(msg.DeletedFor, mark)
	msg.UpdatedAt = mark.DeletedAt
	return true, nil
}

// DeleteForEveryone 發送者在時限內永久刪除
func (m *Messages) DeleteForEveryone(_ context.Context, messageID, senderID string, notBefore, at time.Time) (bool, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	msg, ok := m.s.messages[messageID]
	if !ok || msg.SenderID != senderID || msg.IsDeleted || msg.CreatedAt.Before(notBefore) {
		return false, nil
	}
	msg.IsDeleted = true
	msg.DeletedAt = &at
	msg.UpdatedAt = at
	return true, nil
}

// ListForViewer 新到舊分頁
func (m *Messages) ListForViewer(_ context.Context, conversationID, viewerID string, limit int, cursor string) ([]*conversation.Message, string, bool, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	after, err := conversation.DecodeCursor(cursor)
	if err != nil {
		return nil, "", false, err
	}
	var all []*conversation.Message
	for _, msg := range m.s.messages {
		if msg.ConversationID != conversationID || msg.IsDeletedFor(viewerID) {
			continue
		}
		if !after.After(msg) {
			continue
		}
		all = append(all, cloneMessage(msg))
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].ID > all[j].ID
		}
		return all[i].CreatedAt.After(all[j].CreatedAt)
	})

	hasMore := len(all) > limit
	if hasMore {
		all = all[:limit]
	}
	next := ""
	if hasMore && len(all) > 0 {
		next = conversation.EncodeCursor(all[len(all)-1])
	}
	return all, next, hasMore, nil
}

// Files implements the attachment store.
type Files struct{ s *Store }

// Save 保存附件
func (f *Files) Save(_ context.Context, _, _ string, data []byte) (string, error) {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	id := bson.NewObjectID().Hex()
	f.s.files[id] = append([]byte{}, data...)
	return id, nil
}

// Load 讀取附件
func (f *Files) Load(_ context.Context, fileID string) ([]byte, error) {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	data, ok := f.s.files[fileID]
	if !ok {
		return nil, apperr.NotFound("file not found")
	}
	return data, nil
}

// Delete 刪除附件
func (f *Files) Delete(_ context.Context, fileID string) error {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	delete(f.s.files, fileID)
	return nil
}

// Users implements the user store.
type Users struct{ s *Store }

// GetByID 根據 ID 獲取用戶
func (u *Users) GetByID(_ context.Context, id string) (*user.User, error) {
	u.s.mu.Lock()
	defer u.s.mu.Unlock()
	found, ok := u.s.users[id]
	if !ok {
		return nil, apperr.ErrUserNotFound
	}
	cp := *found
	return &cp, nil
}

// ListActiveIDs 有效用戶
func (u *Users) ListActiveIDs(_ context.Context) ([]string, error) {
	u.s.mu.Lock()
	defer u.s.mu.Unlock()
	var ids []string
	for id, found := range u.s.users {
		if found.IsActive {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// TouchLastSeen 記錄最後上線時間
func (u *Users) TouchLastSeen(_ context.Context, id string, at time.Time) error {
	u.s.mu.Lock()
	defer u.s.mu.Unlock()
	if found, ok := u.s.users[id]; ok {
		found.LastSeen = &at
	}
	return nil
}

// AutoMessages implements the auto message store.
type AutoMessages struct{ s *Store }

// CreateMany 批次建立
func (a *AutoMessages) CreateMany(_ context.Context, msgs []*automessage.AutoMessage) error {
	a.s.mu.Lock()
	defer a.s.mu.Unlock()
	for _, msg := range msgs {
		if msg.ID == "" {
			msg.ID = bson.NewObjectID().Hex()
		}
		if msg.State == "" {
			msg.State = automessage.StatePlanned
		}
		cp := *msg
		a.s.autoMessages[msg.ID] = &cp
	}
	return nil
}

// GetByID 不存在時回傳 nil
func (a *AutoMessages) GetByID(_ context.Context, id string) (*automessage.AutoMessage, error) {
	a.s.mu.Lock()
	defer a.s.mu.Unlock()
	msg, ok := a.s.autoMessages[id]
	if !ok {
		return nil, nil
	}
	cp := *msg
	return &cp, nil
}

// ListDue 已到期的 planned 項目
func (a *AutoMessages) ListDue(_ context.Context, now time.Time, limit int) ([]*automessage.AutoMessage, error) {
	a.s.mu.Lock()
	defer a.s.mu.Unlock()
	var out []*automessage.AutoMessage
	for _, msg := range a.s.autoMessages {
		if msg.State == automessage.StatePlanned && !msg.SendDate.After(now) {
			cp := *msg
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SendDate.Before(out[j].SendDate) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Transition 條件轉換
func (a *AutoMessages) Transition(_ context.Context, id string, t automessage.Transition) (bool, error) {
	a.s.mu.Lock()
	defer a.s.mu.Unlock()
	msg, ok := a.s.autoMessages[id]
	if !ok || msg.State != t.From {
		return false, nil
	}
	if err := t.Apply(msg); err != nil {
		return false, err
	}
	return true, nil
}
