package realtime

import (
	"context"
	"encoding/json"
	"strings"

	"chat-realtime/internal/apperr"
	"chat-realtime/internal/deletion"
	"chat-realtime/internal/delivery"
	"chat-realtime/internal/event"
	"chat-realtime/internal/metrics"
	"chat-realtime/internal/platform/logger"
)

type handlerFunc func(ctx context.Context, c *Client, raw json.RawMessage) error

func (g *Gateway) routes() map[string]handlerFunc {
	return map[string]handlerFunc{
		event.JoinRoom:               g.handleJoinRoom,
		event.SendMessage:            g.handleSendMessage,
		event.DeleteMessage:          g.handleDeleteMessage,
		event.DeleteMultipleMessages: g.handleDeleteMultiple,
		event.TypingStart:            g.handleTyping(event.UserTyping),
		event.TypingStop:             g.handleTyping(event.UserStopTyping),
		event.MarkMessagesRead:       g.handleMarkRead,
	}
}

type sessionData struct {
	SessionID string `json:"sessionId"`
}

type joinRoomData struct {
	ConversationID string `json:"conversationId"`
}

type sendMessageData struct {
	ConversationID  string              `json:"conversationId"`
	Content         string              `json:"content"`
	Type            string              `json:"type"`
	ClientMessageID string              `json:"clientMessageId"`
	FileData        *delivery.FileInput `json:"fileData"`
}

type deleteMessageData struct {
	MessageID      string `json:"messageId"`
	DeleteType     string `json:"deleteType"`
	ConversationID string `json:"conversationId"`
}

type deleteMultipleData struct {
	MessageIDs     []string `json:"messageIds"`
	ConversationID string   `json:"conversationId"`
}

type typingData struct {
	ConversationID string `json:"conversationId"`
}

type markReadData struct {
	MessageIDs     []string `json:"messageIds"`
	ConversationID string   `json:"conversationId"`
}

// dispatch 解析一個訊框並交給對應的處理器
func (g *Gateway) dispatch(ctx context.Context, c *Client, data []byte) {
	var env event.Envelope
	if err := json.Unmarshal(data, &env); err != nil || env.Event == "" {
		metrics.EventsRejected.WithLabelValues("malformed").Inc()
		c.emitError("", "invalid event format", nil)
		return
	}

	handler, ok := g.handlers[env.Event]
	if !ok {
		metrics.EventsRejected.WithLabelValues("unknown_event").Inc()
		c.emitError(env.Event, "unknown event", map[string]interface{}{"event": env.Event})
		return
	}
	metrics.EventsReceived.WithLabelValues(env.Event).Inc()

	if !c.limiter.Allow() {
		metrics.EventsRejected.WithLabelValues("rate_limited").Inc()
		g.audit.LogRateLimitExceeded(ctx, c.userID, env.Event)
		c.emitError(env.Event, "rate limit exceeded", nil)
		return
	}

	var sess sessionData
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, &sess); err != nil {
			metrics.EventsRejected.WithLabelValues("malformed").Inc()
			c.emitError(env.Event, "invalid event format", nil)
			return
		}
	}
	if sess.SessionID == "" || sess.SessionID != c.sessionID {
		metrics.EventsRejected.WithLabelValues("session_mismatch").Inc()
		c.emitError(env.Event, "invalid session id", nil)
		return
	}

	opCtx, cancel := context.WithTimeout(ctx, g.opts.OperationTimeout)
	defer cancel()

	if err := handler(opCtx, c, env.Data); err != nil {
		g.reportError(ctx, c, env.Event, err)
	}
}

// reportError 將錯誤轉成 error 事件；基礎設施錯誤不外露細節
func (g *Gateway) reportError(ctx context.Context, c *Client, source string, err error) {
	kind := apperr.KindOf(err)
	metrics.EventsRejected.WithLabelValues(kind.String()).Inc()

	if apperr.IsClientFacing(err) {
		e, _ := apperr.As(err)
		c.emitError(source, e.Message, e.Details)
		return
	}

	logger.Error(ctx, "處理客戶端事件失敗",
		logger.WithUserID(c.userID),
		logger.WithSessionID(c.sessionID),
		logger.WithEvent(source),
		logger.WithError(err))
	message := "internal server error"
	if kind == apperr.KindTransient {
		message = "service temporarily unavailable"
	}
	c.emitError(source, message, nil)
}

func decode(raw json.RawMessage, v interface{}) error {
	if err := json.Unmarshal(raw, v); err != nil {
		return apperr.Validation("invalid event payload", nil)
	}
	return nil
}

func requireConversation(id string) error {
	if strings.TrimSpace(id) == "" {
		return apperr.Validation("conversationId is required", nil)
	}
	return nil
}

// ensureRoom 確認參與者身份；第一次使用時把參與者在本實例的連線都加入房間
func (g *Gateway) ensureRoom(ctx context.Context, c *Client, conversationID string) error {
	if g.hub.InRoom(c, conversationID) {
		return nil
	}
	conv, err := g.conversations.FindForParticipant(ctx, conversationID, c.userID)
	if err != nil {
		return err
	}
	g.hub.JoinUsers(conv.ID, conv.Participants...)
	return nil
}

func (g *Gateway) handleJoinRoom(ctx context.Context, c *Client, raw json.RawMessage) error {
	var in joinRoomData
	if err := decode(raw, &in); err != nil {
		return err
	}
	if err := requireConversation(in.ConversationID); err != nil {
		return err
	}

	conv, err := g.conversations.FindForParticipant(ctx, in.ConversationID, c.userID)
	if err != nil {
		return err
	}
	g.hub.Join(c, conv.ID)
	c.emit(event.JoinedRoom, event.JoinedRoomPayload{ConversationID: conv.ID})
	return nil
}

func (g *Gateway) handleSendMessage(ctx context.Context, c *Client, raw json.RawMessage) error {
	var in sendMessageData
	if err := decode(raw, &in); err != nil {
		return err
	}

	res, err := g.send(ctx, c, in)
	if err != nil {
		g.reportError(ctx, c, event.SendMessage, err)
		c.emit(event.MessageSent, delivery.FailedAck(in.ClientMessageID, in.ConversationID, g.now().UTC()))
		return nil
	}
	c.emit(event.MessageSent, res.Ack)
	return nil
}

func (g *Gateway) send(ctx context.Context, c *Client, in sendMessageData) (*delivery.SendResult, error) {
	if err := requireConversation(in.ConversationID); err != nil {
		return nil, err
	}
	// 非參與者一律先回報會話不存在
	if err := g.ensureRoom(ctx, c, in.ConversationID); err != nil {
		return nil, err
	}
	payload, err := delivery.ParsePayload(in.Content, in.FileData, g.messages.Limits())
	if err != nil {
		return nil, err
	}
	return g.messages.Send(ctx, delivery.SendRequest{
		ConversationID:  in.ConversationID,
		SenderID:        c.userID,
		SessionID:       c.sessionID,
		ClientMessageID: in.ClientMessageID,
		Payload:         payload,
	})
}

func (g *Gateway) handleDeleteMessage(ctx context.Context, c *Client, raw json.RawMessage) error {
	var in deleteMessageData
	if err := decode(raw, &in); err != nil {
		return err
	}
	if err := requireConversation(in.ConversationID); err != nil {
		return err
	}
	if in.MessageID == "" {
		return apperr.Validation("messageId is required", nil)
	}

	_, err := g.deletion.Delete(ctx, deletion.Request{
		ConversationID: in.ConversationID,
		MessageID:      in.MessageID,
		UserID:         c.userID,
	}, in.DeleteType)
	return err
}

func (g *Gateway) handleDeleteMultiple(ctx context.Context, c *Client, raw json.RawMessage) error {
	var in deleteMultipleData
	if err := decode(raw, &in); err != nil {
		return err
	}
	if err := requireConversation(in.ConversationID); err != nil {
		return err
	}
	if len(in.MessageIDs) == 0 {
		return apperr.Validation("messageIds is required", nil)
	}

	_, err := g.deletion.BulkDeleteForMe(ctx, deletion.BulkRequest{
		ConversationID: in.ConversationID,
		UserID:         c.userID,
		MessageIDs:     in.MessageIDs,
	})
	return err
}

// handleTyping 轉發輸入狀態給房間內其他連線
func (g *Gateway) handleTyping(name string) handlerFunc {
	return func(ctx context.Context, c *Client, raw json.RawMessage) error {
		var in typingData
		if err := decode(raw, &in); err != nil {
			return err
		}
		if err := requireConversation(in.ConversationID); err != nil {
			return err
		}
		if err := g.ensureRoom(ctx, c, in.ConversationID); err != nil {
			return err
		}

		g.hub.EmitToRoomExcept(in.ConversationID, c.sessionID, name, event.TypingPayload{
			UserID:         c.userID,
			Username:       c.user.Username,
			ConversationID: in.ConversationID,
		})
		return nil
	}
}

func (g *Gateway) handleMarkRead(ctx context.Context, c *Client, raw json.RawMessage) error {
	var in markReadData
	if err := decode(raw, &in); err != nil {
		return err
	}
	if err := requireConversation(in.ConversationID); err != nil {
		return err
	}

	_, err := g.messages.MarkRead(ctx, delivery.MarkReadRequest{
		ConversationID: in.ConversationID,
		ReaderID:       c.userID,
		SessionID:      c.sessionID,
		MessageIDs:     in.MessageIDs,
	})
	return err
}
