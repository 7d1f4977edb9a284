// Package message 提供對話與訊息歷史的 REST 介面.
package message

import (
	"bytes"
	"context"
	"fmt"
	"mime"
	"net/http"

	"chat-realtime/internal/apperr"
	"chat-realtime/internal/delivery"
	"chat-realtime/internal/event"
	"chat-realtime/internal/httputil"
	"chat-realtime/internal/platform/logger"
	"chat-realtime/internal/platform/middleware"
	"chat-realtime/internal/storage/database/conversation"
	"chat-realtime/internal/storage/database/user"

	"github.com/gin-gonic/gin"
)

// ConversationStore 對話讀寫
type ConversationStore interface {
	FindOrCreatePrivate(ctx context.Context, userA, userB string) (*conversation.Conversation, bool, error)
	FindForParticipant(ctx context.Context, id, userID string) (*conversation.Conversation, error)
}

// MessageStore 訊息讀取
type MessageStore interface {
	GetByID(ctx context.Context, id string) (*conversation.Message, error)
	ListForViewer(ctx context.Context, conversationID, viewerID string, limit int, cursor string) ([]*conversation.Message, string, bool, error)
}

// FileLoader 附件讀取
type FileLoader interface {
	Load(ctx context.Context, fileID string) ([]byte, error)
}

// UserDirectory 用戶查詢
type UserDirectory interface {
	GetByID(ctx context.Context, id string) (*user.User, error)
}

// ReadMarker 標記已讀
type ReadMarker interface {
	MarkAllRead(ctx context.Context, conversationID, readerID, sessionID string) (*delivery.MarkReadResult, error)
}

// RoomJoiner 新對話建立後讓參與者的連線加入房間
type RoomJoiner interface {
	JoinUsers(room string, userIDs ...string)
}

// Deps 處理器依賴
type Deps struct {
	Conversations ConversationStore
	Messages      MessageStore
	Files         FileLoader
	Users         UserDirectory
	Reads         ReadMarker
	Rooms         RoomJoiner
}

// Pagination 分頁設定
type Pagination struct {
	DefaultPageSize int
	MaxPageSize     int
}

// MessageHandler message 處理器.
type MessageHandler struct {
	deps       Deps
	pagination Pagination
}

// NewMessageHandler 創建新的 message 處理器.
func NewMessageHandler(deps Deps, pagination Pagination) *MessageHandler {
	if pagination.DefaultPageSize <= 0 {
		pagination.DefaultPageSize = 30
	}
	if pagination.MaxPageSize < pagination.DefaultPageSize {
		pagination.MaxPageSize = pagination.DefaultPageSize
	}
	return &MessageHandler{deps: deps, pagination: pagination}
}

// Register 註冊路由；呼叫端負責在群組上套用認證
func (h *MessageHandler) Register(r gin.IRoutes) {
	r.POST("/conversations/private", h.CreatePrivate)
	r.GET("/conversations/:id/messages", middleware.ValidateObjectIDParam("id"), h.ListMessages)
	r.POST("/conversations/:id/read", middleware.ValidateObjectIDParam("id"), h.MarkAllRead)
	r.GET("/messages/:id/file", middleware.ValidateObjectIDParam("id"), h.DownloadFile)
}

// CreatePrivate POST /conversations/private
// 已存在時回傳 200，新建時回傳 201
func (h *MessageHandler) CreatePrivate(c *gin.Context) {
	me := middleware.GetIdentity(c)
	var req CreatePrivateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httputil.RespondError(c, apperr.Validation("invalid request body", nil))
		return
	}
	if err := ValidateCreatePrivateRequest(&req, me.UserID()); err != nil {
		httputil.RespondError(c, err)
		return
	}

	ctx := c.Request.Context()
	other, err := h.deps.Users.GetByID(ctx, req.ParticipantID)
	if err != nil {
		httputil.RespondError(c, err)
		return
	}
	if !other.IsActive {
		httputil.RespondError(c, apperr.ErrUserNotFound)
		return
	}

	conv, created, err := h.deps.Conversations.FindOrCreatePrivate(ctx, me.UserID(), other.ID)
	if err != nil {
		httputil.RespondError(c, fmt.Errorf("建立私聊失敗: %w", err))
		return
	}

	if !created {
		httputil.OK(c, newConversationResponse(conv, false))
		return
	}

	if h.deps.Rooms != nil {
		h.deps.Rooms.JoinUsers(conv.ID, conv.Participants...)
	}
	logger.Info(ctx, "私聊已建立", logger.WithUserID(me.UserID()), logger.WithConversationID(conv.ID))
	httputil.Created(c, newConversationResponse(conv, true))
}

// ListMessages GET /conversations/:id/messages?limit&cursor
// 新到舊；對自己刪除的訊息不回傳，對所有人刪除的訊息以墓碑內容回傳
func (h *MessageHandler) ListMessages(c *gin.Context) {
	me := middleware.GetIdentity(c)
	conversationID := c.Param("id")

	var query ListMessagesQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		httputil.RespondError(c, apperr.Validation("invalid query", map[string]interface{}{"field": "limit"}))
		return
	}
	limit, err := normalizeLimit(query.Limit, h.pagination.DefaultPageSize, h.pagination.MaxPageSize)
	if err != nil {
		httputil.RespondError(c, err)
		return
	}

	ctx := c.Request.Context()
	if _, err := h.deps.Conversations.FindForParticipant(ctx, conversationID, me.UserID()); err != nil {
		httputil.RespondError(c, err)
		return
	}

	if _, err := conversation.DecodeCursor(query.Cursor); err != nil {
		httputil.RespondError(c, err)
		return
	}

	msgs, next, hasMore, err := h.deps.Messages.ListForViewer(ctx, conversationID, me.UserID(), limit, query.Cursor)
	if err != nil {
		httputil.RespondError(c, apperr.Transient("failed to list messages", err))
		return
	}

	views := make([]*event.MessageView, 0, len(msgs))
	for _, msg := range msgs {
		views = append(views, event.NewMessageView(msg, me.UserID()))
	}
	httputil.Paged(c, views, httputil.Page{NextCursor: next, HasMore: hasMore})
}

// MarkAllRead POST /conversations/:id/read
func (h *MessageHandler) MarkAllRead(c *gin.Context) {
	me := middleware.GetIdentity(c)

	result, err := h.deps.Reads.MarkAllRead(c.Request.Context(), c.Param("id"), me.UserID(), me.SessionID)
	if err != nil {
		httputil.RespondError(c, err)
		return
	}

	ids := result.MessageIDs
	if ids == nil {
		ids = []string{}
	}
	httputil.OK(c, MarkReadResponse{
		ConversationID: result.ConversationID,
		MessageIDs:     ids,
		Updated:        result.Updated,
	})
}

// DownloadFile GET /messages/:id/file
// 只有參與者可以下載；已對所有人刪除的訊息不再提供附件
func (h *MessageHandler) DownloadFile(c *gin.Context) {
	me := middleware.GetIdentity(c)
	ctx := c.Request.Context()

	msg, err := h.deps.Messages.GetByID(ctx, c.Param("id"))
	if err != nil {
		httputil.RespondError(c, err)
		return
	}
	if _, err := h.deps.Conversations.FindForParticipant(ctx, msg.ConversationID, me.UserID()); err != nil {
		httputil.RespondError(c, err)
		return
	}
	if msg.IsDeleted || msg.IsDeletedFor(me.UserID()) || msg.File == nil || msg.File.FileID == "" {
		httputil.RespondError(c, apperr.NotFound("file not found"))
		return
	}

	data, err := h.deps.Files.Load(ctx, msg.File.FileID)
	if err != nil {
		if apperr.KindOf(err) == apperr.KindNotFound {
			httputil.RespondError(c, err)
			return
		}
		httputil.RespondError(c, apperr.Transient("failed to load file", err))
		return
	}

	if msg.File.MimeType != "" {
		c.Header("Content-Type", msg.File.MimeType)
	}
	c.Header("Content-Disposition", mime.FormatMediaType("inline", map[string]string{"filename": msg.File.Name}))
	c.Header("Cache-Control", "private, max-age=3600")
	http.ServeContent(c.Writer, c.Request, msg.File.Name, msg.CreatedAt, bytes.NewReader(data))
}
