package message

import (
	"strings"

	"chat-realtime/internal/apperr"
	"chat-realtime/internal/storage/database"
)

// ValidateCreatePrivateRequest 驗證建立私聊請求.
func ValidateCreatePrivateRequest(req *CreatePrivateRequest, callerID string) error {
	participant := strings.TrimSpace(req.ParticipantID)
	if participant == "" {
		return apperr.Validation("participantId is required", map[string]interface{}{"field": "participantId"})
	}
	if participant == callerID {
		return apperr.Validation("cannot start a conversation with yourself", map[string]interface{}{"field": "participantId"})
	}
	req.ParticipantID = participant
	return nil
}

// normalizeLimit 套用預設值與上限.
func normalizeLimit(limit, defaultSize, maxSize int) (int, error) {
	if limit < 0 {
		return 0, apperr.Validation("limit must be positive", map[string]interface{}{"field": "limit"})
	}
	return database.ClampLimit(limit, defaultSize, maxSize), nil
}
