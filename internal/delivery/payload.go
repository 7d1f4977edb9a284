package delivery

import (
	"encoding/base64"
	"fmt"
	"strings"
	"unicode/utf8"

	"chat-realtime/internal/apperr"
	"chat-realtime/internal/platform/config"
	"chat-realtime/internal/storage/database/conversation"

	"github.com/dustin/go-humanize"
)

const mebibyte = 1 << 20

// Kind 附件類別
type Kind string

const (
	KindImage Kind = conversation.MessageTypeImage
	KindVideo Kind = conversation.MessageTypeVideo
	KindAudio Kind = conversation.MessageTypeAudio
	KindFile  Kind = conversation.MessageTypeFile
)

// ClassifyMIME 依 MIME 主類別判斷附件類別
func ClassifyMIME(mimeType string) Kind {
	major, _, _ := strings.Cut(strings.ToLower(strings.TrimSpace(mimeType)), "/")
	switch major {
	case "image":
		return KindImage
	case "video":
		return KindVideo
	case "audio":
		return KindAudio
	}
	return KindFile
}

// MessagePayload 訊息內容：Text 或 Media 其中之一
type MessagePayload interface {
	MessageType() string
	isPayload()
}

// Text 純文字訊息
type Text struct {
	Content string
}

// MessageType implements MessagePayload.
func (Text) MessageType() string { return conversation.MessageTypeText }
func (Text) isPayload() {}

// Media 附件訊息，Data 為解碼後的位元組
type Media struct {
	Kind            Kind
	Name            string
	MimeType        string
	SizeBytes       int64
	Data            []byte
	Thumbnail       string
	DurationSeconds float64
	Caption         string
}

// MessageType implements MessagePayload.
func (m Media) MessageType() string { return string(m.Kind) }
func (Media) isPayload() {}

// FileInput send_message 事件中的 fileData
type FileInput struct {
	Name      string  `json:"name"`
	Type      string  `json:"type"`
	Size      int64   `json:"size"`
	Data      string  `json:"data"`
	Thumbnail string  `json:"thumbnail,omitempty"`
	Duration  float64 `json:"duration,omitempty"`
}

// Limits 內容長度與各類附件大小上限
type Limits struct {
	MaxContentLength int
	MaxBytes         map[Kind]int64
}

// DefaultLimits 預設上限
func DefaultLimits() Limits {
	return Limits{
		MaxContentLength: 2000,
		MaxBytes: map[Kind]int64{
			KindImage: 10 * mebibyte,
			KindVideo: 50 * mebibyte,
			KindAudio: 20 * mebibyte,
			KindFile:  20 * mebibyte,
		},
	}
}

// LimitsFromConfig 從配置讀取上限，解析失敗時使用預設值
func LimitsFromConfig(cfg *config.Config) Limits {
	limits := DefaultLimits()
	if cfg == nil {
		return limits
	}
	if cfg.Limits.Message.MaxLength > 0 {
		limits.MaxContentLength = cfg.Limits.Message.MaxLength
	}
	media := cfg.Limits.Media
	limits.MaxBytes[KindImage] = config.ByteSize(media.Image, limits.MaxBytes[KindImage])
	limits.MaxBytes[KindVideo] = config.ByteSize(media.Video, limits.MaxBytes[KindVideo])
	limits.MaxBytes[KindAudio] = config.ByteSize(media.Audio, limits.MaxBytes[KindAudio])
	limits.MaxBytes[KindFile] = config.ByteSize(media.File, limits.MaxBytes[KindFile])
	return limits
}

// SizeLabel 上限的顯示字串，整數 MiB 顯示為 "10MB"
func SizeLabel(n int64) string {
	if n > 0 && n%mebibyte == 0 {
		return fmt.Sprintf("%dMB", n/mebibyte)
	}
	return humanize.IBytes(uint64(n))
}

// MeasuredLabel 實際大小的顯示字串
func MeasuredLabel(n int64) string {
	return fmt.Sprintf("%.2fMB", float64(n)/mebibyte)
}

// ParsePayload 在邊界一次驗證並轉為封閉的 payload 變體
func ParsePayload(content string, file *FileInput, limits Limits) (MessagePayload, error) {
	if strings.Contains(content, "\x00") {
		return nil, apperr.Validation("message content contains invalid characters", nil)
	}
	if n := utf8.RuneCountInString(content); n > limits.MaxContentLength {
		return nil, apperr.Validation(
			fmt.Sprintf("message content exceeds %d characters", limits.MaxContentLength),
			map[string]interface{}{"maxLength": limits.MaxContentLength, "length": n},
		)
	}

	if file == nil || (file.Data == "" && file.Name == "") {
		if strings.TrimSpace(content) == "" {
			return nil, apperr.ErrEmptyMessage
		}
		return Text{Content: content}, nil
	}

	data, err := decodeFileData(file.Data)
	if err != nil {
		return nil, apperr.Validation("invalid file data", map[string]interface{}{"reason": err.Error()})
	}
	if len(data) == 0 {
		if strings.TrimSpace(content) == "" {
			return nil, apperr.ErrEmptyMessage
		}
		return nil, apperr.Validation("file data is empty", nil)
	}

	kind := ClassifyMIME(file.Type)
	limit := limits.MaxBytes[kind]
	measured := int64(len(data))
	if limit > 0 && measured > limit {
		return nil, apperr.Validation(
			fmt.Sprintf("File size exceeds maximum allowed size of %s (%s)", SizeLabel(limit), MeasuredLabel(measured)),
			map[string]interface{}{
				"kind":       string(kind),
				"limit":      SizeLabel(limit),
				"limitBytes": limit,
				"size":       MeasuredLabel(measured),
				"sizeBytes":  measured,
			},
		)
	}

	name := strings.TrimSpace(file.Name)
	if name == "" {
		name = "file"
	}
	mimeType := file.Type
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}

	return Media{
		Kind:            kind,
		Name:            name,
		MimeType:        mimeType,
		SizeBytes:       measured,
		Data:            data,
		Thumbnail:       file.Thumbnail,
		DurationSeconds: file.Duration,
		Caption:         content,
	}, nil
}

// decodeFileData 接受純 base64 或 data URL
func decodeFileData(raw string) ([]byte, error) {
	raw = strings.TrimSpace(raw)
	if strings.HasPrefix(raw, "data:") {
		_, after, ok := strings.Cut(raw, ",")
		if !ok {
			return nil, fmt.Errorf("malformed data url")
		}
		raw = after
	}
	if raw == "" {
		return nil, nil
	}
	data, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		if alt, altErr := base64.RawStdEncoding.DecodeString(raw); altErr == nil {
			return alt, nil
		}
		return nil, err
	}
	return data, nil
}
