package conversation

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"chat-realtime/internal/apperr"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

const bucketMessageFiles = "message_files"

// FileStore 以 GridFS 保存訊息附件（影片上限超過單一文件 16MB 限制）
type FileStore struct {
	bucket *mongo.GridFSBucket
}

// NewFileStore 創建附件存儲
func NewFileStore(db *mongo.Database) *FileStore {
	return &FileStore{
		bucket: db.GridFSBucket(options.GridFSBucket().SetName(bucketMessageFiles)),
	}
}

// Save 上傳附件並回傳檔案 ID
func (s *FileStore) Save(ctx context.Context, name, mimeType string, data []byte) (string, error) {
	opts := options.GridFSUpload().SetMetadata(bson.D{{Key: "content_type", Value: mimeType}})
	id, err := s.bucket.UploadFromStream(ctx, name, bytes.NewReader(data), opts)
	if err != nil {
		return "", fmt.Errorf("上傳附件失敗: %w", err)
	}
	return id.Hex(), nil
}

// Load 讀取附件完整內容
func (s *FileStore) Load(ctx context.Context, fileID string) ([]byte, error) {
	oid, err := bson.ObjectIDFromHex(fileID)
	if err != nil {
		return nil, apperr.NotFound("file not found")
	}

	var buf bytes.Buffer
	if _, err := s.bucket.DownloadToStream(ctx, oid, &buf); err != nil {
		if errors.Is(err, mongo.ErrFileNotFound) {
			return nil, apperr.NotFound("file not found")
		}
		return nil, fmt.Errorf("讀取附件失敗: %w", err)
	}
	return buf.Bytes(), nil
}

// Delete 刪除附件，檔案不存在視為成功
func (s *FileStore) Delete(ctx context.Context, fileID string) error {
	oid, err := bson.ObjectIDFromHex(fileID)
	if err != nil {
		return nil
	}
	if err := s.bucket.Delete(ctx, oid); err != nil && !errors.Is(err, mongo.ErrFileNotFound) {
		return fmt.Errorf("刪除附件失敗: %w", err)
	}
	return nil
}
