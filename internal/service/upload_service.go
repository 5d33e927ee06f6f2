package service

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/makeasinger/studio/internal/client"
	"github.com/makeasinger/studio/internal/model"
)

// MaxSourceUploadBytes bounds a single uploaded source track.
const MaxSourceUploadBytes = 50 << 20

var sourceContentTypes = map[string]string{
	".mp3":  "audio/mpeg",
	".wav":  "audio/wav",
	".m4a":  "audio/mp4",
	".flac": "audio/flac",
	".ogg":  "audio/ogg",
}

// UploadService stores user source tracks for upload_cover and mashup jobs
type UploadService struct {
	r2Client client.StorageClient
}

// NewUploadService creates a new upload service. r2Client may be nil, in
// which case uploads fail with ErrStorageUnavailable.
func NewUploadService(r2Client client.StorageClient) *UploadService {
	return &UploadService{
		r2Client: r2Client,
	}
}

// SourceExtension returns the normalized extension of an accepted source
// file, or "" if the type is not accepted.
func SourceExtension(filename string) string {
	ext := strings.ToLower(filepath.Ext(filename))
	if _, ok := sourceContentTypes[ext]; !ok {
		return ""
	}
	return ext
}

// UploadSource uploads a source track and returns the URL the provider can fetch.
func (s *UploadService) UploadSource(ctx context.Context, userID, filename string, file io.Reader, size int64) (*model.UploadAudioResponse, error) {
	if s.r2Client == nil {
		return nil, ErrStorageUnavailable
	}
	ext := SourceExtension(filename)
	if ext == "" {
		return nil, invalid("file", "unsupported audio format")
	}
	if size <= 0 || size > MaxSourceUploadBytes {
		return nil, invalid("file", fmt.Sprintf("size must be between 1 and %d bytes", MaxSourceUploadBytes))
	}

	id := uuid.New().String()
	key := client.SourceKey(userID, id, ext)

	fileURL, err := s.r2Client.Upload(ctx, key, file, sourceContentTypes[ext])
	if err != nil {
		return nil, fmt.Errorf("failed to upload source: %w", err)
	}

	return &model.UploadAudioResponse{
		ID:        id,
		FileURL:   fileURL,
		Size:      size,
		CreatedAt: time.Now().UTC(),
	}, nil
}
