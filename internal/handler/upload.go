package handler

import (
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/makeasinger/studio/internal/middleware"
	"github.com/makeasinger/studio/internal/service"
	"github.com/makeasinger/studio/pkg/response"
)

type UploadHandler struct {
	service *service.UploadService
	logger  zerolog.Logger
}

func NewUploadHandler(svc *service.UploadService, logger zerolog.Logger) *UploadHandler {
	return &UploadHandler{
		service: svc,
		logger:  logger,
	}
}

// Audio handles POST /api/upload/audio. The returned fileUrl is what
// upload_cover and mashup requests reference as their source.
func (h *UploadHandler) Audio(c *fiber.Ctx) error {
	file, err := c.FormFile("file")
	if err != nil {
		return response.ValidationError(c, "File is required", nil)
	}

	if file.Size > service.MaxSourceUploadBytes {
		return response.ValidationError(c, "File size exceeds 50MB limit", map[string]interface{}{
			"maxSize":  service.MaxSourceUploadBytes,
			"fileSize": file.Size,
		})
	}
	if service.SourceExtension(file.Filename) == "" {
		return response.ValidationError(c, "Invalid file type. Supported: MP3, WAV, M4A, FLAC, OGG", map[string]interface{}{
			"filename": file.Filename,
		})
	}

	f, err := file.Open()
	if err != nil {
		return response.ServiceError(c, "Failed to open file")
	}
	defer f.Close()

	result, err := h.service.UploadSource(c.UserContext(), middleware.GetUserID(c), file.Filename, f, file.Size)
	if err != nil {
		return writeError(c, h.logger, err)
	}

	return response.Created(c, result)
}
