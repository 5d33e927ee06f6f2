package handler

import (
	"fmt"
	"io"
	"os"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
	"github.com/valyala/fasthttp"

	"github.com/makeasinger/studio/internal/middleware"
	"github.com/makeasinger/studio/internal/service"
	"github.com/makeasinger/studio/pkg/response"
)

type MediaHandler struct {
	delivery *service.DeliveryService
	logger   zerolog.Logger
}

func NewMediaHandler(delivery *service.DeliveryService, logger zerolog.Logger) *MediaHandler {
	return &MediaHandler{
		delivery: delivery,
		logger:   logger,
	}
}

// rangeBody streams part of a file and closes it once the response is sent.
type rangeBody struct {
	io.Reader
	f *os.File
}

func (b *rangeBody) Close() error { return b.f.Close() }

// Serve handles GET /media?filename=. Anonymous callers may read shared
// files; owners may read their own. SendStream sets Content-Length.
func (h *MediaHandler) Serve(c *fiber.Ctx) error {
	filename := c.Query("filename")
	if filename == "" {
		return response.ValidationError(c, "filename is required", nil)
	}

	grant, err := h.delivery.Authorize(c.UserContext(), middleware.GetUserID(c), filename)
	if err != nil {
		return writeError(c, h.logger, err)
	}

	f, info, err := h.delivery.Open(grant)
	if err != nil {
		return writeError(c, h.logger, err)
	}

	total := int(info.Size())
	c.Set(fiber.HeaderContentType, grant.ContentType)
	c.Set(fiber.HeaderAcceptRanges, "bytes")

	if header := c.Get(fiber.HeaderRange); header != "" {
		start, end, err := fasthttp.ParseByteRange([]byte(header), total)
		if err == nil {
			if _, err := f.Seek(int64(start), io.SeekStart); err != nil {
				f.Close()
				return writeError(c, h.logger, err)
			}
			length := end - start + 1
			c.Set(fiber.HeaderContentRange, fmt.Sprintf("bytes %d-%d/%d", start, end, total))
			c.Status(fiber.StatusPartialContent)
			return c.SendStream(&rangeBody{Reader: io.LimitReader(f, int64(length)), f: f}, length)
		}
		h.logger.Debug().Str("range", header).Str("file", filename).Msg("ignoring unsatisfiable range")
	}

	return c.Status(fiber.StatusOK).SendStream(f, total)
}
