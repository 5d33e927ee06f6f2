package handler

import (
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/makeasinger/studio/internal/middleware"
	"github.com/makeasinger/studio/internal/service"
	ws "github.com/makeasinger/studio/internal/websocket"
	"github.com/makeasinger/studio/pkg/response"
)

// EventsHandler upgrades job subscribers onto the hub.
type EventsHandler struct {
	artifacts *service.ArtifactService
	hub       *ws.Hub
	logger    zerolog.Logger
}

func NewEventsHandler(artifacts *service.ArtifactService, hub *ws.Hub, logger zerolog.Logger) *EventsHandler {
	return &EventsHandler{
		artifacts: artifacts,
		hub:       hub,
		logger:    logger,
	}
}

// Guard runs before the upgrade on /ws/jobs/:taskId. Only the job's owner
// may subscribe.
func (h *EventsHandler) Guard(c *fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(c) {
		return fiber.ErrUpgradeRequired
	}
	userID := middleware.GetUserID(c)
	if userID == "" {
		return response.Unauthorized(c, "Authentication required")
	}
	if _, err := h.artifacts.GetJob(c.UserContext(), userID, c.Params("taskId")); err != nil {
		return writeError(c, h.logger, err)
	}
	return c.Next()
}

// Stream handles the upgraded connection.
func (h *EventsHandler) Stream() fiber.Handler {
	return websocket.New(func(c *websocket.Conn) {
		h.hub.HandleConnection(c, c.Params("taskId"))
	})
}
