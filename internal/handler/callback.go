package handler

import (
	"github.com/gofiber/fiber/v2"

	"github.com/makeasinger/studio/internal/service"
	"github.com/makeasinger/studio/pkg/response"
)

type CallbackHandler struct {
	callbacks *service.CallbackService
}

func NewCallbackHandler(callbacks *service.CallbackService) *CallbackHandler {
	return &CallbackHandler{callbacks: callbacks}
}

// Receive handles POST /callback and POST /callback/:source. The provider
// always gets 200 so it does not redeliver; processing happens in the
// background.
func (h *CallbackHandler) Receive(c *fiber.Ctx) error {
	// Body() is only valid for the lifetime of the request; Accept copies it.
	h.callbacks.Accept(c.Params("source"), c.Body())
	return response.Received(c)
}
