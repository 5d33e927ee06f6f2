package handler

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"

	"github.com/makeasinger/studio/internal/store"
)

// Integrations reports which optional clients were configured at startup.
type Integrations struct {
	Suno bool
	R2   bool
	Auth bool
}

type HealthHandler struct {
	redis        redis.Cmdable
	records      store.Store
	integrations Integrations
	timeout      time.Duration
}

func NewHealthHandler(redisClient redis.Cmdable, records store.Store, integrations Integrations) *HealthHandler {
	return &HealthHandler{
		redis:        redisClient,
		records:      records,
		integrations: integrations,
		timeout:      2 * time.Second,
	}
}

// Check handles GET /health. It always answers 200; status is "degraded"
// when redis or the record store does not answer a ping.
func (h *HealthHandler) Check(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), h.timeout)
	defer cancel()

	redisUp := h.redis != nil && h.redis.Ping(ctx).Err() == nil
	databaseUp := h.records != nil && h.records.Ping(ctx) == nil

	status := "ok"
	if !redisUp || !databaseUp {
		status = "degraded"
	}
	return c.JSON(fiber.Map{
		"status": status,
		"services": fiber.Map{
			"suno":     h.integrations.Suno,
			"r2":       h.integrations.R2,
			"redis":    redisUp,
			"database": databaseUp,
			"auth":     h.integrations.Auth,
		},
	})
}
