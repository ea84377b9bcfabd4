package handlers

import (
	"github.com/gofiber/fiber/v2"

	"github.com/lessonforge/api/database"
	"github.com/lessonforge/api/utils/response"
)

// HealthHandler exposes liveness and readiness endpoints
type HealthHandler struct {
	store *database.GORMStore
}

// NewHealthHandler creates a new health handler
func NewHealthHandler(store *database.GORMStore) *HealthHandler {
	return &HealthHandler{store: store}
}

// Ping handles GET /ping
func (h *HealthHandler) Ping(c *fiber.Ctx) error {
	return response.Success(c, fiber.Map{"message": "pong"})
}

// Ready handles GET /ready and verifies the database connection
func (h *HealthHandler) Ready(c *fiber.Ctx) error {
	if err := h.store.HealthCheck(); err != nil {
		return response.Error(c, fiber.StatusServiceUnavailable,
			"Database unavailable", "NOT_READY")
	}
	return response.Success(c, fiber.Map{"status": "ready"})
}
