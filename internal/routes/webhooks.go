package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/payrail/payrail/internal/settlement"
)

// RegisterWebhookRoutes wires the shared provider callback ingress.
func RegisterWebhookRoutes(r fiber.Router, h *settlement.WebhookHandler) {
	r.Post("/webhooks/:provider", h.Handle)
}
