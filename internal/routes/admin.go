package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/payrail/payrail/internal/middleware"
	"github.com/payrail/payrail/internal/settlement"
)

// RegisterAdminRoutes wires the approval endpoints behind the admin gate.
func RegisterAdminRoutes(r fiber.Router, h *settlement.Handler) {
	admin := r.Group("", middleware.RequireAdmin())
	admin.Post("/withdrawals/:id/decision", h.Decide)
}
