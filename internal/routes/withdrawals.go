package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/payrail/payrail/internal/settlement"
)

// RegisterWithdrawalRoutes wires the user-facing withdrawal endpoints.
func RegisterWithdrawalRoutes(r fiber.Router, h *settlement.Handler) {
	r.Post("/withdrawals", h.Create)
	r.Get("/withdrawals/:id", h.Get)
	r.Post("/withdrawals/:id/cancel", h.Cancel)
}
