package settlement

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gofiber/fiber/v2"

	"github.com/payrail/payrail/internal/ledger"
	"github.com/payrail/payrail/internal/lock"
	"github.com/payrail/payrail/internal/provider"
)

// WebhookHandler is the shared callback ingress for every provider. It stays
// provider-agnostic: the adapter named in the path owns signature
// verification and payload normalization.
type WebhookHandler struct {
	engine   *Engine
	registry *provider.Registry
	logger   *slog.Logger
}

// NewWebhookHandler constructs the webhook ingress.
func NewWebhookHandler(engine *Engine, registry *provider.Registry, logger *slog.Logger) *WebhookHandler {
	return &WebhookHandler{engine: engine, registry: registry, logger: logger}
}

// Handle processes POST /webhooks/:provider. Replayed events acknowledge with
// 200 so providers stop retrying; unverifiable payloads are rejected before
// any state is touched.
func (h *WebhookHandler) Handle(c *fiber.Ctx) error {
	name := c.Params("provider")
	adapter, err := h.registry.Lookup(name)
	if err != nil {
		return fiber.NewError(http.StatusNotFound, "unknown provider")
	}

	header := make(http.Header)
	for key, values := range c.GetReqHeaders() {
		for _, v := range values {
			header.Add(key, v)
		}
	}

	ev, err := adapter.VerifyCallback(header, c.Body())
	if err != nil {
		if errors.Is(err, provider.ErrInvalidSignature) {
			h.logger.Warn("rejected webhook with invalid signature", "provider", name, "ip", c.IP())
			return fiber.NewError(http.StatusUnauthorized, "invalid signature")
		}
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}

	if err := h.engine.ApplyEvent(c.UserContext(), ev); err != nil {
		switch {
		case errors.Is(err, ErrDuplicateEvent):
			// Already applied or withdrawal already terminal; ack so the
			// provider stops retrying.
			return c.JSON(fiber.Map{"status": "ok", "duplicate": true})
		case errors.Is(err, ErrUnmatchedEvent):
			h.logger.Warn("webhook for unknown correlation id", "provider", name, "correlation_id", ev.CorrelationID)
			return fiber.NewError(http.StatusNotFound, "unknown correlation id")
		case errors.Is(err, lock.ErrNotAcquired), errors.Is(err, ledger.ErrStateConflict):
			// Another event for the same withdrawal is mid-flight, or the
			// record has not reached confirming yet. A provider retry lands
			// cleanly once it settles.
			return fiber.NewError(http.StatusConflict, "withdrawal busy, retry")
		default:
			h.logger.Error("webhook apply failed", "provider", name, "correlation_id", ev.CorrelationID, "error", err)
			return fiber.NewError(http.StatusInternalServerError, "internal error")
		}
	}

	return c.JSON(fiber.Map{"status": "ok"})
}
