package settlement

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/shopspring/decimal"

	"github.com/payrail/payrail/internal/identity"
	"github.com/payrail/payrail/internal/ledger"
	"github.com/payrail/payrail/internal/provider"
	"github.com/payrail/payrail/internal/withdrawal"
)

// Handler exposes the withdrawal endpoints.
type Handler struct {
	engine *Engine
}

// NewHandler constructs a withdrawal handler.
func NewHandler(engine *Engine) *Handler {
	return &Handler{engine: engine}
}

type createRequest struct {
	Asset       string `json:"asset"`
	Amount      string `json:"amount"`
	Destination string `json:"destination"`
	Provider    string `json:"provider"`
}

type decisionRequest struct {
	Approve bool   `json:"approve"`
	Notes   string `json:"notes"`
}

// Create accepts a withdrawal request, reserves funds and returns the record.
// Auto-approved withdrawals start dispatching in the background.
func (h *Handler) Create(c *fiber.Ctx) error {
	var req createRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	uid, _ := c.Locals("user_id").(string)
	if uid == "" {
		return c.SendStatus(http.StatusUnauthorized)
	}

	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid amount")
	}

	rec, err := h.engine.Create(c.UserContext(), CreateInput{
		UserID:      uid,
		Asset:       req.Asset,
		Amount:      amount,
		Destination: req.Destination,
		Provider:    req.Provider,
	})
	if err != nil {
		switch {
		case errors.Is(err, ErrValidation):
			return fiber.NewError(http.StatusBadRequest, err.Error())
		case errors.Is(err, ErrDestinationNotAllowed):
			return fiber.NewError(http.StatusForbidden, "destination not allowed")
		case errors.Is(err, provider.ErrUnknownProvider):
			return fiber.NewError(http.StatusBadRequest, "unknown provider")
		case errors.Is(err, ledger.ErrInsufficientFunds):
			return fiber.NewError(http.StatusBadRequest, "insufficient funds")
		default:
			return fiber.NewError(http.StatusInternalServerError, err.Error())
		}
	}

	if rec.State == withdrawal.StateApproved {
		h.dispatchAsync(rec.ID)
	}

	return c.Status(http.StatusCreated).JSON(recordResponse(rec))
}

// Get returns a withdrawal's current state. Owners see their own records;
// admins see everything.
func (h *Handler) Get(c *fiber.Ctx) error {
	uid, _ := c.Locals("user_id").(string)
	role, _ := c.Locals("role").(string)

	rec, err := h.engine.Get(c.UserContext(), c.Params("id"))
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return fiber.NewError(http.StatusNotFound, "withdrawal not found")
		}
		return fiber.NewError(http.StatusInternalServerError, err.Error())
	}
	if rec.UserID != uid && role != identity.RoleAdmin {
		return fiber.NewError(http.StatusNotFound, "withdrawal not found")
	}

	return c.JSON(recordResponse(rec))
}

// Decide applies an admin approval or rejection.
func (h *Handler) Decide(c *fiber.Ctx) error {
	var req decisionRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	uid, _ := c.Locals("user_id").(string)

	rec, err := h.engine.Decide(c.UserContext(), DecisionInput{
		WithdrawalID: c.Params("id"),
		ApproverID:   uid,
		Approve:      req.Approve,
		Notes:        req.Notes,
	})
	if err != nil {
		return decisionError(err)
	}

	if rec.State == withdrawal.StateApproved {
		h.dispatchAsync(rec.ID)
	}

	return c.JSON(recordResponse(rec))
}

// Cancel lets the owner withdraw a still-pending request.
func (h *Handler) Cancel(c *fiber.Ctx) error {
	uid, _ := c.Locals("user_id").(string)

	rec, err := h.engine.Cancel(c.UserContext(), c.Params("id"), uid)
	if err != nil {
		if errors.Is(err, ErrNotOwner) {
			return fiber.NewError(http.StatusNotFound, "withdrawal not found")
		}
		return decisionError(err)
	}

	return c.JSON(recordResponse(rec))
}

// dispatchAsync runs the provider call off the request path. The dispatch
// timeout is bounded by the engine's per-call limits, not the request context.
func (h *Handler) dispatchAsync(id string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		_ = h.engine.Dispatch(ctx, id)
	}()
}

func decisionError(err error) error {
	var conflict *ledger.StateConflictError
	switch {
	case errors.Is(err, ledger.ErrNotFound):
		return fiber.NewError(http.StatusNotFound, "withdrawal not found")
	case errors.As(err, &conflict):
		return fiber.NewError(http.StatusConflict, "withdrawal is in state "+string(conflict.Current))
	default:
		return fiber.NewError(http.StatusInternalServerError, err.Error())
	}
}

func recordResponse(rec withdrawal.Record) fiber.Map {
	resp := fiber.Map{
		"id":            rec.ID,
		"asset":         rec.Asset,
		"amount":        rec.Amount.String(),
		"destination":   rec.Destination,
		"provider":      rec.Provider,
		"state":         string(rec.State),
		"auto_approved": rec.AutoApproved,
		"created_at":    rec.CreatedAt.Format(time.RFC3339Nano),
	}
	if rec.CorrelationID != "" {
		resp["correlation_id"] = rec.CorrelationID
	}
	if rec.SettlementRef != "" {
		resp["settlement_ref"] = rec.SettlementRef
	}
	if rec.NetworkFee != nil {
		resp["network_fee"] = rec.NetworkFee.String()
	}
	if rec.CompletedAt != nil {
		resp["completed_at"] = rec.CompletedAt.Format(time.RFC3339Nano)
	}
	return resp
}
