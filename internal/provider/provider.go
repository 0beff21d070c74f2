package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/shopspring/decimal"
)

// Status is the closed normalized vocabulary every adapter maps its
// provider's native statuses onto.
type Status string

const (
	StatusConfirming Status = "confirming"
	StatusSending    Status = "sending"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusExpired    Status = "expired"
)

// Terminal reports whether the status resolves the payout.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusExpired:
		return true
	default:
		return false
	}
}

var (
	// ErrInvalidSignature indicates a callback that failed authenticity
	// verification. It must never lead to a state or ledger mutation.
	ErrInvalidSignature = errors.New("invalid callback signature")

	// ErrUnknownProvider indicates a provider name with no registered adapter.
	ErrUnknownProvider = errors.New("unknown provider")
)

// Error wraps a failure talking to a provider. Temporary failures (network,
// 5xx) are retried by the settlement engine with backoff.
type Error struct {
	Provider  string
	Op        string
	Temporary bool
	Err       error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Provider, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Event is the normalized shape emitted by webhook verification and status
// queries alike; the settlement engine consumes nothing else.
type Event struct {
	Provider      string
	CorrelationID string
	Status        Status
	SettlementRef string
	NetworkFee    decimal.Decimal
	Raw           []byte
}

// PayoutRequest carries everything an adapter needs to instruct a payout.
type PayoutRequest struct {
	Reference   string
	Asset       string
	Amount      decimal.Decimal
	Destination string
	CallbackURL string
}

// Payout is the provider's acceptance of a payout instruction.
type Payout struct {
	CorrelationID string
	InitialStatus Status
}

// Adapter translates generic payout operations into one provider's API and
// normalizes responses into the shared status vocabulary.
//
// CreatePayout is called at most once per withdrawal; the settlement engine
// guarantees this by gating dispatch on a state transition only one execution
// path can win. QueryStatus must be safe to call repeatedly. VerifyCallback
// owns that provider's signature scheme so the webhook ingress stays
// provider-agnostic.
type Adapter interface {
	Name() string
	CreatePayout(ctx context.Context, req PayoutRequest) (Payout, error)
	QueryStatus(ctx context.Context, correlationID string) (Event, error)
	VerifyCallback(header http.Header, body []byte) (Event, error)
}
