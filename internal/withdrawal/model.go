package withdrawal

import (
	"time"

	"github.com/shopspring/decimal"
)

// State identifies a withdrawal's position in the settlement lifecycle.
type State string

const (
	// StatePending means funds are reserved and the request awaits a decision.
	StatePending State = "pending"
	// StateApproved means the request is cleared for dispatch.
	StateApproved State = "approved"
	// StateDispatching means the engine is (or was, pre-crash) calling the provider.
	StateDispatching State = "dispatching"
	// StateConfirming means the provider accepted the payout and the outcome is pending.
	StateConfirming State = "confirming"
	// StateCompleted is the terminal success state.
	StateCompleted State = "completed"
	// StateFailed is the terminal post-dispatch failure state.
	StateFailed State = "failed"
	// StateRejected is the terminal pre-dispatch refusal state.
	StateRejected State = "rejected"
)

// Terminal reports whether the state accepts no further transitions.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateRejected:
		return true
	default:
		return false
	}
}

// Record is the aggregate tracking one payout request through settlement.
// Once a record leaves pending, its amount, asset, destination and provider
// are immutable; only state and provider correlation fields change.
type Record struct {
	ID          string
	UserID      string
	Asset       string
	Amount      decimal.Decimal
	Destination string
	Provider    string
	State       State

	// AutoApproved records the approval-gate verdict taken at creation time.
	// Policy changes never reclassify an existing record.
	AutoApproved bool

	// CorrelationID is the provider-issued identifier persisted at dispatch
	// time; empty until the provider accepts the payout.
	CorrelationID string
	SettlementRef string
	NetworkFee    *decimal.Decimal

	ApproverID    string
	DecisionNotes string
	DecidedAt     *time.Time

	CreatedAt    time.Time
	DispatchedAt *time.Time
	CompletedAt  *time.Time
}
