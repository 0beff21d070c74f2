package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/payrail/payrail/internal/withdrawal"
)

var (
	// ErrInsufficientFunds occurs when the available balance cannot cover a
	// requested reservation.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrAlreadyRefunded indicates a refund entry already exists for the
	// withdrawal; the second call must not credit again.
	ErrAlreadyRefunded = errors.New("already refunded")

	// ErrAlreadyCompleted indicates the final debit entry already exists for
	// the withdrawal.
	ErrAlreadyCompleted = errors.New("already completed")

	// ErrNotFound indicates the withdrawal record does not exist.
	ErrNotFound = errors.New("withdrawal not found")

	// ErrStateConflict is matched via errors.Is against StateConflictError.
	ErrStateConflict = errors.New("state conflict")

	// ErrDuplicateCorrelation indicates the (provider, correlation id) pair
	// is already bound to another withdrawal.
	ErrDuplicateCorrelation = errors.New("duplicate provider correlation id")
)

// StateConflictError reports an operation attempted against a withdrawal that
// is not in the expected state. Current lets the caller resynchronize.
type StateConflictError struct {
	WithdrawalID string
	Current      withdrawal.State
}

func (e *StateConflictError) Error() string {
	return fmt.Sprintf("withdrawal %s is in state %s", e.WithdrawalID, e.Current)
}

// Is makes errors.Is(err, ErrStateConflict) succeed for typed conflicts.
func (e *StateConflictError) Is(target error) bool { return target == ErrStateConflict }

// Ledger effect types. Each (withdrawal, effect) pair is unique, which is the
// idempotency backstop for every balance mutation.
const (
	EffectReserve    = "reserve"
	EffectRefund     = "refund"
	EffectDebitFinal = "debit-final"
	EffectDeposit    = "deposit"
)

// Entry is an immutable, append-only row recording a single balance mutation.
type Entry struct {
	ID           string
	UserID       string
	Asset        string
	Amount       decimal.Decimal
	Effect       string
	WithdrawalID string
	Reference    string
	CreatedAt    time.Time
}

// StateUpdate carries the optional record fields written together with a
// state transition.
type StateUpdate struct {
	ApproverID    string
	DecisionNotes string
	DecidedAt     *time.Time
	DispatchedAt  *time.Time
}

// Store defines the contract implemented by ledger backends. Every money
// movement executes inside a single atomic transaction scoped to the affected
// rows; no operation is observable as partially applied.
type Store interface {
	// Deposit credits an external inflow and returns the resulting balance.
	Deposit(ctx context.Context, userID, asset string, amount decimal.Decimal, reference string) (decimal.Decimal, error)

	// Balance returns the available balance for (user, asset).
	Balance(ctx context.Context, userID, asset string) (decimal.Decimal, error)

	// Reserve atomically checks balance >= amount, debits it, and inserts the
	// withdrawal record with its reserve entry. This is the only point where
	// funds leave the spendable balance.
	Reserve(ctx context.Context, rec withdrawal.Record) error

	// Refund credits the reserved amount back and moves the record to the
	// given terminal state (rejected from pending/approved, failed from
	// dispatching/confirming). Idempotent: a second call returns
	// ErrAlreadyRefunded without crediting.
	Refund(ctx context.Context, withdrawalID string, to withdrawal.State, update StateUpdate) error

	// RecordCompletion finalizes a confirming withdrawal: debit-final entry,
	// settlement reference, network fee, completed state. Replays return
	// ErrAlreadyCompleted.
	RecordCompletion(ctx context.Context, withdrawalID, settlementRef string, networkFee decimal.Decimal) error

	// Withdrawal fetches a record by id.
	Withdrawal(ctx context.Context, id string) (withdrawal.Record, error)

	// WithdrawalByCorrelation fetches a record by its provider correlation id.
	WithdrawalByCorrelation(ctx context.Context, providerName, correlationID string) (withdrawal.Record, error)

	// TransitionState performs a single-row conditional state update and
	// returns the updated record. A mismatch yields a StateConflictError.
	TransitionState(ctx context.Context, id string, from, to withdrawal.State, update StateUpdate) (withdrawal.Record, error)

	// AttachCorrelation persists the provider correlation id on a dispatching
	// record. (provider, correlation id) uniqueness is enforced here.
	AttachCorrelation(ctx context.Context, id, correlationID string) error

	// ListInState returns records that have sat in the given state for longer
	// than olderThan.
	ListInState(ctx context.Context, state withdrawal.State, olderThan time.Duration) ([]withdrawal.Record, error)

	// HasCompletedPayout reports whether the user has a prior completed
	// withdrawal to the destination.
	HasCompletedPayout(ctx context.Context, userID, destination string) (bool, error)

	// Entries returns the ledger entries referencing the withdrawal.
	Entries(ctx context.Context, withdrawalID string) ([]Entry, error)
}
