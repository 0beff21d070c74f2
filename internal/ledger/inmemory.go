package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/payrail/payrail/internal/withdrawal"
)

type inMemoryStore struct {
	mu           sync.RWMutex
	balances     map[string]decimal.Decimal
	withdrawals  map[string]withdrawal.Record
	entries      []Entry
	effects      map[string]bool   // withdrawalID|effect
	correlations map[string]string // provider|correlationID -> withdrawalID
	now          func() time.Time
}

// NewInMemory creates a concurrency-safe in-memory ledger store useful for
// unit tests and dev mode.
func NewInMemory() Store {
	return &inMemoryStore{
		balances:     make(map[string]decimal.Decimal),
		withdrawals:  make(map[string]withdrawal.Record),
		effects:      make(map[string]bool),
		correlations: make(map[string]string),
		now:          func() time.Time { return time.Now().UTC() },
	}
}

func balanceKey(userID, asset string) string { return userID + "|" + asset }

func effectKey(withdrawalID, effect string) string { return withdrawalID + "|" + effect }

func correlationKey(provider, correlationID string) string { return provider + "|" + correlationID }

func (s *inMemoryStore) Deposit(_ context.Context, userID, asset string, amount decimal.Decimal, reference string) (decimal.Decimal, error) {
	if amount.Sign() <= 0 {
		return decimal.Zero, ErrInsufficientFunds
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := balanceKey(userID, asset)
	next := s.balances[key].Add(amount)
	s.balances[key] = next
	s.entries = append(s.entries, Entry{
		ID:        uuid.NewString(),
		UserID:    userID,
		Asset:     asset,
		Amount:    amount,
		Effect:    EffectDeposit,
		Reference: reference,
		CreatedAt: s.now(),
	})
	return next, nil
}

func (s *inMemoryStore) Balance(_ context.Context, userID, asset string) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.balances[balanceKey(userID, asset)], nil
}

func (s *inMemoryStore) Reserve(_ context.Context, rec withdrawal.Record) error {
	if rec.Amount.Sign() <= 0 {
		return ErrInsufficientFunds
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := balanceKey(rec.UserID, rec.Asset)
	balance := s.balances[key]
	if balance.LessThan(rec.Amount) {
		return ErrInsufficientFunds
	}

	s.balances[key] = balance.Sub(rec.Amount)
	s.withdrawals[rec.ID] = rec
	s.effects[effectKey(rec.ID, EffectReserve)] = true
	s.entries = append(s.entries, Entry{
		ID:           uuid.NewString(),
		UserID:       rec.UserID,
		Asset:        rec.Asset,
		Amount:       rec.Amount.Neg(),
		Effect:       EffectReserve,
		WithdrawalID: rec.ID,
		CreatedAt:    s.now(),
	})
	return nil
}

// refundableFrom lists the states a refund may leave, keyed by the terminal
// state it lands in.
func refundableFrom(to withdrawal.State) []withdrawal.State {
	switch to {
	case withdrawal.StateRejected:
		return []withdrawal.State{withdrawal.StatePending, withdrawal.StateApproved}
	case withdrawal.StateFailed:
		return []withdrawal.State{withdrawal.StateDispatching, withdrawal.StateConfirming}
	default:
		return nil
	}
}

func (s *inMemoryStore) Refund(_ context.Context, withdrawalID string, to withdrawal.State, update StateUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.withdrawals[withdrawalID]
	if !ok {
		return ErrNotFound
	}
	if s.effects[effectKey(withdrawalID, EffectRefund)] {
		return ErrAlreadyRefunded
	}

	allowed := false
	for _, from := range refundableFrom(to) {
		if rec.State == from {
			allowed = true
			break
		}
	}
	if !allowed {
		return &StateConflictError{WithdrawalID: withdrawalID, Current: rec.State}
	}

	key := balanceKey(rec.UserID, rec.Asset)
	s.balances[key] = s.balances[key].Add(rec.Amount)
	s.effects[effectKey(withdrawalID, EffectRefund)] = true
	s.entries = append(s.entries, Entry{
		ID:           uuid.NewString(),
		UserID:       rec.UserID,
		Asset:        rec.Asset,
		Amount:       rec.Amount,
		Effect:       EffectRefund,
		WithdrawalID: withdrawalID,
		CreatedAt:    s.now(),
	})

	rec.State = to
	applyUpdate(&rec, update)
	s.withdrawals[withdrawalID] = rec
	return nil
}

func (s *inMemoryStore) RecordCompletion(_ context.Context, withdrawalID, settlementRef string, networkFee decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.withdrawals[withdrawalID]
	if !ok {
		return ErrNotFound
	}
	if s.effects[effectKey(withdrawalID, EffectDebitFinal)] {
		return ErrAlreadyCompleted
	}
	if rec.State != withdrawal.StateConfirming {
		return &StateConflictError{WithdrawalID: withdrawalID, Current: rec.State}
	}

	s.effects[effectKey(withdrawalID, EffectDebitFinal)] = true
	s.entries = append(s.entries, Entry{
		ID:           uuid.NewString(),
		UserID:       rec.UserID,
		Asset:        rec.Asset,
		Amount:       rec.Amount.Neg(),
		Effect:       EffectDebitFinal,
		WithdrawalID: withdrawalID,
		Reference:    settlementRef,
		CreatedAt:    s.now(),
	})

	now := s.now()
	rec.State = withdrawal.StateCompleted
	rec.SettlementRef = settlementRef
	fee := networkFee
	rec.NetworkFee = &fee
	rec.CompletedAt = &now
	s.withdrawals[withdrawalID] = rec
	return nil
}

func (s *inMemoryStore) Withdrawal(_ context.Context, id string) (withdrawal.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.withdrawals[id]
	if !ok {
		return withdrawal.Record{}, ErrNotFound
	}
	return rec, nil
}

func (s *inMemoryStore) WithdrawalByCorrelation(_ context.Context, providerName, correlationID string) (withdrawal.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.correlations[correlationKey(providerName, correlationID)]
	if !ok {
		return withdrawal.Record{}, ErrNotFound
	}
	return s.withdrawals[id], nil
}

func (s *inMemoryStore) TransitionState(_ context.Context, id string, from, to withdrawal.State, update StateUpdate) (withdrawal.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.withdrawals[id]
	if !ok {
		return withdrawal.Record{}, ErrNotFound
	}
	if rec.State != from {
		return withdrawal.Record{}, &StateConflictError{WithdrawalID: id, Current: rec.State}
	}

	rec.State = to
	applyUpdate(&rec, update)
	s.withdrawals[id] = rec
	return rec, nil
}

func (s *inMemoryStore) AttachCorrelation(_ context.Context, id, correlationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.withdrawals[id]
	if !ok {
		return ErrNotFound
	}
	if rec.State != withdrawal.StateDispatching {
		return &StateConflictError{WithdrawalID: id, Current: rec.State}
	}

	key := correlationKey(rec.Provider, correlationID)
	if existing, taken := s.correlations[key]; taken && existing != id {
		return ErrDuplicateCorrelation
	}

	s.correlations[key] = id
	rec.CorrelationID = correlationID
	s.withdrawals[id] = rec
	return nil
}

func (s *inMemoryStore) ListInState(_ context.Context, state withdrawal.State, olderThan time.Duration) ([]withdrawal.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cutoff := s.now().Add(-olderThan)
	var out []withdrawal.Record
	for _, rec := range s.withdrawals {
		if rec.State != state {
			continue
		}
		at := rec.CreatedAt
		if rec.DispatchedAt != nil {
			at = *rec.DispatchedAt
		}
		if at.Before(cutoff) {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (s *inMemoryStore) HasCompletedPayout(_ context.Context, userID, destination string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, rec := range s.withdrawals {
		if rec.UserID == userID && rec.Destination == destination && rec.State == withdrawal.StateCompleted {
			return true, nil
		}
	}
	return false, nil
}

func (s *inMemoryStore) Entries(_ context.Context, withdrawalID string) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Entry
	for _, e := range s.entries {
		if e.WithdrawalID == withdrawalID {
			out = append(out, e)
		}
	}
	return out, nil
}

func applyUpdate(rec *withdrawal.Record, update StateUpdate) {
	if update.ApproverID != "" {
		rec.ApproverID = update.ApproverID
	}
	if update.DecisionNotes != "" {
		rec.DecisionNotes = update.DecisionNotes
	}
	if update.DecidedAt != nil {
		rec.DecidedAt = update.DecidedAt
	}
	if update.DispatchedAt != nil {
		rec.DispatchedAt = update.DispatchedAt
	}
}
