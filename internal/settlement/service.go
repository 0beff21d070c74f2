package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/payrail/payrail/internal/audit"
	"github.com/payrail/payrail/internal/ledger"
	"github.com/payrail/payrail/internal/lock"
	"github.com/payrail/payrail/internal/notification"
	"github.com/payrail/payrail/internal/provider"
	"github.com/payrail/payrail/internal/withdrawal"
)

var (
	// ErrValidation indicates bad input; nothing was reserved or mutated.
	ErrValidation = errors.New("validation error")

	// ErrNotOwner indicates the caller does not own the withdrawal.
	ErrNotOwner = errors.New("not owner of withdrawal")

	// ErrDestinationNotAllowed indicates the destination failed the
	// allow-list check.
	ErrDestinationNotAllowed = errors.New("destination not allowed")

	// ErrDuplicateEvent indicates a provider event that was already applied;
	// it is recognized and discarded, not an operational failure.
	ErrDuplicateEvent = errors.New("duplicate provider event")

	// ErrUnmatchedEvent indicates a provider event whose correlation id maps
	// to no known withdrawal.
	ErrUnmatchedEvent = errors.New("unmatched provider event")
)

// DestinationChecker is the allow-list collaborator consulted before funds
// are reserved.
type DestinationChecker interface {
	Allowed(ctx context.Context, userID, asset, destination string) error
}

// AllowAll accepts every destination. Used when no allow-list service is
// configured.
type AllowAll struct{}

// Allowed always succeeds.
func (AllowAll) Allowed(context.Context, string, string, string) error { return nil }

// Config tunes dispatch and locking behavior.
type Config struct {
	// DispatchTimeout bounds each provider createPayout / queryStatus call.
	DispatchTimeout time.Duration
	// MaxDispatchAttempts bounds createPayout retries before failing the
	// withdrawal and refunding.
	MaxDispatchAttempts int
	// RetryBaseDelay is doubled after each failed dispatch attempt.
	RetryBaseDelay time.Duration
	// LockTTL caps how long a per-withdrawal lock may be held.
	LockTTL time.Duration
	// CallbackBaseURL is where providers deliver webhooks, e.g.
	// https://api.example.com; the per-provider path is appended.
	CallbackBaseURL string
}

func (c Config) withDefaults() Config {
	if c.DispatchTimeout <= 0 {
		c.DispatchTimeout = 15 * time.Second
	}
	if c.MaxDispatchAttempts <= 0 {
		c.MaxDispatchAttempts = 3
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = 500 * time.Millisecond
	}
	if c.LockTTL <= 0 {
		c.LockTTL = 30 * time.Second
	}
	return c
}

// Engine orchestrates the withdrawal lifecycle: validation, reservation,
// dispatch, reconciliation, finalization. It talks only to the ledger store
// and the provider registry; webhook and poller events funnel through
// ApplyEvent, the single state-transition entry point.
type Engine struct {
	store    ledger.Store
	registry *provider.Registry
	policy   *Policy
	locks    lock.Locker
	sink     audit.Sink
	notifier notification.Notifier
	allow    DestinationChecker
	logger   *slog.Logger
	cfg      Config
}

// NewEngine wires the settlement engine.
func NewEngine(store ledger.Store, registry *provider.Registry, policy *Policy, locks lock.Locker,
	sink audit.Sink, notifier notification.Notifier, allow DestinationChecker, logger *slog.Logger, cfg Config) *Engine {
	if allow == nil {
		allow = AllowAll{}
	}
	return &Engine{
		store:    store,
		registry: registry,
		policy:   policy,
		locks:    locks,
		sink:     sink,
		notifier: notifier,
		allow:    allow,
		logger:   logger,
		cfg:      cfg.withDefaults(),
	}
}

// CreateInput captures a user's withdrawal request.
type CreateInput struct {
	UserID      string
	Asset       string
	Amount      decimal.Decimal
	Destination string
	Provider    string
}

// Create validates the request, reserves funds and records the withdrawal.
// Auto-approved withdrawals are left in approved state; the caller decides
// the execution context for Dispatch so request handling never blocks on
// provider calls.
func (e *Engine) Create(ctx context.Context, input CreateInput) (withdrawal.Record, error) {
	if input.UserID == "" {
		return withdrawal.Record{}, fmt.Errorf("%w: user id is required", ErrValidation)
	}
	if input.Asset == "" {
		return withdrawal.Record{}, fmt.Errorf("%w: asset is required", ErrValidation)
	}
	if input.Destination == "" {
		return withdrawal.Record{}, fmt.Errorf("%w: destination is required", ErrValidation)
	}
	if input.Amount.Sign() <= 0 {
		return withdrawal.Record{}, fmt.Errorf("%w: amount must be positive", ErrValidation)
	}
	if _, err := e.registry.Lookup(input.Provider); err != nil {
		return withdrawal.Record{}, err
	}
	if err := e.allow.Allowed(ctx, input.UserID, input.Asset, input.Destination); err != nil {
		return withdrawal.Record{}, fmt.Errorf("%w: %v", ErrDestinationNotAllowed, err)
	}

	autoApproved := e.policy.AutoApprove(ctx, input.UserID, input.Asset, input.Destination, input.Amount)

	rec := withdrawal.Record{
		ID:           uuid.NewString(),
		UserID:       input.UserID,
		Asset:        input.Asset,
		Amount:       input.Amount,
		Destination:  input.Destination,
		Provider:     input.Provider,
		State:        withdrawal.StatePending,
		AutoApproved: autoApproved,
		CreatedAt:    time.Now().UTC(),
	}

	if err := e.store.Reserve(ctx, rec); err != nil {
		return withdrawal.Record{}, err
	}
	e.audit(ctx, rec.ID, "", withdrawal.StatePending, input.UserID, "funds reserved")

	if autoApproved {
		now := time.Now().UTC()
		updated, err := e.store.TransitionState(ctx, rec.ID, withdrawal.StatePending, withdrawal.StateApproved,
			ledger.StateUpdate{ApproverID: "policy", DecidedAt: &now})
		if err != nil {
			return withdrawal.Record{}, err
		}
		e.audit(ctx, rec.ID, withdrawal.StatePending, withdrawal.StateApproved, "policy", "auto-approved below threshold")
		return updated, nil
	}

	e.notify(ctx, notification.Message{
		Kind:        notification.KindReviewRequired,
		Destination: "ops",
		Body:        fmt.Sprintf("withdrawal %s of %s %s awaits review", rec.ID, rec.Amount, rec.Asset),
	})
	return rec, nil
}

// DecisionInput captures an admin's verdict on a withdrawal under review.
type DecisionInput struct {
	WithdrawalID string
	ApproverID   string
	Approve      bool
	Notes        string
}

// Decide applies an admin decision. Approval requires pending; rejection is
// honored until dispatch begins. Anything else yields a conflict carrying the
// current state.
func (e *Engine) Decide(ctx context.Context, input DecisionInput) (withdrawal.Record, error) {
	now := time.Now().UTC()
	update := ledger.StateUpdate{ApproverID: input.ApproverID, DecisionNotes: input.Notes, DecidedAt: &now}

	if input.Approve {
		rec, err := e.store.TransitionState(ctx, input.WithdrawalID, withdrawal.StatePending, withdrawal.StateApproved, update)
		if err != nil {
			return withdrawal.Record{}, err
		}
		e.audit(ctx, rec.ID, withdrawal.StatePending, withdrawal.StateApproved, input.ApproverID, input.Notes)
		return rec, nil
	}

	rec, err := e.store.Withdrawal(ctx, input.WithdrawalID)
	if err != nil {
		return withdrawal.Record{}, err
	}
	// Rejection is allowed until dispatch wins: both pending and approved
	// records are still fully reserved and safe to refund.
	if rec.State != withdrawal.StatePending && rec.State != withdrawal.StateApproved {
		return withdrawal.Record{}, &ledger.StateConflictError{WithdrawalID: rec.ID, Current: rec.State}
	}
	if err := e.store.Refund(ctx, input.WithdrawalID, withdrawal.StateRejected, update); err != nil {
		if errors.Is(err, ledger.ErrAlreadyRefunded) {
			return withdrawal.Record{}, &ledger.StateConflictError{WithdrawalID: rec.ID, Current: withdrawal.StateRejected}
		}
		return withdrawal.Record{}, err
	}
	e.audit(ctx, rec.ID, rec.State, withdrawal.StateRejected, input.ApproverID, input.Notes)
	e.notify(ctx, notification.Message{
		Kind:        notification.KindWithdrawalRejected,
		Destination: rec.UserID,
		Body:        fmt.Sprintf("withdrawal %s was rejected", rec.ID),
	})
	return e.store.Withdrawal(ctx, input.WithdrawalID)
}

// Cancel lets the owner withdraw a request that has not been decided yet.
// Once dispatch may have begun, only the provider's outcome resolves it.
func (e *Engine) Cancel(ctx context.Context, id, userID string) (withdrawal.Record, error) {
	rec, err := e.store.Withdrawal(ctx, id)
	if err != nil {
		return withdrawal.Record{}, err
	}
	if rec.UserID != userID {
		return withdrawal.Record{}, ErrNotOwner
	}
	if rec.State != withdrawal.StatePending {
		return withdrawal.Record{}, &ledger.StateConflictError{WithdrawalID: id, Current: rec.State}
	}

	now := time.Now().UTC()
	update := ledger.StateUpdate{ApproverID: userID, DecisionNotes: "cancelled by user", DecidedAt: &now}
	if err := e.store.Refund(ctx, id, withdrawal.StateRejected, update); err != nil {
		if errors.Is(err, ledger.ErrAlreadyRefunded) {
			return withdrawal.Record{}, &ledger.StateConflictError{WithdrawalID: id, Current: withdrawal.StateRejected}
		}
		return withdrawal.Record{}, err
	}
	e.audit(ctx, id, withdrawal.StatePending, withdrawal.StateRejected, userID, "cancelled by user")
	return e.store.Withdrawal(ctx, id)
}

// Get returns the record for status queries.
func (e *Engine) Get(ctx context.Context, id string) (withdrawal.Record, error) {
	return e.store.Withdrawal(ctx, id)
}

// Dispatch drives an approved withdrawal through the provider call. The
// approved -> dispatching transition is a single-row conditional update, so
// across concurrent callers and process restarts only one execution path
// reaches createPayout.
func (e *Engine) Dispatch(ctx context.Context, id string) error {
	release, err := e.locks.Acquire(ctx, id, e.cfg.LockTTL)
	if err != nil {
		if errors.Is(err, lock.ErrNotAcquired) {
			return nil // another worker owns this withdrawal
		}
		return err
	}
	defer release()

	now := time.Now().UTC()
	rec, err := e.store.TransitionState(ctx, id, withdrawal.StateApproved, withdrawal.StateDispatching,
		ledger.StateUpdate{DispatchedAt: &now})
	if err != nil {
		var conflict *ledger.StateConflictError
		if errors.As(err, &conflict) && conflict.Current == withdrawal.StateDispatching {
			// Crash recovery: a previous run died mid-dispatch.
			rec, err = e.store.Withdrawal(ctx, id)
			if err != nil {
				return err
			}
			return e.resumeDispatch(ctx, rec)
		}
		return err
	}
	e.audit(ctx, id, withdrawal.StateApproved, withdrawal.StateDispatching, "engine", "dispatch started")

	return e.performDispatch(ctx, rec)
}

// resumeDispatch finishes a withdrawal found in dispatching state. With a
// persisted correlation id the provider call already succeeded, so the record
// moves to confirming and the stored status is reconciled; without one, the
// payout instruction never got through and the attempt restarts.
func (e *Engine) resumeDispatch(ctx context.Context, rec withdrawal.Record) error {
	if rec.CorrelationID == "" {
		return e.performDispatch(ctx, rec)
	}

	if _, err := e.store.TransitionState(ctx, rec.ID, withdrawal.StateDispatching, withdrawal.StateConfirming, ledger.StateUpdate{}); err != nil {
		return err
	}
	e.audit(ctx, rec.ID, withdrawal.StateDispatching, withdrawal.StateConfirming, "engine", "resumed with stored correlation id")
	return nil
}

func (e *Engine) performDispatch(ctx context.Context, rec withdrawal.Record) error {
	adapter, err := e.registry.Lookup(rec.Provider)
	if err != nil {
		return err
	}

	req := provider.PayoutRequest{
		Reference:   rec.ID,
		Asset:       rec.Asset,
		Amount:      rec.Amount,
		Destination: rec.Destination,
		CallbackURL: e.cfg.CallbackBaseURL + "/api/v1/webhooks/" + rec.Provider,
	}

	var payout provider.Payout
	delay := e.cfg.RetryBaseDelay
	for attempt := 1; ; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, e.cfg.DispatchTimeout)
		payout, err = adapter.CreatePayout(callCtx, req)
		cancel()
		if err == nil {
			break
		}

		var perr *provider.Error
		retryable := errors.As(err, &perr) && perr.Temporary
		if !retryable || attempt >= e.cfg.MaxDispatchAttempts {
			e.logger.Error("dispatch failed", "withdrawal_id", rec.ID, "provider", rec.Provider, "attempt", attempt, "error", err)
			return e.failDispatch(ctx, rec, fmt.Sprintf("dispatch failed after %d attempt(s): %v", attempt, err))
		}

		e.logger.Warn("dispatch attempt failed, retrying", "withdrawal_id", rec.ID, "attempt", attempt, "error", err)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			// Leave the record in dispatching; startup resume or a later
			// Dispatch call picks it up.
			return ctx.Err()
		}
		delay *= 2
	}

	if err := e.store.AttachCorrelation(ctx, rec.ID, payout.CorrelationID); err != nil {
		return err
	}
	if _, err := e.store.TransitionState(ctx, rec.ID, withdrawal.StateDispatching, withdrawal.StateConfirming, ledger.StateUpdate{}); err != nil {
		return err
	}
	e.audit(ctx, rec.ID, withdrawal.StateDispatching, withdrawal.StateConfirming, "engine",
		"provider accepted payout, correlation "+payout.CorrelationID)
	return nil
}

func (e *Engine) failDispatch(ctx context.Context, rec withdrawal.Record, reason string) error {
	if err := e.store.Refund(ctx, rec.ID, withdrawal.StateFailed, ledger.StateUpdate{DecisionNotes: reason}); err != nil {
		return err
	}
	e.audit(ctx, rec.ID, withdrawal.StateDispatching, withdrawal.StateFailed, "engine", reason)
	e.notify(ctx, notification.Message{
		Kind:        notification.KindWithdrawalFailed,
		Destination: rec.UserID,
		Body:        fmt.Sprintf("withdrawal %s failed and was refunded", rec.ID),
	})
	return nil
}

// ApplyEvent is the single entry point for provider outcomes, whether they
// arrive by webhook or by poller. Events for the same withdrawal are
// serialized by a per-withdrawal lock; the ledger's effect uniqueness is the
// backstop if serialization is imperfect.
func (e *Engine) ApplyEvent(ctx context.Context, ev provider.Event) error {
	rec, err := e.store.WithdrawalByCorrelation(ctx, ev.Provider, ev.CorrelationID)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return fmt.Errorf("%w: %s/%s", ErrUnmatchedEvent, ev.Provider, ev.CorrelationID)
		}
		return err
	}

	release, err := e.locks.Acquire(ctx, rec.ID, e.cfg.LockTTL)
	if err != nil {
		return err
	}
	defer release()

	// Re-read under the lock; a concurrent event may have resolved it.
	rec, err = e.store.Withdrawal(ctx, rec.ID)
	if err != nil {
		return err
	}

	if rec.State.Terminal() {
		e.logger.Debug("discarding event for terminal withdrawal",
			"withdrawal_id", rec.ID, "state", string(rec.State), "event_status", string(ev.Status))
		return ErrDuplicateEvent
	}
	if rec.State != withdrawal.StateConfirming {
		return &ledger.StateConflictError{WithdrawalID: rec.ID, Current: rec.State}
	}

	switch ev.Status {
	case provider.StatusCompleted:
		if err := e.store.RecordCompletion(ctx, rec.ID, ev.SettlementRef, ev.NetworkFee); err != nil {
			if errors.Is(err, ledger.ErrAlreadyCompleted) {
				return ErrDuplicateEvent
			}
			return err
		}
		e.audit(ctx, rec.ID, withdrawal.StateConfirming, withdrawal.StateCompleted, ev.Provider,
			"settled, reference "+ev.SettlementRef)
		e.notifyAsync(notification.Message{
			Kind:        notification.KindWithdrawalCompleted,
			Destination: rec.UserID,
			Body:        fmt.Sprintf("withdrawal %s completed", rec.ID),
		})
		return nil

	case provider.StatusFailed, provider.StatusExpired:
		reason := "provider reported " + string(ev.Status)
		if err := e.store.Refund(ctx, rec.ID, withdrawal.StateFailed, ledger.StateUpdate{DecisionNotes: reason}); err != nil {
			if errors.Is(err, ledger.ErrAlreadyRefunded) {
				return ErrDuplicateEvent
			}
			return err
		}
		e.audit(ctx, rec.ID, withdrawal.StateConfirming, withdrawal.StateFailed, ev.Provider, reason)
		e.notifyAsync(notification.Message{
			Kind:        notification.KindWithdrawalFailed,
			Destination: rec.UserID,
			Body:        fmt.Sprintf("withdrawal %s failed and was refunded", rec.ID),
		})
		return nil

	case provider.StatusSending:
		e.logger.Info("payout in flight", "withdrawal_id", rec.ID, "provider", ev.Provider)
		e.audit(ctx, rec.ID, withdrawal.StateConfirming, withdrawal.StateConfirming, ev.Provider, "payout in flight")
		return nil

	default: // confirming: no news yet
		return nil
	}
}

// Resume recovers withdrawals stranded in dispatching by a crash or restart.
func (e *Engine) Resume(ctx context.Context) error {
	recs, err := e.store.ListInState(ctx, withdrawal.StateDispatching, 0)
	if err != nil {
		return err
	}

	for _, rec := range recs {
		release, err := e.locks.Acquire(ctx, rec.ID, e.cfg.LockTTL)
		if err != nil {
			continue
		}

		if err := e.resumeDispatch(ctx, rec); err != nil {
			e.logger.Error("resume dispatch", "withdrawal_id", rec.ID, "error", err)
			release()
			continue
		}
		release()

		if rec.CorrelationID != "" {
			// Reconcile the stored payout immediately rather than waiting for
			// the poller's grace period.
			adapter, err := e.registry.Lookup(rec.Provider)
			if err != nil {
				continue
			}
			callCtx, cancel := context.WithTimeout(ctx, e.cfg.DispatchTimeout)
			ev, err := adapter.QueryStatus(callCtx, rec.CorrelationID)
			cancel()
			if err != nil {
				e.logger.Warn("resume status query", "withdrawal_id", rec.ID, "error", err)
				continue
			}
			if err := e.ApplyEvent(ctx, ev); err != nil && !errors.Is(err, ErrDuplicateEvent) {
				e.logger.Warn("resume apply event", "withdrawal_id", rec.ID, "error", err)
			}
		}
	}
	return nil
}

func (e *Engine) audit(ctx context.Context, id string, from, to withdrawal.State, actor, detail string) {
	if e.sink == nil {
		return
	}
	_ = e.sink.Record(ctx, audit.Event{
		WithdrawalID: id,
		FromState:    from,
		ToState:      to,
		Actor:        actor,
		Detail:       detail,
		At:           time.Now().UTC(),
	})
}

func (e *Engine) notify(ctx context.Context, msg notification.Message) {
	if e.notifier == nil {
		return
	}
	_ = e.notifier.Send(ctx, msg)
}

// notifyAsync keeps slow notification delivery off the webhook response path.
func (e *Engine) notifyAsync(msg notification.Message) {
	if e.notifier == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = e.notifier.Send(ctx, msg)
	}()
}
