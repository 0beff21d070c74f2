package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/payrail/payrail/internal/withdrawal"
)

// PostgresStore persists balances, withdrawal records and ledger entries in
// PostgreSQL. Uniqueness constraints on (provider, correlation_id) and on
// (withdrawal_id, effect) back the idempotency guarantees.
type PostgresStore struct {
	db *pgxpool.Pool
}

// NewPostgresStore constructs a Postgres-backed ledger store.
func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

const withdrawalColumns = `id, user_id, asset, amount::text, destination, provider, state, auto_approved,
    COALESCE(correlation_id, ''), COALESCE(settlement_ref, ''), network_fee::text,
    COALESCE(approver_id, ''), COALESCE(decision_notes, ''), decided_at, created_at, dispatched_at, completed_at`

func scanWithdrawal(row pgx.Row) (withdrawal.Record, error) {
	var (
		rec       withdrawal.Record
		id        uuid.UUID
		amount    string
		fee       *string
		decidedAt *time.Time
	)
	err := row.Scan(&id, &rec.UserID, &rec.Asset, &amount, &rec.Destination, &rec.Provider, &rec.State,
		&rec.AutoApproved, &rec.CorrelationID, &rec.SettlementRef, &fee,
		&rec.ApproverID, &rec.DecisionNotes, &decidedAt, &rec.CreatedAt, &rec.DispatchedAt, &rec.CompletedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return withdrawal.Record{}, ErrNotFound
		}
		return withdrawal.Record{}, err
	}
	rec.ID = id.String()
	rec.Amount, err = decimal.NewFromString(amount)
	if err != nil {
		return withdrawal.Record{}, fmt.Errorf("parse amount: %w", err)
	}
	if fee != nil {
		parsed, err := decimal.NewFromString(*fee)
		if err != nil {
			return withdrawal.Record{}, fmt.Errorf("parse network fee: %w", err)
		}
		rec.NetworkFee = &parsed
	}
	rec.DecidedAt = decidedAt
	return rec, nil
}

// Deposit credits an external inflow inside a single transaction.
func (s *PostgresStore) Deposit(ctx context.Context, userID, asset string, amount decimal.Decimal, reference string) (decimal.Decimal, error) {
	if amount.Sign() <= 0 {
		return decimal.Zero, fmt.Errorf("deposit amount must be positive")
	}

	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return decimal.Zero, err
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	var balance string
	err = tx.QueryRow(ctx, `INSERT INTO balances (user_id, asset, amount) VALUES ($1, $2, $3::numeric)
        ON CONFLICT (user_id, asset) DO UPDATE SET amount = balances.amount + EXCLUDED.amount
        RETURNING amount::text`, userID, asset, amount.String()).Scan(&balance)
	if err != nil {
		return decimal.Zero, err
	}

	if _, err := tx.Exec(ctx, `INSERT INTO ledger_entries (id, user_id, asset, amount, effect, reference)
        VALUES ($1, $2, $3, $4::numeric, $5, $6)`,
		uuid.New(), userID, asset, amount.String(), EffectDeposit, reference); err != nil {
		return decimal.Zero, err
	}

	if err := tx.Commit(ctx); err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromString(balance)
}

// Balance returns the available balance for (user, asset).
func (s *PostgresStore) Balance(ctx context.Context, userID, asset string) (decimal.Decimal, error) {
	var balance string
	err := s.db.QueryRow(ctx, `SELECT COALESCE(
        (SELECT amount::text FROM balances WHERE user_id = $1 AND asset = $2), '0')`, userID, asset).Scan(&balance)
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromString(balance)
}

// Reserve debits the balance with a conditional update (never read-then-write)
// and inserts the withdrawal record plus its reserve entry in the same
// transaction.
func (s *PostgresStore) Reserve(ctx context.Context, rec withdrawal.Record) error {
	if rec.Amount.Sign() <= 0 {
		return fmt.Errorf("withdrawal amount must be positive")
	}
	id, err := uuid.Parse(rec.ID)
	if err != nil {
		return fmt.Errorf("parse withdrawal id: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	tag, err := tx.Exec(ctx, `UPDATE balances SET amount = amount - $3::numeric
        WHERE user_id = $1 AND asset = $2 AND amount >= $3::numeric`,
		rec.UserID, rec.Asset, rec.Amount.String())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrInsufficientFunds
	}

	if _, err := tx.Exec(ctx, `INSERT INTO withdrawals
        (id, user_id, asset, amount, destination, provider, state, auto_approved, created_at)
        VALUES ($1, $2, $3, $4::numeric, $5, $6, $7, $8, $9)`,
		id, rec.UserID, rec.Asset, rec.Amount.String(), rec.Destination, rec.Provider,
		rec.State, rec.AutoApproved, rec.CreatedAt.UTC()); err != nil {
		return err
	}

	if _, err := tx.Exec(ctx, `INSERT INTO ledger_entries (id, user_id, asset, amount, effect, withdrawal_id)
        VALUES ($1, $2, $3, $4::numeric, $5, $6)`,
		uuid.New(), rec.UserID, rec.Asset, rec.Amount.Neg().String(), EffectReserve, id); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// Refund credits the reservation back exactly once and lands the record in a
// terminal state. The refund entry insert is what makes replays detectable.
func (s *PostgresStore) Refund(ctx context.Context, withdrawalID string, to withdrawal.State, update StateUpdate) error {
	id, err := uuid.Parse(withdrawalID)
	if err != nil {
		return fmt.Errorf("parse withdrawal id: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	rec, err := scanWithdrawal(tx.QueryRow(ctx,
		`SELECT `+withdrawalColumns+` FROM withdrawals WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return err
	}

	var exists bool
	if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM ledger_entries WHERE withdrawal_id = $1 AND effect = $2)`,
		id, EffectRefund).Scan(&exists); err != nil {
		return err
	}
	if exists {
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

	if _, err := tx.Exec(ctx, `UPDATE balances SET amount = amount + $3::numeric
        WHERE user_id = $1 AND asset = $2`, rec.UserID, rec.Asset, rec.Amount.String()); err != nil {
		return err
	}

	if _, err := tx.Exec(ctx, `INSERT INTO ledger_entries (id, user_id, asset, amount, effect, withdrawal_id)
        VALUES ($1, $2, $3, $4::numeric, $5, $6)`,
		uuid.New(), rec.UserID, rec.Asset, rec.Amount.String(), EffectRefund, id); err != nil {
		return err
	}

	if _, err := tx.Exec(ctx, `UPDATE withdrawals SET state = $2,
        approver_id = COALESCE(NULLIF($3, ''), approver_id),
        decision_notes = COALESCE(NULLIF($4, ''), decision_notes),
        decided_at = COALESCE($5, decided_at)
        WHERE id = $1`,
		id, to, update.ApproverID, update.DecisionNotes, update.DecidedAt); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// RecordCompletion writes the final debit entry exactly once and marks the
// record completed.
func (s *PostgresStore) RecordCompletion(ctx context.Context, withdrawalID, settlementRef string, networkFee decimal.Decimal) error {
	id, err := uuid.Parse(withdrawalID)
	if err != nil {
		return fmt.Errorf("parse withdrawal id: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	rec, err := scanWithdrawal(tx.QueryRow(ctx,
		`SELECT `+withdrawalColumns+` FROM withdrawals WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return err
	}

	var exists bool
	if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM ledger_entries WHERE withdrawal_id = $1 AND effect = $2)`,
		id, EffectDebitFinal).Scan(&exists); err != nil {
		return err
	}
	if exists {
		return ErrAlreadyCompleted
	}
	if rec.State != withdrawal.StateConfirming {
		return &StateConflictError{WithdrawalID: withdrawalID, Current: rec.State}
	}

	if _, err := tx.Exec(ctx, `INSERT INTO ledger_entries (id, user_id, asset, amount, effect, withdrawal_id, reference)
        VALUES ($1, $2, $3, $4::numeric, $5, $6, $7)`,
		uuid.New(), rec.UserID, rec.Asset, rec.Amount.Neg().String(), EffectDebitFinal, id, settlementRef); err != nil {
		return err
	}

	if _, err := tx.Exec(ctx, `UPDATE withdrawals SET state = $2, settlement_ref = $3,
        network_fee = $4::numeric, completed_at = now() WHERE id = $1`,
		id, withdrawal.StateCompleted, settlementRef, networkFee.String()); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// Withdrawal fetches a record by id.
func (s *PostgresStore) Withdrawal(ctx context.Context, id string) (withdrawal.Record, error) {
	wid, err := uuid.Parse(id)
	if err != nil {
		return withdrawal.Record{}, ErrNotFound
	}
	return scanWithdrawal(s.db.QueryRow(ctx,
		`SELECT `+withdrawalColumns+` FROM withdrawals WHERE id = $1`, wid))
}

// WithdrawalByCorrelation fetches a record by (provider, correlation id).
func (s *PostgresStore) WithdrawalByCorrelation(ctx context.Context, providerName, correlationID string) (withdrawal.Record, error) {
	return scanWithdrawal(s.db.QueryRow(ctx,
		`SELECT `+withdrawalColumns+` FROM withdrawals WHERE provider = $1 AND correlation_id = $2`,
		providerName, correlationID))
}

// TransitionState performs a single-row conditional update so concurrent
// paths cannot both win the same transition.
func (s *PostgresStore) TransitionState(ctx context.Context, id string, from, to withdrawal.State, update StateUpdate) (withdrawal.Record, error) {
	wid, err := uuid.Parse(id)
	if err != nil {
		return withdrawal.Record{}, ErrNotFound
	}

	rec, err := scanWithdrawal(s.db.QueryRow(ctx, `UPDATE withdrawals SET state = $3,
        approver_id = COALESCE(NULLIF($4, ''), approver_id),
        decision_notes = COALESCE(NULLIF($5, ''), decision_notes),
        decided_at = COALESCE($6, decided_at),
        dispatched_at = COALESCE($7, dispatched_at)
        WHERE id = $1 AND state = $2
        RETURNING `+withdrawalColumns,
		wid, from, to, update.ApproverID, update.DecisionNotes, update.DecidedAt, update.DispatchedAt))
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return withdrawal.Record{}, err
	}

	// No row matched: distinguish a missing record from a state conflict.
	current, err := s.Withdrawal(ctx, id)
	if err != nil {
		return withdrawal.Record{}, err
	}
	return withdrawal.Record{}, &StateConflictError{WithdrawalID: id, Current: current.State}
}

// AttachCorrelation persists the provider correlation id while dispatching.
func (s *PostgresStore) AttachCorrelation(ctx context.Context, id, correlationID string) error {
	wid, err := uuid.Parse(id)
	if err != nil {
		return ErrNotFound
	}

	tag, err := s.db.Exec(ctx, `UPDATE withdrawals SET correlation_id = $2
        WHERE id = $1 AND state = $3`, wid, correlationID, withdrawal.StateDispatching)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicateCorrelation
		}
		return err
	}
	if tag.RowsAffected() == 0 {
		current, err := s.Withdrawal(ctx, id)
		if err != nil {
			return err
		}
		return &StateConflictError{WithdrawalID: id, Current: current.State}
	}
	return nil
}

// ListInState returns records sitting in the state for longer than olderThan.
func (s *PostgresStore) ListInState(ctx context.Context, state withdrawal.State, olderThan time.Duration) ([]withdrawal.Record, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	rows, err := s.db.Query(ctx, `SELECT `+withdrawalColumns+` FROM withdrawals
        WHERE state = $1 AND COALESCE(dispatched_at, created_at) < $2
        ORDER BY created_at`, state, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []withdrawal.Record
	for rows.Next() {
		rec, err := scanWithdrawal(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// HasCompletedPayout reports whether the user has completed a payout to the
// destination before.
func (s *PostgresStore) HasCompletedPayout(ctx context.Context, userID, destination string) (bool, error) {
	var exists bool
	err := s.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM withdrawals
        WHERE user_id = $1 AND destination = $2 AND state = $3)`,
		userID, destination, withdrawal.StateCompleted).Scan(&exists)
	return exists, err
}

// Entries returns the ledger entries referencing the withdrawal.
func (s *PostgresStore) Entries(ctx context.Context, withdrawalID string) ([]Entry, error) {
	wid, err := uuid.Parse(withdrawalID)
	if err != nil {
		return nil, ErrNotFound
	}

	rows, err := s.db.Query(ctx, `SELECT id, user_id, asset, amount::text, effect,
        COALESCE(withdrawal_id::text, ''), COALESCE(reference, ''), created_at
        FROM ledger_entries WHERE withdrawal_id = $1 ORDER BY created_at`, wid)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e      Entry
			id     uuid.UUID
			amount string
		)
		if err := rows.Scan(&id, &e.UserID, &e.Asset, &amount, &e.Effect, &e.WithdrawalID, &e.Reference, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.ID = id.String()
		if e.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("parse entry amount: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
