package settlement

import (
	"context"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/payrail/payrail/internal/ledger"
)

// Policy decides whether a withdrawal skips the admin queue. Auto-approval
// requires both conditions: the amount is strictly below the per-asset
// threshold, and the user has at least one completed payout to the same
// destination. Assets without a configured threshold always require review.
type Policy struct {
	limits map[string]decimal.Decimal
	store  ledger.Store
	logger *slog.Logger
}

// NewPolicy builds the approval policy from per-asset thresholds.
func NewPolicy(limits map[string]decimal.Decimal, store ledger.Store, logger *slog.Logger) *Policy {
	if limits == nil {
		limits = make(map[string]decimal.Decimal)
	}
	return &Policy{limits: limits, store: store, logger: logger}
}

// AutoApprove reports whether the withdrawal may bypass manual review. Any
// doubt, including a store error, falls back to requiring review.
func (p *Policy) AutoApprove(ctx context.Context, userID, asset, destination string, amount decimal.Decimal) bool {
	limit, ok := p.limits[asset]
	if !ok {
		return false
	}
	if amount.GreaterThanOrEqual(limit) {
		return false
	}

	seen, err := p.store.HasCompletedPayout(ctx, userID, destination)
	if err != nil {
		p.logger.Warn("auto-approve history check failed, requiring review", "user_id", userID, "error", err)
		return false
	}
	return seen
}
