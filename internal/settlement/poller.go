package settlement

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/payrail/payrail/internal/ledger"
	"github.com/payrail/payrail/internal/provider"
	"github.com/payrail/payrail/internal/withdrawal"
)

// Poller reconciles confirming withdrawals whose webhook never arrived. Each
// sweep queries the provider for records that have sat in confirming longer
// than the grace period and feeds the answers through the engine's normal
// event path, so webhook and poller can never disagree on the outcome.
type Poller struct {
	engine   *Engine
	store    ledger.Store
	registry *provider.Registry
	logger   *slog.Logger
	interval time.Duration
	grace    time.Duration
	timeout  time.Duration
}

// NewPoller wires a reconciliation poller.
func NewPoller(engine *Engine, store ledger.Store, registry *provider.Registry, logger *slog.Logger,
	interval, grace time.Duration) *Poller {
	if interval <= 0 {
		interval = time.Minute
	}
	if grace < 0 {
		grace = 0
	}
	return &Poller{
		engine:   engine,
		store:    store,
		registry: registry,
		logger:   logger,
		interval: interval,
		grace:    grace,
		timeout:  15 * time.Second,
	}
}

// Run sweeps on the configured interval until the context is cancelled.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Sweep(ctx)
		}
	}
}

// Sweep runs one reconciliation pass. Errors on individual withdrawals are
// logged and skipped; the next sweep retries them.
func (p *Poller) Sweep(ctx context.Context) {
	recs, err := p.store.ListInState(ctx, withdrawal.StateConfirming, p.grace)
	if err != nil {
		p.logger.Error("poller list confirming", "error", err)
		return
	}

	for _, rec := range recs {
		if err := p.reconcile(ctx, rec); err != nil {
			p.logger.Warn("poller reconcile", "withdrawal_id", rec.ID, "provider", rec.Provider, "error", err)
		}
	}
}

func (p *Poller) reconcile(ctx context.Context, rec withdrawal.Record) error {
	adapter, err := p.registry.Lookup(rec.Provider)
	if err != nil {
		return err
	}

	callCtx, cancel := context.WithTimeout(ctx, p.timeout)
	ev, err := adapter.QueryStatus(callCtx, rec.CorrelationID)
	cancel()
	if err != nil {
		return err
	}

	if err := p.engine.ApplyEvent(ctx, ev); err != nil && !errors.Is(err, ErrDuplicateEvent) {
		return err
	}
	return nil
}
