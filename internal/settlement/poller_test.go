package settlement

import (
	"context"
	"testing"

	"github.com/payrail/payrail/internal/logging"
	"github.com/payrail/payrail/internal/provider"
	"github.com/payrail/payrail/internal/withdrawal"
)

func newTestPoller(t *testing.T, env *testEnv) *Poller {
	t.Helper()
	registry := provider.NewRegistry()
	if err := registry.Register(env.adapter); err != nil {
		t.Fatalf("register adapter: %v", err)
	}
	return NewPoller(env.engine, env.store, registry, logging.Discard(), 0, 0)
}

func TestPollerCompletesMissedWebhook(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	rec := confirmWithdrawal(t, env)

	env.adapter.statusEvent = provider.Event{Status: provider.StatusCompleted, SettlementRef: "0xpolled"}

	poller := newTestPoller(t, env)
	poller.Sweep(ctx)

	final, err := env.store.Withdrawal(ctx, rec.ID)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if final.State != withdrawal.StateCompleted {
		t.Fatalf("state = %s, want completed", final.State)
	}
	if final.SettlementRef != "0xpolled" {
		t.Fatalf("settlement ref = %q", final.SettlementRef)
	}
	if got := env.balance(t, "alice", "USDT"); got != "60" {
		t.Fatalf("balance = %s, want 60", got)
	}
}

func TestPollerLeavesUnresolvedConfirming(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	rec := confirmWithdrawal(t, env)

	env.adapter.statusEvent = provider.Event{Status: provider.StatusConfirming}

	poller := newTestPoller(t, env)
	poller.Sweep(ctx)

	if got := env.state(t, rec.ID); got != withdrawal.StateConfirming {
		t.Fatalf("state = %s, want confirming", got)
	}
}

func TestPollerSweepAfterWebhookIsHarmless(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	rec := confirmWithdrawal(t, env)

	// Webhook wins the race, then the poller queries the same payout.
	if err := env.engine.ApplyEvent(ctx, completedEvent("corr-1")); err != nil {
		t.Fatalf("webhook event: %v", err)
	}
	env.adapter.statusEvent = provider.Event{Status: provider.StatusCompleted, SettlementRef: "0xlate"}

	poller := newTestPoller(t, env)
	poller.Sweep(ctx)

	final, err := env.store.Withdrawal(ctx, rec.ID)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if final.SettlementRef != "0xabc123" {
		t.Fatalf("settlement ref = %q, want the webhook's 0xabc123", final.SettlementRef)
	}
	if got := env.balance(t, "alice", "USDT"); got != "60" {
		t.Fatalf("balance = %s, want 60", got)
	}
}
