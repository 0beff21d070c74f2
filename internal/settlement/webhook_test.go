package settlement

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"

	"github.com/payrail/payrail/internal/logging"
	"github.com/payrail/payrail/internal/provider"
	"github.com/payrail/payrail/internal/withdrawal"
)

func newWebhookApp(t *testing.T, env *testEnv) *fiber.App {
	t.Helper()
	registry := provider.NewRegistry()
	if err := registry.Register(env.adapter); err != nil {
		t.Fatalf("register adapter: %v", err)
	}
	handler := NewWebhookHandler(env.engine, registry, logging.Discard())

	app := fiber.New()
	app.Post("/api/v1/webhooks/:provider", handler.Handle)
	return app
}

// confirmWithdrawal drives a withdrawal to confirming so a webhook can land.
func confirmWithdrawal(t *testing.T, env *testEnv) withdrawal.Record {
	t.Helper()
	ctx := context.Background()
	env.deposit(t, "alice", "USDT", "100")
	rec := env.create(t, "alice", "USDT", "40")
	if _, err := env.engine.Decide(ctx, DecisionInput{WithdrawalID: rec.ID, ApproverID: "admin-1", Approve: true}); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if err := env.engine.Dispatch(ctx, rec.ID); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	return rec
}

func postWebhook(t *testing.T, app *fiber.App, providerName, signature, body string) *http.Response {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/"+providerName, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	if signature != "" {
		req.Header.Set("X-Fake-Signature", signature)
	}
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("webhook request: %v", err)
	}
	return resp
}

func TestWebhookCompletesWithdrawal(t *testing.T) {
	env := newTestEnv(t, nil)
	app := newWebhookApp(t, env)
	rec := confirmWithdrawal(t, env)

	body := fmt.Sprintf(`{"correlation_id":%q,"status":"completed","settlement_ref":"0xdeadbeef","network_fee":"0.25"}`, "corr-1")
	resp := postWebhook(t, app, "fakepay", "s3cret", body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	if got := env.state(t, rec.ID); got != withdrawal.StateCompleted {
		t.Fatalf("state = %s, want completed", got)
	}

	// The provider retries; the replay is acknowledged without a second debit.
	resp = postWebhook(t, app, "fakepay", "s3cret", body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("replay status = %d, want 200", resp.StatusCode)
	}
	if got := env.balance(t, "alice", "USDT"); got != "60" {
		t.Fatalf("balance = %s, want 60", got)
	}
}

func TestWebhookRejectsInvalidSignature(t *testing.T) {
	env := newTestEnv(t, nil)
	app := newWebhookApp(t, env)
	rec := confirmWithdrawal(t, env)

	body := `{"correlation_id":"corr-1","status":"completed","settlement_ref":"0xforged"}`
	resp := postWebhook(t, app, "fakepay", "wrong", body)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}

	// A rejected callback must leave no trace.
	if got := env.state(t, rec.ID); got != withdrawal.StateConfirming {
		t.Fatalf("state = %s, want confirming", got)
	}
	if got := env.balance(t, "alice", "USDT"); got != "60" {
		t.Fatalf("balance = %s, want 60 (still reserved)", got)
	}
}

func TestWebhookUnknownProvider(t *testing.T) {
	env := newTestEnv(t, nil)
	app := newWebhookApp(t, env)

	resp := postWebhook(t, app, "ghostpay", "s3cret", `{}`)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestWebhookUnmatchedCorrelation(t *testing.T) {
	env := newTestEnv(t, nil)
	app := newWebhookApp(t, env)

	body := `{"correlation_id":"never-issued","status":"completed"}`
	resp := postWebhook(t, app, "fakepay", "s3cret", body)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestWebhookFailureEventRefunds(t *testing.T) {
	env := newTestEnv(t, nil)
	app := newWebhookApp(t, env)
	rec := confirmWithdrawal(t, env)

	body := `{"correlation_id":"corr-1","status":"failed"}`
	resp := postWebhook(t, app, "fakepay", "s3cret", body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	if got := env.state(t, rec.ID); got != withdrawal.StateFailed {
		t.Fatalf("state = %s, want failed", got)
	}
	if got := env.balance(t, "alice", "USDT"); got != "100" {
		t.Fatalf("balance = %s, want 100 after refund", got)
	}
}
