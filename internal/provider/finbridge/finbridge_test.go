package finbridge

import (
	"context"
	"crypto/hmac"
	"crypto/sha1" // #nosec G505 -- mirrors the adapter's mandated scheme.
	"encoding/base64"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/payrail/payrail/internal/provider"
)

func sign(secret string, body []byte) string {
	mac := hmac.New(sha1.New, []byte(secret))
	mac.Write(body)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func TestCreatePayout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/transfers" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		w.Write([]byte(`{"transaction_id":"fb_5","status":"received"}`)) // nolint:errcheck
	}))
	defer srv.Close()

	adapter := New(Config{BaseURL: srv.URL, APIKey: "key"})
	payout, err := adapter.CreatePayout(context.Background(), provider.PayoutRequest{
		Reference:   "w-2",
		Asset:       "USD",
		Amount:      decimal.RequireFromString("150"),
		Destination: "DE89370400440532013000",
	})
	if err != nil {
		t.Fatalf("create payout: %v", err)
	}
	if payout.CorrelationID != "fb_5" || payout.InitialStatus != provider.StatusConfirming {
		t.Fatalf("unexpected payout: %+v", payout)
	}
}

func TestVerifyCallback(t *testing.T) {
	adapter := New(Config{WebhookSecret: "secret"})
	body := []byte(`{"transaction_id":"fb_5","status":"finished","bank_ref":"SEPA-001","charge":"1.20"}`)

	header := http.Header{}
	header.Set("X-Finbridge-Auth", sign("secret", body))

	ev, err := adapter.VerifyCallback(header, body)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if ev.Status != provider.StatusCompleted || ev.SettlementRef != "SEPA-001" {
		t.Fatalf("unexpected event: %+v", ev)
	}
	if !ev.NetworkFee.Equal(decimal.RequireFromString("1.20")) {
		t.Fatalf("unexpected fee: %s", ev.NetworkFee)
	}
}

func TestVerifyCallbackRejectsBadSignature(t *testing.T) {
	adapter := New(Config{WebhookSecret: "secret"})
	body := []byte(`{"transaction_id":"fb_5","status":"finished"}`)

	header := http.Header{}
	header.Set("X-Finbridge-Auth", sign("wrong", body))

	if _, err := adapter.VerifyCallback(header, body); !errors.Is(err, provider.ErrInvalidSignature) {
		t.Fatalf("expected invalid signature, got %v", err)
	}
}

func TestMapStatusVariants(t *testing.T) {
	// The rail is inconsistent about its success word; all variants must
	// normalize to completed.
	for _, native := range []string{"finished", "completed", "settled"} {
		if got := mapStatus(native); got != provider.StatusCompleted {
			t.Fatalf("mapStatus(%q) = %s, want completed", native, got)
		}
	}
	if got := mapStatus("lapsed"); got != provider.StatusExpired {
		t.Fatalf("mapStatus(lapsed) = %s, want expired", got)
	}
}
