package orbitpay

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/payrail/payrail/internal/provider"
)

func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func TestCreatePayout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/payouts" {
			t.Fatalf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer key" {
			t.Fatalf("missing api key header")
		}
		w.Write([]byte(`{"payout_id":"op_1","status":"processing"}`)) // nolint:errcheck
	}))
	defer srv.Close()

	adapter := New(Config{BaseURL: srv.URL, APIKey: "key", WebhookSecret: "secret"})
	payout, err := adapter.CreatePayout(context.Background(), provider.PayoutRequest{
		Reference:   "w-1",
		Asset:       "USD",
		Amount:      decimal.RequireFromString("40"),
		Destination: "acct-9",
	})
	if err != nil {
		t.Fatalf("create payout: %v", err)
	}
	if payout.CorrelationID != "op_1" || payout.InitialStatus != provider.StatusConfirming {
		t.Fatalf("unexpected payout: %+v", payout)
	}
}

func TestCreatePayoutServerErrorIsTemporary(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	adapter := New(Config{BaseURL: srv.URL, APIKey: "key"})
	_, err := adapter.CreatePayout(context.Background(), provider.PayoutRequest{Amount: decimal.New(1, 0)})
	var perr *provider.Error
	if !errors.As(err, &perr) || !perr.Temporary {
		t.Fatalf("expected temporary provider error, got %v", err)
	}
}

func TestVerifyCallback(t *testing.T) {
	adapter := New(Config{WebhookSecret: "secret"})
	body := []byte(`{"payout_id":"op_1","status":"paid","reference":"bank-77","fee":"0.5"}`)

	header := http.Header{}
	header.Set("X-Orbitpay-Signature", sign("secret", body))

	ev, err := adapter.VerifyCallback(header, body)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if ev.Status != provider.StatusCompleted || ev.CorrelationID != "op_1" {
		t.Fatalf("unexpected event: %+v", ev)
	}
	if !ev.NetworkFee.Equal(decimal.RequireFromString("0.5")) {
		t.Fatalf("unexpected fee: %s", ev.NetworkFee)
	}
	if ev.SettlementRef != "bank-77" {
		t.Fatalf("unexpected settlement ref: %s", ev.SettlementRef)
	}
}

func TestVerifyCallbackRejectsBadSignature(t *testing.T) {
	adapter := New(Config{WebhookSecret: "secret"})
	body := []byte(`{"payout_id":"op_1","status":"paid"}`)

	header := http.Header{}
	header.Set("X-Orbitpay-Signature", sign("other-secret", body))

	if _, err := adapter.VerifyCallback(header, body); !errors.Is(err, provider.ErrInvalidSignature) {
		t.Fatalf("expected invalid signature, got %v", err)
	}

	if _, err := adapter.VerifyCallback(http.Header{}, body); !errors.Is(err, provider.ErrInvalidSignature) {
		t.Fatalf("expected invalid signature for missing header, got %v", err)
	}
}

func TestMapStatus(t *testing.T) {
	cases := map[string]provider.Status{
		"created":      provider.StatusConfirming,
		"processing":   provider.StatusConfirming,
		"sending":      provider.StatusSending,
		"paid":         provider.StatusCompleted,
		"settled":      provider.StatusCompleted,
		"declined":     provider.StatusFailed,
		"expired":      provider.StatusExpired,
		"weird-status": provider.StatusConfirming,
	}
	for native, want := range cases {
		if got := mapStatus(native); got != want {
			t.Fatalf("mapStatus(%q) = %s, want %s", native, got, want)
		}
	}
}
