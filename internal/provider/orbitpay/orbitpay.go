// Package orbitpay adapts the OrbitPay fiat payout API. OrbitPay signs
// callbacks with an HMAC-SHA256 of the raw body, hex encoded, in the
// X-Orbitpay-Signature header.
package orbitpay

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/payrail/payrail/internal/provider"
)

// Name is the registry key for this adapter.
const Name = "orbitpay"

// Config carries the OrbitPay API credentials and endpoint.
type Config struct {
	BaseURL       string
	APIKey        string
	WebhookSecret string
}

// Adapter implements provider.Adapter against the OrbitPay REST API.
type Adapter struct {
	cfg    Config
	client *http.Client
}

// New builds an OrbitPay adapter with a bounded HTTP client.
func New(cfg Config) *Adapter {
	return &Adapter{cfg: cfg, client: &http.Client{Timeout: 15 * time.Second}}
}

// Name returns the registry key.
func (a *Adapter) Name() string { return Name }

type payoutRequest struct {
	Reference   string `json:"reference"`
	Currency    string `json:"currency"`
	Amount      string `json:"amount"`
	Destination string `json:"destination"`
	CallbackURL string `json:"callback_url"`
}

type payoutResponse struct {
	PayoutID  string `json:"payout_id"`
	Status    string `json:"status"`
	Reference string `json:"reference"`
	Fee       string `json:"fee"`
}

// CreatePayout instructs OrbitPay to pay out and returns its correlation id.
func (a *Adapter) CreatePayout(ctx context.Context, req provider.PayoutRequest) (provider.Payout, error) {
	body, err := json.Marshal(payoutRequest{
		Reference:   req.Reference,
		Currency:    req.Asset,
		Amount:      req.Amount.String(),
		Destination: req.Destination,
		CallbackURL: req.CallbackURL,
	})
	if err != nil {
		return provider.Payout{}, err
	}

	var resp payoutResponse
	if err := a.call(ctx, http.MethodPost, "/v1/payouts", body, &resp); err != nil {
		return provider.Payout{}, err
	}
	if resp.PayoutID == "" {
		return provider.Payout{}, &provider.Error{Provider: Name, Op: "create payout", Err: fmt.Errorf("response missing payout_id")}
	}
	return provider.Payout{CorrelationID: resp.PayoutID, InitialStatus: mapStatus(resp.Status)}, nil
}

// QueryStatus fetches the current payout status. Read-only; safe to repeat.
func (a *Adapter) QueryStatus(ctx context.Context, correlationID string) (provider.Event, error) {
	var resp payoutResponse
	if err := a.call(ctx, http.MethodGet, "/v1/payouts/"+correlationID, nil, &resp); err != nil {
		return provider.Event{}, err
	}
	return a.toEvent(resp, nil)
}

// VerifyCallback checks the HMAC signature and normalizes the payload. A bad
// signature must never reach the settlement engine.
func (a *Adapter) VerifyCallback(header http.Header, body []byte) (provider.Event, error) {
	sig := header.Get("X-Orbitpay-Signature")
	if sig == "" {
		return provider.Event{}, provider.ErrInvalidSignature
	}

	mac := hmac.New(sha256.New, []byte(a.cfg.WebhookSecret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(expected), []byte(sig)) {
		return provider.Event{}, provider.ErrInvalidSignature
	}

	var payload payoutResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		return provider.Event{}, fmt.Errorf("%w: malformed payload", provider.ErrInvalidSignature)
	}
	return a.toEvent(payload, body)
}

func (a *Adapter) toEvent(resp payoutResponse, raw []byte) (provider.Event, error) {
	fee := decimal.Zero
	if resp.Fee != "" {
		parsed, err := decimal.NewFromString(resp.Fee)
		if err != nil {
			return provider.Event{}, fmt.Errorf("orbitpay: parse fee %q: %w", resp.Fee, err)
		}
		fee = parsed
	}
	return provider.Event{
		Provider:      Name,
		CorrelationID: resp.PayoutID,
		Status:        mapStatus(resp.Status),
		SettlementRef: resp.Reference,
		NetworkFee:    fee,
		Raw:           raw,
	}, nil
}

func (a *Adapter) call(ctx context.Context, method, path string, body []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, a.cfg.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return &provider.Error{Provider: Name, Op: method + " " + path, Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+a.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return &provider.Error{Provider: Name, Op: method + " " + path, Temporary: true, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return &provider.Error{Provider: Name, Op: method + " " + path, Temporary: true, Err: fmt.Errorf("status %d", resp.StatusCode)}
	}
	if resp.StatusCode >= 400 {
		return &provider.Error{Provider: Name, Op: method + " " + path, Err: fmt.Errorf("status %d", resp.StatusCode)}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &provider.Error{Provider: Name, Op: method + " " + path, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

// mapStatus folds OrbitPay's native vocabulary into the normalized set.
// Unknown statuses map to confirming so the poller re-queries instead of
// guessing a terminal outcome.
func mapStatus(native string) provider.Status {
	switch native {
	case "created", "processing", "pending":
		return provider.StatusConfirming
	case "sending":
		return provider.StatusSending
	case "paid", "settled":
		return provider.StatusCompleted
	case "failed", "declined":
		return provider.StatusFailed
	case "expired":
		return provider.StatusExpired
	default:
		return provider.StatusConfirming
	}
}
