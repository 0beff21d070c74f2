// Package finbridge adapts the FinBridge bank transfer API, a legacy rail
// that signs callbacks with an HMAC-SHA1 of the raw body, base64 encoded, in
// the X-Finbridge-Auth header. FinBridge's callback delivery is unreliable,
// so withdrawals routed here lean on the reconciliation poller.
package finbridge

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha1" // #nosec G505 -- FinBridge's callback contract mandates HMAC-SHA1.
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/payrail/payrail/internal/provider"
)

// Name is the registry key for this adapter.
const Name = "finbridge"

// Config carries the FinBridge API credentials and endpoint.
type Config struct {
	BaseURL       string
	APIKey        string
	WebhookSecret string
}

// Adapter implements provider.Adapter against the FinBridge transfer API.
type Adapter struct {
	cfg    Config
	client *http.Client
}

// New builds a FinBridge adapter with a bounded HTTP client.
func New(cfg Config) *Adapter {
	return &Adapter{cfg: cfg, client: &http.Client{Timeout: 15 * time.Second}}
}

// Name returns the registry key.
func (a *Adapter) Name() string { return Name }

type transferPayload struct {
	TransactionID string `json:"transaction_id"`
	Status        string `json:"status"`
	BankRef       string `json:"bank_ref"`
	Charge        string `json:"charge"`
}

type transferRequest struct {
	ClientRef   string `json:"client_ref"`
	Currency    string `json:"currency"`
	Amount      string `json:"amount"`
	AccountNo   string `json:"account_no"`
	CallbackURL string `json:"callback_url"`
}

// CreatePayout instructs FinBridge to run a bank transfer.
func (a *Adapter) CreatePayout(ctx context.Context, req provider.PayoutRequest) (provider.Payout, error) {
	body, err := json.Marshal(transferRequest{
		ClientRef:   req.Reference,
		Currency:    req.Asset,
		Amount:      req.Amount.String(),
		AccountNo:   req.Destination,
		CallbackURL: req.CallbackURL,
	})
	if err != nil {
		return provider.Payout{}, err
	}

	var resp transferPayload
	if err := a.call(ctx, http.MethodPost, "/transfers", body, &resp); err != nil {
		return provider.Payout{}, err
	}
	if resp.TransactionID == "" {
		return provider.Payout{}, &provider.Error{Provider: Name, Op: "create payout", Err: fmt.Errorf("response missing transaction_id")}
	}
	return provider.Payout{CorrelationID: resp.TransactionID, InitialStatus: mapStatus(resp.Status)}, nil
}

// QueryStatus fetches the current transfer status.
func (a *Adapter) QueryStatus(ctx context.Context, correlationID string) (provider.Event, error) {
	var resp transferPayload
	if err := a.call(ctx, http.MethodGet, "/transfers/"+correlationID, nil, &resp); err != nil {
		return provider.Event{}, err
	}
	return a.toEvent(resp, nil)
}

// VerifyCallback checks the HMAC-SHA1 signature and normalizes the payload.
func (a *Adapter) VerifyCallback(header http.Header, body []byte) (provider.Event, error) {
	sig := header.Get("X-Finbridge-Auth")
	if sig == "" {
		return provider.Event{}, provider.ErrInvalidSignature
	}

	mac := hmac.New(sha1.New, []byte(a.cfg.WebhookSecret))
	mac.Write(body)
	expected := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(expected), []byte(sig)) {
		return provider.Event{}, provider.ErrInvalidSignature
	}

	var payload transferPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return provider.Event{}, fmt.Errorf("%w: malformed payload", provider.ErrInvalidSignature)
	}
	return a.toEvent(payload, body)
}

func (a *Adapter) toEvent(resp transferPayload, raw []byte) (provider.Event, error) {
	fee := decimal.Zero
	if resp.Charge != "" {
		parsed, err := decimal.NewFromString(resp.Charge)
		if err != nil {
			return provider.Event{}, fmt.Errorf("finbridge: parse charge %q: %w", resp.Charge, err)
		}
		fee = parsed
	}
	return provider.Event{
		Provider:      Name,
		CorrelationID: resp.TransactionID,
		Status:        mapStatus(resp.Status),
		SettlementRef: resp.BankRef,
		NetworkFee:    fee,
		Raw:           raw,
	}, nil
}

func (a *Adapter) call(ctx context.Context, method, path string, body []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, a.cfg.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return &provider.Error{Provider: Name, Op: method + " " + path, Err: err}
	}
	req.Header.Set("X-Api-Key", a.cfg.APIKey)
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

// mapStatus folds FinBridge's native vocabulary into the normalized set. The
// rail reports success as any of "finished", "completed" or "settled"
// depending on the partner bank.
func mapStatus(native string) provider.Status {
	switch native {
	case "received", "queued":
		return provider.StatusConfirming
	case "in_transit":
		return provider.StatusSending
	case "finished", "completed", "settled":
		return provider.StatusCompleted
	case "returned", "failed":
		return provider.StatusFailed
	case "lapsed":
		return provider.StatusExpired
	default:
		return provider.StatusConfirming
	}
}
