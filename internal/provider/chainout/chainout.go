// Package chainout adapts the ChainOut crypto payout API. ChainOut signs
// callbacks with an HMAC-SHA256 over "<timestamp>.<body>", base64 encoded,
// and the timestamp must fall within a tolerance window to block replays.
package chainout

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/crypto/sha3"

	"github.com/payrail/payrail/internal/provider"
)

// Name is the registry key for this adapter.
const Name = "chainout"

const signatureTolerance = 5 * time.Minute

// Config carries the ChainOut API credentials and endpoint.
type Config struct {
	BaseURL       string
	APIKey        string
	WebhookSecret string
}

// Adapter implements provider.Adapter against the ChainOut REST API.
type Adapter struct {
	cfg    Config
	client *http.Client
	now    func() time.Time
}

// New builds a ChainOut adapter with a bounded HTTP client.
func New(cfg Config) *Adapter {
	return &Adapter{cfg: cfg, client: &http.Client{Timeout: 15 * time.Second}, now: time.Now}
}

// Name returns the registry key.
func (a *Adapter) Name() string { return Name }

type transferRequest struct {
	ExternalID  string `json:"external_id"`
	Asset       string `json:"asset"`
	Amount      string `json:"amount"`
	Address     string `json:"address"`
	CallbackURL string `json:"callback_url"`
}

type transferResponse struct {
	TransferID string `json:"transfer_id"`
	State      string `json:"state"`
	TxHash     string `json:"tx_hash"`
	NetworkFee string `json:"network_fee"`
}

// CreatePayout validates the destination address and submits the transfer.
func (a *Adapter) CreatePayout(ctx context.Context, req provider.PayoutRequest) (provider.Payout, error) {
	if err := validateAddress(req.Destination); err != nil {
		return provider.Payout{}, &provider.Error{Provider: Name, Op: "create payout", Err: err}
	}

	body, err := json.Marshal(transferRequest{
		ExternalID:  req.Reference,
		Asset:       req.Asset,
		Amount:      req.Amount.String(),
		Address:     req.Destination,
		CallbackURL: req.CallbackURL,
	})
	if err != nil {
		return provider.Payout{}, err
	}

	var resp transferResponse
	if err := a.call(ctx, http.MethodPost, "/api/transfers", body, &resp); err != nil {
		return provider.Payout{}, err
	}
	if resp.TransferID == "" {
		return provider.Payout{}, &provider.Error{Provider: Name, Op: "create payout", Err: fmt.Errorf("response missing transfer_id")}
	}
	return provider.Payout{CorrelationID: resp.TransferID, InitialStatus: mapState(resp.State)}, nil
}

// QueryStatus fetches the transfer state. Read-only; safe to repeat.
func (a *Adapter) QueryStatus(ctx context.Context, correlationID string) (provider.Event, error) {
	var resp transferResponse
	if err := a.call(ctx, http.MethodGet, "/api/transfers/"+correlationID, nil, &resp); err != nil {
		return provider.Event{}, err
	}
	return a.toEvent(resp, nil)
}

// VerifyCallback checks the timestamped HMAC signature and normalizes the
// payload.
func (a *Adapter) VerifyCallback(header http.Header, body []byte) (provider.Event, error) {
	sig := header.Get("X-Chainout-Signature")
	ts := header.Get("X-Chainout-Timestamp")
	if sig == "" || ts == "" {
		return provider.Event{}, provider.ErrInvalidSignature
	}

	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return provider.Event{}, provider.ErrInvalidSignature
	}
	if drift := a.now().Sub(time.Unix(unix, 0)); drift > signatureTolerance || drift < -signatureTolerance {
		return provider.Event{}, provider.ErrInvalidSignature
	}

	mac := hmac.New(sha256.New, []byte(a.cfg.WebhookSecret))
	mac.Write([]byte(ts))
	mac.Write([]byte("."))
	mac.Write(body)
	expected := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(expected), []byte(sig)) {
		return provider.Event{}, provider.ErrInvalidSignature
	}

	var payload transferResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		return provider.Event{}, fmt.Errorf("%w: malformed payload", provider.ErrInvalidSignature)
	}
	return a.toEvent(payload, body)
}

func (a *Adapter) toEvent(resp transferResponse, raw []byte) (provider.Event, error) {
	fee := decimal.Zero
	if resp.NetworkFee != "" {
		parsed, err := decimal.NewFromString(resp.NetworkFee)
		if err != nil {
			return provider.Event{}, fmt.Errorf("chainout: parse network fee %q: %w", resp.NetworkFee, err)
		}
		fee = parsed
	}
	return provider.Event{
		Provider:      Name,
		CorrelationID: resp.TransferID,
		Status:        mapState(resp.State),
		SettlementRef: resp.TxHash,
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

// mapState folds ChainOut's native vocabulary into the normalized set.
func mapState(native string) provider.Status {
	switch native {
	case "pending", "queued", "confirming":
		return provider.StatusConfirming
	case "broadcasting":
		return provider.StatusSending
	case "confirmed":
		return provider.StatusCompleted
	case "failed", "reverted":
		return provider.StatusFailed
	case "dropped":
		return provider.StatusExpired
	default:
		return provider.StatusConfirming
	}
}

// validateAddress enforces the 0x-prefixed hex form and, when the address
// carries mixed case, its EIP-55 checksum.
func validateAddress(addr string) error {
	if len(addr) != 42 || !strings.HasPrefix(addr, "0x") {
		return fmt.Errorf("destination %q is not a valid address", addr)
	}
	hexPart := addr[2:]
	for _, r := range hexPart {
		if !strings.ContainsRune("0123456789abcdefABCDEF", r) {
			return fmt.Errorf("destination %q is not a valid address", addr)
		}
	}

	lower := strings.ToLower(hexPart)
	if hexPart == lower || hexPart == strings.ToUpper(hexPart) {
		// No checksum information encoded.
		return nil
	}

	hash := sha3.NewLegacyKeccak256()
	hash.Write([]byte(lower))
	digest := hash.Sum(nil)

	for i, r := range hexPart {
		if r >= '0' && r <= '9' {
			continue
		}
		nibble := digest[i/2]
		if i%2 == 0 {
			nibble >>= 4
		} else {
			nibble &= 0x0f
		}
		upper := r >= 'A' && r <= 'F'
		if (nibble >= 8) != upper {
			return fmt.Errorf("destination %q fails checksum", addr)
		}
	}
	return nil
}
