package payments

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	domain "github.com/storefront/orderflow/internal/domain"
)

const defaultSignedJSONHeader = "X-Signature"

// SignedJSONConfig configures a SignedJSONProvider.
type SignedJSONConfig struct {
	Name   string
	Secret string
	Header string
	Clock  func() time.Time
}

// SignedJSONProvider accepts a plain JSON envelope signed with HMAC-SHA256 (hex). It fronts
// processors that settle out of band, so intents are local handles derived from the
// idempotency key and refunds are acknowledged without a remote call.
type SignedJSONProvider struct {
	name   string
	secret []byte
	header string
	clock  func() time.Time
}

var _ Provider = (*SignedJSONProvider)(nil)

// NewSignedJSONProvider constructs the provider.
func NewSignedJSONProvider(cfg SignedJSONConfig) (*SignedJSONProvider, error) {
	name := normaliseName(cfg.Name)
	if name == "" {
		return nil, errors.New("signed json provider: name is required")
	}
	if strings.TrimSpace(cfg.Secret) == "" {
		return nil, fmt.Errorf("signed json provider %s: secret is required", name)
	}
	header := strings.TrimSpace(cfg.Header)
	if header == "" {
		header = defaultSignedJSONHeader
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &SignedJSONProvider{
		name:   name,
		secret: []byte(cfg.Secret),
		header: header,
		clock:  clock,
	}, nil
}

type signedEnvelope struct {
	ID            string    `json:"id"`
	Type          string    `json:"type"`
	OrderID       string    `json:"order_id"`
	TransactionID string    `json:"transaction_id"`
	Amount        int64     `json:"amount"`
	Currency      string    `json:"currency"`
	OccurredAt    time.Time `json:"occurred_at"`
}

func (p *SignedJSONProvider) CreatePaymentIntent(_ context.Context, req IntentRequest) (Intent, error) {
	key := strings.TrimSpace(req.IdempotencyKey)
	if key == "" {
		key = req.OrderID
	}
	if key == "" {
		return Intent{}, errors.New("signed json provider: idempotency key or order id is required")
	}
	id := "pi_" + digest(p.name+"|"+key)[:24]
	return Intent{
		Provider:     p.name,
		ID:           id,
		ClientSecret: id + "_secret",
		Status:       "requires_payment_method",
	}, nil
}

func (p *SignedJSONProvider) CancelPaymentIntent(context.Context, string, string) error {
	return nil
}

func (p *SignedJSONProvider) Refund(_ context.Context, req RefundRequest) (RefundResult, error) {
	if strings.TrimSpace(req.TransactionID) == "" {
		return RefundResult{}, errors.New("signed json provider: transaction id is required")
	}
	key := strings.TrimSpace(req.IdempotencyKey)
	if key == "" {
		key = req.TransactionID
	}
	return RefundResult{Provider: p.name, ID: "re_" + digest(key)[:24], Status: "succeeded"}, nil
}

func (p *SignedJSONProvider) SignatureHeader() string {
	return p.header
}

func (p *SignedJSONProvider) ParseEvent(payload []byte, signature string) (Event, error) {
	if !p.verify(payload, signature) {
		return Event{}, ErrInvalidSignature
	}
	var env signedEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if strings.TrimSpace(env.ID) == "" || strings.TrimSpace(env.Type) == "" {
		return Event{}, fmt.Errorf("%w: id and type are required", ErrMalformedEvent)
	}
	occurred := env.OccurredAt.UTC()
	if env.OccurredAt.IsZero() {
		occurred = p.clock().UTC()
	}
	return Event{
		ID:            env.ID,
		Type:          domain.PaymentEventType(strings.ToLower(env.Type)),
		ProviderType:  env.Type,
		OrderID:       env.OrderID,
		TransactionID: env.TransactionID,
		Amount:        env.Amount,
		Currency:      strings.ToUpper(env.Currency),
		OccurredAt:    occurred,
	}, nil
}

// Sign returns the signature the provider expects for payload.
func (p *SignedJSONProvider) Sign(payload []byte) string {
	mac := hmac.New(sha256.New, p.secret)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

func (p *SignedJSONProvider) verify(payload []byte, signature string) bool {
	signature = strings.TrimPrefix(strings.TrimSpace(signature), "sha256=")
	provided, err := hex.DecodeString(signature)
	if err != nil || len(provided) == 0 {
		return false
	}
	mac := hmac.New(sha256.New, p.secret)
	mac.Write(payload)
	return hmac.Equal(provided, mac.Sum(nil))
}

func digest(value string) string {
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:])
}
