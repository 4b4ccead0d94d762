package payments

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	domain "github.com/storefront/orderflow/internal/domain"
)

var (
	// ErrUnsupportedProvider is returned when the manager cannot locate a provider.
	ErrUnsupportedProvider = errors.New("payments: unsupported provider")
	// ErrInvalidSignature is returned when a webhook payload fails verification.
	ErrInvalidSignature = errors.New("payments: invalid webhook signature")
	// ErrMalformedEvent is returned when a verified payload cannot be normalised.
	ErrMalformedEvent = errors.New("payments: malformed event")
)

// IntentRequest describes the payment intent opened for a new order.
type IntentRequest struct {
	OrderID        string
	Amount         int64
	Currency       string
	CustomerEmail  string
	IdempotencyKey string
	Metadata       map[string]string
}

// Intent is the provider-side payment handle returned to the client.
type Intent struct {
	Provider     string
	ID           string
	ClientSecret string
	Status       string
}

// RefundRequest defines a refund of a captured payment.
type RefundRequest struct {
	TransactionID  string
	Amount         *int64
	Reason         string
	IdempotencyKey string
	Metadata       map[string]string
}

// RefundResult reports the provider refund.
type RefundResult struct {
	Provider string
	ID       string
	Status   string
}

// Event is a verified provider notification normalised to the order domain.
type Event struct {
	ID            string
	Type          domain.PaymentEventType
	ProviderType  string
	OrderID       string
	TransactionID string
	Amount        int64
	Currency      string
	OccurredAt    time.Time
}

// Provider defines the contract for PSP adapters to implement.
type Provider interface {
	CreatePaymentIntent(ctx context.Context, req IntentRequest) (Intent, error)
	CancelPaymentIntent(ctx context.Context, intentID, idempotencyKey string) error
	Refund(ctx context.Context, req RefundRequest) (RefundResult, error)
	// ParseEvent verifies signature against payload and returns ErrInvalidSignature when it fails.
	ParseEvent(payload []byte, signature string) (Event, error)
	// SignatureHeader names the HTTP header carrying the webhook signature.
	SignatureHeader() string
}

// Manager coordinates provider selection and exposes the aggregated interface.
type Manager struct {
	providers       map[string]Provider
	defaultProvider string
	currencyRoutes  map[string]string
}

// ManagerOption configures optional behaviour when building a Manager.
type ManagerOption func(*Manager)

// WithDefaultProvider overrides the default provider for currencies without explicit routing.
func WithDefaultProvider(provider string) ManagerOption {
	return func(m *Manager) {
		m.defaultProvider = provider
	}
}

// WithCurrencyRoutes configures static currency to provider mappings.
func WithCurrencyRoutes(routes map[string]string) ManagerOption {
	return func(m *Manager) {
		if len(routes) == 0 {
			return
		}
		if m.currencyRoutes == nil {
			m.currencyRoutes = make(map[string]string, len(routes))
		}
		for k, v := range routes {
			m.currencyRoutes[strings.ToUpper(strings.TrimSpace(k))] = strings.TrimSpace(v)
		}
	}
}

// NewManager constructs a Manager over the supplied providers.
func NewManager(providers map[string]Provider, opts ...ManagerOption) (*Manager, error) {
	if len(providers) == 0 {
		return nil, errors.New("payments: at least one provider is required")
	}
	copyMap := make(map[string]Provider, len(providers))
	for k, v := range providers {
		key := normaliseName(k)
		if key == "" || v == nil {
			return nil, fmt.Errorf("payments: invalid provider registration for key %q", k)
		}
		copyMap[key] = v
	}
	m := &Manager{
		providers: copyMap,
	}
	if _, ok := copyMap["stripe"]; ok {
		m.defaultProvider = "stripe"
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// PaymentContext defines the hints available when selecting a provider for a new intent.
type PaymentContext struct {
	PreferredProvider string
	Currency          string
}

// Provider returns the adapter registered under name.
func (m *Manager) Provider(name string) (Provider, error) {
	if m == nil {
		return nil, errors.New("payments: manager is nil")
	}
	if p, ok := m.providers[normaliseName(name)]; ok {
		return p, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedProvider, name)
}

// Names lists the registered providers in lexical order.
func (m *Manager) Names() []string {
	names := make([]string, 0, len(m.providers))
	for name := range m.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (m *Manager) resolveProvider(ctx PaymentContext) (string, Provider, error) {
	if m == nil {
		return "", nil, errors.New("payments: manager is nil")
	}
	if provider := normaliseName(ctx.PreferredProvider); provider != "" {
		if p, ok := m.providers[provider]; ok {
			return provider, p, nil
		}
		return "", nil, fmt.Errorf("%w: %s", ErrUnsupportedProvider, provider)
	}
	currency := strings.ToUpper(strings.TrimSpace(ctx.Currency))
	if currency != "" && m.currencyRoutes != nil {
		if providerKey, ok := m.currencyRoutes[currency]; ok {
			provider := normaliseName(providerKey)
			if p, ok := m.providers[provider]; ok {
				return provider, p, nil
			}
		}
	}
	if def := normaliseName(m.defaultProvider); def != "" {
		if p, ok := m.providers[def]; ok {
			return def, p, nil
		}
	}
	if len(m.providers) == 1 {
		for key, p := range m.providers {
			return key, p, nil
		}
	}
	return "", nil, ErrUnsupportedProvider
}

// CreatePaymentIntent opens an intent on the resolved provider and stamps the provider name.
func (m *Manager) CreatePaymentIntent(ctx context.Context, paymentCtx PaymentContext, req IntentRequest) (Intent, error) {
	key, provider, err := m.resolveProvider(paymentCtx)
	if err != nil {
		return Intent{}, err
	}
	intent, err := provider.CreatePaymentIntent(ctx, req)
	if err != nil {
		return Intent{}, err
	}
	intent.Provider = key
	return intent, nil
}

// CancelPaymentIntent cancels an intent on the named provider.
func (m *Manager) CancelPaymentIntent(ctx context.Context, providerName, intentID, idempotencyKey string) error {
	provider, err := m.Provider(providerName)
	if err != nil {
		return err
	}
	return provider.CancelPaymentIntent(ctx, intentID, idempotencyKey)
}

// Refund refunds a captured payment on the named provider.
func (m *Manager) Refund(ctx context.Context, providerName string, req RefundRequest) (RefundResult, error) {
	provider, err := m.Provider(providerName)
	if err != nil {
		return RefundResult{}, err
	}
	result, err := provider.Refund(ctx, req)
	if err != nil {
		return RefundResult{}, err
	}
	result.Provider = normaliseName(providerName)
	return result, nil
}

// ParseEvent verifies and normalises a webhook payload for the named provider.
func (m *Manager) ParseEvent(providerName string, payload []byte, signature string) (Event, error) {
	provider, err := m.Provider(providerName)
	if err != nil {
		return Event{}, err
	}
	return provider.ParseEvent(payload, signature)
}

// SignatureHeader returns the signature header of the named provider.
func (m *Manager) SignatureHeader(providerName string) (string, error) {
	provider, err := m.Provider(providerName)
	if err != nil {
		return "", err
	}
	return provider.SignatureHeader(), nil
}

func normaliseName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
