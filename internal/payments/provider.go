package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Status enumerates the normalised payment states shared across providers.
type Status string

const (
	// StatusPending indicates the payment is awaiting customer action or gateway confirmation.
	StatusPending Status = "pending"
	// StatusSucceeded indicates the gateway reports the payment as approved.
	StatusSucceeded Status = "succeeded"
	// StatusFailed indicates the gateway reports a failure and no further action is possible.
	StatusFailed Status = "failed"
)

// ErrUnsupportedProvider is returned when the manager cannot locate a provider.
var ErrUnsupportedProvider = errors.New("payments: unsupported provider")

// ConfirmRequest asks the gateway to confirm a payment for the merchant order reference.
type ConfirmRequest struct {
	PaymentKey string
	OrderID    string
	// Amount is the server-held order total the gateway must approve.
	Amount int64
}

// Confirmation normalises gateway specific confirmation responses.
type Confirmation struct {
	Provider   string
	PaymentKey string
	OrderID    string
	Status     Status
	Amount     int64
	Method     string
	ApprovedAt *time.Time
	Raw        map[string]any
}

// Succeeded reports whether the gateway approved the payment.
func (c Confirmation) Succeeded() bool {
	return c.Status == StatusSucceeded
}

// GatewayError carries the gateway's diagnostic code and message.
type GatewayError struct {
	Provider   string
	HTTPStatus int
	Code       string
	Message    string
	Err        error
}

func (e *GatewayError) Error() string {
	if e == nil {
		return ""
	}
	msg := fmt.Sprintf("%s: gateway error", e.Provider)
	if e.Code != "" {
		msg += " " + e.Code
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *GatewayError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Gateway defines the contract for payment gateway adapters.
type Gateway interface {
	Confirm(ctx context.Context, req ConfirmRequest) (Confirmation, error)
}

// Manager coordinates provider selection.
type Manager struct {
	providers       map[string]Gateway
	defaultProvider string
}

// ManagerOption configures optional behaviour when building a Manager.
type ManagerOption func(*Manager)

// WithDefaultProvider overrides the provider used when callers express no preference.
func WithDefaultProvider(provider string) ManagerOption {
	return func(m *Manager) {
		m.defaultProvider = strings.ToLower(strings.TrimSpace(provider))
	}
}

// NewManager constructs a Manager over the supplied providers. toss is the default when registered.
func NewManager(providers map[string]Gateway, opts ...ManagerOption) (*Manager, error) {
	if len(providers) == 0 {
		return nil, errors.New("payments: at least one provider is required")
	}
	copyMap := make(map[string]Gateway, len(providers))
	for k, v := range providers {
		key := strings.TrimSpace(strings.ToLower(k))
		if key == "" || v == nil {
			return nil, fmt.Errorf("payments: invalid provider registration for key %q", k)
		}
		copyMap[key] = v
	}
	m := &Manager{providers: copyMap}
	if _, ok := copyMap[ProviderToss]; ok {
		m.defaultProvider = ProviderToss
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

func (m *Manager) resolve(preferred string) (string, Gateway, error) {
	if m == nil || len(m.providers) == 0 {
		return "", nil, errors.New("payments: no providers registered")
	}
	if provider := strings.TrimSpace(strings.ToLower(preferred)); provider != "" {
		if p, ok := m.providers[provider]; ok {
			return provider, p, nil
		}
		return "", nil, fmt.Errorf("%w: %s", ErrUnsupportedProvider, provider)
	}
	if p, ok := m.providers[m.defaultProvider]; ok {
		return m.defaultProvider, p, nil
	}
	if len(m.providers) == 1 {
		for key, p := range m.providers {
			return key, p, nil
		}
	}
	return "", nil, ErrUnsupportedProvider
}

// Confirm delegates to the preferred provider, or the default one when preferred is empty.
func (m *Manager) Confirm(ctx context.Context, preferred string, req ConfirmRequest) (Confirmation, error) {
	key, provider, err := m.resolve(preferred)
	if err != nil {
		return Confirmation{}, err
	}
	confirmation, err := provider.Confirm(ctx, req)
	if err != nil {
		return Confirmation{}, err
	}
	if confirmation.Provider == "" {
		confirmation.Provider = key
	}
	return confirmation, nil
}
