package payments

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/client"
)

// ProviderStripe is the registration key of the Stripe gateway.
const ProviderStripe = "stripe"

const stripeOrderMetadataKey = "order_id"

// StripeLogger defines the logging contract for Stripe provider operations.
type StripeLogger func(ctx context.Context, event string, fields map[string]any)

type stripePaymentIntentAPI interface {
	Get(id string, params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
}

// StripeProviderConfig configures the StripeProvider.
type StripeProviderConfig struct {
	APIKey    string
	AccountID string
	Backends  *stripe.Backends
	Logger    StripeLogger
	intents   stripePaymentIntentAPI
}

// StripeProvider confirms payments by inspecting the PaymentIntent named by the payment reference.
type StripeProvider struct {
	intents stripePaymentIntentAPI
	account string
	logger  StripeLogger
}

// NewStripeProvider constructs a Stripe provider using the given configuration.
func NewStripeProvider(cfg StripeProviderConfig) (*StripeProvider, error) {
	intents := cfg.intents
	if intents == nil {
		apiKey := strings.TrimSpace(cfg.APIKey)
		if apiKey == "" {
			return nil, errors.New("stripe: api key is required")
		}
		intents = client.New(apiKey, cfg.Backends).PaymentIntents
	}
	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &StripeProvider{
		intents: intents,
		account: strings.TrimSpace(cfg.AccountID),
		logger:  logger,
	}, nil
}

// Confirm looks up the PaymentIntent. It is a confirmation only when the intent succeeded and its
// order_id metadata names the requested order.
func (p *StripeProvider) Confirm(ctx context.Context, req ConfirmRequest) (Confirmation, error) {
	if p == nil {
		return Confirmation{}, errors.New("stripe: provider is nil")
	}
	intentID := strings.TrimSpace(req.PaymentKey)
	if intentID == "" {
		return Confirmation{}, errors.New("stripe: payment intent id is required")
	}

	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	params.AddExpand("latest_charge")
	if p.account != "" {
		params.SetStripeAccount(p.account)
	}

	intent, err := p.intents.Get(intentID, params)
	if err != nil {
		gwErr := &GatewayError{Provider: ProviderStripe, Code: "LOOKUP_FAILED", Err: err}
		var stripeErr *stripe.Error
		if errors.As(err, &stripeErr) {
			gwErr.HTTPStatus = stripeErr.HTTPStatusCode
			gwErr.Code = string(stripeErr.Code)
			gwErr.Message = stripeErr.Msg
			gwErr.Err = nil
		}
		return Confirmation{}, gwErr
	}
	if intent == nil {
		return Confirmation{}, &GatewayError{Provider: ProviderStripe, Code: "EMPTY_RESPONSE"}
	}
	if orderID := intent.Metadata[stripeOrderMetadataKey]; orderID != req.OrderID {
		return Confirmation{}, &GatewayError{
			Provider: ProviderStripe,
			Code:     "ORDER_MISMATCH",
			Message:  "payment intent does not belong to order " + req.OrderID,
		}
	}

	confirmation := stripeConfirmation(intent)
	confirmation.OrderID = req.OrderID
	p.logger(ctx, "payments.stripe.intent.checked", map[string]any{
		"paymentIntent": intent.ID,
		"status":        intent.Status,
		"orderId":       req.OrderID,
	})
	return confirmation, nil
}

func stripeConfirmation(intent *stripe.PaymentIntent) Confirmation {
	status := StatusPending
	switch intent.Status {
	case stripe.PaymentIntentStatusSucceeded:
		status = StatusSucceeded
	case stripe.PaymentIntentStatusCanceled:
		status = StatusFailed
	}

	method := ""
	if intent.PaymentMethod != nil && intent.PaymentMethod.Type != "" {
		method = string(intent.PaymentMethod.Type)
	} else if len(intent.PaymentMethodTypes) > 0 {
		method = intent.PaymentMethodTypes[0]
	}

	var approvedAt *time.Time
	if charge := intent.LatestCharge; charge != nil && charge.Created > 0 {
		t := time.Unix(charge.Created, 0).UTC()
		approvedAt = &t
	} else if intent.Created > 0 && status == StatusSucceeded {
		t := time.Unix(intent.Created, 0).UTC()
		approvedAt = &t
	}

	raw := map[string]any{}
	if data, err := json.Marshal(intent); err == nil {
		_ = json.Unmarshal(data, &raw)
	}

	return Confirmation{
		Provider:   ProviderStripe,
		PaymentKey: intent.ID,
		Status:     status,
		Amount:     intent.AmountReceived,
		Method:     method,
		ApprovedAt: approvedAt,
		Raw:        raw,
	}
}
