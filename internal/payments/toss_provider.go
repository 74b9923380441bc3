package payments

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ProviderToss is the registration key of the Toss Payments gateway.
const ProviderToss = "toss"

const (
	tossStatusDone     = "DONE"
	tossStatusAborted  = "ABORTED"
	tossStatusExpired  = "EXPIRED"
	tossStatusCanceled = "CANCELED"

	maxTossResponseBytes = 1 << 20
)

// TossLogger defines the logging contract for Toss provider operations.
type TossLogger func(ctx context.Context, event string, fields map[string]any)

// TossProviderConfig configures the TossProvider.
type TossProviderConfig struct {
	BaseURL    string
	SecretKey  string
	HTTPClient *http.Client
	Logger     TossLogger
}

// TossProvider confirms payments against the Toss Payments REST API.
type TossProvider struct {
	baseURL string
	auth    string
	client  *http.Client
	logger  TossLogger
}

type tossConfirmRequest struct {
	OrderID string `json:"orderId"`
	Amount  int64  `json:"amount"`
}

type tossPayment struct {
	PaymentKey  string `json:"paymentKey"`
	OrderID     string `json:"orderId"`
	Status      string `json:"status"`
	TotalAmount int64  `json:"totalAmount"`
	Method      string `json:"method"`
	ApprovedAt  string `json:"approvedAt"`
}

type tossError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewTossProvider constructs a Toss provider. The secret key never leaves the server.
func NewTossProvider(cfg TossProviderConfig) (*TossProvider, error) {
	secret := strings.TrimSpace(cfg.SecretKey)
	if secret == "" {
		return nil, errors.New("toss: secret key is required")
	}
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, errors.New("toss: base url is required")
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("toss: invalid base url: %w", err)
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &TossProvider{
		baseURL: base,
		auth:    "Basic " + base64.StdEncoding.EncodeToString([]byte(secret+":")),
		client:  client,
		logger:  logger,
	}, nil
}

// Confirm posts {orderId, amount} to /v1/payments/{paymentKey}. HTTP failures surface as *GatewayError.
func (p *TossProvider) Confirm(ctx context.Context, req ConfirmRequest) (Confirmation, error) {
	if p == nil {
		return Confirmation{}, errors.New("toss: provider is nil")
	}
	paymentKey := strings.TrimSpace(req.PaymentKey)
	if paymentKey == "" {
		return Confirmation{}, errors.New("toss: payment key is required")
	}

	body, err := json.Marshal(tossConfirmRequest{OrderID: req.OrderID, Amount: req.Amount})
	if err != nil {
		return Confirmation{}, fmt.Errorf("toss: encode request: %w", err)
	}
	endpoint := p.baseURL + "/v1/payments/" + url.PathEscape(paymentKey)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return Confirmation{}, fmt.Errorf("toss: build request: %w", err)
	}
	httpReq.Header.Set("Authorization", p.auth)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Idempotency-Key", paymentKey)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return Confirmation{}, &GatewayError{Provider: ProviderToss, Code: "NETWORK_ERROR", Err: err}
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxTossResponseBytes))
	if err != nil {
		return Confirmation{}, &GatewayError{Provider: ProviderToss, HTTPStatus: resp.StatusCode, Code: "READ_ERROR", Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr tossError
		_ = json.Unmarshal(payload, &apiErr)
		p.logger(ctx, "payments.toss.confirm.rejected", map[string]any{
			"orderId":    req.OrderID,
			"httpStatus": resp.StatusCode,
			"code":       apiErr.Code,
		})
		return Confirmation{}, &GatewayError{
			Provider:   ProviderToss,
			HTTPStatus: resp.StatusCode,
			Code:       apiErr.Code,
			Message:    apiErr.Message,
		}
	}

	var payment tossPayment
	if err := json.Unmarshal(payload, &payment); err != nil {
		return Confirmation{}, &GatewayError{Provider: ProviderToss, HTTPStatus: resp.StatusCode, Code: "INVALID_RESPONSE", Err: err}
	}
	if payment.OrderID != "" && payment.OrderID != req.OrderID {
		return Confirmation{}, &GatewayError{
			Provider:   ProviderToss,
			HTTPStatus: resp.StatusCode,
			Code:       "ORDER_MISMATCH",
			Message:    fmt.Sprintf("gateway confirmed order %s", payment.OrderID),
		}
	}

	raw := map[string]any{}
	_ = json.Unmarshal(payload, &raw)

	confirmation := Confirmation{
		Provider:   ProviderToss,
		PaymentKey: paymentKey,
		OrderID:    req.OrderID,
		Status:     tossStatus(payment.Status),
		Amount:     payment.TotalAmount,
		Method:     payment.Method,
		Raw:        raw,
	}
	if payment.PaymentKey != "" {
		confirmation.PaymentKey = payment.PaymentKey
	}
	if approved, err := time.Parse(time.RFC3339, payment.ApprovedAt); err == nil {
		approved = approved.UTC()
		confirmation.ApprovedAt = &approved
	}

	p.logger(ctx, "payments.toss.confirm.completed", map[string]any{
		"orderId": req.OrderID,
		"status":  payment.Status,
		"amount":  payment.TotalAmount,
	})
	return confirmation, nil
}

func tossStatus(status string) Status {
	switch strings.ToUpper(strings.TrimSpace(status)) {
	case tossStatusDone:
		return StatusSucceeded
	case tossStatusAborted, tossStatusExpired, tossStatusCanceled:
		return StatusFailed
	default:
		return StatusPending
	}
}
