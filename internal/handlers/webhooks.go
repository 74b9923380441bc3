package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/carawoo/mereal/internal/platform/auth"
	"github.com/carawoo/mereal/internal/platform/httpx"
	"github.com/carawoo/mereal/internal/platform/requestctx"
	"github.com/carawoo/mereal/internal/services"
)

const (
	maxWebhookBodySize = 64 * 1024
	tossWebhookSecret  = "toss"
	tossStatusDone     = "DONE"
	tossProvider       = "toss"
)

type tossWebhookData struct {
	PaymentKey  string `json:"paymentKey"`
	OrderID     string `json:"orderId"`
	Status      string `json:"status"`
	TotalAmount int64  `json:"totalAmount"`
}

// tossWebhookRequest accepts the flat form and the gateway's {eventType, data} envelope.
type tossWebhookRequest struct {
	tossWebhookData
	EventType string           `json:"eventType"`
	Data      *tossWebhookData `json:"data"`
}

type webhookAckPayload struct {
	Accepted bool   `json:"accepted"`
	OrderID  string `json:"orderId,omitempty"`
	Status   string `json:"status,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// WebhookHandlers receives signed gateway callbacks.
type WebhookHandlers struct {
	hmac     *auth.HMACValidator
	payments services.PaymentVerificationService
}

// NewWebhookHandlers constructs the /webhooks handlers.
func NewWebhookHandlers(hmac *auth.HMACValidator, payments services.PaymentVerificationService) *WebhookHandlers {
	return &WebhookHandlers{
		hmac:     hmac,
		payments: payments,
	}
}

// Routes registers the /webhooks endpoints.
func (h *WebhookHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	toss := r
	if h.hmac != nil {
		toss = r.With(h.hmac.RequireHMAC(tossWebhookSecret))
	}
	toss.Post("/payments/toss", h.tossPayment)
}

// tossPayment re-confirms DONE payments with the gateway. Outcomes that a redelivery cannot change
// are acknowledged with 200 so the gateway stops retrying; storage failures answer 503.
func (h *WebhookHandlers) tossPayment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.payments == nil {
		writeUnavailable(ctx, w, "payment service")
		return
	}

	var req tossWebhookRequest
	if !decodeJSONBody(w, r, maxWebhookBodySize, &req) {
		return
	}
	data := req.tossWebhookData
	if req.Data != nil {
		data = *req.Data
	}
	data.PaymentKey = strings.TrimSpace(data.PaymentKey)
	data.OrderID = strings.TrimSpace(data.OrderID)
	if data.PaymentKey == "" || data.OrderID == "" {
		writeValidation(ctx, w, "paymentKey and orderId are required")
		return
	}

	logger := requestctx.Logger(ctx).With(
		zap.String("orderId", data.OrderID),
		zap.String("gatewayStatus", data.Status),
		zap.String("eventType", req.EventType),
	)
	if !strings.EqualFold(strings.TrimSpace(data.Status), tossStatusDone) {
		logger.Info("toss webhook ignored")
		httpx.WriteJSON(w, http.StatusOK, webhookAckPayload{Accepted: false, OrderID: data.OrderID, Reason: "status_ignored"})
		return
	}

	result, err := h.payments.VerifyAndApply(ctx, services.VerifyPaymentCommand{
		PaymentKey:    data.PaymentKey,
		OrderID:       data.OrderID,
		ClaimedAmount: data.TotalAmount,
		Provider:      tossProvider,
	})
	if err != nil {
		if errors.Is(err, services.ErrPersistence) || errors.Is(err, services.ErrConflict) {
			writeServiceError(ctx, w, err)
			return
		}
		logger.Warn("toss webhook rejected", zap.Error(err))
		httpx.WriteJSON(w, http.StatusOK, webhookAckPayload{Accepted: false, OrderID: data.OrderID, Reason: webhookRejectReason(err)})
		return
	}

	logger.Info("toss webhook applied", zap.Bool("alreadyApplied", result.AlreadyApplied))
	httpx.WriteJSON(w, http.StatusOK, webhookAckPayload{
		Accepted: true,
		OrderID:  result.Order.ID,
		Status:   string(result.Order.Status),
	})
}

func webhookRejectReason(err error) string {
	for _, entry := range serviceErrorKinds {
		if errors.Is(err, entry.target) {
			return entry.kind
		}
	}
	return httpx.KindInternal
}
