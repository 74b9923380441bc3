package handlers

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/carawoo/mereal/internal/platform/auth"
	"github.com/carawoo/mereal/internal/platform/httpx"
	"github.com/carawoo/mereal/internal/platform/observability"
	"github.com/carawoo/mereal/internal/services"
)

const maxPaymentBodySize = 4 * 1024

type verifyPaymentRequest struct {
	PaymentReference string `json:"paymentReference"`
	PaymentKey       string `json:"paymentKey"`
	OrderID          string `json:"orderId"`
	Amount           int64  `json:"amount"`
	Provider         string `json:"provider"`
}

type paymentVerificationPayload struct {
	Order          orderPayload         `json:"order"`
	Payment        *orderPaymentPayload `json:"payment,omitempty"`
	AlreadyApplied bool                 `json:"alreadyApplied"`
}

// PaymentHandlers confirms gateway payments on behalf of the paying customer.
type PaymentHandlers struct {
	authn       *auth.Authenticator
	payments    services.PaymentVerificationService
	idempotency Middleware
}

// NewPaymentHandlers constructs the /payments handlers.
func NewPaymentHandlers(authn *auth.Authenticator, payments services.PaymentVerificationService, idempotency Middleware) *PaymentHandlers {
	return &PaymentHandlers{
		authn:       authn,
		payments:    payments,
		idempotency: idempotency,
	}
}

// Routes registers the /payments endpoints.
func (h *PaymentHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireFirebaseAuth(), observability.CaptureIdentity, identityRateLimit)
	}
	r.With(nonNil(h.idempotency)...).Post("/verify", h.verify)
}

func (h *PaymentHandlers) verify(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.payments == nil {
		writeUnavailable(ctx, w, "payment service")
		return
	}
	identity, ok := requireIdentity(r)
	if !ok {
		writeUnauthenticated(ctx, w)
		return
	}

	var req verifyPaymentRequest
	if !decodeJSONBody(w, r, maxPaymentBodySize, &req) {
		return
	}
	paymentKey := firstNonEmpty(req.PaymentReference, req.PaymentKey)
	if paymentKey == "" {
		writeValidation(ctx, w, "paymentReference is required")
		return
	}
	if strings.TrimSpace(req.OrderID) == "" {
		writeValidation(ctx, w, "orderId is required")
		return
	}

	result, err := h.payments.VerifyAndApply(ctx, services.VerifyPaymentCommand{
		PaymentKey:    paymentKey,
		OrderID:       strings.TrimSpace(req.OrderID),
		ClaimedAmount: req.Amount,
		Provider:      strings.TrimSpace(req.Provider),
		UserID:        identity.UID,
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, buildVerificationPayload(result))
}

func buildVerificationPayload(result services.PaymentVerificationResult) paymentVerificationPayload {
	payload := paymentVerificationPayload{
		Order:          buildOrderPayload(result.Order, false),
		AlreadyApplied: result.AlreadyApplied,
	}
	if result.Payment != nil {
		payment := buildPaymentPayload(*result.Payment)
		payload.Payment = &payment
	}
	return payload
}
