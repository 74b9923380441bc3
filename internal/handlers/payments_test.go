package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/carawoo/mereal/internal/domain"
	"github.com/carawoo/mereal/internal/platform/auth"
	"github.com/carawoo/mereal/internal/services"
)

type stubPaymentService struct {
	verifyFn func(context.Context, services.VerifyPaymentCommand) (services.PaymentVerificationResult, error)
	calls    int
}

func (s *stubPaymentService) VerifyAndApply(ctx context.Context, cmd services.VerifyPaymentCommand) (services.PaymentVerificationResult, error) {
	s.calls++
	if s.verifyFn != nil {
		return s.verifyFn(ctx, cmd)
	}
	return services.PaymentVerificationResult{}, errors.New("not implemented")
}

func newPaymentRouter(svc services.PaymentVerificationService) chi.Router {
	router := chi.NewRouter()
	router.Route("/payments", NewPaymentHandlers(nil, svc, nil).Routes)
	return router
}

func TestPaymentHandlersVerify(t *testing.T) {
	approved := time.Date(2024, 5, 1, 10, 5, 0, 0, time.UTC)
	var captured services.VerifyPaymentCommand
	svc := &stubPaymentService{
		verifyFn: func(_ context.Context, cmd services.VerifyPaymentCommand) (services.PaymentVerificationResult, error) {
			captured = cmd
			order := sampleOrder(cmd.OrderID, cmd.UserID, domain.OrderStatusProcessing)
			return services.PaymentVerificationResult{
				Order: order,
				Payment: &services.Payment{
					ID:         "pay_1",
					OrderID:    cmd.OrderID,
					Provider:   "toss",
					PaymentKey: cmd.PaymentKey,
					Amount:     8000,
					Status:     domain.PaymentStatusCompleted,
					Method:     "CARD",
					ApprovedAt: &approved,
					CreatedAt:  approved,
				},
			}, nil
		},
	}

	body := `{"paymentKey":"pk_1","orderId":" ord_1 ","amount":1}`
	rr := httptest.NewRecorder()
	newPaymentRouter(svc).ServeHTTP(rr, withUser(httptest.NewRequest(http.MethodPost, "/payments/verify", strings.NewReader(body)), "user-1"))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if captured.PaymentKey != "pk_1" || captured.OrderID != "ord_1" || captured.UserID != "user-1" {
		t.Fatalf("unexpected command %+v", captured)
	}
	if captured.ClaimedAmount != 1 {
		t.Fatalf("expected claimed amount to be forwarded, got %d", captured.ClaimedAmount)
	}

	var payload struct {
		Data struct {
			Order struct {
				Status     string  `json:"status"`
				AdminNotes *string `json:"adminNotes"`
			} `json:"order"`
			Payment *struct {
				Amount int64  `json:"amount"`
				Status string `json:"status"`
			} `json:"payment"`
			AlreadyApplied bool `json:"alreadyApplied"`
		} `json:"data"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload.Data.Order.Status != "processing" || payload.Data.AlreadyApplied {
		t.Fatalf("unexpected payload %+v", payload.Data)
	}
	if payload.Data.Order.AdminNotes != nil {
		t.Fatalf("expected admin notes to stay hidden from customers")
	}
	if payload.Data.Payment == nil || payload.Data.Payment.Amount != 8000 || payload.Data.Payment.Status != "completed" {
		t.Fatalf("unexpected payment %+v", payload.Data.Payment)
	}
}

func TestPaymentHandlersVerifyPrefersPaymentReference(t *testing.T) {
	var captured services.VerifyPaymentCommand
	svc := &stubPaymentService{
		verifyFn: func(_ context.Context, cmd services.VerifyPaymentCommand) (services.PaymentVerificationResult, error) {
			captured = cmd
			return services.PaymentVerificationResult{Order: sampleOrder(cmd.OrderID, cmd.UserID, domain.OrderStatusProcessing), AlreadyApplied: true}, nil
		},
	}
	body := `{"paymentReference":"ref_1","paymentKey":"pk_1","orderId":"ord_1","provider":"stripe"}`
	rr := httptest.NewRecorder()
	newPaymentRouter(svc).ServeHTTP(rr, withUser(httptest.NewRequest(http.MethodPost, "/payments/verify", strings.NewReader(body)), "user-1"))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if captured.PaymentKey != "ref_1" || captured.Provider != "stripe" {
		t.Fatalf("unexpected command %+v", captured)
	}
}

func TestPaymentHandlersVerifyErrors(t *testing.T) {
	cases := []struct {
		name   string
		body   string
		err    error
		status int
		kind   string
	}{
		{"missing reference", `{"orderId":"ord_1"}`, nil, http.StatusBadRequest, "validation"},
		{"missing order", `{"paymentKey":"pk_1"}`, nil, http.StatusBadRequest, "validation"},
		{"gateway rejected", `{"paymentKey":"pk_1","orderId":"ord_1"}`, fmt.Errorf("%w: toss status ABORTED", services.ErrVerificationFailed), http.StatusPaymentRequired, "verification_failed"},
		{"amount mismatch", `{"paymentKey":"pk_1","orderId":"ord_1"}`, fmt.Errorf("%w: expected 8000, paid 100", services.ErrAmountMismatch), http.StatusConflict, "amount_mismatch"},
		{"cancelled order", `{"paymentKey":"pk_1","orderId":"ord_1"}`, fmt.Errorf("%w: cancelled -> processing", services.ErrInvalidTransition), http.StatusConflict, "invalid_transition"},
		{"foreign order", `{"paymentKey":"pk_1","orderId":"ord_1"}`, fmt.Errorf("%w: order belongs to another user", services.ErrForbidden), http.StatusForbidden, "forbidden"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			svc := &stubPaymentService{
				verifyFn: func(context.Context, services.VerifyPaymentCommand) (services.PaymentVerificationResult, error) {
					return services.PaymentVerificationResult{}, tc.err
				},
			}
			rr := httptest.NewRecorder()
			newPaymentRouter(svc).ServeHTTP(rr, withUser(httptest.NewRequest(http.MethodPost, "/payments/verify", strings.NewReader(tc.body)), "user-1"))
			if rr.Code != tc.status {
				t.Fatalf("expected %d, got %d: %s", tc.status, rr.Code, rr.Body.String())
			}
			if kind := decodeEnvelope(t, rr).Error.Kind; kind != tc.kind {
				t.Fatalf("expected kind %s, got %s", tc.kind, kind)
			}
			if tc.err == nil && svc.calls != 0 {
				t.Fatalf("expected validation to short-circuit the service")
			}
		})
	}
}

func TestPaymentHandlersRequireIdentity(t *testing.T) {
	svc := &stubPaymentService{}
	rr := httptest.NewRecorder()
	newPaymentRouter(svc).ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/payments/verify", strings.NewReader(`{"paymentKey":"pk_1","orderId":"ord_1"}`)))
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
	if svc.calls != 0 {
		t.Fatalf("expected no service call")
	}
}

type webhookAck struct {
	Data webhookAckPayload `json:"data"`
}

func postWebhook(t *testing.T, router http.Handler, body string) (*httptest.ResponseRecorder, webhookAck) {
	t.Helper()
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/webhooks/payments/toss", strings.NewReader(body)))
	var ack webhookAck
	if rr.Code == http.StatusOK {
		if err := json.Unmarshal(rr.Body.Bytes(), &ack); err != nil {
			t.Fatalf("decode ack: %v", err)
		}
	}
	return rr, ack
}

func newWebhookRouter(validator *auth.HMACValidator, svc services.PaymentVerificationService) chi.Router {
	router := chi.NewRouter()
	router.Route("/webhooks", NewWebhookHandlers(validator, svc).Routes)
	return router
}

func TestWebhookIgnoresNonTerminalStatus(t *testing.T) {
	svc := &stubPaymentService{}
	rr, ack := postWebhook(t, newWebhookRouter(nil, svc), `{"paymentKey":"pk_1","orderId":"ord_1","status":"WAITING_FOR_DEPOSIT"}`)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if ack.Data.Accepted || ack.Data.Reason != "status_ignored" {
		t.Fatalf("unexpected ack %+v", ack.Data)
	}
	if svc.calls != 0 {
		t.Fatalf("expected no verification for ignored statuses")
	}
}

func TestWebhookAppliesDonePayment(t *testing.T) {
	var captured services.VerifyPaymentCommand
	svc := &stubPaymentService{
		verifyFn: func(_ context.Context, cmd services.VerifyPaymentCommand) (services.PaymentVerificationResult, error) {
			captured = cmd
			return services.PaymentVerificationResult{Order: sampleOrder(cmd.OrderID, "user-1", domain.OrderStatusProcessing)}, nil
		},
	}
	body := `{"eventType":"PAYMENT_STATUS_CHANGED","data":{"paymentKey":"pk_1","orderId":"ord_1","status":"DONE","totalAmount":8000}}`
	rr, ack := postWebhook(t, newWebhookRouter(nil, svc), body)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if !ack.Data.Accepted || ack.Data.OrderID != "ord_1" || ack.Data.Status != "processing" {
		t.Fatalf("unexpected ack %+v", ack.Data)
	}
	if captured.Provider != "toss" || captured.UserID != "" || captured.ClaimedAmount != 8000 {
		t.Fatalf("unexpected command %+v", captured)
	}
}

func TestWebhookErrorHandling(t *testing.T) {
	cases := []struct {
		name     string
		err      error
		status   int
		reason   string
		accepted bool
	}{
		{"amount mismatch is acknowledged", fmt.Errorf("%w: expected 8000, paid 100", services.ErrAmountMismatch), http.StatusOK, "amount_mismatch", false},
		{"unknown order is acknowledged", fmt.Errorf("%w: order ord_1", services.ErrNotFound), http.StatusOK, "not_found", false},
		{"storage failure is retried", fmt.Errorf("%w: tx: conn closed", services.ErrPersistence), http.StatusServiceUnavailable, "", false},
		{"concurrent update is retried", fmt.Errorf("%w: order ord_1 was modified", services.ErrConflict), http.StatusConflict, "", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			svc := &stubPaymentService{
				verifyFn: func(context.Context, services.VerifyPaymentCommand) (services.PaymentVerificationResult, error) {
					return services.PaymentVerificationResult{}, tc.err
				},
			}
			rr, ack := postWebhook(t, newWebhookRouter(nil, svc), `{"paymentKey":"pk_1","orderId":"ord_1","status":"DONE"}`)
			if rr.Code != tc.status {
				t.Fatalf("expected %d, got %d: %s", tc.status, rr.Code, rr.Body.String())
			}
			if rr.Code == http.StatusOK && (ack.Data.Accepted != tc.accepted || ack.Data.Reason != tc.reason) {
				t.Fatalf("unexpected ack %+v", ack.Data)
			}
		})
	}
}

func TestWebhookRequiresSignature(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Second)
	validator := auth.NewHMACValidator(auth.StaticSecrets{"toss": "whsec-test"}, auth.NewInMemoryNonceStore(),
		auth.WithHMACClock(func() time.Time { return now }),
	)
	svc := &stubPaymentService{
		verifyFn: func(_ context.Context, cmd services.VerifyPaymentCommand) (services.PaymentVerificationResult, error) {
			return services.PaymentVerificationResult{Order: sampleOrder(cmd.OrderID, "user-1", domain.OrderStatusProcessing)}, nil
		},
	}
	router := newWebhookRouter(validator, svc)
	body := []byte(`{"paymentKey":"pk_1","orderId":"ord_1","status":"DONE"}`)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/webhooks/payments/toss", bytes.NewReader(body)))
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected unsigned webhook to be rejected, got %d", rr.Code)
	}
	if svc.calls != 0 {
		t.Fatalf("expected no verification for unsigned webhooks")
	}

	timestamp := now.Format(time.RFC3339)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/payments/toss", bytes.NewReader(body))
	req.Header.Set("X-Signature", auth.SignRequest([]byte("whsec-test"), http.MethodPost, "/webhooks/payments/toss", body, timestamp, "n-1"))
	req.Header.Set("X-Signature-Timestamp", timestamp)
	req.Header.Set("X-Signature-Nonce", "n-1")
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected signed webhook to be accepted, got %d: %s", rr.Code, rr.Body.String())
	}
	if svc.calls != 1 {
		t.Fatalf("expected one verification, got %d", svc.calls)
	}
}

var _ services.PaymentVerificationService = (*stubPaymentService)(nil)
