package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	domain "github.com/carawoo/mereal/internal/domain"
	"github.com/carawoo/mereal/internal/payments"
	"github.com/carawoo/mereal/internal/repositories"
)

const defaultGatewayTimeout = 10 * time.Second

// paymentGateway abstracts payments.Manager for easier testing.
type paymentGateway interface {
	Confirm(ctx context.Context, provider string, req payments.ConfirmRequest) (payments.Confirmation, error)
}

// PaymentVerificationServiceDeps bundles collaborators required to construct the verification service.
type PaymentVerificationServiceDeps struct {
	Orders     repositories.OrderRepository
	Payments   repositories.PaymentRepository
	History    repositories.OrderStatusHistoryRepository
	UnitOfWork repositories.UnitOfWork
	Gateway    paymentGateway
	// GatewayTimeout bounds each gateway call. Defaults to 10s.
	GatewayTimeout time.Duration
	Clock          func() time.Time
	IDGenerator    func() string
	PaymentIDs     func() string
	Events         OrderEventPublisher
	Logger         func(ctx context.Context, event string, fields map[string]any)
}

type paymentVerificationService struct {
	orders   repositories.OrderRepository
	payments repositories.PaymentRepository
	unit     repositories.UnitOfWork
	gateway  paymentGateway
	timeout  time.Duration
	clock    func() time.Time
	newPayID func() string
	events   OrderEventPublisher
	logger   func(context.Context, string, map[string]any)
	machine  *orderStateMachine
	messages *orderMessages
}

// NewPaymentVerificationService wires dependencies into a PaymentVerificationService.
func NewPaymentVerificationService(deps PaymentVerificationServiceDeps) (PaymentVerificationService, error) {
	if deps.Orders == nil {
		return nil, errors.New("payment verification service: order repository is required")
	}
	if deps.Payments == nil {
		return nil, errors.New("payment verification service: payment repository is required")
	}
	if deps.History == nil {
		return nil, errors.New("payment verification service: history repository is required")
	}
	if deps.Gateway == nil {
		return nil, errors.New("payment verification service: gateway is required")
	}

	unit := deps.UnitOfWork
	if unit == nil {
		unit = noopUnitOfWork{}
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string { return ulid.Make().String() }
	}
	payIDs := deps.PaymentIDs
	if payIDs == nil {
		payIDs = func() string { return uuid.NewString() }
	}
	timeout := deps.GatewayTimeout
	if timeout <= 0 {
		timeout = defaultGatewayTimeout
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	utcClock := func() time.Time { return clock().UTC() }
	return &paymentVerificationService{
		orders:   deps.Orders,
		payments: deps.Payments,
		unit:     unit,
		gateway:  deps.Gateway,
		timeout:  timeout,
		clock:    utcClock,
		newPayID: payIDs,
		events:   deps.Events,
		logger:   logger,
		machine: &orderStateMachine{
			orders:  deps.Orders,
			history: deps.History,
			unit:    unit,
			clock:   utcClock,
			newID:   idGen,
		},
		messages: newOrderMessages(),
	}, nil
}

func (s *paymentVerificationService) VerifyAndApply(ctx context.Context, cmd VerifyPaymentCommand) (PaymentVerificationResult, error) {
	paymentKey := strings.TrimSpace(cmd.PaymentKey)
	orderID := strings.TrimSpace(cmd.OrderID)
	if paymentKey == "" || orderID == "" {
		return PaymentVerificationResult{}, fmt.Errorf("%w: payment reference and order id are required", ErrValidation)
	}

	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return PaymentVerificationResult{}, mapRepositoryError("order.get", err)
	}
	if owner := strings.TrimSpace(cmd.UserID); owner != "" && order.UserID != owner {
		return PaymentVerificationResult{}, fmt.Errorf("%w: order %s belongs to another user", ErrForbidden, orderID)
	}

	if result, done, err := s.alreadyApplied(ctx, order); done || err != nil {
		return result, err
	}

	if cmd.ClaimedAmount != 0 && cmd.ClaimedAmount != order.TotalAmount {
		s.logger(ctx, "payment.verify.claimed_amount_mismatch", map[string]any{
			"orderId": orderID,
			"claimed": cmd.ClaimedAmount,
			"stored":  order.TotalAmount,
		})
	}

	confirmation, err := s.confirm(ctx, cmd.Provider, payments.ConfirmRequest{
		PaymentKey: paymentKey,
		OrderID:    order.ID,
		Amount:     order.TotalAmount,
	})
	if err != nil {
		return PaymentVerificationResult{}, err
	}
	if confirmation.Amount != order.TotalAmount {
		s.logger(ctx, "payment.verify.amount_mismatch", map[string]any{
			"orderId":   orderID,
			"confirmed": confirmation.Amount,
			"stored":    order.TotalAmount,
			"provider":  confirmation.Provider,
		})
		return PaymentVerificationResult{}, fmt.Errorf("%w: gateway confirmed %d but order total is %d", ErrAmountMismatch, confirmation.Amount, order.TotalAmount)
	}

	now := s.clock()
	payment := Payment{
		ID:         s.newPayID(),
		OrderID:    order.ID,
		Provider:   confirmation.Provider,
		PaymentKey: paymentKey,
		Amount:     confirmation.Amount,
		Status:     domain.PaymentStatusCompleted,
		Method:     confirmation.Method,
		ApprovedAt: confirmation.ApprovedAt,
		Raw:        confirmation.Raw,
		CreatedAt:  now,
	}
	if payment.ApprovedAt == nil {
		payment.ApprovedAt = &now
	}
	if order.Status != domain.OrderStatusPending {
		return s.recordPayment(ctx, order, payment)
	}

	updated, _, err := s.machine.apply(ctx, orderTransition{
		order:   order,
		target:  domain.OrderStatusProcessing,
		comment: s.messages.text("", msgPaymentCompleted),
		actorID: SystemActorID,
		within: func(txCtx context.Context, _ Order) error {
			if err := s.payments.Insert(txCtx, payment); err != nil {
				return mapRepositoryError("payment.insert", err)
			}
			return nil
		},
	})
	if err != nil {
		if errors.Is(err, ErrConflict) {
			return s.resolveRace(ctx, orderID, err)
		}
		return PaymentVerificationResult{}, err
	}

	s.logger(ctx, "payment.verify.applied", map[string]any{
		"orderId":  updated.ID,
		"provider": payment.Provider,
		"amount":   payment.Amount,
	})
	publishOrderEvent(ctx, s.events, s.logger, OrderEvent{
		Type:           OrderEventPaid,
		OrderID:        updated.ID,
		UserID:         updated.UserID,
		PreviousStatus: string(order.Status),
		Status:         string(updated.Status),
		ActorID:        SystemActorID,
		Amount:         payment.Amount,
		OccurredAt:     now,
		Metadata: map[string]any{
			"provider":   payment.Provider,
			"paymentKey": paymentKey,
		},
	})
	return PaymentVerificationResult{Order: updated, Payment: &payment}, nil
}

// alreadyApplied reports the idempotent outcome for orders past pending that already hold a completed
// payment. An order an admin started without a payment is not done: its payment still gets recorded.
func (s *paymentVerificationService) alreadyApplied(ctx context.Context, order Order) (PaymentVerificationResult, bool, error) {
	if order.Status == domain.OrderStatusPending {
		return PaymentVerificationResult{}, false, nil
	}
	payment, err := s.completedPayment(ctx, order.ID)
	if err != nil {
		return PaymentVerificationResult{}, true, err
	}
	if payment == nil {
		if order.Status == domain.OrderStatusCancelled {
			return PaymentVerificationResult{}, true, fmt.Errorf("%w: order %s is cancelled", ErrInvalidTransition, order.ID)
		}
		return PaymentVerificationResult{}, false, nil
	}
	return PaymentVerificationResult{Order: order, Payment: payment, AlreadyApplied: true}, true, nil
}

// recordPayment stores a confirmed payment for an order that is already past pending. The status is
// left unchanged so no history row is written.
func (s *paymentVerificationService) recordPayment(ctx context.Context, order Order, payment Payment) (PaymentVerificationResult, error) {
	err := s.unit.RunInTx(ctx, func(txCtx context.Context) error {
		if err := s.payments.Insert(txCtx, payment); err != nil {
			return mapRepositoryError("payment.insert", err)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrConflict) {
			return s.resolveRace(ctx, order.ID, err)
		}
		return PaymentVerificationResult{}, err
	}

	s.logger(ctx, "payment.verify.recorded", map[string]any{
		"orderId":  order.ID,
		"status":   string(order.Status),
		"provider": payment.Provider,
		"amount":   payment.Amount,
	})
	publishOrderEvent(ctx, s.events, s.logger, OrderEvent{
		Type:           OrderEventPaid,
		OrderID:        order.ID,
		UserID:         order.UserID,
		PreviousStatus: string(order.Status),
		Status:         string(order.Status),
		ActorID:        SystemActorID,
		Amount:         payment.Amount,
		OccurredAt:     payment.CreatedAt,
		Metadata: map[string]any{
			"provider":   payment.Provider,
			"paymentKey": payment.PaymentKey,
		},
	})
	return PaymentVerificationResult{Order: order, Payment: &payment}, nil
}

func (s *paymentVerificationService) completedPayment(ctx context.Context, orderID string) (*Payment, error) {
	list, err := s.payments.ListByOrder(ctx, orderID)
	if err != nil {
		return nil, mapRepositoryError("payment.list", err)
	}
	for i := range list {
		if list[i].Status == domain.PaymentStatusCompleted {
			payment := list[i]
			return &payment, nil
		}
	}
	return nil, nil
}

func (s *paymentVerificationService) confirm(ctx context.Context, provider string, req payments.ConfirmRequest) (payments.Confirmation, error) {
	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	confirmation, err := s.gateway.Confirm(callCtx, provider, req)
	if err != nil {
		if errors.Is(err, payments.ErrUnsupportedProvider) {
			return payments.Confirmation{}, fmt.Errorf("%w: %w", ErrValidation, err)
		}
		fields := map[string]any{"orderId": req.OrderID, "error": err.Error()}
		var gwErr *payments.GatewayError
		if errors.As(err, &gwErr) {
			fields["code"] = gwErr.Code
			fields["httpStatus"] = gwErr.HTTPStatus
		}
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			fields["timeout"] = s.timeout.String()
			s.logger(ctx, "payment.verify.gateway_timeout", fields)
			return payments.Confirmation{}, fmt.Errorf("%w: gateway timed out after %s: %w", ErrVerificationFailed, s.timeout, err)
		}
		s.logger(ctx, "payment.verify.gateway_failed", fields)
		return payments.Confirmation{}, fmt.Errorf("%w: %w", ErrVerificationFailed, err)
	}
	if !confirmation.Succeeded() {
		s.logger(ctx, "payment.verify.not_confirmed", map[string]any{
			"orderId": req.OrderID,
			"status":  string(confirmation.Status),
		})
		return payments.Confirmation{}, fmt.Errorf("%w: gateway reported status %s", ErrVerificationFailed, confirmation.Status)
	}
	return confirmation, nil
}

// resolveRace reloads the order after a lost CAS or duplicate payment key. A concurrent verification
// that already moved the order past pending makes this call an idempotent success.
func (s *paymentVerificationService) resolveRace(ctx context.Context, orderID string, cause error) (PaymentVerificationResult, error) {
	current, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return PaymentVerificationResult{}, mapRepositoryError("order.get", err)
	}
	if current.Status == domain.OrderStatusPending {
		return PaymentVerificationResult{}, cause
	}
	result, done, err := s.alreadyApplied(ctx, current)
	if err != nil {
		return PaymentVerificationResult{}, err
	}
	if !done {
		return PaymentVerificationResult{}, cause
	}
	s.logger(ctx, "payment.verify.race_resolved", map[string]any{
		"orderId": orderID,
		"status":  string(current.Status),
	})
	return result, nil
}
