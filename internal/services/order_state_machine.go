package services

import (
	"context"
	"fmt"
	"slices"
	"time"

	domain "github.com/carawoo/mereal/internal/domain"
	"github.com/carawoo/mereal/internal/repositories"
)

// SystemActorID marks history rows written by gateway-driven changes.
const SystemActorID = "system"

const historyIDPrefix = "osh_"

var orderStateTransitions = map[domain.OrderStatus][]domain.OrderStatus{
	domain.OrderStatusPending:    {domain.OrderStatusProcessing, domain.OrderStatusCancelled},
	domain.OrderStatusProcessing: {domain.OrderStatusCompleted, domain.OrderStatusCancelled},
}

// CanTransition reports whether from -> to is an edge of the order state machine.
func CanTransition(from, to domain.OrderStatus) bool {
	return slices.Contains(orderStateTransitions[from], to)
}

// orderTransition describes one status change of a loaded order.
type orderTransition struct {
	order                 Order
	target                domain.OrderStatus
	comment               string
	actorID               string
	trackingNumber        *string
	estimatedDeliveryDate *time.Time
	// within runs in the same transaction, after the status write and before the history append.
	within func(ctx context.Context, updated Order) error
}

// orderStateMachine applies transitions atomically: status CAS, optional side writes, one history row.
type orderStateMachine struct {
	orders  repositories.OrderRepository
	history repositories.OrderStatusHistoryRepository
	unit    repositories.UnitOfWork
	clock   func() time.Time
	newID   func() string
}

func (m *orderStateMachine) apply(ctx context.Context, t orderTransition) (Order, OrderStatusHistory, error) {
	if !t.target.Valid() {
		return Order{}, OrderStatusHistory{}, fmt.Errorf("%w: unknown status %q", ErrValidation, t.target)
	}
	if !CanTransition(t.order.Status, t.target) {
		return Order{}, OrderStatusHistory{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.order.Status, t.target)
	}

	update := repositories.OrderStatusUpdate{
		OrderID:         t.order.ID,
		Status:          t.target,
		ExpectedVersion: t.order.Version,
		UpdatedAt:       m.clock(),
	}
	if t.target != domain.OrderStatusCancelled {
		update.TrackingNumber = t.trackingNumber
		update.EstimatedDeliveryDate = t.estimatedDeliveryDate
	}

	var (
		updated Order
		entry   OrderStatusHistory
	)
	err := m.unit.RunInTx(ctx, func(txCtx context.Context) error {
		saved, err := m.orders.UpdateStatus(txCtx, update)
		if err != nil {
			return mapRepositoryError("order.updateStatus", err)
		}
		if t.within != nil {
			if err := t.within(txCtx, saved); err != nil {
				return err
			}
		}
		entry = OrderStatusHistory{
			ID:        historyIDPrefix + m.newID(),
			OrderID:   saved.ID,
			Status:    t.target,
			Comment:   t.comment,
			ActorID:   t.actorID,
			CreatedAt: update.UpdatedAt,
		}
		if err := m.history.Append(txCtx, entry); err != nil {
			return mapRepositoryError("order.history.append", err)
		}
		updated = saved
		return nil
	})
	if err != nil {
		if !isServiceError(err) {
			err = mapRepositoryError("order.transition", err)
		}
		return Order{}, OrderStatusHistory{}, err
	}
	return updated, entry, nil
}
