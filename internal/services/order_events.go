package services

import (
	"context"
	"time"
)

const (
	OrderEventCreated       = "order.created"
	OrderEventPaid          = "order.paid"
	OrderEventStatusChanged = "order.status_changed"
	OrderEventCancelled     = "order.cancelled"
)

// OrderEventPublisher publishes order domain events for downstream consumers.
type OrderEventPublisher interface {
	PublishOrderEvent(ctx context.Context, event OrderEvent) error
}

// OrderEvent captures metadata for emitted order domain events.
type OrderEvent struct {
	Type           string
	OrderID        string
	UserID         string
	PreviousStatus string
	Status         string
	ActorID        string
	Amount         int64
	OccurredAt     time.Time
	Metadata       map[string]any
}

type eventLogger func(ctx context.Context, event string, fields map[string]any)

// publishOrderEvent is best effort: failures are logged and never surface to the caller.
func publishOrderEvent(ctx context.Context, publisher OrderEventPublisher, logger eventLogger, event OrderEvent) {
	if publisher == nil {
		logger(ctx, "order.event", map[string]any{
			"type":   event.Type,
			"order":  event.OrderID,
			"status": event.Status,
		})
		return
	}
	if err := publisher.PublishOrderEvent(context.WithoutCancel(ctx), event); err != nil {
		logger(ctx, "order.event.publish.failed", map[string]any{
			"type":   event.Type,
			"order":  event.OrderID,
			"status": event.Status,
			"error":  err.Error(),
		})
	}
}
