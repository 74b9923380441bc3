package events

import (
	"context"

	"go.uber.org/zap"

	"github.com/carawoo/mereal/internal/services"
)

// LogPublisher writes order events to the structured log. It is the default backend when no
// broker is configured.
type LogPublisher struct {
	logger *zap.Logger
}

// NewLogPublisher constructs a log-only publisher.
func NewLogPublisher(logger *zap.Logger) *LogPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogPublisher{logger: logger.Named("order_events")}
}

func (p *LogPublisher) PublishOrderEvent(_ context.Context, event services.OrderEvent) error {
	msg := newMessage(event)
	p.logger.Info(msg.Type,
		zap.String("order_id", msg.OrderID),
		zap.String("status", msg.Status),
		zap.String("previous_status", msg.PreviousStatus),
		zap.String("actor_id", msg.ActorID),
		zap.Int64("amount", msg.Amount),
		zap.Time("occurred_at", msg.OccurredAt),
	)
	return nil
}

func (p *LogPublisher) Close() error {
	_ = p.logger.Sync()
	return nil
}
