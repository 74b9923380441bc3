package events

import (
	"context"
	"errors"
	"fmt"

	"cloud.google.com/go/pubsub"

	"github.com/carawoo/mereal/internal/services"
)

// PubSubPublisher publishes order events to a Pub/Sub topic. Messages for one order share an
// ordering key when the topic has message ordering enabled.
type PubSubPublisher struct {
	topic   *pubsub.Topic
	marshal func(services.OrderEvent) ([]byte, error)
}

var _ services.OrderEventPublisher = (*PubSubPublisher)(nil)

// NewPubSubPublisher constructs a Pub/Sub backed order event publisher.
func NewPubSubPublisher(topic *pubsub.Topic) (*PubSubPublisher, error) {
	if topic == nil {
		return nil, errors.New("pubsub order publisher: topic is required")
	}
	return &PubSubPublisher{topic: topic, marshal: encode}, nil
}

// PublishOrderEvent blocks until the server acknowledges the message.
func (p *PubSubPublisher) PublishOrderEvent(ctx context.Context, event services.OrderEvent) error {
	if p == nil || p.topic == nil {
		return errors.New("pubsub order publisher: not initialised")
	}

	data, err := p.marshal(event)
	if err != nil {
		return fmt.Errorf("marshal order event: %w", err)
	}

	msg := &pubsub.Message{Data: data, Attributes: attributes(event)}
	if p.topic.EnableMessageOrdering {
		msg.OrderingKey = event.OrderID
	}

	if _, err := p.topic.Publish(ctx, msg).Get(ctx); err != nil {
		if p.topic.EnableMessageOrdering {
			p.topic.ResumePublish(event.OrderID)
		}
		return fmt.Errorf("publish order event %s: %w", event.Type, err)
	}
	return nil
}

// Close flushes pending messages.
func (p *PubSubPublisher) Close() error {
	if p != nil && p.topic != nil {
		p.topic.Stop()
	}
	return nil
}
