package events

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/carawoo/mereal/internal/services"
)

// producer is the subset of *kgo.Client the publisher needs.
type producer interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
	Close()
}

// KafkaPublisher publishes order events to a Kafka topic keyed by order id, so events for one
// order land on one partition in order.
type KafkaPublisher struct {
	client producer
	topic  string
}

var _ services.OrderEventPublisher = (*KafkaPublisher)(nil)

// NewKafkaPublisher dials the seed brokers and returns a publisher for topic.
func NewKafkaPublisher(brokers []string, topic string, opts ...kgo.Opt) (*KafkaPublisher, error) {
	topic = strings.TrimSpace(topic)
	if len(brokers) == 0 || topic == "" {
		return nil, errors.New("kafka order publisher: brokers and topic are required")
	}
	base := []kgo.Opt{
		kgo.SeedBrokers(brokers...),
		kgo.DefaultProduceTopic(topic),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.ProducerBatchCompression(kgo.SnappyCompression(), kgo.NoCompression()),
	}
	client, err := kgo.NewClient(append(base, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("kafka order publisher: %w", err)
	}
	return &KafkaPublisher{client: client, topic: topic}, nil
}

func newKafkaPublisherWithProducer(client producer, topic string) *KafkaPublisher {
	return &KafkaPublisher{client: client, topic: topic}
}

// PublishOrderEvent produces one record and waits for broker acknowledgement.
func (p *KafkaPublisher) PublishOrderEvent(ctx context.Context, event services.OrderEvent) error {
	if p == nil || p.client == nil {
		return errors.New("kafka order publisher: not initialised")
	}
	data, err := encode(event)
	if err != nil {
		return fmt.Errorf("marshal order event: %w", err)
	}

	attrs := attributes(event)
	headers := make([]kgo.RecordHeader, 0, len(attrs))
	for _, key := range []string{"eventType", "orderId", "status"} {
		if value, ok := attrs[key]; ok {
			headers = append(headers, kgo.RecordHeader{Key: key, Value: []byte(value)})
		}
	}

	record := &kgo.Record{
		Topic:   p.topic,
		Key:     []byte(event.OrderID),
		Value:   data,
		Headers: headers,
	}
	if err := p.client.ProduceSync(ctx, record).FirstErr(); err != nil {
		return fmt.Errorf("produce order event %s: %w", event.Type, err)
	}
	return nil
}

// Close flushes and closes the client.
func (p *KafkaPublisher) Close() error {
	if p != nil && p.client != nil {
		p.client.Close()
	}
	return nil
}
