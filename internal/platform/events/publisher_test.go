package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/carawoo/mereal/internal/services"
)

var paidEvent = services.OrderEvent{
	Type:           services.OrderEventPaid,
	OrderID:        "ord_01HZX",
	UserID:         "user-1",
	PreviousStatus: "pending",
	Status:         "processing",
	Amount:         8000,
	OccurredAt:     time.Date(2025, 5, 6, 9, 0, 0, 0, time.FixedZone("KST", 9*3600)),
}

func TestPubSubPublisherPublishesOrderEvent(t *testing.T) {
	ctx := context.Background()
	srv := pstest.NewServer()
	defer srv.Close()

	client, err := pubsub.NewClient(ctx, "test-project",
		option.WithEndpoint(srv.Addr),
		option.WithoutAuthentication(),
		option.WithGRPCDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
	)
	if err != nil {
		t.Fatalf("pubsub.NewClient: %v", err)
	}
	defer func() {
		_ = client.Close()
	}()

	topic, err := client.CreateTopic(ctx, "order-events")
	if err != nil {
		t.Fatalf("CreateTopic: %v", err)
	}

	publisher, err := NewPubSubPublisher(topic)
	if err != nil {
		t.Fatalf("NewPubSubPublisher: %v", err)
	}
	defer publisher.Close()

	if err := publisher.PublishOrderEvent(ctx, paidEvent); err != nil {
		t.Fatalf("PublishOrderEvent: %v", err)
	}

	messages := srv.Messages()
	if len(messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(messages))
	}

	var payload Message
	if err := json.Unmarshal(messages[0].Data, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload.OrderID != paidEvent.OrderID || payload.Amount != 8000 || payload.Status != "processing" {
		t.Fatalf("unexpected payload %#v", payload)
	}
	if payload.OccurredAt.Location() != time.UTC {
		t.Fatalf("expected occurredAt in UTC, got %s", payload.OccurredAt)
	}
	if attr := messages[0].Attributes["eventType"]; attr != "order.paid" {
		t.Fatalf("expected eventType attribute, got %q", attr)
	}
	if _, ok := messages[0].Attributes["userId"]; ok {
		t.Fatalf("user id should not be exposed as an attribute")
	}
}

func TestNewPubSubPublisherRequiresTopic(t *testing.T) {
	if _, err := NewPubSubPublisher(nil); err == nil {
		t.Fatalf("expected error for nil topic")
	}
}

type stubProducer struct {
	records []*kgo.Record
	err     error
	closed  bool
}

func (s *stubProducer) ProduceSync(_ context.Context, rs ...*kgo.Record) kgo.ProduceResults {
	s.records = append(s.records, rs...)
	results := make(kgo.ProduceResults, 0, len(rs))
	for _, r := range rs {
		results = append(results, kgo.ProduceResult{Record: r, Err: s.err})
	}
	return results
}

func (s *stubProducer) Close() { s.closed = true }

func TestKafkaPublisherKeysByOrder(t *testing.T) {
	stub := &stubProducer{}
	publisher := newKafkaPublisherWithProducer(stub, "order-events")

	if err := publisher.PublishOrderEvent(context.Background(), paidEvent); err != nil {
		t.Fatalf("PublishOrderEvent: %v", err)
	}
	if len(stub.records) != 1 {
		t.Fatalf("expected one record, got %d", len(stub.records))
	}
	record := stub.records[0]
	if record.Topic != "order-events" || string(record.Key) != paidEvent.OrderID {
		t.Fatalf("unexpected record routing topic=%s key=%s", record.Topic, record.Key)
	}
	headers := map[string]string{}
	for _, h := range record.Headers {
		headers[h.Key] = string(h.Value)
	}
	if headers["eventType"] != "order.paid" || headers["status"] != "processing" {
		t.Fatalf("unexpected headers %v", headers)
	}
	var payload Message
	if err := json.Unmarshal(record.Value, &payload); err != nil {
		t.Fatalf("unmarshal value: %v", err)
	}
	if payload.PreviousStatus != "pending" {
		t.Fatalf("expected previous status in payload, got %#v", payload)
	}

	_ = publisher.Close()
	if !stub.closed {
		t.Fatalf("expected client to be closed")
	}
}

func TestKafkaPublisherSurfacesProduceError(t *testing.T) {
	stub := &stubProducer{err: errors.New("broker unavailable")}
	publisher := newKafkaPublisherWithProducer(stub, "order-events")

	err := publisher.PublishOrderEvent(context.Background(), paidEvent)
	if err == nil || !errors.Is(err, stub.err) {
		t.Fatalf("expected wrapped produce error, got %v", err)
	}
}

func TestNewKafkaPublisherValidatesConfig(t *testing.T) {
	if _, err := NewKafkaPublisher(nil, "order-events"); err == nil {
		t.Fatalf("expected error without brokers")
	}
	if _, err := NewKafkaPublisher([]string{"localhost:9092"}, " "); err == nil {
		t.Fatalf("expected error without topic")
	}
}

func TestLogPublisherWritesEvent(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	publisher := NewLogPublisher(zap.New(core))

	if err := publisher.PublishOrderEvent(context.Background(), paidEvent); err != nil {
		t.Fatalf("PublishOrderEvent: %v", err)
	}
	entries := logs.FilterMessage("order.paid").All()
	if len(entries) != 1 {
		t.Fatalf("expected one log entry, got %d", len(entries))
	}
	if entries[0].ContextMap()["order_id"] != paidEvent.OrderID {
		t.Fatalf("expected order id field, got %v", entries[0].ContextMap())
	}
}
