package events

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/carawoo/mereal/internal/services"
)

// Message is the JSON payload published for every order event.
type Message struct {
	Type           string         `json:"type"`
	OrderID        string         `json:"orderId"`
	UserID         string         `json:"userId,omitempty"`
	PreviousStatus string         `json:"previousStatus,omitempty"`
	Status         string         `json:"status"`
	ActorID        string         `json:"actorId,omitempty"`
	Amount         int64          `json:"amount,omitempty"`
	OccurredAt     time.Time      `json:"occurredAt"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

func newMessage(event services.OrderEvent) Message {
	return Message{
		Type:           event.Type,
		OrderID:        event.OrderID,
		UserID:         event.UserID,
		PreviousStatus: event.PreviousStatus,
		Status:         event.Status,
		ActorID:        event.ActorID,
		Amount:         event.Amount,
		OccurredAt:     event.OccurredAt.UTC(),
		Metadata:       event.Metadata,
	}
}

func encode(event services.OrderEvent) ([]byte, error) {
	return json.Marshal(newMessage(event))
}

// attributes are the routing keys consumers can filter on without decoding the body.
func attributes(event services.OrderEvent) map[string]string {
	attrs := make(map[string]string, 3)
	setAttr(attrs, "eventType", event.Type)
	setAttr(attrs, "orderId", event.OrderID)
	setAttr(attrs, "status", event.Status)
	return attrs
}

func setAttr(attrs map[string]string, key, value string) {
	if v := strings.TrimSpace(value); v != "" {
		attrs[key] = v
	}
}
