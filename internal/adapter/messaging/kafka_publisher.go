// Package messaging publishes committed orders to Kafka.
package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/rl1809/pos-checkout/internal/core/domain"
)

const EventOrderPlaced = "OrderPlaced"

// MessageWriter is the subset of *kafka.Writer the publisher uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type OrderPlacedEvent struct {
	Type       string            `json:"type"`
	OrderID    string            `json:"order_id"`
	ShopperID  string            `json:"shopper_id,omitempty"`
	Total      string            `json:"total"`
	Lines      []domain.CartLine `json:"lines"`
	OccurredAt time.Time         `json:"occurred_at"`
}

type KafkaPublisher struct {
	writer MessageWriter
}

// NewKafkaWriter builds an async writer: WriteMessages returns without
// waiting for broker acks, so checkout latency does not depend on Kafka.
func NewKafkaWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		Async:        true,
	}
}

func NewKafkaPublisher(writer MessageWriter) *KafkaPublisher {
	return &KafkaPublisher{writer: writer}
}

func (p *KafkaPublisher) PublishOrderPlaced(ctx context.Context, order domain.Order) error {
	payload, err := json.Marshal(OrderPlacedEvent{
		Type:       EventOrderPlaced,
		OrderID:    order.ID,
		ShopperID:  order.ShopperID,
		Total:      order.Total.StringFixed(2),
		Lines:      order.Lines,
		OccurredAt: order.CreatedAt,
	})
	if err != nil {
		return fmt.Errorf("encode order event: %w", err)
	}

	msg := kafka.Message{
		Key:     []byte(order.ID),
		Value:   payload,
		Headers: injectHeaders(ctx, []kafka.Header{{Key: "event-type", Value: []byte(EventOrderPlaced)}}),
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("write order event: %w", err)
	}
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

func injectHeaders(ctx context.Context, headers []kafka.Header) []kafka.Header {
	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	for k, v := range carrier {
		headers = append(headers, kafka.Header{Key: k, Value: []byte(v)})
	}
	return headers
}
