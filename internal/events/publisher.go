package events

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"mpesa-stk-gateway/internal/models"
)

const Topic = "payment-sessions"

type Type string

const (
	TypeInitiated Type = "session.initiated"
	TypeCompleted Type = "session.completed"
	TypeFailed    Type = "session.failed"
)

// SessionEvent is emitted on each lifecycle transition of a payment
// session, keyed by the session id so events for one session stay ordered
// within a partition.
type SessionEvent struct {
	ID         string               `json:"id"`
	Type       Type                 `json:"type"`
	SessionID  string               `json:"session_id"`
	Phone      string               `json:"phone"`
	Amount     int64                `json:"amount"`
	Status     models.SessionStatus `json:"status"`
	Receipt    string               `json:"receipt,omitempty"`
	OccurredAt time.Time            `json:"occurred_at"`
}

// NewSessionEvent builds an event from a session snapshot.
func NewSessionEvent(typ Type, sess models.PaymentSession) SessionEvent {
	return SessionEvent{
		ID:         uuid.NewString(),
		Type:       typ,
		SessionID:  sess.ID,
		Phone:      sess.Phone,
		Amount:     sess.Amount,
		Status:     sess.Status,
		Receipt:    sess.Receipt,
		OccurredAt: time.Now(),
	}
}

type Publisher interface {
	PublishSessionEvent(ctx context.Context, evt SessionEvent) error
	Close() error
}

// KafkaPublisher ships session events to a Kafka topic with the trace
// context propagated through message headers.
type KafkaPublisher struct {
	writer *kafka.Writer
	tracer trace.Tracer
}

func NewKafkaPublisher(brokers []string) *KafkaPublisher {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        Topic,
		Balancer:     &kafka.LeastBytes{},
		WriteTimeout: 10 * time.Second,
		ReadTimeout:  10 * time.Second,
		RequiredAcks: kafka.RequireOne,
	}
	return &KafkaPublisher{
		writer: writer,
		tracer: otel.Tracer("events/publisher"),
	}
}

func (p *KafkaPublisher) PublishSessionEvent(ctx context.Context, evt SessionEvent) error {
	ctx, span := p.tracer.Start(ctx, fmt.Sprintf("publish %s", Topic),
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			semconv.MessagingSystemKafka,
			semconv.MessagingDestinationName(Topic),
			attribute.String("session.id", evt.SessionID),
			attribute.String("event.type", string(evt.Type)),
		),
	)
	defer span.End()

	data, err := json.Marshal(evt)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to serialize event: %w", err)
	}

	headers := make([]kafka.Header, 0)
	otel.GetTextMapPropagator().Inject(ctx, &headerCarrier{headers: &headers})

	msg := kafka.Message{
		Key:     []byte(evt.SessionID),
		Value:   data,
		Time:    time.Now(),
		Headers: headers,
	}

	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to publish event: %w", err)
	}

	span.SetStatus(codes.Ok, "")
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// EnsureTopic creates the session-events topic, tolerating brokers where it
// already exists.
func EnsureTopic(ctx context.Context, broker string, partitions, replication int) error {
	conn, err := kafka.DialContext(ctx, "tcp", broker)
	if err != nil {
		return fmt.Errorf("failed to connect to broker: %w", err)
	}
	defer conn.Close()

	controller, err := conn.Controller()
	if err != nil {
		return fmt.Errorf("failed to get controller: %w", err)
	}

	controllerConn, err := kafka.DialContext(ctx, "tcp", net.JoinHostPort(controller.Host, strconv.Itoa(controller.Port)))
	if err != nil {
		return fmt.Errorf("failed to connect to controller: %w", err)
	}
	defer controllerConn.Close()

	err = controllerConn.CreateTopics(kafka.TopicConfig{
		Topic:             Topic,
		NumPartitions:     partitions,
		ReplicationFactor: replication,
	})
	if err != nil {
		return fmt.Errorf("failed to create topic: %w", err)
	}

	return nil
}

type headerCarrier struct {
	headers *[]kafka.Header
}

func (c *headerCarrier) Get(key string) string {
	for _, h := range *c.headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

func (c *headerCarrier) Set(key, value string) {
	*c.headers = append(*c.headers, kafka.Header{Key: key, Value: []byte(value)})
}

func (c *headerCarrier) Keys() []string {
	keys := make([]string, len(*c.headers))
	for i, h := range *c.headers {
		keys[i] = h.Key
	}
	return keys
}

// NopPublisher is used when no broker is configured.
type NopPublisher struct{}

func (NopPublisher) PublishSessionEvent(context.Context, SessionEvent) error { return nil }

func (NopPublisher) Close() error { return nil }
