package tracing

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/liamcoop/txscreen/internal/logger"
	"github.com/segmentio/kafka-go"
)

// Event is a business event as exported to an EventSink.
type Event struct {
	CorrelationID string            `json:"correlation_id"`
	TransactionID string            `json:"transaction_id"`
	Name          string            `json:"name"`
	Span          string            `json:"span,omitempty"`
	Attributes    map[string]string `json:"attributes,omitempty"`
	Time          time.Time         `json:"time"`
}

// EventSink receives a copy of every business event a correlator records.
// Publish must be safe for concurrent use and must not block the run for
// long; failures are logged by the caller and never affect the run.
type EventSink interface {
	Publish(ctx context.Context, ev Event) error
	Close() error
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaConfig configures a KafkaPublisher.
type KafkaConfig struct {
	Brokers []string
	Topic   string
}

// KafkaPublisher writes events to a Kafka topic keyed by transaction id, so
// all events of a run land on one partition in order.
type KafkaPublisher struct {
	writer messageWriter
}

// NewKafkaPublisher returns an asynchronous publisher. Delivery failures are
// reported through the logger.
func NewKafkaPublisher(cfg KafkaConfig) (*KafkaPublisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka publisher: no brokers configured")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("kafka publisher: topic is required")
	}

	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		Async:        true,
		RequiredAcks: kafka.RequireOne,
		Completion: func(messages []kafka.Message, err error) {
			if err != nil {
				logger.Warn("failed to deliver trace events", "count", len(messages), "error", err)
			}
		},
	}
	return &KafkaPublisher{writer: w}, nil
}

func newKafkaPublisherWithWriter(w messageWriter) *KafkaPublisher {
	return &KafkaPublisher{writer: w}
}

func (p *KafkaPublisher) Publish(ctx context.Context, ev Event) error {
	value, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to encode event %s: %w", ev.Name, err)
	}
	msg := kafka.Message{
		Key:   []byte(ev.TransactionID),
		Value: value,
		Time:  ev.Time,
		Headers: []kafka.Header{
			{Key: "correlation_id", Value: []byte(ev.CorrelationID)},
			{Key: "event", Value: []byte(ev.Name)},
		},
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to publish event %s: %w", ev.Name, err)
	}
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// publish forwards ev to sink, logging instead of failing.
func publish(ctx context.Context, sink EventSink, ev Event) {
	if sink == nil {
		return
	}
	if err := sink.Publish(context.WithoutCancel(ctx), ev); err != nil {
		logger.With(ctx).Warn("event sink rejected event", "event", ev.Name, "error", err)
	}
}
