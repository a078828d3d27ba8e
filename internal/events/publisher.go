package events

import (
	"context"
	"encoding/json"

	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"

	"github.com/segyhp/settlement-engine/internal/domain"
)

// Publisher delivers outbox events to downstream consumers
type Publisher interface {
	Publish(ctx context.Context, ev *domain.OutboxEvent) error
	Close() error
}

// Writer is the subset of kafka.Writer the publisher needs, so tests can swap it
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes events to one topic keyed by plan id, keeping per-plan order
type KafkaPublisher struct {
	writer Writer
}

func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
	}
	return &KafkaPublisher{writer: w}
}

// NewKafkaPublisherWithWriter allows injecting a test writer
func NewKafkaPublisherWithWriter(w Writer) *KafkaPublisher {
	return &KafkaPublisher{writer: w}
}

func (p *KafkaPublisher) Publish(ctx context.Context, ev *domain.OutboxEvent) error {
	msg := kafka.Message{
		Key:   []byte(ev.AggregateID.String()),
		Value: ev.Payload,
		Headers: []kafka.Header{
			{Key: "event_id", Value: []byte(ev.ID.String())},
			{Key: "event_type", Value: []byte(ev.EventType)},
		},
	}
	return p.writer.WriteMessages(ctx, msg)
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// LogPublisher writes events to the log. It stands in for Kafka when no brokers are configured.
type LogPublisher struct {
	logger logrus.FieldLogger
}

func NewLogPublisher(logger logrus.FieldLogger) *LogPublisher {
	return &LogPublisher{logger: logger}
}

func (p *LogPublisher) Publish(_ context.Context, ev *domain.OutboxEvent) error {
	var payload map[string]interface{}
	if err := json.Unmarshal(ev.Payload, &payload); err != nil {
		return err
	}
	p.logger.WithFields(logrus.Fields{
		"event_id":   ev.ID,
		"event_type": ev.EventType,
		"plan_id":    ev.AggregateID,
		"payload":    payload,
	}).Info("event published")
	return nil
}

func (p *LogPublisher) Close() error {
	return nil
}
