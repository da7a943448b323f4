package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/IBM/sarama"

	"github.com/roomstudio/roomstudio/internal/models"
)

// Publisher emits generation lifecycle events.
type Publisher interface {
	Publish(ctx context.Context, event models.GenerationEvent) error
}

// KafkaPublisher writes events to a topic, keyed by user so one user's events stay ordered.
type KafkaPublisher struct {
	producer sarama.SyncProducer
	topic    string
}

func NewKafkaPublisher(producer sarama.SyncProducer, topic string) *KafkaPublisher {
	return &KafkaPublisher{producer: producer, topic: topic}
}

func (p *KafkaPublisher) Publish(ctx context.Context, event models.GenerationEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	msg := &sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(event.UserID),
		Value: sarama.ByteEncoder(payload),
		Headers: []sarama.RecordHeader{
			{Key: []byte("type"), Value: []byte(event.Type)},
		},
	}
	partition, offset, err := p.producer.SendMessage(msg)
	if err != nil {
		return fmt.Errorf("failed to publish %s event: %w", event.Type, err)
	}

	slog.Debug("Event published", "type", event.Type, "attemptID", event.AttemptID, "partition", partition, "offset", offset)
	return nil
}

// LogPublisher only logs events. Used when Kafka is disabled.
type LogPublisher struct{}

func (LogPublisher) Publish(_ context.Context, event models.GenerationEvent) error {
	slog.Info("Generation event", "type", event.Type, "attemptID", event.AttemptID, "userID", event.UserID, "code", event.Code)
	return nil
}
