package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/amirphl/orochi-dispatch/config"
	"github.com/amirphl/orochi-dispatch/models"
	"github.com/rs/zerolog"
)

// MessageStatusChanged is emitted after a persisted status transition
type MessageStatusChanged struct {
	MessageID      uint                 `json:"messageId"`
	MessageUUID    string               `json:"messageUuid"`
	ConversationID *string              `json:"conversationId,omitempty"`
	AccountID      uint                 `json:"accountId"`
	NewStatus      models.MessageStatus `json:"newStatus"`
	PreviousStatus models.MessageStatus `json:"previousStatus"`
	OccurredAt     time.Time            `json:"occurredAt"`
}

// KafkaEventPublisher writes status events to a Kafka topic keyed by message uuid
type KafkaEventPublisher struct {
	producer sarama.SyncProducer
	topic    string
	logger   zerolog.Logger
}

// NewKafkaEventPublisher connects an idempotent sync producer to the configured brokers
func NewKafkaEventPublisher(cfg config.EventsConfig, logger zerolog.Logger) (*KafkaEventPublisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka brokers are required")
	}

	saramaCfg := sarama.NewConfig()
	saramaCfg.ClientID = cfg.ClientID
	saramaCfg.Producer.Return.Successes = true
	saramaCfg.Producer.Idempotent = true
	saramaCfg.Net.MaxOpenRequests = 1
	saramaCfg.Producer.RequiredAcks = sarama.WaitForAll
	saramaCfg.Producer.Retry.Max = 5

	producer, err := sarama.NewSyncProducer(cfg.Brokers, saramaCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}
	return NewKafkaEventPublisherWithProducer(producer, cfg.Topic, logger), nil
}

// NewKafkaEventPublisherWithProducer wraps an existing producer
func NewKafkaEventPublisherWithProducer(producer sarama.SyncProducer, topic string, logger zerolog.Logger) *KafkaEventPublisher {
	return &KafkaEventPublisher{
		producer: producer,
		topic:    topic,
		logger:   logger.With().Str("component", "event_publisher").Logger(),
	}
}

// Publish sends one event. The context is honored only before the broker round-trip.
func (p *KafkaEventPublisher) Publish(ctx context.Context, event MessageStatusChanged) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal status event: %w", err)
	}

	partition, offset, err := p.producer.SendMessage(&sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(event.MessageUUID),
		Value: sarama.ByteEncoder(payload),
		Headers: []sarama.RecordHeader{
			{Key: []byte("event-type"), Value: []byte("MessageStatusChanged")},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to publish status event: %w", err)
	}

	p.logger.Debug().
		Str("message_uuid", event.MessageUUID).
		Str("status", event.NewStatus.String()).
		Int32("partition", partition).
		Int64("offset", offset).
		Msg("Status event published")
	return nil
}

// Close flushes and closes the producer
func (p *KafkaEventPublisher) Close() error {
	return p.producer.Close()
}

// LogEventPublisher records events in the log when no broker is configured
type LogEventPublisher struct {
	logger zerolog.Logger
}

// NewLogEventPublisher creates a publisher that only logs
func NewLogEventPublisher(logger zerolog.Logger) *LogEventPublisher {
	return &LogEventPublisher{logger: logger.With().Str("component", "event_publisher").Logger()}
}

func (p *LogEventPublisher) Publish(ctx context.Context, event MessageStatusChanged) error {
	p.logger.Info().
		Uint("message_id", event.MessageID).
		Str("message_uuid", event.MessageUUID).
		Str("previous_status", event.PreviousStatus.String()).
		Str("status", event.NewStatus.String()).
		Msg("Message status changed")
	return nil
}

func (p *LogEventPublisher) Close() error {
	return nil
}
