package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"ms-registration/internal/logger"

	"github.com/segmentio/kafka-go"
)

// MessageWriter is the subset of *kafka.Writer the producer uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Producer struct {
	Writer MessageWriter
	Logger *logger.Logger
}

// NewProducer returns a producer that picks the topic per message.
func NewProducer(brokers []string, log *logger.Logger) *Producer {
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
		BatchTimeout:           10 * time.Millisecond,
	}
	return &Producer{Writer: writer, Logger: log}
}

// NewDisabledProducer logs messages instead of sending them.
func NewDisabledProducer(log *logger.Logger) *Producer {
	return &Producer{Logger: log}
}

// Publish JSON-encodes value and writes it to topic keyed by key.
func (p *Producer) Publish(ctx context.Context, topic, key string, value interface{}) error {
	msgBytes, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal %s message: %w", topic, err)
	}

	if p.Writer == nil {
		p.Logger.LogKafka("SKIP", topic, fmt.Sprintf("Kafka disabled, dropping message %s", key))
		return nil
	}

	err = p.Writer.WriteMessages(ctx, kafka.Message{
		Topic: topic,
		Key:   []byte(key),
		Value: msgBytes,
	})
	if err != nil {
		p.Logger.LogKafka("ERROR", topic, fmt.Sprintf("Failed to publish %s: %v", key, err))
		return fmt.Errorf("publish to %s: %w", topic, err)
	}

	p.Logger.LogKafka("PUBLISH", topic, fmt.Sprintf("Published message %s (%d bytes)", key, len(msgBytes)))
	return nil
}

func (p *Producer) Close() error {
	if p.Writer == nil {
		return nil
	}
	return p.Writer.Close()
}
