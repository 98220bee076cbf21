package services

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"fairbet-gateway/internal/models"
)

// CommitmentEvent is emitted once per commitment reaching a terminal state.
type CommitmentEvent struct {
	Type       string                `json:"type"`
	UserID     string                `json:"userId"`
	Commitment models.CommitmentView `json:"commitment"`
	Reason     string                `json:"reason,omitempty"`
	OccurredAt time.Time             `json:"occurredAt"`
}

type EventPublisher interface {
	PublishTerminal(ctx context.Context, c *models.Commitment) error
	Close() error
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes terminal commitments keyed by user id, so one
// user's events stay ordered within a partition.
type KafkaPublisher struct {
	writer messageWriter
}

func NewKafkaPublisher(brokers, topic string) *KafkaPublisher {
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(strings.Split(brokers, ",")...),
			Topic:                  topic,
			Balancer:               &kafka.Hash{},
			AllowAutoTopicCreation: true,
			RequiredAcks:           kafka.RequireOne,
			WriteTimeout:           5 * time.Second,
		},
	}
}

func newKafkaPublisherWithWriter(w messageWriter) *KafkaPublisher {
	return &KafkaPublisher{writer: w}
}

func (p *KafkaPublisher) PublishTerminal(ctx context.Context, c *models.Commitment) error {
	event := CommitmentEvent{
		Type:       "commitment." + string(c.Status),
		UserID:     c.UserID,
		Commitment: c.Public(),
		Reason:     c.FailureReason,
		OccurredAt: time.Now().UTC(),
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode commitment event: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(c.UserID),
		Value: payload,
		Time:  event.OccurredAt,
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to publish commitment event: %w", err)
	}
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// NopPublisher is used when no broker is configured.
type NopPublisher struct{}

func (NopPublisher) PublishTerminal(context.Context, *models.Commitment) error { return nil }
func (NopPublisher) Close() error                                              { return nil }
