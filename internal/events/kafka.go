package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

// KafkaPublisher writes events as JSON messages, one topic per kind.
type KafkaPublisher struct {
	writer      *kafka.Writer
	topicPrefix string
}

// NewKafkaPublisher creates a publisher for brokers. Topics are named
// topicPrefix + kind.
func NewKafkaPublisher(brokers []string, topicPrefix string) (*KafkaPublisher, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka publisher requires at least one broker")
	}
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			RequiredAcks: kafka.RequireAll,
			Balancer:     &kafka.Hash{},
		},
		topicPrefix: topicPrefix,
	}, nil
}

// Topic returns the topic an event kind is written to.
func (p *KafkaPublisher) Topic(kind Kind) string {
	return p.topicPrefix + string(kind)
}

func (p *KafkaPublisher) Publish(ctx context.Context, event Event) error {
	msg, err := p.message(event)
	if err != nil {
		return err
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to write %s: %w", event.Kind(), err)
	}
	return nil
}

func (p *KafkaPublisher) message(event Event) (kafka.Message, error) {
	payload, err := json.Marshal(event)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("failed to encode %s: %w", event.Kind(), err)
	}
	return kafka.Message{
		Topic: p.Topic(event.Kind()),
		Key:   []byte(event.Key()),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "kind", Value: []byte(event.Kind())},
		},
		Time: time.Now().UTC(),
	}, nil
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
