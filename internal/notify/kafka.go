package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/atmx/options-engine/internal/metrics"
)

// messageWriter is the part of *kafka.Writer the publisher uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher publishes every event to a topic, keyed by user id so one
// user's events stay ordered within a partition.
type KafkaPublisher struct {
	writer messageWriter
	logger *slog.Logger
}

// NewKafkaPublisher creates an async publisher for a comma-separated broker
// list. Delivery failures are logged from the writer's completion callback.
func NewKafkaPublisher(brokers, topic string, logger *slog.Logger) *KafkaPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(splitBrokers(brokers)...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 50 * time.Millisecond,
		Async:        true,
		Completion: func(msgs []kafka.Message, err error) {
			if err != nil {
				metrics.NotificationsDropped.WithLabelValues("kafka").Add(float64(len(msgs)))
				logger.Error("kafka publish failed", "topic", topic, "messages", len(msgs), "err", err)
			}
		},
	}
	return &KafkaPublisher{writer: w, logger: logger}
}

func (p *KafkaPublisher) Notify(ctx context.Context, userID string, kind EventKind, payload interface{}) {
	msg, err := encodeMessage(newEvent(userID, kind, payload))
	if err != nil {
		p.logger.Error("kafka notify: marshal failed", "user", userID, "err", err)
		return
	}
	// The writer is async, so this only enqueues.
	if err := p.writer.WriteMessages(context.WithoutCancel(ctx), msg); err != nil {
		metrics.NotificationsDropped.WithLabelValues("kafka").Inc()
		p.logger.Warn("kafka notify: enqueue failed", "user", userID, "err", err)
	}
}

// Close flushes pending messages.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

func encodeMessage(ev Event) (kafka.Message, error) {
	value, err := json.Marshal(ev)
	if err != nil {
		return kafka.Message{}, err
	}
	return kafka.Message{
		Key:   []byte(ev.UserID),
		Value: value,
		Time:  ev.At,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(ev.Kind)},
		},
	}, nil
}

func splitBrokers(brokers string) []string {
	var out []string
	for _, b := range strings.Split(brokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}
