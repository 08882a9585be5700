package scorer

import (
	"context"
	"encoding/json"

	kafka "github.com/segmentio/kafka-go"

	"memoryd/internal/domain"
)

// KafkaPublisher publishes recorded outcomes to a topic for downstream
// analytics consumers, behind the OutcomePublisher seam so recordFeedback
// never blocks on a broker that isn't configured.
type KafkaPublisher struct {
	writer *kafka.Writer
}

// NewKafkaPublisher builds a publisher targeting brokers/topic. Pass an
// empty topic to get a NoopPublisher-equivalent that never writes.
func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	if topic == "" || len(brokers) == 0 {
		return nil
	}
	return &KafkaPublisher{writer: &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.LeastBytes{},
		AllowAutoTopicCreation: true,
		Async:                  true,
	}}
}

// Publish writes one outcome event keyed by memory_id, so per-memory
// ordering is preserved within a partition.
func (p *KafkaPublisher) Publish(ctx context.Context, o domain.Outcome) error {
	if p == nil || p.writer == nil {
		return nil
	}
	body, err := json.Marshal(o)
	if err != nil {
		return err
	}
	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(o.MemoryID),
		Value: body,
	})
}

// Close flushes and closes the underlying writer.
func (p *KafkaPublisher) Close() error {
	if p == nil || p.writer == nil {
		return nil
	}
	return p.writer.Close()
}
