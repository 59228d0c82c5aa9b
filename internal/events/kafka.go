package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"github.com/hurttlocker/dornt/internal/stage"
)

// DefaultTopic is used when KafkaConfig.Topic is empty.
const DefaultTopic = "dornt.stage-results"

// KafkaConfig selects the brokers and topic.
type KafkaConfig struct {
	Brokers []string
	Topic   string
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes one message per stage run, keyed by stage name so a
// stage's history stays ordered within its partition.
type KafkaPublisher struct {
	writer messageWriter
	topic  string
	log    zerolog.Logger
}

// NewKafka creates a synchronous publisher for cfg.
func NewKafka(cfg KafkaConfig, log zerolog.Logger) (*KafkaPublisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka publisher: no brokers configured")
	}
	topic := cfg.Topic
	if topic == "" {
		topic = DefaultTopic
	}
	w := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		BatchSize:              1,
		BatchTimeout:           10 * time.Millisecond,
		MaxAttempts:            3,
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
	}
	return newKafkaPublisher(w, topic, log), nil
}

func newKafkaPublisher(w messageWriter, topic string, log zerolog.Logger) *KafkaPublisher {
	return &KafkaPublisher{
		writer: w,
		topic:  topic,
		log:    log.With().Str("component", "kafka-publisher").Str("topic", topic).Logger(),
	}
}

// Publish serializes r and writes it synchronously.
func (p *KafkaPublisher) Publish(ctx context.Context, r stage.Result) error {
	value, err := json.Marshal(FromResult(r))
	if err != nil {
		return fmt.Errorf("marshaling stage event: %w", err)
	}
	msg := kafka.Message{Key: []byte(r.Stage), Value: value}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		p.log.Error().Err(err).Str("stage", string(r.Stage)).Msg("publish failed")
		return fmt.Errorf("publishing to kafka: %w", err)
	}
	p.log.Debug().Str("stage", string(r.Stage)).Int("value_size", len(value)).Msg("event published")
	return nil
}

// Close flushes pending writes.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
