// Package events announces completed loads to downstream consumers.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"
)

// TypeLicensesLoaded is the type of the event published after each load.
const TypeLicensesLoaded = "licenses.loaded"

// LoadedEvent describes one committed load generation.
type LoadedEvent struct {
	Type            string    `json:"type"`
	RunID           uuid.UUID `json:"run_id"`
	Records         int       `json:"records"`
	Dropped         int       `json:"dropped"`
	TotalMismatches int       `json:"total_mismatches"`
	FinishedAt      time.Time `json:"finished_at"`
}

//go:generate mockgen -source=events.go -destination=mocks/mocks.go -package=mocks

// Publisher delivers load events.
type Publisher interface {
	PublishLoaded(ctx context.Context, ev LoadedEvent) error
	Close()
}

// Noop drops every event. It is used when no broker is configured.
type Noop struct{}

func (Noop) PublishLoaded(context.Context, LoadedEvent) error { return nil }
func (Noop) Close() {}

// Kafka publishes events to a topic, keyed by run id.
type Kafka struct {
	client *kgo.Client
	topic  string
	log    *zap.Logger
}

// NewKafka connects a producer to brokers. The client dials lazily, so an
// unreachable broker surfaces on the first publish rather than here.
func NewKafka(brokers []string, topic string, log *zap.Logger) (*Kafka, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka: no brokers configured")
	}
	if log == nil {
		log = zap.NewNop()
	}
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.DefaultProduceTopic(topic),
		kgo.AllowAutoTopicCreation(),
		kgo.ProducerBatchMaxBytes(1<<20),
		kgo.RecordRetries(3),
	)
	if err != nil {
		return nil, fmt.Errorf("kafka client: %w", err)
	}
	return &Kafka{client: client, topic: topic, log: log}, nil
}

func (k *Kafka) PublishLoaded(ctx context.Context, ev LoadedEvent) error {
	ev.Type = TypeLicensesLoaded
	value, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	rec := &kgo.Record{
		Topic: k.topic,
		Key:   []byte(ev.RunID.String()),
		Value: value,
		Headers: []kgo.RecordHeader{
			{Key: "type", Value: []byte(TypeLicensesLoaded)},
		},
	}
	if err := k.client.ProduceSync(ctx, rec).FirstErr(); err != nil {
		return fmt.Errorf("produce %s: %w", TypeLicensesLoaded, err)
	}
	k.log.Debug("published event",
		zap.String("topic", k.topic),
		zap.String("run_id", ev.RunID.String()),
	)
	return nil
}

// Close flushes and closes the producer.
func (k *Kafka) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := k.client.Flush(ctx); err != nil {
		k.log.Warn("kafka flush on close failed", zap.Error(err))
	}
	k.client.Close()
}
