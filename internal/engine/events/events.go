// Package events publishes task-execution lifecycle events to Kafka. It is
// purely observational — nothing in the engine's execution path blocks on
// or reads back a published event.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Type discriminates the small, engine-specific event taxonomy.
type Type string

const (
	TaskCompleted Type = "task.completed"
	TaskFailed    Type = "task.failed"
	TaskRetried   Type = "task.retried"
	WorkerEvicted Type = "worker.evicted"
)

// Event is one published lifecycle record.
type Event struct {
	ID        string                 `json:"id"`
	Type      Type                   `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	PoolType  string                 `json:"pool_type,omitempty"`
	WorkerID  uint64                 `json:"worker_id,omitempty"`
	Attempt   int                    `json:"attempt,omitempty"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// Sink is what the engine facade depends on, so a disabled Kafka config can
// swap in NoopPublisher without the facade knowing the difference.
type Sink interface {
	Publish(ctx context.Context, ev Event) error
	Close() error
}

// Config holds the Kafka connection for the publisher.
type Config struct {
	Brokers []string
	Topic   string
}

// Publisher publishes Events to Kafka asynchronously.
type Publisher struct {
	producer sarama.AsyncProducer
	topic    string
	logger   *zap.SugaredLogger
}

// NewPublisher dials Kafka and starts the success/error drain goroutines.
func NewPublisher(cfg Config, logger *zap.SugaredLogger) (*Publisher, error) {
	saramaCfg := sarama.NewConfig()
	saramaCfg.Producer.RequiredAcks = sarama.WaitForLocal
	saramaCfg.Producer.Retry.Max = 5
	saramaCfg.Producer.Return.Successes = true
	saramaCfg.Producer.Return.Errors = true
	saramaCfg.Producer.Compression = sarama.CompressionSnappy

	producer, err := sarama.NewAsyncProducer(cfg.Brokers, saramaCfg)
	if err != nil {
		return nil, fmt.Errorf("events: create producer: %w", err)
	}

	p := &Publisher{producer: producer, topic: cfg.Topic, logger: logger}
	go p.drainSuccesses()
	go p.drainErrors()
	return p, nil
}

// Publish emits ev asynchronously. It never blocks on broker acknowledgment
// — Publish returns once the message is handed to the producer's internal
// queue, or ctx is cancelled first.
func (p *Publisher) Publish(ctx context.Context, ev Event) error {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("events: marshal: %w", err)
	}

	msg := &sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(ev.ID),
		Value: sarama.ByteEncoder(data),
		Headers: []sarama.RecordHeader{
			{Key: []byte("eventType"), Value: []byte(ev.Type)},
		},
		Timestamp: ev.Timestamp,
	}

	select {
	case p.producer.Input() <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close flushes and closes the producer.
func (p *Publisher) Close() error {
	return p.producer.Close()
}

func (p *Publisher) drainErrors() {
	for err := range p.producer.Errors() {
		if p.logger != nil {
			p.logger.Errorw("event publish failed", "error", err.Err)
		}
	}
}

func (p *Publisher) drainSuccesses() {
	for msg := range p.producer.Successes() {
		if p.logger != nil {
			p.logger.Debugw("event published", "topic", msg.Topic, "partition", msg.Partition, "offset", msg.Offset)
		}
	}
}

// NoopPublisher is used when Kafka publishing is disabled (KafkaConfig.Enabled
// == false); it satisfies the same call sites without a live broker.
type NoopPublisher struct{}

func (NoopPublisher) Publish(ctx context.Context, ev Event) error { return nil }
func (NoopPublisher) Close() error                                { return nil }
