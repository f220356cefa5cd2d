// Package events publishes JSON events to Kafka.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
)

var ErrProducerClosed = errors.New("producer closed")

// WriterInterface abstracts kafka.Writer for testing.
type WriterInterface interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
	Stats() kafka.WriterStats
}

// Config holds producer settings. Brokers and Topic are required.
type Config struct {
	Brokers      []string
	Topic        string
	Acks         string // none, one or all
	BatchTimeout time.Duration
	WriteTimeout time.Duration
}

// Validate checks the required fields.
func (c Config) Validate() error {
	if len(c.Brokers) == 0 {
		return errors.New("kafka brokers required")
	}
	if strings.TrimSpace(c.Topic) == "" {
		return errors.New("kafka topic required")
	}
	return nil
}

// Stats is a snapshot of producer counters.
type Stats struct {
	Sent   int64 `json:"sent"`
	Failed int64 `json:"failed"`
}

// Producer publishes events to a single topic.
type Producer struct {
	writer WriterInterface
	topic  string
	logger zerolog.Logger
	closed atomic.Bool
	sent   atomic.Int64
	failed atomic.Int64
}

// NewProducer creates a Producer backed by a kafka.Writer.
func NewProducer(cfg Config, logger zerolog.Logger) (*Producer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.BatchTimeout == 0 {
		cfg.BatchTimeout = 50 * time.Millisecond
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 10 * time.Second
	}

	var acks kafka.RequiredAcks
	switch cfg.Acks {
	case "none":
		acks = kafka.RequireNone
	case "all":
		acks = kafka.RequireAll
	default:
		acks = kafka.RequireOne
	}

	writer := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           acks,
		BatchTimeout:           cfg.BatchTimeout,
		WriteTimeout:           cfg.WriteTimeout,
		AllowAutoTopicCreation: true,
	}
	return NewProducerWithWriter(writer, cfg.Topic, logger), nil
}

// NewProducerWithWriter wraps an existing writer whose topic is already set.
func NewProducerWithWriter(w WriterInterface, topic string, logger zerolog.Logger) *Producer {
	return &Producer{writer: w, topic: topic, logger: logger}
}

// Topic returns the topic events are written to.
func (p *Producer) Topic() string { return p.topic }

// Publish writes payload as JSON. Messages with the same key land on the
// same partition.
func (p *Producer) Publish(ctx context.Context, key string, payload interface{}) error {
	if p.closed.Load() {
		return ErrProducerClosed
	}
	value, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(key),
		Value: value,
		Time:  time.Now().UTC(),
		Headers: []kafka.Header{
			{Key: "content-type", Value: []byte("application/json")},
			{Key: "event-id", Value: []byte(uuid.NewString())},
		},
	}

	start := time.Now()
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		p.failed.Add(1)
		return fmt.Errorf("publish to %s: %w", p.topic, err)
	}
	p.sent.Add(1)

	p.logger.Debug().
		Str("topic", p.topic).
		Str("key", key).
		Dur("latency", time.Since(start)).
		Msg("event published")
	return nil
}

// Stats returns the producer counters.
func (p *Producer) Stats() Stats {
	return Stats{Sent: p.sent.Load(), Failed: p.failed.Load()}
}

// Ping reports whether the producer can still accept events.
func (p *Producer) Ping(context.Context) error {
	if p.closed.Load() {
		return ErrProducerClosed
	}
	return nil
}

// Close flushes pending writes and closes the writer. It is safe to call
// more than once.
func (p *Producer) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := p.writer.Close()
	p.logger.Info().Int64("sent", p.sent.Load()).Int64("failed", p.failed.Load()).Msg("kafka producer closed")
	return err
}
