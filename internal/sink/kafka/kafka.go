// Package kafka publishes reporter transitions to a Kafka topic.
// Messages are keyed by subsystem so one subsystem's transitions land on one
// partition in order.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/compress"

	"firestige.xyz/failsink/internal/config"
	"firestige.xyz/failsink/internal/metrics"
	"firestige.xyz/failsink/internal/reporter"
	"firestige.xyz/failsink/internal/sink"
)

const writeTimeout = 5 * time.Second

// messageWriter is the part of *kafka.Writer the sink uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Sink is a transition observer backed by an async kafka.Writer.
type Sink struct {
	topic  string
	writer messageWriter

	// Statistics
	sentCount  atomic.Uint64
	errorCount atomic.Uint64
}

// New builds a sink from configuration. The writer is asynchronous: delivery
// results are counted from the completion callback.
func New(cfg config.KafkaSinkConfig) (*Sink, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka sink requires brokers")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("kafka sink requires a topic")
	}

	codec, err := compression(cfg.Compression)
	if err != nil {
		return nil, err
	}

	s := &Sink{topic: cfg.Topic}
	s.writer = &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchSize:    cfg.BatchSize,
		BatchTimeout: cfg.BatchTimeoutDuration(),
		MaxAttempts:  cfg.MaxAttempts,
		Compression:  codec,
		Async:        true,
		Completion:   s.complete,
	}

	slog.Info("kafka sink created",
		"brokers", cfg.Brokers,
		"topic", cfg.Topic,
		"batch_size", cfg.BatchSize,
		"compression", cfg.Compression,
	)
	return s, nil
}

func newWithWriter(topic string, w messageWriter) *Sink {
	return &Sink{topic: topic, writer: w}
}

func compression(name string) (compress.Compression, error) {
	switch name {
	case "none", "":
		return 0, nil
	case "gzip":
		return compress.Gzip, nil
	case "snappy":
		return compress.Snappy, nil
	case "lz4":
		return compress.Lz4, nil
	default:
		return 0, fmt.Errorf("invalid compression type: %s", name)
	}
}

// Observe is a reporter.Subscribe callback. Write errors are counted and logged.
func (s *Sink) Observe(t reporter.Transition) {
	msg, err := encode(t)
	if err != nil {
		s.fail(1)
		slog.Error("kafka sink: encode transition failed", "subsystem", t.Subsystem, "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := s.writer.WriteMessages(ctx, msg); err != nil {
		s.fail(1)
		slog.Error("kafka sink: write failed", "topic", s.topic, "subsystem", t.Subsystem, "error", err)
	}
}

// complete is the async writer's completion callback.
func (s *Sink) complete(messages []kafka.Message, err error) {
	if err != nil {
		s.fail(len(messages))
		slog.Error("kafka sink: delivery failed", "topic", s.topic, "messages", len(messages), "error", err)
		return
	}
	s.sentCount.Add(uint64(len(messages)))
}

func (s *Sink) fail(n int) {
	s.errorCount.Add(uint64(n))
	metrics.SinkErrorsTotal.WithLabelValues("kafka").Add(float64(n))
}

// Stats returns delivered and failed message counts.
func (s *Sink) Stats() (sent, failed uint64) {
	return s.sentCount.Load(), s.errorCount.Load()
}

// Close flushes pending messages.
func (s *Sink) Close() error {
	if err := s.writer.Close(); err != nil {
		return fmt.Errorf("close kafka writer: %w", err)
	}
	sent, failed := s.Stats()
	slog.Info("kafka sink stopped", "total_sent", sent, "total_errors", failed)
	return nil
}

func encode(t reporter.Transition) (kafka.Message, error) {
	rec := sink.NewRecord(t)
	value, err := json.Marshal(rec)
	if err != nil {
		return kafka.Message{}, err
	}

	return kafka.Message{
		Key:   []byte(t.Subsystem),
		Value: value,
		Time:  t.Time,
		Headers: []kafka.Header{
			{Key: "state", Value: []byte(rec.State)},
			{Key: "kind", Value: []byte(rec.Kind())},
		},
	}, nil
}
