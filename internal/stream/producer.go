package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel/codes"

	"github.com/mbd888/fraudstream/internal/metrics"
	"github.com/mbd888/fraudstream/internal/traces"
)

// ProducerConfig configures a KafkaProducer.
type ProducerConfig struct {
	Brokers         []string
	Topic           string
	DeliveryTimeout time.Duration
	// MaxAttempts bounds the writer's internal retries of transient broker errors.
	MaxAttempts int
}

// messageWriter is the subset of *kafka.Writer the producer uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaProducer publishes keyed payloads to one topic. It is safe for
// concurrent use; each Publish waits for its own acknowledgement.
type KafkaProducer struct {
	writer          messageWriter
	topic           string
	deliveryTimeout time.Duration
	logger          *slog.Logger
}

// NewKafkaProducer creates a producer. Messages are hash-partitioned by key
// so every publish of one event ID lands on the same partition.
func NewKafkaProducer(cfg ProducerConfig, logger *slog.Logger) *KafkaProducer {
	if cfg.DeliveryTimeout <= 0 {
		cfg.DeliveryTimeout = 5 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		MaxAttempts:  cfg.MaxAttempts,
		BatchTimeout: 5 * time.Millisecond,
		WriteTimeout: cfg.DeliveryTimeout,
	}
	return newProducer(w, cfg.Topic, cfg.DeliveryTimeout, logger)
}

func newProducer(w messageWriter, topic string, timeout time.Duration, logger *slog.Logger) *KafkaProducer {
	return &KafkaProducer{writer: w, topic: topic, deliveryTimeout: timeout, logger: logger}
}

// Publish writes payload under key and blocks until the broker acknowledges
// it or the delivery timeout passes. Failures wrap ErrPublish.
func (p *KafkaProducer) Publish(ctx context.Context, key string, payload []byte) error {
	ctx, cancel := context.WithTimeout(ctx, p.deliveryTimeout)
	defer cancel()

	ctx, span := traces.StartSpan(ctx, "stream.Publish", traces.Topic(p.topic), traces.EventID(key))
	defer span.End()

	msg := kafka.Message{Key: []byte(key), Value: payload}
	traces.Inject(ctx, &msg.Headers)

	timer := prometheus.NewTimer(metrics.PublishDuration)
	err := p.writer.WriteMessages(ctx, msg)
	timer.ObserveDuration()

	if err != nil {
		metrics.PublishTotal.WithLabelValues("error").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "publish failed")
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w: no acknowledgement within %s", ErrPublish, p.deliveryTimeout)
		}
		return fmt.Errorf("%w: %w", ErrPublish, err)
	}
	metrics.PublishTotal.WithLabelValues("ok").Inc()
	p.logger.Debug("published", "topic", p.topic, "key", key, "bytes", len(payload))
	return nil
}

// Close flushes pending writes and releases connections.
func (p *KafkaProducer) Close() error {
	return p.writer.Close()
}

// Ping dials the first reachable broker. Used for readiness checks.
func Ping(ctx context.Context, brokers []string) error {
	var lastErr error
	for _, b := range brokers {
		conn, err := kafka.DialContext(ctx, "tcp", b)
		if err != nil {
			lastErr = err
			continue
		}
		return conn.Close()
	}
	if lastErr == nil {
		lastErr = errors.New("no brokers configured")
	}
	return fmt.Errorf("kafka unreachable: %w", lastErr)
}
