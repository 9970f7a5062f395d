package stream

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/segmentio/kafka-go"
)

// SourceConfig configures a KafkaSource.
type SourceConfig struct {
	Brokers []string
	Topic   string
	GroupID string
	// CommitInterval is how often read offsets are committed in the
	// background. Commits are not tied to message processing.
	CommitInterval time.Duration
}

// messageReader is the subset of *kafka.Reader the source uses.
type messageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// KafkaSource is a consumer-group member reading one topic.
type KafkaSource struct {
	reader messageReader
}

// NewKafkaSource joins cfg.GroupID on cfg.Topic. A group with no committed
// offset starts from the earliest message.
func NewKafkaSource(cfg SourceConfig) *KafkaSource {
	if cfg.CommitInterval <= 0 {
		cfg.CommitInterval = time.Second
	}
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		GroupID:        cfg.GroupID,
		Topic:          cfg.Topic,
		MinBytes:       1,
		MaxBytes:       10e6,
		MaxWait:        500 * time.Millisecond,
		CommitInterval: cfg.CommitInterval,
		StartOffset:    kafka.FirstOffset,
	})
	return &KafkaSource{reader: r}
}

func (s *KafkaSource) Poll(ctx context.Context, timeout time.Duration) (*Message, error) {
	pctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	m, err := s.reader.ReadMessage(pctx)
	if err != nil {
		return nil, classifyReadError(ctx, err)
	}
	return &Message{
		Topic:     m.Topic,
		Partition: m.Partition,
		Offset:    m.Offset,
		Key:       m.Key,
		Value:     m.Value,
		Headers:   m.Headers,
		Time:      m.Time,
	}, nil
}

// classifyReadError maps kafka-go read errors onto the Source contract.
// parent is the caller's context, before the poll deadline was applied.
func classifyReadError(parent context.Context, err error) error {
	switch {
	case errors.Is(err, io.EOF):
		return ErrClosed
	case parent.Err() != nil:
		return parent.Err()
	case errors.Is(err, context.DeadlineExceeded):
		return ErrPollTimeout
	default:
		return err
	}
}

// Close leaves the consumer group and commits outstanding offsets.
func (s *KafkaSource) Close() error {
	return s.reader.Close()
}
