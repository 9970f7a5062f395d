// Package stream moves transaction payloads through Kafka.
//
// The producer side is a synchronous, bounded-wait publish: Publish returns
// only after the broker acknowledged the write on all in-sync replicas, or
// fails with ErrPublish. The consumer side is a poll-style Source whose
// non-message outcomes (timeout, partition end, closed) are distinct
// sentinel errors so the consumer loop can tell them apart from transport
// failures.
package stream

import (
	"context"
	"errors"
	"time"

	"github.com/segmentio/kafka-go"
)

var (
	// ErrPublish means the broker did not acknowledge a write within the
	// delivery budget.
	ErrPublish = errors.New("stream: publish failed")
	// ErrPollTimeout means no message arrived within the poll interval.
	ErrPollTimeout = errors.New("stream: poll timeout")
	// ErrPartitionEOF means a partition was read to its current end.
	ErrPartitionEOF = errors.New("stream: partition end of stream")
	// ErrClosed means the source was closed.
	ErrClosed = errors.New("stream: closed")
)

// Message is one record read from a topic.
type Message struct {
	Topic     string
	Partition int
	Offset    int64
	Key       []byte
	Value     []byte
	Headers   []kafka.Header
	Time      time.Time
}

// Source is the consumer side of a topic subscription.
type Source interface {
	// Poll blocks up to timeout for the next message. It returns
	// ErrPollTimeout, ErrPartitionEOF or ErrClosed for the corresponding
	// conditions, ctx.Err() if ctx ends first, and any other error for a
	// broken transport.
	Poll(ctx context.Context, timeout time.Duration) (*Message, error)
	Close() error
}

// Publisher is the producer side of a topic.
type Publisher interface {
	Publish(ctx context.Context, key string, payload []byte) error
}
