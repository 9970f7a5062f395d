package stream

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
)

// MemoryBroker is an in-process topic implementing both Publisher and
// Source. It hashes keys to partitions like the Kafka producer so tests can
// observe per-key ordering, and it redelivers nothing on its own: use
// Redeliver to simulate at-least-once duplicates.
type MemoryBroker struct {
	mu         sync.Mutex
	cond       *sync.Cond
	topic      string
	partitions int
	log        []Message
	next       int
	closed     bool
	offsets    map[int]int64

	// PublishErr, when set, fails every Publish with ErrPublish.
	PublishErr error
	// EOFAfterDrain makes Poll report ErrPartitionEOF once when it reaches
	// the end of the log, as librdkafka-style consumers do.
	EOFAfterDrain bool
	eofSent       bool
}

// NewMemoryBroker creates a broker for topic with the given partition count.
func NewMemoryBroker(topic string, partitions int) *MemoryBroker {
	if partitions <= 0 {
		partitions = 1
	}
	b := &MemoryBroker{topic: topic, partitions: partitions, offsets: make(map[int]int64)}
	b.cond = sync.NewCond(&b.mu)
	return b
}

func (b *MemoryBroker) Publish(ctx context.Context, key string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.PublishErr != nil {
		return fmt.Errorf("%w: %w", ErrPublish, b.PublishErr)
	}
	if b.closed {
		return fmt.Errorf("%w: %w", ErrPublish, ErrClosed)
	}

	p := b.partitionFor(key)
	msg := Message{
		Topic:     b.topic,
		Partition: p,
		Offset:    b.offsets[p],
		Key:       []byte(key),
		Value:     append([]byte(nil), payload...),
		Time:      time.Now(),
	}
	b.offsets[p]++
	b.log = append(b.log, msg)
	b.eofSent = false
	b.cond.Broadcast()
	return nil
}

// Inject appends a raw message, bypassing Publish. Useful for malformed payloads.
func (b *MemoryBroker) Inject(key, value []byte, headers ...kafka.Header) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p := b.partitionFor(string(key))
	b.log = append(b.log, Message{
		Topic: b.topic, Partition: p, Offset: b.offsets[p],
		Key: key, Value: value, Headers: headers, Time: time.Now(),
	})
	b.offsets[p]++
	b.eofSent = false
	b.cond.Broadcast()
}

// Redeliver re-queues every message already consumed, as after a crash
// before the offsets were committed.
func (b *MemoryBroker) Redeliver() {
	b.mu.Lock()
	b.next = 0
	b.eofSent = false
	b.cond.Broadcast()
	b.mu.Unlock()
}

func (b *MemoryBroker) Poll(ctx context.Context, timeout time.Duration) (*Message, error) {
	deadline := time.Now().Add(timeout)
	stop := context.AfterFunc(ctx, func() {
		b.mu.Lock()
		b.cond.Broadcast()
		b.mu.Unlock()
	})
	defer stop()
	timer := time.AfterFunc(timeout, func() {
		b.mu.Lock()
		b.cond.Broadcast()
		b.mu.Unlock()
	})
	defer timer.Stop()

	b.mu.Lock()
	defer b.mu.Unlock()
	for {
		switch {
		case b.closed:
			return nil, ErrClosed
		case ctx.Err() != nil:
			return nil, ctx.Err()
		case b.next < len(b.log):
			m := b.log[b.next]
			b.next++
			return &m, nil
		case b.EOFAfterDrain && !b.eofSent:
			b.eofSent = true
			return nil, ErrPartitionEOF
		case !time.Now().Before(deadline):
			return nil, ErrPollTimeout
		}
		b.cond.Wait()
	}
}

// Close wakes pending polls with ErrClosed.
func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	b.closed = true
	b.cond.Broadcast()
	b.mu.Unlock()
	return nil
}

// Messages returns a copy of everything published so far.
func (b *MemoryBroker) Messages() []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Message(nil), b.log...)
}

// Pending returns how many messages have not been polled yet.
func (b *MemoryBroker) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.log) - b.next
}

// partitionFor hashes key onto a partition. Caller must hold b.mu.
func (b *MemoryBroker) partitionFor(key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(b.partitions))
}
