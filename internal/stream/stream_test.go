package stream

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeWriter struct {
	mu     sync.Mutex
	msgs   []kafka.Message
	err    error
	block  bool
	closed bool
}

func (w *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	if w.block {
		<-ctx.Done()
		return ctx.Err()
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { w.closed = true; return nil }

func TestNewKafkaProducer_Config(t *testing.T) {
	p := NewKafkaProducer(ProducerConfig{
		Brokers:         []string{"localhost:19092"},
		Topic:           "transactions.v1",
		DeliveryTimeout: 3 * time.Second,
		MaxAttempts:     4,
	}, discardLogger())
	defer p.Close()

	w, ok := p.writer.(*kafka.Writer)
	require.True(t, ok)
	assert.Equal(t, "transactions.v1", w.Topic)
	assert.IsType(t, &kafka.Hash{}, w.Balancer)
	assert.Equal(t, kafka.RequireAll, w.RequiredAcks)
	assert.Equal(t, 4, w.MaxAttempts)
	assert.Equal(t, 3*time.Second, p.deliveryTimeout)
}

func TestKafkaProducer_PublishKeyedMessage(t *testing.T) {
	w := &fakeWriter{}
	p := newProducer(w, "transactions.v1", time.Second, discardLogger())

	require.NoError(t, p.Publish(context.Background(), "evt_1", []byte(`{"id":"evt_1"}`)))
	require.Len(t, w.msgs, 1)
	assert.Equal(t, []byte("evt_1"), w.msgs[0].Key)
	assert.JSONEq(t, `{"id":"evt_1"}`, string(w.msgs[0].Value))

	require.NoError(t, p.Close())
	assert.True(t, w.closed)
}

func TestKafkaProducer_BrokerErrorIsPublishError(t *testing.T) {
	boom := errors.New("leader not available")
	p := newProducer(&fakeWriter{err: boom}, "t", time.Second, discardLogger())

	err := p.Publish(context.Background(), "evt_1", []byte("{}"))
	assert.ErrorIs(t, err, ErrPublish)
	assert.ErrorIs(t, err, boom)
}

func TestKafkaProducer_DeliveryTimeout(t *testing.T) {
	p := newProducer(&fakeWriter{block: true}, "t", 20*time.Millisecond, discardLogger())

	start := time.Now()
	err := p.Publish(context.Background(), "evt_1", []byte("{}"))
	assert.ErrorIs(t, err, ErrPublish)
	assert.Less(t, time.Since(start), time.Second)
}

type fakeReader struct {
	msg    kafka.Message
	err    error
	block  bool
	closed bool
}

func (r *fakeReader) ReadMessage(ctx context.Context) (kafka.Message, error) {
	if r.block {
		<-ctx.Done()
		return kafka.Message{}, ctx.Err()
	}
	return r.msg, r.err
}

func (r *fakeReader) Close() error { r.closed = true; return nil }

func TestKafkaSource_PollConvertsMessage(t *testing.T) {
	r := &fakeReader{msg: kafka.Message{
		Topic: "transactions.v1", Partition: 2, Offset: 41,
		Key: []byte("evt_1"), Value: []byte("{}"),
		Headers: []kafka.Header{{Key: "traceparent", Value: []byte("x")}},
	}}
	s := &KafkaSource{reader: r}

	m, err := s.Poll(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, 2, m.Partition)
	assert.Equal(t, int64(41), m.Offset)
	assert.Equal(t, "evt_1", string(m.Key))
	assert.Len(t, m.Headers, 1)

	require.NoError(t, s.Close())
	assert.True(t, r.closed)
}

func TestKafkaSource_PollTimeout(t *testing.T) {
	s := &KafkaSource{reader: &fakeReader{block: true}}
	_, err := s.Poll(context.Background(), 10*time.Millisecond)
	assert.ErrorIs(t, err, ErrPollTimeout)
}

func TestClassifyReadError(t *testing.T) {
	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	transport := errors.New("broken pipe")

	tests := []struct {
		name   string
		parent context.Context
		err    error
		want   error
	}{
		{"closed reader", context.Background(), io.EOF, ErrClosed},
		{"poll deadline", context.Background(), context.DeadlineExceeded, ErrPollTimeout},
		{"caller cancelled", cancelled, context.Canceled, context.Canceled},
		{"transport", context.Background(), transport, transport},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, classifyReadError(tt.parent, tt.err), tt.want)
		})
	}
}

func TestMemoryBroker_PublishThenPoll(t *testing.T) {
	b := NewMemoryBroker("transactions.v1", 3)
	ctx := context.Background()

	require.NoError(t, b.Publish(ctx, "evt_1", []byte("a")))
	require.NoError(t, b.Publish(ctx, "evt_1", []byte("b")))
	require.NoError(t, b.Publish(ctx, "evt_2", []byte("c")))

	msgs := b.Messages()
	require.Len(t, msgs, 3)
	assert.Equal(t, msgs[0].Partition, msgs[1].Partition, "same key, same partition")
	assert.Less(t, msgs[0].Offset, msgs[1].Offset)

	m, err := b.Poll(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "a", string(m.Value))
	assert.Equal(t, 2, b.Pending())
}

func TestMemoryBroker_PollTimeoutAndEOF(t *testing.T) {
	b := NewMemoryBroker("t", 1)
	_, err := b.Poll(context.Background(), 10*time.Millisecond)
	assert.ErrorIs(t, err, ErrPollTimeout)

	b.EOFAfterDrain = true
	_, err = b.Poll(context.Background(), 10*time.Millisecond)
	assert.ErrorIs(t, err, ErrPartitionEOF)
	_, err = b.Poll(context.Background(), 10*time.Millisecond)
	assert.ErrorIs(t, err, ErrPollTimeout, "EOF is reported once per drain")
}

func TestMemoryBroker_PollWakesOnPublish(t *testing.T) {
	b := NewMemoryBroker("t", 1)
	go func() {
		time.Sleep(10 * time.Millisecond)
		_ = b.Publish(context.Background(), "k", []byte("v"))
	}()
	m, err := b.Poll(context.Background(), 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "v", string(m.Value))
}

func TestMemoryBroker_CloseAndCancel(t *testing.T) {
	b := NewMemoryBroker("t", 1)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	_, err := b.Poll(ctx, 5*time.Second)
	assert.ErrorIs(t, err, context.Canceled)

	require.NoError(t, b.Close())
	_, err = b.Poll(context.Background(), time.Second)
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, b.Publish(context.Background(), "k", nil), ErrPublish)
}

func TestMemoryBroker_PublishErr(t *testing.T) {
	b := NewMemoryBroker("t", 1)
	b.PublishErr = errors.New("broker down")
	err := b.Publish(context.Background(), "k", nil)
	assert.ErrorIs(t, err, ErrPublish)
	assert.Empty(t, b.Messages())
}

func TestMemoryBroker_Redeliver(t *testing.T) {
	b := NewMemoryBroker("t", 1)
	require.NoError(t, b.Publish(context.Background(), "k", []byte("v")))
	_, err := b.Poll(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, 0, b.Pending())

	b.Redeliver()
	m, err := b.Poll(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, "v", string(m.Value))
}
