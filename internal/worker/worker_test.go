package worker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/fraudstream/internal/decisions"
	"github.com/mbd888/fraudstream/internal/events"
	"github.com/mbd888/fraudstream/internal/oracle"
	"github.com/mbd888/fraudstream/internal/scoring"
	"github.com/mbd888/fraudstream/internal/stream"
)

var fixedNow = time.Date(2026, 2, 3, 20, 0, 0, 0, time.UTC)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newScorer(t *testing.T, o scoring.Oracle) *scoring.Scorer {
	t.Helper()
	s, err := scoring.NewScorer(o, scoring.Policy{Threshold: 0.7},
		scoring.FeatureBuilder{Now: func() time.Time { return fixedNow }}, time.Second)
	require.NoError(t, err)
	return s
}

// sequenceOracle returns scores in order, repeating the last one.
type sequenceOracle struct {
	mu     sync.Mutex
	scores []float64
	calls  int
}

func (o *sequenceOracle) Score(context.Context, scoring.Features) (float64, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	i := min(o.calls, len(o.scores)-1)
	o.calls++
	return o.scores[i], nil
}

func (o *sequenceOracle) ModelVersion() string { return "iforest-v1" }

type failingOracle struct{}

func (failingOracle) Score(context.Context, scoring.Features) (float64, error) {
	return 0, errors.New("model down")
}
func (failingOracle) ModelVersion() string { return "iforest-v1" }

// blockingOracle holds each call until release is closed.
type blockingOracle struct {
	entered chan struct{}
	release chan struct{}
}

func (o *blockingOracle) Score(context.Context, scoring.Features) (float64, error) {
	o.entered <- struct{}{}
	<-o.release
	return 0, nil
}
func (o *blockingOracle) ModelVersion() string { return "iforest-v1" }

// brokenSource fails every poll the way a dead broker connection would.
type brokenSource struct {
	err    error
	closed atomic.Bool
}

func (s *brokenSource) Poll(context.Context, time.Duration) (*stream.Message, error) {
	return nil, s.err
}

func (s *brokenSource) Close() error {
	s.closed.Store(true)
	return nil
}

type failingDecisionStore struct{ decisions.Store }

func (failingDecisionStore) Upsert(context.Context, *decisions.Decision) error {
	return errors.New("db down")
}

func publish(t *testing.T, b *stream.MemoryBroker, id, merchant string, amount float64) {
	t.Helper()
	e := &events.Event{ID: id, UserID: "u1", MerchantID: merchant, Amount: amount, Currency: "EUR"}
	data, err := e.ToPayload().Encode()
	require.NoError(t, err)
	require.NoError(t, b.Publish(context.Background(), id, data))
}

func startWorker(t *testing.T, w *Worker) (cancel func(), done <-chan error) {
	t.Helper()
	ctx, cancelFn := context.WithCancel(context.Background())
	ch := make(chan error, 1)
	go func() { ch <- w.Run(ctx) }()
	t.Cleanup(cancelFn)
	return cancelFn, ch
}

func waitDone(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop")
		return nil
	}
}

func testConfig() Config {
	return Config{PollTimeout: 20 * time.Millisecond, StoreTimeout: time.Second}
}

func TestWorker_ScoresAndPersists(t *testing.T) {
	broker := stream.NewMemoryBroker("transactions.v1", 3)
	store := decisions.NewMemoryStore()
	w := New(broker, newScorer(t, oracle.Static{Anomaly: 0, Version: "iforest-v1"}), store, testConfig(), discardLogger())

	publish(t, broker, "evt_1", "m1", 10.5)
	cancel, done := startWorker(t, w)

	require.Eventually(t, func() bool { return store.Count() == 1 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, waitDone(t, done))

	d, err := store.Get(context.Background(), "evt_1")
	require.NoError(t, err)
	assert.Equal(t, "pred_evt_1", d.ID)
	assert.Equal(t, 0.5, d.Score)
	assert.Equal(t, decisions.OutcomeLegit, d.Outcome)
	assert.Equal(t, "iforest-v1", d.ModelVersion)
	assert.Equal(t, "iforest_score=0.000000,risk=0.500", d.Explanation)
	assert.Equal(t, fixedNow, d.CreatedAt)
	assert.Equal(t, StateStopped, w.State())
}

func TestWorker_FraudDecision(t *testing.T) {
	broker := stream.NewMemoryBroker("t", 1)
	store := decisions.NewMemoryStore()
	w := New(broker, newScorer(t, oracle.Static{Anomaly: -2, Version: "iforest-v1"}), store, testConfig(), discardLogger())

	publish(t, broker, "evt_f", "m1", 9999)
	_, done := startWorker(t, w)
	require.Eventually(t, func() bool { return store.Count() == 1 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, broker.Close())
	require.NoError(t, waitDone(t, done))

	d, err := store.Get(context.Background(), "evt_f")
	require.NoError(t, err)
	assert.Equal(t, decisions.OutcomeFraud, d.Outcome)
	assert.InDelta(t, 0.8808, d.Score, 1e-4)
}

func TestWorker_RedeliveryOverwritesSingleRow(t *testing.T) {
	broker := stream.NewMemoryBroker("t", 1)
	store := decisions.NewMemoryStore()
	orc := &sequenceOracle{scores: []float64{0, -2}}
	w := New(broker, newScorer(t, orc), store, testConfig(), discardLogger())

	publish(t, broker, "evt_1", "m1", 10.5)
	cancel, done := startWorker(t, w)
	require.Eventually(t, func() bool { return store.Writes() == 1 }, 2*time.Second, 5*time.Millisecond)

	broker.Redeliver()
	require.Eventually(t, func() bool { return store.Writes() == 2 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, waitDone(t, done))

	assert.Equal(t, 1, store.Count())
	d, err := store.Get(context.Background(), "evt_1")
	require.NoError(t, err)
	assert.Equal(t, decisions.OutcomeFraud, d.Outcome, "last write wins")
	assert.Equal(t, "iforest_score=-2.000000,risk=0.881", d.Explanation)
}

func TestWorker_SkipsInvalidPayload(t *testing.T) {
	broker := stream.NewMemoryBroker("t", 1)
	store := decisions.NewMemoryStore()
	w := New(broker, newScorer(t, oracle.Static{}), store, testConfig(), discardLogger())

	broker.Inject([]byte("bad_1"), []byte(`{"id":"bad_1","merchant_id":"m1","amount":"12"}`))
	broker.Inject([]byte("bad_2"), []byte(`not json`))
	publish(t, broker, "evt_2", "m2", 5)
	cancel, done := startWorker(t, w)

	require.Eventually(t, func() bool { return store.Count() == 1 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, waitDone(t, done))

	_, err := store.Get(context.Background(), "bad_1")
	assert.ErrorIs(t, err, decisions.ErrNotFound)
	_, err = store.Get(context.Background(), "evt_2")
	assert.NoError(t, err)
}

func TestWorker_OracleAndStoreFailuresAreSkipped(t *testing.T) {
	t.Run("oracle", func(t *testing.T) {
		broker := stream.NewMemoryBroker("t", 1)
		store := decisions.NewMemoryStore()
		w := New(broker, newScorer(t, failingOracle{}), store, testConfig(), discardLogger())
		publish(t, broker, "evt_1", "m1", 1)

		cancel, done := startWorker(t, w)
		require.Eventually(t, func() bool { return broker.Pending() == 0 }, 2*time.Second, 5*time.Millisecond)
		cancel()
		require.NoError(t, waitDone(t, done))
		assert.Equal(t, 0, store.Count())
	})

	t.Run("store", func(t *testing.T) {
		broker := stream.NewMemoryBroker("t", 1)
		w := New(broker, newScorer(t, oracle.Static{}), failingDecisionStore{}, testConfig(), discardLogger())
		publish(t, broker, "evt_1", "m1", 1)
		publish(t, broker, "evt_2", "m1", 1)

		cancel, done := startWorker(t, w)
		require.Eventually(t, func() bool { return broker.Pending() == 0 }, 2*time.Second, 5*time.Millisecond)
		cancel()
		assert.NoError(t, waitDone(t, done), "store errors never stop the loop")
	})
}

func TestWorker_ProcessOutcomes(t *testing.T) {
	w := New(stream.NewMemoryBroker("t", 1), newScorer(t, oracle.Static{}), decisions.NewMemoryStore(), testConfig(), discardLogger())
	ctx := context.Background()

	good, err := (&events.Event{ID: "e", UserID: "u", MerchantID: "m", Amount: 1, Currency: "EUR"}).ToPayload().Encode()
	require.NoError(t, err)

	assert.Equal(t, OutcomeScored, w.process(ctx, &stream.Message{Value: good}))
	assert.Equal(t, OutcomeInvalid, w.process(ctx, &stream.Message{Value: []byte(`{"id":"e"}`)}))

	w.scorer = newScorer(t, failingOracle{})
	assert.Equal(t, OutcomeOracleError, w.process(ctx, &stream.Message{Value: good}))

	w.scorer = newScorer(t, oracle.Static{})
	w.decisions = failingDecisionStore{}
	assert.Equal(t, OutcomeStoreError, w.process(ctx, &stream.Message{Value: good}))
}

func TestWorker_TimeoutAndEOFKeepPolling(t *testing.T) {
	broker := stream.NewMemoryBroker("t", 1)
	broker.EOFAfterDrain = true
	store := decisions.NewMemoryStore()
	w := New(broker, newScorer(t, oracle.Static{}), store, testConfig(), discardLogger())

	cancel, done := startWorker(t, w)
	// Several empty polls go by before anything arrives.
	time.Sleep(100 * time.Millisecond)
	publish(t, broker, "evt_late", "m1", 1)

	require.Eventually(t, func() bool { return store.Count() == 1 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, waitDone(t, done))
}

func TestWorker_TransportErrorIsFatal(t *testing.T) {
	boom := errors.New("broker connection reset")
	src := &brokenSource{err: boom}
	w := New(src, newScorer(t, oracle.Static{}), decisions.NewMemoryStore(), testConfig(), discardLogger())

	err := w.Run(context.Background())
	var terr *TransportError
	require.ErrorAs(t, err, &terr)
	assert.ErrorIs(t, err, boom)
	assert.True(t, src.closed.Load())
	assert.Equal(t, StateStopped, w.State())
}

func TestWorker_DrainsInFlightOnCancel(t *testing.T) {
	broker := stream.NewMemoryBroker("t", 1)
	store := decisions.NewMemoryStore()
	orc := &blockingOracle{entered: make(chan struct{}, 1), release: make(chan struct{})}
	w := New(broker, newScorer(t, orc), store, testConfig(), discardLogger())

	publish(t, broker, "evt_1", "m1", 1)
	publish(t, broker, "evt_2", "m1", 1)
	cancel, done := startWorker(t, w)

	select {
	case <-orc.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("message never reached the oracle")
	}
	assert.Equal(t, StateProcessing, w.State())

	cancel()
	close(orc.release)
	require.NoError(t, waitDone(t, done))

	assert.Equal(t, 1, store.Count(), "in-flight message finished, next one not polled")
	_, err := store.Get(context.Background(), "evt_1")
	assert.NoError(t, err)

	_, err = broker.Poll(context.Background(), time.Millisecond)
	assert.ErrorIs(t, err, stream.ErrClosed, "source released on stop")
}

func TestWorker_StopsWhenSourceClosed(t *testing.T) {
	broker := stream.NewMemoryBroker("t", 1)
	w := New(broker, newScorer(t, oracle.Static{}), decisions.NewMemoryStore(), testConfig(), discardLogger())
	_, done := startWorker(t, w)

	require.NoError(t, broker.Close())
	assert.NoError(t, waitDone(t, done))
}

func TestTransportError(t *testing.T) {
	inner := errors.New("eof")
	err := &TransportError{Err: inner}
	assert.Equal(t, "worker: transport error: eof", err.Error())
	assert.ErrorIs(t, err, inner)
}
