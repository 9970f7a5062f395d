// Package worker runs the stream consumer: it polls the transactions topic
// as a consumer-group member and drives each event through scoring into
// the decision store.
//
// Delivery is at-least-once. Offsets are committed in the background by
// the source on a timer, independent of decision writes, so a crash after
// a write but before the next commit redelivers the event and it is scored
// again. Decision upserts are idempotent, which makes that safe.
//
// Messages are processed one at a time: the next poll is issued only after
// the previous message is scored and persisted.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/codes"

	"github.com/mbd888/fraudstream/internal/decisions"
	"github.com/mbd888/fraudstream/internal/events"
	"github.com/mbd888/fraudstream/internal/logging"
	"github.com/mbd888/fraudstream/internal/metrics"
	"github.com/mbd888/fraudstream/internal/scoring"
	"github.com/mbd888/fraudstream/internal/stream"
	"github.com/mbd888/fraudstream/internal/traces"
)

// State is the consumer's lifecycle state.
type State string

const (
	StateStarting   State = "starting"
	StatePolling    State = "polling"
	StateProcessing State = "processing"
	StateDraining   State = "draining"
	StateStopped    State = "stopped"
)

var allStates = []string{
	string(StateStarting), string(StatePolling), string(StateProcessing),
	string(StateDraining), string(StateStopped),
}

// TransportError means the connection to the broker is broken. It is fatal
// to the worker; a supervisor is expected to restart the process.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string { return "worker: transport error: " + e.Err.Error() }
func (e *TransportError) Unwrap() error { return e.Err }

// Processing outcomes, used as metric labels.
const (
	OutcomeScored      = "scored"
	OutcomeInvalid     = "invalid"
	OutcomeOracleError = "oracle_error"
	OutcomeStoreError  = "store_error"
)

// Config tunes the loop.
type Config struct {
	// PollTimeout bounds each poll; an empty poll just loops.
	PollTimeout time.Duration
	// StoreTimeout bounds each decision write.
	StoreTimeout time.Duration
}

// Worker is a single consumer-group member.
type Worker struct {
	source    stream.Source
	scorer    *scoring.Scorer
	decisions decisions.Store
	cfg       Config
	logger    *slog.Logger
	state     atomic.Value // State
}

// New creates a worker. It owns source and closes it when Run returns.
func New(source stream.Source, scorer *scoring.Scorer, store decisions.Store, cfg Config, logger *slog.Logger) *Worker {
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = time.Second
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = 5 * time.Second
	}
	w := &Worker{source: source, scorer: scorer, decisions: store, cfg: cfg, logger: logger}
	w.setState(StateStarting)
	return w
}

// State returns the current lifecycle state.
func (w *Worker) State() State {
	return w.state.Load().(State)
}

func (w *Worker) setState(s State) {
	w.state.Store(s)
	metrics.SetConsumerState(string(s), allStates)
}

// Run polls until ctx is cancelled or the transport fails. On cancellation
// the in-flight message, if any, is finished before the source is closed
// and Run returns nil. A broken transport returns a *TransportError.
func (w *Worker) Run(ctx context.Context) error {
	w.setState(StateStarting)
	w.logger.Info("consumer starting", "model_version", w.scorer.ModelVersion())

	defer func() {
		w.setState(StateDraining)
		if cerr := w.source.Close(); cerr != nil {
			w.logger.Warn("consumer close failed", "error", cerr)
		}
		w.setState(StateStopped)
		w.logger.Info("consumer stopped")
	}()

	for {
		if ctx.Err() != nil {
			return nil
		}
		w.setState(StatePolling)

		msg, perr := w.source.Poll(ctx, w.cfg.PollTimeout)
		switch {
		case perr == nil:
		case errors.Is(perr, stream.ErrPollTimeout), errors.Is(perr, stream.ErrPartitionEOF):
			continue
		case ctx.Err() != nil:
			return nil
		case errors.Is(perr, stream.ErrClosed):
			w.logger.Info("source closed, stopping")
			return nil
		default:
			w.logger.Error("consumer transport failed", "error", perr)
			return &TransportError{Err: perr}
		}

		w.setState(StateProcessing)
		// Shutdown must not abort a message half way: it is finished on a
		// context that outlives ctx.
		w.process(context.WithoutCancel(ctx), msg)
	}
}

// process scores one message and upserts its decision. Failures are
// logged and counted; the message is then skipped and redelivery (if any)
// is the only retry.
func (w *Worker) process(ctx context.Context, msg *stream.Message) string {
	start := time.Now()
	ctx = traces.Extract(ctx, msg.Headers)
	ctx, span := traces.StartSpan(ctx, "worker.process",
		traces.Topic(msg.Topic), traces.Partition(msg.Partition), traces.Offset(msg.Offset))
	defer span.End()

	log := w.logger.With("partition", msg.Partition, "offset", msg.Offset)
	outcome := w.handle(ctx, msg, log)

	metrics.MessagesTotal.WithLabelValues(outcome).Inc()
	metrics.ProcessDuration.Observe(time.Since(start).Seconds())
	if outcome != OutcomeScored {
		span.SetStatus(codes.Error, outcome)
	}
	return outcome
}

func (w *Worker) handle(ctx context.Context, msg *stream.Message, log *slog.Logger) string {
	p, err := events.DecodePayload(msg.Value)
	if err != nil {
		log.Warn("skipping invalid message", "key", string(msg.Key), "error", err)
		return OutcomeInvalid
	}
	log = log.With("event_id", p.ID)
	ctx = logging.WithEventID(ctx, p.ID)

	res, err := w.scorer.Score(ctx, scoring.Input{
		EventID:    p.ID,
		MerchantID: p.MerchantID,
		Amount:     p.Amount,
		EventTime:  p.CreatedAt,
	})
	if err != nil {
		log.Warn("scoring failed, skipping", "error", err)
		return OutcomeOracleError
	}

	d := res.Decision(p.ID, w.scorer.Now())
	if err := w.upsert(ctx, d); err != nil {
		log.Warn("decision write failed, skipping", "error", err)
		return OutcomeStoreError
	}

	metrics.DecisionsTotal.WithLabelValues(string(d.Outcome)).Inc()
	metrics.RiskScore.Observe(d.Score)
	log.Info("scored", "risk", fmt.Sprintf("%.3f", d.Score), "decision", d.Outcome, "model_version", d.ModelVersion)
	return OutcomeScored
}

func (w *Worker) upsert(ctx context.Context, d *decisions.Decision) error {
	ctx, span := traces.StartSpan(ctx, "decisions.Upsert", traces.EventID(d.EventID),
		traces.Risk(d.Score), traces.Decision(string(d.Outcome)))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, w.cfg.StoreTimeout)
	defer cancel()
	if err := w.decisions.Upsert(ctx, d); err != nil {
		span.RecordError(err)
		return err
	}
	return nil
}
