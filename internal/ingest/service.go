// Package ingest is the synchronous half of the pipeline: it durably
// records an inbound transaction event and then publishes it for scoring.
//
// The store write always happens before the publish, so anything on the
// stream is already recorded. A publish failure leaves a stored but
// unscored event; it is reported to the caller, who may retry the ingest
// (every call publishes, duplicates included) or leave it to Republisher.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/codes"

	"github.com/mbd888/fraudstream/internal/events"
	"github.com/mbd888/fraudstream/internal/logging"
	"github.com/mbd888/fraudstream/internal/metrics"
	"github.com/mbd888/fraudstream/internal/traces"
)

var (
	ErrStorage = errors.New("ingest: storage unavailable")
	ErrPublish = errors.New("ingest: publish failed")
)

// StatusStored is the only success status: the event is durably recorded
// and was handed to the stream.
const StatusStored = "stored"

// Publisher sends an encoded payload to the transactions topic keyed by
// event ID, waiting for the broker's acknowledgement.
type Publisher interface {
	Publish(ctx context.Context, key string, payload []byte) error
}

// Result is returned to the caller of Ingest.
type Result struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	// Created is false when the event ID was already stored.
	Created bool `json:"-"`
}

// Service orchestrates the store write and the publish.
type Service struct {
	store        events.Store
	publisher    Publisher
	storeTimeout time.Duration
	logger       *slog.Logger
}

// NewService creates an ingestion service. storeTimeout bounds the store
// write; the publisher applies its own delivery budget.
func NewService(store events.Store, publisher Publisher, storeTimeout time.Duration, logger *slog.Logger) *Service {
	if storeTimeout <= 0 {
		storeTimeout = 5 * time.Second
	}
	return &Service{
		store:        store,
		publisher:    publisher,
		storeTimeout: storeTimeout,
		logger:       logger,
	}
}

// Ingest validates e, inserts it if absent, then publishes it. Validation
// failures wrap events.ErrInvalidEvent and have no side effects. Store
// failures wrap ErrStorage and nothing is published. Publish failures wrap
// ErrPublish; the event stays stored.
func (s *Service) Ingest(ctx context.Context, e *events.Event) (*Result, error) {
	ctx, span := traces.StartSpan(ctx, "ingest.Ingest", traces.EventID(e.ID), traces.MerchantID(e.MerchantID))
	defer span.End()
	ctx = logging.WithEventID(ctx, e.ID)

	if e.Source == "" {
		e.Source = events.DefaultSource
	}
	if err := e.Validate(); err != nil {
		metrics.IngestTotal.WithLabelValues("invalid").Inc()
		span.SetStatus(codes.Error, "invalid event")
		return nil, err
	}

	created, err := s.insert(ctx, e)
	if err != nil {
		metrics.IngestTotal.WithLabelValues("storage_error").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "store failed")
		s.logger.ErrorContext(ctx, "event store write failed", "event_id", e.ID, "error", err)
		return nil, fmt.Errorf("%w: %w", ErrStorage, err)
	}

	if err := s.publish(ctx, e); err != nil {
		metrics.IngestTotal.WithLabelValues("publish_error").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "publish failed")
		s.logger.ErrorContext(ctx, "event stored but not published", "event_id", e.ID, "error", err)
		return nil, fmt.Errorf("%w: %w", ErrPublish, err)
	}

	result := "stored"
	if !created {
		result = "duplicate"
	}
	metrics.IngestTotal.WithLabelValues(result).Inc()
	logging.L(ctx).Info("event ingested", "created", created, "merchant_id", e.MerchantID)

	return &Result{ID: e.ID, Status: StatusStored, Created: created}, nil
}

func (s *Service) insert(ctx context.Context, e *events.Event) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()
	return s.store.InsertIfAbsent(ctx, e)
}

func (s *Service) publish(ctx context.Context, e *events.Event) error {
	payload, err := e.ToPayload().Encode()
	if err != nil {
		return err
	}
	return s.publisher.Publish(ctx, e.ID, payload)
}
